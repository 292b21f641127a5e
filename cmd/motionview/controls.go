package main

import (
	"context"
	"sync/atomic"

	"github.com/banshee-data/motionview/internal/playback"
	"github.com/banshee-data/motionview/internal/viewer"
)

// engineControls forwards viewer commands to whichever engine is playing.
// Between viewpoints the commands are dropped and scene edits fail with
// viewer.ErrNoPlayback.
type engineControls struct {
	current atomic.Pointer[playback.Engine]
}

var _ viewer.Controls = (*engineControls)(nil)

func (c *engineControls) set(e *playback.Engine) { c.current.Store(e) }

func (c *engineControls) Pause() {
	if e := c.current.Load(); e != nil {
		e.Pause()
	}
}

func (c *engineControls) Play() {
	if e := c.current.Load(); e != nil {
		e.Play()
	}
}

func (c *engineControls) Seek(i int) int {
	if e := c.current.Load(); e != nil {
		return e.Seek(i)
	}
	return 0
}

func (c *engineControls) RequestFreeze() {
	if e := c.current.Load(); e != nil {
		e.RequestFreeze()
	}
}

func (c *engineControls) SetPOV(pov string) error {
	if e := c.current.Load(); e != nil {
		return e.SetPOV(pov)
	}
	return playback.ErrUnknownPOV
}

func (c *engineControls) SetFreeView(on bool) {
	if e := c.current.Load(); e != nil {
		e.SetFreeView(on)
	}
}

func (c *engineControls) SetRender(on bool) {
	if e := c.current.Load(); e != nil {
		e.SetRender(on)
	}
}

func (c *engineControls) SetFixCamera(on bool) {
	if e := c.current.Load(); e != nil {
		e.SetFixCamera(on)
	}
}

func (c *engineControls) SetIntrinsicFactor(f float64) {
	if e := c.current.Load(); e != nil {
		e.SetIntrinsicFactor(f)
	}
}

func (c *engineControls) ClearFrozen(ctx context.Context) error {
	if e := c.current.Load(); e != nil {
		return e.ClearFrozen(ctx)
	}
	return viewer.ErrNoPlayback
}

func (c *engineControls) RemoveFrozen(ctx context.Context, name string) error {
	if e := c.current.Load(); e != nil {
		return e.RemoveFrozen(ctx, name)
	}
	return viewer.ErrNoPlayback
}

func (c *engineControls) SetVisible(ctx context.Context, name string, on bool) error {
	if e := c.current.Load(); e != nil {
		return e.SetVisible(ctx, name, on)
	}
	return viewer.ErrNoPlayback
}

func (c *engineControls) SetScale(ctx context.Context, scale float64) error {
	if e := c.current.Load(); e != nil {
		return e.SetScale(ctx, scale)
	}
	return viewer.ErrNoPlayback
}

func (c *engineControls) JumpToView(ctx context.Context, i int) error {
	if e := c.current.Load(); e != nil {
		return e.JumpToView(ctx, i)
	}
	return viewer.ErrNoPlayback
}

func (c *engineControls) Status() playback.Status {
	if e := c.current.Load(); e != nil {
		return e.Status()
	}
	return playback.Status{}
}
