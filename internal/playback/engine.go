package playback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/motionview/internal/fsutil"
	"github.com/banshee-data/motionview/internal/monitoring"
	"github.com/banshee-data/motionview/internal/motion"
	"github.com/banshee-data/motionview/internal/scene"
	"github.com/banshee-data/motionview/internal/timeutil"
	"github.com/banshee-data/motionview/internal/video"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrUnknownPOV is returned for a point of view with no camera path.
	ErrUnknownPOV = errors.New("unknown point of view")
	// ErrEngineRunning is returned when a previous worker could not be stopped.
	ErrEngineRunning = errors.New("playback worker still running")
	// ErrDispatcherClosed is returned when the scene goroutine stops accepting work.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrViewOutOfRange is returned when jumping to a view the camera path lacks.
	ErrViewOutOfRange = errors.New("view index out of range")
)

// Frame is the geometry of one frame keyed by scene name.
type Frame struct {
	Index      int
	Geometries map[string]*scene.Geometry
	Materials  map[string]scene.Material
}

// Source yields frames by index.
type Source interface {
	Len() int
	Frame(i int) (Frame, error)
}

// CameraSet looks up the camera path of a point of view.
type CameraSet interface {
	Views(pov string) (motion.Views, error)
}

// FrameInfo describes a frame after it has been applied to the scene.
type FrameInfo struct {
	Index  int
	Total  int
	POV    string
	Camera *mat.Dense // nil when the camera was not updated
	Points map[string]int
}

// CycleInfo describes a completed pass over the sequence.
type CycleInfo struct {
	Name     string
	Frames   int
	Artifact video.Artifact
	Err      error
	Started  time.Time
	Finished time.Time
}

// Observer is notified as playback progresses. FrameApplied runs on the
// worker goroutine after the scene has been updated and must not block.
type Observer interface {
	FrameApplied(FrameInfo)
	CycleExported(CycleInfo)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Frame func(FrameInfo)
	Cycle func(CycleInfo)
}

func (o ObserverFuncs) FrameApplied(info FrameInfo) {
	if o.Frame != nil {
		o.Frame(info)
	}
}

func (o ObserverFuncs) CycleExported(info CycleInfo) {
	if o.Cycle != nil {
		o.Cycle(info)
	}
}

// Config holds engine settings.
type Config struct {
	// Name is the scene name used for video naming.
	Name          string
	FrameDelay    time.Duration
	PollInterval  time.Duration
	JoinTimeout   time.Duration
	FPS           int
	Loop          bool
	PauseOnLoad   bool
	CaptureFormat string // "jpg" or "webp"
	TempRoot      string
	KeepFrames    bool
	Intrinsic     scene.Intrinsic
}

// DefaultConfig returns the settings used by the viewer.
func DefaultConfig() Config {
	return Config{
		Name:          "test",
		FrameDelay:    20 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		JoinTimeout:   2 * time.Second,
		FPS:           video.DefaultFPS,
		Loop:          true,
		CaptureFormat: "jpg",
		TempRoot:      ".",
		Intrinsic: scene.Intrinsic{
			Fx: 623.53829072, Fy: 623.53829072,
			Cx: 639.5, Cy: 359.5,
			Width: 1280, Height: 720,
		},
	}
}

// Deps are the collaborators an Engine drives.
type Deps struct {
	Source     Source
	Cameras    CameraSet
	Scene      scene.Scene
	Directory  *scene.Directory
	Dispatcher scene.Dispatcher
	Capturer   scene.Capturer // optional
	Exporter   video.Exporter
	FS         fsutil.FileSystem
	Clock      timeutil.Clock
	Observers  []Observer
}

// Engine steps through a Source on one background worker. Scene mutations
// are posted to the Dispatcher; the worker waits for each to complete.
type Engine struct {
	cfg   Config
	deps  Deps
	state *State

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	running atomic.Bool
	applied atomic.Uint64
	cycles  atomic.Uint64
}

// NewEngine returns a stopped engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.FS == nil {
		deps.FS = fsutil.OSFileSystem{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 2 * time.Second
	}
	if cfg.FPS <= 0 {
		cfg.FPS = video.DefaultFPS
	}
	return &Engine{cfg: cfg, deps: deps, state: NewState(deps.Source.Len())}
}

// State returns the session state.
func (e *Engine) State() *State { return e.state }

// TogglePause flips between playing and paused.
func (e *Engine) TogglePause() bool { return e.state.TogglePause() }

// Pause suspends stepping.
func (e *Engine) Pause() { e.state.SetPaused(true) }

// Play resumes stepping.
func (e *Engine) Play() { e.state.SetPaused(false) }

// Seek jumps to frame i and pauses.
func (e *Engine) Seek(i int) int { return e.state.Seek(i) }

// RequestFreeze snapshots the current frame's geometry on the next poll.
func (e *Engine) RequestFreeze() { e.state.RequestFreeze() }

// SetPOV switches the camera path.
func (e *Engine) SetPOV(pov string) error {
	if _, err := e.deps.Cameras.Views(pov); err != nil {
		return err
	}
	e.state.SetPOV(pov)
	return nil
}

// SetFreeView toggles free-view camera mode.
func (e *Engine) SetFreeView(on bool) { e.state.SetFreeView(on) }

// SetRender toggles frame capture.
func (e *Engine) SetRender(on bool) { e.state.SetRender(on) }

// SetFixCamera suppresses camera updates.
func (e *Engine) SetFixCamera(on bool) { e.state.SetFixCamera(on) }

// SetIntrinsicFactor scales the focal length.
func (e *Engine) SetIntrinsicFactor(f float64) { e.state.SetIntrinsicFactor(f) }

// ClearFrozen removes every frozen snapshot from the scene.
func (e *Engine) ClearFrozen(ctx context.Context) error {
	return e.call(ctx, func() error {
		e.deps.Directory.ClearFrozen()
		return nil
	})
}

// RemoveFrozen removes the snapshot stored under name.
func (e *Engine) RemoveFrozen(ctx context.Context, name string) error {
	return e.call(ctx, func() error { return e.deps.Directory.RemoveFrozen(name) })
}

// SetVisible sets the visibility checkbox of name. Snapshots taken from a
// live entry are hidden along with it.
func (e *Engine) SetVisible(ctx context.Context, name string, on bool) error {
	return e.call(ctx, func() error { return e.deps.Directory.SetChecked(name, on) })
}

// SetScale re-applies every entry at the new uniform scale and refreshes
// the camera, whose translation is scaled too.
func (e *Engine) SetScale(ctx context.Context, scale float64) error {
	if err := e.call(ctx, func() error { return e.deps.Directory.SetScale(scale) }); err != nil {
		return err
	}
	e.state.MarkClicked()
	return nil
}

// JumpToView installs the look-at camera of frame i of the active point of
// view and fixes the camera there until SetFixCamera(false).
func (e *Engine) JumpToView(ctx context.Context, i int) error {
	views, err := e.deps.Cameras.Views(e.state.POV())
	if err != nil {
		return err
	}
	var target *motion.LookAt
	for j, look := range views.All() {
		if j == i {
			target = &look
			break
		}
	}
	if target == nil {
		return fmt.Errorf("view %d of %d: %w", i, views.Len(), ErrViewOutOfRange)
	}
	ext, err := target.Extrinsic()
	if err != nil {
		return err
	}
	in := e.intrinsic()
	err = e.call(ctx, func() error {
		cam, err := motion.SceneCamera(ext, e.deps.Directory.Scale())
		if err != nil {
			return err
		}
		return e.deps.Scene.SetupCamera(in, cam, e.deps.Scene.Bounds())
	})
	if err != nil {
		return fmt.Errorf("jump to view %d: %w", i, err)
	}
	e.state.SetFixCamera(true)
	return nil
}

// Start launches the worker, stopping any previous one first.
func (e *Engine) Start(ctx context.Context) error {
	if e.state.Total() == 0 {
		return fmt.Errorf("start playback: %w", motion.ErrNoTrajectory)
	}
	if err := e.Stop(); err != nil {
		return err
	}

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.mu.Lock()
	e.cancel = cancel
	e.done = done
	e.err = nil
	e.mu.Unlock()

	e.running.Store(true)
	go func() {
		defer close(done)
		defer e.running.Store(false)
		err := e.run(wctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("[Playback] worker stopped: %v", err)
			e.mu.Lock()
			e.err = err
			e.mu.Unlock()
		}
	}()
	monitoring.Logf("[Playback] started %q with %d frames", e.cfg.Name, e.state.Total())
	return nil
}

// Stop cancels the worker and waits up to the join timeout for it to exit.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		e.mu.Lock()
		if e.done == done {
			e.cancel = nil
		}
		e.mu.Unlock()
		return nil
	case <-time.After(e.cfg.JoinTimeout):
		return fmt.Errorf("stop after %s: %w", e.cfg.JoinTimeout, ErrEngineRunning)
	}
}

// Done returns a channel closed when the current worker exits. It is nil
// before the first Start.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Wait blocks until the current worker exits or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := e.Done()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the error that stopped the last worker, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Status is a snapshot of engine progress.
type Status struct {
	Snapshot
	Running bool   `json:"running"`
	Applied uint64 `json:"applied_frames"`
	Cycles  uint64 `json:"cycles"`
	// Frozen lists the snapshot names held by the scene directory.
	Frozen []string `json:"frozen,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Status returns current progress.
func (e *Engine) Status() Status {
	st := Status{
		Snapshot: e.state.Snapshot(),
		Running:  e.running.Load(),
		Applied:  e.applied.Load(),
		Cycles:   e.cycles.Load(),
	}
	if e.deps.Directory != nil {
		st.Frozen = e.deps.Directory.Frozen()
	}
	if err := e.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// call runs fn on the scene goroutine and waits for its result.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !e.deps.Dispatcher.Post(func() { result <- fn() }) {
		return ErrDispatcherClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyFrame fetches frame idx and replaces the scene geometry with it,
// freezing every updated entry when freeze is set.
func (e *Engine) applyFrame(ctx context.Context, idx int, freeze bool) (map[string]int, error) {
	frame, err := e.deps.Source.Frame(idx)
	if err != nil {
		return nil, fmt.Errorf("fetch frame %d: %w", idx, err)
	}
	names := make([]string, 0, len(frame.Geometries))
	for n := range frame.Geometries {
		names = append(names, n)
	}
	sort.Strings(names)

	points := make(map[string]int, len(names))
	err = e.call(ctx, func() error {
		for _, n := range names {
			g := frame.Geometries[n]
			var m *scene.Material
			if fm, ok := frame.Materials[n]; ok {
				m = &fm
			}
			if err := e.deps.Directory.Add(n, g, m, false); err != nil {
				return err
			}
			points[n] = len(g.Points)
			if freeze {
				if _, err := e.deps.Directory.Freeze(n, idx); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply frame %d: %w", idx, err)
	}
	e.applied.Add(1)
	return points, nil
}

// intrinsic returns the configured intrinsic with the focal length scaled
// by the current factor.
func (e *Engine) intrinsic() scene.Intrinsic {
	in := e.cfg.Intrinsic
	k := e.state.IntrinsicFactor()
	in.Fx, in.Fy = in.Fx*k, in.Fy*k
	return in
}

// updateCamera moves the scene camera to frame idx of the active point of
// view. With free view on and idx > 0 the camera keeps its orientation and
// is translated by the motion between consecutive extrinsics.
func (e *Engine) updateCamera(ctx context.Context, idx int) (*mat.Dense, error) {
	if e.state.FixCamera() {
		return nil, nil
	}
	pov := e.state.POV()
	views, err := e.deps.Cameras.Views(pov)
	if err != nil {
		return nil, err
	}
	if idx >= views.Len() {
		return nil, fmt.Errorf("camera %s has %d frames, need %d: %w", pov, views.Len(), idx+1, motion.ErrLengthMismatch)
	}
	freeView := e.state.FreeView() && idx > 0
	in := e.intrinsic()

	var installed *mat.Dense
	err = e.call(ctx, func() error {
		scale := e.deps.Directory.Scale()
		var cam *mat.Dense
		var err error
		if freeView {
			cam, err = motion.FreeViewCamera(e.deps.Scene.ViewMatrix(), views.Extrinsic(idx-1), views.Extrinsic(idx), scale)
		} else {
			cam, err = motion.SceneCamera(views.Extrinsic(idx), scale)
		}
		if err != nil {
			return err
		}
		if err := e.deps.Scene.SetupCamera(in, cam, e.deps.Scene.Bounds()); err != nil {
			return err
		}
		installed = cam
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("camera frame %d: %w", idx, err)
	}
	return installed, nil
}

// setCamera applies the camera and logs failures; a stale camera is not fatal.
func (e *Engine) setCamera(ctx context.Context, idx int) *mat.Dense {
	cam, err := e.updateCamera(ctx, idx)
	if err != nil && ctx.Err() == nil {
		monitoring.Logf("[Playback] %v", err)
	}
	return cam
}

// capture writes the current view as frame n of the cycle's image sequence.
func (e *Engine) capture(ctx context.Context, dir string, n int) error {
	if e.deps.Capturer == nil {
		return nil
	}
	if err := e.deps.FS.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create capture dir: %w", err)
	}
	ext := ".jpg"
	if e.cfg.CaptureFormat == "webp" {
		ext = ".webp"
	}
	path := video.FramePath(dir, n, ext)
	return e.call(ctx, func() error {
		w, err := e.deps.FS.Create(path)
		if err != nil {
			return err
		}
		if err := e.deps.Capturer.Capture(w, e.cfg.CaptureFormat); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	})
}

func (e *Engine) notifyFrame(idx int, cam *mat.Dense, points map[string]int) {
	info := FrameInfo{
		Index:  idx,
		Total:  e.state.Total(),
		POV:    e.state.POV(),
		Camera: cam,
		Points: points,
	}
	for _, o := range e.deps.Observers {
		o.FrameApplied(info)
	}
}

// run is the worker loop. Each cycle walks the sequence once, then flushes
// the captured images to the exporter.
func (e *Engine) run(ctx context.Context) error {
	clock := e.deps.Clock
	initialized := false
	total := e.state.Total()

	for {
		started := clock.Now()
		name := video.SequenceName(e.cfg.Name, started)
		dir := video.TempDir(e.cfg.TempRoot, name)
		captured := 0
		e.state.SetIndex(0)

		for idx := e.state.Index(); ; {
			points, err := e.applyFrame(ctx, idx, false)
			if err != nil {
				return err
			}
			if !initialized {
				initialized = true
				if e.cfg.PauseOnLoad {
					e.state.TogglePause()
				}
			}
			if err := clock.Sleep(ctx, e.cfg.FrameDelay); err != nil {
				return err
			}
			cam := e.setCamera(ctx, idx)
			e.notifyFrame(idx, cam, points)

			if e.state.Render() {
				if err := e.capture(ctx, dir, captured); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					monitoring.Logf("[Playback] capture frame %d: %v", idx, err)
				} else {
					captured++
				}
			}

			for {
				if err := clock.Sleep(ctx, e.cfg.PollInterval); err != nil {
					return err
				}
				if clicked, freeze := e.state.ConsumeClick(); clicked {
					if cur := e.state.Index(); cur != idx || freeze {
						idx = cur
						points, err := e.applyFrame(ctx, idx, freeze)
						if err != nil {
							return err
						}
						e.notifyFrame(idx, e.setCamera(ctx, idx), points)
					} else {
						e.setCamera(ctx, idx)
					}
				}
				if !e.state.Paused() {
					break
				}
			}

			if idx+1 >= total {
				break
			}
			idx = e.state.Advance(idx)
		}

		info := CycleInfo{Name: name, Frames: captured, Started: started}
		if e.deps.Exporter != nil {
			info.Artifact, info.Err = e.deps.Exporter.Export(ctx, video.Sequence{
				Name:   name,
				Dir:    dir,
				Ext:    extFor(e.cfg.CaptureFormat),
				Frames: captured,
				FPS:    e.cfg.FPS,
				Delete: !e.cfg.KeepFrames,
			})
			if info.Err != nil {
				monitoring.Logf("[Playback] export %s: %v", name, info.Err)
			}
		}
		info.Finished = clock.Now()
		e.cycles.Add(1)
		for _, o := range e.deps.Observers {
			o.CycleExported(info)
		}

		if !e.cfg.Loop {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func extFor(format string) string {
	if format == "webp" {
		return ".webp"
	}
	return ".jpg"
}
