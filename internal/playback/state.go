// Package playback steps through a motion sequence on a background worker,
// handing every scene mutation to the goroutine that owns the scene.
package playback

import (
	"sync"
)

// Points of view with synthesized camera paths.
const (
	POVFirst  = "first"
	POVSecond = "second"
)

// State is the session state shared between the playback worker and the
// controls. Every field is guarded by mu.
type State struct {
	mu sync.Mutex

	index int
	total int

	paused    bool
	freeView  bool
	clicked   bool
	render    bool
	freeze    bool
	fixCamera bool
	pov       string

	intrinsicFactor float64
}

// NewState returns a state for a sequence of total frames, playing from
// frame 0 through the first-person camera.
func NewState(total int) *State {
	return &State{total: total, pov: POVFirst, intrinsicFactor: 1}
}

// Snapshot is a point-in-time copy of State.
type Snapshot struct {
	Index           int     `json:"index"`
	Total           int     `json:"total"`
	Paused          bool    `json:"paused"`
	FreeView        bool    `json:"free_view"`
	Clicked         bool    `json:"clicked"`
	Render          bool    `json:"render"`
	Freeze          bool    `json:"freeze"`
	FixCamera       bool    `json:"fix_camera"`
	POV             string  `json:"pov"`
	IntrinsicFactor float64 `json:"intrinsic_factor"`
}

// Snapshot copies the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Index:           s.index,
		Total:           s.total,
		Paused:          s.paused,
		FreeView:        s.freeView,
		Clicked:         s.clicked,
		Render:          s.render,
		Freeze:          s.freeze,
		FixCamera:       s.fixCamera,
		POV:             s.pov,
		IntrinsicFactor: s.intrinsicFactor,
	}
}

func (s *State) clamp(i int) int {
	if i >= s.total {
		i = s.total - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

// Index returns the current frame.
func (s *State) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Total returns the number of frames.
func (s *State) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// SetIndex moves to frame i, clamped to the sequence, without pausing.
func (s *State) SetIndex(i int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = s.clamp(i)
	return s.index
}

// Advance steps from frame from to the next one and returns the frame to
// apply. A seek that moved the index away from from, or a click still
// waiting to be consumed, wins: the index is left alone.
func (s *State) Advance(from int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index == from && !s.clicked {
		s.index = s.clamp(from + 1)
	}
	return s.index
}

// Seek moves to frame i, clamped to the sequence, pauses and marks the
// state clicked so the worker re-applies the frame.
func (s *State) Seek(i int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = s.clamp(i)
	s.paused = true
	s.clicked = true
	return s.index
}

// Paused reports whether stepping is suspended.
func (s *State) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SetPaused sets the paused flag.
func (s *State) SetPaused(p bool) {
	s.mu.Lock()
	s.paused = p
	s.mu.Unlock()
}

// TogglePause flips the paused flag and returns the new value.
func (s *State) TogglePause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = !s.paused
	return s.paused
}

// MarkClicked asks the worker to refresh the current frame's camera.
func (s *State) MarkClicked() {
	s.mu.Lock()
	s.clicked = true
	s.mu.Unlock()
}

// RequestFreeze asks the worker to snapshot the current frame.
func (s *State) RequestFreeze() {
	s.mu.Lock()
	s.freeze = true
	s.clicked = true
	s.mu.Unlock()
}

// ConsumeClick clears the clicked flag and reports whether it was set,
// along with the pending freeze request, which is cleared too.
func (s *State) ConsumeClick() (clicked, freeze bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.clicked {
		return false, false
	}
	clicked, freeze = s.clicked, s.freeze
	s.clicked = false
	s.freeze = false
	return clicked, freeze
}

// POV returns the active point of view.
func (s *State) POV() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pov
}

// SetPOV switches the camera path and marks the state clicked.
func (s *State) SetPOV(pov string) {
	s.mu.Lock()
	s.pov = pov
	s.clicked = true
	s.mu.Unlock()
}

// FreeView reports whether the camera accumulates relative motion.
func (s *State) FreeView() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeView
}

// SetFreeView toggles free-view camera mode.
func (s *State) SetFreeView(on bool) {
	s.mu.Lock()
	s.freeView = on
	s.mu.Unlock()
}

// Render reports whether frames are captured to disk.
func (s *State) Render() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.render
}

// SetRender toggles frame capture.
func (s *State) SetRender(on bool) {
	s.mu.Lock()
	s.render = on
	s.mu.Unlock()
}

// FixCamera reports whether camera updates are suppressed.
func (s *State) FixCamera() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fixCamera
}

// SetFixCamera suppresses or resumes camera updates.
func (s *State) SetFixCamera(on bool) {
	s.mu.Lock()
	s.fixCamera = on
	s.mu.Unlock()
}

// IntrinsicFactor returns the focal length multiplier.
func (s *State) IntrinsicFactor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intrinsicFactor
}

// SetIntrinsicFactor changes the focal length multiplier and marks the
// state clicked so the camera is re-applied.
func (s *State) SetIntrinsicFactor(f float64) {
	if f <= 0 {
		return
	}
	s.mu.Lock()
	s.intrinsicFactor = f
	s.clicked = true
	s.mu.Unlock()
}
