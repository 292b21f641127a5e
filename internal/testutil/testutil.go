// Package testutil provides shared test helpers and fakes for the scene
// collaborator.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/banshee-data/motionview/internal/scene"
	"gonum.org/v1/gonum/mat"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// FakeScene is an in-memory scene.Scene and scene.Capturer that records
// every call.
type FakeScene struct {
	mu         sync.Mutex
	geometries map[string]*scene.Geometry
	shown      map[string]bool
	view       *mat.Dense
	bounds     scene.Bounds

	Adds     []string
	Removes  []string
	Cameras  []*mat.Dense
	Captures int

	// FailAdd makes AddGeometry fail for the named geometry.
	FailAdd string
	// FailCamera makes SetupCamera fail.
	FailCamera bool
}

// NewFakeScene returns an empty scene with an identity view matrix.
func NewFakeScene() *FakeScene {
	view := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		view.Set(i, i, 1)
	}
	return &FakeScene{
		geometries: make(map[string]*scene.Geometry),
		shown:      make(map[string]bool),
		view:       view,
	}
}

func (s *FakeScene) AddGeometry(name string, g *scene.Geometry, m scene.Material) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == s.FailAdd {
		return fmt.Errorf("fake add failure for %q", name)
	}
	if _, ok := s.geometries[name]; ok {
		return fmt.Errorf("geometry %q already in scene", name)
	}
	s.geometries[name] = g
	s.shown[name] = true
	s.Adds = append(s.Adds, name)
	return nil
}

func (s *FakeScene) RemoveGeometry(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.geometries, name)
	delete(s.shown, name)
	s.Removes = append(s.Removes, name)
}

func (s *FakeScene) HasGeometry(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.geometries[name]
	return ok
}

func (s *FakeScene) ShowGeometry(name string, show bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.geometries[name]; ok {
		s.shown[name] = show
	}
}

func (s *FakeScene) SetupCamera(in scene.Intrinsic, extrinsic *mat.Dense, bounds scene.Bounds) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCamera {
		return fmt.Errorf("fake camera failure")
	}
	s.view = mat.DenseCopyOf(extrinsic)
	s.bounds = bounds
	s.Cameras = append(s.Cameras, s.view)
	return nil
}

func (s *FakeScene) ViewMatrix() *mat.Dense {
	s.mu.Lock()
	defer s.mu.Unlock()
	return mat.DenseCopyOf(s.view)
}

func (s *FakeScene) Bounds() scene.Bounds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bounds
}

func (s *FakeScene) Capture(w io.Writer, format string) error {
	s.mu.Lock()
	s.Captures++
	n := s.Captures
	s.mu.Unlock()
	_, err := fmt.Fprintf(w, "%s frame %d", format, n)
	return err
}

// Geometry returns the geometry currently held under name.
func (s *FakeScene) Geometry(name string) (*scene.Geometry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.geometries[name]
	return g, ok
}

// Shown reports whether name is in the scene and visible.
func (s *FakeScene) Shown(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shown[name]
}

// Names returns the geometries currently in the scene, sorted.
func (s *FakeScene) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.geometries))
	for n := range s.geometries {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// CameraCount returns how many times SetupCamera succeeded.
func (s *FakeScene) CameraCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Cameras)
}

// CaptureCount returns how many frames were captured.
func (s *FakeScene) CaptureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Captures
}

var (
	_ scene.Scene    = (*FakeScene)(nil)
	_ scene.Capturer = (*FakeScene)(nil)
)
