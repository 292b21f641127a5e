package scene

import (
	"io"

	"gonum.org/v1/gonum/mat"
)

// Intrinsic is a pinhole camera model for a fixed image size.
type Intrinsic struct {
	Fx, Fy, Cx, Cy float64
	Width, Height  int
}

// Scene is the scene-graph collaborator. All methods are called from the
// goroutine that owns the scene, normally the one draining a Dispatcher.
type Scene interface {
	AddGeometry(name string, g *Geometry, m Material) error
	RemoveGeometry(name string)
	HasGeometry(name string) bool
	ShowGeometry(name string, show bool)
	// SetupCamera installs a world→camera extrinsic in scene coordinates,
	// camera x right, y down, z forward.
	SetupCamera(in Intrinsic, extrinsic *mat.Dense, bounds Bounds) error
	// ViewMatrix returns the extrinsic currently installed, in the same
	// convention as SetupCamera.
	ViewMatrix() *mat.Dense
	Bounds() Bounds
}

// Capturer renders the current view to an encoded image.
type Capturer interface {
	// Capture encodes the current frame as format ("jpg" or "webp").
	Capture(w io.Writer, format string) error
}

// Dispatcher runs closures on the goroutine that owns the scene.
type Dispatcher interface {
	// Post queues fn. It reports false if the dispatcher no longer accepts work.
	Post(fn func()) bool
}
