package motion

import (
	"fmt"
	"iter"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// worldUp is used when the head's up axis is degenerate.
var worldUp = r3.Vec{Z: 1}

// ViewOptions places the synthesized camera relative to the head.
type ViewOptions struct {
	BackOffset   float64 // metres behind the head along -forward
	UpOffset     float64 // metres above the head along up
	LookDistance float64 // metres ahead of the eye to the target
	PitchDeg     float64 // downward tilt
	SmoothWindow int     // centred moving-average window, 1 disables smoothing
}

// DefaultViewOptions returns the offsets used by the viewer.
func DefaultViewOptions() ViewOptions {
	return ViewOptions{
		BackOffset:   0.3,
		UpOffset:     0.1,
		LookDistance: 1.0,
		PitchDeg:     10,
		SmoothWindow: 5,
	}
}

// LookAt describes a camera by eye position, target and up direction.
type LookAt struct {
	Eye    r3.Vec
	Target r3.Vec
	Up     r3.Vec
}

// Extrinsic builds the world→camera transform for the look-at, with the
// camera x axis to the right, y down and z towards the target.
func (l LookAt) Extrinsic() (*mat.Dense, error) {
	fwd := r3.Sub(l.Target, l.Eye)
	if r3.Norm(fwd) < 1e-12 {
		return nil, fmt.Errorf("look-at target equals eye: %w", ErrInvalidExtrinsic)
	}
	fwd = r3.Unit(fwd)
	right := r3.Cross(fwd, l.Up)
	if r3.Norm(right) < 1e-9 {
		return nil, fmt.Errorf("look-at up is parallel to view direction: %w", ErrInvalidExtrinsic)
	}
	right = r3.Unit(right)
	down := r3.Cross(fwd, right)

	rot := mat.NewDense(3, 3, []float64{
		right.X, right.Y, right.Z,
		down.X, down.Y, down.Z,
		fwd.X, fwd.Y, fwd.Z,
	})
	t := r3.Scale(-1, MulVec(rot, l.Eye))
	return Rigid(rot, t), nil
}

// Views is a camera path: one look-at and one extrinsic per frame.
type Views struct {
	looks      []LookAt
	extrinsics []*mat.Dense
}

// Len returns the number of frames in the path.
func (v Views) Len() int { return len(v.extrinsics) }

// Extrinsics returns the per-frame world→camera transforms.
func (v Views) Extrinsics() []*mat.Dense { return v.extrinsics }

// Extrinsic returns the transform at frame i.
func (v Views) Extrinsic(i int) *mat.Dense { return v.extrinsics[i] }

// LookAt returns the look-at descriptor at frame i.
func (v Views) LookAt(i int) LookAt { return v.looks[i] }

// Eyes returns the camera positions of the whole path.
func (v Views) Eyes() Trajectory {
	out := make(Trajectory, len(v.looks))
	for i, l := range v.looks {
		out[i] = l.Eye
	}
	return out
}

// All iterates the look-at descriptors in frame order. The sequence can be
// ranged over any number of times.
func (v Views) All() iter.Seq2[int, LookAt] {
	return func(yield func(int, LookAt) bool) {
		for i, l := range v.looks {
			if !yield(i, l) {
				return
			}
		}
	}
}

// GenerateViews synthesizes a camera that follows the head from behind and
// above. heads must hold one rotation per position, as returned by
// HeadRotations.
func GenerateViews(positions Trajectory, heads []*mat.Dense, opts ViewOptions) (Views, error) {
	if len(positions) != len(heads) {
		return Views{}, fmt.Errorf("generate views: %d positions, %d head rotations: %w", len(positions), len(heads), ErrLengthMismatch)
	}
	n := len(positions)
	if n == 0 {
		return Views{}, nil
	}

	forwards := make([]r3.Vec, n)
	ups := make([]r3.Vec, n)
	for i, h := range heads {
		forwards[i] = Column(h, 1)
		ups[i] = Column(h, 2)
	}
	window := opts.SmoothWindow
	if window < 1 {
		window = 1
	}
	positions = smooth(positions, window)
	forwards = smooth(forwards, window)
	ups = smooth(ups, window)

	pitch := opts.PitchDeg * math.Pi / 180
	cp, sp := math.Cos(pitch), math.Sin(pitch)

	views := Views{
		looks:      make([]LookAt, n),
		extrinsics: make([]*mat.Dense, n),
	}
	for i := 0; i < n; i++ {
		fwd, up := orthonormalize(forwards[i], ups[i])

		eye := r3.Add(positions[i], r3.Add(r3.Scale(-opts.BackOffset, fwd), r3.Scale(opts.UpOffset, up)))
		lookDir := r3.Sub(r3.Scale(cp, fwd), r3.Scale(sp, up))
		lookUp := r3.Add(r3.Scale(sp, fwd), r3.Scale(cp, up))

		dist := opts.LookDistance
		if dist <= 0 {
			dist = 1
		}
		look := LookAt{Eye: eye, Target: r3.Add(eye, r3.Scale(dist, lookDir)), Up: lookUp}
		ext, err := look.Extrinsic()
		if err != nil {
			return Views{}, fmt.Errorf("generate views: frame %d: %w", i, err)
		}
		views.looks[i] = look
		views.extrinsics[i] = ext
	}
	return views, nil
}

// orthonormalize returns a unit forward axis and an up axis orthogonal to it.
func orthonormalize(fwd, up r3.Vec) (r3.Vec, r3.Vec) {
	if r3.Norm(fwd) < 1e-9 {
		fwd = r3.Vec{Y: 1}
	}
	fwd = r3.Unit(fwd)
	right := r3.Cross(fwd, up)
	if r3.Norm(right) < 1e-9 {
		right = r3.Cross(fwd, worldUp)
		if r3.Norm(right) < 1e-9 {
			right = r3.Vec{X: 1}
		}
	}
	right = r3.Unit(right)
	return fwd, r3.Cross(right, fwd)
}

// smooth applies a centred moving average, shrinking the window at the ends.
func smooth(in []r3.Vec, window int) []r3.Vec {
	if window <= 1 {
		out := make([]r3.Vec, len(in))
		copy(out, in)
		return out
	}
	half := window / 2
	out := make([]r3.Vec, len(in))
	for i := range in {
		lo, hi := max(0, i-half), min(len(in)-1, i+half)
		var sum r3.Vec
		for j := lo; j <= hi; j++ {
			sum = r3.Add(sum, in[j])
		}
		out[i] = r3.Scale(1/float64(hi-lo+1), sum)
	}
	return out
}
