package motion

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// MatrixValidationTolerance bounds the determinant and orthonormality checks.
const MatrixValidationTolerance = 1e-5

// ErrInvalidExtrinsic is returned for matrices that are not rigid 4x4 transforms.
var ErrInvalidExtrinsic = errors.New("invalid extrinsic")

// axisRemap maps SMPL head axes (x left, y up, z forward) to right, forward, up.
var axisRemap = mat.NewDense(3, 3, []float64{
	-1, 0, 0,
	0, 0, 1,
	0, 1, 0,
})

// coordInit is the scene axis remap applied to all geometry and cameras.
var coordInit = mat.NewDense(4, 4, []float64{
	-1, 0, 0, 0,
	0, 0, 1, 0,
	0, 1, 0, 0,
	0, 0, 0, 1,
})

// Identity returns a fresh n×n identity matrix.
func Identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// CoordInit returns a copy of the scene axis remap.
func CoordInit() *mat.Dense { return mat.DenseCopyOf(coordInit) }

// CoordInitRotation returns the 3×3 block of CoordInit.
func CoordInitRotation() *mat.Dense { return RotationOf(coordInit) }

// AxisAngle converts an axis-angle vector into a rotation matrix (Rodrigues).
func AxisAngle(v r3.Vec) *mat.Dense {
	theta := r3.Norm(v)
	if theta < 1e-12 {
		return Identity(3)
	}
	k := r3.Scale(1/theta, v)
	c, s := math.Cos(theta), math.Sin(theta)
	t := 1 - c
	return mat.NewDense(3, 3, []float64{
		c + k.X*k.X*t, k.X*k.Y*t - k.Z*s, k.X*k.Z*t + k.Y*s,
		k.Y*k.X*t + k.Z*s, c + k.Y*k.Y*t, k.Y*k.Z*t - k.X*s,
		k.Z*k.X*t - k.Y*s, k.Z*k.Y*t + k.X*s, c + k.Z*k.Z*t,
	})
}

// Rigid assembles a 4×4 transform from a 3×3 rotation and a translation.
func Rigid(rot mat.Matrix, t r3.Vec) *mat.Dense {
	m := Identity(4)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, rot.At(i, j))
		}
	}
	m.Set(0, 3, t.X)
	m.Set(1, 3, t.Y)
	m.Set(2, 3, t.Z)
	return m
}

// RotationOf copies the upper-left 3×3 block of a 4×4 transform.
func RotationOf(m mat.Matrix) *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, m.At(i, j))
		}
	}
	return out
}

// TranslationOf returns the translation column of a 4×4 transform.
func TranslationOf(m mat.Matrix) r3.Vec {
	return r3.Vec{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)}
}

// SetTranslation overwrites the translation column of a 4×4 transform.
func SetTranslation(m *mat.Dense, t r3.Vec) {
	m.Set(0, 3, t.X)
	m.Set(1, 3, t.Y)
	m.Set(2, 3, t.Z)
}

// MulVec applies a 3×3 matrix to a vector.
func MulVec(m mat.Matrix, v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// Column returns column j of a 3×3 matrix.
func Column(m mat.Matrix, j int) r3.Vec {
	return r3.Vec{X: m.At(0, j), Y: m.At(1, j), Z: m.At(2, j)}
}

// Flatten returns the elements of m in row-major order.
func Flatten(m mat.Matrix) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out = append(out, m.At(i, j))
		}
	}
	return out
}

// IsOrthonormal reports whether R·Rᵀ ≈ I within tol.
func IsOrthonormal(r mat.Matrix, tol float64) bool {
	n, c := r.Dims()
	if n != c {
		return false
	}
	var rrt mat.Dense
	rrt.Mul(r, r.T())
	return mat.EqualApprox(&rrt, Identity(n), tol)
}

// IsValidExtrinsic checks that m is a 4×4 rigid transform: orthonormal
// rotation block with determinant 1 and a last row of [0 0 0 1].
func IsValidExtrinsic(m mat.Matrix) bool {
	if m == nil {
		return false
	}
	if d, ok := m.(*mat.Dense); ok && d == nil {
		return false
	}
	if r, c := m.Dims(); r != 4 || c != 4 {
		return false
	}
	rot := RotationOf(m)
	if math.Abs(mat.Det(rot)-1) > MatrixValidationTolerance {
		return false
	}
	if !IsOrthonormal(rot, MatrixValidationTolerance) {
		return false
	}
	if m.At(3, 0) != 0 || m.At(3, 1) != 0 || m.At(3, 2) != 0 || math.Abs(m.At(3, 3)-1) > MatrixValidationTolerance {
		return false
	}
	return true
}

// CameraCenter returns the world position of a world→camera extrinsic: -Rᵀt.
func CameraCenter(ext mat.Matrix) r3.Vec {
	rot := RotationOf(ext)
	return r3.Scale(-1, MulVec(rot.T(), TranslationOf(ext)))
}

// SceneCamera converts a world→camera extrinsic into the scene frame: the
// extrinsic is composed with CoordInit and its translation multiplied by scale.
func SceneCamera(ext mat.Matrix, scale float64) (*mat.Dense, error) {
	if !IsValidExtrinsic(ext) {
		return nil, fmt.Errorf("scene camera: %w", ErrInvalidExtrinsic)
	}
	var out mat.Dense
	out.Mul(ext, coordInit)
	SetTranslation(&out, r3.Scale(scale, TranslationOf(&out)))
	return &out, nil
}

// FreeViewCamera moves the current scene camera by the displacement between
// the camera centres of prev and cur. Only the translation changes; the
// current orientation is kept. view is in scene units (scaled), as is the
// result.
func FreeViewCamera(view, prev, cur mat.Matrix, scale float64) (*mat.Dense, error) {
	for _, m := range []mat.Matrix{view, prev, cur} {
		if !IsValidExtrinsic(m) {
			return nil, fmt.Errorf("free view camera: %w", ErrInvalidExtrinsic)
		}
	}
	if scale <= 0 {
		return nil, fmt.Errorf("free view camera: non-positive scale %v", scale)
	}
	pose := mat.DenseCopyOf(view)
	SetTranslation(pose, r3.Scale(1/scale, TranslationOf(pose)))

	rel := r3.Sub(CameraCenter(cur), CameraCenter(prev))
	rel = MulVec(CoordInitRotation(), rel)

	rot := RotationOf(pose)
	pos := CameraCenter(pose)
	t := r3.Scale(-1, MulVec(rot, r3.Add(pos, rel)))
	SetTranslation(pose, r3.Scale(scale, t))
	return pose, nil
}

// ToSceneFrame applies the CoordInit rotation and a uniform scale to points.
func ToSceneFrame(points []r3.Vec, scale float64) []r3.Vec {
	rot := CoordInitRotation()
	out := make([]r3.Vec, len(points))
	for i, p := range points {
		out[i] = r3.Scale(scale, MulVec(rot, p))
	}
	return out
}
