// Package motion holds the geometry of tracked bodies: pose sequences, head
// orientation, camera path synthesis and LiDAR trajectory alignment.
package motion

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// NumJoints is the number of SMPL joints carried by a pose frame.
const NumJoints = 24

// Joint indices used by camera synthesis and alignment.
const (
	RootJoint = 0
	HeadJoint = 15
)

// HeadChain is the kinematic path from the pelvis to the head.
var HeadChain = [...]int{0, 3, 6, 9, 12, 15}

var (
	// ErrPoseShape is returned when pose rows are neither 72 wide nor 24x3.
	ErrPoseShape = errors.New("malformed pose shape")
	// ErrLengthMismatch is returned when per-frame inputs disagree in length.
	ErrLengthMismatch = errors.New("per-frame input length mismatch")
	// ErrNoTrajectory is returned when a camera path has no positions to follow.
	ErrNoTrajectory = errors.New("no trajectory")
)

// PoseSequence is an immutable sequence of per-frame axis-angle joint rotations.
type PoseSequence struct {
	frames [][NumJoints]r3.Vec
}

// NewPoseSequence builds a sequence from flattened rows of 72 values.
func NewPoseSequence(rows [][]float64) (PoseSequence, error) {
	frames := make([][NumJoints]r3.Vec, len(rows))
	for f, row := range rows {
		if len(row) != NumJoints*3 {
			return PoseSequence{}, fmt.Errorf("frame %d has %d values, want %d: %w", f, len(row), NumJoints*3, ErrPoseShape)
		}
		for j := 0; j < NumJoints; j++ {
			frames[f][j] = r3.Vec{X: row[3*j], Y: row[3*j+1], Z: row[3*j+2]}
		}
	}
	return PoseSequence{frames: frames}, nil
}

// NewPoseSequenceJoints builds a sequence from frames shaped 24x3.
func NewPoseSequenceJoints(frames [][][]float64) (PoseSequence, error) {
	out := make([][NumJoints]r3.Vec, len(frames))
	for f, joints := range frames {
		if len(joints) != NumJoints {
			return PoseSequence{}, fmt.Errorf("frame %d has %d joints, want %d: %w", f, len(joints), NumJoints, ErrPoseShape)
		}
		for j, aa := range joints {
			if len(aa) != 3 {
				return PoseSequence{}, fmt.Errorf("frame %d joint %d has %d values, want 3: %w", f, j, len(aa), ErrPoseShape)
			}
			out[f][j] = r3.Vec{X: aa[0], Y: aa[1], Z: aa[2]}
		}
	}
	return PoseSequence{frames: out}, nil
}

// Rows flattens the sequence into rows of 72 values.
func (p PoseSequence) Rows() [][]float64 {
	out := make([][]float64, len(p.frames))
	for f, joints := range p.frames {
		row := make([]float64, 0, NumJoints*3)
		for _, aa := range joints {
			row = append(row, aa.X, aa.Y, aa.Z)
		}
		out[f] = row
	}
	return out
}

// Len returns the number of frames.
func (p PoseSequence) Len() int { return len(p.frames) }

// Joint returns the axis-angle rotation of joint j at frame f.
func (p PoseSequence) Joint(f, j int) r3.Vec { return p.frames[f][j] }

// Slice returns frames [start, end). A negative end means the last frame.
func (p PoseSequence) Slice(start, end int) PoseSequence {
	if end < 0 || end > len(p.frames) {
		end = len(p.frames)
	}
	if start < 0 {
		start = 0
	}
	if start > end {
		start = end
	}
	return PoseSequence{frames: p.frames[start:end]}
}

// Trajectory is an ordered sequence of 3D positions, one per frame.
type Trajectory []r3.Vec

// NewTrajectory builds a trajectory from rows whose columns [col, col+3)
// hold x, y, z.
func NewTrajectory(rows [][]float64, col int) (Trajectory, error) {
	out := make(Trajectory, len(rows))
	for i, row := range rows {
		if len(row) < col+3 {
			return nil, fmt.Errorf("trajectory row %d has %d columns, want at least %d: %w", i, len(row), col+3, ErrPoseShape)
		}
		out[i] = r3.Vec{X: row[col], Y: row[col+1], Z: row[col+2]}
	}
	return out, nil
}

// Offset returns a copy of the trajectory with d added to every position.
func (t Trajectory) Offset(d r3.Vec) Trajectory {
	out := make(Trajectory, len(t))
	for i, p := range t {
		out[i] = r3.Add(p, d)
	}
	return out
}

// BodyFrames holds per-frame joint positions of a body model, without the
// global translation applied.
type BodyFrames [][]r3.Vec

// Joint returns the position of joint j at frame f.
func (b BodyFrames) Joint(f, j int) r3.Vec { return b[f][j] }

// JointTrack returns joint j across all frames.
func (b BodyFrames) JointTrack(j int) Trajectory {
	out := make(Trajectory, len(b))
	for f := range b {
		out[f] = b[f][j]
	}
	return out
}
