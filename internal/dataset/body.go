package dataset

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/motionview/internal/motion"
)

// ErrNoBody is returned when a person has neither precomputed joints nor a
// body model to derive them.
var ErrNoBody = errors.New("no body joints available")

// Body is the un-translated output of a body model: per-frame joint
// positions and mesh vertices.
type Body struct {
	Joints   motion.BodyFrames
	Vertices [][]r3.Vec
}

// Len returns the number of frames.
func (b Body) Len() int { return len(b.Joints) }

// Translated returns a copy with trans[f] added to every joint and vertex
// of frame f.
func (b Body) Translated(trans motion.Trajectory) (Body, error) {
	if len(trans) != len(b.Joints) || len(trans) != len(b.Vertices) {
		return Body{}, fmt.Errorf("translate %d frames by %d offsets: %w", len(b.Joints), len(trans), motion.ErrLengthMismatch)
	}
	out := Body{
		Joints:   make(motion.BodyFrames, len(b.Joints)),
		Vertices: make([][]r3.Vec, len(b.Vertices)),
	}
	for f, t := range trans {
		out.Joints[f] = offset(b.Joints[f], t)
		out.Vertices[f] = offset(b.Vertices[f], t)
	}
	return out, nil
}

// Slice returns frames [start, end).
func (b Body) Slice(start, end int) Body {
	return Body{Joints: b.Joints[start:end], Vertices: b.Vertices[start:end]}
}

func offset(in []r3.Vec, d r3.Vec) []r3.Vec {
	out := make([]r3.Vec, len(in))
	for i, p := range in {
		out[i] = r3.Add(p, d)
	}
	return out
}

// BodyModel turns pose parameters into joints and vertices.
type BodyModel interface {
	Body(seq motion.PoseSequence) (Body, error)
}

// BodyModelFunc adapts a function to BodyModel.
type BodyModelFunc func(seq motion.PoseSequence) (Body, error)

func (f BodyModelFunc) Body(seq motion.PoseSequence) (Body, error) { return f(seq) }

// resolveBody prefers precomputed arrays and falls back to the model.
// Vertices default to the joints when only joints are present.
func resolveBody(seq motion.PoseSequence, joints, vertices [][][]float64, model BodyModel) (Body, error) {
	if len(joints) == 0 {
		if model == nil {
			return Body{}, ErrNoBody
		}
		b, err := model.Body(seq)
		if err != nil {
			return Body{}, fmt.Errorf("body model: %w", err)
		}
		if b.Len() != seq.Len() || len(b.Vertices) != seq.Len() {
			return Body{}, fmt.Errorf("body model returned %d frames for %d poses: %w", b.Len(), seq.Len(), motion.ErrLengthMismatch)
		}
		return b, checkJoints(b.Joints)
	}
	if len(joints) != seq.Len() {
		return Body{}, fmt.Errorf("%d joint frames for %d poses: %w", len(joints), seq.Len(), motion.ErrLengthMismatch)
	}
	j, err := toPoints(joints)
	if err != nil {
		return Body{}, fmt.Errorf("joints: %w", err)
	}
	if err := checkJoints(j); err != nil {
		return Body{}, err
	}
	b := Body{Joints: j, Vertices: j}
	if len(vertices) > 0 {
		if len(vertices) != seq.Len() {
			return Body{}, fmt.Errorf("%d vertex frames for %d poses: %w", len(vertices), seq.Len(), motion.ErrLengthMismatch)
		}
		if b.Vertices, err = toPoints(vertices); err != nil {
			return Body{}, fmt.Errorf("vertices: %w", err)
		}
	}
	return b, nil
}

func toPoints(frames [][][]float64) ([][]r3.Vec, error) {
	out := make([][]r3.Vec, len(frames))
	for f, rows := range frames {
		pts, err := toVecs(rows)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", f, err)
		}
		out[f] = pts
	}
	return out, nil
}

func toVecs(rows [][]float64) ([]r3.Vec, error) {
	out := make([]r3.Vec, len(rows))
	for i, r := range rows {
		if len(r) < 3 {
			return nil, fmt.Errorf("row %d has %d values: %w", i, len(r), motion.ErrPoseShape)
		}
		out[i] = r3.Vec{X: r[0], Y: r[1], Z: r[2]}
	}
	return out, nil
}

func checkJoints(frames motion.BodyFrames) error {
	for f, j := range frames {
		if len(j) < motion.NumJoints {
			return fmt.Errorf("frame %d has %d joints, want %d: %w", f, len(j), motion.NumJoints, motion.ErrPoseShape)
		}
	}
	return nil
}
