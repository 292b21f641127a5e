package motion

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// AlignTrajectory anchors a LiDAR device trajectory to the body root.
//
// The head-to-device offset is measured at frame 0 and carried rigidly with
// the head rotation through the rest of the sequence; the per-frame
// head-to-root offset then moves the result from the head onto the root.
// body holds un-translated joints. With an empty lidar trajectory the mocap
// translation is returned unchanged.
func AlignTrajectory(lidar Trajectory, body BodyFrames, heads []*mat.Dense, mocapTrans Trajectory) (Trajectory, error) {
	if len(lidar) == 0 {
		out := make(Trajectory, len(mocapTrans))
		copy(out, mocapTrans)
		return out, nil
	}
	n := len(lidar)
	if len(body) != n || len(heads) != n || len(mocapTrans) != n {
		return nil, fmt.Errorf("align trajectory: lidar %d, body %d, heads %d, trans %d frames: %w",
			n, len(body), len(heads), len(mocapTrans), ErrLengthMismatch)
	}
	for f := range body {
		if len(body[f]) <= HeadJoint {
			return nil, fmt.Errorf("align trajectory: frame %d has %d joints: %w", f, len(body[f]), ErrPoseShape)
		}
	}

	head0 := body.Joint(0, HeadJoint)
	lidarToHead := r3.Add(r3.Sub(head0, lidar[0]), mocapTrans[0])
	h0t := heads[0].T()

	out := make(Trajectory, n)
	for f := 0; f < n; f++ {
		headToRoot := r3.Sub(body.Joint(f, RootJoint), body.Joint(f, HeadJoint))

		var rel mat.Dense
		rel.Mul(heads[f], h0t)
		rotated := MulVec(&rel, lidarToHead)

		out[f] = r3.Add(lidar[f], r3.Add(rotated, headToRoot))
	}
	return out, nil
}
