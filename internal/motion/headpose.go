package motion

import (
	"gonum.org/v1/gonum/mat"
)

// HeadRotations returns the global head rotation of every frame. Each matrix
// is the product of the HeadChain joint rotations, composed from the head
// back to the pelvis, followed by the head axis remap. Its columns are the
// head's right, forward and up axes in world coordinates.
func HeadRotations(seq PoseSequence) []*mat.Dense {
	out := make([]*mat.Dense, seq.Len())
	for f := 0; f < seq.Len(); f++ {
		acc := Identity(3)
		for i := len(HeadChain) - 1; i >= 0; i-- {
			next := mat.NewDense(3, 3, nil)
			next.Mul(AxisAngle(seq.Joint(f, HeadChain[i])), acc)
			acc = next
		}
		head := mat.NewDense(3, 3, nil)
		head.Mul(acc, axisRemap.T())
		out[f] = head
	}
	return out
}
