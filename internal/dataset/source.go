package dataset

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/motionview/internal/playback"
	"github.com/banshee-data/motionview/internal/scene"
)

// FrameSource serves HumanData frame by frame to the playback engine.
type FrameSource struct {
	data      *HumanData
	cloudAt   map[int]int
	meshOK    []bool
	predVerts int
	predMesh  bool
}

// NewFrameSource indexes h for playback.
func NewFrameSource(h *HumanData) *FrameSource {
	s := &FrameSource{data: h, cloudAt: make(map[int]int, len(h.PointFrames))}
	for k, f := range h.PointFrames {
		if _, dup := s.cloudAt[f]; !dup {
			s.cloudAt[f] = k
		}
	}
	maxIdx := -1
	for _, tri := range h.Faces {
		for _, v := range tri {
			maxIdx = max(maxIdx, v)
		}
	}
	s.meshOK = make([]bool, len(h.Tracks))
	for i, t := range h.Tracks {
		s.meshOK[i] = len(h.Faces) > 0 && len(t.Vertices) > 0 && maxIdx < len(t.Vertices[0])
	}
	if len(h.Predicted) > 0 {
		s.predVerts = len(h.Predicted[0])
		s.predMesh = len(h.Faces) > 0 && maxIdx < s.predVerts
	}
	return s
}

// Len returns the number of frames.
func (s *FrameSource) Len() int { return s.data.Len() }

// Frame returns the geometry of frame i. Frames without a point cloud show a
// single point at the origin and collapse the prediction to the origin.
func (s *FrameSource) Frame(i int) (playback.Frame, error) {
	if i < 0 || i >= s.Len() {
		return playback.Frame{}, fmt.Errorf("frame %d outside [0, %d)", i, s.Len())
	}
	h := s.data
	out := playback.Frame{Index: i, Geometries: make(map[string]*scene.Geometry, len(h.Tracks)+2)}

	k, hasCloud := s.cloudAt[i]
	cloud := []r3.Vec{{}}
	if hasCloud {
		cloud = h.Points[k]
	}
	out.Geometries[NameHumanPoints] = scene.NewPointCloud(cloud, scene.PointColor)

	for ti, t := range h.Tracks {
		out.Geometries[t.Name] = s.body(t.Vertices[i], s.meshOK[ti], t.Color)
	}
	if h.Predicted != nil {
		verts := make([]r3.Vec, s.predVerts)
		if hasCloud {
			verts = h.Predicted[k]
		}
		out.Geometries[NamePredicted] = s.body(verts, s.predMesh && len(verts) == s.predVerts, scene.PredictedColor)
	}
	return out, nil
}

func (s *FrameSource) body(verts []r3.Vec, mesh bool, c scene.Color) *scene.Geometry {
	if mesh {
		return scene.NewMesh(verts, s.data.Faces, c)
	}
	return scene.NewPointCloud(verts, c)
}

var _ playback.Source = (*FrameSource)(nil)
var _ playback.CameraSet = Cameras(nil)
