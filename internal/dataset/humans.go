package dataset

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/motionview/internal/monitoring"
	"github.com/banshee-data/motionview/internal/motion"
	"github.com/banshee-data/motionview/internal/playback"
	"github.com/banshee-data/motionview/internal/scene"
)

// Geometry names shown in the scene.
const (
	NameFirst       = "First pose"
	NameSecond      = "Second pose"
	NameFirstOpt    = "First opt_pose"
	NameSecondOpt   = "Second opt_pose"
	NamePredicted   = "Second pred"
	NameHumanPoints = "human points"
)

// SecondHeadLift raises the second-person camera above the head joint.
var SecondHeadLift = r3.Vec{Z: 0.2}

// Options control assembly.
type Options struct {
	// Model derives joints and vertices for persons without precomputed arrays.
	Model BodyModel
	View  motion.ViewOptions
	// Start and End select frames [Start, End); End < 0 keeps every frame.
	Start, End int
}

// DefaultOptions keeps every frame and uses the default view options.
func DefaultOptions() Options {
	return Options{View: motion.DefaultViewOptions(), End: -1}
}

// Track is a body whose translated vertices are drawn every frame.
type Track struct {
	Name     string
	Color    scene.Color
	Vertices [][]r3.Vec
}

// HumanData is everything playback needs for one blob.
type HumanData struct {
	Faces  [][3]int
	Tracks []Track

	// Points holds the point clouds; PointFrames[k] is the frame of Points[k].
	Points      [][]r3.Vec
	PointFrames []int
	// Predicted is parallel to Points, or nil.
	Predicted [][]r3.Vec

	// Aligned is the first-person translation after LiDAR alignment.
	Aligned motion.Trajectory

	Cameras Cameras
	frames  int
}

// Len returns the number of frames.
func (h *HumanData) Len() int { return h.frames }

// Cameras maps a point of view to its camera path.
type Cameras map[string]motion.Views

// Views returns the camera path for pov.
func (c Cameras) Views(pov string) (motion.Views, error) {
	v, ok := c[pov]
	if !ok {
		return motion.Views{}, fmt.Errorf("%q: %w", pov, playback.ErrUnknownPOV)
	}
	return v, nil
}

// POVs returns the available points of view, sorted.
func (c Cameras) POVs() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

type cameraPath struct {
	positions motion.Trajectory
	heads     []*mat.Dense
}

type person struct {
	pose  motion.PoseSequence
	trans motion.Trajectory
	body  Body // translated
}

func loadPerson(label string, poseRows, transRows [][]float64, joints, vertices [][][]float64, model BodyModel) (person, Body, error) {
	pose, err := motion.NewPoseSequence(poseRows)
	if err != nil {
		return person{}, Body{}, fmt.Errorf("%s pose: %w", label, err)
	}
	trans, err := motion.NewTrajectory(transRows, 0)
	if err != nil {
		return person{}, Body{}, fmt.Errorf("%s trans: %w", label, err)
	}
	if len(trans) != pose.Len() {
		return person{}, Body{}, fmt.Errorf("%s: %d poses, %d translations: %w", label, pose.Len(), len(trans), motion.ErrLengthMismatch)
	}
	raw, err := resolveBody(pose, joints, vertices, model)
	if err != nil {
		return person{}, Body{}, fmt.Errorf("%s: %w", label, err)
	}
	body, err := raw.Translated(trans)
	if err != nil {
		return person{}, Body{}, fmt.Errorf("%s: %w", label, err)
	}
	return person{pose: pose, trans: trans, body: body}, raw, nil
}

// Assemble aligns the first person to its LiDAR trajectory, translates every
// body, attaches point clouds and predictions, and synthesizes the first- and
// second-person camera paths.
func Assemble(b *Blob, preds map[string]Prediction, opts Options) (*HumanData, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	fp := b.FirstPerson
	first, firstRaw, err := loadPerson("first_person", fp.Pose, fp.MocapTrans, fp.Joints, fp.Vertices, opts.Model)
	if err != nil {
		return nil, err
	}
	frames := first.pose.Len()
	firstHeads := motion.HeadRotations(first.pose)

	h := &HumanData{Faces: b.Faces, Cameras: Cameras{}, frames: frames}
	paths := map[string]cameraPath{}

	h.Aligned = first.trans
	if fp.HasLidar() {
		lidar, err := motion.NewTrajectory(fp.LidarTraj, 1)
		if err != nil {
			return nil, fmt.Errorf("lidar_traj: %w", err)
		}
		if h.Aligned, err = motion.AlignTrajectory(lidar, firstRaw.Joints, firstHeads, first.trans); err != nil {
			return nil, fmt.Errorf("align first person: %w", err)
		}
		if first.body, err = firstRaw.Translated(h.Aligned); err != nil {
			return nil, err
		}
		paths[playback.POVFirst] = cameraPath{positions: lidar, heads: firstHeads}
		monitoring.Logf("[Dataset] first person aligned to %d lidar poses", len(lidar))
	} else {
		paths[playback.POVFirst] = cameraPath{positions: first.body.Joints.JointTrack(motion.HeadJoint), heads: firstHeads}
		monitoring.Logf("[Dataset] no lidar_traj, first-person camera follows the head joint")
	}
	h.Tracks = append(h.Tracks, Track{Name: NameFirst, Vertices: first.body.Vertices})

	sp := b.SecondPerson
	if sp != nil {
		second, _, err := loadPerson("second_person", sp.Pose, sp.MocapTrans, sp.Joints, sp.Vertices, opts.Model)
		if err != nil {
			return nil, err
		}
		if second.pose.Len() != frames {
			return nil, fmt.Errorf("second_person has %d frames, first %d: %w", second.pose.Len(), frames, motion.ErrLengthMismatch)
		}
		h.Tracks = append(h.Tracks, Track{Name: NameSecond, Vertices: second.body.Vertices})
		camPerson := second

		if fp.HasOpt() {
			opt, _, err := loadPerson("first_person opt", fp.OptPose, fp.OptTrans, fp.OptJoints, fp.OptVertices, opts.Model)
			if err != nil {
				return nil, err
			}
			h.Tracks = append(h.Tracks, Track{Name: NameFirstOpt, Vertices: opt.body.Vertices})
		}
		if sp.HasOpt() {
			opt, _, err := loadPerson("second_person opt", sp.OptPose, sp.OptTrans, sp.OptJoints, sp.OptVertices, opts.Model)
			if err != nil {
				return nil, err
			}
			h.Tracks = append(h.Tracks, Track{Name: NameSecondOpt, Vertices: opt.body.Vertices})
			camPerson = opt
		}
		paths[playback.POVSecond] = cameraPath{
			positions: camPerson.body.Joints.JointTrack(motion.HeadJoint).Offset(SecondHeadLift),
			heads:     motion.HeadRotations(camPerson.pose),
		}

		if err := h.attachPoints(b, sp); err != nil {
			return nil, err
		}
		if len(preds) > 0 {
			if err := h.attachPredictions(preds, camPerson.trans, opts.Model); err != nil {
				return nil, err
			}
		}
	} else if len(preds) > 0 {
		monitoring.Logf("[Dataset] predictions ignored: no second_person to place them")
	}

	for i := range h.Tracks {
		h.Tracks[i].Color = scene.Tab20(2*i + 3)
	}

	if err := h.window(opts.Start, opts.End, paths); err != nil {
		return nil, err
	}
	for pov, p := range paths {
		views, err := motion.GenerateViews(p.positions, p.heads, opts.View)
		if err != nil {
			return nil, fmt.Errorf("%s camera: %w", pov, err)
		}
		h.Cameras[pov] = views
	}
	return h, nil
}

// attachPoints maps each point cloud to its frame through frame_num.
func (h *HumanData) attachPoints(b *Blob, sp *Person) error {
	if len(sp.PointClouds) == 0 {
		return nil
	}
	if len(sp.PointClouds) != len(sp.PointFrame) {
		return fmt.Errorf("%d point clouds, %d point frames: %w", len(sp.PointClouds), len(sp.PointFrame), motion.ErrLengthMismatch)
	}
	for k, fn := range sp.PointFrame {
		idx := slices.Index(b.FrameNum, fn)
		if idx < 0 || idx >= h.frames {
			monitoring.Logf("[Dataset] point cloud for frame_num %d has no matching frame, skipped", fn)
			continue
		}
		pts, err := toVecs(sp.PointClouds[k])
		if err != nil {
			return fmt.Errorf("point cloud %d: %w", k, err)
		}
		h.Points = append(h.Points, pts)
		h.PointFrames = append(h.PointFrames, idx)
	}
	monitoring.Logf("[Dataset] %d point clouds loaded", len(h.Points))
	return nil
}

// attachPredictions concatenates every predicted sequence in key order and
// places row k at the translation of the frame of point cloud k.
func (h *HumanData) attachPredictions(preds map[string]Prediction, trans motion.Trajectory, model BodyModel) error {
	keys := make([]string, 0, len(preds))
	for k := range preds {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var verts [][]r3.Vec
	for _, k := range keys {
		p := preds[k]
		pose, err := motion.NewPoseSequence(p.Pose)
		if err != nil {
			return fmt.Errorf("prediction %s: %w", k, err)
		}
		body, err := resolveBody(pose, p.Joints, p.Vertices, model)
		if err != nil {
			return fmt.Errorf("prediction %s: %w", k, err)
		}
		verts = append(verts, body.Vertices...)
	}
	if len(verts) != len(h.Points) {
		return fmt.Errorf("%d predicted frames for %d point clouds: %w", len(verts), len(h.Points), motion.ErrLengthMismatch)
	}
	h.Predicted = make([][]r3.Vec, len(verts))
	for k, v := range verts {
		h.Predicted[k] = offset(v, trans[h.PointFrames[k]])
	}
	monitoring.Logf("[Dataset] %d predicted frames loaded", len(verts))
	return nil
}

// window keeps frames [start, end) of every per-frame array.
func (h *HumanData) window(start, end int, paths map[string]cameraPath) error {
	if end < 0 || end > h.frames {
		end = h.frames
	}
	if start < 0 {
		start = 0
	}
	if start >= end {
		return fmt.Errorf("frame window [%d, %d) is empty: %w", start, end, motion.ErrNoTrajectory)
	}
	if start == 0 && end == h.frames {
		return nil
	}
	for i := range h.Tracks {
		h.Tracks[i].Vertices = h.Tracks[i].Vertices[start:end]
	}
	h.Aligned = h.Aligned[start:end]
	for pov, p := range paths {
		if len(p.positions) < end || len(p.heads) < end {
			return fmt.Errorf("%s camera has %d poses, window ends at %d: %w", pov, len(p.positions), end, motion.ErrLengthMismatch)
		}
		paths[pov] = cameraPath{positions: p.positions[start:end], heads: p.heads[start:end]}
	}

	var pts, pred [][]r3.Vec
	var idx []int
	for k, f := range h.PointFrames {
		if f < start || f >= end {
			continue
		}
		pts = append(pts, h.Points[k])
		idx = append(idx, f-start)
		if h.Predicted != nil {
			pred = append(pred, h.Predicted[k])
		}
	}
	h.Points, h.PointFrames, h.Predicted = pts, idx, pred
	h.frames = end - start
	return nil
}
