// Package dataset loads motion-capture blobs and assembles the per-frame
// body meshes, point clouds and camera paths the viewer plays back.
package dataset

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/motionview/internal/motion"
)

// MaxBlobSize caps the decompressed size of a blob.
const MaxBlobSize = 1 << 30

var (
	// ErrUnsupportedFormat is returned for blob files that are neither JSON nor YAML.
	ErrUnsupportedFormat = errors.New("unsupported blob format")
	// ErrNoFirstPerson is returned when a blob has no first_person entry.
	ErrNoFirstPerson = errors.New("blob has no first_person")
)

// PoseRows holds one row of 72 axis-angle values per frame. It decodes from
// either flat rows or frames shaped 24x3.
type PoseRows [][]float64

// UnmarshalJSON implements json.Unmarshaler.
func (p *PoseRows) UnmarshalJSON(data []byte) error {
	var flat [][]float64
	err := json.Unmarshal(data, &flat)
	if err == nil {
		*p = flat
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	if !errors.As(err, &typeErr) {
		return err
	}
	var joints [][][]float64
	if err := json.Unmarshal(data, &joints); err != nil {
		return fmt.Errorf("pose is neither rows of 72 nor frames of 24x3: %w", motion.ErrPoseShape)
	}
	return p.setJoints(joints)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *PoseRows) UnmarshalYAML(value *yaml.Node) error {
	var flat [][]float64
	if err := value.Decode(&flat); err == nil {
		*p = flat
		return nil
	}
	var joints [][][]float64
	if err := value.Decode(&joints); err != nil {
		return fmt.Errorf("pose is neither rows of 72 nor frames of 24x3: %w", motion.ErrPoseShape)
	}
	return p.setJoints(joints)
}

func (p *PoseRows) setJoints(joints [][][]float64) error {
	seq, err := motion.NewPoseSequenceJoints(joints)
	if err != nil {
		return err
	}
	*p = seq.Rows()
	return nil
}

// Person is one tracked human. Joint and vertex arrays are un-translated
// body-model output; when absent a BodyModel derives them from the pose.
type Person struct {
	Pose       PoseRows    `json:"pose" yaml:"pose"`
	MocapTrans [][]float64 `json:"mocap_trans" yaml:"mocap_trans"`
	// LidarTraj rows are [timestamp, x, y, z, ...].
	LidarTraj [][]float64 `json:"lidar_traj,omitempty" yaml:"lidar_traj,omitempty"`

	OptPose  PoseRows    `json:"opt_pose,omitempty" yaml:"opt_pose,omitempty"`
	OptTrans [][]float64 `json:"opt_trans,omitempty" yaml:"opt_trans,omitempty"`

	Joints      [][][]float64 `json:"joints,omitempty" yaml:"joints,omitempty"`
	Vertices    [][][]float64 `json:"vertices,omitempty" yaml:"vertices,omitempty"`
	OptJoints   [][][]float64 `json:"opt_joints,omitempty" yaml:"opt_joints,omitempty"`
	OptVertices [][][]float64 `json:"opt_vertices,omitempty" yaml:"opt_vertices,omitempty"`

	PointClouds [][][]float64 `json:"point_clouds,omitempty" yaml:"point_clouds,omitempty"`
	PointFrame  []int         `json:"point_frame,omitempty" yaml:"point_frame,omitempty"`
}

// HasLidar reports whether the person carries a LiDAR trajectory.
func (p *Person) HasLidar() bool { return p != nil && len(p.LidarTraj) > 0 }

// HasOpt reports whether the person carries optimised poses.
func (p *Person) HasOpt() bool { return p != nil && len(p.OptPose) > 0 && len(p.OptTrans) > 0 }

// Blob is the serialized pose and trajectory dictionary.
type Blob struct {
	FrameNum     []int    `json:"frame_num,omitempty" yaml:"frame_num,omitempty"`
	Faces        [][3]int `json:"faces,omitempty" yaml:"faces,omitempty"`
	FirstPerson  *Person  `json:"first_person" yaml:"first_person"`
	SecondPerson *Person  `json:"second_person,omitempty" yaml:"second_person,omitempty"`
}

// Validate checks the fields every blob needs.
func (b *Blob) Validate() error {
	if b.FirstPerson == nil {
		return ErrNoFirstPerson
	}
	if len(b.FirstPerson.Pose) == 0 {
		return fmt.Errorf("first_person: empty pose")
	}
	return nil
}

// Prediction is one entry of a predicted-SMPL blob, one row per point-cloud frame.
type Prediction struct {
	Pose     PoseRows      `json:"pose" yaml:"pose"`
	Joints   [][][]float64 `json:"joints,omitempty" yaml:"joints,omitempty"`
	Vertices [][][]float64 `json:"vertices,omitempty" yaml:"vertices,omitempty"`
}

// Format is the encoding of a blob file.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// DetectFormat infers the encoding from a file name, ignoring a trailing .gz.
func DetectFormat(name string) (f Format, gz bool, err error) {
	name = strings.ToLower(name)
	if strings.HasSuffix(name, ".gz") {
		gz = true
		name = strings.TrimSuffix(name, ".gz")
	}
	switch path.Ext(name) {
	case ".json":
		return FormatJSON, gz, nil
	case ".yaml", ".yml":
		return FormatYAML, gz, nil
	}
	return 0, gz, fmt.Errorf("%s: %w", name, ErrUnsupportedFormat)
}

// Decode parses data named name into v, inflating gzip first when the
// name ends in .gz.
func Decode(name string, data []byte, v any) error {
	format, gz, err := DetectFormat(name)
	if err != nil {
		return err
	}
	if gz {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("gunzip %s: %w", name, err)
		}
		defer zr.Close()
		data, err = io.ReadAll(io.LimitReader(zr, MaxBlobSize+1))
		if err != nil {
			return fmt.Errorf("gunzip %s: %w", name, err)
		}
		if len(data) > MaxBlobSize {
			return fmt.Errorf("%s: decompressed blob exceeds %d bytes", name, MaxBlobSize)
		}
	}
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, v)
	default:
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// DecodeBlob parses and validates a pose blob.
func DecodeBlob(name string, data []byte) (*Blob, error) {
	var b Blob
	if err := Decode(name, data, &b); err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &b, nil
}

// DecodePredictions parses a predicted-SMPL blob keyed by sequence name.
func DecodePredictions(name string, data []byte) (map[string]Prediction, error) {
	var p map[string]Prediction
	if err := Decode(name, data, &p); err != nil {
		return nil, err
	}
	return p, nil
}
