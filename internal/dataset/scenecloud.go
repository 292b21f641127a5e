package dataset

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/motionview/internal/motion"
)

// ErrBinaryPCD is returned for PCD files whose DATA section is not ascii.
var ErrBinaryPCD = errors.New("only ascii pcd data is supported")

// SceneCloud is the static point cloud of the capture site.
type SceneCloud struct {
	Points []r3.Vec `json:"points" yaml:"points"`
}

// SceneName returns the file name of path without directory or extensions,
// as used in video names.
func SceneName(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return base
}

// ParseSceneCloud decodes a scene cloud. ".pcd" files must use ascii DATA,
// ".xyz" and ".txt" hold one "x y z" row per line; other names go through
// Decode.
func ParseSceneCloud(name string, data []byte) (*SceneCloud, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pcd":
		return parsePCD(data)
	case ".xyz", ".txt":
		pts, err := parseRows(bufio.NewScanner(bytes.NewReader(data)), 0, 1, 2)
		if err != nil {
			return nil, err
		}
		return &SceneCloud{Points: pts}, nil
	}
	var rows struct {
		Points [][]float64 `json:"points" yaml:"points"`
	}
	if err := Decode(name, data, &rows); err != nil {
		return nil, err
	}
	pts, err := toVecs(rows.Points)
	if err != nil {
		return nil, err
	}
	return &SceneCloud{Points: pts}, nil
}

func parsePCD(data []byte) (*SceneCloud, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	xi, yi, zi := -1, -1, -1
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch strings.ToUpper(fields[0]) {
		case "FIELDS":
			for i, f := range fields[1:] {
				switch f {
				case "x":
					xi = i
				case "y":
					yi = i
				case "z":
					zi = i
				}
			}
		case "DATA":
			if len(fields) < 2 || fields[1] != "ascii" {
				return nil, ErrBinaryPCD
			}
			if xi < 0 || yi < 0 || zi < 0 {
				return nil, fmt.Errorf("pcd: missing x/y/z fields: %w", motion.ErrPoseShape)
			}
			pts, err := parseRows(sc, xi, yi, zi)
			if err != nil {
				return nil, err
			}
			return &SceneCloud{Points: pts}, nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("pcd: no DATA section: %w", motion.ErrPoseShape)
}

func parseRows(sc *bufio.Scanner, xi, yi, zi int) ([]r3.Vec, error) {
	need := max(xi, yi, zi) + 1
	var pts []r3.Vec
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) < need {
			return nil, fmt.Errorf("row %d has %d columns, need %d: %w", line, len(fields), need, motion.ErrPoseShape)
		}
		var v [3]float64
		for k, col := range [3]int{xi, yi, zi} {
			f, err := strconv.ParseFloat(fields[col], 64)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", line, err)
			}
			v[k] = f
		}
		// Invalid returns are stored as NaN.
		if math.IsNaN(v[0]) || math.IsNaN(v[1]) || math.IsNaN(v[2]) {
			continue
		}
		pts = append(pts, r3.Vec{X: v[0], Y: v[1], Z: v[2]})
	}
	return pts, sc.Err()
}

// LoadSceneCloud reads and parses the scene cloud at name.
func (l *Loader) LoadSceneCloud(ctx context.Context, name string) (*SceneCloud, error) {
	data, err := l.ReadFile(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load scene: %w", err)
	}
	sc, err := ParseSceneCloud(name, data)
	if err != nil {
		return nil, fmt.Errorf("parse scene %s: %w", name, err)
	}
	return sc, nil
}
