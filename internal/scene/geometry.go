// Package scene describes renderable geometry and the scene-graph
// collaborator that displays it, plus the directory that tracks what has
// been added to a scene.
package scene

import (
	"fmt"
	"math"

	"github.com/banshee-data/motionview/internal/monitoring"
	"github.com/banshee-data/motionview/internal/motion"
	"gonum.org/v1/gonum/spatial/r3"
)

// Kind tags the variant held by a Geometry.
type Kind int

const (
	KindPointCloud Kind = iota
	KindMesh
)

func (k Kind) String() string {
	switch k {
	case KindPointCloud:
		return "point_cloud"
	case KindMesh:
		return "mesh"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Color is a linear RGB colour with components in [0, 1].
type Color struct {
	R, G, B float64
}

// Geometry is either a point cloud or a triangle mesh. Points holds the
// cloud's points or the mesh's vertices; Triangles is only set for meshes.
type Geometry struct {
	Kind      Kind
	Points    []r3.Vec
	Normals   []r3.Vec
	Colors    []Color
	Triangles [][3]int
}

// NewPointCloud returns a point cloud painted a uniform colour.
func NewPointCloud(points []r3.Vec, c Color) *Geometry {
	g := &Geometry{Kind: KindPointCloud, Points: points}
	g.PaintUniform(c)
	return g
}

// NewMesh returns a triangle mesh painted a uniform colour.
func NewMesh(vertices []r3.Vec, triangles [][3]int, c Color) *Geometry {
	g := &Geometry{Kind: KindMesh, Points: vertices, Triangles: triangles}
	g.PaintUniform(c)
	return g
}

// Clone returns a deep copy.
func (g *Geometry) Clone() *Geometry {
	out := &Geometry{Kind: g.Kind}
	out.Points = append([]r3.Vec(nil), g.Points...)
	out.Normals = append([]r3.Vec(nil), g.Normals...)
	out.Colors = append([]Color(nil), g.Colors...)
	out.Triangles = append([][3]int(nil), g.Triangles...)
	return out
}

// PaintUniform sets every point's colour to c.
func (g *Geometry) PaintUniform(c Color) {
	g.Colors = make([]Color, len(g.Points))
	for i := range g.Colors {
		g.Colors[i] = c
	}
}

// Normalize prepares the geometry for display according to its kind.
// Point clouds get unit normals. Meshes without triangles are demoted to
// point clouds; other meshes get area-weighted vertex normals and a white
// colour if none is set.
func (g *Geometry) Normalize() error {
	switch g.Kind {
	case KindPointCloud:
		if len(g.Normals) != len(g.Points) {
			g.Normals = radialNormals(g.Points)
		}
		for i, n := range g.Normals {
			if r3.Norm(n) > 0 {
				g.Normals[i] = r3.Unit(n)
			}
		}
	case KindMesh:
		if len(g.Triangles) == 0 {
			monitoring.Logf("[Scene] mesh contains 0 triangles, will read as point cloud")
			g.Kind = KindPointCloud
			g.Normals = nil
			return g.Normalize()
		}
		for i, tri := range g.Triangles {
			for _, v := range tri {
				if v < 0 || v >= len(g.Points) {
					return fmt.Errorf("triangle %d references vertex %d of %d", i, v, len(g.Points))
				}
			}
		}
		if len(g.Normals) != len(g.Points) {
			g.Normals = vertexNormals(g.Points, g.Triangles)
		}
	default:
		return fmt.Errorf("unknown geometry kind %v", g.Kind)
	}
	if len(g.Colors) != len(g.Points) {
		g.PaintUniform(Color{1, 1, 1})
	}
	return nil
}

// Transformed returns a copy rotated into the scene frame and scaled.
func (g *Geometry) Transformed(scale float64) *Geometry {
	out := g.Clone()
	out.Points = motion.ToSceneFrame(g.Points, scale)
	out.Normals = motion.ToSceneFrame(g.Normals, 1)
	return out
}

// Bounds is an axis-aligned bounding box.
type Bounds struct {
	Min, Max r3.Vec
}

// Center returns the middle of the box.
func (b Bounds) Center() r3.Vec { return r3.Scale(0.5, r3.Add(b.Min, b.Max)) }

// Extent returns the length of the box diagonal.
func (b Bounds) Extent() float64 { return r3.Norm(r3.Sub(b.Max, b.Min)) }

// Bounds returns the axis-aligned bounds of the geometry. Empty geometry
// has zero bounds.
func (g *Geometry) Bounds() Bounds {
	if len(g.Points) == 0 {
		return Bounds{}
	}
	b := Bounds{
		Min: r3.Vec{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)},
		Max: r3.Vec{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)},
	}
	for _, p := range g.Points {
		b.Min = r3.Vec{X: math.Min(b.Min.X, p.X), Y: math.Min(b.Min.Y, p.Y), Z: math.Min(b.Min.Z, p.Z)}
		b.Max = r3.Vec{X: math.Max(b.Max.X, p.X), Y: math.Max(b.Max.Y, p.Y), Z: math.Max(b.Max.Z, p.Z)}
	}
	return b
}

func radialNormals(points []r3.Vec) []r3.Vec {
	var c r3.Vec
	for _, p := range points {
		c = r3.Add(c, p)
	}
	if len(points) > 0 {
		c = r3.Scale(1/float64(len(points)), c)
	}
	out := make([]r3.Vec, len(points))
	for i, p := range points {
		d := r3.Sub(p, c)
		if r3.Norm(d) < 1e-12 {
			out[i] = r3.Vec{Z: 1}
			continue
		}
		out[i] = r3.Unit(d)
	}
	return out
}

func vertexNormals(vertices []r3.Vec, triangles [][3]int) []r3.Vec {
	acc := make([]r3.Vec, len(vertices))
	for _, t := range triangles {
		a, b, c := vertices[t[0]], vertices[t[1]], vertices[t[2]]
		n := r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
		for _, v := range t {
			acc[v] = r3.Add(acc[v], n)
		}
	}
	for i, n := range acc {
		if r3.Norm(n) > 0 {
			acc[i] = r3.Unit(n)
		}
	}
	return acc
}
