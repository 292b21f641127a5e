package render

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/banshee-data/motionview/internal/motion"
	"github.com/banshee-data/motionview/internal/scene"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

const nearPlane = 0.05

type item struct {
	geom  *scene.Geometry
	mat   scene.Material
	shown bool
}

// Options configures a Scene.
type Options struct {
	Width, Height int
	// Supersample renders at a multiple of the output size and downscales.
	Supersample int
	Background  color.RGBA
}

// Scene is an in-memory scene graph with a software point renderer.
type Scene struct {
	mu        sync.Mutex
	opts      Options
	items     map[string]*item
	intrinsic scene.Intrinsic
	view      *mat.Dense
	bounds    scene.Bounds
}

// NewScene returns an empty scene whose camera sits at the origin looking
// down +z.
func NewScene(opts Options) *Scene {
	if opts.Supersample < 1 {
		opts.Supersample = 1
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 1280, 720
	}
	if opts.Background == (color.RGBA{}) {
		opts.Background = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	}
	return &Scene{
		opts:  opts,
		items: make(map[string]*item),
		view:  motion.Identity(4),
		intrinsic: scene.Intrinsic{
			Fx: float64(opts.Width), Fy: float64(opts.Width),
			Cx: float64(opts.Width-1) / 2, Cy: float64(opts.Height-1) / 2,
			Width: opts.Width, Height: opts.Height,
		},
	}
}

func (s *Scene) AddGeometry(name string, g *scene.Geometry, m scene.Material) error {
	if g == nil {
		return fmt.Errorf("add geometry %q: nil geometry", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[name]; ok {
		return fmt.Errorf("add geometry %q: already present", name)
	}
	s.items[name] = &item{geom: g, mat: m, shown: true}
	return nil
}

func (s *Scene) RemoveGeometry(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, name)
}

func (s *Scene) HasGeometry(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[name]
	return ok
}

func (s *Scene) ShowGeometry(name string, show bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[name]; ok {
		it.shown = show
	}
}

// SetupCamera installs the camera. Intrinsics for a different image size are
// rescaled to the scene's output size.
func (s *Scene) SetupCamera(in scene.Intrinsic, extrinsic *mat.Dense, bounds scene.Bounds) error {
	if !motion.IsValidExtrinsic(extrinsic) {
		return fmt.Errorf("setup camera: %w", motion.ErrInvalidExtrinsic)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.Width > 0 && in.Height > 0 {
		sx := float64(s.opts.Width) / float64(in.Width)
		sy := float64(s.opts.Height) / float64(in.Height)
		s.intrinsic = scene.Intrinsic{
			Fx: in.Fx * sx, Fy: in.Fy * sy,
			Cx: in.Cx * sx, Cy: in.Cy * sy,
			Width: s.opts.Width, Height: s.opts.Height,
		}
	}
	s.view = mat.DenseCopyOf(extrinsic)
	s.bounds = bounds
	return nil
}

func (s *Scene) ViewMatrix() *mat.Dense {
	s.mu.Lock()
	defer s.mu.Unlock()
	return mat.DenseCopyOf(s.view)
}

func (s *Scene) Bounds() scene.Bounds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bounds
}

// Names returns the geometries in the scene, sorted.
func (s *Scene) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for n := range s.items {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Render draws the visible geometry at the output size.
func (s *Scene) Render() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss := s.opts.Supersample
	fb := newFrameBuffer(s.opts.Width*ss, s.opts.Height*ss, s.opts.Background)
	rot := motion.RotationOf(s.view)
	t := motion.TranslationOf(s.view)
	in := s.intrinsic
	fs := float64(ss)

	names := make([]string, 0, len(s.items))
	for n := range s.items {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		it := s.items[n]
		if !it.shown {
			continue
		}
		radius := math.Max(it.mat.PointSize, 1) * fs / 2
		lit := it.mat.Shader == scene.ShaderLit
		for i, p := range it.geom.Points {
			pc := r3.Add(motion.MulVec(rot, p), t)
			if pc.Z < nearPlane {
				continue
			}
			u := (in.Fx*pc.X/pc.Z + in.Cx + 0.5) * fs
			v := (in.Fy*pc.Y/pc.Z + in.Cy + 0.5) * fs
			c := pointColor(it, i)
			if lit && i < len(it.geom.Normals) {
				c = shade(c, motion.MulVec(rot, it.geom.Normals[i]))
			}
			fb.splat(u, v, pc.Z, radius, c)
		}
	}
	return downscale(fb.img, s.opts.Width, s.opts.Height)
}

// Capture renders the current view and encodes it.
func (s *Scene) Capture(w io.Writer, format string) error {
	return Encode(w, s.Render(), format)
}

func pointColor(it *item, i int) color.RGBA {
	c := it.mat.BaseColor
	if i < len(it.geom.Colors) {
		c = it.geom.Colors[i]
	}
	return color.RGBA{R: to8(c.R), G: to8(c.G), B: to8(c.B), A: 255}
}

// shade applies a headlight: brightness follows how directly the normal
// faces the camera.
func shade(c color.RGBA, n r3.Vec) color.RGBA {
	k := 0.35 + 0.65*math.Abs(n.Z)
	return color.RGBA{
		R: uint8(float64(c.R) * k),
		G: uint8(float64(c.G) * k),
		B: uint8(float64(c.B) * k),
		A: 255,
	}
}

func to8(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}

var (
	_ scene.Scene    = (*Scene)(nil)
	_ scene.Capturer = (*Scene)(nil)
)
