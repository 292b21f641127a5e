// Package render is a headless scene.Scene: it splats points and mesh
// vertices into a z-buffered frame through the installed pinhole camera and
// encodes the result as JPEG or WebP.
package render

import (
	"image"
	"image/color"
	"math"
)

// frameBuffer holds the render target as flat slices.
type frameBuffer struct {
	width  int
	height int
	img    *image.RGBA
	zbuf   []float64 // camera depth per pixel, +Inf when empty
}

func newFrameBuffer(w, h int, bg color.RGBA) *frameBuffer {
	fb := &frameBuffer{
		width:  w,
		height: h,
		img:    image.NewRGBA(image.Rect(0, 0, w, h)),
		zbuf:   make([]float64, w*h),
	}
	for i := range fb.zbuf {
		fb.zbuf[i] = math.Inf(1)
	}
	for i := 0; i < len(fb.img.Pix); i += 4 {
		fb.img.Pix[i] = bg.R
		fb.img.Pix[i+1] = bg.G
		fb.img.Pix[i+2] = bg.B
		fb.img.Pix[i+3] = 255
	}
	return fb
}

// splat draws a filled disc of the given radius centred on (u, v), keeping
// only fragments nearer than what is already stored.
func (fb *frameBuffer) splat(u, v, depth, radius float64, c color.RGBA) int {
	r := int(math.Ceil(radius))
	cx, cy := int(math.Floor(u)), int(math.Floor(v))
	written := 0
	for y := cy - r; y <= cy+r; y++ {
		if y < 0 || y >= fb.height {
			continue
		}
		for x := cx - r; x <= cx+r; x++ {
			if x < 0 || x >= fb.width {
				continue
			}
			dx, dy := float64(x)+0.5-u, float64(y)+0.5-v
			if dx*dx+dy*dy > radius*radius+0.5 {
				continue
			}
			i := y*fb.width + x
			if depth >= fb.zbuf[i] {
				continue
			}
			fb.zbuf[i] = depth
			off := fb.img.PixOffset(x, y)
			fb.img.Pix[off] = c.R
			fb.img.Pix[off+1] = c.G
			fb.img.Pix[off+2] = c.B
			fb.img.Pix[off+3] = 255
			written++
		}
	}
	return written
}
