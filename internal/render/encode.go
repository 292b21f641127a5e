package render

import (
	"fmt"
	"image"
	"image/jpeg"
	"io"

	"github.com/HugoSmits86/nativewebp"
	"golang.org/x/image/draw"
)

// Supported capture formats.
const (
	FormatJPEG = "jpg"
	FormatWebP = "webp"
)

// Encode writes img in the given format.
func Encode(w io.Writer, img image.Image, format string) error {
	switch format {
	case FormatJPEG, "jpeg", "":
		if err := jpeg.Encode(w, img, &jpeg.Options{Quality: 90}); err != nil {
			return fmt.Errorf("jpeg encode: %w", err)
		}
	case FormatWebP:
		if err := nativewebp.Encode(w, img, nil); err != nil {
			return fmt.Errorf("webp encode: %w", err)
		}
	default:
		return fmt.Errorf("unsupported capture format %q", format)
	}
	return nil
}

// Extension returns the file extension for a capture format.
func Extension(format string) string {
	if format == FormatWebP {
		return ".webp"
	}
	return ".jpg"
}

// downscale resamples a supersampled frame to the output size.
func downscale(img *image.RGBA, w, h int) *image.RGBA {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
