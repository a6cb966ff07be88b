// Package imaging acquires and prepares catalog and query images for embedding.
package imaging

import (
	"fmt"
	"image"
	"io"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DecodeImage decodes r into a 3-channel color image and downscales it so the
// longer edge does not exceed maxEdge (aspect ratio preserved, Catmull-Rom
// resampling). maxEdge <= 0 disables the downscale. Supported formats: JPEG,
// PNG, GIF, WebP.
func DecodeImage(r io.Reader, maxEdge int) (image.Image, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return normalize(src, maxEdge), nil
}

// normalize converts src to NRGBA (flattening palettes, CMYK, etc.) and applies
// the long-edge cap. The cap bounds memory and compute for arbitrarily large
// sources without affecting embedding quality at model input resolutions.
func normalize(src image.Image, maxEdge int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	outW, outH := w, h
	if maxEdge > 0 && (w > maxEdge || h > maxEdge) {
		if w >= h {
			outW = maxEdge
			outH = h * maxEdge / w
		} else {
			outH = maxEdge
			outW = w * maxEdge / h
		}
		if outW < 1 {
			outW = 1
		}
		if outH < 1 {
			outH = 1
		}
	}

	dst := image.NewNRGBA(image.Rect(0, 0, outW, outH))
	if outW == w && outH == h {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	}
	return dst
}
