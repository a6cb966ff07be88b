package embedding

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"image"
	"image/color"
)

// PixelDigest returns a hex digest of an image's dimensions and pixel data,
// used as a cache key so identical images map to the same embedding.
func PixelDigest(img image.Image) string {
	h := sha256.New()
	b := img.Bounds()

	var dims [8]byte
	binary.LittleEndian.PutUint32(dims[0:4], uint32(b.Dx()))
	binary.LittleEndian.PutUint32(dims[4:8], uint32(b.Dy()))
	h.Write(dims[:])

	// Fast path for the NRGBA images produced by imaging.DecodeImage.
	if nrgba, ok := img.(*image.NRGBA); ok {
		h.Write(nrgba.Pix)
		return hex.EncodeToString(h.Sum(nil))
	}

	var px [4]byte
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			px[0], px[1], px[2], px[3] = c.R, c.G, c.B, c.A
			h.Write(px[:])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
