package embedding

import (
	"image"

	"golang.org/x/image/draw"
)

// InputSize is the spatial resolution the CLIP visual encoder expects.
const InputSize = 224

// CLIP image normalization constants (per channel, RGB order).
var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// PreprocessCLIP converts an image into the model input tensor: resize the
// shorter side to InputSize, center-crop to InputSize x InputSize, scale to
// [0,1], normalize with the CLIP mean/std, and lay out channels-first (CHW).
// The returned slice has length 3*InputSize*InputSize.
func PreprocessCLIP(img image.Image) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	var scaledW, scaledH int
	if w <= h {
		scaledW = InputSize
		scaledH = h * InputSize / w
	} else {
		scaledH = InputSize
		scaledW = w * InputSize / h
	}
	if scaledW < InputSize {
		scaledW = InputSize
	}
	if scaledH < InputSize {
		scaledH = InputSize
	}

	scaled := image.NewNRGBA(image.Rect(0, 0, scaledW, scaledH))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, b, draw.Src, nil)

	cropX := (scaledW - InputSize) / 2
	cropY := (scaledH - InputSize) / 2

	tensor := make([]float32, 3*InputSize*InputSize)
	plane := InputSize * InputSize
	for y := 0; y < InputSize; y++ {
		for x := 0; x < InputSize; x++ {
			off := scaled.PixOffset(cropX+x, cropY+y)
			pos := y*InputSize + x
			for c := 0; c < 3; c++ {
				v := float32(scaled.Pix[off+c]) / 255.0
				tensor[c*plane+pos] = (v - clipMean[c]) / clipStd[c]
			}
		}
	}
	return tensor
}
