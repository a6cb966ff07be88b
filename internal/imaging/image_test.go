package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

// pngBytes encodes a solid-color test image.
func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecodeImage(t *testing.T) {
	data := pngBytes(t, 20, 10, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
	img, err := DecodeImage(bytes.NewReader(data), 1024)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := img.(*image.NRGBA); !ok {
		t.Errorf("decoded image should be NRGBA, got %T", img)
	}
	b := img.Bounds()
	if b.Dx() != 20 || b.Dy() != 10 {
		t.Errorf("small image must not be resized: %dx%d", b.Dx(), b.Dy())
	}
}

func TestDecodeImage_DownscalesLongEdge(t *testing.T) {
	data := pngBytes(t, 2048, 512, color.White)
	img, err := DecodeImage(bytes.NewReader(data), 1024)
	if err != nil {
		t.Fatal(err)
	}
	b := img.Bounds()
	if b.Dx() != 1024 {
		t.Errorf("long edge: got %d, want 1024", b.Dx())
	}
	if b.Dy() != 256 {
		t.Errorf("aspect ratio not preserved: got height %d, want 256", b.Dy())
	}
}

func TestDecodeImage_PortraitDownscale(t *testing.T) {
	data := pngBytes(t, 100, 2000, color.Black)
	img, err := DecodeImage(bytes.NewReader(data), 1024)
	if err != nil {
		t.Fatal(err)
	}
	b := img.Bounds()
	if b.Dy() != 1024 || b.Dx() != 51 {
		t.Errorf("got %dx%d, want 51x1024", b.Dx(), b.Dy())
	}
}

func TestDecodeImage_InvalidData(t *testing.T) {
	if _, err := DecodeImage(bytes.NewReader([]byte("not an image")), 1024); err == nil {
		t.Fatal("expected decode error")
	}
}
