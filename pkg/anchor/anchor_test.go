package anchor

import (
	"image"
	"image/color"
	"testing"
)

func square(size, x0, y0, x1, y1 int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestAnalyzeImage(t *testing.T) {
	img := square(32, 8, 4, 24, 28, color.RGBA{R: 200, G: 50, B: 50, A: 255})

	a, err := AnalyzeImage(img, 0.2)
	if err != nil {
		t.Fatalf("AnalyzeImage() failed: %v", err)
	}
	if a.BaselineRow != 27 {
		t.Errorf("BaselineRow = %d, want 27", a.BaselineRow)
	}
	if a.BBox != image.Rect(8, 4, 24, 28) {
		t.Errorf("BBox = %v, want (8,4)-(24,28)", a.BBox)
	}
	if len(a.PaletteFingerprint) == 0 {
		t.Error("expected a non-empty palette fingerprint")
	}
}

func TestAnalyzeImage_FullyTransparent(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	if _, err := AnalyzeImage(img, 0.2); err == nil {
		t.Fatal("expected error for fully transparent anchor")
	}
}
