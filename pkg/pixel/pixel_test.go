package pixel

import (
	"image"
	"image/color"
	"testing"
)

// solidSquare creates an RGBA image with a single opaque square painted
// at (x0,y0)-(x1,y1) inside an otherwise transparent size x size canvas.
func solidSquare(size, x0, y0, x1, y1 int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestHasAnyOpaquePixel(t *testing.T) {
	empty := image.NewRGBA(image.Rect(0, 0, 8, 8))
	if HasAnyOpaquePixel(empty) {
		t.Error("empty image reported as having an opaque pixel")
	}

	filled := solidSquare(8, 2, 2, 4, 4, color.RGBA{R: 255, A: 255})
	if !HasAnyOpaquePixel(filled) {
		t.Error("filled image reported as fully transparent")
	}
}

func TestBaselineRow(t *testing.T) {
	img := solidSquare(16, 4, 2, 12, 10, color.RGBA{G: 255, A: 255})
	row, found := BaselineRow(img)
	if !found {
		t.Fatal("expected baseline row to be found")
	}
	if row != 9 {
		t.Errorf("BaselineRow() = %d, want 9", row)
	}

	empty := image.NewRGBA(image.Rect(0, 0, 16, 16))
	if _, found := BaselineRow(empty); found {
		t.Error("expected no baseline row for fully transparent image")
	}
}

func TestOpaqueBBox(t *testing.T) {
	img := solidSquare(16, 3, 5, 9, 11, color.RGBA{B: 255, A: 255})
	bbox := OpaqueBBox(img)
	want := image.Rect(3, 5, 9, 11)
	if bbox != want {
		t.Errorf("OpaqueBBox() = %v, want %v", bbox, want)
	}
}

func TestOpaqueBBox_Empty(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	if bbox := OpaqueBBox(img); !bbox.Empty() {
		t.Errorf("OpaqueBBox() = %v, want empty", bbox)
	}
}

func TestContactPatchCentroid(t *testing.T) {
	img := solidSquare(20, 0, 0, 20, 20, color.RGBA{R: 10, A: 255})
	cx, cy, ok := ContactPatchCentroid(img, 0.25)
	if !ok {
		t.Fatal("expected centroid to be found")
	}
	// Root zone is bottom 25% of a 0..20 square => rows 15..19, centered at x=9.5, y=17.
	if cx < 9.0 || cx > 10.0 {
		t.Errorf("centroid X = %f, want ~9.5", cx)
	}
	if cy < 16.0 || cy > 18.0 {
		t.Errorf("centroid Y = %f, want ~17", cy)
	}
}

func TestPaletteFingerprint_OrderedByFrequency(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 1))
	red := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}
	img.SetRGBA(0, 0, red)
	img.SetRGBA(1, 0, red)
	img.SetRGBA(2, 0, red)
	img.SetRGBA(3, 0, blue)

	fp := PaletteFingerprint(img, 10)
	if len(fp) != 2 {
		t.Fatalf("len(fp) = %d, want 2", len(fp))
	}
	if fp[0] != red {
		t.Errorf("fp[0] = %v, want red (most frequent)", fp[0])
	}
}

func TestNearestPaletteDistance(t *testing.T) {
	palette := []color.RGBA{
		{R: 255, A: 255},
		{G: 255, A: 255},
		{B: 255, A: 255},
	}
	dist, idx := NearestPaletteDistance(color.RGBA{R: 250, A: 255}, palette)
	if idx != 0 {
		t.Errorf("idx = %d, want 0", idx)
	}
	if dist > 10 {
		t.Errorf("dist = %f, want small distance to red", dist)
	}
}

func TestNearestPaletteDistance_EmptyPalette(t *testing.T) {
	_, idx := NearestPaletteDistance(color.RGBA{}, nil)
	if idx != -1 {
		t.Errorf("idx = %d, want -1 for empty palette", idx)
	}
}
