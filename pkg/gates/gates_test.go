package gates

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgelab/spriteforge/pkg/pixel"
)

func writeTestPNG(t *testing.T, dir, name string, img *image.RGBA) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := pixel.Save(path, img); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func solidRGBA(size int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestRun_PassesCleanFrame(t *testing.T) {
	dir := t.TempDir()
	path := writeTestPNG(t, dir, "ok.png", solidRGBA(32, color.RGBA{R: 10, G: 20, B: 30, A: 255}))

	result, err := Run(path, Config{TargetSize: 32})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !result.Passed {
		t.Errorf("expected a clean frame to pass all gates, failed on %s: %s", result.FailedCode, result.Details)
	}
	if result.Decoded == nil {
		t.Error("expected Decoded to be populated on pass")
	}
}

func TestRun_DimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeTestPNG(t, dir, "wrong_size.png", solidRGBA(16, color.RGBA{R: 1, A: 255}))

	result, err := Run(path, Config{TargetSize: 32})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.Passed {
		t.Fatal("expected mismatched dimensions to fail")
	}
	if result.FailedCode != HF01DimensionMismatch {
		t.Errorf("FailedCode = %s, want HF01_DIMENSION_MISMATCH", result.FailedCode)
	}
}

func TestRun_FullyTransparent(t *testing.T) {
	dir := t.TempDir()
	path := writeTestPNG(t, dir, "blank.png", image.NewRGBA(image.Rect(0, 0, 32, 32)))

	result, err := Run(path, Config{TargetSize: 32})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.FailedCode != HF02FullyTransparent {
		t.Errorf("FailedCode = %s, want HF02_FULLY_TRANSPARENT", result.FailedCode)
	}
}

func TestRun_Corrupted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.png")
	if err := os.WriteFile(path, []byte("not a png"), 0o644); err != nil {
		t.Fatalf("writing garbage fixture: %v", err)
	}

	result, err := Run(path, Config{TargetSize: 32})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.FailedCode != HF03Corrupted {
		t.Errorf("FailedCode = %s, want HF03_CORRUPTED", result.FailedCode)
	}
}

func TestRun_FileSizeBounds(t *testing.T) {
	dir := t.TempDir()
	path := writeTestPNG(t, dir, "tiny.png", solidRGBA(4, color.RGBA{R: 1, A: 255}))

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat fixture: %v", err)
	}

	result, err := Run(path, Config{TargetSize: 4, MinFileSizeB: info.Size() + 1000})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.FailedCode != HF05FileSize {
		t.Errorf("FailedCode = %s, want HF05_FILE_SIZE", result.FailedCode)
	}
}

func TestRun_MissingFile(t *testing.T) {
	if _, err := Run(filepath.Join(t.TempDir(), "missing.png"), Config{TargetSize: 32}); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
