package gates

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	"github.com/forgelab/spriteforge/pkg/pixel"
)

// Code is a hard-gate reason code.
type Code string

const (
	HF01DimensionMismatch Code = "HF01_DIMENSION_MISMATCH"
	HF02FullyTransparent  Code = "HF02_FULLY_TRANSPARENT"
	HF03Corrupted         Code = "HF03_CORRUPTED"
	HF04WrongColorDepth   Code = "HF04_WRONG_COLOR_DEPTH"
	HF05FileSize          Code = "HF05_FILE_SIZE"
)

// Config bounds the file-size gate; the other gates are parameterless
// beyond the target canvas size.
type Config struct {
	TargetSize   int
	MinFileSizeB int64
	MaxFileSizeB int64
}

// Result is the outcome of running every gate, in table order, stopping
// at the first failure: any failure short-circuits the remaining
// gates.
type Result struct {
	Passed     bool
	FailedCode Code
	Details    string
	Decoded    *image.RGBA // populated whenever the file decodes, even on a later gate failure
}

// Run executes HF01-HF05 against the file at path. Decoding the file is
// a precondition for every other check, so a corrupted file is reported
// as HF03 regardless of the table's nominal ordering; once decoded, the
// remaining gates are evaluated in the table's HF01, HF02, HF04, HF05
// order.
func Run(path string, cfg Config) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("reading candidate %s: %w", path, err)
	}

	cfgPNG, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Result{
			Passed:     false,
			FailedCode: HF03Corrupted,
			Details:    fmt.Sprintf("PNG header decode failed: %v", err),
		}, nil
	}

	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{
			Passed:     false,
			FailedCode: HF03Corrupted,
			Details:    fmt.Sprintf("PNG pixel decode failed: %v", err),
		}, nil
	}
	rgba := pixel.ToRGBA(decoded)

	// HF01: width x height equals target_size (the source channel count
	// is checked by HF04 below).
	b := rgba.Bounds()
	if b.Dx() != cfg.TargetSize || b.Dy() != cfg.TargetSize {
		return Result{
			Passed:     false,
			FailedCode: HF01DimensionMismatch,
			Details:    fmt.Sprintf("dimensions %dx%d, want %dx%d", b.Dx(), b.Dy(), cfg.TargetSize, cfg.TargetSize),
			Decoded:    rgba,
		}, nil
	}

	// HF02: not 100% transparent.
	if !pixel.HasAnyOpaquePixel(rgba) {
		return Result{
			Passed:     false,
			FailedCode: HF02FullyTransparent,
			Details:    "every pixel has alpha == 0",
			Decoded:    rgba,
		}, nil
	}

	// HF04: 32-bit RGBA, not palette-indexed, not 24-bit.
	if indexed, channels := ClassifyColorModel(cfgPNG.ColorModel); indexed || channels != 4 {
		return Result{
			Passed:     false,
			FailedCode: HF04WrongColorDepth,
			Details:    fmt.Sprintf("source color model is not 32-bit RGBA (indexed=%t, channels=%d)", indexed, channels),
			Decoded:    rgba,
		}, nil
	}

	// HF05: file size within configured bounds for compressed pixel art.
	size := int64(len(data))
	if cfg.MinFileSizeB > 0 && size < cfg.MinFileSizeB {
		return Result{
			Passed:     false,
			FailedCode: HF05FileSize,
			Details:    fmt.Sprintf("file size %d below minimum %d", size, cfg.MinFileSizeB),
			Decoded:    rgba,
		}, nil
	}
	if cfg.MaxFileSizeB > 0 && size > cfg.MaxFileSizeB {
		return Result{
			Passed:     false,
			FailedCode: HF05FileSize,
			Details:    fmt.Sprintf("file size %d above maximum %d", size, cfg.MaxFileSizeB),
			Decoded:    rgba,
		}, nil
	}

	return Result{Passed: true, Decoded: rgba}, nil
}

// ClassifyColorModel reports whether cm is palette-indexed and how many
// channels its non-indexed form carries.
func ClassifyColorModel(cm color.Model) (indexed bool, channels int) {
	switch cm {
	case color.RGBAModel, color.NRGBAModel:
		return false, 4
	case color.RGBA64Model, color.NRGBA64Model:
		return false, 4
	case color.GrayModel, color.Gray16Model:
		return false, 1
	case color.CMYKModel:
		return false, 4
	}
	if _, ok := cm.(color.Palette); ok {
		return true, 0
	}
	return false, 4
}
