package normalize

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgelab/spriteforge/pkg/anchor"
	"github.com/forgelab/spriteforge/pkg/pixel"
)

// Transparency strategies (step 3, mirrors manifest.Canvas.Transparency.Strategy).
const (
	StrategyTrueAlpha = "true_alpha"
	StrategyChromaKey = "chroma_key"
)

// DefaultChromaTolerance is the default Euclidean RGB distance within
// which a pixel is considered a chroma-key match.
const DefaultChromaTolerance = 30.0

// candidateChromaColors are the auto-chroma pool (step 3: "pick a
// color maximally distant from [the anchor palette]: green/magenta/cyan").
var candidateChromaColors = []color.RGBA{
	{G: 255, A: 255},             // green
	{R: 255, B: 255, A: 255},     // magenta
	{G: 255, B: 255, A: 255},     // cyan
}

// Config configures one NormalizeFrame call; it is the normalize-relevant
// subset of manifest.Canvas plus the chroma tolerance.
type Config struct {
	TargetSize      int
	GenerationSize  int
	VerticalLock    bool
	RootZoneRatio   float64
	MaxShiftX       int // expressed in target_size pixel units
	Strategy        string
	ChromaColor     *color.RGBA // explicit override; nil triggers auto-selection
	ChromaTolerance float64     // 0 means DefaultChromaTolerance
}

// StepResult records one pipeline stage's outcome.
type StepResult struct {
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
	Details    string `json:"details,omitempty"`
}

// Result is NormalizeFrame's contract return value.
type Result struct {
	OutputPath       string       `json:"output_path"`
	ProcessingSteps  []StepResult `json:"processing_steps"`
	AlignmentApplied bool         `json:"alignment_applied"`
	Clamped          bool         `json:"clamped"`
	Dimensions       image.Point  `json:"dimensions"`
	DurationMs       int64        `json:"duration_ms"`
}

// NormalizeFrame runs the full normalizer pipeline on inputPath and
// writes the canonical frame to workDir, appending "_norm.png" to the
// input's base name. The original file is never mutated.
func NormalizeFrame(inputPath string, cfg Config, anchorAnalysis *anchor.Analysis, workDir string) (*Result, error) {
	start := time.Now()
	result := &Result{}

	src, err := pixel.Load(inputPath)
	if err != nil {
		return nil, fmt.Errorf("loading candidate: %w", err)
	}

	// Step 1: contact-patch alignment.
	aligned, stepAlign, err := alignContactPatch(src, cfg, anchorAnalysis)
	result.ProcessingSteps = append(result.ProcessingSteps, stepAlign)
	if err != nil {
		return result, fmt.Errorf("contact-patch alignment: %w", err)
	}
	result.AlignmentApplied = stepAlign.Success
	result.Clamped = strings.Contains(stepAlign.Details, "clamped=true")

	// Step 2: downsample.
	downsampled, stepDown := downsample(aligned, cfg.TargetSize)
	result.ProcessingSteps = append(result.ProcessingSteps, stepDown)

	// Step 3: transparency enforcement.
	transparent, stepTrans, err := enforceTransparency(downsampled, cfg, anchorAnalysis)
	result.ProcessingSteps = append(result.ProcessingSteps, stepTrans)
	if err != nil {
		return result, fmt.Errorf("transparency enforcement: %w", err)
	}

	// Step 4: canvas sizing.
	final, stepCanvas, err := enforceCanvasSize(transparent, cfg.TargetSize)
	result.ProcessingSteps = append(result.ProcessingSteps, stepCanvas)
	if err != nil {
		return result, fmt.Errorf("canvas sizing: %w", err)
	}

	outputPath := outputPathFor(inputPath, workDir)
	if err := pixel.Save(outputPath, final); err != nil {
		return result, fmt.Errorf("saving normalized frame: %w", err)
	}

	result.OutputPath = outputPath
	result.Dimensions = image.Pt(final.Bounds().Dx(), final.Bounds().Dy())
	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

func outputPathFor(inputPath, workDir string) string {
	base := filepath.Base(inputPath)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext) + "_norm.png"
	return filepath.Join(workDir, name)
}

// alignContactPatch translates src so its root-zone centroid matches the
// anchor's, scaled into src's coordinate space (step 1).
func alignContactPatch(src *image.RGBA, cfg Config, anchorAnalysis *anchor.Analysis) (*image.RGBA, StepResult, error) {
	start := time.Now()

	scale := 1.0
	if cfg.TargetSize > 0 {
		scale = float64(cfg.GenerationSize) / float64(cfg.TargetSize)
	}

	candidateCx, candidateCy, ok := pixel.ContactPatchCentroid(src, cfg.RootZoneRatio)
	if !ok {
		return src, StepResult{
			Name:       "contact_patch_alignment",
			Success:    false,
			DurationMs: time.Since(start).Milliseconds(),
			Details:    "candidate has no opaque contact-patch pixels",
		}, fmt.Errorf("candidate has no opaque contact-patch pixels")
	}

	anchorCx := anchorAnalysis.CentroidX * scale
	anchorCy := anchorAnalysis.CentroidY * scale

	dx := anchorCx - candidateCx
	dy := anchorCy - candidateCy

	maxShiftScaled := float64(cfg.MaxShiftX) * scale
	clamped := false
	if dx > maxShiftScaled {
		dx = maxShiftScaled
		clamped = true
	} else if dx < -maxShiftScaled {
		dx = -maxShiftScaled
		clamped = true
	}

	if cfg.VerticalLock {
		candidateBaseline, found := pixel.BaselineRow(src)
		if found {
			anchorBaselineScaled := float64(anchorAnalysis.BaselineRow) * scale
			dy = anchorBaselineScaled - float64(candidateBaseline)
		}
	}

	translated := translate(src, int(math.Round(dx)), int(math.Round(dy)))

	return translated, StepResult{
		Name:       "contact_patch_alignment",
		Success:    true,
		DurationMs: time.Since(start).Milliseconds(),
		Details:    fmt.Sprintf("dx=%.2f dy=%.2f clamped=%t", dx, dy, clamped),
	}, nil
}

// translate shifts src by (dx, dy), filling uncovered pixels with
// transparent black. The output has the same bounds as src.
func translate(src *image.RGBA, dx, dy int) *image.RGBA {
	b := src.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		sy := y - dy
		if sy < b.Min.Y || sy >= b.Max.Y {
			continue
		}
		for x := b.Min.X; x < b.Max.X; x++ {
			sx := x - dx
			if sx < b.Min.X || sx >= b.Max.X {
				continue
			}
			out.SetRGBA(x, y, src.RGBAAt(sx, sy))
		}
	}
	return out
}

// downsample performs a nearest-neighbor resize from src's current size
// to targetSize x targetSize, with no smoothing or antialiasing (// step 2: sprite-pixel art must not blur across frames).
func downsample(src *image.RGBA, targetSize int) (*image.RGBA, StepResult) {
	start := time.Now()
	b := src.Bounds()
	srcW, srcH := b.Dx(), b.Dy()

	if srcW == targetSize && srcH == targetSize {
		return src, StepResult{
			Name:       "downsample",
			Success:    true,
			DurationMs: time.Since(start).Milliseconds(),
			Details:    "no-op: already at target size",
		}
	}

	out := image.NewRGBA(image.Rect(0, 0, targetSize, targetSize))
	for y := 0; y < targetSize; y++ {
		sy := b.Min.Y + y*srcH/targetSize
		for x := 0; x < targetSize; x++ {
			sx := b.Min.X + x*srcW/targetSize
			out.SetRGBA(x, y, src.RGBAAt(sx, sy))
		}
	}

	return out, StepResult{
		Name:       "downsample",
		Success:    true,
		DurationMs: time.Since(start).Milliseconds(),
		Details:    fmt.Sprintf("%dx%d -> %dx%d nearest-neighbor", srcW, srcH, targetSize, targetSize),
	}
}

// enforceTransparency applies the configured transparency strategy.
func enforceTransparency(src *image.RGBA, cfg Config, anchorAnalysis *anchor.Analysis) (*image.RGBA, StepResult, error) {
	start := time.Now()

	switch cfg.Strategy {
	case "", StrategyTrueAlpha:
		return src, StepResult{
			Name:       "transparency_enforcement",
			Success:    true,
			DurationMs: time.Since(start).Milliseconds(),
			Details:    "true_alpha: existing alpha channel preserved",
		}, nil

	case StrategyChromaKey:
		chroma := cfg.ChromaColor
		if chroma == nil {
			selected := SelectAutoChroma(anchorAnalysis.PaletteFingerprint)
			chroma = &selected
		}
		tolerance := cfg.ChromaTolerance
		if tolerance <= 0 {
			tolerance = DefaultChromaTolerance
		}

		out := image.NewRGBA(src.Bounds())
		b := src.Bounds()
		var keyed int
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				px := src.RGBAAt(x, y)
				dist, _ := pixel.NearestPaletteDistance(px, []color.RGBA{*chroma})
				if dist <= tolerance {
					out.SetRGBA(x, y, color.RGBA{})
					keyed++
					continue
				}
				out.SetRGBA(x, y, px)
			}
		}
		return out, StepResult{
			Name:       "transparency_enforcement",
			Success:    true,
			DurationMs: time.Since(start).Milliseconds(),
			Details:    fmt.Sprintf("chroma_key: keyed %d pixels against #%02x%02x%02x", keyed, chroma.R, chroma.G, chroma.B),
		}, nil

	default:
		return src, StepResult{
			Name:       "transparency_enforcement",
			Success:    false,
			DurationMs: time.Since(start).Milliseconds(),
			Details:    fmt.Sprintf("unknown transparency strategy %q", cfg.Strategy),
		}, fmt.Errorf("unknown transparency strategy %q", cfg.Strategy)
	}
}

// SelectAutoChroma picks the chroma-key color from the standard pool
// (green/magenta/cyan) that is maximally distant from the anchor's
// palette fingerprint (step 3 "Auto-chroma selection").
func SelectAutoChroma(anchorPalette []color.RGBA) color.RGBA {
	if len(anchorPalette) == 0 {
		return candidateChromaColors[0]
	}

	best := candidateChromaColors[0]
	bestMinDist := -1.0
	for _, candidate := range candidateChromaColors {
		minDist := math.MaxFloat64
		for _, p := range anchorPalette {
			dr := float64(candidate.R) - float64(p.R)
			dg := float64(candidate.G) - float64(p.G)
			db := float64(candidate.B) - float64(p.B)
			d := dr*dr + dg*dg + db*db
			if d < minDist {
				minDist = d
			}
		}
		if minDist > bestMinDist {
			bestMinDist = minDist
			best = candidate
		}
	}
	return best
}

// enforceCanvasSize asserts the final dimensions match target x target,
// padding or cropping symmetrically when off by at most 1px, and failing
// otherwise (step 4).
func enforceCanvasSize(src *image.RGBA, target int) (*image.RGBA, StepResult, error) {
	start := time.Now()
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	if w == target && h == target {
		return src, StepResult{
			Name:       "canvas_sizing",
			Success:    true,
			DurationMs: time.Since(start).Milliseconds(),
			Details:    "exact match",
		}, nil
	}

	if abs(w-target) > 1 || abs(h-target) > 1 {
		return src, StepResult{
			Name:       "canvas_sizing",
			Success:    false,
			DurationMs: time.Since(start).Milliseconds(),
			Details:    fmt.Sprintf("dimensions %dx%d off from target %d by more than 1px", w, h, target),
		}, fmt.Errorf("dimensions %dx%d off from target %d by more than 1px", w, h, target)
	}

	out := image.NewRGBA(image.Rect(0, 0, target, target))
	offX := (target - w) / 2
	offY := (target - h) / 2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := x+offX, y+offY
			if dx < 0 || dx >= target || dy < 0 || dy >= target {
				continue
			}
			out.SetRGBA(dx, dy, src.RGBAAt(b.Min.X+x, b.Min.Y+y))
		}
	}

	return out, StepResult{
		Name:       "canvas_sizing",
		Success:    true,
		DurationMs: time.Since(start).Milliseconds(),
		Details:    fmt.Sprintf("padded/cropped %dx%d -> %dx%d symmetrically", w, h, target, target),
	}, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
