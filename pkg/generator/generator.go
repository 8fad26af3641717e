package generator

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgelab/spriteforge/pkg/manifest"
	"github.com/forgelab/spriteforge/pkg/pixel"
)

// ReferenceImage is one [text_label, image] pair in the semantic
// interleaving reference stack.
type ReferenceImage struct {
	Label string
	Path  string
}

// PromptAssembly is the fully resolved prompt handed to the
// Generator: the ordered reference stack, the hierarchy statement,
// and the resolved template text plus its negative-prompt block.
type PromptAssembly struct {
	References   []ReferenceImage
	Hierarchy    string
	ResolvedText string
	NegativeText string
}

const hierarchyStatement = "HIERARCHY: If [IMAGE 2] conflicts with [IMAGE 1], [IMAGE 1] wins."

// TemplateStrategy selects which of the three body templates resolves
// the prompt text (point 4).
type TemplateStrategy string

const (
	TemplateMaster            TemplateStrategy = "master"
	TemplateVariationPerFrame TemplateStrategy = "variation"
	TemplateStrictLock        TemplateStrategy = "lock"
)

// AssemblePrompt builds the semantic interleaving stack. prevFrameDrift
// is the previous frame's SF01 identity score (higher means closer to
// the anchor, 1 = identical); the previous frame is included as
// [IMAGE 2] only when it exists and that score is at or above
// driftFloor, per point 2.
func AssemblePrompt(anchorPath, prevFramePath string, prevFrameDrift, driftFloor float64, strategy TemplateStrategy, templates manifest.PromptTemplates) PromptAssembly {
	refs := []ReferenceImage{
		{Label: "[IMAGE 1]: MASTER ANCHOR (IDENTITY TRUTH)", Path: anchorPath},
	}
	includePrev := prevFramePath != "" && prevFrameDrift >= driftFloor
	if includePrev {
		refs = append(refs, ReferenceImage{
			Label: "[IMAGE 2]: PREVIOUS FRAME (POSE REFERENCE)",
			Path:  prevFramePath,
		})
	}

	var resolved string
	switch strategy {
	case TemplateVariationPerFrame:
		resolved = templates.Variation
	case TemplateStrictLock:
		resolved = templates.Lock
	default:
		resolved = templates.Master
	}

	hierarchy := ""
	if includePrev {
		hierarchy = hierarchyStatement
	}

	return PromptAssembly{
		References:   refs,
		Hierarchy:    hierarchy,
		ResolvedText: resolved,
		NegativeText: templates.Negative,
	}
}

// Params are the generation parameters actually sent to the model,
// after locking.
type Params struct {
	Temperature float64
	TopP        float64
	TopK        int
}

const (
	lockedTemperature = 1.0
	lockedTopP        = 0.95
	lockedTopK        = 40
)

// LockParams enforces the locked generation parameters. A requested
// temperature below 1.0 is refused and logged, not silently
// substituted, since low values cause mode collapse.
func LockParams(requestedTemperature float64, logger *log.Logger) Params {
	if requestedTemperature < lockedTemperature {
		if logger != nil {
			logger.Printf("refusing requested temperature %.3f below the locked floor %.1f; using %.1f", requestedTemperature, lockedTemperature, lockedTemperature)
		}
	}
	return Params{Temperature: lockedTemperature, TopP: lockedTopP, TopK: lockedTopK}
}

var crcTable = crc32.MakeTable(crc32.IEEE)

// Seed computes the deterministic per-attempt seed: CRC32 of
// run_id ‖ frame_index ‖ attempt_index, using a precomputed lookup
// table so the formula is both fast and stable across runs.
func Seed(runID string, frameIndex, attemptIndex int) uint32 {
	payload := fmt.Sprintf("%s\x1f%d\x1f%d", runID, frameIndex, attemptIndex)
	return crc32.Checksum([]byte(payload), crcTable)
}

// CandidateResult is the Generator's output for one attempt.
type CandidateResult struct {
	ImagePath       string
	RawPrompt       string
	GeneratorParams Params
	AttemptID       string
	Seed            uint32
	DurationMs      int64
	Errors          []string
}

// ErrorClass distinguishes errors that cost a per-frame attempt from
// those that don't.
type ErrorClass int

const (
	ErrorNonRetryable ErrorClass = iota
	ErrorRetryable
)

// Sentinel errors a concrete Generator implementation can wrap with
// fmt.Errorf("...: %w", ErrRateLimited) etc. so ClassifyError can
// recognize them regardless of the wrapping message.
var (
	ErrRateLimited  = errors.New("generator rate limited")
	ErrTimeout      = errors.New("generator request timed out")
	ErrAuth         = errors.New("generator authentication failed")
	ErrUnavailable  = errors.New("generator unavailable")
)

// ClassifyError maps a Generator error to a retry class. Recognizes
// the sentinel errors above via errors.Is, and falls back to a
// case-insensitive substring match on the error text for errors a
// remote client didn't wrap explicitly.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorNonRetryable
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) {
		return ErrorRetryable
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrUnavailable) {
		return ErrorNonRetryable
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return ErrorRetryable
	default:
		return ErrorNonRetryable
	}
}

// Request bundles everything a Generator needs to produce one
// candidate frame.
type Request struct {
	RunID         string
	FrameIndex    int
	AttemptIndex  int
	Prompt        PromptAssembly
	Params        Params
	OutputDir     string
}

// Generator produces one candidate frame image per call. The remote
// model client is an external collaborator; this interface is
// all the rest of the module depends on.
type Generator interface {
	Generate(ctx context.Context, req Request) (CandidateResult, error)
}

// MockGenerator is a deterministic in-process Generator used for
// testing the Orchestrator and retry ladder without a live model,
// packer, or browser. It looks for a fixture named
// frame_{index:04d}_try_{attempt}.png under FixtureDir; if absent, it
// synthesizes a tinted copy of AnchorPath so repeated attempts are
// visibly distinct from each other.
type MockGenerator struct {
	FixtureDir string
	AnchorPath string
}

func (m MockGenerator) Generate(_ context.Context, req Request) (CandidateResult, error) {
	fixture := filepath.Join(m.FixtureDir, fmt.Sprintf("frame_%04d_try_%d.png", req.FrameIndex, req.AttemptIndex))
	outPath := filepath.Join(req.OutputDir, fmt.Sprintf("frame_%04d_try_%d.png", req.FrameIndex, req.AttemptIndex))

	var img *image.RGBA
	if _, err := os.Stat(fixture); err == nil {
		decoded, err := pixel.Load(fixture)
		if err != nil {
			return CandidateResult{}, fmt.Errorf("decoding fixture %s: %w", fixture, err)
		}
		img = decoded
	} else {
		anchor, err := pixel.Load(m.AnchorPath)
		if err != nil {
			return CandidateResult{}, fmt.Errorf("decoding anchor %s: %w", m.AnchorPath, err)
		}
		img = tint(anchor, Seed(req.RunID, req.FrameIndex, req.AttemptIndex))
	}

	if err := pixel.Save(outPath, img); err != nil {
		return CandidateResult{}, fmt.Errorf("writing mock candidate %s: %w", outPath, err)
	}

	return CandidateResult{
		ImagePath:       outPath,
		RawPrompt:       req.Prompt.ResolvedText,
		GeneratorParams: req.Params,
		AttemptID:       fmt.Sprintf("%s-f%d-a%d", req.RunID, req.FrameIndex, req.AttemptIndex),
		Seed:            Seed(req.RunID, req.FrameIndex, req.AttemptIndex),
	}, nil
}

// tint nudges every opaque pixel's channels by a small, seed-derived
// amount so successive mock attempts aren't byte-identical, without
// disturbing transparency or drifting far from the anchor's identity.
func tint(src *image.RGBA, seed uint32) *image.RGBA {
	delta := uint8(seed % 24)
	bounds := src.Bounds()
	out := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := src.RGBAAt(x, y)
			if c.A == 0 {
				out.SetRGBA(x, y, c)
				continue
			}
			out.SetRGBA(x, y, color.RGBA{
				R: clampAdd(c.R, delta),
				G: c.G,
				B: clampAdd(c.B, delta/2),
				A: c.A,
			})
		}
	}
	return out
}

func clampAdd(v, delta uint8) uint8 {
	sum := int(v) + int(delta)
	if sum > 255 {
		return 255
	}
	return uint8(sum)
}
