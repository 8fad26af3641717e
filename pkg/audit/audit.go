package audit

import (
	"fmt"
	"image"
	"image/color"

	"github.com/forgelab/spriteforge/pkg/anchor"
	"github.com/forgelab/spriteforge/pkg/gates"
	"github.com/forgelab/spriteforge/pkg/manifest"
	"github.com/forgelab/spriteforge/pkg/metrics"
	"github.com/forgelab/spriteforge/pkg/normalize"
	"github.com/forgelab/spriteforge/pkg/pixel"
)

// ReasonCode is a soft-fail reason code.
type ReasonCode string

const (
	SF01IdentityDrift ReasonCode = "SF01_IDENTITY_DRIFT"
	SF02PaletteDrift  ReasonCode = "SF02_PALETTE_DRIFT"
	SF03AlphaHalo     ReasonCode = "SF03_ALPHA_HALO"
	SF04BaselineDrift ReasonCode = "SF04_BASELINE_DRIFT"
	SF05PixelNoise    ReasonCode = "SF05_PIXEL_NOISE"
)

// Metric name keys used in manifest.SoftMetricsConfig.Enabled/Thresholds.
const (
	MetricSSIM     = "ssim"
	MetricPalette  = "palette"
	MetricAlpha    = "alpha_artifacts"
	MetricBaseline = "baseline_drift"
	MetricMAPD     = "mapd"
	MetricOrphan   = "orphan"
)

// HardGateOutcome records one hard-gate's verdict.
type HardGateOutcome struct {
	Code    gates.Code `json:"code,omitempty"`
	Passed  bool       `json:"passed"`
	Details string     `json:"details"`
}

// MetricOutcome records one soft-metric's raw value, the category it
// contributed to, its weighted share of the composite, and its own
// pass/fail verdict.
type MetricOutcome struct {
	Name      string  `json:"name"`
	Category  string  `json:"category"`
	Raw       float64 `json:"raw"`
	Quality   float64 `json:"quality"`
	Passed    bool    `json:"passed"`
	Threshold float64 `json:"threshold"`
	Details   string  `json:"details"`
}

// Report is the Auditor's contract output.
type Report struct {
	FrameIndex        int               `json:"frame_index"`
	NormalizedPath    string            `json:"normalized_path,omitempty"`
	HardGates         []HardGateOutcome `json:"hard_gates"`
	HardFailCode      gates.Code        `json:"hard_fail_code,omitempty"`
	Metrics           []MetricOutcome   `json:"metrics,omitempty"`
	CompositeScore    float64           `json:"composite_score"`
	ReasonCodes       []ReasonCode      `json:"reason_codes"`
	RecommendedAction string            `json:"recommended_action"`
	ShouldRetry       bool              `json:"should_retry"`
}

// Context bundles everything the Auditor needs beyond the candidate
// image itself: the manifest config, the anchor's fixed analysis, and
// (for MAPD) the previous approved frame and this run's move name.
type Context struct {
	Manifest       *manifest.Manifest
	AnchorAnalysis *anchor.Analysis
	PrevApproved   *image.RGBA // nil for frame 0 or when excluded by drift-floor logic
	WorkDir        string
}

// Audit runs Normalize -> Hard Gates -> Metrics -> Aggregate over the
// candidate at candidatePath.
func Audit(candidatePath string, frameIndex int, ctx Context) (*Report, error) {
	m := ctx.Manifest

	normCfg := normalize.Config{
		TargetSize:     m.Canvas.TargetSize,
		GenerationSize: m.Canvas.GenerationSize,
		VerticalLock:   m.Canvas.Alignment.VerticalLock,
		RootZoneRatio:  m.Canvas.Alignment.RootZoneRatio,
		MaxShiftX:      m.Canvas.Alignment.MaxShiftX,
		Strategy:       m.Canvas.Transparency.Strategy,
	}
	normResult, err := normalize.NormalizeFrame(candidatePath, normCfg, ctx.AnchorAnalysis, ctx.WorkDir)
	if err != nil {
		return &Report{
			FrameIndex:        frameIndex,
			HardFailCode:      gates.HF03Corrupted,
			ReasonCodes:       nil,
			RecommendedAction: "STOP",
			ShouldRetry:       false,
		}, fmt.Errorf("normalizing frame %d: %w", frameIndex, err)
	}

	report := &Report{
		FrameIndex:     frameIndex,
		NormalizedPath: normResult.OutputPath,
	}

	gatesCfg := gates.Config{
		TargetSize:   m.Canvas.TargetSize,
		MinFileSizeB: m.Auditor.MinFileSizeB,
		MaxFileSizeB: m.Auditor.MaxFileSizeB,
	}
	gateResult, err := gates.Run(normResult.OutputPath, gatesCfg)
	if err != nil {
		return nil, fmt.Errorf("running hard gates on frame %d: %w", frameIndex, err)
	}
	report.HardGates = []HardGateOutcome{{
		Code:    gateResult.FailedCode,
		Passed:  gateResult.Passed,
		Details: gateResult.Details,
	}}
	if !gateResult.Passed {
		report.HardFailCode = gateResult.FailedCode
		report.CompositeScore = 0
		report.RecommendedAction = "STOP"
		report.ShouldRetry = true
		return report, nil
	}

	candidate := gateResult.Decoded
	scores := make(map[string]float64)
	var reasonCodes []ReasonCode
	var metricOutcomes []MetricOutcome

	enabled := enabledSet(m.Auditor.SoftMetrics.Enabled)

	if enabled(MetricSSIM) {
		anchorImg, err := loadAnchorImage(ctx, m)
		if err == nil {
			threshold := m.Auditor.SoftMetrics.Thresholds[MetricSSIM]
			r := metrics.SSIM(anchorImg, candidate, threshold)
			scores["identity"] = r.Score
			if !r.Passed {
				reasonCodes = append(reasonCodes, SF01IdentityDrift)
			}
			metricOutcomes = append(metricOutcomes, outcome(MetricSSIM, "identity", r.Score, r.Score, r.Passed, r.Threshold, r.Details))
		}
	}

	if enabled(MetricPalette) {
		threshold := m.Auditor.SoftMetrics.Thresholds[MetricPalette]
		palette := parsePalette(m.Inputs.Palette)
		r := metrics.PaletteFidelity(candidate, palette, metrics.DefaultPaletteTolerance, threshold, 5)
		scores["palette"] = r.Score
		if !r.Passed {
			reasonCodes = append(reasonCodes, SF02PaletteDrift)
		}
		metricOutcomes = append(metricOutcomes, outcome(MetricPalette, "palette", r.Score, r.Score, r.Passed, r.Threshold, r.Details))
	}

	var alphaQuality float64
	var alphaEnabled bool
	if enabled(MetricAlpha) {
		threshold := m.Auditor.SoftMetrics.Thresholds[MetricAlpha]
		r := metrics.AlphaArtifacts(candidate, threshold)
		alphaQuality = qualityFromLowerIsBetter(r.Score, r.Threshold)
		alphaEnabled = true
		if !r.Passed {
			reasonCodes = append(reasonCodes, SF03AlphaHalo)
		}
		metricOutcomes = append(metricOutcomes, outcome(MetricAlpha, "style", r.Score, alphaQuality, r.Passed, r.Threshold, r.Details))
	}

	if enabled(MetricBaseline) {
		threshold := m.Auditor.SoftMetrics.Thresholds[MetricBaseline]
		r := metrics.BaselineDrift(candidate, ctx.AnchorAnalysis.BaselineRow, threshold)
		quality := qualityFromLowerIsBetter(r.Score, r.Threshold)
		// Baseline drift folds into identity alongside SSIM: both speak
		// to whether the candidate still reads as "the same pose".
		if existing, ok := scores["identity"]; ok {
			scores["identity"] = (existing + quality) / 2
		} else {
			scores["identity"] = quality
		}
		if !r.Passed {
			reasonCodes = append(reasonCodes, SF04BaselineDrift)
		}
		metricOutcomes = append(metricOutcomes, outcome(MetricBaseline, "identity", r.Score, quality, r.Passed, r.Threshold, r.Details))
	}

	var orphanQuality float64
	var orphanEnabled bool
	if enabled(MetricOrphan) {
		r := metrics.OrphanPixels(candidate, metrics.DefaultOrphanPassMax, metrics.DefaultOrphanWarnMax)
		orphanQuality = qualityFromLowerIsBetter(r.Score, float64(metrics.DefaultOrphanWarnMax))
		orphanEnabled = true
		if r.Tier == metrics.OrphanFail {
			reasonCodes = append(reasonCodes, SF05PixelNoise)
		}
		metricOutcomes = append(metricOutcomes, outcome(MetricOrphan, "style", r.Score, orphanQuality, r.Tier != metrics.OrphanFail, r.Threshold, r.Details))
	}

	switch {
	case alphaEnabled && orphanEnabled:
		scores["style"] = (alphaQuality + orphanQuality) / 2
	case alphaEnabled:
		scores["style"] = alphaQuality
	case orphanEnabled:
		scores["style"] = orphanQuality
	}

	if enabled(MetricMAPD) && ctx.PrevApproved != nil {
		threshold := m.Auditor.SoftMetrics.Thresholds[MetricMAPD]
		r := metrics.MAPD(ctx.PrevApproved, candidate, m.Identity.Move, threshold, m.Auditor.MAPDBypassNames)
		scores["stability"] = qualityFromLowerIsBetter(r.Score, r.Threshold)
		metricOutcomes = append(metricOutcomes, outcome(MetricMAPD, "stability", r.Score, scores["stability"], r.Passed, r.Threshold, r.Details))
	}

	report.Metrics = metricOutcomes
	report.ReasonCodes = reasonCodes

	composite, shouldRetry := metrics.Aggregate(scores, weightsFromManifest(m), m.Auditor.CompositeThreshold)
	report.CompositeScore = composite
	report.ShouldRetry = shouldRetry || len(reasonCodes) > 0
	report.RecommendedAction = recommendAction(reasonCodes)

	return report, nil
}

// enabledSet returns a membership predicate over a manifest's enabled-
// metrics list, treating an empty list as "everything enabled" so a
// minimal manifest still gets full auditing.
func enabledSet(names []string) func(string) bool {
	if len(names) == 0 {
		return func(string) bool { return true }
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}

func weightsFromManifest(m *manifest.Manifest) map[string]float64 {
	if len(m.Auditor.SoftMetrics.Weights) == 0 {
		return metrics.DefaultAggregatorWeights
	}
	return m.Auditor.SoftMetrics.Weights
}

func outcome(name, category string, raw, quality float64, passed bool, threshold float64, details string) MetricOutcome {
	return MetricOutcome{
		Name:      name,
		Category:  category,
		Raw:       raw,
		Quality:   quality,
		Passed:    passed,
		Threshold: threshold,
		Details:   details,
	}
}

// qualityFromLowerIsBetter converts a lower-is-better raw measurement
// into a [0,1] higher-is-better quality score relative to its pass
// threshold: raw==0 -> 1, raw==threshold -> 0, clamped beyond that.
// This mapping is documented in DESIGN.md; the Aggregator itself only
// understands higher-is-better category scores.
func qualityFromLowerIsBetter(raw, threshold float64) float64 {
	if threshold <= 0 {
		if raw <= 0 {
			return 1
		}
		return 0
	}
	q := 1 - raw/threshold
	if q < 0 {
		return 0
	}
	if q > 1 {
		return 1
	}
	return q
}

func recommendAction(codes []ReasonCode) string {
	if len(codes) == 0 {
		return ""
	}
	// The Auditor's recommendation is a naive, history-unaware guess;
	// the Retry Ladder (pkg/retry) makes the authoritative decision
	// once attempt history, oscillation, and collapse state are known.
	return "REROLL_SEED"
}

func parsePalette(hexColors []string) []color.RGBA {
	return pixel.ParseHexPalette(hexColors)
}

func loadAnchorImage(ctx Context, m *manifest.Manifest) (*image.RGBA, error) {
	return pixel.Load(m.Inputs.AnchorPath)
}
