package metrics

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/forgelab/spriteforge/pkg/pixel"
)

// Result is the common shape every metric returns.
type Result struct {
	Score             float64 `json:"score"`
	Passed            bool    `json:"passed"`
	Threshold         float64 `json:"threshold"`
	Details           string  `json:"details"`
	ComputationTimeMs int64   `json:"computation_time_ms"`
}

// Default pass thresholds, used when the manifest doesn't override them.
const (
	DefaultSSIMThreshold           = 0.85
	DefaultPaletteThreshold        = 0.90
	DefaultPaletteTolerance        = 30.0
	DefaultAlphaArtifactThreshold  = 0.20
	DefaultBaselineDriftThreshold  = 4.0
	DefaultOrphanPassMax           = 5
	DefaultOrphanWarnMax           = 15
	ssimBlockSize                  = 11
	alphaHaloMin                   = 1
	alphaHaloMax                   = 254
	alphaFringeBrightnessThreshold = 200
	alphaFringeAlphaThreshold      = 200
)

// MoveTypeMAPDThresholds are the default move-type-contextual MAPD
// thresholds.
var MoveTypeMAPDThresholds = map[string]float64{
	"idle":  0.02,
	"block": 0.05,
	"walk":  0.10,
	"run":   0.15,
}

// DefaultMAPDBypassSubstrings are move names for which MAPD auto-passes
// (large frame-to-frame deltas are expected and desired).
var DefaultMAPDBypassSubstrings = []string{"attack", "jump", "hit", "death", "special"}

// SSIM computes the structural-similarity identity metric between a and
// b (same dimensions required) using non-overlapping ~11x11 blocks.
func SSIM(a, b *image.RGBA, threshold float64) Result {
	start := time.Now()
	if threshold <= 0 {
		threshold = DefaultSSIMThreshold
	}

	bounds := a.Bounds()
	c1 := math.Pow(0.01*255, 2)
	c2 := math.Pow(0.03*255, 2)

	var channelSums [4]float64
	var channelCounts [4]int

	for by := bounds.Min.Y; by < bounds.Max.Y; by += ssimBlockSize {
		for bx := bounds.Min.X; bx < bounds.Max.X; bx += ssimBlockSize {
			blockMaxX := min(bx+ssimBlockSize, bounds.Max.X)
			blockMaxY := min(by+ssimBlockSize, bounds.Max.Y)

			for ch := 0; ch < 4; ch++ {
				s, ok := ssimBlockChannel(a, b, bx, by, blockMaxX, blockMaxY, ch, c1, c2)
				if ok {
					channelSums[ch] += s
					channelCounts[ch]++
				}
			}
		}
	}

	var channelAvg [4]float64
	for ch := 0; ch < 4; ch++ {
		if channelCounts[ch] > 0 {
			channelAvg[ch] = channelSums[ch] / float64(channelCounts[ch])
		} else {
			channelAvg[ch] = 1.0 // no comparable blocks: treat as identical
		}
	}

	// R 0.3, G 0.4, B 0.2, A 0.1.
	composite := 0.3*channelAvg[0] + 0.4*channelAvg[1] + 0.2*channelAvg[2] + 0.1*channelAvg[3]

	return Result{
		Score:             composite,
		Passed:            composite >= threshold,
		Threshold:         threshold,
		Details:           fmt.Sprintf("per-channel SSIM r=%.4f g=%.4f b=%.4f a=%.4f", channelAvg[0], channelAvg[1], channelAvg[2], channelAvg[3]),
		ComputationTimeMs: time.Since(start).Milliseconds(),
	}
}

func ssimBlockChannel(a, b *image.RGBA, x0, y0, x1, y1, ch int, c1, c2 float64) (float64, bool) {
	var sumA, sumB float64
	var n int
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			pa, pb := a.RGBAAt(x, y), b.RGBAAt(x, y)
			if pa.A == 0 && pb.A == 0 {
				continue
			}
			sumA += float64(channelValue(pa, ch))
			sumB += float64(channelValue(pb, ch))
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	muA, muB := sumA/float64(n), sumB/float64(n)

	var varA, varB, covAB float64
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			pa, pb := a.RGBAAt(x, y), b.RGBAAt(x, y)
			if pa.A == 0 && pb.A == 0 {
				continue
			}
			da := float64(channelValue(pa, ch)) - muA
			db := float64(channelValue(pb, ch)) - muB
			varA += da * da
			varB += db * db
			covAB += da * db
		}
	}
	varA /= float64(n)
	varB /= float64(n)
	covAB /= float64(n)

	num := (2*muA*muB + c1) * (2*covAB + c2)
	den := (muA*muA + muB*muB + c1) * (varA + varB + c2)
	if den == 0 {
		return 1, true
	}
	return num / den, true
}

func channelValue(c color.RGBA, ch int) uint8 {
	switch ch {
	case 0:
		return c.R
	case 1:
		return c.G
	case 2:
		return c.B
	default:
		return c.A
	}
}

// ColorCount pairs an off-palette color with how many times it occurred.
type ColorCount struct {
	Color color.RGBA `json:"color"`
	Count int        `json:"count"`
}

// PaletteResult extends Result with the off-palette colors that dragged
// the match fraction down.
type PaletteResult struct {
	Result
	OffPalette []ColorCount `json:"off_palette,omitempty"`
}

// PaletteFidelity measures the fraction of img's opaque pixels within
// tolerance of some color in palette, reporting the top-N worst offenders.
func PaletteFidelity(img *image.RGBA, palette []color.RGBA, tolerance, threshold float64, topN int) PaletteResult {
	start := time.Now()
	if tolerance <= 0 {
		tolerance = DefaultPaletteTolerance
	}
	if threshold <= 0 {
		threshold = DefaultPaletteThreshold
	}
	if topN <= 0 {
		topN = 5
	}

	offCounts := make(map[color.RGBA]int)
	var total, matches int

	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			px := img.RGBAAt(x, y)
			if px.A == 0 {
				continue
			}
			total++
			dist, _ := pixel.NearestPaletteDistance(px, palette)
			if dist <= tolerance {
				matches++
			} else {
				key := color.RGBA{R: px.R, G: px.G, B: px.B, A: 255}
				offCounts[key]++
			}
		}
	}

	fraction := 1.0
	if total > 0 {
		fraction = float64(matches) / float64(total)
	}

	ranked := make([]ColorCount, 0, len(offCounts))
	for c, n := range offCounts {
		ranked = append(ranked, ColorCount{Color: c, Count: n})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Count > ranked[j].Count })
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}

	return PaletteResult{
		Result: Result{
			Score:             fraction,
			Passed:            fraction >= threshold,
			Threshold:         threshold,
			Details:           fmt.Sprintf("%d/%d opaque pixels matched within tolerance %.1f", matches, total, tolerance),
			ComputationTimeMs: time.Since(start).Milliseconds(),
		},
		OffPalette: ranked,
	}
}

// AlphaArtifacts scans edge pixels (opaque and 4-adjacent to a
// transparent pixel) for halo (partial alpha) and fringe (bright with
// high alpha) defects.
func AlphaArtifacts(img *image.RGBA, threshold float64) Result {
	start := time.Now()
	if threshold <= 0 {
		threshold = DefaultAlphaArtifactThreshold
	}

	b := img.Bounds()
	var edgeCount, haloCount, fringeCount int

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			px := img.RGBAAt(x, y)
			if px.A == 0 || !isEdgePixel(img, x, y) {
				continue
			}
			edgeCount++
			if px.A > alphaHaloMin && px.A < alphaHaloMax {
				haloCount++
			}
			brightness := (float64(px.R) + float64(px.G) + float64(px.B)) / 3.0
			if brightness > alphaFringeBrightnessThreshold && int(px.A) > alphaFringeAlphaThreshold {
				fringeCount++
			}
		}
	}

	severity := 0.0
	if edgeCount > 0 {
		severity = float64(haloCount+fringeCount) / float64(edgeCount)
	}

	return Result{
		Score:             severity,
		Passed:            severity <= threshold,
		Threshold:         threshold,
		Details:           fmt.Sprintf("halo=%d fringe=%d edge_pixels=%d", haloCount, fringeCount, edgeCount),
		ComputationTimeMs: time.Since(start).Milliseconds(),
	}
}

func isEdgePixel(img *image.RGBA, x, y int) bool {
	b := img.Bounds()
	neighbors := [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}}
	for _, n := range neighbors {
		nx, ny := n[0], n[1]
		if nx < b.Min.X || nx >= b.Max.X || ny < b.Min.Y || ny >= b.Max.Y {
			continue
		}
		if img.RGBAAt(nx, ny).A == 0 {
			return true
		}
	}
	return false
}

// DriftDirection classifies a baseline-drift measurement's sign.
type DriftDirection string

const (
	DriftSinking  DriftDirection = "sinking"
	DriftFloating DriftDirection = "floating"
	DriftNone     DriftDirection = "none"
)

// BaselineDriftResult extends Result with the signed drift and its
// classified direction.
type BaselineDriftResult struct {
	Result
	Drift     int            `json:"drift"`
	Direction DriftDirection `json:"direction"`
}

// BaselineDrift compares a candidate's baseline row to the anchor's.
func BaselineDrift(candidate *image.RGBA, anchorBaselineRow int, threshold float64) BaselineDriftResult {
	start := time.Now()
	if threshold <= 0 {
		threshold = DefaultBaselineDriftThreshold
	}

	candidateBaseline, found := pixel.BaselineRow(candidate)
	if !found {
		return BaselineDriftResult{
			Result: Result{
				Score:             math.Inf(1),
				Passed:            false,
				Threshold:         threshold,
				Details:           "candidate has no baseline row",
				ComputationTimeMs: time.Since(start).Milliseconds(),
			},
			Direction: DriftNone,
		}
	}

	drift := candidateBaseline - anchorBaselineRow
	direction := DriftNone
	switch {
	case drift > 0:
		direction = DriftSinking
	case drift < 0:
		direction = DriftFloating
	}

	absDrift := math.Abs(float64(drift))
	return BaselineDriftResult{
		Result: Result{
			Score:             absDrift,
			Passed:            absDrift <= threshold,
			Threshold:         threshold,
			Details:           fmt.Sprintf("candidate baseline=%d anchor baseline=%d direction=%s", candidateBaseline, anchorBaselineRow, direction),
			ComputationTimeMs: time.Since(start).Milliseconds(),
		},
		Drift:     drift,
		Direction: direction,
	}
}

// MAPDThresholdFor resolves the move-type-contextual MAPD threshold,
// falling back to the walk threshold for unrecognized move types.
func MAPDThresholdFor(moveType string, thresholds map[string]float64) float64 {
	if thresholds == nil {
		thresholds = MoveTypeMAPDThresholds
	}
	if t, ok := thresholds[strings.ToLower(moveType)]; ok {
		return t
	}
	return MoveTypeMAPDThresholds["walk"]
}

// IsMAPDBypassed reports whether moveName matches the bypass list:
// bypasses (auto-pass) when the move name contains any of {attack,
// jump, hit, death, special}.
func IsMAPDBypassed(moveName string, bypassSubstrings []string) bool {
	if bypassSubstrings == nil {
		bypassSubstrings = DefaultMAPDBypassSubstrings
	}
	lower := strings.ToLower(moveName)
	for _, s := range bypassSubstrings {
		if strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// MAPD computes the mean per-channel absolute RGB difference between two
// consecutive frames over their mutually-opaque mask, or auto-passes if
// moveName is on the bypass list.
func MAPD(prev, curr *image.RGBA, moveName string, threshold float64, bypassSubstrings []string) Result {
	start := time.Now()
	if threshold <= 0 {
		threshold = MAPDThresholdFor(moveName, nil)
	}

	if IsMAPDBypassed(moveName, bypassSubstrings) {
		return Result{
			Score:             0,
			Passed:            true,
			Threshold:         threshold,
			Details:           fmt.Sprintf("bypassed: move %q is on the MAPD bypass list", moveName),
			ComputationTimeMs: time.Since(start).Milliseconds(),
		}
	}

	b := prev.Bounds()
	var sumDiff float64
	var count int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			pp, pc := prev.RGBAAt(x, y), curr.RGBAAt(x, y)
			if pp.A == 0 || pc.A == 0 {
				continue
			}
			sumDiff += math.Abs(float64(pp.R)-float64(pc.R)) +
				math.Abs(float64(pp.G)-float64(pc.G)) +
				math.Abs(float64(pp.B)-float64(pc.B))
			count++
		}
	}

	score := 0.0
	if count > 0 {
		score = sumDiff / float64(count) / (3 * 255)
	}

	return Result{
		Score:             score,
		Passed:            score <= threshold,
		Threshold:         threshold,
		Details:           fmt.Sprintf("mean per-channel delta over %d mutually-opaque pixels", count),
		ComputationTimeMs: time.Since(start).Milliseconds(),
	}
}

// OrphanTier classifies the orphan-pixel count into pass/warning/fail.
type OrphanTier string

const (
	OrphanPass    OrphanTier = "pass"
	OrphanWarning OrphanTier = "warning"
	OrphanFail    OrphanTier = "soft_fail"
)

// OrphanResult extends Result with the count and its classification tier.
type OrphanResult struct {
	Result
	Count int        `json:"count"`
	Tier  OrphanTier `json:"tier"`
}

// OrphanPixels counts 4-connected orphan pixels: an opaque pixel is an
// orphan if no 4-neighbor shares its exact RGBA value.
func OrphanPixels(img *image.RGBA, passMax, warnMax int) OrphanResult {
	start := time.Now()
	if passMax <= 0 {
		passMax = DefaultOrphanPassMax
	}
	if warnMax <= 0 {
		warnMax = DefaultOrphanWarnMax
	}

	b := img.Bounds()
	var count int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			px := img.RGBAAt(x, y)
			if px.A == 0 {
				continue
			}
			if isOrphan(img, x, y, px) {
				count++
			}
		}
	}

	tier := OrphanPass
	switch {
	case count > warnMax:
		tier = OrphanFail
	case count > passMax:
		tier = OrphanWarning
	}

	return OrphanResult{
		Result: Result{
			Score:             float64(count),
			Passed:            tier != OrphanFail,
			Threshold:         float64(passMax),
			Details:           fmt.Sprintf("%d orphan pixels (pass<=%d, warning<=%d)", count, passMax, warnMax),
			ComputationTimeMs: time.Since(start).Milliseconds(),
		},
		Count: count,
		Tier:  tier,
	}
}

func isOrphan(img *image.RGBA, x, y int, px color.RGBA) bool {
	b := img.Bounds()
	neighbors := [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}}
	for _, n := range neighbors {
		nx, ny := n[0], n[1]
		if nx < b.Min.X || nx >= b.Max.X || ny < b.Min.Y || ny >= b.Max.Y {
			continue
		}
		if img.RGBAAt(nx, ny) == px {
			return false
		}
	}
	return true
}

// DefaultAggregatorWeights are the default category weights (// "Aggregator"): Stability 0.35, Identity 0.30, Palette 0.20, Style 0.15.
var DefaultAggregatorWeights = map[string]float64{
	"stability": 0.35,
	"identity":  0.30,
	"palette":   0.20,
	"style":     0.15,
}

// Aggregate computes the weighted composite over whichever categories
// are present in scores, renormalizing the weights across the provided
// subset (guarding against a zero denominator: if no configured weight
// matches a provided category, the composite is 0 and should_retry is
// true, a conservative default since an un-weighted run carries no
// evidence of passing).
func Aggregate(scores map[string]float64, weights map[string]float64, compositeThreshold float64) (composite float64, shouldRetry bool) {
	if weights == nil {
		weights = DefaultAggregatorWeights
	}

	var weightedSum, totalWeight float64
	for category, raw := range scores {
		w, ok := weights[category]
		if !ok {
			continue
		}
		weightedSum += w * raw
		totalWeight += w
	}

	if totalWeight == 0 {
		return 0, true
	}

	composite = weightedSum / totalWeight
	return composite, composite < compositeThreshold
}
