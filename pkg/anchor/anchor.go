package anchor

import (
	"fmt"
	"image"
	"image/color"

	"github.com/forgelab/spriteforge/pkg/pixel"
)

// Analysis captures the identity-defining measurements of the locked
// anchor sprite: its baseline row, contact-patch
// centroid, opaque bounding box, and palette fingerprint. Every later
// frame is aligned and scored against this, computed once at run INIT.
type Analysis struct {
	BaselineRow        int             `json:"baseline_row"`
	CentroidX          float64         `json:"centroid_x"`
	CentroidY          float64         `json:"centroid_y"`
	BBox               image.Rectangle `json:"bbox"`
	PaletteFingerprint []color.RGBA    `json:"palette_fingerprint"`
}

// MaxFingerprintColors bounds the palette fingerprint's size so it stays
// a compact identity signature rather than a full color histogram.
const MaxFingerprintColors = 64

// Analyze computes the Analysis for the anchor image at anchorPath using
// the manifest's root_zone_ratio. Returns an error if the anchor cannot
// be decoded or is fully transparent (an anchor must have a baseline).
func Analyze(anchorPath string, rootZoneRatio float64) (*Analysis, error) {
	img, err := pixel.Load(anchorPath)
	if err != nil {
		return nil, fmt.Errorf("loading anchor: %w", err)
	}
	return AnalyzeImage(img, rootZoneRatio)
}

// AnalyzeImage computes the Analysis for an already-decoded anchor image.
// Exposed separately so callers that already hold the decoded anchor
// (e.g. a resumed run re-verifying anchor_analysis.json) don't re-read
// the file.
func AnalyzeImage(img *image.RGBA, rootZoneRatio float64) (*Analysis, error) {
	if !pixel.HasAnyOpaquePixel(img) {
		return nil, fmt.Errorf("anchor image is fully transparent")
	}

	baseline, found := pixel.BaselineRow(img)
	if !found {
		return nil, fmt.Errorf("anchor image has no baseline row")
	}

	cx, cy, ok := pixel.ContactPatchCentroid(img, rootZoneRatio)
	if !ok {
		return nil, fmt.Errorf("anchor image has no contact-patch centroid")
	}

	bbox := pixel.OpaqueBBox(img)
	fingerprint := pixel.PaletteFingerprint(img, MaxFingerprintColors)

	return &Analysis{
		BaselineRow:        baseline,
		CentroidX:          cx,
		CentroidY:          cy,
		BBox:               bbox,
		PaletteFingerprint: fingerprint,
	}, nil
}
