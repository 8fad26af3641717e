package export

import (
	"bytes"
	"fmt"
	"image"
	"os"

	svg "github.com/ajstarks/svgo"

	"github.com/forgelab/spriteforge/pkg/pixel"
)

// OverlayOptions configures the diagnostic overlay renderer.
type OverlayOptions struct {
	Width  int // canvas width in pixels; defaults to the candidate's width times Scale
	Height int // canvas height in pixels; defaults to the candidate's height times Scale
	Scale  int // pixel magnification factor (default 4, so small sprites are legible)
}

// DefaultOverlayOptions returns sensible defaults sized for typical
// sprite canvases.
func DefaultOverlayOptions() OverlayOptions {
	return OverlayOptions{Scale: 4}
}

// frameGeometry is the subset of a decoded frame's measurements the
// overlay draws: its opaque bounding box, baseline row, and contact
// patch centroid. Both the anchor and the candidate are measured the
// same way so the two overlays are directly comparable.
type frameGeometry struct {
	BBox        image.Rectangle
	BaselineRow int
	HasBaseline bool
	ContactX    float64
	ContactY    float64
	HasContact  bool
}

func measureFrame(img *image.RGBA, rootZoneRatio float64) frameGeometry {
	g := frameGeometry{BBox: pixel.OpaqueBBox(img)}
	if row, ok := pixel.BaselineRow(img); ok {
		g.BaselineRow, g.HasBaseline = row, true
	}
	if cx, cy, ok := pixel.ContactPatchCentroid(img, rootZoneRatio); ok {
		g.ContactX, g.ContactY, g.HasContact = cx, cy, true
	}
	return g
}

// RenderOverlay draws the candidate's measured geometry against the
// anchor's, for human review of a failed frame alongside
// diagnostic.json's recovery suggestions. The anchor is drawn in a
// dimmer stroke underneath the candidate so the two can be compared
// without obscuring either.
func RenderOverlay(candidate, anchor *image.RGBA, rootZoneRatio float64, opts OverlayOptions) []byte {
	if opts.Scale <= 0 {
		opts.Scale = 4
	}
	b := candidate.Bounds()
	if opts.Width <= 0 {
		opts.Width = b.Dx() * opts.Scale
	}
	if opts.Height <= 0 {
		opts.Height = b.Dy() * opts.Scale
	}
	scale := opts.Scale

	buf := new(bytes.Buffer)
	canvas := svg.New(buf)
	canvas.Start(opts.Width, opts.Height)
	canvas.Rect(0, 0, opts.Width, opts.Height, "fill:#1a1a2e")

	if anchor != nil {
		drawGeometry(canvas, measureFrame(anchor, rootZoneRatio), scale, "#4a5568", 0.6)
	}
	drawGeometry(canvas, measureFrame(candidate, rootZoneRatio), scale, "#f56565", 0.9)

	canvas.Text(8, opts.Height-8, "red = candidate, gray = anchor", "font-size:11px;fill:#e2e8f0;font-family:monospace")
	canvas.End()
	return buf.Bytes()
}

func drawGeometry(canvas *svg.SVG, g frameGeometry, scale int, color string, opacity float64) {
	style := fmt.Sprintf("fill:none;stroke:%s;stroke-width:2;opacity:%.2f", color, opacity)
	canvas.Rect(g.BBox.Min.X*scale, g.BBox.Min.Y*scale, g.BBox.Dx()*scale, g.BBox.Dy()*scale, style)

	if g.HasBaseline {
		y := g.BaselineRow * scale
		canvas.Line(0, y, g.BBox.Max.X*scale, y, fmt.Sprintf("stroke:%s;stroke-width:1;stroke-dasharray:4,3;opacity:%.2f", color, opacity))
	}
	if g.HasContact {
		x, y := int(g.ContactX*float64(scale)), int(g.ContactY*float64(scale))
		canvas.Circle(x, y, 4, fmt.Sprintf("fill:%s;stroke:#fff;stroke-width:1;opacity:%.2f", color, opacity))
	}
}

// SaveOverlay renders and writes the diagnostic overlay to path
// (audit/frame_{i:04d}_overlay.svg per SPEC_FULL's domain stack).
func SaveOverlay(path string, candidate, anchor *image.RGBA, rootZoneRatio float64, opts OverlayOptions) error {
	data := RenderOverlay(candidate, anchor, rootZoneRatio, opts)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing overlay svg %s: %w", path, err)
	}
	return nil
}
