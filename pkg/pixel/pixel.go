package pixel

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// OpaqueAlphaThreshold is the alpha value at or above which a pixel
// counts as opaque for baseline-row detection (MAPD/baseline:
// "bottom-most row with any alpha >= 128").
const OpaqueAlphaThreshold = 128

// Load decodes a PNG file into an *image.RGBA, converting if necessary.
func Load(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image %s: %w", path, err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding PNG %s: %w", path, err)
	}
	return ToRGBA(img), nil
}

// ToRGBA converts any image.Image to *image.RGBA, copying pixel data if
// the source is not already in that format.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	bounds := img.Bounds()
	out := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			out.Set(x, y, img.At(x, y))
		}
	}
	return out
}

// Save writes img to path as a PNG.
func Save(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating image %s: %w", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("encoding PNG %s: %w", path, err)
	}
	return nil
}

// IsOpaque reports whether c counts as part of the opaque mask (any
// visible alpha at all, the threshold used by bounding box / centroid /
// hard-gate computations; baseline detection uses the stricter
// OpaqueAlphaThreshold instead).
func IsOpaque(c color.RGBA) bool {
	return c.A > 0
}

// HasAnyOpaquePixel reports whether img contains at least one pixel
// with alpha > 0 (HF02 "fully transparent" check).
func HasAnyOpaquePixel(img *image.RGBA) bool {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.RGBAAt(x, y).A > 0 {
				return true
			}
		}
	}
	return false
}

// BaselineRow returns the bottom-most row containing at least one pixel
// with alpha >= OpaqueAlphaThreshold, and whether any such row exists.
// This is the "ground line" of a sprite (GLOSSARY "Baseline").
func BaselineRow(img *image.RGBA) (row int, found bool) {
	b := img.Bounds()
	for y := b.Max.Y - 1; y >= b.Min.Y; y-- {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.RGBAAt(x, y).A >= OpaqueAlphaThreshold {
				return y, true
			}
		}
	}
	return 0, false
}

// OpaqueBBox returns the bounding box of all pixels with alpha > 0. The
// returned rectangle is empty (zero value) if no pixel is opaque.
func OpaqueBBox(img *image.RGBA) image.Rectangle {
	b := img.Bounds()
	minX, minY := b.Max.X, b.Max.Y
	maxX, maxY := b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.RGBAAt(x, y).A > 0 {
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}
	if maxX < minX || maxY < minY {
		return image.Rectangle{}
	}
	return image.Rect(minX, minY, maxX+1, maxY+1)
}

// ContactPatchCentroid computes the centroid of opaque pixels within the
// bottom rootZoneRatio fraction of the opaque bounding box (GLOSSARY
// "Contact patch"). ok is false if the bounding box is empty or no
// opaque pixel falls in the root zone.
func ContactPatchCentroid(img *image.RGBA, rootZoneRatio float64) (cx, cy float64, ok bool) {
	bbox := OpaqueBBox(img)
	if bbox.Empty() {
		return 0, 0, false
	}

	zoneHeight := int(float64(bbox.Dy())*rootZoneRatio + 0.5)
	if zoneHeight < 1 {
		zoneHeight = 1
	}
	zoneTop := bbox.Max.Y - zoneHeight
	if zoneTop < bbox.Min.Y {
		zoneTop = bbox.Min.Y
	}

	var sumX, sumY float64
	var count int
	for y := zoneTop; y < bbox.Max.Y; y++ {
		for x := bbox.Min.X; x < bbox.Max.X; x++ {
			if img.RGBAAt(x, y).A > 0 {
				sumX += float64(x)
				sumY += float64(y)
				count++
			}
		}
	}
	if count == 0 {
		return 0, 0, false
	}
	return sumX / float64(count), sumY / float64(count), true
}

// colorCount pairs an RGB color with its occurrence count, used by
// PaletteFingerprint's ranking.
type colorCount struct {
	c     color.RGBA
	count int
}

// PaletteFingerprint returns up to maxColors distinct opaque colors from
// img, ordered by descending frequency. Alpha is ignored in the key
// (only RGB identity matters for palette fidelity comparisons).
func PaletteFingerprint(img *image.RGBA, maxColors int) []color.RGBA {
	counts := make(map[color.RGBA]int)
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			px := img.RGBAAt(x, y)
			if px.A == 0 {
				continue
			}
			key := color.RGBA{R: px.R, G: px.G, B: px.B, A: 255}
			counts[key]++
		}
	}

	ranked := make([]colorCount, 0, len(counts))
	for c, n := range counts {
		ranked = append(ranked, colorCount{c: c, count: n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		// Deterministic tiebreak so fingerprints are stable across runs.
		return rgbaLess(ranked[i].c, ranked[j].c)
	})

	if maxColors > 0 && len(ranked) > maxColors {
		ranked = ranked[:maxColors]
	}
	out := make([]color.RGBA, len(ranked))
	for i, rc := range ranked {
		out[i] = rc.c
	}
	return out
}

func rgbaLess(a, b color.RGBA) bool {
	if a.R != b.R {
		return a.R < b.R
	}
	if a.G != b.G {
		return a.G < b.G
	}
	return a.B < b.B
}

// ParseHexPalette parses manifest palette entries ("#RRGGBB" or
// "RRGGBB") into opaque RGBA colors. Entries that fail to parse are
// skipped rather than aborting the whole palette.
func ParseHexPalette(hexColors []string) []color.RGBA {
	out := make([]color.RGBA, 0, len(hexColors))
	for _, h := range hexColors {
		h = strings.TrimPrefix(strings.TrimSpace(h), "#")
		if len(h) != 6 {
			continue
		}
		v, err := strconv.ParseUint(h, 16, 32)
		if err != nil {
			continue
		}
		out = append(out, color.RGBA{
			R: uint8(v >> 16),
			G: uint8(v >> 8),
			B: uint8(v),
			A: 255,
		})
	}
	return out
}

// NearestPaletteDistance returns the minimum Euclidean RGB distance from
// c to any color in palette, and the index of the nearest match. Returns
// -1 for idx if palette is empty.
func NearestPaletteDistance(c color.RGBA, palette []color.RGBA) (dist float64, idx int) {
	if len(palette) == 0 {
		return 0, -1
	}
	best := -1.0
	bestIdx := 0
	for i, p := range palette {
		dr := float64(c.R) - float64(p.R)
		dg := float64(c.G) - float64(p.G)
		db := float64(c.B) - float64(p.B)
		d := dr*dr + dg*dg + db*db
		if best < 0 || d < best {
			best = d
			bestIdx = i
		}
	}
	if best <= 0 {
		return 0, bestIdx
	}
	return math.Sqrt(best), bestIdx
}
