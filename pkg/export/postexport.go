package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"regexp"
	"strings"

	"github.com/forgelab/spriteforge/pkg/gates"
)

// AtlasRect is the `{x,y,w,h}` shape shared by frame, spriteSourceSize,
// and sourceSize in the Phaser atlas schema.
type AtlasRect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// AtlasFrame is one entry in an atlas's `frames` map.
type AtlasFrame struct {
	Frame            AtlasRect `json:"frame"`
	Rotated          bool      `json:"rotated"`
	Trimmed          bool      `json:"trimmed"`
	SpriteSourceSize AtlasRect `json:"spriteSourceSize"`
	SourceSize       struct {
		W int `json:"w"`
		H int `json:"h"`
	} `json:"sourceSize"`
	Pivot *struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"pivot,omitempty"`
}

// AtlasSheet is one sub-sheet: its image name, pixel size, and frames.
// A single-pack atlas is represented as one synthesized AtlasSheet.
type AtlasSheet struct {
	Image  string                `json:"image"`
	Size   struct{ W, H int }    `json:"size"`
	Frames map[string]AtlasFrame `json:"frames"`
}

// ParsedAtlas is the packer's JSON output, normalized to always look
// multipack-shaped internally regardless of which wire shape it parsed
// from: accepts both single-pack frames{} and multipack
// textures[{frames{}}].
type ParsedAtlas struct {
	Multipack bool
	Sheets    []AtlasSheet
}

// rawSinglePack and rawMultipack mirror the two JSON shapes a packer
// may emit.
type rawSinglePack struct {
	Frames map[string]AtlasFrame `json:"frames"`
	Meta   struct {
		Image string             `json:"image"`
		Size  struct{ W, H int } `json:"size"`
		Scale interface{}        `json:"scale"`
	} `json:"meta"`
}

type rawMultipack struct {
	Textures []struct {
		Image  string                `json:"image"`
		Size   struct{ W, H int }    `json:"size"`
		Frames map[string]AtlasFrame `json:"frames"`
	} `json:"textures"`
}

// ParseAtlas reads and normalizes a packer-produced atlas JSON file.
func ParseAtlas(path string) (ParsedAtlas, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ParsedAtlas{}, fmt.Errorf("reading atlas json %s: %w", path, err)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return ParsedAtlas{}, fmt.Errorf("parsing atlas json %s: %w", path, err)
	}

	if _, ok := probe["textures"]; ok {
		var mp rawMultipack
		if err := json.Unmarshal(data, &mp); err != nil {
			return ParsedAtlas{}, fmt.Errorf("parsing multipack atlas json %s: %w", path, err)
		}
		sheets := make([]AtlasSheet, 0, len(mp.Textures))
		for _, t := range mp.Textures {
			sheets = append(sheets, AtlasSheet{Image: t.Image, Size: t.Size, Frames: t.Frames})
		}
		return ParsedAtlas{Multipack: true, Sheets: sheets}, nil
	}

	var sp rawSinglePack
	if err := json.Unmarshal(data, &sp); err != nil {
		return ParsedAtlas{}, fmt.Errorf("parsing single-pack atlas json %s: %w", path, err)
	}
	return ParsedAtlas{
		Multipack: false,
		Sheets:    []AtlasSheet{{Image: sp.Meta.Image, Size: sp.Meta.Size, Frames: sp.Frames}},
	}, nil
}

// FrameCount totals frames across every sheet.
func (a ParsedAtlas) FrameCount() int {
	n := 0
	for _, s := range a.Sheets {
		n += len(s.Frames)
	}
	return n
}

var atlasKeyPattern = regexp.MustCompile(`^[a-z0-9_]+/\d{4}$`)

// PostExportReport is the post-export atlas validation's outcome.
type PostExportReport struct {
	Checks []CheckResult `json:"checks"`
}

// Passed reports whether every check passed; post-export validation
// has no warning-severity items, unlike the pre-export checklist.
func (r PostExportReport) Passed() bool {
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// RunPostExportChecks validates a parsed atlas against the exported
// sheet images and the manifest's expectations. loadSheetImage resolves
// each sheet's image name to its decoded header, since the atlas JSON
// only records a bare filename and not where the file lives on disk.
func RunPostExportChecks(atlas ParsedAtlas, move string, frameCount int, loadSheetImage func(name string) (*image.Config, error)) PostExportReport {
	r := PostExportReport{}

	r.Checks = append(r.Checks, check("frame_count_matches_manifest",
		atlas.FrameCount() == frameCount, SeverityCritical,
		fmt.Sprintf("atlas has %d frames, manifest wants %d", atlas.FrameCount(), frameCount)))

	keysOK := true
	var badKeys []string
	rectsOK := true
	var badRects []string
	for _, sheet := range atlas.Sheets {
		for key, frame := range sheet.Frames {
			if !atlasKeyPattern.MatchString(key) || !strings.HasPrefix(key, move+"/") {
				keysOK = false
				badKeys = append(badKeys, key)
			}
			r2 := frame.Frame
			if r2.X < 0 || r2.Y < 0 || r2.X+r2.W > sheet.Size.W || r2.Y+r2.H > sheet.Size.H {
				rectsOK = false
				badRects = append(badRects, fmt.Sprintf("%s: rect %+v exceeds sheet %dx%d", key, r2, sheet.Size.W, sheet.Size.H))
			}
		}
	}
	r.Checks = append(r.Checks, check("frame_keys_match_convention", keysOK, SeverityCritical,
		fmt.Sprintf("expected `{move}/\\d{4}` for move %q, offenders: %v", move, badKeys)))
	r.Checks = append(r.Checks, check("frame_rects_within_sheet_bounds", rectsOK, SeverityCritical,
		fmt.Sprintf("%v", badRects)))

	decodeOK := true
	dimsOK := true
	channelsOK := true
	var decodeDetails, dimsDetails, channelsDetails []string
	for _, sheet := range atlas.Sheets {
		cfg, err := loadSheetImage(sheet.Image)
		if err != nil {
			decodeOK = false
			decodeDetails = append(decodeDetails, fmt.Sprintf("%s: %v", sheet.Image, err))
			continue
		}
		if cfg.Width != sheet.Size.W || cfg.Height != sheet.Size.H {
			dimsOK = false
			dimsDetails = append(dimsDetails, fmt.Sprintf("%s: decoded %dx%d, meta says %dx%d",
				sheet.Image, cfg.Width, cfg.Height, sheet.Size.W, sheet.Size.H))
		}
		if indexed, channels := gates.ClassifyColorModel(cfg.ColorModel); indexed || channels != 4 {
			channelsOK = false
			channelsDetails = append(channelsDetails, fmt.Sprintf("%s: not 32-bit RGBA (indexed=%t, channels=%d)",
				sheet.Image, indexed, channels))
		}
	}
	r.Checks = append(r.Checks, check("sheet_images_decodable", decodeOK, SeverityCritical,
		fmt.Sprintf("%v", decodeDetails)))
	r.Checks = append(r.Checks, check("sheet_dimensions_match_meta", dimsOK, SeverityCritical,
		fmt.Sprintf("%v", dimsDetails)))
	r.Checks = append(r.Checks, check("sheet_rgba_channel_count", channelsOK, SeverityCritical,
		fmt.Sprintf("%v", channelsDetails)))

	return r
}

// DecodePNGConfig is the default loadSheetImage implementation:
// decodes just the PNG header (width/height/color model) from disk,
// grounded on pkg/gates' identical png.DecodeConfig use for the
// same reason -- full decode isn't needed to check dimensions.
func DecodePNGConfig(path string) (*image.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sheet image %s: %w", path, err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding sheet image header %s: %w", path, err)
	}
	return &cfg, nil
}
