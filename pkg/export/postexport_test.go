package export

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgelab/spriteforge/pkg/pixel"
)

func singlePackFixture(t *testing.T, dir string, n, size int) (jsonPath string, sheetPath string) {
	t.Helper()
	frames := map[string]interface{}{}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("walk_cycle/%04d", i)
		frames[key] = map[string]interface{}{
			"frame":            map[string]int{"x": i * size, "y": 0, "w": size, "h": size},
			"rotated":          false,
			"trimmed":          false,
			"spriteSourceSize": map[string]int{"x": 0, "y": 0, "w": size, "h": size},
			"sourceSize":       map[string]int{"w": size, "h": size},
		}
	}
	atlas := map[string]interface{}{
		"frames": frames,
		"meta": map[string]interface{}{
			"image": "sheet.png",
			"size":  map[string]int{"w": size * n, "h": size},
			"scale": 1,
		},
	}
	data, err := json.Marshal(atlas)
	if err != nil {
		t.Fatal(err)
	}
	jsonPath = filepath.Join(dir, "atlas.json")
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	sheetPath = filepath.Join(dir, "sheet.png")
	if err := pixel.Save(sheetPath, solidRGBA(size*n, color.RGBA{A: 255})); err != nil {
		t.Fatal(err)
	}
	return jsonPath, sheetPath
}

func TestParseAtlas_SinglePack(t *testing.T) {
	dir := t.TempDir()
	jsonPath, _ := singlePackFixture(t, dir, 2, 16)

	atlas, err := ParseAtlas(jsonPath)
	if err != nil {
		t.Fatalf("ParseAtlas() failed: %v", err)
	}
	if atlas.Multipack {
		t.Error("expected single-pack atlas to report Multipack = false")
	}
	if atlas.FrameCount() != 2 {
		t.Errorf("FrameCount() = %d, want 2", atlas.FrameCount())
	}
}

func TestParseAtlas_Multipack(t *testing.T) {
	dir := t.TempDir()
	atlas := map[string]interface{}{
		"textures": []map[string]interface{}{
			{
				"image": "sheet-0.png",
				"size":  map[string]int{"w": 64, "h": 64},
				"frames": map[string]interface{}{
					"walk_cycle/0000": map[string]interface{}{
						"frame":            map[string]int{"x": 0, "y": 0, "w": 32, "h": 32},
						"spriteSourceSize": map[string]int{"x": 0, "y": 0, "w": 32, "h": 32},
						"sourceSize":       map[string]int{"w": 32, "h": 32},
					},
				},
			},
			{
				"image": "sheet-1.png",
				"size":  map[string]int{"w": 64, "h": 64},
				"frames": map[string]interface{}{
					"walk_cycle/0001": map[string]interface{}{
						"frame":            map[string]int{"x": 0, "y": 0, "w": 32, "h": 32},
						"spriteSourceSize": map[string]int{"x": 0, "y": 0, "w": 32, "h": 32},
						"sourceSize":       map[string]int{"w": 32, "h": 32},
					},
				},
			},
		},
	}
	data, err := json.Marshal(atlas)
	if err != nil {
		t.Fatal(err)
	}
	jsonPath := filepath.Join(dir, "atlas.json")
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	parsed, err := ParseAtlas(jsonPath)
	if err != nil {
		t.Fatalf("ParseAtlas() failed: %v", err)
	}
	if !parsed.Multipack {
		t.Error("expected textures[] atlas to report Multipack = true")
	}
	if len(parsed.Sheets) != 2 {
		t.Fatalf("len(Sheets) = %d, want 2", len(parsed.Sheets))
	}
	if parsed.FrameCount() != 2 {
		t.Errorf("FrameCount() = %d, want 2", parsed.FrameCount())
	}
}

func TestRunPostExportChecks_CleanAtlasPasses(t *testing.T) {
	dir := t.TempDir()
	jsonPath, sheetPath := singlePackFixture(t, dir, 3, 16)
	atlas, err := ParseAtlas(jsonPath)
	if err != nil {
		t.Fatalf("ParseAtlas() failed: %v", err)
	}

	report := RunPostExportChecks(atlas, "walk_cycle", 3, func(name string) (*image.Config, error) {
		return DecodePNGConfig(filepath.Join(filepath.Dir(sheetPath), name))
	})
	if !report.Passed() {
		t.Errorf("expected a clean atlas to pass, checks: %+v", report.Checks)
	}
}

func TestRunPostExportChecks_DetectsFrameCountMismatch(t *testing.T) {
	dir := t.TempDir()
	jsonPath, sheetPath := singlePackFixture(t, dir, 2, 16)
	atlas, err := ParseAtlas(jsonPath)
	if err != nil {
		t.Fatalf("ParseAtlas() failed: %v", err)
	}

	report := RunPostExportChecks(atlas, "walk_cycle", 5, func(name string) (*image.Config, error) {
		return DecodePNGConfig(filepath.Join(filepath.Dir(sheetPath), name))
	})
	if report.Passed() {
		t.Error("expected frame count mismatch to fail")
	}
}

func TestRunPostExportChecks_DetectsRectOutsideSheetBounds(t *testing.T) {
	dir := t.TempDir()
	atlas := ParsedAtlas{Sheets: []AtlasSheet{{
		Image: "sheet.png",
		Size:  struct{ W, H int }{W: 32, H: 32},
		Frames: map[string]AtlasFrame{
			"walk_cycle/0000": {Frame: AtlasRect{X: 20, Y: 20, W: 32, H: 32}},
		},
	}}}
	report := RunPostExportChecks(atlas, "walk_cycle", 1, func(name string) (*image.Config, error) {
		return DecodePNGConfig(filepath.Join(dir, name))
	})
	for _, c := range report.Checks {
		if c.Name == "frame_rects_within_sheet_bounds" && c.Passed {
			t.Error("expected an out-of-bounds frame rect to fail")
		}
	}
}

func TestRunPostExportChecks_DetectsWrongChannelCount(t *testing.T) {
	atlas := ParsedAtlas{Sheets: []AtlasSheet{{
		Image: "sheet.png",
		Size:  struct{ W, H int }{W: 32, H: 32},
		Frames: map[string]AtlasFrame{
			"walk_cycle/0000": {Frame: AtlasRect{X: 0, Y: 0, W: 16, H: 16}},
		},
	}}}
	report := RunPostExportChecks(atlas, "walk_cycle", 1, func(name string) (*image.Config, error) {
		return &image.Config{Width: 32, Height: 32, ColorModel: color.GrayModel}, nil
	})
	for _, c := range report.Checks {
		if c.Name == "sheet_rgba_channel_count" && c.Passed {
			t.Error("expected a non-RGBA sheet color model to fail sheet_rgba_channel_count")
		}
	}
	if report.Passed() {
		t.Error("expected a non-RGBA packed sheet to fail the post-export checklist")
	}
}

func TestRunPostExportChecks_DetectsBadKeyConvention(t *testing.T) {
	atlas := ParsedAtlas{Sheets: []AtlasSheet{{
		Image: "sheet.png",
		Size:  struct{ W, H int }{W: 32, H: 32},
		Frames: map[string]AtlasFrame{
			"WalkCycle_0": {Frame: AtlasRect{X: 0, Y: 0, W: 16, H: 16}},
		},
	}}}
	report := RunPostExportChecks(atlas, "walk_cycle", 1, func(name string) (*image.Config, error) {
		return &image.Config{Width: 32, Height: 32}, nil
	})
	for _, c := range report.Checks {
		if c.Name == "frame_keys_match_convention" && c.Passed {
			t.Error("expected a malformed frame key to fail")
		}
	}
}
