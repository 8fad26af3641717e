package export

import (
	"encoding/json"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgelab/spriteforge/pkg/pixel"
)

func solidRGBA(size int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestStageName_ZeroPadsToFourDigits(t *testing.T) {
	cases := map[int]string{0: "walk_cycle_0000.png", 7: "walk_cycle_0007.png", 1234: "walk_cycle_1234.png"}
	for idx, want := range cases {
		if got := StageName("walk_cycle", idx); got != want {
			t.Errorf("StageName(%d) = %q, want %q", idx, got, want)
		}
	}
}

func TestStage_CopiesApprovedFramesRenamed(t *testing.T) {
	dir := t.TempDir()
	approvedDir := filepath.Join(dir, "approved")
	stagingDir := filepath.Join(dir, "export_staging", "walk_cycle")
	if err := os.MkdirAll(approvedDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		path := filepath.Join(approvedDir, "frame_000"+string(rune('0'+i))+".png")
		if err := pixel.Save(path, solidRGBA(8, color.RGBA{R: uint8(i), A: 255})); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := Stage(approvedDir, stagingDir, "walk_cycle", 3)
	if err != nil {
		t.Fatalf("Stage() failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	for i, e := range entries {
		if e.FrameIndex != i {
			t.Errorf("entries[%d].FrameIndex = %d, want %d", i, e.FrameIndex, i)
		}
		want := StageName("walk_cycle", i)
		if e.Renamed != want {
			t.Errorf("entries[%d].Renamed = %q, want %q", i, e.Renamed, want)
		}
		if _, err := os.Stat(filepath.Join(stagingDir, e.Renamed)); err != nil {
			t.Errorf("staged file %s not found: %v", e.Renamed, err)
		}
	}
}

func TestWriteFrameMapping_SortsByIndexAndIsValidJSON(t *testing.T) {
	dir := t.TempDir()
	entries := []FrameMappingEntry{
		{OriginalPath: "b", Renamed: "walk_cycle_0002.png", FrameIndex: 2},
		{OriginalPath: "a", Renamed: "walk_cycle_0000.png", FrameIndex: 0},
		{OriginalPath: "c", Renamed: "walk_cycle_0001.png", FrameIndex: 1},
	}
	if err := WriteFrameMapping(dir, entries); err != nil {
		t.Fatalf("WriteFrameMapping() failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "frame_mapping.json"))
	if err != nil {
		t.Fatalf("reading frame_mapping.json: %v", err)
	}
	var decoded []FrameMappingEntry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("parsing frame_mapping.json: %v", err)
	}
	for i, e := range decoded {
		if e.FrameIndex != i {
			t.Errorf("decoded[%d].FrameIndex = %d, want %d (expected sorted order)", i, e.FrameIndex, i)
		}
	}
}
