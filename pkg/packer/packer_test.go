package packer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestMergeFlags_LockedFlagsAlwaysPresent(t *testing.T) {
	merged, rejected := MergeFlags(nil)
	if len(rejected) != 0 {
		t.Errorf("rejected = %v, want none", rejected)
	}
	for i, want := range lockedFlags {
		if merged[i] != want {
			t.Fatalf("merged[%d] = %q, want %q (locked flags must lead and stay in order)", i, merged[i], want)
		}
	}
}

func TestMergeFlags_AcceptsAllowedCustomFlags(t *testing.T) {
	merged, rejected := MergeFlags([]string{"max-size=4096", "multipack"})
	if len(rejected) != 0 {
		t.Errorf("rejected = %v, want none", rejected)
	}
	joined := ""
	for _, f := range merged {
		joined += f + " "
	}
	if !containsAll(joined, "--max-size", "4096", "--multipack") {
		t.Errorf("merged flags %q missing expected entries", joined)
	}
}

func TestMergeFlags_RejectsDisallowedFlags(t *testing.T) {
	_, rejected := MergeFlags([]string{"disable-rotation=false", "shape-padding=0"})
	if len(rejected) != 2 {
		t.Fatalf("len(rejected) = %d, want 2 (both attempt to override locked flags)", len(rejected))
	}
}

func containsAll(haystack string, needles ...string) bool {
	for _, n := range needles {
		if !contains(haystack, n) {
			return false
		}
	}
	return true
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}

func TestNoopPacker_WritesDecodableAtlas(t *testing.T) {
	dir := t.TempDir()
	p := NoopPacker{
		FrameKeys: []string{"walk_cycle/0000", "walk_cycle/0001"},
		SheetSize: 64,
		FrameSize: 32,
	}
	result, err := p.Pack(context.Background(), Request{
		InputDir:   filepath.Join(dir, "staging"),
		OutputBase: filepath.Join(dir, "knight_walk_cycle"),
	})
	if err != nil {
		t.Fatalf("Pack() failed: %v", err)
	}
	if len(result.AtlasJSONPaths) != 1 {
		t.Fatalf("len(AtlasJSONPaths) = %d, want 1", len(result.AtlasJSONPaths))
	}
	data, err := os.ReadFile(result.AtlasJSONPaths[0])
	if err != nil {
		t.Fatalf("reading atlas json: %v", err)
	}
	var atlas struct {
		Frames map[string]interface{} `json:"frames"`
		Meta   struct {
			Size struct{ W, H int } `json:"size"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(data, &atlas); err != nil {
		t.Fatalf("parsing atlas json: %v", err)
	}
	if len(atlas.Frames) != 2 {
		t.Errorf("len(Frames) = %d, want 2", len(atlas.Frames))
	}
	if atlas.Meta.Size.W != 64 || atlas.Meta.Size.H != 64 {
		t.Errorf("meta.size = %dx%d, want 64x64", atlas.Meta.Size.W, atlas.Meta.Size.H)
	}
}

func TestLocalPacker_MissingExecPathErrors(t *testing.T) {
	p := LocalPacker{}
	_, err := p.Pack(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected an error when ExecPath is unset")
	}
}

func TestLocalPacker_NonexistentBinaryReturnsError(t *testing.T) {
	dir := t.TempDir()
	p := LocalPacker{ExecPath: filepath.Join(dir, "does-not-exist")}
	_, err := p.Pack(context.Background(), Request{
		InputDir:   dir,
		OutputBase: filepath.Join(dir, "out"),
	})
	if err == nil {
		t.Fatal("expected an error for a nonexistent packer binary")
	}
}
