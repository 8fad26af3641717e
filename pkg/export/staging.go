package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// FrameMappingEntry records one staged file's origin.
type FrameMappingEntry struct {
	OriginalPath string `json:"original_path"`
	Renamed      string `json:"renamed"`
	FrameIndex   int    `json:"frame_index"`
}

// StageName builds the `{move}_{i:04d}.png` staged filename.
// Zero-padding to four digits guarantees lexicographic sort equals
// numeric frame order for any frame_count this module supports.
func StageName(move string, frameIndex int) string {
	return fmt.Sprintf("%s_%04d.png", move, frameIndex)
}

// Stage copies each approved frame (approvedDir/frame_{i:04d}.png) into
// stagingDir renamed per StageName, and returns the frame_mapping
// entries in frame-index order. stagingDir is created if it does not
// exist.
func Stage(approvedDir, stagingDir, move string, frameCount int) ([]FrameMappingEntry, error) {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging dir %s: %w", stagingDir, err)
	}

	entries := make([]FrameMappingEntry, 0, frameCount)
	for i := 0; i < frameCount; i++ {
		original := filepath.Join(approvedDir, fmt.Sprintf("frame_%04d.png", i))
		renamed := StageName(move, i)
		dest := filepath.Join(stagingDir, renamed)
		if err := copyFile(original, dest); err != nil {
			return nil, fmt.Errorf("staging frame %d: %w", i, err)
		}
		entries = append(entries, FrameMappingEntry{
			OriginalPath: original,
			Renamed:      renamed,
			FrameIndex:   i,
		})
	}
	return entries, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return out.Close()
}

// WriteFrameMapping writes frame_mapping.json into stagingDir, sorted
// by frame index for a stable, reviewable diff.
func WriteFrameMapping(stagingDir string, entries []FrameMappingEntry) error {
	sorted := append([]FrameMappingEntry{}, entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FrameIndex < sorted[j].FrameIndex })

	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling frame mapping: %w", err)
	}
	path := filepath.Join(stagingDir, "frame_mapping.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
