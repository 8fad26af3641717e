package export

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgelab/spriteforge/pkg/pixel"
)

func stageFixture(t *testing.T, dir, move string, n, size int) {
	t.Helper()
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, StageName(move, i))
		img := solidRGBA(size, color.RGBA{R: uint8(10 + i), G: 20, B: 30, A: 255})
		if err := pixel.Save(path, img); err != nil {
			t.Fatalf("writing staged fixture: %v", err)
		}
	}
}

func baseConfig(move string, n, size int) PreExportConfig {
	return PreExportConfig{Move: move, FrameCount: n, TargetSize: size}
}

func TestRunPreExportChecks_CleanStagingPasses(t *testing.T) {
	dir := t.TempDir()
	stageFixture(t, dir, "walk_cycle", 4, 32)

	report, err := RunPreExportChecks(dir, baseConfig("walk_cycle", 4, 32))
	if err != nil {
		t.Fatalf("RunPreExportChecks() failed: %v", err)
	}
	if !report.Passed() {
		t.Errorf("expected clean staging to pass, checks: %+v", report.Checks)
	}
}

func TestRunPreExportChecks_DetectsFrameCountMismatch(t *testing.T) {
	dir := t.TempDir()
	stageFixture(t, dir, "walk_cycle", 3, 32)

	report, err := RunPreExportChecks(dir, baseConfig("walk_cycle", 5, 32))
	if err != nil {
		t.Fatalf("RunPreExportChecks() failed: %v", err)
	}
	if report.Passed() {
		t.Error("expected frame count mismatch to fail")
	}
}

func TestRunPreExportChecks_DetectsStrayFile(t *testing.T) {
	dir := t.TempDir()
	stageFixture(t, dir, "walk_cycle", 2, 32)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("oops"), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := RunPreExportChecks(dir, baseConfig("walk_cycle", 2, 32))
	if err != nil {
		t.Fatalf("RunPreExportChecks() failed: %v", err)
	}
	if report.Passed() {
		t.Error("expected a stray file to fail the checklist")
	}
}

func TestRunPreExportChecks_DetectsWrongDimensions(t *testing.T) {
	dir := t.TempDir()
	stageFixture(t, dir, "walk_cycle", 1, 32)
	// Overwrite frame 0 at the wrong size.
	path := filepath.Join(dir, StageName("walk_cycle", 0))
	if err := pixel.Save(path, solidRGBA(16, color.RGBA{A: 255})); err != nil {
		t.Fatal(err)
	}

	report, err := RunPreExportChecks(dir, baseConfig("walk_cycle", 1, 32))
	if err != nil {
		t.Fatalf("RunPreExportChecks() failed: %v", err)
	}
	if report.Passed() {
		t.Error("expected wrong dimensions to fail")
	}
}

func TestRunPreExportChecks_DetectsDuplicateHashes(t *testing.T) {
	dir := t.TempDir()
	img := solidRGBA(32, color.RGBA{R: 5, A: 255})
	if err := pixel.Save(filepath.Join(dir, StageName("walk_cycle", 0)), img); err != nil {
		t.Fatal(err)
	}
	if err := pixel.Save(filepath.Join(dir, StageName("walk_cycle", 1)), img); err != nil {
		t.Fatal(err)
	}

	report, err := RunPreExportChecks(dir, baseConfig("walk_cycle", 2, 32))
	if err != nil {
		t.Fatalf("RunPreExportChecks() failed: %v", err)
	}
	if report.Passed() {
		t.Error("expected identical frame bytes to fail the duplicate-hash check")
	}
}

func TestRunPreExportChecks_BBoxVarianceIsWarningOnly(t *testing.T) {
	dir := t.TempDir()
	// Frame 0: full 32x32 opaque. Frame 1: a small 2x2 opaque corner,
	// a drastic bbox-area swing that should trip the variance check
	// but must not fail the report overall (warning severity).
	full := solidRGBA(32, color.RGBA{R: 1, A: 255})
	tiny := image.NewRGBA(full.Bounds())
	tiny.SetRGBA(0, 0, color.RGBA{R: 1, A: 255})
	tiny.SetRGBA(1, 1, color.RGBA{R: 1, A: 255})

	if err := pixel.Save(filepath.Join(dir, StageName("walk_cycle", 0)), full); err != nil {
		t.Fatal(err)
	}
	if err := pixel.Save(filepath.Join(dir, StageName("walk_cycle", 1)), tiny); err != nil {
		t.Fatal(err)
	}

	report, err := RunPreExportChecks(dir, baseConfig("walk_cycle", 2, 32))
	if err != nil {
		t.Fatalf("RunPreExportChecks() failed: %v", err)
	}
	if !report.Passed() {
		t.Error("a warning-severity bbox variance failure must not fail the overall report")
	}
	found := false
	for _, c := range report.Checks {
		if c.Name == "opaque_bbox_variance_within_tolerance" {
			found = true
			if c.Passed {
				t.Error("expected the variance check itself to be reported as failed")
			}
			if c.Severity != SeverityWarning {
				t.Errorf("Severity = %s, want warning", c.Severity)
			}
		}
	}
	if !found {
		t.Fatal("opaque_bbox_variance_within_tolerance check not present in report")
	}
}
