package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgelab/spriteforge/pkg/generator"
	"github.com/forgelab/spriteforge/pkg/manifest"
	"github.com/forgelab/spriteforge/pkg/pixel"
	"github.com/forgelab/spriteforge/pkg/rng"
	"github.com/forgelab/spriteforge/pkg/runstate"
)

func solidAnchor(size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := size / 4; y < size-2; y++ {
		for x := size / 4; x < size-size/4; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 180, G: 60, B: 60, A: 255})
		}
	}
	return img
}

func testManifest(anchorPath string) *manifest.Manifest {
	return &manifest.Manifest{
		Identity: manifest.Identity{Character: "knight", Move: "idle", FrameCount: 2},
		Inputs: manifest.Inputs{
			AnchorPath: anchorPath,
			Palette:    []string{"#B43C3C", "#00000000"},
		},
		Canvas: manifest.Canvas{
			TargetSize:     32,
			GenerationSize: 32,
			Alignment:      manifest.Alignment{Method: "contact_patch", RootZoneRatio: 0.2, MaxShiftX: 4},
			Transparency:   manifest.Transparency{Strategy: "true_alpha"},
		},
		Auditor: manifest.Auditor{
			HardGates:          []string{"HF01", "HF02", "HF03", "HF04", "HF05"},
			SoftMetrics:        manifest.SoftMetricsConfig{Enabled: []string{"ssim"}, Thresholds: map[string]float64{"ssim": 0.5}},
			CompositeThreshold: 0.5,
		},
		Retry: manifest.Retry{
			Ladder: manifest.LadderConfig{
				ActionsEnabled:      []string{"REROLL_SEED", "TIGHTEN_NEGATIVE", "IDENTITY_RESCUE", "POSE_RESCUE", "TWO_STAGE_INPAINT", "POST_PROCESS", "RE_ANCHOR"},
				MaxAttemptsPerFrame: 3,
			},
			StopConditions: manifest.StopConditions{RetryRate: 1.0, RejectRate: 1.0, ConsecutiveFails: 10},
		},
		Export: manifest.Export{AtlasFormat: "json"},
		Generator: manifest.Generator{
			ModelID:     "mock",
			Temperature: 0.2,
			PromptTemplates: manifest.PromptTemplates{
				Master: "draw {character} {move}", Variation: "vary {character} {move}",
				Lock: "lock {character} {move}", Negative: "no {negative_terms}",
			},
		},
	}
}

// newTestOrchestrator builds an Orchestrator rooted in a fresh temp
// directory and returns it alongside the runsDir it was built with, so
// a caller can construct a second Orchestrator against the same run
// folder (resume tests).
func newTestOrchestrator(t *testing.T, gen generator.Generator) (*Orchestrator, string) {
	t.Helper()
	root := t.TempDir()
	anchorPath := filepath.Join(root, "anchor.png")
	if err := pixel.Save(anchorPath, solidAnchor(32)); err != nil {
		t.Fatalf("writing anchor fixture: %v", err)
	}
	m := testManifest(anchorPath)
	runsDir := BuildRunsDir(root, m.Identity.Character, m.Identity.Move)
	o := New(m, runsDir, "test-run", gen)
	o.Clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return o, runsDir
}

// fixtureGenerator serves pre-written candidate images keyed by (frame,
// attempt) instead of MockGenerator's tint fallback, so a test can
// control exactly which attempts pass audit and which don't.
type fixtureGenerator struct {
	images map[[2]int]*image.RGBA
}

func (g *fixtureGenerator) Generate(_ context.Context, req generator.Request) (generator.CandidateResult, error) {
	img, ok := g.images[[2]int{req.FrameIndex, req.AttemptIndex}]
	if !ok {
		return generator.CandidateResult{}, fmt.Errorf("fixtureGenerator: no image for frame %d attempt %d", req.FrameIndex, req.AttemptIndex)
	}
	outPath := filepath.Join(req.OutputDir, fmt.Sprintf("frame_%04d_try_%d.png", req.FrameIndex, req.AttemptIndex))
	if err := pixel.Save(outPath, img); err != nil {
		return generator.CandidateResult{}, err
	}
	return generator.CandidateResult{ImagePath: outPath}, nil
}

// exhaustedGenerator always errors; used to prove a resumed run never
// calls the generator for frames already approved.
type exhaustedGenerator struct{}

func (exhaustedGenerator) Generate(context.Context, generator.Request) (generator.CandidateResult, error) {
	return generator.CandidateResult{}, fmt.Errorf("exhaustedGenerator: should not be called")
}

func TestRun_ApprovesCleanFramesImmediately(t *testing.T) {
	anchor := solidAnchor(32)
	o, _ := newTestOrchestrator(t, &fixtureGenerator{images: map[[2]int]*image.RGBA{
		{0, 1}: anchor,
		{1, 1}: anchor,
	}})

	state, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if state.Status != runstate.StatusCompleted {
		t.Fatalf("status = %q, want %q", state.Status, runstate.StatusCompleted)
	}
	approved, failed, pending, inProgress := state.Totals()
	if approved != 2 || failed != 0 || pending != 0 || inProgress != 0 {
		t.Errorf("totals = (approved=%d failed=%d pending=%d inProgress=%d), want (2,0,0,0)", approved, failed, pending, inProgress)
	}
	for i := 0; i < 2; i++ {
		f, err := state.Frame(i)
		if err != nil {
			t.Fatalf("Frame(%d): %v", i, err)
		}
		if f.Attempts != 1 {
			t.Errorf("frame %d attempts = %d, want 1", i, f.Attempts)
		}
		if f.AttemptHistory[0].Strategy != "REROLL_SEED" {
			t.Errorf("frame %d first attempt strategy = %q, want REROLL_SEED", i, f.AttemptHistory[0].Strategy)
		}
		if _, err := os.Stat(f.ApprovedPath); err != nil {
			t.Errorf("frame %d approved path missing: %v", i, err)
		}
	}
	if _, err := os.Stat(o.Layout.SummaryPath()); err != nil {
		t.Errorf("expected summary.json to exist: %v", err)
	}
}

func TestRun_RetriesThenApprovesAfterTransientDrift(t *testing.T) {
	anchor := solidAnchor(32)
	fullyTransparent := image.NewRGBA(anchor.Bounds()) // every pixel alpha 0: fails HF02

	o, _ := newTestOrchestrator(t, &fixtureGenerator{images: map[[2]int]*image.RGBA{
		{0, 1}: fullyTransparent,
		{0, 2}: anchor,
		{1, 1}: anchor,
	}})

	state, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if state.Status != runstate.StatusCompleted {
		t.Fatalf("status = %q, want %q", state.Status, runstate.StatusCompleted)
	}
	f0, err := state.Frame(0)
	if err != nil {
		t.Fatalf("Frame(0): %v", err)
	}
	if f0.Status != runstate.FrameApproved {
		t.Fatalf("frame 0 status = %q, want approved", f0.Status)
	}
	if f0.Attempts != 2 {
		t.Fatalf("frame 0 attempts = %d, want 2", f0.Attempts)
	}
	if len(f0.AttemptHistory[0].ReasonCodes) == 0 {
		t.Errorf("expected attempt 1 to carry a hard-gate reason code")
	}
}

func TestRun_FrameGivesUpAfterAttemptCap(t *testing.T) {
	fullyTransparent := image.NewRGBA(image.Rect(0, 0, 32, 32))
	anchor := solidAnchor(32)

	o, _ := newTestOrchestrator(t, nil)
	o.Manifest.Retry.Ladder.MaxAttemptsPerFrame = 2
	gen := &fixtureGenerator{images: map[[2]int]*image.RGBA{{1, 1}: anchor}}
	// retry.Decide's attempt cap fires once the attempt that just ran
	// already exceeds MaxAttemptsPerFrame, so a cap of 2 still lets a
	// 3rd attempt run before the ladder stops.
	for attempt := 1; attempt <= 3; attempt++ {
		gen.images[[2]int{0, attempt}] = fullyTransparent
	}
	o.Generator = gen

	state, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	f0, err := state.Frame(0)
	if err != nil {
		t.Fatalf("Frame(0): %v", err)
	}
	if f0.Status != runstate.FrameFailed {
		t.Fatalf("frame 0 status = %q, want failed", f0.Status)
	}
	if f0.Attempts != 3 {
		t.Errorf("frame 0 attempts = %d, want 3", f0.Attempts)
	}
	overlayPath := filepath.Join(o.Layout.AuditDir(), "frame_0000_overlay.svg")
	if _, err := os.Stat(overlayPath); err != nil {
		t.Errorf("expected diagnostic overlay for failed frame: %v", err)
	}

	approved, failed, pending, inProgress := state.Totals()
	if failed != 1 || approved != 1 || pending != 0 || inProgress != 0 {
		t.Errorf("totals = (approved=%d failed=%d pending=%d inProgress=%d), want (1,1,0,0): a failed frame does not halt the run", approved, failed, pending, inProgress)
	}
}

func TestRun_ResumeSkipsApprovedFrames(t *testing.T) {
	anchor := solidAnchor(32)
	o, runsDir := newTestOrchestrator(t, &fixtureGenerator{images: map[[2]int]*image.RGBA{
		{0, 1}: anchor,
		{1, 1}: anchor,
	}})

	first, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("first Run() failed: %v", err)
	}

	o2 := New(o.Manifest, runsDir, o.RunID, exhaustedGenerator{})
	o2.Clock = o.Clock
	resumed, err := o2.Run(context.Background(), first)
	if err != nil {
		t.Fatalf("resumed Run() failed: %v", err)
	}
	if resumed.Status != runstate.StatusCompleted {
		t.Fatalf("resumed status = %q, want completed", resumed.Status)
	}
}

func TestRun_StopConditionHaltsRunAndWritesDiagnostic(t *testing.T) {
	fullyTransparent := image.NewRGBA(image.Rect(0, 0, 32, 32))

	o, _ := newTestOrchestrator(t, nil)
	o.Manifest.Identity.FrameCount = 3
	o.Manifest.Retry.Ladder.MaxAttemptsPerFrame = 1
	o.Manifest.Retry.StopConditions = manifest.StopConditions{ConsecutiveFails: 1, RetryRate: 1.0, RejectRate: 1.0}
	gen := &fixtureGenerator{images: map[[2]int]*image.RGBA{}}
	for frame := 0; frame < 3; frame++ {
		for attempt := 1; attempt <= 2; attempt++ {
			gen.images[[2]int{frame, attempt}] = fullyTransparent
		}
	}
	o.Generator = gen

	state, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if state.Status != runstate.StatusStopped {
		t.Fatalf("status = %q, want %q", state.Status, runstate.StatusStopped)
	}
	if _, err := os.Stat(o.Layout.DiagnosticPath()); err != nil {
		t.Errorf("expected diagnostic.json on a stopped run: %v", err)
	}
}

func TestRun_CancelledContextHaltsAtSafeBoundary(t *testing.T) {
	anchor := solidAnchor(32)
	o, _ := newTestOrchestrator(t, &fixtureGenerator{images: map[[2]int]*image.RGBA{
		{0, 1}: anchor,
		{1, 1}: anchor,
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state, err := o.Run(ctx, nil)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if state.Status != runstate.StatusStopped {
		t.Errorf("status = %q, want %q", state.Status, runstate.StatusStopped)
	}
}

func TestBackoffDelay_BoundedJitterAndDeterminism(t *testing.T) {
	r1 := rng.NewRNG(masterSeedFromRunID("run-a"), "retry_backoff", []byte("cfg"))
	r2 := rng.NewRNG(masterSeedFromRunID("run-a"), "retry_backoff", []byte("cfg"))

	for streak := 1; streak <= 6; streak++ {
		base := time.Second << uint(streak-1)
		if base > 16*time.Second {
			base = 16 * time.Second
		}
		d1 := backoffDelay(streak, r1)
		d2 := backoffDelay(streak, r2)
		if d1 != d2 {
			t.Fatalf("streak %d: backoffDelay not deterministic for identical RNG seeds: %v != %v", streak, d1, d2)
		}
		if d1 < base || d1 > base+base/4 {
			t.Errorf("streak %d: backoffDelay = %v, want within [%v, %v]", streak, d1, base, base+base/4)
		}
	}
}

func TestBackoffDelay_DifferentRunIDsDiverge(t *testing.T) {
	a := rng.NewRNG(masterSeedFromRunID("run-a"), "retry_backoff", []byte("cfg"))
	b := rng.NewRNG(masterSeedFromRunID("run-b"), "retry_backoff", []byte("cfg"))

	same := true
	for streak := 1; streak <= 6; streak++ {
		if backoffDelay(streak, a) != backoffDelay(streak, b) {
			same = false
		}
	}
	if same {
		t.Error("expected different run_ids to produce at least one different jittered delay")
	}
}
