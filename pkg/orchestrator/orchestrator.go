package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/forgelab/spriteforge/pkg/anchor"
	"github.com/forgelab/spriteforge/pkg/audit"
	"github.com/forgelab/spriteforge/pkg/export"
	"github.com/forgelab/spriteforge/pkg/generator"
	"github.com/forgelab/spriteforge/pkg/manifest"
	"github.com/forgelab/spriteforge/pkg/pixel"
	"github.com/forgelab/spriteforge/pkg/retry"
	"github.com/forgelab/spriteforge/pkg/rng"
	"github.com/forgelab/spriteforge/pkg/runstate"
)

// State names the orchestrator's current position in the run state
// machine: INIT -> GENERATING -> AUDITING -> RETRY_DECIDING ->
// APPROVING -> NEXT_FRAME -> COMPLETED, with STOPPED reachable from
// RETRY_DECIDING or NEXT_FRAME.
type State string

const (
	StateInit          State = "INIT"
	StateGenerating    State = "GENERATING"
	StateAuditing      State = "AUDITING"
	StateRetryDeciding State = "RETRY_DECIDING"
	StateApproving     State = "APPROVING"
	StateNextFrame     State = "NEXT_FRAME"
	StateCompleted     State = "COMPLETED"
	StateStopped       State = "STOPPED"
)

// DefaultDriftFloor is the previous-frame reference inclusion
// threshold: below this identity score, the previous frame is
// excluded from the reference stack.
const DefaultDriftFloor = 0.9

// maxRetryableBackoffs bounds the backpressure loop for retryable
// generator errors before giving up on the attempt as a non-retryable
// system failure.
const maxRetryableBackoffs = 5

// backoffDelay is bounded exponential backoff: 1s, 2s, 4s, 8s, capped
// at 16s, plus up to 25% jitter from r so that repeated retryable
// failures across frames don't all wake up in lockstep.
func backoffDelay(streak int, r *rng.RNG) time.Duration {
	d := time.Second << uint(streak-1)
	if cap := 16 * time.Second; d > cap {
		d = cap
	}
	jitter := r.Float64Range(0.0, 0.25)
	return d + time.Duration(float64(d)*jitter)
}

// ErrAborted is returned when the run halts because ctx was canceled
// at a safe state-machine boundary.
var ErrAborted = errors.New("orchestrator: run aborted")

// NewRunID mints a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// BuildRunsDir returns the runs/{character}/{move} directory a fresh
// run_id is created under.
func BuildRunsDir(outputRoot, character, move string) string {
	return filepath.Join(outputRoot, "runs", character, move)
}

// Orchestrator drives one run of the state machine for a single
// manifest. It owns the run folder lock for the run's lifetime and is
// the sole mutator of RunState.
type Orchestrator struct {
	Manifest   *manifest.Manifest
	Layout     runstate.RunFolderLayout
	Generator  generator.Generator
	RunID      string
	DriftFloor float64
	Logger     *log.Logger
	Clock      func() time.Time
	IsAlive    func(pid int) bool // liveness check for AcquireLock; nil treats any existing lock as live

	backoffRNG *rng.RNG // lazily derived in init(), drives backoffDelay's jitter
}

// masterSeedFromRunID derives a deterministic master seed for rng.NewRNG
// from the run_id string, the same way generator.Seed derives its
// per-attempt seed from run_id/frame/attempt: a content hash, not a
// counter, so it is stable across resumes.
func masterSeedFromRunID(runID string) uint64 {
	sum := sha256.Sum256([]byte(runID))
	return binary.BigEndian.Uint64(sum[:8])
}

// New builds an Orchestrator for a fresh or resumed run rooted at
// runsDir/runID.
func New(m *manifest.Manifest, runsDir, runID string, gen generator.Generator) *Orchestrator {
	return &Orchestrator{
		Manifest:  m,
		Layout:    runstate.NewRunFolderLayout(runsDir, runID),
		Generator: gen,
		RunID:     runID,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now()
}

func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}

func (o *Orchestrator) driftFloor() float64 {
	if o.DriftFloor > 0 {
		return o.DriftFloor
	}
	return DefaultDriftFloor
}

// init performs the INIT state: run folder creation, lock
// acquisition, anchor analysis, and initial state persistence. Pass a
// non-nil resume to continue an existing run.
func (o *Orchestrator) init(resume *runstate.RunState) (*runstate.RunState, *anchor.Analysis, error) {
	if err := o.Layout.EnsureDirs(); err != nil {
		return nil, nil, fmt.Errorf("INIT: %w", err)
	}
	now := o.now()
	if err := runstate.AcquireLock(o.Layout, now, o.IsAlive); err != nil {
		return nil, nil, fmt.Errorf("INIT: %w", err)
	}

	anchorAnalysis, err := anchor.Analyze(o.Manifest.Inputs.AnchorPath, o.Manifest.Canvas.Alignment.RootZoneRatio)
	if err != nil {
		runstate.ReleaseLock(o.Layout)
		return nil, nil, fmt.Errorf("INIT: analyzing anchor: %w", err)
	}
	if err := runstate.WriteAtomicJSON(o.Layout.AnchorAnalysisPath(), anchorAnalysis); err != nil {
		runstate.ReleaseLock(o.Layout)
		return nil, nil, fmt.Errorf("INIT: persisting anchor analysis: %w", err)
	}

	manifestHash, err := o.Manifest.Hash()
	if err != nil {
		runstate.ReleaseLock(o.Layout)
		return nil, nil, fmt.Errorf("INIT: hashing manifest: %w", err)
	}
	o.backoffRNG = rng.NewRNG(masterSeedFromRunID(o.RunID), "retry_backoff", manifestHash)
	if snapshot, err := json.MarshalIndent(o.Manifest, "", "  "); err == nil {
		_ = os.WriteFile(o.Layout.ManifestSnapshotPath(), snapshot, 0o644)
	}

	state := resume
	if state == nil {
		state = runstate.NewRunState(o.RunID, manifestHash, o.Manifest.Identity.FrameCount, now)
	}
	state.Status = runstate.StatusRunning
	if err := state.Save(o.Layout, now); err != nil {
		runstate.ReleaseLock(o.Layout)
		return nil, nil, fmt.Errorf("INIT: persisting initial state: %w", err)
	}

	return state, anchorAnalysis, nil
}

// Run executes INIT through COMPLETED or STOPPED. Pass a non-nil
// resume to continue an existing run; frames already approved are
// skipped without re-auditing.
func (o *Orchestrator) Run(ctx context.Context, resume *runstate.RunState) (*runstate.RunState, error) {
	state, anchorAnalysis, err := o.init(resume)
	if err != nil {
		return nil, err
	}
	defer runstate.ReleaseLock(o.Layout)

	var stats retry.Stats
	codeCounts := map[string]int{}
	exampleFrames := map[string]int{}

	var prevApprovedPath string
	var prevIdentityScore float64
	if state.CurrentFrame > 0 {
		prevApprovedPath, prevIdentityScore = o.lastApproved(state, state.CurrentFrame-1)
	}

	frameIdx := state.CurrentFrame
	for frameIdx < len(state.Frames) {
		if ctx.Err() != nil {
			return o.haltAborted(state)
		}

		frame, ferr := state.Frame(frameIdx)
		if ferr != nil {
			return nil, ferr
		}
		if frame.Status == runstate.FrameApproved {
			frameIdx++
			state.CurrentFrame = frameIdx
			continue
		}

		outcome, err := o.runFrame(ctx, state, frameIdx, anchorAnalysis, prevApprovedPath, prevIdentityScore)
		if err != nil {
			if errors.Is(err, ErrAborted) {
				return o.haltAborted(state)
			}
			return nil, err
		}

		stats.AttemptedFrames++
		stats.CumulativeAttempts += frame.Attempts
		if frame.Attempts > 1 {
			stats.RetriedFrames++
		}
		for _, rec := range frame.AttemptHistory {
			for _, c := range rec.ReasonCodes {
				codeCounts[c]++
				exampleFrames[c] = frameIdx
			}
		}

		if outcome.Approved {
			stats.ConsecutiveFails = 0
			prevApprovedPath = outcome.ApprovedPath
			prevIdentityScore = outcome.IdentityScore
		} else {
			stats.FailedFrames++
			stats.ConsecutiveFails++
		}

		frameIdx++
		state.CurrentFrame = frameIdx
		if err := state.Save(o.Layout, o.now()); err != nil {
			return nil, fmt.Errorf("persisting state after frame %d: %w", frameIdx-1, err)
		}

		if decision := retry.EvaluateStopConditions(stats, o.Manifest.Retry.StopConditions); decision.ShouldStop {
			return o.haltStopped(state, decision.Reason, codeCounts, exampleFrames)
		}
	}

	state.Status = runstate.StatusCompleted
	if err := state.Save(o.Layout, o.now()); err != nil {
		return nil, fmt.Errorf("persisting completed state: %w", err)
	}
	if err := o.writeSummary(state); err != nil {
		return nil, err
	}
	return state, nil
}

func (o *Orchestrator) haltAborted(state *runstate.RunState) (*runstate.RunState, error) {
	state.Status = runstate.StatusStopped
	if err := state.Save(o.Layout, o.now()); err != nil {
		return nil, fmt.Errorf("persisting aborted state: %w", err)
	}
	if err := o.writeSummary(state); err != nil {
		return nil, err
	}
	return state, ErrAborted
}

func (o *Orchestrator) haltStopped(state *runstate.RunState, reason string, codeCounts, exampleFrames map[string]int) (*runstate.RunState, error) {
	state.Status = runstate.StatusStopped
	if err := state.Save(o.Layout, o.now()); err != nil {
		return nil, fmt.Errorf("persisting stopped state: %w", err)
	}
	diag := retry.BuildDiagnostic(reason, codeCounts, exampleFrames)
	if err := runstate.WriteAtomicJSON(o.Layout.DiagnosticPath(), diag); err != nil {
		return nil, fmt.Errorf("writing diagnostic.json: %w", err)
	}
	if err := o.writeSummary(state); err != nil {
		return nil, err
	}
	return state, nil
}

// runSummary is written to summary.json at every terminal state.
type runSummary struct {
	RunID          string `json:"run_id"`
	Status         string `json:"status"`
	ApprovedFrames int    `json:"approved_frames"`
	FailedFrames   int    `json:"failed_frames"`
	PendingFrames  int    `json:"pending_frames"`
	TotalFrames    int    `json:"total_frames"`
	GeneratedAt    string `json:"generated_at"`
}

func (o *Orchestrator) writeSummary(state *runstate.RunState) error {
	approved, failed, pending, inProgress := state.Totals()
	summary := runSummary{
		RunID:          state.RunID,
		Status:         string(state.Status),
		ApprovedFrames: approved,
		FailedFrames:   failed,
		PendingFrames:  pending + inProgress,
		TotalFrames:    len(state.Frames),
		GeneratedAt:    o.now().UTC().Format(time.RFC3339),
	}
	if err := runstate.WriteAtomicJSON(o.Layout.SummaryPath(), summary); err != nil {
		return fmt.Errorf("writing summary.json: %w", err)
	}
	return nil
}

// lastApproved loads the most recently approved frame at or before
// idx, and the SSIM identity score recorded for it, for resume
// continuity of frame-to-frame chaining.
func (o *Orchestrator) lastApproved(state *runstate.RunState, idx int) (path string, identityScore float64) {
	for i := idx; i >= 0; i-- {
		f, err := state.Frame(i)
		if err != nil || f.Status != runstate.FrameApproved {
			continue
		}
		score := 1.0
		if data, err := os.ReadFile(o.Layout.FrameMetricsPath(i)); err == nil {
			var report audit.Report
			if json.Unmarshal(data, &report) == nil {
				score = identityScoreFrom(&report)
			}
		}
		return f.ApprovedPath, score
	}
	return "", 0
}

// frameOutcome is runFrame's verdict for one frame.
type frameOutcome struct {
	Approved      bool
	ApprovedPath  string
	IdentityScore float64
}

// runFrame drives GENERATING -> AUDITING -> RETRY_DECIDING -> (loop or
// APPROVING) for a single frame.
func (o *Orchestrator) runFrame(ctx context.Context, state *runstate.RunState, frameIdx int, anchorAnalysis *anchor.Analysis, prevApprovedPath string, prevIdentityScore float64) (frameOutcome, error) {
	m := o.Manifest
	frame, err := state.Frame(frameIdx)
	if err != nil {
		return frameOutcome{}, err
	}
	frame.Status = runstate.FrameInProgress

	var history []retry.AttemptOutcome
	action := retry.ActionRerollSeed
	var lastCandidatePath string
	backoffStreak := 0

	for {
		if ctx.Err() != nil {
			return frameOutcome{}, ErrAborted
		}
		attemptNumber := len(history) + 1

		usePrev := prevApprovedPath != "" && prevIdentityScore >= o.driftFloor() && action != retry.ActionReAnchor
		strategy := templateStrategyFor(action)

		prevPathForPrompt := ""
		if usePrev {
			prevPathForPrompt = prevApprovedPath
		}
		prompt := generator.AssemblePrompt(m.Inputs.AnchorPath, prevPathForPrompt, prevIdentityScore, o.driftFloor(), strategy, m.Generator.PromptTemplates)
		params := generator.LockParams(m.Generator.Temperature, o.Logger)
		seed := generator.Seed(o.RunID, frameIdx, attemptNumber)

		req := generator.Request{
			RunID:        o.RunID,
			FrameIndex:   frameIdx,
			AttemptIndex: attemptNumber,
			Prompt:       prompt,
			Params:       params,
			OutputDir:    o.Layout.CandidatesDir(),
		}

		attemptStart := o.now()
		candidate, genErr := o.Generator.Generate(ctx, req)
		if genErr != nil {
			if generator.ClassifyError(genErr) == generator.ErrorRetryable && backoffStreak < maxRetryableBackoffs {
				backoffStreak++
				wait := backoffDelay(backoffStreak, o.backoffRNG)
				o.logf("frame %d attempt %d: retryable generator error, backing off %s (not consuming attempt): %v", frameIdx, attemptNumber, wait, genErr)
				select {
				case <-ctx.Done():
					return frameOutcome{}, ErrAborted
				case <-time.After(wait):
				}
				continue
			}
			frame.Status = runstate.FrameFailed
			frame.LastError = genErr.Error()
			return frameOutcome{}, fmt.Errorf("frame %d attempt %d: generator error (SYS_GENERATOR): %w", frameIdx, attemptNumber, genErr)
		}
		backoffStreak = 0
		lastCandidatePath = candidate.ImagePath
		frame.LastCandidatePath = candidate.ImagePath

		var prevImg *image.RGBA
		if usePrev {
			prevImg, err = pixel.Load(prevApprovedPath)
			if err != nil {
				return frameOutcome{}, fmt.Errorf("loading previous approved frame %s: %w", prevApprovedPath, err)
			}
		}

		report, auditErr := audit.Audit(candidate.ImagePath, frameIdx, audit.Context{
			Manifest:       m,
			AnchorAnalysis: anchorAnalysis,
			PrevApproved:   prevImg,
			WorkDir:        o.Layout.CandidatesDir(),
		})
		if auditErr != nil {
			return frameOutcome{}, fmt.Errorf("frame %d attempt %d: audit failed: %w", frameIdx, attemptNumber, auditErr)
		}

		record := runstate.AttemptRecord{
			AttemptNumber: attemptNumber,
			Seed:          seed,
			PromptHash:    promptHash(prompt),
			ReasonCodes:   reasonCodeStrings(report.ReasonCodes),
			Score:         report.CompositeScore,
			Strategy:      string(action),
			UsedPrevFrame: usePrev,
			Timestamp:     o.now().UTC().Format(time.RFC3339),
			DurationMs:    o.now().Sub(attemptStart).Milliseconds(),
		}
		frame.Attempts++
		frame.AttemptHistory = append(frame.AttemptHistory, record)

		if err := runstate.WriteAtomicJSON(o.Layout.FrameMetricsPath(frameIdx), report); err != nil {
			return frameOutcome{}, fmt.Errorf("persisting frame %d metrics: %w", frameIdx, err)
		}
		if err := appendAuditLog(o.Layout.AuditLogPath(), frameIdx, record); err != nil {
			return frameOutcome{}, fmt.Errorf("appending audit log: %w", err)
		}
		if err := state.Save(o.Layout, o.now()); err != nil {
			return frameOutcome{}, fmt.Errorf("persisting state after frame %d attempt %d: %w", frameIdx, attemptNumber, err)
		}

		hardPassed := len(report.HardGates) > 0 && report.HardGates[0].Passed
		if hardPassed && !report.ShouldRetry {
			approvedPath := o.Layout.ApprovedPath(frameIdx)
			if err := moveFile(candidate.ImagePath, approvedPath); err != nil {
				return frameOutcome{}, fmt.Errorf("moving frame %d to approved: %w", frameIdx, err)
			}
			frame.Status = runstate.FrameApproved
			frame.ApprovedPath = approvedPath
			return frameOutcome{Approved: true, ApprovedPath: approvedPath, IdentityScore: identityScoreFrom(report)}, nil
		}

		decision := retry.Decide(retry.Input{
			CurrentReasonCodes:  report.ReasonCodes,
			History:             history,
			MaxAttemptsPerFrame: m.Retry.Ladder.MaxAttemptsPerFrame,
			ActionsEnabled:      m.Retry.Ladder.ActionsEnabled,
			Localized:           false,
		})
		if decision.Action == retry.ActionStop {
			frame.Status = runstate.FrameFailed
			frame.LastError = decision.Reason
			o.saveFailureOverlay(frameIdx, anchorAnalysis, lastCandidatePath)
			return frameOutcome{Approved: false}, nil
		}

		history = append(history, retry.AttemptOutcome{
			AttemptNumber: attemptNumber,
			ReasonCodes:   report.ReasonCodes,
			ActionTaken:   action,
			UsedPrevFrame: usePrev,
		})
		action = decision.Action
	}
}

func templateStrategyFor(action retry.Action) generator.TemplateStrategy {
	switch action {
	case retry.ActionIdentityRescue, retry.ActionReAnchor:
		return generator.TemplateStrictLock
	case retry.ActionPoseRescue:
		return generator.TemplateVariationPerFrame
	default:
		return generator.TemplateMaster
	}
}

func identityScoreFrom(report *audit.Report) float64 {
	for _, m := range report.Metrics {
		if m.Name == audit.MetricSSIM {
			return m.Quality
		}
	}
	return 1.0
}

func promptHash(p generator.PromptAssembly) string {
	sum := sha256.Sum256([]byte(p.Hierarchy + "\x1f" + p.ResolvedText + "\x1f" + p.NegativeText))
	return hex.EncodeToString(sum[:])
}

func reasonCodeStrings(codes []audit.ReasonCode) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = string(c)
	}
	return out
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return os.Remove(src)
}

func appendAuditLog(path string, frameIdx int, record runstate.AttemptRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	entry := struct {
		FrameIndex int `json:"frame_index"`
		runstate.AttemptRecord
	}{FrameIndex: frameIdx, AttemptRecord: record}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// saveFailureOverlay writes a diagnostic SVG comparing the last
// candidate against the anchor for a frame the ladder gave up on
// (best-effort: a rendering failure here must not fail the run).
func (o *Orchestrator) saveFailureOverlay(frameIdx int, anchorAnalysis *anchor.Analysis, candidatePath string) {
	if candidatePath == "" {
		return
	}
	candidate, err := pixel.Load(candidatePath)
	if err != nil {
		o.logf("frame %d: could not load candidate for overlay: %v", frameIdx, err)
		return
	}
	anchorImg, err := pixel.Load(o.Manifest.Inputs.AnchorPath)
	if err != nil {
		o.logf("frame %d: could not load anchor for overlay: %v", frameIdx, err)
		return
	}
	overlayPath := filepath.Join(o.Layout.AuditDir(), fmt.Sprintf("frame_%04d_overlay.svg", frameIdx))
	if err := export.SaveOverlay(overlayPath, candidate, anchorImg, o.Manifest.Canvas.Alignment.RootZoneRatio, export.DefaultOverlayOptions()); err != nil {
		o.logf("frame %d: could not write diagnostic overlay: %v", frameIdx, err)
	}
}

