package runstate

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Status is RunState's top-level lifecycle value.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusStopped     Status = "stopped"
	StatusFailed      Status = "failed"
)

// FrameStatus is one frame's lifecycle value.
type FrameStatus string

const (
	FramePending    FrameStatus = "pending"
	FrameInProgress FrameStatus = "in_progress"
	FrameApproved   FrameStatus = "approved"
	FrameFailed     FrameStatus = "failed"
)

// AttemptRecord is one generation attempt for a frame. Strategy is the
// retry-ladder action that produced this attempt (REROLL_SEED for a
// frame's first attempt); UsedPrevFrame records whether the previous
// approved frame was included as a reference image, which the retry
// ladder's RE_ANCHOR collapse/chain detection needs to reconstruct
// across a resumed run.
type AttemptRecord struct {
	AttemptNumber int      `json:"attempt_number"`
	Seed          uint32   `json:"seed"`
	PromptHash    string   `json:"prompt_hash"`
	ReasonCodes   []string `json:"reason_codes"`
	Score         float64  `json:"score"`
	Strategy      string   `json:"strategy"`
	UsedPrevFrame bool     `json:"used_prev_frame"`
	Timestamp     string   `json:"timestamp"`
	DurationMs    int64    `json:"duration_ms"`
}

// FrameState tracks one frame's progress through the Orchestrator.
type FrameState struct {
	Index             int             `json:"index"`
	Status            FrameStatus     `json:"status"`
	Attempts          int             `json:"attempts"`
	ApprovedPath      string          `json:"approved_path,omitempty"`
	LastCandidatePath string          `json:"last_candidate_path,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	AttemptHistory    []AttemptRecord `json:"attempt_history"`
}

// RunState is the Orchestrator's full persisted state. It is
// append-on-transition: the Orchestrator is the sole mutator, every
// other component gets a read-only view.
type RunState struct {
	RunID          string       `json:"run_id"`
	ManifestHash   string       `json:"manifest_hash"`
	Status         Status       `json:"status"`
	CurrentFrame   int          `json:"current_frame"`
	CurrentAttempt int          `json:"current_attempt"`
	Frames         []FrameState `json:"frames"`
	CreatedAt      string       `json:"created_at"`
	UpdatedAt      string       `json:"updated_at"`
}

// NewRunState builds an initialized RunState for a run of frameCount
// frames, all starting pending.
func NewRunState(runID string, manifestHash []byte, frameCount int, now time.Time) *RunState {
	frames := make([]FrameState, frameCount)
	for i := range frames {
		frames[i] = FrameState{Index: i, Status: FramePending}
	}
	ts := now.UTC().Format(time.RFC3339)
	return &RunState{
		RunID:        runID,
		ManifestHash: hex.EncodeToString(manifestHash),
		Status:       StatusInitialized,
		Frames:       frames,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
}

// Totals reports frame counts by status, used to check the
// approved+failed+pending = total_frames invariant.
func (s *RunState) Totals() (approved, failed, pending, inProgress int) {
	for _, f := range s.Frames {
		switch f.Status {
		case FrameApproved:
			approved++
		case FrameFailed:
			failed++
		case FramePending:
			pending++
		case FrameInProgress:
			inProgress++
		}
	}
	return
}

// Frame retrieves the FrameState at index, bounds-checked.
func (s *RunState) Frame(index int) (*FrameState, error) {
	if index < 0 || index >= len(s.Frames) {
		return nil, fmt.Errorf("frame index %d out of range [0,%d)", index, len(s.Frames))
	}
	return &s.Frames[index], nil
}

// RunFolderLayout is the directory/file naming scheme under
// runs/{run_id}.
type RunFolderLayout struct {
	Root string
}

// NewRunFolderLayout returns the layout rooted at runsDir/runID.
func NewRunFolderLayout(runsDir, runID string) RunFolderLayout {
	return RunFolderLayout{Root: filepath.Join(runsDir, runID)}
}

func (l RunFolderLayout) LockPath() string {
	return filepath.Join(l.Root, "lock")
}

func (l RunFolderLayout) StatePath() string {
	return filepath.Join(l.Root, "state.json")
}

func (l RunFolderLayout) ManifestSnapshotPath() string {
	return filepath.Join(l.Root, "manifest.snapshot.json")
}

func (l RunFolderLayout) AnchorAnalysisPath() string {
	return filepath.Join(l.Root, "anchor_analysis.json")
}

func (l RunFolderLayout) CandidatesDir() string {
	return filepath.Join(l.Root, "candidates")
}

func (l RunFolderLayout) ApprovedDir() string {
	return filepath.Join(l.Root, "approved")
}

func (l RunFolderLayout) RejectedDir() string {
	return filepath.Join(l.Root, "rejected")
}

func (l RunFolderLayout) AuditDir() string {
	return filepath.Join(l.Root, "audit")
}

func (l RunFolderLayout) AuditLogPath() string {
	return filepath.Join(l.AuditDir(), "audit_log.jsonl")
}

func (l RunFolderLayout) ExportStagingDir(move string) string {
	return filepath.Join(l.Root, "export_staging", move)
}

func (l RunFolderLayout) ExportDir() string {
	return filepath.Join(l.Root, "export")
}

func (l RunFolderLayout) DiagnosticPath() string {
	return filepath.Join(l.Root, "diagnostic.json")
}

func (l RunFolderLayout) SummaryPath() string {
	return filepath.Join(l.Root, "summary.json")
}

// CandidatePath returns candidates/frame_{i:04d}_try_{k}.png.
func (l RunFolderLayout) CandidatePath(frameIndex, attempt int) string {
	return filepath.Join(l.CandidatesDir(), fmt.Sprintf("frame_%04d_try_%d.png", frameIndex, attempt))
}

// ApprovedPath returns approved/frame_{i:04d}.png.
func (l RunFolderLayout) ApprovedPath(frameIndex int) string {
	return filepath.Join(l.ApprovedDir(), fmt.Sprintf("frame_%04d.png", frameIndex))
}

// FrameMetricsPath returns audit/frame_{i:04d}_metrics.json.
func (l RunFolderLayout) FrameMetricsPath(frameIndex int) string {
	return filepath.Join(l.AuditDir(), fmt.Sprintf("frame_%04d_metrics.json", frameIndex))
}

// EnsureDirs creates every directory the layout names.
func (l RunFolderLayout) EnsureDirs() error {
	dirs := []string{l.Root, l.CandidatesDir(), l.ApprovedDir(), l.RejectedDir(), l.AuditDir(), l.ExportDir()}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating run folder directory %s: %w", d, err)
		}
	}
	return nil
}

// WriteAtomic writes data to path by writing a temp file in the same
// directory (path's base name + ".tmp-" + a random suffix), fsyncing,
// then renaming over the destination. Never writes the destination
// path directly, so a crash mid-write leaves the previous version
// intact.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming temp file into %s: %w", path, err)
	}
	return nil
}

// WriteAtomicJSON marshals v and writes it through WriteAtomic. Used
// for state.json, anchor_analysis.json, frame metrics, summary.json,
// and diagnostic.json.
func WriteAtomicJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	return WriteAtomic(path, data)
}

// Save persists RunState to the layout's state.json, bumping
// UpdatedAt, via WriteAtomicJSON.
func (s *RunState) Save(layout RunFolderLayout, now time.Time) error {
	s.UpdatedAt = now.UTC().Format(time.RFC3339)
	return WriteAtomicJSON(layout.StatePath(), s)
}

// Load reads a RunState back from a run folder's state.json.
func Load(layout RunFolderLayout) (*RunState, error) {
	data, err := os.ReadFile(layout.StatePath())
	if err != nil {
		return nil, fmt.Errorf("reading state.json: %w", err)
	}
	var s RunState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing state.json: %w", err)
	}
	return &s, nil
}

// Lock describes the contents of a run folder's lock file: the owning
// process's PID and when it started the run.
type Lock struct {
	PID       int
	StartedAt time.Time
}

// AcquireLock writes a lock file at layout.LockPath(), refusing if a
// live lock already exists there. isAlive lets
// callers supply platform-specific liveness checking (e.g. os.FindProcess
// plus signal 0 on Unix); passing nil treats any existing lock as live.
func AcquireLock(layout RunFolderLayout, now time.Time, isAlive func(pid int) bool) error {
	existing, err := ReadLock(layout)
	if err == nil {
		alive := true
		if isAlive != nil {
			alive = isAlive(existing.PID)
		}
		if alive {
			return fmt.Errorf("run folder is locked by pid %d since %s", existing.PID, existing.StartedAt.Format(time.RFC3339))
		}
	}
	contents := fmt.Sprintf("%d\n%s\n", os.Getpid(), now.UTC().Format(time.RFC3339))
	return WriteAtomic(layout.LockPath(), []byte(contents))
}

// ReadLock parses an existing lock file, if any.
func ReadLock(layout RunFolderLayout) (*Lock, error) {
	data, err := os.ReadFile(layout.LockPath())
	if err != nil {
		return nil, err
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	if len(lines) != 2 {
		return nil, errors.New("malformed lock file")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return nil, fmt.Errorf("parsing lock pid: %w", err)
	}
	startedAt, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1]))
	if err != nil {
		return nil, fmt.Errorf("parsing lock timestamp: %w", err)
	}
	return &Lock{PID: pid, StartedAt: startedAt}, nil
}

// ReleaseLock removes the run folder's lock file. Best-effort: a
// missing lock file is not an error.
func ReleaseLock(layout RunFolderLayout) error {
	if err := os.Remove(layout.LockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// ResumePlan is what FindResumable reports about a candidate run
// folder: whether it can be resumed and from which frame.
type ResumePlan struct {
	Found         bool
	RunID         string
	State         *RunState
	ResumeFromIdx int // first frame index that is not approved
}

// FindResumable looks for an existing run folder for runID under
// runsDir whose manifest_hash matches, and verifies every frame it
// claims as approved still has its image on disk. It
// does not mutate anything; the caller decides whether to actually
// resume.
func FindResumable(runsDir, runID string, manifestHash []byte, fileExists func(string) bool) (ResumePlan, error) {
	layout := NewRunFolderLayout(runsDir, runID)
	if _, err := os.Stat(layout.StatePath()); err != nil {
		return ResumePlan{}, nil
	}
	state, err := Load(layout)
	if err != nil {
		return ResumePlan{}, fmt.Errorf("loading existing run state: %w", err)
	}
	wantHash := hex.EncodeToString(manifestHash)
	if state.ManifestHash != wantHash {
		return ResumePlan{}, nil
	}

	if fileExists == nil {
		fileExists = func(p string) bool {
			_, err := os.Stat(p)
			return err == nil
		}
	}

	resumeFrom := len(state.Frames)
	for i := range state.Frames {
		f := &state.Frames[i]
		if f.Status != FrameApproved {
			if resumeFrom == len(state.Frames) {
				resumeFrom = i
			}
			continue
		}
		if f.ApprovedPath == "" || !fileExists(f.ApprovedPath) {
			// An approved frame whose file vanished can no longer be
			// trusted; downgrade it to pending and resume no later than
			// it. Later approved frames whose files exist stay approved.
			f.Status = FramePending
			f.ApprovedPath = ""
			if resumeFrom > i {
				resumeFrom = i
			}
		}
	}

	return ResumePlan{Found: true, RunID: runID, State: state, ResumeFromIdx: resumeFrom}, nil
}
