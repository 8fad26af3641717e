package retry

import (
	"fmt"
	"sort"

	"github.com/forgelab/spriteforge/pkg/audit"
	"github.com/forgelab/spriteforge/pkg/manifest"
)

// Action is a retry-ladder action name.
type Action string

const (
	ActionRerollSeed      Action = "REROLL_SEED"
	ActionTightenNegative Action = "TIGHTEN_NEGATIVE"
	ActionIdentityRescue  Action = "IDENTITY_RESCUE"
	ActionPoseRescue      Action = "POSE_RESCUE"
	ActionTwoStageInpaint Action = "TWO_STAGE_INPAINT"
	ActionPostProcess     Action = "POST_PROCESS"
	ActionReAnchor        Action = "RE_ANCHOR"
	ActionStop            Action = "STOP"
)

// CodeHardCollapse is the orchestrator-synthesized code emitted
// when the ladder detects identity collapse.
const CodeHardCollapse = "HF_IDENTITY_COLLAPSE"

// levelOf orders actions for the oscillation "skip forward" rule.
var levelOf = map[Action]int{
	ActionRerollSeed:      1,
	ActionTightenNegative: 2,
	ActionIdentityRescue:  3,
	ActionPoseRescue:      4,
	ActionTwoStageInpaint: 5,
	ActionPostProcess:     6,
	ActionReAnchor:        7,
	ActionStop:            8,
}

var actionByLevel = map[int]Action{
	1: ActionRerollSeed,
	2: ActionTightenNegative,
	3: ActionIdentityRescue,
	4: ActionPoseRescue,
	5: ActionTwoStageInpaint,
	6: ActionPostProcess,
	7: ActionReAnchor,
	8: ActionStop,
}

// AttemptOutcome is the ladder's view of one past attempt for the frame
// under decision.
type AttemptOutcome struct {
	AttemptNumber int
	ReasonCodes   []audit.ReasonCode
	ActionTaken   Action
	UsedPrevFrame bool // this attempt chained from the previous approved frame
}

// Input bundles everything Decide needs to pick the next action.
type Input struct {
	CurrentReasonCodes  []audit.ReasonCode
	Severities          map[audit.ReasonCode]float64 // optional, 0 (clean) .. 1 (severe); enables the POST_PROCESS "small" check
	History             []AttemptOutcome             // prior attempts for this frame only, oldest first
	MaxAttemptsPerFrame int
	ActionsEnabled      []string // manifest ladder.actions_enabled; empty means all enabled
	Localized           bool     // whether the failing region is a contiguous sub-area (caller-supplied signal)
}

// Decision is the ladder's verdict for one failed attempt.
type Decision struct {
	Action          Action
	Level           int
	Reason          string
	SynthesizedCode string // CodeHardCollapse when collapse is detected
	Oscillating     bool
}

// Decide evaluates the reason→action priority table (first match wins),
// then applies collapse detection and oscillation escalation.
func Decide(in Input) Decision {
	attemptNumber := len(in.History) + 1
	if in.MaxAttemptsPerFrame > 0 && attemptNumber > in.MaxAttemptsPerFrame {
		return Decision{Action: ActionStop, Level: 8, Reason: "per-frame attempt cap reached"}
	}

	if collapsed := detectCollapse(in.History); collapsed {
		return Decision{
			Action:          ActionStop,
			Level:           8,
			Reason:          "RE_ANCHOR selected on 2+ consecutive attempts and the frame still fails",
			SynthesizedCode: CodeHardCollapse,
		}
	}

	enabled := enabledActions(in.ActionsEnabled)
	level, reason := selectLevel(in, enabled)

	oscillating := detectOscillation(in.History, in.CurrentReasonCodes)
	if oscillating && level < 8 {
		level++
		reason = fmt.Sprintf("%s (escalated: oscillating pass/fail pattern over recent attempts)", reason)
	}

	return Decision{
		Action:      actionByLevel[level],
		Level:       level,
		Reason:      reason,
		Oscillating: oscillating,
	}
}

func selectLevel(in Input, enabled func(Action) bool) (int, string) {
	current := toSet(in.CurrentReasonCodes)
	priorCodes := priorCodeOccurrences(in.History)

	// Level 1: any single SFxx, first occurrence.
	if enabled(ActionRerollSeed) && !anySeenBefore(current, priorCodes) {
		return 1, "novel failure signature, first occurrence"
	}

	// Level 2: recurring SF02/SF03/SF05.
	if enabled(ActionTightenNegative) {
		for _, code := range []audit.ReasonCode{audit.SF02PaletteDrift, audit.SF03AlphaHalo, audit.SF05PixelNoise} {
			if current[code] && priorCodes[code] > 0 {
				return 2, fmt.Sprintf("%s recurring across attempts", code)
			}
		}
	}

	// Level 3: SF01 persists (present now and in the immediately prior attempt).
	if enabled(ActionIdentityRescue) && current[audit.SF01IdentityDrift] && immediatelyPrecededBy(in.History, audit.SF01IdentityDrift) {
		return 3, "SF01_IDENTITY_DRIFT persisted from the previous attempt"
	}

	// Level 4: SF04 (pose/baseline mismatch).
	if enabled(ActionPoseRescue) && current[audit.SF04BaselineDrift] {
		return 4, "SF04_BASELINE_DRIFT (pose mismatch)"
	}

	// Level 5: localized SF01/SF02.
	if enabled(ActionTwoStageInpaint) && in.Localized && (current[audit.SF01IdentityDrift] || current[audit.SF02PaletteDrift]) {
		return 5, "localized identity/palette drift"
	}

	// Level 6: SF02 small, SF03 small.
	if enabled(ActionPostProcess) && current[audit.SF02PaletteDrift] && current[audit.SF03AlphaHalo] && isSmall(in.Severities, audit.SF02PaletteDrift) && isSmall(in.Severities, audit.SF03AlphaHalo) {
		return 6, "small palette drift and alpha artifacts, pixel-safe post-process sufficient"
	}

	// Level 7: RE_ANCHOR after 2 consecutive prev-frame-chained failures.
	if enabled(ActionReAnchor) && consecutiveFailedChains(in.History) >= 2 {
		return 7, "2+ consecutive attempts chained from the previous frame and still failed"
	}

	return 8, "no ladder action matched; stopping this frame"
}

func toSet(codes []audit.ReasonCode) map[audit.ReasonCode]bool {
	set := make(map[audit.ReasonCode]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}

func priorCodeOccurrences(history []AttemptOutcome) map[audit.ReasonCode]int {
	counts := make(map[audit.ReasonCode]int)
	for _, h := range history {
		for _, c := range h.ReasonCodes {
			counts[c]++
		}
	}
	return counts
}

func anySeenBefore(current map[audit.ReasonCode]bool, prior map[audit.ReasonCode]int) bool {
	for c := range current {
		if prior[c] > 0 {
			return true
		}
	}
	return false
}

func immediatelyPrecededBy(history []AttemptOutcome, code audit.ReasonCode) bool {
	if len(history) == 0 {
		return false
	}
	last := history[len(history)-1]
	for _, c := range last.ReasonCodes {
		if c == code {
			return true
		}
	}
	return false
}

func isSmall(severities map[audit.ReasonCode]float64, code audit.ReasonCode) bool {
	if severities == nil {
		return false
	}
	s, ok := severities[code]
	return ok && s <= 0.3
}

func consecutiveFailedChains(history []AttemptOutcome) int {
	count := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].UsedPrevFrame {
			count++
			continue
		}
		break
	}
	return count
}

// detectCollapse reports whether RE_ANCHOR was selected on the last two
// (or more) consecutive attempts for this frame, meaning it still
// failed even after forcing the anchor as sole reference.
func detectCollapse(history []AttemptOutcome) bool {
	if len(history) < 2 {
		return false
	}
	count := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ActionTaken == ActionReAnchor {
			count++
			continue
		}
		break
	}
	return count >= 2
}

// detectOscillation reports whether the dominant (first) reason code
// alternates between two distinct values across the last up to four
// attempts including the current one (e.g. SF02, SF03, SF02, SF03).
func detectOscillation(history []AttemptOutcome, current []audit.ReasonCode) bool {
	sequence := make([]audit.ReasonCode, 0, 4)
	start := 0
	if len(history) > 3 {
		start = len(history) - 3
	}
	for _, h := range history[start:] {
		sequence = append(sequence, primaryCode(h.ReasonCodes))
	}
	sequence = append(sequence, primaryCode(current))

	if len(sequence) < 4 {
		return false
	}
	a, b, c, d := sequence[0], sequence[1], sequence[2], sequence[3]
	return a != b && a == c && b == d
}

func primaryCode(codes []audit.ReasonCode) audit.ReasonCode {
	if len(codes) == 0 {
		return ""
	}
	sorted := append([]audit.ReasonCode(nil), codes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[0]
}

func enabledActions(names []string) func(Action) bool {
	if len(names) == 0 {
		return func(Action) bool { return true }
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(a Action) bool { return set[string(a)] }
}

// Stats is the run-level tally the Stop-Condition Evaluator checks
// after every frame resolution.
type Stats struct {
	AttemptedFrames    int
	RetriedFrames      int
	FailedFrames       int
	ConsecutiveFails   int
	CumulativeAttempts int
}

// StopDecision is the evaluator's verdict.
type StopDecision struct {
	ShouldStop bool
	Reason     string
}

// EvaluateStopConditions checks retry_rate, reject_rate,
// consecutive_fails, and the cost circuit-breaker in that order,
// returning the first triggered condition.
func EvaluateStopConditions(stats Stats, cfg manifest.StopConditions) StopDecision {
	if stats.AttemptedFrames > 0 {
		retryRate := float64(stats.RetriedFrames) / float64(stats.AttemptedFrames)
		if cfg.RetryRate > 0 && retryRate > cfg.RetryRate {
			return StopDecision{true, fmt.Sprintf("retry_rate %.2f exceeds threshold %.2f", retryRate, cfg.RetryRate)}
		}

		rejectRate := float64(stats.FailedFrames) / float64(stats.AttemptedFrames)
		if cfg.RejectRate > 0 && rejectRate > cfg.RejectRate {
			return StopDecision{true, fmt.Sprintf("reject_rate %.2f exceeds threshold %.2f", rejectRate, cfg.RejectRate)}
		}
	}

	if cfg.ConsecutiveFails > 0 && stats.ConsecutiveFails >= cfg.ConsecutiveFails {
		return StopDecision{true, fmt.Sprintf("%d consecutive frame failures reached the configured limit", stats.ConsecutiveFails)}
	}

	if cfg.CostBudget > 0 && cfg.CostPerAttempt > 0 {
		estimatedCost := float64(stats.CumulativeAttempts) * cfg.CostPerAttempt
		if estimatedCost > cfg.CostBudget {
			return StopDecision{true, fmt.Sprintf("estimated cost %.2f exceeds budget %.2f", estimatedCost, cfg.CostBudget)}
		}
	}

	return StopDecision{false, ""}
}

// FailureTally counts occurrences of one reason code with an example frame.
type FailureTally struct {
	Code         string `json:"code"`
	Count        int    `json:"count"`
	ExampleFrame int    `json:"example_frame"`
}

// Diagnostic is written to diagnostic.json whenever a stop condition
// fires.
type Diagnostic struct {
	RootCause           string         `json:"root_cause"`
	TopFailureCodes     []FailureTally `json:"top_failure_codes"`
	RecoverySuggestions []string       `json:"recovery_suggestions"`
}

// BuildDiagnostic assembles a Diagnostic from a stop reason and the
// accumulated reason-code counts across the run, ranking codes, and the
// suggestions derived from them, by descending count (most frequent
// first).
func BuildDiagnostic(stopReason string, codeCounts map[string]int, exampleFrames map[string]int) Diagnostic {
	tallies := make([]FailureTally, 0, len(codeCounts))
	for code, count := range codeCounts {
		tallies = append(tallies, FailureTally{Code: code, Count: count, ExampleFrame: exampleFrames[code]})
	}
	sort.Slice(tallies, func(i, j int) bool { return tallies[i].Count > tallies[j].Count })

	return Diagnostic{
		RootCause:           stopReason,
		TopFailureCodes:     tallies,
		RecoverySuggestions: suggestionsFor(tallies),
	}
}

func suggestionsFor(tallies []FailureTally) []string {
	var suggestions []string
	for _, t := range tallies {
		switch t.Code {
		case string(audit.SF01IdentityDrift):
			suggestions = append(suggestions, "raise identity_rescue priority or strengthen the anchor reference")
		case string(audit.SF02PaletteDrift):
			suggestions = append(suggestions, "tighten the negative-prompt palette block or widen palette tolerance")
		case string(audit.SF03AlphaHalo):
			suggestions = append(suggestions, "enable post-process palette snap for alpha-edge cleanup")
		case string(audit.SF04BaselineDrift):
			suggestions = append(suggestions, "re-check vertical_lock and root_zone_ratio for this move")
		case string(audit.SF05PixelNoise):
			suggestions = append(suggestions, "lower generation_size or increase orphan-pixel tolerance")
		case CodeHardCollapse:
			suggestions = append(suggestions, "the anchor itself may not be representative of this move; consider a new anchor")
		}
	}
	if len(suggestions) == 0 {
		suggestions = append(suggestions, "review recent attempts manually; no specific pattern detected")
	}
	return suggestions
}
