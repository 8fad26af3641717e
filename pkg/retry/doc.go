// Package retry implements the Retry Ladder and the
// Stop-Condition Evaluator. The ladder maps a failing audit's
// reason codes and this frame's attempt history to the next retry
// action; the evaluator decides, after each frame resolution, whether
// the whole run should halt.
package retry
