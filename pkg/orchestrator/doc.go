// Package orchestrator drives the run state machine: INIT ->
// GENERATING -> AUDITING -> RETRY_DECIDING -> APPROVING -> NEXT_FRAME
// -> COMPLETED, with STOPPED reachable from RETRY_DECIDING or
// NEXT_FRAME. It is the sole mutator of pkg/runstate's RunState and
// the sole caller of pkg/generator, pkg/audit and pkg/retry. Export
// staging and packing are driven from cmd/spriteforge, which reads the
// approved frames this package writes.
package orchestrator
