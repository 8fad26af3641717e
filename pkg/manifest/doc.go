// Package manifest defines the input contract for a sprite-atlas run:
// identity, canvas/alignment policy, auditor thresholds, retry-ladder
// configuration, export flags, and generator parameters. A manifest is
// immutable for the lifetime of a run; its canonical hash identifies
// the run for resume.
package manifest
