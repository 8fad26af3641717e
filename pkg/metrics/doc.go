// Package metrics implements the soft-metric suite: SSIM identity
// comparison, palette fidelity, alpha-artifact detection, baseline drift,
// move-type-contextual MAPD, and orphan-pixel classification, plus the
// weighted Aggregator that combines whichever of them the Auditor ran
// into a single composite score.
package metrics
