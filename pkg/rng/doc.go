// Package rng provides deterministic random number generation for
// auxiliary, non-seed randomness inside the pipeline.
//
// # Overview
//
// The RNG type derives component-specific seeds from a master seed so
// that two different consumers (for example the retry ladder's backoff
// jitter and the export pipeline's tie-break ordering) never share a
// random sequence, while the whole run stays reproducible from a single
// master seed. This is deliberately separate from the Generator
// adapter's candidate seed, which is a locked CRC32 content hash
// and never flows through this package.
//
// # Sub-Seed Derivation
//
// Each RNG derives its seed using SHA-256:
//
//	seed_component = H(masterSeed, componentName, configHash)
//
// where:
//   - masterSeed: the run's master seed
//   - componentName: identifies the consumer (e.g. "retry_backoff")
//   - configHash: hash of the manifest, so config changes perturb the sequence
//
// This ensures:
//  1. Same inputs always produce the same RNG sequence (determinism)
//  2. Different components get independent random sequences (isolation)
//  3. Manifest changes result in different sequences (sensitivity)
//
// # Usage
//
//	configHash := manifest.Hash()
//	backoffRNG := rng.NewRNG(cfg.Seed, "retry_backoff", configHash)
//	jitter := backoffRNG.Float64Range(0.0, 0.25)
//
// # Thread Safety
//
// RNG instances are NOT thread-safe. Frames are processed sequentially,
// so a single RNG instance per component is sufficient; it should not
// be shared across concurrent metric workers without external
// synchronization.
package rng
