// Package pixel provides shared low-level RGBA buffer primitives used by
// the frame normalizer, the auditor's metrics, and the hard gates:
// decoding, opaque-mask queries, baseline-row detection, contact-patch
// centroids, and palette fingerprinting. Load and Save are the only
// functions that touch the filesystem or return errors; the rest are
// pure functions over an *image.RGBA that iterate within its bounds.
// The package holds no mutable state.
package pixel
