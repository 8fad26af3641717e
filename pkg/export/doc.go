// Package export implements the export pipeline: staging approved
// frames under a deterministic naming scheme, the twelve-item
// pre-export validation checklist, atlas JSON post-export validation,
// release-status gating, and a diagnostic SVG overlay renderer for
// failed-frame review. The packer subprocess itself lives in
// pkg/packer; this package prepares its input and validates its
// output.
package export
