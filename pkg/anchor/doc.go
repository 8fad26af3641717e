// Package anchor analyzes the single locked reference sprite that
// defines a character's identity, palette, scale, and baseline (// "AnchorAnalysis"). The anchor is analyzed once at run INIT and never
// mutated; every later frame is aligned and scored against the
// resulting Analysis.
package anchor
