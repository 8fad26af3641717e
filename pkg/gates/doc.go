// Package gates implements the Hard Gates: structural
// preconditions run before any soft metric. Any failure short-circuits
// the Auditor with score 0 and a stable HFxx code, skipping further
// computation for that candidate.
package gates
