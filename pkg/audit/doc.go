// Package audit implements the Auditor: it runs the Frame
// Normalizer, then Hard Gates, then the soft-metric suite, then the
// Aggregator, over a single candidate frame, producing an AuditReport
// that the Orchestrator and Retry Ladder consume. The Auditor never
// mutates RunState; it is a pure function of (candidate, frame index,
// context) to AuditReport.
package audit
