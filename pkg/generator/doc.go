// Package generator implements the Generator adapter: semantic
// interleaving prompt assembly, the locked generation parameters, the
// CRC32 deterministic seed formula, and retryable/non-retryable error
// classification. Generator itself is an interface; the concrete
// remote-model client lives outside this module's scope, but
// MockGenerator gives the Orchestrator and retry ladder something
// real to run against in tests.
package generator
