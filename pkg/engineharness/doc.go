// Package engineharness implements the "Engine smoke test": a
// headless-browser harness that loads an exported atlas the way the
// target game engine would and runs three assertions (pivot
// auto-apply, trim-jitter, suffix convention). EngineHarness itself is
// an interface; RodEngineHarness is the concrete go-rod-based
// implementation, grounded on codenerd's internal/browser session
// manager.
package engineharness
