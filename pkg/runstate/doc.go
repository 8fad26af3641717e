// Package runstate implements RunState persistence: the run-folder
// layout, atomic JSON writes, the cross-process lock file, and resume
// detection. The Orchestrator is the only component that mutates a
// RunState; everything else receives a read-only view.
package runstate
