package export

// ReleaseStatus classifies a completed export.
type ReleaseStatus string

const (
	StatusPending          ReleaseStatus = "pending"
	StatusReleaseReady     ReleaseStatus = "release-ready"
	StatusValidationFailed ReleaseStatus = "validation-failed"
	StatusDebugOnly        ReleaseStatus = "debug-only"
)

// DetermineReleaseStatus applies the gating rule: every pre-export,
// post-export, and engine-smoke-test check must pass for
// release-ready; any failure is validation-failed unless the operator
// passed --allow-validation-fail, in which case assets are still
// written but marked debug-only rather than promoted.
func DetermineReleaseStatus(preOK, postOK, engineOK, allowValidationFail bool) ReleaseStatus {
	if preOK && postOK && engineOK {
		return StatusReleaseReady
	}
	if allowValidationFail {
		return StatusDebugOnly
	}
	return StatusValidationFailed
}
