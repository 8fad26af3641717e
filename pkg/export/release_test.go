package export

import "testing"

func TestDetermineReleaseStatus(t *testing.T) {
	tests := []struct {
		name                           string
		preOK, postOK, engineOK, allow bool
		want                           ReleaseStatus
	}{
		{"all pass is release-ready", true, true, true, false, StatusReleaseReady},
		{"pre-export failure without override", false, true, true, false, StatusValidationFailed},
		{"post-export failure without override", true, false, true, false, StatusValidationFailed},
		{"engine smoke test failure without override", true, true, false, false, StatusValidationFailed},
		{"failure with override is debug-only", false, true, true, true, StatusDebugOnly},
		{"override has no effect when everything passes", true, true, true, true, StatusReleaseReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetermineReleaseStatus(tt.preOK, tt.postOK, tt.engineOK, tt.allow)
			if got != tt.want {
				t.Errorf("DetermineReleaseStatus(%v,%v,%v,%v) = %s, want %s",
					tt.preOK, tt.postOK, tt.engineOK, tt.allow, got, tt.want)
			}
		})
	}
}
