package engineharness

import (
	"os"
	"strings"
	"testing"
)

func TestReport_AllPassed(t *testing.T) {
	tests := []struct {
		name string
		r    Report
		want bool
	}{
		{"empty report is not passing", Report{}, false},
		{
			"all assertions passed",
			Report{Assertions: []AssertionResult{
				{Code: TestPivotAutoApply, Passed: true},
				{Code: TestTrimJitter, Passed: true},
				{Code: TestSuffixConvention, Passed: true},
			}},
			true,
		},
		{
			"one assertion failed",
			Report{Assertions: []AssertionResult{
				{Code: TestPivotAutoApply, Passed: true},
				{Code: TestTrimJitter, Passed: false},
				{Code: TestSuffixConvention, Passed: true},
			}},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.AllPassed(); got != tt.want {
				t.Errorf("AllPassed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAssertionCodes_MatchSpecNames(t *testing.T) {
	cases := map[AssertionCode]string{
		TestPivotAutoApply:   "TEST-02",
		TestTrimJitter:       "TEST-03",
		TestSuffixConvention: "TEST-04",
	}
	for code, want := range cases {
		if string(code) != want {
			t.Errorf("AssertionCode %v = %q, want %q", code, string(code), want)
		}
	}
}

func TestWriteHarnessPage_EmbedsAtlasJSONInline(t *testing.T) {
	atlasJSON := `{"frames":{"walk_cycle/0000":{"frame":{"x":0,"y":0,"w":32,"h":32},"spriteSourceSize":{"x":0,"y":0,"w":32,"h":32},"sourceSize":{"w":32,"h":32}}}}`
	path, err := writeHarnessPage("walk_cycle", atlasJSON)
	if err != nil {
		t.Fatalf("writeHarnessPage() failed: %v", err)
	}
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading harness page: %v", err)
	}
	html := string(data)

	if !strings.Contains(html, atlasJSON) {
		t.Error("harness page does not embed the atlas JSON inline")
	}
	if !strings.Contains(html, "walk_cycle") {
		t.Error("harness page title does not mention the move name")
	}
	for _, fn := range []string{"checkPivotAutoApply", "checkTrimJitter", "checkSuffixConvention"} {
		if !strings.Contains(html, fn) {
			t.Errorf("harness page missing expected function %s", fn)
		}
	}
	if !strings.HasPrefix(html, "<!DOCTYPE html>") {
		t.Error("harness page is not a well-formed HTML document")
	}
}

func TestWriteHarnessPage_EmbedsAtlasJSONUnescaped(t *testing.T) {
	// This package uses text/template, which escapes nothing (only
	// html/template escapes automatically), so an atlas key containing
	// "</script>" would end the inline script early. The atlas JSON is
	// the packer's own output, not arbitrary user input; this test
	// asserts the payload round-trips into the page verbatim.
	atlasJSON := `{"frames":{}}`
	path, err := writeHarnessPage("idle", atlasJSON)
	if err != nil {
		t.Fatalf("writeHarnessPage() failed: %v", err)
	}
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading harness page: %v", err)
	}
	if !strings.Contains(string(data), atlasJSON) {
		t.Error("expected atlas JSON to appear verbatim in the rendered page")
	}
}

func TestWriteHarnessPage_ProducesFreshTempFileEachCall(t *testing.T) {
	path1, err := writeHarnessPage("idle", `{"frames":{}}`)
	if err != nil {
		t.Fatalf("writeHarnessPage() failed: %v", err)
	}
	defer os.Remove(path1)

	path2, err := writeHarnessPage("idle", `{"frames":{}}`)
	if err != nil {
		t.Fatalf("writeHarnessPage() failed: %v", err)
	}
	defer os.Remove(path2)

	if path1 == path2 {
		t.Error("expected distinct temp files across calls")
	}
}
