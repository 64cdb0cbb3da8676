package diag

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	t.Run("full", func(t *testing.T) {
		err := &Error{
			Stage:   StageCook,
			Code:    CodeUnknownVar,
			File:    "probe.d",
			Line:    12,
			Message: "undefined identifier 'x'",
			Err:     errors.New("lookup failed"),
		}
		s := err.Error()
		for _, want := range []string{
			`stage "cook" failed`,
			"[D_UNKNOWN_VAR]",
			"probe.d:12",
			"undefined identifier 'x'",
			"lookup failed",
		} {
			if !strings.Contains(s, want) {
				t.Errorf("missing %q in:\n%s", want, s)
			}
		}
	})

	t.Run("minimal", func(t *testing.T) {
		err := &Error{Stage: StageParse, Code: CodeBadSpec}
		s := err.Error()
		if !strings.Contains(s, `stage "parse" failed [D_BADSPEC]`) {
			t.Errorf("unexpected: %s", s)
		}
	})
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := &Error{Stage: StageCodegen, Code: CodeNoRegister, Err: inner}
	if !errors.Is(err, inner) {
		t.Fatal("Unwrap should expose inner error")
	}
}

func TestIsStageAndCode(t *testing.T) {
	err := Fatalf(StageAsm, CodeProgTooLarge, 7, "program exceeds %d instructions", 4096)
	if !IsStage(err, StageAsm) {
		t.Error("expected stage match")
	}
	if IsStage(err, StageLink) {
		t.Error("expected stage mismatch")
	}
	if !IsCode(err, CodeProgTooLarge) {
		t.Error("expected code match")
	}
	if IsCode(err, CodeBadID) {
		t.Error("expected code mismatch")
	}
	if IsStage(errors.New("plain"), StageAsm) {
		t.Error("non-diag error should not match any stage")
	}
}

func TestTrimLong(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		maxLines  int
		wantTrunc bool
	}{
		{"no truncation", "line1\nline2\nline3", 5, false},
		{"truncated", strings.Repeat("line\n", 30), 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := trimLong(tt.input, tt.maxLines)
			if tt.wantTrunc != strings.HasSuffix(got, "...(truncated)") {
				t.Fatalf("trimLong(%q) truncation mismatch: %q", tt.name, got)
			}
		})
	}
}
