package dispatch

import (
	"errors"
	"testing"
)

func TestOutcome(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name    string
		outcome Outcome
		kind    string
		text    string
		success bool
	}{
		{"success", Success([]byte(`1`)), "success", "success", true},
		{"retryable", Retryable(cause), "retryable", "retryable: boom", false},
		{"fatal", Fatal(cause), "fatal", "fatal: boom", false},
		{"zero", Outcome{}, "unknown", "unknown", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.outcome.Kind.String(); got != tt.kind {
				t.Errorf("Kind = %q, want %q", got, tt.kind)
			}
			if got := tt.outcome.String(); got != tt.text {
				t.Errorf("String = %q, want %q", got, tt.text)
			}
			if got := tt.outcome.IsSuccess(); got != tt.success {
				t.Errorf("IsSuccess = %v, want %v", got, tt.success)
			}
		})
	}
}

func TestVerifyChecksum(t *testing.T) {
	payload := []byte("abc")
	const sum = "a9993e364706816aba3e25717850c26c9cd0d89d"

	if err := verifyChecksum("", payload); err != nil {
		t.Errorf("Empty expectation must pass, got %v", err)
	}
	if err := verifyChecksum(sum, payload); err != nil {
		t.Errorf("Expected match, got %v", err)
	}
	if err := verifyChecksum("A9993E364706816ABA3E25717850C26C9CD0D89D", payload); err != nil {
		t.Errorf("Expected case-insensitive match, got %v", err)
	}
	if err := verifyChecksum(sum, []byte("abd")); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Expected mismatch, got %v", err)
	}
}
