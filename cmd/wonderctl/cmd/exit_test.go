package cmd

import (
	"errors"
	"testing"
)

func TestExitCode_NilErrorIsZero(t *testing.T) {
	if code := ExitCode(nil); code != 0 {
		t.Errorf("ExitCode(nil) = %d, want 0", code)
	}
}

func TestExitCode_MarkedErrorReturnsItsCode(t *testing.T) {
	err := withExitCode(2, errors.New("run cancelled"))
	if code := ExitCode(err); code != 2 {
		t.Errorf("ExitCode = %d, want 2", code)
	}
}

func TestExitCode_UnmarkedErrorDefaultsToThree(t *testing.T) {
	if code := ExitCode(errors.New("boom")); code != 3 {
		t.Errorf("ExitCode = %d, want 3", code)
	}
}

func TestWithExitCode_NilErrorStaysNil(t *testing.T) {
	if err := withExitCode(1, nil); err != nil {
		t.Errorf("withExitCode(1, nil) = %v, want nil", err)
	}
}

func TestExitError_UnwrapReturnsUnderlyingError(t *testing.T) {
	underlying := errors.New("underlying")
	err := withExitCode(1, underlying)
	if !errors.Is(err, underlying) {
		t.Error("expected errors.Is to find the underlying error via Unwrap")
	}
}
