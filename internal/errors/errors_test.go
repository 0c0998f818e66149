// Package errors tests for error code definitions and error handling.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

// TestAppErrorFormat verifies the error string carries code and message.
func TestAppErrorFormat(t *testing.T) {
	err := New(ErrStorageUnavailable, "cannot open database")
	if !strings.Contains(err.Error(), "STORAGE_UNAVAILABLE") {
		t.Errorf("expected code in error string, got %q", err.Error())
	}
	if !strings.Contains(err.Error(), "cannot open database") {
		t.Errorf("expected message in error string, got %q", err.Error())
	}
}

// TestWrapPreservesCause verifies wrapped errors unwrap to their cause.
func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(ErrDatabase, "write failed", cause)

	if !stderrors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected cause in error string, got %q", err.Error())
	}
}

// TestIsMatchesNestedCode verifies Is walks the error chain.
func TestIsMatchesNestedCode(t *testing.T) {
	inner := New(ErrNotFound, "thread missing")
	outer := Wrap(ErrResolutionFailed, "resolve failed", inner)
	wrapped := fmt.Errorf("handler: %w", outer)

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"outer code", wrapped, ErrResolutionFailed, true},
		{"inner code", wrapped, ErrNotFound, true},
		{"absent code", wrapped, ErrSyncItemFailed, false},
		{"plain error", stderrors.New("x"), ErrNotFound, false},
		{"nil error", nil, ErrNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is(%v, %s) = %v, want %v", tt.err, tt.code, got, tt.want)
			}
		})
	}
}

// TestGetCode verifies code extraction with a fallback for foreign errors.
func TestGetCode(t *testing.T) {
	if got := GetCode(New(ErrUnknownQueueTarget, "no handler")); got != ErrUnknownQueueTarget {
		t.Errorf("GetCode = %s, want %s", got, ErrUnknownQueueTarget)
	}
	if got := GetCode(stderrors.New("plain")); got != ErrInternal {
		t.Errorf("GetCode = %s, want %s", got, ErrInternal)
	}
}
