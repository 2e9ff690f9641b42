package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestStageErrorWrapping(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewStageError(StageTTS, ClassConnection, inner)

	wrapped := fmt.Errorf("pipeline: tts launch: %w", err)
	if !errors.Is(wrapped, inner) {
		t.Error("errors.Is does not reach the inner error")
	}

	var se *StageError
	if !errors.As(wrapped, &se) {
		t.Fatal("errors.As failed to find StageError")
	}
	if se.Stage != StageTTS || se.Class != ClassConnection {
		t.Errorf("stage/class = %s/%s", se.Stage, se.Class)
	}
	if StageOf(wrapped) != StageTTS {
		t.Errorf("StageOf = %s", StageOf(wrapped))
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection stage error", NewStageError(StageASR, ClassConnection, errors.New("x")), true},
		{"wrapped connection error", fmt.Errorf("w: %w", NewStageError(StageLLM, ClassConnection, errors.New("x"))), true},
		{"processing stage error", NewStageError(StageLLM, ClassProcessing, errors.New("x")), false},
		{"init stage error", NewStageError(StageAnimation, ClassInit, errors.New("x")), false},
		{"plain error", errors.New("x"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsCancellation(t *testing.T) {
	if !IsCancellation(context.Canceled) {
		t.Error("context.Canceled not recognised")
	}
	if !IsCancellation(fmt.Errorf("stage: %w", context.Canceled)) {
		t.Error("wrapped context.Canceled not recognised")
	}
	if IsCancellation(context.DeadlineExceeded) {
		t.Error("deadline exceeded misclassified as cancellation")
	}
	if IsCancellation(NewStageError(StageTTS, ClassProcessing, errors.New("x"))) {
		t.Error("stage error misclassified as cancellation")
	}
}

func TestContextOverflowUnwrap(t *testing.T) {
	inner := context.DeadlineExceeded
	err := &ContextOverflowError{Tokens: 7600, Err: inner}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("unwrap does not reach deadline error")
	}
}
