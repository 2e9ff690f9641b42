// Package fault defines the error taxonomy shared across the orchestrator:
// admission rejections, configuration failures, per-stage engine errors,
// context overflow, deadline misses, and transport failures.
//
// Cancellation is not an error. A cancelled stage surfaces
// context.Canceled, which flows through the pipeline as control flow and is
// never logged at error level; [IsCancellation] recognises it.
package fault

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Stage identifies the pipeline stage an error originated in.
type Stage string

const (
	StageASR        Stage = "asr"
	StageLLM        Stage = "llm"
	StageTTS        Stage = "tts"
	StageAnimation  Stage = "animation"
	StagePacketizer Stage = "packetizer"
)

// Class subdivides stage errors by recovery strategy.
type Class string

const (
	// ClassConnection errors may be retried once with backoff inside a turn.
	ClassConnection Class = "connection"

	// ClassProcessing errors surface as degraded-mode fallback.
	ClassProcessing Class = "processing"

	// ClassInit errors indicate the adapter could not start at all.
	ClassInit Class = "initialization"
)

// StageError is a failure in one engine adapter during a turn.
type StageError struct {
	Stage Stage
	Class Class
	Err   error
}

// Error implements error.
func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %s error: %v", e.Stage, e.Class, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err as a StageError.
func NewStageError(stage Stage, class Class, err error) *StageError {
	return &StageError{Stage: stage, Class: class, Err: err}
}

// AdmissionError is a capacity or backpressure rejection at session create.
type AdmissionError struct {
	// Reason is a short machine-readable cause ("capacity", "backpressure",
	// "queue_timeout").
	Reason string

	// RetryAfter hints when the client should retry.
	RetryAfter time.Duration
}

// Error implements error.
func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected: %s (retry after %s)", e.Reason, e.RetryAfter)
}

// ConfigError is an invalid or missing configuration value. Fail-fast at
// startup.
type ConfigError struct {
	Field  string
	Reason string
}

// Error implements error.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// NewConfigError builds a ConfigError for the given field.
func NewConfigError(field, reason string) *ConfigError {
	return &ConfigError{Field: field, Reason: reason}
}

// ContextOverflowError reports that summarization failed or exceeded its
// deadline while the context was at the rollover threshold. The turn is
// rejected with a spoken fallback; the buffer is never allowed past the
// hard cap.
type ContextOverflowError struct {
	Tokens int
	Err    error
}

// Error implements error.
func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("context overflow at %d tokens: %v", e.Tokens, e.Err)
}

// Unwrap returns the underlying error.
func (e *ContextOverflowError) Unwrap() error { return e.Err }

// TimeoutKind discriminates deadline misses.
type TimeoutKind string

const (
	// TimeoutPreFirstAudio is the 500 ms turn timeout before first audio.
	TimeoutPreFirstAudio TimeoutKind = "pre_first_audio"

	// TimeoutStageCancel is a stage missing its cancel-acknowledge deadline.
	TimeoutStageCancel TimeoutKind = "stage_cancel"
)

// TimeoutError is a missed latency budget. Logged as a degradation event;
// the turn terminates cleanly.
type TimeoutError struct {
	Kind   TimeoutKind
	Budget time.Duration
}

// Error implements error.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s budget %s exceeded", e.Kind, e.Budget)
}

// TransportError is a media channel failure. The session moves to IDLE and
// the client is told to reconnect.
type TransportError struct {
	Err error
}

// Error implements error.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error { return e.Err }

// IsCancellation reports whether err is cancellation control flow rather
// than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsRetryable reports whether err is a connection-class stage error, which
// may be retried once with backoff inside a turn.
func IsRetryable(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Class == ClassConnection
}

// StageOf extracts the stage from a stage error, or "" if err is not one.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
