// Package verrors defines the typed error taxonomy used throughout the
// engine: InvalidArgument, ResourceExhausted, TransientIO, StreamTimeout,
// DecoderTimeout, SurfaceLost, RecoveryExhausted, and Fatal. Each kind has
// its own struct so callers can classify failures with errors.As instead of
// string matching.
package verrors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
)

// Kind is the closed set of error categories callers dispatch on.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindResourceExhausted
	KindTransientIO
	KindStreamTimeout
	KindDecoderTimeout
	KindSurfaceLost
	KindRecoveryExhausted
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindTransientIO:
		return "transient_io"
	case KindStreamTimeout:
		return "stream_timeout"
	case KindDecoderTimeout:
		return "decoder_timeout"
	case KindSurfaceLost:
		return "surface_lost"
	case KindRecoveryExhausted:
		return "recovery_exhausted"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// kinded is implemented by every error type in this package so KindOf can
// classify an error chain without a type switch per kind.
type kinded interface {
	error
	Kind() Kind
}

// baseError carries the operation name and wrapped cause common to every
// kind below.
type baseError struct {
	kind Kind
	op   string
	err  error
}

func (e *baseError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.kind, e.op)
	}
	return fmt.Sprintf("%s: %s: %v", e.kind, e.op, e.err)
}
func (e *baseError) Unwrap() error { return e.err }
func (e *baseError) Kind() Kind    { return e.kind }

// InvalidArgumentError wraps a caller-supplied argument that fails
// validation (channel id out of [0,16), nil model bytes, malformed URL, …).
type InvalidArgumentError struct{ *baseError }

func NewInvalidArgument(op string, cause error) error {
	return &InvalidArgumentError{&baseError{kind: KindInvalidArgument, op: op, err: cause}}
}

// ResourceExhaustedError wraps a bounded-resource cap being hit (decoder
// pool full, inference queue full after backoff, …).
type ResourceExhaustedError struct{ *baseError }

func NewResourceExhausted(op string, cause error) error {
	return &ResourceExhaustedError{&baseError{kind: KindResourceExhausted, op: op, err: cause}}
}

// TransientIOError wraps a retryable I/O failure (RTSP connect, decode,
// surface lock). Callers retry locally with bounded backoff.
type TransientIOError struct{ *baseError }

func NewTransientIO(op string, cause error) error {
	return &TransientIOError{&baseError{kind: KindTransientIO, op: op, err: cause}}
}

// StreamTimeoutError indicates no frames arrived within the ingest
// frame-timeout window.
type StreamTimeoutError struct {
	*baseError
	Channel int
	Idle    time.Duration
}

func NewStreamTimeout(channel int, idle time.Duration) error {
	return &StreamTimeoutError{
		baseError: &baseError{kind: KindStreamTimeout, op: "ingest.frame_timeout"},
		Channel:   channel,
		Idle:      idle,
	}
}
func (e *StreamTimeoutError) Error() string {
	return fmt.Sprintf("%s: channel %d idle for %s", e.kind, e.Channel, e.Idle)
}

// DecoderTimeoutError indicates a decoder session produced no decoded frame
// within the decoder timeout window.
type DecoderTimeoutError struct {
	*baseError
	Channel int
	Idle    time.Duration
}

func NewDecoderTimeout(channel int, idle time.Duration) error {
	return &DecoderTimeoutError{
		baseError: &baseError{kind: KindDecoderTimeout, op: "decoder.timeout"},
		Channel:   channel,
		Idle:      idle,
	}
}
func (e *DecoderTimeoutError) Error() string {
	return fmt.Sprintf("%s: channel %d decoder idle for %s", e.kind, e.Channel, e.Idle)
}

// SurfaceLostError indicates a renderer surface became unusable (invalid
// geometry, repeated lock failure).
type SurfaceLostError struct {
	*baseError
	Channel int
	Reason  string
}

func NewSurfaceLost(channel int, reason string) error {
	return &SurfaceLostError{
		baseError: &baseError{kind: KindSurfaceLost, op: "render.surface_lost"},
		Channel:   channel,
		Reason:    reason,
	}
}
func (e *SurfaceLostError) Error() string {
	return fmt.Sprintf("%s: channel %d: %s", e.kind, e.Channel, e.Reason)
}

// RecoveryExhaustedError indicates the recovery manager hit its attempt cap
// for a channel; host intervention (destroy_channel + create_channel) is
// required.
type RecoveryExhaustedError struct {
	*baseError
	Channel  int
	Attempts int
}

func NewRecoveryExhausted(channel, attempts int) error {
	return &RecoveryExhaustedError{
		baseError: &baseError{kind: KindRecoveryExhausted, op: "recovery.exhausted"},
		Channel:   channel,
		Attempts:  attempts,
	}
}
func (e *RecoveryExhaustedError) Error() string {
	return fmt.Sprintf("%s: channel %d after %d attempts", e.kind, e.Channel, e.Attempts)
}

// FatalError wraps an unrecoverable startup failure (model init, pool
// creation at startup). Always bubbles to the caller.
type FatalError struct{ *baseError }

func NewFatal(op string, cause error) error {
	return &FatalError{&baseError{kind: KindFatal, op: op, err: cause}}
}

// KindOf classifies err by walking its Unwrap chain. Returns KindUnknown if
// err is nil or none of the chain links implement kinded.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var k kinded
	if stderrors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// Is reports whether err's chain classifies as kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// IsTimeout reports whether err is a StreamTimeoutError, DecoderTimeoutError,
// or wraps context.DeadlineExceeded — the three ways a blocking call in this
// engine gives up waiting.
func IsTimeout(err error) bool {
	switch KindOf(err) {
	case KindStreamTimeout, KindDecoderTimeout:
		return true
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}
