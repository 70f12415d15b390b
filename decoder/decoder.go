// Package decoder implements the decoder session (spec.md §4.4 — component
// C4): wraps one hardware decoder instance, consumes encoded packets,
// converts to RGBA, and emits decoded frames via callback. The hardware
// decoder itself is an external collaborator (spec.md §1); this package
// models it as the Decoder interface and ships a synthetic software
// implementation for tests and demo mode, grounded on the teacher's
// callback-delivery shape (cvpipe.Pipeline's per-sample callback in
// n0remac-robot-webrtc/cvpipe/pipeline.go).
package decoder

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/n0remac/rtsp-vision/config"
	"github.com/n0remac/rtsp-vision/verrors"
)

// Codec identifies the encoded bitstream's codec.
type Codec int

const (
	H264 Codec = iota
	H265
	Generic
)

func (c Codec) String() string {
	switch c {
	case H264:
		return "h264"
	case H265:
		return "h265"
	default:
		return "generic"
	}
}

// DecodedFrame is what a Decoder callback delivers (spec.md §4.4: "the
// callback delivers (stride_w, stride_h, w, h, format, fd, pixel_ptr)" —
// here a plain Go byte slice stands in for the native fd/pointer pair).
type DecodedFrame struct {
	StrideW, StrideH int
	W, H             int
	Format           int
	Pixels           []byte
	PTS              int64
}

// Decoder is the hardware-decoder external-collaborator interface (spec.md
// §6.3).
type Decoder interface {
	Init(codec Codec, targetFPS float32) error
	Decode(packet []byte, pts int64) error
	SetCallback(fn func(DecodedFrame))
	Close() error
}

// State is the decoder session's lifecycle state (spec.md §4.4).
type State int

const (
	Idle State = iota
	Initializing
	Ready
	Decoding
	Error
	Destroyed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Decoding:
		return "decoding"
	case Error:
		return "error"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Session wraps a single Decoder instance, tracking error rate and
// liveness per spec.md §4.4.
type Session struct {
	ChannelID int
	Codec     Codec

	dec Decoder

	mu              sync.Mutex
	state           State
	lastDecodedAt   time.Time
	processedCount  uint64
	errorCount      uint64
	onFrame         func(DecodedFrame)
	onErrorRateHigh func(rate float64) // notifies the resource pool, spec.md §4.4

	inflight int32 // at most one inflight decode per instance, spec.md §3
}

// NewSession wraps dec for channelID, initializing it for codec at
// targetFPS.
func NewSession(channelID int, codec Codec, dec Decoder, targetFPS float32, onFrame func(DecodedFrame), onErrorRateHigh func(float64)) (*Session, error) {
	s := &Session{ChannelID: channelID, Codec: codec, dec: dec, onFrame: onFrame, onErrorRateHigh: onErrorRateHigh}
	s.state = Initializing
	dec.SetCallback(s.handleFrame)
	if err := dec.Init(codec, targetFPS); err != nil {
		s.state = Error
		return nil, verrors.NewTransientIO("decoder.init", err)
	}
	s.state = Ready
	s.lastDecodedAt = time.Now()
	return s, nil
}

// Decode submits one encoded packet. Enforces at most one inflight decode
// per instance (spec.md §3 invariant).
func (s *Session) Decode(packet []byte, pts int64) error {
	if !atomic.CompareAndSwapInt32(&s.inflight, 0, 1) {
		return verrors.NewResourceExhausted("decoder.inflight", nil)
	}
	defer atomic.StoreInt32(&s.inflight, 0)

	s.mu.Lock()
	s.state = Decoding
	s.mu.Unlock()

	err := s.dec.Decode(packet, pts)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.processedCount++
	if err != nil {
		s.errorCount++
	}
	if s.processedCount >= 10 {
		rate := float64(s.errorCount) / float64(s.processedCount)
		if rate > 0.10 && s.onErrorRateHigh != nil {
			s.onErrorRateHigh(rate)
		}
	}
	if err != nil {
		s.state = Error
		return verrors.NewTransientIO("decoder.decode", err)
	}
	s.state = Ready
	return nil
}

func (s *Session) handleFrame(f DecodedFrame) {
	s.mu.Lock()
	s.lastDecodedAt = time.Now()
	s.mu.Unlock()
	if s.onFrame != nil {
		s.onFrame(f)
	}
}

// TimedOut reports whether the session has produced no decoded frame for
// longer than config.DecoderTimeout (spec.md §4.4).
func (s *Session) TimedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastDecodedAt) > config.DecoderTimeout
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close releases the underlying Decoder.
func (s *Session) Close() error {
	s.mu.Lock()
	s.state = Destroyed
	s.mu.Unlock()
	return s.dec.Close()
}

// ErrorRate returns errorCount/processedCount, or 0 if nothing processed.
func (s *Session) ErrorRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processedCount == 0 {
		return 0
	}
	return float64(s.errorCount) / float64(s.processedCount)
}
