package decoder

import (
	"testing"
	"time"
)

func TestNewSessionInitializesAndReachesReady(t *testing.T) {
	dec := NewSyntheticDecoder(4, 4)
	s, err := NewSession(1, H264, dec, 30, nil, nil)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if s.State() != Ready {
		t.Fatalf("State() = %v, want Ready", s.State())
	}
}

func TestDecodeDeliversFrameViaCallback(t *testing.T) {
	dec := NewSyntheticDecoder(4, 4)
	var got DecodedFrame
	received := false
	s, err := NewSession(1, H264, dec, 30, func(f DecodedFrame) {
		got = f
		received = true
	}, nil)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	if err := s.Decode([]byte{1, 2, 3}, 100); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !received {
		t.Fatalf("onFrame callback never invoked")
	}
	if got.W != 4 || got.H != 4 || got.PTS != 100 {
		t.Fatalf("DecodedFrame = %+v, want W=4 H=4 PTS=100", got)
	}
	if s.State() != Ready {
		t.Fatalf("State() after successful decode = %v, want Ready", s.State())
	}
}

func TestDecodeFailureSetsErrorStateAndErrorRate(t *testing.T) {
	dec := NewSyntheticDecoder(4, 4)
	s, err := NewSession(1, H264, dec, 30, nil, nil)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	dec.FailNext()
	if err := s.Decode([]byte{1}, 0); err == nil {
		t.Fatalf("Decode() = nil error, want an error")
	}
	if s.State() != Error {
		t.Fatalf("State() = %v, want Error", s.State())
	}
	if rate := s.ErrorRate(); rate != 1 {
		t.Fatalf("ErrorRate() = %v, want 1", rate)
	}
}

func TestHighErrorRateNotifiesAfterTenSamples(t *testing.T) {
	dec := NewSyntheticDecoder(4, 4)
	var notified bool
	var notifiedRate float64
	s, err := NewSession(1, H264, dec, 30, nil, func(rate float64) {
		notified = true
		notifiedRate = rate
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	// 2 failures out of 10 samples = 20% error rate, above the 10% threshold,
	// but the callback only fires once processedCount reaches 10.
	for i := 0; i < 10; i++ {
		if i < 2 {
			dec.FailNext()
		}
		s.Decode([]byte{1}, int64(i))
	}
	if !notified {
		t.Fatalf("onErrorRateHigh never called after 10 samples at 20%% error rate")
	}
	if notifiedRate <= 0.10 {
		t.Fatalf("notified rate = %v, want > 0.10", notifiedRate)
	}
}

func TestDecodeRejectsConcurrentInflightCalls(t *testing.T) {
	dec := &blockingDecoder{release: make(chan struct{})}
	s, err := NewSession(1, H264, dec, 30, nil, nil)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Decode([]byte{1}, 0) }()
	// give the goroutine time to set inflight=1 and block inside Decode
	time.Sleep(20 * time.Millisecond)

	if err := s.Decode([]byte{2}, 1); err == nil {
		t.Fatalf("concurrent Decode() = nil error, want resource-exhausted error")
	}

	close(dec.release)
	if err := <-done; err != nil {
		t.Fatalf("first Decode() error = %v", err)
	}
}

func TestTimedOutReflectsLastDecodedAt(t *testing.T) {
	dec := NewSyntheticDecoder(4, 4)
	s, err := NewSession(1, H264, dec, 30, nil, nil)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if s.TimedOut() {
		t.Fatalf("TimedOut() = true immediately after Ready, want false")
	}
	s.mu.Lock()
	s.lastDecodedAt = time.Now().Add(-time.Hour)
	s.mu.Unlock()
	if !s.TimedOut() {
		t.Fatalf("TimedOut() = false with a stale lastDecodedAt, want true")
	}
}

// blockingDecoder blocks inside Decode until release is closed, used to
// exercise the single-inflight-decode enforcement.
type blockingDecoder struct {
	release chan struct{}
}

func (b *blockingDecoder) Init(codec Codec, targetFPS float32) error { return nil }
func (b *blockingDecoder) SetCallback(fn func(DecodedFrame))         {}
func (b *blockingDecoder) Decode(packet []byte, pts int64) error {
	<-b.release
	return nil
}
func (b *blockingDecoder) Close() error { return nil }
