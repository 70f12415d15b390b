package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// SyntheticSession is a deterministic RTSP-session stand-in used by tests
// and cmd/visiond's demo mode: it produces one video track and emits
// synthetic RTP packets at a fixed rate until closed. SPEC_FULL §12.
type SyntheticSession struct {
	FPS        float32
	PacketSize int

	mu       sync.Mutex
	closed   bool
	onFrame  func(Packet)
	shutdown func(error)
	seq      uint16
	stopCh   chan struct{}
}

// NewSyntheticSession returns a session that emits at fps frames/sec.
func NewSyntheticSession(fps float32) *SyntheticSession {
	if fps <= 0 {
		fps = 30
	}
	return &SyntheticSession{FPS: fps, PacketSize: 1024, stopCh: make(chan struct{})}
}

func (s *SyntheticSession) Play(ctx context.Context, url string) ([]TrackInfo, error) {
	go s.generate(ctx)
	return []TrackInfo{{ID: "video0", IsVideo: true, CodecName: "h264"}}, nil
}

func (s *SyntheticSession) SetFrameCallback(trackID string, fn func(Packet)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFrame = fn
}

func (s *SyntheticSession) SetShutdownCallback(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = fn
}

func (s *SyntheticSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopCh)
	return nil
}

func (s *SyntheticSession) generate(ctx context.Context) {
	interval := time.Duration(float64(time.Second) / float64(s.FPS))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frameNum := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			cb := s.onFrame
			s.seq++
			seq := s.seq
			s.mu.Unlock()
			if cb == nil {
				continue
			}
			pkt := Packet{
				RTP: &rtp.Packet{
					Header: rtp.Header{
						Version:        2,
						SequenceNumber: seq,
						Timestamp:      uint32(frameNum) * 3000,
						SSRC:           1,
					},
					Payload: make([]byte, s.PacketSize),
				},
				ReceivedAt: time.Now(),
				IsKeyframe: frameNum%30 == 0,
				TrackID:    "video0",
			}
			cb(pkt)
			frameNum++
		}
	}
}

// FakeSession is a scriptable test double for the reconnect-policy tests
// (spec.md §8 scenario 3: "URL that rejects every third connection").
type FakeSession struct {
	// Fail, if non-nil, is consulted on each Play call (attempt index
	// starting at 0); returning a non-nil error fails that connect attempt.
	Fail func(attempt int) error

	mu       sync.Mutex
	attempt  int
	onFrame  func(Packet)
	shutdown func(error)
	closed   bool
}

// NewFakeSessionFactory returns a SessionFactory producing FakeSessions that
// share the given fail predicate and attempt counter.
func NewFakeSessionFactory(fail func(attempt int) error) SessionFactory {
	attempt := 0
	var mu sync.Mutex
	return func() RTSPSession {
		mu.Lock()
		a := attempt
		attempt++
		mu.Unlock()
		return &FakeSession{Fail: fail, attempt: a}
	}
}

func (f *FakeSession) Play(ctx context.Context, url string) ([]TrackInfo, error) {
	if f.Fail != nil {
		if err := f.Fail(f.attempt); err != nil {
			return nil, err
		}
	}
	return []TrackInfo{{ID: "video0", IsVideo: true, CodecName: "h264"}}, nil
}

func (f *FakeSession) SetFrameCallback(trackID string, fn func(Packet)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFrame = fn
}

func (f *FakeSession) SetShutdownCallback(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = fn
}

func (f *FakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Inject delivers a single synthetic packet through the registered
// callback, for tests that want fine-grained control over timing.
func (f *FakeSession) Inject(p Packet) {
	f.mu.Lock()
	cb := f.onFrame
	f.mu.Unlock()
	if cb != nil {
		cb(p)
	}
}

// Shutdown invokes the registered shutdown callback, simulating the
// session dying out from under the ingestor.
func (f *FakeSession) Shutdown(err error) {
	f.mu.Lock()
	cb := f.shutdown
	f.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}
