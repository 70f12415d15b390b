package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func makePacket(isKeyframe bool) Packet {
	return Packet{
		RTP:        &rtp.Packet{Header: rtp.Header{Version: 2}, Payload: []byte{1, 2, 3}},
		ReceivedAt: time.Now(),
		IsKeyframe: isKeyframe,
		TrackID:    "video0",
	}
}

func TestNewIngestorStartsDisconnected(t *testing.T) {
	in := New(1, "rtsp://demo", NewFakeSessionFactory(nil), false, 0, nil, nil, nil)
	if in.State() != Disconnected {
		t.Fatalf("State() = %v, want Disconnected", in.State())
	}
}

func TestHandlePacketGatesOnFirstKeyframe(t *testing.T) {
	in := New(1, "rtsp://demo", NewFakeSessionFactory(nil), false, 0, nil, nil, nil)
	in.awaitingKeyframe = true

	var received []bool
	in.onPacket = func(p Packet) { received = append(received, p.IsKeyframe) }

	in.handlePacket("video0", makePacket(false))
	in.handlePacket("video0", makePacket(false))
	if len(received) != 0 {
		t.Fatalf("onPacket called %d times before first keyframe, want 0", len(received))
	}

	in.handlePacket("video0", makePacket(true))
	in.handlePacket("video0", makePacket(false))
	if len(received) != 2 {
		t.Fatalf("onPacket called %d times after keyframe, want 2", len(received))
	}
	if in.awaitingKeyframe {
		t.Fatalf("awaitingKeyframe still true after a keyframe was delivered")
	}
}

func TestRecordFrameComputesSlidingWindowFPS(t *testing.T) {
	in := New(1, "rtsp://demo", NewFakeSessionFactory(nil), false, 0, nil, nil, nil)
	for i := 0; i < 5; i++ {
		in.recordFrame()
	}
	if got := in.FPS(); got != 5 {
		t.Fatalf("FPS() = %v, want 5", got)
	}

	// Frames older than the 1-second window are evicted on the next record.
	in.fpsMu.Lock()
	for i := range in.fpsWindow {
		in.fpsWindow[i] = in.fpsWindow[i].Add(-2 * time.Second)
	}
	in.fpsMu.Unlock()
	in.recordFrame()
	if got := in.FPS(); got != 1 {
		t.Fatalf("FPS() after window eviction = %v, want 1 (only the fresh frame)", got)
	}
}

func TestConnectSuccessReachesStreaming(t *testing.T) {
	factory := NewFakeSessionFactory(nil)

	var mu sync.Mutex
	states := make([]State, 0, 8)
	reached := make(chan struct{})
	onState := func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
		if s == Streaming {
			select {
			case reached <- struct{}{}:
			default:
			}
		}
	}

	in := New(1, "rtsp://demo", factory, false, 0, nil, nil, onState)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in.Start(ctx)
	defer in.Stop()

	select {
	case <-reached:
	case <-time.After(2 * time.Second):
		mu.Lock()
		got := append([]State(nil), states...)
		mu.Unlock()
		t.Fatalf("never reached Streaming, states observed: %v", got)
	}
}

func TestPlayFailureWithNoRetryBudgetGoesToErrorImmediately(t *testing.T) {
	factory := NewFakeSessionFactory(func(attempt int) error {
		return context.DeadlineExceeded
	})

	errCh := make(chan error, 1)
	stateCh := make(chan State, 8)
	in := New(1, "rtsp://demo", factory, true, 0, nil, func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}, func(s State) {
		select {
		case stateCh <- s:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in.Start(ctx)
	defer in.Stop()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("onError called with nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("onError was never called after exhausting a 0-attempt retry budget")
	}
	if in.State() != Error {
		t.Fatalf("State() = %v, want Error", in.State())
	}
}

func TestReconnectDisabledStopsAfterFirstFailure(t *testing.T) {
	factory := NewFakeSessionFactory(func(attempt int) error {
		return context.DeadlineExceeded
	})
	errCh := make(chan error, 1)
	in := New(1, "rtsp://demo", factory, false, 5, nil, func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in.Start(ctx)
	defer in.Stop()

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("onError was never called with autoReconnect disabled")
	}
	if in.State() != Error {
		t.Fatalf("State() = %v, want Error", in.State())
	}
	if in.ReconnectCount() != 0 {
		t.Fatalf("ReconnectCount() = %d, want 0 when autoReconnect is disabled", in.ReconnectCount())
	}
}
