package inference

import (
	"fmt"
	"testing"
	"time"

	"github.com/n0remac/rtsp-vision/frame"
)

func newTestFrame(id uint64) *frame.Frame {
	return frame.New(1, id, 4, 4, 16, frame.RGBA8888)
}

func TestSubmitAndGetResultRoundTrip(t *testing.T) {
	p, err := New(1, 1, nil, FakeDetectorFactory(func() Detector {
		return NewFakeDetector(func(pixels []byte, w, h int) ([]frame.Detection, error) {
			return []frame.Detection{{ClassID: 1, ClassName: "car", Confidence: 0.9, X: 0, Y: 0, W: 2, H: 2}}, nil
		})
	}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()

	f := newTestFrame(1)
	p.Submit(f, 0.5, 10)

	dets := p.GetResult(1)
	if len(dets) != 1 || dets[0].ClassName != "car" {
		t.Fatalf("GetResult() = %+v, want one car detection", dets)
	}
}

func TestDetectFailureUnblocksGetResultInsteadOfHanging(t *testing.T) {
	p, err := New(1, 1, nil, FakeDetectorFactory(func() Detector {
		return NewFakeDetector(func(pixels []byte, w, h int) ([]frame.Detection, error) {
			return nil, fmt.Errorf("synthetic detect failure")
		})
	}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()

	f := newTestFrame(1)
	p.Submit(f, 0.5, 10)

	start := time.Now()
	dets := p.GetResult(1)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("GetResult() took %v, want it to return almost immediately via the published error sentinel, not wait for the backstop timeout", elapsed)
	}
	if len(dets) != 0 {
		t.Fatalf("GetResult() after a detect failure = %+v, want empty", dets)
	}
}

func TestGetResultNonblockReturnsFalseBeforeReady(t *testing.T) {
	block := make(chan struct{})
	p, err := New(1, 1, nil, FakeDetectorFactory(func() Detector {
		return NewFakeDetector(func(pixels []byte, w, h int) ([]frame.Detection, error) {
			<-block
			return nil, nil
		})
	}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() {
		close(block)
		p.Close()
	}()

	f := newTestFrame(1)
	p.Submit(f, 0.5, 10)

	if _, ok := p.GetResultNonblock(1); ok {
		t.Fatalf("GetResultNonblock() = true before detection completed")
	}
}

func TestConfidenceThresholdFiltersLowScoreDetections(t *testing.T) {
	p, err := New(1, 1, nil, FakeDetectorFactory(func() Detector {
		return NewFakeDetector(func(pixels []byte, w, h int) ([]frame.Detection, error) {
			return []frame.Detection{
				{ClassID: 1, Confidence: 0.9},
				{ClassID: 2, Confidence: 0.1},
			}, nil
		})
	}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()

	f := newTestFrame(1)
	p.Submit(f, 0.5, 10)
	dets := p.GetResult(1)
	if len(dets) != 1 || dets[0].ClassID != 1 {
		t.Fatalf("GetResult() = %+v, want only the 0.9-confidence detection", dets)
	}
}

func TestMaxDetectionsTruncatesResult(t *testing.T) {
	p, err := New(1, 1, nil, FakeDetectorFactory(func() Detector {
		return NewFakeDetector(func(pixels []byte, w, h int) ([]frame.Detection, error) {
			return []frame.Detection{
				{ClassID: 1, Confidence: 0.9},
				{ClassID: 2, Confidence: 0.8},
				{ClassID: 3, Confidence: 0.7},
			}, nil
		})
	}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()

	f := newTestFrame(1)
	p.Submit(f, 0.0, 2)
	dets := p.GetResult(1)
	if len(dets) != 2 {
		t.Fatalf("GetResult() returned %d detections, want 2 (capped by maxDetections)", len(dets))
	}
}

func TestGCStaleRemovesOldEntriesOnly(t *testing.T) {
	p, err := New(1, 1, nil, FakeDetectorFactory(func() Detector {
		return NewFakeDetector(func(pixels []byte, w, h int) ([]frame.Detection, error) {
			return nil, nil
		})
	}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()

	for _, id := range []uint64{1, 2, 100} {
		p.Submit(newTestFrame(id), 0.0, 10)
	}
	deadline := time.Now().Add(time.Second)
	for {
		p.resultsMu.Lock()
		n := len(p.results)
		p.resultsMu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("results never reached 3 entries")
		}
		time.Sleep(time.Millisecond)
	}

	removed := p.GCStale(100, 10) // frames 1 and 2 are more than 10 behind head 100
	if removed != 2 {
		t.Fatalf("GCStale() removed %d, want 2", removed)
	}
	if _, ok := p.GetResultNonblock(100); !ok {
		t.Fatalf("GCStale() removed the fresh frame 100 result")
	}
}

func TestQueueLenReflectsPendingSubmissions(t *testing.T) {
	block := make(chan struct{})
	p, err := New(1, 1, nil, FakeDetectorFactory(func() Detector {
		return NewFakeDetector(func(pixels []byte, w, h int) ([]frame.Detection, error) {
			<-block
			return nil, nil
		})
	}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() {
		close(block)
		p.Close()
	}()

	p.Submit(newTestFrame(1), 0, 10) // picked up by the single worker, blocks
	time.Sleep(20 * time.Millisecond)
	p.Submit(newTestFrame(2), 0, 10) // queues behind the blocked worker

	if got := p.QueueLen(); got != 1 {
		t.Fatalf("QueueLen() = %d, want 1", got)
	}
}
