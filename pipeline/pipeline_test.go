package pipeline

import (
	"testing"
	"time"

	"github.com/n0remac/rtsp-vision/config"
	"github.com/n0remac/rtsp-vision/frame"
	"github.com/n0remac/rtsp-vision/inference"
	"github.com/n0remac/rtsp-vision/queue"
)

func TestClipToFrameClampsOutOfBoundsBoxes(t *testing.T) {
	dets := []frame.Detection{
		{X: -5, Y: -5, W: 10, H: 10},  // partially off top-left
		{X: 90, Y: 90, W: 20, H: 20},  // partially off bottom-right of a 100x100 frame
		{X: 200, Y: 200, W: 10, H: 10}, // fully outside, dropped
	}
	got := clipToFrame(dets, 100, 100)
	if len(got) != 2 {
		t.Fatalf("clipToFrame() kept %d boxes, want 2", len(got))
	}
	if got[0].X != 0 || got[0].Y != 0 || got[0].W != 5 || got[0].H != 5 {
		t.Fatalf("clipped top-left box = %+v", got[0])
	}
	if got[1].X != 90 || got[1].Y != 90 || got[1].W != 10 || got[1].H != 10 {
		t.Fatalf("clipped bottom-right box = %+v", got[1])
	}
}

func TestNonMaxSuppressDropsOverlappingLowerConfidence(t *testing.T) {
	dets := []frame.Detection{
		{ClassID: 1, Confidence: 0.9, X: 0, Y: 0, W: 10, H: 10},
		{ClassID: 1, Confidence: 0.8, X: 1, Y: 1, W: 10, H: 10}, // heavy overlap, same class
		{ClassID: 2, Confidence: 0.7, X: 0, Y: 0, W: 10, H: 10}, // different class, always kept
	}
	kept := nonMaxSuppress(dets, 0.3)
	if len(kept) != 2 {
		t.Fatalf("nonMaxSuppress() kept %d, want 2: %+v", len(kept), kept)
	}
	if kept[0].Confidence != 0.9 {
		t.Fatalf("highest-confidence box not kept first: %+v", kept)
	}
}

func TestNonMaxSuppressEmptyInput(t *testing.T) {
	if got := nonMaxSuppress(nil, 0.5); len(got) != 0 {
		t.Fatalf("nonMaxSuppress(nil) = %+v, want empty", got)
	}
}

func TestIoUDisjointBoxesIsZero(t *testing.T) {
	a := frame.Detection{X: 0, Y: 0, W: 10, H: 10}
	b := frame.Detection{X: 100, Y: 100, W: 10, H: 10}
	if got := iou(a, b); got != 0 {
		t.Fatalf("iou(disjoint) = %v, want 0", got)
	}
}

func TestSubmitFrameBypassesWhenDetectionDisabled(t *testing.T) {
	infPool, err := inference.New(1, 1, nil, inference.FakeDetectorFactory(func() inference.Detector {
		return inference.NewFakeDetector(nil)
	}))
	if err != nil {
		t.Fatalf("inference.New() error: %v", err)
	}
	defer infPool.Close()

	inputQ := queue.New(4)
	renderQ := queue.New(4)
	policy := config.DefaultPolicy()
	policy.DetectionEnabled = false

	p := New(1, policy, infPool, inputQ, renderQ, nil)
	p.Start()
	defer p.Stop()

	f := frame.New(1, 1, 4, 4, 16, frame.RGBA8888)
	p.SubmitFrame(f)

	got, ok := renderQ.PopTimeout(time.Second)
	if !ok {
		t.Fatalf("bypassed frame never reached the render queue")
	}
	if got.FrameID != f.FrameID {
		t.Fatalf("got frame %d, want %d", got.FrameID, f.FrameID)
	}
	if inputQ.Size() != 0 {
		t.Fatalf("bypass path should never touch the input queue")
	}
}
