package channel

import (
	"testing"
	"time"

	"github.com/n0remac/rtsp-vision/decoder"
	"github.com/n0remac/rtsp-vision/events"
	"github.com/n0remac/rtsp-vision/frame"
	"github.com/n0remac/rtsp-vision/ingest"
	"github.com/n0remac/rtsp-vision/inference"
)

func testCollaborators() Collaborators {
	return Collaborators{
		NewSession: func(channelID int) ingest.RTSPSession {
			return ingest.NewSyntheticSession(200) // fast, for quick test convergence
		},
		NewDecoder: func(codec decoder.Codec) decoder.Decoder {
			return decoder.NewSyntheticDecoder(8, 8)
		},
		NewDetector: inference.FakeDetectorFactory(func() inference.Detector {
			return inference.NewFakeDetector(func(pixels []byte, w, h int) ([]frame.Detection, error) {
				return []frame.Detection{{ClassID: 0, ClassName: "object", Confidence: 0.9, X: 0, Y: 0, W: w, H: h}}, nil
			})
		}),
		Draw: func(dst []byte, dstStride int, f *frame.Frame) {},
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition never became true within %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMethodsBeforeInitializeFail(t *testing.T) {
	m := New(testCollaborators(), nil)
	if err := m.CreateChannel(0); err == nil {
		t.Fatalf("CreateChannel() before Initialize() = nil error")
	}
}

func TestCreateStartStopDestroyLifecycle(t *testing.T) {
	m := New(testCollaborators(), nil)
	if err := m.Initialize([]byte("model")); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer m.Close()

	if err := m.CreateChannel(0); err != nil {
		t.Fatalf("CreateChannel() error = %v", err)
	}
	state, err := m.GetState(0)
	if err != nil || state != events.Inactive {
		t.Fatalf("GetState() = (%v, %v), want (Inactive, nil)", state, err)
	}

	if err := m.StartChannel(0, "rtsp://demo/0"); err != nil {
		t.Fatalf("StartChannel() error = %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		count, _ := m.GetFrameCount(0)
		return count > 0
	})
	waitUntil(t, 2*time.Second, func() bool {
		count, _ := m.GetDetectionCount(0)
		return count > 0
	})

	if err := m.StopChannel(0); err != nil {
		t.Fatalf("StopChannel() error = %v", err)
	}
	state, err = m.GetState(0)
	if err != nil || state != events.Inactive {
		t.Fatalf("GetState() after Stop = (%v, %v), want (Inactive, nil)", state, err)
	}

	if err := m.DestroyChannel(0); err != nil {
		t.Fatalf("DestroyChannel() error = %v", err)
	}
	if _, err := m.GetState(0); err == nil {
		t.Fatalf("GetState() after Destroy = nil error, want unknown-channel error")
	}
}

func TestCreateChannelRejectsOutOfRangeAndDuplicateIDs(t *testing.T) {
	m := New(testCollaborators(), nil)
	if err := m.Initialize([]byte("model")); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer m.Close()

	if err := m.CreateChannel(-1); err == nil {
		t.Fatalf("CreateChannel(-1) = nil error")
	}
	if err := m.CreateChannel(0); err != nil {
		t.Fatalf("CreateChannel(0) error = %v", err)
	}
	if err := m.CreateChannel(0); err == nil {
		t.Fatalf("CreateChannel(0) again = nil error, want already-exists")
	}
}

func TestSetDetectionEnabledDisablesDetectionCounting(t *testing.T) {
	m := New(testCollaborators(), nil)
	if err := m.Initialize([]byte("model")); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer m.Close()

	if err := m.CreateChannel(0); err != nil {
		t.Fatalf("CreateChannel() error = %v", err)
	}
	if err := m.SetDetectionEnabled(0, false); err != nil {
		t.Fatalf("SetDetectionEnabled() error = %v", err)
	}
	if err := m.StartChannel(0, "rtsp://demo/0"); err != nil {
		t.Fatalf("StartChannel() error = %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		count, _ := m.GetFrameCount(0)
		return count > 0
	})
	time.Sleep(50 * time.Millisecond) // give any stray detection path a chance to fire
	count, err := m.GetDetectionCount(0)
	if err != nil {
		t.Fatalf("GetDetectionCount() error = %v", err)
	}
	if count != 0 {
		t.Fatalf("GetDetectionCount() = %d, want 0 with detection disabled", count)
	}

	if err := m.StopChannel(0); err != nil {
		t.Fatalf("StopChannel() error = %v", err)
	}
}

func TestMultipleChannelsRunIndependently(t *testing.T) {
	m := New(testCollaborators(), nil)
	if err := m.Initialize([]byte("model")); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer m.Close()

	for _, id := range []int{0, 1} {
		if err := m.CreateChannel(id); err != nil {
			t.Fatalf("CreateChannel(%d) error = %v", id, err)
		}
		if err := m.StartChannel(id, "rtsp://demo/"); err != nil {
			t.Fatalf("StartChannel(%d) error = %v", id, err)
		}
	}

	for _, id := range []int{0, 1} {
		id := id
		waitUntil(t, 2*time.Second, func() bool {
			count, _ := m.GetFrameCount(id)
			return count > 0
		})
	}
	if n := m.ActiveChannelCount(); n != 2 {
		t.Fatalf("ActiveChannelCount() = %d, want 2", n)
	}
}
