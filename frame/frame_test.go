package frame

import "testing"

func TestNewAllocatesRefCountOne(t *testing.T) {
	f := New(1, 1, 4, 2, 16, RGBA8888)
	if f.RefCount() != 1 {
		t.Fatalf("RefCount() = %d, want 1", f.RefCount())
	}
	if len(f.Pixels) != 16*2 {
		t.Fatalf("len(Pixels) = %d, want %d", len(f.Pixels), 16*2)
	}
}

func TestRefReleaseBalancesCount(t *testing.T) {
	f := New(1, 1, 4, 2, 16, RGBA8888)
	f.Ref()
	if got := f.RefCount(); got != 2 {
		t.Fatalf("RefCount() after Ref() = %d, want 2", got)
	}
	f.Release()
	if got := f.RefCount(); got != 1 {
		t.Fatalf("RefCount() after one Release() = %d, want 1", got)
	}
	if f.Pixels == nil {
		t.Fatalf("Pixels released too early")
	}
	f.Release()
	if f.Pixels != nil {
		t.Fatalf("Pixels should be nil once the last reference is released")
	}
}

func TestDetectionsRoundTrip(t *testing.T) {
	f := New(1, 1, 4, 2, 16, RGBA8888)
	if _, ok := f.Detections(); ok {
		t.Fatalf("fresh frame should report hasDetections = false")
	}
	want := []Detection{{ClassID: 1, ClassName: "car", Confidence: 0.8, X: 1, Y: 2, W: 3, H: 4}}
	f.SetDetections(want)
	got, ok := f.Detections()
	if !ok {
		t.Fatalf("hasDetections = false after SetDetections")
	}
	if len(got) != 1 || got[0] != want[0] {
		t.Fatalf("Detections() = %+v, want %+v", got, want)
	}
}
