package queue

import (
	"testing"
	"time"

	"github.com/n0remac/rtsp-vision/frame"
)

func newFrame(id uint64) *frame.Frame {
	return frame.New(0, id, 2, 2, 8, frame.RGBA8888)
}

func TestPushAcceptsUntilCapacity(t *testing.T) {
	q := New(2)
	if r := q.Push(newFrame(1)); r != Accepted {
		t.Fatalf("first push = %v, want Accepted", r)
	}
	if r := q.Push(newFrame(2)); r != Accepted {
		t.Fatalf("second push = %v, want Accepted", r)
	}
	if q.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", q.Size())
	}
}

func TestPushDropsOldestAtCapacity(t *testing.T) {
	q := New(2)
	q.Push(newFrame(1))
	q.Push(newFrame(2))
	if r := q.Push(newFrame(3)); r != Dropped {
		t.Fatalf("third push = %v, want Dropped", r)
	}
	if q.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", q.Dropped())
	}
	if q.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", q.Size())
	}

	f, ok := q.PopTimeout(time.Second)
	if !ok {
		t.Fatalf("PopTimeout timed out unexpectedly")
	}
	if f.FrameID != 2 {
		t.Fatalf("oldest surviving frame id = %d, want 2 (frame 1 should have been dropped)", f.FrameID)
	}
}

func TestPopTimeoutReturnsFalseWhenEmpty(t *testing.T) {
	q := New(1)
	start := time.Now()
	_, ok := q.PopTimeout(20 * time.Millisecond)
	if ok {
		t.Fatalf("PopTimeout on empty queue returned true")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("PopTimeout returned before its deadline")
	}
}

func TestPopTimeoutWakesOnPush(t *testing.T) {
	q := New(4)
	done := make(chan *frame.Frame, 1)
	go func() {
		f, ok := q.PopTimeout(time.Second)
		if ok {
			done <- f
		} else {
			done <- nil
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(newFrame(42))

	select {
	case f := <-done:
		if f == nil || f.FrameID != 42 {
			t.Fatalf("got %v, want frame 42", f)
		}
	case <-time.After(time.Second):
		t.Fatalf("PopTimeout never woke up on push")
	}
}

func TestClearReleasesAllFrames(t *testing.T) {
	q := New(4)
	f1, f2 := newFrame(1), newFrame(2)
	q.Push(f1)
	q.Push(f2)
	q.Clear()
	if q.Size() != 0 {
		t.Fatalf("Size() after Clear() = %d, want 0", q.Size())
	}
	if f1.RefCount() != 0 || f2.RefCount() != 0 {
		t.Fatalf("Clear() did not release held frames")
	}
}
