package render

import (
	"fmt"
	"sync"
)

// FakeSurface is an in-memory Surface test double.
type FakeSurface struct {
	mu           sync.Mutex
	w, h, format int
	buf          []byte
	stride       int
	failLock     bool
	posted       int
}

// NewFakeSurface returns a surface of the given dimensions.
func NewFakeSurface(w, h int) *FakeSurface {
	return &FakeSurface{w: w, h: h, stride: w * 4, buf: make([]byte, w*4*h)}
}

func (s *FakeSurface) SetBuffersGeometry(w, h, format int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w, s.h, s.format = w, h, format
	s.stride = w * 4
	if len(s.buf) < s.stride*h {
		s.buf = make([]byte, s.stride*h)
	}
	return nil
}

func (s *FakeSurface) Lock() ([]byte, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLock {
		return nil, 0, fmt.Errorf("fake lock failure")
	}
	return s.buf, s.stride, nil
}

func (s *FakeSurface) UnlockAndPost() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posted++
	return nil
}

func (s *FakeSurface) Width() int  { s.mu.Lock(); defer s.mu.Unlock(); return s.w }
func (s *FakeSurface) Height() int { s.mu.Lock(); defer s.mu.Unlock(); return s.h }
func (s *FakeSurface) Format() int { s.mu.Lock(); defer s.mu.Unlock(); return s.format }

// SetFailLock makes subsequent Lock calls fail, for surface-recovery tests.
func (s *FakeSurface) SetFailLock(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLock = fail
}

// PostedCount returns how many times UnlockAndPost succeeded.
func (s *FakeSurface) PostedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posted
}

// Buffer returns a copy of the surface's current backing buffer, for tests
// that need to inspect what was actually posted.
func (s *FakeSurface) Buffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}

// InvalidSurface is a Surface whose dimensions are always invalid, for
// driving the invalid-surface-counter recovery path.
type InvalidSurface struct{}

func (InvalidSurface) SetBuffersGeometry(w, h, format int) error { return nil }
func (InvalidSurface) Lock() ([]byte, int, error)                { return nil, 0, nil }
func (InvalidSurface) UnlockAndPost() error                      { return nil }
func (InvalidSurface) Width() int                                { return 0 }
func (InvalidSurface) Height() int                               { return 0 }
func (InvalidSurface) Format() int                                { return 0 }
