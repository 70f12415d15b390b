package inference

import (
	"sync"

	"github.com/n0remac/rtsp-vision/frame"
)

// FakeDetector is a scriptable Detector test double (spec.md §8 scenario 6:
// "synthetic detector that returns three boxes at known coordinates and
// confidences").
type FakeDetector struct {
	mu      sync.Mutex
	fn      func(pixels []byte, w, h int) ([]frame.Detection, error)
	delay   func()
	closed  bool
}

// NewFakeDetector returns a Detector that calls fn for every Detect call.
func NewFakeDetector(fn func(pixels []byte, w, h int) ([]frame.Detection, error)) *FakeDetector {
	return &FakeDetector{fn: fn}
}

// WithDelay sets a hook invoked before running fn, letting tests simulate
// slow inference (spec.md §8 scenario 2: "inference mock take 60 ms/frame").
func (d *FakeDetector) WithDelay(delay func()) *FakeDetector {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
	return d
}

func (d *FakeDetector) Detect(pixels []byte, width, height int) ([]frame.Detection, error) {
	d.mu.Lock()
	delay := d.delay
	fn := d.fn
	d.mu.Unlock()
	if delay != nil {
		delay()
	}
	if fn == nil {
		return nil, nil
	}
	return fn(pixels, width, height)
}

func (d *FakeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// FakeDetectorFactory returns a DetectorFactory that calls build for every
// detector it is asked for (ignoring modelBytes); build decides whether the
// workers share one scripted detector or each get their own.
func FakeDetectorFactory(build func() Detector) DetectorFactory {
	return func(modelBytes []byte) (Detector, error) {
		return build(), nil
	}
}
