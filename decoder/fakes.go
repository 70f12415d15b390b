package decoder

import (
	"fmt"
	"sync"
)

// SyntheticDecoder is a software stand-in for the hardware decoder,
// producing a solid-color RGBA frame for every Decode call. Used by tests
// and cmd/visiond's demo mode (no real H.264 bitstream parsing happens —
// codec internals are an explicit Non-goal).
type SyntheticDecoder struct {
	Width, Height int

	mu       sync.Mutex
	cb       func(DecodedFrame)
	codec    Codec
	fps      float32
	closed   bool
	failNext bool
}

// NewSyntheticDecoder returns a decoder that emits width x height RGBA
// frames.
func NewSyntheticDecoder(width, height int) *SyntheticDecoder {
	return &SyntheticDecoder{Width: width, Height: height}
}

func (d *SyntheticDecoder) Init(codec Codec, targetFPS float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.codec = codec
	d.fps = targetFPS
	return nil
}

func (d *SyntheticDecoder) SetCallback(fn func(DecodedFrame)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = fn
}

// Decode ignores packet bytes (no real bitstream parse) and synthesizes a
// decoded RGBA frame, unless FailNext was set, for error-path tests.
func (d *SyntheticDecoder) Decode(packet []byte, pts int64) error {
	d.mu.Lock()
	if d.failNext {
		d.failNext = false
		d.mu.Unlock()
		return fmt.Errorf("synthetic decode failure")
	}
	cb := d.cb
	w, h := d.Width, d.Height
	d.mu.Unlock()

	stride := w * 4
	pixels := make([]byte, stride*h)
	for i := range pixels {
		pixels[i] = byte((pts + int64(i)) % 256)
	}
	if cb != nil {
		cb(DecodedFrame{StrideW: stride, StrideH: h, W: w, H: h, Format: 0, Pixels: pixels, PTS: pts})
	}
	return nil
}

// FailNext makes the next Decode call return an error, for error-rate
// tests.
func (d *SyntheticDecoder) FailNext() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = true
}

func (d *SyntheticDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
