// Compositor implements the optional multi-surface composition mode
// (spec.md §4.8): instead of per-channel surfaces, visible channels are
// combined into a single output buffer tiled 1/4/9/16-up, each tile holding
// the most recent frame bilinearly scaled into its viewport. Supplemented
// with per-tile frame-age tracking (SPEC_FULL §13, grounded on
// original_source's MultiChannelFrameCompositor).
package render

import (
	"sync"
	"time"

	"github.com/n0remac/rtsp-vision/config"
	"github.com/n0remac/rtsp-vision/frame"
)

// Tile holds the most recent frame assigned to one compositor cell plus
// its age, the render-side frame-pacing diagnostic from
// original_source/MultiChannelFrameCompositor.h (SPEC_FULL §13).
type Tile struct {
	ChannelID int
	Frame     *frame.Frame
	UpdatedAt time.Time
}

// CompositorTileAge returns how long ago tile t's frame was set, used to
// decide whether to reuse a stale tile or fall back to background.
func CompositorTileAge(t Tile) time.Duration {
	if t.Frame == nil {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(t.UpdatedAt)
}

// Compositor combines up to Layout visible channels into one output
// buffer.
type Compositor struct {
	Layout config.Layout
	OutW   int
	OutH   int

	mu    sync.Mutex
	tiles map[int]*Tile

	bufPool    [][]byte
	bufPoolCap int

	inputQ chan *frame.Frame
}

// NewCompositor constructs a compositor for the given layout and output
// dimensions, with a buffer pool capped at config.DefaultBufferPoolSize
// (spec.md §4.8: "maintains a small pool (≤8) of output buffers").
func NewCompositor(layout config.Layout, outW, outH int) *Compositor {
	return &Compositor{
		Layout:     layout,
		OutW:       outW,
		OutH:       outH,
		tiles:      make(map[int]*Tile),
		bufPoolCap: config.DefaultBufferPoolSize,
		inputQ:     make(chan *frame.Frame, 20), // drops beyond 20 entries, spec.md §4.8
	}
}

// SubmitFrame feeds a frame into the compositor's input queue. If the queue
// is full (>20 entries), the frame is dropped (and released) immediately.
func (c *Compositor) SubmitFrame(f *frame.Frame) bool {
	select {
	case c.inputQ <- f:
		return true
	default:
		f.Release()
		return false
	}
}

// Drain pulls queued frames and updates the corresponding tile (most-recent
// wins). Call this from the compositor's single background goroutine.
func (c *Compositor) Drain() {
	for {
		select {
		case f := <-c.inputQ:
			c.mu.Lock()
			prev := c.tiles[f.ChannelID]
			if prev != nil && prev.Frame != nil {
				prev.Frame.Release()
			}
			c.tiles[f.ChannelID] = &Tile{ChannelID: f.ChannelID, Frame: f, UpdatedAt: time.Now()}
			c.mu.Unlock()
		default:
			return
		}
	}
}

// acquireBuffer returns a reusable output buffer from the pool, allocating
// a new one only if the pool is empty and under capacity.
func (c *Compositor) acquireBuffer() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.bufPool); n > 0 {
		buf := c.bufPool[n-1]
		c.bufPool = c.bufPool[:n-1]
		return buf
	}
	return make([]byte, c.OutW*c.OutH*4)
}

// releaseBuffer returns buf to the pool if there's room.
func (c *Compositor) releaseBuffer(buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bufPool) < c.bufPoolCap {
		c.bufPool = append(c.bufPool, buf)
	}
}

// Compose scales each tile's most recent frame into its viewport in the
// tiled layout and returns the composed RGBA buffer (caller must call
// ReleaseOutput when done with it). Tiles with no frame, or whose frame is
// older than staleAfter, render as opaque background.
func (c *Compositor) Compose(staleAfter time.Duration) []byte {
	out := c.acquireBuffer()
	for i := range out {
		out[i] = 0 // opaque black background
	}
	for i := 3; i < len(out); i += 4 {
		out[i] = 255
	}

	cols := tileCols(c.Layout)
	tileW := c.OutW / cols
	tileH := c.OutH / cols

	c.mu.Lock()
	tiles := make([]*Tile, 0, len(c.tiles))
	for _, t := range c.tiles {
		tiles = append(tiles, t)
	}
	c.mu.Unlock()

	slot := 0
	maxSlots := int(c.Layout)
	for _, t := range tiles {
		if slot >= maxSlots {
			break
		}
		if t.Frame == nil || CompositorTileAge(*t) > staleAfter {
			slot++
			continue
		}
		row := slot / cols
		col := slot % cols
		blitBilinear(out, c.OutW, c.OutH, col*tileW, row*tileH, tileW, tileH, t.Frame)
		slot++
	}
	return out
}

// ReleaseOutput returns a composed buffer to the pool for reuse.
func (c *Compositor) ReleaseOutput(buf []byte) { c.releaseBuffer(buf) }

func tileCols(layout config.Layout) int {
	switch layout {
	case config.LayoutSingle:
		return 1
	case config.LayoutQuad:
		return 2
	case config.LayoutNine:
		return 3
	case config.LayoutSixteen:
		return 4
	default:
		return 1
	}
}

// blitBilinear scales src into the dst sub-rectangle [dx,dy,dx+dw,dy+dh)
// using bilinear interpolation (spec.md §4.8: "scaled (bilinear) into its
// viewport").
func blitBilinear(dst []byte, dstW, dstH int, dx, dy, dw, dh int, src *frame.Frame) {
	if src.Width <= 0 || src.Height <= 0 || dw <= 0 || dh <= 0 {
		return
	}
	scaleX := float64(src.Width) / float64(dw)
	scaleY := float64(src.Height) / float64(dh)

	for ty := 0; ty < dh; ty++ {
		py := dy + ty
		if py < 0 || py >= dstH {
			continue
		}
		sy := float64(ty) * scaleY
		y0 := int(sy)
		y1 := y0 + 1
		if y1 >= src.Height {
			y1 = src.Height - 1
		}
		fy := sy - float64(y0)

		for tx := 0; tx < dw; tx++ {
			px := dx + tx
			if px < 0 || px >= dstW {
				continue
			}
			sx := float64(tx) * scaleX
			x0 := int(sx)
			x1 := x0 + 1
			if x1 >= src.Width {
				x1 = src.Width - 1
			}
			fx := sx - float64(x0)

			for ch := 0; ch < 4; ch++ {
				c00 := float64(pixelAt(src, x0, y0, ch))
				c10 := float64(pixelAt(src, x1, y0, ch))
				c01 := float64(pixelAt(src, x0, y1, ch))
				c11 := float64(pixelAt(src, x1, y1, ch))
				top := c00 + (c10-c00)*fx
				bot := c01 + (c11-c01)*fx
				v := top + (bot-top)*fy

				di := (py*dstW+px)*4 + ch
				if di >= 0 && di < len(dst) {
					dst[di] = byte(v)
				}
			}
		}
	}
}

func pixelAt(f *frame.Frame, x, y, channel int) byte {
	off := y*f.Stride + x*4 + channel
	if off < 0 || off >= len(f.Pixels) {
		return 0
	}
	return f.Pixels[off]
}
