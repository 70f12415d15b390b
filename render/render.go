// Package render implements the renderer (spec.md §4.8 — component C8):
// per-channel surface binding, the three-state surface-recovery state
// machine, adaptive target frame rate, and an optional multi-surface
// compositor. Grounded on the teacher's surface/track lifecycle handling in
// webrtc/sfu.go (cleanup-on-track-exit, guarded single-writer goroutine),
// generalized from "peer connection track" to "display surface."
package render

import (
	"sync"
	"time"

	"github.com/n0remac/rtsp-vision/config"
	"github.com/n0remac/rtsp-vision/frame"
	"github.com/n0remac/rtsp-vision/queue"
	"github.com/n0remac/rtsp-vision/verrors"
)

// Surface is the graphics/surface-binding external-collaborator interface
// (spec.md §6.3).
type Surface interface {
	SetBuffersGeometry(w, h, format int) error
	Lock() ([]byte, int, error) // returns mapped buffer and its stride
	UnlockAndPost() error
	Width() int
	Height() int
	Format() int
}

// RecoveryState is the renderer's explicit three-state surface-recovery
// machine (spec.md §4.8, §9 "exactly three observable states").
type RecoveryState int

const (
	Healthy RecoveryState = iota
	RecoveryRequested
	ForceReset
)

func (s RecoveryState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case RecoveryRequested:
		return "recovery_requested"
	case ForceReset:
		return "force_reset"
	default:
		return "unknown"
	}
}

// Channel is one channel's render-side state: its bound surface, counters,
// and recovery machine.
type Channel struct {
	ChannelID int

	mu               sync.Mutex
	surface          Surface
	invalidCount     int
	lockFailCount    int
	recoveryState    RecoveryState
	recoveryAttempts int
	recoveryStarted  time.Time

	targetFPS   float32
	lastFrameAt time.Time
}

// NewChannel constructs a render-side channel record, starting with no
// bound surface and the default target FPS.
func NewChannel(channelID int) *Channel {
	return &Channel{ChannelID: channelID, targetFPS: config.TargetFPS}
}

// SetSurface (re)binds the channel's surface. Idempotent: calling it twice
// with nil is a no-op (spec.md §8 "Idempotence" law).
func (c *Channel) SetSurface(s Surface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == nil && c.surface == nil {
		return
	}
	c.surface = s
	c.invalidCount = 0
	c.lockFailCount = 0
	if s != nil {
		c.recoveryState = Healthy
		c.recoveryAttempts = 0
	}
}

// RecoveryState returns the current surface-recovery state.
func (c *Channel) RecoveryState() RecoveryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recoveryState
}

// RenderFrame performs the draw-and-post sequence of spec.md §4.8 steps
// 1-5: f's pixels are copied into the mapped destination buffer first, then
// draw is called to overlay the detection boxes/labels on top of it, so the
// overlay survives onto the posted surface.
func (c *Channel) RenderFrame(f *frame.Frame, draw func(dst []byte, dstStride int, f *frame.Frame)) error {
	c.mu.Lock()
	if c.recoveryState != Healthy {
		c.mu.Unlock()
		return verrors.NewSurfaceLost(c.ChannelID, "recovery in progress")
	}
	surface := c.surface
	c.mu.Unlock()

	if surface == nil {
		return verrors.NewSurfaceLost(c.ChannelID, "no surface bound")
	}

	if surface.Width() <= 0 || surface.Height() <= 0 {
		c.onInvalidSurface()
		return verrors.NewSurfaceLost(c.ChannelID, "invalid surface dimensions")
	}
	c.mu.Lock()
	c.invalidCount = 0
	c.mu.Unlock()

	if err := surface.SetBuffersGeometry(f.Width, f.Height, int(frame.RGBA8888)); err != nil {
		return verrors.NewTransientIO("render.set_geometry", err)
	}

	dst, dstStride, err := surface.Lock()
	if err != nil {
		c.onLockFailure()
		return verrors.NewTransientIO("render.lock", err)
	}
	c.mu.Lock()
	c.lockFailCount = 0
	c.mu.Unlock()

	copyRows(dst, dstStride, f.Pixels, f.Stride, f.Height)
	draw(dst, dstStride, f)

	if err := surface.UnlockAndPost(); err != nil {
		return verrors.NewTransientIO("render.unlock_and_post", err)
	}

	c.mu.Lock()
	c.lastFrameAt = time.Now()
	c.mu.Unlock()
	return nil
}

func copyRows(dst []byte, dstStride int, src []byte, srcStride int, height int) {
	rowBytes := dstStride
	if srcStride < rowBytes {
		rowBytes = srcStride
	}
	for row := 0; row < height; row++ {
		dOff := row * dstStride
		sOff := row * srcStride
		if dOff+rowBytes > len(dst) || sOff+rowBytes > len(src) {
			break
		}
		copy(dst[dOff:dOff+rowBytes], src[sOff:sOff+rowBytes])
	}
}

// onInvalidSurface increments the invalid-dimensions counter; after 5
// consecutive invalids it raises surface-recovery (spec.md §4.8 step 1).
func (c *Channel) onInvalidSurface() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidCount++
	if c.invalidCount >= 5 {
		c.requestRecoveryLocked()
	}
}

// onLockFailure increments the lock-failure counter; after 10 consecutive
// failures it raises surface-recovery (spec.md §4.8 step 3).
func (c *Channel) onLockFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockFailCount++
	if c.lockFailCount >= 10 {
		c.requestRecoveryLocked()
	}
}

func (c *Channel) requestRecoveryLocked() {
	if c.recoveryState == Healthy {
		c.recoveryState = RecoveryRequested
		c.recoveryStarted = time.Now()
		c.surface = nil
	}
}

// IsRecoveryRequested reports whether recovery is outstanding (spec.md
// §6.1 "is_surface_recovery_requested").
func (c *Channel) IsRecoveryRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recoveryState == RecoveryRequested
}

// ClearRecoveryRequest clears a pending recovery request without a new
// surface (spec.md §6.1 "clear_surface_recovery_request") — used by hosts
// that want to cancel without resetting the channel.
func (c *Channel) ClearRecoveryRequest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recoveryState == RecoveryRequested {
		c.recoveryState = Healthy
		c.invalidCount = 0
		c.lockFailCount = 0
	}
}

// CheckRecoveryTimeout advances the recovery state machine: once
// SURFACE_RECOVERY_TIMEOUT_MS (10s) elapses with no new surface, one
// recovery attempt is recorded; after SurfaceMaxRecoveryAttempts (3), the
// channel is force-reset (spec.md §4.8). Returns true exactly when
// ForceReset was just entered.
func (c *Channel) CheckRecoveryTimeout() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recoveryState != RecoveryRequested {
		return false
	}
	if time.Since(c.recoveryStarted) < config.SurfaceRecoveryTimeout {
		return false
	}
	c.recoveryAttempts++
	if c.recoveryAttempts >= config.SurfaceMaxRecoveryAttempts {
		c.recoveryState = ForceReset
		return true
	}
	c.recoveryStarted = time.Now()
	return false
}

// ForceReset clears all surface-related state and returns the channel to
// Healthy (pending a fresh bind), per spec.md §4.8: "all surface-related
// state is cleared and the channel state becomes Inactive."
func (c *Channel) ForceReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.surface = nil
	c.invalidCount = 0
	c.lockFailCount = 0
	c.recoveryAttempts = 0
	c.recoveryState = Healthy
}

// AdaptFPS adjusts the channel's target FPS given current system render
// load (spec.md §4.8 "Adaptive frame rate").
func (c *Channel) AdaptFPS(systemLoad, maxRenderLoad float64) float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if systemLoad > maxRenderLoad {
		c.targetFPS *= 0.9
		if c.targetFPS < 15 {
			c.targetFPS = 15
		}
	} else if systemLoad < maxRenderLoad*0.7 {
		c.targetFPS *= 1.1
		if c.targetFPS > 30 {
			c.targetFPS = 30
		}
	}
	return c.targetFPS
}

// TargetFPS returns the channel's current target FPS.
func (c *Channel) TargetFPS() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetFPS
}

// ShouldPace reports whether a frame arriving now would miss the channel's
// pacing window and should be dropped at the renderer (spec.md §4.8:
// "Frames missing the pacing window are dropped at the renderer").
func (c *Channel) ShouldPace(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.targetFPS <= 0 {
		return false
	}
	minInterval := time.Duration(float64(time.Second) / float64(c.targetFPS))
	return now.Sub(c.lastFrameAt) < minInterval
}

// DrainLoop pops frames from renderQ and renders them until stop fires,
// applying pacing and dropping frames the surface-recovery machine has
// parked. draw overlays detections onto the destination buffer.
func (c *Channel) DrainLoop(renderQ *queue.Queue, draw func(dst []byte, dstStride int, f *frame.Frame), stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		f, ok := renderQ.PopTimeout(100 * time.Millisecond)
		if !ok {
			continue
		}
		if c.ShouldPace(time.Now()) {
			f.Release()
			continue
		}
		_ = c.RenderFrame(f, draw)
		f.Release()
	}
}
