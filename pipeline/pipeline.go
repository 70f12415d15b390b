// Package pipeline implements the per-channel detection pipeline (spec.md
// §4.7 — component C7): ties the ingestor/decoder/inference triad together
// for one channel, enforces per-channel policy (threshold, max detections,
// NMS), and adapts detection rate under load. Grounded on the teacher's
// per-track goroutine + cleanup shape in webrtc/sfu.go's OnTrack handler
// (n0remac-robot-webrtc), generalized from "one goroutine per WebRTC track"
// to "one dispatch goroutine per channel."
package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/n0remac/rtsp-vision/config"
	"github.com/n0remac/rtsp-vision/events"
	"github.com/n0remac/rtsp-vision/frame"
	"github.com/n0remac/rtsp-vision/inference"
	"github.com/n0remac/rtsp-vision/queue"
)

// State is the pipeline's lifecycle state (spec.md §4.7).
type State int

const (
	Inactive State = iota
	Initializing
	Active
	Paused
	Error
	Destroyed
)

// Pipeline dispatches frames from a channel's input queue into its
// inference pool, post-processes results, and forwards annotated frames to
// the render queue.
type Pipeline struct {
	ChannelID int
	Policy    config.Policy

	infPool    *inference.Pool
	inputQ     *queue.Queue
	renderQ    *queue.Queue
	listener   events.QueueListener

	mu    sync.Mutex
	state State

	// adaptive-skip state (spec.md §4.7)
	skipN         int
	skipCounter   int
	avgProcessMs  float64
	sampleCount   int

	globalDetectionOn atomic.Bool

	stop chan struct{}
	done chan struct{}
}

// New constructs a Pipeline bound to inputQ (fed by the decoder session)
// and renderQ (drained by the renderer), dispatching into infPool.
func New(channelID int, policy config.Policy, infPool *inference.Pool, inputQ, renderQ *queue.Queue, listener events.QueueListener) *Pipeline {
	p := &Pipeline{
		ChannelID: channelID,
		Policy:    policy,
		infPool:   infPool,
		inputQ:    inputQ,
		renderQ:   renderQ,
		listener:  listener,
		state:     Initializing,
		skipN:     1,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.globalDetectionOn.Store(true)
	return p
}

// SetGlobalDetection toggles the process-wide detection switch (spec.md
// §4.7: "if global detection is off").
func (p *Pipeline) SetGlobalDetection(on bool) { p.globalDetectionOn.Store(on) }

// Start begins the dispatch goroutine.
func (p *Pipeline) Start() {
	p.mu.Lock()
	p.state = Active
	p.mu.Unlock()
	go p.run()
}

// Pause/Resume toggle between Active and Paused without tearing down the
// dispatch goroutine.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Active {
		p.state = Paused
	}
}

func (p *Pipeline) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Paused {
		p.state = Active
	}
}

// State returns the pipeline's current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stop halts the dispatch goroutine and waits for it to exit.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.state = Destroyed
	p.mu.Unlock()
	close(p.stop)
	<-p.done
}

// SubmitFrame enqueues f for detection, or — if detection is disabled for
// any reason — lets it bypass straight to the render queue so video still
// displays without boxes (spec.md §4.7).
func (p *Pipeline) SubmitFrame(f *frame.Frame) {
	p.mu.Lock()
	active := p.state == Active
	p.mu.Unlock()

	if !p.globalDetectionOn.Load() || !active || !p.Policy.DetectionEnabled {
		p.bypass(f)
		return
	}

	if p.inputQ.Push(f) == queue.Dropped {
		if p.listener != nil {
			p.listener.OnQueueOverflow(p.ChannelID, "input")
		}
	}
}

func (p *Pipeline) bypass(f *frame.Frame) {
	if p.renderQ.Push(f) == queue.Dropped && p.listener != nil {
		p.listener.OnQueueOverflow(p.ChannelID, "render")
	}
}

func (p *Pipeline) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		f, ok := p.inputQ.PopTimeout(100 * time.Millisecond)
		if !ok {
			continue
		}

		p.mu.Lock()
		skip := p.shouldSkipLocked()
		p.mu.Unlock()
		if skip {
			p.bypass(f)
			continue
		}

		start := time.Now()
		p.infPool.Submit(f, p.Policy.ConfidenceThreshold, p.Policy.MaxDetections)
		dets := p.infPool.GetResult(f.FrameID)
		elapsed := time.Since(start)

		p.recordProcessTime(elapsed)

		if p.Policy.EnableNMS {
			dets = nonMaxSuppress(dets, p.Policy.NMSThreshold)
		}
		dets = clipToFrame(dets, f.Width, f.Height)
		f.SetDetections(dets)

		if p.renderQ.Push(f) == queue.Dropped && p.listener != nil {
			p.listener.OnQueueOverflow(p.ChannelID, "render")
		}
	}
}

// shouldSkipLocked implements the adaptive-skip decision (spec.md §4.7):
// when rolling processing time > 100ms or queue utilization > 80%, skip
// 1-in-N frames (N grows up to 3); recover when sustained FPS passes 95% of
// target. Caller holds p.mu.
func (p *Pipeline) shouldSkipLocked() bool {
	util := float64(p.inputQ.Size()) / float64(p.Policy.MaxQueueSize)
	overloaded := p.avgProcessMs > 100 || util > 0.8

	if overloaded {
		if p.skipN < 3 {
			p.skipN++
		}
	} else if p.avgProcessMs > 0 && p.avgProcessMs < float64(1000/p.Policy.TargetFPS)*0.95 {
		if p.skipN > 1 {
			p.skipN--
		}
	}

	p.skipCounter++
	if p.skipCounter >= p.skipN {
		p.skipCounter = 0
		return false
	}
	return p.skipN > 1
}

// recordProcessTime maintains a simple exponential moving average of
// inference processing time.
func (p *Pipeline) recordProcessTime(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ms := float64(d.Milliseconds())
	if p.sampleCount == 0 {
		p.avgProcessMs = ms
	} else {
		const alpha = 0.2
		p.avgProcessMs = alpha*ms + (1-alpha)*p.avgProcessMs
	}
	p.sampleCount++
}

// clipToFrame clamps every detection's box to [0,w)x[0,h) (spec.md §4.7,
// §8 quantified law).
func clipToFrame(dets []frame.Detection, w, h int) []frame.Detection {
	out := make([]frame.Detection, 0, len(dets))
	for _, d := range dets {
		if d.X < 0 {
			d.W += d.X
			d.X = 0
		}
		if d.Y < 0 {
			d.H += d.Y
			d.Y = 0
		}
		if d.X+d.W > w {
			d.W = w - d.X
		}
		if d.Y+d.H > h {
			d.H = h - d.Y
		}
		if d.W > 0 && d.H > 0 {
			out = append(out, d)
		}
	}
	return out
}

// nonMaxSuppress applies standard greedy NMS per class, highest confidence
// first, suppressing boxes with IoU > threshold against a kept box.
func nonMaxSuppress(dets []frame.Detection, threshold float32) []frame.Detection {
	if len(dets) == 0 {
		return dets
	}
	sorted := make([]frame.Detection, len(dets))
	copy(sorted, dets)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Confidence > sorted[j-1].Confidence; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	kept := make([]frame.Detection, 0, len(sorted))
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].ClassID != sorted[i].ClassID {
				continue
			}
			if iou(sorted[i], sorted[j]) > threshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func iou(a, b frame.Detection) float32 {
	x1, y1 := max(a.X, b.X), max(a.Y, b.Y)
	x2, y2 := min(a.X+a.W, b.X+b.W), min(a.Y+a.H, b.Y+b.H)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := float32((x2 - x1) * (y2 - y1))
	areaA := float32(a.W * a.H)
	areaB := float32(b.W * b.H)
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
