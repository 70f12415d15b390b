// Package inference implements the per-channel inference worker pool
// (spec.md §4.6 — component C6): a fixed set of workers, each owning its
// own detector instance, pulling frames from a submission queue, running
// detection, and publishing results keyed by frame id with two-flavored
// retrieval. Grounded on the teacher's cvpipe.Pipeline worker-loop shape
// (n0remac-robot-webrtc/cvpipe/pipeline.go's goroutine-per-subscriber
// pattern), generalized to a fixed worker pool pulling from one shared
// queue instead of broadcasting to many.
package inference

import (
	"sync"
	"time"

	"github.com/n0remac/rtsp-vision/config"
	"github.com/n0remac/rtsp-vision/frame"
	"github.com/n0remac/rtsp-vision/verrors"
	"github.com/n0remac/rtsp-vision/vlog"
)

// Detector is the neural-inference-runtime external-collaborator interface
// (spec.md §1, §4.6: "each worker holds its own detector instance").
type Detector interface {
	Detect(pixels []byte, width, height int) ([]frame.Detection, error)
	Close() error
}

// DetectorFactory builds a fresh Detector loaded from shared model bytes,
// one per worker (spec.md §4.6).
type DetectorFactory func(modelBytes []byte) (Detector, error)

const maxTask = 64 // submission queue soft cap before backpressure kicks in (spec.md §4.6 MAX_TASK)

// task pairs a frame with the channel-specific policy applied after
// inference.
type task struct {
	f                   *frame.Frame
	confidenceThreshold float32
	maxDetections       uint32
}

// resultEntry is one published (frame_id -> detections) row plus the frame
// reference it travels with, cleaned up on fetch (spec.md §4.6).
type resultEntry struct {
	detections []frame.Detection
	f          *frame.Frame
	at         time.Time
}

// Pool is one channel's inference worker pool.
type Pool struct {
	ChannelID int
	modelBytes []byte
	factory   DetectorFactory

	mu      sync.Mutex
	queue   []task
	cond    *sync.Cond

	resultsMu sync.Mutex
	results   map[uint64]resultEntry

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Pool with workerCount workers, each built from factory
// using modelBytes.
func New(channelID int, workerCount int, modelBytes []byte, factory DetectorFactory) (*Pool, error) {
	if workerCount <= 0 {
		workerCount = 3
	}
	p := &Pool{
		ChannelID:  channelID,
		modelBytes: modelBytes,
		factory:    factory,
		results:    make(map[uint64]resultEntry),
		stop:       make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < workerCount; i++ {
		det, err := factory(modelBytes)
		if err != nil {
			return nil, verrors.NewFatal("inference.worker_init", err)
		}
		p.wg.Add(1)
		go p.worker(det)
	}
	return p, nil
}

// Submit enqueues f for inference. Applies the submission-queue
// backpressure rule: if the queue length exceeds MAX_TASK, sleep 1ms and
// retry (spec.md §4.6) — the one explicit sleep-to-poll loop permitted by
// spec.md §9.
func (p *Pool) Submit(f *frame.Frame, confidenceThreshold float32, maxDetections uint32) {
	for {
		p.mu.Lock()
		if len(p.queue) <= maxTask {
			p.queue = append(p.queue, task{f: f, confidenceThreshold: confidenceThreshold, maxDetections: maxDetections})
			p.cond.Signal()
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

// QueueLen returns the current submission-queue length.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pool) worker(det Detector) {
	defer p.wg.Done()
	defer det.Close()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 {
			select {
			case <-p.stop:
				p.mu.Unlock()
				return
			default:
			}
			p.cond.Wait()
			select {
			case <-p.stop:
				p.mu.Unlock()
				return
			default:
			}
		}
		t := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		dets, err := det.Detect(t.f.Pixels, t.f.Width, t.f.Height)
		if err != nil {
			// spec.md §7 classifies a detector failure as TransientIO: log
			// and move on. The caller (pipeline) still owns t.f and is
			// blocked in GetResult on this frame id, so publish an empty
			// result rather than releasing a frame we don't own — otherwise
			// the dispatch goroutine wedges forever on this one frame, and
			// the pipeline ends up using a frame the worker already freed.
			vlog.WithComponent(vlog.L(), "inference").Warn("detect failed",
				"channel", p.ChannelID, "frame_id", t.f.FrameID, "err", err)
			p.resultsMu.Lock()
			p.results[t.f.FrameID] = resultEntry{detections: nil, f: t.f, at: time.Now()}
			p.resultsMu.Unlock()
			continue
		}

		filtered := make([]frame.Detection, 0, len(dets))
		for _, d := range dets {
			if d.Confidence >= t.confidenceThreshold {
				filtered = append(filtered, d)
			}
		}
		if uint32(len(filtered)) > t.maxDetections {
			filtered = filtered[:t.maxDetections]
		}

		p.resultsMu.Lock()
		p.results[t.f.FrameID] = resultEntry{detections: filtered, f: t.f, at: time.Now()}
		p.resultsMu.Unlock()
	}
}

// GetResult blocks, polling every 1ms, until frameID's result appears, then
// removes it from both maps (spec.md §4.6 "Blocking get_result"). Bounded by
// config.InferenceResultTimeout as a backstop against a lost or never-
// published result wedging the caller forever (spec.md §7).
func (p *Pool) GetResult(frameID uint64) []frame.Detection {
	deadline := time.Now().Add(config.InferenceResultTimeout)
	for {
		if dets, ok := p.GetResultNonblock(frameID); ok {
			return dets
		}
		if time.Now().After(deadline) {
			vlog.WithComponent(vlog.L(), "inference").Warn("get_result timed out",
				"channel", p.ChannelID, "frame_id", frameID)
			return nil
		}
		time.Sleep(time.Millisecond)
	}
}

// GetResultNonblock returns (detections, true) if ready, else (nil, false)
// (spec.md §4.6 "Non-blocking get_result_nonblock"). Removes the entry on a
// successful fetch.
func (p *Pool) GetResultNonblock(frameID uint64) ([]frame.Detection, bool) {
	p.resultsMu.Lock()
	defer p.resultsMu.Unlock()
	entry, ok := p.results[frameID]
	if !ok {
		return nil, false
	}
	delete(p.results, frameID)
	return entry.detections, true
}

// TakeAnnotatedFrame returns and removes the frame reference published
// alongside frameID's result, if still present.
func (p *Pool) TakeAnnotatedFrame(frameID uint64) (*frame.Frame, bool) {
	p.resultsMu.Lock()
	defer p.resultsMu.Unlock()
	entry, ok := p.results[frameID]
	if !ok {
		return nil, false
	}
	delete(p.results, frameID)
	return entry.f, true
}

// GCStale removes result entries older than renderHead by more than
// queueCapacity frame ids, releasing their frame references (spec.md §4.6:
// "Stale entries ... MAY be garbage-collected periodically").
func (p *Pool) GCStale(renderHead uint64, queueCapacity uint64) int {
	p.resultsMu.Lock()
	defer p.resultsMu.Unlock()
	removed := 0
	for id, entry := range p.results {
		if id+queueCapacity < renderHead {
			entry.f.Release()
			delete(p.results, id)
			removed++
		}
	}
	return removed
}

// Close stops all workers and waits for them to exit (spec.md §5:
// "destructors MUST NOT return while any worker is still running").
func (p *Pool) Close() {
	close(p.stop)
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}
