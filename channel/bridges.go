// bridges.go adapts the channel manager onto the narrow per-subsystem
// event-emitter interfaces (events.PoolListener, events.QueueListener,
// events.RecoveryListener) and implements recovery.Executor, so a single
// Manager both owns every channel's collaborators and is the object the
// rest of the engine calls back into.
package channel

import (
	"context"

	"github.com/n0remac/rtsp-vision/decoder"
	"github.com/n0remac/rtsp-vision/inference"
	"github.com/n0remac/rtsp-vision/vlog"
)

type poolEventBridge struct{ m *Manager }

func (b poolEventBridge) OnAssigned(channelID int, decoderID string) {
	vlog.WithComponent(vlog.WithChannel(vlog.L(), channelID), "decoderpool").Debug("decoder assigned", "decoder", decoderID)
}

func (b poolEventBridge) OnReleased(channelID int, decoderID string) {
	vlog.WithComponent(vlog.WithChannel(vlog.L(), channelID), "decoderpool").Debug("decoder released", "decoder", decoderID)
}

func (b poolEventBridge) OnContention(channelID int) {
	vlog.WithComponent(vlog.WithChannel(vlog.L(), channelID), "decoderpool").Warn("decoder pool contention")
}

func (b poolEventBridge) OnPreemption(fromChannel, toChannel int, decoderID string) {
	vlog.WithComponent(vlog.L(), "decoderpool").Warn("decoder preempted", "from", fromChannel, "to", toChannel, "decoder", decoderID)
}

func (b poolEventBridge) OnPoolExpanded(codecType string, total int) {
	vlog.WithComponent(vlog.L(), "decoderpool").Info("pool expanded", "codec", codecType, "total", total)
}

func (b poolEventBridge) OnPoolShrunk(codecType string, total int) {
	vlog.WithComponent(vlog.L(), "decoderpool").Info("pool shrunk", "codec", codecType, "total", total)
}

type queueEventBridge struct{ m *Manager }

func (b queueEventBridge) OnQueueOverflow(channelID int, queueName string) {
	vlog.WithComponent(vlog.WithChannel(vlog.L(), channelID), "pipeline").Warn("queue overflow", "queue", queueName)
}

type recoveryEventBridge struct{ m *Manager }

func (b recoveryEventBridge) OnRecoveryAttempted(channelID int, action string, attempt int) {
	vlog.WithComponent(vlog.WithChannel(vlog.L(), channelID), "recovery").Info("recovery attempted", "action", action, "attempt", attempt)
}

func (b recoveryEventBridge) OnRecoverySucceeded(channelID int, action string) {
	vlog.WithComponent(vlog.WithChannel(vlog.L(), channelID), "recovery").Info("recovery succeeded", "action", action)
}

func (b recoveryEventBridge) OnRecoveryFailed(channelID int, action string, err error) {
	vlog.WithComponent(vlog.WithChannel(vlog.L(), channelID), "recovery").Warn("recovery failed", "action", action, "err", err)
	if b.m != nil {
		b.m.listener.OnChannelError(channelID, "recovery action "+action+" failed: "+err.Error())
	}
}

func (b recoveryEventBridge) OnRecoveryExhausted(channelID int, attempts int) {
	vlog.WithComponent(vlog.WithChannel(vlog.L(), channelID), "recovery").Error("recovery exhausted", "attempts", attempts)
	if b.m != nil {
		b.m.listener.OnChannelError(channelID, "recovery exhausted; channel requires host intervention")
	}
}

// managerExecutor implements recovery.Executor against the channel
// manager's own lifecycle operations (spec.md §4.11, §4.12).
type managerExecutor struct{ m *Manager }

func (e managerExecutor) ReconnectStream(channelID int) error {
	if err := e.StopIngestor(channelID); err != nil {
		return err
	}
	return e.ReconnectIngestor(channelID)
}

func (e managerExecutor) RestartDecoder(channelID int) error {
	return e.ResetDecoder(channelID)
}

func (e managerExecutor) ReduceQuality(channelID int) error {
	ch, err := e.m.get(channelID)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ch.policy.TargetFPS *= 0.75
	if ch.policy.TargetFPS < 10 {
		ch.policy.TargetFPS = 10
	}
	if ch.pipe != nil {
		ch.pipe.Policy.TargetFPS = ch.policy.TargetFPS
	}
	ch.mu.Unlock()
	return nil
}

func (e managerExecutor) IncreaseBuffer(channelID int) error {
	ch, err := e.m.get(channelID)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	// A live queue's capacity is fixed at construction (spec.md §4.2); the
	// larger size takes effect on the channel's next start_channel call.
	ch.policy.MaxQueueSize *= 2
	ch.mu.Unlock()
	return nil
}

func (e managerExecutor) ThrottleProcessing(channelID int) error {
	ch, err := e.m.get(channelID)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	rc := ch.renderCh
	ch.mu.Unlock()
	if rc != nil {
		rc.AdaptFPS(1.0, 0.5)
	}
	return nil
}

func (e managerExecutor) ClearQueues(channelID int) error {
	ch, err := e.m.get(channelID)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	inputQ := ch.inputQ
	renderQ := ch.renderQ
	ch.mu.Unlock()
	if inputQ != nil {
		inputQ.Clear()
	}
	if renderQ != nil {
		renderQ.Clear()
	}
	return nil
}

func (e managerExecutor) RestartThreadPool(channelID int) error {
	ch, err := e.m.get(channelID)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	old := ch.infPool
	policy := ch.policy
	ch.mu.Unlock()
	if old != nil {
		old.Close()
	}
	newPool, err := inference.New(channelID, int(policy.ThreadPoolSize), e.m.modelBytes, e.m.collab.NewDetector)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ch.infPool = newPool
	ch.mu.Unlock()
	return nil
}

// StopIngestor, ResetDecoder, StopPipeline, StartPipeline, and
// ReconnectIngestor are the five ResetChannel composite steps (spec.md
// §4.11), each individually addressable so a simple action can reuse one.

func (e managerExecutor) StopIngestor(channelID int) error {
	ch, err := e.m.get(channelID)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ing := ch.ingestor
	ch.ingestor = nil
	ch.mu.Unlock()
	if ing != nil {
		ing.Stop()
	}
	return nil
}

func (e managerExecutor) ResetDecoder(channelID int) error {
	ch, err := e.m.get(channelID)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	oldSess := ch.decoderSess
	oldEntry := ch.decoderEnt
	priority := ch.priority
	policy := ch.policy
	ch.mu.Unlock()

	if oldSess != nil {
		oldSess.Close()
	}
	if oldEntry != nil {
		e.m.pool.Release(oldEntry)
	}

	entry, err := e.m.pool.Acquire(channelID, decoder.H264, priority)
	if err != nil {
		return err
	}
	sess, err := decoder.NewSession(channelID, decoder.H264, entry.Decoder, policy.TargetFPS,
		func(df decoder.DecodedFrame) { e.m.onDecodedFrame(ch, df) },
		func(rate float64) { e.m.onDecoderErrorRateHigh(ch, rate) })
	if err != nil {
		e.m.pool.Release(entry)
		return err
	}

	ch.mu.Lock()
	ch.decoderEnt = entry
	ch.decoderSess = sess
	ch.mu.Unlock()
	return nil
}

func (e managerExecutor) StopPipeline(channelID int) error {
	ch, err := e.m.get(channelID)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	pipe := ch.pipe
	ch.mu.Unlock()
	if pipe != nil {
		pipe.Pause()
	}
	return nil
}

func (e managerExecutor) StartPipeline(channelID int) error {
	ch, err := e.m.get(channelID)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	pipe := ch.pipe
	ch.mu.Unlock()
	if pipe != nil {
		pipe.Resume()
	}
	return nil
}

func (e managerExecutor) ReconnectIngestor(channelID int) error {
	ch, err := e.m.get(channelID)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ing := e.m.newIngestorLocked(ch)
	ch.ingestor = ing
	ch.mu.Unlock()
	ing.Start(context.Background())
	return nil
}
