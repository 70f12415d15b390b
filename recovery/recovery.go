// Package recovery implements the recovery manager (spec.md §4.11 —
// component C11): action selection when a channel degrades, attempt/delay
// gating, and the composite ResetChannel sequence. Grounded on
// other_examples/tphakala-birdnet-go's RTSPHealthWatchdog restart-guard
// (RestartInProgress flag preventing concurrent restarts of the same
// stream), generalized into a per-action-type attempt counter with uuid
// correlation IDs for each attempt (teacher's peer/session-id pattern,
// n0remac-robot-webrtc's go.mod direct dependency on google/uuid).
package recovery

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/n0remac/rtsp-vision/events"
	"github.com/n0remac/rtsp-vision/health"
	"github.com/n0remac/rtsp-vision/verrors"
)

// Action is one remediation the manager can take (spec.md §4.11).
type Action int

const (
	ReconnectStream Action = iota
	RestartDecoder
	ReduceQuality
	IncreaseBuffer
	ResetChannel
	ThrottleProcessing
	ClearQueues
	RestartThreadPool
)

func (a Action) String() string {
	switch a {
	case ReconnectStream:
		return "reconnect_stream"
	case RestartDecoder:
		return "restart_decoder"
	case ReduceQuality:
		return "reduce_quality"
	case IncreaseBuffer:
		return "increase_buffer"
	case ResetChannel:
		return "reset_channel"
	case ThrottleProcessing:
		return "throttle_processing"
	case ClearQueues:
		return "clear_queues"
	case RestartThreadPool:
		return "restart_thread_pool"
	default:
		return "unknown"
	}
}

// Executor performs the actual side effects of an action; the channel
// manager implements this (spec.md §4.12 owns ingestor/decoder/pipeline
// lifecycle).
type Executor interface {
	ReconnectStream(channelID int) error
	RestartDecoder(channelID int) error
	ReduceQuality(channelID int) error
	IncreaseBuffer(channelID int) error
	ThrottleProcessing(channelID int) error
	ClearQueues(channelID int) error
	RestartThreadPool(channelID int) error

	// ResetChannel's composite steps, called in order by the manager with
	// brief gaps (spec.md §4.11).
	StopIngestor(channelID int) error
	ResetDecoder(channelID int) error
	StopPipeline(channelID int) error
	StartPipeline(channelID int) error
	ReconnectIngestor(channelID int) error
}

type channelState struct {
	mu          sync.Mutex
	attempts    int
	lastAttempt time.Time
	autoEnabled bool
}

// Manager selects and executes recovery actions per channel.
type Manager struct {
	exec         Executor
	listener     events.RecoveryListener
	maxAttempts  int
	recoveryDelay time.Duration

	mu       sync.Mutex
	channels map[int]*channelState

	succeeded atomic.Uint64
	failed    atomic.Uint64
}

// New constructs a Manager. maxAttempts and recoveryDelay gate
// should_attempt_recovery (spec.md §4.11).
func New(exec Executor, listener events.RecoveryListener, maxAttempts int, recoveryDelay time.Duration) *Manager {
	return &Manager{
		exec:          exec,
		listener:      listener,
		maxAttempts:   maxAttempts,
		recoveryDelay: recoveryDelay,
		channels:      make(map[int]*channelState),
	}
}

func (m *Manager) state(channelID int) *channelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.channels[channelID]
	if !ok {
		s = &channelState{autoEnabled: true}
		m.channels[channelID] = s
	}
	return s
}

// SetAutoRecovery enables or disables auto-recovery for a channel (spec.md
// §4.11: "Auto-recovery can be disabled per channel").
func (m *Manager) SetAutoRecovery(channelID int, enabled bool) {
	s := m.state(channelID)
	s.mu.Lock()
	s.autoEnabled = enabled
	s.mu.Unlock()
}

// ShouldAttemptRecovery reports whether channelID may attempt another
// recovery now (spec.md §4.11: "attempts < max_attempts and
// time-since-last > recovery_delay").
func (m *Manager) ShouldAttemptRecovery(channelID int) bool {
	s := m.state(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.autoEnabled {
		return false
	}
	if s.attempts >= m.maxAttempts {
		return false
	}
	return time.Since(s.lastAttempt) > m.recoveryDelay
}

// SelectAction picks a remediation per spec.md §4.11's selection rules,
// given the channel's overall status and any triggered anomalies.
func SelectAction(overall health.Status, anomalies []health.Anomaly) Action {
	if overall == health.Failed {
		return ReconnectStream
	}
	if overall == health.Critical {
		for _, a := range anomalies {
			switch a.Name {
			case "connection_instability":
				return ReconnectStream
			}
		}
		for _, a := range anomalies {
			if containsWord(a.Name, "decoder") {
				return RestartDecoder
			}
		}
		for _, a := range anomalies {
			if containsWord(a.Name, "memory") {
				return ClearQueues
			}
		}
		for _, a := range anomalies {
			if containsWord(a.Name, "cpu") {
				return ThrottleProcessing
			}
		}
		return ResetChannel
	}
	if overall == health.Warning {
		return ClearQueues
	}
	return ClearQueues
}

func containsWord(haystack, word string) bool {
	for i := 0; i+len(word) <= len(haystack); i++ {
		if haystack[i:i+len(word)] == word {
			return true
		}
	}
	return false
}

// Attempt runs the selected action against channelID if allowed, updating
// attempt counters and emitting recovery events. Returns the correlation
// ID and whether the action ran.
func (m *Manager) Attempt(channelID int, overall health.Status, anomalies []health.Anomaly) (uuid.UUID, bool) {
	if !m.ShouldAttemptRecovery(channelID) {
		return uuid.Nil, false
	}
	action := SelectAction(overall, anomalies)
	id := uuid.New()

	s := m.state(channelID)
	s.mu.Lock()
	s.attempts++
	s.lastAttempt = time.Now()
	s.mu.Unlock()

	if m.listener != nil {
		m.listener.OnRecoveryAttempted(channelID, action.String(), s.attempts)
	}

	var err error
	if action == ResetChannel {
		err = m.runResetChannel(channelID)
	} else {
		err = m.runSimpleAction(channelID, action)
	}

	if err != nil {
		m.failed.Add(1)
		if m.listener != nil {
			m.listener.OnRecoveryFailed(channelID, action.String(), err)
		}
		if s.attempts >= m.maxAttempts {
			if m.listener != nil {
				m.listener.OnRecoveryExhausted(channelID, s.attempts)
			}
		}
		return id, true
	}

	m.succeeded.Add(1)
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
	if m.listener != nil {
		m.listener.OnRecoverySucceeded(channelID, action.String())
	}
	return id, true
}

func (m *Manager) runSimpleAction(channelID int, action Action) error {
	switch action {
	case ReconnectStream:
		return m.exec.ReconnectStream(channelID)
	case RestartDecoder:
		return m.exec.RestartDecoder(channelID)
	case ReduceQuality:
		return m.exec.ReduceQuality(channelID)
	case IncreaseBuffer:
		return m.exec.IncreaseBuffer(channelID)
	case ThrottleProcessing:
		return m.exec.ThrottleProcessing(channelID)
	case ClearQueues:
		return m.exec.ClearQueues(channelID)
	case RestartThreadPool:
		return m.exec.RestartThreadPool(channelID)
	default:
		return verrors.NewInvalidArgument("recovery.unknown_action", nil)
	}
}

// runResetChannel executes the composite ResetChannel sequence with brief
// (0.5s) gaps between steps (spec.md §4.11).
func (m *Manager) runResetChannel(channelID int) error {
	const gap = 500 * time.Millisecond
	steps := []func(int) error{
		m.exec.StopIngestor,
		m.exec.ResetDecoder,
		m.exec.StopPipeline,
		m.exec.StartPipeline,
		m.exec.ReconnectIngestor,
	}
	for i, step := range steps {
		if err := step(channelID); err != nil {
			return err
		}
		if i < len(steps)-1 {
			time.Sleep(gap)
		}
	}
	return nil
}

// Attempts returns the current per-channel attempt counter.
func (m *Manager) Attempts(channelID int) int {
	s := m.state(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Totals returns the cumulative (succeeded, failed) action counts (spec.md
// §8 invariant 8).
func (m *Manager) Totals() (succeeded, failed uint64) {
	return m.succeeded.Load(), m.failed.Load()
}
