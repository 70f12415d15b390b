// Package ingest implements the stream ingestor (spec.md §4.3 — component
// C3): one RTSP session per channel, reconnect backoff, per-track packet
// callback, frame-timeout detection, keyframe gating on (re)connect, and a
// 1-second sliding FPS window. Grounded on the teacher's webrtc/sfu.go
// reconnect-guard and keyframeGate patterns (n0remac-robot-webrtc), adapted
// from ICE-restart-on-a-peer-connection to RTSP-reconnect-on-a-session.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/n0remac/rtsp-vision/config"
	"github.com/n0remac/rtsp-vision/verrors"
	"github.com/n0remac/rtsp-vision/vlog"
)

// Packet wraps one RTP packet with the channel-local receive timestamp and
// the ingestor's current keyframe-gate verdict, per SPEC_FULL §12.
type Packet struct {
	RTP         *rtp.Packet
	ReceivedAt  time.Time
	IsKeyframe  bool
	TrackID     string
}

// TrackInfo describes one track returned by RTSPSession.Play.
type TrackInfo struct {
	ID        string
	IsVideo   bool
	CodecName string // "h264", "h265", …
}

// RTSPSession is the external-collaborator interface a real MediaKit-style
// RTSP client would satisfy (spec.md §6.3 "RTSPSession.play(url), per-track
// frame delegate").
type RTSPSession interface {
	Play(ctx context.Context, url string) ([]TrackInfo, error)
	SetFrameCallback(trackID string, fn func(Packet))
	SetShutdownCallback(fn func(error))
	Close() error
}

// State is the ingestor's per-channel connection state machine (spec.md
// §4.3).
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Streaming
	Error
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Streaming:
		return "streaming"
	case Error:
		return "error"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// SessionFactory builds a fresh RTSPSession for each (re)connect attempt —
// real sessions aren't reusable across TCP connections.
type SessionFactory func() RTSPSession

// Ingestor drives one RTSP session for one channel.
type Ingestor struct {
	ChannelID int
	URL       string

	newSession   SessionFactory
	autoReconnect bool
	maxAttempts  uint32

	onPacket  func(Packet)
	onError   func(error)
	onStateCh func(State)

	mu               sync.Mutex
	state            State
	session          RTSPSession
	lastFrameTime    time.Time
	reconnectAttempt uint32
	reconnectCount   uint64
	awaitingKeyframe bool

	fpsMu       sync.Mutex
	fpsWindow   []time.Time
	currentFPS  float32

	stop chan struct{}
	done chan struct{}
}

// New constructs an Ingestor. onPacket is called for every video-track
// packet in arrival order; onError surfaces terminal (post-exhaustion)
// errors; onStateCh is called on every state transition.
func New(channelID int, url string, factory SessionFactory, autoReconnect bool, maxAttempts uint32,
	onPacket func(Packet), onError func(error), onStateCh func(State)) *Ingestor {
	return &Ingestor{
		ChannelID:     channelID,
		URL:           url,
		newSession:    factory,
		autoReconnect: autoReconnect,
		maxAttempts:   maxAttempts,
		onPacket:      onPacket,
		onError:       onError,
		onStateCh:     onStateCh,
		state:         Disconnected,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// State returns the current connection state.
func (in *Ingestor) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

func (in *Ingestor) setState(s State) {
	in.mu.Lock()
	in.state = s
	in.mu.Unlock()
	if in.onStateCh != nil {
		in.onStateCh(s)
	}
}

// Start begins the connect/stream/reconnect loop in a background goroutine.
// It returns once the initial connect attempt has been dispatched.
func (in *Ingestor) Start(ctx context.Context) {
	go in.run(ctx)
}

// Stop signals the ingestor to shut down and blocks until its goroutine
// exits, per spec.md §5's "destructors MUST NOT return while any worker is
// still running."
func (in *Ingestor) Stop() {
	close(in.stop)
	<-in.done
}

func (in *Ingestor) run(ctx context.Context) {
	defer close(in.done)

	logger := vlog.WithComponent(vlog.WithChannel(vlog.L(), in.ChannelID), "ingest")

	for {
		select {
		case <-in.stop:
			return
		default:
		}

		in.setState(Connecting)
		in.mu.Lock()
		in.awaitingKeyframe = true
		in.mu.Unlock()

		session := in.newSession()
		tracks, err := session.Play(ctx, in.URL)
		if err != nil {
			logger.Warn("connect failed", "url", in.URL, "err", err)
			if !in.retryOrFail(logger) {
				return
			}
			continue
		}

		in.mu.Lock()
		in.session = session
		in.lastFrameTime = time.Now()
		in.reconnectAttempt = 0
		in.mu.Unlock()
		in.setState(Connected)

		shutdown := make(chan error, 1)
		session.SetShutdownCallback(func(err error) {
			select {
			case shutdown <- err:
			default:
			}
		})
		for _, t := range tracks {
			if !t.IsVideo {
				continue
			}
			trackID := t.ID
			session.SetFrameCallback(trackID, func(p Packet) {
				in.handlePacket(trackID, p)
			})
		}
		in.setState(Streaming)

		timeoutTimer := time.NewTimer(config.StreamFrameTimeout)
		streaming := true
		for streaming {
			select {
			case <-in.stop:
				timeoutTimer.Stop()
				session.Close()
				return
			case err := <-shutdown:
				timeoutTimer.Stop()
				logger.Warn("session shutdown", "err", err)
				streaming = false
			case <-timeoutTimer.C:
				in.mu.Lock()
				idle := time.Since(in.lastFrameTime)
				in.mu.Unlock()
				if idle >= config.StreamFrameTimeout {
					logger.Warn("frame timeout", "idle", idle)
					session.Close()
					streaming = false
					break
				}
				timeoutTimer.Reset(config.StreamFrameTimeout - idle)
			}
		}
		if !streaming {
			if !in.retryOrFail(logger) {
				return
			}
		}
	}
}

// retryOrFail applies the reconnect policy (spec.md §4.3): up to maxAttempts
// attempts, fixed 5s delay, counter reset on success (handled above where
// reconnectAttempt is zeroed after a successful Play). Returns false if the
// ingestor should stop entirely (exhausted or externally stopped).
func (in *Ingestor) retryOrFail(logger interface{ Warn(string, ...any) }) bool {
	if !in.autoReconnect {
		in.setState(Error)
		if in.onError != nil {
			in.onError(verrors.NewTransientIO("ingest.reconnect_disabled", nil))
		}
		return false
	}

	in.mu.Lock()
	in.reconnectAttempt++
	in.reconnectCount++
	attempt := in.reconnectAttempt
	in.mu.Unlock()

	if attempt > in.maxAttempts {
		in.setState(Error)
		if in.onError != nil {
			in.onError(verrors.NewStreamTimeout(in.ChannelID, config.StreamFrameTimeout))
		}
		return false
	}

	in.setState(Reconnecting)
	select {
	case <-in.stop:
		return false
	case <-time.After(config.ReconnectDelay):
	}
	return true
}

func (in *Ingestor) handlePacket(trackID string, p Packet) {
	in.mu.Lock()
	in.lastFrameTime = time.Now()
	if in.awaitingKeyframe {
		if !p.IsKeyframe {
			in.mu.Unlock()
			return
		}
		in.awaitingKeyframe = false
	}
	in.mu.Unlock()

	in.recordFrame()
	if in.onPacket != nil {
		in.onPacket(p)
	}
}

// recordFrame maintains the 1-second sliding FPS window (spec.md §4.3).
func (in *Ingestor) recordFrame() {
	now := time.Now()
	in.fpsMu.Lock()
	defer in.fpsMu.Unlock()
	in.fpsWindow = append(in.fpsWindow, now)
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(in.fpsWindow) && in.fpsWindow[i].Before(cutoff) {
		i++
	}
	in.fpsWindow = in.fpsWindow[i:]
	in.currentFPS = float32(len(in.fpsWindow))
}

// FPS returns the current 1-second sliding-window frame rate.
func (in *Ingestor) FPS() float32 {
	in.fpsMu.Lock()
	defer in.fpsMu.Unlock()
	return in.currentFPS
}

// ReconnectCount returns the cumulative number of reconnect attempts made.
func (in *Ingestor) ReconnectCount() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.reconnectCount
}
