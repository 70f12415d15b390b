// Package channel implements the channel manager (spec.md §4.12 —
// component C12): the top-level object owning every channel and the
// shared decoder pool, dispatching into C5/C6/C8, running the single
// canonical performance-monitor task, and publishing host-facing events.
// Grounded on the teacher's sfuServer/sfuRoom top-level registry
// (webrtc/sfu.go, n0remac-robot-webrtc) and its process-wide
// init/teardown discipline, per spec.md §9's "keep the global singleton,
// but behind an explicit init/teardown pair and a single mutex."
package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/n0remac/rtsp-vision/config"
	"github.com/n0remac/rtsp-vision/decoder"
	"github.com/n0remac/rtsp-vision/decoderpool"
	"github.com/n0remac/rtsp-vision/events"
	"github.com/n0remac/rtsp-vision/frame"
	"github.com/n0remac/rtsp-vision/health"
	"github.com/n0remac/rtsp-vision/ingest"
	"github.com/n0remac/rtsp-vision/inference"
	"github.com/n0remac/rtsp-vision/pipeline"
	"github.com/n0remac/rtsp-vision/queue"
	"github.com/n0remac/rtsp-vision/recovery"
	"github.com/n0remac/rtsp-vision/render"
	"github.com/n0remac/rtsp-vision/verrors"
)

// Collaborators bundles the external-collaborator factories a Manager
// needs to bring a channel to life — every real implementation (hardware
// decoder, RTSP client, detector) is supplied by the host; cmd/visiond
// wires the synthetic ones for demo mode.
type Collaborators struct {
	NewSession  func(channelID int) ingest.RTSPSession
	NewDecoder  func(codec decoder.Codec) decoder.Decoder
	NewDetector inference.DetectorFactory
	Draw        func(dst []byte, dstStride int, f *frame.Frame)
}

// Channel is one managed pipeline: ingest -> decode -> detect -> render.
type Channel struct {
	ID int

	mu       sync.Mutex
	state    events.State
	url      string
	policy   config.Policy
	priority uint8
	lastErr  string

	ingestor    *ingest.Ingestor
	decoderSess *decoder.Session
	decoderEnt  *decoderpool.Entry
	infPool     *inference.Pool
	pipe        *pipeline.Pipeline
	renderCh    *render.Channel

	inputQ  *queue.Queue
	renderQ *queue.Queue

	framesDecoded     atomic.Uint64
	detectionsEmitted atomic.Uint64
	frameCounter      atomic.Uint64

	stopRender chan struct{}
	renderDone chan struct{}
}

// Manager is the top-level, process-wide handle (spec.md §4.12, §9). Zero
// value is not usable; construct with New, and call Close exactly once.
type Manager struct {
	mu          sync.Mutex
	initialized bool
	modelBytes  []byte

	collab Collaborators
	pool   *decoderpool.Pool
	health *health.Monitor
	rec    *recovery.Manager

	channels map[int]*Channel
	listener events.HostListener

	stopMonitor chan struct{}
	monitorDone chan struct{}
}

// New constructs an uninitialized Manager. Call Initialize before using
// any other method (spec.md §9: "forbid access before init or after
// teardown").
func New(collab Collaborators, listener events.HostListener) *Manager {
	if listener == nil {
		listener = events.NopHostListener{}
	}
	return &Manager{
		collab:   collab,
		channels: make(map[int]*Channel),
		listener: listener,
	}
}

// Initialize copies model bytes into the process-wide blob and brings up
// the shared decoder pool and health/recovery subsystems (spec.md §4.12,
// §6.1 "initialize(model_bytes) -> bool").
func (m *Manager) Initialize(modelBytes []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return verrors.NewInvalidArgument("channel.already_initialized", nil)
	}
	if modelBytes == nil {
		return verrors.NewFatal("channel.initialize", nil)
	}
	m.modelBytes = append([]byte(nil), modelBytes...)

	m.pool = decoderpool.New(config.DefaultPoolConfig(), decoderpool.Factory(m.collab.NewDecoder), poolEventBridge{m: m})
	m.pool.StartDynamicSizing()

	m.health = health.New(config.DefaultHealthConfig())
	m.rec = recovery.New(managerExecutor{m: m}, recoveryEventBridge{m: m}, int(config.DefaultMaxReconnectAttempt), 2*time.Second)

	m.initialized = true
	m.stopMonitor = make(chan struct{})
	m.monitorDone = make(chan struct{})
	go m.performanceMonitorLoop()
	return nil
}

// Close tears down every channel and the shared pool, and forbids further
// use of the handle (spec.md §9 init/teardown pair).
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	ids := make([]int, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	stopMonitor := m.stopMonitor
	monitorDone := m.monitorDone
	m.mu.Unlock()

	for _, id := range ids {
		m.DestroyChannel(id)
	}

	close(stopMonitor)
	<-monitorDone

	m.pool.Stop()

	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
}

func (m *Manager) requireInit() error {
	m.mu.Lock()
	ok := m.initialized
	m.mu.Unlock()
	if !ok {
		return verrors.NewInvalidArgument("channel.not_initialized", nil)
	}
	return nil
}

// CreateChannel allocates channel id with a default policy (spec.md §6.1
// "create_channel(id) -> bool", §8 boundary: 16th succeeds, 17th fails).
func (m *Manager) CreateChannel(id int) error {
	if err := m.requireInit(); err != nil {
		return err
	}
	if id < 0 || id >= config.MaxChannels {
		return verrors.NewInvalidArgument("channel.id_out_of_range", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[id]; exists {
		return verrors.NewInvalidArgument("channel.already_exists", nil)
	}
	if len(m.channels) >= config.MaxChannels {
		return verrors.NewInvalidArgument("channel.pool_full", nil)
	}
	ch := &Channel{
		ID:       id,
		state:    events.Inactive,
		policy:   config.DefaultPolicy(),
		priority: config.DefaultPriority,
	}
	m.channels[id] = ch
	m.listener.OnChannelStateChanged(id, events.Inactive)
	return nil
}

// DestroyChannel stops and releases everything the channel holds (spec.md
// §3: "A destroyed channel releases its surface, decoder(s), and pending
// queue entries before its identifier may be reused").
func (m *Manager) DestroyChannel(id int) error {
	m.mu.Lock()
	ch, ok := m.channels[id]
	if !ok {
		m.mu.Unlock()
		return verrors.NewInvalidArgument("channel.unknown", nil)
	}
	delete(m.channels, id)
	m.mu.Unlock()

	m.stopChannelInternal(ch)

	ch.mu.Lock()
	if ch.inputQ != nil {
		ch.inputQ.Clear()
	}
	if ch.renderQ != nil {
		ch.renderQ.Clear()
	}
	if ch.decoderEnt != nil {
		m.pool.Release(ch.decoderEnt)
		ch.decoderEnt = nil
	}
	ch.mu.Unlock()

	m.listener.OnChannelStateChanged(id, events.Destroyed)
	return nil
}

// StartChannel brings up the ingestor, decoder session, inference pool,
// pipeline, and render-side state for a channel and begins streaming
// (spec.md §6.1 "start_channel(id, rtsp_url) -> bool").
func (m *Manager) StartChannel(id int, url string) error {
	ch, err := m.get(id)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	ch.url = url
	policy := ch.policy
	priority := ch.priority
	ch.mu.Unlock()

	entry, err := m.pool.Acquire(id, decoder.H264, priority)
	if err != nil {
		return err
	}

	inputQ := queue.New(int(policy.MaxQueueSize))
	renderQ := queue.New(int(policy.MaxQueueSize))

	infPool, err := inference.New(id, int(policy.ThreadPoolSize), m.modelBytes, m.collab.NewDetector)
	if err != nil {
		m.pool.Release(entry)
		return err
	}

	sess, err := decoder.NewSession(id, decoder.H264, entry.Decoder, policy.TargetFPS,
		func(df decoder.DecodedFrame) { m.onDecodedFrame(ch, df) },
		func(rate float64) { m.onDecoderErrorRateHigh(ch, rate) })
	if err != nil {
		infPool.Close()
		m.pool.Release(entry)
		return err
	}

	pipe := pipeline.New(id, policy, infPool, inputQ, renderQ, queueEventBridge{m: m})
	renderCh := render.NewChannel(id)

	ch.mu.Lock()
	ch.decoderEnt = entry
	ch.infPool = infPool
	ch.decoderSess = sess
	ch.pipe = pipe
	ch.renderCh = renderCh
	ch.inputQ = inputQ
	ch.renderQ = renderQ
	ch.stopRender = make(chan struct{})
	ch.renderDone = make(chan struct{})
	ingestor := m.newIngestorLocked(ch)
	ch.ingestor = ingestor
	ch.mu.Unlock()

	pipe.Start()
	draw := m.collab.Draw
	if draw == nil {
		draw = func([]byte, int, *frame.Frame) {}
	}
	drawAndReport := func(dst []byte, dstStride int, f *frame.Frame) {
		if dets, ok := f.Detections(); ok && len(dets) > 0 {
			ch.detectionsEmitted.Add(uint64(len(dets)))
			m.listener.OnDetectionReceived(ch.ID, len(dets))
		}
		draw(dst, dstStride, f)
	}
	go func() {
		defer close(ch.renderDone)
		renderCh.DrainLoop(renderQ, drawAndReport, ch.stopRender)
	}()
	ingestor.Start(context.Background())

	m.setState(ch, events.Connecting)
	return nil
}

// newIngestorLocked constructs a fresh Ingestor bound to ch's current url
// and policy. Caller holds ch.mu.
func (m *Manager) newIngestorLocked(ch *Channel) *ingest.Ingestor {
	factory := func() ingest.RTSPSession { return m.collab.NewSession(ch.ID) }
	return ingest.New(ch.ID, ch.url, factory, ch.policy.AutoReconnect, ch.policy.MaxReconnectAttempts,
		func(p ingest.Packet) { m.onPacket(ch, p) },
		func(err error) { m.onIngestError(ch, err) },
		func(s ingest.State) { m.onIngestState(ch, s) })
}

// StopChannel halts streaming for a channel without releasing its
// identifier (spec.md §6.1 "stop_channel(id) -> bool"; §8 invariant 5: "no
// further callbacks once control returns to the host").
func (m *Manager) StopChannel(id int) error {
	ch, err := m.get(id)
	if err != nil {
		return err
	}
	m.stopChannelInternal(ch)
	m.setState(ch, events.Inactive)
	return nil
}

func (m *Manager) stopChannelInternal(ch *Channel) {
	ch.mu.Lock()
	ingestor := ch.ingestor
	pipe := ch.pipe
	infPool := ch.infPool
	sess := ch.decoderSess
	stopRender := ch.stopRender
	renderDone := ch.renderDone
	ch.ingestor = nil
	ch.pipe = nil
	ch.infPool = nil
	ch.decoderSess = nil
	ch.stopRender = nil
	ch.renderDone = nil
	ch.mu.Unlock()

	if ingestor != nil {
		ingestor.Stop()
	}
	if pipe != nil {
		pipe.Stop()
	}
	if stopRender != nil {
		close(stopRender)
		<-renderDone
	}
	if infPool != nil {
		infPool.Close()
	}
	if sess != nil {
		sess.Close()
	}
}

func (m *Manager) get(id int) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, verrors.NewInvalidArgument("channel.unknown", nil)
	}
	return ch, nil
}

// SetSurface binds (or unbinds, with nil) a channel's render surface
// (spec.md §6.1 "set_channel_surface").
func (m *Manager) SetSurface(id int, surface render.Surface) error {
	ch, err := m.get(id)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	rc := ch.renderCh
	ch.mu.Unlock()
	if rc != nil {
		rc.SetSurface(surface)
	}
	return nil
}

// SetRTSPURL updates a channel's bound URL (spec.md §6.1
// "set_channel_rtsp_url"); takes effect on the next (re)connect.
func (m *Manager) SetRTSPURL(id int, url string) error {
	ch, err := m.get(id)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ch.url = url
	ch.mu.Unlock()
	return nil
}

// SetDetectionEnabled toggles per-channel detection (spec.md §6.1
// "set_channel_detection_enabled").
func (m *Manager) SetDetectionEnabled(id int, enabled bool) error {
	ch, err := m.get(id)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ch.policy.DetectionEnabled = enabled
	if ch.pipe != nil {
		ch.pipe.Policy.DetectionEnabled = enabled
	}
	ch.mu.Unlock()
	return nil
}

// SetPriority updates a channel's scheduling priority (1..3).
func (m *Manager) SetPriority(id int, priority uint8) error {
	ch, err := m.get(id)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ch.priority = priority
	ch.mu.Unlock()
	return nil
}

// GetState returns a channel's current lifecycle state.
func (m *Manager) GetState(id int) (events.State, error) {
	ch, err := m.get(id)
	if err != nil {
		return events.Destroyed, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state, nil
}

// GetFPS returns a channel's current ingest FPS.
func (m *Manager) GetFPS(id int) (float32, error) {
	ch, err := m.get(id)
	if err != nil {
		return 0, err
	}
	ch.mu.Lock()
	ingestor := ch.ingestor
	ch.mu.Unlock()
	if ingestor == nil {
		return 0, nil
	}
	return ingestor.FPS(), nil
}

// GetFrameCount returns a channel's decoded-frame counter.
func (m *Manager) GetFrameCount(id int) (uint64, error) {
	ch, err := m.get(id)
	if err != nil {
		return 0, err
	}
	return ch.framesDecoded.Load(), nil
}

// GetDetectionCount returns a channel's emitted-detection counter.
func (m *Manager) GetDetectionCount(id int) (uint64, error) {
	ch, err := m.get(id)
	if err != nil {
		return 0, err
	}
	return ch.detectionsEmitted.Load(), nil
}

// GetError returns a channel's last error message.
func (m *Manager) GetError(id int) (string, error) {
	ch, err := m.get(id)
	if err != nil {
		return "", err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.lastErr, nil
}

// ActiveChannelCount returns the number of channels currently Active.
func (m *Manager) ActiveChannelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ch := range m.channels {
		ch.mu.Lock()
		if ch.state == events.Active {
			n++
		}
		ch.mu.Unlock()
	}
	return n
}

// SystemFPS averages FPS across active channels.
func (m *Manager) SystemFPS() float32 {
	m.mu.Lock()
	ids := make([]int, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var sum float32
	var n int
	for _, id := range ids {
		if fps, err := m.GetFPS(id); err == nil && fps > 0 {
			sum += fps
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float32(n)
}

// IsSurfaceRecoveryRequested reports the channel's surface-recovery state
// (spec.md §6.1 "is_surface_recovery_requested").
func (m *Manager) IsSurfaceRecoveryRequested(id int) (bool, error) {
	ch, err := m.get(id)
	if err != nil {
		return false, err
	}
	ch.mu.Lock()
	rc := ch.renderCh
	ch.mu.Unlock()
	if rc == nil {
		return false, nil
	}
	return rc.IsRecoveryRequested(), nil
}

// ClearSurfaceRecoveryRequest cancels a pending recovery request (spec.md
// §6.1 "clear_surface_recovery_request").
func (m *Manager) ClearSurfaceRecoveryRequest(id int) error {
	ch, err := m.get(id)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	rc := ch.renderCh
	ch.mu.Unlock()
	if rc != nil {
		rc.ClearRecoveryRequest()
	}
	return nil
}

// ValidateSurfaceHealth reports whether the channel's surface state is
// Healthy (spec.md §6.1 "validate_surface_health").
func (m *Manager) ValidateSurfaceHealth(id int) (bool, error) {
	ch, err := m.get(id)
	if err != nil {
		return false, err
	}
	ch.mu.Lock()
	rc := ch.renderCh
	ch.mu.Unlock()
	if rc == nil {
		return false, nil
	}
	return rc.RecoveryState() == render.Healthy, nil
}

// ForceSurfaceReset force-resets a channel's surface state (spec.md §6.1
// "force_surface_reset").
func (m *Manager) ForceSurfaceReset(id int) error {
	ch, err := m.get(id)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	rc := ch.renderCh
	ch.mu.Unlock()
	if rc != nil {
		rc.ForceReset()
	}
	m.setState(ch, events.Inactive)
	return nil
}

// onPacket decodes one ingested packet against ch's current decoder
// session and forwards an ingest event to the host.
func (m *Manager) onPacket(ch *Channel, p ingest.Packet) {
	ch.mu.Lock()
	sess := ch.decoderSess
	entry := ch.decoderEnt
	ch.mu.Unlock()
	if sess == nil || p.RTP == nil {
		return
	}

	// Bound concurrent decode calls against the pool entry's single slot
	// (spec.md §3): under SharedPool/PriorityBased a decoder entry can be
	// reassigned across channels, so this is the point where two channels'
	// callback goroutines could otherwise race on the same decoder.
	if entry != nil {
		release, err := m.pool.AcquireDecodeSlot(context.Background(), entry)
		if err != nil {
			return
		}
		defer release()
	}

	if err := sess.Decode(p.RTP.Payload, p.ReceivedAt.UnixNano()); err != nil {
		// Transient decode errors are tracked via the session's own error
		// rate; onDecoderErrorRateHigh fires once the threshold is crossed.
		return
	}
	m.listener.OnFrameReceived(ch.ID)
}

// onDecodedFrame wraps a freshly decoded picture in a reference-counted
// frame.Frame and hands it to the channel's detection pipeline.
func (m *Manager) onDecodedFrame(ch *Channel, df decoder.DecodedFrame) {
	ch.mu.Lock()
	pipe := ch.pipe
	ch.mu.Unlock()
	if pipe == nil {
		return
	}

	stride := df.StrideW
	if stride < df.W*4 {
		stride = df.W * 4
	}
	id := ch.frameCounter.Add(1)
	f := frame.New(ch.ID, id, df.W, df.H, stride, frame.RGBA8888)
	f.PresentationPTS = df.PTS
	f.DecodeTime = time.Now().UnixNano()
	n := len(df.Pixels)
	if n > len(f.Pixels) {
		n = len(f.Pixels)
	}
	copy(f.Pixels, df.Pixels[:n])

	ch.framesDecoded.Add(1)
	pipe.SubmitFrame(f)
	m.setState(ch, events.Active)
}

func (m *Manager) onDecoderErrorRateHigh(ch *Channel, rate float64) {
	msg := fmt.Sprintf("decoder error rate %.0f%% exceeds threshold", rate*100)
	ch.mu.Lock()
	ch.lastErr = msg
	ch.mu.Unlock()
	m.listener.OnChannelError(ch.ID, msg)
}

func (m *Manager) onIngestError(ch *Channel, err error) {
	ch.mu.Lock()
	ch.lastErr = err.Error()
	ch.mu.Unlock()
	m.setState(ch, events.Error)
	m.listener.OnChannelError(ch.ID, err.Error())
}

func (m *Manager) onIngestState(ch *Channel, s ingest.State) {
	var es events.State
	switch s {
	case ingest.Disconnected:
		es = events.Inactive
	case ingest.Connecting, ingest.Connected:
		es = events.Connecting
	case ingest.Streaming:
		es = events.Active
	case ingest.Error:
		es = events.Error
	case ingest.Reconnecting:
		es = events.Reconnecting
		m.health.RecordReconnect(ch.ID)
	}
	m.setState(ch, es)
}

func (m *Manager) setState(ch *Channel, s events.State) {
	ch.mu.Lock()
	changed := ch.state != s
	ch.state = s
	ch.mu.Unlock()
	if changed {
		m.listener.OnChannelStateChanged(ch.ID, s)
	}
}

// performanceMonitorLoop is the single canonical performance-monitor task
// (spec.md §4.12): ticks every PerformanceUpdateInterval, feeds the health
// monitor, drives recovery on sustained Critical/Failed status, adapts
// per-channel render FPS to system load, and applies the graded
// system-load throttle (>0.8 aggressive, >0.6 moderate).
func (m *Manager) performanceMonitorLoop() {
	defer close(m.monitorDone)
	ticker := time.NewTicker(config.PerformanceUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopMonitor:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	m.mu.Lock()
	chans := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	active := 0
	renderCfg := config.DefaultRenderConfig()
	exec := managerExecutor{m: m}

	for _, ch := range chans {
		ch.mu.Lock()
		st := ch.state
		ingestor := ch.ingestor
		sess := ch.decoderSess
		inputQ := ch.inputQ
		rc := ch.renderCh
		ch.mu.Unlock()

		if st == events.Active {
			active++
		}
		if ingestor == nil {
			continue
		}

		fps := ingestor.FPS()
		var errRate float32
		if sess != nil {
			errRate = float32(sess.ErrorRate())
		}
		var dropRate float32
		if inputQ != nil {
			if decoded := ch.framesDecoded.Load(); decoded > 0 {
				dropRate = float32(inputQ.Dropped()) / float32(decoded)
			}
		}

		metrics := health.Metrics{
			FrameRate:        fps,
			DropRate:         dropRate,
			ErrorRate:        errRate,
			ConnectionStable: st != events.Error && st != events.Reconnecting,
		}
		overall := m.health.Report(ch.ID, metrics)
		anomalies := m.health.CheckAnomalies(ch.ID)
		if overall >= health.Critical {
			m.rec.Attempt(ch.ID, overall, anomalies)
		}

		if rc != nil && rc.CheckRecoveryTimeout() {
			rc.ForceReset()
			m.setState(ch, events.Inactive)
		}
	}

	systemLoad := 0.0
	if config.MaxChannels > 0 {
		systemLoad = float64(active) / float64(config.MaxChannels)
	}

	for _, ch := range chans {
		ch.mu.Lock()
		rc := ch.renderCh
		priority := ch.priority
		ch.mu.Unlock()
		if rc == nil {
			continue
		}
		rc.AdaptFPS(systemLoad, renderCfg.MaxRenderLoad)

		// Graded system-load throttle (spec.md §4.12): under heavy load,
		// throttle the lowest-priority channels first; under moderate load,
		// only the very lowest tier.
		if systemLoad > 0.8 && priority <= 2 {
			exec.ThrottleProcessing(ch.ID)
		} else if systemLoad > 0.6 && priority <= 1 {
			exec.ThrottleProcessing(ch.ID)
		}
	}
}
