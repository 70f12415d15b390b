// Package config holds the engine's configuration types and defaults:
// per-channel detection policy, decoder-pool sizing/strategy, health
// thresholds, and renderer/compositor settings — spec.md §6.4, grounded on
// five82-reel's internal/config package (typed struct + named DefaultX
// constants + a constructor returning sane defaults, rather than a loose
// map[string]any).
package config

import "time"

// MaxChannels is the hard cap on concurrent channels (spec.md §3: "Channel
// ... Identified by a small integer 0 ≤ id < 16").
const MaxChannels = 16

// Decoder pool strategies (spec.md §4.5).
type Strategy int

const (
	Exclusive Strategy = iota
	SharedPool
	Adaptive
	PriorityBased
	LoadBalanced
)

func (s Strategy) String() string {
	switch s {
	case Exclusive:
		return "exclusive"
	case SharedPool:
		return "shared_pool"
	case Adaptive:
		return "adaptive"
	case PriorityBased:
		return "priority_based"
	case LoadBalanced:
		return "load_balanced"
	default:
		return "unknown"
	}
}

// Default policy/pool/health constants, spec.md §6.4.
const (
	DefaultConfidenceThreshold float32 = 0.5
	DefaultMaxDetections       uint32  = 100
	DefaultEnableNMS           bool    = true
	DefaultNMSThreshold        float32 = 0.4
	DefaultThreadPoolSize      uint32  = 3
	DefaultMaxQueueSize        uint32  = 50
	DefaultPriority            uint8   = 1
	DefaultTargetFPS           float32 = 30
	DefaultAutoReconnect       bool    = true
	DefaultMaxReconnectAttempt uint32  = 5

	DefaultMaxDecodersPerType   = 8
	DefaultMaxSharedDecoders    = 16
	DefaultMinDecodersPerChan   = 1
	DefaultMaxDecodersPerChan   = 4
	DefaultEnableDynamicAlloc   = true
	DefaultEnablePreemption     = false
	DefaultUtilizationThreshold = 0.8
	DefaultIdleTimeout          = 30 * time.Second

	DefaultMinFPS              float32 = 15
	DefaultMaxDropRate         float32 = 0.05
	DefaultMaxLatencyMS        float32 = 500
	DefaultMaxErrorRate        float32 = 0.02
	DefaultMaxConsecutiveFails         = 3
	DefaultHealthCheckInterval         = time.Second
	DefaultCriticalThreshold           = 5 * time.Second

	DefaultBufferPoolSize = 8

	// StreamFrameTimeout is C3's "frame-timeout window" (spec.md §4.3).
	StreamFrameTimeout = 10 * time.Second
	// ReconnectDelay is C3's fixed reconnect delay (spec.md §4.3).
	ReconnectDelay = 5 * time.Second
	// DecoderTimeout is C4's "no decoded frame for >30s" threshold.
	DecoderTimeout = 30 * time.Second
	// SurfaceRecoveryTimeout is C8's SURFACE_RECOVERY_TIMEOUT_MS.
	SurfaceRecoveryTimeout = 10 * time.Second
	// SurfaceMaxRecoveryAttempts is C8's cap on tolerated recovery attempts.
	SurfaceMaxRecoveryAttempts = 3
	// InferenceResultTimeout bounds C7's blocking get_result wait (spec.md
	// §7: inference failure is TransientIO — log and move on, not an
	// unbounded hang on one bad frame).
	InferenceResultTimeout = 2 * time.Second
	// PerformanceUpdateInterval is C12's PERFORMANCE_UPDATE_INTERVAL_MS.
	PerformanceUpdateInterval = time.Second
	// MinFPSThreshold / TargetFPS are C12's performance-monitor thresholds.
	MinFPSThreshold float32 = 25
	TargetFPS       float32 = 30
)

// Layout is the compositor tiling mode (spec.md §4.8).
type Layout int

const (
	LayoutSingle  Layout = 1
	LayoutQuad    Layout = 4
	LayoutNine    Layout = 9
	LayoutSixteen Layout = 16
)

// RenderMode selects per-channel surfaces vs. a unified compositor buffer.
type RenderMode int

const (
	IndividualSurfaces RenderMode = iota
	UnifiedComposition
	HybridComposition
)

// Policy is a channel's detection/queueing/reconnect configuration.
type Policy struct {
	DetectionEnabled     bool
	ConfidenceThreshold  float32
	MaxDetections        uint32
	EnableNMS            bool
	NMSThreshold         float32
	EnabledClasses       map[uint32]struct{} // empty/nil = all classes
	ThreadPoolSize       uint32
	MaxQueueSize         uint32
	Priority             uint8 // 1..3
	TargetFPS            float32
	AutoReconnect        bool
	MaxReconnectAttempts uint32
}

// DefaultPolicy returns the spec.md §6.4 channel-policy defaults.
func DefaultPolicy() Policy {
	return Policy{
		DetectionEnabled:     true,
		ConfidenceThreshold:  DefaultConfidenceThreshold,
		MaxDetections:        DefaultMaxDetections,
		EnableNMS:            DefaultEnableNMS,
		NMSThreshold:         DefaultNMSThreshold,
		ThreadPoolSize:       DefaultThreadPoolSize,
		MaxQueueSize:         DefaultMaxQueueSize,
		Priority:             DefaultPriority,
		TargetFPS:            DefaultTargetFPS,
		AutoReconnect:        DefaultAutoReconnect,
		MaxReconnectAttempts: DefaultMaxReconnectAttempt,
	}
}

// ClassEnabled reports whether classID passes the policy's class filter.
func (p Policy) ClassEnabled(classID uint32) bool {
	if len(p.EnabledClasses) == 0 {
		return true
	}
	_, ok := p.EnabledClasses[classID]
	return ok
}

// PoolConfig configures the decoder resource pool (spec.md §6.4).
type PoolConfig struct {
	Strategy                  Strategy
	MaxDecodersPerType        int
	MaxSharedDecoders         int
	MinDecodersPerChannel     int
	MaxDecodersPerChannel     int
	EnableDynamicAllocation   bool
	EnableResourcePreemption  bool
	ResourceUtilizationThresh float64
	IdleTimeout               time.Duration
}

// DefaultPoolConfig returns the spec.md §6.4 decoder-pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Strategy:                  Adaptive,
		MaxDecodersPerType:        DefaultMaxDecodersPerType,
		MaxSharedDecoders:         DefaultMaxSharedDecoders,
		MinDecodersPerChannel:     DefaultMinDecodersPerChan,
		MaxDecodersPerChannel:     DefaultMaxDecodersPerChan,
		EnableDynamicAllocation:   DefaultEnableDynamicAlloc,
		EnableResourcePreemption:  DefaultEnablePreemption,
		ResourceUtilizationThresh: DefaultUtilizationThreshold,
		IdleTimeout:               DefaultIdleTimeout,
	}
}

// HealthConfig configures the health monitor (spec.md §4.10, §6.4).
type HealthConfig struct {
	MinFPS                float32
	MaxDropRate           float32
	MaxLatencyMS          float32
	MaxErrorRate          float32
	MaxConsecutiveFailure int
	CheckInterval         time.Duration
	CriticalThreshold     time.Duration
}

// DefaultHealthConfig returns the spec.md §4.10 health-monitor defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		MinFPS:                DefaultMinFPS,
		MaxDropRate:           DefaultMaxDropRate,
		MaxLatencyMS:          DefaultMaxLatencyMS,
		MaxErrorRate:          DefaultMaxErrorRate,
		MaxConsecutiveFailure: DefaultMaxConsecutiveFails,
		CheckInterval:         DefaultHealthCheckInterval,
		CriticalThreshold:     DefaultCriticalThreshold,
	}
}

// RenderConfig configures the renderer/compositor (spec.md §4.8, §6.4).
type RenderConfig struct {
	Layout         Layout
	Mode           RenderMode
	BufferPoolSize int
	MaxRenderLoad  float64 // default 0.80
}

// DefaultRenderConfig returns the spec.md §6.4 renderer defaults.
func DefaultRenderConfig() RenderConfig {
	return RenderConfig{
		Layout:         LayoutQuad,
		Mode:           IndividualSurfaces,
		BufferPoolSize: DefaultBufferPoolSize,
		MaxRenderLoad:  0.80,
	}
}
