package decoderpool

import (
	"testing"

	"github.com/n0remac/rtsp-vision/config"
	"github.com/n0remac/rtsp-vision/decoder"
)

func syntheticFactory(codec decoder.Codec) decoder.Decoder {
	return decoder.NewSyntheticDecoder(4, 4)
}

func newTestPool(strategy Strategy) *Pool {
	cfg := config.DefaultPoolConfig()
	cfg.Strategy = strategy
	cfg.MaxDecodersPerType = 4
	cfg.MaxDecodersPerChannel = 2
	cfg.EnableDynamicAllocation = false
	return New(cfg, syntheticFactory, nil)
}

func TestExclusiveAcquireGivesEachChannelItsOwnEntry(t *testing.T) {
	p := newTestPool(Exclusive)
	e1, err := p.Acquire(1, decoder.H264, 1)
	if err != nil {
		t.Fatalf("Acquire(channel 1) error = %v", err)
	}
	e2, err := p.Acquire(2, decoder.H264, 1)
	if err != nil {
		t.Fatalf("Acquire(channel 2) error = %v", err)
	}
	if e1.ID == e2.ID {
		t.Fatalf("Exclusive strategy handed two channels the same entry %q", e1.ID)
	}
	if p.Total() != 2 {
		t.Fatalf("Total() = %d, want 2", p.Total())
	}
}

func TestExclusiveAcquireEnforcesPerChannelCap(t *testing.T) {
	p := newTestPool(Exclusive)
	if _, err := p.Acquire(1, decoder.H264, 1); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	if _, err := p.Acquire(1, decoder.H264, 1); err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if _, err := p.Acquire(1, decoder.H264, 1); err == nil {
		t.Fatalf("third Acquire() for the same channel = nil error, want resource-exhausted (cap is 2)")
	}
}

func TestSharedPoolReusesIdleEntryBeforeCreatingNew(t *testing.T) {
	p := newTestPool(SharedPool)
	e1, err := p.Acquire(1, decoder.H264, 1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Release(e1)

	e2, err := p.Acquire(2, decoder.H264, 1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if e2.ID != e1.ID {
		t.Fatalf("SharedPool acquired a new entry %q instead of reusing idle entry %q", e2.ID, e1.ID)
	}
	if p.Total() != 1 {
		t.Fatalf("Total() = %d, want 1 (no new entry created)", p.Total())
	}
}

func TestPriorityBasedPreemptsLowerPriorityHolder(t *testing.T) {
	cfg := config.DefaultPoolConfig()
	cfg.Strategy = PriorityBased
	cfg.MaxDecodersPerType = 1 // force contention so preemption is the only path
	cfg.MaxDecodersPerChannel = 1
	cfg.EnableResourcePreemption = true
	cfg.EnableDynamicAllocation = false
	p := New(cfg, syntheticFactory, nil)

	low, err := p.Acquire(1, decoder.H264, 1)
	if err != nil {
		t.Fatalf("low-priority Acquire() error = %v", err)
	}

	high, err := p.Acquire(2, decoder.H264, 2)
	if err != nil {
		t.Fatalf("high-priority Acquire() error = %v, want preemption to succeed", err)
	}
	if high.ID != low.ID {
		t.Fatalf("preemption created a new entry instead of reclaiming the held one")
	}
	if high.HeldBy != 2 {
		t.Fatalf("HeldBy = %d after preemption, want 2", high.HeldBy)
	}
	if stats := p.Stats(); stats.Preemptions != 1 {
		t.Fatalf("Preemptions = %d, want 1", stats.Preemptions)
	}
}

func TestLoadBalancedSpillsToLeastLoadedCodec(t *testing.T) {
	p := newTestPool(LoadBalanced)
	first, err := p.Acquire(1, decoder.H264, 1)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	if first.Codec != decoder.H264 {
		t.Fatalf("first Acquire() codec = %v, want H264 (no contention yet)", first.Codec)
	}

	// H264 now has 1 active entry and H265/Generic have 0; the next request,
	// even though it also asks for H264, should be load-balanced onto the
	// strictly-less-loaded H265 pool instead.
	second, err := p.Acquire(2, decoder.H264, 1)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if second.Codec != decoder.H265 {
		t.Fatalf("second Acquire() codec = %v, want H265 (least loaded)", second.Codec)
	}
}

func TestActiveAndTotalInvariant(t *testing.T) {
	p := newTestPool(SharedPool)
	e1, _ := p.Acquire(1, decoder.H264, 1)
	p.Acquire(2, decoder.H265, 1)
	p.Release(e1)

	stats := p.Stats()
	activeSum, idleSum := 0, 0
	for codec := range stats.TotalByType {
		activeSum += stats.ActiveByType[codec]
		idleSum += stats.IdleByType[codec]
	}
	if activeSum+idleSum != p.Total() {
		t.Fatalf("active(%d)+idle(%d) != total(%d)", activeSum, idleSum, p.Total())
	}
	if p.Active() != activeSum {
		t.Fatalf("Active() = %d, want %d", p.Active(), activeSum)
	}
}
