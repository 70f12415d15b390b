// Package decoderpool implements the shared decoder resource pool (spec.md
// §4.5 — component C5): five sharing strategies, dynamic sizing, and
// preemption across channels. Grounded on the teacher's webrtc/sfu.go
// resource-contention patterns (candidate-queue buffering under a
// per-entity mutex) generalized from ICE candidates to decoder instances.
// Concurrency: golang.org/x/sync/semaphore bounds concurrent decodes per
// entry to 1 (spec.md §3's "at most one inflight decode per decoder
// instance"), pulled from five82-reel's use of the same package for
// worker-permit accounting.
package decoderpool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/n0remac/rtsp-vision/config"
	"github.com/n0remac/rtsp-vision/decoder"
	"github.com/n0remac/rtsp-vision/events"
	"github.com/n0remac/rtsp-vision/verrors"
)

// Strategy re-exports config.Strategy so callers needn't import config for
// the enum alone.
type Strategy = config.Strategy

const (
	Exclusive      = config.Exclusive
	SharedPool     = config.SharedPool
	Adaptive       = config.Adaptive
	PriorityBased  = config.PriorityBased
	LoadBalanced   = config.LoadBalanced
)

// Entry is one decoder instance plus its pool bookkeeping (spec.md §3
// "Decoder pool entry").
type Entry struct {
	ID          string
	Codec       decoder.Codec
	Decoder     decoder.Decoder
	InUse       bool
	UsageCount  uint64
	LastUsedAt  time.Time
	HeldBy      int // channel id, -1 if unassigned
	assignedAt  time.Time
	sem         *semaphore.Weighted
}

// Factory constructs a new Decoder instance for the given codec.
type Factory func(codec decoder.Codec) decoder.Decoder

// Stats is a point-in-time snapshot of pool statistics (SPEC_FULL §13).
type Stats struct {
	TotalByType      map[decoder.Codec]int
	ActiveByType     map[decoder.Codec]int
	IdleByType       map[decoder.Codec]int
	Contentions      uint64
	Preemptions      uint64
	Expansions       uint64
	Shrinks          uint64
}

// Pool is the process-wide decoder resource pool.
type Pool struct {
	cfg     config.PoolConfig
	factory Factory
	strat   Strategy

	listener events.PoolListener

	mu      sync.Mutex
	entries []*Entry
	// channelPriority tracks the priority (1..3) each holding channel was
	// assigned with, for preemption decisions.
	channelPriority map[int]uint8

	contentions uint64
	preemptions uint64
	expansions  uint64
	shrinks     uint64

	nextID int

	stop chan struct{}
	done chan struct{}
}

// New constructs a Pool using cfg's strategy and sizing parameters.
func New(cfg config.PoolConfig, factory Factory, listener events.PoolListener) *Pool {
	return &Pool{
		cfg:             cfg,
		factory:         factory,
		strat:           cfg.Strategy,
		listener:        listener,
		channelPriority: make(map[int]uint8),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// SetStrategy changes the sharing strategy at runtime (spec.md §4.5:
// "settable at runtime").
func (p *Pool) SetStrategy(s Strategy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strat = s
}

// StartDynamicSizing launches the background sizing task (spec.md §4.5:
// inspects utilization every 5s, expands at >0.9, shrinks at <0.3).
func (p *Pool) StartDynamicSizing() {
	if !p.cfg.EnableDynamicAllocation {
		close(p.done)
		return
	}
	go p.sizingLoop()
}

// Stop halts the background sizing task and waits for it to exit.
func (p *Pool) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
}

func (p *Pool) sizingLoop() {
	defer close(p.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.rebalance()
		}
	}
}

func (p *Pool) rebalance() {
	p.mu.Lock()
	defer p.mu.Unlock()
	byType := map[decoder.Codec][]*Entry{}
	for _, e := range p.entries {
		byType[e.Codec] = append(byType[e.Codec], e)
	}
	for codec, list := range byType {
		total := len(list)
		active := 0
		for _, e := range list {
			if e.InUse {
				active++
			}
		}
		util := float64(active) / float64(total)
		if util > 0.9 && total < p.cfg.MaxDecodersPerType {
			p.createEntryLocked(codec)
			p.expansions++
			if p.listener != nil {
				p.listener.OnPoolExpanded(codec.String(), total+1)
			}
		} else if util < 0.3 && total > 2 {
			for _, e := range list {
				if !e.InUse {
					p.removeEntryLocked(e)
					p.shrinks++
					if p.listener != nil {
						p.listener.OnPoolShrunk(codec.String(), total-1)
					}
					break
				}
			}
		}
	}
}

func (p *Pool) createEntryLocked(codec decoder.Codec) *Entry {
	p.nextID++
	e := &Entry{
		ID:      fmt.Sprintf("dec-%d", p.nextID),
		Codec:   codec,
		Decoder: p.factory(codec),
		HeldBy:  -1,
		sem:     semaphore.NewWeighted(1),
	}
	p.entries = append(p.entries, e)
	return e
}

func (p *Pool) removeEntryLocked(target *Entry) {
	for i, e := range p.entries {
		if e == target {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return
		}
	}
}

func (p *Pool) entriesByType(codec decoder.Codec) []*Entry {
	var out []*Entry
	for _, e := range p.entries {
		if e.Codec == codec {
			out = append(out, e)
		}
	}
	return out
}

func (p *Pool) totalByType(codec decoder.Codec) int { return len(p.entriesByType(codec)) }

func (p *Pool) idleOfType(codec decoder.Codec) *Entry {
	var oldest *Entry
	for _, e := range p.entriesByType(codec) {
		if !e.InUse {
			if oldest == nil || e.LastUsedAt.Before(oldest.LastUsedAt) {
				oldest = e
			}
		}
	}
	return oldest
}

func (p *Pool) utilization(codec decoder.Codec) float64 {
	list := p.entriesByType(codec)
	if len(list) == 0 {
		return 0
	}
	active := 0
	for _, e := range list {
		if e.InUse {
			active++
		}
	}
	return float64(active) / float64(len(list))
}

// Acquire assigns a decoder of codec to channelID at priority, per the
// pool's current strategy (spec.md §4.5).
func (p *Pool) Acquire(channelID int, codec decoder.Codec, priority uint8) (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.channelPriority[channelID] = priority

	switch p.strat {
	case Exclusive:
		return p.acquireExclusiveLocked(channelID, codec)
	case SharedPool:
		return p.acquireSharedLocked(channelID, codec)
	case Adaptive:
		if p.utilization(codec) < p.cfg.ResourceUtilizationThresh {
			if e, err := p.acquireExclusiveLocked(channelID, codec); err == nil {
				return e, nil
			}
		}
		return p.acquireSharedLocked(channelID, codec)
	case PriorityBased:
		return p.acquirePriorityLocked(channelID, codec, priority)
	case LoadBalanced:
		return p.acquireLoadBalancedLocked(channelID, codec)
	default:
		return p.acquireSharedLocked(channelID, codec)
	}
}

func (p *Pool) acquireExclusiveLocked(channelID int, codec decoder.Codec) (*Entry, error) {
	owned := 0
	for _, e := range p.entries {
		if e.HeldBy == channelID {
			owned++
		}
	}
	if owned >= p.cfg.MaxDecodersPerChannel {
		p.contentions++
		if p.listener != nil {
			p.listener.OnContention(channelID)
		}
		return nil, verrors.NewResourceExhausted("decoderpool.acquire_exclusive", nil)
	}
	e := p.createEntryLocked(codec)
	p.assignLocked(e, channelID)
	return e, nil
}

func (p *Pool) acquireSharedLocked(channelID int, codec decoder.Codec) (*Entry, error) {
	if e := p.idleOfType(codec); e != nil {
		p.assignLocked(e, channelID)
		return e, nil
	}
	if p.totalByType(codec) < p.cfg.MaxDecodersPerType {
		e := p.createEntryLocked(codec)
		p.assignLocked(e, channelID)
		return e, nil
	}
	p.contentions++
	if p.listener != nil {
		p.listener.OnContention(channelID)
	}
	return nil, verrors.NewResourceExhausted("decoderpool.acquire_shared", nil)
}

func (p *Pool) acquirePriorityLocked(channelID int, codec decoder.Codec, priority uint8) (*Entry, error) {
	if priority >= 3 {
		if e, err := p.acquireExclusiveLocked(channelID, codec); err == nil {
			return e, nil
		}
	}
	e, err := p.acquireSharedLocked(channelID, codec)
	if err == nil {
		return e, nil
	}
	if priority >= 2 && p.cfg.EnableResourcePreemption {
		if victim := p.pickPreemptionVictimLocked(channelID, codec); victim != nil {
			fromChannel := victim.HeldBy
			p.releaseLocked(victim)
			p.assignLocked(victim, channelID)
			p.preemptions++
			if p.listener != nil {
				p.listener.OnPreemption(fromChannel, channelID, victim.ID)
			}
			return victim, nil
		}
	}
	return nil, err
}

// pickPreemptionVictimLocked reclaims the oldest-assigned decoder held by a
// lower-priority channel (spec.md §4.5: "reclaiming its oldest assigned
// decoder").
func (p *Pool) pickPreemptionVictimLocked(requester int, codec decoder.Codec) *Entry {
	myPriority := p.channelPriority[requester]
	var candidates []*Entry
	for _, e := range p.entriesByType(codec) {
		if !e.InUse || e.HeldBy == requester {
			continue
		}
		if p.channelPriority[e.HeldBy] < myPriority {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].assignedAt.Before(candidates[j].assignedAt)
	})
	return candidates[0]
}

func (p *Pool) acquireLoadBalancedLocked(channelID int, codec decoder.Codec) (*Entry, error) {
	// Pick the pool (by codec type) with fewest active decoders: another
	// type replaces the requested one whenever it has strictly fewer active
	// decoders and is still under its per-type cap.
	best := codec
	bestActive := p.activeCountLocked(codec)
	for _, c := range []decoder.Codec{decoder.H264, decoder.H265, decoder.Generic} {
		if c == codec {
			continue
		}
		if a := p.activeCountLocked(c); a < bestActive && p.totalByType(c) < p.cfg.MaxDecodersPerType {
			best = c
			bestActive = a
		}
	}
	return p.acquireSharedLocked(channelID, best)
}

func (p *Pool) activeCountLocked(codec decoder.Codec) int {
	n := 0
	for _, e := range p.entriesByType(codec) {
		if e.InUse {
			n++
		}
	}
	return n
}

func (p *Pool) assignLocked(e *Entry, channelID int) {
	e.InUse = true
	e.HeldBy = channelID
	e.UsageCount++
	e.assignedAt = time.Now()
	if p.listener != nil {
		p.listener.OnAssigned(channelID, e.ID)
	}
}

func (p *Pool) releaseLocked(e *Entry) {
	channelID := e.HeldBy
	e.InUse = false
	e.HeldBy = -1
	e.LastUsedAt = time.Now()
	if p.listener != nil {
		p.listener.OnReleased(channelID, e.ID)
	}
}

// Release returns entry to the pool.
func (p *Pool) Release(entry *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(entry)
}

// AcquireDecodeSlot bounds concurrent decode calls on entry to 1 (spec.md
// §3). Called by channel.Manager.onPacket around every decoder.Session.Decode
// call, since a shared-strategy entry can be reassigned to a different
// channel between packets. Callers must release the returned func.
func (p *Pool) AcquireDecodeSlot(ctx context.Context, entry *Entry) (func(), error) {
	if err := entry.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { entry.sem.Release(1) }, nil
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		TotalByType:  map[decoder.Codec]int{},
		ActiveByType: map[decoder.Codec]int{},
		IdleByType:   map[decoder.Codec]int{},
		Contentions:  p.contentions,
		Preemptions:  p.preemptions,
		Expansions:   p.expansions,
		Shrinks:      p.shrinks,
	}
	for _, e := range p.entries {
		s.TotalByType[e.Codec]++
		if e.InUse {
			s.ActiveByType[e.Codec]++
		} else {
			s.IdleByType[e.Codec]++
		}
	}
	return s
}

// Active returns the total number of in-use entries across all types
// (spec.md §8 invariant 6: "active + idle == total").
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		if e.InUse {
			n++
		}
	}
	return n
}

// Total returns the total number of entries across all types.
func (p *Pool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
