package pool

import (
	"context"
	"sync/atomic"

	"github.com/redismux/redismux/internal/proto"
)

const (
	sinkPending uint32 = iota
	sinkCompleted
)

// Sink is the single-assignment hand-off between a connection's read loop
// and the goroutine waiting for a reply. Complete succeeds at most once per
// checkout; later calls report false and change nothing.
type Sink struct {
	state  atomic.Uint32
	pooled atomic.Bool
	done   chan struct{}

	reply *proto.Frame
	err   error
}

func newSink() *Sink {
	return &Sink{done: make(chan struct{}, 1)}
}

// Complete stores the outcome and wakes the waiter.
func (s *Sink) Complete(reply *proto.Frame, err error) bool {
	if !s.state.CompareAndSwap(sinkPending, sinkCompleted) {
		return false
	}
	s.reply, s.err = reply, err
	s.done <- struct{}{}
	return true
}

// Completed reports whether Complete has been called.
func (s *Sink) Completed() bool {
	return s.state.Load() == sinkCompleted
}

// Wait blocks until the sink is completed or ctx is done. A cancelled wait
// leaves the sink pending, so a later Wait still observes the outcome.
func (s *Sink) Wait(ctx context.Context) (*proto.Frame, error, bool) {
	select {
	case <-s.done:
		// keep the token so repeated waits do not block
		s.done <- struct{}{}
		return s.reply, s.err, true
	case <-ctx.Done():
		return nil, ctx.Err(), false
	}
}

func (s *Sink) reset() {
	select {
	case <-s.done:
	default:
	}
	s.reply, s.err = nil, nil
	s.state.Store(sinkPending)
}

// SinkStats contains sink pool accounting.
type SinkStats struct {
	Allocs     uint64 // sinks created because the free list was empty
	Gets       uint64 // sinks handed out
	Puts       uint64 // sinks returned to the free list
	Drops      uint64 // returned sinks discarded because the free list was full
	DoublePuts uint64 // returns of a sink that was already in the pool
	Rejected   uint64 // returns of a sink that was never completed
	Free       uint32 // sinks currently on the free list
}

// SinkPool is a bounded, goroutine-safe free list of sinks.
type SinkPool struct {
	free chan *Sink

	allocs     atomic.Uint64
	gets       atomic.Uint64
	puts       atomic.Uint64
	drops      atomic.Uint64
	doublePuts atomic.Uint64
	rejected   atomic.Uint64
}

// NewSinkPool creates a pool keeping at most size idle sinks.
func NewSinkPool(size int) *SinkPool {
	if size < 1 {
		size = 1
	}
	return &SinkPool{free: make(chan *Sink, size)}
}

// Get returns a pending sink, reusing an idle one when available.
func (p *SinkPool) Get() *Sink {
	p.gets.Add(1)
	select {
	case s := <-p.free:
		s.pooled.Store(false)
		return s
	default:
		p.allocs.Add(1)
		return newSink()
	}
}

// Put returns a completed sink whose outcome has been consumed.
func (p *SinkPool) Put(s *Sink) {
	if s == nil {
		return
	}
	if s.pooled.Load() {
		p.doublePuts.Add(1)
		return
	}
	if !s.Completed() {
		p.rejected.Add(1)
		return
	}
	if !s.pooled.CompareAndSwap(false, true) {
		p.doublePuts.Add(1)
		return
	}
	s.reset()
	select {
	case p.free <- s:
		p.puts.Add(1)
	default:
		p.drops.Add(1)
	}
}

// Stats returns a snapshot of the pool accounting.
func (p *SinkPool) Stats() SinkStats {
	return SinkStats{
		Allocs:     p.allocs.Load(),
		Gets:       p.gets.Load(),
		Puts:       p.puts.Load(),
		Drops:      p.drops.Load(),
		DoublePuts: p.doublePuts.Load(),
		Rejected:   p.rejected.Load(),
		Free:       uint32(len(p.free)),
	}
}
