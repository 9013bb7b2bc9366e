package redismux

import (
	"context"
	"sync"

	"github.com/redismux/redismux/internal/pool"
)

// Pending is the caller's handle on a sent Message.
type Pending struct {
	msg   *Message
	sinks *pool.SinkPool

	mu      sync.Mutex
	sink    *pool.Sink
	waiters int
	done    bool
	reply   *Reply
	err     error
}

func resolvedPending(msg *Message, reply *Reply, err error) *Pending {
	return &Pending{msg: msg, done: true, reply: reply, err: err}
}

// Message returns the Message this Pending waits for.
func (p *Pending) Message() *Message { return p.msg }

// Result waits for the reply. A cancelled ctx ends the wait but not the
// Message: it is still written and its reply still consumed, and a later
// call to Result returns it.
//
// Fire-and-forget Messages resolve immediately with a nil reply.
func (p *Pending) Result(ctx context.Context) (*Reply, error) {
	p.mu.Lock()
	if p.done {
		reply, err := p.reply, p.err
		p.mu.Unlock()
		return reply, err
	}
	sink := p.sink
	p.waiters++
	p.mu.Unlock()

	reply, err, ok := sink.Wait(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.waiters--
	if ok && !p.done {
		p.done = true
		p.reply, p.err = reply, err
	}
	if p.done && p.waiters == 0 && p.sink != nil {
		p.sinks.Put(p.sink)
		p.sink = nil
	}
	if !ok {
		return nil, err
	}
	return p.reply, p.err
}

// Text waits for the reply and returns it as a string.
func (p *Pending) Text(ctx context.Context) (string, error) {
	reply, err := p.Result(ctx)
	if err != nil {
		return "", err
	}
	return reply.Text()
}

// Int64 waits for the reply and returns it as an integer.
func (p *Pending) Int64(ctx context.Context) (int64, error) {
	reply, err := p.Result(ctx)
	if err != nil {
		return 0, err
	}
	return reply.Int64()
}
