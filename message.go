package redismux

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/redismux/redismux/internal/command"
	"github.com/redismux/redismux/internal/pool"
	"github.com/redismux/redismux/internal/proto"
)

// Reply is one parsed RESP value: a status, error, integer, bulk string,
// array, map, set, push or any other RESP3 type.
type Reply = proto.Frame

// Flags select the role of the endpoint that serves a Message and how its
// reply is handled.
type Flags uint32

const (
	// DemandMaster routes to the primary and fails when it is unavailable.
	// It is the default.
	DemandMaster Flags = 0
	// PreferMaster routes to the primary, falling back to a replica.
	PreferMaster Flags = 1 << 0
	// DemandReplica routes to a replica and fails when none is available.
	DemandReplica Flags = 1 << 1
	// PreferReplica routes to a replica, falling back to the primary.
	PreferReplica Flags = 1 << 2
	// FireAndForget discards the reply. Failures only show in Stats.
	FireAndForget Flags = 1 << 3
	// NoRedirect surfaces MOVED and ASK replies instead of following them.
	NoRedirect Flags = 1 << 4
	// HighPriority puts the Message at the head of the outbound queue.
	HighPriority Flags = 1 << 5

	roleFlags = PreferMaster | DemandReplica | PreferReplica
)

func (f Flags) String() string {
	var parts []string
	switch {
	case f&DemandReplica != 0:
		parts = append(parts, "DemandReplica")
	case f&PreferReplica != 0:
		parts = append(parts, "PreferReplica")
	case f&PreferMaster != 0:
		parts = append(parts, "PreferMaster")
	default:
		parts = append(parts, "DemandMaster")
	}
	if f&FireAndForget != 0 {
		parts = append(parts, "FireAndForget")
	}
	if f&NoRedirect != 0 {
		parts = append(parts, "NoRedirect")
	}
	if f&HighPriority != 0 {
		parts = append(parts, "HighPriority")
	}
	return strings.Join(parts, "|")
}

// Message is one logical command. A Message belongs to at most one
// connection queue at a time and completes exactly once.
type Message struct {
	DB      int
	Command string
	Args    [][]byte
	Flags   Flags

	// OnComplete, if set, is called with the outcome. With
	// Options.PreserveOrder callbacks of one connection run serially in
	// send order, otherwise each runs on its own goroutine.
	OnComplete func(reply *Reply, err error)

	retransmissionOf *Message
	redirect         string
	endpoint         string

	createdAt   time.Time
	enqueuedAt  time.Time
	sentAt      time.Time
	respondedAt time.Time
	completedAt time.Time

	wire      string
	info      *command.Info
	internal  bool
	selectDB  bool
	owner     *Multiplexer
	sink      *pool.Sink
	callbacks *callbackQueue
	onFinish  func(reply *Reply, err error)
	finished  atomic.Bool

	// reader goroutine only
	remaining int
	replies   []*Reply
}

// NewMessage builds a Message, converting args with the same rules as
// Multiplexer.Do.
func NewMessage(cmd string, args ...interface{}) (*Message, error) {
	bs, err := proto.Args(args...)
	if err != nil {
		return nil, err
	}
	return &Message{Command: cmd, Args: bs}, nil
}

func newInternalMessage(cmd string, args ...[]byte) *Message {
	return &Message{
		Command:  cmd,
		Args:     args,
		wire:     cmd,
		info:     command.Lookup(cmd),
		internal: true,
	}
}

// RetransmissionOf returns the Message this one re-sends after a MOVED
// or ASK redirection, or nil.
func (m *Message) RetransmissionOf() *Message { return m.retransmissionOf }

// Endpoint returns the address of the connection the Message was queued on.
func (m *Message) Endpoint() string { return m.endpoint }

func (m *Message) CreatedAt() time.Time   { return m.createdAt }
func (m *Message) EnqueuedAt() time.Time  { return m.enqueuedAt }
func (m *Message) SentAt() time.Time      { return m.sentAt }
func (m *Message) RespondedAt() time.Time { return m.respondedAt }
func (m *Message) CompletedAt() time.Time { return m.completedAt }

// Completed reports whether the Message has its outcome.
func (m *Message) Completed() bool { return m.finished.Load() }

func (m *Message) String() string {
	var sb strings.Builder
	sb.WriteString(m.Command)
	for _, arg := range m.Args {
		sb.WriteByte(' ')
		sb.Write(arg)
	}
	return sb.String()
}

func (m *Message) wireName() string {
	if m.wire != "" {
		return m.wire
	}
	return m.Command
}

// retransmit creates the single re-send of m after a redirection. The new
// Message completes m when it completes.
func (m *Message) retransmit(reason string) *Message {
	re := &Message{
		DB:               m.DB,
		Command:          m.Command,
		Args:             m.Args,
		Flags:            m.Flags &^ HighPriority,
		retransmissionOf: m,
		redirect:         reason,
		createdAt:        time.Now(),
		wire:             m.wire,
		info:             m.info,
		owner:            m.owner,
	}
	re.onFinish = m.finish
	return re
}

// finish completes the Message. Only the first call has any effect.
func (m *Message) finish(reply *Reply, err error) {
	if !m.finished.CompareAndSwap(false, true) {
		return
	}
	m.completedAt = time.Now()

	if m.onFinish != nil {
		m.onFinish(reply, err)
	}
	if m.sink != nil {
		m.sink.Complete(reply, err)
	}
	if m.owner != nil && !m.internal {
		m.owner.completed(m, reply, err)
	}
	if m.OnComplete != nil {
		if m.callbacks != nil && m.callbacks.push(m.OnComplete, reply, err) {
			return
		}
		go m.OnComplete(reply, err)
	}
}
