package redismux

import (
	"context"
	"time"
)

// Hook observes Messages. BeforeSend runs on the sending goroutine and may
// reject the Message by returning an error. AfterComplete runs on the
// goroutine that completes the Message, often a connection's read loop,
// so it must not block.
type Hook interface {
	BeforeSend(ctx context.Context, msg *Message) error
	AfterComplete(msg *Message, reply *Reply, err error)
}

// ProfiledCommand is the timing record of one completed Message.
type ProfiledCommand struct {
	Endpoint string
	DB       int
	Command  string
	Flags    Flags

	CreatedAt time.Time
	// Intervals between the Message's timestamps. An interval whose end
	// was never reached, e.g. no response after a connection failure,
	// is zero.
	CreationToEnqueued   time.Duration
	EnqueuedToSending    time.Duration
	SentToResponse       time.Duration
	ResponseToCompletion time.Duration
	ElapsedTime          time.Duration

	// RetransmissionOf links a re-send to the Message that was redirected,
	// and RetransmissionReason is "MOVED" or "ASK".
	RetransmissionOf     *Message
	RetransmissionReason string

	Err error
}

// Profiler receives a ProfiledCommand for every completed Message. Like
// Hook.AfterComplete it must not block.
type Profiler interface {
	Record(cmd *ProfiledCommand)
}

// ProfilerFunc adapts a function to Profiler.
type ProfilerFunc func(cmd *ProfiledCommand)

func (f ProfilerFunc) Record(cmd *ProfiledCommand) { f(cmd) }

func interval(from, to time.Time) time.Duration {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return 0
	}
	return to.Sub(from)
}

func (m *Message) profile(err error) *ProfiledCommand {
	return &ProfiledCommand{
		Endpoint:             m.endpoint,
		DB:                   m.DB,
		Command:              m.Command,
		Flags:                m.Flags,
		CreatedAt:            m.createdAt,
		CreationToEnqueued:   interval(m.createdAt, m.enqueuedAt),
		EnqueuedToSending:    interval(m.enqueuedAt, m.sentAt),
		SentToResponse:       interval(m.sentAt, m.respondedAt),
		ResponseToCompletion: interval(m.respondedAt, m.completedAt),
		ElapsedTime:          interval(m.createdAt, m.completedAt),
		RetransmissionOf:     m.retransmissionOf,
		RetransmissionReason: m.redirect,
		Err:                  err,
	}
}
