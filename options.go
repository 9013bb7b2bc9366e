package redismux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redismux/redismux/internal/command"
)

// Options configure a Multiplexer.
type Options struct {
	// Addrs seeds the multiplexer. For a cluster any subset of the nodes
	// will do; the rest are discovered with CLUSTER NODES. For a standalone
	// deployment list the primary and, optionally, its replicas.
	Addrs []string

	// Dialer creates a new network connection. Default is a net.Dialer
	// with DialTimeout and TCP keep-alive.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// Protocol 2 or 3. Protocol 3 is negotiated with HELLO 3.
	// Default is 2.
	Protocol int
	// Username and Password for AUTH or HELLO ... AUTH.
	Username string
	Password string
	// ClientName is sent with CLIENT SETNAME on every connection.
	// Default is "redismux-" followed by the multiplexer ID.
	ClientName string

	// Dial timeout for establishing new connections.
	// Default is 5 seconds.
	DialTimeout time.Duration
	// Timeout for socket writes. A write that times out fails the connection.
	// Default is 3 seconds.
	WriteTimeout time.Duration

	// PreserveOrder runs the OnComplete callbacks of Messages sent on one
	// connection serially, in send order. When false each callback runs on
	// its own goroutine as replies arrive. Blocking waits are not affected.
	PreserveOrder bool

	// HeartbeatInterval is how often an idle connection is probed with PING.
	// Default is 1 second; -1 disables heartbeats and stale detection.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout fails a connection whose PING probe is unanswered.
	// Default is 5 seconds.
	HeartbeatTimeout time.Duration
	// StaleTimeout fails a connection that has unanswered Messages but has
	// read nothing for this long. Default is 2 * HeartbeatTimeout.
	StaleTimeout time.Duration

	// Backoff bounds between reconnect attempts.
	// Defaults are 100 milliseconds and 5 seconds.
	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration

	// TopologyRefreshInterval is how often CLUSTER NODES is re-read.
	// Default is 1 minute; -1 disables periodic refresh.
	TopologyRefreshInterval time.Duration

	// LazyConnect makes Connect succeed even when no endpoint is reachable;
	// the reconnect loops keep trying in the background. By default Connect
	// fails when it cannot reach any endpoint.
	LazyConnect bool

	// TieBreakerKey, when several standalone endpoints claim the primary
	// role, names a key whose value is the address of the one to use.
	TieBreakerKey string

	// CommandMap disables or renames commands.
	CommandMap CommandMap

	// SinkPoolSize is the number of idle completion sinks kept for reuse.
	// Default is 1024.
	SinkPoolSize int
	// SubscriberBufferSize is the number of published messages queued for
	// handlers before new ones are dropped. Default is 1024.
	SubscriberBufferSize int

	// Hooks observe every Message, in order.
	Hooks []Hook
	// Profiler receives the timings of every completed Message.
	Profiler Profiler

	// OnConnectionFailed and OnConnectionRestored are called when a
	// connection leaves or re-enters the connected state.
	OnConnectionFailed   func(ConnectionEvent)
	OnConnectionRestored func(ConnectionEvent)
}

// CommandMap disables or renames commands. A command renamed to ""
// is disabled.
type CommandMap struct {
	Disabled []string          `yaml:"disabled"`
	Renamed  map[string]string `yaml:"renamed"`
}

var (
	errNoAddrs         = errors.New("redismux: at least one address is required")
	errBadProtocol     = errors.New("redismux: protocol must be 2 or 3")
	errBadHeartbeat    = errors.New("redismux: HeartbeatTimeout must exceed HeartbeatInterval")
	errBadBackoff      = errors.New("redismux: ReconnectMaxBackoff must not be below ReconnectMinBackoff")
	errBadBufferSize   = errors.New("redismux: buffer sizes must not be negative")
	errEmptyAddr       = errors.New("redismux: empty address")
	errBadStaleTimeout = errors.New("redismux: StaleTimeout must not be below HeartbeatTimeout")
)

// Validate checks the options after defaults have been applied.
func (opt *Options) Validate() error {
	if len(opt.Addrs) == 0 {
		return errNoAddrs
	}
	for _, addr := range opt.Addrs {
		if addr == "" {
			return errEmptyAddr
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("redismux: invalid address %q: %w", addr, err)
		}
	}
	if opt.Protocol != 2 && opt.Protocol != 3 {
		return errBadProtocol
	}
	if opt.HeartbeatInterval > 0 {
		if opt.HeartbeatTimeout <= opt.HeartbeatInterval {
			return errBadHeartbeat
		}
		if opt.StaleTimeout < opt.HeartbeatTimeout {
			return errBadStaleTimeout
		}
	}
	if opt.ReconnectMaxBackoff < opt.ReconnectMinBackoff {
		return errBadBackoff
	}
	if opt.SinkPoolSize < 0 || opt.SubscriberBufferSize < 0 {
		return errBadBufferSize
	}
	return nil
}

func (opt *Options) init() {
	if opt.Protocol == 0 {
		opt.Protocol = 2
	}
	if opt.DialTimeout == 0 {
		opt.DialTimeout = 5 * time.Second
	}
	if opt.Dialer == nil {
		opt.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
			netDialer := &net.Dialer{
				Timeout:   opt.DialTimeout,
				KeepAlive: 5 * time.Minute,
			}
			return netDialer.DialContext(ctx, network, addr)
		}
	}
	if opt.WriteTimeout == 0 {
		opt.WriteTimeout = 3 * time.Second
	}

	switch opt.HeartbeatInterval {
	case -1:
		opt.HeartbeatInterval = 0
	case 0:
		opt.HeartbeatInterval = time.Second
	}
	if opt.HeartbeatTimeout == 0 {
		opt.HeartbeatTimeout = 5 * time.Second
	}
	if opt.StaleTimeout == 0 {
		opt.StaleTimeout = 2 * opt.HeartbeatTimeout
	}

	if opt.ReconnectMinBackoff == 0 {
		opt.ReconnectMinBackoff = 100 * time.Millisecond
	}
	if opt.ReconnectMaxBackoff == 0 {
		opt.ReconnectMaxBackoff = 5 * time.Second
	}

	switch opt.TopologyRefreshInterval {
	case -1:
		opt.TopologyRefreshInterval = 0
	case 0:
		opt.TopologyRefreshInterval = time.Minute
	}

	if opt.SinkPoolSize == 0 {
		opt.SinkPoolSize = 1024
	}
	if opt.SubscriberBufferSize == 0 {
		opt.SubscriberBufferSize = 1024
	}
}

func (opt *Options) clone() *Options {
	clone := *opt
	clone.Addrs = append([]string(nil), opt.Addrs...)
	clone.Hooks = append([]Hook(nil), opt.Hooks...)
	return &clone
}

func (opt *Options) commandMap() *command.Map {
	if len(opt.CommandMap.Disabled) == 0 && len(opt.CommandMap.Renamed) == 0 {
		return nil
	}
	return command.NewMap(opt.CommandMap.Disabled, opt.CommandMap.Renamed)
}
