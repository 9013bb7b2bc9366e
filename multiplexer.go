package redismux

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/redismux/redismux/internal"
	"github.com/redismux/redismux/internal/command"
	"github.com/redismux/redismux/internal/pool"
)

// SetLogger sets the logger used by the library.
func SetLogger(logger internal.Logging) {
	internal.Logger = logger
}

// Multiplexer carries commands from any number of goroutines over a few
// persistent connections per server. It is safe for concurrent use.
type Multiplexer struct {
	opt      *Options
	id       string
	commands *command.Map
	sinks    *pool.SinkPool

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu        sync.RWMutex
	endpoints map[string]*serverEndpoint
	seeds     []string

	cluster   atomic.Bool
	slots     atomic.Pointer[SlotMap]
	primary   atomic.Pointer[serverEndpoint]
	refreshCh chan struct{}
	rr        atomic.Uint64

	subscriber *Subscriber

	fafFailures atomic.Uint64
	redirects   atomic.Uint64
}

// Connect creates a Multiplexer, connects to the seed addresses and
// discovers the topology.
func Connect(ctx context.Context, opt *Options) (*Multiplexer, error) {
	opt = opt.clone()
	opt.init()
	if err := opt.Validate(); err != nil {
		return nil, err
	}

	m := &Multiplexer{
		opt:       opt,
		id:        uuid.NewString(),
		commands:  opt.commandMap(),
		sinks:     pool.NewSinkPool(opt.SinkPoolSize),
		endpoints: make(map[string]*serverEndpoint),
		seeds:     opt.Addrs,
		refreshCh: make(chan struct{}, 1),
	}
	if opt.ClientName == "" {
		opt.ClientName = "redismux-" + m.id
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.subscriber = newSubscriber(m)

	var eps []*serverEndpoint
	for _, addr := range opt.Addrs {
		eps = append(eps, m.endpoint(addr))
	}
	errs := m.startAll(ctx, eps)

	connected := 0
	for _, e := range eps {
		if e.connected() {
			connected++
		}
	}
	if connected == 0 && !opt.LazyConnect {
		_ = m.Close()
		return nil, fmt.Errorf("redismux: unable to connect to any endpoint: %w", errors.Join(errs...))
	}

	if connected > 0 {
		if err := m.refresh(ctx); err != nil {
			internal.Warnf(ctx, "initial topology discovery failed: %s", err)
		}
	}
	go m.topologyLoop()
	return m, nil
}

// ID identifies this Multiplexer. It is part of the default client name.
func (m *Multiplexer) ID() string { return m.id }

// Options returns read-only Options which were used to create the Multiplexer.
func (m *Multiplexer) Options() *Options { return m.opt }

func (m *Multiplexer) String() string {
	return fmt.Sprintf("Multiplexer<%s %v>", m.id, m.seeds)
}

// endpoint returns the endpoint for addr, creating it if needed. It does
// not connect.
func (m *Multiplexer) endpoint(addr string) *serverEndpoint {
	m.mu.RLock()
	e, ok := m.endpoints[addr]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.endpoints[addr]; ok {
		return e
	}
	e = newServerEndpoint(m, addr)
	m.endpoints[addr] = e
	return e
}

// endpointFor returns a connected endpoint for addr, connecting it first
// when it is new.
func (m *Multiplexer) endpointFor(ctx context.Context, addr string) (*serverEndpoint, error) {
	e := m.endpoint(addr)
	if err := e.interactive.start(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (m *Multiplexer) lookupEndpoint(addr string) *serverEndpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoints[addr]
}

func (m *Multiplexer) allEndpoints() []*serverEndpoint {
	m.mu.RLock()
	eps := make([]*serverEndpoint, 0, len(m.endpoints))
	for _, e := range m.endpoints {
		eps = append(eps, e)
	}
	m.mu.RUnlock()
	sort.Slice(eps, func(i, j int) bool { return eps[i].addr < eps[j].addr })
	return eps
}

// startAll connects the interactive links of eps concurrently.
func (m *Multiplexer) startAll(ctx context.Context, eps []*serverEndpoint) []error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range eps {
		wg.Add(1)
		go func(e *serverEndpoint) {
			defer wg.Done()
			if err := e.interactive.start(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()
	return errs
}

//------------------------------------------------------------------------------

// Send routes msg and queues it. It never blocks on the network; wait for
// the outcome with Pending.Result.
func (m *Multiplexer) Send(ctx context.Context, msg *Message) *Pending {
	msg.createdAt = time.Now()
	msg.owner = m
	if msg.Flags&FireAndForget == 0 {
		msg.sink = m.sinks.Get()
	}
	p := &Pending{msg: msg, sinks: m.sinks, sink: msg.sink}

	if err := m.prepare(ctx, msg); err != nil {
		return m.reject(p, err)
	}

	e, err := m.route(msg)
	if err != nil {
		return m.reject(p, err)
	}
	if err := e.interactive.enqueue(msg); err != nil {
		return m.reject(p, err)
	}

	if msg.sink == nil {
		return resolvedPending(msg, nil, nil)
	}
	return p
}

func (m *Multiplexer) prepare(ctx context.Context, msg *Message) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if msg.Command == "" {
		return fmt.Errorf("redismux: empty command")
	}
	wire, err := m.commands.Resolve(msg.Command)
	if err != nil {
		return err
	}
	msg.wire = wire
	msg.info = command.Lookup(msg.Command)
	if msg.info.Has(command.PubSub) || command.IsUnsupported(msg.Command, msg.Args) {
		return fmt.Errorf("%w: %s", ErrUnsupportedCommand, msg.info.Name)
	}
	if msg.DB < 0 {
		return fmt.Errorf("redismux: invalid DB %d", msg.DB)
	}
	if msg.DB != 0 && m.cluster.Load() {
		return errClusterDB
	}
	for _, h := range m.opt.Hooks {
		if err := h.BeforeSend(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// reject completes a Message that never reached a connection.
func (m *Multiplexer) reject(p *Pending, err error) *Pending {
	p.msg.finish(nil, err)
	if p.msg.sink == nil {
		return resolvedPending(p.msg, nil, err)
	}
	return p
}

// Do sends a command and waits for its reply.
func (m *Multiplexer) Do(ctx context.Context, cmd string, args ...interface{}) (*Reply, error) {
	msg, err := NewMessage(cmd, args...)
	if err != nil {
		return nil, err
	}
	return m.Send(ctx, msg).Result(ctx)
}

// Publish posts payload to channel and returns the number of receivers.
func (m *Multiplexer) Publish(ctx context.Context, channel string, payload interface{}) (int64, error) {
	reply, err := m.Do(ctx, "PUBLISH", channel, payload)
	if err != nil {
		return 0, err
	}
	return reply.Int64()
}

// Subscriber returns the subscription registry of the Multiplexer.
func (m *Multiplexer) Subscriber() *Subscriber { return m.subscriber }

// completed is called once for every finished user Message.
func (m *Multiplexer) completed(msg *Message, reply *Reply, err error) {
	if err != nil && msg.Flags&FireAndForget != 0 && msg.retransmissionOf == nil {
		m.fafFailures.Add(1)
		internal.Debugf(context.Background(), "fire-and-forget %s failed: %s", msg.Command, err)
	}
	for _, h := range m.opt.Hooks {
		h.AfterComplete(msg, reply, err)
	}
	if m.opt.Profiler != nil {
		m.opt.Profiler.Record(msg.profile(err))
	}
}

func (m *Multiplexer) emitFailed(ev ConnectionEvent) {
	if fn := m.opt.OnConnectionFailed; fn != nil {
		fn(ev)
	}
}

func (m *Multiplexer) emitRestored(ev ConnectionEvent) {
	if fn := m.opt.OnConnectionRestored; fn != nil {
		fn(ev)
	}
}

//------------------------------------------------------------------------------

// Ping sends PING to every connected endpoint and returns the round-trip
// times, which are also recorded in Stats.
func (m *Multiplexer) Ping(ctx context.Context) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	var errs []error
	for _, e := range m.allEndpoints() {
		if !e.connected() {
			continue
		}
		start := time.Now()
		if _, err := e.interactive.call(ctx, "PING"); err != nil {
			errs = append(errs, err)
			continue
		}
		d := time.Since(start)
		e.recordLatency(d)
		out[e.addr] = d
	}
	return out, errors.Join(errs...)
}

// Close closes every connection. Queued and unanswered Messages complete
// with a *ConnectionError wrapping ErrClosed.
func (m *Multiplexer) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	m.cancel()
	for _, e := range m.allEndpoints() {
		e.close()
	}
	return nil
}

//------------------------------------------------------------------------------

// SinkStats contains completion sink pool accounting.
type SinkStats = pool.SinkStats

// EndpointStats is the health of one server.
type EndpointStats struct {
	Addr         string
	Role         Role
	Interactive  ConnState
	Subscription ConnState
	Failures     uint64
	Restores     uint64
	Latency      time.Duration
	LastError    string
	Pending      int
}

// Stats is a snapshot of the Multiplexer's counters.
type Stats struct {
	Cluster               bool
	Endpoints             []EndpointStats
	FireAndForgetFailures uint64
	Redirects             uint64
	SubscriberDropped     uint64
	Sinks                 SinkStats
}

// Stats returns a snapshot of the Multiplexer's counters.
func (m *Multiplexer) Stats() *Stats {
	s := &Stats{
		Cluster:               m.cluster.Load(),
		FireAndForgetFailures: m.fafFailures.Load(),
		Redirects:             m.redirects.Load(),
		SubscriberDropped:     m.subscriber.Dropped(),
		Sinks:                 m.sinks.Stats(),
	}
	for _, e := range m.allEndpoints() {
		es := EndpointStats{
			Addr:         e.addr,
			Role:         e.Role(),
			Interactive:  e.interactive.state.Load(),
			Subscription: e.subscription.state.Load(),
			Failures:     e.failures.Load(),
			Restores:     e.restores.Load(),
			Latency:      time.Duration(e.latency.Load()),
		}
		if last := e.lastErr.Load(); last != nil {
			es.LastError = *last
		}
		if c := e.interactive.current(); c != nil {
			es.Pending = c.pending()
		}
		s.Endpoints = append(s.Endpoints, es)
	}
	return s
}
