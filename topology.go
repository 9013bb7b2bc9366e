package redismux

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redismux/redismux/internal"
)

var errNoConnectedEndpoint = errors.New("redismux: no connected endpoint to query")

// Topology returns the current cluster slot map, or nil when connected to
// a standalone deployment.
func (m *Multiplexer) Topology() *SlotMap {
	if !m.cluster.Load() {
		return nil
	}
	return m.slots.Load()
}

// IsCluster reports whether the Multiplexer talks to a Redis Cluster.
func (m *Multiplexer) IsCluster() bool { return m.cluster.Load() }

// Configure re-reads the topology now.
func (m *Multiplexer) Configure(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.refresh(ctx)
}

// requestRefresh schedules a refresh. Requests made while one is pending
// coalesce into it.
func (m *Multiplexer) requestRefresh() {
	select {
	case m.refreshCh <- struct{}{}:
	default:
	}
}

func (m *Multiplexer) topologyLoop() {
	var tick <-chan time.Time
	if m.opt.TopologyRefreshInterval > 0 {
		t := time.NewTicker(m.opt.TopologyRefreshInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-tick:
		case <-m.refreshCh:
		}

		ctx, cancel := context.WithTimeout(m.ctx, 2*m.opt.DialTimeout)
		if err := m.refresh(ctx); err != nil && m.ctx.Err() == nil {
			internal.Warnf(ctx, "topology refresh failed: %s", err)
		}
		cancel()
	}
}

// refresh asks a connected endpoint for CLUSTER NODES. A server without
// cluster support makes the Multiplexer standalone, and the primary is
// elected among the configured endpoints instead.
func (m *Multiplexer) refresh(ctx context.Context) error {
	var lastErr error = errNoConnectedEndpoint
	for _, e := range m.queryOrder() {
		reply, err := e.interactive.call(ctx, "CLUSTER", []byte("NODES"))
		if err != nil {
			if isClusterDisabled(err) {
				m.cluster.Store(false)
				return m.electPrimary(ctx)
			}
			lastErr = err
			continue
		}

		text, err := reply.Text()
		if err != nil {
			lastErr = err
			continue
		}
		nodes, err := ParseClusterNodes(text, e.addr)
		if err != nil {
			lastErr = err
			continue
		}
		m.installSlotMap(ctx, NewSlotMap(nodes))
		return nil
	}
	return lastErr
}

// queryOrder lists connected endpoints, known cluster nodes first.
func (m *Multiplexer) queryOrder() []*serverEndpoint {
	var known, others []*serverEndpoint
	sm := m.slots.Load()
	for _, e := range m.allEndpoints() {
		if !e.connected() {
			continue
		}
		if sm != nil && sm.NodeByAddr(e.addr) != nil {
			known = append(known, e)
		} else {
			others = append(others, e)
		}
	}
	return append(known, others...)
}

func isClusterDisabled(err error) bool {
	return HasErrorPrefix(err, "This instance has cluster support disabled") ||
		HasErrorPrefix(err, "unknown command")
}

// installSlotMap publishes sm after making sure every node has a
// connected endpoint.
func (m *Multiplexer) installSlotMap(ctx context.Context, sm *SlotMap) {
	first := !m.cluster.Swap(true)

	var fresh []*serverEndpoint
	for _, n := range sm.Nodes() {
		e := m.endpoint(n.Addr)
		e.setRole(n.Role)
		if e.interactive.state.Load() == StateConnecting {
			fresh = append(fresh, e)
		}
	}
	for _, err := range m.startAll(ctx, fresh) {
		internal.Warnf(ctx, "cluster node unreachable: %s", err)
	}

	// Replicas only serve reads after READONLY. Connections made from now
	// on send it during the handshake.
	if first {
		for _, n := range sm.Nodes() {
			if n.Role != RoleReplica {
				continue
			}
			if e := m.lookupEndpoint(n.Addr); e != nil && e.connected() {
				if _, err := e.interactive.call(ctx, "READONLY"); err != nil {
					internal.Warnf(ctx, "READONLY on %s failed: %s", e.addr, err)
				}
			}
		}
	}

	m.slots.Store(sm)
}

// applyMoved points one slot at addr without waiting for a refresh.
func (m *Multiplexer) applyMoved(slot int, addr string) {
	for {
		sm := m.slots.Load()
		if sm == nil {
			return
		}
		node := sm.NodeByAddr(addr)
		if node == nil {
			node = &Endpoint{Addr: addr, Role: RolePrimary}
		}
		if sm.BySlot(slot) == node {
			return
		}
		if m.slots.CompareAndSwap(sm, sm.withSlot(slot, node)) {
			return
		}
	}
}

// electPrimary finds the primary among standalone endpoints. Several
// self-declared primaries are resolved with the tie-breaker key, else the
// first configured one wins.
func (m *Multiplexer) electPrimary(ctx context.Context) error {
	var primaries []*serverEndpoint
	for _, addr := range m.seeds {
		e := m.lookupEndpoint(addr)
		if e == nil || !e.connected() {
			continue
		}
		reply, err := e.interactive.call(ctx, "ROLE")
		if err == nil {
			if role, ok := parseRole(reply); ok {
				e.setRole(role)
			}
		} else if isFatalHandshakeError(err) {
			continue
		}
		if e.Role() == RolePrimary {
			primaries = append(primaries, e)
		}
	}

	switch len(primaries) {
	case 0:
		m.primary.Store(nil)
		return &NoRouteError{Command: "ROLE", Considered: m.seeds}
	case 1:
		m.primary.Store(primaries[0])
		return nil
	}

	chosen := primaries[0]
	if key := m.opt.TieBreakerKey; key != "" {
		votes := make(map[string]int)
		for _, e := range primaries {
			reply, err := e.interactive.call(ctx, "GET", []byte(key))
			if err != nil {
				continue
			}
			if addr, err := reply.Text(); err == nil {
				votes[strings.TrimSpace(addr)]++
			}
		}
		best := 0
		for _, e := range primaries {
			if n := votes[e.addr]; n > best {
				chosen, best = e, n
			}
		}
	}
	if prev := m.primary.Swap(chosen); prev != chosen {
		internal.Infof(ctx, "using %s as primary out of %d candidates", chosen.addr, len(primaries))
	}
	return nil
}
