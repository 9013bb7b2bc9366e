package redismux

import (
	"context"
	"net"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"github.com/redismux/redismux/internal"
	"github.com/redismux/redismux/internal/hashtag"
	"github.com/redismux/redismux/internal/proto"
)

// route picks the endpoint that serves msg.
func (m *Multiplexer) route(msg *Message) (*serverEndpoint, error) {
	keys := msg.info.Keys(msg.Args)
	var key string
	if len(keys) > 0 {
		key = string(keys[0])
	}

	if !m.cluster.Load() {
		return m.routeStandalone(msg, key)
	}

	slot := -1
	if len(keys) > 0 {
		slot = hashtag.Slot(key)
		for _, k := range keys[1:] {
			if hashtag.SlotBytes(k) != slot {
				return nil, ErrCrossSlot
			}
		}
	}
	return m.routeCluster(msg, slot, key)
}

func (m *Multiplexer) routeCluster(msg *Message, slot int, key string) (*serverEndpoint, error) {
	sm := m.slots.Load()
	if sm == nil {
		return nil, &NoRouteError{Command: msg.info.Name}
	}

	var (
		primary  *serverEndpoint
		replicas []*serverEndpoint
	)
	if slot >= 0 {
		node := sm.BySlot(slot)
		if node == nil {
			return nil, &NoRouteError{Command: msg.info.Name}
		}
		primary = m.lookupEndpoint(node.Addr)
		for _, r := range sm.Replicas(node) {
			if e := m.lookupEndpoint(r.Addr); e != nil {
				replicas = append(replicas, e)
			}
		}
	} else {
		primary = m.pickConnected(m.clusterEndpoints(sm.Primaries()))
		for _, n := range sm.Nodes() {
			if n.Role == RoleReplica && !n.Failed() {
				if e := m.lookupEndpoint(n.Addr); e != nil {
					replicas = append(replicas, e)
				}
			}
		}
	}
	return m.selectRole(msg, primary, replicas, key)
}

func (m *Multiplexer) clusterEndpoints(nodes []*Endpoint) []*serverEndpoint {
	eps := make([]*serverEndpoint, 0, len(nodes))
	for _, n := range nodes {
		if e := m.lookupEndpoint(n.Addr); e != nil {
			eps = append(eps, e)
		}
	}
	return eps
}

func (m *Multiplexer) routeStandalone(msg *Message, key string) (*serverEndpoint, error) {
	primary := m.primary.Load()
	var replicas []*serverEndpoint
	for _, e := range m.allEndpoints() {
		if e != primary && e.Role() == RoleReplica {
			replicas = append(replicas, e)
		}
	}
	return m.selectRole(msg, primary, replicas, key)
}

// selectRole applies the role flags of msg. Demand flags fail with a
// *NoRouteError; Prefer flags fall back to the other role and then to any
// connected endpoint.
func (m *Multiplexer) selectRole(
	msg *Message, primary *serverEndpoint, replicas []*serverEndpoint, key string,
) (*serverEndpoint, error) {
	var considered []string

	tryPrimary := func() *serverEndpoint {
		if primary == nil {
			return nil
		}
		considered = append(considered, primary.addr)
		if primary.connected() {
			return primary
		}
		return nil
	}
	tryReplica := func() *serverEndpoint {
		for _, r := range replicas {
			considered = append(considered, r.addr)
		}
		return m.pickReplica(replicas, key)
	}
	tryAny := func() *serverEndpoint {
		return m.pickConnected(m.allEndpoints())
	}

	var e *serverEndpoint
	switch flags := msg.Flags & roleFlags; {
	case flags&DemandReplica != 0:
		e = tryReplica()
	case flags&PreferReplica != 0:
		if e = tryReplica(); e == nil {
			if e = tryPrimary(); e == nil {
				e = tryAny()
			}
		}
	case flags&PreferMaster != 0:
		if e = tryPrimary(); e == nil {
			if e = tryReplica(); e == nil {
				e = tryAny()
			}
		}
	default:
		e = tryPrimary()
	}
	if e == nil {
		return nil, &NoRouteError{Command: msg.info.Name, Considered: considered}
	}
	return e, nil
}

// pickReplica chooses among the connected replicas. A routing key always
// lands on the same replica while the set is stable.
func (m *Multiplexer) pickReplica(replicas []*serverEndpoint, key string) *serverEndpoint {
	var connected []*serverEndpoint
	for _, r := range replicas {
		if r.connected() {
			connected = append(connected, r)
		}
	}
	switch len(connected) {
	case 0:
		return nil
	case 1:
		return connected[0]
	}
	if key == "" {
		return m.pickConnected(connected)
	}

	addrs := make([]string, len(connected))
	for i, r := range connected {
		addrs[i] = r.addr
	}
	addr := rendezvous.New(addrs, xxhash.Sum64String).Lookup(key)
	for _, r := range connected {
		if r.addr == addr {
			return r
		}
	}
	return connected[0]
}

// pickConnected round-robins over the connected endpoints of eps.
func (m *Multiplexer) pickConnected(eps []*serverEndpoint) *serverEndpoint {
	var connected []*serverEndpoint
	for _, e := range eps {
		if e.connected() {
			connected = append(connected, e)
		}
	}
	if len(connected) == 0 {
		return nil
	}
	return connected[m.rr.Add(1)%uint64(len(connected))]
}

//------------------------------------------------------------------------------

// redirect follows a MOVED or ASK reply once. The retransmission links
// back to msg; if it is redirected again, or msg asked for NoRedirect, the
// caller sees the redirection error itself.
func (m *Multiplexer) redirect(msg *Message, from string, err error) {
	ask, slot, addr, _ := proto.IsRedirect(err)
	if msg.Flags&NoRedirect != 0 || msg.retransmissionOf != nil || m.closed.Load() {
		msg.finish(nil, err)
		return
	}
	addr = redirectAddr(addr, from)
	m.redirects.Add(1)
	internal.Debugf(m.ctx, "%s (slot %d) redirected from %s to %s", msg.info.Name, slot, from, addr)

	ctx, cancel := context.WithTimeout(m.ctx, m.opt.DialTimeout)
	defer cancel()
	target, eerr := m.endpointFor(ctx, addr)
	if eerr != nil {
		msg.finish(nil, eerr)
		return
	}

	reason := "MOVED"
	if ask {
		reason = "ASK"
	} else {
		m.applyMoved(slot, addr)
		m.requestRefresh()
	}

	re := msg.retransmit(reason)
	batch := []*Message{re}
	if ask {
		batch = []*Message{newInternalMessage("ASKING"), re}
	}
	if qerr := target.interactive.enqueue(batch...); qerr != nil {
		re.finish(nil, qerr)
	}
}

// redirectAddr resolves ":port", which means the host that sent the
// redirection.
func redirectAddr(addr, from string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host != "" {
		return addr
	}
	fromHost, _, err := net.SplitHostPort(from)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(fromHost, port)
}
