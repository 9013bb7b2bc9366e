package fakeredis

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/redcon"

	"github.com/redismux/redismux/internal/command"
	"github.com/redismux/redismux/internal/hashtag"
)

const numSlots = 16384

// Cluster is a set of fake servers that share one keyspace and split the
// slots between them. A server that does not own a key's slot answers
// MOVED; a slot being migrated answers ASK until Move completes it.
type Cluster struct {
	mu        sync.Mutex
	primaries []*Server
	replicaOf map[*Server]*Server
	owner     [numSlots]*Server
	migrating map[int]*Server
}

// NewCluster starts primaries servers with replicas replicas each. Slots
// are split evenly between the primaries in order.
func NewCluster(primaries, replicas int) (*Cluster, error) {
	c := &Cluster{
		replicaOf: make(map[*Server]*Server),
		migrating: make(map[int]*Server),
	}
	st := newStore()
	for i := 0; i < primaries; i++ {
		p, err := start(st)
		if err != nil {
			c.Close()
			return nil, err
		}
		p.cluster = c
		p.id = nodeID(len(c.primaries) + len(c.replicaOf))
		c.primaries = append(c.primaries, p)

		for j := 0; j < replicas; j++ {
			r, err := start(st, WithReplicaOf(p.addr))
			if err != nil {
				c.Close()
				return nil, err
			}
			r.cluster = c
			r.id = nodeID(len(c.primaries) + len(c.replicaOf))
			c.replicaOf[r] = p
		}
	}

	per := numSlots / primaries
	for slot := 0; slot < numSlots; slot++ {
		i := slot / per
		if i >= primaries {
			i = primaries - 1
		}
		c.owner[slot] = c.primaries[i]
	}
	return c, nil
}

func nodeID(n int) string {
	return fmt.Sprintf("%040x", n+1)
}

// Primaries returns the primaries in slot order.
func (c *Cluster) Primaries() []*Server {
	return append([]*Server(nil), c.primaries...)
}

// Replicas returns the replicas of p.
func (c *Cluster) Replicas(p *Server) []*Server {
	var out []*Server
	for r, owner := range c.replicaOf {
		if owner == p {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Servers returns every node, primaries first.
func (c *Cluster) Servers() []*Server {
	out := c.Primaries()
	for _, p := range c.primaries {
		out = append(out, c.Replicas(p)...)
	}
	return out
}

// Addrs returns the primaries' addresses.
func (c *Cluster) Addrs() []string {
	addrs := make([]string, len(c.primaries))
	for i, p := range c.primaries {
		addrs[i] = p.addr
	}
	return addrs
}

// Owner returns the primary serving slot.
func (c *Cluster) Owner(slot int) *Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner[slot]
}

// Migrate starts moving slot to dst: its owner answers ASK until Move.
func (c *Cluster) Migrate(slot int, dst *Server) {
	c.mu.Lock()
	c.migrating[slot] = dst
	c.mu.Unlock()
}

// Move hands slot to dst. Other nodes answer MOVED from now on.
func (c *Cluster) Move(slot int, dst *Server) {
	c.mu.Lock()
	c.owner[slot] = dst
	delete(c.migrating, slot)
	c.mu.Unlock()
}

// DropConnections drops the clients of every node.
func (c *Cluster) DropConnections() {
	for _, s := range c.Servers() {
		s.DropConnections()
	}
}

// Close stops every node.
func (c *Cluster) Close() {
	for _, s := range c.Servers() {
		_ = s.Close()
	}
}

// serves decides whether s executes a keyed command or redirects it.
func (c *Cluster) serves(s *Server, st *connState, name string, args [][]byte, conn redcon.Conn) bool {
	info := command.Lookup(name)
	if info.Has(command.Admin) || info.Has(command.PubSub) || name == "PUBLISH" {
		return true
	}
	keys := keysOf(name, args)
	if len(keys) == 0 {
		return true
	}
	slot := slotOf(keys[0])
	for _, k := range keys[1:] {
		if slotOf(k) != slot {
			conn.WriteError("CROSSSLOT Keys in request don't hash to the same slot")
			return false
		}
	}

	c.mu.Lock()
	owner := c.owner[slot]
	target := c.migrating[slot]
	primary := c.replicaOf[s]
	c.mu.Unlock()

	switch {
	case owner == s && target != nil:
		conn.WriteError(fmt.Sprintf("ASK %d %s", slot, target.addr))
		return false
	case owner == s:
		return true
	case target == s && st.asking:
		return true
	case primary == owner && st.readonly && info.Has(command.ReadOnly):
		return true
	}
	conn.WriteError(fmt.Sprintf("MOVED %d %s", slot, owner.addr))
	return false
}

// publish delivers to the subscribers of every node, as cluster PUBLISH
// is broadcast.
func (c *Cluster) publish(channel, message string) int {
	var n int
	for _, s := range c.Servers() {
		n += s.ps.Publish(channel, message)
	}
	return n
}

// nodesText renders CLUSTER NODES as seen from self.
func (c *Cluster) nodesText(self *Server) string {
	c.mu.Lock()
	ranges := make(map[*Server][]string)
	start := 0
	for slot := 1; slot <= numSlots; slot++ {
		if slot < numSlots && c.owner[slot] == c.owner[start] {
			continue
		}
		r := fmt.Sprint(start)
		if slot-1 != start {
			r = fmt.Sprintf("%d-%d", start, slot-1)
		}
		ranges[c.owner[start]] = append(ranges[c.owner[start]], r)
		start = slot
	}
	for slot, dst := range c.migrating {
		src := c.owner[slot]
		ranges[src] = append(ranges[src], fmt.Sprintf("[%d->-%s]", slot, dst.id))
	}
	c.mu.Unlock()

	var sb strings.Builder
	line := func(s *Server, role, primaryID string) {
		flags := role
		if s == self {
			flags = "myself," + role
		}
		_, port, _ := net.SplitHostPort(s.addr)
		fmt.Fprintf(&sb, "%s %s@1%s %s %s 0 0 1 connected", s.id, s.addr, port, flags, primaryID)
		if role == "master" {
			for _, r := range ranges[s] {
				sb.WriteString(" ")
				sb.WriteString(r)
			}
		}
		sb.WriteString("\n")
	}
	for _, p := range c.primaries {
		line(p, "master", "-")
		for _, r := range c.Replicas(p) {
			line(r, "slave", p.id)
		}
	}
	return sb.String()
}

func slotOf(key []byte) int {
	return hashtag.SlotBytes(key)
}
