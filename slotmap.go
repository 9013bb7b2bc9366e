package redismux

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/redismux/redismux/internal/hashtag"
)

// Role of an endpoint.
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RoleReplica {
		return "replica"
	}
	return "primary"
}

// SlotRange is an inclusive range of hash slots.
type SlotRange struct {
	Start int
	End   int
}

// Endpoint describes one server as last seen in the topology. Endpoints
// are immutable: a refresh builds new ones. Health lives elsewhere and
// survives refreshes; see Stats.
type Endpoint struct {
	Addr      string
	NodeID    string
	PrimaryID string
	Role      Role
	Slots     []SlotRange
	Flags     []string
}

// Failed reports whether the cluster flagged the node as failing.
func (e *Endpoint) Failed() bool {
	for _, f := range e.Flags {
		if f == "fail" || f == "fail?" {
			return true
		}
	}
	return false
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("%s(%s)", e.Addr, e.Role)
}

// SlotMap maps every hash slot to the primary serving it. A SlotMap is
// never modified once published; updates build a new one.
type SlotMap struct {
	slots    [hashtag.SlotCount]*Endpoint
	nodes    []*Endpoint
	replicas map[string][]*Endpoint
}

// NewSlotMap indexes nodes by slot. Replicas are grouped under the
// NodeID of their primary.
func NewSlotMap(nodes []*Endpoint) *SlotMap {
	sm := &SlotMap{
		nodes:    nodes,
		replicas: make(map[string][]*Endpoint),
	}
	for _, n := range nodes {
		if n.Role == RoleReplica {
			if n.PrimaryID != "" {
				sm.replicas[n.PrimaryID] = append(sm.replicas[n.PrimaryID], n)
			}
			continue
		}
		for _, r := range n.Slots {
			for slot := r.Start; slot <= r.End && slot < hashtag.SlotCount; slot++ {
				sm.slots[slot] = n
			}
		}
	}
	return sm
}

// BySlot returns the primary serving slot, or nil if the slot is not
// covered.
func (sm *SlotMap) BySlot(slot int) *Endpoint {
	if slot < 0 || slot >= hashtag.SlotCount {
		return nil
	}
	return sm.slots[slot]
}

// ByKey returns the primary serving key.
func (sm *SlotMap) ByKey(key string) *Endpoint {
	return sm.slots[hashtag.Slot(key)]
}

// Replicas returns the healthy replicas of primary.
func (sm *SlotMap) Replicas(primary *Endpoint) []*Endpoint {
	if primary == nil || primary.NodeID == "" {
		return nil
	}
	var out []*Endpoint
	for _, r := range sm.replicas[primary.NodeID] {
		if !r.Failed() {
			out = append(out, r)
		}
	}
	return out
}

// Nodes returns every node of the topology.
func (sm *SlotMap) Nodes() []*Endpoint {
	return sm.nodes
}

// Primaries returns the nodes serving at least one slot, in address order.
func (sm *SlotMap) Primaries() []*Endpoint {
	var out []*Endpoint
	for _, n := range sm.nodes {
		if n.Role == RolePrimary && len(n.Slots) > 0 {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// NodeByAddr returns the node listening on addr.
func (sm *SlotMap) NodeByAddr(addr string) *Endpoint {
	for _, n := range sm.nodes {
		if n.Addr == addr {
			return n
		}
	}
	return nil
}

// withSlot returns a copy of sm in which slot is served by node. It is how
// a MOVED reply is applied without waiting for a full refresh.
func (sm *SlotMap) withSlot(slot int, node *Endpoint) *SlotMap {
	next := &SlotMap{
		slots:    sm.slots,
		nodes:    sm.nodes,
		replicas: sm.replicas,
	}
	if sm.NodeByAddr(node.Addr) == nil {
		next.nodes = append(append([]*Endpoint(nil), sm.nodes...), node)
	}
	next.slots[slot] = node
	return next
}

//------------------------------------------------------------------------------

// ParseClusterNodes parses the reply of CLUSTER NODES. from is the address
// the reply came from; it fills in the host of a node that does not know
// its own address yet. Nodes in handshake or without an address are
// skipped, as are slots being migrated or imported.
func ParseClusterNodes(text, from string) ([]*Endpoint, error) {
	var nodes []*Endpoint
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			return nil, fmt.Errorf("redismux: malformed CLUSTER NODES line %q", line)
		}

		flags := strings.Split(fields[2], ",")
		if hasFlag(flags, "handshake") || hasFlag(flags, "noaddr") {
			continue
		}

		addr, err := parseNodeAddr(fields[1], from, hasFlag(flags, "myself"))
		if err != nil {
			return nil, err
		}

		node := &Endpoint{
			Addr:   addr,
			NodeID: fields[0],
			Flags:  flags,
		}
		if hasFlag(flags, "slave") || hasFlag(flags, "replica") {
			node.Role = RoleReplica
			if fields[3] != "-" {
				node.PrimaryID = fields[3]
			}
		}

		for _, s := range fields[8:] {
			if strings.HasPrefix(s, "[") {
				continue
			}
			r, err := parseSlotRange(s)
			if err != nil {
				return nil, err
			}
			node.Slots = append(node.Slots, r)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// parseNodeAddr reads "host:port@cport[,hostname]".
func parseNodeAddr(s, from string, myself bool) (string, error) {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", fmt.Errorf("redismux: malformed node address %q: %w", s, err)
	}
	if host == "" && myself && from != "" {
		if fromHost, _, err := net.SplitHostPort(from); err == nil {
			host = fromHost
		}
	}
	return net.JoinHostPort(host, port), nil
}

func parseSlotRange(s string) (SlotRange, error) {
	startStr, endStr, isRange := strings.Cut(s, "-")
	start, err := strconv.Atoi(startStr)
	if err != nil {
		return SlotRange{}, fmt.Errorf("redismux: malformed slot %q", s)
	}
	end := start
	if isRange {
		if end, err = strconv.Atoi(endStr); err != nil {
			return SlotRange{}, fmt.Errorf("redismux: malformed slot range %q", s)
		}
	}
	if start < 0 || end >= hashtag.SlotCount || start > end {
		return SlotRange{}, fmt.Errorf("redismux: slot range %q out of bounds", s)
	}
	return SlotRange{Start: start, End: end}, nil
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
