// Package command describes how the engine treats each command: how many
// replies it produces, where its keys are, and how it may be routed.
package command

import (
	"strconv"

	"github.com/redismux/redismux/internal"
)

type Flag uint16

const (
	// ReadOnly commands may be served by a replica.
	ReadOnly Flag = 1 << iota
	// PubSub commands are only issued on subscription connections.
	PubSub
	// Admin commands address one server rather than a key.
	Admin
	// Blocking commands may leave a reply outstanding for a long time.
	Blocking
	// Unsupported commands break the one-request one-reply pipeline or
	// change state shared by every caller of a connection. They are
	// rejected before they are queued.
	Unsupported
)

// Replies tells how many replies a command produces.
type Replies uint8

const (
	// ReplyOne is the normal case: one reply frame per command.
	ReplyOne Replies = iota
	// ReplyPerArg produces one reply per argument, e.g. SUBSCRIBE a b c.
	ReplyPerArg
	// ReplyPerActive is ReplyPerArg, except that the bare form produces one
	// reply per active subscription, and at least one.
	ReplyPerActive
)

// Info is the routing description of one command.
//
// Key positions count the command name as position 0, as COMMAND INFO
// does. LastKey -1 means the last argument, -2 the one before it.
// NumKeys, when non-zero, is the position of a numkeys argument that
// announces how many keys follow it. Keyword, when set, names the argument
// after which the remaining arguments are keys followed by as many values
// (XREAD ... STREAMS k1 k2 id1 id2).
type Info struct {
	Name     string
	FirstKey int
	LastKey  int
	Step     int
	NumKeys  int
	Keyword  string
	Flags    Flag
	Replies  Replies
}

func (i *Info) Has(f Flag) bool { return i.Flags&f != 0 }

// Keys returns the key arguments of a call. args excludes the command name.
func (i *Info) Keys(args [][]byte) [][]byte {
	if i.Keyword != "" {
		return i.keywordKeys(args)
	}
	var keys [][]byte
	if i.FirstKey > 0 && i.Step > 0 {
		last := i.LastKey
		if last < 0 {
			last = len(args) + 1 + last
		}
		if i.NumKeys > 0 && last >= i.NumKeys {
			last = i.NumKeys - 1
		}
		for pos := i.FirstKey; pos <= last && pos <= len(args); pos += i.Step {
			keys = append(keys, args[pos-1])
		}
	}
	if i.NumKeys > 0 && i.NumKeys <= len(args) {
		n, err := strconv.Atoi(string(args[i.NumKeys-1]))
		if err != nil || n < 0 {
			return keys
		}
		for pos := i.NumKeys + 1; pos <= i.NumKeys+n && pos <= len(args); pos++ {
			keys = append(keys, args[pos-1])
		}
	}
	return keys
}

func (i *Info) keywordKeys(args [][]byte) [][]byte {
	for pos, arg := range args {
		if internal.ToUpper(string(arg)) != i.Keyword {
			continue
		}
		rest := args[pos+1:]
		return rest[:len(rest)/2]
	}
	return nil
}

// ReplyCount returns the number of reply frames a call produces. active is
// the number of subscriptions of the matching kind on the connection, used
// only by the bare unsubscribe forms.
func (i *Info) ReplyCount(args [][]byte, active int) int {
	switch i.Replies {
	case ReplyPerArg:
		if len(args) == 0 {
			return 1
		}
		return len(args)
	case ReplyPerActive:
		if len(args) > 0 {
			return len(args)
		}
		if active < 1 {
			return 1
		}
		return active
	default:
		return 1
	}
}

// Lookup returns the description of name, which may be in any case.
// Unknown commands are assumed to take a single key as first argument.
func Lookup(name string) *Info {
	if info, ok := table[internal.ToUpper(name)]; ok {
		return info
	}
	return &Info{Name: internal.ToUpper(name), FirstKey: 1, LastKey: 1, Step: 1}
}

// IsUnsupported reports calls that would desynchronise reply matching,
// such as MONITOR and CLIENT REPLY OFF|SKIP, or that change the state of
// a shared connection, such as SELECT and MULTI.
func IsUnsupported(name string, args [][]byte) bool {
	info := Lookup(name)
	if info.Has(Unsupported) {
		return true
	}
	if info.Name == "CLIENT" && len(args) >= 2 && internal.ToUpper(string(args[0])) == "REPLY" {
		switch internal.ToUpper(string(args[1])) {
		case "OFF", "SKIP":
			return true
		}
	}
	return false
}

// SubscriptionKind returns the subscription family a command belongs to
// ("channel", "pattern" or "shard") and whether it subscribes or
// unsubscribes. ok is false for every other command.
func SubscriptionKind(name string) (kind string, subscribe bool, ok bool) {
	switch internal.ToUpper(name) {
	case "SUBSCRIBE":
		return "channel", true, true
	case "UNSUBSCRIBE":
		return "channel", false, true
	case "PSUBSCRIBE":
		return "pattern", true, true
	case "PUNSUBSCRIBE":
		return "pattern", false, true
	case "SSUBSCRIBE":
		return "shard", true, true
	case "SUNSUBSCRIBE":
		return "shard", false, true
	}
	return "", false, false
}
