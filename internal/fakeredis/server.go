// Package fakeredis is an in-process Redis server for tests. It speaks
// RESP2 through redcon and implements the handful of commands the
// multiplexer relies on, plus a simulated cluster that answers MOVED and
// ASK.
package fakeredis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/redcon"

	"github.com/redismux/redismux/internal"
	"github.com/redismux/redismux/internal/command"
)

// HandlerFunc overrides the built-in handling of one command. Returning
// false falls through to the built-in handler.
type HandlerFunc func(conn redcon.Conn, cmd redcon.Command) bool

type connState struct {
	db         int
	asking     bool
	readonly   bool
	name       string
	authed     bool
	subscribed bool
}

// Server is one fake Redis server listening on a loopback port.
type Server struct {
	srv  *redcon.Server
	ln   net.Listener
	addr string

	store *store
	ps    redcon.PubSub

	mu        sync.Mutex
	conns     map[redcon.Conn]struct{}
	calls     map[string]int
	overrides map[string]HandlerFunc
	role      string
	primary   string
	password  string
	paused    chan struct{}

	cluster *Cluster
	id      string
}

// Option configures a Server.
type Option func(*Server)

// WithPassword requires AUTH before any other command.
func WithPassword(password string) Option {
	return func(s *Server) { s.password = password }
}

// WithReplicaOf makes ROLE report the server as a replica of primary.
func WithReplicaOf(primary string) Option {
	return func(s *Server) {
		s.role = "slave"
		s.primary = primary
	}
}

// Start listens on 127.0.0.1 with a random port and serves in the
// background.
func Start(opts ...Option) (*Server, error) {
	return start(newStore(), opts...)
}

func start(st *store, opts ...Option) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:        ln,
		addr:      ln.Addr().String(),
		store:     st,
		conns:     make(map[redcon.Conn]struct{}),
		calls:     make(map[string]int),
		overrides: make(map[string]HandlerFunc),
		role:      "master",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = redcon.NewServer(s.addr, s.handle, s.accept, s.closed)
	go func() {
		if err := s.srv.Serve(ln); err != nil {
			internal.Warnf(context.Background(), "fakeredis %s: %s", s.addr, err)
		}
	}()
	return s, nil
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string { return s.addr }

// Close stops the server and drops every client.
func (s *Server) Close() error {
	s.Resume()
	err := s.srv.Close()
	s.DropConnections()
	return err
}

// DropConnections closes every client connection, including subscribed
// ones, and returns how many were closed.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	conns := make([]redcon.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[redcon.Conn]struct{})
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.NetConn().Close()
	}
	return len(conns)
}

// Pause makes the server stop answering. Commands are held until Resume.
func (s *Server) Pause() {
	s.mu.Lock()
	if s.paused == nil {
		s.paused = make(chan struct{})
	}
	s.mu.Unlock()
}

// Resume lets held commands through.
func (s *Server) Resume() {
	s.mu.Lock()
	if s.paused != nil {
		close(s.paused)
		s.paused = nil
	}
	s.mu.Unlock()
}

// Calls returns how many times a command was received, by upper-case name.
func (s *Server) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[strings.ToUpper(name)]
}

// Clients returns the number of open client connections.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Override replaces the handling of a command.
func (s *Server) Override(name string, fn HandlerFunc) {
	s.mu.Lock()
	s.overrides[strings.ToUpper(name)] = fn
	s.mu.Unlock()
}

// SetRole changes what ROLE reports: "master", or "slave" with a primary.
func (s *Server) SetRole(role, primary string) {
	s.mu.Lock()
	s.role, s.primary = role, primary
	s.mu.Unlock()
}

// Publish delivers a message to the server's subscribers.
func (s *Server) Publish(channel, message string) int {
	return s.ps.Publish(channel, message)
}

// Get reads a key directly from the store.
func (s *Server) Get(db int, key string) (string, bool) {
	v, ok := s.store.get(db, key)
	return string(v), ok
}

// Set writes a key directly to the store.
func (s *Server) Set(db int, key, value string) {
	s.store.set(db, key, []byte(value))
}

func (s *Server) accept(conn redcon.Conn) bool {
	conn.SetContext(&connState{})
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	return true
}

func (s *Server) closed(conn redcon.Conn, _ error) {
	// Subscribed connections are detached from the server loop and still
	// open when this runs.
	if st, ok := conn.Context().(*connState); ok && st.subscribed {
		return
	}
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) wait() {
	s.mu.Lock()
	ch := s.paused
	s.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

func (s *Server) handle(conn redcon.Conn, cmd redcon.Command) {
	s.wait()

	name := strings.ToUpper(string(cmd.Args[0]))
	s.mu.Lock()
	s.calls[name]++
	override := s.overrides[name]
	s.mu.Unlock()

	if override != nil && override(conn, cmd) {
		return
	}

	st := conn.Context().(*connState)
	if s.password != "" && !st.authed && name != "AUTH" && name != "HELLO" {
		conn.WriteError("NOAUTH Authentication required.")
		return
	}
	if s.cluster != nil && !s.cluster.serves(s, st, name, cmd.Args[1:], conn) {
		return
	}
	st.asking = false

	switch name {
	case "PING":
		if len(cmd.Args) > 1 {
			conn.WriteBulk(cmd.Args[1])
		} else {
			conn.WriteString("PONG")
		}
	case "ECHO":
		if !arity(conn, cmd, 2) {
			return
		}
		conn.WriteBulk(cmd.Args[1])
	case "QUIT":
		conn.WriteString("OK")
		_ = conn.Close()
	case "AUTH":
		s.auth(conn, st, cmd)
	case "SELECT":
		if !arity(conn, cmd, 2) {
			return
		}
		db, err := strconv.Atoi(string(cmd.Args[1]))
		if err != nil || db < 0 || db >= numDBs {
			conn.WriteError("ERR DB index is out of range")
			return
		}
		if s.cluster != nil && db != 0 {
			conn.WriteError("ERR SELECT is not allowed in cluster mode")
			return
		}
		st.db = db
		conn.WriteString("OK")
	case "CLIENT":
		s.client(conn, st, cmd)
	case "ROLE":
		s.roleReply(conn)
	case "READONLY":
		st.readonly = true
		conn.WriteString("OK")
	case "READWRITE":
		st.readonly = false
		conn.WriteString("OK")
	case "ASKING":
		st.asking = true
		conn.WriteString("OK")
	case "CLUSTER":
		s.clusterCommand(conn, cmd)
	case "PUBLISH":
		if !arity(conn, cmd, 3) {
			return
		}
		conn.WriteInt(s.publish(string(cmd.Args[1]), string(cmd.Args[2])))
	case "SUBSCRIBE", "PSUBSCRIBE":
		if len(cmd.Args) < 2 {
			conn.WriteError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name)))
			return
		}
		st.subscribed = true
		for _, ch := range cmd.Args[1:] {
			if name == "PSUBSCRIBE" {
				s.ps.Psubscribe(conn, string(ch))
			} else {
				s.ps.Subscribe(conn, string(ch))
			}
		}
	case "UNSUBSCRIBE", "PUNSUBSCRIBE":
		// Not subscribed: one confirmation per argument, or one for none.
		kind := strings.ToLower(name)
		if len(cmd.Args) == 1 {
			conn.WriteArray(3)
			conn.WriteBulkString(kind)
			conn.WriteNull()
			conn.WriteInt(0)
			return
		}
		for _, ch := range cmd.Args[1:] {
			conn.WriteArray(3)
			conn.WriteBulkString(kind)
			conn.WriteBulk(ch)
			conn.WriteInt(0)
		}
	default:
		s.data(conn, st, name, cmd)
	}
}

func (s *Server) publish(channel, message string) int {
	if s.cluster != nil {
		return s.cluster.publish(channel, message)
	}
	return s.ps.Publish(channel, message)
}

func (s *Server) auth(conn redcon.Conn, st *connState, cmd redcon.Command) {
	var password string
	switch len(cmd.Args) {
	case 2:
		password = string(cmd.Args[1])
	case 3:
		password = string(cmd.Args[2])
	default:
		conn.WriteError("ERR wrong number of arguments for 'auth' command")
		return
	}
	if s.password == "" {
		conn.WriteError("ERR AUTH <password> called without any password configured for the default user. Are you sure your configuration is correct?")
		return
	}
	if password != s.password {
		conn.WriteError("WRONGPASS invalid username-password pair or user is disabled.")
		return
	}
	st.authed = true
	conn.WriteString("OK")
}

func (s *Server) client(conn redcon.Conn, st *connState, cmd redcon.Command) {
	if len(cmd.Args) < 2 {
		conn.WriteError("ERR wrong number of arguments for 'client' command")
		return
	}
	switch strings.ToUpper(string(cmd.Args[1])) {
	case "SETNAME":
		if len(cmd.Args) != 3 {
			conn.WriteError("ERR wrong number of arguments for 'client|setname' command")
			return
		}
		st.name = string(cmd.Args[2])
		conn.WriteString("OK")
	case "GETNAME":
		if st.name == "" {
			conn.WriteNull()
			return
		}
		conn.WriteBulkString(st.name)
	default:
		conn.WriteString("OK")
	}
}

func (s *Server) roleReply(conn redcon.Conn) {
	s.mu.Lock()
	role, primary := s.role, s.primary
	s.mu.Unlock()

	if role != "slave" {
		conn.WriteArray(3)
		conn.WriteBulkString("master")
		conn.WriteInt(0)
		conn.WriteArray(0)
		return
	}
	host, port, _ := net.SplitHostPort(primary)
	p, _ := strconv.Atoi(port)
	conn.WriteArray(5)
	conn.WriteBulkString("slave")
	conn.WriteBulkString(host)
	conn.WriteInt(p)
	conn.WriteBulkString("connected")
	conn.WriteInt(0)
}

func (s *Server) clusterCommand(conn redcon.Conn, cmd redcon.Command) {
	if s.cluster == nil {
		conn.WriteError("ERR This instance has cluster support disabled")
		return
	}
	if len(cmd.Args) < 2 {
		conn.WriteError("ERR wrong number of arguments for 'cluster' command")
		return
	}
	switch strings.ToUpper(string(cmd.Args[1])) {
	case "NODES":
		conn.WriteBulkString(s.cluster.nodesText(s))
	case "KEYSLOT":
		if len(cmd.Args) != 3 {
			conn.WriteError("ERR wrong number of arguments for 'cluster|keyslot' command")
			return
		}
		conn.WriteInt(slotOf(cmd.Args[2]))
	default:
		conn.WriteError("ERR unknown subcommand '" + string(cmd.Args[1]) + "'")
	}
}

func (s *Server) data(conn redcon.Conn, st *connState, name string, cmd redcon.Command) {
	args := cmd.Args[1:]
	switch name {
	case "GET":
		if !arity(conn, cmd, 2) {
			return
		}
		v, ok := s.store.get(st.db, string(args[0]))
		if !ok {
			conn.WriteNull()
			return
		}
		conn.WriteBulk(v)
	case "SET":
		if len(args) < 2 {
			conn.WriteError("ERR wrong number of arguments for 'set' command")
			return
		}
		s.store.set(st.db, string(args[0]), args[1])
		conn.WriteString("OK")
	case "MGET":
		conn.WriteArray(len(args))
		for _, k := range args {
			if v, ok := s.store.get(st.db, string(k)); ok {
				conn.WriteBulk(v)
			} else {
				conn.WriteNull()
			}
		}
	case "INCR", "INCRBY", "DECR":
		if len(args) < 1 {
			conn.WriteError("ERR wrong number of arguments for '" + strings.ToLower(name) + "' command")
			return
		}
		by := int64(1)
		switch name {
		case "DECR":
			by = -1
		case "INCRBY":
			if len(args) != 2 {
				conn.WriteError("ERR wrong number of arguments for 'incrby' command")
				return
			}
			n, err := strconv.ParseInt(string(args[1]), 10, 64)
			if err != nil {
				conn.WriteError("ERR value is not an integer or out of range")
				return
			}
			by = n
		}
		n, err := s.store.incr(st.db, string(args[0]), by)
		if err != nil {
			conn.WriteError(err.Error())
			return
		}
		conn.WriteInt64(n)
	case "DEL", "UNLINK", "EXISTS":
		var n int
		for _, k := range args {
			if name == "EXISTS" {
				if _, ok := s.store.get(st.db, string(k)); ok {
					n++
				}
			} else if s.store.del(st.db, string(k)) {
				n++
			}
		}
		conn.WriteInt(n)
	case "DBSIZE":
		conn.WriteInt(s.store.size(st.db))
	case "FLUSHALL", "FLUSHDB":
		s.store.flush()
		conn.WriteString("OK")
	default:
		conn.WriteError("ERR unknown command '" + strings.ToLower(name) + "', with args beginning with: ")
	}
}

func arity(conn redcon.Conn, cmd redcon.Command, n int) bool {
	if len(cmd.Args) != n {
		conn.WriteError("ERR wrong number of arguments for '" + strings.ToLower(string(cmd.Args[0])) + "' command")
		return false
	}
	return true
}

func keysOf(name string, args [][]byte) [][]byte {
	return command.Lookup(name).Keys(args)
}
