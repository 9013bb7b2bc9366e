package redismux_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"
	"github.com/tidwall/redcon"

	"github.com/redismux/redismux"
	"github.com/redismux/redismux/internal/fakeredis"
)

var _ = Describe("Multiplexer", func() {
	var (
		srv *fakeredis.Server
		opt *redismux.Options
		mux *redismux.Multiplexer
	)

	BeforeEach(func() {
		srv = startServer()
		opt = testOptions(srv.Addr())
	})

	AfterEach(func() {
		if mux != nil {
			_ = mux.Close()
			mux = nil
		}
		if srv != nil {
			Expect(srv.Close()).To(Succeed())
		}
	})

	It("executes commands", func() {
		mux = connect(opt)
		Expect(mux.IsCluster()).To(BeFalse())
		Expect(mux.Primary()).To(Equal(srv.Addr()))

		reply, err := mux.Do(ctx, "SET", "key", "hello")
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Text()).To(Equal("OK"))

		reply, err = mux.Do(ctx, "GET", "key")
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Text()).To(Equal("hello"))

		reply, err = mux.Do(ctx, "GET", "missing")
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.IsNull()).To(BeTrue())
		_, err = reply.Text()
		Expect(err).To(Equal(redismux.Nil))
	})

	It("returns server errors to the caller", func() {
		mux = connect(opt)
		_, err := mux.Do(ctx, "SET", "key", "not-a-number")
		Expect(err).NotTo(HaveOccurred())

		_, err = mux.Do(ctx, "INCR", "key")
		Expect(err).To(MatchError("ERR value is not an integer or out of range"))
		var redisErr redismux.Error
		Expect(errors.As(err, &redisErr)).To(BeTrue())

		// the connection is still usable
		n, err := mux.Send(ctx, mustMessage("INCR", "other")).Int64(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))
	})

	It("names its connections", func() {
		opt.ClientName = "worker-1"
		mux = connect(opt)
		reply, err := mux.Do(ctx, "CLIENT", "GETNAME")
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Text()).To(Equal("worker-1"))
	})

	It("defaults the client name to the multiplexer id", func() {
		mux = connect(opt)
		Expect(mux.ID()).NotTo(BeEmpty())
		Expect(mux.Options().ClientName).To(Equal("redismux-" + mux.ID()))
	})

	It("fails to connect when no endpoint is reachable", func() {
		addr := srv.Addr()
		Expect(srv.Close()).To(Succeed())
		srv = nil

		_, err := redismux.Connect(ctx, testOptions(addr))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("unable to connect"))
		Expect(errors.Is(err, redismux.ErrConnectionFailed)).To(BeTrue())
	})

	It("connects lazily when asked to", func() {
		addr := srv.Addr()
		Expect(srv.Close()).To(Succeed())
		srv = nil

		opt = testOptions(addr)
		opt.LazyConnect = true
		mux = connect(opt)

		_, err := mux.Do(ctx, "PING")
		Expect(errors.Is(err, redismux.ErrNoRoute)).To(BeTrue())
		nre, ok := redismux.IsNoRouteError(err)
		Expect(ok).To(BeTrue())
		Expect(nre.Command).To(Equal("PING"))
	})

	It("authenticates", func() {
		Expect(srv.Close()).To(Succeed())
		srv = startServer(fakeredis.WithPassword("secret"))

		opt = testOptions(srv.Addr())
		_, err := redismux.Connect(ctx, opt)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("NOAUTH"))

		opt.Password = "secret"
		mux = connect(opt)
		_, err = mux.Do(ctx, "PING")
		Expect(err).NotTo(HaveOccurred())
		Expect(srv.Calls("AUTH")).To(Equal(1))
	})

	Describe("ordering", func() {
		It("matches pipelined replies split at any byte", func() {
			opt.Dialer = chunkedDialer(7)
			mux = connect(opt)

			const n = 1000
			pendings := make([]*redismux.Pending, n)
			for i := range pendings {
				pendings[i] = mux.Send(ctx, mustMessage("INCR", "counter"))
			}
			for i, p := range pendings {
				v, err := p.Int64(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(v).To(Equal(int64(i + 1)))
			}
		})

		It("runs callbacks in send order when asked to", func() {
			opt.PreserveOrder = true
			mux = connect(opt)

			const n = 500
			var (
				mu   sync.Mutex
				seen []int64
				done = make(chan struct{})
			)
			for i := 0; i < n; i++ {
				msg := mustMessage("INCR", "counter")
				msg.OnComplete = func(reply *redismux.Reply, err error) {
					defer GinkgoRecover()
					Expect(err).NotTo(HaveOccurred())
					v, _ := reply.Int64()

					mu.Lock()
					seen = append(seen, v)
					last := len(seen) == n
					mu.Unlock()
					if last {
						close(done)
					}
				}
				mux.Send(ctx, msg)
			}

			Eventually(done).Should(BeClosed())
			for i, v := range seen {
				Expect(v).To(Equal(int64(i + 1)))
			}
		})

		It("selects the database of each Message", func() {
			mux = connect(opt)

			for db := 0; db < 3; db++ {
				msg := mustMessage("SET", "key", fmt.Sprint("db", db))
				msg.DB = db
				Expect(mux.Send(ctx, msg).Text(ctx)).To(Equal("OK"))
			}
			for db := 0; db < 3; db++ {
				v, ok := srv.Get(db, "key")
				Expect(ok).To(BeTrue())
				Expect(v).To(Equal(fmt.Sprint("db", db)))
			}
			// one SELECT per switch, none while the DB stays the same
			calls := srv.Calls("SELECT")
			msg := mustMessage("GET", "key")
			msg.DB = 2
			Expect(mux.Send(ctx, msg).Text(ctx)).To(Equal("db2"))
			Expect(srv.Calls("SELECT")).To(Equal(calls))
		})

		It("fails the Messages that depend on a failed SELECT", func() {
			mux = connect(opt)

			bad := mustMessage("GET", "key")
			bad.DB = 99
			_, err := mux.Send(ctx, bad).Result(ctx)
			Expect(err).To(MatchError("ERR DB index is out of range"))

			// the next SELECT succeeds and clears the failure
			good := mustMessage("GET", "key")
			good.DB = 1
			reply, err := mux.Send(ctx, good).Result(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.IsNull()).To(BeTrue())
		})
	})

	Describe("fire-and-forget", func() {
		It("applies every command", func() {
			mux = connect(opt)

			const threads, perThread = 8, 250
			perform(threads, func(int) {
				for i := 0; i < perThread; i++ {
					msg := mustMessage("INCR", "faf")
					msg.Flags = redismux.FireAndForget
					p := mux.Send(ctx, msg)
					reply, err := p.Result(ctx)
					Expect(err).NotTo(HaveOccurred())
					Expect(reply).To(BeNil())
				}
			})

			n, err := mux.Send(ctx, mustMessage("GET", "faf")).Int64(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(threads * perThread)))
			Expect(mux.Stats().Sinks.Gets).To(BeNumerically("<=", 2))
		})

		It("counts failures without reporting them", func() {
			mux = connect(opt)
			_, _ = mux.Do(ctx, "SET", "str", "x")

			msg := mustMessage("INCR", "str")
			msg.Flags = redismux.FireAndForget
			_, err := mux.Send(ctx, msg).Result(ctx)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() uint64 {
				return mux.Stats().FireAndForgetFailures
			}).Should(Equal(uint64(1)))
		})
	})

	Describe("completion sinks", func() {
		It("recycles sinks", func() {
			opt.SinkPoolSize = 64
			mux = connect(opt)

			const workers = 16
			perform(workers, func(int) {
				for i := 0; i < 200; i++ {
					_, err := mux.Do(ctx, "PING")
					Expect(err).NotTo(HaveOccurred())
				}
			})

			stats := mux.Stats().Sinks
			Expect(stats.Gets).To(BeNumerically(">=", uint64(workers*200)))
			Expect(stats.Allocs).To(BeNumerically("<=", uint64(2*workers)))
			Expect(stats.DoublePuts).To(BeZero())
			Expect(stats.Rejected).To(BeZero())
		})

		It("keeps the outcome after a cancelled wait", func() {
			mux = connect(opt)
			srv.Pause()

			p := mux.Send(ctx, mustMessage("PING"))
			cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			_, err := p.Result(cctx)
			Expect(err).To(Equal(context.DeadlineExceeded))

			srv.Resume()
			reply, err := p.Result(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Text()).To(Equal("PONG"))
		})
	})

	Describe("rejections", func() {
		It("rejects subscription and unsupported commands", func() {
			mux = connect(opt)
			for _, args := range [][]interface{}{
				{"SUBSCRIBE", "ch"},
				{"MONITOR"},
				{"CLIENT", "REPLY", "OFF"},
				{"SELECT", "5"},
				{"MULTI"},
				{"WATCH", "k"},
				{"QUIT"},
			} {
				_, err := mux.Do(ctx, args[0].(string), args[1:]...)
				Expect(errors.Is(err, redismux.ErrUnsupportedCommand)).To(BeTrue(), "%v", args)
			}
			Expect(srv.Calls("MULTI")).To(BeZero())
		})

		It("keeps callers in their own database", func() {
			mux = connect(opt)
			_, err := mux.Do(ctx, "SELECT", "5")
			Expect(errors.Is(err, redismux.ErrUnsupportedCommand)).To(BeTrue())

			msg := mustMessage("SET", "k", "v")
			_, err = mux.Send(ctx, msg).Result(ctx)
			Expect(err).NotTo(HaveOccurred())

			_, ok := srv.Get(0, "k")
			Expect(ok).To(BeTrue())
			_, ok = srv.Get(5, "k")
			Expect(ok).To(BeFalse())
		})

		It("honours the command map", func() {
			opt.CommandMap = redismux.CommandMap{
				Disabled: []string{"FLUSHALL"},
				Renamed:  map[string]string{"ECHO": "PING"},
			}
			mux = connect(opt)

			_, err := mux.Do(ctx, "flushall")
			Expect(errors.Is(err, redismux.ErrCommandDisabled)).To(BeTrue())
			Expect(srv.Calls("FLUSHALL")).To(BeZero())

			reply, err := mux.Do(ctx, "ECHO", "hello")
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Text()).To(Equal("hello"))
			Expect(srv.Calls("ECHO")).To(BeZero())
		})

		It("routes DemandReplica nowhere without replicas", func() {
			mux = connect(opt)
			msg := mustMessage("GET", "key")
			msg.Flags = redismux.DemandReplica
			_, err := mux.Send(ctx, msg).Result(ctx)
			nre, ok := redismux.IsNoRouteError(err)
			Expect(ok).To(BeTrue())
			Expect(nre.Command).To(Equal("GET"))
		})

		It("lets hooks veto Messages", func() {
			veto := errors.New("vetoed")
			opt.Hooks = []redismux.Hook{hookFunc(func(msg *redismux.Message) error {
				if msg.Command == "DEL" {
					return veto
				}
				return nil
			})}
			mux = connect(opt)

			_, err := mux.Do(ctx, "DEL", "key")
			Expect(err).To(Equal(veto))
			Expect(srv.Calls("DEL")).To(BeZero())
		})

		It("fails everything after Close", func() {
			mux = connect(opt)
			Expect(mux.Close()).To(Succeed())
			_, err := mux.Do(ctx, "PING")
			Expect(err).To(Equal(redismux.ErrClosed))
			Expect(mux.Close()).To(Equal(redismux.ErrClosed))
			mux = nil
		})
	})

	Describe("connection failures", func() {
		It("fails every unanswered Message exactly once", func() {
			events := new(eventRecorder)
			events.attach(opt)
			mux = connect(opt)
			srv.Pause()

			const m = 50
			var completions atomic.Int32
			pendings := make([]*redismux.Pending, m)
			for i := range pendings {
				msg := mustMessage("INCR", "counter")
				msg.OnComplete = func(*redismux.Reply, error) { completions.Add(1) }
				pendings[i] = mux.Send(ctx, msg)
			}
			Eventually(func() int { return srv.Clients() }).Should(BeNumerically(">=", 1))
			srv.DropConnections()

			for _, p := range pendings {
				_, err := p.Result(ctx)
				cerr, ok := redismux.IsConnectionError(err)
				Expect(ok).To(BeTrue(), "%v", err)
				Expect(cerr.Addr).To(Equal(srv.Addr()))
				Expect(p.Message().Completed()).To(BeTrue())
			}
			Eventually(completions.Load).Should(Equal(int32(m)))
			Consistently(completions.Load, 50*time.Millisecond).Should(Equal(int32(m)))

			srv.Resume()
			Eventually(func() []redismux.ConnectionEvent { return events.Failed() }).ShouldNot(BeEmpty())
			Eventually(func() []redismux.ConnectionEvent { return events.Restored() }).ShouldNot(BeEmpty())

			ev := events.Restored()[0]
			Expect(ev.Addr).To(Equal(srv.Addr()))
			Expect(ev.Kind).To(Equal("interactive"))

			Eventually(func() error {
				_, err := mux.Do(ctx, "PING")
				return err
			}).Should(Succeed())
			Expect(mux.Stats().Endpoints[0].Failures).To(BeNumerically(">=", 1))
		})

		It("detects an unresponsive server with heartbeats", func() {
			events := new(eventRecorder)
			events.attach(opt)
			opt.HeartbeatInterval = 10 * time.Millisecond
			opt.HeartbeatTimeout = 50 * time.Millisecond
			opt.DialTimeout = 100 * time.Millisecond
			mux = connect(opt)

			srv.Pause()
			Eventually(func() []redismux.ConnectionEvent { return events.Failed() }).ShouldNot(BeEmpty())
			cerr, ok := redismux.IsConnectionError(events.Failed()[0].Err)
			Expect(ok).To(BeTrue())
			Expect(cerr.Kind).To(BeElementOf(redismux.FailureHeartbeat, redismux.FailureStale))

			srv.Resume()
			Eventually(func() redismux.ConnState {
				return mux.InteractiveState(srv.Addr())
			}).Should(Equal(redismux.StateConnected))
			Expect(mux.Stats().Endpoints[0].Restores).To(BeNumerically(">=", 1))
		})

		It("fails the connection on a malformed reply", func() {
			events := new(eventRecorder)
			events.attach(opt)
			srv.Override("GET", func(conn redcon.Conn, _ redcon.Command) bool {
				conn.WriteRaw([]byte("$abc\r\n"))
				return true
			})
			mux = connect(opt)
			srv.Pause()

			pendings := []*redismux.Pending{mux.Send(ctx, mustMessage("GET", "key"))}
			for i := 0; i < 5; i++ {
				pendings = append(pendings, mux.Send(ctx, mustMessage("INCR", "counter")))
			}
			Eventually(func() int { return mux.Stats().Endpoints[0].Pending }).Should(Equal(6))
			srv.Resume()

			for _, p := range pendings {
				_, err := p.Result(ctx)
				cerr, ok := redismux.IsConnectionError(err)
				Expect(ok).To(BeTrue(), "%v", err)
				Expect(cerr.Kind).To(Equal(redismux.FailureProtocol))
			}

			Eventually(func() []redismux.ConnectionEvent { return events.Restored() }).ShouldNot(BeEmpty())
			cerr, ok := redismux.IsConnectionError(events.Failed()[0].Err)
			Expect(ok).To(BeTrue())
			Expect(cerr.Kind).To(Equal(redismux.FailureProtocol))
			Eventually(func() error {
				_, err := mux.Do(ctx, "PING")
				return err
			}).Should(Succeed())
		})

		It("fails a connection that goes quiet while owing replies", func() {
			events := new(eventRecorder)
			events.attach(opt)
			opt.HeartbeatInterval = 100 * time.Millisecond
			opt.HeartbeatTimeout = 150 * time.Millisecond
			opt.StaleTimeout = 150 * time.Millisecond

			release := make(chan struct{})
			defer close(release)
			srv.Override("GET", func(conn redcon.Conn, _ redcon.Command) bool {
				<-release
				conn.WriteNull()
				return true
			})
			mux = connect(opt)

			_, err := mux.Do(ctx, "GET", "key")
			cerr, ok := redismux.IsConnectionError(err)
			Expect(ok).To(BeTrue(), "%v", err)
			Expect(cerr.Kind).To(Equal(redismux.FailureStale))

			Eventually(func() []redismux.ConnectionEvent { return events.Failed() }).ShouldNot(BeEmpty())
			cerr, ok = redismux.IsConnectionError(events.Failed()[0].Err)
			Expect(ok).To(BeTrue())
			Expect(cerr.Kind).To(Equal(redismux.FailureStale))
			Eventually(func() redismux.ConnState {
				return mux.InteractiveState(srv.Addr())
			}).Should(Equal(redismux.StateConnected))
		})

		It("records heartbeat latency", func() {
			opt.HeartbeatInterval = 10 * time.Millisecond
			mux = connect(opt)
			Eventually(func() time.Duration {
				return mux.Stats().Endpoints[0].Latency
			}).Should(BeNumerically(">", 0))

			rtts, err := mux.Ping(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rtts).To(HaveKey(srv.Addr()))
		})
	})

	Describe("profiling", func() {
		It("reports the timings of each Message", func() {
			rec := new(profileRecorder)
			opt.Profiler = rec
			mux = connect(opt)

			_, err := mux.Do(ctx, "SET", "key", "value")
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int { return len(rec.Commands()) }).Should(Equal(1))
			cmd := rec.Commands()[0]
			Expect(cmd.Command).To(Equal("SET"))
			Expect(cmd.Endpoint).To(Equal(srv.Addr()))
			Expect(cmd.RetransmissionOf).To(BeNil())
			Expect(cmd.Err).NotTo(HaveOccurred())
			Expect(cmd.ElapsedTime).To(BeNumerically(">", 0))
			Expect(cmd.ElapsedTime).To(BeNumerically(">=", cmd.SentToResponse))
		})
	})

	Describe("standalone replicas", func() {
		var replica *fakeredis.Server

		BeforeEach(func() {
			replica = startServer(fakeredis.WithReplicaOf(srv.Addr()))
			DeferCleanup(replica.Close)
			opt = testOptions(replica.Addr(), srv.Addr())
		})

		send := func(flags redismux.Flags, cmd string, args ...interface{}) error {
			msg := mustMessage(cmd, args...)
			msg.Flags = flags
			_, err := mux.Send(ctx, msg).Result(ctx)
			if errors.Is(err, redismux.Nil) {
				return nil
			}
			return err
		}

		It("finds the primary and routes by role", func() {
			mux = connect(opt)
			Expect(mux.IsCluster()).To(BeFalse())
			Expect(mux.Primary()).To(Equal(srv.Addr()))

			Expect(send(0, "SET", "key", "v")).To(Succeed())
			Expect(send(redismux.DemandReplica, "GET", "key")).To(Succeed())
			Expect(send(redismux.PreferMaster, "GET", "key")).To(Succeed())

			Expect(srv.Calls("SET")).To(Equal(1))
			Expect(srv.Calls("GET")).To(Equal(1))
			Expect(replica.Calls("GET")).To(Equal(1))
		})

		It("breaks ties between primaries with the tie-breaker key", func() {
			replica.SetRole("master", "")
			srv.Set(0, "__primary", srv.Addr())
			replica.Set(0, "__primary", srv.Addr())
			opt.TieBreakerKey = "__primary"

			mux = connect(opt)
			Expect(mux.Primary()).To(Equal(srv.Addr()))
		})

		It("uses the first primary without a tie-breaker", func() {
			replica.SetRole("master", "")
			mux = connect(opt)
			Expect(mux.Primary()).To(Equal(replica.Addr()))
		})
	})
})

//------------------------------------------------------------------------------

type hookFunc func(msg *redismux.Message) error

func (h hookFunc) BeforeSend(_ context.Context, msg *redismux.Message) error { return h(msg) }
func (h hookFunc) AfterComplete(*redismux.Message, *redismux.Reply, error)   {}
