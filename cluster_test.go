package redismux_test

import (
	"errors"
	"fmt"

	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"
	"github.com/tidwall/redcon"

	"github.com/redismux/redismux"
	"github.com/redismux/redismux/internal/fakeredis"
	"github.com/redismux/redismux/internal/hashtag"
)

var _ = Describe("Cluster", func() {
	var (
		cluster *fakeredis.Cluster
		opt     *redismux.Options
		mux     *redismux.Multiplexer
		rec     *profileRecorder
	)

	BeforeEach(func() {
		var err error
		cluster, err = fakeredis.NewCluster(3, 1)
		Expect(err).NotTo(HaveOccurred())

		rec = new(profileRecorder)
		opt = testOptions(cluster.Addrs()[0])
		opt.Profiler = rec
	})

	AfterEach(func() {
		if mux != nil {
			_ = mux.Close()
			mux = nil
		}
		cluster.Close()
	})

	// otherPrimary returns a primary that does not own slot.
	otherPrimary := func(slot int) *fakeredis.Server {
		owner := cluster.Owner(slot)
		for _, p := range cluster.Primaries() {
			if p != owner {
				return p
			}
		}
		Fail("single primary cluster")
		return nil
	}

	It("discovers the topology from one seed", func() {
		mux = connect(opt)
		Expect(mux.IsCluster()).To(BeTrue())

		sm := mux.Topology()
		Expect(sm).NotTo(BeNil())
		Expect(sm.Nodes()).To(HaveLen(6))
		Expect(sm.Primaries()).To(HaveLen(3))

		for _, slot := range []int{0, 5000, 16383} {
			Expect(sm.BySlot(slot).Addr).To(Equal(cluster.Owner(slot).Addr()))
		}
		Expect(mux.Stats().Endpoints).To(HaveLen(6))
	})

	It("routes keys to the owner of their slot", func() {
		mux = connect(opt)

		for i := 0; i < 20; i++ {
			key := fmt.Sprint("key:", i)
			_, err := mux.Do(ctx, "SET", key, i)
			Expect(err).NotTo(HaveOccurred())
		}
		total := 0
		for _, p := range cluster.Primaries() {
			total += p.Calls("SET")
		}
		Expect(total).To(Equal(20))
		Expect(mux.Stats().Redirects).To(BeZero())
	})

	It("rejects cross-slot commands before sending them", func() {
		mux = connect(opt)
		Expect(hashtag.Slot("a")).NotTo(Equal(hashtag.Slot("b")))

		_, err := mux.Do(ctx, "MGET", "a", "b")
		Expect(err).To(Equal(redismux.ErrCrossSlot))
		for _, s := range cluster.Servers() {
			Expect(s.Calls("MGET")).To(BeZero())
		}

		_, err = mux.Do(ctx, "MGET", "{user}a", "{user}b")
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects non-zero databases", func() {
		mux = connect(opt)
		msg := mustMessage("GET", "key")
		msg.DB = 1
		_, err := mux.Send(ctx, msg).Result(ctx)
		Expect(err).To(MatchError(ContainSubstring("DB 0")))
	})

	It("follows MOVED once and learns the new owner", func() {
		mux = connect(opt)
		slot := hashtag.Slot("moved")
		dst := otherPrimary(slot)
		cluster.Move(slot, dst)

		_, err := mux.Do(ctx, "SET", "moved", "v")
		Expect(err).NotTo(HaveOccurred())
		Expect(dst.Calls("SET")).To(Equal(1))
		Expect(mux.Stats().Redirects).To(Equal(uint64(1)))
		Expect(mux.Topology().BySlot(slot).Addr).To(Equal(dst.Addr()))

		Eventually(func() int { return len(rec.Commands()) }).Should(Equal(2))
		var re, orig *redismux.ProfiledCommand
		for _, cmd := range rec.Commands() {
			if cmd.RetransmissionOf != nil {
				re = cmd
			} else {
				orig = cmd
			}
		}
		Expect(re).NotTo(BeNil())
		Expect(orig).NotTo(BeNil())
		Expect(re.RetransmissionReason).To(Equal("MOVED"))
		Expect(re.Endpoint).To(Equal(dst.Addr()))
		Expect(re.RetransmissionOf.RetransmissionOf()).To(BeNil())
		Expect(re.RetransmissionOf.Command).To(Equal("SET"))

		// routed directly from now on
		_, err = mux.Do(ctx, "GET", "moved")
		Expect(err).NotTo(HaveOccurred())
		Expect(mux.Stats().Redirects).To(Equal(uint64(1)))
	})

	It("follows ASK without changing the slot map", func() {
		mux = connect(opt)
		slot := hashtag.Slot("asked")
		src := cluster.Owner(slot)
		dst := otherPrimary(slot)
		cluster.Migrate(slot, dst)

		_, err := mux.Do(ctx, "SET", "asked", "v")
		Expect(err).NotTo(HaveOccurred())
		Expect(dst.Calls("ASKING")).To(Equal(1))
		Expect(dst.Calls("SET")).To(Equal(1))
		Expect(mux.Topology().BySlot(slot).Addr).To(Equal(src.Addr()))

		Eventually(func() []*redismux.ProfiledCommand { return rec.Commands() }).Should(
			ContainElement(HaveField("RetransmissionReason", "ASK")))
	})

	It("surfaces redirects under NoRedirect", func() {
		mux = connect(opt)
		slot := hashtag.Slot("pinned")
		dst := otherPrimary(slot)
		cluster.Move(slot, dst)

		msg := mustMessage("GET", "pinned")
		msg.Flags = redismux.NoRedirect
		_, err := mux.Send(ctx, msg).Result(ctx)
		moved, ok := redismux.IsMovedError(err)
		Expect(ok).To(BeTrue(), "%v", err)
		Expect(moved.Slot()).To(Equal(slot))
		Expect(moved.Addr()).To(Equal(dst.Addr()))
		Expect(dst.Calls("GET")).To(BeZero())
	})

	It("surfaces a second redirect", func() {
		mux = connect(opt)
		slot := hashtag.Slot("pingpong")
		src := cluster.Owner(slot)
		dst := otherPrimary(slot)
		cluster.Move(slot, dst)
		dst.Override("GET", func(conn redcon.Conn, cmd redcon.Command) bool {
			conn.WriteError(fmt.Sprintf("MOVED %d %s", slot, src.Addr()))
			return true
		})

		_, err := mux.Do(ctx, "GET", "pingpong")
		moved, ok := redismux.IsMovedError(err)
		Expect(ok).To(BeTrue(), "%v", err)
		Expect(moved.Addr()).To(Equal(src.Addr()))
		Expect(src.Calls("GET")).To(Equal(1))
		Expect(dst.Calls("GET")).To(Equal(1))
	})

	It("refreshes the topology on demand", func() {
		mux = connect(opt)
		slot := hashtag.Slot("refresh")
		dst := otherPrimary(slot)
		cluster.Move(slot, dst)

		Expect(mux.Configure(ctx)).To(Succeed())
		Expect(mux.Topology().BySlot(slot).Addr).To(Equal(dst.Addr()))
	})

	Describe("role flags", func() {
		var (
			key     = "role"
			primary *fakeredis.Server
			replica *fakeredis.Server
		)

		BeforeEach(func() {
			slot := hashtag.Slot(key)
			primary = cluster.Owner(slot)
			replica = cluster.Replicas(primary)[0]
			mux = connect(opt)
		})

		send := func(flags redismux.Flags) error {
			msg := mustMessage("GET", key)
			msg.Flags = flags
			_, err := mux.Send(ctx, msg).Result(ctx)
			if errors.Is(err, redismux.Nil) {
				return nil
			}
			return err
		}

		It("reads from replicas", func() {
			Expect(send(redismux.DemandReplica)).To(Succeed())
			Expect(send(redismux.PreferReplica)).To(Succeed())
			Expect(replica.Calls("GET")).To(Equal(2))
			Expect(primary.Calls("GET")).To(BeZero())
		})

		It("reads from the primary", func() {
			Expect(send(redismux.DemandMaster)).To(Succeed())
			Expect(send(redismux.PreferMaster)).To(Succeed())
			Expect(primary.Calls("GET")).To(Equal(2))
			Expect(replica.Calls("GET")).To(BeZero())
		})

		It("falls back when the preferred role is down", func() {
			Expect(replica.Close()).To(Succeed())
			Eventually(func() redismux.ConnState {
				return mux.InteractiveState(replica.Addr())
			}).ShouldNot(Equal(redismux.StateConnected))

			Expect(send(redismux.PreferReplica)).To(Succeed())
			Expect(primary.Calls("GET")).To(Equal(1))

			err := send(redismux.DemandReplica)
			nre, ok := redismux.IsNoRouteError(err)
			Expect(ok).To(BeTrue(), "%v", err)
			Expect(nre.Considered).To(ContainElement(replica.Addr()))
		})
	})

	It("delivers publications to the slot owner's subscription", func() {
		mux = connect(opt)
		received := make(chan *redismux.Publication, 1)
		_, err := mux.Subscriber().Subscribe(ctx, "news", func(pub *redismux.Publication) {
			received <- pub
		})
		Expect(err).NotTo(HaveOccurred())
		owner := cluster.Owner(hashtag.Slot("news"))
		Expect(owner.Calls("SUBSCRIBE")).To(Equal(1))

		n, err := mux.Publish(ctx, "news", "hello")
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))

		var pub *redismux.Publication
		Eventually(received).Should(Receive(&pub))
		Expect(pub.Channel).To(Equal("news"))
		Expect(string(pub.Payload)).To(Equal("hello"))
	})
})
