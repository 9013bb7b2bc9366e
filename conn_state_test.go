package redismux_test

import (
	"errors"
	"fmt"
	"time"

	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"

	"github.com/redismux/redismux"
)

var _ = Describe("ConnState", func() {
	DescribeTable("transitions",
		func(from, to redismux.ConnState, ok bool) {
			Expect(redismux.ValidTransition(from, to)).To(Equal(ok))
		},
		Entry("connecting to connected", redismux.StateConnecting, redismux.StateConnected, true),
		Entry("connecting to failed", redismux.StateConnecting, redismux.StateFailed, true),
		Entry("connected to failed", redismux.StateConnected, redismux.StateFailed, true),
		Entry("failed to reconnecting", redismux.StateFailed, redismux.StateReconnecting, true),
		Entry("reconnecting to connected", redismux.StateReconnecting, redismux.StateConnected, true),
		Entry("reconnecting to failed", redismux.StateReconnecting, redismux.StateFailed, true),
		Entry("any to closed", redismux.StateConnected, redismux.StateClosed, true),
		Entry("failed to connected", redismux.StateFailed, redismux.StateConnected, false),
		Entry("connected to reconnecting", redismux.StateConnected, redismux.StateReconnecting, false),
		Entry("closed is final", redismux.StateClosed, redismux.StateConnecting, false),
		Entry("closed to closed", redismux.StateClosed, redismux.StateClosed, false),
	)

	It("refuses illegal transitions", func() {
		var sm redismux.StateMachine
		Expect(sm.Load()).To(Equal(redismux.StateConnecting))
		Expect(sm.Transition(redismux.StateReconnecting)).To(BeFalse())
		Expect(sm.Transition(redismux.StateConnected)).To(BeTrue())
		Expect(sm.Transition(redismux.StateFailed)).To(BeTrue())
		Expect(sm.Transition(redismux.StateReconnecting)).To(BeTrue())
		Expect(sm.Transition(redismux.StateClosed)).To(BeTrue())
		Expect(sm.Transition(redismux.StateConnected)).To(BeFalse())
		Expect(sm.Load()).To(Equal(redismux.StateClosed))
		Expect(sm.Load().String()).To(Equal("closed"))
	})
})

var _ = Describe("Flags", func() {
	It("names the role and options", func() {
		Expect(redismux.Flags(0).String()).To(Equal("DemandMaster"))
		Expect((redismux.PreferReplica | redismux.FireAndForget).String()).To(Equal("PreferReplica|FireAndForget"))
		Expect((redismux.DemandReplica | redismux.NoRedirect | redismux.HighPriority).String()).
			To(Equal("DemandReplica|NoRedirect|HighPriority"))
	})
})

var _ = Describe("intervals", func() {
	t0 := time.Unix(1000, 0)

	It("measures between stamps", func() {
		Expect(redismux.Interval(t0, t0.Add(time.Second))).To(Equal(time.Second))
	})

	It("is zero when a stamp is missing or out of order", func() {
		Expect(redismux.Interval(time.Time{}, t0)).To(BeZero())
		Expect(redismux.Interval(t0, time.Time{})).To(BeZero())
		Expect(redismux.Interval(t0.Add(time.Second), t0)).To(BeZero())
	})
})

var _ = Describe("errors", func() {
	It("matches connection errors", func() {
		cause := errors.New("broken pipe")
		err := fmt.Errorf("wrapped: %w", &redismux.ConnectionError{
			Addr: "127.0.0.1:6379",
			Kind: redismux.FailureSocket,
			Err:  cause,
		})
		Expect(errors.Is(err, redismux.ErrConnectionFailed)).To(BeTrue())
		Expect(errors.Is(err, cause)).To(BeTrue())

		connErr, ok := redismux.IsConnectionError(err)
		Expect(ok).To(BeTrue())
		Expect(connErr.Kind).To(Equal(redismux.FailureSocket))
		Expect(connErr.Error()).To(Equal("redismux: connection to 127.0.0.1:6379 failed (socket): broken pipe"))
	})

	It("matches routing errors", func() {
		err := &redismux.NoRouteError{Command: "GET", Considered: []string{"a:1", "b:2"}}
		Expect(errors.Is(err, redismux.ErrNoRoute)).To(BeTrue())
		Expect(err.Error()).To(Equal("redismux: no route for GET: considered a:1, b:2"))
		Expect((&redismux.NoRouteError{Command: "GET"}).Error()).To(ContainSubstring("no endpoint available"))

		_, ok := redismux.IsNoRouteError(errors.New("other"))
		Expect(ok).To(BeFalse())
	})

	It("ignores prefixes of non-server errors", func() {
		Expect(redismux.HasErrorPrefix(errors.New("WRONGTYPE x"), "WRONGTYPE")).To(BeFalse())
		Expect(redismux.HasErrorPrefix(redismux.Nil, "redismux")).To(BeTrue())
	})
})
