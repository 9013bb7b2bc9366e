package pool_test

import (
	"context"
	"errors"
	"time"

	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"

	"github.com/redismux/redismux/internal/pool"
	"github.com/redismux/redismux/internal/proto"
)

var _ = Describe("Sink", func() {
	var sinks *pool.SinkPool

	BeforeEach(func() {
		sinks = pool.NewSinkPool(8)
	})

	It("is completed exactly once", func() {
		s := sinks.Get()
		Expect(s.Complete(proto.NewStatus("OK"), nil)).To(BeTrue())
		Expect(s.Complete(nil, errors.New("late"))).To(BeFalse())

		reply, err, ok := s.Wait(context.Background())
		Expect(ok).To(BeTrue())
		Expect(err).NotTo(HaveOccurred())
		Expect(string(reply.Str)).To(Equal("OK"))

		// a second wait sees the same outcome
		reply, _, ok = s.Wait(context.Background())
		Expect(ok).To(BeTrue())
		Expect(string(reply.Str)).To(Equal("OK"))
	})

	It("leaves the sink pending when the wait is cancelled", func() {
		s := sinks.Get()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err, ok := s.Wait(ctx)
		Expect(ok).To(BeFalse())
		Expect(err).To(Equal(context.DeadlineExceeded))

		Expect(s.Complete(proto.NewInteger(1), nil)).To(BeTrue())
		reply, _, ok := s.Wait(context.Background())
		Expect(ok).To(BeTrue())
		Expect(reply.Int).To(Equal(int64(1)))
	})

	It("reuses returned sinks", func() {
		s := sinks.Get()
		s.Complete(nil, nil)
		sinks.Put(s)

		Expect(sinks.Get()).To(BeIdenticalTo(s))
		Expect(s.Completed()).To(BeFalse())

		stats := sinks.Stats()
		Expect(stats.Allocs).To(Equal(uint64(1)))
		Expect(stats.Gets).To(Equal(uint64(2)))
		Expect(stats.Puts).To(Equal(uint64(1)))
	})

	It("ignores double returns and pending sinks", func() {
		s := sinks.Get()
		sinks.Put(s)
		Expect(sinks.Stats().Rejected).To(Equal(uint64(1)))

		s.Complete(nil, nil)
		sinks.Put(s)
		sinks.Put(s)
		Expect(sinks.Stats().DoublePuts).To(Equal(uint64(1)))
		Expect(sinks.Stats().Free).To(Equal(uint32(1)))
	})

	It("drops sinks beyond its capacity", func() {
		var held []*pool.Sink
		for i := 0; i < 10; i++ {
			held = append(held, sinks.Get())
		}
		for _, s := range held {
			s.Complete(nil, nil)
			sinks.Put(s)
		}
		stats := sinks.Stats()
		Expect(stats.Free).To(Equal(uint32(8)))
		Expect(stats.Drops).To(Equal(uint64(2)))
	})

	It("keeps allocations bounded across waves of concurrent cycles", func() {
		const (
			waves       = 50
			concurrency = 8
		)
		for w := 0; w < waves; w++ {
			perform(concurrency, func(int) {
				s := sinks.Get()
				go s.Complete(proto.NewStatus("PONG"), nil)

				_, err, ok := s.Wait(context.Background())
				Expect(ok).To(BeTrue())
				Expect(err).NotTo(HaveOccurred())
				sinks.Put(s)
			})
		}

		stats := sinks.Stats()
		Expect(stats.Gets).To(Equal(uint64(waves * concurrency)))
		Expect(stats.Allocs).To(BeNumerically("<=", 2*concurrency))
		Expect(stats.DoublePuts).To(BeZero())
		Expect(stats.Rejected).To(BeZero())
	})
})
