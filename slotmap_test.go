package redismux_test

import (
	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"

	"github.com/redismux/redismux"
	"github.com/redismux/redismux/internal/hashtag"
)

const clusterNodes = `07c37dfeb235213a872192d90877d0cd55635b91 127.0.0.1:30004@31004,host-4 slave e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca 0 1426238317239 4 connected
67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1 127.0.0.1:30002@31002 master - 0 1426238316232 2 connected 5461-10922
292f8b365bb7edb5e285caf0b7e6ddc7265d2f4f 127.0.0.1:30003@31003 master - 0 1426238318243 3 connected 10923-16383 [16383->-67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1]
6ec23923021cf3ffec47632106199cb7f496ce01 127.0.0.1:30005@31005 slave,fail 67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1 0 1426238316232 5 connected
824fe116063bc5fcf9f4ffd895bc17aee7731ac3 127.0.0.1:30006@31006 slave 292f8b365bb7edb5e285caf0b7e6ddc7265d2f4f 0 1426238317741 6 connected
e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca :30001@31001 myself,master - 0 0 1 connected 0-5460
aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa 127.0.0.1:30009@31009 handshake - 0 0 0 connected
`

var _ = Describe("SlotMap", func() {
	var sm *redismux.SlotMap

	BeforeEach(func() {
		nodes, err := redismux.ParseClusterNodes(clusterNodes, "10.0.0.1:30001")
		Expect(err).NotTo(HaveOccurred())
		Expect(nodes).To(HaveLen(6))
		sm = redismux.NewSlotMap(nodes)
	})

	It("maps every slot to its primary", func() {
		Expect(sm.BySlot(0).Addr).To(Equal("10.0.0.1:30001"))
		Expect(sm.BySlot(5460).Addr).To(Equal("10.0.0.1:30001"))
		Expect(sm.BySlot(5461).Addr).To(Equal("127.0.0.1:30002"))
		Expect(sm.BySlot(16383).Addr).To(Equal("127.0.0.1:30003"))
		Expect(sm.ByKey("foo").Addr).To(Equal(sm.BySlot(hashtag.Slot("foo")).Addr))
	})

	It("fills in the host of myself", func() {
		node := sm.NodeByAddr("10.0.0.1:30001")
		Expect(node).NotTo(BeNil())
		Expect(node.Role).To(Equal(redismux.RolePrimary))
		Expect(node.Slots).To(Equal([]redismux.SlotRange{{Start: 0, End: 5460}}))
	})

	It("groups replicas under their primary", func() {
		primary := sm.NodeByAddr("127.0.0.1:30003")
		replicas := sm.Replicas(primary)
		Expect(replicas).To(HaveLen(1))
		Expect(replicas[0].Addr).To(Equal("127.0.0.1:30006"))
		Expect(replicas[0].Role).To(Equal(redismux.RoleReplica))

		// failing replicas are left out
		Expect(sm.Replicas(sm.NodeByAddr("127.0.0.1:30002"))).To(BeEmpty())
		Expect(sm.NodeByAddr("127.0.0.1:30005").Failed()).To(BeTrue())
	})

	It("lists primaries in address order", func() {
		var addrs []string
		for _, p := range sm.Primaries() {
			addrs = append(addrs, p.Addr)
		}
		Expect(addrs).To(Equal([]string{"10.0.0.1:30001", "127.0.0.1:30002", "127.0.0.1:30003"}))
		Expect(sm.Nodes()).To(HaveLen(6))
	})

	It("copies on write", func() {
		node := sm.NodeByAddr("127.0.0.1:30002")
		next := sm.WithSlot(0, node)
		Expect(next.BySlot(0)).To(Equal(node))
		Expect(sm.BySlot(0).Addr).To(Equal("10.0.0.1:30001"))

		fresh := &redismux.Endpoint{Addr: "127.0.0.1:40000"}
		next = sm.WithSlot(1, fresh)
		Expect(next.NodeByAddr("127.0.0.1:40000")).To(Equal(fresh))
		Expect(sm.NodeByAddr("127.0.0.1:40000")).To(BeNil())
	})

	DescribeTable("rejects malformed input",
		func(text string) {
			_, err := redismux.ParseClusterNodes(text, "")
			Expect(err).To(HaveOccurred())
		},
		Entry("short line", "abc 127.0.0.1:1@2 master"),
		Entry("bad address", "id nohost master - 0 0 1 connected 0-1"),
		Entry("bad range", "id 127.0.0.1:1@2 master - 0 0 1 connected 10-5"),
		Entry("slot out of bounds", "id 127.0.0.1:1@2 master - 0 0 1 connected 0-16384"),
	)
})

var _ = Describe("redirect addresses", func() {
	It("fills in the host of the sender", func() {
		Expect(redismux.RedirectAddr(":7001", "10.0.0.5:7000")).To(Equal("10.0.0.5:7001"))
		Expect(redismux.RedirectAddr("10.0.0.6:7001", "10.0.0.5:7000")).To(Equal("10.0.0.6:7001"))
	})
})
