package cluster

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/pageserver/pageserver/cmn"
)

type fakeSlotObject struct{ shutDown bool }

func (f *fakeSlotObject) ShutDown() bool { return f.shutDown }

var tsid1 = cmn.UnshardedTenantShardId(cmn.TenantId{})

var _ = Describe("Tenant slot acquisition", func() {
	It("acquires an absent slot under MustNotExist and upserts it", func() {
		tm := NewTenantsMap()
		guard, err := tm.AcquireSlot(tsid1, MustNotExist)
		Expect(err).NotTo(HaveOccurred())
		Expect(guard.OldValue()).To(BeNil())

		attached := &fakeSlotObject{shutDown: true}
		Expect(guard.Upsert(&TenantSlot{Kind: SlotAttached, Attached: attached})).To(Succeed())

		slot, err := tm.PeekSlot(tsid1, Read)
		Expect(err).NotTo(HaveOccurred())
		Expect(slot.Kind).To(Equal(SlotAttached))
	})

	It("rejects MustNotExist when a slot is already present", func() {
		tm := NewTenantsMap()
		g1, err := tm.AcquireSlot(tsid1, MustNotExist)
		Expect(err).NotTo(HaveOccurred())
		Expect(g1.Upsert(&TenantSlot{Kind: SlotAttached, Attached: &fakeSlotObject{shutDown: true}})).To(Succeed())

		_, err = tm.AcquireSlot(tsid1, MustNotExist)
		Expect(err).To(MatchError(ErrAlreadyExists))
	})

	It("rejects MustExist when the slot is absent", func() {
		tm := NewTenantsMap()
		_, err := tm.AcquireSlot(tsid1, MustExist)
		Expect(err).To(MatchError(ErrSlotNotFound))
	})

	It("returns InProgress to a second acquirer while the first guard is live", func() {
		tm := NewTenantsMap()
		_, err := tm.AcquireSlot(tsid1, Any)
		Expect(err).NotTo(HaveOccurred())

		_, err = tm.AcquireSlot(tsid1, Any)
		Expect(err).To(MatchError(ErrInProgress))
	})

	It("hides InProgress slots from PeekSlot", func() {
		tm := NewTenantsMap()
		_, err := tm.AcquireSlot(tsid1, Any)
		Expect(err).NotTo(HaveOccurred())

		_, err = tm.PeekSlot(tsid1, Read)
		Expect(err).To(MatchError(ErrInProgress))
	})

	It("refuses Upsert/DropOldValue until the old value reports shut down", func() {
		tm := NewTenantsMap()
		g1, _ := tm.AcquireSlot(tsid1, Any)
		notYet := &fakeSlotObject{shutDown: false}
		Expect(g1.Upsert(&TenantSlot{Kind: SlotAttached, Attached: notYet})).To(Succeed())

		g2, err := tm.AcquireSlot(tsid1, Any)
		Expect(err).NotTo(HaveOccurred())
		Expect(g2.Upsert(&TenantSlot{Kind: SlotAttached, Attached: &fakeSlotObject{shutDown: true}})).To(MatchError(ErrNotShutDown))
		Expect(g2.DropOldValue()).To(MatchError(ErrNotShutDown))

		notYet.shutDown = true
		Expect(g2.Upsert(&TenantSlot{Kind: SlotAttached, Attached: &fakeSlotObject{shutDown: true}})).To(Succeed())
	})

	It("reinstates the old value on Release when the guard was never finalized", func() {
		tm := NewTenantsMap()
		attached := &fakeSlotObject{shutDown: true}
		g1, _ := tm.AcquireSlot(tsid1, Any)
		Expect(g1.Upsert(&TenantSlot{Kind: SlotAttached, Attached: attached})).To(Succeed())

		g2, err := tm.AcquireSlot(tsid1, Any)
		Expect(err).NotTo(HaveOccurred())
		g2.Release() // no Upsert/DropOldValue/Revert called

		slot, err := tm.PeekSlot(tsid1, Read)
		Expect(err).NotTo(HaveOccurred())
		Expect(slot.Attached).To(BeIdenticalTo(attached))
	})

	It("drops every InProgress slot from the map on BeginShutdown", func() {
		tm := NewTenantsMap()
		_, err := tm.AcquireSlot(tsid1, Any)
		Expect(err).NotTo(HaveOccurred())

		tm.BeginShutdown()

		_, err = tm.PeekSlot(tsid1, Read)
		Expect(err).To(MatchError(ErrShuttingDown))
	})

	It("fails Write peeks unconditionally once shutting down", func() {
		tm := NewTenantsMap()
		tm.BeginShutdown()
		_, err := tm.PeekSlot(tsid1, Write)
		Expect(err).To(MatchError(ErrShuttingDown))
	})
})

var _ = Describe("Tenant-id resolution", func() {
	It("resolves Zero to the shard-number-0 attached shard", func() {
		tm := NewTenantsMap()
		tenant := cmn.TenantId{}
		zero := cmn.NewTenantShardId(tenant, 0, 4)
		one := cmn.NewTenantShardId(tenant, 1, 4)

		for _, id := range []cmn.TenantShardId{zero, one} {
			g, err := tm.AcquireSlot(id, Any)
			Expect(err).NotTo(HaveOccurred())
			Expect(g.Upsert(&TenantSlot{Kind: SlotAttached, Attached: &fakeSlotObject{shutDown: true}})).To(Succeed())
		}

		got, err := tm.Resolve(tenant, Zero, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(zero))
	})

	It("resolves Page to the shard whose number matches the key hash", func() {
		tm := NewTenantsMap()
		tenant := cmn.TenantId{}
		const count = 4
		ids := make([]cmn.TenantShardId, count)
		for i := 0; i < count; i++ {
			ids[i] = cmn.NewTenantShardId(tenant, uint8(i), count)
			g, err := tm.AcquireSlot(ids[i], Any)
			Expect(err).NotTo(HaveOccurred())
			Expect(g.Upsert(&TenantSlot{Kind: SlotAttached, Attached: &fakeSlotObject{shutDown: true}})).To(Succeed())
		}

		key := []byte("some-page-key")
		want := ShardNumberForKey(key, count)
		got, err := tm.Resolve(tenant, Page, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Shard.Number).To(Equal(want))
	})
})
