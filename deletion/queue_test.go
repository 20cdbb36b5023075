package deletion

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/index"
)

var (
	qTsid = cmn.UnshardedTenantShardId(cmn.TenantId{})
	qTl   = cmn.TimelineId{}
	qGen  = cmn.NewGeneration(7)
)

func newTestStore() *Store {
	s, err := OpenStore(":memory:")
	Expect(err).NotTo(HaveOccurred())
	return s
}

var _ = Describe("Deletion queue", func() {
	It("deletes layers once their generation is confirmed current", func() {
		key := index.LayerKey(qTsid, qTl, "layer-a", qGen)
		adapter := newFakeAdapter(key)
		auth := newFakeAuthority()
		auth.set(qTsid, qGen)
		store := newTestStore()
		q := NewQueue(store, adapter, auth)
		defer q.Stop()

		Expect(q.PushLayers(qTsid, qTl, qGen, []NamedLayer{{Name: "layer-a"}})).To(Succeed())
		q.FlushExecute()

		Expect(adapter.has(key)).To(BeFalse())
	})

	It("drops entries with a stale generation without deleting them", func() {
		key := index.LayerKey(qTsid, qTl, "layer-b", qGen)
		adapter := newFakeAdapter(key)
		auth := newFakeAuthority()
		auth.set(qTsid, cmn.NewGeneration(99)) // current generation differs from qGen
		store := newTestStore()
		q := NewQueue(store, adapter, auth)
		defer q.Stop()

		Expect(q.PushLayers(qTsid, qTl, qGen, []NamedLayer{{Name: "layer-b"}})).To(Succeed())
		q.FlushExecute()

		Expect(adapter.has(key)).To(BeTrue())
	})

	It("publishes the visible LSN only once the generation validates", func() {
		auth := newFakeAuthority()
		auth.set(qTsid, qGen)
		store := newTestStore()
		q := NewQueue(store, newFakeAdapter(), auth)
		defer q.Stop()

		var visible atomic.Uint64
		q.UpdateRemoteConsistentLsn(qTsid, qTl, qGen, cmn.NewLsn(0, 0x30), &visible)

		Eventually(func() uint64 { return visible.Load() }, time.Second).Should(Equal(uint64(cmn.NewLsn(0, 0x30))))
	})

	It("silently drops a stale-generation visible-LSN update", func() {
		auth := newFakeAuthority()
		auth.set(qTsid, cmn.NewGeneration(2))
		store := newTestStore()
		q := NewQueue(store, newFakeAdapter(), auth)
		defer q.Stop()

		var visible atomic.Uint64
		q.UpdateRemoteConsistentLsn(qTsid, qTl, qGen, cmn.NewLsn(0, 0x30), &visible)

		Consistently(func() uint64 { return visible.Load() }, 200*time.Millisecond).Should(Equal(uint64(0)))
	})

	It("drops stale entries and keeps survivors across recover()", func() {
		survivorKey := index.LayerKey(qTsid, qTl, "survivor", qGen)
		staleKey := index.LayerKey(qTsid, qTl, "stale", cmn.NewGeneration(1))
		adapter := newFakeAdapter(survivorKey, staleKey)
		auth := newFakeAuthority()
		auth.set(qTsid, qGen)
		store := newTestStore()

		// Simulate pre-crash persisted lists without going through a live
		// queue's nextSeq bookkeeping.
		Expect(store.SaveList(&DeletionList{Sequence: 1, Entries: []ListEntry{
			{Tsid: qTsid, Timeline: qTl, Generation: qGen, Name: "survivor"},
		}})).To(Succeed())
		Expect(store.SaveList(&DeletionList{Sequence: 2, Entries: []ListEntry{
			{Tsid: qTsid, Timeline: qTl, Generation: cmn.NewGeneration(1), Name: "stale"},
		}})).To(Succeed())

		q := NewQueue(store, adapter, auth)
		defer q.Stop()

		Expect(q.Recover(context.Background(), map[cmn.TenantShardId]cmn.Generation{qTsid: qGen})).To(Succeed())
		q.FlushExecute()

		Expect(adapter.has(survivorKey)).To(BeFalse())
		Expect(adapter.has(staleKey)).To(BeTrue())
	})
})
