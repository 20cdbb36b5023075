package upload

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/index"
)

var (
	testTsid = cmn.UnshardedTenantShardId(cmn.TenantId{})
	testTl   = cmn.TimelineId{}
	testGen  = cmn.NewGeneration(1)
)

func newTestQueue() (*Queue, *fakeAdapter, *fakeDeletionSink) {
	adapter := newFakeAdapter()
	sink := &fakeDeletionSink{}
	q := New(testTsid, testTl, testGen, Deps{Remote: adapter, Deletion: sink})
	return q, adapter, sink
}

var _ = Describe("Upload queue lifecycle", func() {
	It("rejects scheduling calls before initialization", func() {
		q, _, _ := newTestQueue()
		err := q.ScheduleLayerUpload(newFakeLayer("layer-1", "abc", cmn.ShardIndex{}))
		Expect(err).To(MatchError(ErrQueueNotReady))
	})

	It("rejects scheduling calls after Stop", func() {
		q, _, _ := newTestQueue()
		Expect(q.InitializeEmpty(Metadata{DiskConsistentLsn: cmn.NewLsn(0, 0x10)})).To(Succeed())
		q.Stop()
		err := q.ScheduleLayerUpload(newFakeLayer("layer-1", "abc", cmn.ShardIndex{}))
		Expect(err).To(MatchError(ErrQueueStopped))
	})

	It("is idempotent under repeated Stop", func() {
		q, _, _ := newTestQueue()
		Expect(q.InitializeEmpty(Metadata{})).To(Succeed())
		q.Stop()
		Expect(func() { q.Stop() }).ToNot(Panic())
		Expect(q.State()).To(Equal(StateStopped))
	})
})

// S1: basic upload commit — a layer upload followed by an index update
// becomes visible only once the index upload completes.
var _ = Describe("S1: basic upload commit", func() {
	It("advances the visible remote-consistent LSN once the index lands", func() {
		q, adapter, sink := newTestQueue()
		Expect(q.InitializeEmpty(Metadata{DiskConsistentLsn: cmn.NewLsn(0, 0x10), Timeline: index.TimelineMetadata{PgVersion: 16}})).To(Succeed())

		layer := newFakeLayer("000000000000000000000000000000-000000000000000000000000000001", "layer-bytes", cmn.ShardIndex{})
		Expect(q.ScheduleLayerUpload(layer)).To(Succeed())
		Expect(q.ScheduleIndexUpdateForMetadata(Metadata{DiskConsistentLsn: cmn.NewLsn(0, 0x20)})).To(Succeed())

		Expect(q.WaitCompletion()).To(Succeed())

		Expect(adapter.has(index.LayerKey(testTsid, testTl, layer.Name(), testGen))).To(BeTrue())
		Expect(adapter.has(index.ObjectKey(testTsid, testTl, testGen))).To(BeTrue())
		Expect(q.VisibleRemoteConsistentLsn()).To(Equal(cmn.NewLsn(0, 0x20)))
		Eventually(func() int { sink.mu.Lock(); defer sink.mu.Unlock(); return len(sink.calls) }).Should(BeNumerically(">=", 1))
	})
})

// S2: unlink-then-delete ordering — a layer removed via
// schedule_unlink_layers is not deleted from remote storage until
// explicitly handed to schedule_delete_of_unlinked, and the index upload
// reflecting its removal is scheduled immediately.
var _ = Describe("S2: unlink then delete ordering", func() {
	It("keeps the object present until the delete is scheduled", func() {
		q, adapter, _ := newTestQueue()
		Expect(q.InitializeEmpty(Metadata{})).To(Succeed())

		layer := newFakeLayer("000000000000000000000000000000-000000000000000000000000000002", "data", cmn.ShardIndex{})
		Expect(q.ScheduleLayerUpload(layer)).To(Succeed())
		Expect(q.WaitCompletion()).To(Succeed())
		key := index.LayerKey(testTsid, testTl, layer.Name(), testGen)
		Expect(adapter.has(key)).To(BeTrue())

		entries, err := q.ScheduleUnlinkLayers([]cmn.LayerFileName{layer.Name()})
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))

		// still present: unlinking only drops it from the logical set and
		// schedules the index update, it doesn't delete the object yet.
		Expect(adapter.has(key)).To(BeTrue())

		Expect(q.ScheduleDeleteOfUnlinked(entries)).To(Succeed())
		Expect(q.WaitCompletion()).To(Succeed())

		Expect(adapter.has(key)).To(BeFalse())
	})

	It("silently drops delete entries belonging to another shard", func() {
		q, adapter, _ := newTestQueue()
		Expect(q.InitializeEmpty(Metadata{})).To(Succeed())

		other := cmn.ShardIndex{Number: 1, Count: 4}
		foreign := []DeleteEntry{{Name: "foreign-layer", Metadata: index.LayerFileMetadata{CreatingShard: other}}}
		Expect(q.ScheduleDeleteOfUnlinked(foreign)).To(Succeed())

		Expect(q.WaitCompletion()).To(Succeed())
		Expect(adapter.deletes).To(BeEmpty())
	})
})

var _ = Describe("Barrier", func() {
	It("fires every outstanding barrier once the queue drains, including back-to-back barriers", func() {
		q, _, _ := newTestQueue()
		Expect(q.InitializeEmpty(Metadata{})).To(Succeed())

		layer := newFakeLayer("000000000000000000000000000000-000000000000000000000000000003", "x", cmn.ShardIndex{})
		Expect(q.ScheduleLayerUpload(layer)).To(Succeed())

		sig1, err := q.ScheduleBarrier()
		Expect(err).NotTo(HaveOccurred())
		sig2, err := q.ScheduleBarrier()
		Expect(err).NotTo(HaveOccurred())

		Expect(sig1.Wait()).To(Succeed())
		Expect(sig2.Wait()).To(Succeed())
	})

	It("reports QueueStopped to a barrier still queued when the queue is force-stopped", func() {
		q, _, _ := newTestQueue()
		Expect(q.InitializeEmpty(Metadata{})).To(Succeed())

		// Queue a barrier behind an op that never completes, so it can't
		// drain on its own; Stop() must still resolve its waiter.
		sig := newSignal()
		q.mu.Lock()
		q.queued = append(q.queued, &UploadOp{Kind: OpBarrier, Signal: sig})
		q.inprogress[999] = &UploadOp{Kind: OpUploadLayer, TaskID: 999}
		q.mu.Unlock()

		q.Stop()

		select {
		case <-sig.Done():
		case <-time.After(time.Second):
			Fail("barrier never fired on stop")
		}
		Expect(sig.Wait()).To(MatchError(ErrQueueStopped))
	})
})

var _ = Describe("Shutdown", func() {
	It("drains the queue and transitions to Stopped", func() {
		q, _, _ := newTestQueue()
		Expect(q.InitializeEmpty(Metadata{})).To(Succeed())

		layer := newFakeLayer("000000000000000000000000000000-000000000000000000000000000004", "y", cmn.ShardIndex{})
		Expect(q.ScheduleLayerUpload(layer)).To(Succeed())

		Expect(q.Shutdown()).To(Succeed())
		Expect(q.State()).To(Equal(StateStopped))
	})
})
