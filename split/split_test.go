package split

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/pageserver/pageserver/cluster"
	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/index"
	"github.com/pageserver/pageserver/remote/backend/localfs"
	"github.com/pageserver/pageserver/tenant"
)

type fakeAdvisory struct{ flushed int }

func (f *fakeAdvisory) FlushAdvisory() { f.flushed++ }

type fakeDeletionSink struct{}

func (fakeDeletionSink) UpdateRemoteConsistentLsn(cmn.TenantShardId, cmn.TimelineId, cmn.Generation, cmn.Lsn, *atomic.Uint64) {
}

var _ = Describe("ChildShardIds", func() {
	It("rejects a count that isn't a multiple of the current one", func() {
		parent := cmn.NewTenantShardId(cmn.TenantId{}, 0, 3)
		_, err := ChildShardIds(parent, 5)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a multiple that isn't a power of two", func() {
		parent := cmn.NewTenantShardId(cmn.TenantId{}, 0, 1)
		_, err := ChildShardIds(parent, 3)
		Expect(err).To(HaveOccurred())
	})

	It("computes a strided split of an unsharded tenant into 2", func() {
		parent := cmn.UnshardedTenantShardId(cmn.TenantId{})
		ids, err := ChildShardIds(parent, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(Equal([]cmn.TenantShardId{
			cmn.NewTenantShardId(parent.TenantId, 0, 2),
			cmn.NewTenantShardId(parent.TenantId, 1, 2),
		}))
	})

	It("computes a strided split of shard 1 of 2 into 4", func() {
		parent := cmn.NewTenantShardId(cmn.TenantId{}, 1, 2)
		ids, err := ChildShardIds(parent, 4)
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(Equal([]cmn.TenantShardId{
			cmn.NewTenantShardId(parent.TenantId, 1, 4),
			cmn.NewTenantShardId(parent.TenantId, 3, 4),
		}))
	})
})

var _ = Describe("Prepare", func() {
	var (
		dir       string
		backend   *localfs.Backend
		cfg       *cmn.Config
		manager   *tenant.Manager
		tsid      cmn.TenantShardId
		parentGen cmn.Generation
		tlID      cmn.TimelineId
		l1, l2    cmn.LayerFileName
	)

	BeforeEach(func() {
		dir, _ = os.MkdirTemp("", "pageserver-split-*")
		backend = localfs.New(dir, "")
		cfg = cmn.DefaultConfig()
		cfg.WorkDir = filepath.Join(dir, "work")
		manager = tenant.NewManager(cluster.NewTenantsMap(), backend, fakeDeletionSink{}, cfg)

		tsid = cmn.NewTenantShardId(cmn.TenantId{}, 0, 1)
		parentGen = cmn.NewGeneration(5)
		tlID = cmn.TimelineId{1}
		l1, l2 = "L1", "L2"

		ip := index.NewEmpty(index.TimelineMetadata{PgVersion: 16})
		ip.LayerMetadata[l1] = index.LayerFileMetadata{FileSizeBytes: 64, CreatingGeneration: parentGen, CreatingShard: tsid.Shard}
		ip.LayerMetadata[l2] = index.LayerFileMetadata{FileSizeBytes: 64, CreatingGeneration: parentGen, CreatingShard: tsid.Shard}
		data, err := index.Marshal(ip)
		Expect(err).NotTo(HaveOccurred())
		key := index.ObjectKey(tsid, tlID, parentGen)
		Expect(backend.Put(context.Background(), key, bytes.NewReader(data), int64(len(data)), nil)).To(Succeed())
	})

	It("forks the parent's index part to every child and attaches them", func() {
		ctx := context.Background()
		parent, err := manager.Attach(ctx, tsid, parentGen, tenant.ModeNormal)
		Expect(err).NotTo(HaveOccurred())
		Expect(parent.State()).To(Equal(tenant.StateActive))

		children, err := ChildShardIds(tsid, 2)
		Expect(err).NotTo(HaveOccurred())
		childGen := cmn.NewGeneration(9)
		specs := []ChildSpec{{Tsid: children[0], Gen: childGen}, {Tsid: children[1], Gen: childGen}}

		advisory := &fakeAdvisory{}
		deps := Deps{Remote: backend, Deletion: advisory, Attach: manager, Config: cfg}
		Expect(Prepare(ctx, deps, parent, specs)).To(Succeed())
		Expect(advisory.flushed).To(Equal(1))

		for _, c := range specs {
			got, rerr := index.Resolve(ctx, backend, c.Tsid, tlID, c.Gen)
			Expect(rerr).NotTo(HaveOccurred())
			Expect(got.LayerMetadata).To(HaveLen(2))
			Expect(got.LayerMetadata[l1].CreatingShard).To(Equal(tsid.Shard))
			Expect(got.LayerMetadata[l2].CreatingShard).To(Equal(tsid.Shard))

			slot, perr := manager.Tenants.PeekSlot(c.Tsid, cluster.Read)
			Expect(perr).NotTo(HaveOccurred())
			Expect(slot.Kind).To(Equal(cluster.SlotAttached))
		}

		_, statErr := os.Stat(filepath.Join(cfg.WorkDir, tsid.String()))
		Expect(os.IsNotExist(statErr)).To(BeTrue())
	})

	It("refuses to split a timeline that is already being deleted", func() {
		ctx := context.Background()
		parent, err := manager.Attach(ctx, tsid, parentGen, tenant.ModeNormal)
		Expect(err).NotTo(HaveOccurred())

		ip := index.NewEmpty(index.TimelineMetadata{PgVersion: 16})
		deletedAt := time.Now().UTC()
		ip.DeletedAt = &deletedAt
		data, merr := index.Marshal(ip)
		Expect(merr).NotTo(HaveOccurred())
		key := index.ObjectKey(tsid, tlID, parentGen)
		Expect(backend.Put(ctx, key, bytes.NewReader(data), int64(len(data)), nil)).To(Succeed())

		children, err := ChildShardIds(tsid, 2)
		Expect(err).NotTo(HaveOccurred())
		specs := []ChildSpec{{Tsid: children[0], Gen: cmn.NewGeneration(9)}, {Tsid: children[1], Gen: cmn.NewGeneration(9)}}
		deps := Deps{Remote: backend, Deletion: &fakeAdvisory{}, Attach: manager, Config: cfg}
		Expect(Prepare(ctx, deps, parent, specs)).To(HaveOccurred())
	})
})
