package index

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/pageserver/pageserver/cmn"
)

var _ = Describe("IndexPart serialization", func() {
	sampleMetadata := TimelineMetadata{
		AncestorLsn:   cmn.NewLsn(0, 0),
		InitdbLsn:     cmn.NewLsn(0, 0x10),
		PgVersion:     16,
		LastRecordLsn: cmn.NewLsn(1, 0x40),
	}

	It("round trips an IndexPart with layers through Marshal/Unmarshal", func() {
		ip := NewEmpty(sampleMetadata)
		ip.DiskConsistentLsn = cmn.NewLsn(1, 0x40)
		ip.LayerMetadata["000000000000000000000000000000000000-FFFFFFFF"] = LayerFileMetadata{
			FileSizeBytes:      64,
			CreatingGeneration: cmn.NewGeneration(7),
			CreatingShard:      cmn.ShardIndex{Number: 0, Count: 4},
		}

		data, err := Marshal(ip)
		Expect(err).NotTo(HaveOccurred())

		got, err := Unmarshal(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Version).To(Equal(CurrentVersion))
		Expect(got.DiskConsistentLsn).To(Equal(ip.DiskConsistentLsn))
		Expect(got.Metadata).To(Equal(ip.Metadata))
		Expect(got.LayerMetadata).To(Equal(ip.LayerMetadata))
		Expect(got.IsDeleted()).To(BeFalse())
	})

	It("round trips deleted_at with ISO-8601-no-TZ precision", func() {
		ip := NewEmpty(sampleMetadata)
		deletedAt := time.Date(2024, 3, 5, 12, 30, 0, 123000000, time.UTC)
		ip.DeletedAt = &deletedAt

		data, err := Marshal(ip)
		Expect(err).NotTo(HaveOccurred())

		got, err := Unmarshal(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.IsDeleted()).To(BeTrue())
		Expect(got.DeletedAt.Equal(deletedAt)).To(BeTrue())
	})

	It("accepts an empty IndexPart with no layers", func() {
		ip := NewEmpty(sampleMetadata)
		data, err := Marshal(ip)
		Expect(err).NotTo(HaveOccurred())

		got, err := Unmarshal(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.LayerMetadata).To(BeEmpty())
	})

	It("ignores unknown fields and defaults missing optional ones", func() {
		blob, err := encodeMetadataBytes(sampleMetadata)
		Expect(err).NotTo(HaveOccurred())
		w := wire{
			Version:           4,
			LayerMetadata:     map[string]layerFileMetadataWire{},
			DiskConsistentLsn: "0/10",
			MetadataBytes:     blob,
		}
		raw, err := json.Marshal(&w)
		Expect(err).NotTo(HaveOccurred())
		raw = append([]byte(`{"unknown_future_field":1,`), raw[1:]...)

		got, err := Unmarshal(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.DeletedAt).To(BeNil())
		Expect(got.DiskConsistentLsn).To(Equal(cmn.NewLsn(0, 0x10)))
	})

	It("defaults version when absent from the wire payload", func() {
		blob, err := encodeMetadataBytes(sampleMetadata)
		Expect(err).NotTo(HaveOccurred())
		w := wire{LayerMetadata: map[string]layerFileMetadataWire{}, MetadataBytes: blob}
		raw, err := json.Marshal(&w)
		Expect(err).NotTo(HaveOccurred())

		got, err := Unmarshal(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Version).To(Equal(CurrentVersion))
	})

	It("rejects metadata_bytes with a checksum mismatch", func() {
		blob, err := encodeMetadataBytes(sampleMetadata)
		Expect(err).NotTo(HaveOccurred())
		blob[len(blob)-1] ^= 0xFF
		w := wire{LayerMetadata: map[string]layerFileMetadataWire{}, MetadataBytes: blob}
		raw, err := json.Marshal(&w)
		Expect(err).NotTo(HaveOccurred())

		_, err = Unmarshal(raw)
		Expect(err).To(HaveOccurred())
	})

	It("clones without aliasing the source's maps or deleted_at pointer", func() {
		ip := NewEmpty(sampleMetadata)
		ip.LayerMetadata["L1"] = LayerFileMetadata{FileSizeBytes: 1}
		deletedAt := time.Now()
		ip.DeletedAt = &deletedAt

		clone := ip.Clone()
		clone.LayerMetadata["L2"] = LayerFileMetadata{FileSizeBytes: 2}
		*clone.DeletedAt = deletedAt.Add(time.Hour)

		Expect(ip.LayerMetadata).NotTo(HaveKey("L2"))
		Expect(*ip.DeletedAt).To(Equal(deletedAt))
	})
})
