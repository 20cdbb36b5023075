package cmn

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	It("loads YAML overrides on top of the defaults", func() {
		dir, err := os.MkdirTemp("", "cmnconfig")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)

		path := filepath.Join(dir, "config.yaml")
		Expect(os.WriteFile(path, []byte("warmup_concurrency: 32\nremote_storage:\n  kind: s3\n  bucket: test-bucket\n"), 0o644)).To(Succeed())

		cfg, err := LoadConfig(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.WarmupConcurrency).To(Equal(32))
		Expect(cfg.RemoteStorage.Kind).To(Equal(RemoteS3))
		Expect(cfg.RemoteStorage.Bucket).To(Equal("test-bucket"))
		// fields the override omitted keep their defaults
		Expect(cfg.InitdbConcurrency).To(Equal(8))
	})

	It("fails on a missing config file", func() {
		_, err := LoadConfig("/nonexistent/path/config.yaml")
		Expect(err).To(HaveOccurred())
	})

	It("round trips through GCOSet/GCOGet", func() {
		original := GCOGet()
		defer GCOSet(original)

		custom := DefaultConfig()
		custom.WorkDir = "/tmp/custom-workdir"
		GCOSet(custom)
		Expect(GCOGet().WorkDir).To(Equal("/tmp/custom-workdir"))
	})
})
