package harness_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/afero"

	"github.com/flanksource/postgres-backups/pkg/harness"
)

var _ = Describe("Artifacts", func() {
	DescribeTable("recognising backup files",
		func(name string, expected bool) {
			Expect(harness.IsBackupArtifact(name)).To(Equal(expected))
		},
		Entry("backup file", "backup_2024_03_01T12_30_00.sql.gz", true),
		Entry("backup file with directory", "/repo/tests/nested/backup_2024_03_01T12_30_00.sql.gz", true),
		Entry("partial dump", "backup_2024_03_01T12_30_00.sql.gz.tmp", true),
		Entry("renamed copy", "backup_2024_03_01T12_30_00.sql.gz.bak", true),
		Entry("prefixed", "old_backup_2024_03_01T12_30_00.sql.gz", false),
		Entry("short year", "backup_24_03_01T12_30_00.sql.gz", false),
		Entry("uncompressed", "backup_2024_03_01T12_30_00.sql", false),
		Entry("test source", "test_postgres.py", false),
	)

	It("sweeps backup files recursively and leaves everything else", func() {
		fs := afero.NewMemMapFs()
		dir := "/repo/tests"
		keep := []string{
			filepath.Join(dir, "test_postgres.py"),
			filepath.Join(dir, "backup_notes.txt"),
		}
		drop := []string{
			filepath.Join(dir, "backup_2024_03_01T12_30_00.sql.gz"),
			filepath.Join(dir, "nested", "backup_2024_03_01T12_30_01.sql.gz"),
		}
		for _, path := range append(keep, drop...) {
			Expect(afero.WriteFile(fs, path, []byte("x"), 0o644)).To(Succeed())
		}

		artifacts := harness.NewArtifacts(fs, dir)
		removed, err := artifacts.Sweep()
		Expect(err).NotTo(HaveOccurred())
		Expect(removed).To(ConsistOf(drop))

		for _, path := range keep {
			Expect(afero.Exists(fs, path)).To(BeTrue(), path)
		}
		for _, path := range drop {
			Expect(afero.Exists(fs, path)).To(BeFalse(), path)
		}

		remaining, err := artifacts.List()
		Expect(err).NotTo(HaveOccurred())
		Expect(remaining).To(BeEmpty())
	})

	It("treats a missing directory as empty", func() {
		removed, err := harness.NewArtifacts(afero.NewMemMapFs(), "/does/not/exist").Sweep()
		Expect(err).NotTo(HaveOccurred())
		Expect(removed).To(BeEmpty())
	})

	It("keeps sweeping when a file cannot be removed", func() {
		base := afero.NewMemMapFs()
		path := "/repo/tests/backup_2024_03_01T12_30_00.sql.gz"
		Expect(afero.WriteFile(base, path, []byte("x"), 0o644)).To(Succeed())

		_, err := harness.NewArtifacts(afero.NewReadOnlyFs(base), "/repo/tests").Sweep()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring(path))
	})

	It("sweeps past a directory it cannot read", func() {
		base := afero.NewMemMapFs()
		locked := "/repo/tests/a/backup_2024_03_01T12_30_00.sql.gz"
		readable := "/repo/tests/z/backup_2024_03_01T12_30_01.sql.gz"
		top := "/repo/tests/backup_2024_03_01T12_30_02.sql.gz"
		for _, path := range []string{locked, readable, top} {
			Expect(afero.WriteFile(base, path, []byte("x"), 0o644)).To(Succeed())
		}

		removed, err := harness.NewArtifacts(lockedDirFs{Fs: base, dir: "/repo/tests/a"}, "/repo/tests").Sweep()
		Expect(err).To(MatchError(ContainSubstring("/repo/tests/a")))
		Expect(err).To(MatchError(ContainSubstring("permission denied")))
		Expect(removed).To(ConsistOf(readable, top))

		Expect(afero.Exists(base, readable)).To(BeFalse())
		Expect(afero.Exists(base, top)).To(BeFalse())
		Expect(afero.Exists(base, locked)).To(BeTrue())
	})
})

// lockedDirFs refuses to open one directory, like a root-owned 0700 dir
// left behind by a container.
type lockedDirFs struct {
	afero.Fs
	dir string
}

func (l lockedDirFs) Open(name string) (afero.File, error) {
	if filepath.Clean(name) == l.dir {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return l.Fs.Open(name)
}
