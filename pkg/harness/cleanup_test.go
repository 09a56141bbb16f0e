package harness_test

import (
	"context"
	"errors"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/afero"

	"github.com/flanksource/postgres-backups/pkg/docker"
	"github.com/flanksource/postgres-backups/pkg/docker/fake"
	"github.com/flanksource/postgres-backups/pkg/harness"
)

// stubbornRuntime refuses to remove one container.
type stubbornRuntime struct {
	*fake.Runtime
	keep string
}

func (r *stubbornRuntime) Remove(ctx context.Context, id string) error {
	if id == r.keep {
		return errors.New("removal of container in progress")
	}
	return r.Runtime.Remove(ctx, id)
}

// ghostRuntime lists a container that is gone by the time it is removed.
type ghostRuntime struct {
	*fake.Runtime
}

func (r *ghostRuntime) ListContainers(ctx context.Context, all bool) ([]docker.ContainerSummary, error) {
	containers, err := r.Runtime.ListContainers(ctx, all)
	return append(containers, docker.ContainerSummary{ID: "ctr-gone", Name: "test_postgres_12", State: "running"}), err
}

var _ = Describe("Cleanup", func() {
	var (
		ctx       context.Context
		fs        afero.Fs
		runtime   *fake.Runtime
		artifacts *harness.Artifacts
		cleanup   *harness.Cleanup
	)

	const dir = "/repo/tests"

	write := func(names ...string) {
		for _, name := range names {
			Expect(afero.WriteFile(fs, filepath.Join(dir, name), []byte("dump"), 0o644)).To(Succeed())
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		fs = afero.NewMemMapFs()
		runtime = fake.New()
		artifacts = harness.NewArtifacts(fs, dir)
		cleanup = harness.NewCleanup(runtime, harness.NewRegistry("", false), artifacts)
	})

	It("removes every harness container and backup artifact after a test", func() {
		image := runtime.AddImage("test_postgres_14")
		runtime.AddContainer("test_postgres_14", image, "running")
		runtime.AddContainer("test_postgres_13", image, "exited")
		runtime.AddContainer("unrelated", image, "running")
		write("backup_2024_03_01T12_30_00.sql.gz", "backup_2024_03_01T12_30_01.sql.gz", "README.md")

		result, err := cleanup.AfterTest(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Containers).To(ConsistOf("test_postgres_14", "test_postgres_13"))
		Expect(result.Artifacts).To(HaveLen(2))
		Expect(result.String()).To(Equal("2 artifact(s), 2 container(s), 0 image tag(s)"))

		Expect(runtime.Containers()).To(HaveLen(1))
		Expect(runtime.Containers()[0].Name).To(Equal("unrelated"))
		Expect(artifacts.List()).To(BeEmpty())
		Expect(afero.Exists(fs, filepath.Join(dir, "README.md"))).To(BeTrue())
		Expect(runtime.Calls("Stop")).To(Equal(1), "only running containers are stopped")
	})

	It("is a no-op when nothing is left behind", func() {
		result, err := cleanup.AfterTest(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Containers).To(BeEmpty())
		Expect(result.Artifacts).To(BeEmpty())
	})

	It("force-removes harness images after the suite", func() {
		image := runtime.AddImage("test_postgres_14")
		runtime.AddImage("test_postgres_13")
		runtime.AddImage("postgres:14")
		runtime.AddContainer("still_using_it", image, "running")

		result, err := cleanup.AfterSuite(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Images).To(ConsistOf("test_postgres_14:latest", "test_postgres_13:latest"))

		remaining := runtime.Images()
		Expect(remaining).To(HaveLen(1))
		Expect(remaining[0].Tags).To(Equal([]string{"postgres:14"}))
	})

	It("keeps sweeping past a failure and reports it", func() {
		image := runtime.AddImage("test_postgres_14")
		stuck := runtime.AddContainer("test_postgres_14", image, "running")
		runtime.AddContainer("test_postgres_13", image, "running")
		cleanup = harness.NewCleanup(&stubbornRuntime{Runtime: runtime, keep: stuck}, harness.NewRegistry("", false), artifacts)
		write("backup_2024_03_01T12_30_00.sql.gz")

		result, err := cleanup.AfterTest(ctx)
		Expect(err).To(MatchError(ContainSubstring("removal of container in progress")))
		Expect(result.Containers).To(Equal([]string{"test_postgres_13"}))
		Expect(result.Artifacts).To(HaveLen(1))
	})

	It("collects artifact failures without skipping containers", func() {
		write("backup_2024_03_01T12_30_00.sql.gz")
		image := runtime.AddImage("test_postgres_14")
		runtime.AddContainer("test_postgres_14", image, "exited")
		cleanup = harness.NewCleanup(runtime, harness.NewRegistry("", false), harness.NewArtifacts(afero.NewReadOnlyFs(fs), dir))

		result, err := cleanup.AfterTest(ctx)
		Expect(err).To(MatchError(ContainSubstring("failed to remove")))
		Expect(result.Containers).To(Equal([]string{"test_postgres_14"}))
	})

	It("only sweeps its own run when isolated", func() {
		isolated := harness.NewRegistry("", true)
		image := runtime.AddImage(isolated.ImageTag("14"))
		runtime.AddImage("test_postgres_14")
		runtime.AddContainer(isolated.ImageTag("14"), image, "running")
		runtime.AddContainer("test_postgres_14", image, "running")

		cleanup = harness.NewCleanup(runtime, isolated, artifacts)
		result, err := cleanup.All(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Containers).To(Equal([]string{isolated.ImageTag("14")}))
		Expect(result.Images).To(Equal([]string{isolated.ImageTag("14") + ":latest"}))
		Expect(runtime.Containers()).To(HaveLen(1))
		Expect(runtime.Images()).To(HaveLen(1))
	})

	It("tolerates containers that disappear mid-sweep", func() {
		cleanup = harness.NewCleanup(&ghostRuntime{Runtime: runtime}, harness.NewRegistry("", false), artifacts)

		result, err := cleanup.AfterTest(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Containers).To(BeEmpty())
		Expect(runtime.Calls("Remove")).To(Equal(1))
	})
})
