package harness_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/flanksource/postgres-backups/pkg/config"
	"github.com/flanksource/postgres-backups/pkg/docker"
	"github.com/flanksource/postgres-backups/pkg/harness"
)

var _ = Describe("Lifecycle", func() {
	var (
		ctx   context.Context
		f     *fixture
		image *docker.ImageRef
	)

	BeforeEach(func() {
		ctx = context.Background()
		f = newFixture()
		var err error
		image, err = f.h.Images.Resolve(ctx, "14")
		Expect(err).NotTo(HaveOccurred())
	})

	It("starts detached with the default configuration", func() {
		cfg := f.h.Lifecycle.DefaultRunConfig(image)
		Expect(cfg.Name).To(Equal("test_postgres_14"))
		Expect(cfg.Detach).To(BeTrue())
		Expect(cfg.Ports).To(Equal(map[string]int{"5432/tcp": 5432}))
		Expect(cfg.Env).To(Equal(map[string]string{
			"POSTGRES_USER":     "user",
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "app",
			"POSTGRES_HOST":     "localhost",
			"POSTGRES_PORT":     "5432",
		}))
		Expect(cfg.Mounts).To(Equal([]docker.Mount{{HostPath: "/repo/tests", ContainerPath: "/backups", Mode: "rw"}}))

		ctr, err := f.h.Lifecycle.Start(ctx, image, harness.RunOverrides{})
		Expect(err).NotTo(HaveOccurred())
		Expect(ctr.Name).To(Equal("test_postgres_14"))
		Expect(ctr.HostPort(docker.ContainerPort)).To(Equal(5432))
		Expect(f.runtime.Calls("Exec")).To(BeZero(), "start does not wait for readiness")
	})

	It("replaces the whole environment when overridden", func() {
		ctr, err := f.h.Lifecycle.Start(ctx, image, harness.RunOverrides{
			Env: map[string]string{"POSTGRES_READ_ONLY_USER": "readuser"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(ctr.Env).To(Equal(map[string]string{"POSTGRES_READ_ONLY_USER": "readuser"}))
		Expect(ctr.Mounts).To(HaveLen(1), "fields that are not overridden keep their defaults")
	})

	It("overrides name, ports and mounts independently", func() {
		detach := true
		ctr, err := f.h.Lifecycle.Start(ctx, image, harness.RunOverrides{
			Name:   "test_postgres_14_custom",
			Detach: &detach,
			Ports:  map[string]int{"5432/tcp": 15432},
			Mounts: []docker.Mount{},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(ctr.Name).To(Equal("test_postgres_14_custom"))
		Expect(ctr.HostPort("5432/tcp")).To(Equal(15432))
		Expect(ctr.Mounts).To(BeEmpty())
		Expect(ctr.Env).To(HaveLen(5))
	})

	It("lets the daemon pick the host port for isolated runs", func() {
		isolated := newFixture(func(c *config.Config) { c.Isolate = true })
		img, err := isolated.h.Images.Resolve(ctx, "14")
		Expect(err).NotTo(HaveOccurred())
		Expect(img.Repository()).To(Equal(isolated.h.Registry.ImageTag("14")))
		Expect(isolated.h.Lifecycle.DefaultRunConfig(img).Ports).To(Equal(map[string]int{"5432/tcp": 0}))
	})

	It("tolerates removing a container that is already gone", func() {
		ctr, err := f.h.Lifecycle.Start(ctx, image, harness.RunOverrides{})
		Expect(err).NotTo(HaveOccurred())

		Expect(f.h.Lifecycle.StopAndRemove(ctx, ctr)).To(Succeed())
		Expect(f.runtime.Containers()).To(BeEmpty())
		Expect(f.h.Lifecycle.StopAndRemove(ctx, ctr)).To(Succeed())
		Expect(f.h.Lifecycle.StopAndRemove(ctx, nil)).To(Succeed())
	})

	It("refuses a second container with the same name", func() {
		_, err := f.h.Lifecycle.Start(ctx, image, harness.RunOverrides{})
		Expect(err).NotTo(HaveOccurred())
		_, err = f.h.Lifecycle.Start(ctx, image, harness.RunOverrides{})
		Expect(err).To(MatchError(ContainSubstring("already in use")))
	})
})
