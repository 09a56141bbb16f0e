package test

import (
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/flanksource/postgres-backups/pkg/harness"
)

var _ = Describe("PostgreSQL backup image", Label("integration"), Serial, func() {
	for _, version := range versions() {
		version := version

		Context(fmt.Sprintf("PostgreSQL %s", version), Ordered, func() {
			BeforeAll(func(ctx SpecContext) {
				By("Resolving the image")
				_, err := h.Images.Resolve(ctx, version)
				Expect(err).NotTo(HaveOccurred())
			}, NodeTimeout(20*time.Minute))

			for _, name := range []string{
				harness.ScenarioBackup,
				harness.ScenarioBackups,
				harness.ScenarioRestore,
				harness.ScenarioCreateReadUser,
			} {
				name := name

				It(name, func(ctx SpecContext) {
					selected, err := harness.SelectScenarios(h.Scenarios(), name)
					Expect(err).NotTo(HaveOccurred())

					report, err := h.RunScenario(ctx, version, selected[0])
					if !report.Ready {
						logger.Warnf("%s did not report ready", report.Container)
					}
					for _, step := range report.Steps {
						logger.Debugf("[%s] %s exited %d\n%s", name, step.Name, step.ExitCode, step.Output)
					}
					if err != nil && report.Logs != "" {
						AddReportEntry("container logs", report.Logs)
					}
					Expect(err).NotTo(HaveOccurred())
				}, NodeTimeout(5*time.Minute))
			}
		})
	}
})
