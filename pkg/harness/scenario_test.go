package harness_test

import (
	"context"
	"errors"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/flanksource/postgres-backups/pkg/docker"
	"github.com/flanksource/postgres-backups/pkg/docker/fake"
	"github.com/flanksource/postgres-backups/pkg/harness"
)

var _ = Describe("Runner", func() {
	var (
		ctx     context.Context
		runtime *fake.Runtime
		ctr     *docker.ContainerHandle
		runner  *harness.Runner
	)

	BeforeEach(func() {
		ctx = context.Background()
		runtime = fake.New()
		runtime.AddImage("test_postgres_14")
		var err error
		ctr, err = runtime.Run(ctx, "test_postgres_14", docker.RunConfig{Name: "test_postgres_14", Detach: true})
		Expect(err).NotTo(HaveOccurred())
		runner = harness.NewRunner(runtime)

		// echo prints its arguments; fail exits with the code given as its argument.
		runtime.WhenExecuting("echo", func(_ *docker.ContainerHandle, cmd []string) (docker.CommandResult, error) {
			return docker.CommandResult{Output: []byte(strings.Join(cmd[1:], " ") + "\n")}, nil
		})
		runtime.WhenExecuting("fail", func(_ *docker.ContainerHandle, cmd []string) (docker.CommandResult, error) {
			return docker.CommandResult{ExitCode: 1, Output: []byte("ERROR: failed\n")}, nil
		})
	})

	It("runs steps in order and threads captures into later steps", func() {
		sc := harness.Scenario{Name: "capture", Steps: []harness.Step{
			{Name: "produce", Cmd: []string{"echo", "saved backup_2024_03_01T12_30_00.sql.gz"}, Capture: harness.BackupPattern, CaptureAs: "backup"},
			{Name: "consume", Cmd: []string{"echo", "restoring ${backup}"}, Contains: []string{"restoring ${backup}"}},
			{Name: "literal", Cmd: []string{"echo", "$HOME ${unknown}"}, Contains: []string{"$HOME ${unknown}"}},
		}}

		report, err := runner.Run(ctx, ctr, sc)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Vars).To(HaveKeyWithValue("backup", "backup_2024_03_01T12_30_00.sql.gz"))
		Expect(report.Steps).To(HaveLen(3))
		Expect(report.Steps[1].Cmd).To(Equal([]string{"echo", "restoring backup_2024_03_01T12_30_00.sql.gz"}))
		Expect(runtime.Execs).To(HaveLen(3))
	})

	It("stops at the first failed expectation", func() {
		sc := harness.Scenario{Name: "abort", Steps: []harness.Step{
			{Name: "ok", Cmd: []string{"echo", "one"}},
			{Name: "breaks", Cmd: []string{"fail"}},
			{Name: "never", Cmd: []string{"echo", "three"}},
		}}

		report, err := runner.Run(ctx, ctr, sc)
		var assertion *harness.AssertionError
		Expect(errors.As(err, &assertion)).To(BeTrue())
		Expect(assertion.Index).To(Equal(1))
		Expect(assertion.Step).To(Equal("breaks"))
		Expect(assertion.Reason).To(ContainSubstring("expected exit 0, got exit 1"))
		Expect(assertion.Error()).To(ContainSubstring("ERROR: failed"))

		Expect(report.Steps).To(HaveLen(2))
		Expect(report.Steps[1].Passed).To(BeFalse())
		Expect(runtime.Execs).To(HaveLen(2))
	})

	DescribeTable("checking a step",
		func(step harness.Step, reason string) {
			_, err := runner.Run(ctx, ctr, harness.Scenario{Name: "single", Steps: []harness.Step{step}})
			if reason == "" {
				Expect(err).NotTo(HaveOccurred())
				return
			}
			var assertion *harness.AssertionError
			Expect(errors.As(err, &assertion)).To(BeTrue())
			Expect(assertion.Reason).To(ContainSubstring(reason))
		},
		Entry("non-zero expected and seen", harness.Step{Cmd: []string{"fail"}, Expect: harness.ExitNonZero}, ""),
		Entry("non-zero expected, zero seen", harness.Step{Cmd: []string{"echo"}, Expect: harness.ExitNonZero}, "expected exit != 0"),
		Entry("any exit", harness.Step{Cmd: []string{"fail"}, Expect: harness.ExitAny}, ""),
		Entry("missing substring", harness.Step{Cmd: []string{"echo", "hello"}, Contains: []string{"dekalabs"}}, `does not contain "dekalabs"`),
		Entry("no match", harness.Step{Cmd: []string{"echo", "done"}, Capture: harness.BackupPattern}, "does not match"),
		Entry("two distinct matches",
			harness.Step{Cmd: []string{"echo", "backup_2024_03_01T12_30_00.sql.gz backup_2024_03_01T12_30_01.sql.gz"}, Capture: harness.BackupPattern, Unique: true},
			"expected one match"),
		Entry("same match twice",
			harness.Step{Cmd: []string{"echo", "backup_2024_03_01T12_30_00.sql.gz /backups/backup_2024_03_01T12_30_00.sql.gz"}, Capture: harness.BackupPattern, Unique: true},
			""),
		Entry("capture group", harness.Step{Cmd: []string{"echo", "user=readuser"}, Capture: regexp.MustCompile(`user=(\w+)`), CaptureAs: "user", Contains: []string{"${user}"}}, ""),
	)

	It("wraps control API errors with the failing step", func() {
		Expect(runtime.Stop(ctx, ctr.ID)).To(Succeed())
		report, err := runner.Run(ctx, ctr, harness.Scenario{Name: "stopped", Steps: []harness.Step{{Name: "echo", Cmd: []string{"echo"}}}})
		Expect(err).To(MatchError(ContainSubstring("stopped: step 1 (echo)")))
		var assertion *harness.AssertionError
		Expect(errors.As(err, &assertion)).To(BeFalse())
		Expect(report.Steps).To(HaveLen(1))
	})

	It("runs verification after the last step", func() {
		var vars map[string]string
		sc := harness.Scenario{
			Name:  "verify",
			Steps: []harness.Step{{Cmd: []string{"echo", "backup_2024_03_01T12_30_00.sql.gz"}, Capture: harness.BackupPattern, CaptureAs: "backup"}},
			Verify: func(_ context.Context, _ *docker.ContainerHandle, v map[string]string) error {
				vars = v
				return errors.New("row missing")
			},
		}
		_, err := runner.Run(ctx, ctr, sc)
		Expect(err).To(MatchError(ContainSubstring("verification failed: row missing")))
		Expect(vars).To(HaveKey("backup"))
	})
})

var _ = Describe("Scenarios", func() {
	cfg := harness.ScenarioConfig{
		Owner:            harness.Psql{User: "user", Database: "app"},
		ReadOnly:         harness.Psql{User: "readuser", Database: "app"},
		ReadOnlyPassword: "readpassword",
		Env:              map[string]string{"POSTGRES_USER": "user"},
		Row:              "dekalabs",
	}

	It("builds psql invocations", func() {
		Expect(cfg.Owner.Cmd("SELECT * FROM companies;")).To(Equal(
			[]string{"psql", "-U", "user", "-d", "app", "-c", "SELECT * FROM companies;"}))
	})

	It("defines the four scenarios in order", func() {
		names := []string{}
		for _, sc := range harness.Scenarios(cfg) {
			names = append(names, sc.Name)
		}
		Expect(names).To(Equal([]string{"backup", "backups", "restore", "createreaduser"}))
	})

	It("extends a copy of the environment for the read-only user", func() {
		sc := harness.ReadOnlyUserScenario(cfg)
		Expect(sc.Overrides.Env).To(Equal(map[string]string{
			"POSTGRES_USER":               "user",
			"POSTGRES_READ_ONLY_USER":     "readuser",
			"POSTGRES_READ_ONLY_PASSWORD": "readpassword",
		}))
		Expect(cfg.Env).To(HaveLen(1))
	})

	It("quotes the inserted row", func() {
		sc := harness.RestoreScenario(harness.ScenarioConfig{Owner: cfg.Owner, Row: "o'reilly"})
		Expect(sc.Steps[1].Cmd[6]).To(Equal("INSERT INTO companies VALUES ('o''reilly');"))
	})

	It("selects scenarios by name", func() {
		all := harness.Scenarios(cfg)
		selected, err := harness.SelectScenarios(all, "restore", "backup")
		Expect(err).NotTo(HaveOccurred())
		Expect(selected).To(HaveLen(2))
		Expect(selected[0].Name).To(Equal("backup"))

		_, err = harness.SelectScenarios(all, "vacuum")
		Expect(err).To(MatchError(ContainSubstring("unknown scenario(s) vacuum")))

		Expect(harness.SelectScenarios(all)).To(HaveLen(4))
	})
})
