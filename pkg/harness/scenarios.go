package harness

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

const (
	ScenarioBackup         = "backup"
	ScenarioBackups        = "backups"
	ScenarioRestore        = "restore"
	ScenarioCreateReadUser = "createreaduser"
)

// Psql builds psql invocations for one role.
type Psql struct {
	User     string
	Database string
}

func (p Psql) Cmd(sql string) []string {
	return []string{"psql", "-U", p.User, "-d", p.Database, "-c", sql}
}

// ScenarioConfig carries what the scenarios need to know about the image.
type ScenarioConfig struct {
	Owner    Psql
	ReadOnly Psql
	// ReadOnlyPassword is handed to createreaduser via the environment.
	ReadOnlyPassword string
	// Env is the default container environment; createreaduser extends a copy.
	Env map[string]string
	// Row is inserted before the backup and expected back after restore.
	Row string
}

// backupStep runs backup and captures the file name it printed.
func backupStep() Step {
	return Step{
		Name:      "backup",
		Cmd:       []string{"backup"},
		Expect:    ExitZero,
		Capture:   BackupPattern,
		CaptureAs: "backup",
		Unique:    true,
	}
}

func createCompanies(p Psql) Step {
	return Step{Name: "create table", Cmd: p.Cmd("CREATE TABLE companies (name text);"), Expect: ExitZero}
}

func insertCompany(p Psql, row string, expect Expectation) Step {
	return Step{Name: "insert row", Cmd: p.Cmd(fmt.Sprintf("INSERT INTO companies VALUES ('%s');", quote(row))), Expect: expect}
}

func selectCompanies(p Psql, expect Expectation, contains ...string) Step {
	return Step{Name: "select", Cmd: p.Cmd("SELECT * FROM companies;"), Expect: expect, Contains: contains}
}

func (s Step) named(name string) Step {
	s.Name = name
	return s
}

func quote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// BackupScenario checks that backup succeeds and prints one file name.
func BackupScenario(ScenarioConfig) Scenario {
	return Scenario{
		Name:        ScenarioBackup,
		Description: "backup creates a backup file",
		Steps:       []Step{backupStep()},
	}
}

// BackupsScenario checks that backups lists the file backup just wrote.
func BackupsScenario(ScenarioConfig) Scenario {
	return Scenario{
		Name:        ScenarioBackups,
		Description: "backups lists the backup files",
		Steps: []Step{
			backupStep(),
			{Name: "list backups", Cmd: []string{"backups"}, Expect: ExitZero, Contains: []string{"${backup}"}},
		},
	}
}

// RestoreScenario round-trips a row through backup, drop and restore.
func RestoreScenario(c ScenarioConfig) Scenario {
	return Scenario{
		Name:        ScenarioRestore,
		Description: "restore brings back the state captured by backup",
		Steps: []Step{
			createCompanies(c.Owner),
			insertCompany(c.Owner, c.Row, ExitZero),
			backupStep(),
			{Name: "drop table", Cmd: c.Owner.Cmd("DROP TABLE companies;"), Expect: ExitAny},
			selectCompanies(c.Owner, ExitNonZero).named("select after drop"),
			{Name: "restore", Cmd: []string{"restore", "${backup}"}, Expect: ExitZero},
			selectCompanies(c.Owner, ExitZero, c.Row).named("select after restore"),
		},
	}
}

// ReadOnlyUserScenario checks that createreaduser grants SELECT and nothing else.
func ReadOnlyUserScenario(c ScenarioConfig) Scenario {
	env := lo.Assign(c.Env, map[string]string{
		"POSTGRES_READ_ONLY_USER":     c.ReadOnly.User,
		"POSTGRES_READ_ONLY_PASSWORD": c.ReadOnlyPassword,
	})
	return Scenario{
		Name:        ScenarioCreateReadUser,
		Description: "createreaduser creates a role that can read but not write",
		Overrides:   RunOverrides{Env: env},
		Steps: []Step{
			createCompanies(c.Owner),
			{Name: "createreaduser", Cmd: []string{"createreaduser"}, Expect: ExitZero},
			selectCompanies(c.ReadOnly, ExitZero).named("read-only select"),
			{Name: "read-only create table", Cmd: c.ReadOnly.Cmd("CREATE TABLE employees (name text);"), Expect: ExitNonZero},
			insertCompany(c.ReadOnly, c.Row, ExitNonZero).named("read-only insert"),
		},
	}
}

// Scenarios returns all scenarios in a fixed order.
func Scenarios(c ScenarioConfig) []Scenario {
	return []Scenario{
		BackupScenario(c),
		BackupsScenario(c),
		RestoreScenario(c),
		ReadOnlyUserScenario(c),
	}
}

// SelectScenarios filters by name, keeping the order of all. No names selects everything.
func SelectScenarios(all []Scenario, names ...string) ([]Scenario, error) {
	if len(names) == 0 {
		return all, nil
	}
	known := lo.Map(all, func(s Scenario, _ int) string { return s.Name })
	if unknown := lo.Without(names, known...); len(unknown) > 0 {
		return nil, fmt.Errorf("unknown scenario(s) %s, expected one of %s", strings.Join(unknown, ", "), strings.Join(known, ", "))
	}
	return lo.Filter(all, func(s Scenario, _ int) bool {
		return lo.Contains(names, s.Name)
	}), nil
}
