package harness

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/flanksource/commons/logger"
	"github.com/samber/lo"

	"github.com/flanksource/postgres-backups/pkg/docker"
)

type Expectation int

const (
	ExitZero Expectation = iota
	ExitNonZero
	// ExitAny records the result without asserting on it.
	ExitAny
)

func (e Expectation) String() string {
	switch e {
	case ExitZero:
		return "exit 0"
	case ExitNonZero:
		return "exit != 0"
	default:
		return "any exit"
	}
}

func (e Expectation) Matches(code int) bool {
	switch e {
	case ExitZero:
		return code == 0
	case ExitNonZero:
		return code != 0
	default:
		return true
	}
}

// Step is one command executed in the scenario container.
type Step struct {
	Name string
	// Cmd may reference captured values as ${name}.
	Cmd    []string
	Expect Expectation
	// Capture must match the output. The first match, or its last group when
	// the pattern has groups, is stored under CaptureAs for later steps.
	Capture   *regexp.Regexp
	CaptureAs string
	// Unique requires Capture to match exactly one distinct value.
	Unique bool
	// Contains lists substrings, which may reference captures, that the
	// output must contain.
	Contains []string
}

// VerifyFunc runs after every step passed, e.g. to check state from the host.
type VerifyFunc func(ctx context.Context, ctr *docker.ContainerHandle, vars map[string]string) error

// Scenario is an ordered command sequence run against a fresh container.
type Scenario struct {
	Name        string
	Description string
	Overrides   RunOverrides
	Steps       []Step
	Verify      VerifyFunc
}

type StepResult struct {
	Name     string        `json:"name"`
	Cmd      []string      `json:"cmd"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
	Passed   bool          `json:"passed"`
}

// AssertionError is the first expectation a scenario failed. Later steps did not run.
type AssertionError struct {
	Scenario string
	Step     string
	Index    int
	Result   docker.CommandResult
	Reason   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: step %d (%s): %s\n%s", e.Scenario, e.Index+1, e.Step, e.Reason, strings.TrimSpace(e.Result.String()))
}

// Report is the outcome of one scenario against one version.
type Report struct {
	Scenario  string            `json:"scenario"`
	Version   string            `json:"version"`
	Image     string            `json:"image,omitempty"`
	Container string            `json:"container,omitempty"`
	Ready     bool              `json:"ready"`
	Steps     []StepResult      `json:"steps"`
	Vars      map[string]string `json:"vars,omitempty"`
	Logs      string            `json:"logs,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
}

func (r *Report) Passed() bool {
	return r.Error == ""
}

// Runner executes scenario steps strictly in order and stops at the first
// failed expectation.
type Runner struct {
	runtime docker.Runtime
}

func NewRunner(runtime docker.Runtime) *Runner {
	return &Runner{runtime: runtime}
}

// Run returns the report of every executed step. A failed expectation is
// returned as *AssertionError; control API failures are wrapped with the step.
func (r *Runner) Run(ctx context.Context, ctr *docker.ContainerHandle, sc Scenario) (*Report, error) {
	report := &Report{Scenario: sc.Name, Container: ctr.Name, Vars: map[string]string{}}

	for i, step := range sc.Steps {
		cmd := lo.Map(step.Cmd, func(arg string, _ int) string {
			return expand(arg, report.Vars)
		})

		logger.Debugf("[%s] %s: %s", sc.Name, step.Name, strings.Join(cmd, " "))
		start := time.Now()
		res, err := r.runtime.Exec(ctx, ctr.ID, cmd...)
		result := StepResult{
			Name:     step.Name,
			Cmd:      cmd,
			ExitCode: res.ExitCode,
			Output:   res.String(),
			Duration: time.Since(start),
		}
		if err != nil {
			report.Steps = append(report.Steps, result)
			return report, fmt.Errorf("%s: step %d (%s): %w", sc.Name, i+1, step.Name, err)
		}

		reason := check(step, res, report.Vars)
		result.Passed = reason == ""
		report.Steps = append(report.Steps, result)
		if reason != "" {
			return report, &AssertionError{Scenario: sc.Name, Step: step.Name, Index: i, Result: res, Reason: reason}
		}
	}

	if sc.Verify != nil {
		if err := sc.Verify(ctx, ctr, report.Vars); err != nil {
			return report, fmt.Errorf("%s: verification failed: %w", sc.Name, err)
		}
	}
	return report, nil
}

// check returns why res does not satisfy step, or "" if it does. Captures are
// written to vars.
func check(step Step, res docker.CommandResult, vars map[string]string) string {
	if !step.Expect.Matches(res.ExitCode) {
		return fmt.Sprintf("expected %s, got exit %d", step.Expect, res.ExitCode)
	}

	output := res.String()
	if step.Capture != nil {
		matches := step.Capture.FindAllStringSubmatch(output, -1)
		if len(matches) == 0 {
			return fmt.Sprintf("output does not match %s", step.Capture)
		}
		values := lo.Uniq(lo.Map(matches, func(m []string, _ int) string {
			return m[len(m)-1]
		}))
		if step.Unique && len(values) != 1 {
			return fmt.Sprintf("expected one match of %s, got %d: %v", step.Capture, len(values), values)
		}
		if step.CaptureAs != "" {
			vars[step.CaptureAs] = values[0]
		}
	}

	for _, want := range step.Contains {
		want = expand(want, vars)
		if !strings.Contains(output, want) {
			return fmt.Sprintf("output does not contain %q", want)
		}
	}
	return ""
}

var varRef = regexp.MustCompile(`\$\{(\w+)\}`)

// expand substitutes ${name} references; anything else, including a bare $,
// passes through untouched.
func expand(s string, vars map[string]string) string {
	return varRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := varRef.FindStringSubmatch(ref)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return ref
	})
}
