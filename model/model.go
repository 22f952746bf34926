package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// ============================================================================
// ASSERTIONS
// ============================================================================

type AssertionKind string

const (
	NotEmpty       AssertionKind = "notEmpty"
	MinLength      AssertionKind = "minLength"
	MaxLength      AssertionKind = "maxLength"
	ContainsText   AssertionKind = "containsText"
	ContainsAny    AssertionKind = "containsAny"
	ContainsAll    AssertionKind = "containsAll"
	MatchesPattern AssertionKind = "matchesPattern"
	NotContains    AssertionKind = "notContains"
	IsRefusal      AssertionKind = "isRefusal"
	IsNotRefusal   AssertionKind = "isNotRefusal"
)

// AssertionKinds lists every kind the engine evaluates, in declaration order.
var AssertionKinds = []AssertionKind{
	NotEmpty, MinLength, MaxLength, ContainsText, ContainsAny,
	ContainsAll, MatchesPattern, NotContains, IsRefusal, IsNotRefusal,
}

// Assertion is a declarative check loaded from a fixture file.
// Value carries the scalar operand, Values the set operand.
type Assertion struct {
	Type   AssertionKind `yaml:"type" json:"type"`
	Value  string        `yaml:"value,omitempty" json:"value,omitempty"`
	Values []string      `yaml:"values,omitempty" json:"values,omitempty"`
}

// UnmarshalJSON accepts numeric scalar operands, e.g. {"type": "maxLength", "value": 500}.
func (a *Assertion) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type   AssertionKind `json:"type"`
		Value  any           `json:"value"`
		Values []string      `json:"values"`
	}
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Type = raw.Type
	a.Values = raw.Values
	switch v := raw.Value.(type) {
	case nil:
		a.Value = ""
	case string:
		a.Value = v
	case float64:
		a.Value = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Errorf("assertion %s: value must be a string or a number", raw.Type)
	}
	return nil
}

func (a Assertion) String() string {
	switch {
	case len(a.Values) > 0:
		return fmt.Sprintf("%s%v", a.Type, a.Values)
	case a.Value != "":
		return fmt.Sprintf("%s(%q)", a.Type, a.Value)
	default:
		return string(a.Type)
	}
}

type AssertionResult struct {
	Passed        bool      `json:"passed"`
	Assertion     Assertion `json:"assertion"`
	Message       string    `json:"message"`
	ActualPreview string    `json:"actualPreview,omitempty"`
}

// ============================================================================
// CHAT TRANSCRIPT
// ============================================================================

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

type ChatMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	ToolName  string    `json:"toolName,omitempty"`
}

// HistoryMessage is the reduced message shape written to an agent's stdin
// to carry multi-turn context.
type HistoryMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolInvocation is a tool call observed in an agent's raw output.
type ToolInvocation struct {
	Name string `json:"name"`
}

// AgentResponse is the outcome of one agent process invocation.
// ExitCode is nil when the process did not exit normally (e.g. killed by a signal).
type AgentResponse struct {
	Text     string        `json:"text"`
	Duration time.Duration `json:"duration"`
	ExitCode *int          `json:"exitCode"`
	Stderr   string        `json:"stderr,omitempty"`
	Chat     []ChatMessage `json:"chat"`
}

// Failed reports whether the process exited with a non-zero status.
func (r *AgentResponse) Failed() bool {
	return r.ExitCode != nil && *r.ExitCode != 0
}

// ============================================================================
// FIXTURES
// ============================================================================

const DefaultEstimatedTokens = 500

type TestKind string

const (
	SingleTurnTest TestKind = "single_turn"
	MultiTurnTest  TestKind = "multi_turn"
)

type Turn struct {
	Prompt     string      `yaml:"prompt" json:"prompt"`
	Assertions []Assertion `yaml:"assertions,omitempty" json:"assertions,omitempty"`
}

// TestCase is either a single-turn case (Prompt) or a multi-turn case (Turns).
// Kind is set by Classify and is the only discriminant callers should switch on.
type TestCase struct {
	Kind            TestKind    `yaml:"-" json:"kind"`
	Name            string      `yaml:"name" json:"name"`
	Prompt          string      `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Turns           []Turn      `yaml:"turns,omitempty" json:"turns,omitempty"`
	Assertions      []Assertion `yaml:"assertions,omitempty" json:"assertions,omitempty"`
	EstimatedTokens int         `yaml:"estimatedTokens,omitempty" json:"estimatedTokens,omitempty"`
	Note            string      `yaml:"note,omitempty" json:"note,omitempty"`
}

// Classify validates the case shape and sets Kind.
func (tc *TestCase) Classify() error {
	if strings.TrimSpace(tc.Name) == "" {
		return fmt.Errorf("test case has no name")
	}
	hasPrompt := tc.Prompt != ""
	hasTurns := len(tc.Turns) > 0
	switch {
	case hasPrompt && hasTurns:
		return fmt.Errorf("test %q defines both prompt and turns", tc.Name)
	case hasPrompt:
		tc.Kind = SingleTurnTest
	case hasTurns:
		if len(tc.Assertions) > 0 {
			return fmt.Errorf("test %q: multi-turn assertions belong to turns", tc.Name)
		}
		for i, turn := range tc.Turns {
			if turn.Prompt == "" {
				return fmt.Errorf("test %q: turn %d has no prompt", tc.Name, i+1)
			}
		}
		tc.Kind = MultiTurnTest
	default:
		return fmt.Errorf("test %q defines neither prompt nor turns", tc.Name)
	}
	if tc.EstimatedTokens < 0 {
		return fmt.Errorf("test %q has negative estimatedTokens", tc.Name)
	}
	return nil
}

// EstimatedUnits returns the declared cost, defaulting to DefaultEstimatedTokens.
func (tc TestCase) EstimatedUnits() int {
	if tc.EstimatedTokens <= 0 {
		return DefaultEstimatedTokens
	}
	return tc.EstimatedTokens
}

type TestFixture struct {
	Category    string     `yaml:"category" json:"category"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Tests       []TestCase `yaml:"tests" json:"tests"`
}

// CountTests returns the number of test cases across all fixtures.
func CountTests(fixtures []TestFixture) int {
	total := 0
	for _, f := range fixtures {
		total += len(f.Tests)
	}
	return total
}

// ============================================================================
// RESULTS
// ============================================================================

type TestResult struct {
	Name             string            `json:"name"`
	Category         string            `json:"category"`
	Passed           bool              `json:"passed"`
	DurationMs       int64             `json:"durationMs"`
	Error            string            `json:"error,omitempty"`
	AssertionSummary string            `json:"assertionSummary,omitempty"`
	Assertions       []AssertionResult `json:"assertions,omitempty"`
	Chat             []ChatMessage     `json:"chat,omitempty"`
}

type SuiteStatus string

const (
	SuiteNotStarted         SuiteStatus = "not_started"
	SuiteMissingAgent       SuiteStatus = "missing_agent"
	SuiteMissingCredentials SuiteStatus = "missing_credentials"
	SuiteBuildFailed        SuiteStatus = "build_failed"
	SuiteRunning            SuiteStatus = "running"
	SuiteCompleted          SuiteStatus = "completed"
)

type SuiteResult struct {
	Provider   string       `json:"provider"`
	Template   string       `json:"template"`
	AgentDir   string       `json:"agentDir"`
	Status     SuiteStatus  `json:"status"`
	Total      int          `json:"total"`
	Passed     int          `json:"passed"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	DurationMs int64        `json:"durationMs"`
	Tests      []TestResult `json:"tests"`
}

// Tally recomputes Total, Passed and Failed from Tests. Skipped is left untouched.
func (s *SuiteResult) Tally() {
	s.Total = len(s.Tests)
	s.Passed = 0
	s.Failed = 0
	for _, t := range s.Tests {
		if t.Passed {
			s.Passed++
		} else {
			s.Failed++
		}
	}
}

// FailedTests returns the failing results in execution order.
func (s *SuiteResult) FailedTests() []TestResult {
	failed := make([]TestResult, 0, s.Failed)
	for _, t := range s.Tests {
		if !t.Passed {
			failed = append(failed, t)
		}
	}
	return failed
}

type LedgerEntry struct {
	Name            string `json:"name"`
	EstimatedUnits  int    `json:"estimatedUnits"`
	ActualUnits     *int   `json:"actualUnits,omitempty"`
	UnitsChargedFor int    `json:"unitsCharged"`
}

type TokenUsageReport struct {
	Budget     int           `json:"budget"`
	Used       int           `json:"used"`
	Remaining  int           `json:"remaining"`
	OverBudget bool          `json:"overBudget"`
	Entries    []LedgerEntry `json:"entries"`
}

type Summary struct {
	Suites     int   `json:"suites"`
	Total      int   `json:"total"`
	Passed     int   `json:"passed"`
	Failed     int   `json:"failed"`
	Skipped    int   `json:"skipped"`
	DurationMs int64 `json:"durationMs"`
}

// ReportData is the aggregate handed to reporters at the end of a run.
type ReportData struct {
	RunID       string           `json:"runId"`
	Version     string           `json:"version"`
	GeneratedAt time.Time        `json:"generatedAt"`
	Quick       bool             `json:"quick"`
	Stopped     bool             `json:"stoppedOverBudget"`
	Summary     Summary          `json:"summary"`
	TokenUsage  TokenUsageReport `json:"tokenUsage"`
	Suites      []SuiteResult    `json:"suites"`
}

// Summarize aggregates suite counts.
func Summarize(suites []SuiteResult) Summary {
	summary := Summary{Suites: len(suites)}
	for _, s := range suites {
		summary.Total += s.Total
		summary.Passed += s.Passed
		summary.Failed += s.Failed
		summary.Skipped += s.Skipped
		summary.DurationMs += s.DurationMs
	}
	return summary
}
