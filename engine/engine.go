package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mykhaliev/agent-e2e/assertion"
	"github.com/mykhaliev/agent-e2e/budget"
	"github.com/mykhaliev/agent-e2e/fixture"
	"github.com/mykhaliev/agent-e2e/harness"
	"github.com/mykhaliev/agent-e2e/logger"
	"github.com/mykhaliev/agent-e2e/model"
	"github.com/mykhaliev/agent-e2e/templates"
	"github.com/mykhaliev/agent-e2e/version"
)

// BuildTestName names the synthetic test recorded when an agent fails to build.
const BuildTestName = "build"

// Agent is the per-suite view of a harness.
type Agent interface {
	Query(ctx context.Context, prompt string, history []model.HistoryMessage) (*model.AgentResponse, error)
	Kill()
}

// AgentFactory creates agents bound to a built agent directory
type AgentFactory interface {
	NewAgent(cfg harness.Config) Agent
}

// DefaultAgentFactory is the production implementation
type DefaultAgentFactory struct{}

func (f *DefaultAgentFactory) NewAgent(cfg harness.Config) Agent {
	return harness.New(cfg)
}

// Package-level variable for dependency injection
var agentFactory AgentFactory = &DefaultAgentFactory{}

// SetAgentFactory allows tests to inject mock factories
func SetAgentFactory(factory AgentFactory) {
	agentFactory = factory
}

// Run loads fixtures, resolves templates and executes every suite. Errors are
// returned only for problems that prevent any suite from running.
func Run(ctx context.Context, cfg model.RunConfig) (*model.ReportData, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	fixtures, err := fixture.Load(cfg.FixturesDir, cfg.Categories)
	if err != nil {
		return nil, err
	}

	if len(cfg.Templates) == 0 {
		discovered, err := DiscoverTemplates(cfg.AgentsDir, cfg.Manifest)
		if err != nil {
			return nil, err
		}
		if len(discovered) == 0 {
			return nil, fmt.Errorf("no agent templates found in %s", cfg.AgentsDir)
		}
		logger.Logger.Info("Discovered templates", "templates", discovered)
		cfg.Templates = discovered
	}

	orchestrator := NewOrchestrator(cfg, budget.NewTracker(cfg.Budget), fixtures)
	return orchestrator.Run(ctx), nil
}

// Orchestrator sequences (provider, template) suites over the loaded
// fixtures. Exactly one agent process is in flight at any time; cancelling
// the context passed to Run kills it.
type Orchestrator struct {
	cfg      model.RunConfig
	tracker  *budget.Tracker
	fixtures []model.TestFixture
	builder  Builder
	counter  budget.Counter
	runID    string

	lookupEnv   func(string) (string, bool)
	templateCtx map[string]string
}

type Option func(*Orchestrator)

func WithBuilder(b Builder) Option {
	return func(o *Orchestrator) { o.builder = b }
}

// WithLookupEnv replaces os.LookupEnv for credential checks.
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(o *Orchestrator) { o.lookupEnv = lookup }
}

func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

// WithCounter records measured units instead of estimates.
func WithCounter(c budget.Counter) Option {
	return func(o *Orchestrator) { o.counter = c }
}

func NewOrchestrator(cfg model.RunConfig, tracker *budget.Tracker, fixtures []model.TestFixture, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		tracker:   tracker,
		fixtures:  fixtures,
		builder:   NewBuilder(cfg),
		lookupEnv: os.LookupEnv,
		runID:     uuid.New().String(),
	}
	if cfg.MeasureTokens {
		o.counter = budget.TokenCounter(cfg.TokenModel)
	}
	for _, opt := range opts {
		opt(o)
	}
	templates.Init()
	o.templateCtx = templates.NewContext(o.runID)
	return o
}

// Run executes every suite in configuration order. Once the tracker is over
// budget no further suite is started.
func (o *Orchestrator) Run(ctx context.Context) *model.ReportData {
	data := &model.ReportData{
		RunID:   o.runID,
		Version: version.Version,
		Quick:   o.cfg.Quick,
		Suites:  make([]model.SuiteResult, 0, len(o.cfg.Providers)*len(o.cfg.Templates)),
	}

	logger.Logger.Info("Starting run",
		"run_id", o.runID,
		"providers", len(o.cfg.Providers),
		"templates", len(o.cfg.Templates),
		"categories", len(o.fixtures),
		"tests", model.CountTests(o.fixtures),
		"budget", o.tracker.Budget(),
		"quick", o.cfg.Quick)

suites:
	for _, provider := range o.cfg.Providers {
		for _, template := range o.cfg.Templates {
			if ctx.Err() != nil {
				logger.Logger.Warn("Run interrupted", "error", ctx.Err())
				break suites
			}
			suite := o.runSuite(ctx, provider, template)
			data.Suites = append(data.Suites, suite)

			if o.tracker.IsOverBudget() {
				logger.Logger.Warn("Budget exceeded, stopping run",
					"used", o.tracker.Used(),
					"budget", o.tracker.Budget())
				data.Stopped = true
				break suites
			}
		}
	}

	data.GeneratedAt = time.Now()
	data.Summary = model.Summarize(data.Suites)
	data.TokenUsage = o.tracker.Report()
	return data
}

func (o *Orchestrator) runSuite(ctx context.Context, provider model.ProviderSpec, template string) model.SuiteResult {
	start := time.Now()
	dirName := model.AgentDirName(template, provider.Name, o.cfg.PrimaryProvider)
	suite := model.SuiteResult{
		Provider: provider.Name,
		Template: template,
		AgentDir: filepath.Join(o.cfg.AgentsDir, dirName),
		Status:   model.SuiteNotStarted,
		Tests:    []model.TestResult{},
	}
	log := logger.Logger.With("provider", provider.Name, "template", template)

	finish := func(status model.SuiteStatus) model.SuiteResult {
		suite.Status = status
		suite.Tally()
		suite.DurationMs = time.Since(start).Milliseconds()
		return suite
	}

	if !dirExists(suite.AgentDir) {
		log.Warn("Agent directory not found, skipping suite", "agent_dir", suite.AgentDir)
		suite.Skipped = model.CountTests(o.fixtures)
		return finish(model.SuiteMissingAgent)
	}

	if err := o.builder.EnsureBuilt(ctx, suite.AgentDir); err != nil {
		log.Error("Agent build failed", "error", err)
		suite.Tests = append(suite.Tests, model.TestResult{
			Name:     BuildTestName,
			Category: BuildTestName,
			Passed:   false,
			Error:    err.Error(),
		})
		return finish(model.SuiteBuildFailed)
	}

	credential, ok := o.lookupEnv(provider.CredentialEnv)
	if !ok || credential == "" {
		log.Warn("Provider credentials missing, skipping suite", "env", provider.CredentialEnv)
		suite.Skipped = model.CountTests(o.fixtures)
		return finish(model.SuiteMissingCredentials)
	}

	suite.Status = model.SuiteRunning
	log.Info("Starting suite", "agent_dir", suite.AgentDir)

	agent := agentFactory.NewAgent(harness.Config{
		AgentDir:   suite.AgentDir,
		Runtime:    o.cfg.Runtime,
		EntryPoint: o.cfg.EntryPoint,
		Timeout:    o.cfg.Timeout,
		Verbose:    o.cfg.Verbose,
		Env:        map[string]string{provider.CredentialEnv: credential},
		Extractor:  harness.NewExtractor(o.cfg.ToolEvents),
	})
	defer agent.Kill()

	for _, fx := range o.fixtures {
		ranInCategory := false
		tmplCtx := templates.WithSuite(o.templateCtx, provider.Name, template, fx.Category)

		for _, tc := range fx.Tests {
			estimated := tc.EstimatedUnits()

			if ctx.Err() != nil {
				suite.Skipped++
				continue
			}
			if !o.tracker.CanProceed(estimated) {
				log.Info("Skipping test, budget insufficient",
					"category", fx.Category,
					"test", tc.Name,
					"estimated", estimated,
					"used", o.tracker.Used())
				suite.Skipped++
				continue
			}
			if o.cfg.Quick && ranInCategory {
				suite.Skipped++
				continue
			}
			ranInCategory = true

			result, actual := o.runTest(ctx, agent, fx.Category, tc, tmplCtx)
			o.tracker.Record(fmt.Sprintf("%s/%s/%s", dirName, fx.Category, tc.Name), estimated, actual)
			suite.Tests = append(suite.Tests, result)

			if result.Passed {
				log.Info("Test passed", "category", fx.Category, "test", tc.Name, "duration_ms", result.DurationMs)
			} else {
				log.Warn("Test failed", "category", fx.Category, "test", tc.Name, "error", result.Error)
			}
		}
	}

	result := finish(model.SuiteCompleted)
	log.Info("Suite completed",
		"passed", result.Passed,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"duration_ms", result.DurationMs)
	return result
}

// runTest executes one case. Execution errors are captured in the result,
// never returned. The second value is the measured cost, nil when not measured.
func (o *Orchestrator) runTest(ctx context.Context, agent Agent, category string, tc model.TestCase, tmplCtx map[string]string) (model.TestResult, *int) {
	start := time.Now()
	result := model.TestResult{
		Name:     tc.Name,
		Category: category,
	}

	var texts []string
	switch tc.Kind {
	case model.MultiTurnTest:
		texts = o.runMultiTurn(ctx, agent, tc, tmplCtx, &result)
	default:
		texts = o.runSingleTurn(ctx, agent, tc, tmplCtx, &result)
	}
	result.DurationMs = time.Since(start).Milliseconds()

	if o.counter == nil {
		return result, nil
	}
	units := budget.CountUnits(o.counter, texts...)
	return result, &units
}

func (o *Orchestrator) runSingleTurn(ctx context.Context, agent Agent, tc model.TestCase, tmplCtx map[string]string, result *model.TestResult) []string {
	prompt := templates.Render(tc.Prompt, tmplCtx)
	texts := []string{prompt}

	resp, err := agent.Query(ctx, prompt, nil)
	if err != nil {
		result.Error = err.Error()
		return texts
	}
	texts = append(texts, resp.Text)
	result.Chat = resp.Chat

	results := assertion.EvaluateAll(resp.Text, tc.Assertions)
	result.Assertions = results
	result.Passed = assertion.AllPassed(results)
	if !result.Passed {
		result.AssertionSummary = assertion.Summarize(results)
		result.Error = result.AssertionSummary
	}
	return texts
}

// runMultiTurn stops at the first turn whose assertions fail; later turns are never sent.
func (o *Orchestrator) runMultiTurn(ctx context.Context, agent Agent, tc model.TestCase, tmplCtx map[string]string, result *model.TestResult) []string {
	var history []model.HistoryMessage
	var texts []string

	for i, turn := range tc.Turns {
		prompt := templates.Render(turn.Prompt, tmplCtx)
		texts = append(texts, prompt)
		if len(history) > 0 {
			if payload, err := harness.EncodeHistory(history); err == nil {
				texts = append(texts, payload)
			}
		}

		resp, err := agent.Query(ctx, prompt, history)
		if err != nil {
			result.Error = fmt.Sprintf("turn %d: %s", i+1, err)
			return texts
		}
		texts = append(texts, resp.Text)
		result.Chat = append(result.Chat, resp.Chat...)

		if len(turn.Assertions) > 0 {
			results := assertion.EvaluateAll(resp.Text, turn.Assertions)
			result.Assertions = append(result.Assertions, results...)
			if !assertion.AllPassed(results) {
				result.AssertionSummary = assertion.Summarize(results)
				result.Error = fmt.Sprintf("turn %d: %s", i+1, result.AssertionSummary)
				return texts
			}
		}

		history = append(history,
			model.HistoryMessage{Role: model.RoleUser, Content: prompt},
			model.HistoryMessage{Role: model.RoleAssistant, Content: resp.Text},
		)
	}

	result.Passed = true
	return texts
}

// HasFailures reports whether any suite recorded a failed test.
func HasFailures(data *model.ReportData) bool {
	return data != nil && data.Summary.Failed > 0
}
