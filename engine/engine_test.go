package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mykhaliev/agent-e2e/budget"
	"github.com/mykhaliev/agent-e2e/harness"
	"github.com/mykhaliev/agent-e2e/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testRig struct {
	cfg     model.RunConfig
	agent   *MockAgent
	factory *MockAgentFactory
	builder *MockBuilder
	env     map[string]string
}

// newRig creates agent directories for dirs and routes every suite to one mock agent.
func newRig(t *testing.T, dirs ...string) *testRig {
	t.Helper()
	agentsDir := t.TempDir()
	for _, d := range dirs {
		require.NoError(t, os.MkdirAll(filepath.Join(agentsDir, d), 0755))
	}

	agent := &MockAgent{}
	agent.On("Kill").Return().Maybe()
	factory := &MockAgentFactory{Agent: agent}
	SetAgentFactory(factory)
	t.Cleanup(func() { SetAgentFactory(&DefaultAgentFactory{}) })

	builder := &MockBuilder{}
	builder.On("EnsureBuilt", mock.Anything, mock.Anything).Return(nil).Maybe()

	return &testRig{
		cfg: model.RunConfig{
			Providers:       []model.ProviderSpec{{Name: "openai", CredentialEnv: "OPENAI_API_KEY"}},
			PrimaryProvider: model.PrimaryProvider,
			Templates:       []string{"chat"},
			AgentsDir:       agentsDir,
			FixturesDir:     "unused",
			Budget:          budget.Presets["standard"],
			Timeout:         model.DefaultTimeout,
			EntryPoint:      model.DefaultEntryPoint,
			ToolEvents:      model.ToolEventsMarker,
		},
		agent:   agent,
		factory: factory,
		builder: builder,
		env:     map[string]string{"OPENAI_API_KEY": "sk-test", "ANTHROPIC_API_KEY": "sk-ant"},
	}
}

func (r *testRig) run(t *testing.T, fixtures []model.TestFixture, opts ...Option) (*model.ReportData, *budget.Tracker) {
	t.Helper()
	tracker := budget.NewTracker(r.cfg.Budget)
	opts = append([]Option{
		WithBuilder(r.builder),
		WithRunID("run-1"),
		WithLookupEnv(func(key string) (string, bool) {
			v, ok := r.env[key]
			return v, ok
		}),
	}, opts...)
	data := NewOrchestrator(r.cfg, tracker, fixtures, opts...).Run(context.Background())
	return data, tracker
}

func single(name, prompt string, estimated int, assertions ...model.Assertion) model.TestCase {
	return model.TestCase{
		Kind:            model.SingleTurnTest,
		Name:            name,
		Prompt:          prompt,
		Assertions:      assertions,
		EstimatedTokens: estimated,
	}
}

func contains(v string) model.Assertion {
	return model.Assertion{Type: model.ContainsText, Value: v}
}

func TestSingleTurnTestsEvaluateAssertions(t *testing.T) {
	rig := newRig(t, "chat")
	rig.agent.On("Query", mock.Anything, "say hello", mock.Anything).Return(reply("Hello there"), nil)
	rig.agent.On("Query", mock.Anything, "say goodbye", mock.Anything).Return(reply("Hello again"), nil)

	data, tracker := rig.run(t, []model.TestFixture{{
		Category: "basic",
		Tests: []model.TestCase{
			single("hello", "say hello", 0, contains("hello")),
			single("goodbye", "say goodbye", 0, contains("bye")),
		},
	}})

	require.Len(t, data.Suites, 1)
	suite := data.Suites[0]
	assert.Equal(t, model.SuiteCompleted, suite.Status)
	assert.Equal(t, 2, suite.Total)
	assert.Equal(t, 1, suite.Passed)
	assert.Equal(t, 1, suite.Failed)
	assert.Equal(t, 0, suite.Skipped)

	failed := suite.Tests[1]
	assert.False(t, failed.Passed)
	assert.Equal(t, "basic", failed.Category)
	assert.Contains(t, failed.AssertionSummary, "containsText")
	assert.NotEmpty(t, failed.Chat)

	report := tracker.Report()
	require.Len(t, report.Entries, 2)
	assert.Equal(t, "chat/basic/hello", report.Entries[0].Name)
	assert.Equal(t, 2*model.DefaultEstimatedTokens, report.Used)
	assert.True(t, HasFailures(data))

	assert.Equal(t, 1, rig.factory.CallCount)
	assert.Equal(t, map[string]string{"OPENAI_API_KEY": "sk-test"}, rig.factory.LastConfig.Env)
	rig.agent.AssertCalled(t, "Kill")
}

func TestQuickModeRunsFirstTestPerCategory(t *testing.T) {
	rig := newRig(t, "chat")
	rig.cfg.Quick = true
	rig.agent.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(reply("ok"), nil)

	data, _ := rig.run(t, []model.TestFixture{
		{Category: "a", Tests: []model.TestCase{single("a1", "p1", 0), single("a2", "p2", 0), single("a3", "p3", 0)}},
		{Category: "b", Tests: []model.TestCase{single("b1", "p4", 0)}},
	})

	suite := data.Suites[0]
	assert.Equal(t, 2, suite.Total)
	assert.Equal(t, 2, suite.Skipped)
	assert.True(t, data.Quick)
	rig.agent.AssertNumberOfCalls(t, "Query", 2)
	rig.agent.AssertCalled(t, "Query", mock.Anything, "p1", mock.Anything)
	rig.agent.AssertNotCalled(t, "Query", mock.Anything, "p2", mock.Anything)
}

func TestBudgetSkipsTestsThatDoNotFit(t *testing.T) {
	rig := newRig(t, "chat")
	rig.cfg.Budget = 1000
	rig.agent.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(reply("ok"), nil)

	data, tracker := rig.run(t, []model.TestFixture{{
		Category: "cost",
		Tests:    []model.TestCase{single("first", "p1", 600), single("second", "p2", 500)},
	}})

	suite := data.Suites[0]
	assert.Equal(t, 1, suite.Total)
	assert.Equal(t, 1, suite.Skipped)
	assert.Equal(t, 600, tracker.Used())
	assert.Len(t, tracker.Report().Entries, 1)
	rig.agent.AssertNotCalled(t, "Query", mock.Anything, "p2", mock.Anything)
	assert.False(t, data.Stopped)
}

func TestMeasuredCostReplacesEstimate(t *testing.T) {
	rig := newRig(t, "chat")
	rig.agent.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(reply("ok"), nil)

	fixed := func(string) int { return 7 }
	_, tracker := rig.run(t, []model.TestFixture{{
		Category: "c",
		Tests:    []model.TestCase{single("t", "p", 600)},
	}}, WithCounter(fixed))

	entry := tracker.Report().Entries[0]
	require.NotNil(t, entry.ActualUnits)
	assert.Equal(t, 14, *entry.ActualUnits)
	assert.Equal(t, 14, tracker.Used())
}

func TestOverBudgetStopsRemainingSuites(t *testing.T) {
	rig := newRig(t, "chat", "code")
	rig.cfg.Templates = []string{"chat", "code"}
	rig.cfg.Budget = 1000
	rig.agent.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(reply("ok"), nil)

	expensive := func(string) int { return 1000 }
	data, tracker := rig.run(t, []model.TestFixture{{
		Category: "c",
		Tests:    []model.TestCase{single("t", "p", 500)},
	}}, WithCounter(expensive))

	assert.True(t, tracker.IsOverBudget())
	assert.True(t, data.Stopped)
	require.Len(t, data.Suites, 1)
	assert.Equal(t, "chat", data.Suites[0].Template)
	assert.True(t, data.TokenUsage.OverBudget)
}

func TestMultiTurnStopsAtFirstFailingTurn(t *testing.T) {
	rig := newRig(t, "chat")
	rig.agent.On("Query", mock.Anything, "T1", mock.Anything).Return(reply("no idea"), nil)

	data, tracker := rig.run(t, []model.TestFixture{{
		Category: "memory",
		Tests: []model.TestCase{{
			Kind: model.MultiTurnTest,
			Name: "recall",
			Turns: []model.Turn{
				{Prompt: "T1", Assertions: []model.Assertion{contains("ada")}},
				{Prompt: "T2"},
			},
			EstimatedTokens: 800,
		}},
	}})

	result := data.Suites[0].Tests[0]
	assert.False(t, result.Passed)
	assert.Contains(t, result.Error, "turn 1")
	assert.Contains(t, result.Error, "containsText")
	rig.agent.AssertNotCalled(t, "Query", mock.Anything, "T2", mock.Anything)

	report := tracker.Report()
	require.Len(t, report.Entries, 1)
	assert.Equal(t, 800, report.Used)
}

func TestMultiTurnFeedsHistory(t *testing.T) {
	rig := newRig(t, "chat")
	rig.agent.On("Query", mock.Anything, "My name is Ada", mock.MatchedBy(func(h []model.HistoryMessage) bool {
		return len(h) == 0
	})).Return(reply("Nice to meet you"), nil)
	rig.agent.On("Query", mock.Anything, "What is my name?", mock.MatchedBy(func(h []model.HistoryMessage) bool {
		return len(h) == 2 &&
			h[0] == model.HistoryMessage{Role: model.RoleUser, Content: "My name is Ada"} &&
			h[1] == model.HistoryMessage{Role: model.RoleAssistant, Content: "Nice to meet you"}
	})).Return(reply("Your name is Ada"), nil)

	data, _ := rig.run(t, []model.TestFixture{{
		Category: "memory",
		Tests: []model.TestCase{{
			Kind: model.MultiTurnTest,
			Name: "recall",
			Turns: []model.Turn{
				{Prompt: "My name is Ada"},
				{Prompt: "What is my name?", Assertions: []model.Assertion{contains("ada")}},
			},
		}},
	}})

	result := data.Suites[0].Tests[0]
	assert.True(t, result.Passed, result.Error)
	assert.Len(t, result.Chat, 2)
	rig.agent.AssertExpectations(t)
}

func TestExecutionErrorsAreCapturedPerTest(t *testing.T) {
	rig := newRig(t, "chat")
	rig.agent.On("Query", mock.Anything, "slow", mock.Anything).
		Return(nil, fmt.Errorf("%w after 60000ms", harness.ErrTimeout))
	rig.agent.On("Query", mock.Anything, "fast", mock.Anything).Return(reply("done"), nil)

	data, tracker := rig.run(t, []model.TestFixture{{
		Category: "c",
		Tests:    []model.TestCase{single("slow", "slow", 0), single("fast", "fast", 0)},
	}})

	suite := data.Suites[0]
	require.Len(t, suite.Tests, 2)
	assert.False(t, suite.Tests[0].Passed)
	assert.Contains(t, suite.Tests[0].Error, "60000ms")
	assert.True(t, suite.Tests[1].Passed)
	assert.Len(t, tracker.Report().Entries, 2)
}

func TestMultiTurnQueryErrorNamesTurn(t *testing.T) {
	rig := newRig(t, "chat")
	rig.agent.On("Query", mock.Anything, "T1", mock.Anything).Return(reply("fine"), nil)
	rig.agent.On("Query", mock.Anything, "T2", mock.Anything).Return(nil, errors.New("spawn failed"))

	data, _ := rig.run(t, []model.TestFixture{{
		Category: "c",
		Tests: []model.TestCase{{
			Kind:  model.MultiTurnTest,
			Name:  "m",
			Turns: []model.Turn{{Prompt: "T1"}, {Prompt: "T2"}},
		}},
	}})

	assert.Equal(t, "turn 2: spawn failed", data.Suites[0].Tests[0].Error)
}

func TestMissingAgentDirectorySkipsSuite(t *testing.T) {
	rig := newRig(t)
	fixtures := []model.TestFixture{{Category: "c", Tests: []model.TestCase{single("a", "p", 0), single("b", "q", 0)}}}

	data, tracker := rig.run(t, fixtures)

	suite := data.Suites[0]
	assert.Equal(t, model.SuiteMissingAgent, suite.Status)
	assert.Equal(t, 2, suite.Skipped)
	assert.Zero(t, suite.Total)
	assert.Empty(t, suite.Tests)
	assert.Zero(t, tracker.Used())
	assert.Zero(t, rig.factory.CallCount)
	rig.builder.AssertNotCalled(t, "EnsureBuilt", mock.Anything, mock.Anything)
	assert.False(t, HasFailures(data))
}

func TestMissingCredentialsSkipsSuite(t *testing.T) {
	rig := newRig(t, "chat")
	delete(rig.env, "OPENAI_API_KEY")

	data, _ := rig.run(t, []model.TestFixture{{Category: "c", Tests: []model.TestCase{single("a", "p", 0)}}})

	suite := data.Suites[0]
	assert.Equal(t, model.SuiteMissingCredentials, suite.Status)
	assert.Equal(t, 1, suite.Skipped)
	assert.Zero(t, rig.factory.CallCount)
}

func TestBuildFailureRecordsSyntheticTest(t *testing.T) {
	rig := newRig(t, "chat")
	rig.builder = &MockBuilder{}
	rig.builder.On("EnsureBuilt", mock.Anything, mock.Anything).
		Return(fmt.Errorf("%w: build: exit status 2", ErrBuildFailed))

	data, tracker := rig.run(t, []model.TestFixture{{Category: "c", Tests: []model.TestCase{single("a", "p", 0)}}})

	suite := data.Suites[0]
	assert.Equal(t, model.SuiteBuildFailed, suite.Status)
	require.Len(t, suite.Tests, 1)
	assert.Equal(t, BuildTestName, suite.Tests[0].Name)
	assert.Contains(t, suite.Tests[0].Error, "exit status 2")
	assert.Equal(t, 1, suite.Failed)
	assert.Zero(t, suite.Skipped)
	assert.Zero(t, tracker.Used())
	assert.Zero(t, rig.factory.CallCount)
}

func TestNonPrimaryProviderUsesSuffixedDirectory(t *testing.T) {
	rig := newRig(t, "chat-anthropic")
	rig.cfg.Providers = []model.ProviderSpec{{Name: "anthropic", CredentialEnv: "ANTHROPIC_API_KEY"}}
	rig.agent.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(reply("ok"), nil)

	data, _ := rig.run(t, []model.TestFixture{{Category: "c", Tests: []model.TestCase{single("a", "p", 0)}}})

	suite := data.Suites[0]
	assert.Equal(t, model.SuiteCompleted, suite.Status)
	assert.Equal(t, filepath.Join(rig.cfg.AgentsDir, "chat-anthropic"), suite.AgentDir)
	assert.Equal(t, map[string]string{"ANTHROPIC_API_KEY": "sk-ant"}, rig.factory.LastConfig.Env)
}

func TestPromptsAreRenderedPerSuite(t *testing.T) {
	rig := newRig(t, "chat")
	rig.agent.On("Query", mock.Anything, "Hi from openai/chat/greetings run-1", mock.Anything).Return(reply("ok"), nil)

	data, _ := rig.run(t, []model.TestFixture{{
		Category: "greetings",
		Tests:    []model.TestCase{single("a", "Hi from {{PROVIDER}}/{{TEMPLATE}}/{{CATEGORY}} {{RUN_ID}}", 0)},
	}})

	assert.True(t, data.Suites[0].Tests[0].Passed)
	rig.agent.AssertExpectations(t)
}

func TestSuitesRunInConfigurationOrder(t *testing.T) {
	rig := newRig(t, "chat", "code", "chat-anthropic", "code-anthropic")
	rig.cfg.Providers = []model.ProviderSpec{
		{Name: "openai", CredentialEnv: "OPENAI_API_KEY"},
		{Name: "anthropic", CredentialEnv: "ANTHROPIC_API_KEY"},
	}
	rig.cfg.Templates = []string{"code", "chat"}
	rig.agent.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(reply("ok"), nil)

	data, _ := rig.run(t, []model.TestFixture{{Category: "c", Tests: []model.TestCase{single("a", "p", 0)}}})

	order := make([]string, 0, len(data.Suites))
	for _, s := range data.Suites {
		order = append(order, s.Provider+"/"+s.Template)
	}
	assert.Equal(t, []string{"openai/code", "openai/chat", "anthropic/code", "anthropic/chat"}, order)
	assert.Equal(t, 4, data.Summary.Passed)
	assert.Equal(t, 4, data.Summary.Suites)
}

func TestCancelledContextRunsNothing(t *testing.T) {
	rig := newRig(t, "chat")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := NewOrchestrator(rig.cfg, budget.NewTracker(rig.cfg.Budget), nil, WithBuilder(rig.builder))
	data := o.Run(ctx)
	assert.Empty(t, data.Suites)
	assert.Zero(t, rig.factory.CallCount)
}

func TestRunFailsWithoutFixtures(t *testing.T) {
	rig := newRig(t, "chat")
	rig.cfg.FixturesDir = t.TempDir()

	_, err := Run(context.Background(), rig.cfg)
	require.Error(t, err)
	assert.Zero(t, rig.factory.CallCount)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	_, err := Run(context.Background(), model.RunConfig{})
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestHasFailures(t *testing.T) {
	assert.False(t, HasFailures(nil))
	assert.False(t, HasFailures(&model.ReportData{}))
	assert.True(t, HasFailures(&model.ReportData{Summary: model.Summary{Failed: 1}}))
}
