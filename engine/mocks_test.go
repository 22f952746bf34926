package engine

import (
	"context"

	"github.com/mykhaliev/agent-e2e/harness"
	"github.com/mykhaliev/agent-e2e/model"
	"github.com/stretchr/testify/mock"
)

// MockAgent mocks a per-suite harness
type MockAgent struct {
	mock.Mock
}

func (m *MockAgent) Query(ctx context.Context, prompt string, history []model.HistoryMessage) (*model.AgentResponse, error) {
	args := m.Called(ctx, prompt, history)
	resp, _ := args.Get(0).(*model.AgentResponse)
	return resp, args.Error(1)
}

func (m *MockAgent) Kill() {
	m.Called()
}

// MockAgentFactory hands out the same agent for every suite
type MockAgentFactory struct {
	Agent      Agent
	CallCount  int
	LastConfig harness.Config
}

func (f *MockAgentFactory) NewAgent(cfg harness.Config) Agent {
	f.CallCount++
	f.LastConfig = cfg
	return f.Agent
}

// MockBuilder mocks build readiness checks
type MockBuilder struct {
	mock.Mock
}

func (m *MockBuilder) EnsureBuilt(ctx context.Context, agentDir string) error {
	args := m.Called(ctx, agentDir)
	return args.Error(0)
}

func reply(text string) *model.AgentResponse {
	code := 0
	return &model.AgentResponse{
		Text:     text,
		ExitCode: &code,
		Chat: []model.ChatMessage{
			{Role: model.RoleAssistant, Content: text},
		},
	}
}
