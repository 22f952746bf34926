package model

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// PROVIDERS
// ============================================================================

type ProviderSpec struct {
	Name          string `yaml:"name" json:"name"`
	CredentialEnv string `yaml:"credential_env" json:"credentialEnv"`
}

const PrimaryProvider = "openai"

// Providers is the catalog of supported providers in default execution order.
var Providers = []ProviderSpec{
	{Name: "openai", CredentialEnv: "OPENAI_API_KEY"},
	{Name: "anthropic", CredentialEnv: "ANTHROPIC_API_KEY"},
	{Name: "google", CredentialEnv: "GOOGLE_API_KEY"},
	{Name: "groq", CredentialEnv: "GROQ_API_KEY"},
}

func LookupProvider(name string) (ProviderSpec, error) {
	for _, p := range Providers {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	names := make([]string, len(Providers))
	for i, p := range Providers {
		names[i] = p.Name
	}
	return ProviderSpec{}, fmt.Errorf("unknown provider %q (supported: %s)", name, strings.Join(names, ", "))
}

// AgentDirName maps a template to the generated agent directory for a provider:
// the bare template name for the primary provider, "<template>-<provider>" otherwise.
func AgentDirName(template, provider, primary string) string {
	if strings.EqualFold(provider, primary) {
		return template
	}
	return template + "-" + strings.ToLower(provider)
}

// ============================================================================
// RUN CONFIGURATION
// ============================================================================

const (
	DefaultTimeout      = 60 * time.Second
	DefaultBuildTimeout = 5 * time.Minute
	DefaultEntryPoint   = "dist/index.js"
	DefaultManifest     = "package.json"
	DefaultDepsDir      = "node_modules"
	DefaultRuntime      = "node"
	DefaultInstallCmd   = "npm install"
	DefaultBuildCmd     = "npm run build"
	DefaultTokenModel   = "gpt-4o"
	DefaultFixturesDir  = "fixtures"
	DefaultAgentsDir    = "agents"
	DefaultOutputDir    = "test-results"

	ToolEventsMarker = "marker"
	ToolEventsNDJSON = "ndjson"
)

// RunConfig is the immutable snapshot a run is executed with.
type RunConfig struct {
	Providers       []ProviderSpec
	PrimaryProvider string
	Templates       []string
	Categories      []string

	FixturesDir string
	AgentsDir   string
	OutputDir   string

	Budget       int
	Timeout      time.Duration
	BuildTimeout time.Duration
	Quick        bool
	Verbose      bool
	OpenReport   bool

	MeasureTokens bool
	TokenModel    string
	ToolEvents    string
	ReportFormats []string

	Runtime    string
	EntryPoint string
	Manifest   string
	DepsDir    string
	InstallCmd string
	BuildCmd   string
}

// Validate checks the fields the orchestrator relies on.
func (c RunConfig) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no providers selected")
	}
	if c.Budget <= 0 {
		return fmt.Errorf("budget must be positive, got %d", c.Budget)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.FixturesDir == "" {
		return fmt.Errorf("fixtures directory is empty")
	}
	if c.AgentsDir == "" {
		return fmt.Errorf("agents directory is empty")
	}
	if c.EntryPoint == "" {
		return fmt.Errorf("entry point is empty")
	}
	switch c.ToolEvents {
	case "", ToolEventsMarker, ToolEventsNDJSON:
	default:
		return fmt.Errorf("unknown tool event format %q (supported: %s, %s)", c.ToolEvents, ToolEventsMarker, ToolEventsNDJSON)
	}
	for _, f := range c.ReportFormats {
		if f != "json" && f != "html" {
			return fmt.Errorf("unknown report format %s, supported formats are: json, html", f)
		}
	}
	return nil
}
