package cli

import (
	"fmt"
	"strings"

	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/agent-e2e/budget"
	"github.com/mykhaliev/agent-e2e/model"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. AGENT_E2E_BUDGET=quick.
const EnvPrefix = "AGENT_E2E"

// Flag and config keys. Config files use the same names.
const (
	keyConfig        = "config"
	keyProvider      = "provider"
	keyTemplate      = "template"
	keyCategory      = "category"
	keyBudget        = "budget"
	keyTimeout       = "timeout"
	keyBuildTimeout  = "build-timeout"
	keyQuick         = "quick"
	keyFull          = "full"
	keyVerbose       = "verbose"
	keyNoOpen        = "no-open"
	keyAgentsDir     = "agents-dir"
	keyFixturesDir   = "fixtures-dir"
	keyOutputDir     = "output-dir"
	keyLog           = "log"
	keyMeasureTokens = "measure-tokens"
	keyTokenModel    = "token-model"
	keyToolEvents    = "tool-events"
	keyReport        = "report"
	keyRuntime       = "runtime"
	keyEntryPoint    = "entry-point"
	keyInstallCmd    = "install-cmd"
	keyBuildCmd      = "build-cmd"
)

func registerRunFlags(flags *pflag.FlagSet) {
	flags.StringP(keyConfig, "c", "", "optional config file (yaml, json or toml)")
	flags.StringSliceP(keyProvider, "p", nil, "providers to test (default: all supported providers)")
	flags.StringSliceP(keyTemplate, "t", nil, "agent templates to test (default: every template in --agents-dir)")
	flags.StringSlice(keyCategory, nil, "fixture categories to run, glob patterns allowed")
	flags.StringP(keyBudget, "b", "", "budget in units or a preset: "+strings.Join(budget.PresetNames(), ", "))
	flags.Duration(keyTimeout, model.DefaultTimeout, "per-query timeout")
	flags.Duration(keyBuildTimeout, model.DefaultBuildTimeout, "timeout for each install or build command")
	flags.BoolP(keyQuick, "q", false, "run only quick tests (implies the quick budget preset)")
	flags.Bool(keyFull, false, "use the full budget preset")
	flags.BoolP(keyVerbose, "v", false, "echo agent output and enable debug logging")
	flags.Bool(keyNoOpen, false, "do not open the HTML report when the run finishes")
	flags.String(keyAgentsDir, model.DefaultAgentsDir, "directory containing generated agents")
	flags.String(keyFixturesDir, model.DefaultFixturesDir, "directory containing test fixtures")
	flags.StringP(keyOutputDir, "o", model.DefaultOutputDir, "directory reports are written to")
	flags.StringP(keyLog, "l", "", "also write logs to this file")
	flags.Bool(keyMeasureTokens, false, "charge measured token counts instead of fixture estimates")
	flags.String(keyTokenModel, model.DefaultTokenModel, "model whose tokenizer --measure-tokens uses")
	flags.String(keyToolEvents, model.ToolEventsMarker, "how agents report tool calls: marker or ndjson")
	flags.StringSlice(keyReport, []string{"json", "html"}, "report formats to write")
	flags.String(keyRuntime, model.DefaultRuntime, "runtime used to launch the agent entry point, empty to exec it directly")
	flags.String(keyEntryPoint, model.DefaultEntryPoint, "agent entry point relative to the agent directory")
	flags.String(keyInstallCmd, model.DefaultInstallCmd, "dependency install command")
	flags.String(keyBuildCmd, model.DefaultBuildCmd, "agent build command")
}

// bindFlags binds every flag in flags to v (flags > env > config file > defaults).
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == keyConfig || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(f.Name, f)
	})
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return bindErr
}

// loadConfigFile reads path into v. A missing default config is fine; an
// explicit path that cannot be read is not.
func loadConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agent-e2e")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to load config: %w", err)
	}
	return nil
}

// BuildRunConfig resolves the merged settings in v into a validated RunConfig.
func BuildRunConfig(v *viper.Viper) (model.RunConfig, error) {
	quick := v.GetBool(keyQuick)
	full := v.GetBool(keyFull)
	if quick && full {
		return model.RunConfig{}, fmt.Errorf("--quick and --full cannot be combined")
	}

	providers, err := resolveProviders(listValue(v, keyProvider))
	if err != nil {
		return model.RunConfig{}, err
	}

	budgetValue := v.GetString(keyBudget)
	if budgetValue == "" {
		switch {
		case quick:
			budgetValue = "quick"
		case full:
			budgetValue = "full"
		default:
			budgetValue = budget.DefaultPreset
		}
	}
	units, err := budget.ParseBudget(budgetValue)
	if err != nil {
		return model.RunConfig{}, err
	}

	cfg := model.RunConfig{
		Providers:       providers,
		PrimaryProvider: model.PrimaryProvider,
		Templates:       listValue(v, keyTemplate),
		Categories:      listValue(v, keyCategory),
		FixturesDir:     v.GetString(keyFixturesDir),
		AgentsDir:       v.GetString(keyAgentsDir),
		OutputDir:       v.GetString(keyOutputDir),
		Budget:          units,
		Timeout:         v.GetDuration(keyTimeout),
		BuildTimeout:    v.GetDuration(keyBuildTimeout),
		Quick:           quick,
		Verbose:         v.GetBool(keyVerbose),
		OpenReport:      !v.GetBool(keyNoOpen),
		MeasureTokens:   v.GetBool(keyMeasureTokens),
		TokenModel:      v.GetString(keyTokenModel),
		ToolEvents:      v.GetString(keyToolEvents),
		ReportFormats:   slices.Map(listValue(v, keyReport), strings.ToLower),
		Runtime:         v.GetString(keyRuntime),
		EntryPoint:      v.GetString(keyEntryPoint),
		Manifest:        model.DefaultManifest,
		DepsDir:         model.DefaultDepsDir,
		InstallCmd:      v.GetString(keyInstallCmd),
		BuildCmd:        v.GetString(keyBuildCmd),
	}
	if err := cfg.Validate(); err != nil {
		return model.RunConfig{}, err
	}
	return cfg, nil
}

func resolveProviders(names []string) ([]model.ProviderSpec, error) {
	if len(names) == 0 {
		return append([]model.ProviderSpec(nil), model.Providers...), nil
	}
	providers := make([]model.ProviderSpec, 0, len(names))
	for _, name := range names {
		p, err := model.LookupProvider(name)
		if err != nil {
			return nil, err
		}
		if slices.Contains(providers, p) {
			continue
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// listValue accepts repeated flags, comma separated env values and config lists.
func listValue(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
