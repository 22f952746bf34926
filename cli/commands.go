package cli

import (
	"fmt"
	"strings"

	"github.com/mykhaliev/agent-e2e/engine"
	"github.com/mykhaliev/agent-e2e/fixture"
	"github.com/mykhaliev/agent-e2e/logger"
	"github.com/mykhaliev/agent-e2e/report"
	"github.com/mykhaliev/agent-e2e/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newPlanCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show which tests would run and their estimated cost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := BuildRunConfig(v)
			if err != nil {
				return err
			}
			fixtures, err := fixture.Load(cfg.FixturesDir, cfg.Categories)
			if err != nil {
				return err
			}

			templates := cfg.Templates
			if len(templates) == 0 {
				templates, err = engine.DiscoverTemplates(cfg.AgentsDir, cfg.Manifest)
				if err != nil {
					logger.Logger.Warn("Could not discover templates", "agents_dir", cfg.AgentsDir, "error", err)
				}
			}

			out := cmd.OutOrStdout()
			names := make([]string, len(cfg.Providers))
			for i, p := range cfg.Providers {
				names[i] = p.Name
			}
			fmt.Fprintf(out, "Providers: %s\n", strings.Join(names, ", "))
			fmt.Fprintf(out, "Templates: %s\n", strings.Join(templates, ", "))
			engine.PrintPlan(out, engine.BuildPlan(fixtures, len(cfg.Providers)*len(templates), cfg.Budget, cfg.Quick))
			return nil
		},
	}
}

func newReportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "report <report.json> [report.html]",
		Short: "Regenerate the HTML report from a saved JSON report",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			output := strings.TrimSuffix(input, ".json") + ".html"
			if len(args) == 2 {
				output = args[1]
			}
			if err := report.GenerateHTMLFromJSON(input, output); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), output)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\nCommit: %s\nBuildDate: %s\n",
				version.Version, version.Commit, version.BuildDate)
		},
	}
}
