// Package cli wires the command line onto the engine.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mykhaliev/agent-e2e/engine"
	"github.com/mykhaliev/agent-e2e/logger"
	"github.com/mykhaliev/agent-e2e/report"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const AppName = "agent-e2e"

// Process exit codes.
const (
	ExitOK     = 0
	ExitFailed = 1
	ExitError  = 2
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var errTestsFailed = errors.New("one or more tests failed")

// Execute runs the CLI with os.Args and returns the process exit code.
func Execute() int {
	_ = godotenv.Load()
	return ExecuteArgs(os.Args[1:], os.Stdout, os.Stderr)
}

// ExecuteArgs runs the CLI with explicit arguments and streams.
func ExecuteArgs(args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return ExitOK
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.code != ExitFailed {
			fmt.Fprintf(stderr, "Error: %v\n", exit.err)
		}
		return exit.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return ExitError
}

// NewRootCommand builds the command tree around a private viper instance.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	var logCloser io.Closer

	root := &cobra.Command{
		Use:   AppName,
		Short: "Black-box end-to-end tests for generated CLI agents",
		Long: `agent-e2e builds each generated agent, drives it through the fixture
prompts for every provider and template, and reports which assertions held.

Exit status is 0 when every executed test passed, 1 when any test failed
and 2 when the run could not be performed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString(keyConfig)
			if err := loadConfigFile(v, configPath); err != nil {
				return err
			}

			logWriter, closer, err := logger.SetupLogWriter(v.GetString(keyLog))
			if err != nil {
				return fmt.Errorf("failed to setup logging: %w", err)
			}
			logCloser = closer
			logger.SetupLogger(logWriter, v.GetBool(keyVerbose))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				_ = logCloser.Close()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(cmd, v)
		},
	}

	registerRunFlags(root.PersistentFlags())
	if err := bindFlags(v, root.PersistentFlags()); err != nil {
		panic(err)
	}

	root.AddCommand(newPlanCommand(v))
	root.AddCommand(newReportCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func runTests(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := BuildRunConfig(v)
	if err != nil {
		return &exitError{code: ExitError, err: err}
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	logger.Logger.Info("Starting application",
		"app", AppName,
		"fixtures", cfg.FixturesDir,
		"agents", cfg.AgentsDir,
		"output", cfg.OutputDir,
		"budget", cfg.Budget,
		"quick", cfg.Quick)

	data, err := engine.Run(ctx, cfg)
	if err != nil {
		return &exitError{code: ExitError, err: err}
	}

	engine.PrintSummary(cmd.OutOrStdout(), data)

	written, err := report.NewFileReporter(cfg.OutputDir, cfg.ReportFormats).Write(data)
	if err != nil {
		return &exitError{code: ExitError, err: err}
	}
	if path, ok := written[report.FormatHTML]; ok && report.ShouldOpen(cfg.OpenReport) {
		report.Open(path)
	}

	if engine.HasFailures(data) {
		return &exitError{code: ExitFailed, err: errTestsFailed}
	}
	return nil
}

// signalContext cancels on SIGINT or SIGTERM so the in-flight agent is killed.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Logger.Warn("Received signal, stopping run", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
