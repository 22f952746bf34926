package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/agent-e2e/logger"
	"github.com/mykhaliev/agent-e2e/model"
)

// ErrBuildFailed wraps every failure to produce an agent's entry point.
var ErrBuildFailed = errors.New("agent build failed")

const buildOutputTailLines = 20

// Builder makes sure an agent directory has a runnable entry point.
type Builder interface {
	EnsureBuilt(ctx context.Context, agentDir string) error
}

// CommandBuilder installs dependencies and runs the build command when the
// entry point is missing.
type CommandBuilder struct {
	EntryPoint string
	Manifest   string
	DepsDir    string
	InstallCmd string
	BuildCmd   string
	Timeout    time.Duration
}

func NewBuilder(cfg model.RunConfig) *CommandBuilder {
	timeout := cfg.BuildTimeout
	if timeout <= 0 {
		timeout = model.DefaultBuildTimeout
	}
	return &CommandBuilder{
		EntryPoint: cfg.EntryPoint,
		Manifest:   cfg.Manifest,
		DepsDir:    cfg.DepsDir,
		InstallCmd: cfg.InstallCmd,
		BuildCmd:   cfg.BuildCmd,
		Timeout:    timeout,
	}
}

// EnsureBuilt succeeds immediately when the entry point exists; nothing is
// installed or built in that case.
func (b *CommandBuilder) EnsureBuilt(ctx context.Context, agentDir string) error {
	entry := filepath.Join(agentDir, b.EntryPoint)
	if fileExists(entry) {
		logger.Logger.Debug("Agent already built", "agent_dir", agentDir)
		return nil
	}

	if b.Manifest != "" && !fileExists(filepath.Join(agentDir, b.Manifest)) {
		return fmt.Errorf("%w: %s not found in %s", ErrBuildFailed, b.Manifest, agentDir)
	}

	if b.DepsDir != "" && !fileExists(filepath.Join(agentDir, b.DepsDir)) {
		logger.Logger.Info("Installing agent dependencies", "agent_dir", agentDir, "command", b.InstallCmd)
		if err := b.run(ctx, agentDir, b.InstallCmd); err != nil {
			return fmt.Errorf("%w: install: %w", ErrBuildFailed, err)
		}
	}

	logger.Logger.Info("Building agent", "agent_dir", agentDir, "command", b.BuildCmd)
	if err := b.run(ctx, agentDir, b.BuildCmd); err != nil {
		return fmt.Errorf("%w: build: %w", ErrBuildFailed, err)
	}

	if !fileExists(entry) {
		return fmt.Errorf("%w: build finished but %s is missing", ErrBuildFailed, b.EntryPoint)
	}
	logger.Logger.Info("Agent built", "agent_dir", agentDir)
	return nil
}

func (b *CommandBuilder) run(ctx context.Context, dir, command string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("no command configured")
	}

	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%q timed out after %s", command, b.Timeout)
	}
	if tail := lastLines(string(output), buildOutputTailLines); tail != "" {
		return fmt.Errorf("%q: %w\n%s", command, err, tail)
	}
	return fmt.Errorf("%q: %w", command, err)
}

// DiscoverTemplates lists the template directories under agentsDir: those
// holding a manifest whose name does not end in a provider suffix.
func DiscoverTemplates(agentsDir, manifest string) ([]string, error) {
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents directory: %w", err)
	}

	suffixes := slices.Map(model.Providers, func(p model.ProviderSpec) string {
		return "-" + p.Name
	})

	var templates []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if slices.Any(suffixes, func(s string) bool { return strings.HasSuffix(name, s) }) {
			continue
		}
		if manifest != "" && !fileExists(filepath.Join(agentsDir, name, manifest)) {
			continue
		}
		templates = append(templates, name)
	}
	sort.Strings(templates)
	return templates, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
