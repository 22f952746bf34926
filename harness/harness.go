// Package harness runs one generated agent process per query and captures its output.
package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mykhaliev/agent-e2e/logger"
	"github.com/mykhaliev/agent-e2e/model"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrTimeout is returned when the agent did not exit within the configured timeout.
	ErrTimeout = errors.New("agent query timed out")
	// ErrNoProcess is returned when the agent process could not be started.
	ErrNoProcess = errors.New("failed to start agent process")
)

// outputGrace bounds how long output is read after the agent exits.
const outputGrace = 250 * time.Millisecond

// nonInteractiveEnv is forced on every agent so its output stays parseable.
var nonInteractiveEnv = map[string]string{
	"NO_COLOR":    "1",
	"FORCE_COLOR": "0",
	"CI":          "true",
}

type Config struct {
	AgentDir   string
	Runtime    string // interpreter for the entry point; empty runs the entry point directly
	EntryPoint string
	Timeout    time.Duration
	Verbose    bool
	Echo       io.Writer
	BaseEnv    []string
	Env        map[string]string
	Extractor  Extractor
}

// Harness owns at most one live agent process at a time.
type Harness struct {
	cfg Config

	mu  sync.Mutex
	cmd *exec.Cmd
}

func New(cfg Config) *Harness {
	if cfg.Timeout <= 0 {
		cfg.Timeout = model.DefaultTimeout
	}
	if cfg.EntryPoint == "" {
		cfg.EntryPoint = model.DefaultEntryPoint
	}
	if cfg.Echo == nil {
		cfg.Echo = os.Stdout
	}
	if cfg.BaseEnv == nil {
		cfg.BaseEnv = os.Environ()
	}
	if cfg.Extractor == nil {
		cfg.Extractor = MarkerExtractor{}
	}
	return &Harness{cfg: cfg}
}

// Query spawns the agent with prompt as its only argument. A non-empty
// history is written to stdin as JSON before stdin is closed. The exit code
// is reported, not interpreted.
func (h *Harness) Query(ctx context.Context, prompt string, history []model.HistoryMessage) (*model.AgentResponse, error) {
	cmd, err := h.command(prompt, history)
	if err != nil {
		return nil, err
	}

	// The agent writes straight into OS pipes, so Wait returns as soon as the
	// agent itself exits even when a detached descendant still holds them.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}
	defer closeAll(stdoutR, stderrR)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	logger.Logger.Debug("Spawning agent",
		"agent_dir", h.cfg.AgentDir,
		"command", cmd.Path,
		"history", len(history),
		"timeout", h.cfg.Timeout)

	start := time.Now()
	err = h.start(cmd)
	closeAll(stdoutW, stderrW)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoProcess, err)
	}
	defer h.release(cmd)

	var stdout, stderr bytes.Buffer
	var pumps errgroup.Group
	pumps.Go(func() error { return pump(stdoutR, &stdout, h.echo()) })
	pumps.Go(func() error { return pump(stderrR, &stderr, h.echo()) })

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(h.cfg.Timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
		drain(&pumps, stdoutR, stderrR)
	case <-timer.C:
		h.terminate(cmd)
		<-done
		drain(&pumps, stdoutR, stderrR)
		logger.Logger.Warn("Agent timed out", "agent_dir", h.cfg.AgentDir, "timeout", h.cfg.Timeout)
		return nil, fmt.Errorf("%w after %dms", ErrTimeout, h.cfg.Timeout.Milliseconds())
	case <-ctx.Done():
		h.terminate(cmd)
		<-done
		drain(&pumps, stdoutR, stderrR)
		return nil, fmt.Errorf("agent query cancelled: %w", ctx.Err())
	}
	duration := time.Since(start)

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		logger.Logger.Warn("Agent wait failed", "error", waitErr)
	}

	raw := stdout.String()
	text := CleanOutput(raw)
	response := &model.AgentResponse{
		Text:     text,
		Duration: duration,
		ExitCode: exitCode(cmd),
		Stderr:   stderr.String(),
		Chat:     Transcript(prompt, text, h.cfg.Extractor.Extract(raw), start),
	}

	logger.Logger.Debug("Agent exited",
		"agent_dir", h.cfg.AgentDir,
		"exit_code", formatExitCode(response.ExitCode),
		"duration_ms", duration.Milliseconds(),
		"stdout_len", len(raw),
		"stderr_len", len(response.Stderr))

	return response, nil
}

// MultiTurn runs prompts in order, feeding each exchange back as history.
// It stops early, without error, after the first response that exited non-zero.
func (h *Harness) MultiTurn(ctx context.Context, prompts []string) ([]*model.AgentResponse, error) {
	var history []model.HistoryMessage
	responses := make([]*model.AgentResponse, 0, len(prompts))
	for _, prompt := range prompts {
		resp, err := h.Query(ctx, prompt, history)
		if err != nil {
			return responses, err
		}
		responses = append(responses, resp)
		if resp.Failed() {
			break
		}
		history = append(history,
			model.HistoryMessage{Role: model.RoleUser, Content: prompt},
			model.HistoryMessage{Role: model.RoleAssistant, Content: resp.Text},
		)
	}
	return responses, nil
}

// Kill terminates the in-flight agent process, if any.
func (h *Harness) Kill() {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd != nil {
		h.terminate(cmd)
	}
}

func (h *Harness) command(prompt string, history []model.HistoryMessage) (*exec.Cmd, error) {
	entry := filepath.Join(h.cfg.AgentDir, h.cfg.EntryPoint)
	var cmd *exec.Cmd
	if h.cfg.Runtime != "" {
		cmd = exec.Command(h.cfg.Runtime, entry, prompt)
	} else {
		cmd = exec.Command(entry, prompt)
	}
	cmd.Dir = h.cfg.AgentDir
	cmd.Env = MergeEnv(h.cfg.BaseEnv, h.cfg.Env)
	setProcessGroup(cmd)

	if len(history) > 0 {
		payload, err := EncodeHistory(history)
		if err != nil {
			return nil, err
		}
		cmd.Stdin = strings.NewReader(payload)
	}
	return cmd, nil
}

func (h *Harness) start(cmd *exec.Cmd) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := cmd.Start(); err != nil {
		return err
	}
	h.cmd = cmd
	return nil
}

func (h *Harness) release(cmd *exec.Cmd) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == cmd {
		h.cmd = nil
	}
}

func (h *Harness) terminate(cmd *exec.Cmd) {
	if err := killProcessGroup(cmd); err != nil {
		logger.Logger.Debug("Failed to kill agent process", "error", err)
	}
}

func (h *Harness) echo() io.Writer {
	if !h.cfg.Verbose {
		return nil
	}
	return h.cfg.Echo
}

// EncodeHistory renders history in the shape agents read from stdin.
func EncodeHistory(history []model.HistoryMessage) (string, error) {
	payload, err := sonic.MarshalString(history)
	if err != nil {
		return "", fmt.Errorf("failed to encode history: %w", err)
	}
	return payload, nil
}

// MergeEnv overlays extra and the non-interactive flags on base and returns
// a sorted KEY=VALUE list.
func MergeEnv(base []string, extra map[string]string) []string {
	merged := make(map[string]string, len(base)+len(extra)+len(nonInteractiveEnv))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	for k, v := range nonInteractiveEnv {
		merged[k] = v
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// drain waits for the output pumps. Once the agent has exited, output that
// is still open after outputGrace belongs to an orphaned descendant and the
// read ends are closed.
func drain(pumps *errgroup.Group, readers ...*os.File) {
	finished := make(chan error, 1)
	go func() { finished <- pumps.Wait() }()

	grace := time.NewTimer(outputGrace)
	defer grace.Stop()
	select {
	case err := <-finished:
		if err != nil {
			logger.Logger.Debug("Agent output stream closed with error", "error", err)
		}
	case <-grace.C:
		logger.Logger.Debug("Agent output still open after exit, closing", "grace", outputGrace)
		closeAll(readers...)
		<-finished
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func pump(r io.Reader, buf *bytes.Buffer, echo io.Writer) error {
	var w io.Writer = buf
	if echo != nil {
		w = io.MultiWriter(buf, echo)
	}
	_, err := io.Copy(w, r)
	return err
}

// exitCode is nil when the process was terminated by a signal.
func exitCode(cmd *exec.Cmd) *int {
	if cmd.ProcessState == nil {
		return nil
	}
	code := cmd.ProcessState.ExitCode()
	if code < 0 {
		return nil
	}
	return &code
}

func formatExitCode(code *int) string {
	if code == nil {
		return "none"
	}
	return fmt.Sprint(*code)
}
