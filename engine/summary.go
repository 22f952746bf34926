package engine

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/mykhaliev/agent-e2e/logger"
	"github.com/mykhaliev/agent-e2e/model"
)

const summaryErrorLength = 120

var (
	passedText  = color.New(color.FgGreen).SprintFunc()
	failedText  = color.New(color.FgRed).SprintFunc()
	skippedText = color.New(color.FgYellow).SprintFunc()
	headerText  = color.New(color.Bold).SprintFunc()
)

func PrintSummary(w io.Writer, data *model.ReportData) {
	if data == nil || len(data.Suites) == 0 {
		logger.Logger.Info("No suites were run")
		return
	}

	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
	fmt.Fprintln(w, headerText("[Summary] Agent E2E Results"))
	fmt.Fprintln(w, strings.Repeat("=", 80))

	for _, suite := range data.Suites {
		fmt.Fprintf(w, "  %-32s %s  %s %s %s\n",
			suite.Provider+" / "+suite.Template,
			statusLabel(suite.Status),
			passedText(fmt.Sprintf("%d passed", suite.Passed)),
			failedText(fmt.Sprintf("%d failed", suite.Failed)),
			skippedText(fmt.Sprintf("%d skipped", suite.Skipped)))

		for _, test := range suite.FailedTests() {
			fmt.Fprintf(w, "      %s %s/%s: %s\n",
				failedText("✗"),
				test.Category,
				test.Name,
				truncateError(test.Error, summaryErrorLength))
		}
	}

	s := data.Summary
	fmt.Fprintln(w, strings.Repeat("-", 80))
	fmt.Fprintf(w, "  Total Tests:  %d\n", s.Total)
	fmt.Fprintf(w, "  Passed:       %s\n", passedText(s.Passed))
	fmt.Fprintf(w, "  Failed:       %s\n", failedText(s.Failed))
	fmt.Fprintf(w, "  Skipped:      %s\n", skippedText(s.Skipped))
	fmt.Fprintf(w, "  Duration:     %dms\n", s.DurationMs)
	fmt.Fprintf(w, "  Budget:       %d / %d units used\n", data.TokenUsage.Used, data.TokenUsage.Budget)
	if data.Stopped {
		fmt.Fprintln(w, skippedText("  Run stopped early: budget exceeded"))
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))

	logger.Logger.Info("Run summary",
		"suites", s.Suites,
		"total", s.Total,
		"passed", s.Passed,
		"failed", s.Failed,
		"skipped", s.Skipped,
		"units_used", data.TokenUsage.Used,
		"budget", data.TokenUsage.Budget)
}

func statusLabel(status model.SuiteStatus) string {
	label := fmt.Sprintf("[%s]", status)
	switch status {
	case model.SuiteCompleted:
		return passedText(label)
	case model.SuiteBuildFailed:
		return failedText(label)
	default:
		return skippedText(label)
	}
}

func truncateError(msg string, maxLen int) string {
	msg = strings.Join(strings.Fields(msg), " ")
	runes := []rune(msg)
	if len(runes) <= maxLen {
		return msg
	}
	return string(runes[:maxLen-3]) + "..."
}
