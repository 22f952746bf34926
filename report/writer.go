package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mykhaliev/agent-e2e/logger"
	"github.com/mykhaliev/agent-e2e/model"
	"github.com/pkg/browser"
)

const (
	FormatJSON = "json"
	FormatHTML = "html"

	timestampLayout = "20060102-150405"
	latestBaseName  = "latest"
)

// FileReporter persists ReportData into OutputDir as
// report-<timestamp>.<format>, refreshing latest.<format> alongside.
type FileReporter struct {
	OutputDir string
	Formats   []string
}

func NewFileReporter(outputDir string, formats []string) *FileReporter {
	if len(formats) == 0 {
		formats = []string{FormatJSON, FormatHTML}
	}
	return &FileReporter{OutputDir: outputDir, Formats: formats}
}

// Write returns the timestamped paths written, keyed by format.
func (r *FileReporter) Write(data *model.ReportData) (map[string]string, error) {
	if data == nil {
		return nil, fmt.Errorf("no report data")
	}
	if err := os.MkdirAll(r.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	stamp := data.GeneratedAt.Format(timestampLayout)
	written := make(map[string]string, len(r.Formats))
	for _, format := range r.Formats {
		content, err := render(format, data)
		if err != nil {
			return written, err
		}

		path := filepath.Join(r.OutputDir, fmt.Sprintf("report-%s.%s", stamp, format))
		if err := os.WriteFile(path, content, logger.FilePermission); err != nil {
			return written, fmt.Errorf("failed to write report file: %w", err)
		}
		latest := filepath.Join(r.OutputDir, latestBaseName+"."+format)
		if err := os.WriteFile(latest, content, logger.FilePermission); err != nil {
			return written, fmt.Errorf("failed to write report file: %w", err)
		}

		written[format] = path
		logger.Logger.Info("Report written", "format", format, "path", path)
	}
	return written, nil
}

func render(format string, data *model.ReportData) ([]byte, error) {
	switch format {
	case FormatJSON:
		return GenerateJSON(data)
	case FormatHTML:
		gen, err := NewGenerator()
		if err != nil {
			return nil, err
		}
		html, err := gen.GenerateHTML(data)
		if err != nil {
			return nil, err
		}
		return []byte(html), nil
	default:
		return nil, fmt.Errorf("unknown report format %s, supported formats are: json, html", format)
	}
}

// ShouldOpen is false under CI even when opening was requested.
func ShouldOpen(requested bool) bool {
	return requested && os.Getenv("CI") == ""
}

// Open shows the report in the default browser.
func Open(path string) {
	if err := browser.OpenFile(path); err != nil {
		logger.Logger.Warn("Failed to open report", "path", path, "error", err)
	}
}
