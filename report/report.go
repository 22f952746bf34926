// Package report renders run results as JSON and HTML using embedded templates
package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mykhaliev/agent-e2e/logger"
	"github.com/mykhaliev/agent-e2e/model"
)

//go:embed templates/*.html templates/*.css
var templateFS embed.FS

// View is the data passed to the HTML template
type View struct {
	CSS         template.CSS
	Data        *model.ReportData
	GeneratedAt string
	PassRate    float64
}

// Generator handles HTML report generation
type Generator struct {
	tmpl *template.Template
}

// NewGenerator creates a new report generator with embedded templates
func NewGenerator() (*Generator, error) {
	funcMap := template.FuncMap{
		"formatNumber": formatNumber,
		"lower":        strings.ToLower,
		"truncate": func(s string, max int) string {
			runes := []rune(s)
			if len(runes) <= max {
				return s
			}
			return string(runes[:max-3]) + "..."
		},
		"statusClass": func(status model.SuiteStatus) string {
			switch status {
			case model.SuiteCompleted:
				return "pass"
			case model.SuiteBuildFailed:
				return "fail"
			default:
				return "skip"
			}
		},
		"deref": func(v *int) int {
			if v == nil {
				return 0
			}
			return *v
		},
	}

	tmpl, err := template.New("report.html").Funcs(funcMap).ParseFS(templateFS, "templates/report.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	return &Generator{tmpl: tmpl}, nil
}

// GenerateHTML renders the report page
func (g *Generator) GenerateHTML(data *model.ReportData) (string, error) {
	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, buildView(data)); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}

// GenerateJSON encodes the report data, indented
func GenerateJSON(data *model.ReportData) ([]byte, error) {
	out, err := sonic.ConfigStd.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return out, nil
}

// LoadFromJSON reads a report previously written by GenerateJSON
func LoadFromJSON(jsonPath string) (*model.ReportData, error) {
	raw, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var data model.ReportData
	if err := sonic.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse report %s: %w", jsonPath, err)
	}
	return &data, nil
}

// GenerateHTMLFromJSON re-renders the HTML page for a saved JSON report
func GenerateHTMLFromJSON(jsonPath, outputPath string) error {
	data, err := LoadFromJSON(jsonPath)
	if err != nil {
		return err
	}
	gen, err := NewGenerator()
	if err != nil {
		return err
	}
	html, err := gen.GenerateHTML(data)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, []byte(html), logger.FilePermission); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	logger.Logger.Info("Report generated from JSON", "input", jsonPath, "output", outputPath)
	return nil
}

func buildView(data *model.ReportData) View {
	cssBytes, err := templateFS.ReadFile("templates/report.css")
	if err != nil {
		cssBytes = []byte("/* CSS load error */")
	}

	passRate := 0.0
	if data.Summary.Total > 0 {
		passRate = float64(data.Summary.Passed) / float64(data.Summary.Total) * 100
	}

	generatedAt := data.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}

	return View{
		CSS:         template.CSS(cssBytes),
		Data:        data,
		GeneratedAt: generatedAt.Format(time.RFC3339),
		PassRate:    passRate,
	}
}

func formatNumber(n int) string {
	s := strconv.Itoa(n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var out strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out.WriteByte(',')
		}
		out.WriteRune(c)
	}
	if neg {
		return "-" + out.String()
	}
	return out.String()
}
