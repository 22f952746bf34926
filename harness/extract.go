package harness

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/mykhaliev/agent-e2e/logger"
	"github.com/mykhaliev/agent-e2e/model"
	"github.com/yalp/jsonpath"
)

// Extractor finds tool invocations in the raw stdout of an agent.
type Extractor interface {
	Extract(raw string) []model.ToolInvocation
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(raw string) []model.ToolInvocation

func (f ExtractorFunc) Extract(raw string) []model.ToolInvocation {
	return f(raw)
}

var toolMarkerPattern = regexp.MustCompile(`🔧\s*(?:(?i:using|calling)\s+)?(?:(?i:tool):\s*|(?i:tool)\s+)?([A-Za-z_][\w.-]*)`)

// MarkerExtractor matches the wrench marker agents print before a tool call,
// e.g. "🔧 Using tool: get_weather".
type MarkerExtractor struct{}

func (MarkerExtractor) Extract(raw string) []model.ToolInvocation {
	matches := toolMarkerPattern.FindAllStringSubmatch(StripANSI(raw), -1)
	tools := make([]model.ToolInvocation, 0, len(matches))
	for _, m := range matches {
		tools = append(tools, model.ToolInvocation{Name: m[1]})
	}
	return tools
}

const DefaultToolPath = "$.tool"

// EventExtractor reads newline-delimited JSON event records and takes the
// tool name from Path. Lines that are not JSON objects are ignored.
type EventExtractor struct {
	Path string
}

func (e EventExtractor) Extract(raw string) []model.ToolInvocation {
	path := e.Path
	if path == "" {
		path = DefaultToolPath
	}

	var tools []model.ToolInvocation
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var data interface{}
		if err := sonic.UnmarshalString(line, &data); err != nil {
			continue
		}
		res, err := jsonpath.Read(data, path)
		if err != nil || res == nil {
			continue
		}
		name := strings.TrimSpace(fmt.Sprint(res))
		if name == "" {
			continue
		}
		tools = append(tools, model.ToolInvocation{Name: name})
	}
	if err := scanner.Err(); err != nil {
		logger.Logger.Warn("Failed to scan agent events", "error", err)
	}
	return tools
}

// NewExtractor returns the extractor for a --tool-events value.
func NewExtractor(format string) Extractor {
	if format == model.ToolEventsNDJSON {
		return EventExtractor{Path: DefaultToolPath}
	}
	return MarkerExtractor{}
}
