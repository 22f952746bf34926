package harness

import (
	"regexp"
	"strings"
	"time"

	"github.com/mykhaliev/agent-e2e/model"
)

var (
	ansiPattern      = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]|\x1b\][^\x07]*\x07|\x1b[()][AB012]`)
	spinnerPattern   = regexp.MustCompile(`[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]`)
	thinkingPattern  = regexp.MustCompile(`thinking\.\.\.`)
	blankRunsPattern = regexp.MustCompile(`\n{3,}`)
)

// CleanOutput turns raw agent stdout into the response text assertions run against.
func CleanOutput(raw string) string {
	out := StripANSI(raw)
	out = strings.ReplaceAll(out, "\r", "")
	out = spinnerPattern.ReplaceAllString(out, "")
	out = thinkingPattern.ReplaceAllString(out, "")
	out = blankRunsPattern.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// Transcript builds the user/assistant exchange for one query, followed by
// one tool message per invocation seen in the output.
func Transcript(prompt, text string, tools []model.ToolInvocation, at time.Time) []model.ChatMessage {
	chat := make([]model.ChatMessage, 0, 2+len(tools))
	chat = append(chat,
		model.ChatMessage{Role: model.RoleUser, Content: prompt, Timestamp: at},
		model.ChatMessage{Role: model.RoleAssistant, Content: text, Timestamp: time.Now()},
	)
	for _, tool := range tools {
		chat = append(chat, model.ChatMessage{
			Role:     model.RoleTool,
			Content:  "Called " + tool.Name,
			ToolName: tool.Name,
		})
	}
	return chat
}
