package model

import (
	"os"
	"strings"

	"github.com/aymerick/raymond"
	"github.com/mykhaliev/agent-e2e/logger"
)

func GetAllEnv() map[string]string {
	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}
	return envMap
}

// RenderTemplate safely parses and executes a Raymond template.
// If parsing or execution fails, it returns the input string unchanged.
func RenderTemplate(input string, context map[string]string) string {
	if !strings.Contains(input, "{{") {
		return input
	}

	tmpl, err := raymond.Parse(input)
	if err != nil {
		logger.Logger.Warn("Failed to parse template", "error", err)
		return input
	}

	output, err := tmpl.Exec(context)
	if err != nil {
		logger.Logger.Warn("Failed to execute template", "error", err)
		return input
	}

	return output
}
