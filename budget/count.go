package budget

import (
	"github.com/tmc/langchaingo/llms"
)

// Counter measures the units consumed by a piece of text.
type Counter func(text string) int

// TokenCounter counts tokens with the tokenizer of the given model,
// falling back to an approximation when the model is unknown.
func TokenCounter(modelName string) Counter {
	return func(text string) int {
		if text == "" {
			return 0
		}
		return llms.CountTokens(modelName, text)
	}
}

// CountUnits sums the counter over every text.
func CountUnits(counter Counter, texts ...string) int {
	total := 0
	for _, text := range texts {
		total += counter(text)
	}
	return total
}
