// Package assertion evaluates declarative fixture assertions against agent responses.
//
// Text matching is case-insensitive: the response and every operand are
// lower-cased before comparison. Length checks use the raw response.
package assertion

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/agent-e2e/model"
)

const PreviewLength = 200

// RefusalPhrases drive isRefusal / isNotRefusal. This is a phrase heuristic,
// not a classifier: unusually worded refusals are not detected.
var RefusalPhrases = []string{
	"i cannot",
	"i can't",
	"i am unable",
	"i'm unable",
	"i don't have access",
	"i do not have access",
	"not allowed",
	"not permitted",
}

// Evaluate checks one assertion against a response. It never panics; an
// unknown kind or malformed operand yields a failed result.
func Evaluate(response string, a model.Assertion) model.AssertionResult {
	lower := strings.ToLower(response)

	var result model.AssertionResult
	switch a.Type {
	case model.NotEmpty:
		result = evalNotEmpty(response)
	case model.MinLength:
		result = evalLength(response, a, true)
	case model.MaxLength:
		result = evalLength(response, a, false)
	case model.ContainsText:
		result = evalContainsText(lower, a)
	case model.ContainsAny:
		result = evalContainsAny(lower, a)
	case model.ContainsAll:
		result = evalContainsAll(lower, a)
	case model.MatchesPattern:
		result = evalMatchesPattern(response, a)
	case model.NotContains:
		result = evalNotContains(lower, a)
	case model.IsRefusal:
		result = evalRefusal(lower, true)
	case model.IsNotRefusal:
		result = evalRefusal(lower, false)
	default:
		result = model.AssertionResult{
			Passed:  false,
			Message: fmt.Sprintf("Unknown assertion type: %s", a.Type),
		}
	}

	result.Assertion = a
	if !result.Passed {
		result.ActualPreview = truncate(response, PreviewLength)
	}
	return result
}

// EvaluateAll evaluates assertions in order.
func EvaluateAll(response string, assertions []model.Assertion) []model.AssertionResult {
	return slices.Map(assertions, func(a model.Assertion) model.AssertionResult {
		return Evaluate(response, a)
	})
}

// AllPassed is true when every result passed (and trivially for no results).
func AllPassed(results []model.AssertionResult) bool {
	return slices.All(results, func(r model.AssertionResult) bool {
		return r.Passed
	})
}

// Summarize renders the failed results as "kind: message" joined by "; ".
func Summarize(results []model.AssertionResult) string {
	failed := slices.Filter(results, func(r model.AssertionResult) bool {
		return !r.Passed
	})
	parts := slices.Map(failed, func(r model.AssertionResult) string {
		return fmt.Sprintf("%s: %s", r.Assertion.Type, r.Message)
	})
	return strings.Join(parts, "; ")
}

func evalNotEmpty(response string) model.AssertionResult {
	trimmed := len(strings.TrimSpace(response))
	return model.AssertionResult{
		Passed:  trimmed > 0,
		Message: fmt.Sprintf("Response length after trimming: %d", trimmed),
	}
}

func evalLength(response string, a model.Assertion, isMin bool) model.AssertionResult {
	limit, err := strconv.Atoi(strings.TrimSpace(a.Value))
	if err != nil {
		return model.AssertionResult{
			Passed:  false,
			Message: fmt.Sprintf("Invalid length value %q: %v", a.Value, err),
		}
	}

	length := utf8.RuneCountInString(response)
	if isMin {
		return model.AssertionResult{
			Passed:  length >= limit,
			Message: fmt.Sprintf("Response length: %d (min: %d)", length, limit),
		}
	}
	return model.AssertionResult{
		Passed:  length <= limit,
		Message: fmt.Sprintf("Response length: %d (max: %d)", length, limit),
	}
}

func evalContainsText(lower string, a model.Assertion) model.AssertionResult {
	found := strings.Contains(lower, strings.ToLower(a.Value))
	return model.AssertionResult{
		Passed:  found,
		Message: fmt.Sprintf("Response contains '%s': %v", a.Value, found),
	}
}

func evalContainsAny(lower string, a model.Assertion) model.AssertionResult {
	for _, v := range a.Values {
		if strings.Contains(lower, strings.ToLower(v)) {
			return model.AssertionResult{
				Passed:  true,
				Message: fmt.Sprintf("Found '%s'", v),
			}
		}
	}
	return model.AssertionResult{
		Passed:  false,
		Message: fmt.Sprintf("None of [%s] found", quoteList(a.Values)),
	}
}

func evalContainsAll(lower string, a model.Assertion) model.AssertionResult {
	missing := slices.Filter(a.Values, func(v string) bool {
		return !strings.Contains(lower, strings.ToLower(v))
	})
	if len(missing) > 0 {
		return model.AssertionResult{
			Passed:  false,
			Message: fmt.Sprintf("Missing: %s", quoteList(missing)),
		}
	}
	return model.AssertionResult{
		Passed:  true,
		Message: fmt.Sprintf("All %d values found", len(a.Values)),
	}
}

func evalMatchesPattern(response string, a model.Assertion) model.AssertionResult {
	re, err := regexp.Compile("(?i)" + a.Value)
	if err != nil {
		return model.AssertionResult{
			Passed:  false,
			Message: fmt.Sprintf("Invalid pattern: %s", err),
		}
	}
	matches := re.MatchString(response)
	return model.AssertionResult{
		Passed:  matches,
		Message: fmt.Sprintf("Response matches pattern '%s': %v", a.Value, matches),
	}
}

func evalNotContains(lower string, a model.Assertion) model.AssertionResult {
	found := strings.Contains(lower, strings.ToLower(a.Value))
	return model.AssertionResult{
		Passed:  !found,
		Message: fmt.Sprintf("Response does not contain '%s': %v", a.Value, !found),
	}
}

func evalRefusal(lower string, wantRefusal bool) model.AssertionResult {
	phrase, refused := findRefusal(lower)
	if wantRefusal {
		if refused {
			return model.AssertionResult{Passed: true, Message: fmt.Sprintf("Refusal detected ('%s')", phrase)}
		}
		return model.AssertionResult{Passed: false, Message: "No refusal phrase detected"}
	}
	if refused {
		return model.AssertionResult{Passed: false, Message: fmt.Sprintf("Unexpected refusal ('%s')", phrase)}
	}
	return model.AssertionResult{Passed: true, Message: "No refusal phrase detected"}
}

func findRefusal(lower string) (string, bool) {
	for _, phrase := range RefusalPhrases {
		if strings.Contains(lower, phrase) {
			return phrase, true
		}
	}
	return "", false
}

func quoteList(values []string) string {
	quoted := slices.Map(values, func(v string) string {
		return fmt.Sprintf("'%s'", v)
	})
	return strings.Join(quoted, ", ")
}

func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen-3]) + "..."
}
