// Package templates renders fixture prompts as handlebars templates.
package templates

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aymerick/raymond"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/mykhaliev/agent-e2e/model"
)

const (
	alphanumericChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	alphabeticChars   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	numericChars      = "0123456789"
	hexChars          = "0123456789abcdef"
)

// Context keys available to every prompt.
const (
	KeyRunID    = "RUN_ID"
	KeyProvider = "PROVIDER"
	KeyTemplate = "TEMPLATE"
	KeyCategory = "CATEGORY"
)

var registerOnce sync.Once

// Init registers the helpers once per process. Safe to call repeatedly.
func Init() {
	registerOnce.Do(registerHelpers)
}

// NewContext returns the static template context for one run: the process
// environment plus RUN_ID.
func NewContext(runID string) map[string]string {
	ctx := model.GetAllEnv()
	ctx[KeyRunID] = runID
	return ctx
}

// WithSuite returns a copy of base extended with suite-scoped keys.
func WithSuite(base map[string]string, provider, template, category string) map[string]string {
	ctx := make(map[string]string, len(base)+3)
	for k, v := range base {
		ctx[k] = v
	}
	ctx[KeyProvider] = provider
	ctx[KeyTemplate] = template
	ctx[KeyCategory] = category
	return ctx
}

// helperNames are the expressions Render evaluates besides context keys.
var helperNames = map[string]bool{
	"randomValue": true,
	"randomInt":   true,
	"now":         true,
	"faker":       true,
	"upper":       true,
	"lower":       true,
	"if":          true,
	"unless":      true,
	"else":        true,
}

var mustachePattern = regexp.MustCompile(`\{\{\{[^{}]*\}\}\}|\{\{[^{}]*\}\}`)

// Render evaluates the expressions in prompt that name a context key or a
// helper. Any other {{...}} is left exactly as written, and substituted values
// are not HTML-escaped. The prompt is returned unchanged when it is not a
// valid template.
func Render(prompt string, ctx map[string]string) string {
	if !strings.Contains(prompt, "{{") {
		return prompt
	}
	Init()

	var literals []string
	evaluated := false
	prepared := mustachePattern.ReplaceAllStringFunc(prompt, func(expr string) string {
		triple := strings.HasPrefix(expr, "{{{")
		body := strings.Trim(expr, "{}")
		marker := strings.TrimLeft(strings.TrimSpace(body), "~")
		prefix := ""
		if marker != "" && strings.ContainsAny(marker[:1], "#/") {
			prefix = marker[:1]
		}
		fields := strings.Fields(strings.TrimLeft(marker[len(prefix):], "~ "))

		if len(fields) == 0 || !isKnown(fields[0], ctx) {
			literals = append(literals, expr)
			return fmt.Sprintf("\x00%d\x00", len(literals)-1)
		}
		evaluated = true
		if triple || prefix != "" || fields[0] == "else" {
			return expr
		}
		return "{" + expr + "}"
	})
	if !evaluated {
		return prompt
	}

	out := model.RenderTemplate(prepared, ctx)
	if out == prepared {
		return prompt
	}
	for i, literal := range literals {
		out = strings.Replace(out, fmt.Sprintf("\x00%d\x00", i), literal, 1)
	}
	return out
}

func isKnown(name string, ctx map[string]string) bool {
	if helperNames[name] {
		return true
	}
	_, ok := ctx[name]
	return ok
}

func registerHelpers() {
	// {{randomValue type="NUMERIC" length=6}}
	raymond.RegisterHelper("randomValue", func(options *raymond.Options) string {
		randomType := strings.ToUpper(options.HashStr("type"))
		if randomType == "UUID" {
			return uuid.New().String()
		}

		length := 10
		if lengthVal := options.HashProp("length"); lengthVal != nil {
			length = toInt(lengthVal)
		}

		switch randomType {
		case "ALPHABETIC":
			return generateRandomString(alphabeticChars, length)
		case "NUMERIC":
			return generateRandomString(numericChars, length)
		case "HEXADECIMAL":
			return generateRandomString(hexChars, length)
		default:
			return generateRandomString(alphanumericChars, length)
		}
	})

	// {{randomInt lower=1 upper=10}}
	raymond.RegisterHelper("randomInt", func(options *raymond.Options) string {
		lower, upper := 0, 100
		if v := options.HashProp("lower"); v != nil {
			lower = toInt(v)
		}
		if v := options.HashProp("upper"); v != nil {
			upper = toInt(v)
		}
		if lower > upper {
			lower, upper = upper, lower
		}
		num, err := rand.Int(rand.Reader, big.NewInt(int64(upper-lower+1)))
		if err != nil {
			return fmt.Sprintf("%d", lower)
		}
		return fmt.Sprintf("%d", int(num.Int64())+lower)
	})

	// {{now format="date"}}
	raymond.RegisterHelper("now", func(options *raymond.Options) string {
		now := time.Now().UTC()
		switch options.HashStr("format") {
		case "unix":
			return fmt.Sprintf("%d", now.Unix())
		case "date":
			return now.Format(time.DateOnly)
		case "time":
			return now.Format(time.TimeOnly)
		default:
			return now.Format(time.RFC3339)
		}
	})

	// {{faker "email"}}
	raymond.RegisterHelper("faker", func(key string) string {
		r := gofakeit.New(0)
		switch strings.ToLower(key) {
		case "name":
			return r.Name()
		case "first_name":
			return r.FirstName()
		case "email":
			return r.Email()
		case "city":
			return r.City()
		case "country":
			return r.Country()
		case "company":
			return r.Company()
		case "word":
			return r.Word()
		case "sentence":
			return r.Sentence(8)
		case "uuid":
			return r.UUID()
		}
		return ""
	})

	raymond.RegisterHelper("upper", func(value string) string {
		return strings.ToUpper(value)
	})
	raymond.RegisterHelper("lower", func(value string) string {
		return strings.ToLower(value)
	})
}

// generateRandomString generates a cryptographically secure random string
func generateRandomString(charset string, length int) string {
	if length <= 0 {
		return ""
	}
	result := make([]byte, length)
	charsetLen := big.NewInt(int64(len(charset)))

	for i := 0; i < length; i++ {
		num, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			return ""
		}
		result[i] = charset[num.Int64()]
	}

	return string(result)
}

func toInt(val interface{}) int {
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var result int
		fmt.Sscanf(v, "%d", &result)
		return result
	default:
		return 0
	}
}
