// Package fixture discovers category files in the fixtures directory and
// decodes them into classified test cases.
package fixture

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gobwas/glob"
	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/agent-e2e/logger"
	"github.com/mykhaliev/agent-e2e/model"
	"gopkg.in/yaml.v3"
)

// ErrNoFixtures is returned when no category file matched.
var ErrNoFixtures = errors.New("no fixtures found")

// Extensions recognised as fixture files. JSON is read through the YAML
// decoder, which accepts it as a subset.
var Extensions = []string{".json", ".yaml", ".yml"}

// Load reads every fixture file in dir whose category matches one of the
// patterns (all files when patterns is empty). Files are returned in
// directory order, which defines category execution order.
func Load(dir string, patterns []string) ([]model.TestFixture, error) {
	matchers, err := compilePatterns(patterns)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: directory %s does not exist", ErrNoFixtures, dir)
		}
		return nil, fmt.Errorf("failed to read fixtures directory: %w", err)
	}

	var fixtures []model.TestFixture
	seen := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !slices.Contains(Extensions, ext) {
			continue
		}
		category := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if !matchesAny(matchers, category) {
			logger.Logger.Debug("Skipping fixture outside category filter", "category", category)
			continue
		}
		if prev, dup := seen[category]; dup {
			return nil, fmt.Errorf("category %q defined by both %s and %s", category, prev, entry.Name())
		}
		seen[category] = entry.Name()

		fixture, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		fixtures = append(fixtures, *fixture)
	}

	if len(fixtures) == 0 {
		if len(patterns) > 0 {
			return nil, fmt.Errorf("%w in %s matching %s", ErrNoFixtures, dir, strings.Join(patterns, ", "))
		}
		return nil, fmt.Errorf("%w in %s", ErrNoFixtures, dir)
	}

	logger.Logger.Info("Loaded fixtures",
		"dir", dir,
		"categories", len(fixtures),
		"tests", model.CountTests(fixtures))
	return fixtures, nil
}

// LoadFile validates and decodes a single fixture file. The category is the
// file name without its extension, whatever the document itself declares.
func LoadFile(path string) (*model.TestFixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture %s: %w", path, err)
	}
	base := filepath.Base(path)
	category := strings.TrimSuffix(base, filepath.Ext(base))

	fixture, err := Parse(data, filepath.Ext(base))
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", base, err)
	}
	if fixture.Category != "" && fixture.Category != category {
		logger.Logger.Debug("Fixture category overridden by file name",
			"declared", fixture.Category,
			"category", category)
	}
	fixture.Category = category
	return fixture, nil
}

// Parse validates raw fixture content against the schema, decodes it and
// classifies every test case. ext selects the decoder: ".json" documents are
// read as JSON, anything else as YAML.
func Parse(data []byte, ext string) (*model.TestFixture, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("fixture is empty")
	}

	unmarshal := yaml.Unmarshal
	if strings.EqualFold(ext, ".json") {
		unmarshal = sonic.Unmarshal
	}

	var doc any
	if err := unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid fixture syntax: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("fixture is empty")
	}
	if err := Validate(doc); err != nil {
		return nil, err
	}

	var fixture model.TestFixture
	if err := unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("failed to decode fixture: %w", err)
	}

	names := map[string]bool{}
	for i := range fixture.Tests {
		tc := &fixture.Tests[i]
		if err := tc.Classify(); err != nil {
			return nil, err
		}
		if names[tc.Name] {
			return nil, fmt.Errorf("duplicate test name %q", tc.Name)
		}
		names[tc.Name] = true

		if err := checkOperands(tc.Name, tc.Assertions); err != nil {
			return nil, err
		}
		for _, turn := range tc.Turns {
			if err := checkOperands(tc.Name, turn.Assertions); err != nil {
				return nil, err
			}
		}
	}
	return &fixture, nil
}

func compilePatterns(patterns []string) ([]glob.Glob, error) {
	matchers := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid category pattern %q: %w", p, err)
		}
		matchers = append(matchers, g)
	}
	return matchers, nil
}

func matchesAny(matchers []glob.Glob, category string) bool {
	if len(matchers) == 0 {
		return true
	}
	return slices.Any(matchers, func(g glob.Glob) bool {
		return g.Match(category)
	})
}
