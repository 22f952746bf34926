package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/mykhaliev/agent-e2e/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("build commands require a POSIX shell")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func testBuilder() *CommandBuilder {
	return &CommandBuilder{
		EntryPoint: model.DefaultEntryPoint,
		Manifest:   model.DefaultManifest,
		DepsDir:    model.DefaultDepsDir,
		InstallCmd: "sh install.sh",
		BuildCmd:   "sh build.sh",
		Timeout:    10 * time.Second,
	}
}

func TestEnsureBuiltSkipsWhenEntryPointExists(t *testing.T) {
	skipWithoutShell(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "dist", "index.js"), "console.log('hi')")
	writeFile(t, filepath.Join(dir, "install.sh"), "touch installed")
	writeFile(t, filepath.Join(dir, "build.sh"), "touch built")

	require.NoError(t, testBuilder().EnsureBuilt(context.Background(), dir))
	assert.NoFileExists(t, filepath.Join(dir, "installed"))
	assert.NoFileExists(t, filepath.Join(dir, "built"))
}

func TestEnsureBuiltInstallsAndBuilds(t *testing.T) {
	skipWithoutShell(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "package.json"), "{}")
	writeFile(t, filepath.Join(dir, "install.sh"), "mkdir node_modules")
	writeFile(t, filepath.Join(dir, "build.sh"), "mkdir -p dist && echo 'x' > dist/index.js")

	require.NoError(t, testBuilder().EnsureBuilt(context.Background(), dir))
	assert.DirExists(t, filepath.Join(dir, "node_modules"))
	assert.FileExists(t, filepath.Join(dir, "dist", "index.js"))
}

func TestEnsureBuiltSkipsInstallWhenDependenciesPresent(t *testing.T) {
	skipWithoutShell(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "package.json"), "{}")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "node_modules"), 0755))
	writeFile(t, filepath.Join(dir, "install.sh"), "touch installed")
	writeFile(t, filepath.Join(dir, "build.sh"), "mkdir -p dist && echo 'x' > dist/index.js")

	require.NoError(t, testBuilder().EnsureBuilt(context.Background(), dir))
	assert.NoFileExists(t, filepath.Join(dir, "installed"))
}

func TestEnsureBuiltFailures(t *testing.T) {
	skipWithoutShell(t)

	t.Run("missing manifest", func(t *testing.T) {
		err := testBuilder().EnsureBuilt(context.Background(), t.TempDir())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBuildFailed))
		assert.Contains(t, err.Error(), "package.json")
	})

	t.Run("build command fails with output tail", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "package.json"), "{}")
		require.NoError(t, os.Mkdir(filepath.Join(dir, "node_modules"), 0755))
		var script strings.Builder
		for i := 1; i <= 30; i++ {
			script.WriteString("echo line" + strings.Repeat("x", i) + "\n")
		}
		script.WriteString("echo 'TS2304: cannot find name' >&2\nexit 2\n")
		writeFile(t, filepath.Join(dir, "build.sh"), script.String())

		err := testBuilder().EnsureBuilt(context.Background(), dir)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBuildFailed))
		assert.Contains(t, err.Error(), "TS2304")
		assert.NotContains(t, err.Error(), "linex\n")
	})

	t.Run("build succeeds without entry point", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "package.json"), "{}")
		require.NoError(t, os.Mkdir(filepath.Join(dir, "node_modules"), 0755))
		writeFile(t, filepath.Join(dir, "build.sh"), "true")

		err := testBuilder().EnsureBuilt(context.Background(), dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "is missing")
	})
}

func TestNewBuilderDefaultsTimeout(t *testing.T) {
	b := NewBuilder(model.RunConfig{EntryPoint: "dist/index.js"})
	assert.Equal(t, model.DefaultBuildTimeout, b.Timeout)
}

func TestDiscoverTemplates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "chat", "package.json"), "{}")
	writeFile(t, filepath.Join(dir, "chat-anthropic", "package.json"), "{}")
	writeFile(t, filepath.Join(dir, "code", "package.json"), "{}")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "scratch"), 0755))
	writeFile(t, filepath.Join(dir, "notes.txt"), "")

	templates, err := DiscoverTemplates(dir, "package.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"chat", "code"}, templates)

	_, err = DiscoverTemplates(filepath.Join(dir, "missing"), "package.json")
	assert.Error(t, err)
}

func TestLastLines(t *testing.T) {
	assert.Equal(t, "c\nd", lastLines("a\nb\nc\nd\n", 2))
	assert.Equal(t, "a", lastLines("a", 5))
	assert.Equal(t, "", lastLines("", 5))
}

func TestBuildPlan(t *testing.T) {
	fixtures := []model.TestFixture{
		{Category: "a", Tests: []model.TestCase{{Name: "1", EstimatedTokens: 100}, {Name: "2"}}},
		{Category: "b", Tests: []model.TestCase{{Name: "3", EstimatedTokens: 250}}},
	}

	full := BuildPlan(fixtures, 2, 1000, false)
	assert.Equal(t, 850, full.EstimatedUnits)
	assert.Equal(t, 1700, full.TotalUnits())
	assert.Equal(t, 2, full.Categories[0].Selected)

	quick := BuildPlan(fixtures, 2, 1000, true)
	assert.Equal(t, 350, quick.EstimatedUnits)
	assert.Equal(t, 1, quick.Categories[0].Selected)
	assert.Equal(t, 2, quick.Categories[0].Tests)

	var out bytes.Buffer
	color.NoColor = true
	PrintPlan(&out, full)
	assert.Contains(t, out.String(), "later tests will be skipped")
}

func TestPrintSummary(t *testing.T) {
	color.NoColor = true
	data := &model.ReportData{
		Suites: []model.SuiteResult{
			{
				Provider: "openai", Template: "chat", Status: model.SuiteCompleted,
				Total: 2, Passed: 1, Failed: 1,
				Tests: []model.TestResult{
					{Name: "ok", Category: "basic", Passed: true},
					{Name: "bad", Category: "basic", Error: strings.Repeat("e", 300)},
				},
			},
			{Provider: "groq", Template: "chat", Status: model.SuiteMissingCredentials, Skipped: 2},
		},
		Stopped: true,
	}
	data.Summary = model.Summarize(data.Suites)

	var out bytes.Buffer
	PrintSummary(&out, data)
	text := out.String()

	assert.Contains(t, text, "openai / chat")
	assert.Contains(t, text, "[missing_credentials]")
	assert.Contains(t, text, "basic/bad: "+strings.Repeat("e", summaryErrorLength-3)+"...")
	assert.NotContains(t, text, "basic/ok")
	assert.Contains(t, text, "budget exceeded")
}

func TestTruncateError(t *testing.T) {
	assert.Equal(t, "short message", truncateError("short\n  message", 120))
	assert.Len(t, []rune(truncateError(strings.Repeat("é", 200), 120)), 120)
}
