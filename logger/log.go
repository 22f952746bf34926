package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Logger *slog.Logger

const (
	FilePermission = 0644
	TimeFormat     = "2006-01-02 15:04:05"

	logFileMaxSizeMB  = 10
	logFileMaxBackups = 3
	logFileMaxAgeDays = 14
)

func init() {
	// Packages log through Logger unconditionally; until the CLI configures
	// it, everything is discarded.
	Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func SetupLogger(w io.Writer, verbose bool) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	opts := &tint.Options{
		Level:      logLevel,
		TimeFormat: TimeFormat,
		NoColor:    !ColorEnabled(w),
	}

	handler := tint.NewHandler(w, opts)

	Logger = slog.New(handler)
}

// ColorEnabled reports whether w is an interactive terminal that should receive ANSI colors.
func ColorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// SetupLogWriter returns stdout, or stdout mirrored into a rotating log file
// when logPath is set. The returned closer is nil when no file is used.
func SetupLogWriter(logPath string) (io.Writer, io.Closer, error) {
	if logPath == "" {
		return os.Stdout, nil, nil
	}

	// Ensure log directory exists
	logDir := filepath.Dir(logPath)
	if logDir != "." && logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	logFile := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    logFileMaxSizeMB,
		MaxBackups: logFileMaxBackups,
		MaxAge:     logFileMaxAgeDays,
	}

	// Write to both stdout and file
	multiWriter := io.MultiWriter(os.Stdout, logFile)
	return multiWriter, logFile, nil
}
