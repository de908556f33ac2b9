package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Log levels constants.
const (
	None = iota
	Error
	Warning
	Info
	Debug
)

var currentLevel atomic.Int32 // Stores the current logging level atomically.

var (
	mu      sync.RWMutex
	logger  zerolog.Logger
	logFile *os.File
)

func init() {
	currentLevel.Store(Info)
	logger = newLogger(consoleWriter(os.Stderr))
}

func consoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "2006-01-02 15:04:05.000",
		FormatCaller: func(i interface{}) string {
			if i == nil {
				return ""
			}
			return filepath.Base(fmt.Sprintf("%s", i))
		},
	}
}

func newLogger(w io.Writer) zerolog.Logger {
	// Level filtering is done by currentLevel, zerolog itself logs everything it is given.
	return zerolog.New(w).Level(zerolog.TraceLevel).With().Timestamp().Logger()
}

// SetLevel atomically sets the global logging level.
// It clamps the input level to the valid range [None, Debug].
func SetLevel(level int) {
	if level < None {
		level = None
	} else if level > Debug {
		level = Debug
	}
	currentLevel.Store(int32(level))
	if level >= Debug {
		logf(Debug, "Log level set to %d", level)
	}
}

// GetLevel atomically retrieves the current logging level.
func GetLevel() int {
	return int(currentLevel.Load())
}

// ParseLevel converts a log level string (case-insensitive) to its integer representation.
// Returns Info level and an error if the string is invalid.
func ParseLevel(levelStr string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "none":
		return None, nil
	case "error":
		return Error, nil
	case "warn", "warning":
		return Warning, nil
	case "info":
		return Info, nil
	case "debug":
		return Debug, nil
	default:
		return Info, fmt.Errorf("invalid log level string: '%s'", levelStr)
	}
}

// SetupLogging configures the logging level based on an input string.
// Logs a warning and uses Info level if the input string is invalid.
// Returns the finally set log level.
func SetupLogging(levelStr string) int {
	level, err := ParseLevel(levelStr)
	if err != nil {
		logf(Warning, "Invalid log level '%s' provided, defaulting to 'info'. Error: %v", levelStr, err)
	}
	SetLevel(level)
	return level
}

// SetOutput replaces the console destination of the global logger.
// Any log file opened through SetupFile is dropped.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	closeFileLocked()
	logger = newLogger(consoleWriter(w))
}

// SetupFile mirrors every log line to path as JSON, in addition to the console.
// An empty path only closes a previously opened file.
func SetupFile(path string) error {
	mu.Lock()
	defer mu.Unlock()
	closeFileLocked()
	if path == "" {
		logger = newLogger(consoleWriter(os.Stderr))
		return nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log directory for '%s': %w", path, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file '%s': %w", path, err)
	}
	logFile = f
	logger = newLogger(zerolog.MultiLevelWriter(consoleWriter(os.Stderr), f))
	return nil
}

// Close releases the log file, if any. Safe to call multiple times.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeFileLocked()
}

func closeFileLocked() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

func enabled(level int) bool {
	return level != None && int32(level) <= currentLevel.Load()
}

func event(level int) *zerolog.Event {
	mu.RLock()
	l := logger
	mu.RUnlock()
	switch level {
	case Error:
		return l.Error()
	case Warning:
		return l.Warn()
	case Debug:
		return l.Debug()
	default:
		return l.Info()
	}
}

func logf(level int, format string, v ...interface{}) {
	if !enabled(level) {
		return
	}
	event(level).Msgf(format, v...)
}

// Logf logs a formatted message if the specified level is enabled according to the global setting.
func Logf(level int, format string, v ...interface{}) {
	logf(level, format, v...)
}

// Logw logs msg with structured key/value pairs, e.g.
//
//	logging.Logw(logging.Info, "batch loaded", "offset", 0, "rows", 50000)
//
// keyvals must alternate string keys and values.
func Logw(level int, msg string, keyvals ...interface{}) {
	if !enabled(level) {
		return
	}
	e := event(level)
	if len(keyvals) > 0 {
		e = e.Fields(keyvals)
	}
	e.Msg(msg)
}

// Since is a small helper for elapsed-time fields.
func Since(start time.Time) string {
	return time.Since(start).Round(time.Millisecond).String()
}
