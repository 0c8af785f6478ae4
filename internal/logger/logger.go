package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu sync.Mutex

	isDevelopment = false // human-readable console output when true

	logFile *os.File = nil

	base    zerolog.Logger
	baseSet bool
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
}

// GetLogger returns a logger tagged with the given service name. All loggers
// share one underlying writer, configured on first use.
func GetLogger(serviceName string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	if !baseSet {
		base = newBase()
		baseSet = true
	}
	return base.With().Str("service", serviceName).Logger()
}

func newBase() zerolog.Logger {
	if !isDevelopment {
		if logFile != nil {
			multi := zerolog.MultiLevelWriter(os.Stderr, logFile)
			return zerolog.New(multi).With().Timestamp().Logger()
		}
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339,
		FormatLevel: func(i any) string {
			return strings.ToUpper(fmt.Sprintf("[%5s]", i))
		},
		FormatMessage: func(i any) string {
			return fmt.Sprintf("| %s |", i)
		},
		FormatCaller: func(i any) string {
			return filepath.Base(fmt.Sprintf("%s", i))
		},
		PartsExclude: []string{
			zerolog.TimestampFieldName,
		}}
	var w zerolog.LevelWriter
	if logFile != nil {
		w = zerolog.MultiLevelWriter(consoleWriter, logFile)
	} else {
		w = zerolog.MultiLevelWriter(consoleWriter)
	}
	return zerolog.New(w).Level(zerolog.TraceLevel).With().Timestamp().Caller().Logger()
}

// SetDevelopment must be called before the first GetLogger to take effect.
func SetDevelopment(value bool) {
	mu.Lock()
	defer mu.Unlock()
	isDevelopment = value
	baseSet = false
}

// SetLogFile must be called before the first GetLogger to take effect.
func SetLogFile(file *os.File) {
	mu.Lock()
	defer mu.Unlock()
	logFile = file
	baseSet = false
}
