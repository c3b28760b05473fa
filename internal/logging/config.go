package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	EnvLogLevel     = "P2PNET_LOG_LEVEL"
	EnvLogTimestamp = "P2PNET_LOG_TIMESTAMP"
	EnvLogNoColor   = "P2PNET_LOG_NOCOLOR"
	EnvLogFormat    = "P2PNET_LOG_FORMAT"
	EnvLogFile      = "P2PNET_LOG_FILE"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Options is the resolved logger configuration. Zero values fall back to the
// profile defaults.
type Options struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	JSON      bool
	File      FileOptions
}

// FileOptions enables a rotated log file next to the console writer.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var configureOnce sync.Once

func ConfigureTests() {
	Configure(ProfileTest)
}

func Configure(profile Profile) {
	ConfigureWith(DefaultOptions(profile))
}

// ConfigureWith installs the global logger once; later calls are ignored.
func ConfigureWith(opts Options) {
	configureOnce.Do(func() {
		ApplyEnvOverrides(&opts)
		log.Logger = New(opts)
		zerolog.SetGlobalLevel(opts.Level)
	})
}

func DefaultOptions(profile Profile) Options {
	switch profile {
	case ProfileTest:
		return Options{Level: zerolog.DebugLevel, Timestamp: false}
	default:
		return Options{Level: zerolog.InfoLevel, Timestamp: true}
	}
}

// New builds a logger from opts without touching global state.
func New(opts Options) zerolog.Logger {
	var console io.Writer = os.Stderr
	if !opts.JSON {
		cw := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			NoColor:    opts.NoColor,
			TimeFormat: time.RFC3339,
		}
		if !opts.Timestamp {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		console = cw
	}

	out := console
	if path := strings.TrimSpace(opts.File.Path); path != "" {
		out = zerolog.MultiLevelWriter(console, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    atLeast(opts.File.MaxSizeMB, 10),
			MaxBackups: atLeast(opts.File.MaxBackups, 1),
			MaxAge:     atLeast(opts.File.MaxAgeDays, 7),
			Compress:   opts.File.Compress,
		})
	}

	ctx := zerolog.New(out).Level(opts.Level).With()
	if opts.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

// Component returns a child of the global logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

func ApplyEnvOverrides(opts *Options) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		opts.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		opts.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		opts.NoColor = v
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogFormat))) {
	case "json":
		opts.JSON = true
	case "console", "text":
		opts.JSON = false
	}
	if path := strings.TrimSpace(os.Getenv(EnvLogFile)); path != "" {
		opts.File.Path = path
	}
}

func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none", "inactive":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func atLeast(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}
