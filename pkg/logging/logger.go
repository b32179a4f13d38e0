package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/user/cloudscan/pkg/config"
)

// Options controls where log records go.
type Options struct {
	Level         string
	Debug         bool
	BaseDir       string
	BaseFileName  string
	EnableConsole bool
	Console       io.Writer
}

// OptionsFromConfig maps the logger settings onto Options.
func OptionsFromConfig(cfg config.LoggerConfig, debug bool) Options {
	return Options{
		Level:         cfg.Level,
		Debug:         debug,
		BaseDir:       cfg.BaseDir,
		BaseFileName:  cfg.BaseFileName,
		EnableConsole: cfg.EnableConsole,
	}
}

// New builds the process logger: JSON records to the log file and, optionally,
// human readable records on the console. The returned closer flushes the file.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}
	if opts.Debug {
		level = zerolog.DebugLevel
	}

	var writers []io.Writer
	var closer io.Closer = nopCloser{}

	if opts.BaseDir != "" && opts.BaseFileName != "" {
		if err := os.MkdirAll(opts.BaseDir, 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(opts.BaseDir, opts.BaseFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, f)
		closer = f
	}

	if opts.EnableConsole || len(writers) == 0 {
		out := opts.Console
		if out == nil {
			out = os.Stderr
		}
		writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime})
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
