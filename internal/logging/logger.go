package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kingrea/lattice-distributor/internal/config"
)

// FileName is the log file inside .lattice/logs.
const FileName = "distribute.log"

// Options controls where log lines go besides the log file.
type Options struct {
	// Level is a zerolog level name. Empty means info.
	Level string
	// Console mirrors entries to Console in human-readable form.
	Console io.Writer
}

// Logger appends JSON lines to .lattice/logs/distribute.log so users can
// inspect a run after the terminal is gone.
type Logger struct {
	file *os.File
	log  zerolog.Logger
}

// New creates (or reuses) the log file for the project directory.
func New(projectDir string, opts Options) (*Logger, error) {
	logDir := filepath.Join(projectDir, config.LatticeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	level, err := ParseLevel(opts.Level)
	if err != nil {
		f.Close()
		return nil, err
	}
	var out io.Writer = f
	if opts.Console != nil {
		out = zerolog.MultiLevelWriter(f, zerolog.ConsoleWriter{Out: opts.Console, TimeFormat: "15:04:05"})
	}
	return &Logger{
		file: f,
		log:  zerolog.New(out).Level(level).With().Timestamp().Logger(),
	}, nil
}

// ParseLevel maps a config level name onto zerolog. Empty means info.
func ParseLevel(name string) (zerolog.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("logging: %w", err)
	}
	return level, nil
}

// Zerolog returns the structured logger. A nil Logger yields a no-op logger.
func (l *Logger) Zerolog() zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return l.log
}

// Component returns a child logger tagged with component.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.Zerolog().With().Str("component", name).Logger()
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Printf writes a single info entry. It lets the logger stand in wherever a
// Printf-style logger is accepted.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	l.log.Info().Msg(strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

// Printer adapts a zerolog logger to the Printf interface at the given level.
type Printer struct {
	Log   zerolog.Logger
	Level zerolog.Level
}

func (p Printer) Printf(format string, args ...any) {
	p.Log.WithLevel(p.Level).Msg(strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}
