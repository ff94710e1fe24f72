package daemon

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/msageha/aispire/internal/model"
)

// ParseLogLevel maps a config level name to a zerolog level. Unknown names
// yield info.
func ParseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// levelWriter drops entries below a level that can change while the daemon
// runs.
type levelWriter struct {
	out   zerolog.LevelWriter
	level atomic.Int32
}

func (w *levelWriter) Write(p []byte) (int, error) {
	return w.out.Write(p)
}

func (w *levelWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < zerolog.Level(w.level.Load()) {
		return len(p), nil
	}
	return w.out.WriteLevel(l, p)
}

// Logging owns the daemon's log sinks.
type Logging struct {
	Logger zerolog.Logger
	writer *levelWriter
	file   *lumberjack.Logger
}

// NewLogging builds a logger writing to a console on stderr (when enabled)
// and to a rotating file. cfg.File overrides defaultFile; an empty result
// disables the file.
func NewLogging(cfg model.LoggingConfig, defaultFile string, stderr io.Writer) (*Logging, error) {
	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339})
	}

	l := &Logging{}
	path := cfg.File
	if path == "" {
		path = defaultFile
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		l.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		outs = append(outs, l.file)
	}
	if len(outs) == 0 {
		outs = append(outs, io.Discard)
	}

	l.writer = &levelWriter{out: zerolog.MultiLevelWriter(outs...)}
	l.SetLevel(ParseLogLevel(cfg.Level))
	l.Logger = zerolog.New(l.writer).With().Timestamp().Logger()
	return l, nil
}

func (l *Logging) SetLevel(level zerolog.Level) {
	l.writer.level.Store(int32(level))
}

func (l *Logging) Level() zerolog.Level {
	return zerolog.Level(l.writer.level.Load())
}

func (l *Logging) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
