package events

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultMaxLogSizeMB is the rotation threshold of the audit log.
const DefaultMaxLogSizeMB = 100

// LogEntry is one line of the command audit log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	CommandID string         `json:"command_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLogger appends JSONL entries to a size-rotated file.
type AuditLogger struct {
	mu      sync.Mutex
	out     io.WriteCloser
	logPath string
	written int
}

// NewAuditLogger opens an append-only audit log at logPath.
func NewAuditLogger(logPath string, maxSizeMB, maxBackups int) (*AuditLogger, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultMaxLogSizeMB
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &AuditLogger{
		logPath: logPath,
		out: &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		},
	}, nil
}

// Log writes an entry for eventType, lifting command_id and session_id out of
// details.
func (l *AuditLogger) Log(eventType string, details map[string]any) error {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Details:   details,
	}
	if id, ok := details["command_id"].(string); ok {
		entry.CommandID = id
	}
	if id, ok := details["session_id"].(string); ok {
		entry.SessionID = id
	}
	return l.WriteEntry(&entry)
}

// WriteEntry writes a structured entry as one JSON line.
func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(data); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	l.written++
	return nil
}

// Attach subscribes the logger to the given event types on bus. The returned
// function detaches it.
func (l *AuditLogger) Attach(bus *Bus, types ...EventType) func() {
	return bus.Subscribe(func(e Event) {
		entry := LogEntry{Timestamp: e.Timestamp, EventType: string(e.Type), Details: e.Data}
		if id, ok := e.Data["command_id"].(string); ok {
			entry.CommandID = id
		}
		if id, ok := e.Data["session_id"].(string); ok {
			entry.SessionID = id
		}
		_ = l.WriteEntry(&entry)
	}, types...)
}

// Written returns the number of entries written since open.
func (l *AuditLogger) Written() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

func (l *AuditLogger) Path() string {
	return l.logPath
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}
