package model

import (
	"fmt"
	"maps"
	"time"
)

// QueuedCommand is a unit of script text awaiting or undergoing execution by
// the downstream executor.
type QueuedCommand struct {
	ID            string          `json:"id" yaml:"id"`
	Command       string          `json:"command" yaml:"command"`
	Priority      Priority        `json:"priority" yaml:"priority"`
	Status        Status          `json:"status" yaml:"status"`
	CreatedAt     time.Time       `json:"created_at" yaml:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Result        *ResultEnvelope `json:"result,omitempty" yaml:"result,omitempty"`
	Error         *string         `json:"error,omitempty" yaml:"error,omitempty"`
	ErrorCategory Category        `json:"error_category,omitempty" yaml:"error_category,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NewQueuedCommand returns a pending command.
func NewQueuedCommand(id, text string, priority Priority, metadata map[string]any, now time.Time) *QueuedCommand {
	return &QueuedCommand{
		ID:        id,
		Command:   text,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: now,
		Metadata:  maps.Clone(metadata),
	}
}

func (c *QueuedCommand) transition(to Status) error {
	if err := ValidateTransition(c.Status, to); err != nil {
		return fmt.Errorf("command %s: %w", c.ID, err)
	}
	c.Status = to
	return nil
}

// MarkStarted moves a pending command to in_progress and records StartedAt.
func (c *QueuedCommand) MarkStarted(now time.Time) error {
	if err := c.transition(StatusInProgress); err != nil {
		return err
	}
	c.StartedAt = &now
	return nil
}

func (c *QueuedCommand) MarkCompleted(result *ResultEnvelope, now time.Time) error {
	if err := c.transition(StatusCompleted); err != nil {
		return err
	}
	c.Result = result
	c.CompletedAt = &now
	return nil
}

func (c *QueuedCommand) MarkFailed(msg string, category Category, now time.Time) error {
	if err := c.transition(StatusFailed); err != nil {
		return err
	}
	c.Error = &msg
	c.ErrorCategory = category
	c.CompletedAt = &now
	return nil
}

func (c *QueuedCommand) MarkCancelled(now time.Time) error {
	if err := c.transition(StatusCancelled); err != nil {
		return err
	}
	c.CompletedAt = &now
	return nil
}

// WaitingTime is StartedAt − CreatedAt. ok is false until the command starts.
func (c *QueuedCommand) WaitingTime() (time.Duration, bool) {
	if c.StartedAt == nil {
		return 0, false
	}
	return c.StartedAt.Sub(c.CreatedAt), true
}

// ExecutionTime is CompletedAt − StartedAt. ok is false unless both are set;
// a command cancelled while pending never has one.
func (c *QueuedCommand) ExecutionTime() (time.Duration, bool) {
	if c.StartedAt == nil || c.CompletedAt == nil {
		return 0, false
	}
	return c.CompletedAt.Sub(*c.StartedAt), true
}

// TotalTime is CompletedAt − CreatedAt.
func (c *QueuedCommand) TotalTime() (time.Duration, bool) {
	if c.CompletedAt == nil {
		return 0, false
	}
	return c.CompletedAt.Sub(c.CreatedAt), true
}

// Clone returns a copy that shares no mutable state with c.
func (c *QueuedCommand) Clone() QueuedCommand {
	out := *c
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	if c.Error != nil {
		s := *c.Error
		out.Error = &s
	}
	if c.Result != nil {
		r := *c.Result
		out.Result = &r
	}
	out.Metadata = maps.Clone(c.Metadata)
	return out
}

// MetadataString returns a string metadata value, or "" when absent.
func (c *QueuedCommand) MetadataString(key string) string {
	v, _ := c.Metadata[key].(string)
	return v
}
