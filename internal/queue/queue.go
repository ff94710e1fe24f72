// Package queue implements the priority command queue: FIFO buckets per
// priority, status tracking through a bounded history, and a concurrency
// bounded run loop that hands commands to an executor.
package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/aispire/internal/events"
	"github.com/msageha/aispire/internal/model"
	"github.com/msageha/aispire/internal/result"
)

const (
	DefaultMaxSize   = 100
	DefaultRetention = 100
	DefaultIdleSleep = 100 * time.Millisecond
)

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDGenerator replaces the UUID generator for command ids.
func WithIDGenerator(gen func() string) Option {
	return func(q *Queue) { q.newID = gen }
}

// WithEventBus publishes command lifecycle events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(q *Queue) { q.bus = bus }
}

// Recorder receives every command status transition synchronously, so
// counters never miss an outcome the event bus would drop.
type Recorder interface {
	RecordCommand(status model.Status, category model.Category)
}

// WithRecorder reports status transitions to r.
func WithRecorder(r Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(q *Queue) { q.logger = logger.With().Str("component", "queue").Logger() }
}

// WithIdleSleep sets how long the run loop sleeps when no command is pending.
// An enqueue wakes it early.
func WithIdleSleep(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.idleSleep = d
		}
	}
}

// Queue owns every command from enqueue until it is evicted from history.
// All mutations serialize on mu.
type Queue struct {
	mu        sync.Mutex
	buckets   [len(priorityOrder)][]*model.QueuedCommand
	history   map[string]*model.QueuedCommand
	waiters   map[string][]chan model.QueuedCommand
	inFlight  int
	maxSize   int
	retention int

	notify    chan struct{}
	idleSleep time.Duration
	now       func() time.Time
	newID     func() string
	bus       *events.Bus
	recorder  Recorder
	logger    zerolog.Logger
}

// priorityOrder maps bucket index to priority, lowest first.
var priorityOrder = [...]model.Priority{
	model.PriorityLow,
	model.PriorityNormal,
	model.PriorityHigh,
	model.PriorityCritical,
}

// New creates a queue holding at most maxSize pending commands and keeping at
// most retention history entries. Non-positive values select the defaults.
func New(maxSize, retention int, opts ...Option) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	q := &Queue{
		history:   make(map[string]*model.QueuedCommand),
		waiters:   make(map[string][]chan model.QueuedCommand),
		maxSize:   maxSize,
		retention: retention,
		notify:    make(chan struct{}, 1),
		idleSleep: DefaultIdleSleep,
		now:       time.Now,
		newID:     model.GenerateID,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func bucketIndex(p model.Priority) int {
	return int(p - model.PriorityLow)
}

func (q *Queue) pendingLocked() int {
	n := 0
	for _, b := range q.buckets {
		n += len(b)
	}
	return n
}

// Enqueue adds a pending command and returns its id. It fails with a
// resource_error wrapping model.ErrQueueFull when maxSize commands are
// already pending, leaving the queue unchanged.
func (q *Queue) Enqueue(text string, priority model.Priority, metadata map[string]any) (string, error) {
	if !priority.Valid() {
		return "", model.Errorf(model.CategoryValidation, "invalid priority %d", int(priority))
	}

	q.mu.Lock()
	if total := q.pendingLocked(); total >= q.maxSize {
		q.mu.Unlock()
		return "", model.NewError(model.CategoryResource, "enqueue",
			fmt.Errorf("%w: %d of %d slots pending", model.ErrQueueFull, total, q.maxSize))
	}
	cmd := model.NewQueuedCommand(q.newID(), text, priority, metadata, q.now())
	idx := bucketIndex(priority)
	q.buckets[idx] = append(q.buckets[idx], cmd)
	q.mu.Unlock()

	q.wake()
	q.logger.Debug().Str("command_id", cmd.ID).Stringer("priority", priority).Msg("command enqueued")
	q.publish(events.EventCommandEnqueued, cmd)
	return cmd.ID, nil
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue claims the oldest command of the highest non-empty priority,
// marks it in_progress and moves it to history. ok is false when nothing is
// pending.
func (q *Queue) Dequeue() (model.QueuedCommand, bool) {
	q.mu.Lock()
	cmd := q.popLocked()
	if cmd == nil {
		q.mu.Unlock()
		return model.QueuedCommand{}, false
	}
	if err := cmd.MarkStarted(q.now()); err != nil {
		// only pending commands live in buckets
		q.mu.Unlock()
		q.logger.Error().Err(err).Str("command_id", cmd.ID).Msg("dequeued command in unexpected state")
		return model.QueuedCommand{}, false
	}
	q.history[cmd.ID] = cmd
	q.trimLocked()
	out := cmd.Clone()
	q.mu.Unlock()

	q.publish(events.EventCommandStarted, &out)
	return out, true
}

func (q *Queue) popLocked() *model.QueuedCommand {
	for i := len(q.buckets) - 1; i >= 0; i-- {
		if len(q.buckets[i]) == 0 {
			continue
		}
		cmd := q.buckets[i][0]
		q.buckets[i][0] = nil
		q.buckets[i] = q.buckets[i][1:]
		return cmd
	}
	return nil
}

// trimLocked evicts the oldest terminal history entries, by completion time,
// until history fits the retention limit. In-progress entries are never
// evicted, so history may stay above the limit while they run.
func (q *Queue) trimLocked() {
	excess := len(q.history) - q.retention
	if excess <= 0 {
		return
	}
	terminal := make([]*model.QueuedCommand, 0, len(q.history))
	for _, cmd := range q.history {
		if model.IsTerminal(cmd.Status) {
			terminal = append(terminal, cmd)
		}
	}
	slices.SortFunc(terminal, func(a, b *model.QueuedCommand) int {
		return a.CompletedAt.Compare(*b.CompletedAt)
	})
	for i := 0; i < excess && i < len(terminal); i++ {
		delete(q.history, terminal[i].ID)
	}
}

// lookupLocked finds a command in history first, then in the pending buckets.
func (q *Queue) lookupLocked(id string) (*model.QueuedCommand, int, int) {
	if cmd, ok := q.history[id]; ok {
		return cmd, -1, -1
	}
	for b := range q.buckets {
		for i, cmd := range q.buckets[b] {
			if cmd.ID == id {
				return cmd, b, i
			}
		}
	}
	return nil, -1, -1
}

// Status returns a copy of the command with the given id.
func (q *Queue) Status(id string) (model.QueuedCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd, _, _ := q.lookupLocked(id)
	if cmd == nil {
		return model.QueuedCommand{}, false
	}
	return cmd.Clone(), true
}

// Complete records a successful result for an in-progress command. It
// returns false when the id is unknown or the command is not in progress.
func (q *Queue) Complete(id string, res *model.ResultEnvelope) bool {
	q.mu.Lock()
	cmd, _, _ := q.lookupLocked(id)
	if cmd == nil || cmd.MarkCompleted(res, q.now()) != nil {
		q.mu.Unlock()
		return false
	}
	out := q.finishLocked(cmd)
	q.mu.Unlock()

	q.publish(events.EventCommandCompleted, &out)
	return true
}

// Fail records err against an in-progress command. The error category comes
// from a typed *model.Error, falling back to keyword categorization.
func (q *Queue) Fail(id string, err error) bool {
	msg := "unknown error"
	category := model.CategoryUnknown
	if err != nil {
		msg = err.Error()
		category = model.CategoryOf(err)
		if category == model.CategoryUnknown {
			category = result.Categorize(msg)
		}
	}

	q.mu.Lock()
	cmd, _, _ := q.lookupLocked(id)
	if cmd == nil || cmd.MarkFailed(msg, category, q.now()) != nil {
		q.mu.Unlock()
		return false
	}
	out := q.finishLocked(cmd)
	q.mu.Unlock()

	q.logger.Warn().Str("command_id", id).Str("category", string(category)).Msg(msg)
	q.publish(events.EventCommandFailed, &out)
	return true
}

// Cancel removes a pending command, or marks an in-progress one cancelled.
// Cancelling an in-progress command does not interrupt its execution; any
// result it reports afterwards is ignored.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	cmd, b, i := q.lookupLocked(id)
	if cmd == nil || cmd.MarkCancelled(q.now()) != nil {
		q.mu.Unlock()
		return false
	}
	if b >= 0 {
		q.buckets[b] = slices.Delete(q.buckets[b], i, i+1)
		q.history[id] = cmd
	}
	out := q.finishLocked(cmd)
	if b >= 0 {
		q.trimLocked()
	}
	q.mu.Unlock()

	q.logger.Info().Str("command_id", id).Msg("command cancelled")
	q.publish(events.EventCommandCancelled, &out)
	return true
}

// finishLocked notifies waiters of a command that just reached a terminal
// state.
func (q *Queue) finishLocked(cmd *model.QueuedCommand) model.QueuedCommand {
	out := cmd.Clone()
	for _, ch := range q.waiters[cmd.ID] {
		ch <- out
	}
	delete(q.waiters, cmd.ID)
	return out
}

// Drain cancels every pending command and returns how many were cancelled.
func (q *Queue) Drain() int {
	q.mu.Lock()
	now := q.now()
	var drained []model.QueuedCommand
	for b := range q.buckets {
		for _, cmd := range q.buckets[b] {
			if err := cmd.MarkCancelled(now); err != nil {
				continue
			}
			q.history[cmd.ID] = cmd
			drained = append(drained, q.finishLocked(cmd))
		}
		q.buckets[b] = nil
	}
	q.trimLocked()
	q.mu.Unlock()

	if len(drained) > 0 {
		q.logger.Info().Int("count", len(drained)).Msg("queue drained")
	}
	for i := range drained {
		q.publish(events.EventCommandCancelled, &drained[i])
	}
	return len(drained)
}

// Wait blocks until the command reaches a terminal state or ctx ends. It
// returns the terminal command, or the latest copy together with ctx.Err().
func (q *Queue) Wait(ctx context.Context, id string) (model.QueuedCommand, error) {
	q.mu.Lock()
	cmd, _, _ := q.lookupLocked(id)
	if cmd == nil {
		q.mu.Unlock()
		return model.QueuedCommand{}, model.NewError(model.CategoryValidation, "wait",
			fmt.Errorf("command %s: %w", id, model.ErrNotFound))
	}
	if model.IsTerminal(cmd.Status) {
		out := cmd.Clone()
		q.mu.Unlock()
		return out, nil
	}
	ch := make(chan model.QueuedCommand, 1)
	q.waiters[id] = append(q.waiters[id], ch)
	q.mu.Unlock()

	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		q.mu.Lock()
		select {
		case out := <-ch:
			q.mu.Unlock()
			return out, nil
		default:
		}
		q.waiters[id] = slices.DeleteFunc(q.waiters[id], func(c chan model.QueuedCommand) bool { return c == ch })
		if len(q.waiters[id]) == 0 {
			delete(q.waiters, id)
		}
		var out model.QueuedCommand
		if cmd, _, _ := q.lookupLocked(id); cmd != nil {
			out = cmd.Clone()
		}
		q.mu.Unlock()
		return out, ctx.Err()
	}
}

// Snapshot is a point-in-time view of queue occupancy.
type Snapshot struct {
	Pending      map[string]int `json:"pending" yaml:"pending"`
	TotalPending int            `json:"total_pending" yaml:"total_pending"`
	History      int            `json:"history" yaml:"history"`
	ByStatus     map[string]int `json:"by_status" yaml:"by_status"`
	MaxSize      int            `json:"max_size" yaml:"max_size"`
	Retention    int            `json:"retention" yaml:"retention"`
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Snapshot{
		Pending:   make(map[string]int, len(priorityOrder)),
		ByStatus:  make(map[string]int, len(model.Statuses)),
		History:   len(q.history),
		MaxSize:   q.maxSize,
		Retention: q.retention,
	}
	for _, st := range model.Statuses {
		s.ByStatus[string(st)] = 0
	}
	for i, p := range priorityOrder {
		n := len(q.buckets[i])
		s.Pending[p.String()] = n
		s.TotalPending += n
	}
	s.ByStatus[string(model.StatusPending)] = s.TotalPending
	for _, cmd := range q.history {
		s.ByStatus[string(cmd.Status)]++
	}
	return s
}

func (q *Queue) publish(t events.EventType, cmd *model.QueuedCommand) {
	if q.recorder != nil {
		q.recorder.RecordCommand(cmd.Status, cmd.ErrorCategory)
	}
	if q.bus == nil {
		return
	}
	data := map[string]any{
		"command_id": cmd.ID,
		"priority":   cmd.Priority.String(),
		"status":     string(cmd.Status),
	}
	if sid := cmd.MetadataString("session_id"); sid != "" {
		data["session_id"] = sid
	}
	if d, ok := cmd.WaitingTime(); ok {
		data["waiting_ms"] = d.Milliseconds()
	}
	if d, ok := cmd.ExecutionTime(); ok {
		data["execution_ms"] = d.Milliseconds()
	}
	if cmd.Error != nil {
		data["error"] = *cmd.Error
		data["category"] = string(cmd.ErrorCategory)
	}
	q.bus.Publish(t, data)
}
