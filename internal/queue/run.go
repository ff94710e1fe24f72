package queue

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/aispire/internal/model"
	"github.com/msageha/aispire/internal/result"
)

// Executor runs one command against the downstream executor. A returned
// error, or an error envelope, fails the command.
type Executor interface {
	Execute(ctx context.Context, cmd model.QueuedCommand) (*model.ResultEnvelope, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, cmd model.QueuedCommand) (*model.ResultEnvelope, error)

func (f ExecutorFunc) Execute(ctx context.Context, cmd model.QueuedCommand) (*model.ResultEnvelope, error) {
	return f(ctx, cmd)
}

// Run dequeues commands and executes them with at most maxConcurrent in
// flight until ctx ends. When nothing is pending it sleeps up to the idle
// interval, waking early on enqueue. Executor errors and panics fail the
// command; they never stop the loop. Executions run with ctx, so ending it
// also stops in-flight transport waits; Run waits for them before returning.
func (q *Queue) Run(ctx context.Context, exec Executor, maxConcurrent int) error {
	if exec == nil {
		return errors.New("queue run: nil executor")
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	var wg sync.WaitGroup
	defer wg.Wait()

	q.logger.Info().Int("max_concurrent", maxConcurrent).Msg("queue run loop started")
	defer q.logger.Info().Msg("queue run loop stopped")

	idle := time.NewTimer(q.idleSleep)
	defer idle.Stop()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		if ctx.Err() != nil {
			sem.Release(1)
			return nil
		}

		cmd, ok := q.Dequeue()
		if !ok {
			sem.Release(1)
			idle.Reset(q.idleSleep)
			select {
			case <-ctx.Done():
				return nil
			case <-q.notify:
			case <-idle.C:
			}
			continue
		}

		if !q.startExecution(cmd.ID) {
			// cancelled between dequeue and dispatch
			sem.Release(1)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			defer q.endExecution()
			q.execute(ctx, exec, cmd)
		}()
	}
}

// startExecution counts cmd as in flight. It reports false when the command
// is no longer in progress.
func (q *Queue) startExecution(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd, ok := q.history[id]
	if !ok || cmd.Status != model.StatusInProgress {
		return false
	}
	q.inFlight++
	return true
}

func (q *Queue) endExecution() {
	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()
}

// InFlight returns the number of executions currently running, including
// ones whose command was cancelled while in progress.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// WaitIdle blocks until no execution is in flight or ctx ends.
func (q *Queue) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for q.InFlight() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// execute runs cmd and records the outcome. Complete and Fail are no-ops for
// a command cancelled while it ran.
func (q *Queue) execute(ctx context.Context, exec Executor, cmd model.QueuedCommand) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Str("command_id", cmd.ID).Str("stack", string(debug.Stack())).Msgf("panic in executor: %v", r)
			q.Fail(cmd.ID, model.Errorf(model.CategoryRuntime, "processing exception: %v", r))
		}
	}()

	res, err := exec.Execute(ctx, cmd)
	switch {
	case err != nil:
		q.Fail(cmd.ID, err)
	case res == nil:
		empty := result.Success("Command executed", nil)
		empty.CommandID = cmd.ID
		q.Complete(cmd.ID, &empty)
	case res.IsError():
		q.Fail(cmd.ID, model.NewError(res.Category(), "", errors.New(res.Result.Message)))
	default:
		q.Complete(cmd.ID, res)
	}
}
