package sessionmgr

import (
	"context"

	"github.com/elemental-dev/orchestrator/internal/taskstore"
	"github.com/elemental-dev/orchestrator/pkg/types"
)

// ReadyQueueOptions tunes CheckReadyQueue. AutoStart does not itself
// mutate task state; it only sets a flag in the result that the caller
// uses to invoke the store's StartTask.
type ReadyQueueOptions struct {
	AutoStart bool
	Limit     int
}

// ReadyQueueResult reports whether an agent has work already anchored to
// it, and the highest-priority task if so.
type ReadyQueueResult struct {
	Empty     bool
	Task      types.Task
	AutoStart bool
}

var readyQueueStatuses = []types.TaskStatus{types.TaskOpen, types.TaskInProgress}

// CheckReadyQueue implements the ready-queue check: on agent start, ask
// the store for the top-K tasks already assigned to this agent in
// {open, in_progress}, ordered by priority. If none exist the result is
// Empty; otherwise the first one is reported. CheckReadyQueue never
// mutates task state itself, which keeps it free of a circular
// dependency on the store service; AutoStart is a flag the caller acts
// on.
func CheckReadyQueue(ctx context.Context, store taskstore.Store, agentID string, opts ReadyQueueOptions) (ReadyQueueResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1
	}

	tasks, err := store.TasksForAgent(ctx, agentID, readyQueueStatuses)
	if err != nil {
		return ReadyQueueResult{}, err
	}
	if len(tasks) == 0 {
		return ReadyQueueResult{Empty: true}, nil
	}

	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return ReadyQueueResult{Task: tasks[0], AutoStart: opts.AutoStart}, nil
}
