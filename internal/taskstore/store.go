// Package taskstore defines the Store interface the orchestration core
// consumes for task and agent bookkeeping, plus an in-memory reference
// implementation used by tests and by the demo server mode. The real
// store is an external collaborator (a separate service); this package
// exists only to give the core something concrete to compile and test
// against.
package taskstore

import (
	"context"

	"github.com/elemental-dev/orchestrator/pkg/types"
)

// Store is the task/agent persistence contract the Dispatch Daemon,
// Ready-Queue Check, and Session Manager consume. Implementations must
// make AssignTaskAtomic safe under concurrent callers racing the same
// task id.
type Store interface {
	// GetReadyTasks returns up to limit tasks that are open, unblocked,
	// and unassigned, ordered by priority ascending then creation time
	// ascending.
	GetReadyTasks(ctx context.Context, limit int) ([]types.Task, error)

	// GetIdleWorkers returns worker agents with no session currently
	// marked running.
	GetIdleWorkers(ctx context.Context) ([]types.IdleWorker, error)

	// AssignTaskAtomic performs a compare-and-swap assignment: it
	// succeeds only if the task is currently unassigned.
	AssignTaskAtomic(ctx context.Context, taskID, agentID string, meta types.OrchestratorMeta) (types.AssignmentResult, error)

	// UpdateAgentSession records an agent's most recently known session
	// binding, including the upstream id used for cross-restart resume.
	UpdateAgentSession(ctx context.Context, agentID string, upd types.AgentSessionUpdate) error

	// UpdateTaskOrchestratorMeta merges fields into a task's
	// orchestrator-metadata blob.
	UpdateTaskOrchestratorMeta(ctx context.Context, taskID string, meta types.OrchestratorMeta) error

	GetTask(ctx context.Context, taskID string) (types.Task, error)
	GetAgent(ctx context.Context, agentID string) (types.AgentMetadata, error)

	// TasksForAgent returns tasks currently assigned to agentID whose
	// status is one of statuses, ordered by priority ascending.
	TasksForAgent(ctx context.Context, agentID string, statuses []types.TaskStatus) ([]types.Task, error)

	// StartTask transitions a task to in_progress; used by the
	// Ready-Queue Check's auto_start path.
	StartTask(ctx context.Context, taskID string) error
}
