package dispatch

import (
	"context"

	"github.com/elemental-dev/orchestrator/pkg/types"
)

// memoryStoreStub is a minimal, single-purpose taskstore.Store double
// built for this package's tests: it holds tasks/workers as plain
// slices (no concurrency control, since tests drive it from one
// goroutine at a time) and lets tests force specific return values.
type memoryStoreStub struct {
	tasks []types.Task
	idle  []types.IdleWorker

	readyErr     error
	assignResult types.AssignmentResult
}

func newMemoryStoreStub() *memoryStoreStub {
	return &memoryStoreStub{assignResult: types.AssignmentOK}
}

func (s *memoryStoreStub) GetReadyTasks(ctx context.Context, limit int) ([]types.Task, error) {
	if s.readyErr != nil {
		return nil, s.readyErr
	}
	var ready []types.Task
	for _, t := range s.tasks {
		if t.Status == types.TaskOpen && t.AssigneeAgentID == "" {
			ready = append(ready, t)
		}
	}
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (s *memoryStoreStub) GetIdleWorkers(ctx context.Context) ([]types.IdleWorker, error) {
	return s.idle, nil
}

func (s *memoryStoreStub) AssignTaskAtomic(ctx context.Context, taskID, agentID string, meta types.OrchestratorMeta) (types.AssignmentResult, error) {
	if s.assignResult == types.AssignmentConflict {
		return types.AssignmentConflict, nil
	}
	for i, t := range s.tasks {
		if t.ID == taskID {
			s.tasks[i].AssigneeAgentID = agentID
			s.tasks[i].Status = types.TaskInProgress
			s.tasks[i].Orchestrator = meta
			return types.AssignmentOK, nil
		}
	}
	return types.AssignmentConflict, nil
}

func (s *memoryStoreStub) UpdateAgentSession(ctx context.Context, agentID string, upd types.AgentSessionUpdate) error {
	return nil
}

func (s *memoryStoreStub) UpdateTaskOrchestratorMeta(ctx context.Context, taskID string, meta types.OrchestratorMeta) error {
	return nil
}

func (s *memoryStoreStub) GetTask(ctx context.Context, taskID string) (types.Task, error) {
	for _, t := range s.tasks {
		if t.ID == taskID {
			return t, nil
		}
	}
	return types.Task{}, nil
}

func (s *memoryStoreStub) GetAgent(ctx context.Context, agentID string) (types.AgentMetadata, error) {
	return types.AgentMetadata{}, nil
}

func (s *memoryStoreStub) TasksForAgent(ctx context.Context, agentID string, statuses []types.TaskStatus) ([]types.Task, error) {
	return nil, nil
}

func (s *memoryStoreStub) StartTask(ctx context.Context, taskID string) error {
	return nil
}
