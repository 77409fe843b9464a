package taskstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/elemental-dev/orchestrator/internal/orcherr"
	"github.com/elemental-dev/orchestrator/pkg/types"
)

// Memory is an in-process Store, guarded by a single coarse RWMutex in
// the same style as the file-backed storage layer it stands in for:
// no per-record locking, just one mutex around map access.
type Memory struct {
	mu     sync.RWMutex
	tasks  map[string]types.Task
	agents map[string]types.AgentMetadata
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:  make(map[string]types.Task),
		agents: make(map[string]types.AgentMetadata),
	}
}

// PutTask seeds or overwrites a task record; it is not part of the Store
// interface, only a test/demo fixture helper.
func (m *Memory) PutTask(t types.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
}

// PutAgent seeds or overwrites an agent record; a test/demo fixture
// helper, not part of the Store interface.
func (m *Memory) PutAgent(a types.AgentMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a
}

func (m *Memory) isReady(t types.Task) bool {
	if t.Status != types.TaskOpen || t.AssigneeAgentID != "" {
		return false
	}
	for _, blockerID := range t.Blockers {
		if blocker, ok := m.tasks[blockerID]; ok && blocker.Status != types.TaskDone {
			return false
		}
	}
	return true
}

func (m *Memory) GetReadyTasks(ctx context.Context, limit int) ([]types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ready := make([]types.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if m.isReady(t) {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (m *Memory) GetIdleWorkers(ctx context.Context) ([]types.IdleWorker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var idle []types.IdleWorker
	for _, a := range m.agents {
		if a.Role != types.RoleWorker {
			continue
		}
		if a.SessionStatus == types.StatusRunning {
			continue
		}
		idle = append(idle, types.IdleWorker{
			AgentID:           a.ID,
			Name:              a.Name,
			Capabilities:      a.Capabilities,
			AssignedTaskCount: a.AssignedTaskCount,
		})
	}
	return idle, nil
}

func (m *Memory) AssignTaskAtomic(ctx context.Context, taskID, agentID string, meta types.OrchestratorMeta) (types.AssignmentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return "", orcherr.New(orcherr.NotFound, "taskstore.AssignTaskAtomic", errTaskNotFound(taskID))
	}
	if t.AssigneeAgentID != "" {
		return types.AssignmentConflict, nil
	}

	t.AssigneeAgentID = agentID
	t.Status = types.TaskInProgress
	t.Orchestrator = meta
	m.tasks[taskID] = t

	if a, ok := m.agents[agentID]; ok {
		a.AssignedTaskCount++
		m.agents[agentID] = a
	}

	return types.AssignmentOK, nil
}

func (m *Memory) UpdateAgentSession(ctx context.Context, agentID string, upd types.AgentSessionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return orcherr.New(orcherr.NotFound, "taskstore.UpdateAgentSession", errAgentNotFound(agentID))
	}
	a.SessionID = upd.SessionID
	a.SessionStatus = upd.Status
	if upd.UpstreamSessionID != "" {
		a.UpstreamSessionID = upd.UpstreamSessionID
	}
	a.LastSeen = upd.LastSeen
	m.agents[agentID] = a
	return nil
}

func (m *Memory) UpdateTaskOrchestratorMeta(ctx context.Context, taskID string, meta types.OrchestratorMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return orcherr.New(orcherr.NotFound, "taskstore.UpdateTaskOrchestratorMeta", errTaskNotFound(taskID))
	}
	// Overlay only the fields meta sets: every OrchestratorMeta field is
	// omitempty, so its encoding carries just those.
	patch, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(patch, &t.Orchestrator); err != nil {
		return err
	}
	m.tasks[taskID] = t
	return nil
}

func (m *Memory) GetTask(ctx context.Context, taskID string) (types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return types.Task{}, orcherr.New(orcherr.NotFound, "taskstore.GetTask", errTaskNotFound(taskID))
	}
	return t, nil
}

func (m *Memory) GetAgent(ctx context.Context, agentID string) (types.AgentMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[agentID]
	if !ok {
		return types.AgentMetadata{}, orcherr.New(orcherr.NotFound, "taskstore.GetAgent", errAgentNotFound(agentID))
	}
	return a, nil
}

func (m *Memory) TasksForAgent(ctx context.Context, agentID string, statuses []types.TaskStatus) ([]types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[types.TaskStatus]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}

	var out []types.Task
	for _, t := range m.tasks {
		if t.AssigneeAgentID != agentID {
			continue
		}
		if _, ok := want[t.Status]; !ok {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (m *Memory) StartTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return orcherr.New(orcherr.NotFound, "taskstore.StartTask", errTaskNotFound(taskID))
	}
	t.Status = types.TaskInProgress
	m.tasks[taskID] = t
	return nil
}
