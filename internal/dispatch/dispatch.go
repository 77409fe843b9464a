// Package dispatch implements the Dispatch Daemon: a tick-driven loop
// that polls the task store for ready work and idle workers, matches
// them via the Capability Matcher, and binds pairs through the store's
// atomic assignment operation.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/elemental-dev/orchestrator/internal/capability"
	"github.com/elemental-dev/orchestrator/internal/logging"
	"github.com/elemental-dev/orchestrator/internal/taskstore"
	"github.com/elemental-dev/orchestrator/pkg/types"
)

// Config tunes the daemon's loop.
type Config struct {
	TickInterval   time.Duration
	BatchSize      int
	StoreCallTimeout time.Duration
	MaxBackoff     time.Duration
}

// Assignment is the observability event emitted for one successful bind.
type Assignment struct {
	TaskID    string
	AgentID   string
	Score     int
	AssignedAt time.Time
}

// Daemon owns the poll/assign loop against a Store.
type Daemon struct {
	cfg   Config
	store taskstore.Store

	mu          sync.Mutex
	assignments []Assignment
	onAssign    func(Assignment)

	pollNow chan struct{}
	stopCh  chan struct{}
	stopped chan struct{}
}

// New builds a Daemon. onAssign, if non-nil, is called synchronously
// from the loop goroutine for every successful assignment; it should
// not block.
func New(cfg Config, store taskstore.Store, onAssign func(Assignment)) *Daemon {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 16
	}
	if cfg.StoreCallTimeout == 0 {
		cfg.StoreCallTimeout = 30 * time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	return &Daemon{
		cfg:      cfg,
		store:    store,
		onAssign: onAssign,
		pollNow:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start runs the loop in a background goroutine until Stop is called.
func (d *Daemon) Start() {
	go d.run()
}

// Stop signals the loop to exit at its next natural boundary and waits
// for it. It never cancels an in-flight store call.
func (d *Daemon) Stop() {
	close(d.stopCh)
	<-d.stopped
}

// PollNow requests an immediate tick, coalesced with any already
// pending request.
func (d *Daemon) PollNow() {
	select {
	case d.pollNow <- struct{}{}:
	default:
	}
}

// Assignments returns every assignment made so far, for diagnostics and
// tests.
func (d *Daemon) Assignments() []Assignment {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Assignment, len(d.assignments))
	copy(out, d.assignments)
	return out
}

func (d *Daemon) run() {
	defer close(d.stopped)

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.tickWithBackoff()
		case <-d.pollNow:
			d.tickWithBackoff()
		}
	}
}

// tickWithBackoff runs one poll/assign cycle. If the store is
// unreachable it retries with exponential back-off (capped at
// cfg.MaxBackoff) until it succeeds or the daemon is stopped, then
// resumes normal ticking.
func (d *Daemon) tickWithBackoff() {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // retry indefinitely; only a stop signal ends it
	b.MaxInterval = d.cfg.MaxBackoff

	for {
		err := d.tick()
		if err == nil {
			return
		}
		wait := b.NextBackOff()
		logging.Warn().Err(err).Dur("backoff", wait).Msg("dispatch: store unreachable, backing off")
		select {
		case <-d.stopCh:
			return
		case <-time.After(wait):
		}
	}
}

// tick runs one poll/assign cycle. It returns an error only when the
// store itself could not be reached; per-task conflicts are not errors.
func (d *Daemon) tick() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.StoreCallTimeout)
	defer cancel()

	tasks, err := d.store.GetReadyTasks(ctx, d.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	workers, err := d.store.GetIdleWorkers(ctx)
	if err != nil {
		return err
	}

	candidates := toCandidates(workers)
	for _, task := range tasks {
		if len(candidates) == 0 {
			break
		}
		best, ok := capability.Best(task.Requirements(), candidates)
		if !ok {
			continue
		}

		res, err := d.store.AssignTaskAtomic(ctx, task.ID, best.AgentID, types.OrchestratorMeta{})
		if err != nil {
			logging.Warn().Err(err).Str("taskID", task.ID).Msg("dispatch: assign call failed")
			continue
		}
		if res == types.AssignmentConflict {
			// Another caller already claimed it; leave the worker pool
			// untouched and move to the next task.
			continue
		}

		candidates = removeCandidate(candidates, best.AgentID)
		d.recordAssignment(Assignment{TaskID: task.ID, AgentID: best.AgentID, Score: best.Capabilities.Score(task.Requirements()), AssignedAt: time.Now()})
	}
	return nil
}

func (d *Daemon) recordAssignment(a Assignment) {
	d.mu.Lock()
	d.assignments = append(d.assignments, a)
	d.mu.Unlock()
	if d.onAssign != nil {
		d.onAssign(a)
	}
}

func toCandidates(workers []types.IdleWorker) []capability.Candidate {
	out := make([]capability.Candidate, len(workers))
	for i, w := range workers {
		out[i] = capability.Candidate{
			AgentID:       w.AgentID,
			Capabilities:  w.Capabilities,
			AssignedCount: w.AssignedTaskCount,
		}
	}
	return out
}

func removeCandidate(candidates []capability.Candidate, agentID string) []capability.Candidate {
	out := candidates[:0]
	for _, c := range candidates {
		if c.AgentID != agentID {
			out = append(out, c)
		}
	}
	return out
}
