package sessionmgr

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elemental-dev/orchestrator/internal/eventbus"
	"github.com/elemental-dev/orchestrator/internal/sharedserver"
	"github.com/elemental-dev/orchestrator/internal/spawner"
	"github.com/elemental-dev/orchestrator/internal/taskstore"
	"github.com/elemental-dev/orchestrator/pkg/types"
)

func writeMockProvider(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mock-provider")
	contents := "#!/bin/sh\n" + script
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o755))
	return path
}

func newTestSetup(t *testing.T, binary string, agentID, workDir string) (*Manager, *spawner.Spawner, *taskstore.Memory) {
	t.Helper()
	bus := eventbus.New(eventbus.DefaultBufferSize)
	sp := spawner.New(spawner.Config{
		ProviderBinary:   binary,
		InitTimeout:      2 * time.Second,
		GracefulShutdown: 200 * time.Millisecond,
	}, bus)
	store := taskstore.NewMemory()
	store.PutAgent(types.AgentMetadata{ID: agentID, WorkingDirectory: workDir})
	return New(sp, store, bus), sp, store
}

func TestStartReturnsSessionIDImmediatelyAndQueuesSendDuringHandshake(t *testing.T) {
	binary := writeMockProvider(t, `read -r line
sleep 0.2
echo '{"type":"system","subtype":"init","session_id":"u-1"}'
sleep 0.3
echo '{"type":"assistant","text":"queued-reply"}'
sleep 2
`)
	mgr, sp, _ := newTestSetup(t, binary, "agent-1", t.TempDir())

	sessionID, err := mgr.Start(context.Background(), "agent-1", types.RoleWorker, StartOptions{InitialPrompt: "go"})
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	// Send arrives before the handshake completes; it must be queued, not
	// rejected or silently dropped.
	require.NoError(t, mgr.Send(sessionID, "follow-up"))

	require.Eventually(t, func() bool {
		sess, ok := sp.Get(sessionID)
		return ok && sess.Status == types.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendFailsDescriptivelyWhenSessionNeverStarts(t *testing.T) {
	binary := writeMockProvider(t, `sleep 10
`)
	bus := eventbus.New(eventbus.DefaultBufferSize)
	sp := spawner.New(spawner.Config{
		ProviderBinary:   binary,
		InitTimeout:      100 * time.Millisecond,
		GracefulShutdown: 200 * time.Millisecond,
	}, bus)
	store := taskstore.NewMemory()
	store.PutAgent(types.AgentMetadata{ID: "agent-2", WorkingDirectory: t.TempDir()})
	mgr := New(sp, store, bus)

	sessionID, err := mgr.Start(context.Background(), "agent-2", types.RoleWorker, StartOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return mgr.Send(sessionID, "too late") != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHistoryRecordsCompletedSessions(t *testing.T) {
	binary := writeMockProvider(t, `read -r line
echo '{"type":"system","subtype":"init","session_id":"u-2"}'
sleep 5
`)
	mgr, _, _ := newTestSetup(t, binary, "agent-3", t.TempDir())

	sessionID, err := mgr.Start(context.Background(), "agent-3", types.RoleWorker, StartOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(mgr.History("agent-3", types.RoleWorker)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.Stop(sessionID, true))

	require.Eventually(t, func() bool {
		entries := mgr.History("agent-3", types.RoleWorker)
		return len(entries) == 1 && entries[0].Status == types.StatusTerminated
	}, 2*time.Second, 10*time.Millisecond)

	current, ok := mgr.CurrentSession("agent-3", types.RoleWorker)
	assert.True(t, ok)
	assert.Equal(t, sessionID, current)
}

func TestResumeFallsBackToStartWhenNoPriorSessionExists(t *testing.T) {
	binary := writeMockProvider(t, `read -r line
echo '{"type":"system","subtype":"init","session_id":"u-3"}'
sleep 5
`)
	mgr, _, _ := newTestSetup(t, binary, "agent-4", t.TempDir())

	sessionID, err := mgr.Resume(context.Background(), "agent-4", types.RoleWorker, StartOptions{FallBackToStart: true})
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
}

func TestResumeWithoutFallbackErrorsWhenNoHistory(t *testing.T) {
	mgr, _, _ := newTestSetup(t, "/bin/true", "agent-5", t.TempDir())
	_, err := mgr.Resume(context.Background(), "agent-5", types.RoleWorker, StartOptions{})
	require.Error(t, err)
}

// TestResumeFindsTerminatedSessionByUpstreamID covers resuming a worker
// after its prior session ended: once a terminated, upstream-identified
// history entry exists, Resume must locate it instead of reporting "no
// resumable session".
func TestResumeFindsTerminatedSessionByUpstreamID(t *testing.T) {
	binary := writeMockProvider(t, `read -r line
echo '{"type":"system","subtype":"init","session_id":"u-6"}'
sleep 5
`)
	mgr, _, _ := newTestSetup(t, binary, "agent-6", t.TempDir())

	first, err := mgr.Start(context.Background(), "agent-6", types.RoleWorker, StartOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sess, ok := mgr.Get(first)
		return ok && sess.Status == types.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.Stop(first, true))

	require.Eventually(t, func() bool {
		entries := mgr.History("agent-6", types.RoleWorker)
		return len(entries) == 1 && entries[0].Resumable()
	}, 2*time.Second, 10*time.Millisecond)

	second, err := mgr.Resume(context.Background(), "agent-6", types.RoleWorker, StartOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

// resumeEchoProvider is a mock whose init record reports the id it was
// asked to resume (or a fresh per-process id when none was given), so
// tests can observe which upstream id the Spawner passed down.
func resumeEchoProvider(t *testing.T) string {
	return writeMockProvider(t, `resume=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "--resume" ]; then resume="$arg"; fi
  prev="$arg"
done
if [ -z "$resume" ]; then resume="fresh-$$"; fi
read -r line
echo "{\"type\":\"system\",\"subtype\":\"init\",\"session_id\":\"$resume\"}"
sleep 5
`)
}

// TestResumeAcrossRestartRehydratesFromStore covers the "resume across
// restart" scenario: a brand-new Manager with no in-memory history must
// pick the upstream id up from the store's agent metadata and hand it
// to the Spawner's resume path.
func TestResumeAcrossRestartRehydratesFromStore(t *testing.T) {
	binary := resumeEchoProvider(t)
	bus := eventbus.New(eventbus.DefaultBufferSize)
	sp := spawner.New(spawner.Config{
		ProviderBinary:   binary,
		InitTimeout:      2 * time.Second,
		GracefulShutdown: 200 * time.Millisecond,
	}, bus)
	store := taskstore.NewMemory()
	store.PutAgent(types.AgentMetadata{
		ID:                "agent-7",
		Role:              types.RoleWorker,
		WorkingDirectory:  t.TempDir(),
		SessionStatus:     types.StatusTerminated,
		UpstreamSessionID: "abc",
	})
	mgr := New(sp, store, bus)

	sessionID, err := mgr.Resume(context.Background(), "agent-7", types.RoleWorker, StartOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sess, ok := mgr.Get(sessionID)
		return ok && sess.Status == types.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	sess, ok := mgr.Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, "abc", sess.UpstreamSessionID)
}

// TestSuspendThenResumeInheritsUpstreamID covers the round-trip law
// start -> suspend -> resume: the resumed session must carry the same
// upstream id the suspended one produced.
func TestSuspendThenResumeInheritsUpstreamID(t *testing.T) {
	binary := resumeEchoProvider(t)
	mgr, _, _ := newTestSetup(t, binary, "agent-8", t.TempDir())

	first, err := mgr.Start(context.Background(), "agent-8", types.RoleWorker, StartOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sess, ok := mgr.Get(first)
		return ok && sess.Status == types.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	firstSess, ok := mgr.Get(first)
	require.True(t, ok)
	require.NotEmpty(t, firstSess.UpstreamSessionID)

	require.NoError(t, mgr.Suspend(first))

	require.Eventually(t, func() bool {
		entries := mgr.History("agent-8", types.RoleWorker)
		return len(entries) == 1 && entries[0].Status == types.StatusSuspended && entries[0].Resumable()
	}, 2*time.Second, 10*time.Millisecond)

	second, err := mgr.Resume(context.Background(), "agent-8", types.RoleWorker, StartOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sess, ok := mgr.Get(second)
		return ok && sess.Status == types.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	secondSess, ok := mgr.Get(second)
	require.True(t, ok)
	assert.Equal(t, firstSess.UpstreamSessionID, secondSess.UpstreamSessionID)
}

// TestSessionBindingPersistedToStore checks that the store's agent
// record tracks the live session: running with its upstream id while
// the process is up, terminated after Stop.
func TestSessionBindingPersistedToStore(t *testing.T) {
	binary := writeMockProvider(t, `read -r line
echo '{"type":"system","subtype":"init","session_id":"u-bind"}'
sleep 5
`)
	mgr, _, store := newTestSetup(t, binary, "agent-9", t.TempDir())

	sessionID, err := mgr.Start(context.Background(), "agent-9", types.RoleWorker, StartOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, err := store.GetAgent(context.Background(), "agent-9")
		return err == nil && a.SessionID == sessionID && a.SessionStatus == types.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	a, err := store.GetAgent(context.Background(), "agent-9")
	require.NoError(t, err)
	assert.Equal(t, "u-bind", a.UpstreamSessionID)

	require.NoError(t, mgr.Stop(sessionID, true))

	require.Eventually(t, func() bool {
		a, err := store.GetAgent(context.Background(), "agent-9")
		return err == nil && a.SessionStatus == types.StatusTerminated
	}, 2*time.Second, 10*time.Millisecond)
}

// TestSharedServerLeaseSpansSessions wires a coordinator into the
// Manager and checks the refcount arc: two concurrent sessions share one
// backing-server startup, and the server is stopped exactly once, only
// after the last session ends.
func TestSharedServerLeaseSpansSessions(t *testing.T) {
	binary := writeMockProvider(t, `read -r line
echo '{"type":"system","subtype":"init","session_id":"u-lease"}'
sleep 5
`)
	bus := eventbus.New(eventbus.DefaultBufferSize)
	sp := spawner.New(spawner.Config{
		ProviderBinary:   binary,
		InitTimeout:      2 * time.Second,
		GracefulShutdown: 200 * time.Millisecond,
	}, bus)
	store := taskstore.NewMemory()
	store.PutAgent(types.AgentMetadata{ID: "agent-10", WorkingDirectory: t.TempDir()})
	store.PutAgent(types.AgentMetadata{ID: "agent-11", WorkingDirectory: t.TempDir()})
	mgr := New(sp, store, bus)

	var starts, stops atomic.Int32
	coord := sharedserver.New(
		func(ctx context.Context, key string, _ any) (sharedserver.Handle, error) {
			starts.Add(1)
			return "backing-server", nil
		},
		func(sharedserver.Handle) error {
			stops.Add(1)
			return nil
		},
	)
	mgr.UseSharedServer(coord, "claude-cli")

	first, err := mgr.Start(context.Background(), "agent-10", types.RoleWorker, StartOptions{})
	require.NoError(t, err)
	second, err := mgr.Start(context.Background(), "agent-11", types.RoleWorker, StartOptions{})
	require.NoError(t, err)

	for _, id := range []string{first, second} {
		sessionID := id
		require.Eventually(t, func() bool {
			sess, ok := mgr.Get(sessionID)
			return ok && sess.Status == types.StatusRunning
		}, 2*time.Second, 10*time.Millisecond)
	}

	assert.Equal(t, int32(1), starts.Load())
	assert.Equal(t, 2, coord.Refcount("claude-cli"))

	require.NoError(t, mgr.Stop(first, false))
	require.Eventually(t, func() bool {
		return coord.Refcount("claude-cli") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), stops.Load())

	require.NoError(t, mgr.Stop(second, false))
	require.Eventually(t, func() bool {
		return stops.Load() == 1 && coord.Refcount("claude-cli") == 0
	}, 2*time.Second, 10*time.Millisecond)
}
