package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irislabs/iris/internal/cache"
	"github.com/irislabs/iris/internal/common/config"
	"github.com/irislabs/iris/internal/common/logger"
	"github.com/irislabs/iris/internal/db"
	"github.com/irislabs/iris/internal/events/bus"
	"github.com/irislabs/iris/internal/pool"
	"github.com/irislabs/iris/internal/session"
	"github.com/irislabs/iris/internal/teams"
	"github.com/irislabs/iris/internal/transport"
)

// Canned stream-json frames for the scripted children below.
const (
	initLine      = `{"type":"system","subtype":"init","session_id":"agent-abc","model":"mock-1"}`
	resultLine    = `{"type":"result","subtype":"success","is_error":false}`
	assistantLine = `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hi!"}]}}`
)

func echoLine(frame string) string {
	return "echo '" + frame + "'\n"
}

// handshakeScript answers the spawn ping with an init frame and a
// result, which is all a child needs to reach READY.
func handshakeScript() string {
	return "read line\n" + echoLine(initLine) + echoLine(resultLine)
}

// echoScript replies to every tell with one assistant frame and a
// result.
func echoScript() string {
	return handshakeScript() +
		"while read line; do\n" +
		echoLine(assistantLine) +
		echoLine(resultLine) +
		"done\n"
}

// slowScript sleeps before each reply, keeping the tell in flight long
// enough for busy, cancel and caller-timeout scenarios.
func slowScript(delay string) string {
	return handshakeScript() +
		"while read line; do\n" +
		"sleep " + delay + "\n" +
		echoLine(assistantLine) +
		echoLine(resultLine) +
		"done\n"
}

// silentScript handshakes and then swallows every tell without
// answering, for response-timeout scenarios.
func silentScript() string {
	return handshakeScript() + "while read line; do :; done\n"
}

// markerScript is silent on its first life and an echo agent on every
// later one, for stall-then-respawn scenarios.
func markerScript(marker string) string {
	return handshakeScript() +
		"if [ -f '" + marker + "' ]; then\n" +
		"while read line; do\n" +
		echoLine(assistantLine) +
		echoLine(resultLine) +
		"done\n" +
		"else\n" +
		"touch '" + marker + "'\n" +
		"while read line; do :; done\n" +
		"fi\n"
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.McpPort = 8900
	cfg.Pool.MaxProcesses = 4
	cfg.Pool.HealthCheckInterval = time.Minute
	cfg.Pool.SpawnTimeout = 5 * time.Second
	cfg.Pool.PingMessage = "ping"
	cfg.Timeouts.Response = 5 * time.Second
	cfg.Timeouts.Permission = 5 * time.Second
	cfg.Timeouts.TerminateGrace = time.Second
	cfg.Sessions.Dir = filepath.Join(t.TempDir(), "sessions")
	cfg.Agent.Executable = "claude"
	return cfg
}

// scriptTeam builds a team whose agent is a shell script standing in
// for the real executable.
func scriptTeam(t *testing.T, body string) teams.Team {
	t.Helper()
	return teams.Team{
		Path:           t.TempDir(),
		Executable:     writeScript(t, body),
		PermissionMode: teams.PermissionYes,
	}
}

type testRig struct {
	cfg    *config.Config
	store  *session.SQLStore
	caches *cache.Manager
	procs  *pool.Pool
	orch   *Orchestrator
	bus    bus.EventBus
}

func newRig(t *testing.T, cfg *config.Config, teamDefs map[string]teams.Team) *testRig {
	t.Helper()
	log := testLogger(t)

	dbPath := filepath.Join(t.TempDir(), "iris.db")
	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)
	store, err := session.NewSQLStore(db.NewPool(writer, reader), cfg.Sessions.Dir)
	require.NoError(t, err)

	registry, err := teams.NewRegistry(teamDefs)
	require.NoError(t, err)
	builder, err := transport.NewBuilder(cfg, log)
	require.NoError(t, err)
	factory := transport.NewFactory(registry, builder, cfg.Timeouts.TerminateGrace, log)

	caches := cache.NewManager()
	eventBus := bus.NewMemoryEventBus(log)
	procs := pool.New(pool.NewConfig(cfg), factory, caches, eventBus, log)
	procs.Start()

	orch := New(NewConfig(cfg), store, procs, caches, registry, builder, eventBus, log)
	require.NoError(t, orch.Start(context.Background()))

	t.Cleanup(func() {
		orch.Shutdown(context.Background())
		require.NoError(t, store.Close())
	})
	return &testRig{cfg: cfg, store: store, caches: caches, procs: procs, orch: orch, bus: eventBus}
}

func (r *testRig) row(t *testing.T, fromTeam, toTeam string) *session.Session {
	t.Helper()
	sess, err := r.store.GetSession(context.Background(), fromTeam, toTeam)
	require.NoError(t, err)
	return sess
}

func (r *testRig) waitForState(t *testing.T, sessionID string, want session.ProcessState) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, err := r.store.GetSessionByID(context.Background(), sessionID)
		return err == nil && sess.ProcessState == want
	}, 5*time.Second, 20*time.Millisecond, "session never reached state %s", want)
}

func TestSendMessage_ReplyAndSettle(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, echoScript()),
	})
	ctx := context.Background()

	res, err := rig.orch.Ask(ctx, "beta", "alpha", "hello over there")
	require.NoError(t, err)
	require.True(t, res.Success())
	assert.Equal(t, "Hi!", res.Text)
	assert.NotEmpty(t, res.SessionID)

	sess := rig.row(t, "beta", "alpha")
	assert.Equal(t, session.ProcessStateIdle, sess.ProcessState)
	assert.Equal(t, 1, sess.MessageCount)
	assert.Nil(t, sess.CurrentCacheEntryID)
	assert.NotNil(t, sess.LastResponseAt)

	mc := rig.caches.Get(sess.SessionID)
	require.NotNil(t, mc)
	stats := mc.Stats()
	assert.Equal(t, 1, stats.SpawnCount)
	assert.Equal(t, 1, stats.TellCount)
	assert.Equal(t, 2, stats.CompletedCount)
}

func TestSendMessage_SequentialTellsReuseTransport(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, echoScript()),
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := rig.orch.Ask(ctx, "beta", "alpha", "again")
		require.NoError(t, err)
		require.True(t, res.Success())
	}

	sess := rig.row(t, "beta", "alpha")
	assert.Equal(t, 3, sess.MessageCount)
	assert.Equal(t, 1, rig.procs.Size())

	stats := rig.caches.Get(sess.SessionID).Stats()
	assert.Equal(t, 1, stats.SpawnCount, "a live transport must be reused, not respawned")
	assert.Equal(t, 3, stats.TellCount)
}

func TestSendMessage_Async(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, echoScript()),
	})
	ctx := context.Background()

	res, err := rig.orch.SendMessage(ctx, "beta", "alpha", "fire and forget", -time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusAsync, res.Status)
	require.NotEmpty(t, res.CacheEntryID)

	// The tell keeps running; the cache and the row settle on their own.
	rig.waitForState(t, res.SessionID, session.ProcessStateIdle)

	entry, err := rig.caches.Get(res.SessionID).GetEntryByID(res.CacheEntryID)
	require.NoError(t, err)
	assert.Equal(t, cache.EntryStatusCompleted, entry.Status())
	assert.Equal(t, "Hi!", entry.AssistantText())
}

func TestSendMessage_CallerTimeoutDoesNotCancelTell(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, slowScript("0.6")),
	})
	ctx := context.Background()

	res, err := rig.orch.SendMessage(ctx, "beta", "alpha", "take your time", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusMcpTimeout, res.Status)
	assert.NotEmpty(t, res.CacheEntryID)
	assert.Contains(t, res.Message, "still running")

	// The caller gave up but the tell did not: it completes behind their
	// back and the session returns to idle.
	rig.waitForState(t, res.SessionID, session.ProcessStateIdle)

	entry, err := rig.caches.Get(res.SessionID).GetEntryByID(res.CacheEntryID)
	require.NoError(t, err)
	assert.Equal(t, cache.EntryStatusCompleted, entry.Status())
	assert.Equal(t, "Hi!", entry.AssistantText())
}

func TestSendMessage_BusySecondCaller(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, slowScript("1")),
	})
	ctx := context.Background()

	first, err := rig.orch.SendMessage(ctx, "beta", "alpha", "long job", -time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, StatusAsync, first.Status)

	second, err := rig.orch.SendMessage(ctx, "beta", "alpha", "me too", 0)
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, second.Status)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.SessionID, second.CurrentCacheSessionID)
	assert.Equal(t, first.CacheEntryID, second.CacheEntryID)

	rig.waitForState(t, first.SessionID, session.ProcessStateIdle)
}

func TestSendMessage_SpawningShortCircuit(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, echoScript()),
	})
	ctx := context.Background()

	sess, err := rig.store.GetOrCreateSession(ctx, "beta", "alpha")
	require.NoError(t, err)
	require.NoError(t, rig.store.UpdateProcessState(ctx, sess.SessionID, session.ProcessStateSpawning))

	res, err := rig.orch.SendMessage(ctx, "beta", "alpha", "too early", 0)
	require.NoError(t, err)
	assert.Equal(t, StatusSpawning, res.Status)
	assert.Contains(t, res.Message, "retry")

	// Put the row back so shutdown recovery has nothing to complain about.
	require.NoError(t, rig.store.UpdateProcessState(ctx, sess.SessionID, session.ProcessStateStopped))
}

func TestSendMessage_ResponseTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeouts.Response = 300 * time.Millisecond
	rig := newRig(t, cfg, map[string]teams.Team{
		"alpha": scriptTeam(t, silentScript()),
	})
	ctx := context.Background()

	res, err := rig.orch.Ask(ctx, "beta", "alpha", "anyone home?")
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, res.Status)
	assert.Equal(t, cache.ReasonResponseTimeout, res.Reason)

	sess := rig.row(t, "beta", "alpha")
	assert.Equal(t, session.ProcessStateStopped, sess.ProcessState)
	assert.Nil(t, sess.CurrentCacheEntryID)

	// The transport is gone but everything recorded stays readable.
	require.Eventually(t, func() bool { return rig.procs.Size() == 0 }, 5*time.Second, 20*time.Millisecond)
	stats := rig.caches.Get(sess.SessionID).Stats()
	assert.Equal(t, 1, stats.TellCount)
	assert.Equal(t, 1, stats.TerminatedCount)
}

func TestSendMessage_RespawnAfterStall(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeouts.Response = 300 * time.Millisecond
	marker := filepath.Join(t.TempDir(), "first-life-done")
	rig := newRig(t, cfg, map[string]teams.Team{
		"alpha": scriptTeam(t, markerScript(marker)),
	})
	ctx := context.Background()

	res, err := rig.orch.Ask(ctx, "beta", "alpha", "first try")
	require.NoError(t, err)
	require.Equal(t, StatusTerminated, res.Status)
	require.Eventually(t, func() bool { return rig.procs.Size() == 0 }, 5*time.Second, 20*time.Millisecond)

	// The stopped session spawns a fresh child on the next tell.
	res, err = rig.orch.Ask(ctx, "beta", "alpha", "second try")
	require.NoError(t, err)
	require.True(t, res.Success())
	assert.Equal(t, "Hi!", res.Text)

	sess := rig.row(t, "beta", "alpha")
	assert.Equal(t, session.ProcessStateIdle, sess.ProcessState)
	assert.Equal(t, 2, rig.caches.Get(sess.SessionID).Stats().SpawnCount)
}

func TestSendMessage_Validation(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, echoScript()),
	})
	ctx := context.Background()

	_, err := rig.orch.SendMessage(ctx, "not a team!", "alpha", "hi", 0)
	assert.ErrorIs(t, err, teams.ErrInvalidTeamName)

	_, err = rig.orch.SendMessage(ctx, "beta", "nobody", "hi", 0)
	assert.ErrorIs(t, err, teams.ErrUnknownTeam)
}

func TestParseTimeout(t *testing.T) {
	d, err := ParseTimeout(-1)
	require.NoError(t, err)
	assert.Equal(t, -time.Millisecond, d)

	d, err = ParseTimeout(0)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), d)

	d, err = ParseTimeout(30000)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	_, err = ParseTimeout(-2)
	assert.ErrorIs(t, err, ErrInvalidTimeout)
}

func TestSendMessage_SpawnFailure(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": {
			Path:           t.TempDir(),
			Executable:     filepath.Join(t.TempDir(), "no-such-agent"),
			PermissionMode: teams.PermissionYes,
		},
	})
	ctx := context.Background()

	_, err := rig.orch.Ask(ctx, "beta", "alpha", "hello?")
	require.Error(t, err)

	// The failed spawn rolls the row back so the next attempt is clean.
	sess := rig.row(t, "beta", "alpha")
	assert.Equal(t, session.ProcessStateStopped, sess.ProcessState)
	assert.Equal(t, 0, rig.procs.Size())
}

func TestCancel(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, slowScript("2")),
	})
	ctx := context.Background()

	res, err := rig.orch.SendMessage(ctx, "beta", "alpha", "never mind", -time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, StatusAsync, res.Status)

	cancelled, err := rig.orch.Cancel(ctx, "beta", "alpha")
	require.NoError(t, err)
	assert.True(t, cancelled)

	// A cancel settles the session back to idle with the child alive.
	rig.waitForState(t, res.SessionID, session.ProcessStateIdle)
	assert.Equal(t, 1, rig.procs.Size())

	entry, err := rig.caches.Get(res.SessionID).GetEntryByID(res.CacheEntryID)
	require.NoError(t, err)
	assert.Equal(t, cache.EntryStatusTerminated, entry.Status())
	assert.Equal(t, cache.ReasonUserCancelled, entry.TerminationReason())

	// Nothing in flight anymore.
	cancelled, err = rig.orch.Cancel(ctx, "beta", "alpha")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCancel_DeadTransportFoldsToStopped(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, echoScript()),
	})
	ctx := context.Background()

	// An in-flight tell whose transport is gone: the row says processing
	// but the pool has nothing live for the pair.
	sess, err := rig.store.GetOrCreateSession(ctx, "beta", "alpha")
	require.NoError(t, err)
	require.NoError(t, rig.store.UpdateProcessState(ctx, sess.SessionID, session.ProcessStateSpawning))
	require.NoError(t, rig.store.CompleteSpawn(ctx, sess.SessionID))

	mc := rig.caches.GetOrCreate(sess.SessionID)
	entry := mc.CreateEntry(cache.EntryTypeTell, "orphaned")
	require.NoError(t, rig.store.BeginTell(ctx, sess.SessionID, entry.ID))

	cancelled, err := rig.orch.Cancel(ctx, "beta", "alpha")
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, cache.EntryStatusTerminated, entry.Status())
	assert.Equal(t, cache.ReasonUserCancelled, entry.TerminationReason())

	// Idle would claim a child that is not there; stopped sends the next
	// tell down the spawn path.
	fresh := rig.row(t, "beta", "alpha")
	assert.Equal(t, session.ProcessStateStopped, fresh.ProcessState)
	assert.Nil(t, fresh.CurrentCacheEntryID)
}

func TestSleepAndWake(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, echoScript()),
	})
	ctx := context.Background()

	res, err := rig.orch.Ask(ctx, "beta", "alpha", "warm up")
	require.NoError(t, err)
	require.True(t, res.Success())
	require.True(t, rig.orch.IsAwake("beta", "alpha"))

	stopped, err := rig.orch.Sleep(ctx, "beta", "alpha")
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.False(t, rig.orch.IsAwake("beta", "alpha"))
	assert.Equal(t, 0, rig.procs.Size())
	assert.Equal(t, session.ProcessStateStopped, rig.row(t, "beta", "alpha").ProcessState)

	// Sleeping an already-asleep agent is a no-op, not an error.
	stopped, err = rig.orch.Sleep(ctx, "beta", "alpha")
	require.NoError(t, err)
	assert.False(t, stopped)

	sess, info, err := rig.orch.Wake(ctx, "beta", "alpha")
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, sess.SessionID, "wake resumes the session, it does not mint a new one")
	assert.Equal(t, session.ProcessStateIdle, sess.ProcessState)
	assert.Equal(t, transport.StatusReady, info.Status)
	assert.True(t, rig.orch.IsAwake("beta", "alpha"))
}

func TestWakeAll(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, echoScript()),
		"gamma": scriptTeam(t, echoScript()),
	})
	ctx := context.Background()

	for _, to := range []string{"alpha", "gamma"} {
		res, err := rig.orch.Ask(ctx, "beta", to, "hello")
		require.NoError(t, err)
		require.True(t, res.Success())
		_, err = rig.orch.Sleep(ctx, "beta", to)
		require.NoError(t, err)
	}
	require.Equal(t, 0, rig.procs.Size())

	results, err := rig.orch.WakeAll(ctx, "beta")
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.True(t, res.Awake, "wake of %s failed: %s", res.ToTeam, res.Error)
	}
	assert.Equal(t, 2, rig.procs.Size())
}

func TestReboot(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, echoScript()),
	})
	ctx := context.Background()

	res, err := rig.orch.Ask(ctx, "beta", "alpha", "remember this")
	require.NoError(t, err)
	require.True(t, res.Success())
	oldID := res.SessionID

	fresh, err := rig.orch.Reboot(ctx, "beta", "alpha")
	require.NoError(t, err)
	assert.NotEqual(t, oldID, fresh.SessionID)
	assert.Equal(t, 0, fresh.MessageCount)
	assert.Equal(t, session.ProcessStateStopped, fresh.ProcessState)

	// The old session is gone root and branch.
	assert.Nil(t, rig.caches.Get(oldID))
	_, err = rig.store.GetSessionByID(ctx, oldID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.Equal(t, 0, rig.procs.Size())
}

func TestDeleteSession(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, echoScript()),
	})
	ctx := context.Background()

	res, err := rig.orch.Ask(ctx, "beta", "alpha", "short lived")
	require.NoError(t, err)
	require.True(t, res.Success())

	require.NoError(t, rig.orch.DeleteSession(ctx, "beta", "alpha"))
	_, err = rig.store.GetSession(ctx, "beta", "alpha")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	err = rig.orch.DeleteSession(ctx, "beta", "alpha")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestFork(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, echoScript()),
	})
	ctx := context.Background()

	res, err := rig.orch.Ask(ctx, "beta", "alpha", "hello")
	require.NoError(t, err)
	require.True(t, res.Success())

	fork, err := rig.orch.Fork(ctx, "beta", "alpha")
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, fork.SessionID)
	assert.Contains(t, fork.Command, "--resume "+res.SessionID)
	assert.Contains(t, fork.Command, "cd ")

	_, err = rig.orch.Fork(ctx, "beta", "gamma")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestTeamsAndTeamStatus(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, echoScript()),
		"gamma": scriptTeam(t, echoScript()),
	})
	ctx := context.Background()

	res, err := rig.orch.Ask(ctx, "beta", "alpha", "hello")
	require.NoError(t, err)
	require.True(t, res.Success())

	all := rig.orch.Teams()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "gamma", all[1].Name)
	assert.Empty(t, all[0].Processes)

	status, err := rig.orch.TeamStatus("alpha")
	require.NoError(t, err)
	require.Len(t, status, 1)
	require.Len(t, status[0].Processes, 1)
	assert.Equal(t, res.SessionID, status[0].Processes[0].SessionID)

	status, err = rig.orch.TeamStatus("gamma")
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Empty(t, status[0].Processes)

	_, err = rig.orch.TeamStatus("nobody")
	assert.ErrorIs(t, err, teams.ErrUnknownTeam)
}

func TestReport(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, echoScript()),
	})
	ctx := context.Background()

	res, err := rig.orch.Ask(ctx, "beta", "alpha", "report me")
	require.NoError(t, err)
	require.True(t, res.Success())

	rep, err := rig.orch.Report(ctx, "beta", "alpha", 0)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, rep.Session.SessionID)
	require.NotNil(t, rep.CacheStats)
	assert.Equal(t, 1, rep.CacheStats.SpawnCount)
	assert.Equal(t, 1, rep.CacheStats.TellCount)
	assert.NotEmpty(t, rep.Recent)
	require.NotNil(t, rep.Transport)
	assert.Equal(t, transport.StatusReady, rep.Transport.Status)

	byID, err := rig.orch.ReportByID(ctx, res.SessionID, 5)
	require.NoError(t, err)
	assert.Equal(t, rep.Session.SessionID, byID.Session.SessionID)

	_, err = rig.orch.Report(ctx, "beta", "gamma", 0)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestSendCommand(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, echoScript()),
	})
	ctx := context.Background()

	sess, _, err := rig.orch.Wake(ctx, "beta", "alpha")
	require.NoError(t, err)

	entry, err := rig.orch.SendCommand(ctx, sess.SessionID, "/compact")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return entry.Status() == cache.EntryStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	// Commands bypass the tell state machine; the row never left idle.
	assert.Equal(t, session.ProcessStateIdle, rig.row(t, "beta", "alpha").ProcessState)

	_, err = rig.orch.SendCommand(ctx, "no-such-session", "/compact")
	assert.ErrorIs(t, err, pool.ErrProcessNotFound)
}

func TestShutdownMidTell(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, silentScript()),
	})
	ctx := context.Background()

	res, err := rig.orch.SendMessage(ctx, "beta", "alpha", "doomed", -time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, StatusAsync, res.Status)

	rig.orch.Shutdown(context.Background())

	// The watcher settled the row before shutdown returned.
	sess, err := rig.store.GetSessionByID(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.ProcessStateStopped, sess.ProcessState)
	assert.Nil(t, sess.CurrentCacheEntryID)

	entry, err := rig.caches.Get(res.SessionID).GetEntryByID(res.CacheEntryID)
	require.NoError(t, err)
	assert.Equal(t, cache.EntryStatusTerminated, entry.Status())
	assert.Equal(t, cache.ReasonTransportTerminated, entry.TerminationReason())
}

func TestStartResetsStaleStates(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, echoScript()),
	})
	ctx := context.Background()

	sess, err := rig.store.GetOrCreateSession(ctx, "beta", "alpha")
	require.NoError(t, err)
	require.NoError(t, rig.store.UpdateProcessState(ctx, sess.SessionID, session.ProcessStateSpawning))
	require.NoError(t, rig.store.CompleteSpawn(ctx, sess.SessionID))
	require.NoError(t, rig.store.BeginTell(ctx, sess.SessionID, "entry-1"))

	// A restart must not believe the dead child is still processing.
	require.NoError(t, rig.orch.Start(ctx))
	fresh := rig.row(t, "beta", "alpha")
	assert.Equal(t, session.ProcessStateStopped, fresh.ProcessState)
	assert.Nil(t, fresh.CurrentCacheEntryID)
}

func TestPermission_TeamModes(t *testing.T) {
	yes := scriptTeam(t, echoScript())
	no := scriptTeam(t, echoScript())
	no.PermissionMode = teams.PermissionNo
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": yes,
		"gamma": no,
	})
	ctx := context.Background()

	allowed, err := rig.store.GetOrCreateSession(ctx, "beta", "alpha")
	require.NoError(t, err)
	denied, err := rig.store.GetOrCreateSession(ctx, "beta", "gamma")
	require.NoError(t, err)

	dec := rig.orch.Permission(ctx, allowed.SessionID, "Bash", `{"command":"ls"}`, "")
	assert.True(t, dec.Allow)
	assert.Equal(t, teams.PermissionYes, dec.Mode)

	dec = rig.orch.Permission(ctx, denied.SessionID, "Bash", `{"command":"ls"}`, "")
	assert.False(t, dec.Allow)
	assert.Equal(t, teams.PermissionNo, dec.Mode)

	dec = rig.orch.Permission(ctx, "no-such-session", "Bash", "", "")
	assert.False(t, dec.Allow)
	assert.Contains(t, dec.Message, "unknown session")
}

func TestPermission_AskResolvedThroughOrchestrator(t *testing.T) {
	ask := scriptTeam(t, echoScript())
	ask.PermissionMode = teams.PermissionAsk
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": ask,
	})
	ctx := context.Background()

	sess, err := rig.store.GetOrCreateSession(ctx, "beta", "alpha")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var dec PermissionDecision
	wg.Add(1)
	go func() {
		defer wg.Done()
		dec = rig.orch.Permission(ctx, sess.SessionID, "Write", `{"path":"x"}`, "wants to write")
	}()

	var pending []PendingPermission
	require.Eventually(t, func() bool {
		pending = rig.orch.PendingPermissions()
		return len(pending) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, sess.SessionID, pending[0].SessionID)
	assert.Equal(t, "Write", pending[0].ToolName)

	require.NoError(t, rig.orch.ResolvePermission(pending[0].ID, true, "looks fine"))
	wg.Wait()

	assert.True(t, dec.Allow)
	assert.Equal(t, "looks fine", dec.Message)
	assert.Empty(t, rig.orch.PendingPermissions())
}

func TestArchiveSession(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, echoScript()),
	})
	ctx := context.Background()

	sess, err := rig.store.GetOrCreateSession(ctx, "beta", "alpha")
	require.NoError(t, err)

	require.NoError(t, rig.orch.ArchiveSession(ctx, sess.SessionID))
	archived, err := rig.orch.Session(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusArchived, archived.Status)

	// Archived sessions drop out of the default active listing.
	active, err := rig.orch.ListSessions(ctx, session.Filter{Status: session.StatusActive})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSendMessage_SlowDispatchTextContains(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, slowScript("0.3")),
	})
	ctx := context.Background()

	// A generous caller timeout still wins the race against a slow child.
	res, err := rig.orch.SendMessage(ctx, "beta", "alpha", "plenty of time", 10*time.Second)
	require.NoError(t, err)
	require.True(t, res.Success())
	assert.Equal(t, "Hi!", res.Text)
}

func TestSessionEventsPublished(t *testing.T) {
	rig := newRig(t, testConfig(t), map[string]teams.Team{
		"alpha": scriptTeam(t, echoScript()),
	})
	ctx := context.Background()

	var mu sync.Mutex
	var types []string
	sub, err := rig.bus.Subscribe("session.>", func(_ context.Context, event *bus.Event) error {
		mu.Lock()
		types = append(types, event.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	res, err := rig.orch.Ask(ctx, "beta", "alpha", "hello")
	require.NoError(t, err)
	require.True(t, res.Success())
	require.NoError(t, rig.orch.DeleteSession(ctx, "beta", "alpha"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Join(types, ",") == "session.created,session.deleted"
	}, 5*time.Second, 20*time.Millisecond)
}
