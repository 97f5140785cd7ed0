package orchestrator

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/irislabs/iris/internal/cache"
	"github.com/irislabs/iris/internal/events"
	"github.com/irislabs/iris/internal/pool"
	"github.com/irislabs/iris/internal/session"
	"github.com/irislabs/iris/internal/teams"
	"github.com/irislabs/iris/internal/transport"
)

// wakeAllConcurrency bounds how many agents one wake_all spawns at once.
const wakeAllConcurrency = 4

// defaultReportMessages is how much recent traffic a report includes
// when the caller does not say.
const defaultReportMessages = 20

// TeamInfo describes one configured team and, optionally, the live
// processes currently serving it.
type TeamInfo struct {
	Name           string             `json:"name"`
	Path           string             `json:"path"`
	PermissionMode string             `json:"permissionMode"`
	Remote         bool               `json:"remote"`
	Processes      []pool.ProcessInfo `json:"processes,omitempty"`
}

// WakeResult is the outcome of waking one session during wake_all.
type WakeResult struct {
	ToTeam    string `json:"toTeam"`
	SessionID string `json:"sessionId"`
	Awake     bool   `json:"awake"`
	Error     string `json:"error,omitempty"`
}

// SessionReport bundles a session row with its cache and transport
// state for the report tools.
type SessionReport struct {
	Session    *session.Session `json:"session"`
	CacheStats *cache.Stats     `json:"cacheStats,omitempty"`
	Recent     []cache.Message  `json:"recent,omitempty"`
	Transport  *transport.Info  `json:"transport,omitempty"`
}

// ForkInfo is the shell command that opens a session interactively.
type ForkInfo struct {
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`
}

// IsAwake reports whether the pair has a live transport that is READY
// and not mid-tell.
func (o *Orchestrator) IsAwake(fromTeam, toTeam string) bool {
	tr, ok := o.procs.Get(fromTeam, toTeam)
	return ok && tr.IsReady()
}

// Wake ensures the pair's agent is running, spawning it if necessary,
// and returns the session with a transport snapshot.
func (o *Orchestrator) Wake(ctx context.Context, fromTeam, toTeam string) (*session.Session, *transport.Info, error) {
	if err := teams.ValidateName(fromTeam); err != nil {
		return nil, nil, err
	}
	if _, err := o.registry.Get(toTeam); err != nil {
		return nil, nil, err
	}

	sess, err := o.acquireSession(ctx, fromTeam, toTeam)
	if err != nil {
		return nil, nil, err
	}

	tr, err := o.ensureTransport(ctx, sess)
	if err != nil {
		return nil, nil, err
	}

	info := tr.Info()
	sess, err = o.store.GetSessionByID(ctx, sess.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return sess, &info, nil
}

// Sleep terminates the pair's transport, keeping the session row and
// its cache. Returns whether a live transport was actually stopped.
func (o *Orchestrator) Sleep(ctx context.Context, fromTeam, toTeam string) (bool, error) {
	sess, err := o.store.GetSession(ctx, fromTeam, toTeam)
	if err != nil {
		return false, err
	}
	log := o.logger.WithTeams(fromTeam, toTeam).WithSessionID(sess.SessionID)

	err = o.procs.TerminateProcess(ctx, fromTeam, toTeam)
	stopped := err == nil
	if err != nil && !errors.Is(err, pool.ErrProcessNotFound) {
		return false, err
	}

	// The terminate already settles an in-flight tell through its
	// watcher; these writes cover the idle and already-asleep cases.
	if err := o.store.UpdateProcessState(ctx, sess.SessionID, session.ProcessStateStopped); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
		log.WithError(err).Warn("failed to mark session stopped")
	}
	if err := o.store.SetCurrentCacheEntry(ctx, sess.SessionID, nil); err != nil {
		log.WithError(err).Warn("failed to clear in-flight entry")
	}

	if stopped {
		log.Info("agent put to sleep")
	}
	return stopped, nil
}

// WakeAll wakes the agent of every active session originating from
// fromTeam, a few at a time.
func (o *Orchestrator) WakeAll(ctx context.Context, fromTeam string) ([]WakeResult, error) {
	if err := teams.ValidateName(fromTeam); err != nil {
		return nil, err
	}

	sessions, err := o.store.ListSessions(ctx, session.Filter{FromTeam: fromTeam, Status: session.StatusActive})
	if err != nil {
		return nil, err
	}

	results := make([]WakeResult, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(wakeAllConcurrency)
	for i, sess := range sessions {
		g.Go(func() error {
			res := WakeResult{ToTeam: sess.ToTeam, SessionID: sess.SessionID}
			if _, _, err := o.Wake(gctx, sess.FromTeam, sess.ToTeam); err != nil {
				res.Error = err.Error()
			} else {
				res.Awake = true
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// Teams lists the configured teams without process detail.
func (o *Orchestrator) Teams() []TeamInfo {
	names := o.registry.Names()
	out := make([]TeamInfo, 0, len(names))
	for _, name := range names {
		team, err := o.registry.Get(name)
		if err != nil {
			continue
		}
		out = append(out, TeamInfo{
			Name:           name,
			Path:           team.Path,
			PermissionMode: team.PermissionMode,
			Remote:         team.IsRemote(),
		})
	}
	return out
}

// TeamStatus describes one team, or every team when name is empty,
// including the live processes answering for it.
func (o *Orchestrator) TeamStatus(name string) ([]TeamInfo, error) {
	var infos []TeamInfo
	if name == "" {
		infos = o.Teams()
	} else {
		team, err := o.registry.Get(name)
		if err != nil {
			return nil, err
		}
		infos = []TeamInfo{{
			Name:           name,
			Path:           team.Path,
			PermissionMode: team.PermissionMode,
			Remote:         team.IsRemote(),
		}}
	}

	procs := o.procs.Processes()
	for i := range infos {
		for _, proc := range procs {
			if proc.ToTeam == infos[i].Name {
				infos[i].Processes = append(infos[i].Processes, proc)
			}
		}
	}
	return infos, nil
}

// Report summarizes the session for a pair: the persisted row, cache
// counters, the most recent messages and the live transport, if any.
func (o *Orchestrator) Report(ctx context.Context, fromTeam, toTeam string, limit int) (*SessionReport, error) {
	sess, err := o.store.GetSession(ctx, fromTeam, toTeam)
	if err != nil {
		return nil, err
	}
	return o.report(sess, limit), nil
}

// ReportByID is Report keyed by session id.
func (o *Orchestrator) ReportByID(ctx context.Context, sessionID string, limit int) (*SessionReport, error) {
	sess, err := o.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return o.report(sess, limit), nil
}

func (o *Orchestrator) report(sess *session.Session, limit int) *SessionReport {
	if limit <= 0 {
		limit = defaultReportMessages
	}
	rep := &SessionReport{Session: sess}

	if mc := o.caches.Get(sess.SessionID); mc != nil {
		stats := mc.Stats()
		rep.CacheStats = &stats
		rep.Recent = mc.GetRecentMessages(limit)
	}
	if tr, ok := o.procs.GetBySessionID(sess.SessionID); ok {
		info := tr.Info()
		rep.Transport = &info
	}
	return rep
}

// Cancel asks the pair's child to abandon the in-flight tell. Best
// effort: the ESC byte may be ignored, but the entry is terminated
// either way and the child stays alive. Returns whether there was an
// in-flight tell to cancel.
func (o *Orchestrator) Cancel(ctx context.Context, fromTeam, toTeam string) (bool, error) {
	sess, err := o.store.GetSession(ctx, fromTeam, toTeam)
	if err != nil {
		return false, err
	}
	log := o.logger.WithTeams(fromTeam, toTeam).WithSessionID(sess.SessionID)

	var entry *cache.Entry
	if mc := o.caches.Get(sess.SessionID); mc != nil && sess.CurrentCacheEntryID != nil {
		entry, _ = mc.GetEntryByID(*sess.CurrentCacheEntryID)
	}
	if entry == nil || !entry.IsActive() {
		return false, nil
	}

	tr, live := o.procs.Get(fromTeam, toTeam)
	if live {
		if err := tr.Cancel(); err != nil {
			log.WithError(err).Warn("cancel byte not delivered")
		}
	}

	// The watcher observes the termination and settles the session back
	// to idle.
	entry.Terminate(cache.ReasonUserCancelled)

	if !live {
		// The idle verdict assumes a child survived the cancel. With no
		// live transport behind the pair, fold the row to stopped so the
		// next send takes the spawn path.
		if err := o.store.UpdateProcessState(ctx, sess.SessionID, session.ProcessStateStopped); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
			log.WithError(err).Warn("failed to mark session stopped")
		}
		if err := o.store.SetCurrentCacheEntry(ctx, sess.SessionID, nil); err != nil {
			log.WithError(err).Warn("failed to clear in-flight entry")
		}
	}

	log.Info("tell cancelled", zap.String("entry_id", entry.ID))
	return true, nil
}

// Reboot destroys the pair's session and immediately mints a fresh one.
// The cache, the row and the on-disk artifacts are all gone; the next
// send spawns a clean child with no conversation history.
func (o *Orchestrator) Reboot(ctx context.Context, fromTeam, toTeam string) (*session.Session, error) {
	if err := o.removeSession(ctx, fromTeam, toTeam); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		return nil, err
	}
	return o.acquireSession(ctx, fromTeam, toTeam)
}

// DeleteSession destroys the pair's session without recreating it.
func (o *Orchestrator) DeleteSession(ctx context.Context, fromTeam, toTeam string) error {
	return o.removeSession(ctx, fromTeam, toTeam)
}

func (o *Orchestrator) removeSession(ctx context.Context, fromTeam, toTeam string) error {
	sess, err := o.store.GetSession(ctx, fromTeam, toTeam)
	if err != nil {
		return err
	}
	log := o.logger.WithTeams(fromTeam, toTeam).WithSessionID(sess.SessionID)

	if err := o.procs.TerminateProcess(ctx, fromTeam, toTeam); err != nil && !errors.Is(err, pool.ErrProcessNotFound) {
		log.WithError(err).Warn("failed to terminate transport for removal")
	}
	o.caches.Remove(sess.SessionID)

	// A live transport cleans its remote artifacts up as it terminates;
	// a sleeping remote session still has them on disk.
	if team, terr := o.registry.Get(toTeam); terr == nil && team.IsRemote() {
		if cleanup := o.builder.CleanupCommand(*team, sess.SessionID); cleanup != nil {
			_ = cleanup.Run(log)
		}
	}

	if err := o.store.DeleteSession(ctx, sess.SessionID, true); err != nil {
		return err
	}
	o.publishSession(ctx, events.SessionDeleted, sess)
	log.Info("session removed")
	return nil
}

// Fork renders the shell command that opens the pair's conversation
// interactively in a new terminal. No state changes.
func (o *Orchestrator) Fork(ctx context.Context, fromTeam, toTeam string) (*ForkInfo, error) {
	sess, err := o.store.GetSession(ctx, fromTeam, toTeam)
	if err != nil {
		return nil, err
	}
	team, err := o.registry.Get(toTeam)
	if err != nil {
		return nil, err
	}
	return &ForkInfo{
		SessionID: sess.SessionID,
		Command:   o.builder.ForkCommand(*team, sess),
	}, nil
}

// SendCommand pushes a raw line (a slash command, typically) to the
// session's live child outside the tell state machine.
func (o *Orchestrator) SendCommand(ctx context.Context, sessionID, command string) (*cache.Entry, error) {
	entry, err := o.procs.SendCommandToSession(sessionID, command)
	if err != nil {
		return nil, err
	}
	if err := o.store.RecordUsage(ctx, sessionID); err != nil {
		o.logger.WithError(err).Warn("failed to record session usage",
			zap.String("session_id", sessionID))
	}
	return entry, nil
}

// ListSessions exposes the store's listing for the HTTP surfaces.
func (o *Orchestrator) ListSessions(ctx context.Context, filter session.Filter) ([]*session.Session, error) {
	return o.store.ListSessions(ctx, filter)
}

// Session looks a session up by id.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (*session.Session, error) {
	return o.store.GetSessionByID(ctx, sessionID)
}

// ArchiveSession marks a session archived without destroying anything.
func (o *Orchestrator) ArchiveSession(ctx context.Context, sessionID string) error {
	return o.store.SetStatus(ctx, sessionID, session.StatusArchived)
}
