// Package orchestrator ties the session store, the transport pool and
// the message caches together behind the operations callers see:
// sending tells, waking and sleeping agents, rebooting sessions and
// arbitrating permissions.
//
// Timeouts follow a two-timer design. The caller's timeout only bounds
// how long *they* wait; it never cancels the tell. The response timeout
// is a per-frame stall detector owned by a watcher goroutine: if the
// child goes silent mid-tell the whole transport is torn down and the
// cache keeps everything recorded so far.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/irislabs/iris/internal/cache"
	"github.com/irislabs/iris/internal/common/appctx"
	"github.com/irislabs/iris/internal/common/config"
	"github.com/irislabs/iris/internal/common/logger"
	"github.com/irislabs/iris/internal/events"
	"github.com/irislabs/iris/internal/events/bus"
	"github.com/irislabs/iris/internal/pool"
	"github.com/irislabs/iris/internal/session"
	"github.com/irislabs/iris/internal/teams"
	"github.com/irislabs/iris/internal/tracing"
	"github.com/irislabs/iris/internal/transport"
)

// Config tunes the orchestrator's timeout policy.
type Config struct {
	// ResponseTimeout is the per-frame stall window. Every frame the
	// child emits during a tell resets it.
	ResponseTimeout time.Duration

	// PermissionTimeout bounds how long an ask-mode permission request
	// stays pending before it is denied.
	PermissionTimeout time.Duration
}

// NewConfig extracts the orchestrator configuration.
func NewConfig(cfg *config.Config) Config {
	return Config{
		ResponseTimeout:   cfg.Timeouts.Response,
		PermissionTimeout: cfg.Timeouts.Permission,
	}
}

// Orchestrator coordinates sessions, transports and caches. One
// instance serves all teams for the lifetime of the server.
type Orchestrator struct {
	cfg      Config
	store    session.Store
	procs    *pool.Pool
	caches   *cache.Manager
	registry *teams.Registry
	builder  *transport.Builder
	bus      bus.EventBus
	perms    *Permissions
	logger   *logger.Logger
	tracer   trace.Tracer

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires an orchestrator. The store, pool and cache manager are
// owned by the caller; Shutdown stops the pool and the watchers but
// leaves closing the store to whoever opened it.
func New(cfg Config, store session.Store, procs *pool.Pool, caches *cache.Manager,
	registry *teams.Registry, builder *transport.Builder, eventBus bus.EventBus, log *logger.Logger) *Orchestrator {

	stopCh := make(chan struct{})
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		procs:    procs,
		caches:   caches,
		registry: registry,
		builder:  builder,
		bus:      eventBus,
		perms:    newPermissions(cfg.PermissionTimeout, eventBus, stopCh, log),
		logger:   log.WithFields(zap.String("component", "orchestrator")),
		tracer:   tracing.Tracer("orchestrator"),
		stopCh:   stopCh,
	}
}

// Start performs crash recovery: rows left spawning or processing by an
// unclean shutdown refer to children that no longer exist and would
// short-circuit every future tell as busy.
func (o *Orchestrator) Start(ctx context.Context) error {
	n, err := o.store.ResetAllProcessStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset stale session states: %w", err)
	}
	if n > 0 {
		o.logger.Info("reset stale session process states", zap.Int64("count", n))
	}
	return nil
}

// Shutdown terminates every transport, waits for the watchers to settle
// their sessions, then releases any blocked permission waiters. The
// order matters: terminating the transports closes every in-flight
// entry, which is what lets the watchers finish with a verdict instead
// of being yanked mid-tell.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.logger.Info("orchestrator shutting down")
	o.procs.Shutdown(ctx)
	o.wg.Wait()
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// SendMessage delivers one tell from fromTeam's agent to toTeam's agent
// and reports the outcome according to the caller's timeout: negative
// returns immediately after dispatch, zero waits for the reply however
// long it takes, positive bounds the wait without cancelling the tell.
func (o *Orchestrator) SendMessage(ctx context.Context, fromTeam, toTeam, text string, timeout time.Duration) (*SendResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.sendMessage", trace.WithAttributes(
		attribute.String("iris.from_team", fromTeam),
		attribute.String("iris.to_team", toTeam),
	))
	defer span.End()

	if err := teams.ValidateName(fromTeam); err != nil {
		return nil, err
	}
	if _, err := o.registry.Get(toTeam); err != nil {
		return nil, err
	}

	sess, err := o.acquireSession(ctx, fromTeam, toTeam)
	if err != nil {
		return nil, err
	}
	log := o.logger.WithTeams(fromTeam, toTeam).WithSessionID(sess.SessionID)
	span.SetAttributes(attribute.String("iris.session_id", sess.SessionID))

	// One tell in flight per pair. Anything mid-transition answers with
	// a retry hint instead of queueing.
	switch sess.ProcessState {
	case session.ProcessStateProcessing:
		return busyResult(sess), nil
	case session.ProcessStateSpawning:
		return spawningResult(sess, "agent is starting; retry shortly"), nil
	case session.ProcessStateTerminating:
		return spawningResult(sess, "agent is shutting down; retry shortly"), nil
	}

	mc := o.caches.GetOrCreate(sess.SessionID)

	tr, err := o.ensureTransport(ctx, sess)
	if err != nil {
		return nil, err
	}

	entry := mc.CreateEntry(cache.EntryTypeTell, text)
	if err := o.store.BeginTell(ctx, sess.SessionID, entry.ID); err != nil {
		if rerr := mc.RemoveEntry(entry.ID); rerr != nil {
			log.WithError(rerr).Warn("failed to discard unclaimed entry")
		}
		if errors.Is(err, session.ErrSessionBusy) {
			// Somebody claimed the pair between our check and the CAS.
			if cur, gerr := o.store.GetSessionByID(ctx, sess.SessionID); gerr == nil {
				return busyResult(cur), nil
			}
			return busyResult(sess), nil
		}
		return nil, err
	}

	// From here the watcher goroutine owns every end-of-tell write to
	// the session row; this function only reads the entry.
	watchDone, stopWatch := o.watch(ctx, sess, entry)

	if err := tr.ExecuteTell(entry); err != nil {
		stopWatch()
		<-watchDone
		o.unwindTell(ctx, sess, entry, mc, log)
		return nil, err
	}

	if err := o.store.IncrementMessageCount(ctx, sess.SessionID); err != nil {
		log.WithError(err).Warn("failed to bump message count")
	}
	if err := o.store.RecordUsage(ctx, sess.SessionID); err != nil {
		log.WithError(err).Warn("failed to record session usage")
	}
	log.Info("tell dispatched",
		zap.String("entry_id", entry.ID),
		zap.Duration("timeout", timeout))

	if timeout < 0 {
		return &SendResult{
			Status:       StatusAsync,
			SessionID:    sess.SessionID,
			CacheEntryID: entry.ID,
			Message:      "tell dispatched; the result will appear in the session cache",
		}, nil
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-watchDone:
		return o.outcome(sess, entry), nil
	case <-timeoutCh:
		// The caller gives up waiting; the tell keeps running and stays
		// fully cached.
		return &SendResult{
			Status:          StatusMcpTimeout,
			SessionID:       sess.SessionID,
			CacheEntryID:    entry.ID,
			Message:         fmt.Sprintf("no result within %s; the tell is still running", timeout),
			PartialResponse: entry.AssistantText(),
			RawMessages:     entry.RawMessages(),
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ask sends a tell and waits for the reply however long it takes,
// bounded only by the response timeout.
func (o *Orchestrator) Ask(ctx context.Context, fromTeam, toTeam, text string) (*SendResult, error) {
	return o.SendMessage(ctx, fromTeam, toTeam, text, 0)
}

// acquireSession finds or creates the row for the pair, announcing
// creations on the bus.
func (o *Orchestrator) acquireSession(ctx context.Context, fromTeam, toTeam string) (*session.Session, error) {
	sess, err := o.store.GetSession(ctx, fromTeam, toTeam)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return nil, err
	}

	sess, err = o.store.GetOrCreateSession(ctx, fromTeam, toTeam)
	if err != nil {
		return nil, err
	}
	o.publishSession(ctx, events.SessionCreated, sess)
	return sess, nil
}

// ensureTransport returns a live transport for the pair, spawning one
// through the pool when none is registered.
func (o *Orchestrator) ensureTransport(ctx context.Context, sess *session.Session) (transport.Transport, error) {
	if tr, ok := o.procs.Get(sess.FromTeam, sess.ToTeam); ok {
		return tr, nil
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.spawn")
	defer span.End()

	// The pool can lose a transport while the row still says idle (LRU
	// eviction, child death between sweeps). Fold back to stopped so the
	// spawn edge is legal.
	if sess.ProcessState == session.ProcessStateIdle {
		if err := o.store.UpdateProcessState(ctx, sess.SessionID, session.ProcessStateStopped); err != nil {
			return nil, err
		}
	}
	if err := o.store.UpdateProcessState(ctx, sess.SessionID, session.ProcessStateSpawning); err != nil {
		return nil, err
	}

	tr, err := o.procs.GetOrCreateProcess(ctx, sess.FromTeam, sess.ToTeam, sess)
	if err != nil {
		span.RecordError(err)
		if serr := o.store.UpdateProcessState(ctx, sess.SessionID, session.ProcessStateStopped); serr != nil {
			o.logger.WithError(serr).Warn("failed to reset state after spawn failure",
				zap.String("session_id", sess.SessionID))
		}
		return nil, err
	}

	if err := o.store.CompleteSpawn(ctx, sess.SessionID); err != nil {
		return nil, err
	}
	if err := o.store.UpdateDebugInfo(ctx, sess.SessionID, tr.LaunchCommand(), tr.ConfigSnapshot()); err != nil {
		o.logger.WithError(err).Warn("failed to record launch info",
			zap.String("session_id", sess.SessionID))
	}
	return tr, nil
}

// watch starts the response-timeout watcher for one tell. The returned
// channel closes when the watcher has settled the session; the cancel
// detaches it without settling, for unwinding a failed dispatch.
func (o *Orchestrator) watch(ctx context.Context, sess *session.Session, entry *cache.Entry) (<-chan struct{}, context.CancelFunc) {
	wctx, cancel := appctx.Detached(ctx, o.stopCh, 0)
	done := make(chan struct{})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(done)
		defer cancel()
		o.runWatcher(wctx, sess, entry)
	}()
	return done, cancel
}

// runWatcher follows one tell to its verdict. Each frame the child
// emits rearms the stall timer; a closed stream means the entry
// completed or was terminated by someone else, and a fired timer means
// the child went silent.
func (o *Orchestrator) runWatcher(ctx context.Context, sess *session.Session, entry *cache.Entry) {
	log := o.logger.WithSessionID(sess.SessionID)

	_, stream := entry.Subscribe(ctx)

	timer := time.NewTimer(o.cfg.ResponseTimeout)
	defer timer.Stop()

	for {
		select {
		case _, ok := <-stream:
			if !ok {
				o.settle(ctx, sess, entry, log)
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(o.cfg.ResponseTimeout)
		case <-timer.C:
			o.expireTell(ctx, sess, entry, log)
			return
		case <-ctx.Done():
			// Shutdown or unwind; the session row is not ours to touch.
			return
		}
	}
}

// settle writes the end-of-tell session state for an entry that reached
// a verdict. The watcher is the sole caller, which keeps exactly one
// writer for these fields per tell.
func (o *Orchestrator) settle(ctx context.Context, sess *session.Session, entry *cache.Entry, log *logger.Logger) {
	switch entry.Status() {
	case cache.EntryStatusCompleted:
		if err := o.store.UpdateProcessState(ctx, sess.SessionID, session.ProcessStateIdle); err != nil {
			log.WithError(err).Warn("failed to settle session after tell")
		}
		if err := o.store.SetCurrentCacheEntry(ctx, sess.SessionID, nil); err != nil {
			log.WithError(err).Warn("failed to clear in-flight entry")
		}
		if err := o.store.UpdateLastResponse(ctx, sess.SessionID); err != nil {
			log.WithError(err).Warn("failed to record response time")
		}
		log.Info("tell completed", zap.String("entry_id", entry.ID))

	case cache.EntryStatusTerminated:
		// A user cancel normally leaves the child alive and ready; every
		// other termination means the transport is gone. A cancel whose
		// child died anyway settles stopped too, not idle.
		state := session.ProcessStateStopped
		if entry.TerminationReason() == cache.ReasonUserCancelled {
			if _, ok := o.procs.GetBySessionID(sess.SessionID); ok {
				state = session.ProcessStateIdle
			}
		}
		if err := o.store.UpdateProcessState(ctx, sess.SessionID, state); err != nil {
			log.WithError(err).Warn("failed to settle session after termination")
		}
		if err := o.store.SetCurrentCacheEntry(ctx, sess.SessionID, nil); err != nil {
			log.WithError(err).Warn("failed to clear in-flight entry")
		}
		log.Info("tell terminated",
			zap.String("entry_id", entry.ID),
			zap.String("reason", entry.TerminationReason()))
	}
}

// expireTell declares the in-flight tell stuck: no frame arrived within
// the response timeout. The entry is marked first so it records
// RESPONSE_TIMEOUT rather than the generic transport reason, then the
// whole transport is torn down. The cache keeps the terminated entry.
func (o *Orchestrator) expireTell(ctx context.Context, sess *session.Session, entry *cache.Entry, log *logger.Logger) {
	log.Warn("response timeout, terminating transport",
		zap.Duration("response_timeout", o.cfg.ResponseTimeout),
		zap.String("entry_id", entry.ID))

	entry.Terminate(cache.ReasonResponseTimeout)

	if err := o.procs.TerminateBySessionID(ctx, sess.SessionID); err != nil && !errors.Is(err, pool.ErrProcessNotFound) {
		log.WithError(err).Warn("failed to terminate stalled transport")
	}

	if err := o.store.UpdateProcessState(ctx, sess.SessionID, session.ProcessStateStopped); err != nil {
		log.WithError(err).Warn("failed to mark session stopped")
	}
	if err := o.store.SetCurrentCacheEntry(ctx, sess.SessionID, nil); err != nil {
		log.WithError(err).Warn("failed to clear in-flight entry")
	}
}

// unwindTell reverts the claim made by BeginTell after a dispatch that
// failed synchronously. The entry never reached the child, so it is
// discarded rather than kept as history.
func (o *Orchestrator) unwindTell(ctx context.Context, sess *session.Session, entry *cache.Entry, mc *cache.MessageCache, log *logger.Logger) {
	if err := mc.RemoveEntry(entry.ID); err != nil {
		log.WithError(err).Warn("failed to discard entry after dispatch failure")
	}
	if err := o.store.UpdateProcessState(ctx, sess.SessionID, session.ProcessStateIdle); err != nil {
		log.WithError(err).Warn("failed to unwind session state")
	}
	if err := o.store.SetCurrentCacheEntry(ctx, sess.SessionID, nil); err != nil {
		log.WithError(err).Warn("failed to clear in-flight entry")
	}
}

// outcome converts a settled entry into the caller-facing result.
func (o *Orchestrator) outcome(sess *session.Session, entry *cache.Entry) *SendResult {
	switch entry.Status() {
	case cache.EntryStatusCompleted:
		return &SendResult{SessionID: sess.SessionID, Text: entry.AssistantText()}
	case cache.EntryStatusTerminated:
		return &SendResult{
			Status:          StatusTerminated,
			SessionID:       sess.SessionID,
			Reason:          entry.TerminationReason(),
			Message:         "the tell was terminated before completing",
			PartialResponse: entry.AssistantText(),
		}
	default:
		// The watcher stopped without a verdict; only shutdown does that.
		return &SendResult{
			Status:          StatusTerminated,
			SessionID:       sess.SessionID,
			Reason:          cache.ReasonTransportTerminated,
			Message:         "server shut down before the tell completed",
			PartialResponse: entry.AssistantText(),
		}
	}
}

func busyResult(sess *session.Session) *SendResult {
	res := &SendResult{
		Status:                StatusBusy,
		SessionID:             sess.SessionID,
		CurrentCacheSessionID: sess.SessionID,
		Message:               "session is processing another tell; retry later or read the cache",
	}
	if sess.CurrentCacheEntryID != nil {
		res.CacheEntryID = *sess.CurrentCacheEntryID
	}
	return res
}

func spawningResult(sess *session.Session, msg string) *SendResult {
	return &SendResult{Status: StatusSpawning, SessionID: sess.SessionID, Message: msg}
}

func (o *Orchestrator) publishSession(ctx context.Context, eventType string, sess *session.Session) {
	if o.bus == nil {
		return
	}
	subject := events.BuildSessionSubject(eventType, sess.SessionID)
	event := bus.NewEvent(eventType, events.SourceOrchestrator, map[string]any{
		"sessionId": sess.SessionID,
		"fromTeam":  sess.FromTeam,
		"toTeam":    sess.ToTeam,
	})
	if err := o.bus.Publish(ctx, subject, event); err != nil {
		o.logger.WithError(err).Warn("failed to publish session event", zap.String("subject", subject))
	}
}
