// Package pool maintains the bounded working set of live transports,
// one per (fromTeam, toTeam) pair.
//
// The pool behaves as an LRU map capped at maxProcesses. When the cap
// is reached the least recently used idle transport is terminated to
// make room; if every transport is mid-tell the spawn fails with
// ErrPoolFull. Spawns for the same pair are collapsed into a single
// flight, so concurrent callers share one child.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/irislabs/iris/internal/cache"
	"github.com/irislabs/iris/internal/common/config"
	"github.com/irislabs/iris/internal/common/logger"
	"github.com/irislabs/iris/internal/events"
	"github.com/irislabs/iris/internal/events/bus"
	"github.com/irislabs/iris/internal/session"
	"github.com/irislabs/iris/internal/transport"
)

var (
	// ErrPoolFull reports a spawn attempt while every pooled transport
	// is mid-tell: nothing is idle, so nothing can be evicted.
	ErrPoolFull = errors.New("process pool is full")

	// ErrProcessNotFound reports a lookup for a pair or session with no
	// live transport.
	ErrProcessNotFound = errors.New("no live process")

	// ErrPoolClosed reports a spawn attempt after shutdown began.
	ErrPoolClosed = errors.New("process pool is shut down")
)

// Factory builds unspawned transports. *transport.Factory satisfies it;
// tests substitute fakes.
type Factory interface {
	NewTransport(ctx context.Context, toTeam string, sess *session.Session) (transport.Transport, error)
}

// Config tunes the pool.
type Config struct {
	// MaxProcesses caps the number of live transports.
	MaxProcesses int

	// HealthCheckInterval is how often dead transports are swept out.
	HealthCheckInterval time.Duration

	// SpawnTimeout bounds the child's init handshake.
	SpawnTimeout time.Duration

	// PingMessage is the synthetic first message that provokes the
	// handshake; its frames become the session's SPAWN entry.
	PingMessage string
}

// NewConfig maps the application's pool section onto pool tuning.
func NewConfig(cfg *config.Config) Config {
	return Config{
		MaxProcesses:        cfg.Pool.MaxProcesses,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		SpawnTimeout:        cfg.Pool.SpawnTimeout,
		PingMessage:         cfg.Pool.PingMessage,
	}
}

// pooled is one slot: a transport plus the bookkeeping the LRU needs.
type pooled struct {
	transport transport.Transport
	sessionID string
	fromTeam  string
	toTeam    string
	lastUsed  time.Time

	// reserved is set while the slot is claimed but its transport has not
	// spawned yet. The transport still reads STOPPED in that window, so
	// the sweep and the victim scan must not mistake it for dead.
	reserved bool
}

// ProcessInfo is a point-in-time view of one slot, for status tools.
type ProcessInfo struct {
	Key        string         `json:"key"`
	FromTeam   string         `json:"fromTeam"`
	ToTeam     string         `json:"toTeam"`
	SessionID  string         `json:"sessionId"`
	LastUsedAt time.Time      `json:"lastUsedAt"`
	Transport  transport.Info `json:"transport"`
}

// Pool is the bounded LRU of live transports.
type Pool struct {
	cfg     Config
	factory Factory
	caches  *cache.Manager
	bus     bus.EventBus
	logger  *logger.Logger

	mu    sync.Mutex
	procs map[string]*pooled

	// flight collapses concurrent spawns per key.
	flight singleflight.Group

	closed    atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	streamCtx context.Context
	streamEnd context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a pool. Call Start to begin the health sweep and Shutdown
// to tear everything down.
func New(cfg Config, factory Factory, caches *cache.Manager, eventBus bus.EventBus, log *logger.Logger) *Pool {
	if cfg.MaxProcesses <= 0 {
		cfg.MaxProcesses = 10
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = 90 * time.Second
	}
	if cfg.PingMessage == "" {
		cfg.PingMessage = "ping"
	}

	streamCtx, streamEnd := context.WithCancel(context.Background())
	return &Pool{
		cfg:       cfg,
		factory:   factory,
		caches:    caches,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "pool")),
		procs:     make(map[string]*pooled),
		stopCh:    make(chan struct{}),
		streamCtx: streamCtx,
		streamEnd: streamEnd,
	}
}

// Start launches the periodic health sweep.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.healthLoop()
}

// Shutdown terminates every pooled transport in parallel and stops the
// background loops. Safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) {
	p.closed.Store(true)
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.TerminateAll(ctx)
	p.streamEnd()
	p.wg.Wait()
	p.logger.Info("process pool shut down")
}

// GetOrCreateProcess returns the live transport for the pair, spawning
// one if needed. Concurrent calls for the same pair share one spawn.
func (p *Pool) GetOrCreateProcess(ctx context.Context, fromTeam, toTeam string, sess *session.Session) (transport.Transport, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	key := session.PairKey(fromTeam, toTeam)

	v, err, _ := p.flight.Do(key, func() (any, error) {
		return p.getOrSpawn(ctx, key, fromTeam, toTeam, sess)
	})
	if err != nil {
		return nil, err
	}
	return v.(transport.Transport), nil
}

func (p *Pool) getOrSpawn(ctx context.Context, key, fromTeam, toTeam string, sess *session.Session) (transport.Transport, error) {
	p.mu.Lock()
	if slot, ok := p.procs[key]; ok {
		if isLive(slot.transport.Status()) {
			slot.lastUsed = time.Now()
			p.mu.Unlock()
			return slot.transport, nil
		}
		// The child died since the last sweep; free the slot and fall
		// through to a fresh spawn.
		delete(p.procs, key)
	}
	p.mu.Unlock()

	return p.spawn(ctx, key, fromTeam, toTeam, sess)
}

func (p *Pool) spawn(ctx context.Context, key, fromTeam, toTeam string, sess *session.Session) (transport.Transport, error) {
	tr, err := p.factory.NewTransport(ctx, toTeam, sess)
	if err != nil {
		return nil, err
	}

	slot := &pooled{
		transport: tr,
		sessionID: sess.SessionID,
		fromTeam:  fromTeam,
		toTeam:    toTeam,
		lastUsed:  time.Now(),
	}

	victim, err := p.reserve(key, slot)
	if err != nil {
		return nil, err
	}
	if victim != nil {
		p.logger.Info("evicting least recently used transport",
			zap.String("evicted_key", session.PairKey(victim.fromTeam, victim.toTeam)),
			zap.String("evicted_session_id", victim.sessionID),
			zap.Time("last_used", victim.lastUsed))
		victim.transport.Terminate(ctx)
		p.publishTerminated(ctx, victim, "evicted")
	}

	p.watch(tr, key, sess.SessionID)

	mc := p.caches.GetOrCreate(sess.SessionID)
	entry := mc.CreateEntry(cache.EntryTypeSpawn, p.cfg.PingMessage)

	if err := tr.Spawn(ctx, entry, p.cfg.SpawnTimeout); err != nil {
		p.drop(key, tr)
		_ = mc.RemoveEntry(entry.ID)
		return nil, err
	}

	// Shutdown may have raced the spawn; do not leave an orphan child.
	if p.closed.Load() {
		tr.Terminate(ctx)
		p.drop(key, tr)
		return nil, ErrPoolClosed
	}

	p.activate(key, tr)

	p.logger.Info("agent process pooled",
		zap.String("key", key),
		zap.String("session_id", sess.SessionID),
		zap.Int("pid", tr.PID()),
		zap.Int("pool_size", p.Size()))
	p.publish(ctx, events.ProcessSpawned, map[string]any{
		"key":       key,
		"sessionId": sess.SessionID,
		"fromTeam":  fromTeam,
		"toTeam":    toTeam,
		"pid":       tr.PID(),
	})
	return tr, nil
}

// reserve claims a slot for key, marking it reserved until the spawn
// confirms it. At capacity it picks a victim: a dead transport if one
// exists, otherwise the least recently used idle one; slots mid-claim
// are never victims. Claiming and victim removal happen in one critical
// section so the cap holds across concurrent spawns; the caller
// terminates the returned victim outside the lock.
func (p *Pool) reserve(key string, slot *pooled) (*pooled, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	slot.reserved = true
	if len(p.procs) < p.cfg.MaxProcesses {
		p.procs[key] = slot
		return nil, nil
	}

	var victimKey string
	var victim *pooled
	for k, s := range p.procs {
		if s.reserved || isLive(s.transport.Status()) {
			continue
		}
		victimKey, victim = k, s
		break
	}
	if victim == nil {
		for k, s := range p.procs {
			if s.transport.Status() != transport.StatusReady {
				continue
			}
			if victim == nil || s.lastUsed.Before(victim.lastUsed) {
				victimKey, victim = k, s
			}
		}
	}
	if victim == nil {
		return nil, ErrPoolFull
	}

	delete(p.procs, victimKey)
	p.procs[key] = slot
	return victim, nil
}

// activate clears a slot's reservation once its transport is spawned.
func (p *Pool) activate(key string, tr transport.Transport) {
	p.mu.Lock()
	if slot, ok := p.procs[key]; ok && slot.transport == tr {
		slot.reserved = false
	}
	p.mu.Unlock()
}

// drop removes a slot only if it still holds the given transport.
func (p *Pool) drop(key string, tr transport.Transport) {
	p.mu.Lock()
	if slot, ok := p.procs[key]; ok && slot.transport == tr {
		delete(p.procs, key)
	}
	p.mu.Unlock()
}

// watch mirrors a transport's error stream onto the event bus.
func (p *Pool) watch(tr transport.Transport, key, sessionID string) {
	errs := tr.ErrorStream(p.streamCtx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for err := range errs {
			p.logger.WithError(err).Warn("transport error",
				zap.String("key", key),
				zap.String("session_id", sessionID))
			p.publish(p.streamCtx, events.ProcessError, map[string]any{
				"key":       key,
				"sessionId": sessionID,
				"error":     err.Error(),
			})
		}
	}()
}

// Get returns the live transport for the pair, if any.
func (p *Pool) Get(fromTeam, toTeam string) (transport.Transport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.procs[session.PairKey(fromTeam, toTeam)]
	if !ok || !isLive(slot.transport.Status()) {
		return nil, false
	}
	return slot.transport, true
}

// GetBySessionID returns the live transport bound to a session, if any.
func (p *Pool) GetBySessionID(sessionID string) (transport.Transport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, slot := range p.procs {
		if slot.sessionID == sessionID && isLive(slot.transport.Status()) {
			return slot.transport, true
		}
	}
	return nil, false
}

// Size reports the number of occupied slots.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.procs)
}

// Processes snapshots every slot for status tools and the dashboard.
func (p *Pool) Processes() []ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]ProcessInfo, 0, len(p.procs))
	for key, slot := range p.procs {
		infos = append(infos, ProcessInfo{
			Key:        key,
			FromTeam:   slot.fromTeam,
			ToTeam:     slot.toTeam,
			SessionID:  slot.sessionID,
			LastUsedAt: slot.lastUsed,
			Transport:  slot.transport.Info(),
		})
	}
	return infos
}

// TerminateProcess tears down the pair's transport and frees its slot.
func (p *Pool) TerminateProcess(ctx context.Context, fromTeam, toTeam string) error {
	key := session.PairKey(fromTeam, toTeam)
	p.mu.Lock()
	slot, ok := p.procs[key]
	if ok {
		delete(p.procs, key)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, key)
	}

	slot.transport.Terminate(ctx)
	p.publishTerminated(ctx, slot, "requested")
	return nil
}

// TerminateBySessionID tears down the transport bound to a session.
func (p *Pool) TerminateBySessionID(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	var found *pooled
	for key, slot := range p.procs {
		if slot.sessionID == sessionID {
			found = slot
			delete(p.procs, key)
			break
		}
	}
	p.mu.Unlock()
	if found == nil {
		return fmt.Errorf("%w: session %s", ErrProcessNotFound, sessionID)
	}

	found.transport.Terminate(ctx)
	p.publishTerminated(ctx, found, "requested")
	return nil
}

// TerminateAll tears down every pooled transport in parallel.
func (p *Pool) TerminateAll(ctx context.Context) {
	p.mu.Lock()
	slots := make([]*pooled, 0, len(p.procs))
	for _, slot := range p.procs {
		slots = append(slots, slot)
	}
	p.procs = make(map[string]*pooled)
	p.mu.Unlock()

	if len(slots) == 0 {
		return
	}
	p.logger.Info("terminating all pooled transports", zap.Int("count", len(slots)))

	g, gctx := errgroup.WithContext(ctx)
	for _, slot := range slots {
		slot := slot
		g.Go(func() error {
			slot.transport.Terminate(gctx)
			p.publishTerminated(gctx, slot, "shutdown")
			return nil
		})
	}
	_ = g.Wait()
}

// SendCommandToSession dispatches a raw command line (a slash command)
// to the live child bound to the session. The output lands in its own
// TELL entry; no response watchdog is armed for it.
func (p *Pool) SendCommandToSession(sessionID, command string) (*cache.Entry, error) {
	tr, ok := p.GetBySessionID(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrProcessNotFound, sessionID)
	}

	mc := p.caches.GetOrCreate(sessionID)
	entry := mc.CreateEntry(cache.EntryTypeTell, command)
	if err := tr.ExecuteTell(entry); err != nil {
		_ = mc.RemoveEntry(entry.ID)
		return nil, err
	}
	p.logger.Info("command dispatched to session",
		zap.String("session_id", sessionID),
		zap.String("command", command))
	return entry, nil
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep(context.Background())
		}
	}
}

// sweep frees the slots of transports that are no longer live. Each
// swept transport is terminated as well: a transport can read ERROR
// after a failed write while its child is still running, and forgetting
// the slot alone would leak that child.
func (p *Pool) sweep(ctx context.Context) {
	p.mu.Lock()
	var dead []*pooled
	for key, slot := range p.procs {
		if slot.reserved || isLive(slot.transport.Status()) {
			continue
		}
		delete(p.procs, key)
		dead = append(dead, slot)
	}
	p.mu.Unlock()

	for _, slot := range dead {
		slot.transport.Terminate(ctx)
		p.logger.Info("swept dead transport",
			zap.String("key", session.PairKey(slot.fromTeam, slot.toTeam)),
			zap.String("session_id", slot.sessionID),
			zap.Int("exit_code", slot.transport.ExitCode()))
		p.publishTerminated(ctx, slot, "dead")
	}
}

// isLive reports whether a transport still holds its slot. TERMINATING
// counts as dead: the pool always unlinks before terminating, so a
// terminating transport seen here is on its way out.
func isLive(st transport.Status) bool {
	switch st {
	case transport.StatusSpawning, transport.StatusReady, transport.StatusBusy:
		return true
	}
	return false
}

func (p *Pool) publishTerminated(ctx context.Context, slot *pooled, reason string) {
	p.publish(ctx, events.ProcessTerminated, map[string]any{
		"key":       session.PairKey(slot.fromTeam, slot.toTeam),
		"sessionId": slot.sessionID,
		"fromTeam":  slot.fromTeam,
		"toTeam":    slot.toTeam,
		"reason":    reason,
		"exitCode":  slot.transport.ExitCode(),
	})
}

func (p *Pool) publish(ctx context.Context, eventType string, data map[string]any) {
	if p.bus == nil {
		return
	}
	sessionID, _ := data["sessionId"].(string)
	subject := events.BuildProcessSubject(eventType, sessionID)
	if err := p.bus.Publish(ctx, subject, bus.NewEvent(eventType, events.SourcePool, data)); err != nil {
		p.logger.WithError(err).Warn("failed to publish pool event", zap.String("subject", subject))
	}
}
