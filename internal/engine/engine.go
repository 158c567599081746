// Package engine wires every subsystem into one process: the Connection
// Manager, Disconnect Watcher, Verification Worker, Memory Guard, and the
// per-instance Socket Supervisor / Broadcast Processor pairs they spawn.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nrlim/wa-engine/internal/broadcastproc"
	"github.com/nrlim/wa-engine/internal/config"
	"github.com/nrlim/wa-engine/internal/connmgr"
	"github.com/nrlim/wa-engine/internal/discwatch"
	"github.com/nrlim/wa-engine/internal/eventbus"
	"github.com/nrlim/wa-engine/internal/memguard"
	"github.com/nrlim/wa-engine/internal/monitoring"
	"github.com/nrlim/wa-engine/internal/session"
	"github.com/nrlim/wa-engine/internal/store"
	"github.com/nrlim/wa-engine/internal/supervisor"
	"github.com/nrlim/wa-engine/internal/verify"
	"github.com/nrlim/wa-engine/internal/wsocket"
)

// Engine owns the process-wide singletons and the pool of per-instance
// supervisors and processors.
type Engine struct {
	cfg          *config.Config
	store        store.Store
	sessionStore *session.Store
	factory      wsocket.Factory
	guard        *memguard.Guard
	bus          *eventbus.Bus
	logger       zerolog.Logger
	cwd          string

	connMgr   *connmgr.Manager
	discWatch *discwatch.Watcher
	verifier  *verify.Worker

	mu         sync.Mutex
	processors map[string]context.CancelFunc
}

// New constructs an Engine from a parsed configuration. It does not start
// anything; call Run.
func New(cfg *config.Config, st store.Store, factory wsocket.Factory, logger zerolog.Logger) (*Engine, error) {
	sessStore, err := session.New(cfg.SessionsDir)
	if err != nil {
		return nil, fmt.Errorf("construct session store: %w", err)
	}

	guard, err := memguard.New(memguard.Config{
		CeilingMB:      cfg.MemoryCeilingMB,
		SoftPercent:    cfg.MemSoftPercent,
		HardPercent:    cfg.MemHardPercent,
		SampleInterval: cfg.MemSampleInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("construct memory guard: %w", err)
	}

	bus := eventbus.Connect(cfg.NATSURL, cfg.NATSEnabled, logger)

	cwd, err := filepath.Abs(".")
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	e := &Engine{
		cfg:          cfg,
		store:        st,
		sessionStore: sessStore,
		factory:      factory,
		guard:        guard,
		bus:          bus,
		logger:       logger,
		cwd:          cwd,
		processors:   make(map[string]context.CancelFunc),
	}

	e.connMgr = connmgr.New(connmgr.Config{
		PollInterval:   cfg.ConnManagerInterval,
		ClaimBatchSize: cfg.InitializingBatch,
		AdmitPercent:   cfg.MemAdmitPercent,
		AdmissionPace:  cfg.AdmissionPaceSeconds,
	}, st, guard, logger)
	e.connMgr.NewSupervisor = e.newSupervisor

	e.discWatch = discwatch.New(st, sessStore, poolAdapter{e.connMgr}, logger, cfg.DisconnectInterval)
	e.verifier = verify.New(st, e.connMgr, logger, cfg.VerifyBatchSize)

	return e, nil
}

// newSupervisor constructs a Supervisor bound to id. Invoked by the
// Connection Manager as its NewSupervisor hook.
func (e *Engine) newSupervisor(ctx context.Context, id string) (*supervisor.Supervisor, error) {
	sv := supervisor.New(id, supervisor.Deps{
		Store:        e.store,
		SessionStore: e.sessionStore,
		Factory:      e.factory,
		Logger:       e.logger,
		Bus:          e.bus,
		HandshakeURL: e.cfg.HandshakeURL,
		OnConnected:  e.onConnected,
	})
	return sv, nil
}

// onConnected launches a Broadcast Processor for a freshly CONNECTED
// supervisor. Wired as Supervisor.Deps.OnConnected.
func (e *Engine) onConnected(sv *supervisor.Supervisor) {
	id := sv.ID()

	e.mu.Lock()
	if _, running := e.processors[id]; running {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.processors[id] = cancel
	e.mu.Unlock()

	proc := broadcastproc.New(id, sv, e.store, e.guard, e.bus, e.logger, e.cwd, broadcastproc.Config{
		BatchSize: e.cfg.BroadcastBatchSize,
	})

	go func() {
		defer monitoring.RecoverPanic(e.logger, "engine-processor-launch", map[string]any{"instance_id": id})
		proc.Run(ctx)

		e.mu.Lock()
		delete(e.processors, id)
		e.mu.Unlock()
	}()
}

// Run starts every background subsystem. It returns when ctx is cancelled or
// the Memory Guard reports the hard threshold, whichever comes first —
// either way the caller is expected to follow up with Shutdown.
func (e *Engine) Run(ctx context.Context) {
	if err := session.CleanLegacy(e.cwd, e.cfg.SessionsDir); err != nil {
		monitoring.LogError(e.logger, err, "failed to clean legacy session artefacts", nil)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var hardOnce sync.Once
	e.guard.Subscribe(func(level memguard.Level) {
		if level != memguard.LevelHard {
			return
		}
		hardOnce.Do(func() {
			e.logger.Warn().Float64("mem_percent", e.guard.Percent()).Msg("memory guard hard threshold crossed, initiating graceful shutdown")
			cancel()
		})
	})

	go e.guard.Run()
	go e.connMgr.Run(runCtx)
	go e.discWatch.Run(runCtx)
	go e.verifier.Run(runCtx)

	e.logger.Info().Msg("engine started")
	<-runCtx.Done()
}

// Shutdown tears down every live supervisor, persisting DISCONNECTED, and
// stops the background loops. It does not wipe session directories: a
// graceful process restart should resume existing sessions.
func (e *Engine) Shutdown(ctx context.Context) {
	e.logger.Info().Msg("engine shutting down")

	e.guard.Stop()
	e.connMgr.Stop()
	e.discWatch.Stop()
	e.verifier.Stop()

	for _, id := range e.connMgr.Pool() {
		sv, ok := e.connMgr.Lookup(id)
		if !ok {
			continue
		}
		sv.Teardown()
		if err := e.store.UpdateInstanceStatus(id, store.InstanceDisconnected, ""); err != nil {
			monitoring.LogError(e.logger, err, "failed to persist disconnected status at shutdown", map[string]any{"instance_id": id})
		}
		e.connMgr.Remove(id)
	}

	e.bus.Close()
	e.logger.Info().Msg("engine shutdown complete")
}

// HealthSnapshot implements monitoring.HealthProvider.
func (e *Engine) HealthSnapshot() monitoring.HealthSnapshot {
	counts := make(map[string]int)
	for _, id := range e.connMgr.Pool() {
		sv, ok := e.connMgr.Lookup(id)
		if !ok {
			continue
		}
		counts[string(sv.Status())]++
	}

	return monitoring.HealthSnapshot{
		InstancesByState: counts,
		PoolCapacity:     e.cfg.MaxInstances,
		MemoryPercent:    e.guard.Percent(),
	}
}

// poolAdapter narrows connmgr.Manager's concrete *supervisor.Supervisor
// returns down to discwatch.Teardownable, so discwatch never needs to
// import connmgr or supervisor directly.
type poolAdapter struct {
	mgr *connmgr.Manager
}

func (p poolAdapter) Lookup(id string) (discwatch.Teardownable, bool) {
	sv, ok := p.mgr.Lookup(id)
	if !ok {
		return nil, false
	}
	return sv, true
}

func (p poolAdapter) Remove(id string) {
	p.mgr.Remove(id)
}
