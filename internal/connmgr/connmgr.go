// Package connmgr implements the Connection Manager: the polling loop that
// claims INITIALIZING instances and hands each one a Socket Supervisor,
// respecting the Memory Guard's admission ceiling and a per-admission pace.
package connmgr

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nrlim/wa-engine/internal/monitoring"
	"github.com/nrlim/wa-engine/internal/ratepace"
	"github.com/nrlim/wa-engine/internal/store"
	"github.com/nrlim/wa-engine/internal/supervisor"
	"github.com/nrlim/wa-engine/internal/wsocket"
)

// stuckStartTimeout is how long an INITIALIZING instance can sit unclaimed
// before the manager gives up on it and reverts it to DISCONNECTED.
const stuckStartTimeout = 120 * time.Second

// MemoryGuard is the subset of memguard.Guard the manager needs: the
// admission gate only cares about the current utilization percentage.
type MemoryGuard interface {
	Percent() float64
}

// Config controls the manager's poll cadence and batch size.
type Config struct {
	PollInterval    time.Duration
	ClaimBatchSize  int
	AdmitPercent    float64
	AdmissionPace   time.Duration
}

// Manager owns the pool of live Socket Supervisors, one per CONNECTED or
// connecting instance, keyed by instance id.
type Manager struct {
	cfg    Config
	store  store.Store
	guard  MemoryGuard
	logger zerolog.Logger
	pacer  *ratepace.Pacer

	// NewSupervisor constructs a supervisor for id without connecting it;
	// admit adds it to the pool and then calls Connect. The engine wires this
	// to supervisor.New plus its own dependency bundle, keeping this package
	// free of a direct wsocket.Factory/session.Store dependency.
	NewSupervisor func(ctx context.Context, id string) (*supervisor.Supervisor, error)

	mu   sync.Mutex
	pool map[string]*supervisor.Supervisor

	stop chan struct{}
	once sync.Once
}

// New constructs a Manager. NewSupervisor must be set on the returned value
// before Run is called.
func New(cfg Config, st store.Store, guard MemoryGuard, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  st,
		guard:  guard,
		logger: logger,
		pacer:  ratepace.FromRate(1, 1),
		pool:   make(map[string]*supervisor.Supervisor),
		stop:   make(chan struct{}),
	}
}

// Run polls every PollInterval until Stop is called. Callers run it in its
// own goroutine.
func (m *Manager) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(m.logger, "connection-manager", nil)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick(ctx)
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the poll loop. Existing supervisors are left running; the
// caller is responsible for tearing them down separately.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stop) })
}

// Pool returns a snapshot of the currently tracked instance ids.
func (m *Manager) Pool() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pool))
	for id := range m.pool {
		ids = append(ids, id)
	}
	return ids
}

// Remove drops id from the pool, called by the Disconnect Watcher once it
// has torn an instance down.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pool, id)
}

// Lookup returns the live supervisor for id, if any. Satisfies
// discwatch.SupervisorPool.
func (m *Manager) Lookup(id string) (*supervisor.Supervisor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sv, ok := m.pool[id]
	return sv, ok
}

// AnyConnected returns the socket of an arbitrary CONNECTED supervisor, for
// the Verification Worker to borrow. Satisfies verify.SocketProvider.
func (m *Manager) AnyConnected() (wsocket.Socket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sv := range m.pool {
		if sv.Status() == store.InstanceConnected {
			if sock := sv.Socket(); sock != nil {
				return sock, true
			}
		}
	}
	return nil, false
}

func (m *Manager) tick(ctx context.Context) {
	if m.guard.Percent() >= m.cfg.AdmitPercent {
		m.logger.Warn().Float64("mem_percent", m.guard.Percent()).Msg("memory guard above admission ceiling, skipping claim cycle")
		return
	}

	exclude := m.excludeSet()
	instances, err := m.store.ClaimInitializingInstances(m.cfg.ClaimBatchSize, exclude)
	if err != nil {
		monitoring.LogError(m.logger, err, "failed to claim initializing instances", nil)
		return
	}

	for _, inst := range instances {
		if time.Since(inst.UpdatedAt) > stuckStartTimeout {
			if err := m.store.UpdateInstanceStatus(inst.ID, store.InstanceDisconnected, ""); err != nil {
				monitoring.LogError(m.logger, err, "failed to revert stuck-start instance", map[string]any{"instance_id": inst.ID})
			} else {
				m.logger.Warn().Str("instance_id", inst.ID).Msg("reverting stuck-start instance to DISCONNECTED")
			}
			continue
		}

		if m.guard.Percent() >= m.cfg.AdmitPercent {
			m.logger.Warn().Msg("memory guard crossed admission ceiling mid-batch, deferring remaining instances")
			return
		}

		if err := m.admit(ctx, inst.ID); err != nil {
			monitoring.LogError(m.logger, err, "failed to admit instance", map[string]any{"instance_id": inst.ID})
			continue
		}

		if err := m.pacer.WaitJittered(ctx, func() time.Duration { return m.cfg.AdmissionPace }); err != nil {
			return
		}
	}
}

func (m *Manager) admit(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, exists := m.pool[id]; exists {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	sv, err := m.NewSupervisor(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.pool[id] = sv
	m.mu.Unlock()

	monitoring.InstancesActive.Set(float64(len(m.Pool())))
	return sv.Connect(ctx, false)
}

func (m *Manager) excludeSet() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.pool))
	for id := range m.pool {
		out[id] = true
	}
	return out
}
