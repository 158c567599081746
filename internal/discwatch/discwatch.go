// Package discwatch implements the Disconnect Watcher: the polling loop
// that notices instances the dashboard tier marked DISCONNECTING, attempts
// a graceful protocol logout, and always ends by wiping the session
// directory and persisting DISCONNECTED.
package discwatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nrlim/wa-engine/internal/monitoring"
	"github.com/nrlim/wa-engine/internal/session"
	"github.com/nrlim/wa-engine/internal/store"
	"github.com/nrlim/wa-engine/internal/wsocket"
)

// SupervisorPool is the subset of connmgr.Manager the watcher needs: look up
// a live supervisor by instance id, and drop it from the pool once torn
// down.
type SupervisorPool interface {
	Lookup(id string) (Teardownable, bool)
	Remove(id string)
}

// Teardownable is the supervisor capability the watcher exercises: a
// graceful logout through the socket, then an unconditional teardown.
type Teardownable interface {
	Socket() wsocket.Socket
	Teardown()
}

// Watcher polls the store for DISCONNECTING instances.
type Watcher struct {
	store        store.Store
	sessionStore *session.Store
	pool         SupervisorPool
	logger       zerolog.Logger
	interval     time.Duration

	stop chan struct{}
}

// New constructs a Watcher.
func New(st store.Store, sessionStore *session.Store, pool SupervisorPool, logger zerolog.Logger, interval time.Duration) *Watcher {
	return &Watcher{
		store:        st,
		sessionStore: sessionStore,
		pool:         pool,
		logger:       logger,
		interval:     interval,
		stop:         make(chan struct{}),
	}
}

// Run polls every interval until ctx is done or Stop is called.
func (w *Watcher) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(w.logger, "disconnect-watcher", nil)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the poll loop.
func (w *Watcher) Stop() {
	close(w.stop)
}

func (w *Watcher) tick(ctx context.Context) {
	instances, err := w.store.ListInstancesByStatus(store.InstanceDisconnecting)
	if err != nil {
		monitoring.LogError(w.logger, err, "failed to list disconnecting instances", nil)
		return
	}

	for _, inst := range instances {
		w.drain(ctx, inst.ID)
	}
}

func (w *Watcher) drain(ctx context.Context, id string) {
	if sv, ok := w.pool.Lookup(id); ok {
		if sock := sv.Socket(); sock != nil {
			logoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := sock.Logout(logoutCtx); err != nil {
				w.logger.Warn().Err(err).Str("instance_id", id).Msg("graceful logout failed, tearing down anyway")
			}
			cancel()
		}
		sv.Teardown()
		w.pool.Remove(id)
	}

	if err := w.sessionStore.Wipe(id); err != nil {
		monitoring.LogError(w.logger, err, "failed to wipe session during disconnect", map[string]any{"instance_id": id})
	}

	if err := w.store.UpdateInstanceStatus(id, store.InstanceDisconnected, ""); err != nil {
		monitoring.LogError(w.logger, err, "failed to persist disconnected status", map[string]any{"instance_id": id})
	}
}
