// Package verify implements the Verification Worker: a single background
// loop that borrows any healthy socket to check whether pending contacts
// are registered on the protocol network.
package verify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nrlim/wa-engine/internal/monitoring"
	"github.com/nrlim/wa-engine/internal/phone"
	"github.com/nrlim/wa-engine/internal/ratepace"
	"github.com/nrlim/wa-engine/internal/store"
	"github.com/nrlim/wa-engine/internal/wsocket"
)

const (
	noSocketBackoff  = 10 * time.Second
	emptyBatchBackoff = 10 * time.Second
	probeErrorBackoff = 2 * time.Second
	interProbeMin     = 300 * time.Millisecond
	interProbeMax     = 500 * time.Millisecond
)

// SocketProvider hands the worker any currently healthy socket to probe
// with. connmgr.Manager implements this.
type SocketProvider interface {
	AnyConnected() (wsocket.Socket, bool)
}

// Worker polls for PENDING contacts and verifies them against the protocol.
type Worker struct {
	store     store.Store
	sockets   SocketProvider
	logger    zerolog.Logger
	batchSize int

	stop chan struct{}
}

// New constructs a Worker that claims up to batchSize contacts per cycle.
func New(st store.Store, sockets SocketProvider, logger zerolog.Logger, batchSize int) *Worker {
	return &Worker{
		store:     st,
		sockets:   sockets,
		logger:    logger,
		batchSize: batchSize,
		stop:      make(chan struct{}),
	}
}

// Run drives the verification loop until ctx is done or Stop is called.
func (w *Worker) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(w.logger, "verification-worker", nil)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		if !w.cycle(ctx) {
			return
		}
	}
}

// Stop halts the loop on its next check.
func (w *Worker) Stop() {
	close(w.stop)
}

// cycle runs one iteration; returns false if the worker should exit (ctx
// cancelled mid-sleep).
func (w *Worker) cycle(ctx context.Context) bool {
	sock, ok := w.sockets.AnyConnected()
	if !ok {
		return sleepCtx(ctx, noSocketBackoff)
	}

	contacts, err := w.store.ClaimPendingContacts(w.batchSize)
	if err != nil {
		monitoring.LogError(w.logger, err, "failed to claim pending contacts", nil)
		return sleepCtx(ctx, emptyBatchBackoff)
	}
	if len(contacts) == 0 {
		return sleepCtx(ctx, emptyBatchBackoff)
	}

	for _, c := range contacts {
		normalised := phone.Normalise(c.Phone)
		if normalised == "" {
			if err := w.store.UpdateContactStatus(c.ID, store.ContactInvalid); err != nil {
				monitoring.LogError(w.logger, err, "failed to mark malformed contact invalid", map[string]any{"contact_id": c.ID})
			}
			continue
		}

		exists, err := sock.OnWhatsApp(ctx, phone.ToJID(normalised))
		if err != nil {
			w.logger.Warn().Err(err).Str("contact_id", c.ID).Msg("verification probe failed, leaving contact pending")
			if !sleepCtx(ctx, probeErrorBackoff) {
				return false
			}
			continue
		}

		status := store.ContactInvalid
		if exists {
			status = store.ContactVerified
		}
		if err := w.store.UpdateContactStatus(c.ID, status); err != nil {
			monitoring.LogError(w.logger, err, "failed to persist contact verification", map[string]any{"contact_id": c.ID})
		}

		if !sleepCtx(ctx, ratepace.UniformDuration(interProbeMin, interProbeMax)) {
			return false
		}
	}

	return true
}

// sleepCtx sleeps for d, returning false if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
