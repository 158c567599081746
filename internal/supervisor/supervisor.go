// Package supervisor implements the per-instance Socket Supervisor: the
// nested state machine that owns one socket, drives connect/reconnect,
// emits QR codes, classifies disconnects, and keeps a human-like presence
// footprint while CONNECTED.
package supervisor

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nrlim/wa-engine/internal/eventbus"
	"github.com/nrlim/wa-engine/internal/monitoring"
	"github.com/nrlim/wa-engine/internal/session"
	"github.com/nrlim/wa-engine/internal/store"
	"github.com/nrlim/wa-engine/internal/wsocket"
)

const (
	stuckConnectingTimeout = 90 * time.Second
	qrReadyTimeout         = 60 * time.Second
	maxQRAttempts          = 6

	reconnectMin   = 3 * time.Second
	reconnectMax   = 10 * time.Second
	rateLimitMin   = 25 * time.Second
	rateLimitMax   = 45 * time.Second
	streamRestartDelay = 2 * time.Second

	handshakeDelayMin = 2 * time.Second
	handshakeDelayMax = 5 * time.Second

	maxConnectionFailures = 4

	heartbeatMin         = 30 * time.Second
	heartbeatMax         = 90 * time.Second
	heartbeatProbability = 0.4

	autoReadDelayMin = 2 * time.Second
	autoReadDelayMax = 8 * time.Second
)

// Deps bundles the Supervisor's collaborators.
type Deps struct {
	Store        store.Store
	SessionStore *session.Store
	Factory      wsocket.Factory
	Logger       zerolog.Logger
	Bus          *eventbus.Bus
	HandshakeURL string
	// OnConnected is invoked once per CONNECTED transition, after internal
	// bookkeeping settles. The engine wires this to launch a Broadcast
	// Processor for the instance.
	OnConnected func(sv *Supervisor)
}

// Supervisor is the per-instance state machine described by spec.md §4.7.
type Supervisor struct {
	id   string
	deps Deps

	connectMu sync.Mutex // the "connecting lock": coalesces concurrent connect() calls

	mu                 sync.Mutex
	socket             wsocket.Socket
	status             store.InstanceStatus
	qrAttempts         int
	qrTimerExpiries    int
	connectionFailures int
	isPaused           bool
	pauseReason        string
	stuckTimer         *time.Timer
	qrTimer            *time.Timer
	lifecycleCancel    context.CancelFunc
	torndown           bool

	state *sessionState
}

// New constructs a Supervisor for instanceID. It does not connect; call
// Connect to begin the lifecycle.
func New(instanceID string, deps Deps) *Supervisor {
	return &Supervisor{
		id:     instanceID,
		deps:   deps,
		status: store.InstanceDisconnected,
		state:  newSessionState(),
	}
}

func (sv *Supervisor) ID() string { return sv.id }

// Connect is the single entry point into the connection lifecycle. It
// guards with the connecting lock so concurrent requests for the same
// instance coalesce into one attempt.
func (sv *Supervisor) Connect(ctx context.Context, isReconnect bool) error {
	sv.connectMu.Lock()
	defer sv.connectMu.Unlock()

	sv.teardownSocket()

	if !isReconnect {
		inst, err := sv.deps.Store.GetInstance(sv.id)
		if err == nil && inst.Status == store.InstanceInitializing {
			if wipeErr := sv.deps.SessionStore.Wipe(sv.id); wipeErr != nil {
				sv.deps.Logger.Warn().Err(wipeErr).Str("instance_id", sv.id).Msg("failed to wipe session on fresh-pair intent")
			}
		}
	}

	time.Sleep(uniform(handshakeDelayMin, handshakeDelayMax))

	if err := sv.deps.SessionStore.EnsureDir(sv.id); err != nil {
		return fmt.Errorf("ensure session dir: %w", err)
	}

	lifecycleCtx, cancel := context.WithCancel(ctx)
	sv.mu.Lock()
	sv.lifecycleCancel = cancel
	sv.torndown = false
	sv.mu.Unlock()

	sock, err := sv.deps.Factory.New(lifecycleCtx, wsocket.DialOptions{
		InstanceID:   sv.id,
		SessionDir:   sv.deps.SessionStore.Dir(sv.id),
		HandshakeURL: sv.deps.HandshakeURL,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("open socket for %s: %w", sv.id, err)
	}

	sv.mu.Lock()
	sv.socket = sock
	sv.mu.Unlock()

	sock.OnEvent(sv.handleEvent)
	sv.handleEvent(wsocket.Event{Kind: wsocket.EventConnecting})

	return nil
}

// Socket returns the currently owned socket, or nil if none.
func (sv *Supervisor) Socket() wsocket.Socket {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.socket
}

// Status returns the supervisor's in-memory mirror of Instance.status.
func (sv *Supervisor) Status() store.InstanceStatus {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.status
}

// IsPaused reports whether the supervisor has paused itself (rate-limit
// classification). The Broadcast Processor checks this before every
// iteration.
func (sv *Supervisor) IsPaused() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.isPaused
}

// Pause marks the supervisor paused with reason, for external callers (the
// Broadcast Processor's rate-limit handling also calls this directly).
func (sv *Supervisor) Pause(reason string) {
	sv.mu.Lock()
	sv.isPaused = true
	sv.pauseReason = reason
	sv.mu.Unlock()
}

func (sv *Supervisor) resume() {
	sv.mu.Lock()
	sv.isPaused = false
	sv.pauseReason = ""
	sv.mu.Unlock()
}

// SessionState exposes the ephemeral anti-ban bookkeeping to the Broadcast
// Processor.
func (sv *Supervisor) SessionState() *sessionState { return sv.state }

// Teardown cancels timers, closes the socket, and cancels the lifecycle
// context. Safe to call multiple times.
func (sv *Supervisor) Teardown() {
	sv.teardownSocket()
}

func (sv *Supervisor) teardownSocket() {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if sv.torndown {
		return
	}
	sv.torndown = true

	if sv.stuckTimer != nil {
		sv.stuckTimer.Stop()
	}
	if sv.qrTimer != nil {
		sv.qrTimer.Stop()
	}
	if sv.lifecycleCancel != nil {
		sv.lifecycleCancel()
	}
	if sv.socket != nil {
		_ = sv.socket.Close()
		sv.socket = nil
	}
}

func (sv *Supervisor) persistStatus(status store.InstanceStatus, qrCode string) {
	sv.mu.Lock()
	sv.status = status
	sv.mu.Unlock()

	if err := sv.deps.Store.UpdateInstanceStatus(sv.id, status, qrCode); err != nil {
		monitoring.LogError(sv.deps.Logger, err, "failed to persist instance status", map[string]any{
			"instance_id": sv.id, "status": status,
		})
	}
	if sv.deps.Bus != nil {
		sv.deps.Bus.PublishInstanceStatus(sv.id, string(status))
	}
}

func (sv *Supervisor) handleEvent(ev wsocket.Event) {
	switch ev.Kind {
	case wsocket.EventConnecting:
		sv.onConnecting()
	case wsocket.EventQR:
		sv.onQR(ev.QRPayload)
	case wsocket.EventCredsUpdate:
		sv.onCredsUpdate(ev.User)
	case wsocket.EventClose:
		sv.onClose(ev.CloseCode, ev.CloseText)
	case wsocket.EventOpen:
		sv.onOpen()
	case wsocket.EventMessage:
		sv.onInboundMessage(ev.Message)
	}
}

func (sv *Supervisor) onConnecting() {
	sv.persistStatus(store.InstanceInitializing, "")

	timer := time.AfterFunc(stuckConnectingTimeout, func() {
		sv.deps.Logger.Warn().Str("instance_id", sv.id).Msg("connecting stuck timer fired")
		sv.Teardown()
		sv.persistStatus(store.InstanceDisconnected, "")
	})
	sv.mu.Lock()
	sv.stuckTimer = timer
	sv.mu.Unlock()
}

func (sv *Supervisor) onQR(payload string) {
	sv.mu.Lock()
	sv.qrAttempts++
	attempts := sv.qrAttempts
	if sv.stuckTimer != nil {
		sv.stuckTimer.Stop()
	}
	sv.mu.Unlock()

	monitoring.QRAttemptsTotal.Inc()
	sv.persistStatus(store.InstanceQRReady, payload)

	if attempts >= maxQRAttempts {
		sv.deps.Logger.Warn().Str("instance_id", sv.id).Int("attempts", attempts).Msg("QR attempts exhausted")
		sv.Teardown()
		sv.persistStatus(store.InstanceDisconnected, "")
		return
	}

	timer := time.AfterFunc(qrReadyTimeout, func() {
		sv.mu.Lock()
		sv.qrTimerExpiries++
		expiries := sv.qrTimerExpiries
		sv.mu.Unlock()

		if expiries >= maxQRAttempts {
			sv.Teardown()
			sv.persistStatus(store.InstanceDisconnected, "")
		}
	})
	sv.mu.Lock()
	sv.qrTimer = timer
	sv.mu.Unlock()
}

func (sv *Supervisor) onCredsUpdate(user *wsocket.User) {
	blob, _ := json.Marshal(map[string]any{"user": user, "updated_at": time.Now()})
	if err := sv.deps.SessionStore.WriteCredentials(sv.id, blob); err != nil {
		monitoring.LogError(sv.deps.Logger, err, "failed to persist credentials", map[string]any{"instance_id": sv.id})
	}

	if user != nil && sv.Status() == store.InstanceQRReady {
		sv.persistStatus(store.InstanceInitializing, "")
	}
}

type closeAction int

const (
	actionReconnectKeep closeAction = iota
	actionReconnectWipe
	actionPauseRateLimit
	actionConnectionLost
)

var rateLimitMessages = []string{"rate-overlimit", "too many", "spam", "blocked", "banned"}

func classifyClose(code int, text string) closeAction {
	lower := strings.ToLower(text)

	switch {
	case code == 515:
		return actionReconnectKeep
	case strings.Contains(lower, "stream-errored"), strings.Contains(lower, "handshake-failure"):
		return actionReconnectKeep
	case strings.Contains(lower, "logged out"):
		return actionReconnectWipe
	case code == 401, code == 403, code == 440,
		strings.Contains(lower, "bad session"), strings.Contains(lower, "qr refs over limit"):
		return actionReconnectWipe
	case code == 405, code == 429, code == 503, containsAny(lower, rateLimitMessages):
		return actionPauseRateLimit
	case strings.Contains(lower, "connection lost"), strings.Contains(lower, "timed out"):
		return actionConnectionLost
	default:
		return actionReconnectKeep
	}
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (sv *Supervisor) onClose(code int, text string) {
	action := classifyClose(code, text)
	sv.Teardown()

	switch action {
	case actionReconnectKeep:
		monitoring.InstancesDisconnectedTotal.WithLabelValues("transient").Inc()
		delay := uniform(reconnectMin, reconnectMax)
		if code == 515 {
			delay = streamRestartDelay
		}
		sv.scheduleReconnect(delay)

	case actionReconnectWipe:
		monitoring.InstancesDisconnectedTotal.WithLabelValues("auth_invalid").Inc()
		if err := sv.deps.SessionStore.Wipe(sv.id); err != nil {
			monitoring.LogError(sv.deps.Logger, err, "failed to wipe session on terminal auth error", map[string]any{"instance_id": sv.id})
		}
		sv.scheduleReconnect(uniform(reconnectMin, reconnectMax))

	case actionPauseRateLimit:
		monitoring.RateLimitTripsTotal.Inc()
		monitoring.InstancesDisconnectedTotal.WithLabelValues("rate_limit").Inc()
		sv.Pause("rate_limit")
		sv.pauseRunningBroadcasts()
		sv.scheduleReconnect(uniform(rateLimitMin, rateLimitMax))

	case actionConnectionLost:
		sv.mu.Lock()
		sv.connectionFailures++
		failures := sv.connectionFailures
		sv.mu.Unlock()

		if failures >= maxConnectionFailures {
			monitoring.InstancesDisconnectedTotal.WithLabelValues("connection_lost").Inc()
			if err := sv.deps.SessionStore.Wipe(sv.id); err != nil {
				monitoring.LogError(sv.deps.Logger, err, "failed to wipe session after repeated connection loss", map[string]any{"instance_id": sv.id})
			}
			sv.persistStatus(store.InstanceDisconnected, "")
			return
		}
		sv.scheduleReconnect(uniform(reconnectMin, reconnectMax))
	}
}

func (sv *Supervisor) pauseRunningBroadcasts() {
	if err := sv.deps.Store.PauseRunningBroadcasts(sv.id); err != nil {
		monitoring.LogError(sv.deps.Logger, err, "failed to pause running broadcasts on rate-limit close", map[string]any{"instance_id": sv.id})
	}
}

func (sv *Supervisor) scheduleReconnect(delay time.Duration) {
	go func() {
		defer monitoring.RecoverPanic(sv.deps.Logger, "supervisor-reconnect", map[string]any{"instance_id": sv.id})
		time.Sleep(delay)
		if err := sv.Connect(context.Background(), true); err != nil {
			monitoring.LogError(sv.deps.Logger, err, "reconnect failed", map[string]any{"instance_id": sv.id})
			sv.persistStatus(store.InstanceDisconnected, "")
		}
	}()
}

func (sv *Supervisor) onOpen() {
	sv.mu.Lock()
	if sv.stuckTimer != nil {
		sv.stuckTimer.Stop()
	}
	if sv.qrTimer != nil {
		sv.qrTimer.Stop()
	}
	sv.qrAttempts = 0
	sv.qrTimerExpiries = 0
	sv.connectionFailures = 0
	sv.isPaused = false
	sv.pauseReason = ""
	sv.mu.Unlock()

	sv.state.ResetSession()
	sv.persistStatus(store.InstanceConnected, "")
	monitoring.InstancesConnectedTotal.Inc()

	if err := sv.deps.Store.ResumePausedBroadcasts(sv.id); err != nil {
		monitoring.LogError(sv.deps.Logger, err, "failed to resume paused broadcasts on connect", map[string]any{"instance_id": sv.id})
	}

	ctx, cancel := context.WithCancel(context.Background())
	sv.mu.Lock()
	sv.lifecycleCancel = cancel
	sv.mu.Unlock()

	go sv.runPresenceHeartbeat(ctx)

	if sv.deps.OnConnected != nil {
		sv.deps.OnConnected(sv)
	}
}

func (sv *Supervisor) onInboundMessage(msg wsocket.InboundMessage) {
	if msg.FromSelf || msg.IsStatus || msg.IsBroadcast {
		return
	}

	delay := uniform(autoReadDelayMin, autoReadDelayMax)
	go func() {
		defer monitoring.RecoverPanic(sv.deps.Logger, "auto-read", map[string]any{"instance_id": sv.id})
		time.Sleep(delay)

		sock := sv.Socket()
		if sock == nil {
			return
		}
		_ = sock.ReadMessages(context.Background(), []wsocket.MessageKey{msg.Key})
	}()
}

// runPresenceHeartbeat maintains a human-like online footprint while
// CONNECTED and unpaused: every uniform[30s,90s], with probability 0.4, send
// an "available" presence update.
func (sv *Supervisor) runPresenceHeartbeat(ctx context.Context) {
	defer monitoring.RecoverPanic(sv.deps.Logger, "presence-heartbeat", map[string]any{"instance_id": sv.id})

	for {
		wait := uniform(heartbeatMin, heartbeatMax)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}

		if sv.Status() != store.InstanceConnected || sv.IsPaused() {
			continue
		}
		if randFloat() >= heartbeatProbability {
			continue
		}

		sock := sv.Socket()
		if sock == nil {
			return
		}
		_ = sock.SendPresenceUpdate(ctx, wsocket.PresenceAvailable, "")
	}
}

func uniform(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(int64(max-min)))
	return min + time.Duration(n.Int64())
}

func randFloat() float64 {
	n, _ := rand.Int(rand.Reader, big.NewInt(1_000_000))
	return float64(n.Int64()) / 1_000_000
}
