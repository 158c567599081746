// Package eventbus is a best-effort observability fan-out: on every Instance
// or Broadcast status transition the engine publishes a small JSON event so
// an external dashboard can render realtime status without polling the
// store. It is never the coordination fabric — the store row is always the
// source of truth (spec.md §9) — so every publish failure is swallowed after
// a warning log.
package eventbus

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Bus publishes lifecycle events over NATS. A nil underlying connection
// (construction failed, or disabled via config) makes every Publish a no-op,
// so callers never need a nil check of their own.
type Bus struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

// Connect dials url and returns a Bus. If enabled is false, or the dial
// fails, Connect returns a Bus whose Publish calls are no-ops; the caller is
// only warned, never blocked or failed, since the event bus is purely
// supplementary.
func Connect(url string, enabled bool, logger zerolog.Logger) *Bus {
	if !enabled {
		return &Bus{logger: logger}
	}

	nc, err := nats.Connect(url, nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
	if err != nil {
		logger.Warn().Err(err).Str("url", url).Msg("event bus unavailable, continuing without it")
		return &Bus{logger: logger}
	}
	return &Bus{nc: nc, logger: logger}
}

// Event is the envelope published to every subject.
type Event struct {
	Subject   string         `json:"subject"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
}

// PublishInstanceStatus publishes to "instance.<id>.status".
func (b *Bus) PublishInstanceStatus(instanceID, status string) {
	b.publish("instance."+instanceID+".status", map[string]any{"status": status})
}

// PublishBroadcastProgress publishes to "broadcast.<id>.progress".
func (b *Bus) PublishBroadcastProgress(broadcastID string, fields map[string]any) {
	b.publish("broadcast."+broadcastID+".progress", fields)
}

func (b *Bus) publish(subject string, fields map[string]any) {
	if b.nc == nil {
		return
	}

	payload, err := json.Marshal(Event{Subject: subject, Timestamp: time.Now(), Fields: fields})
	if err != nil {
		b.logger.Warn().Err(err).Msg("event bus: failed to marshal event")
		return
	}
	if err := b.nc.Publish(subject, payload); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("event bus: publish failed")
	}
}

// Close closes the underlying connection, if any, without draining it.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}
