// Package broadcastproc implements the per-instance Broadcast Processor:
// the anti-ban pipeline that claims a broadcast, paces its sends against
// the instance's trust tier, and marks each recipient's Message row.
package broadcastproc

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/nrlim/wa-engine/internal/eventbus"
	"github.com/nrlim/wa-engine/internal/humanclock"
	"github.com/nrlim/wa-engine/internal/media"
	"github.com/nrlim/wa-engine/internal/monitoring"
	"github.com/nrlim/wa-engine/internal/phone"
	"github.com/nrlim/wa-engine/internal/ratepace"
	"github.com/nrlim/wa-engine/internal/store"
	"github.com/nrlim/wa-engine/internal/supervisor"
	"github.com/nrlim/wa-engine/internal/textutil"
	"github.com/nrlim/wa-engine/internal/trust"
	"github.com/nrlim/wa-engine/internal/wsocket"
)

const (
	idlePollInterval   = 10 * time.Second
	emptyBatchInterval = 2 * time.Second
	warmupChunk        = 5 * time.Minute
	workingHoursChunk  = 1 * time.Minute
	dailyCapChunk      = 5 * time.Minute
	warmupThreshold    = 24 * time.Hour

	circuitCooldownMin = 60 * time.Second
	circuitCooldownMax = 180 * time.Second

	preVerifyDelayMin = 1 * time.Second
	preVerifyDelayMax = 3 * time.Second

	textSendTimeout  = 30 * time.Second
	mediaSendTimeout = 60 * time.Second

	typingJitterUpperBound = 3 * time.Second
)

// MemoryGuard is the subset of memguard.Guard the processor consults before
// each iteration and records into each message's anti-ban metadata.
type MemoryGuard interface {
	SoftTriggered() bool
	CurrentMB() float64
}

// Config controls the processor's batch size.
type Config struct {
	BatchSize int
}

// Processor drives the anti-ban pipeline for one CONNECTED instance. Exactly
// one Processor runs per Socket Supervisor at a time.
type Processor struct {
	instanceID string
	sv         *supervisor.Supervisor
	store      store.Store
	guard      MemoryGuard
	bus        *eventbus.Bus
	logger     zerolog.Logger
	cfg        Config

	mediaClient *http.Client
	mediaRoots  []string

	mu               sync.Mutex
	sessionValidated map[string]bool
	breakers         map[string]*gobreaker.CircuitBreaker
}

// New constructs a Processor bound to sv. cwd anchors local media path
// resolution.
func New(instanceID string, sv *supervisor.Supervisor, st store.Store, guard MemoryGuard, bus *eventbus.Bus, logger zerolog.Logger, cwd string, cfg Config) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Processor{
		instanceID:       instanceID,
		sv:               sv,
		store:            st,
		guard:            guard,
		bus:              bus,
		logger:           logger,
		cfg:              cfg,
		mediaClient:      &http.Client{Timeout: mediaSendTimeout},
		mediaRoots:       media.DefaultRoots(cwd),
		sessionValidated: make(map[string]bool),
		breakers:         make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Run drives the processor loop until the supervisor's socket disappears or
// ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(p.logger, "broadcast-processor", map[string]any{"instance_id": p.instanceID})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !p.iterate(ctx) {
			return
		}
	}
}

// iterate runs one pass of the loop, returning false when the processor
// should stop entirely because the supervisor's socket is gone. Context
// cancellation is detected by Run between passes.
func (p *Processor) iterate(ctx context.Context) bool {
	if p.sv.Socket() == nil {
		return false
	}

	// (a) preconditions
	if p.sv.IsPaused() {
		return p.sleep(ctx, idlePollInterval)
	}
	if p.guard != nil && p.guard.SoftTriggered() {
		p.logger.Debug().Str("instance_id", p.instanceID).Msg("memory guard soft threshold, requesting voluntary collection")
	}

	// (b) claim a broadcast
	b, user, messages, err := p.store.ClaimBroadcast(p.instanceID, p.cfg.BatchSize)
	if err != nil {
		monitoring.LogError(p.logger, err, "failed to claim broadcast", map[string]any{"instance_id": p.instanceID})
		return p.sleep(ctx, idlePollInterval)
	}
	if b == nil {
		return p.sleep(ctx, idlePollInterval)
	}

	// (c) credit gate
	if user.Credit <= 0 {
		p.setStatus(b.ID, store.BroadcastPausedNoCredit)
		return p.sleep(ctx, idlePollInterval)
	}

	// (d) compute tier
	inst, err := p.store.GetInstance(p.instanceID)
	if err != nil {
		monitoring.LogError(p.logger, err, "failed to load instance for tier classification", map[string]any{"instance_id": p.instanceID})
		return p.sleep(ctx, idlePollInterval)
	}
	tier := trust.Classify(inst.CreatedAt, time.Now(), p.sv.SessionState().SessionStart())

	wasPending := b.Status == store.BroadcastPending
	if wasPending {
		p.appendLog(b.ID, "TRUST_TIER", string(tier.Tier))
	}

	// (e) warm-up block
	ageHours := time.Since(inst.CreatedAt)
	if !b.IsTurboMode && !inst.CreatedAt.IsZero() && ageHours < warmupThreshold {
		if !p.applyWarmup(ctx, b, ageHours) {
			return true
		}
	}

	// (f) link detection, on the PENDING -> RUNNING transition
	if wasPending {
		p.detectLinks(b, tier.Tier)
		p.setStatus(b.ID, store.BroadcastRunning)
		b.Status = store.BroadcastRunning
	}

	// (g) session validation, once per broadcast
	if !p.sessionValidatedFor(b.ID) {
		selfJID := ""
		if u := p.sv.Socket().User(); u != nil {
			selfJID = u.ID
		}
		if err := p.sv.Socket().PresenceSubscribe(ctx, selfJID); err != nil {
			p.logger.Warn().Err(err).Str("broadcast_id", b.ID).Msg("session liveness probe failed, retrying later")
			return p.sleep(ctx, idlePollInterval)
		}
		p.markSessionValidated(b.ID)
	}

	// (h) working-hours gate
	if !b.IsTurboMode && !humanclock.ActiveNow(b.WorkingHourStart, b.WorkingHourEnd) {
		p.setStatus(b.ID, store.BroadcastPausedWorkingHours)
		monitoring.BroadcastsPausedTotal.WithLabelValues("working_hours").Inc()
		_ = p.sv.Socket().SendPresenceUpdate(ctx, wsocket.PresenceUnavailable, "")
		if !p.waitForCondition(ctx, workingHoursChunk, func() bool {
			return humanclock.ActiveNow(b.WorkingHourStart, b.WorkingHourEnd)
		}) {
			return true
		}
		_ = p.sv.Socket().SendPresenceUpdate(ctx, wsocket.PresenceAvailable, "")
		p.setStatus(b.ID, store.BroadcastRunning)
	}

	// (i) daily gate
	dailyCap := tier.EffectiveDailyLimit(b.DailyLimit)
	if dailyCap > 0 && p.sv.SessionState().DailyCount() >= dailyCap {
		p.setStatus(b.ID, store.BroadcastPausedWorkingHours)
		monitoring.BroadcastsPausedTotal.WithLabelValues("daily_cap").Inc()
		if !p.waitForCondition(ctx, dailyCapChunk, func() bool {
			return humanclock.ActiveNow(b.WorkingHourStart, b.WorkingHourEnd) || p.sv.SessionState().DailyCount() < dailyCap
		}) {
			return true
		}
		p.setStatus(b.ID, store.BroadcastRunning)
	}

	// (j) empty batch
	if len(messages) == 0 {
		pending, err := p.store.PendingMessageCount(b.ID)
		if err != nil {
			monitoring.LogError(p.logger, err, "failed to count pending messages", map[string]any{"broadcast_id": b.ID})
			return p.sleep(ctx, idlePollInterval)
		}
		if pending == 0 {
			p.completeBroadcast(b.ID)
			return true
		}
		return p.sleep(ctx, emptyBatchInterval)
	}

	// (k) per-message pipeline
	for i := 0; i < len(messages); {
		if p.sv.IsPaused() {
			break
		}

		if p.tripCircuit(ctx, b.ID, tier) {
			continue // circuit cooled down; retry the same message
		}

		msg := messages[i]
		p.processOne(ctx, b, user, &msg, tier)
		i++
	}

	return true
}

func (p *Processor) completeBroadcast(broadcastID string) {
	p.setStatus(broadcastID, store.BroadcastCompleted)
	p.sv.SessionState().ClearMediaCache()
	p.sv.SessionState().ResetBatch()
	monitoring.BroadcastsCompletedTotal.Inc()

	p.mu.Lock()
	delete(p.sessionValidated, broadcastID)
	delete(p.breakers, broadcastID)
	p.mu.Unlock()
}

func (p *Processor) sessionValidatedFor(broadcastID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionValidated[broadcastID]
}

func (p *Processor) markSessionValidated(broadcastID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionValidated[broadcastID] = true
}

func (p *Processor) breakerFor(broadcastID string, tier trust.Params) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.breakers[broadcastID]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broadcast-" + broadcastID,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(tier.CircuitThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				monitoring.CircuitBreakerTripsTotal.Inc()
			}
		},
	})
	p.breakers[broadcastID] = b
	return b
}

// tripCircuit reports whether the session's consecutive-failure count has
// reached the tier's circuit threshold. If so, it performs the unavailable/cooldown/available
// dance and resets the consecutive-failure counter before returning true,
// so the caller retries the same message.
func (p *Processor) tripCircuit(ctx context.Context, broadcastID string, tier trust.Params) bool {
	if p.sv.SessionState().ConsecutiveFails() < tier.CircuitThreshold {
		return false
	}

	p.appendLog(broadcastID, "CIRCUIT_BREAKER", "consecutive failures reached threshold, cooling down")
	_ = p.sv.Socket().SendPresenceUpdate(ctx, wsocket.PresenceUnavailable, "")
	p.sleep(ctx, ratepace.UniformDuration(circuitCooldownMin, circuitCooldownMax))
	_ = p.sv.Socket().SendPresenceUpdate(ctx, wsocket.PresenceAvailable, "")
	p.sv.SessionState().ResetConsecutiveFails()
	return true
}

// processOne runs steps 2-14 of the per-message pipeline for one message.
func (p *Processor) processOne(ctx context.Context, b *store.Broadcast, user *store.User, msg *store.Message, tier trust.Params) {
	handled := false

	// 2. normalise recipient
	normalised := phone.Normalise(msg.Recipient)
	if normalised == "" {
		p.failMessage(b.ID, msg.ID, "recipient could not be normalised")
		return
	}
	jid := phone.ToJID(normalised)

	// 3. pre-verify
	if tier.RequiresPreVerify && !b.IsTurboMode {
		exists, err := p.sv.Socket().OnWhatsApp(ctx, jid)
		if err == nil && !exists {
			if err := p.store.UpdateMessageFailed(msg.ID, "recipient not on WhatsApp"); err != nil {
				monitoring.LogError(p.logger, err, "failed to mark message failed", map[string]any{"message_id": msg.ID})
			}
			monitoring.MessagesFailedTotal.WithLabelValues("not_registered").Inc()
			p.appendLog(b.ID, "SKIP_INVALID", jid)
			p.sleep(ctx, ratepace.UniformDuration(preVerifyDelayMin, preVerifyDelayMax))
			return
		}
	}

	// 4. random activity injection
	if !b.IsTurboMode && chance(tier.RandomActivityProb) {
		p.injectRandomActivity(ctx, b.ID, jid)
	}

	// 5. resolve content
	content := textutil.ExpandSpintax(b.Message)
	p.appendLog(b.ID, "SPINTAX", truncate(content, 100))

	// 6. tag uniqueness
	tagged, zwToken := textutil.TagUnique(content)
	p.appendLog(b.ID, "UNIQUE_SUFFIX", zwToken)

	// 7. typing simulation
	hasImage := b.ImageURL != ""
	typingDuration := p.typingDuration(tagged, hasImage, tier)
	_ = p.sv.Socket().PresenceSubscribe(ctx, jid)
	_ = p.sv.Socket().SendPresenceUpdate(ctx, wsocket.PresenceComposing, jid)
	p.sleep(ctx, typingDuration)
	_ = p.sv.Socket().SendPresenceUpdate(ctx, wsocket.PresencePaused, jid)

	// 8. send
	out := wsocket.OutboundMessage{Text: tagged}
	if hasImage {
		data, err := p.resolveMedia(ctx, b.ID, b.ImageURL)
		if err != nil {
			p.failMessage(b.ID, msg.ID, "media fetch failed: "+err.Error())
			return
		}
		out = wsocket.OutboundMessage{Caption: tagged, ImageData: data, ImageURL: b.ImageURL}
	}

	breaker := p.breakerFor(b.ID, tier)
	_, sendErr := breaker.Execute(func() (interface{}, error) {
		return nil, p.send(ctx, jid, out, hasImage)
	})

	switch {
	case sendErr == nil:
		// 9. success
		meta := p.antiBannedMeta(b, tagged, zwToken, typingDuration, hasImage, tier)
		if err := p.store.UpdateMessageSent(msg.ID, tagged, meta); err != nil {
			monitoring.LogError(p.logger, err, "failed to mark message sent", map[string]any{"message_id": msg.ID})
		}
		_ = p.store.DecrementCredit(user.ID, 1)
		p.sv.SessionState().IncrementSent()
		monitoring.MessagesSentTotal.Inc()
		handled = true

	case isRateLimitErr(sendErr):
		// 10. rate-limit error
		p.sv.Pause("rate_limit")
		p.setStatus(b.ID, store.BroadcastPausedRateLimit)
		monitoring.BroadcastsPausedTotal.WithLabelValues("rate_limit").Inc()
		p.appendLog(b.ID, "RATE_LIMIT_PAUSE", sendErr.Error())
		handled = true

	default:
		// 11. other error
		p.failMessage(b.ID, msg.ID, sendErr.Error())
		p.sv.SessionState().IncrementFail()
		handled = true
	}

	// 12. failsafe
	if !handled {
		p.failMessage(b.ID, msg.ID, "Unhandled Error/Timeout")
	}

	// 13. batch cooling
	if count := p.sv.SessionState().IncrementBatch(); count >= tier.BatchSize {
		_ = p.sv.Socket().SendPresenceUpdate(ctx, wsocket.PresenceUnavailable, "")
		p.sleep(ctx, ratepace.UniformDuration(tier.CooldownMin, tier.CooldownMax))
		_ = p.sv.Socket().SendPresenceUpdate(ctx, wsocket.PresenceAvailable, "")
		p.sv.SessionState().ResetBatch()
	}

	// 14. post-send delay
	if sendErr == nil {
		delaySeconds := ratepace.UniformDuration(time.Duration(b.DelayMin)*time.Second, time.Duration(b.DelayMax)*time.Second)
		scaled := time.Duration(float64(delaySeconds) * tier.DelayMultiplier)
		jittered := time.Duration(float64(scaled) * uniformFloat(0.85, 1.15))
		p.sleep(ctx, jittered)
	}
}

func (p *Processor) send(ctx context.Context, jid string, out wsocket.OutboundMessage, hasImage bool) error {
	timeout := textSendTimeout
	if hasImage {
		timeout = mediaSendTimeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.sv.Socket().SendMessage(sendCtx, jid, out)
	}()

	select {
	case err := <-done:
		return err
	case <-sendCtx.Done():
		return sendCtx.Err()
	}
}

func (p *Processor) resolveMedia(ctx context.Context, broadcastID, ref string) ([]byte, error) {
	if cached, ok := p.sv.SessionState().CachedMedia(broadcastID, ref); ok {
		return cached, nil
	}
	data, err := media.Fetch(ctx, p.mediaClient, p.mediaRoots, ref)
	if err != nil {
		return nil, err
	}
	p.sv.SessionState().CacheMedia(broadcastID, ref, data)
	return data, nil
}

func (p *Processor) failMessage(broadcastID, messageID, reason string) {
	if err := p.store.UpdateMessageFailed(messageID, reason); err != nil {
		monitoring.LogError(p.logger, err, "failed to mark message failed", map[string]any{"message_id": messageID})
	}
	monitoring.MessagesFailedTotal.WithLabelValues("send_error").Inc()
}

func (p *Processor) typingDuration(content string, hasImage bool, tier trust.Params) time.Duration {
	base := 3000 * time.Millisecond
	byLength := time.Duration(len(content)) * 50 * time.Millisecond
	if byLength > base {
		base = byLength
	}
	if hasImage {
		base += 5000 * time.Millisecond
	}
	scaled := time.Duration(float64(base) * tier.TypingMultiplier)
	jitterBound := typingJitterUpperBound
	return scaled + time.Duration(uniformFloat(0, 1)*float64(jitterBound))
}

func (p *Processor) injectRandomActivity(ctx context.Context, broadcastID, jid string) {
	sock := p.sv.Socket()
	switch pick4() {
	case 0:
		p.appendLog(broadcastID, "STEALTH_OFFLINE", jid)
		_ = sock.SendPresenceUpdate(ctx, wsocket.PresenceUnavailable, "")
		p.sleep(ctx, ratepace.UniformDuration(5*time.Second, 15*time.Second))
		_ = sock.SendPresenceUpdate(ctx, wsocket.PresenceAvailable, "")
	case 1:
		p.appendLog(broadcastID, "STEALTH_READ", jid)
		p.sleep(ctx, ratepace.UniformDuration(3*time.Second, 8*time.Second))
	case 2:
		p.appendLog(broadcastID, "STEALTH_BROWSE", jid)
		p.sleep(ctx, ratepace.UniformDuration(8*time.Second, 20*time.Second))
	default:
		p.appendLog(broadcastID, "STEALTH_COMPOSE", jid)
		_ = sock.SendPresenceUpdate(ctx, wsocket.PresenceComposing, jid)
		p.sleep(ctx, ratepace.UniformDuration(2*time.Second, 5*time.Second))
		_ = sock.SendPresenceUpdate(ctx, wsocket.PresencePaused, jid)
	}
}

func (p *Processor) antiBannedMeta(b *store.Broadcast, variant, zwToken string, typingDuration time.Duration, hasImage bool, tier trust.Params) map[string]any {
	memMB := float64(0)
	if p.guard != nil {
		memMB = p.guard.CurrentMB()
	}
	return map[string]any{
		"spintax_variant":       truncate(variant, 200),
		"zw_token":              zwToken,
		"typing_duration_ms":    typingDuration.Milliseconds(),
		"batch_index":           p.sv.SessionState().BatchCount(),
		"daily_index":           p.sv.SessionState().DailyCount(),
		"memory_mb":             memMB,
		"timestamp":             time.Now().Format(time.RFC3339),
		"has_media":             hasImage,
		"instance_id":           p.instanceID,
		"turbo":                 b.IsTurboMode,
		"tier":                  string(tier.Tier),
		"delay_multiplier":      tier.DelayMultiplier,
		"consecutive_fails_pre": p.sv.SessionState().ConsecutiveFails(),
		"total_sent_session":    p.sv.SessionState().TotalSentSession(),
	}
}

func (p *Processor) detectLinks(b *store.Broadcast, tier trust.Tier) {
	if !containsLink(b.Message) {
		return
	}
	if tier == trust.Newborn || tier == trust.Infant {
		p.logger.Warn().Str("broadcast_id", b.ID).Str("tier", string(tier)).Msg("broadcast body contains a link on a low-trust tier")
	} else {
		p.logger.Info().Str("broadcast_id", b.ID).Msg("broadcast body contains a link")
	}
}

var linkMarkers = []string{"http://", "https://", "www.", "bit.ly", "tinyurl.com", "t.co", "goo.gl"}

func containsLink(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range linkMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func (p *Processor) applyWarmup(ctx context.Context, b *store.Broadcast, ageHours time.Duration) bool {
	p.setStatus(b.ID, store.BroadcastPausedWorkingHours)
	monitoring.BroadcastsPausedTotal.WithLabelValues("warmup").Inc()

	deadline := time.Now().Add(warmupThreshold - ageHours)
	ok := p.waitForCondition(ctx, warmupChunk, func() bool { return !time.Now().Before(deadline) })
	if !ok {
		return false
	}
	p.setStatus(b.ID, store.BroadcastRunning)
	return true
}

// waitForCondition sleeps in chunk-sized increments until cond returns true,
// bailing early (returning false) if the instance is paused or ctx is done.
func (p *Processor) waitForCondition(ctx context.Context, chunk time.Duration, cond func() bool) bool {
	for !cond() {
		if p.sv.IsPaused() {
			return false
		}
		select {
		case <-time.After(chunk):
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// sleep blocks for d or until ctx is done; always returns true so it can be
// used as a tail call from iterate's idle branches.
func (p *Processor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
	return true
}

func (p *Processor) setStatus(broadcastID string, status store.BroadcastStatus) {
	if err := p.store.UpdateBroadcastStatus(broadcastID, status); err != nil {
		monitoring.LogError(p.logger, err, "failed to persist broadcast status", map[string]any{"broadcast_id": broadcastID, "status": status})
	}
	if p.bus != nil {
		p.bus.PublishBroadcastProgress(broadcastID, map[string]any{"status": status})
	}
}

func (p *Processor) appendLog(broadcastID, action, detail string) {
	if err := p.store.AppendLog(store.BroadcastLog{BroadcastID: broadcastID, Action: action, Detail: detail, CreatedAt: time.Now()}); err != nil {
		monitoring.LogError(p.logger, err, "failed to append broadcast log", map[string]any{"broadcast_id": broadcastID, "action": action})
	}
}

func isRateLimitErr(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "rate") || strings.Contains(lower, "429") || strings.Contains(lower, "too many")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
