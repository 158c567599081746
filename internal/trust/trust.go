// Package trust classifies an instance into a pacing tier based on its
// account age and current session age, and exposes each tier's anti-ban
// parameters.
package trust

import (
	"time"

	"golang.org/x/time/rate"
)

// Tier is one of the five maturity classes the engine assigns an instance.
type Tier string

const (
	Newborn    Tier = "NEWBORN"
	Infant     Tier = "INFANT"
	Adolescent Tier = "ADOLESCENT"
	Mature     Tier = "MATURE"
	Veteran    Tier = "VETERAN"
)

// Params holds the pacing parameters attached to a Tier.
type Params struct {
	Tier                Tier
	BatchSize           int
	CooldownMin         time.Duration
	CooldownMax         time.Duration
	DelayMultiplier     float64
	DailySoftCap        int // 0 means "use the user's configured dailyLimit"
	TypingMultiplier    float64
	RequiresPreVerify   bool
	RandomActivityProb  float64
	CircuitThreshold    int
}

var table = map[Tier]Params{
	Newborn: {
		Tier: Newborn, BatchSize: 3, CooldownMin: 5 * time.Minute, CooldownMax: 10 * time.Minute,
		DelayMultiplier: 3.0, DailySoftCap: 25, TypingMultiplier: 2.0,
		RequiresPreVerify: true, RandomActivityProb: 0.60, CircuitThreshold: 2,
	},
	Infant: {
		Tier: Infant, BatchSize: 5, CooldownMin: 4 * time.Minute, CooldownMax: 8 * time.Minute,
		DelayMultiplier: 2.0, DailySoftCap: 50, TypingMultiplier: 1.5,
		RequiresPreVerify: true, RandomActivityProb: 0.40, CircuitThreshold: 3,
	},
	Adolescent: {
		Tier: Adolescent, BatchSize: 8, CooldownMin: 3 * time.Minute, CooldownMax: 6 * time.Minute,
		DelayMultiplier: 1.5, DailySoftCap: 100, TypingMultiplier: 1.2,
		RequiresPreVerify: true, RandomActivityProb: 0.25, CircuitThreshold: 3,
	},
	Mature: {
		Tier: Mature, BatchSize: 12, CooldownMin: 2 * time.Minute, CooldownMax: 5 * time.Minute,
		DelayMultiplier: 1.0, DailySoftCap: 0, TypingMultiplier: 1.0,
		RequiresPreVerify: false, RandomActivityProb: 0.15, CircuitThreshold: 4,
	},
	Veteran: {
		Tier: Veteran, BatchSize: 15, CooldownMin: 2 * time.Minute, CooldownMax: 5 * time.Minute,
		DelayMultiplier: 1.0, DailySoftCap: 0, TypingMultiplier: 1.0,
		RequiresPreVerify: false, RandomActivityProb: 0.10, CircuitThreshold: 5,
	},
}

// Classify maps an instance's account age and current session age to a Tier
// and its Params. createdAt's zero value is treated as "unknown" and
// classified NEWBORN, per spec.
func Classify(createdAt time.Time, now time.Time, sessionStart time.Time) Params {
	if createdAt.IsZero() {
		return table[Newborn]
	}

	ageDays := int(now.Sub(createdAt).Hours() / 24)
	sessionAge := now.Sub(sessionStart)

	if sessionAge < time.Hour && ageDays < 7 {
		return table[Newborn]
	}

	switch {
	case ageDays < 3:
		return table[Newborn]
	case ageDays < 7:
		return table[Infant]
	case ageDays < 14:
		return table[Adolescent]
	case ageDays < 30:
		return table[Mature]
	default:
		return table[Veteran]
	}
}

// EffectiveDailyLimit applies the tier's soft-cap semantics: if the tier's
// DailySoftCap is non-zero, campaignLimit is clamped downward to it;
// otherwise campaignLimit (the user's configured limit) is used as-is.
func (p Params) EffectiveDailyLimit(campaignLimit int) int {
	if p.DailySoftCap == 0 {
		return campaignLimit
	}
	if campaignLimit == 0 || campaignLimit > p.DailySoftCap {
		return p.DailySoftCap
	}
	return campaignLimit
}

// TokenBucket seeds a rate.Limiter from the tier's pacing envelope: one
// event per the tier's minimum cooldown, bursting up to BatchSize. Consumers
// like internal/ratepace use this instead of re-deriving limiter parameters
// from the tier table.
func (p Params) TokenBucket() *rate.Limiter {
	perSecond := 1.0 / p.CooldownMin.Seconds()
	return rate.NewLimiter(rate.Limit(perSecond), p.BatchSize)
}
