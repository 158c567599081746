package trust

import (
	"testing"
	"time"
)

func TestClassifyAgeBoundaries(t *testing.T) {
	now := time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC)
	sessionStart := now.Add(-2 * time.Hour)

	cases := []struct {
		ageDays int
		want    Tier
	}{
		{0, Newborn},
		{3, Infant},
		{7, Adolescent},
		{14, Mature},
		{30, Veteran},
	}
	for _, c := range cases {
		createdAt := now.AddDate(0, 0, -c.ageDays)
		got := Classify(createdAt, now, sessionStart)
		if got.Tier != c.want {
			t.Errorf("ageDays=%d: got %s, want %s", c.ageDays, got.Tier, c.want)
		}
	}
}

func TestClassifyUnknownCreatedAt(t *testing.T) {
	now := time.Now()
	got := Classify(time.Time{}, now, now)
	if got.Tier != Newborn {
		t.Errorf("unknown createdAt should classify NEWBORN, got %s", got.Tier)
	}
}

func TestClassifySessionOverride(t *testing.T) {
	now := time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC)
	createdAt := now.AddDate(0, 0, -5)
	sessionStart := now.Add(-30 * time.Minute)

	got := Classify(createdAt, now, sessionStart)
	if got.Tier != Newborn {
		t.Errorf("session <1h and age <7d should override to NEWBORN, got %s", got.Tier)
	}
}

func TestEffectiveDailyLimit(t *testing.T) {
	newborn := table[Newborn]
	if got := newborn.EffectiveDailyLimit(0); got != 25 {
		t.Errorf("expected clamp to tier cap 25, got %d", got)
	}
	if got := newborn.EffectiveDailyLimit(10); got != 10 {
		t.Errorf("expected user limit 10 below tier cap to pass through, got %d", got)
	}

	mature := table[Mature]
	if got := mature.EffectiveDailyLimit(500); got != 500 {
		t.Errorf("zero soft cap should use campaign limit as-is, got %d", got)
	}
}
