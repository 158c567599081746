// Package memguard samples the engine process's resident memory and signals
// soft and hard thresholds so the rest of the engine can throttle admission
// and, in the worst case, shut down gracefully before the OOM killer does it
// for us.
package memguard

import (
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/nrlim/wa-engine/internal/monitoring"
)

// Level identifies which threshold a Subscribe callback fired for.
type Level int

const (
	LevelNormal Level = iota
	LevelSoft
	LevelHard
)

// Config controls the ceiling and threshold percentages, and the sampling
// cadence. All are expressed against CeilingMB.
type Config struct {
	CeilingMB      int
	SoftPercent    float64
	HardPercent    float64
	SampleInterval time.Duration
}

// Guard periodically samples process RSS and exposes the current
// utilization against a configured ceiling.
type Guard struct {
	cfg  Config
	proc *process.Process

	percentBits uint64 // atomic, math.Float64bits
	rssMBBits   uint64 // atomic, math.Float64bits

	mu   sync.Mutex
	subs []func(Level)

	stop chan struct{}
	once sync.Once
}

// New constructs a Guard for the current process.
func New(cfg Config) (*Guard, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Guard{cfg: cfg, proc: proc, stop: make(chan struct{})}, nil
}

// Subscribe registers a callback invoked whenever a sample crosses into
// LevelSoft or LevelHard. Callbacks are invoked synchronously from the
// sampling goroutine; they must not block.
func (g *Guard) Subscribe(fn func(Level)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, fn)
}

// Run starts the sampling loop. It blocks until Stop is called; callers run
// it in its own goroutine.
func (g *Guard) Run() {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()

	lastLevel := LevelNormal
	for {
		select {
		case <-ticker.C:
			pct := g.sample()
			level := g.classify(pct)
			if level != lastLevel && level != LevelNormal {
				g.notify(level)
			}
			lastLevel = level
		case <-g.stop:
			return
		}
	}
}

// Stop halts the sampling loop.
func (g *Guard) Stop() {
	g.once.Do(func() { close(g.stop) })
}

func (g *Guard) sample() float64 {
	info, err := g.proc.MemoryInfo()
	if err != nil {
		return g.Percent()
	}
	rssMB := float64(info.RSS) / (1024 * 1024)
	pct := (rssMB / float64(g.cfg.CeilingMB)) * 100
	atomic.StoreUint64(&g.percentBits, math.Float64bits(pct))
	atomic.StoreUint64(&g.rssMBBits, math.Float64bits(rssMB))
	monitoring.ProcessMemoryMB.Set(rssMB)
	return pct
}

func (g *Guard) classify(pct float64) Level {
	switch {
	case pct >= g.cfg.HardPercent:
		return LevelHard
	case pct >= g.cfg.SoftPercent:
		return LevelSoft
	default:
		return LevelNormal
	}
}

func (g *Guard) notify(level Level) {
	g.mu.Lock()
	subs := append([]func(Level){}, g.subs...)
	g.mu.Unlock()
	for _, fn := range subs {
		fn(level)
	}
}

// Percent returns the most recently sampled RSS utilization against the
// ceiling, as a percentage.
func (g *Guard) Percent() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.percentBits))
}

// CurrentMB returns the most recently sampled resident set size, in
// megabytes.
func (g *Guard) CurrentMB() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.rssMBBits))
}

// SoftTriggered reports whether the most recent sample was at or above the
// soft threshold.
func (g *Guard) SoftTriggered() bool {
	return g.Percent() >= g.cfg.SoftPercent
}

// HardTriggered reports whether the most recent sample was at or above the
// hard threshold.
func (g *Guard) HardTriggered() bool {
	return g.Percent() >= g.cfg.HardPercent
}
