package supervisor

import (
	"sync"
	"time"
)

// sessionState holds the ephemeral, per-instance anti-ban bookkeeping
// spec.md §3 assigns to the Socket Supervisor: session timing, batch and
// daily counters, consecutive failures, and the media cache. The Supervisor
// is the sole owner; the Broadcast Processor mutates it exclusively through
// these accessor methods (single-writer per instance, per spec.md §5).
type sessionState struct {
	mu sync.Mutex

	sessionStart      time.Time
	totalSentSession  int
	consecutiveFails  int
	lastActivity      string

	batchMessageCount int
	dailySentCount    int
	lastDailyReset    time.Time

	mediaCache map[string][]byte // key: broadcastID + "|" + url
}

func newSessionState() *sessionState {
	now := time.Now()
	return &sessionState{
		sessionStart:   now,
		lastDailyReset: now,
		mediaCache:     make(map[string][]byte),
	}
}

func (s *sessionState) SessionStart() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionStart
}

func (s *sessionState) ResetSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionStart = time.Now()
	s.totalSentSession = 0
	s.consecutiveFails = 0
}

func (s *sessionState) TotalSentSession() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSentSession
}

func (s *sessionState) IncrementSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalSentSession++
	s.dailySentCount++
	s.consecutiveFails = 0
}

func (s *sessionState) ConsecutiveFails() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFails
}

func (s *sessionState) IncrementFail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFails++
}

func (s *sessionState) ResetConsecutiveFails() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFails = 0
}

// BatchCount returns the current batch message count.
func (s *sessionState) BatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchMessageCount
}

// IncrementBatch increments and returns the new batch count.
func (s *sessionState) IncrementBatch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchMessageCount++
	return s.batchMessageCount
}

func (s *sessionState) ResetBatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchMessageCount = 0
}

// DailyCount rolls the counter over if the local date has advanced since
// the last reset, then returns the (possibly just-reset) count.
func (s *sessionState) DailyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDailyLocked()
	return s.dailySentCount
}

func (s *sessionState) rollDailyLocked() {
	now := time.Now()
	if now.YearDay() != s.lastDailyReset.YearDay() || now.Year() != s.lastDailyReset.Year() {
		s.dailySentCount = 0
		s.lastDailyReset = now
	}
}

// CachedMedia returns a cached media payload for (broadcastID, url), if any.
func (s *sessionState) CachedMedia(broadcastID, url string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.mediaCache[broadcastID+"|"+url]
	return b, ok
}

// CacheMedia stores a fetched media payload for the lifetime of the
// broadcast that requested it.
func (s *sessionState) CacheMedia(broadcastID, url string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mediaCache[broadcastID+"|"+url] = data
}

// ClearMediaCache drops every cached payload, called when a broadcast
// completes.
func (s *sessionState) ClearMediaCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mediaCache = make(map[string][]byte)
}
