// Package memstore is an in-memory Store implementation used for local runs
// and the test suite. Each method holds a single mutex across its whole
// mutation: UpdateMessageSent and UpdateMessageFailed update the Message row
// and its Broadcast's Sent/Failed counter together. User credit is changed by
// a separate DecrementCredit call and is not part of that group.
package memstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nrlim/wa-engine/internal/store"
)

// Store is a sync.RWMutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	instances  map[string]store.Instance
	broadcasts map[string]*store.Broadcast
	messages   map[string]*store.Message // keyed by message id
	users      map[string]*store.User
	contacts   map[string]*store.Contact
	logs       []store.BroadcastLog
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		instances:  make(map[string]store.Instance),
		broadcasts: make(map[string]*store.Broadcast),
		messages:   make(map[string]*store.Message),
		users:      make(map[string]*store.User),
		contacts:   make(map[string]*store.Contact),
	}
}

// Seed helpers, used by tests and by local/dev bootstrapping; these are not
// part of the store.Store interface.

func (s *Store) PutInstance(i store.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	s.instances[i.ID] = i
}

func (s *Store) PutUser(u store.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	s.users[u.ID] = &u
}

func (s *Store) PutBroadcast(b store.Broadcast) *store.Broadcast {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	cp := b
	s.broadcasts[b.ID] = &cp
	return &cp
}

func (s *Store) PutMessage(m store.Message) *store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	cp := m
	s.messages[m.ID] = &cp
	return &cp
}

func (s *Store) PutContact(c store.Contact) *store.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	cp := c
	s.contacts[c.ID] = &cp
	return &cp
}

func (s *Store) GetInstance(id string) (store.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return store.Instance{}, fmt.Errorf("instance %s: not found", id)
	}
	return inst, nil
}

func (s *Store) ClaimInitializingInstances(limit int, exclude map[string]bool) ([]store.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Instance
	for _, inst := range s.instances {
		if inst.Status != store.InstanceInitializing {
			continue
		}
		if exclude[inst.ID] {
			continue
		}
		if len(inst.UserIDs) == 0 {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateInstanceStatus(id string, status store.InstanceStatus, qrCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: not found", id)
	}
	inst.Status = status
	inst.QRCode = qrCode
	inst.UpdatedAt = time.Now()
	s.instances[id] = inst
	return nil
}

func (s *Store) ListInstancesByStatus(status store.InstanceStatus) ([]store.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Instance
	for _, inst := range s.instances {
		if inst.Status == status {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (s *Store) ClaimBroadcast(instanceID string, batchSize int) (*store.Broadcast, *store.User, []store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidate *store.Broadcast
	for _, b := range s.broadcasts {
		if b.InstanceID != instanceID {
			continue
		}
		if b.Status != store.BroadcastPending && b.Status != store.BroadcastRunning {
			continue
		}
		if candidate == nil || b.CreatedAt.Before(candidate.CreatedAt) {
			candidate = b
		}
	}
	if candidate == nil {
		return nil, nil, nil, nil
	}

	user, ok := s.users[candidate.UserID]
	if !ok {
		return nil, nil, nil, fmt.Errorf("user %s: not found", candidate.UserID)
	}

	var pending []store.Message
	for _, m := range s.messages {
		if m.BroadcastID == candidate.ID && m.Status == store.MessagePending {
			pending = append(pending, *m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].UpdatedAt.Before(pending[j].UpdatedAt) })
	if len(pending) > batchSize {
		pending = pending[:batchSize]
	}

	cp := *candidate
	userCp := *user
	return &cp, &userCp, pending, nil
}

func (s *Store) UpdateBroadcastStatus(id string, status store.BroadcastStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return fmt.Errorf("broadcast %s: not found", id)
	}
	b.Status = status
	b.UpdatedAt = time.Now()
	return nil
}

func (s *Store) ResumePausedBroadcasts(instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, b := range s.broadcasts {
		if b.InstanceID != instanceID {
			continue
		}
		if b.Status != store.BroadcastPausedRateLimit && b.Status != store.BroadcastPausedWorkingHours {
			continue
		}
		b.Status = store.BroadcastRunning
		b.UpdatedAt = now
	}
	return nil
}

func (s *Store) PauseRunningBroadcasts(instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, b := range s.broadcasts {
		if b.InstanceID != instanceID {
			continue
		}
		if b.Status != store.BroadcastRunning {
			continue
		}
		b.Status = store.BroadcastPausedRateLimit
		b.UpdatedAt = now
	}
	return nil
}

func (s *Store) IncrementBroadcastCounters(id string, sentDelta, failedDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return fmt.Errorf("broadcast %s: not found", id)
	}
	b.Sent += sentDelta
	b.Failed += failedDelta
	b.UpdatedAt = time.Now()
	return nil
}

func (s *Store) PendingMessageCount(broadcastID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, m := range s.messages {
		if m.BroadcastID == broadcastID && m.Status == store.MessagePending {
			count++
		}
	}
	return count, nil
}

func (s *Store) UpdateMessageSent(id string, content string, meta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %s: not found", id)
	}
	if m.Status != store.MessagePending {
		return fmt.Errorf("message %s: already %s, refusing rewrite", id, m.Status)
	}
	now := time.Now()
	m.Status = store.MessageSent
	m.SentAt = &now
	m.Content = content
	m.AntiBannedMeta = meta
	m.UpdatedAt = now

	b, ok := s.broadcasts[m.BroadcastID]
	if ok {
		b.Sent++
		b.UpdatedAt = now
	}
	return nil
}

func (s *Store) UpdateMessageFailed(id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %s: not found", id)
	}
	if m.Status != store.MessagePending {
		return fmt.Errorf("message %s: already %s, refusing rewrite", id, m.Status)
	}
	m.Status = store.MessageFailed
	m.Error = reason
	m.UpdatedAt = time.Now()

	b, ok := s.broadcasts[m.BroadcastID]
	if ok {
		b.Failed++
		b.UpdatedAt = time.Now()
	}
	return nil
}

func (s *Store) DecrementCredit(userID string, by int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: not found", userID)
	}
	u.Credit -= by
	if u.Credit < 0 {
		u.Credit = 0
	}
	return nil
}

func (s *Store) AppendLog(log store.BroadcastLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	s.logs = append(s.logs, log)
	return nil
}

func (s *Store) ClaimPendingContacts(limit int) ([]store.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Contact
	for _, c := range s.contacts {
		if c.Status == store.ContactPending {
			out = append(out, *c)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateContactStatus(id string, status store.ContactStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return fmt.Errorf("contact %s: not found", id)
	}
	c.Status = status
	return nil
}

// ContactByID returns a copy of the contact row for id, for test assertions;
// not part of the store.Store interface.
func (s *Store) ContactByID(id string) (store.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return store.Contact{}, fmt.Errorf("contact %s: not found", id)
	}
	return *c, nil
}

// UserCredit returns a user's current credit balance, for test assertions;
// not part of the store.Store interface.
func (s *Store) UserCredit(id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return 0, fmt.Errorf("user %s: not found", id)
	}
	return u.Credit, nil
}

// BroadcastStatusByID returns a broadcast's current status, for test
// assertions; not part of the store.Store interface.
func (s *Store) BroadcastStatusByID(id string) (store.BroadcastStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return "", fmt.Errorf("broadcast %s: not found", id)
	}
	return b.Status, nil
}

// Logs returns a copy of every appended BroadcastLog, for test assertions.
func (s *Store) Logs() []store.BroadcastLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.BroadcastLog, len(s.logs))
	copy(out, s.logs)
	return out
}

var _ store.Store = (*Store)(nil)
