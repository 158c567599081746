package memstore

import (
	"testing"
	"time"

	"github.com/nrlim/wa-engine/internal/store"
)

func TestClaimBroadcastReturnsOldestPendingOrRunning(t *testing.T) {
	s := New()
	s.PutUser(store.User{ID: "u1", Credit: 10})

	old := s.PutBroadcast(store.Broadcast{
		UserID: "u1", InstanceID: "inst1", Status: store.BroadcastPending,
		CreatedAt: time.Now().Add(-time.Hour),
	})
	s.PutBroadcast(store.Broadcast{
		UserID: "u1", InstanceID: "inst1", Status: store.BroadcastPending,
		CreatedAt: time.Now(),
	})
	s.PutMessage(store.Message{BroadcastID: old.ID, Recipient: "628111", Status: store.MessagePending})

	got, user, msgs, err := s.ClaimBroadcast("inst1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != old.ID {
		t.Fatalf("expected oldest broadcast %s, got %s", old.ID, got.ID)
	}
	if user.Credit != 10 {
		t.Fatalf("expected credit 10, got %d", user.Credit)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 pending message, got %d", len(msgs))
	}
}

func TestUpdateMessageSentIsOneWay(t *testing.T) {
	s := New()
	b := s.PutBroadcast(store.Broadcast{Status: store.BroadcastRunning})
	m := s.PutMessage(store.Message{BroadcastID: b.ID, Status: store.MessagePending})

	if err := s.UpdateMessageSent(m.ID, "hello", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.UpdateMessageSent(m.ID, "hello again", nil); err == nil {
		t.Fatal("expected rewrite of SENT message to be rejected")
	}
	if err := s.UpdateMessageFailed(m.ID, "boom"); err == nil {
		t.Fatal("expected SENT message to refuse transition to FAILED")
	}
}

func TestDecrementCreditNeverGoesNegative(t *testing.T) {
	s := New()
	s.PutUser(store.User{ID: "u1", Credit: 1})
	if err := s.DecrementCredit("u1", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u, _ := s.users["u1"], struct{}{}
	_ = u
	if s.users["u1"].Credit != 0 {
		t.Fatalf("expected credit floor at 0, got %d", s.users["u1"].Credit)
	}
}

func TestClaimInitializingInstancesExcludesPoolAndRequiresUser(t *testing.T) {
	s := New()
	s.PutInstance(store.Instance{ID: "a", Status: store.InstanceInitializing, UserIDs: []string{"u1"}})
	s.PutInstance(store.Instance{ID: "b", Status: store.InstanceInitializing}) // no user
	s.PutInstance(store.Instance{ID: "c", Status: store.InstanceInitializing, UserIDs: []string{"u1"}})

	got, err := s.ClaimInitializingInstances(5, map[string]bool{"c": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected only instance a, got %+v", got)
	}
}
