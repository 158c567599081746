package broadcastproc

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nrlim/wa-engine/internal/session"
	"github.com/nrlim/wa-engine/internal/store"
	"github.com/nrlim/wa-engine/internal/store/memstore"
	"github.com/nrlim/wa-engine/internal/supervisor"
	"github.com/nrlim/wa-engine/internal/trust"
	"github.com/nrlim/wa-engine/internal/wsocket"
)

type fakeGuard struct{ mb float64 }

func (f fakeGuard) SoftTriggered() bool { return false }
func (f fakeGuard) CurrentMB() float64  { return f.mb }

type fakeFactory struct{ sock *wsocket.FakeSocket }

func (f *fakeFactory) New(_ context.Context, _ wsocket.DialOptions) (wsocket.Socket, error) {
	return f.sock, nil
}

func newConnectedSupervisor(t *testing.T, instanceID string, st *memstore.Store) (*supervisor.Supervisor, *wsocket.FakeSocket) {
	t.Helper()

	sessStore, err := session.New(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sock := wsocket.NewFakeSocket()
	sv := supervisor.New(instanceID, supervisor.Deps{
		Store:        st,
		SessionStore: sessStore,
		Factory:      &fakeFactory{sock: sock},
		Logger:       zerolog.Nop(),
	})

	if err := sv.Connect(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sock.Emit(wsocket.Event{Kind: wsocket.EventOpen, User: &wsocket.User{ID: "628000000@s.whatsapp.net"}})

	return sv, sock
}

func TestIterateSendsSingleMessageHappyPath(t *testing.T) {
	st := memstore.New()
	st.PutInstance(store.Instance{
		ID:        "inst1",
		Status:    store.InstanceConnected,
		CreatedAt: time.Now().Add(-60 * 24 * time.Hour),
	})
	st.PutUser(store.User{ID: "user1", Credit: 100})

	b := st.PutBroadcast(store.Broadcast{
		InstanceID:       "inst1",
		UserID:           "user1",
		Message:          "Hello {there|world}",
		Status:           store.BroadcastPending,
		WorkingHourStart: 0,
		WorkingHourEnd:   0,
		DelayMin:         0,
		DelayMax:         0,
	})
	st.PutMessage(store.Message{BroadcastID: b.ID, Recipient: "628123456789", Status: store.MessagePending})

	sv, sock := newConnectedSupervisor(t, "inst1", st)
	proc := New("inst1", sv, st, nil, nil, zerolog.Nop(), t.TempDir(), Config{BatchSize: 10})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if !proc.iterate(ctx) {
		t.Fatal("expected iterate to report continuing")
	}

	if len(sock.Sent) != 1 {
		t.Fatalf("expected 1 message sent, got %d", len(sock.Sent))
	}

	pending, err := st.PendingMessageCount(b.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected no pending messages left, got %d", pending)
	}

	updatedUser, err := st.UserCredit("user1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updatedUser != 99 {
		t.Fatalf("expected credit decremented to 99, got %d", updatedUser)
	}
}

func TestIterateCompletesBroadcastWhenNoPendingMessagesRemain(t *testing.T) {
	st := memstore.New()
	st.PutInstance(store.Instance{
		ID:        "inst1",
		Status:    store.InstanceConnected,
		CreatedAt: time.Now().Add(-60 * 24 * time.Hour),
	})
	st.PutUser(store.User{ID: "user1", Credit: 10})
	b := st.PutBroadcast(store.Broadcast{
		InstanceID: "inst1",
		UserID:     "user1",
		Message:    "no recipients left",
		Status:     store.BroadcastRunning,
	})

	sv, _ := newConnectedSupervisor(t, "inst1", st)
	proc := New("inst1", sv, st, nil, nil, zerolog.Nop(), t.TempDir(), Config{BatchSize: 10})

	if !proc.iterate(context.Background()) {
		t.Fatal("expected iterate to report continuing")
	}

	inst, err := completedBroadcastStatus(st, b.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst != store.BroadcastCompleted {
		t.Fatalf("expected COMPLETED, got %s", inst)
	}
}

func TestIterateSetsNoCreditPauseWhenUserOutOfCredit(t *testing.T) {
	st := memstore.New()
	st.PutInstance(store.Instance{ID: "inst1", Status: store.InstanceConnected, CreatedAt: time.Now().Add(-60 * 24 * time.Hour)})
	st.PutUser(store.User{ID: "user1", Credit: 0})
	b := st.PutBroadcast(store.Broadcast{InstanceID: "inst1", UserID: "user1", Message: "hi", Status: store.BroadcastPending})
	st.PutMessage(store.Message{BroadcastID: b.ID, Recipient: "628123456789", Status: store.MessagePending})

	sv, _ := newConnectedSupervisor(t, "inst1", st)
	proc := New("inst1", sv, st, nil, nil, zerolog.Nop(), t.TempDir(), Config{BatchSize: 10})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	proc.iterate(ctx)

	status, err := completedBroadcastStatus(st, b.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != store.BroadcastPausedNoCredit {
		t.Fatalf("expected PAUSED_NO_CREDIT, got %s", status)
	}
}

func completedBroadcastStatus(st *memstore.Store, broadcastID string) (store.BroadcastStatus, error) {
	return st.BroadcastStatusByID(broadcastID)
}

func TestTripCircuitLogsCircuitBreakerAndResetsCounter(t *testing.T) {
	st := memstore.New()
	b := st.PutBroadcast(store.Broadcast{InstanceID: "inst1", UserID: "user1", Status: store.BroadcastRunning})

	sv, _ := newConnectedSupervisor(t, "inst1", st)
	proc := New("inst1", sv, st, nil, nil, zerolog.Nop(), t.TempDir(), Config{BatchSize: 10})

	tier := trust.Params{CircuitThreshold: 3}
	for i := 0; i < tier.CircuitThreshold; i++ {
		sv.SessionState().IncrementFail()
	}

	// An already-expired context makes the cooldown sleep return immediately
	// via ctx.Done(), so the test doesn't wait out the real 60-180s cooldown.
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	if !proc.tripCircuit(ctx, b.ID, tier) {
		t.Fatal("expected tripCircuit to report the breaker fired")
	}
	if sv.SessionState().ConsecutiveFails() != 0 {
		t.Fatalf("expected consecutive fail counter reset, got %d", sv.SessionState().ConsecutiveFails())
	}

	logs := st.Logs()
	found := false
	for _, l := range logs {
		if l.BroadcastID == b.ID && l.Action == "CIRCUIT_BREAKER" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a CIRCUIT_BREAKER log row")
	}
}

func TestInjectRandomActivityLogsAStealthRow(t *testing.T) {
	st := memstore.New()
	b := st.PutBroadcast(store.Broadcast{InstanceID: "inst1", UserID: "user1", Status: store.BroadcastRunning})

	sv, _ := newConnectedSupervisor(t, "inst1", st)
	proc := New("inst1", sv, st, nil, nil, zerolog.Nop(), t.TempDir(), Config{BatchSize: 10})

	// An already-expired context makes every sleep branch return immediately
	// via ctx.Done(), so the test doesn't wait out a real multi-second delay.
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	proc.injectRandomActivity(ctx, b.ID, "628123456789@s.whatsapp.net")

	logs := st.Logs()
	found := false
	for _, l := range logs {
		if l.BroadcastID != b.ID {
			continue
		}
		switch l.Action {
		case "STEALTH_OFFLINE", "STEALTH_READ", "STEALTH_BROWSE", "STEALTH_COMPOSE":
			found = true
		}
	}
	if !found {
		t.Fatal("expected one STEALTH_* log row")
	}
}

func TestAntiBannedMetaReportsCurrentMemoryMB(t *testing.T) {
	st := memstore.New()
	sv, _ := newConnectedSupervisor(t, "inst1", st)
	proc := New("inst1", sv, st, fakeGuard{mb: 512.5}, nil, zerolog.Nop(), t.TempDir(), Config{BatchSize: 10})

	b := &store.Broadcast{ID: "b1", InstanceID: "inst1"}
	meta := proc.antiBannedMeta(b, "variant", "tok", time.Second, false, trust.Params{})

	got, ok := meta["memory_mb"].(float64)
	if !ok || got != 512.5 {
		t.Fatalf("expected memory_mb to reflect the guard's sampled RSS, got %v", meta["memory_mb"])
	}
}
