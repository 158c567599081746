package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nrlim/wa-engine/internal/eventbus"
	"github.com/nrlim/wa-engine/internal/session"
	"github.com/nrlim/wa-engine/internal/store"
	"github.com/nrlim/wa-engine/internal/store/memstore"
	"github.com/nrlim/wa-engine/internal/wsocket"
)

type fakeFactory struct {
	sock *wsocket.FakeSocket
}

func (f *fakeFactory) New(_ context.Context, _ wsocket.DialOptions) (wsocket.Socket, error) {
	return f.sock, nil
}

func newTestSupervisor(t *testing.T) (*Supervisor, *wsocket.FakeSocket, *memstore.Store) {
	t.Helper()

	st := memstore.New()
	st.PutInstance(store.Instance{ID: "inst1", Status: store.InstanceDisconnected})

	sessDir := t.TempDir()
	sessStore, err := session.New(sessDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sock := wsocket.NewFakeSocket()
	deps := Deps{
		Store:        st,
		SessionStore: sessStore,
		Factory:      &fakeFactory{sock: sock},
		Logger:       zerolog.Nop(),
		Bus:          eventbus.Connect("", false, zerolog.Nop()),
		HandshakeURL: "wss://example.test/ws",
	}

	sv := New("inst1", deps)
	return sv, sock, st
}

func TestConnectTransitionsToInitializing(t *testing.T) {
	sv, sock, st := newTestSupervisor(t)

	if err := sv.Connect(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = sock

	inst, err := st.GetInstance("inst1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Status != store.InstanceInitializing {
		t.Fatalf("expected INITIALIZING, got %s", inst.Status)
	}
}

func TestQREventPersistsQRReadyAndIncrementsAttempts(t *testing.T) {
	sv, sock, st := newTestSupervisor(t)

	if err := sv.Connect(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sock.Emit(wsocket.Event{Kind: wsocket.EventQR, QRPayload: "qr-payload-1"})

	inst, err := st.GetInstance("inst1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Status != store.InstanceQRReady {
		t.Fatalf("expected QR_READY, got %s", inst.Status)
	}
	if inst.QRCode != "qr-payload-1" {
		t.Fatalf("expected qr code to be persisted, got %q", inst.QRCode)
	}
	if sv.qrAttempts != 1 {
		t.Fatalf("expected 1 qr attempt, got %d", sv.qrAttempts)
	}
}

func TestQRExhaustionTearsDownAndDisconnects(t *testing.T) {
	sv, sock, st := newTestSupervisor(t)

	if err := sv.Connect(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < maxQRAttempts; i++ {
		sock.Emit(wsocket.Event{Kind: wsocket.EventQR, QRPayload: "qr"})
	}

	inst, err := st.GetInstance("inst1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Status != store.InstanceDisconnected {
		t.Fatalf("expected DISCONNECTED after exhausting QR attempts, got %s", inst.Status)
	}
}

func TestOpenEventPersistsConnectedAndInvokesCallback(t *testing.T) {
	sv, sock, st := newTestSupervisor(t)

	connected := make(chan *Supervisor, 1)
	sv.deps.OnConnected = func(s *Supervisor) { connected <- s }

	if err := sv.Connect(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sock.Emit(wsocket.Event{Kind: wsocket.EventOpen, User: &wsocket.User{ID: "628123@s.whatsapp.net"}})

	select {
	case got := <-connected:
		if got != sv {
			t.Fatal("expected callback to receive the same supervisor")
		}
	case <-time.After(time.Second):
		t.Fatal("onConnected callback was not invoked")
	}

	inst, err := st.GetInstance("inst1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Status != store.InstanceConnected {
		t.Fatalf("expected CONNECTED, got %s", inst.Status)
	}
}

func TestCredsUpdateFlipsQRReadyToInitializing(t *testing.T) {
	sv, sock, st := newTestSupervisor(t)

	if err := sv.Connect(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sock.Emit(wsocket.Event{Kind: wsocket.EventQR, QRPayload: "qr"})

	sock.Emit(wsocket.Event{Kind: wsocket.EventCredsUpdate, User: &wsocket.User{ID: "628123@s.whatsapp.net"}})

	inst, err := st.GetInstance("inst1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Status != store.InstanceInitializing {
		t.Fatalf("expected INITIALIZING after creds update while QR_READY, got %s", inst.Status)
	}
	if inst.QRCode != "" {
		t.Fatalf("expected qr code cleared, got %q", inst.QRCode)
	}
}

func TestClassifyCloseLoggedOutWipes(t *testing.T) {
	if action := classifyClose(0, "Logged Out"); action != actionReconnectWipe {
		t.Fatalf("expected actionReconnectWipe, got %v", action)
	}
}

func TestClassifyCloseRateLimit(t *testing.T) {
	if action := classifyClose(429, ""); action != actionPauseRateLimit {
		t.Fatalf("expected actionPauseRateLimit, got %v", action)
	}
	if action := classifyClose(0, "rate-overlimit"); action != actionPauseRateLimit {
		t.Fatalf("expected actionPauseRateLimit, got %v", action)
	}
}

func TestClassifyCloseStreamErrorKeepsSession(t *testing.T) {
	if action := classifyClose(515, ""); action != actionReconnectKeep {
		t.Fatalf("expected actionReconnectKeep for 515, got %v", action)
	}
	if action := classifyClose(0, "stream-errored (conflict)"); action != actionReconnectKeep {
		t.Fatalf("expected actionReconnectKeep, got %v", action)
	}
}

func TestClassifyCloseBadSessionWipes(t *testing.T) {
	if action := classifyClose(401, ""); action != actionReconnectWipe {
		t.Fatalf("expected actionReconnectWipe for 401, got %v", action)
	}
	if action := classifyClose(0, "bad session"); action != actionReconnectWipe {
		t.Fatalf("expected actionReconnectWipe, got %v", action)
	}
}

func TestClassifyCloseConnectionLost(t *testing.T) {
	if action := classifyClose(0, "connection lost"); action != actionConnectionLost {
		t.Fatalf("expected actionConnectionLost, got %v", action)
	}
}

func TestOpenEventResumesPausedBroadcasts(t *testing.T) {
	sv, sock, st := newTestSupervisor(t)

	st.PutUser(store.User{ID: "user1", Credit: 10})
	rateLimited := st.PutBroadcast(store.Broadcast{InstanceID: "inst1", UserID: "user1", Status: store.BroadcastPausedRateLimit})
	workingHours := st.PutBroadcast(store.Broadcast{InstanceID: "inst1", UserID: "user1", Status: store.BroadcastPausedWorkingHours})
	other := st.PutBroadcast(store.Broadcast{InstanceID: "other-inst", UserID: "user1", Status: store.BroadcastPausedRateLimit})

	if err := sv.Connect(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sock.Emit(wsocket.Event{Kind: wsocket.EventOpen, User: &wsocket.User{ID: "628123@s.whatsapp.net"}})

	if status, err := st.BroadcastStatusByID(rateLimited.ID); err != nil || status != store.BroadcastRunning {
		t.Fatalf("expected rate-limited broadcast to resume to RUNNING, got %v, err %v", status, err)
	}
	if status, err := st.BroadcastStatusByID(workingHours.ID); err != nil || status != store.BroadcastRunning {
		t.Fatalf("expected working-hours broadcast to resume to RUNNING, got %v, err %v", status, err)
	}
	if status, err := st.BroadcastStatusByID(other.ID); err != nil || status != store.BroadcastPausedRateLimit {
		t.Fatalf("expected other instance's broadcast to stay paused, got %v, err %v", status, err)
	}
}

func TestCloseRateLimitPausesRunningBroadcasts(t *testing.T) {
	sv, sock, st := newTestSupervisor(t)

	st.PutUser(store.User{ID: "user1", Credit: 10})
	running := st.PutBroadcast(store.Broadcast{InstanceID: "inst1", UserID: "user1", Status: store.BroadcastRunning})

	if err := sv.Connect(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sock.Emit(wsocket.Event{Kind: wsocket.EventClose, CloseCode: 429})

	if status, err := st.BroadcastStatusByID(running.ID); err != nil || status != store.BroadcastPausedRateLimit {
		t.Fatalf("expected running broadcast to pause to PAUSED_RATE_LIMIT, got %v, err %v", status, err)
	}
	if !sv.IsPaused() {
		t.Fatal("expected supervisor to be paused after a rate-limit close")
	}
}

func TestPauseAndResume(t *testing.T) {
	sv, _, _ := newTestSupervisor(t)

	if sv.IsPaused() {
		t.Fatal("expected not paused initially")
	}
	sv.Pause("rate_limit")
	if !sv.IsPaused() {
		t.Fatal("expected paused after Pause")
	}
	sv.resume()
	if sv.IsPaused() {
		t.Fatal("expected not paused after resume")
	}
}
