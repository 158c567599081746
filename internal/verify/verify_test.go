package verify

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nrlim/wa-engine/internal/store"
	"github.com/nrlim/wa-engine/internal/store/memstore"
	"github.com/nrlim/wa-engine/internal/wsocket"
)

type fakeSocketProvider struct {
	sock *wsocket.FakeSocket
	ok   bool
}

func (f *fakeSocketProvider) AnyConnected() (wsocket.Socket, bool) {
	if !f.ok {
		return nil, false
	}
	return f.sock, true
}

func TestCycleNoSocketBacksOff(t *testing.T) {
	w := New(memstore.New(), &fakeSocketProvider{ok: false}, zerolog.Nop(), 50)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	if w.cycle(ctx) {
		t.Fatal("expected cycle to report ctx cancellation during backoff")
	}
}

func TestCycleVerifiesPendingContacts(t *testing.T) {
	st := memstore.New()
	c1 := st.PutContact(store.Contact{UserID: "u1", Phone: "6281234567890", Status: store.ContactPending})
	c2 := st.PutContact(store.Contact{UserID: "u1", Phone: "6281111111111", Status: store.ContactPending})

	sock := wsocket.NewFakeSocket()
	sock.OnWhatsAppFunc = func(jid string) (bool, error) {
		return jid == "6281234567890@s.whatsapp.net", nil
	}

	w := New(st, &fakeSocketProvider{sock: sock, ok: true}, zerolog.Nop(), 50)
	if !w.cycle(context.Background()) {
		t.Fatal("expected cycle to complete without cancellation")
	}

	contacts, err := st.ClaimPendingContacts(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contacts) != 0 {
		t.Fatalf("expected no contacts left pending, got %d", len(contacts))
	}

	updated1, err := fetchContact(st, c1.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated1.Status != store.ContactVerified {
		t.Fatalf("expected c1 VERIFIED, got %s", updated1.Status)
	}

	updated2, err := fetchContact(st, c2.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated2.Status != store.ContactInvalid {
		t.Fatalf("expected c2 INVALID, got %s", updated2.Status)
	}
}

func TestCycleMalformedPhoneMarkedInvalidWithoutProbe(t *testing.T) {
	st := memstore.New()
	c := st.PutContact(store.Contact{UserID: "u1", Phone: "123", Status: store.ContactPending})

	sock := wsocket.NewFakeSocket()
	probed := false
	sock.OnWhatsAppFunc = func(jid string) (bool, error) {
		probed = true
		return true, nil
	}

	w := New(st, &fakeSocketProvider{sock: sock, ok: true}, zerolog.Nop(), 50)
	w.cycle(context.Background())

	if probed {
		t.Fatal("did not expect a probe for a malformed phone number")
	}

	updated, err := fetchContact(st, c.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != store.ContactInvalid {
		t.Fatalf("expected INVALID, got %s", updated.Status)
	}
}

func fetchContact(st *memstore.Store, id string) (store.Contact, error) {
	contacts, err := st.ClaimPendingContacts(1000)
	if err != nil {
		return store.Contact{}, err
	}
	for _, c := range contacts {
		if c.ID == id {
			return c, nil
		}
	}
	// Not pending anymore; re-derive via a second claim attempt is not
	// possible through the interface, so the test store exposes a direct
	// lookup for assertions instead.
	return st.ContactByID(id)
}
