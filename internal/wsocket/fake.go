package wsocket

import (
	"context"
	"sync"
)

// FakeSocket is an in-memory Socket test double for the supervisor and
// broadcast processor test suites. Tests drive it by calling Emit directly
// and by inspecting Sent/Presences/Subscriptions/ReadReceipts/LogoutCalls after exercising the component
// under test.
type FakeSocket struct {
	mu      sync.Mutex
	handler func(Event)
	user    *User
	closed  bool

	Sent           []OutboundMessage
	Presences      []PresenceState
	Subscriptions  []string
	ReadReceipts   [][]MessageKey
	LogoutCalls    int
	OnWhatsAppFunc func(jid string) (bool, error)
	SendErr        error
}

func NewFakeSocket() *FakeSocket {
	return &FakeSocket{}
}

func (f *FakeSocket) OnEvent(handler func(Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

// Emit delivers ev to the registered handler, as the transport layer would.
func (f *FakeSocket) Emit(ev Event) {
	f.mu.Lock()
	if ev.User != nil {
		f.user = ev.User
	}
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (f *FakeSocket) SendPresenceUpdate(_ context.Context, state PresenceState, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Presences = append(f.Presences, state)
	return nil
}

func (f *FakeSocket) PresenceSubscribe(_ context.Context, jid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Subscriptions = append(f.Subscriptions, jid)
	return nil
}

func (f *FakeSocket) SendMessage(_ context.Context, _ string, msg OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.Sent = append(f.Sent, msg)
	return nil
}

func (f *FakeSocket) ReadMessages(_ context.Context, keys []MessageKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReadReceipts = append(f.ReadReceipts, keys)
	return nil
}

func (f *FakeSocket) OnWhatsApp(_ context.Context, jid string) (bool, error) {
	if f.OnWhatsAppFunc != nil {
		return f.OnWhatsAppFunc(jid)
	}
	return true, nil
}

func (f *FakeSocket) Logout(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LogoutCalls++
	return nil
}

func (f *FakeSocket) User() *User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user
}

func (f *FakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FakeSocket) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var _ Socket = (*FakeSocket)(nil)
