package wsocket

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// fingerprintPool is a fixed set of realistic browser user-agent strings the
// dialer rotates through, matching spec.md §4.7's "randomly selected
// realistic browser fingerprint from a fixed pool of ten".
var fingerprintPool = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/122.0.0.0 Safari/537.36 Edg/122.0.0.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_4) AppleWebKit/605.1.15 Version/16.5 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 11.0; Win64; x64) AppleWebKit/537.36 Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0.0.0 Safari/537.36",
}

func randomFingerprint() string {
	n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(fingerprintPool))))
	return fingerprintPool[n.Int64()]
}

// GobwasFactory dials the protocol's WebSocket endpoint using
// github.com/gobwas/ws, standing in for the real pairing library's
// transport layer.
type GobwasFactory struct{}

func (GobwasFactory) New(ctx context.Context, opts DialOptions) (Socket, error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(map[string][]string{
			"User-Agent": {randomFingerprint()},
		}),
	}

	conn, _, _, err := dialer.Dial(ctx, opts.HandshakeURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.HandshakeURL, err)
	}

	keepAlive := opts.KeepAlive
	if keepAlive == 0 {
		keepAlive = jitteredKeepAlive()
	}

	sock := &gobwasSocket{
		conn:      conn,
		keepAlive: keepAlive,
		closeCh:   make(chan struct{}),
	}
	sock.startPumps()
	return sock, nil
}

// jitteredKeepAlive returns a duration uniformly distributed in [25s, 45s),
// per spec.md §4.7.
func jitteredKeepAlive() time.Duration {
	n, _ := rand.Int(rand.Reader, big.NewInt(20_000))
	return 25*time.Second + time.Duration(n.Int64())*time.Millisecond
}

// gobwasSocket implements Socket over a raw gobwas/ws connection. Frame
// decoding happens on a dedicated read pump goroutine; every decoded frame
// is translated into an Event and handed to the registered handler.
type gobwasSocket struct {
	conn net.Conn

	keepAlive time.Duration

	mu      sync.Mutex
	handler func(Event)
	user    *User

	closeOnce sync.Once
	closeCh   chan struct{}
}

func (s *gobwasSocket) OnEvent(handler func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *gobwasSocket) emit(ev Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (s *gobwasSocket) startPumps() {
	go s.readPump()
	go s.keepAlivePump()
}

func (s *gobwasSocket) readPump() {
	defer s.emitClose()

	for {
		data, op, err := wsutil.ReadServerData(s.conn)
		if err != nil {
			s.emit(Event{Kind: EventClose, CloseCode: 1006, CloseText: err.Error()})
			return
		}

		switch op {
		case ws.OpText, ws.OpBinary:
			s.handleFrame(data)
		case ws.OpClose:
			code, text := parseCloseFrame(data)
			s.emit(Event{Kind: EventClose, CloseCode: code, CloseText: text})
			return
		case ws.OpPing:
			_ = wsutil.WriteClientMessage(s.conn, ws.OpPong, nil)
		}
	}
}

func (s *gobwasSocket) keepAlivePump() {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := wsutil.WriteClientMessage(s.conn, ws.OpPing, nil); err != nil {
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

// wireFrame is the envelope the protocol's frames are assumed to carry; the
// real pairing library's binary frame format is opaque, so this JSON
// envelope is a stand-in shape used only to route frames to event kinds.
type wireFrame struct {
	Type      string          `json:"type"`
	QR        string          `json:"qr,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	FromJID   string          `json:"from_jid,omitempty"`
	FromSelf  bool            `json:"from_self,omitempty"`
	IsStatus  bool            `json:"is_status,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

func (s *gobwasSocket) handleFrame(data []byte) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	switch frame.Type {
	case "qr":
		s.emit(Event{Kind: EventQR, QRPayload: frame.QR})
	case "open":
		u := &User{ID: frame.UserID}
		s.mu.Lock()
		s.user = u
		s.mu.Unlock()
		s.emit(Event{Kind: EventOpen, User: u})
	case "creds_update":
		var u *User
		if frame.UserID != "" {
			u = &User{ID: frame.UserID}
		}
		s.emit(Event{Kind: EventCredsUpdate, User: u})
	case "message":
		s.emit(Event{Kind: EventMessage, Message: InboundMessage{
			FromJID:  frame.FromJID,
			FromSelf: frame.FromSelf,
			IsStatus: frame.IsStatus,
		}})
	}
}

func (s *gobwasSocket) emitClose() {
	s.closeOnce.Do(func() { close(s.closeCh) })
}

func parseCloseFrame(data []byte) (code int, text string) {
	if len(data) < 2 {
		return 1006, "abnormal closure"
	}
	code = int(data[0])<<8 | int(data[1])
	if len(data) > 2 {
		text = string(data[2:])
	}
	return code, text
}

func (s *gobwasSocket) SendPresenceUpdate(ctx context.Context, state PresenceState, jid string) error {
	return s.writeJSON(wireFrame{Type: "presence:" + string(state), FromJID: jid})
}

func (s *gobwasSocket) PresenceSubscribe(ctx context.Context, jid string) error {
	return s.writeJSON(wireFrame{Type: "presence_subscribe", FromJID: jid})
}

func (s *gobwasSocket) SendMessage(ctx context.Context, jid string, msg OutboundMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	return s.writeJSON(wireFrame{Type: "send", FromJID: jid, Raw: payload})
}

func (s *gobwasSocket) ReadMessages(ctx context.Context, keys []MessageKey) error {
	payload, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("marshal read receipt: %w", err)
	}
	return s.writeJSON(wireFrame{Type: "read", Raw: payload})
}

func (s *gobwasSocket) OnWhatsApp(ctx context.Context, jid string) (bool, error) {
	// Best-effort placeholder: a real transport would await a matching
	// response frame. Here the probe is treated as the frame write itself;
	// the supervisor's protocol layer is opaque to this engine by design.
	if err := s.writeJSON(wireFrame{Type: "on_whatsapp", FromJID: jid}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *gobwasSocket) Logout(ctx context.Context) error {
	return s.writeJSON(wireFrame{Type: "logout"})
}

func (s *gobwasSocket) User() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *gobwasSocket) Close() error {
	s.emitClose()
	return s.conn.Close()
}

func (s *gobwasSocket) writeJSON(frame wireFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return wsutil.WriteClientMessage(s.conn, ws.OpText, data)
}
