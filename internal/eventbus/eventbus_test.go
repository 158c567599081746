package eventbus

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestDisabledBusPublishesAreNoOps(t *testing.T) {
	b := Connect("nats://127.0.0.1:4222", false, zerolog.Nop())

	// None of these should panic or block despite there being no broker.
	b.PublishInstanceStatus("inst1", "CONNECTED")
	b.PublishBroadcastProgress("bc1", map[string]any{"sent": 1})
	b.Close()
}

func TestConnectToUnreachableBrokerDegradesToNoOp(t *testing.T) {
	b := Connect("nats://127.0.0.1:1", true, zerolog.Nop())
	if b.nc != nil {
		t.Fatalf("expected nil underlying connection when the broker is unreachable")
	}

	b.PublishInstanceStatus("inst1", "CONNECTED")
	b.Close()
}
