package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nrlim/wa-engine/internal/config"
	"github.com/nrlim/wa-engine/internal/store/memstore"
	"github.com/nrlim/wa-engine/internal/wsocket"
)

type nopFactory struct{}

func (nopFactory) New(_ context.Context, _ wsocket.DialOptions) (wsocket.Socket, error) {
	return wsocket.NewFakeSocket(), nil
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	cfg := &config.Config{
		SessionsDir:          t.TempDir(),
		PublicDir:            t.TempDir(),
		MaxInstances:         10,
		InitializingBatch:    5,
		VerifyBatchSize:      50,
		BroadcastBatchSize:   10,
		ConnManagerInterval:  time.Hour,
		DisconnectInterval:   time.Hour,
		MemoryCeilingMB:      2048,
		MemSoftPercent:       73,
		MemHardPercent:       93,
		MemAdmitPercent:      85,
		MemSampleInterval:    time.Hour,
		AdmissionPaceSeconds: time.Millisecond,
		NATSEnabled:          false,
	}

	e, err := New(cfg, memstore.New(), nopFactory{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return e
}

func TestNewConstructsWithoutError(t *testing.T) {
	newTestEngine(t)
}

func TestHealthSnapshotReflectsEmptyPool(t *testing.T) {
	e := newTestEngine(t)

	snap := e.HealthSnapshot()
	if snap.PoolCapacity != 10 {
		t.Fatalf("expected pool capacity 10, got %d", snap.PoolCapacity)
	}
	if len(snap.InstancesByState) != 0 {
		t.Fatalf("expected no tracked instances, got %v", snap.InstancesByState)
	}
}

func TestPoolAdapterLookupMissesOnEmptyPool(t *testing.T) {
	e := newTestEngine(t)

	adapter := poolAdapter{e.connMgr}
	if _, ok := adapter.Lookup("missing"); ok {
		t.Fatal("expected lookup miss on empty pool")
	}
}

func TestNewSupervisorBindsInstanceID(t *testing.T) {
	e := newTestEngine(t)

	sv, err := e.newSupervisor(context.Background(), "inst1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sv.ID() != "inst1" {
		t.Fatalf("expected supervisor id inst1, got %s", sv.ID())
	}
}
