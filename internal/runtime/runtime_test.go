package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/regflow/internal/config"
	"github.com/rzbill/regflow/internal/intake"
	"github.com/rzbill/regflow/internal/registration"
	pebblestore "github.com/rzbill/regflow/internal/storage/pebble"
)

func testConfig(t *testing.T) cfgpkg.Config {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.Store.DataDir = t.TempDir()
	cfg.Store.Fsync = "never"
	cfg.Store.OpenRetries = 2
	cfg.Store.OpenRetryDelay = time.Millisecond
	return cfg
}

func TestOpenCloseHealth(t *testing.T) {
	rt, err := Open(context.Background(), Options{Config: testConfig(t)})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); !errors.Is(err, pebblestore.ErrClosed) {
		t.Fatalf("health after close: %v", err)
	}
}

func TestHealthReusesRecentPass(t *testing.T) {
	var mu sync.Mutex
	clock := time.Unix(1_700_000_000, 0)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		mu.Lock()
		clock = clock.Add(d)
		mu.Unlock()
	}
	rt, err := Open(context.Background(), Options{Config: testConfig(t), Now: now})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	stamp := func() string {
		t.Helper()
		v, err := rt.DB().Get(healthKey)
		if err != nil {
			t.Fatalf("read health key: %v", err)
		}
		return string(v)
	}

	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	first := stamp()

	advance(healthTTL / 2)
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("cached health: %v", err)
	}
	if got := stamp(); got != first {
		t.Fatalf("check within ttl wrote %s, want %s kept", got, first)
	}

	advance(healthTTL)
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health after ttl: %v", err)
	}
	if got := stamp(); got == first {
		t.Fatal("check after ttl did not touch the store")
	}

	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); !errors.Is(err, pebblestore.ErrClosed) {
		t.Fatalf("health after close within ttl: %v", err)
	}
}

func TestOpenSeedsCounter(t *testing.T) {
	cfg := testConfig(t)
	cfg.Writer.SequenceFloor = 5000
	cfg.Writer.SequenceBuffer = 10
	rt, err := Open(context.Background(), Options{Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	cur, err := rt.Allocator().Current(context.Background())
	if err != nil || cur != 5010 {
		t.Fatalf("counter = %d, %v", cur, err)
	}
}

func TestComponentsShareStore(t *testing.T) {
	rt, err := Open(context.Background(), Options{Config: testConfig(t)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	ctx := context.Background()

	item, err := rt.Queue().Enqueue(ctx, intake.EnqueueRequest{PaymentRef: "pay_1", Payload: map[string]any{"event": "relay"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	reg, err := rt.Writer().Write(ctx, registration.WriteRequest{PaymentRef: item.PaymentRef, Payload: item.Payload}, 1)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := rt.Registrations().GetByPaymentRef(ctx, "pay_1")
	if err != nil || got.SequenceID != reg.SequenceID {
		t.Fatalf("lookup = %+v, %v", got, err)
	}
}

func TestOpenFailsAfterRetries(t *testing.T) {
	cfg := testConfig(t)
	// a regular file where the data directory should be
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg.Store.DataDir = blocker
	if _, err := Open(context.Background(), Options{Config: cfg}); err == nil {
		t.Fatalf("expected open to fail")
	}
}
