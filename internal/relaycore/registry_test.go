package relaycore

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vikas-parashar/magic-wormhole/internal/metrics"
	"github.com/vikas-parashar/magic-wormhole/internal/storage"
)

func newTestRegistry(t *testing.T, cfg Config) (*Registry, context.CancelFunc) {
	t.Helper()
	store, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	r := New(store, cfg, zap.NewNop(), metrics.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	t.Cleanup(func() {
		cancel()
		r.Wait()
	})
	return r, cancel
}

func TestAllocateAssignsSmallIDsFirst(t *testing.T) {
	r, _ := newTestRegistry(t, Config{MaxAllocateTries: 100, SweepInterval: time.Hour})
	cid, welcome, err := r.Allocate(context.Background(), "app1", "side-a")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if cid < 1 || cid > 9 {
		t.Fatalf("expected single-digit channel id on first allocation, got %d", cid)
	}
	if welcome != (Welcome{}) {
		t.Fatalf("unexpected welcome: %+v", welcome)
	}
}

func TestPostAppendsAndFansOut(t *testing.T) {
	r, _ := newTestRegistry(t, Config{MaxAllocateTries: 100, SweepInterval: time.Hour})
	ctx := context.Background()

	cid, _, err := r.Allocate(ctx, "app1", "side-a")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	sub, _, history := r.SubscribeLive("app1", cid)
	if len(history) != 0 {
		t.Fatalf("expected empty history before any post, got %v", history)
	}
	defer r.Unsubscribe(sub)

	msgs, _, err := r.Post(ctx, "app1", cid, "side-a", "pake", "aa")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Phase != "pake" {
		t.Fatalf("unexpected message history: %+v", msgs)
	}

	select {
	case got := <-sub.Events:
		if got.Phase != "pake" || got.Body != "aa" {
			t.Fatalf("unexpected fanned-out message: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fan-out")
	}
}

func TestDeallocateFreesOnlyWhenAllSidesGone(t *testing.T) {
	r, _ := newTestRegistry(t, Config{MaxAllocateTries: 100, SweepInterval: time.Hour})
	ctx := context.Background()

	cid, _, err := r.Allocate(ctx, "app1", "side-a")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, _, err := r.Post(ctx, "app1", cid, "side-b", "pake", "bb"); err != nil {
		t.Fatalf("Post: %v", err)
	}

	status, err := r.Deallocate(ctx, "app1", cid, "side-a")
	if err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	if status != "waiting" {
		t.Fatalf("expected waiting, got %q", status)
	}

	status, err = r.Deallocate(ctx, "app1", cid, "side-b")
	if err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	if status != "deleted" {
		t.Fatalf("expected deleted, got %q", status)
	}

	ids, _ := r.List("app1")
	if len(ids) != 0 {
		t.Fatalf("expected no remaining channels, got %v", ids)
	}
}

func TestSeedRebuildsFromStore(t *testing.T) {
	store, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer store.Close()

	cfg := Config{MaxAllocateTries: 100, SweepInterval: time.Hour}
	ctx := context.Background()

	first := New(store, cfg, zap.NewNop(), metrics.NewRegistry())
	firstCtx, cancel := context.WithCancel(ctx)
	first.Start(firstCtx)

	cid, _, err := first.Allocate(ctx, "app1", "side-a")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, _, err := first.Post(ctx, "app1", cid, "side-b", "pake", "aa"); err != nil {
		t.Fatalf("Post: %v", err)
	}
	cancel()
	first.Wait()

	second := New(store, cfg, zap.NewNop(), metrics.NewRegistry())
	if err := second.Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	secondCtx, cancel2 := context.WithCancel(ctx)
	second.Start(secondCtx)
	defer func() {
		cancel2()
		second.Wait()
	}()

	ids, _ := second.List("app1")
	if len(ids) != 1 || ids[0] != cid {
		t.Fatalf("expected seeded channel %d, got %v", cid, ids)
	}

	welcome, messages := second.Snapshot("app1", cid)
	_ = welcome
	if len(messages) != 1 || messages[0].Phase != "pake" || messages[0].Body != "aa" {
		t.Fatalf("expected seeded message history, got %v", messages)
	}

	status, err := second.Deallocate(ctx, "app1", cid, "side-a")
	if err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	if status != "waiting" {
		t.Fatalf("expected side-a (seeded from store) still registered, got %q", status)
	}
}

func TestListReturnsSortedIDs(t *testing.T) {
	r, _ := newTestRegistry(t, Config{MaxAllocateTries: 100, SweepInterval: time.Hour})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, _, err := r.Allocate(ctx, "app1", "side"); err != nil {
			t.Fatalf("Allocate: %v", err)
		}
	}
	ids, _ := r.List("app1")
	if len(ids) != 3 {
		t.Fatalf("expected 3 channels, got %v", ids)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("ids not sorted: %v", ids)
		}
	}
}
