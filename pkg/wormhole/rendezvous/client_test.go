package rendezvous

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vikas-parashar/magic-wormhole/internal/httpapi"
	"github.com/vikas-parashar/magic-wormhole/internal/metrics"
	"github.com/vikas-parashar/magic-wormhole/internal/relaycore"
	"github.com/vikas-parashar/magic-wormhole/internal/storage"
)

func newTestRelay(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	store, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}

	reg := relaycore.New(store, relaycore.Config{
		MaxAllocateTries: 100,
		SweepInterval:    time.Hour,
		SubscriberBuffer: 8,
	}, zap.NewNop(), metrics.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	reg.Start(ctx)

	srv := httpapi.New(reg, metrics.NewRegistry(), zap.NewNop())
	ts := httptest.NewServer(srv)

	cleanup := func() {
		ts.Close()
		cancel()
		reg.Wait()
		store.Close()
	}
	return ts, cleanup
}

func TestAllocatePostSnapshotRoundTrip(t *testing.T) {
	ts, cleanup := newTestRelay(t)
	defer cleanup()

	c := New(ts.URL, nil)
	ctx := context.Background()

	cid, _, err := c.Allocate(ctx, "app1", "sideA")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if cid <= 0 {
		t.Fatalf("expected positive channel id, got %d", cid)
	}

	msgs, _, err := c.Post(ctx, "app1", cid, "sideA", "pake", "deadbeef")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "deadbeef" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	msgs, _, err = c.Snapshot(ctx, "app1", cid)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message from snapshot, got %+v", msgs)
	}

	ids, _, err := c.List(ctx, "app1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != cid {
		t.Fatalf("unexpected channel list: %+v", ids)
	}

	status, err := c.Deallocate(ctx, "app1", cid, "sideA")
	if err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	if status != "deleted" {
		t.Fatalf("expected deleted, got %q", status)
	}
}

func TestSubscribeReceivesWelcomeAndLiveMessages(t *testing.T) {
	ts, cleanup := newTestRelay(t)
	defer cleanup()

	c := New(ts.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cid, _, err := c.Allocate(ctx, "app1", "sideA")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	stream := c.Subscribe(ctx, "app1", cid)

	var welcome StreamEvent
	select {
	case welcome = <-stream.Events:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for welcome event")
	}
	if welcome.Name != "welcome" {
		t.Fatalf("expected welcome event first, got %+v", welcome)
	}

	if _, _, err := c.Post(ctx, "app1", cid, "sideB", "data", "cafef00d"); err != nil {
		t.Fatalf("Post: %v", err)
	}

	select {
	case ev := <-stream.Events:
		if ev.Name != "message" && ev.Name != "" {
			t.Fatalf("unexpected event name: %q", ev.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fanned-out message event")
	}
}
