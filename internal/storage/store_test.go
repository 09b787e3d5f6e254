package storage

import (
	"context"
	"testing"
	"time"
)

func TestRecordMessageAndList(t *testing.T) {
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	if err := s.RecordMessage(ctx, "app1", 42, "aaaa", "pake", "deadbeef", base); err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}
	if err := s.RecordMessage(ctx, "app1", 42, "bbbb", "pake", "cafef00d", base.Add(time.Second)); err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}

	msgs, err := s.Messages(ctx, "app1", 42)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Side != "aaaa" || msgs[1].Side != "bbbb" {
		t.Fatalf("messages not ordered by timestamp: %+v", msgs)
	}
}

func TestDeleteAllocationAndChannel(t *testing.T) {
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.InsertAllocation(ctx, "app1", 7, "side-a"); err != nil {
		t.Fatalf("InsertAllocation: %v", err)
	}
	if err := s.InsertAllocation(ctx, "app1", 7, "side-b"); err != nil {
		t.Fatalf("InsertAllocation: %v", err)
	}

	remaining, err := s.DeleteAllocation(ctx, "app1", 7, "side-a")
	if err != nil {
		t.Fatalf("DeleteAllocation: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected 1 remaining allocation, got %d", remaining)
	}

	remaining, err = s.DeleteAllocation(ctx, "app1", 7, "side-b")
	if err != nil {
		t.Fatalf("DeleteAllocation: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected 0 remaining allocations, got %d", remaining)
	}

	if err := s.RecordMessage(ctx, "app1", 7, "side-a", "pake", "aa", time.Now()); err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}
	if err := s.DeleteChannel(ctx, "app1", 7); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	msgs, err := s.Messages(ctx, "app1", 7)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected channel messages to be gone, got %d", len(msgs))
	}
	ids, err := s.AllocatedChannelIDs(ctx, "app1")
	if err != nil {
		t.Fatalf("AllocatedChannelIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no allocated channels, got %v", ids)
	}
}

func TestLastMessageTime(t *testing.T) {
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, ok, err := s.LastMessageTime(ctx, "app1", 1); err != nil || ok {
		t.Fatalf("expected no messages, ok=%v err=%v", ok, err)
	}

	ts := time.Unix(1700000500, 0)
	if err := s.RecordMessage(ctx, "app1", 1, "s", "data", "ff", ts); err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}
	last, ok, err := s.LastMessageTime(ctx, "app1", 1)
	if err != nil || !ok {
		t.Fatalf("expected a message, ok=%v err=%v", ok, err)
	}
	if last.Unix() != ts.Unix() {
		t.Fatalf("expected %v got %v", ts, last)
	}
}
