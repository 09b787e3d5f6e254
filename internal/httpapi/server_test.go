package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vikas-parashar/magic-wormhole/internal/metrics"
	"github.com/vikas-parashar/magic-wormhole/internal/relaycore"
	"github.com/vikas-parashar/magic-wormhole/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := relaycore.New(store, relaycore.Config{
		MaxAllocateTries: 100,
		SweepInterval:    time.Hour,
		SubscriberBuffer: 8,
	}, zap.NewNop(), metrics.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	reg.Start(ctx)
	t.Cleanup(func() {
		cancel()
		reg.Wait()
	})

	return New(reg, metrics.NewRegistry(), zap.NewNop())
}

func postJSON(t *testing.T, srv *Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestAllocateListAndPost(t *testing.T) {
	srv := newTestServer(t)

	rec := postJSON(t, srv, "/app1/allocate", allocateRequest{Side: "aaaa"})
	if rec.Code != http.StatusOK {
		t.Fatalf("allocate status = %d body=%s", rec.Code, rec.Body.String())
	}
	var allocResp allocateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &allocResp); err != nil {
		t.Fatalf("decode allocate response: %v", err)
	}
	if allocResp.ChannelID <= 0 {
		t.Fatalf("expected a positive channel id, got %d", allocResp.ChannelID)
	}

	req := httptest.NewRequest(http.MethodGet, "/app1/list", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	var listResp listResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(listResp.ChannelIDs) != 1 || listResp.ChannelIDs[0] != allocResp.ChannelID {
		t.Fatalf("unexpected channel list: %+v", listResp.ChannelIDs)
	}

	path := "/app1/" + itoa(allocResp.ChannelID)
	rec = postJSON(t, srv, path, postRequest{Side: "aaaa", Phase: "pake", Body: "deadbeef"})
	if rec.Code != http.StatusOK {
		t.Fatalf("post status = %d body=%s", rec.Code, rec.Body.String())
	}
	var msgResp messagesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &msgResp); err != nil {
		t.Fatalf("decode post response: %v", err)
	}
	if len(msgResp.Messages) != 1 || msgResp.Messages[0].Phase != "pake" {
		t.Fatalf("unexpected messages: %+v", msgResp.Messages)
	}
}

func TestGetJSONPolling(t *testing.T) {
	srv := newTestServer(t)
	rec := postJSON(t, srv, "/app1/allocate", allocateRequest{Side: "aaaa"})
	var allocResp allocateResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &allocResp)

	path := "/app1/" + itoa(allocResp.ChannelID)
	postJSON(t, srv, path, postRequest{Side: "aaaa", Phase: "pake", Body: "aa"})

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	var msgResp messagesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &msgResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgResp.Messages) != 1 {
		t.Fatalf("expected 1 message, got %+v", msgResp.Messages)
	}
}

func TestGetEventStreamReplaysHistoryThenLive(t *testing.T) {
	srv := newTestServer(t)
	rec := postJSON(t, srv, "/app1/allocate", allocateRequest{Side: "aaaa"})
	var allocResp allocateResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &allocResp)
	path := "/app1/" + itoa(allocResp.ChannelID)

	postJSON(t, srv, path, postRequest{Side: "aaaa", Phase: "pake", Body: "aa"})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	req.Header.Set("Accept", "text/event-stream")
	rec = httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	postJSON(t, srv, path, postRequest{Side: "bbbb", Phase: "data", Body: "bb"})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	var eventCount int
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "event:") {
			eventCount++
		}
	}
	if eventCount < 1 {
		t.Fatalf("expected at least a welcome event, got body: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "\"phase\":\"pake\"") {
		t.Fatalf("expected replayed history in stream, got: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "\"phase\":\"data\"") {
		t.Fatalf("expected live message in stream, got: %s", rec.Body.String())
	}
}

func TestDeallocateReturnsDeletedWhenLastSide(t *testing.T) {
	srv := newTestServer(t)
	rec := postJSON(t, srv, "/app1/allocate", allocateRequest{Side: "aaaa"})
	var allocResp allocateResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &allocResp)
	path := "/app1/" + itoa(allocResp.ChannelID)

	rec = postJSON(t, srv, path+"/deallocate", deallocateRequest{Side: "aaaa"})
	var dealloc deallocateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &dealloc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dealloc.Status != "deleted" {
		t.Fatalf("expected deleted, got %q", dealloc.Status)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
