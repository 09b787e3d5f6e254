package sseframe

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestEncoderDefaultEventFraming(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.WriteEvent("", `{"phase":"pake"}`); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	want := "data: {\"phase\":\"pake\"}\n\n"
	if buf.String() != want {
		t.Fatalf("got %q want %q", buf.String(), want)
	}
}

func TestEncoderNamedEventSingleBlankLine(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.WriteEvent("welcome", `{"motd":"hi"}`); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	got := buf.String()
	if strings.Count(got, "\n\n") != 1 {
		t.Fatalf("expected exactly one blank-line terminator, got %q", got)
	}
	if !strings.HasPrefix(got, "event: welcome\n") {
		t.Fatalf("expected event header first, got %q", got)
	}
}

func TestDecoderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	_ = enc.WriteComment("keepalive")
	_ = enc.WriteEvent("welcome", `{"current_version":"1.0"}`)
	_ = enc.WriteEvent("", `{"phase":"pake","body":"aa"}`)

	dec := NewDecoder(&buf)

	ev1, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev1.Name != "welcome" || ev1.Data != `{"current_version":"1.0"}` {
		t.Fatalf("unexpected event: %+v", ev1)
	}

	ev2, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev2.Name != DefaultEvent || ev2.Data != `{"phase":"pake","body":"aa"}` {
		t.Fatalf("unexpected event: %+v", ev2)
	}

	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestDecoderMultilineData(t *testing.T) {
	raw := "data: line1\ndata: line2\n\n"
	dec := NewDecoder(strings.NewReader(raw))
	ev, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Data != "line1\nline2" {
		t.Fatalf("got %q", ev.Data)
	}
}
