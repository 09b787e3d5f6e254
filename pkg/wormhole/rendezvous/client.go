// Package rendezvous implements the low-level HTTP+SSE client for the
// wormhole relay's channel protocol: allocate, list, post, get (polling and
// push), and deallocate.
//
// Grounded on the original Python ChannelManager/Channel in
// original_source/src/wormhole/twisted/transcribe.py for the request
// shapes, and on original_source/src/wormhole/blocking/eventsource.py's
// EventSourceFollower for the reconnecting stream reader. The reconnect
// policy is grounded on the r3labs/sse-v2 client's use of
// gopkg.in/cenkalti/backoff.v1; this package uses the actively maintained
// backoff/v4.
package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vikas-parashar/magic-wormhole/internal/sseframe"
)

// Welcome mirrors the relay's welcome payload.
type Welcome struct {
	CurrentVersion string `json:"current_version,omitempty"`
	MOTD           string `json:"motd,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Message is one {phase, body} wire entry; Body is hex-encoded, per
// spec.md section 6.
type Message struct {
	Phase string `json:"phase"`
	Body  string `json:"body"`
}

// ServerError is raised when a welcome payload carries a non-empty "error"
// field (spec.md section 6).
type ServerError struct {
	Message string
	RelayURL string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("rendezvous: relay %s reported an error: %s", e.RelayURL, e.Message)
}

// Client talks to one relay base URL.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New constructs a Client. If httpClient is nil, http.DefaultClient is used.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: baseURL, HTTPClient: httpClient}
}

func (c *Client) url(parts ...string) string {
	u := c.BaseURL
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

func (c *Client) checkWelcome(w Welcome) error {
	if w.Error != "" {
		return &ServerError{Message: w.Error, RelayURL: c.BaseURL}
	}
	return nil
}

// Allocate claims a fresh channel id for side within appID.
func (c *Client) Allocate(ctx context.Context, appID, side string) (channelID int, welcome Welcome, err error) {
	reqBody, _ := json.Marshal(struct {
		Side string `json:"side"`
	}{Side: side})

	var resp struct {
		Welcome   Welcome `json:"welcome"`
		ChannelID int     `json:"channel-id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.url(appID, "allocate"), reqBody, &resp); err != nil {
		return 0, Welcome{}, err
	}
	if err := c.checkWelcome(resp.Welcome); err != nil {
		return 0, resp.Welcome, err
	}
	return resp.ChannelID, resp.Welcome, nil
}

// List returns the channel ids currently allocated for appID.
func (c *Client) List(ctx context.Context, appID string) (ids []int, welcome Welcome, err error) {
	var resp struct {
		Welcome    Welcome `json:"welcome"`
		ChannelIDs []int   `json:"channel-ids"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.url(appID, "list"), nil, &resp); err != nil {
		return nil, Welcome{}, err
	}
	if err := c.checkWelcome(resp.Welcome); err != nil {
		return nil, resp.Welcome, err
	}
	return resp.ChannelIDs, resp.Welcome, nil
}

// Post appends a message to a channel and returns the full message history.
func (c *Client) Post(ctx context.Context, appID string, cid int, side, phase, hexBody string) (messages []Message, welcome Welcome, err error) {
	reqBody, _ := json.Marshal(struct {
		Side  string `json:"side"`
		Phase string `json:"phase"`
		Body  string `json:"body"`
	}{Side: side, Phase: phase, Body: hexBody})

	var resp struct {
		Welcome  Welcome   `json:"welcome"`
		Messages []Message `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.url(appID, strconv.Itoa(cid)), reqBody, &resp); err != nil {
		return nil, Welcome{}, err
	}
	if err := c.checkWelcome(resp.Welcome); err != nil {
		return nil, resp.Welcome, err
	}
	return resp.Messages, resp.Welcome, nil
}

// Snapshot performs the JSON polling read of a channel's full history.
func (c *Client) Snapshot(ctx context.Context, appID string, cid int) (messages []Message, welcome Welcome, err error) {
	var resp struct {
		Welcome  Welcome   `json:"welcome"`
		Messages []Message `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.url(appID, strconv.Itoa(cid)), nil, &resp); err != nil {
		return nil, Welcome{}, err
	}
	if err := c.checkWelcome(resp.Welcome); err != nil {
		return nil, resp.Welcome, err
	}
	return resp.Messages, resp.Welcome, nil
}

// Deallocate removes side's claim on a channel.
func (c *Client) Deallocate(ctx context.Context, appID string, cid int, side string) (status string, err error) {
	reqBody, _ := json.Marshal(struct {
		Side string `json:"side"`
	}{Side: side})

	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.url(appID, strconv.Itoa(cid), "deallocate"), reqBody, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("rendezvous: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("rendezvous: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("rendezvous: %s %s: status %d: %s", method, url, resp.StatusCode, string(data))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StreamEvent is one decoded server-sent event delivered to a subscriber.
type StreamEvent struct {
	Name string
	Data string
}

// Stream is a reconnecting event-source subscription on one channel.
// Events is closed when ctx is canceled.
type Stream struct {
	Events chan StreamEvent
	Errors chan error
}

// Subscribe opens a reconnecting SSE stream on (appID, cid). It reconnects
// with exponential backoff on transport failure, per spec.md section 4.3,
// until ctx is canceled.
func (c *Client) Subscribe(ctx context.Context, appID string, cid int) *Stream {
	s := &Stream{
		Events: make(chan StreamEvent, 16),
		Errors: make(chan error, 1),
	}
	go c.followLoop(ctx, appID, cid, s)
	return s
}

func (c *Client) followLoop(ctx context.Context, appID string, cid int, s *Stream) {
	defer close(s.Events)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // retry indefinitely until ctx is canceled

	for {
		err := c.followOnce(ctx, appID, cid, s)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			select {
			case s.Errors <- err:
			default:
			}
		}

		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) followOnce(ctx context.Context, appID string, cid int, s *Stream) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(appID, strconv.Itoa(cid)), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("rendezvous: subscribe %s/%d: status %d: %s", appID, cid, resp.StatusCode, string(data))
	}

	dec := sseframe.NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		select {
		case s.Events <- StreamEvent{Name: ev.Name, Data: ev.Data}:
		case <-ctx.Done():
			return nil
		}
	}
}
