package wormhole

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vikas-parashar/magic-wormhole/pkg/wormhole/rendezvous"
)

// channelClient is the client-side view of one channel: send (POST) and get
// (subscribe-and-wait) with reflection filtering, per spec.md section 4.2.
//
// Grounded on original_source/src/wormhole/twisted/transcribe.py's Channel
// class (send/get, the received/sent bookkeeping) layered over this
// module's rendezvous.Client.
type channelClient struct {
	relay *rendezvous.Client
	appID string
	cid   int
	side  string

	mu       sync.Mutex
	received map[string]map[string][]byte // phase -> bodyHex -> bodyBytes
	sent     map[string]map[string]struct{}
}

func newChannelClient(relay *rendezvous.Client, appID string, cid int, side string) *channelClient {
	return &channelClient{
		relay:    relay,
		appID:    appID,
		cid:      cid,
		side:     side,
		received: make(map[string]map[string][]byte),
		sent:     make(map[string]map[string]struct{}),
	}
}

// send posts body under phase and merges the returned history into the
// received set.
func (c *channelClient) send(ctx context.Context, phase string, body []byte) error {
	hexBody := hex.EncodeToString(body)

	c.mu.Lock()
	if c.sent[phase] == nil {
		c.sent[phase] = make(map[string]struct{})
	}
	c.sent[phase][hexBody] = struct{}{}
	c.mu.Unlock()

	msgs, _, err := c.relay.Post(ctx, c.appID, c.cid, c.side, phase, hexBody)
	if err != nil {
		return err
	}
	c.merge(msgs)
	return nil
}

func (c *channelClient) merge(msgs []rendezvous.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		body, err := hex.DecodeString(m.Body)
		if err != nil {
			continue
		}
		if c.received[m.Phase] == nil {
			c.received[m.Phase] = make(map[string][]byte)
		}
		c.received[m.Phase][m.Body] = body
	}
}

// peerBody returns a message on phase that is in received but not in sent —
// i.e. one the peer, not this side, posted.
func (c *channelClient) peerBody(phase string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sentSet := c.sent[phase]
	for hexBody, body := range c.received[phase] {
		if _, isOwn := sentSet[hexBody]; !isOwn {
			return body, true
		}
	}
	return nil, false
}

// get returns the first peer message on phase, waiting on a live event
// stream if one isn't already cached. The stream is torn down as soon as a
// matching message is found.
func (c *channelClient) get(ctx context.Context, phase string) ([]byte, error) {
	if body, ok := c.peerBody(phase); ok {
		return body, nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := c.relay.Subscribe(subCtx, c.appID, c.cid)
	for {
		select {
		case ev, ok := <-stream.Events:
			if !ok {
				return nil, fmt.Errorf("wormhole: event stream closed before phase %q arrived", phase)
			}
			if ev.Name == "welcome" {
				var w rendezvous.Welcome
				if err := json.Unmarshal([]byte(ev.Data), &w); err == nil && w.Error != "" {
					return nil, &rendezvous.ServerError{Message: w.Error, RelayURL: c.relay.BaseURL}
				}
				continue
			}
			var m rendezvous.Message
			if err := json.Unmarshal([]byte(ev.Data), &m); err != nil {
				continue
			}
			c.merge([]rendezvous.Message{m})
			if body, ok := c.peerBody(phase); ok {
				return body, nil
			}
		case err := <-stream.Errors:
			_ = err // transport hiccup; the stream reconnects on its own
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
