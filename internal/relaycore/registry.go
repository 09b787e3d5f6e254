// Package relaycore implements the rendezvous relay's channel registry: per
// -app channel allocation, the append-only message log, subscriber fan-out,
// and the periodic expiration sweep described in spec.md sections 3, 4.1,
// and 9.
//
// All mutable state is owned by a single goroutine (Registry.run), following
// the select-loop actor pattern used by the event-publishing server in
// other_examples/d7a464ea_launchdarkly-eventsource__server.go.go. Every
// public method hands a closure to that goroutine and blocks for its
// result, so no state is ever touched from two goroutines at once — the
// Go equivalent of spec.md section 5's "no locks required" discipline.
package relaycore

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/vikas-parashar/magic-wormhole/internal/metrics"
	"github.com/vikas-parashar/magic-wormhole/internal/storage"
)

// Welcome is the server metadata object attached to every response and
// pushed as the first event on a stream (spec.md section 6).
type Welcome struct {
	CurrentVersion string `json:"current_version,omitempty"`
	MOTD           string `json:"motd,omitempty"`
	Error          string `json:"error,omitempty"`
}

// WireMessage is the {phase, body} pair returned to clients; body is
// hex-encoded and opaque to the relay.
type WireMessage struct {
	Phase string `json:"phase"`
	Body  string `json:"body"`
}

// Config configures a Registry.
type Config struct {
	ExpirationWindow time.Duration
	SweepInterval    time.Duration
	SubscriberBuffer int
	MaxAllocateTries int
	Welcome          Welcome
}

type channelState struct {
	id       int
	messages []WireMessage
	lastSeen time.Time
	sides    map[string]struct{}
	subs     map[*Subscription]struct{}
}

type appState struct {
	channels map[int]*channelState
}

// Subscription is a live event-stream registration for one (app, channel).
// Events is buffered; a full buffer causes the registry to drop the write
// for that subscriber only (spec.md section 5: fan-out failures are
// per-subscriber).
type Subscription struct {
	Events chan WireMessage
	app    string
	cid    int
}

// Registry owns all app/channel state for the relay.
type Registry struct {
	store   *storage.Store
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Registry

	ops  chan func()
	done chan struct{}

	apps map[string]*appState
}

// New constructs a Registry. Call Start to begin processing.
func New(store *storage.Store, cfg Config, logger *zap.Logger, metricsRegistry *metrics.Registry) *Registry {
	return &Registry{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metricsRegistry,
		ops:     make(chan func()),
		done:    make(chan struct{}),
		apps:    make(map[string]*appState),
	}
}

// Seed rebuilds in-memory app/channel state from the durable store, so a
// restarted process resumes with the same channels, sides, and message
// history its clients already observed (spec.md section 5: the database is
// the durable source of truth, the in-memory registry a cache of it). Call
// before Start, while only the calling goroutine touches the registry.
func (r *Registry) Seed(ctx context.Context) error {
	appIDs, err := r.store.Apps(ctx)
	if err != nil {
		return fmt.Errorf("relaycore: seed apps: %w", err)
	}

	for _, appID := range appIDs {
		cids, err := r.store.AllocatedChannelIDs(ctx, appID)
		if err != nil {
			return fmt.Errorf("relaycore: seed channel ids for %q: %w", appID, err)
		}
		for _, cid := range cids {
			sides, err := r.store.ChannelSides(ctx, appID, cid)
			if err != nil {
				return fmt.Errorf("relaycore: seed sides for %q/%d: %w", appID, cid, err)
			}
			if len(sides) == 0 {
				continue
			}

			msgs, err := r.store.Messages(ctx, appID, cid)
			if err != nil {
				return fmt.Errorf("relaycore: seed messages for %q/%d: %w", appID, cid, err)
			}

			lastSeen, ok, err := r.store.LastMessageTime(ctx, appID, cid)
			if err != nil {
				return fmt.Errorf("relaycore: seed last message time for %q/%d: %w", appID, cid, err)
			}
			if !ok {
				lastSeen = time.Now()
			}

			c := r.spawnChannel(appID, cid)
			for _, side := range sides {
				c.sides[side] = struct{}{}
			}
			for _, m := range msgs {
				c.messages = append(c.messages, WireMessage{Phase: m.Phase, Body: m.Body})
			}
			c.lastSeen = lastSeen
		}
	}
	return nil
}

// Start launches the registry's actor goroutine and its expiration sweep
// timer. It returns once the loop has been started; the loop itself runs
// until ctx is canceled.
func (r *Registry) Start(ctx context.Context) {
	go r.run(ctx)
}

// Wait blocks until the actor loop has exited (after ctx cancellation).
func (r *Registry) Wait() {
	<-r.done
}

func (r *Registry) run(ctx context.Context) {
	defer close(r.done)

	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = 2 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-r.ops:
			fn()
		case <-ticker.C:
			r.sweepLocked(ctx)
		}
	}
}

// call runs fn on the actor goroutine and blocks until it completes.
func (r *Registry) call(fn func()) {
	done := make(chan struct{})
	r.ops <- func() {
		fn()
		close(done)
	}
	<-done
}

func (r *Registry) app(appID string) *appState {
	a, ok := r.apps[appID]
	if !ok {
		a = &appState{channels: make(map[int]*channelState)}
		r.apps[appID] = a
	}
	return a
}

func (r *Registry) channel(appID string, cid int) (*channelState, bool) {
	a, ok := r.apps[appID]
	if !ok {
		return nil, false
	}
	c, ok := a.channels[cid]
	return c, ok
}

func (r *Registry) spawnChannel(appID string, cid int) *channelState {
	a := r.app(appID)
	c, ok := a.channels[cid]
	if !ok {
		c = &channelState{
			id:       cid,
			sides:    make(map[string]struct{}),
			subs:     make(map[*Subscription]struct{}),
			lastSeen: time.Now(),
		}
		a.channels[cid] = c
		r.logger.Info("spawning channel", zap.String("app_id", appID), zap.Int("channel_id", cid))
		if r.metrics != nil {
			r.metrics.Channels.Active.Inc()
		}
	}
	return c
}

// Allocate claims a fresh channel id for side within appID, using the
// digit-range-then-random scheme in spec.md section 4.1.
func (r *Registry) Allocate(ctx context.Context, appID, side string) (channelID int, welcome Welcome, err error) {
	r.call(func() {
		a := r.app(appID)
		cid, allocErr := allocateID(a.channels, r.cfg.MaxAllocateTries)
		if allocErr != nil {
			err = allocErr
			if r.metrics != nil {
				r.metrics.Allocations.Failed.Inc()
			}
			return
		}
		c := r.spawnChannel(appID, cid)
		c.sides[side] = struct{}{}
		c.lastSeen = time.Now()
		channelID = cid
		welcome = r.cfg.Welcome

		if storeErr := r.store.InsertAllocation(ctx, appID, cid, side); storeErr != nil {
			r.logger.Error("persist allocation failed", zap.Error(storeErr))
		}
		r.logger.Info("allocated channel",
			zap.String("app_id", appID), zap.Int("channel_id", cid),
			zap.Int("live_channels", len(a.channels)))
	})
	return channelID, welcome, err
}

// allocateID picks the smallest-digit-count range (1-9, 10-99, 100-999)
// that still has a free id, choosing uniformly among the free ids in that
// range; it falls back to random draws in [1000, 10^6) for maxTries
// attempts.
func allocateID(allocated map[int]*channelState, maxTries int) (int, error) {
	for size := 1; size <= 3; size++ {
		lo := pow10(size - 1)
		hi := pow10(size)
		var free []int
		for cid := lo; cid < hi; cid++ {
			if _, ok := allocated[cid]; !ok {
				free = append(free, cid)
			}
		}
		if len(free) > 0 {
			return free[rand.Intn(len(free))], nil
		}
	}
	if maxTries <= 0 {
		maxTries = 1000
	}
	for i := 0; i < maxTries; i++ {
		cid := 1000 + rand.Intn(1000*1000-1000)
		if _, ok := allocated[cid]; !ok {
			return cid, nil
		}
	}
	return 0, fmt.Errorf("relaycore: unable to find a free channel id")
}

func pow10(n int) int {
	v := 1
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

// List returns the sorted, distinct allocated channel ids for appID.
func (r *Registry) List(appID string) (ids []int, welcome Welcome) {
	r.call(func() {
		welcome = r.cfg.Welcome
		a, ok := r.apps[appID]
		if !ok {
			return
		}
		for cid := range a.channels {
			ids = append(ids, cid)
		}
	})
	sortInts(ids)
	return ids, welcome
}

func sortInts(ids []int) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// Post appends a message to a channel, persists it, fans it out to live
// subscribers, and returns the full message history (spec.md section 4.1).
func (r *Registry) Post(ctx context.Context, appID string, cid int, side, phase, body string) (messages []WireMessage, welcome Welcome, err error) {
	now := time.Now()
	if storeErr := r.store.RecordMessage(ctx, appID, cid, side, phase, body, now); storeErr != nil {
		return nil, Welcome{}, fmt.Errorf("relaycore: record message: %w", storeErr)
	}
	if r.metrics != nil {
		r.metrics.Messages.Stored.Inc()
	}

	r.call(func() {
		c := r.spawnChannel(appID, cid)
		c.sides[side] = struct{}{}
		c.lastSeen = now
		msg := WireMessage{Phase: phase, Body: body}
		c.messages = append(c.messages, msg)
		messages = append([]WireMessage(nil), c.messages...)
		welcome = r.cfg.Welcome

		for sub := range c.subs {
			select {
			case sub.Events <- msg:
				if r.metrics != nil {
					r.metrics.Messages.Delivered.Inc()
				}
			default:
				if r.metrics != nil {
					r.metrics.Messages.Dropped.Inc()
				}
			}
		}
	})
	return messages, welcome, err
}

// Snapshot returns the welcome payload and full message history for a
// channel without registering a subscription — used by the JSON polling
// GET. The SSE push handler takes its initial replay from SubscribeLive
// instead, which copies the same message log in the actor tick that
// registers the subscriber.
func (r *Registry) Snapshot(appID string, cid int) (welcome Welcome, messages []WireMessage) {
	r.call(func() {
		welcome = r.cfg.Welcome
		c, ok := r.channel(appID, cid)
		if !ok {
			return
		}
		messages = append([]WireMessage(nil), c.messages...)
	})
	return welcome, messages
}

// SubscribeLive registers a live subscriber and returns the existing
// message history in the same actor tick, so there is no gap between the
// replayed history and subsequently fanned-out messages.
func (r *Registry) SubscribeLive(appID string, cid int) (sub *Subscription, welcome Welcome, messages []WireMessage) {
	r.call(func() {
		c := r.spawnChannel(appID, cid)
		welcome = r.cfg.Welcome
		messages = append([]WireMessage(nil), c.messages...)
		buf := r.cfg.SubscriberBuffer
		if buf <= 0 {
			buf = 16
		}
		sub = &Subscription{Events: make(chan WireMessage, buf), app: appID, cid: cid}
		c.subs[sub] = struct{}{}
		if r.metrics != nil {
			r.metrics.Subscribers.Active.Inc()
		}
	})
	return sub, welcome, messages
}

// Unsubscribe removes a live subscription. Safe to call more than once.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	r.call(func() {
		c, ok := r.channel(sub.app, sub.cid)
		if !ok {
			return
		}
		if _, present := c.subs[sub]; present {
			delete(c.subs, sub)
			if r.metrics != nil {
				r.metrics.Subscribers.Active.Dec()
			}
		}
	})
}

// Deallocate removes side's claim on a channel. If no allocations remain,
// the channel is freed entirely (messages and allocations deleted) and any
// live subscribers are disconnected.
func (r *Registry) Deallocate(ctx context.Context, appID string, cid int, side string) (status string, err error) {
	r.call(func() {
		c, ok := r.channel(appID, cid)
		if !ok {
			status = "deleted"
			return
		}
		delete(c.sides, side)
		if len(c.sides) > 0 {
			status = "waiting"
			return
		}
		status = "deleted"
		r.freeChannelLocked(appID, cid, c)
	})
	if err == nil {
		if _, dbErr := r.store.DeleteAllocation(ctx, appID, cid, side); dbErr != nil {
			// Best-effort: the in-memory decision above is authoritative for
			// this process; surface the persistence error but don't flip
			// the already-decided status.
			r.logger.Warn("persist deallocate failed", zap.Error(dbErr))
		}
		if status == "deleted" {
			if dbErr := r.store.DeleteChannel(ctx, appID, cid); dbErr != nil {
				r.logger.Warn("persist channel deletion failed", zap.Error(dbErr))
			}
		}
	}
	return status, err
}

// freeChannelLocked removes a channel from the registry and disconnects its
// subscribers. Must be called from within the actor loop.
func (r *Registry) freeChannelLocked(appID string, cid int, c *channelState) {
	for sub := range c.subs {
		close(sub.Events)
	}
	a := r.apps[appID]
	delete(a.channels, cid)
	if r.metrics != nil {
		r.metrics.Channels.Active.Dec()
		r.metrics.Subscribers.Active.Sub(float64(len(c.subs)))
	}
	r.logger.Info("freed channel", zap.String("app_id", appID), zap.Int("channel_id", cid),
		zap.Int("live_channels", len(a.channels)))
	if len(a.channels) == 0 {
		delete(r.apps, appID)
	}
}

// sweepLocked frees channels whose newest message is older than the
// expiration window, or which have no messages at all. It snapshots the set
// of channel ids per app before iterating, since freeing mutates the live
// map (spec.md section 9's Open Question about iterating a copied key set).
//
// Must be called directly from the actor loop in run(), never through call:
// call's r.ops <- fn send only completes once run() reaches the next
// select iteration, but run() invokes sweepLocked from inside its own
// select, so routing it through call would block forever waiting for a
// receiver that is itself blocked on the send.
func (r *Registry) sweepLocked(ctx context.Context) {
	window := r.cfg.ExpirationWindow
	if window <= 0 {
		window = 3 * 24 * time.Hour
	}
	cutoff := time.Now().Add(-window)

	appIDs := make([]string, 0, len(r.apps))
	for id := range r.apps {
		appIDs = append(appIDs, id)
	}
	for _, appID := range appIDs {
		a, ok := r.apps[appID]
		if !ok {
			continue
		}
		cids := make([]int, 0, len(a.channels))
		for cid := range a.channels {
			cids = append(cids, cid)
		}
		for _, cid := range cids {
			c, ok := a.channels[cid]
			if !ok {
				continue
			}
			if len(c.messages) == 0 || c.lastSeen.Before(cutoff) {
				r.logger.Info("expiring channel", zap.String("app_id", appID), zap.Int("channel_id", cid))
				r.freeChannelLocked(appID, cid, c)
				if r.metrics != nil {
					r.metrics.Sweeps.Evicted.Inc()
				}
				if err := r.store.DeleteChannel(ctx, appID, cid); err != nil {
					r.logger.Warn("persist sweep deletion failed", zap.Error(err))
				}
			}
		}
	}
}
