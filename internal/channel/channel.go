// Package channel implements the shared-state channel: a publish/subscribe
// layer over a durable key/value backend that lets independent views agree
// on shared mutable state without a server round-trip.
//
// The channel has two observable outputs for every write: the persisted
// store and a synchronous in-process broadcast. A value written through one
// Channel is visible to any fresh reader of the same backend even when no
// event is observed, and subscribers registered on the writing Channel see
// the new value before Write returns.
//
// Writes made through other Channels sharing the backend (other processes,
// or other "tabs" in one process) arrive through Run, which pumps the
// backend's Watcher into Deliver. A Channel never receives its own writes
// back through that path.
//
// The channel is best-effort: reads degrade to the caller's fallback and
// writes degrade to no-ops. Nothing in Read, Write or Subscribe returns an
// error or panics on bad data.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"statesync/internal/logging"
	"statesync/internal/store"

	"github.com/google/uuid"
)

// ErrUnavailable is returned by the versioned operations when the channel
// has no backend (the equivalent of running outside a browsing context).
var ErrUnavailable = errors.New("channel: no backing store")

// DefaultUpdateRetries bounds Update's compare-and-swap loop.
const DefaultUpdateRetries = 8

// slowUpdate is when an Update is reported on the performance log.
const slowUpdate = 250 * time.Millisecond

// ChangeEvent is the ephemeral notification fanned out to subscribers.
type ChangeEvent struct {
	Key     string
	Value   string // serialized JSON
	Version int64
	Origin  string
	Local   bool // dispatched by this channel's own write
}

// Channel is one participant in the shared state: the Go counterpart of a
// browser tab. A nil *Channel is valid and behaves like a channel without a
// backend.
type Channel struct {
	backend store.Backend
	origin  string
	retries int
	audit   *logging.AuditLogger

	mu     sync.Mutex
	subs   map[string][]*subscription
	nextID uint64
}

type subscription struct {
	id      uint64
	key     string
	deliver func(ChangeEvent) bool // false when the payload did not decode
	active  atomic.Bool
}

// Option configures a Channel.
type Option func(*Channel)

// WithOrigin fixes the channel's origin id instead of generating one.
func WithOrigin(origin string) Option {
	return func(c *Channel) { c.origin = origin }
}

// WithUpdateRetries sets the compare-and-swap attempt budget for Update.
func WithUpdateRetries(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.retries = n
		}
	}
}

// New returns a channel over backend. backend may be nil, in which case
// reads return their fallback and writes do nothing.
func New(backend store.Backend, opts ...Option) *Channel {
	c := &Channel{
		backend: backend,
		origin:  uuid.NewString(),
		retries: DefaultUpdateRetries,
		subs:    make(map[string][]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.audit = logging.Audit(c.origin)
	logging.ChannelDebug("Channel %s created (backend=%T)", c.origin, backend)
	return c
}

// Origin returns the id stamped on every entry this channel writes.
func (c *Channel) Origin() string {
	if c == nil {
		return ""
	}
	return c.origin
}

func (c *Channel) available() bool {
	return c != nil && c.backend != nil
}

// Read returns the value stored under key decoded as T, or fallback when
// the key is absent, the stored value does not decode, or the backend
// cannot be read.
func Read[T any](c *Channel, key string, fallback T) T {
	v, _ := ReadVersioned(c, key, fallback)
	return v
}

// ReadVersioned is Read plus the version of the stored entry (0 when the
// key is absent). The version is reported even when decoding fails so a
// caller can overwrite a corrupt value with WriteVersioned.
func ReadVersioned[T any](c *Channel, key string, fallback T) (T, int64) {
	if !c.available() {
		return fallback, 0
	}

	e, err := c.backend.Get(key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.Get(logging.CategoryChannel).Warn("Read %q: %v", key, err)
		}
		return fallback, 0
	}

	var v T
	if err := json.Unmarshal([]byte(e.Value), &v); err != nil {
		logging.ChannelDebug("Read %q: undecodable value, using fallback: %v", key, err)
		return fallback, e.Version
	}
	return v, e.Version
}

// Write persists value under key and then synchronously dispatches the
// change to every live subscriber of key, in registration order. If value
// cannot be serialized or persisted, nothing is stored and nothing is
// dispatched.
func (c *Channel) Write(key string, value any) {
	if _, err := c.Put(key, value); err != nil && !errors.Is(err, ErrUnavailable) {
		logging.Get(logging.CategoryChannel).Warn("Write %q: %v", key, err)
	}
}

// Put is Write for callers that need the outcome: it returns the stored
// version, or the error that kept the value from being stored (in which
// case nothing was dispatched).
func (c *Channel) Put(key string, value any) (int64, error) {
	if !c.available() {
		return 0, ErrUnavailable
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.audit.EntryDropped(key, err)
		return 0, fmt.Errorf("serialize %q: %w", key, err)
	}

	e, err := c.backend.Put(key, string(data), c.origin)
	if err != nil {
		c.audit.EntryDropped(key, err)
		return 0, fmt.Errorf("persist %q: %w", key, err)
	}

	c.audit.EntryWrite(key, e.Version)
	c.dispatch(eventFromEntry(e, true))
	return e.Version, nil
}

// WriteVersioned writes value only if the stored version of key still
// equals expected (0 meaning "absent"). On success it dispatches like Write
// and returns the new version. On conflict it returns store.ErrConflict and
// leaves both the store and subscribers untouched.
func (c *Channel) WriteVersioned(key string, value any, expected int64) (int64, error) {
	if !c.available() {
		return 0, ErrUnavailable
	}

	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("serialize %q: %w", key, err)
	}

	e, err := c.backend.CompareAndPut(key, string(data), c.origin, expected)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			c.audit.EntryConflict(key, expected)
		}
		return 0, fmt.Errorf("write %q: %w", key, err)
	}

	c.audit.EntryWrite(key, e.Version)
	c.dispatch(eventFromEntry(e, true))
	return e.Version, nil
}

// Update applies fn to the current value of key (or fallback) and writes
// the result with compare-and-swap, re-reading and retrying when another
// writer got there first. An error from fn aborts without writing.
// fn must not mutate its argument when it returns an error.
func Update[T any](c *Channel, key string, fallback T, fn func(T) (T, error)) (T, error) {
	if !c.available() {
		return fallback, ErrUnavailable
	}

	timer := logging.StartTimer(logging.CategoryChannel, "Update "+key)
	defer timer.StopWithThreshold(slowUpdate)

	for attempt := 1; attempt <= c.retries; attempt++ {
		current, version := ReadVersioned(c, key, fallback)
		next, err := fn(current)
		if err != nil {
			return current, err
		}
		_, err = c.WriteVersioned(key, next, version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return current, err
		}
		logging.ChannelDebug("Update %q: conflict on attempt %d at v%d", key, attempt, version)
	}
	return fallback, fmt.Errorf("update %q: gave up after %d attempts: %w", key, c.retries, store.ErrConflict)
}

// Subscribe registers handler for changes to key and returns a function
// that cancels the registration. Payloads that do not decode as T are
// dropped for this handler. The cancel function may be called any number
// of times, including after Close.
func Subscribe[T any](c *Channel, key string, handler func(T)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	return c.SubscribeEvents(key, func(ev ChangeEvent) bool {
		var v T
		if err := json.Unmarshal([]byte(ev.Value), &v); err != nil {
			return false
		}
		handler(v)
		return true
	})
}

// SubscribeEvents registers a raw event handler. handler reports whether it
// accepted the payload; rejected payloads are logged at debug level.
func (c *Channel) SubscribeEvents(key string, handler func(ChangeEvent) bool) (unsubscribe func()) {
	if c == nil || handler == nil {
		return func() {}
	}

	c.mu.Lock()
	c.nextID++
	s := &subscription{id: c.nextID, key: key, deliver: handler}
	s.active.Store(true)
	c.subs[key] = append(c.subs[key], s)
	c.mu.Unlock()

	return func() { c.remove(s) }
}

func (c *Channel) remove(s *subscription) {
	if !s.active.CompareAndSwap(true, false) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.subs[s.key]
	for i, other := range list {
		if other.id == s.id {
			// Copy so an in-flight dispatch keeps iterating its own snapshot.
			next := make([]*subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(c.subs, s.key)
			} else {
				c.subs[s.key] = next
			}
			return
		}
	}
}

// Subscribers returns how many live handlers are registered for key.
func (c *Channel) Subscribers(key string) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[key])
}

// Deliver is the entry point for cross-context notifications. Events
// carrying this channel's own origin are ignored.
func (c *Channel) Deliver(ev ChangeEvent) {
	if c == nil || ev.Origin == c.origin {
		return
	}
	ev.Local = false
	c.dispatch(ev)
}

// Run pumps the backend's change notifications into Deliver until ctx is
// done. Handlers for those notifications run on Run's goroutine. Backends
// without a Watcher simply block until ctx is done.
func (c *Channel) Run(ctx context.Context) error {
	if !c.available() {
		<-ctx.Done()
		return nil
	}

	w, ok := c.backend.(store.Watcher)
	if !ok {
		logging.Channel("Channel %s: backend %T has no change feed", c.origin, c.backend)
		<-ctx.Done()
		return nil
	}

	logging.Channel("Channel %s: listening for cross-context changes", c.origin)
	return w.Watch(ctx, c.origin, func(e store.Entry) {
		c.Deliver(eventFromEntry(e, false))
	})
}

// Keys lists every key present in the backend.
func (c *Channel) Keys() ([]string, error) {
	if !c.available() {
		return nil, ErrUnavailable
	}
	return c.backend.Keys()
}

// Close drops every subscription. Outstanding unsubscribe functions remain
// safe to call.
func (c *Channel) Close() {
	if c == nil {
		return
	}

	c.mu.Lock()
	all := c.subs
	c.subs = make(map[string][]*subscription)
	c.mu.Unlock()

	for _, list := range all {
		for _, s := range list {
			s.active.Store(false)
		}
	}
}

func (c *Channel) dispatch(ev ChangeEvent) {
	c.mu.Lock()
	snapshot := c.subs[ev.Key]
	c.mu.Unlock()

	for _, s := range snapshot {
		if !s.active.Load() {
			continue
		}
		c.invoke(s, ev)
	}
}

func (c *Channel) invoke(s *subscription, ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryChannel).Error("Subscriber %d for %q panicked: %v", s.id, ev.Key, r)
		}
	}()
	if !s.deliver(ev) {
		logging.ChannelDebug("Dropped undecodable payload for %q (subscriber %d)", ev.Key, s.id)
	}
}

func eventFromEntry(e store.Entry, local bool) ChangeEvent {
	return ChangeEvent{
		Key:     e.Key,
		Value:   e.Value,
		Version: e.Version,
		Origin:  e.Origin,
		Local:   local,
	}
}
