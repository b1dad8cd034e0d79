// Package notify broadcasts sign-in and sign-out events between client
// instances. Delivery is best-effort and at most once, with no ordering.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"incidentauth/pkg/metrics"
	"incidentauth/pkg/storage"
)

// Event is a cross-instance auth event
type Event string

const (
	EventSignedIn  Event = "signed-in"
	EventSignedOut Event = "signed-out"
)

// Channel is the logical channel name, also used as the sentinel key
const Channel = "incident-auth"

// DefaultDedupeWindow coalesces repeated identical events
const DefaultDedupeWindow = 200 * time.Millisecond

// ErrNoTransport is returned by Notify when neither a hub nor storage is set
var ErrNoTransport = errors.New("no broadcast transport configured")

// Valid reports whether e is a known event
func (e Event) Valid() bool {
	return e == EventSignedIn || e == EventSignedOut
}

// Notifier sends and receives auth events for one instance
type Notifier struct {
	port   *Port
	kv     storage.KV
	window time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[int]func(Event)
	nextID   int
	last     map[Event]time.Time
	written  string
	lastSeen string
}

// Option configures a Notifier
type Option func(*Notifier)

// WithHub uses hub as the primary broadcast transport
func WithHub(hub *Hub) Option {
	return func(n *Notifier) {
		if hub != nil {
			n.port = hub.Open(Channel)
		}
	}
}

// WithStorage enables the durable sentinel fallback over kv
func WithStorage(kv storage.KV) Option {
	return func(n *Notifier) { n.kv = kv }
}

// WithDedupeWindow overrides DefaultDedupeWindow
func WithDedupeWindow(d time.Duration) Option {
	return func(n *Notifier) { n.window = d }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(n *Notifier) { n.logger = logger }
}

// New creates a notifier
func New(opts ...Option) *Notifier {
	n := &Notifier{
		window:   DefaultDedupeWindow,
		now:      time.Now,
		logger:   zap.NewNop(),
		handlers: make(map[int]func(Event)),
		last:     make(map[Event]time.Time),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify broadcasts e to the other instances. The hub is preferred; without
// one, a timestamped sentinel is written to durable storage.
func (n *Notifier) Notify(ctx context.Context, e Event) error {
	if !e.Valid() {
		return fmt.Errorf("unknown event %q", e)
	}

	if n.port != nil {
		n.port.Post(e)
		metrics.RecordBroadcast(string(e), "channel")
		n.logger.Debug("event broadcast", zap.String("event", string(e)))
		return nil
	}

	if n.kv == nil {
		return ErrNoTransport
	}

	sentinel := formatSentinel(e, n.now())
	n.mu.Lock()
	n.written = sentinel
	n.mu.Unlock()

	if err := n.kv.Set(ctx, Channel, sentinel); err != nil {
		return fmt.Errorf("failed to write broadcast sentinel: %w", err)
	}
	metrics.RecordBroadcast(string(e), "storage")
	n.logger.Debug("event written to storage", zap.String("event", string(e)))
	return nil
}

// OnEvent registers fn for events from other instances. The returned
// function unregisters it.
func (n *Notifier) OnEvent(fn func(Event)) (cancel func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.handlers[id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.handlers, id)
	}
}

// Run receives events until ctx is done. It reads the hub port and, when the
// durable store can be watched, the storage sentinel.
func (n *Notifier) Run(ctx context.Context) error {
	var messages <-chan Event
	if n.port != nil {
		messages = n.port.Messages()
	}

	var changes <-chan storage.Change
	if w, ok := n.kv.(storage.Watcher); ok {
		ch, err := w.Watch(ctx)
		if err != nil {
			return fmt.Errorf("failed to watch storage: %w", err)
		}
		changes = ch
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			n.deliver(e)
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if c.Key == "" || c.Key == Channel {
				n.readSentinel(ctx)
			}
		}
	}
}

// Close leaves the hub channel
func (n *Notifier) Close() {
	if n.port != nil {
		n.port.Close()
	}
}

func (n *Notifier) readSentinel(ctx context.Context) {
	value, ok, err := n.kv.Get(ctx, Channel)
	if err != nil {
		n.logger.Warn("failed to read broadcast sentinel", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	n.mu.Lock()
	own := value == n.written
	seen := value == n.lastSeen
	n.lastSeen = value
	n.mu.Unlock()
	if own || seen {
		return
	}

	e, _, err := parseSentinel(value)
	if err != nil {
		n.logger.Debug("ignoring malformed sentinel", zap.String("value", value))
		return
	}
	n.deliver(e)
}

// deliver calls every handler unless e was delivered within the window
func (n *Notifier) deliver(e Event) {
	if !e.Valid() {
		return
	}

	n.mu.Lock()
	now := n.now()
	if prev, ok := n.last[e]; ok && now.Sub(prev) < n.window {
		n.mu.Unlock()
		return
	}
	n.last[e] = now
	handlers := make([]func(Event), 0, len(n.handlers))
	for _, fn := range n.handlers {
		handlers = append(handlers, fn)
	}
	n.mu.Unlock()

	for _, fn := range handlers {
		fn(e)
	}
}

func formatSentinel(e Event, at time.Time) string {
	return fmt.Sprintf("%s:%d", e, at.UnixMilli())
}

func parseSentinel(value string) (Event, time.Time, error) {
	i := strings.LastIndex(value, ":")
	if i < 0 {
		return "", time.Time{}, fmt.Errorf("malformed sentinel %q", value)
	}
	e := Event(value[:i])
	if !e.Valid() {
		return "", time.Time{}, fmt.Errorf("unknown event %q", value[:i])
	}
	ms, err := strconv.ParseInt(value[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed sentinel timestamp: %w", err)
	}
	return e, time.UnixMilli(ms), nil
}
