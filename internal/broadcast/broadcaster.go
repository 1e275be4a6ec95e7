// Package broadcast fans campaign progress out to live observers.
//
// Publishing never blocks the send path. A subscriber that falls behind
// loses its oldest buffered events.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/mailcast/internal/metrics"
)

// DefaultBuffer is the per-subscriber buffer when none is given
const DefaultBuffer = 64

// Options configures a Broadcaster
type Options struct {
	Buffer int
	Logger *slog.Logger
}

// Broadcaster delivers events to every current subscriber
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	forward func(Event)
	logger  *slog.Logger
}

// New creates a broadcaster
func New(opts Options) *Broadcaster {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[*Subscription]struct{}),
		buffer: opts.Buffer,
		logger: opts.Logger.With("component", "broadcast"),
	}
}

// Subscription receives events until closed
type Subscription struct {
	C <-chan Event

	ch     chan Event
	b      *Broadcaster
	mu     sync.Mutex
	once   sync.Once
	closed bool
}

// Subscribe registers a subscriber. buffer <= 0 uses the broadcaster default.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = b.buffer
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, b: b}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()

	metrics.SetBroadcastSubscribers(n)
	return s
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		n := len(s.b.subs)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.b.mu.Unlock()

		metrics.SetBroadcastSubscribers(n)
	})
}

// offer enqueues e, evicting the oldest event when the buffer is full
func (s *Subscription) offer(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- e:
		return
	default:
	}

	select {
	case <-s.ch:
		metrics.IncBroadcastDropped()
	default:
	}

	select {
	case s.ch <- e:
	default:
		metrics.IncBroadcastDropped()
	}
}

// Publish delivers e to local subscribers and hands it to the relay, if any
func (b *Broadcaster) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.deliver(e)

	b.mu.RLock()
	forward := b.forward
	b.mu.RUnlock()
	if forward != nil {
		forward(e)
	}
}

// deliver sends e to local subscribers only
func (b *Broadcaster) deliver(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		s.offer(e)
	}
}

// Count returns the number of subscribers
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) setForward(fn func(Event)) {
	b.mu.Lock()
	b.forward = fn
	b.mu.Unlock()
}
