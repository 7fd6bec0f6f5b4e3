package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/identity"
)

// EventKind names a ledger event.
type EventKind string

const (
	EventDocumentSubmitted EventKind = "DocumentSubmitted"
	EventDocumentVerified  EventKind = "DocumentVerified"
	EventAuthorityGranted  EventKind = "AuthorityGranted"
)

// Event is a notification emitted by a contract operation. Seq is assigned by
// the node and strictly increases.
type Event struct {
	Seq         uint64                  `json:"seq"`
	Kind        EventKind               `json:"kind"`
	Subject     string                  `json:"subject,omitempty"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint,omitempty"`
	Result      *bool                   `json:"result,omitempty"`
	Authority   identity.Address        `json:"authority,omitempty"`
	Timestamp   time.Time               `json:"timestamp"`
}

// DefaultEventBuffer is the number of events retained by a hub.
const DefaultEventBuffer = 1024

// hub retains the most recent events in a ring and wakes long-polling readers.
type hub struct {
	mu      sync.Mutex
	ring    []Event
	next    int
	full    bool
	seq     uint64
	changed chan struct{}
}

func newHub(size int) *hub {
	if size <= 0 {
		size = DefaultEventBuffer
	}
	return &hub{ring: make([]Event, size), changed: make(chan struct{})}
}

func (h *hub) publish(e Event) Event {
	h.mu.Lock()
	h.seq++
	e.Seq = h.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	h.ring[h.next] = e
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.full = true
	}
	close(h.changed)
	h.changed = make(chan struct{})
	h.mu.Unlock()
	return e
}

// since returns up to limit retained events with Seq > after, oldest first,
// and a channel closed on the next publish.
func (h *hub) since(after uint64, limit int) ([]Event, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, start := h.next, 0
	if h.full {
		n, start = len(h.ring), h.next
	}
	var out []Event
	for i := 0; i < n; i++ {
		e := h.ring[(start+i)%len(h.ring)]
		if e.Seq <= after {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, h.changed
}

func (h *hub) head() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// wait blocks until events newer than after exist, the wait elapses, or ctx
// is done. A zero wait returns immediately.
func (h *hub) wait(ctx context.Context, after uint64, limit int, wait time.Duration) ([]Event, error) {
	events, changed := h.since(after, limit)
	if len(events) > 0 || wait <= 0 {
		return events, nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-changed:
			events, changed = h.since(after, limit)
			if len(events) > 0 {
				return events, nil
			}
		}
	}
}

// FetchFunc returns events with Seq > after, blocking for a while if none
// are available yet.
type FetchFunc func(ctx context.Context, after uint64) ([]Event, error)

// Subscription delivers events matching a set of kinds until closed.
type Subscription struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewSubscription starts a goroutine that pulls events via fetch, starting
// after the given sequence number, and delivers those whose kind is in kinds
// (all kinds when empty). Fetch errors are retried after retryDelay.
func NewSubscription(ctx context.Context, fetch FetchFunc, after uint64, retryDelay time.Duration, kinds ...EventKind) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		events: make(chan Event, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	want := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	go func() {
		defer close(s.done)
		defer close(s.events)
		cursor := after
		for ctx.Err() == nil {
			events, err := fetch(ctx, cursor)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(retryDelay):
				}
				continue
			}
			for _, e := range events {
				if e.Seq > cursor {
					cursor = e.Seq
				}
				if len(want) > 0 && !want[e.Kind] {
					continue
				}
				select {
				case s.events <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return s
}

// Events returns the delivery channel. It is closed after Close.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close stops delivery and waits for the pulling goroutine to exit. It is
// safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}
