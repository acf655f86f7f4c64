package streaming

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/stepflow/pkg/schema"
)

const defaultChannelBuffer = 64

// ErrHubClosed is returned by Subscribe and Publish after Close.
var ErrHubClosed = errors.New("streaming: hub closed")

// EventFilter selects the events a subscriber receives. Empty fields match
// everything.
type EventFilter struct {
	InstanceID   string             `json:"instanceId,omitempty"`
	DefinitionID string             `json:"definitionId,omitempty"`
	Types        []schema.EventType `json:"types,omitempty"`
}

// Matches reports whether ev passes the filter.
func (f EventFilter) Matches(ev schema.WorkflowEvent) bool {
	if f.InstanceID != "" && f.InstanceID != ev.InstanceID {
		return false
	}
	if f.DefinitionID != "" && f.DefinitionID != ev.DefinitionID {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, ev.Type)
}

type subscriber struct {
	ch     chan schema.WorkflowEvent
	filter EventFilter
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub fans engine events out to in-process subscribers over buffered
// channels. A subscriber that falls behind loses events rather than slowing
// the engine.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Int64
	buffer  int
	closed  bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// NewHub creates an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[uint64]*subscriber),
		buffer: defaultChannelBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish delivers ev to every matching subscriber without blocking.
func (h *Hub) Publish(ctx context.Context, ev schema.WorkflowEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}

	for _, sub := range h.subs {
		if !sub.filter.Matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber. The returned cancel func removes it and
// closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.WorkflowEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	sub := &subscriber{ch: make(chan schema.WorkflowEvent, h.buffer), filter: filter}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrHubClosed
	}
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel, nil
}

// Handler adapts the hub to an engine event handler.
func (h *Hub) Handler() func(context.Context, schema.WorkflowEvent) error {
	return func(ctx context.Context, ev schema.WorkflowEvent) error {
		err := h.Publish(context.WithoutCancel(ctx), ev)
		if errors.Is(err, ErrHubClosed) {
			return nil
		}
		return err
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close closes every subscriber channel and rejects further use.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		sub.close()
		delete(h.subs, id)
	}
}
