package broadcast

import (
	"context"
	"sync"
)

const defaultChannelBuffer = 64

// registration is one observer's delivery channel plus its event-type filter.
// The execution id it watches, if any, is encoded by which index it lives in.
type registration struct {
	ch         chan ProgressEvent
	eventTypes []string
}

// MemoryHub fans progress events out to registered observers. Observers that
// watch a single execution are indexed by execution id, so a publish touches
// only that execution's watchers plus the firehose set, not every subscriber.
type MemoryHub struct {
	mu       sync.Mutex
	nextID   uint64
	byExec   map[string]map[uint64]*registration
	firehose map[uint64]*registration
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		byExec:   make(map[string]map[uint64]*registration),
		firehose: make(map[uint64]*registration),
	}
}

// Publish delivers an event to the execution's watchers and every firehose
// subscriber. Non-blocking: a full channel drops the event for that observer.
// Publishing with no subscribers is a no-op.
func (h *MemoryHub) Publish(ctx context.Context, event ProgressEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, reg := range h.byExec[event.ExecutionID] {
		reg.offer(event)
	}
	for _, reg := range h.firehose {
		reg.offer(event)
	}
	return nil
}

// Subscribe registers an observer. A filter naming an execution id routes the
// observer into that execution's index; an empty one receives everything.
// The returned cancel function removes the registration (observer disconnect).
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan ProgressEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	reg := &registration{
		ch:         make(chan ProgressEvent, defaultChannelBuffer),
		eventTypes: filter.EventTypes,
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if filter.ExecutionID != "" {
		watchers, ok := h.byExec[filter.ExecutionID]
		if !ok {
			watchers = make(map[uint64]*registration)
			h.byExec[filter.ExecutionID] = watchers
		}
		watchers[id] = reg
	} else {
		h.firehose[id] = reg
	}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if filter.ExecutionID != "" {
			if watchers, ok := h.byExec[filter.ExecutionID]; ok {
				delete(watchers, id)
				if len(watchers) == 0 {
					delete(h.byExec, filter.ExecutionID)
				}
			}
		} else {
			delete(h.firehose, id)
		}
		h.mu.Unlock()
	}

	return reg.ch, cancel, nil
}

// offer sends the event if the observer's event-type filter admits it,
// dropping on a full channel so a slow observer never blocks publishing.
func (r *registration) offer(event ProgressEvent) {
	if len(r.eventTypes) > 0 {
		admitted := false
		for _, t := range r.eventTypes {
			if t == event.EventType {
				admitted = true
				break
			}
		}
		if !admitted {
			return
		}
	}
	select {
	case r.ch <- event:
	default:
	}
}
