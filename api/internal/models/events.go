package models

import "sync"

// DomainEvent is anything an aggregate records for later publication.
type DomainEvent interface {
	EventType() string
}

// TenantScoped events carry the tenant they belong to.
type TenantScoped interface {
	EventTenantID() string
}

// EventRecorder buffers pending domain events. Aggregates embed it instead of
// inheriting from a shared base type.
type EventRecorder struct {
	mu      sync.Mutex
	pending []DomainEvent
}

func (r *EventRecorder) Record(events ...DomainEvent) {
	r.mu.Lock()
	r.pending = append(r.pending, events...)
	r.mu.Unlock()
}

// PendingEvents returns a copy of the buffered events without clearing them.
func (r *EventRecorder) PendingEvents() []DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DomainEvent, len(r.pending))
	copy(out, r.pending)
	return out
}

func (r *EventRecorder) ClearEvents() {
	r.mu.Lock()
	r.pending = nil
	r.mu.Unlock()
}

// Drain returns the buffered events and empties the buffer.
func (r *EventRecorder) Drain() []DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pending
	r.pending = nil
	return out
}
