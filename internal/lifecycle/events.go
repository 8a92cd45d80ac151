package lifecycle

import "context"

// EventTag names a point in the request lifecycle (spec.md §4.7, §9
// "Event hooks → observer interface").
type EventTag string

const (
	EventConfigLoaded   EventTag = "config_loaded"
	EventCacheAccessed  EventTag = "cache_accessed"
	EventOriginFetched  EventTag = "origin_fetched"
	EventResponseReady  EventTag = "response_ready"
	EventResponseSent   EventTag = "response_sent"
	EventFinished       EventTag = "finished"
)

// EventContext carries whatever a sink needs to record an event.
type EventContext struct {
	Root   string
	State  string
	Action string
	Status int
}

// Sink is a polymorphic hook target; spec §9 explicitly rejects mutable
// global hook lists in favor of this interface.
type Sink interface {
	Emit(ctx context.Context, tag EventTag, ec EventContext)
}

// MultiSink fans a single Emit out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, tag EventTag, ec EventContext) {
	for _, s := range m {
		s.Emit(ctx, tag, ec)
	}
}

// NopSink discards every event; used where no sink is configured.
type NopSink struct{}

func (NopSink) Emit(context.Context, EventTag, EventContext) {}
