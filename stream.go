package ssesignal

import "sort"

// EventName is the SSE event type of signal updates. Browsers dispatch it to
// the EventSource onmessage handler.
const EventName = "message"

// FilterFn is a callback function used to mutate event stream for individual
// subscriptions. This function will be invoked for each event before sending it
// to the client, result of this function will be sent instead of original
// event. If this function returns `nil` event will be omitted.
//
// Original event passed to this function should NOT be mutated. Filtering
// function with the same event data will be called in separate per-subscriber
// go-routines. Event mutation will cause guaranteed data race condition. If
// event needs to be altered fresh copy needs to be returned.
type FilterFn func(e *Event) *Event

// NamesFilter returns a filter passing only updates of the given signals.
func NamesFilter(names ...string) FilterFn {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return func(e *Event) *Event {
		u, ok := e.Data.(*Update)
		if !ok {
			return e
		}
		if _, ok := set[u.Name]; ok {
			return e
		}
		return nil
	}
}

// applyChanFilter runs every event from source through f. Omitted events
// carrying an ID are replaced with ID markers, so the client last event ID
// keeps pointing at the server stream position.
func applyChanFilter(source <-chan *Event, f FilterFn) <-chan *Event {
	if f == nil {
		return source
	}

	sink := make(chan *Event, cap(source))
	go func() {
		defer close(sink)
		for event := range source {
			if event.isMarker() {
				sink <- event
				continue
			}
			filtered := f(event)
			switch {
			case filtered != nil:
				sink <- filtered
			case event.ID != "":
				sink <- &Event{ID: event.ID}
			}
		}
	}()
	return sink
}

// prependStream takes slice and channel of events and and produces new channel
// that will contain all events in the slice followed by the events in source
// channel. If source channel is nil it will be ignored an only events in the
// slice will be used.
func prependStream(events []Event, source <-chan *Event) <-chan *Event {
	sink := make(chan *Event)
	go func() {
		defer close(sink)
		// Stream static events
		for i := range events {
			sink <- &events[i]
		}
		// Exit if source stream is missing, this allows to reuse this
		// function for generating stream from slice only
		if source == nil {
			return
		}
		// Restream source channel
		for event := range source {
			sink <- event
		}
	}()
	return sink
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
