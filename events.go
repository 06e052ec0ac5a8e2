package ssesignal

import (
	"context"
	"encoding/json"
	"fmt"
)

// ServerSentEvents converts a channel of values into a stream of signal update
// events meant for a single SSE response. The first value is diffed against
// the zero value of T, which is what clients start from.
//
// Typical use is inside an HTTP handler:
//
//	sse, err := ssesignal.NewServerSentEvents[Count](r.Context(), "counter", values)
//	...
//	err = ssesignal.Respond(w, r, sse.Events(), nil, nil)
type ServerSentEvents[T any] struct {
	name   string
	events chan *Event
	err    error
}

// NewServerSentEvents starts converting values into events. Conversion stops
// when values is closed, ctx is done or a value can not be marshaled.
func NewServerSentEvents[T any](ctx context.Context, name string, values <-chan T) (*ServerSentEvents[T], error) {
	var zero T
	last, err := json.Marshal(zero)
	if err != nil {
		return nil, fmt.Errorf("marshal zero value of %q: %w", name, err)
	}

	s := &ServerSentEvents[T]{
		name:   name,
		events: make(chan *Event),
	}
	go s.run(ctx, last, values)
	return s, nil
}

func (s *ServerSentEvents[T]) run(ctx context.Context, last json.RawMessage, values <-chan T) {
	defer close(s.events)

	for {
		var v T
		var ok bool
		select {
		case <-ctx.Done():
			return
		case v, ok = <-values:
			if !ok {
				return
			}
		}

		next, err := json.Marshal(v)
		if err != nil {
			s.err = fmt.Errorf("marshal %q: %w", s.name, err)
			return
		}
		update, err := NewUpdateFromJSON(s.name, last, next)
		if err != nil {
			s.err = err
			return
		}
		last = next
		if update.Empty() {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case s.events <- &Event{Event: EventName, Data: update}:
		}
	}
}

// Events returns the channel of generated events. It is closed when the
// conversion stops.
func (s *ServerSentEvents[T]) Events() <-chan *Event {
	return s.events
}

// Err returns the error that stopped the conversion. It is only valid after
// the events channel is closed.
func (s *ServerSentEvents[T]) Err() error {
	return s.err
}
