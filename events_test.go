package ssesignal

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, events <-chan *Event) []*Event {
	var out []*Event
	timeout := time.After(time.Second)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatal("events channel was not closed")
			return nil
		}
	}
}

func TestServerSentEvents(t *testing.T) {
	values := make(chan count, 4)
	values <- count{Value: 0}
	values <- count{Value: 1}
	values <- count{Value: 1}
	values <- count{Value: 2}
	close(values)

	sse, err := NewServerSentEvents[count](context.Background(), "counter", values)
	require.NoError(t, err)

	events := collect(t, sse.Events())
	require.NoError(t, sse.Err())

	// unchanged values do not generate events
	require.Len(t, events, 2)
	assert.Equal(t, &Event{Event: EventName, Data: updateEvent(t, "", "counter", count{}, count{Value: 1}).Data}, events[0])
	assert.Equal(t, &Event{Event: EventName, Data: updateEvent(t, "", "counter", count{Value: 1}, count{Value: 2}).Data}, events[1])
}

func TestServerSentEventsContext(t *testing.T) {
	values := make(chan count)
	ctx, cancel := context.WithCancel(context.Background())

	sse, err := NewServerSentEvents[count](ctx, "counter", values)
	require.NoError(t, err)

	cancel()
	assert.Empty(t, collect(t, sse.Events()))
	assert.NoError(t, sse.Err())
}

func TestServerSentEventsZeroValueError(t *testing.T) {
	_, err := NewServerSentEvents[chan int](context.Background(), "broken", make(chan chan int))
	assert.Error(t, err)
}

func TestServerSentEventsMarshalError(t *testing.T) {
	values := make(chan interface{}, 2)
	values <- map[string]int{"a": 1}
	values <- func() {}
	close(values)

	sse, err := NewServerSentEvents[interface{}](context.Background(), "broken", values)
	require.NoError(t, err)

	events := collect(t, sse.Events())
	assert.Len(t, events, 1)
	assert.Error(t, sse.Err())
}

func TestServerSentEventsRespond(t *testing.T) {
	values := make(chan count, 2)
	values <- count{Value: 1}
	values <- count{Value: 2}
	close(values)

	sse, err := NewServerSentEvents[count](context.Background(), "counter", values)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	require.NoError(t, Respond(w, nil, sse.Events(), &Config{}, nil))
	assertReceivedEvents(t, w,
		updateEvent(t, "", "counter", count{}, count{Value: 1}),
		updateEvent(t, "", "counter", count{Value: 1}, count{Value: 2}),
	)
}
