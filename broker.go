package ssesignal

type operation int

// command is a message data type for controlling broker process.
type command struct {
	op       operation
	topic    string              // used for subscribe, publish
	sink     chan<- *Event       // used for subscribe, unsubscribe
	response chan<- string       // used for subscribe
	event    *Event              // used for publish
	callback func(lastID string) // used for publish
}

// brokerChan is an implementation of single pub-sub communications channel.
type brokerChan chan command

const (
	subscribe operation = iota
	unsubscribe
	publish
)

// newBroker creates a new instance of broker. It needs to be started with run
// method before publishing or subscribing.
func newBroker() brokerChan {
	return make(chan command)
}

// publish broadcasts given event via broker to all of the topic subscribers.
// Callback, if not nil, is invoked from the broker goroutine with the topic's
// previous last event ID before the event is delivered to subscribers.
func (b brokerChan) publish(topic string, event *Event, callback func(lastID string)) {
	b <- command{
		op:       publish,
		topic:    topic,
		event:    event,
		callback: callback,
	}
}

// subscribe adds given channel to receive all events published to the topic.
// It returns the last event ID published on the topic at the moment of
// subscription.
func (b brokerChan) subscribe(topic string, events chan<- *Event) string {
	response := make(chan string, 1)
	b <- command{
		op:       subscribe,
		topic:    topic,
		sink:     events,
		response: response,
	}
	// run goroutine will write current last seen event ID to this channel
	// exactly once and close it
	return <-response
}

// unsubscribe is a helper function for removing a subscription, safe for
// concurrent access.
func (b brokerChan) unsubscribe(ch chan<- *Event) {
	b <- command{
		op:   unsubscribe,
		sink: ch,
	}
}

// run handles event broadcasting and manages subscription lists. Every topic
// starts with initialID as its last event ID.
func (b brokerChan) run(initialID string) {
	sinks := make(map[chan<- *Event]string)
	topics := make(map[string]map[chan<- *Event]struct{})
	lastIDs := make(map[string]string)

	lastID := func(topic string) string {
		if id, ok := lastIDs[topic]; ok {
			return id
		}
		return initialID
	}

	remove := func(ch chan<- *Event) {
		topic, ok := sinks[ch]
		if !ok {
			return
		}
		close(ch)
		delete(sinks, ch)
		delete(topics[topic], ch)
		if len(topics[topic]) == 0 {
			delete(topics, topic)
		}
	}

	for cmd := range b {
		switch cmd.op {
		case subscribe:
			sinks[cmd.sink] = cmd.topic
			if _, ok := topics[cmd.topic]; !ok {
				topics[cmd.topic] = make(map[chan<- *Event]struct{})
			}
			topics[cmd.topic][cmd.sink] = struct{}{}

			// return last seen event ID to the subscriber
			cmd.response <- lastID(cmd.topic)
			close(cmd.response)
		case unsubscribe:
			remove(cmd.sink)
		case publish:
			if cmd.callback != nil {
				cmd.callback(lastID(cmd.topic))
			}
			if cmd.event.ID != "" {
				lastIDs[cmd.topic] = cmd.event.ID
			}
			for ch := range topics[cmd.topic] {
				select {
				case ch <- cmd.event:
					// Success
				default:
					// Client is too slow, close stream and
					// wait for client reconnect
					remove(ch)
				}
			}
		}
	}

	for ch := range sinks {
		close(ch)
	}
}
