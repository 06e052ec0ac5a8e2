package ssesignal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrStopped is returned by Hub methods called after Hub.Stop.
var ErrStopped = errors.New("hub is stopped")

// errResync wraps failures that happen before anything is written to the
// response.
var errResync = errors.New("resync failed")

// signalState holds the documents of a single signal. Base is the value
// clients start from before receiving any update.
type signalState struct {
	base    json.RawMessage
	current json.RawMessage
}

// Hub is a shared SSE stream of signal updates. Signals are grouped into
// topics, the empty string is the default topic. Every published value is
// diffed against the previous value of the same signal and the resulting
// patch is delivered to all clients subscribed to the topic.
type Hub struct {
	broker       brokerChan
	cfg          Config
	responseStop chan struct{}
	dropOnce     sync.Once
	wg           sync.WaitGroup

	log      logrus.FieldLogger
	store    Store
	instance string
	history  *history

	mu      sync.Mutex
	stopped bool
	seq     uint64
	topics  map[string]map[string]*signalState
}

// HubOption configures optional Hub behaviour.
type HubOption func(h *Hub)

// WithLogger sets the logger used by the hub.
func WithLogger(log logrus.FieldLogger) HubOption {
	return func(h *Hub) {
		h.log = log
	}
}

// WithStore makes the hub persist every published value in s. Values found in
// the store are loaded when the hub is created.
func WithStore(s Store) HubOption {
	return func(h *Hub) {
		h.store = s
	}
}

// WithInstanceID overrides the random prefix of event IDs generated by the
// hub. Event IDs of different hub instances must not collide, otherwise
// clients reconnecting after a restart could be resynced incorrectly.
func WithInstanceID(id string) HubOption {
	return func(h *Hub) {
		h.instance = id
	}
}

// NewHub creates and starts a new hub. Stop must be called to release its
// resources.
func NewHub(cfg Config, opts ...HubOption) (*Hub, error) {
	h := &Hub{
		broker:       newBroker(),
		cfg:          cfg,
		responseStop: make(chan struct{}),
		log:          logrus.StandardLogger(),
		instance:     uuid.NewString(),
		history:      newHistory(cfg.HistorySize, cfg.HistoryTTL),
		topics:       make(map[string]map[string]*signalState),
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.store != nil {
		snapshots, err := h.store.Load(context.Background())
		if err != nil {
			return nil, fmt.Errorf("load signals: %w", err)
		}
		for _, s := range snapshots {
			h.state(s.Topic, s.Name).current = orNull(s.Value)
		}
		h.log.WithField("signals", len(snapshots)).Debug("signals loaded from store")
	}

	initialID := h.eventID()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.broker.run(initialID)
	}()
	return h, nil
}

// eventID formats the ID of the event with the current sequence number.
func (h *Hub) eventID() string {
	return h.instance + "." + strconv.FormatUint(h.seq, 10)
}

// state returns the state of a signal, creating it if needed. Caller must
// hold h.mu or have exclusive access to the hub.
func (h *Hub) state(topic, name string) *signalState {
	signals, ok := h.topics[topic]
	if !ok {
		signals = make(map[string]*signalState)
		h.topics[topic] = signals
	}
	s, ok := signals[name]
	if !ok {
		s = &signalState{base: nullDocument, current: nullDocument}
		signals[name] = s
	}
	return s
}

// Register sets the base document of a signal, the value clients assume
// before receiving any update. Signals not registered have JSON null as their
// base. Registering does not publish anything, a signal without a current
// value starts with its base.
func (h *Hub) Register(topic, name string, base json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return ErrStopped
	}

	_, exists := h.topics[topic][name]
	s := h.state(topic, name)
	s.base = orNull(base)
	if !exists {
		s.current = s.base
	}
	return nil
}

// Value returns the current document of a signal.
func (h *Hub) Value(topic, name string) (json.RawMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.topics[topic][name]
	if !ok {
		return nil, false
	}
	return s.current, true
}

// Names returns sorted names of signals known in the topic.
func (h *Hub) Names(topic string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return sortedKeys(h.topics[topic])
}

// Set publishes a new value of a signal on the default topic.
func (h *Hub) Set(name string, v interface{}) error {
	return h.SetTopic("", name, v)
}

// SetTopic publishes a new value of a signal on the given topic. The value is
// marshaled to JSON.
func (h *Hub) SetTopic(topic, name string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %q: %w", name, err)
	}
	return h.SetJSON(topic, name, raw)
}

// SetJSON publishes a new JSON document of a signal on the given topic.
// Nothing is published if the document did not change.
func (h *Hub) SetJSON(topic, name string, raw json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return ErrStopped
	}

	s := h.state(topic, name)
	update, err := NewUpdateFromJSON(name, s.current, raw)
	if err != nil {
		return err
	}
	if update.Empty() {
		return nil
	}

	raw = append(json.RawMessage(nil), raw...)
	if h.store != nil {
		err := h.store.Save(context.Background(), Snapshot{Topic: topic, Name: name, Value: raw})
		if err != nil {
			return fmt.Errorf("save %q: %w", name, err)
		}
	}
	s.current = raw

	h.seq++
	event := &Event{
		ID:    h.eventID(),
		Event: EventName,
		Data:  update,
	}
	h.broker.publish(topic, event, func(lastID string) {
		h.history.add(topic, lastID, event)
	})

	h.log.WithFields(logrus.Fields{
		"topic":    topic,
		"signal":   name,
		"event_id": event.ID,
	}).Debug("signal published")
	return nil
}

// Subscribe handles HTTP request to receive updates of the default topic.
// Caller is responsible for extracting last event ID value from the request.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, lastEventID string) error {
	return h.SubscribeTopicFiltered(w, r, "", lastEventID, nil)
}

// SubscribeTopic handles HTTP request to receive updates of the given topic.
func (h *Hub) SubscribeTopic(w http.ResponseWriter, r *http.Request, topic, lastEventID string) error {
	return h.SubscribeTopicFiltered(w, r, topic, lastEventID, nil)
}

// SubscribeTopicFiltered is similar to SubscribeTopic but each event before
// being sent to client will be passed to given filtering function.
//
// Clients are resynced before receiving live updates. A client that is up to
// date receives nothing, a client that missed events still found in the
// history receives them again. Otherwise a new client (empty last event ID)
// receives patches from the base to the current value of every signal, and a
// client in an unknown state receives the current values as replacements of
// its documents.
func (h *Hub) SubscribeTopicFiltered(w http.ResponseWriter, r *http.Request, topic, lastEventID string, f FilterFn) error {
	source := make(chan *Event, h.cfg.QueueLength)

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return ErrStopped
	}
	lastServerID := h.broker.subscribe(topic, source)
	events, err := h.resync(topic, lastEventID, lastServerID)
	h.mu.Unlock()
	defer h.unsubscribe(source)

	if err != nil {
		return fmt.Errorf("%w: %w", errResync, err)
	}

	h.log.WithFields(logrus.Fields{
		"topic":         topic,
		"last_event_id": lastEventID,
		"resync":        len(events),
	}).Debug("client subscribed")

	return Respond(w, r, applyChanFilter(prependStream(events, source), f), &h.cfg, h.responseStop)
}

// resync generates events bringing a client from lastEventID up to
// lastServerID. Caller must hold h.mu.
func (h *Hub) resync(topic, lastEventID, lastServerID string) ([]Event, error) {
	if lastEventID == lastServerID {
		return nil, nil
	}

	if lastEventID != "" {
		if events, ok := h.history.since(topic, lastEventID, lastServerID); ok {
			return events, nil
		}
	}

	signals := h.topics[topic]
	events := make([]Event, 0, len(signals)+1)
	for _, name := range sortedKeys(signals) {
		s := signals[name]
		var update *Update
		if lastEventID == "" {
			var err error
			if update, err = NewUpdateFromJSON(name, s.base, s.current); err != nil {
				return nil, err
			}
			if update.Empty() {
				continue
			}
		} else {
			update = ReplaceUpdate(name, s.current)
		}
		events = append(events, Event{Event: EventName, Data: update})
	}

	if len(events) == 0 {
		return []Event{{ID: lastServerID}}, nil
	}
	events[len(events)-1].ID = lastServerID
	return events, nil
}

func (h *Hub) unsubscribe(source chan<- *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.stopped {
		h.broker.unsubscribe(source)
	}
}

// ServeHTTP subscribes the request to the hub. The topic is taken from the
// "topic" query parameter, the stream can be limited to some signals with
// repeated "signal" query parameters. Last event ID is read from the
// Last-Event-ID header or the "lastEventId" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = query.Get("lastEventId")
	}

	var f FilterFn
	if names := query["signal"]; len(names) > 0 {
		f = NamesFilter(names...)
	}

	topic := query.Get("topic")
	err := h.SubscribeTopicFiltered(w, r, topic, lastEventID, f)
	switch {
	case errors.Is(err, ErrStopped):
		// No content stops EventSource from reconnecting
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, errResync):
		h.log.WithError(err).WithField("topic", topic).Error("sse subscription failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	case err != nil:
		h.log.WithError(err).WithField("topic", topic).Warn("sse stream interrupted")
	}
}

// DropSubscribers removes all currently active stream subscribers and close
// all active HTTP responses. After call to this method all new subscribers
// would be closed immediately.
//
// This function is useful in implementing graceful application shutdown, this
// method should be called only when web server are not accepting any new
// connections and all that is left is terminating already connected ones.
func (h *Hub) DropSubscribers() {
	h.dropOnce.Do(func() {
		close(h.responseStop)
	})
}

// Stop closes the hub. It will disconnect all connected subscribers and
// deallocate all resources used for the hub. Calls to Set or Subscribe after
// the hub was stopped return ErrStopped.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	close(h.broker)
	h.mu.Unlock()

	h.wg.Wait()
}
