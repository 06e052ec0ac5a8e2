package ssesignal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmaxmax/go-sse"
)

// RemoteValue is a client side copy of a server signal. It holds the JSON
// document built by applying all received patches to the initial document.
type RemoteValue struct {
	name    string
	initial json.RawMessage

	mu      sync.RWMutex
	doc     json.RawMessage
	changed chan struct{}
}

func newRemoteValue(name string, initial json.RawMessage) *RemoteValue {
	return &RemoteValue{
		name:    name,
		initial: initial,
		doc:     initial,
		changed: make(chan struct{}, 1),
	}
}

// Name returns the signal name.
func (v *RemoteValue) Name() string {
	return v.name
}

// JSON returns the current document.
func (v *RemoteValue) JSON() json.RawMessage {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.doc
}

// Decode unmarshals the current document into dst.
func (v *RemoteValue) Decode(dst interface{}) error {
	return json.Unmarshal(v.JSON(), dst)
}

// Changed returns a channel receiving a value after the document changes.
// Notifications are coalesced, a receiver that is late observes a single
// notification for many changes.
func (v *RemoteValue) Changed() <-chan struct{} {
	return v.changed
}

func (v *RemoteValue) apply(patch json.RawMessage) error {
	v.mu.Lock()
	doc, err := ApplyPatch(v.doc, patch)
	if err == nil {
		v.doc = doc
	}
	v.mu.Unlock()

	if err != nil {
		return fmt.Errorf("signal %q: %w", v.name, err)
	}
	v.notify()
	return nil
}

func (v *RemoteValue) reset() {
	v.mu.Lock()
	v.doc = v.initial
	v.mu.Unlock()
	v.notify()
}

func (v *RemoteValue) notify() {
	select {
	case v.changed <- struct{}{}:
	default:
	}
}

// RemoteSignal is a typed RemoteValue. The document starts as the zero value
// of T.
type RemoteSignal[T any] struct {
	*RemoteValue
}

// NewRemoteSignal registers a typed signal in the client.
func NewRemoteSignal[T any](c *Client, name string) (*RemoteSignal[T], error) {
	var zero T
	v, err := c.Signal(name, zero)
	if err != nil {
		return nil, err
	}
	return &RemoteSignal[T]{v}, nil
}

// Get decodes the current value.
func (s *RemoteSignal[T]) Get() (T, error) {
	var v T
	err := s.Decode(&v)
	return v, err
}

// ErrRunning is returned by Client.Run when the client is already running.
var ErrRunning = errors.New("client is already running")

// resyncID is sent as last event ID to request full values. The server does
// not know it, so every signal is sent as a root replace.
const resyncID = "resync"

// Client receives signal updates from an SSE endpoint and keeps local copies
// of the registered signals.
//
// Updates of signals that are not registered yet are queued and applied when
// the signal gets registered.
type Client struct {
	url string
	sse *sse.Client
	log logrus.FieldLogger

	mu        sync.Mutex
	values    map[string]*RemoteValue
	delayed   map[string][]json.RawMessage
	cancel    context.CancelFunc
	needReset bool
	resync    bool
	running   bool
}

// ClientOption configures optional Client behaviour.
type ClientOption func(c *Client)

// WithHTTPClient sets the HTTP client used for SSE connections.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.sse.HTTPClient = hc
	}
}

// WithClientLogger sets the logger used by the client.
func WithClientLogger(log logrus.FieldLogger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// WithFullSync makes the first connection request full values instead of diffs
// from the default documents. Use it when initial documents passed to Signal
// may differ from the server's defaults.
func WithFullSync() ClientOption {
	return func(c *Client) {
		c.resync = true
	}
}

// NewClient creates a client for the SSE endpoint at url. Run has to be called
// to start receiving updates.
func NewClient(url string, opts ...ClientOption) *Client {
	cl := *sse.DefaultClient
	c := &Client{
		url:     url,
		sse:     &cl,
		log:     logrus.StandardLogger(),
		values:  make(map[string]*RemoteValue),
		delayed: make(map[string][]json.RawMessage),
	}
	for _, opt := range opts {
		opt(c)
	}

	validate := c.sse.ResponseValidator
	if validate == nil {
		validate = sse.DefaultValidator
	}
	c.sse.ResponseValidator = func(res *http.Response) error {
		if err := validate(res); err != nil {
			return err
		}
		c.log.WithField("url", c.url).Debug("connected")
		return nil
	}
	c.sse.OnRetry = c.logRetry
	return c
}

func (c *Client) logRetry(err error, backoff time.Duration) {
	c.log.WithError(err).WithFields(logrus.Fields{
		"url":     c.url,
		"backoff": backoff,
	}).Warn("connection failed, retrying")
}

// Signal registers a signal with the given initial document, which should be
// the same value the server diffs the first update against. Registering an
// already registered name returns the existing value.
func (c *Client) Signal(name string, initial interface{}) (*RemoteValue, error) {
	raw, err := json.Marshal(initial)
	if err != nil {
		return nil, fmt.Errorf("marshal initial value of %q: %w", name, err)
	}

	c.mu.Lock()
	if v, ok := c.values[name]; ok {
		c.mu.Unlock()
		return v, nil
	}

	v := newRemoteValue(name, raw)
	c.values[name] = v

	var failed error
	for _, patch := range c.delayed[name] {
		if err := v.apply(patch); err != nil {
			failed = err
			break
		}
	}
	delete(c.delayed, name)
	c.mu.Unlock()

	if failed != nil {
		c.log.WithError(failed).WithField("signal", name).Warn("queued update failed, resyncing")
		c.requestReset()
	}
	return v, nil
}

// Run connects to the server and processes updates until ctx is done. Lost
// connections are reestablished, the server resyncs the client from the last
// received event. A client can only run once at a time, concurrent calls
// return ErrRunning.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrRunning
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for {
		err := c.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.takeReset() {
			continue
		}
		return err
	}
}

func (c *Client) connect(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancel = cancel
	resync := c.resync
	c.resync = false
	c.mu.Unlock()

	target := c.url
	if resync {
		u, err := url.Parse(c.url)
		if err != nil {
			return err
		}
		q := u.Query()
		q.Set("lastEventId", resyncID)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}

	conn := c.sse.NewConnection(req)
	conn.SubscribeToAll(func(e sse.Event) {
		if e.Type != "" && e.Type != EventName {
			return
		}
		if err := c.handle([]byte(e.Data)); err != nil {
			c.log.WithError(err).WithField("event_id", e.LastEventID).Warn("update failed, resyncing")
			c.requestReset()
		}
	})

	c.log.WithField("url", target).Debug("connecting")
	return conn.Connect()
}

// handle applies a single received message. Messages that are not updates are
// ignored, the returned error means the local state diverged from the server.
func (c *Client) handle(data []byte) error {
	if len(data) == 0 {
		// last event ID marker
		return nil
	}

	var update Update
	if err := json.Unmarshal(data, &update); err != nil || update.Name == "" {
		c.log.WithField("data", string(data)).Warn("ignoring malformed update")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.values[update.Name]
	if !ok {
		c.log.WithField("signal", update.Name).Debug("no local state for update, queuing patch")
		c.delayed[update.Name] = append(c.delayed[update.Name], update.Patch)
		return nil
	}
	return v.apply(update.Patch)
}

// requestReset drops the current connection. Run reconnects after resetting
// all values and requests full values, the server then resends every signal.
func (c *Client) requestReset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.needReset = true
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) takeReset() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.needReset {
		return false
	}
	c.needReset = false
	c.resync = true
	c.delayed = make(map[string][]json.RawMessage)
	for _, v := range c.values {
		v.reset()
	}
	return true
}
