package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/advbet/ssesignal"
	"github.com/advbet/ssesignal/sqlitestore"
)

// Count is the demo signal value.
type Count struct {
	Value int `json:"value"`
}

type server struct {
	cfg     *FileConfig
	log     logrus.FieldLogger
	hub     *ssesignal.Hub
	store   *sqlitestore.Store
	counter *ssesignal.Signal[Count]
}

func newServer(cfg *FileConfig, log logrus.FieldLogger) (*server, error) {
	s := &server{cfg: cfg, log: log}

	opts := []ssesignal.HubOption{ssesignal.WithLogger(log)}
	if cfg.Database != "" {
		store, err := sqlitestore.Open(cfg.Database)
		if err != nil {
			return nil, err
		}
		s.store = store
		opts = append(opts, ssesignal.WithStore(store))
	}

	hub, err := ssesignal.NewHub(cfg.hubConfig(), opts...)
	if err != nil {
		s.close()
		return nil, err
	}
	s.hub = hub

	if s.counter, err = ssesignal.NewSignal[Count](hub, "counter"); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *server) close() {
	if s.hub != nil {
		s.hub.Stop()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.WithError(err).Warn("closing store")
		}
	}
}

func (s *server) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(s.cfg.Origin))

	router.GET("/sse", gin.WrapH(s.hub))
	router.GET("/stream", s.stream)
	router.GET("/signals", s.signals)
	return router
}

func corsMiddleware(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "cache-control, last-event-id, origin, accept")
		if c.Request.Method != http.MethodOptions {
			c.Next()
		} else {
			c.AbortWithStatus(http.StatusOK)
		}
	}
}

// tick increments the shared counter every interval until ctx is done.
func (s *server) tick(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.Interval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.counter.Update(func(c *Count) { c.Value++ })
			if errors.Is(err, ssesignal.ErrStopped) {
				return
			}
			if err != nil {
				s.log.WithError(err).Error("counter update failed")
			}
		}
	}
}

// stream serves a counter private to the request, starting from zero.
func (s *server) stream(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	values := make(chan Count)
	go func() {
		defer close(values)
		ticker := time.NewTicker(time.Duration(s.cfg.Interval))
		defer ticker.Stop()

		for i := 0; ; i++ {
			select {
			case values <- Count{Value: i}:
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	events, err := ssesignal.NewServerSentEvents[Count](ctx, "counter", values)
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	cfg := s.cfg.hubConfig()
	if err := ssesignal.Respond(c.Writer, c.Request, events.Events(), &cfg, nil); err != nil {
		s.log.WithError(err).Warn("stream interrupted")
	}
	if err := events.Err(); err != nil {
		s.log.WithError(err).Error("stream failed")
	}
}

// signals returns current values of a topic as a JSON object.
func (s *server) signals(c *gin.Context) {
	topic := c.Query("topic")
	values := make(map[string]json.RawMessage)
	for _, name := range s.hub.Names(topic) {
		if v, ok := s.hub.Value(topic, name); ok {
			values[name] = v
		}
	}
	c.JSON(http.StatusOK, values)
}

// run serves HTTP until ctx is done.
func (s *server) run(ctx context.Context) error {
	defer s.close()

	go s.tick(ctx)

	srv := &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.router(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.log.WithField("addr", listener.Addr().String()).Info("server started")

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(listener)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	s.hub.DropSubscribers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
