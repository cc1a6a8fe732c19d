package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"secure_msg/internal/utils/log"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	DefaultPresenceTTL = 90 * time.Second
	shutdownTimeout    = 10 * time.Second

	// SyncOverlap is how far before the requested since a device sync looks
	// again. It covers messages stamped before an earlier sync but stored
	// after its query ran; devices drop the repeats by id.
	SyncOverlap = 30 * time.Second
)

type (
	Options struct {
		Secret []byte
		// PresenceTTL bounds how long a silent connection counts as online.
		// It is also the read deadline between client frames.
		PresenceTTL time.Duration
		// Clock defaults to time.Now.
		Clock func() time.Time
	}

	HttpServer struct {
		stores      Stores
		hub         *Hub
		secret      []byte
		presenceTTL time.Duration
		now         func() time.Time
	}
)

func NewHttpServer(stores Stores, broker Broker, opts Options) *HttpServer {
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = DefaultPresenceTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &HttpServer{
		stores:      stores,
		hub:         NewHub(broker),
		secret:      opts.Secret,
		presenceTTL: opts.PresenceTTL,
		now:         opts.Clock,
	}
}

// stamp is the relay clock at the millisecond precision MongoDB keeps.
func (s *HttpServer) stamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// Router wires every relay route behind token authentication.
func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(logRequests)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/threads", s.ListThreads()).Methods(http.MethodGet)
	api.HandleFunc("/threads", s.CreateThread()).Methods(http.MethodPost)
	api.HandleFunc("/threads/{id}", s.GetThread()).Methods(http.MethodGet)
	api.HandleFunc("/threads/{id}/messages", s.ListMessages()).Methods(http.MethodGet)
	api.HandleFunc("/threads/{id}/read", s.MarkRead()).Methods(http.MethodPost)
	api.HandleFunc("/messages", s.SendMessage()).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/reactions", s.AddReaction()).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/reactions/{emoji}", s.RemoveReaction()).Methods(http.MethodDelete)
	api.HandleFunc("/keys", s.PublishKey()).Methods(http.MethodPut)
	api.HandleFunc("/keys/{user}", s.LookupKey()).Methods(http.MethodGet)
	api.HandleFunc("/devices", s.RegisterDevice()).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/sync", s.SyncDevice()).Methods(http.MethodGet)

	ws := r.PathPrefix("/ws").Subrouter()
	ws.Use(s.authenticate)
	ws.HandleFunc("/chat/{thread}/", s.HandleChatWS()).Methods(http.MethodGet)

	return r
}

// Start subscribes the hub to the broker. It must be called before serving.
func (s *HttpServer) Start(ctx context.Context) error {
	return s.hub.Start(ctx)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
