// Package devserver is a local support backend implementing the chat contract:
// the REST create-call and history endpoints plus the websocket channel with
// per-conversation rooms. Messages are stored in a chatstore and fanned out
// through a watermill transport, in memory or over Redis Streams.
package devserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/supportchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/supportchat/pkg/redisstream"
)

type Config struct {
	Addr           string
	APIPrefix      string
	StoreDSN       string
	AllowedOrigins []string
	Redis          redisstream.Settings

	RoomIdleTimeout time.Duration
	SendBuffer      int
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:            ":8000",
		APIPrefix:       "/api",
		AllowedOrigins:  []string{"https://*", "http://*"},
		Redis:           redisstream.DefaultSettings(),
		RoomIdleTimeout: time.Minute,
		SendBuffer:      64,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

type Server struct {
	cfg       Config
	store     chatstore.MessageStore
	transport *redisstream.Transport
	hub       *Hub
	svc       *Service
	upgrader  websocket.Upgrader
	router    chi.Router
	cancel    context.CancelFunc
}

// New opens the store and transport described by cfg. An empty StoreDSN keeps
// messages in memory; a plain path is opened as a SQLite file.
func New(ctx context.Context, cfg Config) (*Server, error) {
	cfg = withDefaults(cfg)

	store, err := openStore(cfg.StoreDSN)
	if err != nil {
		return nil, err
	}
	transport, err := redisstream.Build(cfg.Redis)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	svc, err := NewService(store, transport.Publisher)
	if err != nil {
		_ = transport.Close()
		_ = store.Close()
		return nil, err
	}

	baseCtx, cancel := context.WithCancel(ctx)
	s := &Server{
		cfg:       cfg,
		store:     store,
		transport: transport,
		hub:       NewHub(baseCtx, transport.Subscriber, transport.PrepareTopic, cfg.RoomIdleTimeout),
		svc:       svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		cancel: cancel,
	}
	s.router = s.routes()
	return s, nil
}

func withDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = d.Addr
	}
	cfg.APIPrefix = "/" + strings.Trim(strings.TrimSpace(cfg.APIPrefix), "/")
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = d.AllowedOrigins
	}
	if cfg.RoomIdleTimeout <= 0 {
		cfg.RoomIdleTimeout = d.RoomIdleTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = d.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
	return cfg
}

func openStore(dsn string) (chatstore.MessageStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return chatstore.NewInMemoryMessageStore(0), nil
	}
	if !strings.HasPrefix(dsn, "file:") {
		var err error
		dsn, err = chatstore.SQLiteDSNForFile(dsn)
		if err != nil {
			return nil, err
		}
	}
	store, err := chatstore.NewSQLiteMessageStore(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "devserver: open store")
	}
	return store, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route(s.cfg.APIPrefix, func(r chi.Router) {
		r.Post("/chat", s.handleCreate)
		r.Get("/chat", s.handleHistory)
		r.Get("/conversations", s.handleConversations)
	})
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Hub() *Hub { return s.hub }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("component", "devserver").Str("addr", s.cfg.Addr).Str("api_prefix", s.cfg.APIPrefix).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		// hijacked websocket connections are not tracked by Shutdown
		s.hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func (s *Server) Close() error {
	s.cancel()
	s.hub.Close()
	var first error
	if err := s.transport.Close(); err != nil {
		first = err
	}
	if err := s.store.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("component", "devserver").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
