package web

import (
	"bufio"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/camuig/rohstoff-dashboard/internal/chat"
	"github.com/camuig/rohstoff-dashboard/internal/config"
	"github.com/camuig/rohstoff-dashboard/internal/dispatcher"
	"github.com/camuig/rohstoff-dashboard/internal/logger"
	"github.com/camuig/rohstoff-dashboard/internal/notify"
	"github.com/camuig/rohstoff-dashboard/internal/poller"
	"github.com/camuig/rohstoff-dashboard/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

// Deps are the components the web layer reads from and sends commands to.
type Deps struct {
	Store      *store.Store
	Poller     *poller.Poller
	Dispatcher *dispatcher.Dispatcher
	Chat       *chat.Session
	Feed       *notify.Feed
}

type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *Hub
	tmpl       *template.Template
	deps       Deps
	config     *config.Config
	logger     *logger.Logger
}

func NewServer(cfg *config.Config, deps Deps, log *logger.Logger) (*Server, error) {
	tmpl, err := template.New("dashboard.html").Funcs(templateFuncs).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	log = log.Component("web")
	s := &Server{
		hub:    NewHub(log),
		tmpl:   tmpl,
		deps:   deps,
		config: cfg,
		logger: log,
	}
	s.router = s.routes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Web.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 90 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recovery, s.logging)

	r.HandleFunc("/", s.handleDashboard).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.hub.ServeWS).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/view", s.handleView).Methods(http.MethodGet)
	api.HandleFunc("/markets/refresh", s.handleRefreshMarkets).Methods(http.MethodPost)
	api.HandleFunc("/trades", s.handleTrade).Methods(http.MethodPost)
	api.HandleFunc("/trades/close-all", s.handleCloseAll).Methods(http.MethodPost)
	api.HandleFunc("/trades/{id}/close", s.handleClose).Methods(http.MethodPost)
	api.HandleFunc("/trades/{id}", s.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleSaveSettings).Methods(http.MethodPost)
	api.HandleFunc("/settings/reset", s.handleResetSettings).Methods(http.MethodPost)
	api.HandleFunc("/live", s.handleLive).Methods(http.MethodPost)
	api.HandleFunc("/chat", s.handleGetChat).Methods(http.MethodGet)
	api.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	api.HandleFunc("/charts/{commodity}", s.handleChart).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id}", s.handleDismiss).Methods(http.MethodDelete)

	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the hub and the change fan-out, then serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	stop := s.watch()
	defer stop()

	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }
	s.logger.Info("web server starting", "port", s.config.Web.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// watch forwards store, feed and chat changes to the hub. The returned func
// detaches all three.
func (s *Server) watch() func() {
	var cancels []func()
	if s.deps.Store != nil {
		st := s.deps.Store
		cancels = append(cancels, st.Subscribe(func(store.Key) {
			s.hub.Broadcast(Message{Type: "view", Version: st.Version()})
		}))
	}
	if s.deps.Feed != nil {
		cancels = append(cancels, s.deps.Feed.Subscribe(func(n notify.Notification) {
			s.hub.Broadcast(Message{Type: "notification", Data: n})
		}))
	}
	if s.deps.Chat != nil {
		cancels = append(cancels, s.deps.Chat.Subscribe(func() {
			s.hub.Broadcast(Message{Type: "chat"})
		}))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in handler", "path", r.URL.Path, "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack keeps the WebSocket upgrade working through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", sw.status, "duration", time.Since(start).String())
	})
}
