package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glintlabs/glint/pkg/state"
)

// ServerConfig configures the live transport server.
type ServerConfig struct {
	// Address is the listen address.
	// Default: ":8420".
	Address string

	// ReadBufferSize and WriteBufferSize size the websocket buffers.
	// Default: 4096 each.
	ReadBufferSize  int
	WriteBufferSize int

	// CheckOrigin validates the websocket Origin header.
	// Default: same-origin check (gorilla's default).
	CheckOrigin func(r *http.Request) bool

	// HeartbeatInterval is how often the server pings each connection. The
	// read deadline is a little over twice this, so two missed pongs drop
	// the connection.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// WriteTimeout bounds each websocket write.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 15 seconds.
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns a ServerConfig with defaults applied.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:           ":8420",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ShutdownTimeout:   15 * time.Second,
	}
}

func (c *ServerConfig) withDefaults() *ServerConfig {
	d := DefaultServerConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.Address == "" {
		out.Address = d.Address
	}
	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = d.ReadBufferSize
	}
	if out.WriteBufferSize <= 0 {
		out.WriteBufferSize = d.WriteBufferSize
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = d.HeartbeatInterval
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = d.WriteTimeout
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = d.ShutdownTimeout
	}
	return &out
}

// Server serves widget documents and live widget connections.
type Server struct {
	config   *ServerConfig
	manager  *state.Manager
	upgrader websocket.Upgrader
	logger   *slog.Logger

	httpServer *http.Server

	mu    sync.Mutex
	conns map[string]*wsConn // widget ID -> live local connection
}

// NewServer creates a live transport server on top of the manager.
func NewServer(manager *state.Manager, config *ServerConfig, logger *slog.Logger) *Server {
	config = config.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:  config,
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		logger: logger.With("component", "live_server"),
		conns:  make(map[string]*wsConn),
	}
}

// Routes returns the server's router, for mounting in a larger application
// or serving directly.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/widgets", s.handleRegisterWidget)
	r.Route("/w/{widgetID}", func(r chi.Router) {
		r.Get("/", s.handleWidgetPage)
		r.Put("/html", s.handleUpdateHTML)
		r.Delete("/", s.handleDeleteWidget)
	})
	r.Get("/ws/{widgetID}", s.handleWebSocket)

	return r
}

// Start runs the HTTP server until Shutdown or a listener error.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("live server listening", "address", s.config.Address)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, closes live connections, and drains
// in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		s.closeAllConns()
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.closeAllConns()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) closeAllConns() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*wsConn)
	s.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// registerWidgetRequest is the POST /widgets payload.
type registerWidgetRequest struct {
	WidgetID string         `json:"widget_id,omitempty"`
	HTML     string         `json:"html"`
	Token    string         `json:"token,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// registerWidgetResponse echoes the identifiers the client needs to embed
// and later connect the widget.
type registerWidgetResponse struct {
	WidgetID string `json:"widget_id"`
	Token    string `json:"token"`
}

func (s *Server) handleRegisterWidget(w http.ResponseWriter, r *http.Request) {
	var req registerWidgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.HTML == "" {
		http.Error(w, "html is required", http.StatusBadRequest)
		return
	}

	widgetID := req.WidgetID
	if widgetID == "" {
		id, err := gonanoid.New()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		widgetID = id
	}
	token := req.Token
	if token == "" {
		t, err := gonanoid.New(32)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		token = t
	}

	rec := &state.WidgetRecord{
		WidgetID: widgetID,
		HTML:     req.HTML,
		Token:    token,
		Metadata: req.Metadata,
	}
	if err := s.manager.RegisterWidget(r.Context(), rec); err != nil {
		s.logger.Error("widget registration failed", "widget_id", widgetID, "error", err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(registerWidgetResponse{WidgetID: widgetID, Token: token})
}

func (s *Server) handleWidgetPage(w http.ResponseWriter, r *http.Request) {
	widgetID := chi.URLParam(r, "widgetID")

	rec, err := s.manager.GetWidget(r.Context(), widgetID)
	if err != nil {
		s.logger.Error("widget lookup failed", "widget_id", widgetID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.NotFound(w, r)
		return
	}
	if rec.Token != "" && r.URL.Query().Get("token") != rec.Token {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(rec.HTML))
}

type updateHTMLRequest struct {
	HTML string `json:"html"`
}

func (s *Server) handleUpdateHTML(w http.ResponseWriter, r *http.Request) {
	widgetID := chi.URLParam(r, "widgetID")

	var req updateHTMLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.HTML == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ok, err := s.manager.UpdateWidgetHTML(r.Context(), widgetID, req.HTML)
	if err != nil {
		s.logger.Error("widget update failed", "widget_id", widgetID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	// Tell the widget's live connection (wherever it is) to re-render.
	msg := state.NewEventMessage("html_update", widgetID, map[string]any{"html": req.HTML})
	if err := s.manager.SendToWidget(r.Context(), widgetID, msg); err != nil {
		s.logger.Warn("html update not delivered", "widget_id", widgetID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteWidget(w http.ResponseWriter, r *http.Request) {
	widgetID := chi.URLParam(r, "widgetID")

	existed, err := s.manager.DeleteWidget(r.Context(), widgetID)
	if err != nil {
		s.logger.Error("widget delete failed", "widget_id", widgetID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !existed {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ok",
		"worker_id": s.manager.WorkerID(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
