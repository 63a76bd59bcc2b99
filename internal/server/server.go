package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/joeblew999/geo-live/internal/api"
	"github.com/joeblew999/geo-live/internal/api/panel"
	"github.com/joeblew999/geo-live/internal/db"
	"github.com/joeblew999/geo-live/internal/service"
	"github.com/joeblew999/geo-live/internal/stream"
	"github.com/joeblew999/geo-live/internal/templates"
)

// Config holds the server configuration.
type Config struct {
	Host string
	Port string
	// Upstream is the app state endpoint (http(s) for SSE, ws(s) for WebSocket).
	Upstream string
	// TileUpstream is where /tiles/ is proxied to. Empty derives it from
	// Upstream's scheme and host.
	TileUpstream string
	// TileBase prefixes the tile URLs handed to the browser. Empty keeps them
	// relative so they go through the /tiles/ proxy.
	TileBase string
	WebDir   string // Path to web/ directory for static files and templates
	// Journal turns the DuckDB snapshot journal on; JournalDir persists it.
	Journal       bool
	JournalDir    string
	RetryDelay    time.Duration
	MaxAttempts   int
	PreserveEdits bool
	Initial       service.Camera
	Logger        *slog.Logger
}

// Server is the geo-live HTTP server.
type Server struct {
	config   Config
	logger   *slog.Logger
	mux      *http.ServeMux
	humaAPI  huma.API
	engine   *service.Engine
	client   *stream.Client
	db       *sql.DB
	journal  *db.Journal
	renderer *templates.Renderer

	cancel     context.CancelFunc
	sub        *stream.Subscription
	engineDone chan struct{}
}

// New creates a new geo-live server. Call Start to begin following the
// upstream stream.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger

	client, err := stream.New(stream.Config{
		URL:         cfg.Upstream,
		RetryDelay:  cfg.RetryDelay,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger.With("component", "stream"),
	})
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()

	// Create Huma API with humago (pure stdlib) adapter
	humaConfig := huma.DefaultConfig("geo-live API", api.Version)
	humaConfig.Info.Description = "Live viewer for a computation backend: current map state, layer edits and tile addressing."
	humaConfig.Servers = []*huma.Server{
		{URL: fmt.Sprintf("http://%s:%s", cfg.Host, cfg.Port), Description: "Local server"},
	}
	// Disable $schema property in responses (cleaner JSON)
	humaConfig.CreateHooks = []func(huma.Config) huma.Config{}
	humaConfig.Transformers = append(humaConfig.Transformers, api.LinkTransformer())

	humaAPI := humago.New(mux, humaConfig)

	// Fragment templates: web/templates/fragments overrides the built-in set
	renderer, err := templates.New()
	if err != nil {
		return nil, fmt.Errorf("parsing fragment templates: %w", err)
	}
	if cfg.WebDir != "" {
		fragmentsDir := filepath.Join(cfg.WebDir, "templates", "fragments")
		if _, err := os.Stat(fragmentsDir); err == nil {
			if r, err := templates.NewFromDir(fragmentsDir); err == nil {
				renderer = r
				logger.Info("loaded fragment templates", "dir", fragmentsDir)
			} else {
				logger.Warn("fragment templates not loaded, using built-in set", "dir", fragmentsDir, "error", err)
			}
		}
	}

	s := &Server{
		config:   cfg,
		logger:   logger,
		mux:      mux,
		humaAPI:  humaAPI,
		client:   client,
		renderer: renderer,
	}

	if cfg.Journal {
		conn, err := db.Open(db.Config{DataDir: cfg.JournalDir, DBName: "journal"})
		if err != nil {
			logger.Warn("snapshot journal disabled", "error", err)
		} else {
			s.db = conn
			s.journal = db.NewJournal(conn, logger.With("component", "journal"))
		}
	}

	engineCfg := service.EngineConfig{
		TileBase:      cfg.TileBase,
		Initial:       cfg.Initial,
		PreserveEdits: cfg.PreserveEdits,
		Logger:        logger.With("component", "engine"),
	}
	if s.journal != nil {
		engineCfg.Recorder = s.journal
	}
	s.engine = service.NewEngine(engineCfg)

	if err := s.routes(); err != nil {
		s.closeJournal()
		return nil, err
	}
	return s, nil
}

// Engine returns the engine the server runs.
func (s *Server) Engine() *service.Engine {
	return s.engine
}

// OpenAPI returns the OpenAPI document of the REST API.
func (s *Server) OpenAPI() *huma.OpenAPI {
	return s.humaAPI.OpenAPI()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start runs the engine loop and subscribes to the upstream stream.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.engineDone = make(chan struct{})
	go func() {
		defer close(s.engineDone)
		s.engine.Run(ctx)
	}()
	s.sub = s.client.Subscribe(ctx, s.engine)
}

// Close releases the subscription, stops the engine and flushes the journal.
func (s *Server) Close() error {
	var err error
	if s.sub != nil {
		if serr := s.sub.Close(); serr != nil && !errors.Is(serr, stream.ErrGaveUp) {
			err = serr
		}
	}
	if s.cancel != nil {
		s.cancel()
		<-s.engineDone
	}
	if cerr := s.closeJournal(); err == nil {
		err = cerr
	}
	return err
}

func (s *Server) closeJournal() error {
	if s.journal != nil {
		s.journal.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Server) routes() error {
	// Register Huma REST API routes (OpenAPI-documented JSON endpoints)
	api.RegisterRoutes(s.humaAPI, &api.Services{Engine: s.engine, Journal: s.journal})
	api.NewInfoHandler(s.config.Upstream, s.journal != nil, s.config.PreserveEdits).RegisterRoutes(s.humaAPI)
	api.NewDBHandler(s.db, s.journal).RegisterRoutes(s.humaAPI)

	// Register control panel SSE routes using Huma + Datastar SDK
	panel.New(s.engine, s.renderer, s.logger.With("component", "panel")).RegisterRoutes(s.humaAPI)

	// Tile images are proxied so the browser stays same-origin
	proxy, err := s.tileProxy()
	if err != nil {
		return err
	}
	s.mux.Handle("/tiles/", proxy)

	// Static files and pages
	if s.config.WebDir != "" {
		staticDir := filepath.Join(s.config.WebDir, "static")
		s.mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(staticDir))))
	}
	s.mux.HandleFunc("/viewer", s.handleViewer)
	s.mux.HandleFunc("/", s.handleRoot)
	return nil
}

// TileOrigin returns the origin tile requests are forwarded to: tileUpstream
// when set, otherwise the scheme and host of the app state endpoint.
func TileOrigin(upstream, tileUpstream string) (*url.URL, error) {
	raw := tileUpstream
	if raw == "" {
		raw = upstream
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing tile upstream: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	if tileUpstream == "" {
		u.Path = ""
	}
	u.RawQuery, u.Fragment = "", ""
	return u, nil
}

func (s *Server) tileProxy() (http.Handler, error) {
	target, err := TileOrigin(s.config.Upstream, s.config.TileUpstream)
	if err != nil {
		return nil, err
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Warn("tile proxy error", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		proxy.ServeHTTP(w, r)
	}), nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"service":  "geo-live",
		"status":   "running",
		"upstream": s.config.Upstream,
	})
}

func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	if s.config.WebDir == "" {
		http.NotFound(w, r)
		return
	}
	templatePath := filepath.Join(s.config.WebDir, "templates", "viewer.html")
	http.ServeFile(w, r, templatePath)
}
