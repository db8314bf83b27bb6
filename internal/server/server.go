// Package server serves the campaign wizard: server-rendered step pages,
// the backend endpoint, the websocket each page uses to drive its session,
// client assets and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livetemplate/wizard"
	"github.com/livetemplate/wizard/internal/assets"
	"github.com/livetemplate/wizard/internal/backend"
	"github.com/livetemplate/wizard/internal/bundle"
	"github.com/livetemplate/wizard/internal/cache"
	"github.com/livetemplate/wizard/internal/config"
	"github.com/livetemplate/wizard/internal/metrics"
	"github.com/livetemplate/wizard/internal/render"
	"github.com/livetemplate/wizard/internal/storage"
)

// Server is the wizard HTTP server.
type Server struct {
	dir   string
	debug bool
	now   func() time.Time

	backend   *backend.Handler
	api       http.Handler
	metrics   *metrics.Recorder
	storage   storage.Provider
	snapshots *cache.MemoryCache
	handler   http.Handler

	mu       sync.RWMutex
	config   *config.Config
	renderer *render.Renderer
	bundles  *bundle.Loader
	retired  []*bundle.Loader // Replaced by a reload; sessions may still use them
	sessions map[string]*session

	connections map[*websocket.Conn]bool
	connMu      sync.RWMutex
	watcher     *Watcher
	cancel      context.CancelFunc
	rateDone    <-chan struct{}
}

// New creates a server for the wizard configured in dir.
func New(dir string, cfg *config.Config) (*Server, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	provider, err := storage.Open(storageConfig(dir, cfg.Storage))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	debug := cfg.Server.Debug || config.IsDebug()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		dir:         dir,
		debug:       debug,
		now:         time.Now,
		metrics:     metrics.New(),
		storage:     provider,
		snapshots:   cache.NewMemoryCache(),
		config:      cfg,
		renderer:    render.New(cfg),
		bundles:     bundle.NewLoader(dir, cfg),
		sessions:    make(map[string]*session),
		connections: make(map[*websocket.Conn]bool),
		cancel:      cancel,
	}
	s.backend = backend.New(backend.Options{
		Config:   cfg,
		Redirect: !cfg.Features.InPlace,
		Debug:    debug,
	})

	rateLimit, done := RateLimitMiddleware(ctx, cfg.API.GetRateLimitRPS(), cfg.API.GetRateLimitBurst(), cfg.API.GetMaxTrackedIPs())
	s.rateDone = done
	s.api = CORSMiddleware(cfg.API.GetCORSOrigins())(rateLimit(s.backend))
	s.handler = s.routes(cfg)

	go s.sweepSessions(ctx)
	return s, nil
}

// storageConfig resolves a relative sqlite path against the wizard directory.
func storageConfig(dir string, sc config.StorageConfig) config.StorageConfig {
	if sc.GetDriver() != "sqlite" {
		return sc
	}
	dsn := sc.GetDSN()
	if dsn != ":memory:" && !filepath.IsAbs(dsn) && !strings.HasPrefix(dsn, "file:") {
		sc.DSN = filepath.Join(dir, dsn)
	}
	return sc
}

func (s *Server) routes(cfg *config.Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.BasePath, s.servePage)
	mux.Handle("/api/wizard", s.api)
	mux.HandleFunc("/ws", s.serveWebSocket)
	mux.HandleFunc("/assets/", s.serveAsset)
	mux.HandleFunc("/campaigns/", s.serveCampaign)
	if cfg.Features.Metrics {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, cfg.BasePath, http.StatusSeeOther)
	})

	return SecurityHeadersMiddleware()(WithCompression(cfg.BasePath, mux))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Backend returns the in-process wizard backend.
func (s *Server) Backend() *backend.Handler {
	return s.backend
}

// Metrics returns the server's metrics recorder.
func (s *Server) Metrics() *metrics.Recorder {
	return s.metrics
}

// Config returns the active configuration.
func (s *Server) Config() *config.Config {
	cfg, _, _ := s.current()
	return cfg
}

func (s *Server) current() (*config.Config, *render.Renderer, *bundle.Loader) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config, s.renderer, s.bundles
}

// servePage renders the step named by the query string for the request's
// session. ?fresh=1 discards cached progress; ?campaign=<id> opens an
// existing campaign for editing.
func (s *Server) servePage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	opts := sessionOptions{fresh: q.Get("fresh") == "1"}
	if id := q.Get("campaign"); id != "" {
		snapshot, ok := s.backend.Snapshot(id)
		if !ok {
			http.Error(w, "campaign not found", http.StatusNotFound)
			return
		}
		opts.edit = snapshot
	}

	sess, err := s.sessionFor(w, r, opts)
	if err != nil {
		log.Printf("[Server] Failed to start session: %v", err)
		http.Error(w, wizard.UserMessage(err), http.StatusInternalServerError)
		return
	}

	o := sess.orch
	if err := o.Resume(r.Context()); err != nil {
		log.Printf("[Server] Session %s resumed without its step: %v", sess.id, err)
	}
	cfg, renderer, _ := s.current()
	state := o.State()
	if raw := q.Get("step"); raw != "" {
		step, ok := wizard.ParseStep(raw)
		if ok && step != state.CurrentStep {
			reached, err := o.HistoryNavigate(r.Context(), r.URL.String())
			if err != nil {
				log.Printf("[Server] Failed to open %s: %v", step, err)
			}
			if err == nil && reached != step {
				// Unvisited steps are only entered through the forward protocol.
				http.Redirect(w, r, renderer.StepURL(reached), http.StatusSeeOther)
				return
			}
			state = o.State()
		}
	}

	step := state.CurrentStep
	o.RecordSnapshot(step, state.StepData[step])

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := renderer.Page(w, render.PageData{
		Step:      step,
		State:     state,
		SessionID: sess.id,
		Locked:    cfg.Step(string(step)).Gated && !config.IsPremium(),
	}); err != nil {
		log.Printf("[Server] Failed to render %s: %v", step, err)
	}
}

// serveAsset serves embedded client assets.
func (s *Server) serveAsset(w http.ResponseWriter, r *http.Request) {
	var (
		data        []byte
		err         error
		contentType string
	)
	switch strings.TrimPrefix(r.URL.Path, "/assets/") {
	case "wizard.js":
		data, err = assets.GetClientJS()
		contentType = "application/javascript"
	case "wizard.css":
		data, err = assets.GetClientCSS()
		contentType = "text/css"
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "Asset not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// serveCampaign answers the post-completion landing URL with the campaign.
func (s *Server) serveCampaign(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/campaigns/")
	camp, ok := s.backend.Campaign(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(camp); err != nil {
		log.Printf("[Server] Error encoding campaign %s: %v", id, err)
	}
}

// RegisterConnection adds a WebSocket connection to the tracked connections.
func (s *Server) RegisterConnection(conn *websocket.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.connections[conn] = true
	if s.debug {
		log.Printf("[Server] WebSocket connection registered: %d active connections", len(s.connections))
	}
}

// UnregisterConnection removes a WebSocket connection from tracked connections.
func (s *Server) UnregisterConnection(conn *websocket.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.connections, conn)
	if s.debug {
		log.Printf("[Server] WebSocket connection unregistered: %d active connections", len(s.connections))
	}
}

// Reload re-reads wizard.yaml. New sessions use the new configuration;
// open pages are told to reload.
func (s *Server) Reload() error {
	cfg, err := config.LoadFromDir(s.dir)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	s.mu.Lock()
	s.retired = append(s.retired, s.bundles)
	s.config = cfg
	s.renderer = render.New(cfg)
	s.bundles = bundle.NewLoader(s.dir, cfg)
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.view.ShowNotice(wizard.Notice{
			Level:   wizard.NoticeInfo,
			Message: "The wizard was updated. Reload the page to use the new version.",
		})
	}
	return nil
}

// EnableWatch reloads the configuration when wizard.yaml or a bundle changes.
func (s *Server) EnableWatch() error {
	watcher, err := NewWatcher(s.dir, func(filePath string) error {
		log.Printf("[Watch] File changed: %s", filePath)
		if err := s.Reload(); err != nil {
			return fmt.Errorf("failed to reload config: %w", err)
		}
		return nil
	}, s.debug)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	s.watcher = watcher
	s.watcher.Start()

	log.Printf("[Watch] Watching %s for config changes", s.dir)
	return nil
}

// Close ends every session and releases storage, bundles and timers.
func (s *Server) Close() error {
	s.cancel()
	<-s.rateDone

	var errs []error
	if s.watcher != nil {
		errs = append(errs, s.watcher.Stop())
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	loaders := append(s.retired, s.bundles)
	s.retired = nil
	s.mu.Unlock()

	for _, id := range ids {
		s.dropSession(id)
	}
	for _, l := range loaders {
		errs = append(errs, l.Close(context.Background()))
	}
	s.snapshots.Stop()
	errs = append(errs, s.storage.Close())
	return errors.Join(errs...)
}
