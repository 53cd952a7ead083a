// Package monitor serves the read-only operator surface: the latest
// pipeline snapshot, publisher status, the loss journal and a websocket
// push of every cycle. Debug-only routes hang off tsweb's /debug/ page.
package monitor

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/gauge.report/internal/httputil"
	"github.com/banshee-data/gauge.report/internal/journal"
	"github.com/banshee-data/gauge.report/internal/monitoring"
	"github.com/banshee-data/gauge.report/internal/pipeline"
	"github.com/banshee-data/gauge.report/internal/publisher"
	"github.com/banshee-data/gauge.report/internal/timeutil"
	"github.com/banshee-data/gauge.report/internal/version"
)

//go:embed status.html
var statusHTML embed.FS

// SnapshotSource is the pipeline view the monitor reads.
// *pipeline.Pipeline implements it.
type SnapshotSource interface {
	Snapshot() *pipeline.Snapshot
	Subscribe() (int, <-chan *pipeline.Snapshot)
	Unsubscribe(id int)
}

// StatusReporter reports publisher state. *publisher.Publisher implements it.
type StatusReporter interface {
	Status() publisher.Status
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address   string
	DeviceID  string
	Pipeline  SnapshotSource
	Publisher StatusReporter   // optional
	Journal   *journal.Journal // optional; enables the journal routes
	// BackupDir holds temporary journal backups; empty uses os.TempDir.
	BackupDir string
	Clock     timeutil.Clock // nil uses the wall clock
}

// WebServer handles the HTTP interface.
type WebServer struct {
	cfg      WebServerConfig
	clock    timeutil.Clock
	server   *http.Server
	mux      *http.ServeMux
	tmpl     *template.Template
	upgrader websocket.Upgrader
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// NewWebServer builds the server and its routes. It does not listen.
func NewWebServer(cfg WebServerConfig) (*WebServer, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("monitor: pipeline is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	tmpl, err := template.ParseFS(statusHTML, "status.html")
	if err != nil {
		return nil, fmt.Errorf("monitor: parse status page: %w", err)
	}

	ws := &WebServer{
		cfg:   cfg,
		clock: cfg.Clock,
		mux:   http.NewServeMux(),
		tmpl:  tmpl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	ws.setupRoutes()
	if err := ws.attachAdminRoutes(); err != nil {
		return nil, err
	}
	ws.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           ws.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws, nil
}

// Handler exposes the routes, for tests and for embedding in another server.
func (ws *WebServer) Handler() http.Handler { return ws.mux }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (ws *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ws.cfg.Address)
	if err != nil {
		return fmt.Errorf("monitor: listen %s: %w", ws.cfg.Address, err)
	}
	return ws.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (ws *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		monitoring.Opsf("monitor listening on %s", ln.Addr())
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("monitor: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Opsf("monitor shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Opsf("monitor force close error: %v", err)
		}
	}
	monitoring.Diagf("monitor stopped")
	return nil
}

func (ws *WebServer) setupRoutes() {
	ws.mux.HandleFunc("/health", ws.handleHealth)
	ws.mux.HandleFunc("/", ws.handleStatus)
	ws.mux.HandleFunc("/api/snapshot", ws.handleSnapshot)
	ws.mux.HandleFunc("/api/publisher", ws.handlePublisher)
	ws.mux.HandleFunc("/api/journal/losses", ws.handleLosses)
	ws.mux.HandleFunc("/api/journal/rejections", ws.handleRejections)
	ws.mux.HandleFunc("/api/journal/summary", ws.handleSummary)
	ws.mux.HandleFunc("/ws/snapshots", ws.handleSnapshotStream)
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   "gauge",
		"version":   version.Version,
		"timestamp": ws.clock.Now().UTC().Format(time.RFC3339),
	})
}

type statusPage struct {
	DeviceID  string
	Version   string
	Snapshot  *pipeline.Snapshot
	Publisher *publisher.Status
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	page := statusPage{
		DeviceID: ws.cfg.DeviceID,
		Version:  version.Version,
		Snapshot: ws.cfg.Pipeline.Snapshot(),
	}
	if ws.cfg.Publisher != nil {
		st := ws.cfg.Publisher.Status()
		page.Publisher = &st
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := ws.tmpl.Execute(w, page); err != nil {
		monitoring.Diagf("render status page: %v", err)
	}
}

func (ws *WebServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := ws.cfg.Pipeline.Snapshot()
	if snap == nil {
		httputil.NotFound(w, "no frame processed yet")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (ws *WebServer) handlePublisher(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.cfg.Publisher == nil {
		httputil.NotFound(w, "publisher disabled")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws.cfg.Publisher.Status())
}

func (ws *WebServer) handleLosses(w http.ResponseWriter, r *http.Request) {
	ws.handleEntries(w, r, ws.cfg.Journal.Losses)
}

func (ws *WebServer) handleRejections(w http.ResponseWriter, r *http.Request) {
	ws.handleEntries(w, r, ws.cfg.Journal.Rejections)
}

func (ws *WebServer) handleEntries(w http.ResponseWriter, r *http.Request, list func(context.Context, int) ([]journal.Entry, error)) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.cfg.Journal == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := list(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	httputil.WriteJSON(w, http.StatusOK, entries)
}

func (ws *WebServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.cfg.Journal == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}
	sum, err := ws.cfg.Journal.Summary(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sum)
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", s)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
