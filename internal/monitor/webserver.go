// Package monitor exposes a running capture over HTTP and gRPC: a JSON state
// API, tsweb debug pages with live SQL over the catalog, a scan chart, and a
// gRPC health service.
package monitor

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/gridcapture/internal/capture"
	"github.com/banshee-data/gridcapture/internal/catalog"
	"github.com/banshee-data/gridcapture/internal/httputil"
	"github.com/banshee-data/gridcapture/internal/monitoring"
	"github.com/banshee-data/gridcapture/internal/sensors"
	"github.com/banshee-data/gridcapture/internal/version"
)

// StateSource reports the engine state.
type StateSource interface {
	Snapshot() capture.Snapshot
}

// ScanSource exposes the most recent range scan.
type ScanSource interface {
	LastScan() []float64
	Config() sensors.ScannerConfig
}

// TransformSource reports a sensor's world pose as a transform string.
type TransformSource interface {
	TransformString() string
}

// WebServerConfig contains configuration options for the web server. Scanner,
// Sensors and Catalog are optional.
type WebServerConfig struct {
	Address string
	State   StateSource
	Scanner ScanSource
	// Sensors maps frame names to sensors whose poses /api/sensors reports.
	Sensors map[string]TransformSource
	Catalog *catalog.Catalog
}

// WebServer serves the debug and state endpoints.
type WebServer struct {
	address string
	state   StateSource
	scanner ScanSource
	sensors map[string]TransformSource
	catalog *catalog.Catalog
	server  *http.Server
	handler http.Handler
	log     *logrus.Entry
}

// NewWebServer builds the route table. It fails only when the SQL console
// cannot be created.
func NewWebServer(cfg WebServerConfig) (*WebServer, error) {
	if cfg.State == nil {
		return nil, errors.New("monitor: state source is required")
	}
	ws := &WebServer{
		address: cfg.Address,
		state:   cfg.State,
		scanner: cfg.Scanner,
		sensors: cfg.Sensors,
		catalog: cfg.Catalog,
		log:     monitoring.Component("monitor"),
	}
	mux, err := ws.setupRoutes()
	if err != nil {
		return nil, err
	}
	ws.handler = mux
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws, nil
}

// Handler returns the root handler.
func (ws *WebServer) Handler() http.Handler { return ws.handler }

// Start serves until ctx is cancelled, then shuts down.
func (ws *WebServer) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		ws.log.Infof("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	ws.log.Info("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		ws.log.WithError(err).Warn("HTTP server shutdown error")
		if err := ws.server.Close(); err != nil {
			ws.log.WithError(err).Warn("HTTP server force close error")
		}
	}
	ws.log.Info("HTTP server routine stopped")
	return nil
}

func (ws *WebServer) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/state", ws.handleState)
	mux.HandleFunc("/api/sensors", ws.handleSensors)
	mux.HandleFunc("/api/runs", ws.handleRuns)
	mux.HandleFunc("/api/runs/{id}", ws.handleRun)

	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.String())
	debug.HandleFunc("state", "Capture state", ws.handleState)
	if ws.scanner != nil {
		debug.HandleFunc("scan", "Latest range scan (XY)", ws.handleScanChart)
	}
	if ws.catalog != nil {
		tsql, err := tailsql.NewServer(tailsql.Options{
			RoutePrefix: "/debug/tailsql/",
		})
		if err != nil {
			return nil, err
		}
		tsql.SetDB("sqlite://"+ws.catalog.Path(), ws.catalog.DB(), &tailsql.DBOptions{
			Label: "Capture catalog",
		})
		debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	}
	return mux, nil
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	snap := ws.state.Snapshot()
	httputil.WriteJSONOK(w, map[string]string{
		"status":  "ok",
		"version": version.Version,
		"state":   snap.State,
	})
}

func (ws *WebServer) handleState(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	httputil.WriteJSONOK(w, ws.state.Snapshot())
}

func (ws *WebServer) handleSensors(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	transforms := make(map[string]string, len(ws.sensors))
	for name, s := range ws.sensors {
		transforms[name] = s.TransformString()
	}
	httputil.WriteJSONOK(w, transforms)
}

// runView is the JSON shape of a catalog run.
type runView struct {
	ID        string         `json:"run_id"`
	RunDir    string         `json:"run_dir"`
	Scene     string         `json:"scene,omitempty"`
	PlanLen   int            `json:"plan_len"`
	Rejected  int            `json:"rejected"`
	Started   time.Time      `json:"started"`
	Finished  *time.Time     `json:"finished,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Error     string         `json:"error,omitempty"`
	Artifacts map[string]int `json:"artifacts,omitempty"`
	Rooms     []string       `json:"rooms,omitempty"`
}

func newRunView(r catalog.Run) runView {
	v := runView{
		ID:       r.ID,
		RunDir:   r.RunDir,
		Scene:    r.Scene,
		PlanLen:  r.PlanLen,
		Rejected: r.Rejected,
		Started:  r.Started.UTC(),
		Outcome:  r.Outcome,
		Error:    r.Error,
	}
	if !r.Finished.IsZero() {
		f := r.Finished.UTC()
		v.Finished = &f
	}
	return v
}

// handleRuns lists recent runs, newest first.
// Query params:
//
//	limit (optional, default 20, max 500)
func (ws *WebServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	if ws.catalog == nil {
		httputil.NotFound(w, "catalog disabled")
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 || n > 500 {
			httputil.BadRequest(w, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	runs, err := ws.catalog.Runs(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, newRunView(run))
	}
	httputil.WriteJSONOK(w, out)
}

// handleRun returns one run with its artifact counts and rooms.
func (ws *WebServer) handleRun(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	if ws.catalog == nil {
		httputil.NotFound(w, "catalog disabled")
		return
	}
	id := r.PathValue("id")
	run, err := ws.catalog.Run(id)
	if errors.Is(err, catalog.ErrRunNotFound) {
		httputil.NotFound(w, "unknown run "+id)
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	v := newRunView(run)
	if v.Artifacts, err = ws.catalog.ArtifactCounts(id); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if v.Rooms, err = ws.catalog.Rooms(id); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, v)
}
