// Package server is the browser front end: a mode menu, upload endpoints and
// websocket-driven streaming sessions.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/andresmejia3/emoscope/internal/capability"
	"github.com/andresmejia3/emoscope/internal/config"
	"github.com/andresmejia3/emoscope/internal/pipeline"
	"github.com/andresmejia3/emoscope/internal/source"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/rs/zerolog/log"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTmpl = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// Options wires the server to the rest of the program.
type Options struct {
	Config       *config.Config
	Capabilities types.Capabilities
	Processor    *pipeline.Processor // a processor without a detector serves display-only results
	Manager      *pipeline.Manager
	History      pipeline.History // optional

	OpenCamera func(ctx context.Context) (source.Source, error)
	OpenVideo  func(ctx context.Context, path string) (source.Source, error)
}

// Server serves the UI. Nothing in here exits the process; every failure becomes a message.
type Server struct {
	opts Options
	mux  *http.ServeMux

	mu      sync.Mutex
	pending map[string]pendingUpload // session id -> uploaded video
	feeds   map[string]*feed
}

// New builds the handler tree.
func New(opts Options) *Server {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Manager == nil {
		opts.Manager = pipeline.NewManager()
	}
	if opts.Processor == nil {
		opts.Processor = pipeline.NewProcessor(nil, nil)
	}
	if opts.OpenVideo == nil {
		opts.OpenVideo = source.NewVideo
	}
	if opts.OpenCamera == nil {
		spec := capability.HostCamera(opts.Config.Camera)
		opts.OpenCamera = func(ctx context.Context) (source.Source, error) {
			return source.NewCamera(ctx, spec)
		}
	}
	if opts.Processor.Degraded() && opts.Capabilities.InferenceAvailable {
		opts.Capabilities = capability.Degrade(opts.Capabilities, errors.New("detector not loaded"))
	}

	s := &Server{
		opts:    opts,
		mux:     http.NewServeMux(),
		pending: make(map[string]pendingUpload),
		feeds:   make(map[string]*feed),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /api/capabilities", s.handleCapabilities)
	s.mux.HandleFunc("POST /api/image", s.handleImage)
	s.mux.HandleFunc("POST /api/webcam", s.handleWebcam)
	s.mux.HandleFunc("POST /api/video", s.handleVideo)
	s.mux.HandleFunc("GET /ws/session/{id}", s.handleSessionSocket)
	s.mux.HandleFunc("GET /ws/live", s.handleLiveSocket)
	s.mux.HandleFunc("GET /stream/{file}", s.handleStream)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe runs until ctx is cancelled, then stops every session and drains connections.
// Uploads that were never streamed are removed on the way out.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Config.Server.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", srv.Addr).Msg("web UI listening")
	defer s.dropPending()

	sweep := time.NewTicker(pendingSweep)
	defer sweep.Stop()
	for {
		select {
		case err := <-errCh:
			return err
		case now := <-sweep.C:
			s.expirePending(now)
		case <-ctx.Done():
			s.opts.Manager.StopAll()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	}
}

type indexData struct {
	Decisions []capability.Decision
	Caps      types.Capabilities
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := indexData{Decisions: capability.GateAll(s.opts.Capabilities), Caps: s.opts.Capabilities}
	if err := indexTmpl.Execute(w, data); err != nil {
		log.Error().Err(err).Msg("failed to render index")
	}
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"capabilities": s.opts.Capabilities,
		"modes":        capability.GateAll(s.opts.Capabilities),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

type errorResponse struct {
	Error    string     `json:"error"`
	Redirect types.Mode `json:"redirect,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
