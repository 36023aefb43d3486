package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fabfab/docchat/chat"
	"github.com/fabfab/docchat/logging"
)

const maxBodyBytes = 64 * 1024

// SourceLister exposes the documents the retriever can currently cite.
type SourceLister interface {
	Documents() []chat.SourceDocument
}

// Server exposes the chat sessions over JSON and Server-Sent Events.
type Server struct {
	sessions *chat.Manager
	sources  SourceLister
	info     Info
	logger   zerolog.Logger
	handler  http.Handler
}

type Options struct {
	Sessions *chat.Manager
	Sources  SourceLister
	// OpenAIEnabled controls whether the OpenAI models are advertised by /v1/info.
	OpenAIEnabled bool
	Logger        zerolog.Logger
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New constructs a Server around an existing session manager.
func New(opts Options) *Server {
	if opts.Sources == nil {
		opts.Sources = staticSources{}
	}

	s := &Server{
		sessions: opts.Sessions,
		sources:  opts.Sources,
		info:     newInfo(opts.OpenAIEnabled),
		logger:   opts.Logger,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(recordMetrics)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", s.handleInfo)
		r.Get("/sources", s.handleSources)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleDeleteSession)
				r.Post("/messages", s.handlePostMessage)
				r.Get("/events", s.handleEvents)
				r.Get("/settings", s.handleGetSettings)
				r.Put("/settings", s.handlePutSettings)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.info)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	docs := s.sources.Documents()
	out := make([]sourceResponse, len(docs))
	for i, doc := range docs {
		out[i] = toSourceResponse(doc)
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"sources": out})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger := logging.FromContext(r.Context(), s.logger)
		logger.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	logger := logging.FromContext(r.Context(), s.logger)
	event := logger.Warn()
	if status >= http.StatusInternalServerError {
		event = logger.Error()
	}
	event.Err(err).Int("status", status).Msg("api error")
	s.writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

// errorStatus maps chat errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, chat.ErrInvalidSettings):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrDriverClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}

type staticSources struct{}

func (staticSources) Documents() []chat.SourceDocument {
	return chat.DefaultSources()
}
