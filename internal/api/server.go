// Package api exposes the service over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dshills/carecall/internal/logger"
	"github.com/dshills/carecall/internal/schema"
	"github.com/dshills/carecall/internal/service"
)

const maxBodyBytes = 1 << 20

// Server routes HTTP requests to a service.Service.
type Server struct {
	router *chi.Mux
	svc    *service.Service
	log    *logger.Logger
	port   int
}

// Options configure the HTTP server.
type Options struct {
	Port        int
	CORSOrigins []string
}

// NewServer builds the router and middleware stack. A nil log discards
// request logs; empty CORSOrigins allows any origin.
func NewServer(svc *service.Service, opts Options, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(log))
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s := &Server{router: router, svc: svc, log: log.With("component", "api"), port: opts.Port}

	router.Get("/", s.root)
	router.Get("/health", s.health)
	router.Post("/analyze", s.analyze)
	router.Post("/update_analysis", s.updateAnalysis)
	router.Post("/regenerate/{component}", s.regenerate)
	router.Post("/clear_context", s.clearContext)
	router.Get("/provider_status", s.providerStatus)
	router.Post("/switch_provider/{provider}", s.switchProvider)
	router.Post("/api/update_keys", s.updateKeys)

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API server starting", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.log.Info("API server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	respondOK(w, map[string]string{"message": "Emma Incident Response System API", "status": "active"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondOK(w, s.svc.Health())
}

type analyzeRequest struct {
	Transcript string         `json:"transcript"`
	Metadata   map[string]any `json:"metadata"`
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	sessionID, _ := req.Metadata["session_id"].(string)
	res, err := s.svc.Analyze(r.Context(), req.Transcript, sessionID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondOK(w, res)
}

func (s *Server) updateAnalysis(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateRequest
	if err := decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := s.svc.Update(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondOK(w, res)
}

type regenerateRequest struct {
	Original schema.Document `json:"original"`
	Feedback string          `json:"feedback"`
}

func (s *Server) regenerate(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if err := decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	out, err := s.svc.Regenerate(r.Context(), chi.URLParam(r, "component"), req.Original, req.Feedback)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resp := map[string]any{"result": out.Document, "update_status": out.Status}
	if out.Err != nil {
		resp["update_error"] = out.Err.Error()
	}
	respondOK(w, resp)
}

type clearRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) clearContext(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.svc.ClearContext(r.Context(), req.SessionID)
	respondOK(w, map[string]string{"status": "context cleared"})
}

func (s *Server) providerStatus(w http.ResponseWriter, r *http.Request) {
	respondOK(w, s.svc.ProviderStatus())
}

func (s *Server) switchProvider(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.SwitchProvider(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondOK(w, st)
}

func (s *Server) updateKeys(w http.ResponseWriter, r *http.Request) {
	var keys service.Keys
	if err := decode(w, r, &keys); err != nil {
		s.respondError(w, r, err)
		return
	}
	st, err := s.svc.UpdateKeys(r.Context(), keys)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondOK(w, st)
}
