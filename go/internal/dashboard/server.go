package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hackforge/go/internal/models"
	"github.com/mcdev12/hackforge/go/internal/session"
)

const maxBodyBytes = 64 << 10

type loginRequest struct {
	AccessCode string `json:"accessCode"`
}

type scoreRequest struct {
	Score *int `json:"score"`
}

type issueRequest struct {
	IssueText string `json:"issueText"`
}

type domainRequest struct {
	DomainID string `json:"domainId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes the shell over HTTP for the dashboard front end
type Server struct {
	shell   *Shell
	router  chi.Router
	origins []string
}

// NewServer builds the router. An empty origin list allows any origin.
func NewServer(shell *Shell, allowedOrigins []string) *Server {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	s := &Server{shell: shell, origins: allowedOrigins}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Post("/scores/{game}", s.handleScore)
		r.Post("/issues", s.handleIssue)
		r.Post("/domain", s.handleDomain)
		r.Post("/domains/refresh", s.handleDomainsRefresh)
	})
	s.router = r
	return s
}

// Handler returns the router wrapped in CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: s.origins,
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("failed to write health check response")
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.shell.View())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.shell.Login(r.Context(), req.AccessCode); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.shell.View())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.shell.Logout(r.Context())
	writeJSON(w, http.StatusOK, s.shell.View())
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	game, err := models.ParseGame(chi.URLParam(r, "game"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var req scoreRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Score == nil {
		writeError(w, http.StatusBadRequest, "score is required")
		return
	}

	if err := s.shell.SubmitScore(r.Context(), game, *req.Score); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.shell.View())
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.shell.SubmitIssue(r.Context(), req.IssueText); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.shell.View())
}

func (s *Server) handleDomain(w http.ResponseWriter, r *http.Request) {
	var req domainRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.shell.SelectDomain(r.Context(), req.DomainID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.shell.View())
}

func (s *Server) handleDomainsRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.shell.RequestDomains(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		log.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request rejected")
	}
	writeError(w, status, UserMessage(err))
}

// StatusCode maps shell and session errors onto HTTP statuses
func StatusCode(err error) int {
	switch {
	case errors.Is(err, session.ErrNotAuthenticated),
		errors.Is(err, session.ErrInvalidCredential),
		errors.Is(err, session.ErrNoCredential):
		return http.StatusUnauthorized
	case session.IsDenied(err):
		return http.StatusConflict
	case errors.Is(err, ErrFeatureClosed):
		return http.StatusForbidden
	case errors.Is(err, ErrAlreadyPlayed),
		errors.Is(err, ErrDomainChosen),
		errors.Is(err, ErrDomainRejected),
		errors.Is(err, ErrBusy),
		errors.Is(err, ErrSessionEnded),
		errors.Is(err, session.ErrSuperseded),
		errors.Is(err, session.ErrAlreadyAuthenticated):
		return http.StatusConflict
	case errors.Is(err, ErrEmptyIssue),
		errors.Is(err, ErrDomainUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func readJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntaxError *json.SyntaxError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("body must not be empty")
		case errors.As(err, &syntaxError):
			return fmt.Errorf("body contains badly-formed JSON (at character %d)", syntaxError.Offset)
		default:
			return fmt.Errorf("invalid body: %w", err)
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
