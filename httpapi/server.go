// Package httpapi exposes the session broker over HTTP: lifecycle routes
// per resource kind, operation routes for SSH and database sessions, host
// key management, and a health probe.
//
// Callers authenticate with a platform-issued bearer token; the owner
// identity it asserts is checked against session ownership on every route.
// Capability tokens ride in the URL path, the way the sessions were issued.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/stratal/sessiond/broker"
	"github.com/stratal/sessiond/dbres"
	"github.com/stratal/sessiond/internal/logctx"
	"github.com/stratal/sessiond/sessions"
	"github.com/stratal/sessiond/sshres"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// CallerVerifier authenticates the platform bearer token and yields the
// caller's owner id.
type CallerVerifier interface {
	VerifyCaller(ctx context.Context, bearer string) (uuid.UUID, error)
}

// Server wires the lifecycle brokers and executors to HTTP routes.
type Server struct {
	sshLifecycle broker.Lifecycle[sshres.Credentials]
	dbLifecycle  broker.Lifecycle[dbres.Credentials]
	sshExec      *sshres.Executor
	dbExec       *dbres.Executor
	hostKeys     *sshres.KnownHosts
	verifier     CallerVerifier
	health       func() map[string]any
	log          *slog.Logger
}

// Config carries the server's dependencies. All fields except Health and
// Logger are required.
type Config struct {
	SSHLifecycle broker.Lifecycle[sshres.Credentials]
	DBLifecycle  broker.Lifecycle[dbres.Credentials]
	SSHExecutor  *sshres.Executor
	DBExecutor   *dbres.Executor
	HostKeys     *sshres.KnownHosts
	Verifier     CallerVerifier
	// Health supplies extra fields for the health probe body.
	Health func() map[string]any
	Logger *slog.Logger
}

// New builds the server.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = slog.New(logctx.Handler{Handler: log.Handler()})
	return &Server{
		sshLifecycle: cfg.SSHLifecycle,
		dbLifecycle:  cfg.DBLifecycle,
		sshExec:      cfg.SSHExecutor,
		dbExec:       cfg.DBExecutor,
		hostKeys:     cfg.HostKeys,
		verifier:     cfg.Verifier,
		health:       cfg.Health,
		log:          log,
	}
}

// Routes assembles the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(s.annotateRequest)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireCaller)

		r.Route("/lifecycle/{kind}", func(r chi.Router) {
			r.Use(s.annotateSession)
			r.With(s.requireJSON).Post("/init", s.handleInit)
			r.Post("/{token}/keepalive", s.handleKeepalive)
			r.Post("/{token}/release", s.handleRelease)
		})

		r.Route("/ops/ssh/{token}", func(r chi.Router) {
			r.Use(s.annotateSession)
			r.With(s.requireJSON).Post("/execute-command", s.handleExecuteCommand)
			r.Get("/sftp/list", s.handleSFTPList)
			r.Get("/sftp/download", s.handleSFTPDownload)
			r.Post("/sftp/upload", s.handleSFTPUpload)
		})

		r.Route("/ops/db/{token}", func(r chi.Router) {
			r.Use(s.annotateSession)
			r.With(s.requireJSON).Post("/query", s.handleDBQuery)
			r.Get("/schema", s.handleDBSchema)
			r.Post("/test-connection", s.handleDBTestConnection)
		})

		r.Route("/hostkeys", func(r chi.Router) {
			r.Get("/", s.handleHostKeyList)
			r.With(s.requireJSON).Post("/", s.handleHostKeyTrust)
			r.Delete("/{host}", s.handleHostKeyForget)
		})
	})

	return r
}

// annotateRequest attaches request identity to the context so every log
// line emitted while serving it carries the req group.
func (s *Server) annotateRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  chimw.GetReqID(r.Context()),
			Method:     r.Method,
			Path:       r.URL.Path,
			RemoteAddr: r.RemoteAddr,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type ctxKey int

const callerKey ctxKey = iota

// requireCaller authenticates the bearer token and stashes the caller's
// owner id in the request context.
func (s *Server) requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		bearer, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || bearer == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		caller, err := s.verifier.VerifyCaller(r.Context(), bearer)
		if err != nil {
			s.log.Warn("caller authentication failed", "err", err)
			writeError(w, http.StatusUnauthorized, "invalid platform credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
	})
}

// annotateSession attaches what is known about the addressed session
// before authorization runs, so failures are attributable too.
func (s *Server) annotateSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sd := &logctx.SessionData{
			OwnerID: callerFrom(r).String(),
			Kind:    chi.URLParam(r, "kind"),
		}
		if tok := tokenParam(r); tok != "" {
			sd.TokenDigest = sessions.TokenDigest(tok)
		}
		next.ServeHTTP(w, r.WithContext(logctx.WithSessionData(r.Context(), sd)))
	})
}

func callerFrom(r *http.Request) uuid.UUID {
	caller, _ := r.Context().Value(callerKey).(uuid.UUID)
	return caller
}

// requireJSON enforces a JSON request body.
func (s *Server) requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.health != nil {
		for k, v := range s.health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func tokenParam(r *http.Request) string {
	return chi.URLParam(r, "token")
}

func kindParam(r *http.Request) (sessions.Kind, error) {
	return sessions.ParseKind(chi.URLParam(r, "kind"))
}
