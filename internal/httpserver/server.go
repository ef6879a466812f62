package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/cors"
	"golang.org/x/oauth2"

	"odindex/internal/auth"
	"odindex/internal/config"
	"odindex/internal/drive"
	"odindex/internal/logging"
	"odindex/internal/ratelimit"
	"odindex/internal/session"
)

// ProxyThreshold bounds what /api/raw streams through this process; larger
// files are always redirected.
const ProxyThreshold = 4 << 20

// TokenHeader carries an odpt and takes precedence over the query value.
const TokenHeader = "od-protected-token"

// Response messages.
const (
	msgNoPath          = "No path specified."
	msgBadPath         = "Path query invalid."
	msgPathInvalid     = "Path invalid."
	msgNoAccessToken   = "No access token."
	msgNotAuthed       = "Not authenticated."
	msgPasswordWrong   = "Password incorrect."
	msgBlocked         = "For security reasons, this file can't be downloaded."
	msgProtectedItem   = "The item is protected."
	msgNoDownloadURL   = "No download url found."
	msgNoThumbnail     = "The item doesn't have a valid thumbnail."
	msgInvalidSize     = "Invalid size"
	msgBadRequest      = "Bad request."
	msgMethod          = "Method not allowed."
	msgSessionFailed   = "Could not save session."
	placeholderPathArg = "[...path]"
)

type Options struct {
	Config   config.Config
	Drive    drive.Drive
	Tokens   oauth2.TokenSource
	Resolver *auth.Resolver
	Sessions *session.Manager

	// Optional.
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
	// Local serves the signed URLs of a local drive under drive.LocalPrefix.
	Local http.Handler
}

type Server struct {
	cfg      config.Config
	drive    drive.Drive
	tokens   oauth2.TokenSource
	resolver *auth.Resolver
	sessions *session.Manager
	limiter  *ratelimit.Limiter
	log      *slog.Logger
	local    http.Handler
}

func New(opts Options) (*Server, error) {
	switch {
	case opts.Drive == nil:
		return nil, errors.New("httpserver: drive is required")
	case opts.Resolver == nil:
		return nil, errors.New("httpserver: resolver is required")
	case opts.Sessions == nil:
		return nil, errors.New("httpserver: session manager is required")
	}
	lg := opts.Logger
	if lg == nil {
		lg = logging.Nop()
	}
	return &Server{
		cfg:      opts.Config,
		drive:    opts.Drive,
		tokens:   opts.Tokens,
		resolver: opts.Resolver,
		sessions: opts.Sessions,
		limiter:  opts.Limiter,
		log:      lg,
		local:    opts.Local,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	rawCORS := cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
		AllowedHeaders: []string{TokenHeader},
		MaxAge:         300,
	})

	mux.Handle("/api/raw", s.limit(rawCORS(http.HandlerFunc(s.handleRaw))))
	mux.Handle("/api/thumbnail", s.limit(http.HandlerFunc(s.handleThumbnail)))
	mux.Handle("/api/auth", s.limit(http.HandlerFunc(s.handleAuth)))

	if s.local != nil {
		mux.Handle(drive.LocalPrefix+"/", s.local)
	}
	return withHeaders(mux)
}

func (s *Server) limit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return s.limiter.Middleware(next)
}

// accessToken fetches the current drive token.
func (s *Server) accessToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	tok, err := drive.AccessToken(s.tokens)
	if err != nil {
		s.log.Error("access token unavailable", "err", err, "path", r.URL.Path)
		writeError(w, http.StatusForbidden, msgNoAccessToken)
		return "", false
	}
	return tok, true
}

// passKey returns the passKey the visitor stored for authPath. Session
// store failures only cost the visitor their session.
func (s *Server) passKey(r *http.Request, authPath string) string {
	sess, err := s.sessions.Load(r)
	if err != nil {
		s.log.Warn("session load failed", "err", err)
	}
	return sess.PassKey(authPath)
}

// upstreamError answers with the upstream status, or 500/504.
func (s *Server) upstreamError(w http.ResponseWriter, r *http.Request, p string, err error) {
	if r.Context().Err() != nil {
		s.log.Debug("client went away", "path", p, "err", err)
		return
	}
	status := drive.StatusOf(err)
	s.log.Warn("upstream request failed", "path", p, "status", status, "err", err)
	writeError(w, status, drive.MessageOf(err))
}

// pathParam extracts the single "path" query value.
func pathParam(q url.Values) (string, string, bool) {
	vals, ok := q["path"]
	if !ok || len(vals) == 0 {
		return "", msgNoPath, false
	}
	if len(vals) > 1 {
		return "", msgBadPath, false
	}
	if vals[0] == placeholderPathArg {
		return "", msgNoPath, false
	}
	return vals[0], "", true
}

// noCache keeps protected responses out of shared caches.
func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Need-NoCache", "yes")
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	writeError(w, http.StatusMethodNotAllowed, msgMethod)
	return false
}
