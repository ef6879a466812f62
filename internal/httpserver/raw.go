package httpserver

import (
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"odindex/internal/auth"
	"odindex/internal/drive"
	"odindex/internal/fsutil"
)

// proxiedHeaders are copied from the upstream download when proxying.
var proxiedHeaders = []string{"Content-Type", "Content-Length", "Content-Disposition", "ETag", "Last-Modified"}

// handleRaw serves GET /api/raw?path=...[&proxy=true][&odpt=...].
func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	q := r.URL.Query()
	raw, msg, ok := pathParam(q)
	if !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	p := fsutil.Normalize(raw)
	if fsutil.IsMarkerName(path.Base(p)) {
		s.log.Warn("blocked marker download", "path", p)
		writeError(w, http.StatusForbidden, msgBlocked)
		return
	}

	odpt := r.Header.Get(TokenHeader)
	if odpt == "" {
		odpt = q.Get("odpt")
	}
	proxy, _ := strconv.ParseBool(q.Get("proxy"))

	token, ok := s.accessToken(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	d := s.resolver.Resolve(ctx, p, token)
	if d.Kind == auth.UpstreamFailure {
		s.log.Warn("protection check failed", "path", p, "route", d.AuthPath, "status", d.Code)
		noCache(w)
		writeError(w, d.Code, d.Message)
		return
	}
	if d.Protected() {
		noCache(w)
	}
	s.log.Info("download", "access", d.Kind.String(), "path", p, "proxy", proxy, "odpt", yesNo(odpt != ""))

	item, err := s.drive.Item(ctx, token, p, drive.MetadataQuery)
	if err != nil {
		s.upstreamError(w, r, p, err)
		return
	}
	if fsutil.IsMarkerName(item.Name) {
		writeError(w, http.StatusForbidden, msgBlocked)
		return
	}
	if d.Kind == auth.NeedsAuth && !s.rawAuthorized(r, d, odpt, item.ID) {
		writeError(w, http.StatusUnauthorized, msgNotAuthed)
		return
	}
	if item.DownloadURL == "" {
		writeError(w, http.StatusNotFound, msgNoDownloadURL)
		return
	}

	if proxy && item.Size < ProxyThreshold {
		s.proxy(w, r, item, d.Protected())
		return
	}
	http.Redirect(w, r, item.DownloadURL, http.StatusFound)
}

// rawAuthorized accepts either a valid odpt for the item or the passKey
// stored in the visitor's session.
func (s *Server) rawAuthorized(r *http.Request, d auth.Decision, odpt, itemID string) bool {
	if auth.VerifyToken(odpt, d.Password, itemID) {
		return true
	}
	return d.Authorized(s.passKey(r, d.AuthPath))
}

// proxy streams a small file through this process. The upstream request
// shares the client's context, so a disconnect aborts it.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, item *drive.Item, protected bool) {
	dl, err := s.drive.Open(r.Context(), item.DownloadURL)
	if err != nil {
		s.upstreamError(w, r, item.Name, err)
		return
	}
	defer dl.Body.Close()

	h := w.Header()
	for _, k := range proxiedHeaders {
		if v := dl.Header.Get(k); v != "" {
			h.Set(k, v)
		}
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/octet-stream")
	}
	if h.Get("Content-Disposition") == "" {
		h.Set("Content-Disposition", attachment(item.Name))
	}
	if !protected && s.cfg.CacheControl != "" {
		h.Set("Cache-Control", s.cfg.CacheControl)
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if n, err := io.Copy(w, dl.Body); err != nil {
		s.log.Debug("proxy stream aborted", "name", item.Name, "written", n, "err", err)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func attachment(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}
