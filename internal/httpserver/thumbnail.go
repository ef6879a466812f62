package httpserver

import (
	"net/http"
	"path"

	"odindex/internal/auth"
	"odindex/internal/drive"
	"odindex/internal/fsutil"
)

// handleThumbnail serves GET /api/thumbnail?path=...&size=small|medium|large
// as a redirect to the drive's thumbnail URL. Only session passKeys unlock
// protected thumbnails.
func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	q := r.URL.Query()
	size := q.Get("size")
	if size == "" {
		size = drive.SizeMedium
	}
	if !drive.ValidSize(size) {
		writeError(w, http.StatusBadRequest, msgInvalidSize)
		return
	}
	raw, msg, ok := pathParam(q)
	if !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	p := fsutil.Normalize(raw)
	if !fsutil.ValidThumbnailPath(p) {
		writeError(w, http.StatusBadRequest, msgPathInvalid)
		return
	}
	if fsutil.IsMarkerName(path.Base(p)) {
		writeError(w, http.StatusBadRequest, msgProtectedItem)
		return
	}

	token, ok := s.accessToken(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	d := s.resolver.Resolve(ctx, p, token)
	if d.Protected() {
		noCache(w)
	}
	switch d.Kind {
	case auth.UpstreamFailure:
		s.log.Warn("protection check failed", "path", p, "route", d.AuthPath, "status", d.Code)
		writeError(w, d.Code, d.Message)
		return
	case auth.NeedsAuth:
		passKey := s.passKey(r, d.AuthPath)
		if passKey == "" {
			writeError(w, http.StatusUnauthorized, d.Message)
			return
		}
		if !d.Authorized(passKey) {
			writeError(w, http.StatusUnauthorized, msgPasswordWrong)
			return
		}
	}

	item, err := s.drive.Item(ctx, token, p, drive.ThumbnailQuery)
	if err != nil {
		s.upstreamError(w, r, p, err)
		return
	}
	if fsutil.IsMarkerName(item.Name) {
		writeError(w, http.StatusBadRequest, msgProtectedItem)
		return
	}
	u := item.ThumbnailURL(size)
	if u == "" {
		writeError(w, http.StatusBadRequest, msgNoThumbnail)
		return
	}
	s.log.Debug("thumbnail", "access", d.Kind.String(), "path", p, "size", size)
	http.Redirect(w, r, u, http.StatusFound)
}
