package httpserver

import (
	"encoding/json"
	"net/http"

	"odindex/internal/auth"
	"odindex/internal/fsutil"
)

type loginRequest struct {
	Path     string `json:"path"`
	Password string `json:"password"`
}

type loginResponse struct {
	OK       bool   `json:"ok"`
	AuthPath string `json:"authPath"`
}

// handleAuth serves POST /api/auth. A correct password for the folder
// governing path is stored in the visitor's session.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	noCache(w)

	var req loginRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10))
	if err := dec.Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, msgBadRequest)
		return
	}
	p := fsutil.Normalize(req.Path)

	token, ok := s.accessToken(w, r)
	if !ok {
		return
	}
	d := s.resolver.Resolve(r.Context(), p, token)
	switch d.Kind {
	case auth.Public:
		writeJSON(w, http.StatusOK, loginResponse{OK: true})
	case auth.UpstreamFailure:
		writeError(w, d.Code, d.Message)
	case auth.NeedsAuth:
		if !d.Authorized(req.Password) {
			s.log.Info("login rejected", "route", d.AuthPath)
			writeError(w, http.StatusUnauthorized, msgPasswordWrong)
			return
		}
		if err := s.sessions.Remember(r.Context(), w, r, d.AuthPath, req.Password); err != nil {
			s.log.Error("session save failed", "route", d.AuthPath, "err", err)
			writeError(w, http.StatusInternalServerError, msgSessionFailed)
			return
		}
		s.log.Info("login", "route", d.AuthPath)
		writeJSON(w, http.StatusOK, loginResponse{OK: true, AuthPath: d.AuthPath})
	}
}
