// Package auth decides whether a path is password protected and verifies
// the credentials presented for it.
//
// Protection is configured as a list of folder paths. Each protected folder
// holds a .password marker whose trimmed content is the folder password.
// The nearest protected ancestor of a path governs it.
package auth

import (
	"context"
	"errors"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-pkgz/lcw/v2"

	"odindex/internal/drive"
	"odindex/internal/fsutil"
)

// MarkerReader reads password markers from the drive.
type MarkerReader interface {
	ReadFile(ctx context.Context, accessToken, p string) ([]byte, error)
}

// Kind tags a Decision.
type Kind int

const (
	// Public paths are not under any protected route.
	Public Kind = iota
	// NeedsAuth paths require the password in Decision.Password.
	NeedsAuth
	// UpstreamFailure means the marker lookup failed. Callers must fail
	// closed and answer with Decision.Code.
	UpstreamFailure
)

func (k Kind) String() string {
	switch k {
	case Public:
		return "PUBLIC"
	case NeedsAuth:
		return "PRIVATE"
	case UpstreamFailure:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Messages carried by decisions.
const (
	MsgPasswordRequired = "Password required."
	MsgNoPasswordSet    = "You didn't set a password."
)

// Decision is the outcome of resolving a path.
type Decision struct {
	Kind Kind

	// AuthPath is the governing protected route, the session passKey key.
	AuthPath string
	// Password is the trimmed content of AuthPath/.password.
	Password string

	// Code and Message describe an UpstreamFailure.
	Code    int
	Message string
}

// Protected reports whether the path is governed by a protected route,
// whether or not its marker could be read.
func (d Decision) Protected() bool { return d.Kind != Public }

// Resolver maps paths to decisions.
type Resolver struct {
	routes []string // longest first
	drive  MarkerReader
	cache  lcw.LoadingCache[string]
}

// NewResolver builds a resolver over routes. Successful marker reads are
// cached for ttl; ttl <= 0 reads the marker on every call.
func NewResolver(routes []string, d MarkerReader, ttl time.Duration) (*Resolver, error) {
	if d == nil {
		return nil, errors.New("auth: marker reader is required")
	}
	seen := map[string]bool{}
	rs := make([]string, 0, len(routes))
	for _, r := range routes {
		if strings.TrimSpace(r) == "" {
			continue
		}
		r = fsutil.Normalize(r)
		if k := strings.ToLower(r); !seen[k] {
			seen[k] = true
			rs = append(rs, r)
		}
	}
	sort.Slice(rs, func(i, j int) bool {
		if len(rs[i]) != len(rs[j]) {
			return len(rs[i]) > len(rs[j])
		}
		return rs[i] < rs[j]
	})

	var cache lcw.LoadingCache[string]
	if ttl > 0 {
		o := lcw.NewOpts[string]()
		c, err := lcw.NewExpirableCache(o.MaxKeys(1024), o.TTL(ttl))
		if err != nil {
			return nil, err
		}
		cache = c
	} else {
		cache = lcw.NewNopCache[string]()
	}
	return &Resolver{routes: rs, drive: d, cache: cache}, nil
}

// Routes returns the protected routes, longest first.
func (r *Resolver) Routes() []string {
	return append([]string(nil), r.routes...)
}

// Route returns the nearest protected ancestor of the normalized path p.
func (r *Resolver) Route(p string) (string, bool) {
	for _, rt := range r.routes {
		if fsutil.Within(p, rt) {
			return rt, true
		}
	}
	return "", false
}

// Resolve decides how p is protected, reading the governing marker with
// accessToken. A failed marker read never downgrades p to Public.
func (r *Resolver) Resolve(ctx context.Context, p, accessToken string) Decision {
	route, ok := r.Route(fsutil.Normalize(p))
	if !ok {
		return Decision{Kind: Public}
	}
	marker := path.Join(route, fsutil.MarkerName)
	content, err := r.cache.Get(route, func() (string, error) {
		b, err := r.drive.ReadFile(ctx, accessToken, marker)
		if err != nil {
			return "", err
		}
		return string(b), nil
	})
	if err != nil {
		if drive.IsNotFound(err) {
			return Decision{Kind: UpstreamFailure, AuthPath: route, Code: http.StatusNotFound, Message: MsgNoPasswordSet}
		}
		return Decision{Kind: UpstreamFailure, AuthPath: route, Code: drive.StatusOf(err), Message: drive.MessageOf(err)}
	}
	return Decision{
		Kind:     NeedsAuth,
		AuthPath: route,
		Password: strings.TrimSpace(content),
		Code:     http.StatusUnauthorized,
		Message:  MsgPasswordRequired,
	}
}

// Authorized reports whether a passKey stored for d.AuthPath unlocks d.
// An empty password never matches.
func (d Decision) Authorized(passKey string) bool {
	if d.Kind != NeedsAuth || d.Password == "" || passKey == "" {
		return false
	}
	return equalConstantTime(passKey, d.Password)
}
