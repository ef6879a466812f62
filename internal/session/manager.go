package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// DeriveKey expands secret into a 32-byte key for one purpose. An empty
// secret yields a random key, so cookies and links do not survive a
// restart.
func DeriveKey(secret, purpose string) ([]byte, error) {
	key := make([]byte, 32)
	if secret == "" {
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("odindex "+purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return key, nil
}

// Options configure a Manager.
type Options struct {
	CookieName string
	Key        []byte
	TTL        time.Duration
	Secure     bool
}

// Manager binds sessions in a Store to browsers. The cookie is an HS256 JWT
// whose jti is the session id; it holds no passwords.
type Manager struct {
	store  Store
	name   string
	key    []byte
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

func NewManager(store Store, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	if len(opts.Key) < 32 {
		return nil, errors.New("session: key must be at least 32 bytes")
	}
	if opts.CookieName == "" {
		return nil, errors.New("session: cookie name is required")
	}
	if opts.TTL <= 0 {
		return nil, errors.New("session: ttl must be positive")
	}
	return &Manager{
		store:  store,
		name:   opts.CookieName,
		key:    opts.Key,
		ttl:    opts.TTL,
		secure: opts.Secure,
		now:    time.Now,
	}, nil
}

// ID returns the session id carried by the request cookie.
func (m *Manager) ID(r *http.Request) (string, error) {
	c, err := r.Cookie(m.name)
	if err != nil {
		return "", ErrNoSession
	}
	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(c.Value, claims, func(*jwt.Token) (any, error) {
		return m.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(m.now))
	if err != nil || claims.ID == "" {
		return "", ErrBadCookie
	}
	return claims.ID, nil
}

// Load returns the visitor's session. Without a valid cookie or stored
// session it returns an empty session and a nil error; only store failures
// are reported.
func (m *Manager) Load(r *http.Request) (*Session, error) {
	id, err := m.ID(r)
	if err != nil {
		return &Session{}, nil
	}
	sess, err := m.store.Get(r.Context(), id)
	if errors.Is(err, ErrNoSession) {
		return &Session{}, nil
	}
	if err != nil {
		return &Session{}, err
	}
	return sess, nil
}

// Remember stores password as the passKey for authPath, creating the
// session on first use, and refreshes the cookie.
func (m *Manager) Remember(ctx context.Context, w http.ResponseWriter, r *http.Request, authPath, password string) error {
	id, err := m.ID(r)
	sess := &Session{}
	if err == nil {
		got, gerr := m.store.Get(ctx, id)
		switch {
		case gerr == nil:
			sess = got
		case errors.Is(gerr, ErrNoSession):
		default:
			return gerr
		}
	} else {
		id = uuid.NewString()
	}
	sess.SetPassKey(authPath, password)
	if err := m.store.Save(ctx, id, sess, m.ttl); err != nil {
		return err
	}
	return m.setCookie(w, id)
}

func (m *Manager) setCookie(w http.ResponseWriter, id string) error {
	now := m.now()
	exp := now.Add(m.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := tok.SignedString(m.key)
	if err != nil {
		return fmt.Errorf("sign session cookie: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    signed,
		Path:     "/",
		Expires:  exp,
		MaxAge:   int(m.ttl / time.Second),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}
