package drive

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"odindex/internal/config"
)

// GraphScopes are requested when refreshing the drive token.
var GraphScopes = []string{"user.read", "files.read.all", "offline_access"}

// ErrNoCredentials means neither a static token nor a refresh token is set.
var ErrNoCredentials = errors.New("drive: no access token or refresh token configured")

// NewTokenSource returns the access-token provider for the configured
// backend. Refreshing sources are wrapped in oauth2.ReuseTokenSource, so the
// token is cached until shortly before expiry and refreshed on demand.
func NewTokenSource(ctx context.Context, cfg config.Drive) (oauth2.TokenSource, error) {
	switch {
	case cfg.Backend == config.BackendLocal:
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "local", TokenType: "Bearer"}), nil
	case cfg.AccessToken != "":
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"}), nil
	case cfg.RefreshToken != "":
		tenant := cfg.TenantID
		if tenant == "" {
			tenant = "common"
		}
		oc := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
			Scopes:       GraphScopes,
		}
		return oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken}), nil
	default:
		return nil, ErrNoCredentials
	}
}

// AccessToken returns the current bearer token or an error if none can be
// obtained.
func AccessToken(ts oauth2.TokenSource) (string, error) {
	if ts == nil {
		return "", ErrNoCredentials
	}
	tok, err := ts.Token()
	if err != nil {
		return "", err
	}
	if tok == nil || tok.AccessToken == "" {
		return "", ErrNoCredentials
	}
	return tok.AccessToken, nil
}
