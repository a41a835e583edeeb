package auth

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/amurg-ai/chathub/hub/config"
)

// IssuerVerifier validates tokens signed by an external identity provider
// using its published JWKS.
type IssuerVerifier struct {
	issuer        string
	usernameClaim string
	jwks          keyfunc.Keyfunc
}

// NewIssuerVerifier fetches the issuer's JWKS and keeps it refreshed until
// ctx is canceled.
func NewIssuerVerifier(ctx context.Context, cfg config.IssuerConfig) (*IssuerVerifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}
	return newIssuerVerifier(cfg, jwks), nil
}

// NewIssuerVerifierFromJSON builds a verifier from a static JWK Set.
func NewIssuerVerifierFromJSON(cfg config.IssuerConfig, raw json.RawMessage) (*IssuerVerifier, error) {
	jwks, err := keyfunc.NewJWKSetJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parse JWKS: %w", err)
	}
	return newIssuerVerifier(cfg, jwks), nil
}

func newIssuerVerifier(cfg config.IssuerConfig, jwks keyfunc.Keyfunc) *IssuerVerifier {
	claim := cfg.UsernameClaim
	if claim == "" {
		claim = "username"
	}
	return &IssuerVerifier{issuer: cfg.URL, usernameClaim: claim, jwks: jwks}
}

// Username verifies tokenStr and returns its username claim.
func (v *IssuerVerifier) Username(ctx context.Context, tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, v.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrUnauthorized
	}

	username, _ := claims[v.usernameClaim].(string)
	if username == "" {
		return "", ErrUnauthorized
	}
	return username, nil
}
