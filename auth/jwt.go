// Package auth validates bearer tokens presented by MCP clients over
// HTTP-based transports, backed by a JWKS endpoint.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ErrTokenInvalid is returned by Validator.Validate when the token fails
// signature, claims, or expiry validation. Callers map it to an
// unauthorized response; it is distinct from transport-level errors
// reaching the JWKS endpoint.
var ErrTokenInvalid = errors.New("token invalid")

// Claims is the set of validated claims carried by a bearer token.
type Claims jwt.MapClaims

// Subject returns the token's "sub" claim, or "" if absent.
func (c Claims) Subject() string {
	sub, _ := jwt.MapClaims(c).GetSubject()
	return sub
}

// JWKSConfig configures a Validator backed by a remote JSON Web Key Set.
type JWKSConfig struct {
	// JWKSURL is the URL serving the JSON Web Key Set. Required.
	JWKSURL string
	// ExpectedIssuer, if set, must match the token's "iss" claim.
	ExpectedIssuer string
	// ExpectedAudience, if set, must match the token's "aud" claim.
	ExpectedAudience string
	// ClockSkew is the leeway applied to "exp"/"nbf" validation.
	ClockSkew time.Duration
	// RefreshInterval controls how often the key set is re-fetched. Defaults to 1 hour.
	RefreshInterval time.Duration
}

// Validator authenticates a bearer token string and returns its claims.
type Validator interface {
	Validate(ctx context.Context, token string) (Claims, error)
}

// JWKSValidator implements Validator using a cached JSON Web Key Set.
type JWKSValidator struct {
	config JWKSConfig
	cache  *jwk.Cache
}

// NewJWKSValidator creates a Validator that fetches and caches signing keys
// from config.JWKSURL. The initial key set is fetched eagerly so
// configuration errors surface at construction time rather than on the
// first request.
func NewJWKSValidator(ctx context.Context, config JWKSConfig, client *http.Client) (*JWKSValidator, error) {
	if config.JWKSURL == "" {
		return nil, errors.New("auth: JWKSURL is required")
	}
	config.RefreshInterval = defaultRefreshInterval(config.RefreshInterval)
	if client == nil {
		client = http.DefaultClient
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(config.JWKSURL,
		jwk.WithMinRefreshInterval(config.RefreshInterval),
		jwk.WithHTTPClient(client)); err != nil {
		return nil, fmt.Errorf("auth: register JWKS url %s: %w", config.JWKSURL, err)
	}
	if _, err := cache.Refresh(ctx, config.JWKSURL); err != nil {
		return nil, fmt.Errorf("auth: initial JWKS fetch from %s: %w", config.JWKSURL, err)
	}

	return &JWKSValidator{config: config, cache: cache}, nil
}

// defaultRefreshInterval applies JWKSConfig.RefreshInterval's documented default.
func defaultRefreshInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}

// Validate parses and verifies token against the cached key set and the
// configured issuer/audience/clock-skew constraints.
func (v *JWKSValidator) Validate(ctx context.Context, token string) (Claims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return v.keyFunc(ctx, t)
	}, jwt.WithLeeway(v.config.ClockSkew))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("%w: token rejected", ErrTokenInvalid)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrTokenInvalid)
	}

	var opts []jwt.ParserOption
	if v.config.ExpectedIssuer != "" {
		opts = append(opts, jwt.WithIssuer(v.config.ExpectedIssuer))
	}
	if v.config.ExpectedAudience != "" {
		opts = append(opts, jwt.WithAudience(v.config.ExpectedAudience))
	}
	if v.config.ClockSkew > 0 {
		opts = append(opts, jwt.WithLeeway(v.config.ClockSkew))
	}
	if err := jwt.NewValidator(opts...).Validate(claims); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTokenInvalid, err)
	}

	return Claims(claims), nil
}

func (v *JWKSValidator) keyFunc(ctx context.Context, token *jwt.Token) (any, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("auth: jwt header missing kid")
	}

	keySet, err := v.cache.Get(ctx, v.config.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("auth: fetch key set: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		if _, err := v.cache.Refresh(ctx, v.config.JWKSURL); err != nil {
			return nil, fmt.Errorf("auth: key %q not found, refresh failed: %w", kid, err)
		}
		keySet, err = v.cache.Get(ctx, v.config.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("auth: fetch key set after refresh: %w", err)
		}
		key, found = keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("auth: key %q not found in JWKS after refresh", kid)
		}
	}

	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("auth: decode key %q: %w", kid, err)
	}
	return raw, nil
}

var _ Validator = (*JWKSValidator)(nil)
