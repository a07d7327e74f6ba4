package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/opsdash/splitmanager/internal/config"
)

// TokenVerifier defines the interface for JWT token verification
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims represents the JWT claims from the OIDC provider
type Claims struct {
	UserID            string   `json:"sub"`
	Email             string   `json:"email,omitempty"`
	Name              string   `json:"name,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

const (
	discoveryPath    = "/.well-known/openid-configuration"
	discoveryTimeout = 30 * time.Second
	clockSkew        = 30 * time.Second
)

// signingMethods are the asymmetric algorithms accepted from the provider. HMAC
// tokens go through the legacy path instead.
var signingMethods = []string{"RS256", "RS384", "RS512", "PS256", "ES256", "ES384"}

// JWKSVerifier checks provider-signed tokens against the keys published at the
// issuer's jwks_uri. Keys are refreshed in the background until Close.
type JWKSVerifier struct {
	keys     keyfunc.Keyfunc
	stop     context.CancelFunc
	issuer   string
	audience string
}

type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

func NewJWKSVerifier(cfg *config.OIDCConfig) (*JWKSVerifier, error) {
	issuer := strings.TrimRight(cfg.Issuer, "/")
	if issuer == "" {
		return nil, errors.New("oidc issuer is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()
	doc, err := discover(ctx, resty.New().SetTimeout(discoveryTimeout), issuer)
	if err != nil {
		return nil, err
	}

	refreshCtx, stop := context.WithCancel(context.Background())
	keys, err := keyfunc.NewDefaultCtx(refreshCtx, []string{doc.JWKSURI})
	if err != nil {
		stop()
		return nil, fmt.Errorf("failed to load JWKS from %s: %w", doc.JWKSURI, err)
	}

	return &JWKSVerifier{
		keys:     keys,
		stop:     stop,
		issuer:   issuer,
		audience: cfg.ClientID,
	}, nil
}

// discover reads the provider metadata and checks it belongs to issuer
func discover(ctx context.Context, rc *resty.Client, issuer string) (*discoveryDocument, error) {
	var doc discoveryDocument
	resp, err := rc.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(&doc).
		Get(issuer + discoveryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode())
	}
	if doc.JWKSURI == "" {
		return nil, errors.New("jwks_uri not found in discovery document")
	}
	if doc.Issuer != "" && strings.TrimRight(doc.Issuer, "/") != issuer {
		return nil, fmt.Errorf("discovery document issuer %q does not match %q", doc.Issuer, issuer)
	}
	return &doc, nil
}

// Validate parses tokenString and returns its claims when the signature, issuer,
// audience and expiry all check out
func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(signingMethods),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(tokenString, claims, v.keys.Keyfunc, opts...); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Close stops the background key refresh
func (v *JWKSVerifier) Close() error {
	v.stop()
	return nil
}
