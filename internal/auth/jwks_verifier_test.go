package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdash/splitmanager/internal/config"
)

const (
	testKeyID    = "test-key"
	testClientID = "splitmanager"
)

// oidcProvider serves a discovery document and a JWKS holding one RSA key
type oidcProvider struct {
	*httptest.Server
	key *rsa.PrivateKey
	// issuer overrides the issuer advertised in the discovery document
	issuer string
}

func newOIDCProvider(t *testing.T) *oidcProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p := &oidcProvider{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		issuer := p.URL
		if p.issuer != "" {
			issuer = p.issuer
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   issuer,
			"jwks_uri": p.URL + "/keys",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": testKeyID,
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		})
	})
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func (p *oidcProvider) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(p.key)
	require.NoError(t, err)
	return signed
}

func (p *oidcProvider) claims(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   p.URL,
		"aud":   testClientID,
		"sub":   sub,
		"email": sub + "@example.com",
		"name":  "Ada Lovelace",
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
}

func newVerifier(t *testing.T, p *oidcProvider) *JWKSVerifier {
	t.Helper()
	v, err := NewJWKSVerifier(&config.OIDCConfig{Issuer: p.URL + "/", ClientID: testClientID})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestJWKSVerifier_Validate(t *testing.T) {
	p := newOIDCProvider(t)
	v := newVerifier(t, p)

	t.Run("Should accept a token signed by the provider", func(t *testing.T) {
		claims, err := v.Validate(p.sign(t, p.claims("user-42")))
		require.NoError(t, err)
		assert.Equal(t, "user-42", claims.UserID)
		assert.Equal(t, "user-42@example.com", claims.Email)
		assert.Equal(t, "Ada Lovelace", claims.Name)
	})

	t.Run("Should reject a token for another audience", func(t *testing.T) {
		c := p.claims("user-42")
		c["aud"] = "someone-else"
		_, err := v.Validate(p.sign(t, c))
		assert.ErrorIs(t, err, jwt.ErrTokenInvalidAudience)
	})

	t.Run("Should reject a token from another issuer", func(t *testing.T) {
		c := p.claims("user-42")
		c["iss"] = "https://evil.example.com"
		_, err := v.Validate(p.sign(t, c))
		assert.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)
	})

	t.Run("Should reject an expired token", func(t *testing.T) {
		c := p.claims("user-42")
		c["exp"] = time.Now().Add(-time.Hour).Unix()
		_, err := v.Validate(p.sign(t, c))
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("Should require an expiry", func(t *testing.T) {
		c := p.claims("user-42")
		delete(c, "exp")
		_, err := v.Validate(p.sign(t, c))
		assert.ErrorIs(t, err, jwt.ErrTokenRequiredClaimMissing)
	})

	t.Run("Should require a subject", func(t *testing.T) {
		c := p.claims("")
		_, err := v.Validate(p.sign(t, c))
		assert.Error(t, err)
	})

	t.Run("Should reject a token signed with an unknown key", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, p.claims("user-42"))
		token.Header["kid"] = testKeyID
		signed, err := token.SignedString(other)
		require.NoError(t, err)

		_, err = v.Validate(signed)
		assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
	})

	t.Run("Should reject HMAC tokens", func(t *testing.T) {
		legacy, err := IssueLegacyToken(testSecret, "user-42", "", time.Hour)
		require.NoError(t, err)
		_, err = v.Validate(legacy)
		assert.Error(t, err)
	})
}

func TestNewJWKSVerifier(t *testing.T) {
	t.Run("Should require an issuer", func(t *testing.T) {
		_, err := NewJWKSVerifier(&config.OIDCConfig{})
		assert.Error(t, err)
	})

	t.Run("Should fail when discovery is not served", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		_, err := NewJWKSVerifier(&config.OIDCConfig{Issuer: srv.URL})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 404")
	})

	t.Run("Should fail when the document has no jwks_uri", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"issuer":"x"}`))
		}))
		defer srv.Close()

		_, err := NewJWKSVerifier(&config.OIDCConfig{Issuer: srv.URL})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jwks_uri")
	})

	t.Run("Should fail when the document names another issuer", func(t *testing.T) {
		p := newOIDCProvider(t)
		p.issuer = "https://accounts.example.com"

		_, err := NewJWKSVerifier(&config.OIDCConfig{Issuer: p.URL})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not match")
	})
}

func TestAuthenticator_WithJWKSVerifier(t *testing.T) {
	p := newOIDCProvider(t)
	a := NewAuthenticator(newVerifier(t, p), testSecret)

	id, err := a.Authenticate(p.sign(t, p.claims("oidc-user")))
	require.NoError(t, err)
	assert.Equal(t, "oidc-user", id.UserID)

	legacy, err := IssueLegacyToken(testSecret, "legacy-user", "", time.Hour)
	require.NoError(t, err)
	id, err = a.Authenticate(legacy)
	require.NoError(t, err)
	assert.Equal(t, "legacy-user", id.UserID)
}
