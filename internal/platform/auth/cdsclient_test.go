package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

const (
	testIssuer   = "https://ehr.example.org"
	testAudience = "https://crd.example.org/cds-services/order-sign-crd"
)

func validClaims() ClientClaims {
	now := time.Now()
	return ClientClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "ehr-client",
			Audience:  jwt.ClaimStrings{testAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
			ID:        "jti-1",
		},
	}
}

func signHMAC(t *testing.T, claims ClientClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSigningKey)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return s
}

func hmacConfig() CDSClientConfig {
	return CDSClientConfig{
		TrustedIssuers: []string{testIssuer},
		Audience:       testAudience,
		SigningKey:     testSigningKey,
	}
}

// call runs mw over a POST with the given Authorization header and returns
// the context, whether the handler ran and the error.
func call(t *testing.T, mw echo.MiddlewareFunc, authHeader string) (echo.Context, bool, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/cds-services/order-sign-crd", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	called := false
	err := mw(func(c echo.Context) error {
		called = true
		return nil
	})(c)
	return c, called, err
}

func expectUnauthorized(t *testing.T, err error, called bool) {
	t.Helper()
	if called {
		t.Fatal("handler should not run")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestCDSClientMiddleware_MissingHeader(t *testing.T) {
	_, called, err := call(t, CDSClientMiddleware(hmacConfig()), "")
	expectUnauthorized(t, err, called)
}

func TestCDSClientMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer  "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, called, err := call(t, CDSClientMiddleware(hmacConfig()), tt.header)
			expectUnauthorized(t, err, called)
		})
	}
}

func TestCDSClientMiddleware_ValidHMACToken(t *testing.T) {
	c, called, err := call(t, CDSClientMiddleware(hmacConfig()), "Bearer "+signHMAC(t, validClaims()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected handler to run")
	}
	if got := ClientIssuerFromContext(c.Request().Context()); got != testIssuer {
		t.Errorf("issuer = %q, want %q", got, testIssuer)
	}
	if got := ClientSubjectFromContext(c.Request().Context()); got != "ehr-client" {
		t.Errorf("subject = %q, want ehr-client", got)
	}
}

func TestCDSClientMiddleware_RejectsBadClaims(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ClientClaims)
	}{
		{"untrusted issuer", func(c *ClientClaims) { c.Issuer = "https://evil.example.org" }},
		{"wrong audience", func(c *ClientClaims) { c.Audience = jwt.ClaimStrings{"https://other.example.org"} }},
		{"expired", func(c *ClientClaims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute)) }},
		{"no expiry", func(c *ClientClaims) { c.ExpiresAt = nil }},
		{"no jti", func(c *ClientClaims) { c.ID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := validClaims()
			tt.mutate(&claims)
			_, called, err := call(t, CDSClientMiddleware(hmacConfig()), "Bearer "+signHMAC(t, claims))
			expectUnauthorized(t, err, called)
		})
	}
}

func TestCDSClientMiddleware_TrailingSlashIssuer(t *testing.T) {
	claims := validClaims()
	claims.Issuer = testIssuer + "/"
	_, called, err := call(t, CDSClientMiddleware(hmacConfig()), "Bearer "+signHMAC(t, claims))
	if err != nil || !called {
		t.Fatalf("expected issuer with trailing slash to be accepted, err=%v", err)
	}
}

func TestCDSClientMiddleware_WrongHMACKey(t *testing.T) {
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("another-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, called, err := call(t, CDSClientMiddleware(hmacConfig()), "Bearer "+s)
	expectUnauthorized(t, err, called)
}

func TestCDSClientMiddleware_Skipper(t *testing.T) {
	cfg := hmacConfig()
	cfg.Skipper = func(echo.Context) bool { return true }
	_, called, err := call(t, CDSClientMiddleware(cfg), "")
	if err != nil || !called {
		t.Fatalf("expected skipped request to reach handler, err=%v", err)
	}
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func jwksServer(t *testing.T, keys ...JWKSKey) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(JWKSResponse{Keys: keys})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCDSClientMiddleware_RS256ViaJWKS(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	srv := jwksServer(t, JWKSKey{
		Kty: "RSA",
		Kid: "rsa-1",
		Alg: "RS256",
		N:   b64(priv.N.Bytes()),
		E:   b64(big.NewInt(int64(priv.E)).Bytes()),
	})

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims())
	token.Header["kid"] = "rsa-1"
	s, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cfg := CDSClientConfig{TrustedIssuers: []string{testIssuer}, Audience: testAudience, JWKSURL: srv.URL}
	_, called, err := call(t, CDSClientMiddleware(cfg), "Bearer "+s)
	if err != nil || !called {
		t.Fatalf("expected RS256 token to verify, err=%v", err)
	}
}

func TestCDSClientMiddleware_ES384ViaJWKS(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ec key: %v", err)
	}
	pad := func(n *big.Int) []byte {
		out := make([]byte, 48)
		n.FillBytes(out)
		return out
	}
	srv := jwksServer(t, JWKSKey{
		Kty: "EC",
		Kid: "ec-1",
		Alg: "ES384",
		Crv: "P-384",
		X:   b64(pad(priv.X)),
		Y:   b64(pad(priv.Y)),
	})

	token := jwt.NewWithClaims(jwt.SigningMethodES384, validClaims())
	token.Header["kid"] = "ec-1"
	s, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cfg := CDSClientConfig{TrustedIssuers: []string{testIssuer}, Audience: testAudience, JWKSURL: srv.URL}
	_, called, err := call(t, CDSClientMiddleware(cfg), "Bearer "+s)
	if err != nil || !called {
		t.Fatalf("expected ES384 token to verify, err=%v", err)
	}
}

func TestCDSClientMiddleware_UnknownKid(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	srv := jwksServer(t)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims())
	token.Header["kid"] = "missing"
	s, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cfg := CDSClientConfig{TrustedIssuers: []string{testIssuer}, JWKSURL: srv.URL}
	_, called, err := call(t, CDSClientMiddleware(cfg), "Bearer "+s)
	expectUnauthorized(t, err, called)
}

func TestCDSClientMiddleware_JWKSModeRejectsHMAC(t *testing.T) {
	srv := jwksServer(t)
	cfg := CDSClientConfig{TrustedIssuers: []string{testIssuer}, JWKSURL: srv.URL}
	_, called, err := call(t, CDSClientMiddleware(cfg), "Bearer "+signHMAC(t, validClaims()))
	expectUnauthorized(t, err, called)
}

func TestParsePublicKey_Unsupported(t *testing.T) {
	if _, err := parsePublicKey(JWKSKey{Kty: "oct"}); err == nil {
		t.Error("expected error for oct key")
	}
	if _, err := parsePublicKey(JWKSKey{Kty: "EC", Crv: "secp256k1"}); err == nil {
		t.Error("expected error for unsupported curve")
	}
}
