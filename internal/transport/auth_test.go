package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/odatagrid/internal/config"
	"github.com/pitabwire/odatagrid/model"
)

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func generateECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func rsaJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "RSA",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func ecJWK(kid string, pub *ecdsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(pub.X.Bytes()),
		"y":   base64.RawURLEncoding.EncodeToString(pub.Y.Bytes()),
	}
}

func startJWKSServer(t *testing.T, keys ...map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func signJWT(t *testing.T, key any, method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Enabled:    true,
		Issuer:     "https://auth.example.com",
		Audience:   "odatagrid",
		Algorithms: []string{"RS256", "ES256"},
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":       "user-1",
		"tenant_id": "tenant-1",
		"roles":     []string{"admin"},
		"iss":       "https://auth.example.com",
		"aud":       "odatagrid",
		"exp":       jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"iat":       jwt.NewNumericDate(time.Now()),
	}
}

// authStatus runs token through the authenticator and returns the status
// and, on success, the subject seen by the next handler.
func authStatus(t *testing.T, mw func(http.Handler) http.Handler, header string) (int, string) {
	t.Helper()
	var sub string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, _ = ClaimsFrom(r.Context())["sub"].(string)
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w.Code, sub
}

func TestJWKSClient_GetKey(t *testing.T) {
	rsaKey := generateRSAKey(t)
	ecKey := generateECKey(t)
	srv, _ := startJWKSServer(t,
		rsaJWK("rsa-1", &rsaKey.PublicKey),
		ecJWK("ec-1", &ecKey.PublicKey),
		map[string]any{"kid": "oct-1", "kty": "oct", "k": "c2VjcmV0"},
	)
	client := NewJWKSClient(srv.URL, time.Hour, nil)

	key, err := client.GetKey("rsa-1")
	if err != nil {
		t.Fatalf("GetKey(rsa-1): %v", err)
	}
	if pub, ok := key.(*rsa.PublicKey); !ok || pub.N.Cmp(rsaKey.PublicKey.N) != 0 {
		t.Errorf("GetKey(rsa-1) = %T, want matching *rsa.PublicKey", key)
	}

	key, err = client.GetKey("ec-1")
	if err != nil {
		t.Fatalf("GetKey(ec-1): %v", err)
	}
	if pub, ok := key.(*ecdsa.PublicKey); !ok || pub.X.Cmp(ecKey.PublicKey.X) != 0 {
		t.Errorf("GetKey(ec-1) = %T, want matching *ecdsa.PublicKey", key)
	}

	if _, err := client.GetKey("oct-1"); err == nil {
		t.Error("GetKey(oct-1) should fail, symmetric keys are not served from JWKS")
	}
}

func TestJWKSClient_caching(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv, calls := startJWKSServer(t, rsaJWK("cached", &rsaKey.PublicKey))

	client := NewJWKSClient(srv.URL, time.Hour, nil)
	client.minRefresh = 0

	for range 3 {
		if _, err := client.GetKey("cached"); err != nil {
			t.Fatalf("GetKey: %v", err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("JWKS fetched %d times, want 1", got)
	}
}

func TestJWKSClient_staleKeyOnRefreshFailure(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv, _ := startJWKSServer(t, rsaJWK("k", &rsaKey.PublicKey))

	client := NewJWKSClient(srv.URL, time.Hour, nil)
	if _, err := client.GetKey("k"); err != nil {
		t.Fatalf("GetKey: %v", err)
	}

	srv.Close()
	client.ttl = 0
	client.minRefresh = 0
	if _, err := client.GetKey("k"); err != nil {
		t.Errorf("GetKey after failed refresh = %v, want cached key", err)
	}
}

func TestJWTAuthenticator_accepts(t *testing.T) {
	rsaKey := generateRSAKey(t)
	ecKey := generateECKey(t)
	srv, _ := startJWKSServer(t,
		rsaJWK("rsa-1", &rsaKey.PublicKey),
		ecJWK("ec-1", &ecKey.PublicKey),
	)
	mw := JWTAuthenticator(testIdentityCfg(), NewJWKSClient(srv.URL, time.Hour, nil), nil)

	skewed := validClaims()
	skewed["exp"] = jwt.NewNumericDate(time.Now().Add(-15 * time.Second))

	tests := []struct {
		name  string
		token string
	}{
		{"RS256", signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", validClaims())},
		{"ES256", signJWT(t, ecKey, jwt.SigningMethodES256, "ec-1", validClaims())},
		{"within leeway", signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", skewed)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, sub := authStatus(t, mw, "Bearer "+tt.token)
			if status != http.StatusOK {
				t.Fatalf("status = %d, want 200", status)
			}
			if sub != "user-1" {
				t.Errorf("sub = %q, want user-1", sub)
			}
		})
	}
}

func TestJWTAuthenticator_rejects(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv, _ := startJWKSServer(t, rsaJWK("rsa-1", &rsaKey.PublicKey))
	mw := JWTAuthenticator(testIdentityCfg(), NewJWKSClient(srv.URL, time.Hour, nil), nil)

	with := func(mutate func(jwt.MapClaims)) jwt.MapClaims {
		c := validClaims()
		mutate(c)
		return c
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"basic scheme", "Basic dXNlcjpwYXNz"},
		{"empty bearer", "Bearer "},
		{"garbage", "Bearer not.a.jwt"},
		{"expired", "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", with(func(c jwt.MapClaims) {
			c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		}))},
		{"wrong issuer", "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", with(func(c jwt.MapClaims) {
			c["iss"] = "https://evil.example.com"
		}))},
		{"wrong audience", "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", with(func(c jwt.MapClaims) {
			c["aud"] = "someone-else"
		}))},
		{"missing exp", "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", with(func(c jwt.MapClaims) {
			delete(c, "exp")
		}))},
		{"unknown kid", "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "other", validClaims())},
		{"disallowed algorithm", "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS384, "rsa-1", validClaims())},
		{"hmac without secret", "Bearer " + signJWT(t, []byte("secret"), jwt.SigningMethodHS256, "", validClaims())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, _ := authStatus(t, mw, tt.header); status != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", status)
			}
		})
	}
}

func TestJWTAuthenticator_hmacSecret(t *testing.T) {
	t.Setenv("ODATAGRID_TEST_SECRET", "s3cret")
	cfg := testIdentityCfg()
	cfg.HMACSecretEnv = "ODATAGRID_TEST_SECRET"
	cfg.Algorithms = []string{"HS256"}
	mw := JWTAuthenticator(cfg, nil, nil)

	good := signJWT(t, []byte("s3cret"), jwt.SigningMethodHS256, "", validClaims())
	if status, sub := authStatus(t, mw, "Bearer "+good); status != http.StatusOK || sub != "user-1" {
		t.Errorf("valid HS256 token: status = %d sub = %q, want 200 user-1", status, sub)
	}

	bad := signJWT(t, []byte("wrong"), jwt.SigningMethodHS256, "", validClaims())
	if status, _ := authStatus(t, mw, "Bearer "+bad); status != http.StatusUnauthorized {
		t.Errorf("wrong secret: status = %d, want 401", status)
	}
}

func TestClassifyJWTError(t *testing.T) {
	cfg := testIdentityCfg()
	rsaKey := generateRSAKey(t)
	srv, _ := startJWKSServer(t, rsaJWK("rsa-1", &rsaKey.PublicKey))
	jwks := NewJWKSClient(srv.URL, time.Hour, nil)

	parse := func(claims jwt.MapClaims, kid string) error {
		raw := signJWT(t, rsaKey, jwt.SigningMethodRS256, kid, claims)
		_, err := jwt.Parse(raw, func(tok *jwt.Token) (any, error) {
			k, _ := tok.Header["kid"].(string)
			return jwks.GetKey(k)
		}, jwt.WithIssuer(cfg.Issuer), jwt.WithAudience(cfg.Audience), jwt.WithExpirationRequired())
		return err
	}

	expired := validClaims()
	expired["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	badIss := validClaims()
	badIss["iss"] = "x"

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"expired", parse(expired, "rsa-1"), "Token expired"},
		{"issuer", parse(badIss, "rsa-1"), "Invalid token issuer"},
		{"unknown key", parse(validClaims(), "nope"), "Unknown signing key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err == nil {
				t.Fatal("expected parse error")
			}
			if got := classifyJWTError(tt.err); got != tt.want {
				t.Errorf("classifyJWTError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractClaim_dotNotation(t *testing.T) {
	claims := map[string]any{
		"realm_access": map[string]any{
			"roles": []any{"admin", "viewer"},
		},
		"sub":   "user-1",
		"scope": "read write",
	}

	if v := extractClaimString(claims, "sub"); v != "user-1" {
		t.Errorf("sub = %q, want user-1", v)
	}
	roles := extractClaimStringSlice(claims, "realm_access.roles")
	if len(roles) != 2 || roles[0] != "admin" {
		t.Errorf("realm_access.roles = %v, want [admin viewer]", roles)
	}
	if scopes := extractClaimStringSlice(claims, "scope"); len(scopes) != 2 {
		t.Errorf("scope = %v, want [read write]", scopes)
	}
	if v := extractClaimString(claims, "nonexistent.path"); v != "" {
		t.Errorf("nonexistent.path = %q, want empty", v)
	}
	if v := extractClaimString(nil, "sub"); v != "" {
		t.Errorf("nil claims = %q, want empty", v)
	}
}

func TestBuildRequestContextMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		claims     map[string]any
		paths      map[string]string
		wantStatus int
		wantSub    string
		wantTenant string
		wantRoles  int
	}{
		{
			name: "default paths",
			claims: map[string]any{
				"sub": "user-42", "tenant_id": "tenant-1", "roles": []any{"admin", "viewer"},
			},
			wantStatus: http.StatusOK, wantSub: "user-42", wantTenant: "tenant-1", wantRoles: 2,
		},
		{
			name: "custom paths",
			claims: map[string]any{
				"sub": "user-99", "custom_tenant": "tenant-kc",
				"realm_access": map[string]any{"roles": []any{"manager"}},
			},
			paths:      map[string]string{"tenant_id": "custom_tenant", "roles": "realm_access.roles"},
			wantStatus: http.StatusOK, wantSub: "user-99", wantTenant: "tenant-kc", wantRoles: 1,
		},
		{
			name:       "no claims runs anonymous",
			wantStatus: http.StatusOK, wantSub: model.AnonymousSubject,
		},
		{
			name:       "claims without subject",
			claims:     map[string]any{"tenant_id": "t"},
			wantStatus: http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *model.RequestContext
			handler := BuildRequestContextMiddleware(tt.paths)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = model.RequestContextFrom(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.claims != nil {
				req = req.WithContext(WithClaims(req.Context(), tt.claims))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if got.SubjectID != tt.wantSub {
				t.Errorf("SubjectID = %q, want %q", got.SubjectID, tt.wantSub)
			}
			if got.TenantID != tt.wantTenant {
				t.Errorf("TenantID = %q, want %q", got.TenantID, tt.wantTenant)
			}
			if len(got.Roles) != tt.wantRoles {
				t.Errorf("Roles = %v, want %d roles", got.Roles, tt.wantRoles)
			}
		})
	}
}
