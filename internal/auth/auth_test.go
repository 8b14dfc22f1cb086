package auth

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fusegate/fusegate/internal/config"
)

const testSecret = "test-secret-key"

func testAuthConfig(scopes ...string) config.AuthConfig {
	return config.AuthConfig{
		Enabled:   true,
		JWTSecret: testSecret,
		Issuer:    "test-issuer",
		Audience:  "test-audience",
		Scopes:    scopes,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "user-1",
		"iss": "test-issuer",
		"aud": "test-audience",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
}

func request(t *testing.T, cfg config.AuthConfig, path, authHeader string) (*httptest.ResponseRecorder, *Claims) {
	t.Helper()

	var captured *Claims
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	Middleware(cfg, discardLogger())(inner).ServeHTTP(rec, req)
	return rec, captured
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	code, _ := body["error_code"].(string)
	return code
}

func TestDisabledPassesThrough(t *testing.T) {
	cfg := testAuthConfig()
	cfg.Enabled = false

	rec, _ := request(t, cfg, "/api/service-a/1", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", rec.Code)
	}
}

func TestNonAPIPathsBypass(t *testing.T) {
	rec, _ := request(t, testAuthConfig(), "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for /health without token", rec.Code)
	}
}

func TestMissingToken(t *testing.T) {
	rec, _ := request(t, testAuthConfig(), "/api/service-a/1", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if code := errorCode(t, rec); code != "GATEWAY_AUTH_MISSING_TOKEN" {
		t.Errorf("error_code = %s", code)
	}
}

func TestMalformedAuthorizationHeader(t *testing.T) {
	tests := []string{
		"Basic dXNlcjpwYXNz",
		"Bearer",
		"Bearer ",
		"justatoken",
	}
	for _, header := range tests {
		rec, _ := request(t, testAuthConfig(), "/api/service-a/1", header)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, rec.Code)
		}
	}
}

func TestValidToken(t *testing.T) {
	token := signToken(t, validClaims())

	rec, claims := request(t, testAuthConfig(), "/api/service-a/1", "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if claims == nil {
		t.Fatal("claims missing from request context")
	}
	if claims.Subject != "user-1" || claims.Issuer != "test-issuer" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestInvalidTokens(t *testing.T) {
	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{
			name: "wrong signature",
			token: func(t *testing.T) string {
				tok := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
				signed, _ := tok.SignedString([]byte("the-wrong-secret"))
				return signed
			},
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				c := validClaims()
				c["exp"] = time.Now().Add(-time.Hour).Unix()
				return signToken(t, c)
			},
		},
		{
			name: "no expiry",
			token: func(t *testing.T) string {
				c := validClaims()
				delete(c, "exp")
				return signToken(t, c)
			},
		},
		{
			name: "wrong issuer",
			token: func(t *testing.T) string {
				c := validClaims()
				c["iss"] = "someone-else"
				return signToken(t, c)
			},
		},
		{
			name: "wrong audience",
			token: func(t *testing.T) string {
				c := validClaims()
				c["aud"] = "other-api"
				return signToken(t, c)
			},
		},
		{
			name:  "garbage",
			token: func(t *testing.T) string { return "not.a.jwt" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := request(t, testAuthConfig(), "/api/service-a/1", "Bearer "+tt.token(t))
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if code := errorCode(t, rec); code != "GATEWAY_AUTH_INVALID_TOKEN" {
				t.Errorf("error_code = %s", code)
			}
		})
	}
}

func TestScopeEnforcement(t *testing.T) {
	t.Run("missing scope is 403", func(t *testing.T) {
		c := validClaims()
		c["scopes"] = []string{"other.scope"}
		token := signToken(t, c)

		rec, _ := request(t, testAuthConfig("api.read"), "/api/service-a/1", "Bearer "+token)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
		if code := errorCode(t, rec); code != "GATEWAY_AUTH_INSUFFICIENT_SCOPE" {
			t.Errorf("error_code = %s", code)
		}
	})

	t.Run("scopes array accepted", func(t *testing.T) {
		c := validClaims()
		c["scopes"] = []string{"api.read", "api.write"}
		token := signToken(t, c)

		rec, claims := request(t, testAuthConfig("api.read"), "/api/service-a/1", "Bearer "+token)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if len(claims.Scopes) != 2 {
			t.Errorf("scopes = %v", claims.Scopes)
		}
	})

	t.Run("space-separated scope string accepted", func(t *testing.T) {
		c := validClaims()
		c["scope"] = "api.read api.write"
		token := signToken(t, c)

		rec, _ := request(t, testAuthConfig("api.read"), "/api/service-a/1", "Bearer "+token)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("no required scopes accepts any token", func(t *testing.T) {
		token := signToken(t, validClaims())

		rec, _ := request(t, testAuthConfig(), "/api/service-a/1", "Bearer "+token)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})
}

func TestUnsignedTokenRejected(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims())
	signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	rec, _ := request(t, testAuthConfig(), "/api/service-a/1", "Bearer "+signed)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for alg=none", rec.Code)
	}
}
