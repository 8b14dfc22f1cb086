package admin

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fusegate/fusegate/internal/breaker"
	"github.com/fusegate/fusegate/internal/config"
)

type staticConfig struct {
	cfg *config.Config
}

func (s staticConfig) Current() *config.Config { return s.cfg }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testHandler(t *testing.T) *Handler {
	t.Helper()
	cfg, err := config.LoadFromBytes([]byte(`
auth:
  enabled: true
  jwt_secret: "super-secret"
  issuer: "iss"
  audience: "aud"
backends:
  - name: service-a
    url: "http://localhost:8081"
`))
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	breakers := map[string]*breaker.Breaker{
		"service-b": breaker.New(breaker.Settings{Name: "service-b"}, discardLogger()),
		"service-a": breaker.New(breaker.Settings{Name: "service-a"}, discardLogger()),
	}

	return New(staticConfig{cfg}, breakers, []string{"127.0.0.0/8"}, discardLogger())
}

func adminRequest(h *Handler, method, path, remoteAddr string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestBreakersEndpoint(t *testing.T) {
	h := testHandler(t)

	rec := adminRequest(h, http.MethodGet, "/admin/breakers", "127.0.0.1:9999")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Breakers []breaker.Status `json:"breakers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if len(body.Breakers) != 2 {
		t.Fatalf("got %d breakers, want 2", len(body.Breakers))
	}
	// Sorted by name.
	if body.Breakers[0].Name != "service-a" || body.Breakers[1].Name != "service-b" {
		t.Errorf("order = %s, %s", body.Breakers[0].Name, body.Breakers[1].Name)
	}
	if body.Breakers[0].State != "CLOSED" {
		t.Errorf("state = %s, want CLOSED", body.Breakers[0].State)
	}
}

func TestConfigEndpointRedactsSecret(t *testing.T) {
	h := testHandler(t)

	rec := adminRequest(h, http.MethodGet, "/admin/config", "127.0.0.1:9999")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "super-secret") {
		t.Error("JWT secret leaked in admin config response")
	}
	if !strings.Contains(body, `"jwt_secret":"***"`) {
		t.Errorf("expected redacted secret, body: %s", body)
	}
}

func TestDeniedOutsideAllowlist(t *testing.T) {
	h := testHandler(t)

	rec := adminRequest(h, http.MethodGet, "/admin/breakers", "203.0.113.7:1234")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestNonGETRejected(t *testing.T) {
	h := testHandler(t)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		rec := adminRequest(h, method, "/admin/breakers", "127.0.0.1:9999")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s status = %d, want 405", method, rec.Code)
		}
	}
}
