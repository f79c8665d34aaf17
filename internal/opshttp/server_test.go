package opshttp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relaybot/pkg/logx"
)

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "relaybot_claims_total 1\n")
	})
	s := New(metrics, nil, logx.Nop())

	h := s.Handler(Config{})
	if rec := get(t, h, "/healthz", nil); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/metrics", nil); !strings.Contains(rec.Body.String(), "relaybot_claims_total") {
		t.Fatalf("metrics body = %q", rec.Body.String())
	}
	if rec := get(t, h, "/debug/pprof/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof without flag = %d", rec.Code)
	}
	if rec := get(t, s.Handler(Config{Pprof: true}), "/debug/pprof/", nil); rec.Code != http.StatusOK {
		t.Fatalf("pprof = %d", rec.Code)
	}
}

func TestHandlerToken(t *testing.T) {
	t.Parallel()
	h := New(nil, nil, logx.Nop()).Handler(Config{Token: "s3cret"})
	cases := []struct {
		name   string
		target string
		hdr    map[string]string
		want   int
	}{
		{"missing", "/healthz", nil, http.StatusUnauthorized},
		{"wrong query", "/healthz?token=nope", nil, http.StatusUnauthorized},
		{"query", "/healthz?token=s3cret", nil, http.StatusOK},
		{"bearer", "/healthz", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"basic", "/healthz", map[string]string{"Authorization": "Basic s3cret"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		if rec := get(t, h, tc.target, tc.hdr); rec.Code != tc.want {
			t.Errorf("%s: code = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestHealthCheckFailure(t *testing.T) {
	t.Parallel()
	check := func(context.Context) error { return errors.New("ledger down") }
	rec := get(t, New(nil, check, logx.Nop()).Handler(Config{}), "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "ledger down") {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestReconfigureRefusesPublicBind(t *testing.T) {
	t.Parallel()
	s := New(nil, nil, logx.Nop())
	err := s.Reconfigure(context.Background(), Config{Enabled: true, Addr: "0.0.0.0:0"})
	if !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("err = %v, want ErrInsecureBind", err)
	}
	if s.Addr() != "" {
		t.Fatal("server started anyway")
	}
}

func TestReconfigureLifecycle(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := New(nil, nil, logx.Nop())
	if err := s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}); err != nil {
		t.Fatal(err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("no bound address")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if err := s.Reconfigure(ctx, Config{Enabled: false}); err != nil {
		t.Fatal(err)
	}
	if s.Addr() != "" {
		t.Fatal("still bound after disable")
	}
	s.Stop(ctx)
}
