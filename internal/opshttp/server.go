// Package opshttp serves the operator endpoints: liveness, prometheus metrics
// and optionally net/http/pprof. It can be reconfigured on config reload.
package opshttp

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"relaybot/internal/runtime/supervisor"
	"relaybot/pkg/logx"
)

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// ErrInsecureBind is returned when a non-loopback address has no token and
// allow_insecure is off.
var ErrInsecureBind = errors.New("opshttp: non-loopback addr requires a token or allow_insecure")

// Check reports readiness. A failing check turns /healthz into a 503.
type Check func(ctx context.Context) error

type Server struct {
	log     logx.Logger
	metrics http.Handler
	check   Check

	mu   sync.Mutex
	cfg  Config
	sup  *supervisor.Supervisor
	addr string
}

// New builds a stopped server. metrics and check may be nil.
func New(metrics http.Handler, check Check, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{log: log.With(logx.String("comp", "ops")), metrics: metrics, check: check}
}

// Reconfigure starts, stops or restarts the listener to match cfg.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev, running := s.cfg, s.sup != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
		s.setConfig(cfg)
		return nil
	case running && prev == cfg:
		return nil
	}
	if err := checkBind(cfg); err != nil {
		return err
	}
	s.Stop(ctx)
	s.setConfig(cfg)
	return s.start(ctx, cfg)
}

func (s *Server) setConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Server) start(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       cfg.IdleTimeout,
	}
	sup := supervisor.New(context.WithoutCancel(ctx),
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	sup.Go("ops.serve", func(c context.Context) error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	sup.Go0("ops.shutdown", func(c context.Context) {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	})

	s.mu.Lock()
	s.sup, s.addr = sup, ln.Addr().String()
	s.mu.Unlock()
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopback(cfg.Addr) {
		s.log.Warn("ops server without token on a public address", logx.String("addr", s.addr))
	}
	s.log.Info("ops server started",
		logx.String("addr", s.addr),
		logx.Bool("pprof", cfg.Pprof),
		logx.Bool("token_set", cfg.Token != ""),
	)
	return nil
}

// Addr is the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup, s.addr = nil, ""
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("ops server stopped")
}

// Handler builds the mux for cfg. Every route sits behind the token when one
// is set.
func (s *Server) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if s.check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := s.check(ctx); err != nil {
				http.Error(w, "unhealthy: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return withToken(strings.TrimSpace(cfg.Token), mux)
}

// withToken accepts "Authorization: Bearer <token>" or ?token=<token>.
func withToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(ah)
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func checkBind(cfg Config) error {
	if cfg.Token != "" || cfg.AllowInsecure || isLoopback(cfg.Addr) {
		return nil
	}
	return ErrInsecureBind
}

func isLoopback(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
