// Package httpserver is the optional ops HTTP server: health, metrics, pprof
// and the admin API.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modwatch/internal/ops"
	rtsup "modwatch/internal/runtime/supervisor"
	logx "modwatch/pkg/logx"
)

// Config controls the server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address needs Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
	Metrics       bool
}

const defaultAddr = "127.0.0.1:8089"

type Server struct {
	ctl     ops.Controller
	watches Watches
	log     logx.Logger

	mu  sync.Mutex
	cfg Config
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, ctl ops.Controller, watches Watches, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, ctl: ctl, watches: watches, log: log.With(logx.Component("http"))}
}

// Reconfigure applies cfg, starting, stopping or restarting as needed. Safe
// to call during hot reload.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// observability is optional; never take the service down
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithMaxRestarts(20))
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	_ = sup.Wait(ctx)
	s.log.Info("http server stopped")
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	// prevent accidental public exposure without auth
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("http server refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", addr))
		return nil
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("http server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cur),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cur.Token != ""),
		logx.Bool("pprof", cur.Pprof),
		logx.Bool("metrics", cur.Metrics))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

// Handler builds the routes for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.Handler) http.Handler { return withAuth(cfg.Token, h) }

	// probes stay unauthenticated and reveal nothing
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Metrics {
		mux.Handle("GET /metrics", auth(promhttp.Handler()))
	}
	if cfg.Pprof {
		mux.Handle("/debug/pprof/", auth(http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", auth(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", auth(http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", auth(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", auth(http.HandlerFunc(hpprof.Trace)))
	}
	api := &api{ctl: s.ctl, watches: s.watches, log: s.log}
	mux.Handle("GET /api/v1/status", auth(http.HandlerFunc(api.status)))
	mux.Handle("POST /api/v1/poll", auth(http.HandlerFunc(api.poll)))
	mux.Handle("GET /api/v1/watches", auth(http.HandlerFunc(api.listWatches)))
	mux.Handle("POST /api/v1/watches", auth(http.HandlerFunc(api.addWatch)))
	mux.Handle("DELETE /api/v1/watches", auth(http.HandlerFunc(api.removeWatch)))
	mux.Handle("POST /api/v1/watches/test", auth(http.HandlerFunc(api.testWatch)))
	return mux
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
