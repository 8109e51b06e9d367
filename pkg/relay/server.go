package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/acme/autocert"

	"github.com/cottagephilosopher/llm-relay/pkg/audit"
	"github.com/cottagephilosopher/llm-relay/pkg/cache"
	"github.com/cottagephilosopher/llm-relay/pkg/config"
	"github.com/cottagephilosopher/llm-relay/pkg/provider"
	"github.com/cottagephilosopher/llm-relay/pkg/ratelimit"
	"github.com/cottagephilosopher/llm-relay/pkg/store"
	"github.com/cottagephilosopher/llm-relay/pkg/usage"
)

// Server relays OpenAI-compatible requests to the configured upstream,
// wiring identity resolution, rate limiting, provider forwarding, and
// audit recording around each call.
type Server struct {
	cfg        *config.ServerConfig
	store      *store.Store
	recorder   *audit.Recorder
	limiter    *ratelimit.Limiter
	adapter    *provider.Adapter
	usage      *usage.Store
	keyCache   *cache.TTLMap[string, store.APIKey]
	httpServer *http.Server
}

// keyCacheTTL bounds how long a revocation can lag behind.
const keyCacheTTL = 30 * time.Second

func NewServer(cfg *config.ServerConfig, st *store.Store) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	s := &Server{
		cfg:      cfg,
		store:    st,
		limiter:  ratelimit.NewLimiter(cfg.Limits.RequestsPerMinute),
		adapter:  provider.NewAdapter(cfg.Provider),
		usage:    usage.New(cfg.Storage.UsagePath),
		keyCache: cache.NewTTLMap[string, store.APIKey](),
	}
	s.recorder = audit.NewRecorder(st, audit.Options{
		Redact:            cfg.Logging.Redact,
		StreamBufferLimit: cfg.Logging.StreamBufferLimit,
		PreviewLimit:      cfg.Logging.PreviewLimit,
		FullLimit:         cfg.Logging.FullLimit,
	}, st)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authMiddleware)
		v1.Get("/models", s.handleModels)
		v1.Post("/chat/completions", s.handleChat)
		v1.Post("/responses", s.handleResponses)
	})

	r.Route("/admin", func(ad chi.Router) {
		ad.Use(s.adminAuthMiddleware)
		ad.Get("/keys", s.handleListKeys)
		ad.Post("/keys", s.handleCreateKey)
		ad.Delete("/keys/{id}", s.handleRevokeKey)
		ad.Get("/logs", s.handleListLogs)
		ad.Get("/logs/{id}", s.handleGetLog)
		ad.Get("/usage", s.handleUsageSummary)
		ad.Get("/settings", s.handleGetSettings)
		ad.Put("/settings", s.handlePutSettings)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler exposes the router, for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	if s.cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
			Email:      s.cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              ":443",
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			WriteTimeout:      s.httpServer.WriteTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			log.Info("https listening", "addr", ":443", "domain", s.cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		_ = s.usage.Close()
		return firstErr(errCh)
	}

	go func() {
		log.Info("relay listening", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("relay server: %w", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	_ = s.usage.Close()
	return firstErr(errCh)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

func remoteHost(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}
