// Package web serves the paraphrasing UI and its JSON API.
package web

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/upbeat/internal/config"
	"github.com/hpungsan/upbeat/internal/errors"
	"github.com/hpungsan/upbeat/internal/ops"
	"github.com/hpungsan/upbeat/internal/service"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Deps are the collaborators the web server needs.
type Deps struct {
	Service *service.Service
	DB      *sql.DB
	Config  *config.Config
	Audit   *ops.Auditor
	Logger  *zap.Logger
	Version string
}

// NewServer creates and configures the HTTP server for the Upbeat web UI.
func NewServer(d Deps) (*http.Server, error) {
	h, err := newHandlers(d)
	if err != nil {
		return nil, err
	}

	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("static sub-FS: %w", err)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/paraphrase", http.StatusFound)
	})
	mux.HandleFunc("GET /paraphrase", h.HandleParaphraseForm)
	mux.HandleFunc("POST /paraphrase", h.HandleParaphrase)
	mux.HandleFunc("GET /history", h.HandleHistory)
	mux.HandleFunc("GET /model", h.HandleModel)
	mux.HandleFunc("POST /api/paraphrase", h.HandleAPIParaphrase)
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(staticSub)))

	handler := securityHeaders(h.requireAuth(mux))

	return &http.Server{
		Addr:              d.Config.WebAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

func newHandlers(d Deps) (*Handlers, error) {
	templateSub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		return nil, fmt.Errorf("template sub-FS: %w", err)
	}
	renderer, err := NewRenderer(templateSub, d.Version, d.Logger)
	if err != nil {
		return nil, err
	}
	return &Handlers{
		svc:      d.Service,
		db:       d.DB,
		cfg:      d.Config,
		audit:    d.Audit,
		renderer: renderer,
	}, nil
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// requireAuth enforces HTTP basic auth when web_username is configured.
// /healthz stays open for probes.
func (h *Handlers) requireAuth(next http.Handler) http.Handler {
	if h.cfg == nil || h.cfg.WebUsername == "" {
		return next
	}
	wantUser := []byte(h.cfg.WebUsername)
	wantHash := []byte(strings.ToLower(h.cfg.WebPasswordSHA256))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		sum := sha256.Sum256([]byte(pass))
		gotHash := []byte(hex.EncodeToString(sum[:]))

		userOK := subtle.ConstantTimeCompare([]byte(user), wantUser)
		passOK := subtle.ConstantTimeCompare(gotHash, wantHash)
		if !ok || userOK&passOK != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="upbeat", charset="UTF-8"`)
			h.renderer.renderError(w, r, errors.NewUnauthorized())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and handles graceful shutdown on SIGINT/SIGTERM
// or when ctx is cancelled.
func Run(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("upbeat UI running", zap.String("url", "http://"+srv.Addr))

	if strings.HasPrefix(srv.Addr, "0.0.0.0") || strings.HasPrefix(srv.Addr, ":") || strings.Contains(srv.Addr, "[::]") {
		logger.Warn("server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
