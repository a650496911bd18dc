package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/schaermu/b2sync/internal/activation"
	"github.com/schaermu/b2sync/internal/config"
	"github.com/schaermu/b2sync/internal/container"
	"github.com/schaermu/b2sync/internal/content"
	"github.com/schaermu/b2sync/internal/metrics"
	b2sync "github.com/schaermu/b2sync/internal/sync"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-B2-Signature"

// Notification is the change notification sent by the remote store
type Notification struct {
	Entry string       `json:"entry"`
	Kind  content.Kind `json:"kind"`
	ID    string       `json:"id"`
}

// Workspace gives the server access to the containers it pulls
type Workspace interface {
	Container(name string) (*container.Container, error)
	Containers() []*container.Container
	CheckClean(ctx context.Context) error
}

// Puller pulls one container. *sync.Engine implements it.
type Puller interface {
	Pull(ctx context.Context, c *container.Container) (*b2sync.Result, error)
}

// Options configures NewServer
type Options struct {
	Metrics metrics.Metrics
	// Gatherer, when set together with cfg.Metrics.Enabled, is served on
	// the metrics path.
	Gatherer prometheus.Gatherer
}

// Server implements the webhook HTTP server
type Server struct {
	cfg     *config.Config
	ws      Workspace
	puller  Puller
	metrics metrics.Metrics
	gather  prometheus.Gatherer
	logger  *slog.Logger
	secret  []byte
	delay   time.Duration

	// ctx bounds debounced pulls. Start replaces it with its own context.
	ctx context.Context

	mu      sync.Mutex
	runners map[string]*runner
}

// runner serializes the pulls of one container
type runner struct {
	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a pull is currently in progress
	syncPending bool       // whether another pull is needed after the current one
	debounce    *debouncer
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, ws Workspace, puller Puller, logger *slog.Logger, opts Options) (*Server, error) {
	secret, err := cfg.WebhookSecret()
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:     cfg,
		ws:      ws,
		puller:  puller,
		metrics: metrics.Or(opts.Metrics),
		gather:  opts.Gatherer,
		logger:  logger,
		secret:  secret,
		delay:   cfg.Serve.Debounce,
		ctx:     context.Background(),
		runners: make(map[string]*runner),
	}, nil
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hooks/b2", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.cfg.Metrics.Enabled && s.gather != nil {
		mux.Handle("GET "+s.cfg.Metrics.Path, metrics.Handler(s.gather))
	}
	return mux
}

// Start pulls every container once and then serves webhooks until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx

	s.logger.Info("performing initial pull before starting webhook server")
	for _, c := range s.ws.Containers() {
		s.performPull(ctx, c)
	}

	server := &http.Server{
		Addr:              s.cfg.Serve.ListenAddr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	ln, err := activation.Listen(s.cfg.Serve.ListenAddr, s.logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ok\n")
}

// handleWebhook handles change notifications from the remote store
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		s.reply(w, http.StatusBadRequest, "Invalid content type")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		s.reply(w, http.StatusInternalServerError, "Failed to read body")
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature")
		s.reply(w, http.StatusForbidden, "Invalid signature")
		return
	}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil || n.Entry == "" || !n.Kind.Valid() {
		s.logger.Warn("rejecting invalid notification", "error", err)
		s.reply(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	c, err := s.ws.Container(n.Entry)
	if err != nil {
		s.logger.Info("ignoring notification for unknown entry", "entry", n.Entry)
		s.reply(w, http.StatusNotFound, "Unknown entry")
		return
	}

	s.logger.Info("notification accepted", "container", n.Entry, "kind", n.Kind.String(), "id", n.ID)

	s.runner(c.Name()).debounce.trigger(func() {
		s.performPull(s.ctx, c)
	})

	s.reply(w, http.StatusAccepted, "Pull scheduled")
}

func (s *Server) reply(w http.ResponseWriter, status int, msg string) {
	s.metrics.ObserveWebhook(status)
	if status >= 400 {
		http.Error(w, msg, status)
		return
	}
	w.WriteHeader(status)
	_, _ = fmt.Fprintln(w, msg)
}

// verifySignature verifies the HMAC signature of the body
func (s *Server) verifySignature(body []byte, signature string) bool {
	// Signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

func (s *Server) runner(name string) *runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[name]
	if !ok {
		r = &runner{debounce: &debouncer{delay: s.delay}}
		s.runners[name] = r
	}
	return r
}

// performPull pulls c with single-flight semantics. If a pull of c is
// already in progress, at most one additional run is queued; further
// concurrent requests are dropped.
func (s *Server) performPull(ctx context.Context, c *container.Container) {
	r := s.runner(c.Name())
	logger := s.logger.With("container", c.Name())

	r.syncMu.Lock()
	if r.syncRunning {
		r.syncPending = true
		r.syncMu.Unlock()
		logger.Info("pull already in progress, queuing pending re-run")
		return
	}
	r.syncRunning = true
	r.syncMu.Unlock()

	for {
		s.pullOnce(ctx, c, logger)

		// Release the running slot unless another pull was requested while
		// this one ran.
		r.syncMu.Lock()
		if !r.syncPending {
			r.syncRunning = false
			r.syncMu.Unlock()
			break
		}
		r.syncPending = false
		r.syncMu.Unlock()

		logger.Info("re-running pull due to pending request")
	}
}

// pullOnce pulls c unless the configuration requires a clean work tree and
// the tree has changes.
func (s *Server) pullOnce(ctx context.Context, c *container.Container, logger *slog.Logger) {
	if s.cfg.RequireCleanTree() {
		if err := s.ws.CheckClean(ctx); err != nil {
			logger.Warn("skipping pull, work tree is not clean", "error", err)
			return
		}
	}
	if _, err := s.puller.Pull(ctx, c); err != nil {
		logger.Error("pull failed", "error", err)
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
