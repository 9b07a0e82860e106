package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/caffeineduck/isobridge/bridge"
	"github.com/caffeineduck/isobridge/internal/config"
	"github.com/caffeineduck/isobridge/internal/logging"
	"github.com/caffeineduck/isobridge/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server exposing execution contexts",
	Long: `Start an HTTP server that hosts execution contexts.

Endpoints:
  POST   /contexts               Create context, returns {"context_id":"..."}
  GET    /contexts/{id}          Context state and pending work
  POST   /contexts/{id}/execute  Call a method, returns {"result":...}
  POST   /contexts/{id}/stream   Streaming call, NDJSON chunks
  DELETE /contexts/{id}          Tear down context
  GET    /health                 Health check

Contexts idle longer than serve.context_ttl are torn down. Changes to the
config file apply to contexts created afterwards.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on (default from serve.port)")
	rootCmd.AddCommand(serveCmd)
}

type contextManager struct {
	spawner transport.Spawner
	logger  *logging.Logger

	mu       sync.RWMutex
	contexts map[string]*servedContext
	opts     []bridge.Option
	ttl      time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

type servedContext struct {
	bridge   *bridge.Bridge
	lastUsed time.Time
}

func newContextManager(spawner transport.Spawner, opts []bridge.Option, ttl time.Duration, logger *logging.Logger) *contextManager {
	return &contextManager{
		spawner:  spawner,
		logger:   logger,
		contexts: make(map[string]*servedContext),
		opts:     opts,
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
}

func (m *contextManager) create(ctx context.Context, bootstrap any) (string, error) {
	id := uuid.NewString()

	m.mu.RLock()
	opts := append(append([]bridge.Option{}, m.opts...), bridge.WithID(id))
	m.mu.RUnlock()

	b := bridge.New(m.spawner, opts...)
	if err := b.Initialize(ctx, bootstrap); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.contexts[id] = &servedContext{bridge: b, lastUsed: time.Now()}
	m.mu.Unlock()
	return id, nil
}

func (m *contextManager) get(id string) (*bridge.Bridge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sc, ok := m.contexts[id]
	if !ok {
		return nil, false
	}
	sc.lastUsed = time.Now()
	return sc.bridge, true
}

func (m *contextManager) remove(id string) bool {
	m.mu.Lock()
	sc, ok := m.contexts[id]
	delete(m.contexts, id)
	m.mu.Unlock()

	if ok {
		sc.bridge.Teardown(context.Background())
	}
	return ok
}

func (m *contextManager) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}

// setOptions replaces the bridge options used for new contexts.
func (m *contextManager) setOptions(opts []bridge.Option, ttl time.Duration) {
	m.mu.Lock()
	m.opts = opts
	m.ttl = ttl
	m.mu.Unlock()
}

// reap tears down contexts idle since before now minus the TTL.
func (m *contextManager) reap(now time.Time) int {
	m.mu.Lock()
	if m.ttl <= 0 {
		m.mu.Unlock()
		return 0
	}
	var expired []*servedContext
	for id, sc := range m.contexts {
		if now.Sub(sc.lastUsed) > m.ttl {
			expired = append(expired, sc)
			delete(m.contexts, id)
		}
	}
	m.mu.Unlock()

	for _, sc := range expired {
		m.logger.Info("reaping idle context", "context_id", sc.bridge.ID())
		sc.bridge.Teardown(context.Background())
	}
	return len(expired)
}

func (m *contextManager) reapLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.reap(now)
		}
	}
}

func (m *contextManager) closeAll() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	all := m.contexts
	m.contexts = make(map[string]*servedContext)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sc := range all {
		wg.Add(1)
		go func(b *bridge.Bridge) {
			defer wg.Done()
			b.Teardown(context.Background())
		}(sc.bridge)
	}
	wg.Wait()
}

type createContextRequest struct {
	Bootstrap any `json:"bootstrap,omitempty"`
}

type createContextResponse struct {
	ContextID string `json:"context_id"`
}

type contextInfo struct {
	ContextID  string `json:"context_id"`
	State      string `json:"state"`
	Generation uint64 `json:"generation"`
	Calls      int    `json:"pending_calls"`
	Streams    int    `json:"pending_streams"`
}

type executeRequest struct {
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type executeResponse struct {
	Result     any    `json:"result"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type streamRequest struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Stream responses are NDJSON: one chunkLine per chunk, then one endLine.
type chunkLine struct {
	Chunk any `json:"chunk"`
}

type endLine struct {
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps bridge errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bridge.ErrExecutor):
		return http.StatusUnprocessableEntity
	case errors.Is(err, bridge.ErrExecutionTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, bridge.ErrContextTerminated):
		return http.StatusGone
	case errors.Is(err, bridge.ErrReservedMethod), errors.Is(err, bridge.ErrUnencodable):
		return http.StatusBadRequest
	case errors.Is(err, bridge.ErrInitialization):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	var ee *bridge.ExecutorError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

func newServeMux(m *contextManager) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /contexts", func(w http.ResponseWriter, r *http.Request) {
		var req createContextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		id, err := m.create(r.Context(), req.Bootstrap)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to create context: %v", err), statusFor(err))
			return
		}
		writeJSON(w, http.StatusCreated, createContextResponse{ContextID: id})
	})

	mux.HandleFunc("GET /contexts/{id}", func(w http.ResponseWriter, r *http.Request) {
		b, ok := m.get(r.PathValue("id"))
		if !ok {
			http.Error(w, "context not found", http.StatusNotFound)
			return
		}
		p := b.Pending()
		writeJSON(w, http.StatusOK, contextInfo{
			ContextID:  b.ID(),
			State:      b.State().String(),
			Generation: b.Generation(),
			Calls:      p.Calls,
			Streams:    p.Streams,
		})
	})

	mux.HandleFunc("DELETE /contexts/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !m.remove(r.PathValue("id")) {
			http.Error(w, "context not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /contexts/{id}/execute", func(w http.ResponseWriter, r *http.Request) {
		b, ok := m.get(r.PathValue("id"))
		if !ok {
			http.Error(w, "context not found", http.StatusNotFound)
			return
		}

		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Method == "" {
			http.Error(w, "method required", http.StatusBadRequest)
			return
		}

		var opts []bridge.CallOption
		if req.Timeout != "" {
			d, err := time.ParseDuration(req.Timeout)
			if err != nil {
				http.Error(w, "invalid timeout", http.StatusBadRequest)
				return
			}
			opts = append(opts, bridge.WithTimeout(d))
		}

		start := time.Now()
		result, err := b.Execute(r.Context(), req.Method, req.Params, opts...)
		resp := executeResponse{Result: result, DurationMs: time.Since(start).Milliseconds()}
		status := http.StatusOK
		if err != nil {
			resp.Error = err.Error()
			resp.Code = errorCode(err)
			status = statusFor(err)
		}
		writeJSON(w, status, resp)
	})

	mux.HandleFunc("POST /contexts/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
		b, ok := m.get(r.PathValue("id"))
		if !ok {
			http.Error(w, "context not found", http.StatusNotFound)
			return
		}

		var req streamRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Method == "" {
			http.Error(w, "method required", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)

		// Chunks arrive on the stream's delivery goroutine. closed stops
		// writes once the handler is about to return.
		enc := json.NewEncoder(w)
		var mu sync.Mutex
		closed := false
		write := func(line any) {
			mu.Lock()
			defer mu.Unlock()
			if closed {
				return
			}
			enc.Encode(line)
			if flusher != nil {
				flusher.Flush()
			}
		}
		defer func() {
			mu.Lock()
			closed = true
			mu.Unlock()
		}()

		s := b.Stream(req.Method, req.Params, func(chunk any) {
			write(chunkLine{Chunk: chunk})
		})
		select {
		case <-s.Done():
		case <-r.Context().Done():
			s.Cancel()
			return
		}

		end := endLine{Done: true}
		if err := s.Err(); err != nil {
			end.Error = err.Error()
			end.Code = errorCode(err)
		}
		write(end)
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}

// watchConfig applies config file edits to contexts created afterwards.
func watchConfig(v *viper.Viper, m *contextManager, logger *logging.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := config.Load(v)
		if err != nil {
			logger.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		m.setOptions(bridgeOptions(cfg, logger), cfg.Serve.ContextTTL)
		logger.Info("config reloaded", "file", e.Name,
			"default_timeout", cfg.Bridge.DefaultTimeout,
			"context_ttl", cfg.Serve.ContextTTL)
	})
	v.WatchConfig()
}

func reapInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > 2*time.Minute {
		return time.Minute
	}
	return ttl / 2
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = appCfg.Serve.Port
	}

	logger, err := newLogger(appCfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spawner, cleanup, err := newSpawner(ctx, appCfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	manager := newContextManager(spawner, bridgeOptions(appCfg, logger), appCfg.Serve.ContextTTL, logger.WithComponent("serve"))
	defer manager.closeAll()
	go manager.reapLoop(reapInterval(appCfg.Serve.ContextTTL))
	watchConfig(cfgViper, manager, logger.WithComponent("config"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           newServeMux(manager),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	fmt.Fprintf(cmd.ErrOrStderr(), "isobridge server listening on %s (%s transport)\n", srv.Addr, appCfg.Transport.Kind)
	logger.Info("server listening", "addr", srv.Addr, "transport", appCfg.Transport.Kind)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
