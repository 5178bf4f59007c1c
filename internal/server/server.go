package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/osgrep/osgrep/internal/search"
	"github.com/osgrep/osgrep/internal/syncer"
	"github.com/osgrep/osgrep/internal/watcher"
)

// watchDebounce is the per-path coalescing window for filesystem events.
const watchDebounce = 300 * time.Millisecond

// DefaultMaxRequestBytes caps a single request body.
const DefaultMaxRequestBytes = 10 * 1024 * 1024

// DefaultMemoryPollInterval is how often self-governance checks RSS.
const DefaultMemoryPollInterval = 30 * time.Second

// DefaultParentPollInterval is how often the parent PID is checked.
const DefaultParentPollInterval = 2 * time.Second

// WarnLogInterval bounds how often a memory warning is logged.
const WarnLogInterval = 5 * time.Minute

// Config configures one Server instance.
type Config struct {
	Port      int
	Root      string
	AuthToken string

	MaxRequestBytes int

	// ParentPID, if non-zero, is watched; the server exits when it dies.
	ParentPID int

	// WarnMemoryBytes/RestartMemoryBytes: 0 disables the respective check.
	WarnMemoryBytes    uint64
	RestartMemoryBytes uint64

	// RestartArgv, if non-empty, is the argv used to spawn a replacement
	// process on the same port when RestartMemoryBytes is crossed.
	RestartArgv []string

	LockPath string
}

// Deps are the Server's collaborators.
type Deps struct {
	Engine *search.Engine
	Syncer *syncer.Syncer
}

// Server serves the long-lived watcher/search HTTP API: bearer-token auth,
// a health check, and a search endpoint that degrades gracefully while the
// initial index is still building.
type Server struct {
	cfg  Config
	deps Deps

	httpSrv   *http.Server
	lock      *LockFile
	indexer   *Indexer
	indexing  *indexingState
	startedAt time.Time

	warnMu      sync.Mutex
	lastWarnLog time.Time

	restarting restartGuard

	// searchWaitTimeout bounds how long /search waits for the initial
	// sync before responding "indexing" instead. Defaults to 5s;
	// overridable in tests so this doesn't require real waits.
	searchWaitTimeout time.Duration
}

// DefaultSearchWaitTimeout is how long a search request waits for the
// initial sync to finish before degrading to an "indexing" response.
const DefaultSearchWaitTimeout = 5 * time.Second

// restartGuard is a tiny bool-once guard so self-governance never spawns
// two replacement processes for the same breach.
type restartGuard struct {
	mu  sync.Mutex
	hit bool
}

func (a *restartGuard) trigger() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hit {
		return false
	}
	a.hit = true
	return true
}

func (a *restartGuard) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hit = false
}

// New constructs a Server. Call ListenAndServe to run it.
func New(cfg Config, deps Deps) *Server {
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = DefaultMaxRequestBytes
	}
	return &Server{
		cfg:               cfg,
		deps:              deps,
		indexing:          newIndexingState(),
		searchWaitTimeout: DefaultSearchWaitTimeout,
	}
}

// ListenAndServe acquires the lock file, starts the watcher-driven indexer,
// runs the initial sync in the background, and serves HTTP until ctx is
// cancelled or a fatal error occurs. The watcher stops before the HTTP
// server; the engine and store handles are owned by the caller's Deps and
// outlive this call.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	actualPort := listener.Addr().(*net.TCPAddr).Port
	s.cfg.Port = actualPort

	if s.cfg.LockPath != "" {
		s.lock = NewLockFile(s.cfg.LockPath)
		acquired, err := s.lock.TryAcquire(LockInfo{
			Port:      actualPort,
			PID:       os.Getpid(),
			AuthToken: s.cfg.AuthToken,
			Root:      s.cfg.Root,
		})
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if !acquired {
			return fmt.Errorf("another server already holds the lock at %s", s.cfg.LockPath)
		}
		defer s.lock.Release()
	}

	indexer, err := NewIndexer(s.deps.Syncer, s.cfg.Root, defaultWatchOptions())
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	s.indexer = indexer

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/search", s.authenticate(s.handleSearch))

	s.httpSrv = &http.Server{Handler: mux}
	s.startedAt = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.runInitialSync(runCtx)
	if err := s.indexer.Start(runCtx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	if s.cfg.ParentPID > 0 {
		go s.watchParent(runCtx, cancel)
	}
	if s.cfg.WarnMemoryBytes > 0 || s.cfg.RestartMemoryBytes > 0 {
		go s.governMemory(runCtx, cancel)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.httpSrv.Serve(listener) }()

	select {
	case <-runCtx.Done():
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			cancel()
			return err
		}
	}

	_ = s.indexer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) runInitialSync(ctx context.Context) {
	s.indexing.start()
	defer s.indexing.finish()

	_, err := s.deps.Syncer.Sync(ctx, func(processed, indexed, total int, path string) {
		s.indexing.update(processed, total)
	})
	if err != nil {
		slog.Warn("server_initial_sync_failed", slog.String("error", err.Error()))
	}
}

func (s *Server) watchParent(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(DefaultParentPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !processExists(s.cfg.ParentPID) {
				slog.Info("server_parent_exited", slog.Int("parent_pid", s.cfg.ParentPID))
				cancel()
				return
			}
		}
	}
}

func (s *Server) governMemory(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(DefaultMemoryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rss, err := currentRSS()
			if err != nil {
				continue
			}
			if s.cfg.RestartMemoryBytes > 0 && rss > s.cfg.RestartMemoryBytes {
				s.maybeRestart(rss, cancel)
				continue
			}
			if s.cfg.WarnMemoryBytes > 0 && rss > s.cfg.WarnMemoryBytes {
				s.maybeWarn(rss)
			}
		}
	}
}

func (s *Server) maybeWarn(rss uint64) {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	if time.Since(s.lastWarnLog) < WarnLogInterval {
		return
	}
	s.lastWarnLog = time.Now()
	slog.Warn("server_memory_warning", slog.Uint64("rss_bytes", rss), slog.Uint64("threshold_bytes", s.cfg.WarnMemoryBytes))
}

// maybeRestart spawns a replacement process (expected to retry binding the
// same port while this one still holds it) and, once it's had a moment to
// start, cancels this server's own context so it releases the listener and
// lock file. The replacement is responsible for retry-binding the port
// until this process has fully shut down.
func (s *Server) maybeRestart(rss uint64, cancel context.CancelFunc) {
	if !s.restarting.trigger() {
		return
	}
	if len(s.cfg.RestartArgv) == 0 {
		slog.Warn("server_restart_skipped_no_argv", slog.Uint64("rss_bytes", rss))
		return
	}
	slog.Warn("server_restart_triggered", slog.Uint64("rss_bytes", rss), slog.Uint64("threshold_bytes", s.cfg.RestartMemoryBytes))
	cmd := exec.Command(s.cfg.RestartArgv[0], s.cfg.RestartArgv[1:]...)
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		slog.Warn("server_restart_spawn_failed", slog.String("error", err.Error()))
		s.restarting.reset()
		return
	}
	_ = cmd.Process.Release()
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()
}

func defaultWatchOptions() watcher.Options {
	opts := watcher.DefaultOptions()
	opts.DebounceWindow = watchDebounce
	return opts
}
