package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/osgrep/osgrep/internal/config"
	"github.com/osgrep/osgrep/internal/server"
	"github.com/osgrep/osgrep/internal/syncer"
)

func newServeCmd() *cobra.Command {
	var (
		path      string
		port      int
		parentPID int
	)

	cmd := &cobra.Command{
		Use:   "serve [path]",
		Short: "Run the long-lived watcher + search HTTP server for a repository",
		Long: `serve takes the lock file .osgrep/server.lock in the repository root,
runs an initial sync, then watches the filesystem for changes while serving
bearer-token-authenticated search requests over HTTP.

It self-governs: if --parent-pid is set the server exits once that process
dies, and it logs (or restarts) once its own memory footprint crosses the
configured thresholds.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := path
			if len(args) > 0 {
				root = args[0]
			}
			return runServe(cmd, root, port, parentPID)
		},
	}

	cmd.Flags().StringVar(&path, "path", ".", "Repository root to serve")
	cmd.Flags().IntVar(&port, "port", 0, "TCP port to listen on (0 = ephemeral)")
	cmd.Flags().IntVar(&parentPID, "parent-pid", 0, "Exit once this process ID is no longer alive")

	return cmd
}

func runServe(cmd *cobra.Command, path string, port, parentPID int) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := config.FindProjectRoot(path)
	if err != nil {
		root = path
	}
	cfg := loadConfig(root)
	if port == 0 {
		port = cfg.Server.Port
	}

	s, err := openStores(ctx, root, cfg, false)
	if err != nil {
		return err
	}
	defer s.Close()

	engine, err := buildEngine(s, cfg)
	if err != nil {
		return fmt.Errorf("build search engine: %w", err)
	}
	defer func() { _ = engine.Close() }()

	if _, err := syncer.EnsureProject(ctx, s.metadata, root); err != nil {
		return fmt.Errorf("register project: %w", err)
	}
	sy := buildSyncer(root, s, engine, false)

	token, err := server.GenerateAuthToken()
	if err != nil {
		return fmt.Errorf("generate auth token: %w", err)
	}

	srv := server.New(server.Config{
		Port:               port,
		Root:               root,
		AuthToken:          token,
		ParentPID:          parentPID,
		WarnMemoryBytes:    uint64(cfg.Server.WarnMemoryMB) * 1024 * 1024,
		RestartMemoryBytes: uint64(cfg.Server.RestartMemoryMB) * 1024 * 1024,
		RestartArgv:        os.Args,
		LockPath:           filepath.Join(root, ".osgrep", "server.lock"),
	}, server.Deps{
		Engine: engine,
		Syncer: sy,
	})

	cmd.Printf("osgrep serve: root=%s token=%s\n", root, token)
	return srv.ListenAndServe(ctx)
}
