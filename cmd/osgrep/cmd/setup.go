package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/osgrep/osgrep/configs"
	"github.com/osgrep/osgrep/internal/config"
	"github.com/osgrep/osgrep/internal/embed"
	"github.com/osgrep/osgrep/internal/errors"
	"github.com/osgrep/osgrep/internal/preflight"
)

func newSetupCmd() *cobra.Command {
	var (
		checkOnly bool
		offline   bool
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Prepare a repository's data directory and verify the embedding backend",
		Long: `setup creates the project's data directory and default config file if
absent, runs the same checks 'doctor' runs, and reports whether the
configured embedding provider is reachable.

Use --offline to skip the embedder check entirely and print the command that
builds a BM25-only index; --offline writes no configuration.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSetup(ctx, cmd, checkOnly, offline)
		},
	}

	cmd.Flags().BoolVar(&checkOnly, "check", false, "Only report status, write nothing")
	cmd.Flags().BoolVar(&offline, "offline", false, "Skip the embedder check and print the BM25-only index command")

	return cmd
}

func runSetup(ctx context.Context, cmd *cobra.Command, checkOnly, offline bool) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}
	dataDir := config.DataDir(root)

	if offline {
		cmd.Println("offline mode: search will be keyword-only (BM25), no embedding model required")
		if !checkOnly {
			cmd.Printf("run 'osgrep index --bm25-only --path %s' to build the index\n", root)
		}
		return nil
	}

	if !checkOnly {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		yamlPath := filepath.Join(root, ".osgrep.yaml")
		if _, err := os.Stat(yamlPath); os.IsNotExist(err) {
			// The commented template, not a bare serialized Config: the
			// file is meant to be read and edited by whoever checks it in.
			if werr := os.WriteFile(yamlPath, []byte(configs.ProjectConfigTemplate), 0o644); werr != nil {
				return fmt.Errorf("write default config: %w", werr)
			}
			cmd.Printf("wrote default config to %s\n", yamlPath)
		}
		userCfgPath := config.GetUserConfigPath()
		if _, err := os.Stat(userCfgPath); userCfgPath != "" && os.IsNotExist(err) {
			if werr := os.MkdirAll(filepath.Dir(userCfgPath), 0o755); werr == nil {
				if werr := os.WriteFile(userCfgPath, []byte(configs.UserConfigTemplate), 0o644); werr == nil {
					cmd.Printf("wrote user config template to %s\n", userCfgPath)
				}
			}
		}
	}

	cfg := loadConfig(root)
	provider := embed.ParseProvider(cfg.Embeddings.Provider)

	var embedder embed.Embedder
	retryCfg := errors.DefaultRetryConfig()
	retryCfg.MaxRetries = 2
	retryCfg.InitialDelay = 200 * time.Millisecond
	retryCfg.MaxDelay = 800 * time.Millisecond
	err = errors.Retry(ctx, retryCfg, func() error {
		var probeErr error
		embedder, probeErr = embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
		return probeErr
	})
	if err != nil {
		cmd.Print(errors.FormatForCLI(errors.NetworkError("embedder unavailable", err)))
		cmd.Println("osgrep will fall back to static embeddings")
	} else {
		defer func() { _ = embedder.Close() }()
		info := embed.GetInfo(ctx, embedder)
		cmd.Printf("embedder: provider=%s model=%s dimensions=%d available=%t\n",
			info.Provider, info.Model, info.Dimensions, info.Available)
	}

	checker := preflight.New(preflight.WithOutput(cmd.OutOrStdout()))
	results := checker.RunAll(ctx, root)
	checker.PrintResults(results)
	if !checkOnly && !checker.HasCriticalFailures(results) {
		if err := preflight.MarkPassed(dataDir); err != nil {
			cmd.Printf("warning: failed to record preflight marker: %v\n", err)
		}
	}
	if checker.HasCriticalFailures(results) {
		return fmt.Errorf("system check failed; see above")
	}
	return nil
}
