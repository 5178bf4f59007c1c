package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/osgrep/osgrep/internal/config"
	"github.com/osgrep/osgrep/internal/syncer"
)

func newIndexCmd() *cobra.Command {
	var (
		path      string
		dryRun    bool
		bm25Only  bool
	)

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Build or refresh the hybrid search index for a repository",
		Long: `index walks the repository, skips files whose content hash hasn't
changed since the last run, chunks and embeds the rest, and persists the
result to the BM25 and vector stores under the project's data directory.

Use --dry-run to see what would be (re)indexed without writing anything.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := path
			if len(args) > 0 {
				root = args[0]
			}
			return runIndex(cmd, root, dryRun, bm25Only)
		},
	}

	cmd.Flags().StringVar(&path, "path", ".", "Repository root to index")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be indexed without writing")
	cmd.Flags().BoolVar(&bm25Only, "bm25-only", false, "Skip embeddings; keyword index only")

	return cmd
}

func runIndex(cmd *cobra.Command, path string, dryRun, bm25Only bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := config.FindProjectRoot(path)
	if err != nil {
		root = path
	}
	cfg := loadConfig(root)

	s, err := openStores(ctx, root, cfg, bm25Only)
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

	sy := buildSyncer(root, s, engine, dryRun)

	result, err := sy.Sync(ctx, func(processed, indexed, total int, path string) {
		cmd.Printf("\r%d/%d indexed (%s)", processed, total, path)
	})
	if err != nil {
		cmd.Println()
		return fmt.Errorf("sync failed: %w", err)
	}
	cmd.Println()

	if dryRun {
		for _, rec := range sy.DryRunRecords() {
			cmd.Printf("would index: %s (%s, ~%d chunks)\n", rec.Path, rec.Reason, rec.ChunkHint)
		}
		cmd.Printf("%d files would be (re)indexed, %d unchanged\n", len(sy.DryRunRecords()), result.Skipped)
		return nil
	}

	if err := engine.PersistIndexes(s.bm25Path, s.vectorPath); err != nil {
		return fmt.Errorf("persist indexes: %w", err)
	}

	cmd.Printf("indexed %d files (%d skipped, %d deleted, %d errors) in %s\n",
		result.Indexed, result.Skipped, result.Deleted, result.Errors, result.Duration)
	return nil
}
