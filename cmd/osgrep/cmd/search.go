package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/osgrep/osgrep/internal/config"
	"github.com/osgrep/osgrep/internal/search"
	"github.com/osgrep/osgrep/internal/syncer"
)

type searchOptions struct {
	limit    int
	filter   string
	language string
	scopes   []string
	bm25Only bool
	explain  bool
	format   string
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions
	var path string

	cmd := &cobra.Command{
		Use:   "search <query> [path]",
		Short: "Run a hybrid (BM25 + semantic) search against an indexed repository",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := path
			if len(args) > 1 {
				root = args[1]
			}
			return runSearch(cmd, root, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&path, "path", ".", "Repository root to search")
	cmd.Flags().IntVar(&opts.limit, "limit", 10, "Maximum number of results")
	cmd.Flags().StringVar(&opts.filter, "filter", "all", "Content type filter: all, code, docs")
	cmd.Flags().StringVar(&opts.language, "language", "", "Restrict to a programming language")
	cmd.Flags().StringSliceVar(&opts.scopes, "scope", nil, "Restrict results to a path prefix (repeatable)")
	cmd.Flags().BoolVar(&opts.bm25Only, "bm25-only", false, "Keyword-only search; skip semantic search")
	cmd.Flags().BoolVar(&opts.explain, "explain", false, "Include search-decision explain data")
	cmd.Flags().StringVar(&opts.format, "format", "text", "Output format: text, json")

	return cmd
}

func runSearch(cmd *cobra.Command, path, query string, opts searchOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := config.FindProjectRoot(path)
	if err != nil {
		root = path
	}
	cfg := loadConfig(root)

	s, err := openStores(ctx, root, cfg, opts.bm25Only)
	if err != nil {
		return err
	}
	defer s.Close()

	engine, err := buildEngine(s, cfg)
	if err != nil {
		return fmt.Errorf("build search engine: %w", err)
	}
	defer func() { _ = engine.Close() }()

	// An empty index (first run, or the data directory was deleted since
	// setup) can't answer anything; run a full sync before searching.
	indexed, err := s.metadata.GetFilePathsByProject(ctx, syncer.ProjectID(root))
	if err != nil || len(indexed) == 0 {
		if _, err := syncer.EnsureProject(ctx, s.metadata, root); err != nil {
			return fmt.Errorf("register project: %w", err)
		}
		sy := buildSyncer(root, s, engine, false)
		if _, err := sy.Sync(ctx, func(processed, indexed, total int, path string) {}); err != nil {
			return fmt.Errorf("index before search: %w", err)
		}
		if err := engine.PersistIndexes(s.bm25Path, s.vectorPath); err != nil {
			return fmt.Errorf("persist indexes: %w", err)
		}
	}

	searchOpts := search.SearchOptions{
		Limit:    opts.limit,
		Filter:   opts.filter,
		Language: opts.language,
		Scopes:   opts.scopes,
		BM25Only: opts.bm25Only,
		Explain:  opts.explain,
	}

	results, err := engine.Search(ctx, query, searchOpts)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if len(results) == 0 {
		cmd.Printf("No results found for %q\n", query)
		return nil
	}

	if opts.format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	return printTextResults(cmd, results)
}

func printTextResults(cmd *cobra.Command, results []*search.SearchResult) error {
	for i, r := range results {
		loc := r.Chunk.FilePath
		if r.Chunk.StartLine > 0 {
			loc = fmt.Sprintf("%s:%d", loc, r.Chunk.StartLine)
		}
		cmd.Printf("%d. %s  (score %.3f)\n", i+1, loc, r.Score)
		snippet := r.Chunk.Content
		const maxLen = 240
		if len(snippet) > maxLen {
			snippet = snippet[:maxLen] + "..."
		}
		cmd.Println(indentLines(snippet))
		cmd.Println()
	}
	return nil
}

func indentLines(s string) string {
	out := "    "
	for _, r := range s {
		out += string(r)
		if r == '\n' {
			out += "    "
		}
	}
	return out
}
