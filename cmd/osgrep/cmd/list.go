package cmd

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/osgrep/osgrep/internal/config"
	"github.com/osgrep/osgrep/internal/store"
)

type projectListing struct {
	RootPath   string `json:"root_path"`
	FileCount  int    `json:"file_count"`
	ChunkCount int    `json:"chunk_count"`
	IndexedAt  string `json:"indexed_at"`
}

func newListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every repository osgrep has indexed on this machine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func runList(cmd *cobra.Command, jsonOutput bool) error {
	ctx := cmd.Context()
	projectsDir := config.ProjectsDir()

	entries, err := os.ReadDir(projectsDir)
	if os.IsNotExist(err) {
		entries = nil
	} else if err != nil {
		return err
	}

	var listings []projectListing
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ls, ok := readProjectListings(ctx, filepath.Join(projectsDir, entry.Name()))
		if ok {
			listings = append(listings, ls...)
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(listings)
	}

	if len(listings) == 0 {
		cmd.Println("no indexed projects found")
		return nil
	}
	for _, l := range listings {
		cmd.Printf("%s\t%d files\t%d chunks\tindexed %s\n", l.RootPath, l.FileCount, l.ChunkCount, l.IndexedAt)
	}
	return nil
}

// readProjectListings opens a single project data directory's metadata
// store read-only long enough to read its project row(s) back out.
func readProjectListings(ctx context.Context, dataDir string) ([]projectListing, bool) {
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, err := os.Stat(metadataPath); err != nil {
		return nil, false
	}

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return nil, false
	}
	defer func() { _ = metadata.Close() }()

	projects, err := metadata.ListProjects(ctx)
	if err != nil || len(projects) == 0 {
		return nil, false
	}

	listings := make([]projectListing, 0, len(projects))
	for _, p := range projects {
		listings = append(listings, projectListing{
			RootPath:   p.RootPath,
			FileCount:  p.FileCount,
			ChunkCount: p.ChunkCount,
			IndexedAt:  p.IndexedAt.Format("2006-01-02 15:04:05"),
		})
	}
	return listings, true
}
