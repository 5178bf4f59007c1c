// Package walker enumerates candidate files under a project root, preferring
// a repository's tracked-file listing (which honors its ignore semantics for
// free) and falling back to a recursive directory walk otherwise.
package walker

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"

	"github.com/osgrep/osgrep/internal/ignore"
)

// File describes one discovered candidate file, relative to the root.
type File struct {
	// RelPath is slash-separated and relative to the walked root.
	RelPath string
	// AbsPath is the absolute filesystem path.
	AbsPath string
}

// Walk enumerates files under root. If root is a git-tracked repository, the
// HEAD tree's file listing is used (which already excludes anything the
// repository ignores); otherwise a recursive directory walk is used, with
// hidden directories pruned and filter applied per-entry. Walk errors on
// individual subdirectories are logged and skipped, not fatal.
func Walk(ctx context.Context, root string, filter *ignore.Filter) ([]File, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	if files, ok := walkTracked(absRoot, filter); ok {
		return files, nil
	}

	return walkFilesystem(ctx, absRoot, filter)
}

// walkTracked lists files from the repository's HEAD tree. The second return
// value is false when root isn't a usable git repository, signaling the
// caller to fall back to a filesystem walk.
func walkTracked(root string, filter *ignore.Filter) ([]File, bool) {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, false
	}

	head, err := repo.Head()
	if err != nil {
		// Repo with no commits yet; nothing tracked.
		return nil, false
	}

	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, false
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, false
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, false
	}
	repoRoot := worktree.Filesystem.Root()

	var files []File
	treeWalker := tree.Files()
	for {
		treeFile, err := treeWalker.Next()
		if err != nil {
			break
		}

		relPath := filepath.ToSlash(treeFile.Name)
		if filter != nil && filter.IsIgnored(relPath, false) {
			continue
		}

		abs := filepath.Join(repoRoot, filepath.FromSlash(relPath))
		if _, statErr := os.Stat(abs); statErr != nil {
			// Tracked but missing on disk (deleted, not yet committed); skip.
			continue
		}

		files = append(files, File{RelPath: relPath, AbsPath: abs})
	}

	return files, true
}

func walkFilesystem(ctx context.Context, root string, filter *ignore.Filter) ([]File, error) {
	var files []File

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if walkErr != nil {
			slog.Warn("walk_subdir_error", slog.String("path", path), slog.String("error", walkErr.Error()))
			return nil
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if filter != nil && filter.IsIgnored(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}

		if filter != nil && filter.IsIgnored(rel, false) {
			return nil
		}

		files = append(files, File{RelPath: rel, AbsPath: path})
		return nil
	})
	if err != nil && err != context.Canceled {
		return files, err
	}

	return files, nil
}
