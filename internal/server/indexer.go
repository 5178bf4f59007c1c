package server

import (
	"context"
	"log/slog"

	"github.com/osgrep/osgrep/internal/syncer"
	"github.com/osgrep/osgrep/internal/watcher"
)

// Indexer bridges the filesystem watcher to the sync orchestrator: every
// debounced batch of events becomes a per-path SyncPath/RemovePath call, or
// a full Sync when a .gitignore/.osgrep.yaml change can't be handled
// file-by-file.
type Indexer struct {
	syncer *syncer.Syncer
	w      *watcher.HybridWatcher
	root   string
}

// NewIndexer wires a Syncer to a freshly constructed HybridWatcher.
func NewIndexer(s *syncer.Syncer, root string, opts watcher.Options) (*Indexer, error) {
	hw, err := watcher.NewHybridWatcher(opts)
	if err != nil {
		return nil, err
	}
	return &Indexer{syncer: s, w: hw, root: root}, nil
}

// Start begins watching root and processing events until ctx is cancelled.
func (ix *Indexer) Start(ctx context.Context) error {
	if err := ix.w.Start(ctx, ix.root); err != nil {
		return err
	}
	go ix.pump(ctx)
	return nil
}

// Stop releases the watcher's resources.
func (ix *Indexer) Stop() error {
	return ix.w.Stop()
}

func (ix *Indexer) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-ix.w.Events():
			if !ok {
				return
			}
			for _, ev := range batch {
				ix.handle(ctx, ev)
			}
		case err, ok := <-ix.w.Errors():
			if !ok {
				return
			}
			slog.Warn("server_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (ix *Indexer) handle(ctx context.Context, ev watcher.FileEvent) {
	switch ev.Operation {
	case watcher.OpGitignoreChange, watcher.OpConfigChange:
		// Pattern rules changed: a per-path sync can't tell what just
		// became ignored or un-ignored, so fall back to a full
		// reconciliation pass.
		if _, err := ix.syncer.Sync(ctx, nil); err != nil {
			slog.Warn("server_reconcile_failed", slog.String("trigger", ev.Path), slog.String("error", err.Error()))
		}
	case watcher.OpDelete:
		if err := ix.syncer.RemovePath(ctx, ev.Path); err != nil {
			slog.Warn("server_remove_failed", slog.String("path", ev.Path), slog.String("error", err.Error()))
		}
	default: // OpCreate, OpModify, OpRename
		if ev.IsDir {
			return
		}
		if ix.syncer.IsIgnored(ev.Path, ev.IsDir) {
			return
		}
		if _, err := ix.syncer.SyncPath(ctx, ev.Path); err != nil {
			slog.Warn("server_sync_failed", slog.String("path", ev.Path), slog.String("error", err.Error()))
		}
	}
}
