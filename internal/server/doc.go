// Package server implements the long-lived watcher/server variant of the
// indexing pipeline: a background process that keeps a project's index
// warm, reacts to filesystem changes via internal/watcher, and exposes
// search over a bearer-token-authenticated local HTTP API.
package server
