// Command osgrep is a local hybrid code search engine: it indexes a
// repository's files into BM25 and vector stores and serves keyword +
// semantic search over the result, either as a one-shot CLI query or as a
// long-lived watcher/HTTP server.
package main

import (
	"fmt"
	"os"

	"github.com/osgrep/osgrep/cmd/osgrep/cmd"
	"github.com/osgrep/osgrep/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprint(os.Stderr, errors.FormatForCLI(err))
		os.Exit(1)
	}
}
