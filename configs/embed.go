// Package configs provides embedded configuration templates for osgrep.
//
// Templates are embedded at build time using Go's //go:embed directive, so
// they ship inside the binary regardless of how it was installed (go
// install, binary release, package manager).
//
// Configuration hierarchy (see internal/config.Load):
//  1. Hardcoded defaults (internal/config.NewConfig)
//  2. User config (~/.config/osgrep/config.yaml)
//  3. Project config (.osgrep.yaml)
//  4. Environment variables (OSGREP_*)
//
// To modify templates, edit the .yaml files in this directory and rebuild.
package configs

import _ "embed"

// UserConfigTemplate is the template for user/machine-level configuration
// at ~/.config/osgrep/config.yaml: thermal pacing, Ollama host, MLX
// endpoint, server thresholds. Settings that apply to every project on the
// machine.
//
//go:embed user-config.example.yaml
var UserConfigTemplate string

// ProjectConfigTemplate is the template `osgrep setup` writes to
// .osgrep.yaml in the project root: ignore patterns, search weights,
// embedding provider. Settings that are version-controlled with the
// project.
//
//go:embed project-config.example.yaml
var ProjectConfigTemplate string
