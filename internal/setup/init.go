// Package setup creates and locates the .aispire/ workspace directory.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/aispire/internal/config"
	"github.com/msageha/aispire/internal/model"
	atomicyaml "github.com/msageha/aispire/internal/yaml"
	"github.com/msageha/aispire/templates"
)

// DirName is the workspace directory created inside a project.
const DirName = ".aispire"

// ErrNotFound is returned by Find when no workspace exists.
var ErrNotFound = errors.New("no " + DirName + " directory found; run: aispire setup")

// Layout resolves the files of one workspace.
type Layout struct {
	Root string
}

func LayoutFor(projectDir string) Layout {
	return Layout{Root: filepath.Join(projectDir, DirName)}
}

func (l Layout) ConfigPath() string    { return filepath.Join(l.Root, config.FileName) }
func (l Layout) LogDir() string        { return filepath.Join(l.Root, "logs") }
func (l Layout) DaemonLogPath() string { return filepath.Join(l.LogDir(), "daemon.log") }
func (l Layout) AuditLogPath() string  { return filepath.Join(l.LogDir(), "commands.jsonl") }
func (l Layout) StateDir() string      { return filepath.Join(l.Root, "state") }
func (l Layout) LockPath() string      { return filepath.Join(l.Root, "locks", "daemon.lock") }
func (l Layout) SocketPath() string    { return filepath.Join(l.Root, "daemon.sock") }
func (l Layout) TemplatesDir() string  { return filepath.Join(l.Root, "templates") }

// Options tune the generated config.
type Options struct {
	// RequireAuth enables the upstream auth handshake with a generated token.
	RequireAuth bool
	// CopyTemplates copies the built-in Lua templates into templates/ for
	// local editing.
	CopyTemplates bool
}

// Run initializes the .aispire/ directory structure in projectDir.
func Run(projectDir string, opts Options) (Layout, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve project dir: %w", err)
	}
	layout := LayoutFor(absDir)

	if _, err := os.Stat(layout.Root); err == nil {
		return Layout{}, fmt.Errorf("%s already exists", layout.Root)
	}

	for _, d := range []string{layout.LogDir(), layout.StateDir(), filepath.Dir(layout.LockPath()), layout.TemplatesDir()} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return Layout{}, fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := writeConfig(layout.ConfigPath(), opts); err != nil {
		return Layout{}, fmt.Errorf("write %s: %w", config.FileName, err)
	}

	if opts.CopyTemplates {
		if err := copyTemplates(layout.TemplatesDir()); err != nil {
			return Layout{}, err
		}
	}

	state := "schema_version: 1\nfile_type: \"state_metrics\"\n"
	if err := atomicyaml.AtomicWriteRaw(filepath.Join(layout.StateDir(), "metrics.yaml"), []byte(state)); err != nil {
		return Layout{}, fmt.Errorf("write metrics.yaml: %w", err)
	}

	if err := os.WriteFile(layout.LockPath(), nil, 0600); err != nil {
		return Layout{}, fmt.Errorf("create daemon.lock: %w", err)
	}
	return layout, nil
}

// writeConfig writes the embedded default verbatim, keeping its layout,
// unless options require edits.
func writeConfig(path string, opts Options) error {
	data, err := config.DefaultBytes()
	if err != nil {
		return err
	}
	if !opts.RequireAuth {
		return atomicyaml.AtomicWriteRaw(path, data)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config template: %w", err)
	}
	cfg.Server.AuthRequired = true
	cfg.Server.AuthToken = uuid.NewString()
	return atomicyaml.AtomicWrite(path, &cfg)
}

func copyTemplates(dst string) error {
	return fs.WalkDir(templates.FS, "lua", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := fs.ReadFile(templates.FS, path)
		if err != nil {
			return fmt.Errorf("read template %s: %w", path, err)
		}
		out := filepath.Join(dst, filepath.Base(path))
		if err := os.WriteFile(out, data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		return nil
	})
}

// Find searches for .aispire/ in dir and its ancestors.
func Find(dir string) (Layout, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve dir: %w", err)
	}
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return Layout{Root: candidate}, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Layout{}, ErrNotFound
		}
		dir = parent
	}
}
