// Package discover classifies the files of a module project by build role.
package discover

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/phobologic/psbuild/internal/lang"
	"github.com/phobologic/psbuild/internal/model"
)

// ErrRootNotFound is returned when the project root does not exist.
var ErrRootNotFound = errors.New("project root not found")

// skipDirs are never descended into.
var skipDirs = map[string]struct{}{
	".git":         {},
	".hg":          {},
	".svn":         {},
	".vs":          {},
	".vscode":      {},
	".idea":        {},
	".psbuild":     {},
	"node_modules": {},
	"obj":          {},
	"Artefacts":    {},
	"Output":       {},
}

// Options configures Classify. Directory lists are relative to the root and
// use forward slashes.
type Options struct {
	ScriptDirs   []string
	ClassDirs    []string
	ArrayDirs    []string
	AssetDirs    []string
	RootIncludes []string // doublestar patterns for root-level files
	Exclude      []string // gitignore syntax
	Logger       *log.Logger
}

// DefaultOptions returns the conventional module layout.
func DefaultOptions() Options {
	return Options{
		ScriptDirs:   []string{"Private", "Public", "Enums"},
		ClassDirs:    []string{"Classes"},
		AssetDirs:    []string{"Images", "Resources", "Templates", "Bin", "Lib", "Data"},
		RootIncludes: []string{"*.psd1", "*.psm1", "LICENSE*"},
	}
}

type roleDirs struct {
	role     model.Role
	dirs     []string
	needsPS1 bool
}

// Classify walks root depth-first in lexical order and returns every file
// that belongs to a role. Files outside any role are dropped silently.
// Unreadable directories are logged and skipped. The content of script
// roles is loaded; assets are referenced by path only.
func Classify(ctx context.Context, root string, opts Options) ([]model.ClassifiedFile, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrRootNotFound, root)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr)
	}

	gi := ignore.CompileIgnoreLines(opts.Exclude...)

	// Precedence: Script > ArrayInclude > ClassScript > Asset.
	roles := []roleDirs{
		{model.Script, normalizeDirs(opts.ScriptDirs), true},
		{model.ArrayInclude, normalizeDirs(opts.ArrayDirs), true},
		{model.ClassScript, normalizeDirs(opts.ClassDirs), true},
		{model.Asset, normalizeDirs(opts.AssetDirs), false},
	}

	var results []model.ClassifiedFile

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			logger.Warn("skipping unreadable path", "path", path, "err", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path == root {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			name := d.Name()
			if _, skip := skipDirs[name]; skip || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if gi.MatchesPath(rel + "/") {
				logger.Debug("excluded directory", "path", rel)
				return filepath.SkipDir
			}
			return nil
		}

		// Symlinks are never followed.
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if gi.MatchesPath(rel) {
			return nil
		}

		role, ok := classify(rel, roles, opts.RootIncludes)
		if !ok {
			return nil
		}
		cf := model.ClassifiedFile{Path: rel, Role: role}
		if role != model.Asset {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", rel, err)
			}
			cf.Content = content
		}
		results = append(results, cf)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func classify(rel string, roles []roleDirs, rootIncludes []string) (model.Role, bool) {
	if !strings.Contains(rel, "/") {
		for _, pattern := range rootIncludes {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				return model.RootMetadata, true
			}
		}
		return "", false
	}
	isPS1 := strings.EqualFold(filepath.Ext(rel), ".ps1")
	for _, r := range roles {
		if r.needsPS1 && !isPS1 {
			continue
		}
		for _, dir := range r.dirs {
			if strings.HasPrefix(rel, dir+"/") {
				return r.role, true
			}
		}
	}
	return "", false
}

func normalizeDirs(dirs []string) []string {
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		d = strings.Trim(filepath.ToSlash(d), "/")
		if d != "" && d != "." {
			out = append(out, d)
		}
	}
	return out
}

// SourceFile is a compiled-language source file read for binary cmdlet
// discovery.
type SourceFile struct {
	Path     string // Relative to the project root
	Language string
	Content  []byte
}

// Sources returns the files under the given project directories whose
// extension belongs to a registered language.
func Sources(ctx context.Context, root string, dirs []string, exclude []string) ([]SourceFile, error) {
	gi := ignore.CompileIgnoreLines(exclude...)
	var results []SourceFile
	for _, dir := range normalizeDirs(dirs) {
		base := filepath.Join(root, filepath.FromSlash(dir))
		if info, err := os.Stat(base); err != nil || !info.IsDir() {
			continue
		}
		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // skip errors
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)
			if d.IsDir() {
				if err := ctx.Err(); err != nil {
					return err
				}
				if _, skip := skipDirs[d.Name()]; skip || d.Name() == "bin" || (path != base && gi.MatchesPath(rel+"/")) {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type()&fs.ModeSymlink != 0 || gi.MatchesPath(rel) {
				return nil
			}
			langName := lang.ForExtension(filepath.Ext(d.Name()))
			if langName == "" {
				return nil
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", rel, err)
			}
			results = append(results, SourceFile{Path: rel, Language: langName, Content: content})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}
