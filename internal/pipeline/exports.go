package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/phobologic/psbuild/internal/assemble"
	"github.com/phobologic/psbuild/internal/discover"
	"github.com/phobologic/psbuild/internal/lang"
	"github.com/phobologic/psbuild/internal/model"
	"github.com/phobologic/psbuild/internal/parse"
	"github.com/phobologic/psbuild/internal/symbols"
)

// cmdlets reads the compiled sources of a binary module for the cmdlets
// they declare.
func (r *run) cmdlets(ctx context.Context) error {
	sources, err := discover.Sources(ctx, r.cfg.Root, r.cfg.Dirs.Sources, r.cfg.Exclude)
	if err != nil {
		return fail(StageCmdlets, r.cfg.Root, err)
	}
	for _, src := range sources {
		l, ok := lang.Languages[src.Language]
		if !ok {
			continue
		}
		q, err := l.ClassQuery()
		if err != nil {
			r.logger.Warn("failed to compile query", "language", src.Language, "err", err)
			continue
		}
		found := parse.ExtractCmdlets(l.NewParser(), q, src.Content, src.Path)
		r.state.Cmdlets = append(r.state.Cmdlets, found...)
	}
	sort.SliceStable(r.state.Cmdlets, func(i, j int) bool {
		return r.state.Cmdlets[i].Name < r.state.Cmdlets[j].Name
	})
	if len(r.state.Cmdlets) > 0 {
		r.logger.Debug("found compiled cmdlets", "count", len(r.state.Cmdlets))
	}
	return nil
}

// exports computes the public surface. Functions defined under the public
// directories are exported, or every function when none is configured,
// together with their aliases and the compiled cmdlets. Configured lists
// replace the computed ones.
func (r *run) exports() error {
	table := r.state.Symbols.Table
	var set model.ExportSet

	public := publicDirs(r.cfg.Dirs.Public)
	for _, sym := range table.Symbols() {
		if len(public) > 0 && !underAny(sym.File, public) {
			continue
		}
		set.Functions = append(set.Functions, sym.Name)
		set.Aliases = append(set.Aliases, sym.Aliases...)
	}
	for _, c := range r.state.Cmdlets {
		set.Cmdlets = append(set.Cmdlets, c.Name)
		set.Aliases = append(set.Aliases, c.Aliases...)
	}

	if r.cfg.Exports.Functions != nil {
		set.Functions = r.cfg.Exports.Functions
		for _, f := range set.Functions {
			if !table.Has(f) {
				r.diagnose(model.Diagnostic{
					Severity: model.Warning,
					Stage:    StageExports,
					Subject:  f,
					Message:  "exported function is not defined",
				})
			}
		}
	}
	if r.cfg.Exports.Aliases != nil {
		set.Aliases = r.cfg.Exports.Aliases
	}
	set.Functions = dedupe(set.Functions)
	set.Aliases = dedupe(set.Aliases)
	set.Cmdlets = dedupe(set.Cmdlets)

	if err := r.checkCmdlets(); err != nil {
		return fail(StageExports, duplicateSubject(err), err)
	}
	r.state.Exports = set
	return nil
}

// checkCmdlets extends the alias uniqueness rules to compiled cmdlets.
func (r *run) checkCmdlets() error {
	table := r.state.Symbols.Table
	owner := map[string]string{}
	for _, sym := range table.Symbols() {
		for _, a := range sym.Aliases {
			owner[strings.ToLower(a)] = sym.Name
		}
	}
	for _, c := range r.state.Cmdlets {
		if fn, ok := table.Lookup(c.Name); ok {
			return &symbols.DuplicateError{Name: c.Name, First: fn.File, Second: c.File, Reason: "cmdlet is also a function name"}
		}
		for _, a := range c.Aliases {
			if fn, ok := table.Lookup(a); ok {
				return &symbols.DuplicateError{Name: a, First: fn.Name, Second: c.Name, Reason: "alias is also a function name"}
			}
			k := strings.ToLower(a)
			if prev, ok := owner[k]; ok && !strings.EqualFold(prev, c.Name) {
				return &symbols.DuplicateError{Name: a, First: prev, Second: c.Name, Reason: "alias declared twice"}
			}
			owner[k] = c.Name
		}
	}
	return nil
}

func publicDirs(dirs []string) []string {
	var out []string
	for _, d := range dirs {
		d = strings.Trim(strings.ReplaceAll(d, `\`, "/"), "/")
		if d != "" && d != "." {
			out = append(out, d)
		}
	}
	return out
}

func underAny(file string, dirs []string) bool {
	for _, d := range dirs {
		if strings.HasPrefix(file, d+"/") {
			return true
		}
	}
	return false
}

func dedupe(names []string) []string {
	if names == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		k := strings.ToLower(n)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, n)
	}
	return out
}

// libraries expands the configured library globs against the project root.
// Globs from the flat list are bucketed by the edition directory they live
// in.
func (r *run) libraries() error {
	layout := r.cfg.Libraries
	if layout.Empty() {
		return nil
	}
	fsys := os.DirFS(r.cfg.Root)
	var libs assemble.Libraries
	var err error
	if libs.Core, err = r.expand(fsys, layout.Core); err != nil {
		return fail(StageAssemble, "libraries", err)
	}
	if libs.Default, err = r.expand(fsys, layout.Default); err != nil {
		return fail(StageAssemble, "libraries", err)
	}
	if libs.Standard, err = r.expand(fsys, layout.Standard); err != nil {
		return fail(StageAssemble, "libraries", err)
	}
	auto, err := r.expand(fsys, layout.Auto)
	if err != nil {
		return fail(StageAssemble, "libraries", err)
	}
	for _, p := range auto {
		switch editionOf(p) {
		case "core":
			libs.Core = append(libs.Core, p)
		case "default":
			libs.Default = append(libs.Default, p)
		default:
			libs.Standard = append(libs.Standard, p)
		}
	}
	r.state.Libraries = libs
	return nil
}

func (r *run) expand(fsys fs.FS, patterns []string) ([]string, error) {
	var out []string
	seen := map[string]struct{}{}
	for _, p := range patterns {
		p = strings.TrimPrefix(strings.ReplaceAll(p, `\`, "/"), "./")
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid library pattern %q", p)
		}
		matches, err := doublestar.Glob(fsys, p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("library pattern %q: %w", p, err)
		}
		if len(matches) == 0 {
			r.logger.Warn("library pattern matched nothing", "pattern", p)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}

// editionOf names the edition bucket of a library by its directories.
func editionOf(p string) string {
	for _, seg := range strings.Split(strings.ToLower(path.Dir(p)), "/") {
		switch {
		case seg == "core" || strings.HasPrefix(seg, "netcoreapp") || strings.HasPrefix(seg, "net6") || strings.HasPrefix(seg, "net8"):
			return "core"
		case seg == "default" || seg == "desktop" || strings.HasPrefix(seg, "net4"):
			return "default"
		case seg == "standard" || strings.HasPrefix(seg, "netstandard"):
			return "standard"
		}
	}
	return "standard"
}
