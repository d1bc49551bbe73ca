// Package pipeline runs a module build: it classifies the project, extracts
// symbols, assembles the module, resolves its dependencies, synthesizes the
// manifest and finally stages, deploys and archives the result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/phobologic/psbuild/internal/assemble"
	"github.com/phobologic/psbuild/internal/config"
	"github.com/phobologic/psbuild/internal/discover"
	"github.com/phobologic/psbuild/internal/graph"
	"github.com/phobologic/psbuild/internal/manifest"
	"github.com/phobologic/psbuild/internal/model"
	"github.com/phobologic/psbuild/internal/modules"
	"github.com/phobologic/psbuild/internal/psast"
	"github.com/phobologic/psbuild/internal/report"
	"github.com/phobologic/psbuild/internal/resolve"
	"github.com/phobologic/psbuild/internal/symbols"
	"github.com/phobologic/psbuild/internal/version"
)

// Modules is the view of installed modules a build needs.
type Modules interface {
	resolve.Lookup
	manifest.Installed
	Functions(module string) ([]symbols.Function, error)
}

var _ Modules = (*modules.Index)(nil)

// Options controls a run.
type Options struct {
	Logger *log.Logger
	// Modules answers command and module lookups. Nil scans the
	// configured module path.
	Modules Modules
	// DryRun stops before anything is written and diffs the manifest
	// instead.
	DryRun bool
	// Force reports missing dependencies as warnings, on top of the
	// configured force setting.
	Force bool
}

// State is the record of one run. Stages fill it in order; a failed run
// returns the state reached so far.
type State struct {
	Config       *config.Config
	Files        []model.ClassifiedFile
	Symbols      *symbols.Result
	Cmdlets      []model.Cmdlet
	Exports      model.ExportSet
	Libraries    assemble.Libraries
	Artifact     *assemble.Artifact
	Dependencies *model.DependencyReport
	Version      string
	Manifest     model.ManifestRecord
	Diagnostics  []model.Diagnostic
	// ManifestDiff is the unified diff of a dry run.
	ManifestDiff string
	Outputs      []string
	DryRun       bool
}

// Report returns the build report for s.
func (s *State) Report() *report.Build {
	b := &report.Build{
		Exports:      s.Exports,
		Dependencies: s.Dependencies,
		Diagnostics:  s.Diagnostics,
		Outputs:      s.Outputs,
		DryRun:       s.DryRun,
		Version:      s.Version,
	}
	if s.Config != nil {
		b.Module = s.Config.Name
		if b.Version == "" {
			b.Version = s.Config.Version
		}
	}
	return b
}

type run struct {
	cfg    *config.Config
	opts   Options
	logger *log.Logger
	mods   Modules
	state  *State
	// inlined holds the functions copied in from approved modules.
	inlined []assemble.InlineModule
}

func newRun(cfg *config.Config, opts Options) *run {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	mods := opts.Modules
	if mods == nil {
		mods = modules.New(cfg.ModulePath, logger)
	}
	return &run{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		mods:   mods,
		state:  &State{Config: cfg, DryRun: opts.DryRun},
	}
}

// Analyze classifies, extracts, assembles and resolves the project without
// enforcing the dependency policy or writing anything.
func Analyze(ctx context.Context, cfg *config.Config, opts Options) (*State, error) {
	r := newRun(cfg, opts)
	err := r.analyze(ctx, false)
	return r.state, err
}

// Build runs the whole pipeline. Nothing outside the staging directory is
// written until every check has passed.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*State, error) {
	r := newRun(cfg, opts)
	if err := r.analyze(ctx, true); err != nil {
		return r.state, err
	}
	if err := r.inline(ctx); err != nil {
		return r.state, err
	}
	r.unused()
	if err := r.version(ctx); err != nil {
		return r.state, err
	}
	if err := r.manifest(ctx); err != nil {
		return r.state, err
	}
	if opts.DryRun {
		return r.state, r.diff()
	}
	if err := r.publish(ctx); err != nil {
		return r.state, err
	}
	if err := (version.FileRegistry{Path: registryPath(cfg)}).Record(cfg.Name, r.state.Version); err != nil {
		return r.state, fail(StageRegistry, registryPath(cfg), err)
	}
	r.logger.Info("built module", "name", cfg.Name, "version", r.state.Version)
	return r.state, nil
}

func (r *run) analyze(ctx context.Context, enforce bool) error {
	if err := r.classify(ctx); err != nil {
		return err
	}
	if err := r.extract(); err != nil {
		return err
	}
	if err := r.cmdlets(ctx); err != nil {
		return err
	}
	if err := r.exports(); err != nil {
		return err
	}
	if err := r.libraries(); err != nil {
		return err
	}
	if err := r.assemble(nil); err != nil {
		return err
	}
	return r.resolve(ctx, enforce)
}

func (r *run) diagnose(diags ...model.Diagnostic) {
	for _, d := range diags {
		switch d.Severity {
		case model.Error:
			r.logger.Error(d.Message, "stage", d.Stage, "subject", d.Subject)
		case model.Warning:
			r.logger.Warn(d.Message, "stage", d.Stage, "subject", d.Subject)
		default:
			r.logger.Debug(d.Message, "stage", d.Stage, "subject", d.Subject)
		}
	}
	r.state.Diagnostics = append(r.state.Diagnostics, diags...)
}

func (r *run) classify(ctx context.Context) error {
	opts := r.cfg.DiscoverOptions()
	opts.Logger = r.logger
	files, err := discover.Classify(ctx, r.cfg.Root, opts)
	if err != nil {
		return fail(StageClassify, r.cfg.Root, err)
	}
	r.state.Files = files
	r.logger.Debug("classified project", "root", r.cfg.Root, "files", len(files))
	return nil
}

func (r *run) extract() error {
	res, err := symbols.Extract(r.state.Files, symbols.Options{StrictDuplicates: r.cfg.StrictDuplicates})
	if err != nil {
		return fail(StageExtract, duplicateSubject(err), err)
	}
	r.state.Symbols = res
	r.diagnose(res.Diagnostics...)
	if err := symbols.ValidateExports(res.Table); err != nil {
		return fail(StageExtract, duplicateSubject(err), err)
	}
	return nil
}

func duplicateSubject(err error) string {
	var dup *symbols.DuplicateError
	if errors.As(err, &dup) {
		return dup.Name
	}
	return ""
}

func (r *run) assemble(inline []assemble.InlineModule) error {
	art, err := assemble.Assemble(r.state.Files, assemble.Options{
		Root:                r.cfg.Root,
		Sort:                r.cfg.Sort,
		Mode:                r.cfg.Mode,
		Libraries:           r.state.Libraries,
		IgnoreAlreadyLoaded: r.cfg.IgnoreAlreadyLoaded,
		ArrayName:           r.cfg.ArrayIncludeName,
		SelfPathExempt:      r.cfg.SelfPathExempt,
		Inline:              inline,
		Exports:             r.state.Exports,
	})
	if err != nil {
		return fail(StageAssemble, r.cfg.Name, err)
	}
	r.state.Artifact = art
	return nil
}

// resolve classifies the dependencies of the assembled body. Link mode
// modules dot-source their scripts, so the resolver reads the sources
// themselves.
func (r *run) resolve(ctx context.Context, enforce bool) error {
	body := r.state.Artifact.Body()
	if r.cfg.Mode == assemble.Link {
		merged, err := assemble.Assemble(r.state.Files, assemble.Options{
			Root:      r.cfg.Root,
			Sort:      r.cfg.Sort,
			Mode:      assemble.Merge,
			ArrayName: r.cfg.ArrayIncludeName,
			Inline:    r.inlined,
		})
		if err != nil {
			return fail(StageResolve, r.cfg.Name, err)
		}
		body = merged.Body()
	}

	var local []string
	for _, c := range r.state.Cmdlets {
		local = append(local, c.Name)
		local = append(local, c.Aliases...)
	}
	for _, m := range r.inlined {
		for _, fn := range m.Functions {
			local = append(local, fn.Name)
			local = append(local, fn.Aliases...)
		}
	}
	rep, err := resolve.Resolve(ctx, resolve.Input{
		ModuleName:  r.cfg.Name,
		Script:      body,
		Symbols:     r.state.Symbols.Table,
		Local:       local,
		Required:    r.cfg.RequiredNames(),
		Approved:    r.cfg.ApprovedModules,
		CoreModules: r.cfg.CoreModules,
	}, r.mods)
	if err != nil {
		return fail(StageResolve, r.cfg.Name, err)
	}
	r.state.Dependencies = rep
	r.dropDiagnostics(StageResolve)
	for _, d := range rep.Diagnostics {
		r.logger.Warn(d.Message, "stage", d.Stage, "subject", d.Subject)
	}
	for _, v := range rep.Verdicts {
		if v.Status == model.ApprovedMissing {
			r.logger.Warn("approved module is not required", "module", v.Module, "commands", strings.Join(v.Commands, ", "))
		}
	}

	policy := resolve.Policy{Suppress: r.cfg.Suppress, Force: r.cfg.Force || r.opts.Force || !enforce}
	warnings, err := policy.Check(rep)
	if err != nil {
		return fail(StageResolve, missingSubject(err), err)
	}
	if enforce {
		r.diagnose(warnings...)
	}
	return nil
}

// dropDiagnostics forgets what an earlier pass of stage reported, so a
// repeated stage does not report twice.
func (r *run) dropDiagnostics(stage string) {
	kept := r.state.Diagnostics[:0]
	for _, d := range r.state.Diagnostics {
		if d.Stage != stage {
			kept = append(kept, d)
		}
	}
	r.state.Diagnostics = kept
}

func missingSubject(err error) string {
	var missing *resolve.MissingError
	if !errors.As(err, &missing) {
		return ""
	}
	names := make([]string, len(missing.Verdicts))
	for i, v := range missing.Verdicts {
		names[i] = v.Module
	}
	return strings.Join(names, ", ")
}

// inline copies the functions an approved but unrequired module provides
// into the build, with everything they call inside that module.
func (r *run) inline(ctx context.Context) error {
	if !r.cfg.InlineDependencies {
		return nil
	}
	var mods []assemble.InlineModule
	for _, v := range r.state.Dependencies.Verdicts {
		if v.Status != model.ApprovedMissing {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fns, err := r.mods.Functions(v.Module)
		if err != nil {
			return fail(StageInline, v.Module, err)
		}
		roots := inlineRoots(fns, v.Commands)
		if len(roots) == 0 {
			r.diagnose(model.Diagnostic{
				Severity: model.Warning,
				Stage:    StageInline,
				Subject:  v.Module,
				Message:  "no script functions to inline for " + strings.Join(v.Commands, ", "),
			})
			continue
		}
		closure := graph.Closure(fns, roots)
		mods = append(mods, assemble.InlineModule{Module: v.Module, Functions: closure})
		r.diagnose(model.Diagnostic{
			Severity: model.Info,
			Stage:    StageInline,
			Subject:  v.Module,
			Message:  fmt.Sprintf("inlined %d function(s)", len(closure)),
		})
	}
	if len(mods) == 0 {
		return nil
	}
	r.inlined = mods
	if err := r.assemble(mods); err != nil {
		return err
	}
	// The inlined code ships in the module, so its own dependencies are
	// checked like the rest.
	return r.resolve(ctx, true)
}

// inlineRoots maps the commands used from a module, which may be aliases,
// to the functions defining them.
func inlineRoots(fns []symbols.Function, commands []string) []string {
	var roots []string
	for _, c := range commands {
		for _, fn := range fns {
			if strings.EqualFold(fn.Name, c) || containsFold(fn.Aliases, c) {
				roots = append(roots, fn.Name)
				break
			}
		}
	}
	return roots
}

func containsFold(items []string, s string) bool {
	for _, it := range items {
		if strings.EqualFold(it, s) {
			return true
		}
	}
	return false
}

// unused reports private functions nothing in the module calls.
func (r *run) unused() {
	res := r.state.Symbols
	if res == nil || len(res.Functions) == 0 {
		return
	}
	exported := make(map[string]struct{}, len(r.state.Exports.Functions))
	for _, f := range r.state.Exports.Functions {
		exported[strings.ToLower(f)] = struct{}{}
	}

	aliasOf := map[string]string{}
	for _, sym := range res.Table.Symbols() {
		for _, a := range sym.Aliases {
			aliasOf[strings.ToLower(a)] = strings.ToLower(sym.Name)
		}
	}
	topLevel := map[string]struct{}{}
	if script, err := psast.Parse(r.state.Artifact.Body()); err == nil {
		defs := script.Functions()
		for _, c := range script.Commands() {
			if insideAny(defs, c.Pos) {
				continue
			}
			key := strings.ToLower(c.Name)
			if fn, ok := aliasOf[key]; ok {
				key = fn
			}
			topLevel[key] = struct{}{}
		}
	}

	callers := graph.Callers(res.Functions)
	for _, sym := range res.Table.Symbols() {
		key := strings.ToLower(sym.Name)
		if _, ok := exported[key]; ok {
			continue
		}
		if _, ok := topLevel[key]; ok {
			continue
		}
		if len(callers[sym.Name]) > 0 {
			continue
		}
		r.diagnose(model.Diagnostic{
			Severity: model.Info,
			Stage:    StageExtract,
			Subject:  sym.Name,
			Message:  "private function is never called",
		})
	}
}

func insideAny(defs []*psast.FunctionDef, pos int) bool {
	for _, d := range defs {
		if pos >= d.Pos && pos < d.End {
			return true
		}
	}
	return false
}

// version computes the concrete module version from the configured
// expression and the highest version known to the registries.
func (r *run) version(ctx context.Context) error {
	regs := []version.Registry{
		r.manifestRegistry(filepath.Join(r.cfg.Root, r.cfg.Name+".psd1")),
		version.FileRegistry{Path: registryPath(r.cfg)},
	}
	if !r.cfg.VersionedDestinations {
		regs = append(regs, r.manifestRegistry(filepath.Join(r.cfg.OutputDir, r.cfg.Name, r.cfg.Name+".psd1")))
	}
	previous, err := version.Highest(ctx, r.cfg.Name, regs...)
	if err != nil {
		return fail(StageVersion, r.cfg.Name, err)
	}

	expr := r.cfg.Version
	if expr == "" {
		expr = previous
	}
	if expr == "" {
		expr = defaultVersion
	}
	next, err := version.Next(expr, previous)
	if err != nil {
		return fail(StageVersion, expr, err)
	}
	r.state.Version = next
	r.logger.Debug("computed version", "expression", expr, "previous", previous, "version", next)
	return nil
}

// defaultVersion is used when neither the configuration nor any registry
// knows a version.
const defaultVersion = "0.1.0"

func registryPath(cfg *config.Config) string {
	return filepath.Join(cfg.Root, ".psbuild", "versions.toml")
}

func (r *run) manifestRegistry(path string) version.Registry {
	return version.RegistryFunc(func(_ context.Context, _ string) (string, error) {
		rec, err := manifest.Read(path)
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		if err != nil {
			r.logger.Warn("ignoring unreadable manifest", "path", path, "err", err)
			return "", nil
		}
		return rec.Version, nil
	})
}

// existingGuid returns the identity of a manifest the module already has,
// so rebuilding never changes it.
func (r *run) existingGuid() string {
	paths := []string{filepath.Join(r.cfg.Root, r.cfg.Name+".psd1")}
	if !r.cfg.VersionedDestinations {
		paths = append(paths, filepath.Join(r.cfg.OutputDir, r.cfg.Name, r.cfg.Name+".psd1"))
	}
	for _, p := range paths {
		if rec, err := manifest.Read(p); err == nil && rec.Guid != "" {
			return rec.Guid
		}
	}
	return ""
}

func (r *run) manifest(ctx context.Context) error {
	cfg := r.cfg
	rec := model.ManifestRecord{
		Name:                 cfg.Name,
		Version:              r.state.Version,
		Guid:                 cfg.Guid,
		Author:               cfg.Author,
		CompanyName:          cfg.CompanyName,
		Copyright:            cfg.Copyright,
		Description:          cfg.Description,
		PowerShellVersion:    cfg.PowerShellVersion,
		CompatiblePSEditions: cfg.CompatiblePSEditions,
		Exports:              r.state.Exports,
		RequiredModules:      cfg.RequiredModules,
		PrivateData:          cfg.ManifestPrivateData(),
		Extra:                cfg.ManifestExtra,
	}
	if rec.Guid == "" {
		rec.Guid = r.existingGuid()
	}
	rec, diags, err := manifest.Synthesize(ctx, rec, r.mods)
	if err != nil {
		return fail(StageManifest, cfg.Name, err)
	}
	r.diagnose(diags...)
	if _, err := manifest.Serialize(rec, cfg.ManifestStyle); err != nil {
		return fail(StageManifest, cfg.Name, err)
	}
	r.state.Manifest = rec
	return nil
}

func (r *run) diff() error {
	path := filepath.Join(r.target(r.cfg.OutputDir), r.cfg.Name+".psd1")
	d, err := manifest.Diff(path, r.state.Manifest, r.cfg.ManifestStyle)
	if err != nil {
		return fail(StageManifest, path, err)
	}
	r.state.ManifestDiff = d
	return nil
}
