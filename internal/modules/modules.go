// Package modules answers command and module questions from the PowerShell
// modules installed on this machine: every module manifest found on the
// module search path, plus a table of the commands PowerShell ships with.
package modules

import (
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pelletier/go-toml/v2"

	"github.com/phobologic/psbuild/internal/manifest"
	"github.com/phobologic/psbuild/internal/model"
	"github.com/phobologic/psbuild/internal/resolve"
	"github.com/phobologic/psbuild/internal/symbols"
	"github.com/phobologic/psbuild/internal/version"
)

//go:embed builtins.toml
var builtinsTOML []byte

type builtinFile struct {
	Module []struct {
		Name      string   `toml:"name"`
		Cmdlets   []string `toml:"cmdlets"`
		Functions []string `toml:"functions"`
	} `toml:"module"`
	Aliases map[string]string `toml:"aliases"`
}

// functionCacheSize bounds the number of parsed root modules kept in memory.
const functionCacheSize = 64

// Module is one installed version of a module.
type Module struct {
	Name            string
	Version         string
	Guid            string
	Dir             string
	RootModule      string
	RequiredModules []string
	Functions       []string // FunctionsToExport; nil when absent
	Cmdlets         []string
	Aliases         []string
}

// Index is a lazily built view of the installed modules. It implements
// resolve.Lookup and manifest.Installed.
type Index struct {
	paths    []string
	logger   *log.Logger
	lookPath func(string) (string, error)

	once     sync.Once
	err      error
	modules  map[string][]Module // lower-case name, highest version first
	commands map[string]resolve.CommandInfo

	functions *lru.Cache[string, []symbols.Function]
}

var (
	_ resolve.Lookup     = (*Index)(nil)
	_ manifest.Installed = (*Index)(nil)
)

// SearchPaths splits a PSModulePath value into directories, dropping empty
// and repeated entries.
func SearchPaths(value string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, p := range filepath.SplitList(value) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// New returns an index over the given module directories. Commands that no
// module provides are looked up as applications on PATH.
func New(paths []string, logger *log.Logger) *Index {
	if logger == nil {
		logger = log.New(os.Stderr)
	}
	cache, _ := lru.New[string, []symbols.Function](functionCacheSize)
	return &Index{
		paths:     paths,
		logger:    logger,
		lookPath:  exec.LookPath,
		functions: cache,
	}
}

func (x *Index) load() error {
	x.once.Do(func() {
		x.modules = make(map[string][]Module)
		x.commands = make(map[string]resolve.CommandInfo)
		if err := x.loadBuiltins(); err != nil {
			x.err = err
			return
		}
		var names []string
		for _, p := range x.paths {
			names = append(names, x.scan(p)...)
		}
		for _, name := range names {
			if versions := x.modules[strings.ToLower(name)]; len(versions) > 0 {
				x.register(versions[0])
			}
		}
	})
	return x.err
}

func (x *Index) loadBuiltins() error {
	var b builtinFile
	if err := toml.Unmarshal(builtinsTOML, &b); err != nil {
		return fmt.Errorf("builtin command table: %w", err)
	}
	for _, m := range b.Module {
		for _, c := range m.Cmdlets {
			x.add(resolve.CommandInfo{Name: c, Module: m.Name, Kind: model.KindCmdlet})
		}
		for _, f := range m.Functions {
			x.add(resolve.CommandInfo{Name: f, Module: m.Name, Kind: model.KindFunction})
		}
	}
	aliases := make([]string, 0, len(b.Aliases))
	for a := range b.Aliases {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	for _, a := range aliases {
		target := b.Aliases[a]
		module := ""
		if info, ok := x.commands[strings.ToLower(target)]; ok {
			module = info.Module
		}
		x.add(resolve.CommandInfo{Name: a, Module: module, Kind: model.KindAlias, Target: target})
	}
	return nil
}

// add registers info unless the name is already taken.
func (x *Index) add(info resolve.CommandInfo) {
	key := strings.ToLower(info.Name)
	if _, ok := x.commands[key]; ok {
		return
	}
	x.commands[key] = info
}

// scan reads the modules under one search-path directory and returns their
// names in directory order.
func (x *Index) scan(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		x.logger.Debug("skipping module path", "path", dir, "err", err)
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		moduleDir := filepath.Join(dir, name)
		found := x.versions(moduleDir, name)
		if len(found) == 0 {
			continue
		}
		key := strings.ToLower(name)
		all := append(x.modules[key], found...)
		sort.SliceStable(all, func(i, j int) bool {
			return compareVersions(all[i].Version, all[j].Version) > 0
		})
		x.modules[key] = all
		names = append(names, name)
	}
	return names
}

// versions reads <dir>/<name>.psd1 and <dir>/<version>/<name>.psd1.
func (x *Index) versions(dir, name string) []Module {
	var out []Module
	if m, ok := x.read(dir, name); ok {
		out = append(out, m)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := version.Parse(e.Name()); err != nil {
			continue
		}
		if m, ok := x.read(filepath.Join(dir, e.Name()), name); ok {
			out = append(out, m)
		}
	}
	return out
}

func (x *Index) read(dir, name string) (Module, bool) {
	path := filepath.Join(dir, name+".psd1")
	if _, err := os.Stat(path); err != nil {
		return Module{}, false
	}
	rec, err := manifest.Read(path)
	if err != nil {
		x.logger.Debug("skipping unreadable module manifest", "path", path, "err", err)
		return Module{}, false
	}
	m := Module{
		Name:       name,
		Version:    rec.Version,
		Guid:       rec.Guid,
		Dir:        dir,
		RootModule: rec.RootModule,
		Functions:  rec.Exports.Functions,
		Cmdlets:    rec.Exports.Cmdlets,
		Aliases:    rec.Exports.Aliases,
	}
	for _, rm := range rec.RequiredModules {
		m.RequiredModules = append(m.RequiredModules, rm.Name)
	}
	return m, true
}

func compareVersions(a, b string) int {
	va, errA := version.Parse(a)
	vb, errB := version.Parse(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return version.Compare(va, vb)
}

// register adds the exported commands of m. Wildcard function exports are
// expanded from the functions defined in the root module.
func (x *Index) register(m Module) {
	var defined []symbols.Function
	if m.Functions == nil || hasWildcard(m.Functions) || hasWildcard(m.Aliases) {
		fns, err := x.parseRoot(m)
		if err != nil {
			x.logger.Debug("cannot read root module", "module", m.Name, "err", err)
		}
		defined = fns
	}

	targets := make(map[string]string)
	for _, fn := range defined {
		for _, a := range fn.Aliases {
			targets[strings.ToLower(a)] = fn.Name
		}
	}

	if m.Functions == nil || hasWildcard(m.Functions) {
		patterns := m.Functions
		if patterns == nil {
			patterns = []string{"*"}
		}
		for _, fn := range defined {
			if matchAny(patterns, fn.Name) {
				x.add(resolve.CommandInfo{Name: fn.Name, Module: m.Name, Kind: model.KindFunction})
			}
		}
	} else {
		for _, f := range m.Functions {
			x.add(resolve.CommandInfo{Name: f, Module: m.Name, Kind: model.KindFunction})
		}
	}
	for _, c := range m.Cmdlets {
		if !isPattern(c) {
			x.add(resolve.CommandInfo{Name: c, Module: m.Name, Kind: model.KindCmdlet})
		}
	}

	aliases := m.Aliases
	if hasWildcard(aliases) {
		aliases = nil
		for _, fn := range defined {
			for _, a := range fn.Aliases {
				if matchAny(m.Aliases, a) {
					aliases = append(aliases, a)
				}
			}
		}
	}
	for _, a := range aliases {
		if isPattern(a) {
			continue
		}
		x.add(resolve.CommandInfo{Name: a, Module: m.Name, Kind: model.KindAlias, Target: targets[strings.ToLower(a)]})
	}
}

func isPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

func hasWildcard(names []string) bool {
	for _, n := range names {
		if isPattern(n) {
			return true
		}
	}
	return false
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(strings.ToLower(p), strings.ToLower(name)); ok {
			return true
		}
	}
	return false
}

// parseRoot returns the functions defined in m's root script module.
func (x *Index) parseRoot(m Module) ([]symbols.Function, error) {
	key := strings.ToLower(m.Name + "@" + m.Version)
	if fns, ok := x.functions.Get(key); ok {
		return fns, nil
	}
	root := m.RootModule
	if root == "" {
		root = m.Name + ".psm1"
	}
	ext := strings.ToLower(filepath.Ext(root))
	if ext != ".psm1" && ext != ".ps1" {
		return nil, nil
	}
	path := filepath.Join(m.Dir, filepath.FromSlash(strings.ReplaceAll(root, `\`, "/")))
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fns, err := symbols.ParseFile(path, content)
	if err != nil {
		return nil, err
	}
	x.functions.Add(key, fns)
	return fns, nil
}

// Command resolves name to the command that provides it.
func (x *Index) Command(name string) (resolve.CommandInfo, bool, error) {
	if err := x.load(); err != nil {
		return resolve.CommandInfo{}, false, err
	}
	if info, ok := x.commands[strings.ToLower(name)]; ok {
		return info, true, nil
	}
	if x.lookPath != nil {
		if _, err := x.lookPath(name); err == nil {
			return resolve.CommandInfo{Name: name, Kind: model.KindApplication}, true, nil
		}
	}
	return resolve.CommandInfo{}, false, nil
}

// RequiredModules returns the modules the highest installed version of
// module requires. Modules that are not installed require nothing.
func (x *Index) RequiredModules(module string) ([]string, error) {
	if err := x.load(); err != nil {
		return nil, err
	}
	versions := x.modules[strings.ToLower(module)]
	if len(versions) == 0 {
		return nil, nil
	}
	return versions[0].RequiredModules, nil
}

// Find returns an installed version of name. An empty version selects the
// highest one.
func (x *Index) Find(name, want string) (manifest.InstalledModule, bool, error) {
	m, ok, err := x.Module(name, want)
	if err != nil || !ok {
		return manifest.InstalledModule{}, ok, err
	}
	return manifest.InstalledModule{Name: m.Name, Version: m.Version, Guid: m.Guid}, true, nil
}

// Module returns an installed version of name. An empty version selects the
// highest one.
func (x *Index) Module(name, want string) (Module, bool, error) {
	if err := x.load(); err != nil {
		return Module{}, false, err
	}
	versions := x.modules[strings.ToLower(name)]
	if len(versions) == 0 {
		return Module{}, false, nil
	}
	if want == "" {
		return versions[0], true, nil
	}
	for _, m := range versions {
		if compareVersions(m.Version, want) == 0 {
			return m, true, nil
		}
	}
	return Module{}, false, nil
}

// Functions returns the functions defined by the highest installed version
// of module, for inlining into a build.
func (x *Index) Functions(module string) ([]symbols.Function, error) {
	m, ok, err := x.Module(module, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("module %s is not installed", module)
	}
	return x.parseRoot(m)
}
