// Package config loads the build configuration of a module project.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/phobologic/psbuild/internal/assemble"
	"github.com/phobologic/psbuild/internal/discover"
	"github.com/phobologic/psbuild/internal/manifest"
	"github.com/phobologic/psbuild/internal/model"
	"github.com/phobologic/psbuild/internal/modules"
	"github.com/phobologic/psbuild/internal/version"
)

// FileNames are the configuration files looked up in a project directory,
// in order.
var FileNames = []string{"psbuild.yaml", "psbuild.yml", "psbuild.json", "psbuild.toml"}

// EnvPrefix prefixes environment overrides, e.g. PSBUILD_VERSION.
const EnvPrefix = "PSBUILD"

var (
	// ErrMissingName is returned when the configuration names no module.
	ErrMissingName = errors.New("module name is missing")
	// ErrMissingPath is returned when the project directory does not exist.
	ErrMissingPath = errors.New("project path is missing")
	// ErrNotFound is returned when no configuration file exists.
	ErrNotFound = errors.New("no psbuild configuration found")
	// ErrInvalid is returned for values outside their allowed set.
	ErrInvalid = errors.New("invalid configuration")
)

// Dirs maps build roles to project directories.
type Dirs struct {
	Scripts []string `mapstructure:"scripts"`
	Public  []string `mapstructure:"public"`
	Classes []string `mapstructure:"classes"`
	Arrays  []string `mapstructure:"arrays"`
	Assets  []string `mapstructure:"assets"`
	Sources []string `mapstructure:"sources"`
}

// Exports overrides the exported names. Nil lists keep the defaults.
type Exports struct {
	Functions []string `mapstructure:"functions"`
	Aliases   []string `mapstructure:"aliases"`
}

// PrivateData is the PSData section of the manifest.
type PrivateData struct {
	Tags                       []string `mapstructure:"tags"`
	LicenseURI                 string   `mapstructure:"license_uri"`
	ProjectURI                 string   `mapstructure:"project_uri"`
	IconURI                    string   `mapstructure:"icon_uri"`
	ReleaseNotes               string   `mapstructure:"release_notes"`
	Prerelease                 string   `mapstructure:"prerelease"`
	RequireLicenseAcceptance   bool     `mapstructure:"require_license_acceptance"`
	ExternalModuleDependencies []string `mapstructure:"external_module_dependencies"`
}

// LibraryLayout lists library globs per runtime edition. Globs in Auto come
// from the legacy flat list and are bucketed by directory name.
type LibraryLayout struct {
	Core     []string
	Default  []string
	Standard []string
	Auto     []string
}

// Empty reports whether no library glob is configured.
func (l LibraryLayout) Empty() bool {
	return len(l.Core) == 0 && len(l.Default) == 0 && len(l.Standard) == 0 && len(l.Auto) == 0
}

// Config is the validated build configuration. Paths are absolute.
type Config struct {
	File string `mapstructure:"-"`
	Root string `mapstructure:"-"`

	Name                 string   `mapstructure:"name"`
	Path                 string   `mapstructure:"path"`
	Version              string   `mapstructure:"version"`
	Guid                 string   `mapstructure:"guid"`
	Author               string   `mapstructure:"author"`
	CompanyName          string   `mapstructure:"company_name"`
	Copyright            string   `mapstructure:"copyright"`
	Description          string   `mapstructure:"description"`
	PowerShellVersion    string   `mapstructure:"powershell_version"`
	CompatiblePSEditions []string `mapstructure:"compatible_ps_editions"`

	Mode          assemble.Mode       `mapstructure:"mode"`
	Sort          assemble.SortPolicy `mapstructure:"sort"`
	ManifestStyle manifest.Style      `mapstructure:"manifest_style"`

	Dirs             Dirs     `mapstructure:"dirs"`
	RootIncludes     []string `mapstructure:"root_includes"`
	Exclude          []string `mapstructure:"exclude"`
	ArrayIncludeName string   `mapstructure:"array_include_name"`
	SelfPathExempt   []string `mapstructure:"self_path_exempt"`

	Libraries           LibraryLayout `mapstructure:"-"`
	IgnoreAlreadyLoaded bool          `mapstructure:"ignore_already_loaded"`

	RequiredModules    []model.RequiredModule `mapstructure:"-"`
	ApprovedModules    []string               `mapstructure:"approved_modules"`
	InlineDependencies bool                   `mapstructure:"inline_dependencies"`
	Suppress           []string               `mapstructure:"suppress"`
	Force              bool                   `mapstructure:"force"`
	StrictDuplicates   bool                   `mapstructure:"strict_duplicates"`
	CoreModules        []string               `mapstructure:"core_modules"`

	Exports       Exports        `mapstructure:"exports"`
	PrivateData   PrivateData    `mapstructure:"private_data"`
	ManifestExtra map[string]any `mapstructure:"manifest_extra"`

	OutputDir             string   `mapstructure:"output_dir"`
	Destinations          []string `mapstructure:"destinations"`
	VersionedDestinations bool     `mapstructure:"versioned_destinations"`
	ArtifactDir           string   `mapstructure:"artifact_dir"`
	Zip                   bool     `mapstructure:"zip"`
	ScriptOutput          bool     `mapstructure:"script_output"`
	ModulePath            []string `mapstructure:"module_path"`
}

func setDefaults(v *viper.Viper) {
	d := discover.DefaultOptions()
	v.SetDefault("name", "")
	v.SetDefault("path", ".")
	v.SetDefault("version", "")
	v.SetDefault("guid", "")
	v.SetDefault("author", "")
	v.SetDefault("company_name", "")
	v.SetDefault("copyright", "")
	v.SetDefault("description", "")
	v.SetDefault("powershell_version", "")
	v.SetDefault("mode", string(assemble.Merge))
	v.SetDefault("sort", string(assemble.SortNone))
	v.SetDefault("manifest_style", string(manifest.Native))
	v.SetDefault("dirs.scripts", d.ScriptDirs)
	v.SetDefault("dirs.public", []string{"Public"})
	v.SetDefault("dirs.classes", d.ClassDirs)
	v.SetDefault("dirs.arrays", []string{})
	v.SetDefault("dirs.assets", d.AssetDirs)
	v.SetDefault("dirs.sources", []string{"Sources"})
	v.SetDefault("root_includes", d.RootIncludes)
	v.SetDefault("exclude", []string{})
	v.SetDefault("array_include_name", assemble.DefaultArrayName)
	v.SetDefault("ignore_already_loaded", true)
	v.SetDefault("inline_dependencies", false)
	v.SetDefault("force", false)
	v.SetDefault("strict_duplicates", false)
	v.SetDefault("output_dir", "Output")
	v.SetDefault("artifact_dir", "Artefacts")
	v.SetDefault("zip", false)
	v.SetDefault("script_output", false)
	v.SetDefault("versioned_destinations", false)
}

// Find returns the configuration file for path, which may name the file
// itself or the project directory holding it.
func Find(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if !info.IsDir() {
		return path, nil
	}
	for _, name := range FileNames {
		candidate := filepath.Join(path, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNotFound, path)
}

// Load reads, normalizes and validates the configuration at path. A .env
// file next to the configuration is loaded first so PSBUILD_* variables
// can override any key.
func Load(path string) (*Config, error) {
	file, err := Find(path)
	if err != nil {
		return nil, err
	}
	file, err = filepath.Abs(file)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(file)

	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}
	cfg.File = file

	if cfg.RequiredModules, err = requiredModules(v.Get("required_modules")); err != nil {
		return nil, err
	}
	if cfg.Libraries, err = libraryLayout(v.Get("libraries")); err != nil {
		return nil, err
	}
	if env := os.Getenv("PSModulePath"); len(cfg.ModulePath) == 0 && env != "" {
		cfg.ModulePath = modules.SearchPaths(env)
	}

	if err := cfg.validate(dir); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate(dir string) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%s: %w", c.File, ErrMissingName)
	}
	root := c.Path
	if !filepath.IsAbs(root) {
		root = filepath.Join(dir, root)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrMissingPath, root)
	}
	c.Root = root

	if c.Version != "" {
		if err := version.Validate(c.Version); err != nil {
			return fmt.Errorf("version: %w", err)
		}
	}
	switch c.Mode {
	case assemble.Merge, assemble.Link:
	default:
		return fmt.Errorf("%w: mode %q", ErrInvalid, c.Mode)
	}
	switch c.Sort {
	case assemble.SortNone, assemble.SortAscending, assemble.SortDescending:
	default:
		return fmt.Errorf("%w: sort %q", ErrInvalid, c.Sort)
	}
	switch c.ManifestStyle {
	case manifest.Native, manifest.Normalized:
	default:
		return fmt.Errorf("%w: manifest_style %q", ErrInvalid, c.ManifestStyle)
	}

	c.OutputDir = c.abs(c.OutputDir)
	c.ArtifactDir = c.abs(c.ArtifactDir)
	for i, d := range c.Destinations {
		c.Destinations[i] = c.abs(d)
	}
	return nil
}

func (c *Config) abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

// requiredModules normalizes the two accepted shapes of required_modules:
// a bare module name, or a mapping with name, version, guid and friends.
func requiredModules(raw any) ([]model.RequiredModule, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: required_modules must be a list", ErrInvalid)
	}
	out := make([]model.RequiredModule, 0, len(items))
	for i, item := range items {
		switch t := item.(type) {
		case string:
			out = append(out, model.RequiredModule{Name: t})
		case map[string]any:
			m := lowerKeys(t)
			rm := model.RequiredModule{
				Name:            first(m, "name", "modulename", "module_name"),
				Version:         first(m, "version", "moduleversion", "module_version"),
				RequiredVersion: first(m, "required_version", "requiredversion"),
				MaximumVersion:  first(m, "maximum_version", "maximumversion"),
				Guid:            first(m, "guid"),
			}
			if rm.Name == "" {
				return nil, fmt.Errorf("%w: required_modules[%d] has no name", ErrInvalid, i)
			}
			out = append(out, rm)
		default:
			return nil, fmt.Errorf("%w: required_modules[%d] has type %T", ErrInvalid, i, item)
		}
	}
	return out, nil
}

func lowerKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

func first(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// libraryLayout normalizes libraries: a flat list of globs (legacy) or a
// mapping of core, default (or desktop) and standard globs.
func libraryLayout(raw any) (LibraryLayout, error) {
	var l LibraryLayout
	switch t := raw.(type) {
	case nil:
		return l, nil
	case string:
		l.Auto = []string{t}
	case []any:
		l.Auto = toStrings(t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			globs := toStrings(asList(t[k]))
			switch strings.ToLower(k) {
			case "core":
				l.Core = append(l.Core, globs...)
			case "default", "desktop":
				l.Default = append(l.Default, globs...)
			case "standard":
				l.Standard = append(l.Standard, globs...)
			default:
				return l, fmt.Errorf("%w: unknown library bucket %q", ErrInvalid, k)
			}
		}
	default:
		return l, fmt.Errorf("%w: libraries has type %T", ErrInvalid, raw)
	}
	return l, nil
}

func asList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case nil:
		return nil
	}
	return []any{v}
}

func toStrings(items []any) []string {
	out := make([]string, 0, len(items))
	for _, i := range items {
		out = append(out, fmt.Sprint(i))
	}
	return out
}

// DiscoverOptions returns the classifier options for c.
func (c *Config) DiscoverOptions() discover.Options {
	return discover.Options{
		ScriptDirs:   c.Dirs.Scripts,
		ClassDirs:    c.Dirs.Classes,
		ArrayDirs:    c.Dirs.Arrays,
		AssetDirs:    c.Dirs.Assets,
		RootIncludes: c.RootIncludes,
		Exclude:      c.Exclude,
	}
}

// ManifestPrivateData converts the PSData settings.
func (c *Config) ManifestPrivateData() model.PrivateData {
	return model.PrivateData{
		Tags:                       c.PrivateData.Tags,
		LicenseURI:                 c.PrivateData.LicenseURI,
		ProjectURI:                 c.PrivateData.ProjectURI,
		IconURI:                    c.PrivateData.IconURI,
		ReleaseNotes:               c.PrivateData.ReleaseNotes,
		Prerelease:                 c.PrivateData.Prerelease,
		RequireLicenseAcceptance:   c.PrivateData.RequireLicenseAcceptance,
		ExternalModuleDependencies: c.PrivateData.ExternalModuleDependencies,
	}
}

// RequiredNames returns the names of the required modules.
func (c *Config) RequiredNames() []string {
	names := make([]string, len(c.RequiredModules))
	for i, rm := range c.RequiredModules {
		names[i] = rm.Name
	}
	return names
}
