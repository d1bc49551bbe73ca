package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/psbuild/internal/assemble"
	"github.com/phobologic/psbuild/internal/manifest"
	"github.com/phobologic/psbuild/internal/model"
	"github.com/phobologic/psbuild/internal/version"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "psbuild.yaml", "name: Demo\nversion: 1.0.X\n")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "Demo", cfg.Name)
	assert.Equal(t, "1.0.X", cfg.Version)
	assert.Equal(t, dir, cfg.Root)
	assert.Equal(t, filepath.Join(dir, "psbuild.yaml"), cfg.File)
	assert.Equal(t, assemble.Merge, cfg.Mode)
	assert.Equal(t, assemble.SortNone, cfg.Sort)
	assert.Equal(t, manifest.Native, cfg.ManifestStyle)
	assert.Equal(t, []string{"Private", "Public", "Enums"}, cfg.Dirs.Scripts)
	assert.Equal(t, []string{"Public"}, cfg.Dirs.Public)
	assert.Equal(t, []string{"Classes"}, cfg.Dirs.Classes)
	assert.Equal(t, filepath.Join(dir, "Output"), cfg.OutputDir)
	assert.True(t, cfg.IgnoreAlreadyLoaded)
	assert.True(t, cfg.Libraries.Empty())
	assert.Empty(t, cfg.RequiredModules)
}

func TestLoadFullConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "src/.keep", "")
	path := writeFile(t, dir, "build/psbuild.yaml", `name: Demo
path: ../src
version: 2.3.X
mode: link
sort: descending
manifest_style: normalized
required_modules:
  - Plain
  - name: Az.Accounts
    version: Latest
    guid: Auto
  - ModuleName: Legacy.Shape
    RequiredVersion: 1.2.3
approved_modules: [Thing.Helpers]
libraries:
  core: [Lib/Core/*.dll]
  desktop: Lib/Desktop/*.dll
  standard: [Lib/Standard/*.dll]
private_data:
  tags: [build, tools]
  project_uri: https://example.com
manifest_extra:
  HelpInfoURI: https://example.com/help
destinations: [dist, /abs/dest]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "src"), cfg.Root)
	assert.Equal(t, assemble.Link, cfg.Mode)
	assert.Equal(t, assemble.SortDescending, cfg.Sort)
	assert.Equal(t, manifest.Normalized, cfg.ManifestStyle)
	assert.Equal(t, []model.RequiredModule{
		{Name: "Plain"},
		{Name: "Az.Accounts", Version: "Latest", Guid: "Auto"},
		{Name: "Legacy.Shape", RequiredVersion: "1.2.3"},
	}, cfg.RequiredModules)
	assert.Equal(t, []string{"Plain", "Az.Accounts", "Legacy.Shape"}, cfg.RequiredNames())
	assert.Equal(t, LibraryLayout{
		Core:     []string{"Lib/Core/*.dll"},
		Default:  []string{"Lib/Desktop/*.dll"},
		Standard: []string{"Lib/Standard/*.dll"},
	}, cfg.Libraries)
	assert.Equal(t, []string{"build", "tools"}, cfg.ManifestPrivateData().Tags)
	assert.Equal(t, "https://example.com", cfg.ManifestPrivateData().ProjectURI)
	assert.Equal(t, "https://example.com/help", cfg.ManifestExtra["helpinfouri"])
	assert.Equal(t, []string{filepath.Join(dir, "src", "dist"), "/abs/dest"}, cfg.Destinations)
}

func TestLoadLegacyLibraryList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "psbuild.toml", `name = "Demo"
libraries = ["Lib/**/*.dll"]
`)
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, LibraryLayout{Auto: []string{"Lib/**/*.dll"}}, cfg.Libraries)
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "psbuild.json", `{"name": "Demo", "dirs": {"scripts": ["Functions"]}}`)
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"Functions"}, cfg.Dirs.Scripts)
	assert.Equal(t, []string{"Classes"}, cfg.Dirs.Classes)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"missing name", "version: 1.0.0\n", ErrMissingName},
		{"missing path", "name: Demo\npath: nowhere\n", ErrMissingPath},
		{"malformed version", "name: Demo\nversion: one.two\n", version.ErrMalformed},
		{"bad mode", "name: Demo\nmode: weld\n", ErrInvalid},
		{"bad sort", "name: Demo\nsort: random\n", ErrInvalid},
		{"bad style", "name: Demo\nmanifest_style: fancy\n", ErrInvalid},
		{"required module without name", "name: Demo\nrequired_modules:\n  - version: 1.0\n", ErrInvalid},
		{"unknown library bucket", "name: Demo\nlibraries:\n  mobile: [x.dll]\n", ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			writeFile(t, dir, "psbuild.yaml", tt.content)
			_, err := Load(dir)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadNotFound(t *testing.T) {
	t.Parallel()

	_, err := Load(t.TempDir())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PSBUILD_VERSION", "9.9.9")
	t.Setenv("PSBUILD_DESCRIPTION", "")

	dir := t.TempDir()
	writeFile(t, dir, "psbuild.yaml", "name: Demo\nversion: 1.0.0\n")
	writeFile(t, dir, ".env", "PSBUILD_DESCRIPTION=from dotenv\n")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "9.9.9", cfg.Version)
	// godotenv does not override variables that are already set.
	assert.Equal(t, "", cfg.Description)

	require.NoError(t, os.Unsetenv("PSBUILD_DESCRIPTION"))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "from dotenv", cfg.Description)
}
