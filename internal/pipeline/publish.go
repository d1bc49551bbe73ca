package pipeline

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/phobologic/psbuild/internal/assemble"
	"github.com/phobologic/psbuild/internal/manifest"
	"github.com/phobologic/psbuild/internal/model"
)

// fixedZipTime keeps archives byte-for-byte reproducible (1980-01-01 UTC).
var fixedZipTime = time.Unix(315532800, 0).UTC()

// target returns the module directory under a destination root.
func (r *run) target(dest string) string {
	dir := filepath.Join(dest, r.cfg.Name)
	if r.cfg.VersionedDestinations && r.state.Version != "" {
		dir = filepath.Join(dir, r.state.Version)
	}
	return dir
}

// publish stages the module in a fresh temporary directory, then replaces
// every destination with the staged copy and writes the archive.
func (r *run) publish(ctx context.Context) error {
	staging, err := os.MkdirTemp("", "psbuild-*")
	if err != nil {
		return fail(StageStage, "", err)
	}
	defer os.RemoveAll(staging)

	moduleDir := filepath.Join(staging, r.cfg.Name)
	if err := r.stage(ctx, moduleDir); err != nil {
		return err
	}

	dests := append([]string{r.cfg.OutputDir}, r.cfg.Destinations...)
	for _, dest := range dests {
		if err := ctx.Err(); err != nil {
			return err
		}
		dir := r.target(dest)
		if err := replaceDir(moduleDir, dir); err != nil {
			return fail(StageDeploy, dir, err)
		}
		r.state.Outputs = append(r.state.Outputs, dir)
		r.logger.Debug("deployed module", "path", dir)
	}

	if r.cfg.Zip {
		name := filepath.Join(r.cfg.ArtifactDir, fmt.Sprintf("%s.%s.zip", r.cfg.Name, r.state.Version))
		if err := zipDir(moduleDir, r.cfg.Name, name); err != nil {
			return fail(StageArchive, name, err)
		}
		r.state.Outputs = append(r.state.Outputs, name)
	}
	return nil
}

// stage writes the module into dir: the assembled script, the manifest read
// back for validation, the optional plain script and every file the module
// ships.
func (r *run) stage(ctx context.Context, dir string) error {
	cfg := r.cfg
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(StageStage, dir, err)
	}

	module := r.state.Artifact.String()
	psm1 := filepath.Join(dir, cfg.Name+".psm1")
	if err := os.WriteFile(psm1, []byte(module), 0o644); err != nil {
		return fail(StageStage, psm1, err)
	}
	psd1 := filepath.Join(dir, cfg.Name+".psd1")
	if err := manifest.Write(psd1, r.state.Manifest, cfg.ManifestStyle); err != nil {
		return fail(StageManifest, psd1, err)
	}
	if cfg.ScriptOutput {
		ps1 := filepath.Join(dir, cfg.Name+".ps1")
		if err := os.WriteFile(ps1, []byte(assemble.ToScript(module)), 0o644); err != nil {
			return fail(StageStage, ps1, err)
		}
	}

	for _, rel := range r.shipped() {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(cfg.Root, filepath.FromSlash(rel))
		dst := filepath.Join(dir, filepath.FromSlash(rel))
		if err := copyFile(src, dst); err != nil {
			return fail(StageStage, rel, err)
		}
	}
	return nil
}

// shipped lists the project files copied verbatim into the module, sorted.
// The project's own manifest and root module are replaced by the build.
func (r *run) shipped() []string {
	seen := map[string]struct{}{}
	add := func(rel string) {
		seen[rel] = struct{}{}
	}
	for _, f := range r.state.Files {
		switch f.Role {
		case model.Asset:
			add(f.Path)
		case model.RootMetadata:
			if !r.replacedByBuild(f.Path) {
				add(f.Path)
			}
		case model.Script, model.ClassScript:
			if r.cfg.Mode == assemble.Link {
				add(f.Path)
			}
		}
	}
	libs := r.state.Libraries
	for _, group := range [][]string{libs.Core, libs.Default, libs.Standard} {
		for _, p := range group {
			add(p)
		}
	}
	out := make([]string, 0, len(seen))
	for rel := range seen {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

func (r *run) replacedByBuild(rel string) bool {
	base := path.Base(rel)
	for _, ext := range []string{".psd1", ".psm1", ".ps1"} {
		if strings.EqualFold(base, r.cfg.Name+ext) {
			return true
		}
	}
	return false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(p, target)
	})
}

// replaceDir swaps dir for a copy of src. The copy is completed next to dir
// before the old directory is moved aside, and the old directory comes back
// if the swap fails.
func replaceDir(src, dir string) error {
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	fresh, err := os.MkdirTemp(parent, ".psbuild-new-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(fresh)
	if err := copyTree(src, fresh); err != nil {
		return err
	}

	var backup string
	if _, err := os.Stat(dir); err == nil {
		b, err := os.MkdirTemp(parent, ".psbuild-old-*")
		if err != nil {
			return err
		}
		backup = filepath.Join(b, "module")
		if err := os.Rename(dir, backup); err != nil {
			os.RemoveAll(b)
			return err
		}
		defer os.RemoveAll(b)
	}
	if err := os.Rename(fresh, dir); err != nil {
		if backup != "" {
			_ = os.Rename(backup, dir)
		}
		return err
	}
	return nil
}

// zipDir archives dir under prefix into name with fixed timestamps and
// sorted entries.
func zipDir(dir, prefix, name string) error {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(files)

	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(name), ".psbuild-zip-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	for _, rel := range files {
		if err := addZipEntry(zw, path.Join(prefix, rel), filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			zw.Close()
			tmp.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}

func addZipEntry(zw *zip.Writer, name, src string) error {
	h := &zip.FileHeader{Name: name, Method: zip.Deflate}
	h.SetMode(0o644)
	h.Modified = fixedZipTime
	w, err := zw.CreateHeader(h)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
