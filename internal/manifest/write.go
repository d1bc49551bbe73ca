package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/phobologic/psbuild/internal/model"
)

// Read parses the manifest at path. The module name is taken from the file
// name.
func Read(path string) (model.ManifestRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.ManifestRecord{}, err
	}
	h, err := Parse(string(data))
	if err != nil {
		return model.ManifestRecord{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return FromHash(h, moduleName(path)), nil
}

func moduleName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// Write serializes rec to path through a temporary file and rename, then
// reads the file back. A manifest that does not parse, or that disagrees
// with rec on name, version or exports, fails with ErrRoundTrip.
func Write(path string, rec model.ManifestRecord, style Style) error {
	data, err := Serialize(rec, style)
	if err != nil {
		return err
	}
	if err := writeAtomic(path, data); err != nil {
		return err
	}

	got, err := Read(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRoundTrip, err)
	}
	if err := compare(rec, got); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRoundTrip, path, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".psbuild-manifest-*")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

func compare(want, got model.ManifestRecord) error {
	if !strings.EqualFold(want.Name, got.Name) {
		return fmt.Errorf("module name %q, want %q", got.Name, want.Name)
	}
	if want.Version != got.Version {
		return fmt.Errorf("version %q, want %q", got.Version, want.Version)
	}
	for _, l := range []struct {
		name      string
		want, got []string
	}{
		{"FunctionsToExport", want.Exports.Functions, got.Exports.Functions},
		{"AliasesToExport", want.Exports.Aliases, got.Exports.Aliases},
		{"CmdletsToExport", want.Exports.Cmdlets, got.Exports.Cmdlets},
	} {
		if !slices.Equal(nonNil(l.want), nonNil(l.got)) {
			return fmt.Errorf("%s %v, want %v", l.name, l.got, l.want)
		}
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Diff returns a unified diff from the manifest at path to the serialized
// rec. A missing file diffs against empty content.
func Diff(path string, rec model.ManifestRecord, style Style) (string, error) {
	data, err := Serialize(rec, style)
	if err != nil {
		return "", err
	}
	old, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(old)),
		B:        difflib.SplitLines(string(data)),
		FromFile: path,
		ToFile:   path + " (synthesized)",
		Context:  3,
	})
}
