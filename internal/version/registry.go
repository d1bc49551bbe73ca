package version

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Registry reports the last known version of a module. It returns "" when
// the module has never been seen.
type Registry interface {
	Previous(ctx context.Context, name string) (string, error)
}

// RegistryFunc adapts a function to the Registry interface.
type RegistryFunc func(ctx context.Context, name string) (string, error)

// Previous implements Registry.
func (f RegistryFunc) Previous(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// Highest consults every registry and returns the greatest version found.
// Registries that fail are skipped only when they return os.ErrNotExist.
func Highest(ctx context.Context, name string, regs ...Registry) (string, error) {
	var best Version
	var bestRaw string
	for _, r := range regs {
		if r == nil {
			continue
		}
		raw, err := r.Previous(ctx, name)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", err
		}
		if raw == "" {
			continue
		}
		v, err := Parse(raw)
		if err != nil {
			return "", fmt.Errorf("registry version for %s: %w", name, err)
		}
		if best == nil || Compare(v, best) > 0 {
			best, bestRaw = v, raw
		}
	}
	return bestRaw, nil
}

type registryEntry struct {
	Version string `toml:"version"`
}

type registryFile struct {
	Modules map[string]registryEntry `toml:"modules"`
}

// FileRegistry is a local TOML file recording the last built version of each
// module:
//
//	[modules.MyModule]
//	version = "2.3.7"
type FileRegistry struct {
	Path string
}

// Previous implements Registry.
func (r FileRegistry) Previous(_ context.Context, name string) (string, error) {
	f, err := r.load()
	if err != nil {
		return "", err
	}
	for k, e := range f.Modules {
		if strings.EqualFold(k, name) {
			return e.Version, nil
		}
	}
	return "", nil
}

// Record stores v as the latest version of name.
func (r FileRegistry) Record(name, v string) error {
	f, err := r.load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if f.Modules == nil {
		f.Modules = make(map[string]registryEntry)
	}
	for k := range f.Modules {
		if strings.EqualFold(k, name) && k != name {
			delete(f.Modules, k)
		}
	}
	f.Modules[name] = registryEntry{Version: v}

	data, err := toml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding version registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.Path), 0o755); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}
	if err := os.WriteFile(r.Path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", r.Path, err)
	}
	return nil
}

// Modules returns the recorded module names in sorted order.
func (r FileRegistry) Modules() ([]string, error) {
	f, err := r.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(f.Modules))
	for k := range f.Modules {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

func (r FileRegistry) load() (registryFile, error) {
	var f registryFile
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return f, err
	}
	if err := toml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parsing %s: %w", r.Path, err)
	}
	return f, nil
}
