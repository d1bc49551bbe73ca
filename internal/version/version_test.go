package version

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestNext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		expr     string
		previous string
		want     string
	}{
		{"increment patch", "2.3.X", "2.3.7", "2.3.8"},
		{"literal ignores previous", "1.0.0", "5.0.0", "1.0.0"},
		{"literal without previous", "1.0.0", "", "1.0.0"},
		{"no previous starts at zero", "0.1.X", "", "0.1.0"},
		{"new minor series", "2.4.X", "2.3.7", "2.4.0"},
		{"four components", "1.0.0.X", "1.0.0.41", "1.0.0.42"},
		{"placeholder beyond previous length", "2.3.X", "2.3", "2.3.1"},
		{"increment minor resets patch", "2.X.0", "2.3.7", "2.4.0"},
		{"lowercase placeholder", "3.1.x", "3.1.0", "3.1.1"},
		{"prerelease previous", "1.2.X", "1.2.3-preview1", "1.2.4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Next(tt.expr, tt.previous)
			if err != nil {
				t.Fatalf("Next(%q, %q): %v", tt.expr, tt.previous, err)
			}
			if got != tt.want {
				t.Errorf("Next(%q, %q) = %q, want %q", tt.expr, tt.previous, got, tt.want)
			}
		})
	}
}

func TestNextRegression(t *testing.T) {
	t.Parallel()

	_, err := Next("1.0.X", "2.0.5")
	if !errors.Is(err, ErrRegression) {
		t.Fatalf("expected ErrRegression, got %v", err)
	}
}

func TestNextMalformed(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{"", "1", "1.X.X", "a.b.c", "1.2.3.4.5", "1.X.2", "-1.0.0"} {
		if _, err := Next(expr, ""); !errors.Is(err, ErrMalformed) {
			t.Errorf("Next(%q): expected ErrMalformed, got %v", expr, err)
		}
	}
}

func TestCompare(t *testing.T) {
	t.Parallel()

	a, _ := Parse("1.2.3")
	b, _ := Parse("1.2.3.0")
	c, _ := Parse("1.10.0")
	if Compare(a, b) != 0 {
		t.Error("1.2.3 should equal 1.2.3.0")
	}
	if Compare(a, c) != -1 || Compare(c, a) != 1 {
		t.Error("1.2.3 should sort below 1.10.0")
	}
}

func TestFileRegistry(t *testing.T) {
	t.Parallel()

	reg := FileRegistry{Path: filepath.Join(t.TempDir(), ".psbuild", "versions.toml")}
	ctx := context.Background()

	got, err := Highest(ctx, "MyModule", reg)
	if err != nil {
		t.Fatalf("Highest on missing file: %v", err)
	}
	if got != "" {
		t.Errorf("expected no version, got %q", got)
	}

	if err := reg.Record("MyModule", "2.3.7"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := reg.Record("Other", "0.1.0"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err = reg.Previous(ctx, "mymodule")
	if err != nil {
		t.Fatalf("Previous: %v", err)
	}
	if got != "2.3.7" {
		t.Errorf("Previous = %q, want 2.3.7", got)
	}

	names, err := reg.Modules()
	if err != nil {
		t.Fatalf("Modules: %v", err)
	}
	if len(names) != 2 || names[0] != "MyModule" || names[1] != "Other" {
		t.Errorf("Modules = %v", names)
	}
}

func TestHighest(t *testing.T) {
	t.Parallel()

	low := RegistryFunc(func(context.Context, string) (string, error) { return "1.2.0", nil })
	high := RegistryFunc(func(context.Context, string) (string, error) { return "1.10.0", nil })
	none := RegistryFunc(func(context.Context, string) (string, error) { return "", nil })

	got, err := Highest(context.Background(), "m", low, none, high)
	if err != nil {
		t.Fatalf("Highest: %v", err)
	}
	if got != "1.10.0" {
		t.Errorf("Highest = %q, want 1.10.0", got)
	}
}
