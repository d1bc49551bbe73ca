package lang

import (
	"testing"
)

func TestForExtension(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ext  string
		want string
	}{
		{".cs", "csharp"},
		{".CS", "csharp"},
		{".ps1", ""},
		{".py", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.ext, func(t *testing.T) {
			t.Parallel()
			got := ForExtension(tt.ext)
			if got != tt.want {
				t.Errorf("ForExtension(%q) = %q, want %q", tt.ext, got, tt.want)
			}
		})
	}
}

func TestLanguagesRegistered(t *testing.T) {
	t.Parallel()

	cs, ok := Languages["csharp"]
	if !ok {
		t.Fatal("csharp language not registered")
	}
	if p := cs.NewParser(); p == nil {
		t.Fatal("NewParser returned nil")
	}
}

func TestClassQuery(t *testing.T) {
	t.Parallel()

	cs := Languages["csharp"]
	q, err := cs.ClassQuery()
	if err != nil {
		t.Fatalf("ClassQuery: %v", err)
	}
	if q == nil {
		t.Fatal("query is nil")
	}
	again, _ := cs.ClassQuery()
	if again != q {
		t.Error("query should be compiled once")
	}
	if got := q.CaptureNameForId(0); got != "definition.class" {
		t.Errorf("capture = %q, want definition.class", got)
	}
}
