package resolve

import (
	"fmt"
	"strings"

	"github.com/phobologic/psbuild/internal/model"
)

// MissingError lists the modules that failed the dependency policy.
type MissingError struct {
	Verdicts []model.DependencyVerdict
}

func (e *MissingError) Error() string {
	parts := make([]string, len(e.Verdicts))
	for i, v := range e.Verdicts {
		parts[i] = fmt.Sprintf("%s (%s)", v.Module, strings.Join(v.Commands, ", "))
	}
	return "missing dependencies: " + strings.Join(parts, "; ")
}

func (e *MissingError) Unwrap() error { return ErrMissingDependencies }

// Policy decides whether a dependency report fails the build.
type Policy struct {
	// Suppress holds module names or command names that may stay
	// unresolved. A module is suppressed when it or every one of its
	// commands is listed.
	Suppress []string
	// Force downgrades failures to warnings.
	Force bool
}

// Check returns a *MissingError for every UnresolvedMissing verdict that is
// not suppressed, or, with Force, the same findings as warnings. Error
// diagnostics recorded by the resolver fail the build the same way.
func (p Policy) Check(r *model.DependencyReport) ([]model.Diagnostic, error) {
	suppressed := lowerSet(p.Suppress)

	var failing []model.DependencyVerdict
	for _, v := range r.Verdicts {
		if v.Status != model.UnresolvedMissing || isSuppressed(v, suppressed) {
			continue
		}
		failing = append(failing, v)
	}

	var broken []model.Diagnostic
	for _, d := range r.Diagnostics {
		if d.Severity == model.Error {
			broken = append(broken, d)
		}
	}

	if len(failing) == 0 && len(broken) == 0 {
		return nil, nil
	}
	if !p.Force {
		if len(failing) == 0 {
			return nil, fmt.Errorf("%w: %s: %s", ErrMissingDependencies, broken[0].Subject, broken[0].Message)
		}
		return nil, &MissingError{Verdicts: failing}
	}

	warnings := make([]model.Diagnostic, 0, len(failing)+len(broken))
	for _, v := range failing {
		warnings = append(warnings, model.Diagnostic{
			Severity: model.Warning,
			Stage:    "resolve",
			Subject:  v.Module,
			Message:  "module is neither required nor approved: " + strings.Join(v.Commands, ", "),
		})
	}
	for _, d := range broken {
		d.Severity = model.Warning
		warnings = append(warnings, d)
	}
	return warnings, nil
}

func isSuppressed(v model.DependencyVerdict, suppressed map[string]struct{}) bool {
	if _, ok := suppressed[strings.ToLower(v.Module)]; ok {
		return true
	}
	if len(v.Commands) == 0 {
		return false
	}
	for _, c := range v.Commands {
		if _, ok := suppressed[strings.ToLower(c)]; !ok {
			return false
		}
	}
	return true
}
