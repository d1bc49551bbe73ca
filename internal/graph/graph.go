// Package graph builds function call graphs over parsed PowerShell code.
package graph

import (
	"sort"
	"strings"

	"github.com/phobologic/psbuild/internal/symbols"
)

// CallEdge is a call from one known function to another.
type CallEdge struct {
	Caller string
	Callee string
}

// BuildCallGraph builds function-level call edges. An edge is only included
// when the callee is one of the given definitions or one of their aliases.
// Names compare case-insensitively; edges use the callee's declared
// spelling and are deduplicated and sorted.
func BuildCallGraph(fns []symbols.Function) []CallEdge {
	knownDefs := make(map[string]string, len(fns))
	for i := range fns {
		for _, a := range fns[i].Aliases {
			knownDefs[strings.ToLower(a)] = fns[i].Name
		}
	}
	// Function names win over a colliding alias.
	for i := range fns {
		knownDefs[strings.ToLower(fns[i].Name)] = fns[i].Name
	}

	type edgeKey struct{ caller, callee string }
	seen := make(map[edgeKey]struct{})

	var edges []CallEdge
	for i := range fns {
		for _, call := range fns[i].Calls {
			callee, ok := knownDefs[strings.ToLower(call)]
			if !ok || strings.EqualFold(callee, fns[i].Name) {
				continue
			}
			key := edgeKey{strings.ToLower(fns[i].Name), strings.ToLower(callee)}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			edges = append(edges, CallEdge{Caller: fns[i].Name, Callee: callee})
		}
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Caller != edges[j].Caller {
			return edges[i].Caller < edges[j].Caller
		}
		return edges[i].Callee < edges[j].Callee
	})

	return edges
}

// Closure returns the functions named by roots together with every function
// they reach through calls, in the order they appear in fns. Unknown roots
// are ignored and cycles are safe.
func Closure(fns []symbols.Function, roots []string) []symbols.Function {
	out := make(map[string][]string)
	for _, e := range BuildCallGraph(fns) {
		k := strings.ToLower(e.Caller)
		out[k] = append(out[k], strings.ToLower(e.Callee))
	}

	reached := make(map[string]struct{})
	queue := make([]string, 0, len(roots))
	for _, r := range roots {
		queue = append(queue, strings.ToLower(r))
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if _, ok := reached[n]; ok {
			continue
		}
		reached[n] = struct{}{}
		queue = append(queue, out[n]...)
	}

	var result []symbols.Function
	for _, fn := range fns {
		if _, ok := reached[strings.ToLower(fn.Name)]; ok {
			result = append(result, fn)
			delete(reached, strings.ToLower(fn.Name))
		}
	}
	return result
}

// Callers returns, for each function, the sorted names of the functions
// calling it. Functions nobody calls map to an empty slice.
func Callers(fns []symbols.Function) map[string][]string {
	callers := make(map[string][]string, len(fns))
	for i := range fns {
		callers[fns[i].Name] = []string{}
	}
	for _, e := range BuildCallGraph(fns) {
		callers[e.Callee] = append(callers[e.Callee], e.Caller)
	}
	return callers
}
