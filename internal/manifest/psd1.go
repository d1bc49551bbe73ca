package manifest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/phobologic/psbuild/internal/psast"
)

// Hash is an ordered PowerShell hashtable with case-insensitive keys.
// Values are string, bool, []any or *Hash.
type Hash struct {
	keys   []string
	values map[string]any
}

// NewHash returns an empty hashtable.
func NewHash() *Hash {
	return &Hash{values: make(map[string]any)}
}

// Set adds or replaces key. A replaced key keeps its position and spelling.
func (h *Hash) Set(key string, v any) {
	k := strings.ToLower(key)
	if _, ok := h.values[k]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[k] = v
}

// Get returns the value stored under key.
func (h *Hash) Get(key string) (any, bool) {
	if h == nil {
		return nil, false
	}
	v, ok := h.values[strings.ToLower(key)]
	return v, ok
}

// Keys returns the keys in insertion order.
func (h *Hash) Keys() []string {
	if h == nil {
		return nil
	}
	return append([]string(nil), h.keys...)
}

// String returns the string value of key, or "" when absent or not a string.
func (h *Hash) String(key string) string {
	v, _ := h.Get(key)
	s, _ := v.(string)
	return s
}

// Strings returns key as a list of strings. A single string is a one
// element list.
func (h *Hash) Strings(key string) []string {
	v, ok := h.Get(key)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Hash returns the nested hashtable under key.
func (h *Hash) Hash(key string) *Hash {
	v, _ := h.Get(key)
	n, _ := v.(*Hash)
	return n
}

// Parse reads a PowerShell data file whose body is a single hashtable
// literal.
func Parse(src string) (*Hash, error) {
	script, err := psast.Parse(src)
	if err != nil {
		return nil, err
	}
	var body *psast.Node
	for _, n := range script.Root.Children {
		if n.Kind == psast.Leaf && n.Tok.Kind == psast.TokNewline {
			continue
		}
		if body != nil || n.Kind != psast.HashLiteral {
			return nil, &psast.ParseError{Line: n.Tok.Line, Msg: "data file must contain a single hashtable"}
		}
		body = n
	}
	if body == nil {
		return nil, &psast.ParseError{Line: 1, Msg: "data file is empty"}
	}
	return parseHash(body)
}

func isSeparator(n *psast.Node) bool {
	return n.Kind == psast.Leaf && (n.Tok.Kind == psast.TokNewline || n.Is(psast.TokOperator, ";"))
}

func parseHash(g *psast.Node) (*Hash, error) {
	h := NewHash()
	ch := g.Children
	i := 0
	for {
		for i < len(ch) && isSeparator(ch[i]) {
			i++
		}
		if i >= len(ch) {
			return h, nil
		}
		keyNode := ch[i]
		if keyNode.Kind != psast.Leaf || (keyNode.Tok.Kind != psast.TokWord && keyNode.Tok.Kind != psast.TokString) {
			return nil, &psast.ParseError{Line: keyNode.Tok.Line, Msg: "expected hashtable key"}
		}
		i++
		if i >= len(ch) || !ch[i].Is(psast.TokOperator, "=") {
			return nil, &psast.ParseError{Line: keyNode.Tok.Line, Msg: fmt.Sprintf("expected '=' after key %q", keyNode.Tok.Value)}
		}
		i++
		v, next, err := parseList(ch, i)
		if err != nil {
			return nil, err
		}
		h.Set(keyNode.Tok.Value, v)
		i = next
	}
}

// parseList reads one value, or a comma separated list of values, starting
// at ch[i]. A newline may follow a comma.
func parseList(ch []*psast.Node, i int) (any, int, error) {
	var items []any
	for {
		v, next, err := parseValue(ch, i)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, v)
		i = next
		if i < len(ch) && ch[i].Is(psast.TokOperator, ",") {
			i++
			for i < len(ch) && ch[i].Kind == psast.Leaf && ch[i].Tok.Kind == psast.TokNewline {
				i++
			}
			continue
		}
		break
	}
	if len(items) == 1 {
		return items[0], i, nil
	}
	return items, i, nil
}

func parseValue(ch []*psast.Node, i int) (any, int, error) {
	// Casts such as [version]'1.0' are ignored.
	for i < len(ch) && ch[i].Kind == psast.Bracket {
		i++
	}
	if i >= len(ch) {
		line := 0
		if len(ch) > 0 {
			line = ch[len(ch)-1].Tok.Line
		}
		return nil, 0, &psast.ParseError{Line: line, Msg: "missing value"}
	}
	n := ch[i]
	switch n.Kind {
	case psast.HashLiteral:
		h, err := parseHash(n)
		return h, i + 1, err
	case psast.ArrayExpr, psast.Paren:
		items, err := parseArray(n)
		return items, i + 1, err
	case psast.ExpandString:
		return nil, 0, &psast.ParseError{Line: n.Tok.Line, Msg: "sub-expressions are not allowed in data files"}
	case psast.Leaf:
		switch n.Tok.Kind {
		case psast.TokString, psast.TokWord:
			return n.Tok.Value, i + 1, nil
		case psast.TokVariable:
			switch strings.ToLower(n.Tok.Value) {
			case "true":
				return true, i + 1, nil
			case "false":
				return false, i + 1, nil
			case "null":
				return nil, i + 1, nil
			}
			return nil, 0, &psast.ParseError{Line: n.Tok.Line, Msg: fmt.Sprintf("variable $%s is not allowed in data files", n.Tok.Value)}
		}
	}
	return nil, 0, &psast.ParseError{Line: n.Tok.Line, Msg: fmt.Sprintf("unexpected %q", n.Tok.Text)}
}

func parseArray(g *psast.Node) ([]any, error) {
	items := []any{}
	ch := g.Children
	i := 0
	for {
		for i < len(ch) && (isSeparator(ch[i]) || ch[i].Is(psast.TokOperator, ",")) {
			i++
		}
		if i >= len(ch) {
			return items, nil
		}
		v, next, err := parseList(ch, i)
		if err != nil {
			return nil, err
		}
		if list, ok := v.([]any); ok {
			items = append(items, list...)
		} else {
			items = append(items, v)
		}
		i = next
	}
}

// writer renders values as PowerShell data-file syntax.
type writer struct {
	b      strings.Builder
	indent int
}

func (w *writer) line(format string, args ...any) {
	w.b.WriteString(strings.Repeat("    ", w.indent))
	fmt.Fprintf(&w.b, format, args...)
	w.b.WriteByte('\n')
}

func (w *writer) comment(text string) {
	if text != "" {
		w.line("# %s", text)
	}
}

// entry writes key = value, expanding hashtables over several lines.
func (w *writer) entry(key string, v any) {
	switch t := v.(type) {
	case *Hash:
		w.line("%s = @{", formatKey(key))
		w.indent++
		for _, k := range t.Keys() {
			val, _ := t.Get(k)
			w.entry(k, val)
		}
		w.indent--
		w.line("}")
		return
	case map[string]any:
		w.entry(key, hashFromMap(t))
		return
	}
	w.line("%s = %s", formatKey(key), formatValue(v, w.indent))
}

func hashFromMap(m map[string]any) *Hash {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := NewHash()
	for _, k := range keys {
		h.Set(k, m[k])
	}
	return h
}

func formatKey(k string) string {
	for i := 0; i < len(k); i++ {
		c := k[i]
		if !(c == '_' || c == '.' || c == '-' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
			return quote(k)
		}
	}
	if k == "" {
		return "''"
	}
	return k
}

func quote(s string) string {
	return psast.Quote(s)
}

func formatValue(v any, indent int) string {
	switch t := v.(type) {
	case nil:
		return "$null"
	case string:
		return quote(t)
	case bool:
		if t {
			return "$true"
		}
		return "$false"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []string:
		items := make([]any, len(t))
		for i, s := range t {
			items[i] = s
		}
		return formatValue(items, indent)
	case []any:
		if len(t) == 0 {
			return "@()"
		}
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = formatValue(e, indent+1)
		}
		return "@(" + strings.Join(parts, ", ") + ")"
	case map[string]any:
		return formatValue(hashFromMap(t), indent)
	case *Hash:
		var w writer
		w.indent = indent + 1
		for _, k := range t.Keys() {
			val, _ := t.Get(k)
			w.entry(k, val)
		}
		return "@{\n" + w.b.String() + strings.Repeat("    ", indent) + "}"
	}
	return quote(fmt.Sprint(v))
}
