// Package jsonpath resolves JSONPath-style expressions against JSON
// documents. Expressions may be written as JSONPath ($.users[0].name) or
// directly in gjson syntax (users.0.name, items.#).
package jsonpath

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var ErrNotFound = errors.New("path not found")

// Path is a compiled expression. The zero value matches nothing.
type Path struct {
	expr  string
	gpath string
}

// Compile converts expr to gjson syntax once so it can be reused by every VU.
func Compile(expr string) (Path, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Path{}, fmt.Errorf("empty JSONPath expression")
	}
	return Path{expr: expr, gpath: toGjson(expr)}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(expr string) Path {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string { return p.expr }

func (p Path) IsZero() bool { return p.gpath == "" }

// Get returns the raw gjson result for doc.
func (p Path) Get(doc []byte) gjson.Result {
	if p.gpath == "" || len(doc) == 0 {
		return gjson.Result{}
	}
	return gjson.GetBytes(doc, p.gpath)
}

// Lookup returns the value at p as a string. JSON null is returned as "null".
func (p Path) Lookup(doc []byte) (string, bool) {
	r := p.Get(doc)
	if !r.Exists() {
		return "", false
	}
	if r.Type == gjson.Null {
		return "null", true
	}
	return r.String(), true
}

// Exists reports whether p resolves in doc.
func (p Path) Exists(doc []byte) bool {
	return p.Get(doc).Exists()
}

// Extract compiles expr and looks it up in doc.
func Extract(doc []byte, expr string) (string, error) {
	if len(doc) == 0 {
		return "", fmt.Errorf("empty JSON document")
	}
	p, err := Compile(expr)
	if err != nil {
		return "", err
	}
	v, ok := p.Lookup(doc)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, expr)
	}
	return v, nil
}

// ExtractMultiple looks up every named expression. Values found are
// returned even when others fail.
func ExtractMultiple(doc []byte, paths map[string]string) (map[string]string, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no JSONPath expressions provided")
	}

	results := make(map[string]string, len(paths))
	var errs []error
	for name, expr := range paths {
		v, err := Extract(doc, expr)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		results[name] = v
	}
	return results, errors.Join(errs...)
}

// toGjson rewrites $.a['b'][0] as a.b.0.
func toGjson(expr string) string {
	path := strings.TrimPrefix(expr, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return "@this"
	}

	path = strings.NewReplacer(`['`, ".", `']`, "", `["`, ".", `"]`, "").Replace(path)

	var sb strings.Builder
	sb.Grow(len(path))
	for i := 0; i < len(path); i++ {
		switch c := path[i]; c {
		case '[':
			sb.WriteByte('.')
		case ']':
		default:
			sb.WriteByte(c)
		}
	}
	return strings.TrimPrefix(sb.String(), ".")
}
