// Package claims resolves values out of decoded identity-token claim
// documents.
//
// Identity providers disagree wildly about where they put roles, groups and
// principal names, so lookups are driven by configurable paths. The path
// language is the gjson one (dot-separated keys, wildcards, array queries),
// optionally prefixed with a "$." root marker which is stripped before
// resolution.
package claims

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Document is a decoded token payload (a tree of maps, lists and scalars)
// held as raw JSON. It is read-only and derived; it is never persisted.
type Document struct {
	raw []byte
}

// FromJSON wraps raw JSON claim bytes in a Document.
func FromJSON(data []byte) Document {
	return Document{raw: data}
}

// New builds a Document from an already-decoded claims value, typically a
// jwt.MapClaims or the body of a userinfo response.
func New(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Document{}, err
	}
	return Document{raw: data}, nil
}

// Resolve looks up path in the document. Unresolvable paths return
// ok == false, never an error.
func (d Document) Resolve(path string) (gjson.Result, bool) {
	path = strings.TrimPrefix(path, "$.")
	if path == "" {
		return gjson.Result{}, false
	}
	res := gjson.GetBytes(d.raw, path)
	return res, res.Exists()
}

// ResolveIgnoreCase resolves path after lowercasing every object key in the
// document and the path itself. Useful for providers that emit claim keys
// with inconsistent casing.
func (d Document) ResolveIgnoreCase(path string) (gjson.Result, bool) {
	var tree any
	if err := json.Unmarshal(d.raw, &tree); err != nil {
		return gjson.Result{}, false
	}
	lowered, err := json.Marshal(lowerKeys(tree))
	if err != nil {
		return gjson.Result{}, false
	}
	return Document{raw: lowered}.Resolve(strings.ToLower(path))
}

// lowerKeys recursively lowercases all map keys in a decoded JSON tree.
// On duplicate keys after lowering, the last one wins.
func lowerKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[strings.ToLower(k)] = lowerKeys(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = lowerKeys(val)
		}
		return out
	default:
		return v
	}
}

// Strings coerces a resolved value into a flat ordered list of strings.
// Scalars become a one-element list, lists are kept in order, and one level
// of nested lists is flattened. Null or missing values yield nil.
func Strings(res gjson.Result) []string {
	if !res.Exists() || res.Type == gjson.Null {
		return nil
	}
	if !res.IsArray() {
		return []string{res.String()}
	}
	var out []string
	for _, elem := range res.Array() {
		if elem.IsArray() {
			for _, inner := range elem.Array() {
				out = append(out, inner.String())
			}
			continue
		}
		if elem.Type == gjson.Null {
			continue
		}
		out = append(out, elem.String())
	}
	return out
}

// ResolveStrings resolves path and coerces the result to a string list in a
// single step. Absent paths yield ok == false.
func (d Document) ResolveStrings(path string) ([]string, bool) {
	res, ok := d.Resolve(path)
	if !ok {
		return nil, false
	}
	return Strings(res), true
}
