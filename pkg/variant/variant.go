// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package variant walks the tree of native Go values godbus/dbus
// decodes a DBus message into (dbus.Variant, []interface{}, map[string]
// dbus.Variant, and the basic scalar types), offering both typed
// extraction with one level of variant auto-unwrap and a pretty-printer
// for human-readable dumps.
package variant

import (
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

// ErrMaxDepth is returned by Walk when the tree nests deeper than
// MaxDepth, guarding against malformed or adversarial input.
var ErrMaxDepth = fmt.Errorf("variant: exceeded max recursion depth")

// MaxDepth bounds recursion into nested variants, arrays, and structs.
// DBus itself limits wire nesting to 64; this matches that cap.
const MaxDepth = 64

// Unwrap descends through at most one dbus.Variant layer, returning the
// inner value. Values that are not variants are returned unchanged.
func Unwrap(v any) any {
	if dv, ok := v.(dbus.Variant); ok {
		return dv.Value()
	}
	return v
}

// Get attempts to extract a T from v, auto-unwrapping one level of
// dbus.Variant first. It returns false if v (after unwrapping) is not a
// T.
func Get[T any](v any) (T, bool) {
	var zero T
	unwrapped := Unwrap(v)
	t, ok := unwrapped.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Walk performs a depth-first traversal of v, calling fn at every leaf
// and container node with the path of map/struct-field/array-index
// labels taken to reach it. It returns ErrMaxDepth if the tree nests
// past MaxDepth.
func Walk(v any, fn func(path []string, val any) error) error {
	return walk(v, nil, 0, fn)
}

// appendPath returns a new slice with elem appended, never aliasing
// path's backing array; callers hand the result to fn, which may retain
// it.
func appendPath(path []string, elem string) []string {
	out := make([]string, len(path)+1)
	copy(out, path)
	out[len(path)] = elem
	return out
}

func walk(v any, path []string, depth int, fn func([]string, any) error) error {
	if depth > MaxDepth {
		return ErrMaxDepth
	}
	v = Unwrap(v)

	if err := fn(path, v); err != nil {
		return err
	}

	switch vv := v.(type) {
	case []any:
		for i, elem := range vv {
			if err := walk(elem, appendPath(path, fmt.Sprintf("[%d]", i)), depth+1, fn); err != nil {
				return err
			}
		}
	case map[string]dbus.Variant:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := walk(vv[k], appendPath(path, k), depth+1, fn); err != nil {
				return err
			}
		}
	case []dbus.Variant:
		for i, elem := range vv {
			if err := walk(elem, appendPath(path, fmt.Sprintf("[%d]", i)), depth+1, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Dump renders v as an indented, human-readable tree: arrays as
// "[...]", dict entries as "k => v", and variants parenthesized. It is
// meant for debug logging, not machine parsing.
func Dump(v any) string {
	var sb strings.Builder
	dump(v, 0, &sb)
	return sb.String()
}

func dump(v any, depth int, sb *strings.Builder) {
	indent := strings.Repeat("  ", depth)

	if dv, ok := v.(dbus.Variant); ok {
		sb.WriteString(indent)
		sb.WriteString("(\n")
		dump(dv.Value(), depth+1, sb)
		sb.WriteString(indent)
		sb.WriteString(")\n")
		return
	}

	switch vv := v.(type) {
	case []any:
		sb.WriteString(indent)
		if len(vv) == 0 {
			sb.WriteString("[]\n")
			return
		}
		sb.WriteString("[\n")
		for _, elem := range vv {
			dump(elem, depth+1, sb)
		}
		sb.WriteString(indent)
		sb.WriteString("]\n")
	case []dbus.Variant:
		sb.WriteString(indent)
		if len(vv) == 0 {
			sb.WriteString("[]\n")
			return
		}
		sb.WriteString("[\n")
		for _, elem := range vv {
			dump(elem, depth+1, sb)
		}
		sb.WriteString(indent)
		sb.WriteString("]\n")
	case map[string]dbus.Variant:
		sb.WriteString(indent)
		sb.WriteString("struct {\n")
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(strings.Repeat("  ", depth+1))
			sb.WriteString(k)
			sb.WriteString(" => \n")
			dump(vv[k], depth+2, sb)
		}
		sb.WriteString(indent)
		sb.WriteString("}\n")
	default:
		sb.WriteString(indent)
		fmt.Fprintf(sb, "%v\n", vv)
	}
}
