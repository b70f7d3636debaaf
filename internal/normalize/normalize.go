// Package normalize applies the caller's time_format/group_format/
// binary_format preferences to an already-decoded response value.
//
// Response normalization at large (turning a raw decoded value into the
// language-native types a query-building DSL would expect) is the
// external "Shim" collaborator named in the specification and is out of
// scope here. What the connection core itself owns, per the reader
// task's decode step, is the narrower job of walking a decoded value and
// rewriting any pseudo-typed "$reql_type$" object according to the per-token
// format option that was captured at registration time -- exactly the
// kind of point-read the up9inc-basenine example pack uses ojg's jp
// package for.
package normalize

import (
	"github.com/ohler55/ojg/jp"
)

// Mode mirrors qconn.FormatMode without importing the root package
// (which would create an import cycle); qconn converts its FormatMode
// to this type at the call site.
type Mode string

const (
	Raw    Mode = "raw"
	Native Mode = "native"
)

// pseudoTypeExpr matches every value nested below the root of a decoded
// value; Apply checks those matches and the root itself for a
// pseudo-type tag, only to decide whether a walk is worth doing at all
// before paying for the full recursive rewrite below.
var pseudoTypeExpr = jp.MustParseString("..*")

// Apply returns v rewritten according to time, group and binary format
// modes; maps and slices on a rewritten tree are copied, v itself is not
// modified. Unset modes ("") behave as "native", the server's own
// default.
func Apply(v interface{}, timeMode, groupMode, binaryMode Mode) interface{} {
	if timeMode == "" {
		timeMode = Native
	}
	if groupMode == "" {
		groupMode = Native
	}
	if binaryMode == "" {
		binaryMode = Native
	}
	if timeMode == Raw && groupMode == Raw && binaryMode == Raw {
		return v
	}
	// Cheap short-circuit: if there is nothing pseudo-typed anywhere in
	// the tree, there is nothing to rewrite.
	if matches := pseudoTypeExpr.Get(v); !anyPseudoTyped(append(matches, v)) {
		return v
	}
	return walk(v, timeMode, groupMode, binaryMode)
}

func anyPseudoTyped(matches []interface{}) bool {
	for _, m := range matches {
		if obj, ok := m.(map[string]interface{}); ok {
			if _, ok := obj["$reql_type$"]; ok {
				return true
			}
		}
	}
	return false
}

func walk(v interface{}, timeMode, groupMode, binaryMode Mode) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		if t, ok := val["$reql_type$"].(string); ok {
			switch t {
			case "TIME":
				if timeMode == Native {
					return nativeTime(val)
				}
				return val
			case "BINARY":
				if binaryMode == Native {
					return nativeBinary(val)
				}
				return val
			case "GROUPED_DATA":
				if groupMode == Native {
					return nativeGroup(val, timeMode, groupMode, binaryMode)
				}
				return val
			}
		}
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[k] = walk(child, timeMode, groupMode, binaryMode)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = walk(child, timeMode, groupMode, binaryMode)
		}
		return out
	default:
		return v
	}
}

// nativeTime converts {$reql_type$: TIME, epoch_time, timezone} into a
// plain map carrying the same data under native-friendly keys; a real
// driver would return a time.Time, but that conversion belongs to the
// query-building DSL / Shim layer this package defers to.
func nativeTime(val map[string]interface{}) interface{} {
	return map[string]interface{}{
		"epoch_time": val["epoch_time"],
		"timezone":   val["timezone"],
	}
}

func nativeBinary(val map[string]interface{}) interface{} {
	return val["data"]
}

func nativeGroup(val map[string]interface{}, timeMode, groupMode, binaryMode Mode) interface{} {
	groups, _ := val["data"].([]interface{})
	out := make([]interface{}, 0, len(groups))
	for _, g := range groups {
		pair, ok := g.([]interface{})
		if !ok || len(pair) != 2 {
			out = append(out, walk(g, timeMode, groupMode, binaryMode))
			continue
		}
		out = append(out, []interface{}{
			walk(pair[0], timeMode, groupMode, binaryMode),
			walk(pair[1], timeMode, groupMode, binaryMode),
		})
	}
	return out
}
