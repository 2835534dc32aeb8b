package evaluator

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// Value helpers shared across the evaluator: sequence construction and
// normalization, object access over both map shapes, truthiness, deep
// equality and string/number coercion.

// newSequence creates a sequence from zero or more items.
func newSequence(items ...interface{}) *types.Sequence {
	return &types.Sequence{Values: items}
}

// asSequence returns v as a sequence: sequences pass through, plain arrays
// are wrapped item-wise, any other value becomes a singleton sequence.
func asSequence(v interface{}) *types.Sequence {
	switch t := v.(type) {
	case *types.Sequence:
		return t
	case []interface{}:
		return &types.Sequence{Values: t}
	default:
		return newSequence(v)
	}
}

// isSequence reports whether v is a tagged sequence.
func isSequence(v interface{}) bool {
	_, ok := v.(*types.Sequence)
	return ok
}

// isArrayValue reports whether v is an array of either shape, returning
// its items.
func isArrayValue(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case *types.Sequence:
		return t.Values, true
	case []interface{}:
		return t, true
	default:
		return nil, false
	}
}

// normalizeSequence applies the sequence law: an empty sequence becomes
// undefined; a singleton is unwrapped unless KeepSingleton is set. Tuple
// streams are never normalized.
func normalizeSequence(v interface{}) interface{} {
	seq, ok := v.(*types.Sequence)
	if !ok || seq.TupleStream || seq.Cons {
		return v
	}
	switch {
	case len(seq.Values) == 0:
		return nil
	case len(seq.Values) == 1 && !seq.KeepSingleton:
		return seq.Values[0]
	default:
		return seq
	}
}

// materialize converts sequences into plain JSON shapes for the caller
// and collapses explicit nulls to nil.
func materialize(v interface{}) interface{} {
	switch t := v.(type) {
	case types.Null:
		return nil
	case *types.Sequence:
		out := make([]interface{}, len(t.Values))
		for i, item := range t.Values {
			out[i] = materialize(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = materialize(item)
		}
		return out
	case *types.OrderedMap:
		out := types.NewOrderedMap()
		for _, k := range t.Keys() {
			val, _ := t.Get(k)
			out.Set(k, materialize(val))
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = materialize(val)
		}
		return out
	default:
		return v
	}
}

// isObject reports whether v is an object of either shape.
func isObject(v interface{}) bool {
	switch v.(type) {
	case map[string]interface{}, *types.OrderedMap:
		return true
	default:
		return false
	}
}

// objectKeys returns the keys of an object in a deterministic order:
// insertion order for OrderedMap, sorted for plain maps.
func objectKeys(v interface{}) []string {
	switch t := v.(type) {
	case *types.OrderedMap:
		return t.Keys()
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	default:
		return nil
	}
}

// objectGet returns the value stored under key in an object.
func objectGet(v interface{}, key string) (interface{}, bool) {
	switch t := v.(type) {
	case *types.OrderedMap:
		return t.Get(key)
	case map[string]interface{}:
		val, ok := t[key]
		return val, ok
	default:
		return nil, false
	}
}

// isCallable reports whether v can be applied as a function.
func isCallable(v interface{}) bool {
	switch v.(type) {
	case *Lambda, *NativeFn, *regexFn:
		return true
	default:
		return false
	}
}

// isTruthy implements the effective-boolean rules: empty strings, zero,
// null, undefined, empty arrays/objects and functions are false; an array
// is true when any member is.
func isTruthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case types.Null:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []interface{}:
		for _, item := range t {
			if isTruthy(item) {
				return true
			}
		}
		return false
	case *types.Sequence:
		for _, item := range t.Values {
			if isTruthy(item) {
				return true
			}
		}
		return false
	case map[string]interface{}:
		return len(t) > 0
	case *types.OrderedMap:
		return t.Len() > 0
	default:
		return false
	}
}

// deepEqual implements structural equality; undefined on either side is
// never equal.
func deepEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return false
	}
	return deepEqualDefined(a, b)
}

func deepEqualDefined(a, b interface{}) bool {
	if _, ok := a.(types.Null); ok {
		_, ok2 := b.(types.Null)
		return ok2
	}
	if av, ok := isArrayValue(a); ok {
		bv, ok2 := isArrayValue(b)
		if !ok2 || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqualDefined(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	if isObject(a) {
		if !isObject(b) {
			return false
		}
		ak, bk := objectKeys(a), objectKeys(b)
		if len(ak) != len(bk) {
			return false
		}
		for _, k := range ak {
			av, _ := objectGet(a, k)
			bv, ok := objectGet(b, k)
			if !ok || !deepEqualDefined(av, bv) {
				return false
			}
		}
		return true
	}
	switch at := a.(type) {
	case float64:
		bt, ok := b.(float64)
		return ok && at == bt
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	default:
		return a == b
	}
}

// stringify renders a value the way the string concatenation operator and
// the coercion rules expect.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case types.Null:
		return "null"
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return formatNumber(t)
	case *types.Sequence:
		parts := make([]string, len(t.Values))
		for i, item := range t.Values {
			parts[i] = stringifyJSONish(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case []interface{}:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = stringifyJSONish(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return stringifyJSONish(v)
	}
}

func stringifyJSONish(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strconv.Quote(t)
	case nil:
		return "null"
	default:
		if isObject(t) {
			var b strings.Builder
			b.WriteByte('{')
			for i, k := range objectKeys(t) {
				if i > 0 {
					b.WriteByte(',')
				}
				val, _ := objectGet(t, k)
				b.WriteString(strconv.Quote(k))
				b.WriteByte(':')
				b.WriteString(stringifyJSONish(val))
			}
			b.WriteByte('}')
			return b.String()
		}
		return stringify(v)
	}
}

// formatNumber renders a float the canonical way: integers without a
// decimal point, everything else in shortest form.
func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// isWholeNumber reports whether f has no fractional part.
func isWholeNumber(f float64) bool {
	return f == math.Trunc(f)
}
