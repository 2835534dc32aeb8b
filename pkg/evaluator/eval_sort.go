package evaluator

import (
	"context"
	"sort"

	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// evalSortExpression stable-sorts the input by the successive terms of an
// order-by clause. Undefined keys sort last; mixing strings and numbers
// within a term fails T2008; non-comparable keys fail T2007.
func (e *Evaluator) evalSortExpression(ctx context.Context, node *types.ASTNode, input interface{}, frame *Frame) (interface{}, error) {
	items, ok := isArrayValue(input)
	if !ok {
		if input == nil {
			return nil, nil
		}
		items = []interface{}{input}
	}

	sorted := make([]interface{}, len(items))
	copy(sorted, items)

	var sortErr error
	less := func(a, b interface{}) bool {
		for _, term := range node.Expressions {
			av, err := e.evalNode(ctx, term.LHS, a, frame)
			if err != nil {
				if sortErr == nil {
					sortErr = err
				}
				return false
			}
			bv, err := e.evalNode(ctx, term.LHS, b, frame)
			if err != nil {
				if sortErr == nil {
					sortErr = err
				}
				return false
			}
			cmp, err := compareSortKeys(node, av, bv)
			if err != nil {
				if sortErr == nil {
					sortErr = err
				}
				return false
			}
			if cmp == 0 {
				continue
			}
			if term.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	}
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	if sortErr != nil {
		return nil, sortErr
	}

	result := &types.Sequence{Values: sorted}
	return result, nil
}

// evalSortTuples sorts a tuple stream: term expressions see the tuple's
// context value and its bindings.
func (e *Evaluator) evalSortTuples(ctx context.Context, node *types.ASTNode, tuples []map[string]interface{}, frame *Frame) ([]map[string]interface{}, error) {
	sorted := make([]map[string]interface{}, len(tuples))
	copy(sorted, tuples)

	var sortErr error
	evalKey := func(term *types.ASTNode, tuple map[string]interface{}) (interface{}, error) {
		env := newFrameFromTuple(frame, tuple)
		return e.evalNode(ctx, term.LHS, tuple["@"], env)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		for _, term := range node.Expressions {
			av, err := evalKey(term, sorted[i])
			if err != nil {
				if sortErr == nil {
					sortErr = err
				}
				return false
			}
			bv, err := evalKey(term, sorted[j])
			if err != nil {
				if sortErr == nil {
					sortErr = err
				}
				return false
			}
			cmp, err := compareSortKeys(node, av, bv)
			if err != nil {
				if sortErr == nil {
					sortErr = err
				}
				return false
			}
			if cmp == 0 {
				continue
			}
			if term.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return sorted, nil
}

// compareSortKeys orders two sort keys. Undefined sorts after everything.
func compareSortKeys(node *types.ASTNode, a, b interface{}) (int, error) {
	if a == nil && b == nil {
		return 0, nil
	}
	if a == nil {
		return 1, nil
	}
	if b == nil {
		return -1, nil
	}

	an, aNum := a.(float64)
	bn, bNum := b.(float64)
	as, aStr := a.(string)
	bs, bStr := b.(string)

	switch {
	case aNum && bNum:
		switch {
		case an < bn:
			return -1, nil
		case an > bn:
			return 1, nil
		default:
			return 0, nil
		}
	case aStr && bStr:
		switch {
		case as < bs:
			return -1, nil
		case as > bs:
			return 1, nil
		default:
			return 0, nil
		}
	case (aNum && bStr) || (aStr && bNum):
		return 0, types.NewError(types.ErrSortMixedTypes, node.Position).WithLine(node.Line)
	default:
		return 0, types.NewError(types.ErrSortNotComparable, node.Position).WithLine(node.Line).WithValue(a)
	}
}

// evalTransformDefinition returns the function value of a transform
// expression |pattern|update[,delete]|. Applying it deep-clones the
// argument, applies the update object to every pattern match and deletes
// the named keys.
func (e *Evaluator) evalTransformDefinition(node *types.ASTNode, frame *Frame) interface{} {
	return &NativeFn{
		Name: "transform",
		Fn: func(ctx context.Context, ev *Evaluator, f *Frame, input interface{}, args []interface{}) (interface{}, error) {
			if len(args) == 0 || args[0] == nil {
				return nil, nil
			}
			cloned := deepClone(args[0])
			return ev.applyTransform(ctx, node, cloned, frame)
		},
	}
}

func (e *Evaluator) applyTransform(ctx context.Context, node *types.ASTNode, data interface{}, frame *Frame) (interface{}, error) {
	matches, err := e.evalNode(ctx, node.LHS, data, frame)
	if err != nil {
		return nil, err
	}
	if matches == nil {
		return data, nil
	}

	items, ok := isArrayValue(matches)
	if !ok {
		items = []interface{}{matches}
	}
	for _, match := range items {
		if !isObject(match) {
			continue
		}
		update, err := e.evalNode(ctx, node.RHS, match, frame)
		if err != nil {
			return nil, err
		}
		if update != nil {
			if !isObject(update) {
				return nil, types.NewError(types.ErrUpdateNotObject, node.RHS.Position).
					WithLine(node.RHS.Line).WithValue(update)
			}
			for _, k := range objectKeys(update) {
				v, _ := objectGet(update, k)
				objectSet(match, k, v)
			}
		}
		if len(node.Expressions) == 1 {
			del, err := e.evalNode(ctx, node.Expressions[0], match, frame)
			if err != nil {
				return nil, err
			}
			if del != nil {
				names, ok := stringList(del)
				if !ok {
					return nil, types.NewError(types.ErrDeleteNotStrings, node.Expressions[0].Position).
						WithLine(node.Expressions[0].Line).WithValue(del)
				}
				for _, name := range names {
					objectDelete(match, name)
				}
			}
		}
	}
	return data, nil
}

// objectSet writes a key into either object shape.
func objectSet(obj interface{}, key string, value interface{}) {
	switch t := obj.(type) {
	case *types.OrderedMap:
		t.Set(key, value)
	case map[string]interface{}:
		t[key] = value
	}
}

// objectDelete removes a key from either object shape.
func objectDelete(obj interface{}, key string) {
	switch t := obj.(type) {
	case *types.OrderedMap:
		t.Delete(key)
	case map[string]interface{}:
		delete(t, key)
	}
}

// stringList returns v as a list of strings when it is a string or an
// array of strings.
func stringList(v interface{}) ([]string, bool) {
	if s, ok := v.(string); ok {
		return []string{s}, true
	}
	items, ok := isArrayValue(v)
	if !ok {
		return nil, false
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

// deepClone copies a value so transforms never mutate the caller's data.
func deepClone(v interface{}) interface{} {
	switch t := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = deepClone(item)
		}
		return out
	case *types.Sequence:
		out := &types.Sequence{KeepSingleton: t.KeepSingleton, Cons: t.Cons}
		for _, item := range t.Values {
			out.Append(deepClone(item))
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = deepClone(item)
		}
		return out
	case *types.OrderedMap:
		out := types.NewOrderedMap()
		for _, k := range t.Keys() {
			item, _ := t.Get(k)
			out.Set(k, deepClone(item))
		}
		return out
	default:
		return v
	}
}
