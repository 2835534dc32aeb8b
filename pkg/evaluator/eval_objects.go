package evaluator

import (
	"context"

	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// groupEntry accumulates the items grouped under one key, remembering the
// key/value pair index that produced the key.
type groupEntry struct {
	data      *types.Sequence
	exprIndex int
}

// evalGroupExpression implements object construction and group-by: for
// each input item and key expression the key is computed (strings only);
// items sharing a key are appended; each value expression then evaluates
// in the collected context. The output is an object preserving first-seen
// key order.
//
// When the input is a tuple stream the collected tuples are merged back
// into the frame for the value evaluation, so focus/index/ancestor
// bindings remain visible.
func (e *Evaluator) evalGroupExpression(ctx context.Context, node *types.ASTNode, input interface{}, frame *Frame) (interface{}, error) {
	inputSeq := asSequence(input)
	reduce := inputSeq.TupleStream

	// An empty input still produces a literal object.
	items := inputSeq.Values
	if len(items) == 0 {
		items = []interface{}{nil}
	}

	groups := types.NewOrderedMap()
	for _, item := range items {
		env := frame
		keyContext := item
		if reduce {
			if tuple, ok := item.(map[string]interface{}); ok {
				env = newFrameFromTuple(frame, tuple)
				keyContext = tuple["@"]
			}
		}
		for pairIndex, pair := range node.Pairs {
			keyVal, err := e.evalNode(ctx, pair.LHS, keyContext, env)
			if err != nil {
				return nil, err
			}
			if keyVal == nil {
				continue
			}
			key, ok := keyVal.(string)
			if !ok {
				return nil, types.NewErrorf(types.ErrKeyNotString, pair.LHS.Position,
					"key in object structure must evaluate to a string; got %v", keyVal).
					WithLine(pair.LHS.Line).WithValue(keyVal)
			}
			if existing, found := groups.Get(key); found {
				entry := existing.(*groupEntry)
				if entry.exprIndex != pairIndex {
					return nil, types.NewErrorf(types.ErrDuplicateKey, pair.LHS.Position,
						"multiple key expressions evaluate to the same key %q", key).
						WithLine(pair.LHS.Line).WithValue(key)
				}
				entry.data.Append(item)
			} else {
				groups.Set(key, &groupEntry{data: newSequence(item), exprIndex: pairIndex})
			}
		}
	}

	result := types.NewOrderedMap()
	for idx, key := range groups.Keys() {
		v, _ := groups.Get(key)
		entry := v.(*groupEntry)

		env := frame
		var valueContext interface{}
		if reduce {
			tuple := reduceTupleStream(entry.data.Values)
			valueContext = tuple["@"]
			delete(tuple, "@")
			env = newFrameFromTuple(frame, tuple)
		} else {
			valueContext = normalizeSequence(entry.data)
		}
		if idx > 0 {
			// Re-entrant diagnostics can distinguish non-primary calls.
			env = NewChildFrame(env)
			env.isParallelCall = true
		}

		value, err := e.evalNode(ctx, node.Pairs[entry.exprIndex].RHS, valueContext, env)
		if err != nil {
			return nil, err
		}
		if value != nil {
			result.Set(key, value)
		}
	}
	return result, nil
}

// reduceTupleStream merges the tuples collected for one group: the "@"
// values accumulate into a sequence, other bindings keep their first
// value and collapse into sequences when they diverge.
func reduceTupleStream(tuples []interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	if len(tuples) == 0 {
		return result
	}
	first, _ := tuples[0].(map[string]interface{})
	for k, v := range first {
		result[k] = v
	}
	if len(tuples) == 1 {
		return result
	}
	values := newSequence(result["@"])
	for _, t := range tuples[1:] {
		tuple, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		values.Append(tuple["@"])
		for k, v := range tuple {
			if k == "@" {
				continue
			}
			result[k] = v
		}
	}
	result["@"] = values
	return result
}
