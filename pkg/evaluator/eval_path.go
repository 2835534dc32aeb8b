package evaluator

import (
	"context"
	"math"

	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// evalPath executes the steps of a path left-to-right. Each step evaluates
// once per element of the current sequence; results are flattened one
// level (explicit arrays excepted). Steps that bind focus/index/ancestor
// variables switch the path into a tuple stream that carries binding
// tuples across the remaining steps.
func (e *Evaluator) evalPath(ctx context.Context, node *types.ASTNode, input interface{}, frame *Frame) (interface{}, error) {
	firstStep := node.Steps[0]

	var inputSeq *types.Sequence
	if items, ok := isArrayValue(input); ok && firstStep.Type != types.NodeVariable {
		inputSeq = &types.Sequence{Values: items}
	} else {
		// Evaluate the first step once against the whole input.
		inputSeq = newSequence(input)
	}

	var resultSeq *types.Sequence
	isTupleStream := false
	var tupleBindings []map[string]interface{}

	for i, step := range node.Steps {
		if step.Tuple {
			isTupleStream = true
		}
		var err error
		switch {
		case i == 0 && step.ConsArray:
			// An explicit array constructor as the first step evaluates
			// once, not per element.
			var r interface{}
			r, err = e.evalNode(ctx, step, inputSeq, frame)
			if err != nil {
				return nil, err
			}
			resultSeq = asSequence(r)
		case isTupleStream:
			tupleBindings, err = e.evalTupleStep(ctx, step, inputSeq, tupleBindings, frame)
			if err != nil {
				return nil, err
			}
		default:
			resultSeq, err = e.evalStep(ctx, step, inputSeq, frame, i == len(node.Steps)-1)
			if err != nil {
				return nil, err
			}
		}

		if !isTupleStream && (resultSeq == nil || len(resultSeq.Values) == 0) {
			break
		}
		if step.FocusVar == "" {
			inputSeq = resultSeq
		}
	}

	if isTupleStream {
		if node.Tuple {
			// The caller wants the binding tuples themselves (e.g. a
			// grouping over the stream).
			ts := newSequence()
			ts.TupleStream = true
			for _, t := range tupleBindings {
				ts.Append(t)
			}
			return ts, nil
		}
		resultSeq = newSequence()
		for _, t := range tupleBindings {
			resultSeq.Append(t["@"])
		}
	}

	if node.KeepArray {
		if resultSeq != nil && !resultSeq.Cons {
			resultSeq.KeepSingleton = true
		}
	}

	if node.Group != nil {
		var groupInput interface{}
		switch {
		case isTupleStream:
			ts := newSequence()
			ts.TupleStream = true
			for _, t := range tupleBindings {
				ts.Append(t)
			}
			groupInput = ts
		case resultSeq != nil:
			groupInput = resultSeq
		}
		return e.evalGroupExpression(ctx, node.Group, groupInput, frame)
	}

	if resultSeq == nil {
		return nil, nil
	}
	return resultSeq, nil
}

// evalStep evaluates one step per element of the input sequence and
// assembles the flattened result.
func (e *Evaluator) evalStep(ctx context.Context, step *types.ASTNode, input *types.Sequence, frame *Frame, lastStep bool) (*types.Sequence, error) {
	if step.Type == types.NodeSort {
		sorted, err := e.evalSortExpression(ctx, step, input, frame)
		if err != nil {
			return nil, err
		}
		seq := asSequence(sorted)
		for _, stage := range step.Stages {
			if stage.Type != types.NodeFilter {
				continue
			}
			filtered, err := e.evalFilter(ctx, stage.RHS, seq, frame)
			if err != nil {
				return nil, err
			}
			seq = asSequence(filtered)
		}
		return seq, nil
	}

	result := newSequence()
	for _, item := range input.Values {
		res, err := e.evalNode(ctx, step, item, frame)
		if err != nil {
			return nil, err
		}
		for _, stage := range step.Stages {
			if stage.Type != types.NodeFilter {
				continue
			}
			res, err = e.evalFilter(ctx, stage.RHS, res, frame)
			if err != nil {
				return nil, err
			}
		}
		if res != nil {
			result.Append(res)
		}
	}

	resultSeq := newSequence()
	if lastStep && len(result.Values) == 1 {
		// A single array value at the last step keeps its identity.
		switch v := result.Values[0].(type) {
		case []interface{}:
			resultSeq.Values = v
			return resultSeq, nil
		case *types.Sequence:
			return v, nil
		}
	}
	for _, res := range result.Values {
		switch v := res.(type) {
		case []interface{}:
			resultSeq.Values = append(resultSeq.Values, v...)
		case *types.Sequence:
			if v.Cons {
				resultSeq.Append(v)
			} else {
				resultSeq.Values = append(resultSeq.Values, v.Values...)
			}
		default:
			resultSeq.Append(res)
		}
	}
	return resultSeq, nil
}

// evalTupleStep evaluates one step of a tuple stream, emitting a binding
// tuple per result item. Tuples carry the current value under "@" plus any
// focus/index/ancestor bindings accumulated so far.
func (e *Evaluator) evalTupleStep(ctx context.Context, step *types.ASTNode, input *types.Sequence, tupleBindings []map[string]interface{}, frame *Frame) ([]map[string]interface{}, error) {
	if step.Type == types.NodeSort {
		sorted, err := e.evalSortTuples(ctx, step, tupleBindings, frame)
		if err != nil {
			return nil, err
		}
		return e.evalTupleStages(ctx, step.Stages, sorted, frame)
	}

	if tupleBindings == nil {
		tupleBindings = make([]map[string]interface{}, 0, len(input.Values))
		for _, item := range input.Values {
			if item == nil {
				continue
			}
			tupleBindings = append(tupleBindings, map[string]interface{}{"@": item})
		}
	}

	var result []map[string]interface{}
	for _, tb := range tupleBindings {
		stepFrame := newFrameFromTuple(frame, tb)
		res, err := e.evalNode(ctx, step, tb["@"], stepFrame)
		if err != nil {
			return nil, err
		}
		if res == nil {
			continue
		}

		resSeq, resIsTuples := res.(*types.Sequence)
		var items []interface{}
		if arr, ok := isArrayValue(res); ok {
			items = arr
		} else {
			items = []interface{}{res}
		}
		tupleStream := resIsTuples && resSeq.TupleStream

		for ss, v := range items {
			tuple := make(map[string]interface{}, len(tb)+3)
			for k, val := range tb {
				tuple[k] = val
			}
			if tupleStream {
				if m, ok := v.(map[string]interface{}); ok {
					for k, val := range m {
						tuple[k] = val
					}
				}
			} else {
				if step.FocusVar != "" {
					tuple[step.FocusVar] = v
					tuple["@"] = tb["@"]
				} else {
					tuple["@"] = v
				}
				if step.IndexVar != "" {
					tuple[step.IndexVar] = float64(ss)
				}
				if step.Ancestor != nil {
					tuple[step.Ancestor.Label] = tb["@"]
				}
			}
			result = append(result, tuple)
		}
	}

	return e.evalTupleStages(ctx, step.Stages, result, frame)
}

// evalTupleStages applies filter and index stages to a tuple stream,
// preserving the binding order of the emitted tuples.
func (e *Evaluator) evalTupleStages(ctx context.Context, stages []*types.ASTNode, tuples []map[string]interface{}, frame *Frame) ([]map[string]interface{}, error) {
	for _, stage := range stages {
		switch stage.Type {
		case types.NodeFilter:
			stream := newSequence()
			stream.TupleStream = true
			for _, t := range tuples {
				stream.Append(t)
			}
			res, err := e.evalFilter(ctx, stage.RHS, stream, frame)
			if err != nil {
				return nil, err
			}
			tuples = tuples[:0]
			for _, v := range asSequence(res).Values {
				if m, ok := v.(map[string]interface{}); ok {
					tuples = append(tuples, m)
				}
			}
		case types.NodeIndexStage:
			for i, t := range tuples {
				t[stage.StrValue] = float64(i)
			}
		}
	}
	return tuples, nil
}

// evalFilter applies a predicate. A numeric predicate is a (possibly
// negative) positional index; a predicate yielding numbers selects by
// index; anything else selects by truthiness.
func (e *Evaluator) evalFilter(ctx context.Context, predicate *types.ASTNode, input interface{}, frame *Frame) (interface{}, error) {
	if input == nil {
		return nil, nil
	}
	results := newSequence()
	inputSeq := asSequence(input)
	results.TupleStream = inputSeq.TupleStream

	if predicate.Type == types.NodeNumber {
		index := int(math.Floor(predicate.NumValue))
		if index < 0 {
			index = len(inputSeq.Values) + index
		}
		if index >= 0 && index < len(inputSeq.Values) {
			item := inputSeq.Values[index]
			if arr, ok := isArrayValue(item); ok {
				results.Values = arr
			} else {
				results.Append(item)
			}
		}
		return results, nil
	}

	for index, item := range inputSeq.Values {
		contextValue := item
		env := frame
		if inputSeq.TupleStream {
			if tuple, ok := item.(map[string]interface{}); ok {
				contextValue = tuple["@"]
				env = newFrameFromTuple(frame, tuple)
			}
		}
		res, err := e.evalNode(ctx, predicate, contextValue, env)
		if err != nil {
			return nil, err
		}

		if nums, ok := numberList(res); ok {
			for _, n := range nums {
				ii := int(math.Floor(n))
				if ii < 0 {
					ii = len(inputSeq.Values) + ii
				}
				if ii == index {
					results.Append(item)
				}
			}
		} else if isTruthy(res) {
			results.Append(item)
		}
	}
	return results, nil
}

// numberList returns v as a list of numbers when it is a number or an
// array consisting solely of numbers.
func numberList(v interface{}) ([]float64, bool) {
	if n, ok := v.(float64); ok {
		return []float64{n}, true
	}
	items, ok := isArrayValue(v)
	if !ok || len(items) == 0 {
		return nil, false
	}
	nums := make([]float64, len(items))
	for i, item := range items {
		n, ok := item.(float64)
		if !ok {
			return nil, false
		}
		nums[i] = n
	}
	return nums, true
}
