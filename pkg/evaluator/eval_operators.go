package evaluator

import (
	"context"
	"math"
	"sync"

	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// maxRangeSize caps the sequence allocated by the range operator.
const maxRangeSize = 1e7

// evalBinary evaluates arithmetic, comparison, string, membership, range
// and boolean operators. Boolean operators short-circuit; all others
// evaluate both sides in source order.
func (e *Evaluator) evalBinary(ctx context.Context, node *types.ASTNode, input interface{}, frame *Frame) (interface{}, error) {
	op := node.StrValue

	switch op {
	case "and":
		lhs, err := e.evalNode(ctx, node.LHS, input, frame)
		if err != nil {
			return nil, err
		}
		if !isTruthy(lhs) {
			return false, nil
		}
		rhs, err := e.evalNode(ctx, node.RHS, input, frame)
		if err != nil {
			return nil, err
		}
		return isTruthy(rhs), nil
	case "or":
		lhs, err := e.evalNode(ctx, node.LHS, input, frame)
		if err != nil {
			return nil, err
		}
		if isTruthy(lhs) {
			return true, nil
		}
		rhs, err := e.evalNode(ctx, node.RHS, input, frame)
		if err != nil {
			return nil, err
		}
		return isTruthy(rhs), nil
	}

	lhs, err := e.evalNode(ctx, node.LHS, input, frame)
	if err != nil {
		return nil, err
	}
	rhs, err := e.evalNode(ctx, node.RHS, input, frame)
	if err != nil {
		return nil, err
	}

	switch op {
	case "+", "-", "*", "/", "%":
		return e.evalNumericOp(node, op, lhs, rhs)
	case "=":
		return deepEqual(lhs, rhs), nil
	case "!=":
		if lhs == nil || rhs == nil {
			return false, nil
		}
		return !deepEqual(lhs, rhs), nil
	case "<", "<=", ">", ">=":
		return e.evalComparison(node, op, lhs, rhs)
	case "&":
		return stringifyOperand(lhs) + stringifyOperand(rhs), nil
	case "in":
		return evalMembership(lhs, rhs), nil
	case "..":
		return e.evalRange(node, lhs, rhs)
	default:
		return nil, types.NewErrorf(types.ErrUnknownOperator, node.Position,
			"unknown operator %q", op).WithLine(node.Line)
	}
}

func stringifyOperand(v interface{}) string {
	if v == nil {
		return ""
	}
	return stringify(v)
}

func (e *Evaluator) evalNumericOp(node *types.ASTNode, op string, lhs, rhs interface{}) (interface{}, error) {
	if lhs == nil || rhs == nil {
		// Undefined operands yield undefined.
		return nil, nil
	}
	ln, ok := lhs.(float64)
	if !ok {
		return nil, types.NewError(types.ErrLeftNotNumber, node.Position).WithLine(node.Line).WithToken(op).WithValue(lhs)
	}
	rn, ok := rhs.(float64)
	if !ok {
		return nil, types.NewError(types.ErrRightNotNumber, node.Position).WithLine(node.Line).WithToken(op).WithValue(rhs)
	}

	var result float64
	switch op {
	case "+":
		result = ln + rn
	case "-":
		result = ln - rn
	case "*":
		result = ln * rn
	case "/":
		result = ln / rn
	case "%":
		result = math.Mod(ln, rn)
	}
	if math.IsInf(result, 0) || math.IsNaN(result) {
		return nil, types.NewError(types.ErrNumberInfinite, node.Position).WithLine(node.Line).WithToken(op)
	}
	return result, nil
}

func (e *Evaluator) evalComparison(node *types.ASTNode, op string, lhs, rhs interface{}) (interface{}, error) {
	if lhs == nil || rhs == nil {
		return nil, nil
	}

	lcomp, lok := comparableValue(lhs)
	rcomp, rok := comparableValue(rhs)
	if !lok || !rok {
		return nil, types.NewError(types.ErrCompareNonSimple, node.Position).WithLine(node.Line).WithToken(op)
	}

	ln, lIsNum := lcomp.(float64)
	rn, rIsNum := rcomp.(float64)
	if lIsNum != rIsNum {
		return nil, types.NewError(types.ErrCompareIncompat, node.Position).WithLine(node.Line).WithToken(op)
	}

	if lIsNum {
		switch op {
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		}
	}
	ls := lcomp.(string)
	rs := rcomp.(string)
	switch op {
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	}
	return nil, nil
}

func comparableValue(v interface{}) (interface{}, bool) {
	switch t := v.(type) {
	case float64, string:
		return t, true
	default:
		return nil, false
	}
}

// evalMembership implements the in operator: membership of lhs in rhs
// (non-array rhs is treated as a singleton).
func evalMembership(lhs, rhs interface{}) interface{} {
	if lhs == nil || rhs == nil {
		return false
	}
	items, ok := isArrayValue(rhs)
	if !ok {
		items = []interface{}{rhs}
	}
	for _, item := range items {
		if deepEqual(lhs, item) {
			return true
		}
	}
	return false
}

// evalRange builds the integer sequence lhs..rhs. A descending range is
// undefined; oversized ranges fail D2014.
func (e *Evaluator) evalRange(node *types.ASTNode, lhs, rhs interface{}) (interface{}, error) {
	if lhs == nil || rhs == nil {
		return nil, nil
	}
	ln, ok := lhs.(float64)
	if !ok || !isWholeNumber(ln) {
		return nil, types.NewError(types.ErrRangeLeftNotInt, node.Position).WithLine(node.Line).WithValue(lhs)
	}
	rn, ok := rhs.(float64)
	if !ok || !isWholeNumber(rn) {
		return nil, types.NewError(types.ErrRangeRightNotInt, node.Position).WithLine(node.Line).WithValue(rhs)
	}
	if ln > rn {
		return nil, nil
	}
	size := rn - ln + 1
	if size > maxRangeSize {
		return nil, types.NewError(types.ErrRangeTooLarge, node.Position).WithLine(node.Line).WithValue(size)
	}
	seq := &types.Sequence{Values: make([]interface{}, 0, int(size))}
	for v := ln; v <= rn; v++ {
		seq.Append(v)
	}
	return seq, nil
}

// evalUnary evaluates unary minus, array constructors and object
// constructors; FLASH blocks and rules are unary '[' nodes routed to the
// FLASH sub-evaluator.
func (e *Evaluator) evalUnary(ctx context.Context, node *types.ASTNode, input interface{}, frame *Frame) (interface{}, error) {
	switch node.StrValue {
	case "-":
		v, err := e.evalNode(ctx, node.LHS, input, frame)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, nil
		}
		n, ok := v.(float64)
		if !ok {
			return nil, types.NewError(types.ErrNegateNonNumber, node.Position).WithLine(node.Line).WithValue(v)
		}
		return -n, nil

	case "[":
		if node.IsFlashBlock || node.IsFlashRule {
			return e.evalFlash(ctx, node, input, frame)
		}
		return e.evalArrayConstructor(ctx, node, input, frame)

	case "{":
		return e.evalGroupExpression(ctx, node, input, frame)

	default:
		return nil, types.NewErrorf(types.ErrUnknownOperator, node.Position,
			"unknown unary operator %q", node.StrValue).WithLine(node.Line)
	}
}

// evalArrayConstructor builds an explicit array. Items whose source is a
// nested array constructor are pushed as-is; everything else is
// concatenated. When concurrency is enabled, items evaluate in parallel
// but the array is always assembled in source order, with non-primary
// items marked as parallel calls.
func (e *Evaluator) evalArrayConstructor(ctx context.Context, node *types.ASTNode, input interface{}, frame *Frame) (interface{}, error) {
	n := len(node.Expressions)
	values := make([]interface{}, n)
	errs := make([]error, n)

	if e.opts.Concurrency && n > 1 {
		var wg sync.WaitGroup
		for i, item := range node.Expressions {
			wg.Add(1)
			go func(i int, item *types.ASTNode) {
				defer wg.Done()
				f := frame
				if i > 0 {
					f = NewChildFrame(frame)
					f.isParallelCall = true
				}
				values[i], errs[i] = e.evalNode(ctx, item, input, f)
			}(i, item)
		}
		wg.Wait()
	} else {
		for i, item := range node.Expressions {
			values[i], errs[i] = e.evalNode(ctx, item, input, frame)
		}
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	result := newSequence()
	result.Cons = true
	result.KeepSingleton = true
	for i, v := range values {
		if v == nil {
			continue
		}
		src := node.Expressions[i]
		if src.Type == types.NodeUnary && src.StrValue == "[" {
			result.Append(v)
			continue
		}
		switch t := v.(type) {
		case []interface{}:
			result.Values = append(result.Values, t...)
		case *types.Sequence:
			if t.Cons {
				result.Append(t)
			} else {
				result.Values = append(result.Values, t.Values...)
			}
		default:
			result.Append(v)
		}
	}
	return result, nil
}
