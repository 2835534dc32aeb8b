package evaluator

import (
	"context"

	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// evalNode dispatches on node type, applies any attached predicates and
// grouping, and normalizes sequence results. Every entry is a cooperative
// suspension point: cancellation is honored and host entry/exit hooks run
// around each node.
func (e *Evaluator) evalNode(ctx context.Context, node *types.ASTNode, input interface{}, frame *Frame) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrHostAborted, node.Position).WithLine(node.Line).WithCause(err)
	}
	if hook := frame.root.entryHook; hook != nil {
		if err := hook(node, input, frame); err != nil {
			return nil, fillNodePosition(err, node)
		}
	}

	result, err := e.evalNodeInner(ctx, node, input, frame)
	if err != nil {
		return nil, fillNodePosition(err, node)
	}

	// Predicates attached to a non-path expression run after the node.
	for _, stage := range node.Predicate {
		result, err = e.evalFilter(ctx, stage.RHS, result, frame)
		if err != nil {
			return nil, fillNodePosition(err, node)
		}
	}

	// Grouping on non-path nodes; paths group inside evalPath where tuple
	// bindings are still available.
	if node.Group != nil && node.Type != types.NodePath {
		result, err = e.evalGroupExpression(ctx, node.Group, result, frame)
		if err != nil {
			return nil, fillNodePosition(err, node)
		}
	}

	if hook := frame.root.exitHook; hook != nil {
		if err := hook(node, input, frame); err != nil {
			return nil, fillNodePosition(err, node)
		}
	}

	// Sequence normalization.
	switch res := result.(type) {
	case *types.Sequence:
		if !res.TupleStream {
			if node.KeepArray {
				res.KeepSingleton = true
			}
			result = normalizeSequence(res)
		}
	case []interface{}:
		// Already an array; the keep-array flag is satisfied.
	default:
		if node.KeepArray && result != nil {
			wrapped := newSequence(result)
			wrapped.KeepSingleton = true
			result = wrapped
		}
	}

	return result, nil
}

func (e *Evaluator) evalNodeInner(ctx context.Context, node *types.ASTNode, input interface{}, frame *Frame) (interface{}, error) {
	switch node.Type {
	case types.NodeString, types.NodeNumber, types.NodeValue:
		return node.Value, nil

	case types.NodeRegex:
		return e.evalRegexLiteral(node, frame)

	case types.NodeName:
		return evalNameLookup(input, node.StrValue), nil

	case types.NodeVariable:
		return e.evalVariable(node, input, frame), nil

	case types.NodeWildcard:
		return evalWildcard(input), nil

	case types.NodeDescendant:
		return evalDescendants(input), nil

	case types.NodeParent:
		if node.Slot == nil {
			return nil, types.NewError(types.ErrInvalidParentUse, node.Position).WithLine(node.Line)
		}
		v, _ := frame.Lookup(node.Slot.Label)
		return v, nil

	case types.NodePath:
		return e.evalPath(ctx, node, input, frame)

	case types.NodeBinary:
		return e.evalBinary(ctx, node, input, frame)

	case types.NodeUnary:
		return e.evalUnary(ctx, node, input, frame)

	case types.NodeBlock:
		return e.evalBlock(ctx, node, input, frame)

	case types.NodeBind:
		return e.evalBind(ctx, node, input, frame)

	case types.NodeCondition:
		return e.evalCondition(ctx, node, input, frame)

	case types.NodeCoalesce:
		lhs, err := e.evalNode(ctx, node.LHS, input, frame)
		if err != nil {
			return nil, err
		}
		if lhs != nil {
			return lhs, nil
		}
		return e.evalNode(ctx, node.RHS, input, frame)

	case types.NodeElvis:
		lhs, err := e.evalNode(ctx, node.LHS, input, frame)
		if err != nil {
			return nil, err
		}
		if isTruthy(lhs) {
			return lhs, nil
		}
		return e.evalNode(ctx, node.RHS, input, frame)

	case types.NodeLambda:
		return e.evalLambdaDefinition(node, input, frame)

	case types.NodeFunction:
		return e.evalFunctionCall(ctx, node, input, frame, nil)

	case types.NodePartial:
		return e.evalPartial(ctx, node, input, frame)

	case types.NodeApply:
		return e.evalApply(ctx, node, input, frame)

	case types.NodeTransform:
		return e.evalTransformDefinition(node, frame), nil

	case types.NodeSort:
		// Sort outside a path (rare: processSort always builds a path).
		return e.evalSortExpression(ctx, node, input, frame)

	default:
		return nil, types.NewErrorf(types.ErrUnknownExpression, node.Position,
			"unknown expression type %q", node.Type).WithLine(node.Line)
	}
}

// fillNodePosition stamps the raising node's location on structured errors
// that do not carry one yet.
func fillNodePosition(err error, node *types.ASTNode) error {
	if fe, ok := err.(*types.Error); ok {
		fe.FillPosition(node.Position, node.Line)
	}
	return err
}

// evalNameLookup returns the value of a property, mapping over arrays and
// flattening one level.
func evalNameLookup(input interface{}, key string) interface{} {
	if items, ok := isArrayValue(input); ok {
		result := newSequence()
		for _, item := range items {
			res := evalNameLookup(item, key)
			if res == nil {
				continue
			}
			if inner, ok := isArrayValue(res); ok {
				result.Values = append(result.Values, inner...)
			} else {
				result.Append(res)
			}
		}
		return result
	}
	if v, ok := objectGet(input, key); ok {
		return v
	}
	return nil
}

// evalVariable resolves a variable reference. The empty name is the
// current input (unwrapping the synthetic outer wrapper); unknown names
// fall back to the function registry so built-ins can be passed as values.
func (e *Evaluator) evalVariable(node *types.ASTNode, input interface{}, frame *Frame) interface{} {
	name := node.StrValue
	if name == "" {
		if seq, ok := input.(*types.Sequence); ok && seq.OuterWrapper {
			if len(seq.Values) == 0 {
				return nil
			}
			return seq.Values[0]
		}
		return input
	}
	if v, ok := frame.Lookup(name); ok {
		return v
	}
	if fn, ok := e.registry.Lookup(name); ok {
		return fn
	}
	return nil
}

// evalWildcard yields the values of the input's own properties, flattening
// array values completely.
func evalWildcard(input interface{}) interface{} {
	if seq, ok := input.(*types.Sequence); ok && seq.OuterWrapper && len(seq.Values) > 0 {
		input = seq.Values[0]
	}
	result := newSequence()
	if items, ok := isArrayValue(input); ok {
		for _, item := range items {
			flattenDeep(item, &result.Values)
		}
		return result
	}
	for _, key := range objectKeys(input) {
		v, _ := objectGet(input, key)
		if _, ok := isArrayValue(v); ok {
			flattenDeep(v, &result.Values)
		} else {
			result.Append(v)
		}
	}
	return result
}

func flattenDeep(v interface{}, out *[]interface{}) {
	if items, ok := isArrayValue(v); ok {
		for _, item := range items {
			flattenDeep(item, out)
		}
		return
	}
	*out = append(*out, v)
}

// evalDescendants yields the recursive flattening of the input.
func evalDescendants(input interface{}) interface{} {
	if input == nil {
		return nil
	}
	result := newSequence()
	recurseDescendants(input, result)
	return normalizeSequence(result)
}

func recurseDescendants(input interface{}, out *types.Sequence) {
	if items, ok := isArrayValue(input); ok {
		for _, item := range items {
			recurseDescendants(item, out)
		}
		return
	}
	out.Append(input)
	if isObject(input) {
		for _, key := range objectKeys(input) {
			v, _ := objectGet(input, key)
			recurseDescendants(v, out)
		}
	}
}

// evalBlock evaluates expressions in order inside a fresh lexical scope;
// the value of the block is the last expression's value.
func (e *Evaluator) evalBlock(ctx context.Context, node *types.ASTNode, input interface{}, frame *Frame) (interface{}, error) {
	scope := NewChildFrame(frame)
	var result interface{}
	var err error
	for _, expr := range node.Expressions {
		result, err = e.evalNode(ctx, expr, input, scope)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// evalBind evaluates the right side and binds it in the current frame.
func (e *Evaluator) evalBind(ctx context.Context, node *types.ASTNode, input interface{}, frame *Frame) (interface{}, error) {
	value, err := e.evalNode(ctx, node.RHS, input, frame)
	if err != nil {
		return nil, err
	}
	frame.Bind(node.LHS.StrValue, value)
	return value, nil
}

// evalCondition implements the ternary operator with short-circuiting.
func (e *Evaluator) evalCondition(ctx context.Context, node *types.ASTNode, input interface{}, frame *Frame) (interface{}, error) {
	cond, err := e.evalNode(ctx, node.LHS, input, frame)
	if err != nil {
		return nil, err
	}
	if isTruthy(cond) {
		return e.evalNode(ctx, node.RHS, input, frame)
	}
	if len(node.Expressions) == 1 {
		return e.evalNode(ctx, node.Expressions[0], input, frame)
	}
	return nil, nil
}

// evalRegexLiteral compiles (or fetches from the shared cache) the literal
// pattern and returns its function value.
func (e *Evaluator) evalRegexLiteral(node *types.ASTNode, frame *Frame) (interface{}, error) {
	re, err := frame.RegexCache().GetOrCompile(node.StrValue)
	if err != nil {
		return nil, types.NewErrorf(types.ErrSyntaxError, node.Position,
			"invalid regular expression: %v", err).WithLine(node.Line).WithCause(err)
	}
	return &regexFn{re: re}, nil
}
