package evaluator

import (
	"context"

	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// GoCallable is the implementation signature of a host-registered or
// built-in function.
type GoCallable func(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error)

// Lambda is a user-defined function value: parameters, a body and the
// frame it closed over. A thunk lambda defers a tail call for the
// trampoline.
type Lambda struct {
	Params    []string
	Body      *types.ASTNode
	Env       *Frame
	Input     interface{}
	Thunk     bool
	Signature *Signature
}

// NativeFn is a function implemented in Go: a built-in, a host-registered
// function, a partial application or a transform.
type NativeFn struct {
	Name      string
	Signature *Signature
	Fn        GoCallable
}

// regexFn is the function value of a regex literal: applied to a string it
// returns the first match object.
type regexFn struct {
	re types.Regex
}

// evalLambdaDefinition creates the function value of a lambda node,
// closing over the current frame and input.
func (e *Evaluator) evalLambdaDefinition(node *types.ASTNode, input interface{}, frame *Frame) (interface{}, error) {
	params := make([]string, len(node.Arguments))
	for i, p := range node.Arguments {
		params[i] = p.StrValue
	}
	var sig *Signature
	if node.Signature != "" {
		parsed, err := ParseSignature(node.Signature)
		if err != nil {
			return nil, fillNodePosition(err, node)
		}
		sig = parsed
	}
	return &Lambda{
		Params:    params,
		Body:      node.RHS,
		Env:       frame,
		Input:     input,
		Thunk:     node.Thunk,
		Signature: sig,
	}, nil
}

// evalFunctionCall evaluates the callee and arguments and applies the
// function through the trampoline. applyTo, when non-nil, is injected as
// the leading argument (the ~> chaining form).
func (e *Evaluator) evalFunctionCall(ctx context.Context, node *types.ASTNode, input interface{}, frame *Frame, applyTo *interface{}) (interface{}, error) {
	proc, err := e.evalNode(ctx, node.LHS, input, frame)
	if err != nil {
		return nil, err
	}

	if proc == nil && node.LHS != nil {
		// Distinguish "forgot the $" from a genuinely unknown function.
		if head := headName(node.LHS); head != "" {
			if _, ok := frame.Lookup(head); ok {
				return nil, types.NewErrorf(types.ErrMissingDollar, node.Position,
					"attempted to invoke a non-function; did you mean $%s?", head).
					WithLine(node.Line).WithToken(head)
			}
			if _, ok := e.registry.Lookup(head); ok {
				return nil, types.NewErrorf(types.ErrMissingDollar, node.Position,
					"attempted to invoke a non-function; did you mean $%s?", head).
					WithLine(node.Line).WithToken(head)
			}
		}
	}

	args := make([]interface{}, 0, len(node.Arguments)+1)
	if applyTo != nil {
		args = append(args, *applyTo)
	}
	for _, argNode := range node.Arguments {
		arg, err := e.evalNode(ctx, argNode, input, frame)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}

	result, err := e.apply(ctx, proc, args, input, frame)
	if err != nil {
		return nil, fillNodePosition(err, node)
	}
	return result, nil
}

// headName returns the leading name of a callee expression, if any.
func headName(node *types.ASTNode) string {
	switch node.Type {
	case types.NodeName:
		return node.StrValue
	case types.NodePath:
		if len(node.Steps) > 0 && node.Steps[0].Type == types.NodeName {
			return node.Steps[0].StrValue
		}
	}
	return ""
}

// apply invokes proc with args, expanding tail-call thunks iteratively
// until a non-thunk result is produced.
func (e *Evaluator) apply(ctx context.Context, proc interface{}, args []interface{}, input interface{}, frame *Frame) (interface{}, error) {
	result, err := e.applyInner(ctx, proc, args, input, frame)
	if err != nil {
		return nil, err
	}
	for {
		lambda, ok := result.(*Lambda)
		if !ok || !lambda.Thunk {
			return result, nil
		}
		// The thunk body is the deferred call: evaluate its callee and
		// arguments in the thunk's environment, then re-apply.
		call := lambda.Body
		next, err := e.evalNode(ctx, call.LHS, lambda.Input, lambda.Env)
		if err != nil {
			return nil, err
		}
		evaluated := make([]interface{}, len(call.Arguments))
		for i, argNode := range call.Arguments {
			evaluated[i], err = e.evalNode(ctx, argNode, lambda.Input, lambda.Env)
			if err != nil {
				return nil, err
			}
		}
		result, err = e.applyInner(ctx, next, evaluated, lambda.Input, lambda.Env)
		if err != nil {
			return nil, err
		}
	}
}

// applyInner applies a callable once, running its signature validator
// first.
func (e *Evaluator) applyInner(ctx context.Context, proc interface{}, args []interface{}, input interface{}, frame *Frame) (interface{}, error) {
	switch fn := proc.(type) {
	case *Lambda:
		if fn.Signature != nil {
			coerced, err := fn.Signature.Validate(args, input)
			if err != nil {
				return nil, err
			}
			args = coerced
		}
		return e.callLambda(ctx, fn, args)

	case *NativeFn:
		if fn.Signature != nil {
			coerced, err := fn.Signature.Validate(args, input)
			if err != nil {
				return nil, err
			}
			args = coerced
		}
		return fn.Fn(ctx, e, frame, input, args)

	case *regexFn:
		var s string
		if len(args) > 0 {
			if str, ok := args[0].(string); ok {
				s = str
			} else {
				return nil, nil
			}
		}
		return regexMatchValue(fn.re, s, 0)

	default:
		return nil, types.NewError(types.ErrInvokeNonFunction, 0).WithValue(proc)
	}
}

// lambdaDepthKey carries the lambda application depth through the context
// so recursion can be bounded without shared mutable state.
type lambdaDepthKey struct{}

// callLambda applies a user lambda: a fresh child frame of the closure
// environment binds the parameters.
func (e *Evaluator) callLambda(ctx context.Context, lambda *Lambda, args []interface{}) (interface{}, error) {
	depth, _ := ctx.Value(lambdaDepthKey{}).(int)
	if e.opts.MaxDepth > 0 && depth >= e.opts.MaxDepth {
		return nil, types.NewErrorf(types.ErrHostAborted, lambda.Body.Position,
			"recursion depth limit of %d exceeded", e.opts.MaxDepth).WithLine(lambda.Body.Line)
	}
	ctx = context.WithValue(ctx, lambdaDepthKey{}, depth+1)

	env := NewChildFrame(lambda.Env)
	for i, param := range lambda.Params {
		if i < len(args) {
			env.Bind(param, args[i])
		} else {
			env.Bind(param, nil)
		}
	}

	return e.evalNode(ctx, lambda.Body, lambda.Input, env)
}

// evalPartial evaluates a partial application: placeholder arguments turn
// the call into a new function over the unbound parameters.
func (e *Evaluator) evalPartial(ctx context.Context, node *types.ASTNode, input interface{}, frame *Frame) (interface{}, error) {
	proc, err := e.evalNode(ctx, node.LHS, input, frame)
	if err != nil {
		return nil, err
	}
	if !isCallable(proc) {
		return nil, types.NewError(types.ErrInvokeNonFunction, node.Position).WithLine(node.Line)
	}

	fixed := make([]interface{}, len(node.Arguments))
	placeholders := make([]bool, len(node.Arguments))
	for i, argNode := range node.Arguments {
		if argNode.Type == types.NodeVariable && argNode.StrValue == "?" {
			placeholders[i] = true
			continue
		}
		fixed[i], err = e.evalNode(ctx, argNode, input, frame)
		if err != nil {
			return nil, err
		}
	}

	return &NativeFn{
		Name: "partial",
		Fn: func(ctx context.Context, ev *Evaluator, f *Frame, in interface{}, supplied []interface{}) (interface{}, error) {
			merged := make([]interface{}, len(fixed))
			next := 0
			for i := range fixed {
				if placeholders[i] {
					if next < len(supplied) {
						merged[i] = supplied[next]
						next++
					}
				} else {
					merged[i] = fixed[i]
				}
			}
			return ev.apply(ctx, proc, merged, in, f)
		},
	}, nil
}

// evalApply implements the ~> operator: function application / chaining.
func (e *Evaluator) evalApply(ctx context.Context, node *types.ASTNode, input interface{}, frame *Frame) (interface{}, error) {
	lhs, err := e.evalNode(ctx, node.LHS, input, frame)
	if err != nil {
		return nil, err
	}

	if node.RHS.Type == types.NodeFunction || node.RHS.Type == types.NodePartial {
		// foo ~> $f(args): lhs is injected as the first argument.
		return e.evalFunctionCall(ctx, node.RHS, input, frame, &lhs)
	}

	fn, err := e.evalNode(ctx, node.RHS, input, frame)
	if err != nil {
		return nil, err
	}
	if !isCallable(fn) {
		return nil, types.NewError(types.ErrApplyNonFunction, node.RHS.Position).WithLine(node.RHS.Line)
	}

	if isCallable(lhs) {
		// Function composition: (f ~> g)(x) = g(f(x)).
		left, right := lhs, fn
		return &NativeFn{
			Name: "composition",
			Fn: func(ctx context.Context, ev *Evaluator, f *Frame, in interface{}, args []interface{}) (interface{}, error) {
				mid, err := ev.apply(ctx, left, args, in, f)
				if err != nil {
					return nil, err
				}
				return ev.apply(ctx, right, []interface{}{mid}, in, f)
			},
		}, nil
	}

	return e.apply(ctx, fn, []interface{}{lhs}, input, frame)
}

// regexMatchValue builds the match object for a regex applied to a string:
// {match, index, groups} plus a next() closure. A zero-width match that
// cannot advance fails D1004 when next is called.
func regexMatchValue(re types.Regex, s string, start int) (interface{}, error) {
	m := re.Exec(s, start)
	if m == nil {
		return nil, nil
	}
	return buildMatchObject(m), nil
}

func buildMatchObject(m *types.RegexMatch) *types.OrderedMap {
	obj := types.NewOrderedMap()
	obj.Set("match", m.Match)
	obj.Set("index", float64(m.Start))
	obj.Set("start", float64(m.Start))
	obj.Set("end", float64(m.End))
	groups := make([]interface{}, len(m.Groups))
	for i, g := range m.Groups {
		groups[i] = g
	}
	obj.Set("groups", groups)
	obj.Set("next", &NativeFn{
		Name: "next",
		Fn: func(ctx context.Context, e *Evaluator, f *Frame, in interface{}, args []interface{}) (interface{}, error) {
			nm, err := m.Next()
			if err != nil {
				return nil, err
			}
			if nm == nil {
				return nil, nil
			}
			return buildMatchObject(nm), nil
		},
	})
	return obj
}
