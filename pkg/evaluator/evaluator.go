// Package evaluator implements the tree-walking interpreter: the core
// expression semantics (paths, operators, functions, sorts, grouping,
// transforms) and the FLASH composition engine that builds typed resources
// from the resolved structure model.
package evaluator

import (
	"context"
	"log/slog"
	"time"

	"github.com/mechanik-daniel/flashonata/pkg/cache"
	"github.com/mechanik-daniel/flashonata/pkg/resolver"
	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// Evaluator evaluates normalized expressions against data.
//
// An Evaluator is safe for concurrent use; all evaluation state lives in
// the frame tree created per invocation.
type Evaluator struct {
	opts     EvalOptions
	logger   *slog.Logger
	registry *Registry
}

// EvalOptions configures evaluator behavior.
type EvalOptions struct {
	// MaxDepth limits recursion depth (lambda application nesting).
	MaxDepth int
	// Timeout bounds each evaluation.
	Timeout time.Duration
	// Concurrency enables parallel evaluation of constructor items.
	Concurrency bool
	// Debug enables debug logging.
	Debug bool
	// Logger receives structured logs.
	Logger *slog.Logger
	// Registry supplies the installed functions. Nil uses a fresh default
	// registry.
	Registry *Registry
}

// EvalOption configures evaluation behavior.
type EvalOption func(*EvalOptions)

// WithMaxDepth sets the maximum recursion depth.
func WithMaxDepth(depth int) EvalOption {
	return func(o *EvalOptions) { o.MaxDepth = depth }
}

// WithTimeout sets the evaluation timeout.
func WithTimeout(t time.Duration) EvalOption {
	return func(o *EvalOptions) { o.Timeout = t }
}

// WithConcurrency enables or disables parallel constructor evaluation.
func WithConcurrency(enabled bool) EvalOption {
	return func(o *EvalOptions) { o.Concurrency = enabled }
}

// WithDebug enables or disables debug logging.
func WithDebug(enabled bool) EvalOption {
	return func(o *EvalOptions) { o.Debug = enabled }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) EvalOption {
	return func(o *EvalOptions) { o.Logger = logger }
}

// WithRegistry attaches a function registry.
func WithRegistry(r *Registry) EvalOption {
	return func(o *EvalOptions) { o.Registry = r }
}

// New creates a new Evaluator.
func New(opts ...EvalOption) *Evaluator {
	options := EvalOptions{
		MaxDepth: 500,
		Timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	reg := options.Registry
	if reg == nil {
		reg = DefaultRegistry()
	}
	return &Evaluator{
		opts:     options,
		logger:   options.Logger,
		registry: reg,
	}
}

// Registry returns the function registry in use.
func (e *Evaluator) Registry() *Registry {
	return e.registry
}

// Eval evaluates an expression against input, with optional extra bindings
// applied to a child of root. root may be prepared by the caller (hooks,
// resolved definitions, assigned names); a nil root gets a fresh frame.
func (e *Evaluator) Eval(ctx context.Context, expr *types.Expression, input interface{}, bindings map[string]interface{}, root *Frame) (interface{}, error) {
	if expr == nil || expr.AST() == nil {
		return nil, types.NewError(types.ErrRecoveredErrors, 0)
	}
	if len(expr.Errors()) > 0 {
		return nil, types.NewError(types.ErrRecoveredErrors, 0)
	}

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	if root == nil {
		root = NewRootFrame(nil, cache.NewRegexCache(nil))
	}
	root.root.timestamp = time.Now()

	frame := NewChildFrame(root)
	for k, v := range bindings {
		frame.Bind(k, v)
	}

	// An array input is wrapped as a singleton sequence so the
	// current-context variable can return the whole array rather than
	// mapping over it.
	if _, ok := isArrayValue(input); ok && !isSequence(input) {
		wrapped := newSequence(input)
		wrapped.OuterWrapper = true
		input = wrapped
	}
	frame.Bind("$", input)

	if e.opts.Debug {
		e.logger.Debug("evaluate", "source", expr.Source())
	}

	result, err := e.evalNode(ctx, expr.AST(), input, frame)
	if err != nil {
		return nil, err
	}
	return materialize(result), nil
}

// EvalBound attaches resolved structure-model definitions and evaluates.
// Convenience for callers that do not manage a root frame themselves.
func (e *Evaluator) EvalBound(ctx context.Context, expr *types.Expression, input interface{}, defs *resolver.Definitions) (interface{}, error) {
	root := NewRootFrame(defs, cache.NewRegexCache(nil))
	return e.Eval(ctx, expr, input, nil, root)
}
