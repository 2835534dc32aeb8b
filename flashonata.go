// Package flashonata compiles and evaluates expressions in a JSON
// query-and-transformation language extended with FLASH, an
// indentation-sensitive sublanguage for producing healthcare resources
// whose shape is governed by externally supplied structure definitions.
//
// # Quick start
//
//	expr, err := flashonata.Compile(`"hello " & $name`)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := expr.Evaluate(ctx, nil, map[string]interface{}{"name": "world"})
//
// FLASH expressions additionally need a structure navigator at compile
// time:
//
//	expr, err := flashonata.Compile(src, flashonata.WithNavigator(nav))
//
// A compiled Expression is safe for concurrent evaluation; per-invocation
// state lives in the frame tree created by each Evaluate call.
package flashonata

import (
	"context"
	"fmt"

	"github.com/mechanik-daniel/flashonata/pkg/cache"
	"github.com/mechanik-daniel/flashonata/pkg/evaluator"
	"github.com/mechanik-daniel/flashonata/pkg/parser"
	"github.com/mechanik-daniel/flashonata/pkg/resolver"
	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// Reserved binding names: Assign with one of these installs a system hook
// instead of a user variable.
const (
	EvaluateEntryHook = "__evaluate_entry"
	EvaluateExitHook  = "__evaluate_exit"
)

// CompileOption configures compilation.
type CompileOption func(*compileConfig)

type compileConfig struct {
	recover     bool
	navigator   resolver.Navigator
	regexEngine types.RegexEngine
	maxDepth    int
	cache       *cache.Cache
	evalOpts    []evaluator.EvalOption
}

// WithRecovery accumulates lexical/syntactic errors on the expression
// instead of failing Compile; Evaluate then refuses with S0500.
func WithRecovery(enable bool) CompileOption {
	return func(c *compileConfig) { c.recover = enable }
}

// WithNavigator supplies the structure navigator used to resolve FLASH
// references. Compiling FLASH without one fails F1000.
func WithNavigator(nav resolver.Navigator) CompileOption {
	return func(c *compileConfig) { c.navigator = nav }
}

// WithRegexEngine replaces the host-default regular expression engine.
func WithRegexEngine(engine types.RegexEngine) CompileOption {
	return func(c *compileConfig) { c.regexEngine = engine }
}

// WithMaxDepth bounds parser and evaluator recursion.
func WithMaxDepth(depth int) CompileOption {
	return func(c *compileConfig) { c.maxDepth = depth }
}

// WithEvalOptions passes additional options to the evaluator (timeout,
// logger, concurrency, custom registry).
func WithEvalOptions(opts ...evaluator.EvalOption) CompileOption {
	return func(c *compileConfig) { c.evalOpts = append(c.evalOpts, opts...) }
}

// WithCache reuses parsed expressions from an LRU cache keyed by source
// text. Only plain (non-recovery) compiles are cached.
func WithCache(c *cache.Cache) CompileOption {
	return func(cfg *compileConfig) { cfg.cache = c }
}

// Expression is a compiled expression bound to its resolved
// structure-model dictionaries, root frame and function registry.
type Expression struct {
	parsed   *types.Expression
	eval     *evaluator.Evaluator
	root     *evaluator.Frame
	registry *evaluator.Registry
	defs     *resolver.Definitions
	errors   []error
}

// Compile parses, post-processes and (for FLASH expressions) resolves the
// source into an evaluable Expression.
func Compile(source string, opts ...CompileOption) (*Expression, error) {
	cfg := compileConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	parserOpts := []parser.CompileOption{parser.WithRecovery(cfg.recover)}
	if cfg.maxDepth > 0 {
		parserOpts = append(parserOpts, parser.WithMaxDepth(cfg.maxDepth))
	}
	var parsed *types.Expression
	var err error
	if cfg.cache != nil && !cfg.recover {
		parsed, err = cfg.cache.GetOrCompile(source, func() (*types.Expression, error) {
			return parser.Parse(source, parserOpts...)
		})
	} else {
		parsed, err = parser.Parse(source, parserOpts...)
	}
	if err != nil {
		return nil, err
	}

	var defs *resolver.Definitions
	var resolveErrs []error
	if parsed.ContainsFlash() && len(parsed.Errors()) == 0 {
		if cfg.navigator == nil {
			ferr := types.NewError(types.ErrFlashNoNavigator, parsed.AST().Position)
			if !cfg.recover {
				return nil, ferr
			}
			resolveErrs = append(resolveErrs, ferr)
		} else {
			defs, resolveErrs = resolver.Resolve(context.Background(), parsed.AST(), cfg.navigator, cfg.recover)
			if !cfg.recover && len(resolveErrs) > 0 {
				return nil, resolveErrs[0]
			}
		}
	}

	registry := evaluator.DefaultRegistry()
	evalOpts := append([]evaluator.EvalOption{evaluator.WithRegistry(registry)}, cfg.evalOpts...)
	if cfg.maxDepth > 0 {
		evalOpts = append(evalOpts, evaluator.WithMaxDepth(cfg.maxDepth))
	}

	root := evaluator.NewRootFrame(defs, cache.NewRegexCache(cfg.regexEngine))

	return &Expression{
		parsed:   parsed,
		eval:     evaluator.New(evalOpts...),
		root:     root,
		registry: registry,
		defs:     defs,
		errors:   resolveErrs,
	}, nil
}

// MustCompile is like Compile but panics on error. It simplifies safe
// initialization of package-level expressions.
func MustCompile(source string, opts ...CompileOption) *Expression {
	expr, err := Compile(source, opts...)
	if err != nil {
		panic(fmt.Sprintf("flashonata: Compile(%q): %v", source, err))
	}
	return expr
}

// Evaluate runs the expression against input with optional extra
// bindings. An expression compiled in recovery mode with lexical or
// syntactic errors refuses to run with S0500; resolution errors collected
// in recovery mode do not stop evaluation.
func (e *Expression) Evaluate(ctx context.Context, input interface{}, bindings map[string]interface{}) (interface{}, error) {
	return e.eval.Eval(ctx, e.parsed, input, bindings, e.root)
}

// Assign binds a name in the root frame. Names starting with the reserved
// sentinel install system hooks: EvaluateEntryHook and EvaluateExitHook
// accept an evaluator.HookFn.
func (e *Expression) Assign(name string, value interface{}) {
	switch name {
	case EvaluateEntryHook:
		if hook, ok := value.(evaluator.HookFn); ok {
			e.root.SetHooks(hook, nil)
		}
	case EvaluateExitHook:
		if hook, ok := value.(evaluator.HookFn); ok {
			e.root.SetHooks(nil, hook)
		}
	default:
		e.root.Bind(name, value)
	}
}

// RegisterFunction installs a native function callable as $name. The
// signature follows the <params:return> grammar and may be empty to skip
// validation.
func (e *Expression) RegisterFunction(name, signature string, impl evaluator.GoCallable) error {
	return e.registry.Register(name, signature, impl)
}

// AST returns the normalized abstract syntax tree.
func (e *Expression) AST() *types.ASTNode {
	return e.parsed.AST()
}

// Errors returns parse errors accumulated in recovery mode plus any
// structure-resolution errors.
func (e *Expression) Errors() []error {
	return append(append([]error(nil), e.parsed.Errors()...), e.errors...)
}

// Source returns the expression source text.
func (e *Expression) Source() string {
	return e.parsed.Source()
}

// String implements fmt.Stringer.
func (e *Expression) String() string {
	return e.parsed.Source()
}
