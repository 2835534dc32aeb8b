// Package parser implements the compiler front end: a position-tracking
// lexer, a Pratt (top-down operator precedence) parser that also recognizes
// the indentation-sensitive FLASH sublanguage, and the AST post-processor
// that produces the normalized tree consumed by the evaluator.
//
// # Architecture
//
//   - Lexer: tokenizes the input, including FLASH indentation tokens
//   - Parser: builds a raw AST from tokens
//   - Post-processor: flattens paths, attaches stages, resolves parent
//     slots, rewrites tail calls and normalizes FLASH nodes
//
// # Example
//
//	expr, err := parser.Parse("Account[balance < 0].owner")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ast := expr.AST()
package parser

import (
	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// Parse parses an expression and returns it in normalized form.
func Parse(source string, opts ...CompileOption) (*types.Expression, error) {
	p := NewParser(source, opts...)
	return p.Parse()
}

// Compile is an alias for Parse, provided for API consistency.
func Compile(source string, opts ...CompileOption) (*types.Expression, error) {
	return Parse(source, opts...)
}

// CompileOption configures parsing behavior.
type CompileOption func(*CompileOptions)

// CompileOptions holds parser configuration.
type CompileOptions struct {
	// Recover accumulates syntax errors on the expression instead of
	// failing the compile; evaluation of such an expression is refused
	// with S0500.
	Recover bool
	// MaxDepth limits recursion depth to prevent stack overflow.
	MaxDepth int
}

// WithRecovery enables error recovery mode.
func WithRecovery(enable bool) CompileOption {
	return func(opts *CompileOptions) {
		opts.Recover = enable
	}
}

// WithMaxDepth sets the maximum parsing depth.
func WithMaxDepth(depth int) CompileOption {
	return func(opts *CompileOptions) {
		opts.MaxDepth = depth
	}
}
