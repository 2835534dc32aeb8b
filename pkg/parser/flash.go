package parser

import (
	"fmt"

	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// FLASH grammar.
//
// A flash block is opened by an InstanceOf: header, optionally preceded by
// an Instance: header carrying the resource id expression. The block's
// rules live at a deeper indentation and take one of two forms:
//
//	* <path> [= <expr>]
//	$var := <expr>
//
// Rule paths are dotted chains of element names with optional [slice]
// qualifiers; a multi-step path is rewritten into nested single-step rules
// and a parenthesized context prefix becomes a '.' binary with the rule on
// the right.

// flashError creates a FLASH diagnostic at the given token.
func (p *Parser) flashError(code types.ErrorCode, at Token, message string) error {
	err := &types.Error{
		Code:     code,
		Message:  message,
		Position: at.Position,
		Line:     at.Line,
		Token:    at.Value,
	}
	p.errors = append(p.errors, err)
	return err
}

// parseFlashHeader handles a blockindent token: the following token must
// open an Instance: or InstanceOf: header.
func (p *Parser) parseFlashHeader() (*types.ASTNode, error) {
	indent := p.current.Indent
	p.advance() // consume the blockindent token

	switch p.current.Type {
	case TokenInstance:
		return p.parseInstance(indent)
	case TokenInstanceOf:
		return p.parseInstanceOfBlock(indent)
	default:
		return nil, p.flashError(types.ErrFlashBadHeader, p.current, "expected Instance: or InstanceOf: declaration")
	}
}

// parseInstance parses an Instance: header and the InstanceOf: block that
// must follow it on a later line at the same indentation.
func (p *Parser) parseInstance(indent int) (*types.ASTNode, error) {
	instToken := p.current
	p.advance() // skip 'Instance:'

	if p.current.Type == TokenInstanceOf && p.current.Line == instToken.Line {
		return nil, p.flashError(types.ErrInstanceSameLine, p.current, "Instance: and InstanceOf: must be declared on separate lines")
	}
	if p.current.Type == TokenInstanceOf || p.current.Type == TokenBlockIndent || p.current.Type == TokenEOF {
		return nil, p.flashError(types.ErrInstanceWithoutOf, instToken, "Instance: declaration is missing its id expression")
	}

	idExpr, err := p.parseExpression(0)
	if err != nil {
		return nil, err
	}

	if p.current.Type == TokenBlockIndent {
		p.advance()
	}
	if p.current.Type != TokenInstanceOf {
		return nil, p.flashError(types.ErrInstanceWithoutOf, p.current, "Instance: declaration must be followed by InstanceOf:")
	}
	if p.current.Line == instToken.Line {
		return nil, p.flashError(types.ErrInstanceSameLine, p.current, "Instance: and InstanceOf: must be declared on separate lines")
	}
	if p.current.Indent != indent {
		return nil, p.flashError(types.ErrInstanceIndent, p.current, "InstanceOf: must be declared at the same indentation as Instance:")
	}

	block, err := p.parseInstanceOfBlock(p.current.Indent)
	if err != nil {
		return nil, err
	}
	block.Instance = idExpr
	return block, nil
}

// parseInstanceOfBlock parses an InstanceOf: header and collects its rules.
func (p *Parser) parseInstanceOfBlock(indent int) (*types.ASTNode, error) {
	tok := p.current
	p.containsFlash = true
	p.advance() // skip the instanceof token

	if tok.Value == "" {
		return nil, p.flashError(types.ErrEmptyInstanceOf, tok, "InstanceOf: declaration is missing a type identifier")
	}

	node := p.node(types.NodeFlashBlock, tok)
	node.InstanceOf = tok.Value
	node.Indent = indent

	rules, err := p.collectRules(indent, indent)
	if err != nil {
		return nil, err
	}
	node.Expressions = rules

	assignFlashPaths(rules, tok.Value, "")

	// A rule line that no block can claim has dedented below the root.
	if p.ruleDepth == 0 && p.current.Type == TokenIndent {
		return nil, p.flashError(types.ErrIndentBelowRoot, p.current, "rule is indented below the flash block root")
	}

	return node, nil
}

// collectRules gathers the rules of one indentation level. Top-level rules
// sit at the block root's own indentation; nested rules two deeper per
// level. Collection terminates on a dedent; indentation below the block
// root is the caller's concern. Indentation must advance in even steps
// from the root.
func (p *Parser) collectRules(level, root int) ([]*types.ASTNode, error) {
	p.ruleDepth++
	defer func() { p.ruleDepth-- }()

	var rules []*types.ASTNode

	for p.current.Type == TokenIndent {
		n := p.current.Indent
		if n < root {
			break
		}
		if (n-root)%2 != 0 {
			return nil, p.flashError(types.ErrOddIndent, p.current, "flash rules must be indented in steps of two")
		}
		if n < level {
			// Dedent to an ancestor level; an outer collector owns it.
			break
		}
		if n > level {
			return nil, p.flashError(types.ErrIndentAboveLevel, p.current, fmt.Sprintf("rule is indented %d deeper than its parent allows", n-level))
		}

		p.advance() // consume the indent token

		switch p.current.Type {
		case TokenFlashRule:
			rule, err := p.parseFlashRule(level, root)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
		case TokenVariable:
			v, err := p.parsePrefix()
			if err != nil {
				return nil, err
			}
			if p.current.Type != TokenAssign {
				return nil, p.flashError(types.ErrFlashBadRule, p.current, "expected := after variable in flash block")
			}
			bind, err := p.parseAssignment(v)
			if err != nil {
				return nil, err
			}
			rules = append(rules, bind)
			if p.current.Type == TokenIndent && p.current.Indent > level {
				return nil, p.flashError(types.ErrRuleBelowBind, p.current, "a rule cannot be nested under a variable binding")
			}
		default:
			return nil, p.flashError(types.ErrFlashBadRule, p.current, fmt.Sprintf("unexpected %s in flash block", p.current.Type.String()))
		}
	}

	return rules, nil
}

// parseFlashRule parses one `* <path> [= <expr>]` rule plus any nested
// child rules at a deeper indentation.
func (p *Parser) parseFlashRule(level, root int) (*types.ASTNode, error) {
	star := p.current
	p.advance() // skip '*'

	switch {
	case p.current.Type == TokenEOF || p.current.Type == TokenIndent ||
		p.current.Type == TokenBlockIndent || p.current.Line != star.Line:
		return nil, p.flashError(types.ErrEmptyRule, star, "flash rule is empty")
	case p.current.Type == TokenMult || p.current.Type == TokenFlashRule || p.current.Type == TokenDescendent:
		return nil, p.flashError(types.ErrWildcardRule, p.current, "'*' is not a valid element path")
	case p.current.Type == TokenVariable:
		return nil, p.flashError(types.ErrVariableAfterRule, p.current, "a variable cannot follow '*' in a flash rule")
	}

	// Context prefix: * (ctx).path = expr
	var ctxExpr *types.ASTNode
	if p.current.Type == TokenParenOpen {
		p.advance()
		var err error
		ctxExpr, err = p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if err := p.expect(TokenParenClose); err != nil {
			return nil, err
		}
		if p.current.Type != TokenDot {
			return nil, p.flashError(types.ErrInvalidFlashPath, p.current, "expected '.' after rule context")
		}
		p.advance()
	}

	segs, err := p.parseFlashPath(star)
	if err != nil {
		return nil, err
	}

	if p.current.Type == TokenAssign {
		return nil, p.flashError(types.ErrAssignIntoPath, p.current, "cannot assign a variable into an element path")
	}

	var inline *types.ASTNode
	if p.current.Type == TokenEqual {
		eqTok := p.current
		p.advance()
		if p.current.Type == TokenEOF || p.current.Type == TokenIndent ||
			p.current.Type == TokenBlockIndent || p.current.Line != eqTok.Line {
			return nil, p.flashError(types.ErrFlashMissingInline, eqTok, "expected an expression after '='")
		}
		inline, err = p.parseExpression(0)
		if err != nil {
			return nil, err
		}
	}

	var children []*types.ASTNode
	if p.current.Type == TokenIndent && p.current.Indent > level {
		children, err = p.collectRules(level+2, root)
		if err != nil {
			return nil, err
		}
	}

	// A multi-step path is rewritten into nested single-step rules with the
	// inline expression and children on the innermost step.
	var rule *types.ASTNode
	for i := len(segs) - 1; i >= 0; i-- {
		r := p.node(types.NodeFlashRule, star)
		r.StrValue = segs[i]
		r.FlashSteps = []string{segs[i]}
		if rule == nil {
			r.RHS = inline
			r.Expressions = children
		} else {
			r.Expressions = []*types.ASTNode{rule}
		}
		rule = r
	}

	if ctxExpr != nil {
		dot := p.node(types.NodeBinary, star)
		dot.StrValue = "."
		dot.Value = "."
		dot.LHS = ctxExpr
		dot.RHS = rule
		return dot, nil
	}
	return rule, nil
}

// parseFlashPath reads the dotted element path of a rule, returning its
// segments. Each segment is a step name with zero or more [slice] parts,
// e.g. "name" or "identifier[il-id]".
func (p *Parser) parseFlashPath(star Token) ([]string, error) {
	var segs []string
	for {
		if !isFlashNameToken(p.current.Type) {
			return nil, p.flashError(types.ErrInvalidFlashPath, p.current, fmt.Sprintf("unexpected %s in element path", p.current.Type.String()))
		}
		seg := p.current.Value
		p.advance()

		for p.current.Type == TokenBracketOpen {
			p.advance()
			slice := ""
			for p.current.Type != TokenBracketClose {
				if p.current.Type == TokenEOF || p.current.Line != star.Line {
					return nil, p.flashError(types.ErrInvalidFlashPath, p.current, "unterminated slice qualifier in element path")
				}
				slice += p.current.Value
				p.advance()
			}
			p.advance() // skip ']'
			if slice == "" {
				return nil, p.flashError(types.ErrInvalidFlashPath, p.current, "empty slice qualifier in element path")
			}
			seg += "[" + slice + "]"
		}
		segs = append(segs, seg)

		if p.current.Type == TokenDot {
			p.advance()
			continue
		}
		break
	}
	return segs, nil
}

// isFlashNameToken reports whether a token can start a flash path step.
// Keywords double as element names.
func isFlashNameToken(tt TokenType) bool {
	switch tt {
	case TokenName, TokenNameEsc, TokenAnd, TokenOr, TokenIn, TokenBoolean, TokenNull:
		return true
	default:
		return false
	}
}

// assignFlashPaths propagates the owning type id and full flash path onto
// every rule node below a block, composing the reference keys the resolver
// and evaluator share.
func assignFlashPaths(exprs []*types.ASTNode, instanceOf, parentPath string) {
	for _, e := range exprs {
		switch {
		case e == nil:
			continue
		case e.Type == types.NodeFlashRule:
			full := e.StrValue
			if parentPath != "" {
				full = parentPath + "." + e.StrValue
			}
			e.InstanceOf = instanceOf
			e.FullFlashPath = full
			e.FlashPathRefKey = instanceOf + "::" + full
			assignFlashPaths(e.Expressions, instanceOf, full)
		case e.Type == types.NodeBinary && e.StrValue == "." && e.RHS != nil && e.RHS.Type == types.NodeFlashRule:
			// Contextualized rule: the rule sits to the right of its context.
			assignFlashPaths([]*types.ASTNode{e.RHS}, instanceOf, parentPath)
		}
	}
}
