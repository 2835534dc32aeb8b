package parser

import (
	"fmt"
	"regexp"

	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// postProcessor rewrites the raw parse tree into the normalized form the
// evaluator consumes: '.' chains become flattened paths, predicates and
// order-by clauses become step stages, parent operators are resolved onto
// their ancestor steps and FLASH nodes are normalized.
//
// The pass is idempotent on an already-normalized tree; parent-slot
// resolution is a no-op when no unresolved slots remain.
type postProcessor struct {
	arena         *types.NodeArena
	ancestorLabel int
	ancestorIndex int
	ancestry      []*types.ASTNode // parent nodes in allocation order
}

func newPostProcessor(arena *types.NodeArena) *postProcessor {
	return &postProcessor{arena: arena}
}

// InstanceOf identifiers are a URL/URN, a logical id, or a name.
var (
	reInstanceURL  = regexp.MustCompile(`^(https?://|urn:).+`)
	reInstanceID   = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)
	reInstanceName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9\-._]{0,254}$`)
)

func (pp *postProcessor) process(node *types.ASTNode) (*types.ASTNode, error) {
	if node == nil {
		return nil, nil
	}

	switch node.Type {
	case types.NodeBinary:
		return pp.processBinary(node)

	case types.NodeUnary:
		return pp.processUnary(node)

	case types.NodePath:
		// Already normalized.
		return node, nil

	case types.NodeBind:
		lhs, err := pp.process(node.LHS)
		if err != nil {
			return nil, err
		}
		rhs, err := pp.process(node.RHS)
		if err != nil {
			return nil, err
		}
		node.LHS = lhs
		node.RHS = rhs
		pushAncestry(node, rhs)
		return node, nil

	case types.NodeCondition:
		lhs, err := pp.process(node.LHS)
		if err != nil {
			return nil, err
		}
		rhs, err := pp.process(node.RHS)
		if err != nil {
			return nil, err
		}
		node.LHS = lhs
		node.RHS = rhs
		pushAncestry(node, rhs)
		if len(node.Expressions) == 1 {
			els, err := pp.process(node.Expressions[0])
			if err != nil {
				return nil, err
			}
			node.Expressions[0] = els
			pushAncestry(node, els)
		}
		return node, nil

	case types.NodeCoalesce, types.NodeElvis:
		lhs, err := pp.process(node.LHS)
		if err != nil {
			return nil, err
		}
		rhs, err := pp.process(node.RHS)
		if err != nil {
			return nil, err
		}
		node.LHS = lhs
		node.RHS = rhs
		pushAncestry(node, lhs)
		pushAncestry(node, rhs)
		return node, nil

	case types.NodeBlock:
		for i, e := range node.Expressions {
			pe, err := pp.process(e)
			if err != nil {
				return nil, err
			}
			node.Expressions[i] = pe
			pushAncestry(node, pe)
		}
		return node, nil

	case types.NodeFunction, types.NodePartial:
		for i, arg := range node.Arguments {
			pa, err := pp.process(arg)
			if err != nil {
				return nil, err
			}
			node.Arguments[i] = pa
			pushAncestry(node, pa)
		}
		proc, err := pp.process(node.LHS)
		if err != nil {
			return nil, err
		}
		node.LHS = proc
		return node, nil

	case types.NodeLambda:
		body, err := pp.process(node.RHS)
		if err != nil {
			return nil, err
		}
		node.RHS = pp.tailCallOptimize(body)
		return node, nil

	case types.NodeTransform:
		lhs, err := pp.process(node.LHS)
		if err != nil {
			return nil, err
		}
		rhs, err := pp.process(node.RHS)
		if err != nil {
			return nil, err
		}
		node.LHS = lhs
		node.RHS = rhs
		if len(node.Expressions) == 1 {
			del, err := pp.process(node.Expressions[0])
			if err != nil {
				return nil, err
			}
			node.Expressions[0] = del
		}
		return node, nil

	case types.NodeParent:
		if node.Slot == nil {
			node.Slot = &types.ParentSlot{
				Label: fmt.Sprintf("!%d", pp.ancestorLabel),
				Level: 1,
				Index: pp.ancestorIndex,
			}
			pp.ancestorLabel++
			pp.ancestorIndex++
			pp.ancestry = append(pp.ancestry, node)
		}
		return node, nil

	case types.NodeFlashBlock:
		return pp.processFlashBlock(node)

	case types.NodeFlashRule:
		return pp.processFlashRule(node)

	default:
		// Literals, names, variables, wildcards, descendants, regexes.
		return node, nil
	}
}

func (pp *postProcessor) processBinary(node *types.ASTNode) (*types.ASTNode, error) {
	switch node.StrValue {
	case ".":
		return pp.processPath(node)
	case "[":
		return pp.processFilter(node)
	case "{":
		return pp.processGroup(node)
	case "^":
		return pp.processSort(node)
	case "@":
		return pp.processFocus(node, true)
	case "#":
		return pp.processFocus(node, false)
	case "~>":
		lhs, err := pp.process(node.LHS)
		if err != nil {
			return nil, err
		}
		rhs, err := pp.process(node.RHS)
		if err != nil {
			return nil, err
		}
		node.Type = types.NodeApply
		node.LHS = lhs
		node.RHS = rhs
		pushAncestry(node, lhs)
		pushAncestry(node, rhs)
		return node, nil
	default:
		lhs, err := pp.process(node.LHS)
		if err != nil {
			return nil, err
		}
		rhs, err := pp.process(node.RHS)
		if err != nil {
			return nil, err
		}
		node.LHS = lhs
		node.RHS = rhs
		pushAncestry(node, lhs)
		pushAncestry(node, rhs)
		return node, nil
	}
}

// processPath flattens a '.' chain into a path with an ordered step list.
func (pp *postProcessor) processPath(node *types.ASTNode) (*types.ASTNode, error) {
	lstep, err := pp.process(node.LHS)
	if err != nil {
		return nil, err
	}

	var result *types.ASTNode
	if lstep.Type == types.NodePath {
		result = lstep
	} else {
		result = pp.arena.Alloc(types.NodePath, lstep.Position)
		result.Line = lstep.Line
		result.Steps = []*types.ASTNode{lstep}
	}
	if lstep.Type == types.NodeParent {
		result.SeekingParent = []*types.ParentSlot{lstep.Slot}
	}

	rest, err := pp.process(node.RHS)
	if err != nil {
		return nil, err
	}

	if rest.Type == types.NodePath {
		result.Steps = append(result.Steps, rest.Steps...)
	} else {
		if rest.Predicate != nil {
			rest.Stages = rest.Predicate
			rest.Predicate = nil
		}
		result.Steps = append(result.Steps, rest)
	}

	for _, step := range result.Steps {
		switch step.Type {
		case types.NodeNumber, types.NodeValue:
			return nil, (&types.Error{
				Code:     types.ErrInvalidPathStep,
				Message:  "literal value cannot be used as a step within a path expression",
				Position: step.Position,
				Line:     step.Line,
				Value:    step.Value,
			})
		case types.NodeString:
			// String-literal steps are names.
			step.Type = types.NodeName
			step.StrValue, _ = step.Value.(string)
		}
		if step.KeepArray {
			result.KeepArray = true
		}
	}

	// Empty brackets on the whole chain preserve singletons too.
	if node.KeepArray {
		result.KeepArray = true
	}

	firststep := result.Steps[0]
	if firststep.Type == types.NodeUnary && firststep.StrValue == "[" {
		firststep.ConsArray = true
	}
	laststep := result.Steps[len(result.Steps)-1]
	if laststep.Type == types.NodeUnary && laststep.StrValue == "[" {
		laststep.ConsArray = true
	}

	if err := pp.resolveAncestry(result); err != nil {
		return nil, err
	}
	return result, nil
}

// processFilter attaches a predicate to the preceding step, or records it
// on a non-path expression.
func (pp *postProcessor) processFilter(node *types.ASTNode) (*types.ASTNode, error) {
	result, err := pp.process(node.LHS)
	if err != nil {
		return nil, err
	}

	step := result
	onPath := false
	if result.Type == types.NodePath {
		step = result.Steps[len(result.Steps)-1]
		onPath = true
	}
	if step.Group != nil {
		return nil, (&types.Error{
			Code:     types.ErrFilterAfterGroup,
			Message:  "a predicate cannot follow a grouping expression in a step",
			Position: node.Position,
			Line:     node.Line,
		})
	}

	predicate, err := pp.process(node.RHS)
	if err != nil {
		return nil, err
	}

	if predicate.SeekingParent != nil {
		for _, slot := range predicate.SeekingParent {
			if slot.Level == 1 {
				if err := pp.seekParent(step, slot); err != nil {
					return nil, err
				}
			} else {
				slot.Level--
			}
		}
		pushAncestry(step, predicate)
	}

	filter := pp.arena.Alloc(types.NodeFilter, node.Position)
	filter.Line = node.Line
	filter.RHS = predicate

	if onPath {
		step.Stages = append(step.Stages, filter)
	} else {
		step.Predicate = append(step.Predicate, filter)
	}
	return result, nil
}

// processGroup attaches a grouping expression to the preceding expression.
func (pp *postProcessor) processGroup(node *types.ASTNode) (*types.ASTNode, error) {
	result, err := pp.process(node.LHS)
	if err != nil {
		return nil, err
	}
	if result.Group != nil {
		return nil, (&types.Error{
			Code:     types.ErrGroupAfterGroup,
			Message:  "each step can only have one grouping expression",
			Position: node.Position,
			Line:     node.Line,
		})
	}
	group, err := pp.processUnary(node.RHS)
	if err != nil {
		return nil, err
	}
	result.Group = group
	return result, nil
}

// processSort appends an order-by stage to the path.
func (pp *postProcessor) processSort(node *types.ASTNode) (*types.ASTNode, error) {
	result, err := pp.process(node.LHS)
	if err != nil {
		return nil, err
	}
	if result.Type != types.NodePath {
		path := pp.arena.Alloc(types.NodePath, result.Position)
		path.Line = result.Line
		path.Steps = []*types.ASTNode{result}
		result = path
	}

	sortStep := pp.arena.Alloc(types.NodeSort, node.Position)
	sortStep.Line = node.Line
	for _, term := range node.Expressions {
		expr, err := pp.process(term.LHS)
		if err != nil {
			return nil, err
		}
		term.LHS = expr
		pushAncestry(sortStep, expr)
		sortStep.Expressions = append(sortStep.Expressions, term)
	}
	result.Steps = append(result.Steps, sortStep)
	if err := pp.resolveAncestry(result); err != nil {
		return nil, err
	}
	return result, nil
}

// processFocus handles @$var (focus) and #$var (index) bindings.
func (pp *postProcessor) processFocus(node *types.ASTNode, isFocus bool) (*types.ASTNode, error) {
	result, err := pp.process(node.LHS)
	if err != nil {
		return nil, err
	}
	step := result
	if result.Type == types.NodePath {
		step = result.Steps[len(result.Steps)-1]
	}
	if step.Type == types.NodeSort {
		return nil, (&types.Error{
			Code:     types.ErrContextAfterSort,
			Message:  "the variable cannot be bound in a step that has an order-by clause",
			Position: node.Position,
			Line:     node.Line,
		})
	}

	varName := node.RHS.StrValue
	if isFocus {
		if step.Stages != nil || step.Predicate != nil {
			return nil, (&types.Error{
				Code:     types.ErrContextAfterFilter,
				Message:  "the context variable cannot be used in a step that has a predicate",
				Position: node.Position,
				Line:     node.Line,
			})
		}
		step.FocusVar = varName
	} else {
		if step.Stages == nil {
			step.IndexVar = varName
		} else {
			idx := pp.arena.Alloc(types.NodeIndexStage, node.Position)
			idx.Line = node.Line
			idx.StrValue = varName
			step.Stages = append(step.Stages, idx)
		}
	}
	step.Tuple = true
	return result, nil
}

func (pp *postProcessor) processUnary(node *types.ASTNode) (*types.ASTNode, error) {
	switch node.StrValue {
	case "[":
		for i, e := range node.Expressions {
			pe, err := pp.process(e)
			if err != nil {
				return nil, err
			}
			node.Expressions[i] = pe
			pushAncestry(node, pe)
		}
		return node, nil
	case "{":
		for _, pair := range node.Pairs {
			k, err := pp.process(pair.LHS)
			if err != nil {
				return nil, err
			}
			v, err := pp.process(pair.RHS)
			if err != nil {
				return nil, err
			}
			pair.LHS = k
			pair.RHS = v
			pushAncestry(node, v)
		}
		return node, nil
	case "-":
		expr, err := pp.process(node.LHS)
		if err != nil {
			return nil, err
		}
		if expr.Type == types.NodeNumber {
			expr.NumValue = -expr.NumValue
			expr.Value = expr.NumValue
			return expr, nil
		}
		node.LHS = expr
		pushAncestry(node, expr)
		return node, nil
	default:
		expr, err := pp.process(node.LHS)
		if err != nil {
			return nil, err
		}
		node.LHS = expr
		return node, nil
	}
}

// processFlashBlock normalizes a flash block into a unary '[' node flagged
// IsFlashBlock, validating the InstanceOf identifier.
func (pp *postProcessor) processFlashBlock(node *types.ASTNode) (*types.ASTNode, error) {
	if !reInstanceURL.MatchString(node.InstanceOf) &&
		!reInstanceID.MatchString(node.InstanceOf) &&
		!reInstanceName.MatchString(node.InstanceOf) {
		return nil, (&types.Error{
			Code:     types.ErrMalformedTypeID,
			Message:  fmt.Sprintf("invalid type identifier in InstanceOf: declaration: %q", node.InstanceOf),
			Position: node.Position,
			Line:     node.Line,
			Value:    node.InstanceOf,
		})
	}

	node.Type = types.NodeUnary
	node.StrValue = "["
	node.IsFlashBlock = true

	if node.Instance != nil {
		inst, err := pp.process(node.Instance)
		if err != nil {
			return nil, err
		}
		node.Instance = inst
	}

	for i, e := range node.Expressions {
		pe, err := pp.process(e)
		if err != nil {
			return nil, err
		}
		node.Expressions[i] = pe
	}
	return node, nil
}

// processFlashRule normalizes a flash rule into a unary '[' node flagged
// IsFlashRule. The inline expression becomes the first sub-expression,
// marked IsInlineExpression; binds and child rules follow in source order.
func (pp *postProcessor) processFlashRule(node *types.ASTNode) (*types.ASTNode, error) {
	node.Type = types.NodeUnary
	node.StrValue = "["
	node.IsFlashRule = true

	inline := node.RHS
	node.RHS = nil

	var exprs []*types.ASTNode
	if inline != nil {
		pi, err := pp.process(inline)
		if err != nil {
			return nil, err
		}
		pi.IsInlineExpression = true
		exprs = append(exprs, pi)
	}
	for _, child := range node.Expressions {
		pc, err := pp.process(child)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, pc)
	}
	node.Expressions = exprs
	return node, nil
}

// tailCallOptimize wraps tail-position function calls in a thunk lambda so
// the evaluator can trampoline recursive lambdas without growing the stack.
func (pp *postProcessor) tailCallOptimize(expr *types.ASTNode) *types.ASTNode {
	switch {
	case expr == nil:
		return nil
	case expr.Type == types.NodeFunction && expr.Predicate == nil:
		thunk := pp.arena.Alloc(types.NodeLambda, expr.Position)
		thunk.Line = expr.Line
		thunk.Thunk = true
		thunk.RHS = expr
		return thunk
	case expr.Type == types.NodeCondition:
		expr.RHS = pp.tailCallOptimize(expr.RHS)
		if len(expr.Expressions) == 1 {
			expr.Expressions[0] = pp.tailCallOptimize(expr.Expressions[0])
		}
		return expr
	case expr.Type == types.NodeBlock:
		if n := len(expr.Expressions); n > 0 {
			expr.Expressions[n-1] = pp.tailCallOptimize(expr.Expressions[n-1])
		}
		return expr
	default:
		return expr
	}
}

// pushAncestry merges value's unresolved parent slots into result so they
// keep bubbling up to a containing path.
func pushAncestry(result, value *types.ASTNode) {
	if value == nil {
		return
	}
	if value.SeekingParent == nil && value.Type != types.NodeParent {
		return
	}
	slots := value.SeekingParent
	if value.Type == types.NodeParent {
		slots = append(slots, value.Slot)
	}
	result.SeekingParent = append(result.SeekingParent, slots...)
}

// seekParent walks backwards through a step (or containing structure)
// decrementing the slot level on name/wildcard steps and incrementing it on
// nested parents; when the level reaches zero the step records the slot.
func (pp *postProcessor) seekParent(node *types.ASTNode, slot *types.ParentSlot) error {
	switch node.Type {
	case types.NodeName, types.NodeWildcard:
		slot.Level--
		if slot.Level == 0 {
			if node.Ancestor == nil {
				node.Ancestor = slot
			} else {
				// Reuse the existing label for this step.
				pp.ancestry[slot.Index].Slot.Label = node.Ancestor.Label
				node.Ancestor = slot
			}
			node.Tuple = true
		}
	case types.NodeParent:
		slot.Level++
	case types.NodeBlock:
		if len(node.Expressions) > 0 {
			node.Tuple = true
			return pp.seekParent(node.Expressions[len(node.Expressions)-1], slot)
		}
	case types.NodePath:
		node.Tuple = true
		index := len(node.Steps) - 1
		if err := pp.seekParent(node.Steps[index], slot); err != nil {
			return err
		}
		index--
		for slot.Level > 0 && index >= 0 {
			if err := pp.seekParent(node.Steps[index], slot); err != nil {
				return err
			}
			index--
		}
	default:
		return &types.Error{
			Code:     types.ErrInvalidParentUse,
			Message:  "the parent operator cannot be used here",
			Position: node.Position,
			Line:     node.Line,
			Token:    string(node.Type),
		}
	}
	return nil
}

// resolveAncestry binds every slot seeking a parent from the last step of
// path onto the step it refers to; slots that cannot be satisfied inside
// this path continue to seek from the path itself.
func (pp *postProcessor) resolveAncestry(path *types.ASTNode) error {
	laststep := path.Steps[len(path.Steps)-1]
	slots := laststep.SeekingParent
	if laststep.Type == types.NodeParent {
		slots = append(slots, laststep.Slot)
	}
	for _, slot := range slots {
		index := len(path.Steps) - 2
		for slot.Level > 0 {
			if index < 0 {
				path.SeekingParent = append(path.SeekingParent, slot)
				break
			}
			step := path.Steps[index]
			index--
			// Contiguous steps that bind the same focus share a parent.
			for index >= 0 && step.FocusVar != "" && path.Steps[index].FocusVar != "" {
				step = path.Steps[index]
				index--
			}
			if err := pp.seekParent(step, slot); err != nil {
				return err
			}
		}
	}
	return nil
}
