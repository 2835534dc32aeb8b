package evaluator

import (
	"context"
	"strings"

	"github.com/mechanik-daniel/flashonata/pkg/resolver"
	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// flashRuleResult is the value a flash rule yields to its enclosing block
// or rule: the grouping key it lands under, the composed value, and the
// element kind that drove the composition.
type flashRuleResult struct {
	key   string
	value interface{}
	kind  string
}

// collected is one value gathered for a child element: the value proper
// plus, for primitives, the sibling object (id/extension) destined for the
// underscore-prefixed property.
type collected struct {
	value    interface{}
	siblings *types.OrderedMap
}

// evalFlash routes a flagged unary '[' node to the block or rule
// composer.
func (e *Evaluator) evalFlash(ctx context.Context, node *types.ASTNode, input interface{}, frame *Frame) (interface{}, error) {
	defs := frame.Definitions()
	if defs == nil {
		return nil, types.NewError(types.ErrFlashRefMissing, node.Position).WithLine(node.Line)
	}
	if node.IsFlashBlock {
		return e.evalFlashBlock(ctx, node, input, frame, defs)
	}
	return e.evalFlashRule(ctx, node, input, frame, defs)
}

// evalFlashContents evaluates the sub-expressions of a block or rule in
// source order inside a fresh scope: the inline expression (at most one),
// variable binds (value discarded) and child rules, whose results are
// appended per grouping key.
func (e *Evaluator) evalFlashContents(ctx context.Context, node *types.ASTNode, input interface{}, frame *Frame) (interface{}, bool, *types.OrderedMap, error) {
	scope := NewChildFrame(frame)
	sub := types.NewOrderedMap() // grouping key → []*flashRuleResult
	var inline interface{}
	hasInline := false

	for _, expr := range node.Expressions {
		if expr.IsInlineExpression {
			v, err := e.evalNode(ctx, expr, input, scope)
			if err != nil {
				return nil, false, nil, err
			}
			if v != nil {
				inline = v
				hasInline = true
			}
			continue
		}
		if expr.Type == types.NodeBind {
			if _, err := e.evalNode(ctx, expr, input, scope); err != nil {
				return nil, false, nil, err
			}
			continue
		}
		v, err := e.evalNode(ctx, expr, input, scope)
		if err != nil {
			return nil, false, nil, err
		}
		collectRuleResults(v, sub)
	}
	return inline, hasInline, sub, nil
}

// collectRuleResults appends every flash-rule result found in v (directly
// or inside an array from a contextualized rule) to its grouping key.
func collectRuleResults(v interface{}, sub *types.OrderedMap) {
	switch t := v.(type) {
	case *flashRuleResult:
		var list []*flashRuleResult
		if existing, ok := sub.Get(t.key); ok {
			list = existing.([]*flashRuleResult)
		}
		sub.Set(t.key, append(list, t))
	default:
		if items, ok := isArrayValue(v); ok {
			for _, item := range items {
				collectRuleResults(item, sub)
			}
		}
	}
}

// evalFlashBlock composes the object declared by an InstanceOf: block.
func (e *Evaluator) evalFlashBlock(ctx context.Context, node *types.ASTNode, input interface{}, frame *Frame, defs *resolver.Definitions) (interface{}, error) {
	meta := defs.TypeMeta[node.InstanceOf]
	if meta == nil {
		if resErr, marked := defs.Errors[node.InstanceOf]; marked {
			return nil, types.NewErrorf(types.ErrFlashRefMissing, node.Position,
				"missing resolved definition for %q", node.InstanceOf).WithLine(node.Line).WithCause(resErr)
		}
		return nil, types.NewErrorf(types.ErrFlashRefMissing, node.Position,
			"missing resolved definition for %q", node.InstanceOf).WithLine(node.Line)
	}
	children := defs.TypeChildren[node.InstanceOf]

	inline, hasInline, sub, err := e.evalFlashContents(ctx, node, input, frame)
	if err != nil {
		return nil, err
	}

	resourceType := ""
	if meta.Kind == resolver.KindResource {
		resourceType = meta.Type
	}
	profileURL := ""
	if meta.Derivation == "constraint" {
		profileURL = meta.URL
	}

	// Primitive and system types compose to a bare value: the children
	// fold into a value element that is unwrapped at the block level.
	if meta.Kind == resolver.KindPrimitive || meta.Kind == resolver.KindSystem {
		obj, err := e.composeChildren(ctx, node, children, inline, hasInline, sub, defs, frame, "")
		if err != nil {
			return nil, err
		}
		if obj == nil {
			return nil, nil
		}
		v, _ := obj.Get("value")
		return v, nil
	}

	obj, err := e.composeChildren(ctx, node, children, inline, hasInline, sub, defs, frame, profileURL)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		obj = types.NewOrderedMap()
	}

	result := types.NewOrderedMap()
	if resourceType != "" {
		result.Set("resourceType", resourceType)
	}
	if node.Instance != nil {
		idVal, err := e.evalNode(ctx, node.Instance, input, frame)
		if err != nil {
			return nil, err
		}
		if idVal != nil && !obj.Has("id") {
			result.Set("id", stringify(idVal))
		}
	}
	for _, k := range obj.Keys() {
		v, _ := obj.Get(k)
		result.Set(k, v)
	}

	if err := e.checkMandatory(node, children, result, node.InstanceOf); err != nil {
		return nil, err
	}

	// An object carrying nothing (or only its resource type) is undefined.
	if result.Len() == 0 || (result.Len() == 1 && result.Has("resourceType")) {
		return nil, nil
	}
	return result, nil
}

// evalFlashRule composes the value declared by one flash rule and wraps it
// in a rule result for the enclosing composition.
func (e *Evaluator) evalFlashRule(ctx context.Context, node *types.ASTNode, input interface{}, frame *Frame, defs *resolver.Definitions) (interface{}, error) {
	refKey := node.FlashPathRefKey
	ed := defs.ElementDefs[refKey]
	if ed == nil {
		if resErr, marked := defs.Errors[refKey]; marked {
			return nil, types.NewErrorf(types.ErrElementDefMissing, node.Position,
				"missing element definition for %q", node.FullFlashPath).WithLine(node.Line).WithCause(resErr)
		}
		return nil, types.NewErrorf(types.ErrFlashRefMissing, node.Position,
			"missing resolved definition for %q", refKey).WithLine(node.Line)
	}
	if ed.Forbidden() {
		return nil, types.NewErrorf(types.ErrForbiddenElement, node.Position,
			"element %q is forbidden", node.FullFlashPath).WithLine(node.Line)
	}
	if ed.Polymorphic() {
		return nil, types.NewErrorf(types.ErrUnresolvedPoly, node.Position,
			"element %q has not been resolved to a concrete type", node.FullFlashPath).WithLine(node.Line)
	}

	inline, hasInline, sub, err := e.evalFlashContents(ctx, node, input, frame)
	if err != nil {
		return nil, err
	}

	// A fixed value overrides anything the rule computed.
	if ed.FixedValue != nil {
		return &flashRuleResult{key: ed.GroupingKey(), value: toOrderedValue(ed.FixedValue), kind: ed.Kind}, nil
	}

	switch ed.Kind {
	case "":
		return nil, types.NewErrorf(types.ErrKindMissing, node.Position,
			"element definition %q has no kind", refKey).WithLine(node.Line)

	case resolver.KindSystem:
		if !hasInline {
			return nil, nil
		}
		v, err := e.coerceSystemValue(ed, inline, node, frame)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, nil
		}
		return &flashRuleResult{key: ed.GroupingKey(), value: v, kind: ed.Kind}, nil

	case resolver.KindPrimitive:
		obj, err := e.composePrimitiveRule(ctx, node, ed, inline, hasInline, sub, defs, frame)
		if err != nil {
			return nil, err
		}
		if obj == nil {
			return nil, nil
		}
		return &flashRuleResult{key: ed.GroupingKey(), value: obj, kind: ed.Kind}, nil

	default:
		children := defs.ElementChildren[refKey]
		obj, err := e.composeChildren(ctx, node, children, inline, hasInline, sub, defs, frame, "")
		if err != nil {
			return nil, err
		}
		if obj == nil || obj.Len() == 0 {
			return nil, nil
		}
		if err := e.checkMandatory(node, children, obj, node.FullFlashPath); err != nil {
			return nil, err
		}
		return &flashRuleResult{key: ed.GroupingKey(), value: obj, kind: ed.Kind}, nil
	}
}

// composePrimitiveRule builds the {value, …siblings} object of a
// primitive-kind rule. A non-object inline expression is routed to the
// value child, coerced per the element's type and checked against the
// format regex; child rules contribute the siblings.
func (e *Evaluator) composePrimitiveRule(ctx context.Context, node *types.ASTNode, ed *resolver.ElementDefinition, inline interface{}, hasInline bool, sub *types.OrderedMap, defs *resolver.Definitions, frame *Frame) (*types.OrderedMap, error) {
	children := defs.ElementChildren[ed.RefKey]

	var inlineObj interface{}
	obj := types.NewOrderedMap()

	if hasInline {
		if isObject(inline) {
			inlineObj = inline
		} else {
			v, err := e.coerceSystemValue(ed, inline, node, frame)
			if err != nil {
				return nil, err
			}
			if v != nil {
				obj.Set("value", v)
			}
		}
	}

	rest, err := e.composeChildren(ctx, node, children, inlineObj, inlineObj != nil, sub, defs, frame, "")
	if err != nil {
		return nil, err
	}
	if rest != nil {
		for _, k := range rest.Keys() {
			v, _ := rest.Get(k)
			if k == "value" && obj.Has("value") {
				continue // the inline value wins over a nested value rule
			}
			obj.Set(k, v)
		}
	}
	if obj.Len() == 0 {
		return nil, nil
	}
	return obj, nil
}

// composeChildren walks the expected children in declared order, collects
// the values each may claim (inline result first, then sub-expression
// results), applies cardinality and kind rules, synthesizes virtual rules
// for mandatory children and folds slice keys into their parent arrays.
func (e *Evaluator) composeChildren(ctx context.Context, node *types.ASTNode, children []*resolver.ElementDefinition, inline interface{}, hasInline bool, sub *types.OrderedMap, defs *resolver.Definitions, frame *Frame, profileURL string) (*types.OrderedMap, error) {
	obj := types.NewOrderedMap()

	for _, child := range children {
		names := child.Names
		if len(names) == 0 {
			names = []string{child.BaseName()}
		}

		for _, name := range names {
			entries := e.collectChildValues(child, name, inline, hasInline, sub)

			outKey := name
			if child.SliceName != "" && !child.Polymorphic() {
				outKey = name + ":" + child.SliceName
			}

			if len(entries) > 0 && child.Forbidden() {
				return nil, types.NewErrorf(types.ErrForbiddenElement, node.Position,
					"element %q is forbidden", name).WithLine(node.Line)
			}

			if name == "meta" && profileURL != "" {
				entries = injectProfile(entries, profileURL)
			}

			if len(entries) == 0 {
				if !child.Mandatory() || child.SliceName != "" {
					continue
				}
				if child.Polymorphic() {
					continue // cannot synthesize an unresolved choice
				}
				virtual := e.composeVirtual(child, defs, 0)
				if virtual == nil {
					continue
				}
				entries = []collected{makeCollected(child, virtual)}
			}

			if err := e.writeChild(obj, outKey, child, entries); err != nil {
				return nil, fillNodePosition(err, node)
			}
		}
	}

	// Inject a minimal meta when the profile has nowhere else to live.
	if profileURL != "" && !obj.Has("meta") {
		meta := types.NewOrderedMap()
		meta.Set("profile", []interface{}{profileURL})
		obj.Set("meta", meta)
	}

	obj = foldSlices(obj)

	if obj.Len() == 0 {
		return nil, nil
	}
	return obj, nil
}

// collectChildValues gathers the values a child element may claim for one
// JSON name: properties of the inline result object first, then rule
// results accumulated under the grouping key.
func (e *Evaluator) collectChildValues(child *resolver.ElementDefinition, name string, inline interface{}, hasInline bool, sub *types.OrderedMap) []collected {
	var entries []collected

	if hasInline && isObject(inline) {
		if v, ok := objectGet(inline, name); ok && v != nil {
			if items, isArr := isArrayValue(v); isArr && child.IsArray {
				for _, item := range items {
					entries = append(entries, makeCollected(child, item))
				}
			} else {
				entries = append(entries, makeCollected(child, v))
			}
		}
		if child.Kind == resolver.KindPrimitive {
			if sibs, ok := objectGet(inline, "_"+name); ok && sibs != nil {
				entries = mergeSiblings(entries, sibs)
			}
		}
	}

	groupKey := name
	if child.SliceName != "" && !child.Polymorphic() {
		groupKey = name + ":" + child.SliceName
	}
	if list, ok := sub.Get(groupKey); ok {
		for _, r := range list.([]*flashRuleResult) {
			entries = append(entries, makeCollected(child, r.value))
		}
	}
	return entries
}

// makeCollected shapes one raw value for a child: primitive composition
// objects are split into value and siblings; everything else passes
// through.
func makeCollected(child *resolver.ElementDefinition, v interface{}) collected {
	if child.Kind != resolver.KindPrimitive {
		return collected{value: v}
	}
	if om, ok := v.(*types.OrderedMap); ok {
		c := collected{}
		for _, k := range om.Keys() {
			val, _ := om.Get(k)
			if k == "value" {
				c.value = val
				continue
			}
			if c.siblings == nil {
				c.siblings = types.NewOrderedMap()
			}
			c.siblings.Set(k, val)
		}
		return c
	}
	return collected{value: v}
}

// mergeSiblings attaches inline _name sibling objects to the collected
// entries index-wise.
func mergeSiblings(entries []collected, sibs interface{}) []collected {
	items, ok := isArrayValue(sibs)
	if !ok {
		items = []interface{}{sibs}
	}
	for i, item := range items {
		if item == nil || !isObject(item) {
			continue
		}
		for i >= len(entries) {
			entries = append(entries, collected{})
		}
		if entries[i].siblings == nil {
			entries[i].siblings = types.NewOrderedMap()
		}
		for _, k := range objectKeys(item) {
			v, _ := objectGet(item, k)
			entries[i].siblings.Set(k, v)
		}
	}
	return entries
}

// injectProfile makes sure a collected meta object carries the profile URL.
func injectProfile(entries []collected, profileURL string) []collected {
	if len(entries) == 0 {
		meta := types.NewOrderedMap()
		meta.Set("profile", []interface{}{profileURL})
		return []collected{{value: meta}}
	}
	last := entries[len(entries)-1]
	if om, ok := last.value.(*types.OrderedMap); ok {
		existing, _ := om.Get("profile")
		profiles, _ := isArrayValue(existing)
		for _, p := range profiles {
			if p == profileURL {
				return entries
			}
		}
		om.Set("profile", append(profiles, profileURL))
	}
	return entries
}

// writeChild writes the collected entries of one child under key,
// honoring cardinality and the primitive name/_name split.
func (e *Evaluator) writeChild(obj *types.OrderedMap, key string, child *resolver.ElementDefinition, entries []collected) error {
	switch child.Kind {
	case resolver.KindSystem:
		if child.IsArray {
			values := make([]interface{}, 0, len(entries))
			for _, c := range entries {
				if c.value != nil {
					values = append(values, c.value)
				}
			}
			if len(values) > 0 {
				obj.Set(key, values)
			}
		} else {
			// Scalars take the last value.
			for i := len(entries) - 1; i >= 0; i-- {
				if entries[i].value != nil {
					obj.Set(key, entries[i].value)
					break
				}
			}
		}

	case resolver.KindPrimitive:
		if child.IsArray {
			values := make([]interface{}, len(entries))
			sibs := make([]interface{}, len(entries))
			anyValue, anySib := false, false
			for i, c := range entries {
				if c.value != nil {
					values[i] = c.value
					anyValue = true
				} else {
					values[i] = types.NullValue
				}
				if c.siblings != nil && c.siblings.Len() > 0 {
					sibs[i] = c.siblings
					anySib = true
				} else {
					sibs[i] = types.NullValue
				}
			}
			if anyValue {
				obj.Set(key, values)
			}
			if anySib {
				obj.Set("_"+key, sibs)
			}
		} else {
			// Scalar primitives merge: last value wins, siblings merge.
			var value interface{}
			var siblings *types.OrderedMap
			for _, c := range entries {
				if c.value != nil {
					value = c.value
				}
				if c.siblings != nil {
					if siblings == nil {
						siblings = types.NewOrderedMap()
					}
					for _, k := range c.siblings.Keys() {
						v, _ := c.siblings.Get(k)
						siblings.Set(k, v)
					}
				}
			}
			if value != nil {
				obj.Set(key, value)
			}
			if siblings != nil && siblings.Len() > 0 {
				obj.Set("_"+key, siblings)
			}
		}

	default: // complex types and inlined resources
		if child.IsArray {
			values := make([]interface{}, 0, len(entries))
			for _, c := range entries {
				if c.value != nil {
					values = append(values, c.value)
				}
			}
			if len(values) > 0 {
				obj.Set(key, values)
			}
		} else {
			// Scalar complex values shallow-merge in collection order.
			var merged *types.OrderedMap
			for _, c := range entries {
				if c.value == nil {
					continue
				}
				if !isObject(c.value) {
					obj.Set(key, c.value)
					merged = nil
					continue
				}
				if merged == nil {
					merged = types.NewOrderedMap()
					obj.Set(key, merged)
				}
				for _, k := range objectKeys(c.value) {
					v, _ := objectGet(c.value, k)
					merged.Set(k, v)
				}
			}
		}
	}
	return nil
}

// composeVirtual produces the value a mandatory child takes when no rule
// addressed it: its fixed or pattern value, or an object composed from the
// virtual values of its own mandatory children.
func (e *Evaluator) composeVirtual(child *resolver.ElementDefinition, defs *resolver.Definitions, depth int) interface{} {
	if child.FixedValue != nil {
		return toOrderedValue(child.FixedValue)
	}
	if child.PatternValue != nil {
		return toOrderedValue(child.PatternValue)
	}
	if depth >= 8 || child.Kind == resolver.KindSystem || child.Kind == resolver.KindPrimitive {
		return nil
	}
	children := defs.ElementChildren[child.RefKey]
	if len(children) == 0 {
		return nil
	}
	obj := types.NewOrderedMap()
	for _, gc := range children {
		if !gc.Mandatory() || gc.Polymorphic() {
			continue
		}
		v := e.composeVirtual(gc, defs, depth+1)
		if v == nil {
			continue
		}
		name := gc.BaseName()
		if len(gc.Names) == 1 {
			name = gc.Names[0]
		}
		if gc.IsArray {
			obj.Set(name, []interface{}{v})
		} else {
			obj.Set(name, v)
		}
	}
	if obj.Len() == 0 {
		return nil
	}
	return obj
}

// foldSlices collapses slice-keyed outputs into their parent JSON name:
// contributions append to the parent array in key insertion order, so a
// slice written before the base entries lands before them. No key
// containing ':' survives.
func foldSlices(obj *types.OrderedMap) *types.OrderedMap {
	sliced := make(map[string]bool)
	for _, key := range obj.Keys() {
		if i := strings.IndexByte(key, ':'); i >= 0 {
			sliced[key[:i]] = true
		}
	}
	if len(sliced) == 0 {
		return obj
	}

	out := types.NewOrderedMap()
	for _, key := range obj.Keys() {
		v, _ := obj.Get(key)
		name := key
		if i := strings.IndexByte(key, ':'); i >= 0 {
			name = key[:i]
		} else if !sliced[name] {
			out.Set(key, v)
			continue
		}
		var target []interface{}
		if existing, ok := out.Get(name); ok {
			target, _ = isArrayValue(existing)
		}
		if items, ok := isArrayValue(v); ok {
			target = append(target, items...)
		} else {
			target = append(target, v)
		}
		out.Set(name, target)
	}
	return out
}

// checkMandatory verifies that every mandatory child is present with at
// least min values.
func (e *Evaluator) checkMandatory(node *types.ASTNode, children []*resolver.ElementDefinition, obj *types.OrderedMap, parentPath string) error {
	for _, child := range children {
		if !child.Mandatory() || child.SliceName != "" {
			continue
		}
		names := child.Names
		if len(names) == 0 {
			names = []string{child.BaseName()}
		}
		satisfied := false
		for _, name := range names {
			v, ok := obj.Get(name)
			if !ok || v == nil {
				continue
			}
			if child.Min > 1 {
				items, isArr := isArrayValue(v)
				if !isArr || len(items) < child.Min {
					continue
				}
			}
			satisfied = true
			break
		}
		if !satisfied {
			return types.NewErrorf(types.ErrMandatoryMissing, node.Position,
				"mandatory element %q of %q is missing", child.BaseName(), parentPath).
				WithLine(node.Line).WithValue(child.BaseName())
		}
	}
	return nil
}

// toOrderedValue deep-converts plain maps from the structure model into
// ordered maps so fixed/pattern values render consistently.
func toOrderedValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := types.NewOrderedMap()
		for _, k := range objectKeys(t) {
			out.Set(k, toOrderedValue(t[k]))
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = toOrderedValue(item)
		}
		return out
	default:
		return v
	}
}
