package resolver

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// Definitions holds the resolved structure-model dictionaries. They are
// bound into the evaluator's root frame at compile time and are read-only
// afterwards.
type Definitions struct {
	// TypeMeta maps an InstanceOf identifier to its type metadata.
	TypeMeta map[string]*TypeMeta
	// TypeChildren maps an InstanceOf identifier to the ordered children
	// of the type.
	TypeChildren map[string][]*ElementDefinition
	// ElementDefs maps "<InstanceOf>::<flash path>" to the element
	// definition the path addresses.
	ElementDefs map[string]*ElementDefinition
	// ElementChildren maps the same key domain to the ordered children of
	// the element.
	ElementChildren map[string][]*ElementDefinition
	// BaseTypeMeta maps "<packageId>@<packageVersion>::<typeCode>" to base
	// type metadata.
	BaseTypeMeta map[string]*TypeMeta
	// Errors marks references whose resolution failed (recover mode). The
	// evaluator treats a marked entry as a missing definition.
	Errors map[string]error
}

// NewDefinitions creates an empty dictionary set.
func NewDefinitions() *Definitions {
	return &Definitions{
		TypeMeta:        make(map[string]*TypeMeta),
		TypeChildren:    make(map[string][]*ElementDefinition),
		ElementDefs:     make(map[string]*ElementDefinition),
		ElementChildren: make(map[string][]*ElementDefinition),
		BaseTypeMeta:    make(map[string]*TypeMeta),
		Errors:          make(map[string]error),
	}
}

// refSite records where a FLASH reference appears, for diagnostics.
type refSite struct {
	instanceOf string
	flashPath  string
	position   int
	line       int
}

// resolver carries the state of one resolution pass.
type resolver struct {
	nav  Navigator
	defs *Definitions
	mu   sync.Mutex

	typeRefs map[string]refSite // InstanceOf identifier → first site
	elemRefs map[string]refSite // reference key → site
}

// maxMandatoryDepth bounds the mandatory-child closure against cyclic
// structure definitions.
const maxMandatoryDepth = 10

// Resolve walks an AST containing FLASH nodes, fetches every referenced
// type and element definition through the navigator and returns the
// resolved dictionaries.
//
// When recover is false the first failure aborts resolution; when true,
// failures are collected, the failing entries are marked in the returned
// Definitions and all errors are returned alongside.
func Resolve(ctx context.Context, ast *types.ASTNode, nav Navigator, recover bool) (*Definitions, []error) {
	r := &resolver{
		nav:      nav,
		defs:     NewDefinitions(),
		typeRefs: make(map[string]refSite),
		elemRefs: make(map[string]refSite),
	}
	r.collect(ast)

	if len(r.typeRefs) == 0 {
		return r.defs, nil
	}
	if nav == nil {
		err := types.NewError(types.ErrFlashNoNavigator, firstSite(r.typeRefs).position)
		return r.defs, []error{err}
	}

	// Phase 1: type metadata and type children, fanned out per identifier.
	var wg sync.WaitGroup
	for id, site := range r.typeRefs {
		wg.Add(1)
		go func(id string, site refSite) {
			defer wg.Done()
			r.resolveType(ctx, id, site)
		}(id, site)
	}
	wg.Wait()

	// Phase 2: element definitions, fanned out per reference.
	for key, site := range r.elemRefs {
		wg.Add(1)
		go func(key string, site refSite) {
			defer wg.Done()
			r.resolveElement(ctx, key, site)
		}(key, site)
	}
	wg.Wait()

	// Phase 3: make sure mandatory complex children of everything visited
	// are resolved too, so fixed/pattern values can be injected at
	// evaluation time.
	r.resolveMandatoryClosure(ctx)

	errs := r.orderedErrors()
	if len(errs) > 0 && !recover {
		return nil, errs[:1]
	}
	return r.defs, errs
}

// collect gathers every FLASH reference in the tree.
func (r *resolver) collect(node *types.ASTNode) {
	if node == nil {
		return
	}
	if node.IsFlashBlock && node.InstanceOf != "" {
		if _, seen := r.typeRefs[node.InstanceOf]; !seen {
			r.typeRefs[node.InstanceOf] = refSite{
				instanceOf: node.InstanceOf,
				position:   node.Position,
				line:       node.Line,
			}
		}
	}
	if node.IsFlashRule && node.FlashPathRefKey != "" {
		if _, seen := r.elemRefs[node.FlashPathRefKey]; !seen {
			r.elemRefs[node.FlashPathRefKey] = refSite{
				instanceOf: node.InstanceOf,
				flashPath:  node.FullFlashPath,
				position:   node.Position,
				line:       node.Line,
			}
		}
		// A rule's block may be out of lexical sight (contextualized
		// rules); its type identifier still needs metadata.
		if _, seen := r.typeRefs[node.InstanceOf]; !seen && node.InstanceOf != "" {
			r.typeRefs[node.InstanceOf] = refSite{
				instanceOf: node.InstanceOf,
				position:   node.Position,
				line:       node.Line,
			}
		}
	}

	r.collect(node.LHS)
	r.collect(node.RHS)
	r.collect(node.Group)
	r.collect(node.Instance)
	for _, c := range node.Steps {
		r.collect(c)
	}
	for _, c := range node.Arguments {
		r.collect(c)
	}
	for _, c := range node.Expressions {
		r.collect(c)
	}
	for _, c := range node.Pairs {
		r.collect(c)
	}
	for _, c := range node.Stages {
		r.collect(c)
	}
	for _, c := range node.Predicate {
		r.collect(c)
	}
}

// resolveType fetches metadata and ordered children for one InstanceOf
// identifier.
func (r *resolver) resolveType(ctx context.Context, id string, site refSite) {
	meta, err := r.nav.GetMetadata(ctx, id, "")
	if err != nil || meta == nil {
		r.fail(id, types.NewErrorf(types.ErrDefinitionNotFound, site.position,
			"definition not found for type %q", id).WithLine(site.line).WithValue(id).WithCause(err))
		return
	}

	children, err := r.nav.GetChildren(ctx, meta, "")
	if err != nil {
		r.fail(id, types.NewErrorf(types.ErrTypeChildrenFailed, site.position,
			"could not fetch the children of type %q", id).WithLine(site.line).WithCause(err))
		return
	}
	for _, child := range children {
		r.enrich(ctx, child, meta)
	}

	r.mu.Lock()
	r.defs.TypeMeta[id] = meta
	r.defs.TypeChildren[id] = children
	r.mu.Unlock()
}

// resolveElement fetches and validates the element definition for one
// reference key, plus its children for non-system kinds.
func (r *resolver) resolveElement(ctx context.Context, key string, site refSite) {
	r.mu.Lock()
	meta := r.defs.TypeMeta[site.instanceOf]
	rawTypeErr := r.defs.Errors[site.instanceOf]
	r.mu.Unlock()
	if meta == nil {
		typeErr, _ := rawTypeErr.(*types.Error)
		if typeErr == nil {
			typeErr = types.NewErrorf(types.ErrDefinitionNotFound, site.position,
				"definition not found for type %q", site.instanceOf).WithLine(site.line)
		}
		r.fail(key, typeErr)
		return
	}

	ed, err := r.nav.GetElement(ctx, meta, site.flashPath)
	if err != nil || ed == nil {
		r.fail(key, types.NewErrorf(types.ErrElementNotFound, site.position,
			"element definition not found for %q in %q", site.flashPath, site.instanceOf).
			WithLine(site.line).WithValue(site.flashPath).WithCause(err))
		return
	}

	if ed.Forbidden() {
		r.fail(key, types.NewErrorf(types.ErrElementForbidden, site.position,
			"element %q has a max cardinality of 0 and cannot be set", site.flashPath).
			WithLine(site.line).WithValue(site.flashPath))
		return
	}
	switch {
	case len(ed.Types) == 0:
		r.fail(key, types.NewErrorf(types.ErrElementNoType, site.position,
			"element %q has no type", site.flashPath).WithLine(site.line))
		return
	case len(ed.Types) > 1:
		base := ed.BaseName()
		allowed := make([]string, len(ed.Types))
		for i, t := range ed.Types {
			allowed[i] = base + initCap(t.Code)
		}
		r.fail(key, types.NewErrorf(types.ErrAmbiguousElementType, site.position,
			"element %q has multiple types; use one of: %s", site.flashPath, strings.Join(allowed, ", ")).
			WithLine(site.line).WithValue(allowed))
		return
	}

	r.enrich(ctx, ed, meta)
	ed.RefKey = key

	if ed.Kind != KindSystem {
		children, err := r.nav.GetChildren(ctx, meta, site.flashPath)
		if err != nil {
			r.fail(key, types.NewErrorf(types.ErrChildrenNotFound, site.position,
				"could not fetch the children of element %q", site.flashPath).
				WithLine(site.line).WithCause(err))
			return
		}
		for _, child := range children {
			r.enrich(ctx, child, meta)
		}
		r.mu.Lock()
		r.defs.ElementChildren[key] = children
		r.mu.Unlock()

		// Primitive elements carry the format regex on their value child.
		if ed.Kind == KindPrimitive {
			ed.RegexStr = valueRegex(children)
		}
	} else {
		// System-kind elements usually carry the regex extension on their
		// own type; otherwise it comes from the base type's value element,
		// located through the element's source package identity.
		ed.RegexStr = typeExtensionRegex(ed)
		if ed.RegexStr == "" {
			ed.RegexStr = r.systemRegex(ctx, ed, meta)
		}
	}

	r.mu.Lock()
	r.defs.ElementDefs[key] = ed
	r.mu.Unlock()
}

// enrich fills the derived attributes of an element definition: kind, type
// code, JSON names, cardinality and fixed/pattern values. It never fails;
// strict validation happens where the element is the direct target of a
// reference.
func (r *resolver) enrich(ctx context.Context, ed *ElementDefinition, meta *TypeMeta) {
	if len(ed.Names) > 0 {
		return // already enriched
	}
	ed.IsArray = isArrayMax(ed.Max)
	ed.FixedValue = ed.Fixed
	ed.PatternValue = ed.Pattern
	ed.FromDefinition = meta.URL

	base := ed.BaseName()
	poly := strings.Contains(lastIDSegment(ed.ID), "[x]")

	if len(ed.Types) == 1 {
		code := ed.Types[0].Code
		ed.TypeCode = code
		ed.Kind = r.kindOf(ctx, code, meta)
		if poly {
			ed.Names = []string{base + initCap(code)}
		} else {
			ed.Names = []string{base}
		}
		return
	}

	if poly {
		names := make([]string, 0, len(ed.Types))
		for _, t := range ed.Types {
			names = append(names, base+initCap(t.Code))
		}
		ed.Names = names
		return
	}
	ed.Names = []string{base}
}

// kindOf determines the composition kind of a type code, consulting base
// type metadata where available and falling back to the structure-model
// naming convention (lowercase primitives, capitalized complex types).
func (r *resolver) kindOf(ctx context.Context, code string, meta *TypeMeta) string {
	if strings.HasPrefix(code, "http://hl7.org/fhirpath/System.") {
		return KindSystem
	}
	if bm := r.baseMeta(ctx, code, meta); bm != nil && bm.Kind != "" {
		return bm.Kind
	}
	if code != "" && code[0] >= 'a' && code[0] <= 'z' {
		return KindPrimitive
	}
	return KindComplex
}

// baseMeta fetches (and caches) the metadata of a type code within the
// source package of meta.
func (r *resolver) baseMeta(ctx context.Context, code string, meta *TypeMeta) *TypeMeta {
	scope := meta.PackageID + "@" + meta.PackageVersion
	key := scope + "::" + code

	r.mu.Lock()
	cached, seen := r.defs.BaseTypeMeta[key]
	r.mu.Unlock()
	if seen {
		return cached
	}

	bm, err := r.nav.GetMetadata(ctx, code, scope)
	if err != nil {
		bm = nil
	}
	r.mu.Lock()
	r.defs.BaseTypeMeta[key] = bm
	r.mu.Unlock()
	return bm
}

// systemRegex locates the format regex for a system-kind element: the base
// type's value element carries it as a standard extension. A missing regex
// is not an error.
func (r *resolver) systemRegex(ctx context.Context, ed *ElementDefinition, meta *TypeMeta) string {
	// The element's declared FHIR type within its source package.
	code := ed.TypeCode
	if code == "" {
		return ""
	}
	bm := r.baseMeta(ctx, code, meta)
	if bm == nil {
		return ""
	}
	children, err := r.nav.GetChildren(ctx, bm, "")
	if err != nil {
		return ""
	}
	return valueRegex(children)
}

// typeExtensionRegex reads the regex extension directly off the element's
// own type entries.
func typeExtensionRegex(ed *ElementDefinition) string {
	for _, t := range ed.Types {
		if rx, ok := t.Extensions[RegexExtensionURL]; ok {
			return rx
		}
	}
	return ""
}

// valueRegex extracts the regex extension from the child element named
// "value", if present.
func valueRegex(children []*ElementDefinition) string {
	for _, child := range children {
		if child.BaseName() != "value" {
			continue
		}
		for _, t := range child.Types {
			if rx, ok := t.Extensions[RegexExtensionURL]; ok {
				return rx
			}
		}
	}
	return ""
}

// resolveMandatoryClosure resolves the mandatory complex children of every
// visited children list so that their fixed/pattern values are reachable
// when the evaluator synthesizes virtual rules.
func (r *resolver) resolveMandatoryClosure(ctx context.Context) {
	visited := make(map[string]bool)

	r.mu.Lock()
	typeKeys := make([]string, 0, len(r.defs.TypeChildren))
	for id := range r.defs.TypeChildren {
		typeKeys = append(typeKeys, id)
	}
	elemKeys := make([]string, 0, len(r.defs.ElementChildren))
	for key := range r.defs.ElementChildren {
		elemKeys = append(elemKeys, key)
	}
	r.mu.Unlock()
	sort.Strings(typeKeys)
	sort.Strings(elemKeys)

	for _, id := range typeKeys {
		r.mu.Lock()
		children := r.defs.TypeChildren[id]
		meta := r.defs.TypeMeta[id]
		r.mu.Unlock()
		r.closeMandatory(ctx, meta, id, "", children, visited, 0)
	}
	for _, key := range elemKeys {
		instanceOf, path, ok := splitRefKey(key)
		if !ok {
			continue
		}
		r.mu.Lock()
		children := r.defs.ElementChildren[key]
		meta := r.defs.TypeMeta[instanceOf]
		r.mu.Unlock()
		r.closeMandatory(ctx, meta, instanceOf, path, children, visited, 0)
	}
}

func (r *resolver) closeMandatory(ctx context.Context, meta *TypeMeta, instanceOf, parentPath string, children []*ElementDefinition, visited map[string]bool, depth int) {
	if meta == nil || depth >= maxMandatoryDepth {
		return
	}
	for _, child := range children {
		if !child.Mandatory() || child.Kind == KindSystem || child.Polymorphic() {
			continue
		}
		path := child.SegmentKey()
		if parentPath != "" {
			path = parentPath + "." + path
		}
		key := instanceOf + "::" + path
		if visited[key] {
			continue
		}
		visited[key] = true

		r.mu.Lock()
		_, have := r.defs.ElementChildren[key]
		r.mu.Unlock()
		if !have {
			grandchildren, err := r.nav.GetChildren(ctx, meta, path)
			if err != nil {
				continue // injection is best-effort; strict checks happen on direct references
			}
			for _, gc := range grandchildren {
				r.enrich(ctx, gc, meta)
			}
			r.mu.Lock()
			if _, exists := r.defs.ElementDefs[key]; !exists {
				child.RefKey = key
				r.defs.ElementDefs[key] = child
			}
			r.defs.ElementChildren[key] = grandchildren
			r.mu.Unlock()
			r.closeMandatory(ctx, meta, instanceOf, path, grandchildren, visited, depth+1)
		}
	}
}

// fail records an error for key.
func (r *resolver) fail(key string, err *types.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.defs.Errors[key]; !seen {
		r.defs.Errors[key] = err
	}
}

// orderedErrors returns collected errors in deterministic key order.
func (r *resolver) orderedErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.defs.Errors))
	for k := range r.defs.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	errs := make([]error, 0, len(keys))
	for _, k := range keys {
		errs = append(errs, r.defs.Errors[k])
	}
	return errs
}

func firstSite(sites map[string]refSite) refSite {
	keys := make([]string, 0, len(sites))
	for k := range sites {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return refSite{}
	}
	return sites[keys[0]]
}

func splitRefKey(key string) (instanceOf, path string, ok bool) {
	i := strings.Index(key, "::")
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+2:], true
}

func isArrayMax(max string) bool {
	switch max {
	case "", "0", "1":
		return false
	case "*":
		return true
	default:
		n, err := strconv.Atoi(max)
		return err == nil && n > 1
	}
}
