// Package resolver binds FLASH references to their structure-model
// definitions. It walks a parsed expression, collects every InstanceOf
// identifier and element path reference, fetches and enriches the matching
// definitions through the Navigator contract, and produces the dictionaries
// the evaluator consults at runtime.
package resolver

import (
	"context"
	"strings"
)

// Kind classifies an element or type for composition purposes.
const (
	KindSystem    = "system"
	KindPrimitive = "primitive-type"
	KindComplex   = "complex-type"
	KindResource  = "resource"
)

// RegexExtensionURL is the standard extension carrying the format regex of
// a primitive value element.
const RegexExtensionURL = "http://hl7.org/fhir/StructureDefinition/regex"

// TypeMeta is the metadata of a type or profile in the structure model.
type TypeMeta struct {
	Type           string // type code, e.g. "Patient", "integer"
	Kind           string // resource | complex-type | primitive-type | system
	URL            string
	Name           string
	Version        string
	Derivation     string // constraint | specialization
	BaseDefinition string
	PackageID      string
	PackageVersion string
}

// ElementType is one allowed type of an element definition.
type ElementType struct {
	Code string
	// Extensions maps extension URLs to their primitive values; the format
	// regex of primitive value elements travels here.
	Extensions map[string]string
}

// ElementDefinition describes one element of a type, as returned by the
// navigator and enriched by the resolver.
type ElementDefinition struct {
	// Raw attributes from the structure model.
	ID        string // e.g. "Patient.name" or "Observation.value[x]"
	Path      string
	Min       int
	Max       string // "0", "1", "*", …
	SliceName string
	Types     []ElementType
	Fixed     interface{}
	Pattern   interface{}

	// Derived attributes, filled during resolution.
	Kind           string   // composition kind of the element's type
	TypeCode       string   // the single resolved type code
	Names          []string // JSON keys; more than one iff unresolved polymorphic
	IsArray        bool
	FixedValue     interface{}
	PatternValue   interface{}
	RegexStr       string // format pattern of the primitive value, if any
	RefKey         string // "<InstanceOf>::<full flash path>"
	FromDefinition string // URL of the defining structure
}

// Mandatory reports whether at least one value is required.
func (ed *ElementDefinition) Mandatory() bool {
	return ed.Min >= 1
}

// Forbidden reports whether the element may not be populated.
func (ed *ElementDefinition) Forbidden() bool {
	return ed.Max == "0"
}

// Polymorphic reports whether the element's JSON name depends on a chosen
// type that has not been resolved yet.
func (ed *ElementDefinition) Polymorphic() bool {
	return len(ed.Names) > 1
}

// BaseName returns the element name from the last id segment, without any
// [x] marker or slice suffix.
func (ed *ElementDefinition) BaseName() string {
	seg := lastIDSegment(ed.ID)
	if i := strings.IndexByte(seg, ':'); i >= 0 {
		seg = seg[:i]
	}
	return strings.TrimSuffix(seg, "[x]")
}

// SegmentKey returns the flash-path segment this element occupies under
// its parent: the plain name, or "name[slice]" for slices. The [x]
// polymorphic marker is stripped before composing the key.
func (ed *ElementDefinition) SegmentKey() string {
	seg := lastIDSegment(ed.ID)
	slice := ""
	if i := strings.IndexByte(seg, ':'); i >= 0 {
		slice = seg[i+1:]
		seg = seg[:i]
	}
	seg = strings.TrimSuffix(seg, "[x]")
	if slice != "" {
		return seg + "[" + slice + "]"
	}
	return seg
}

// GroupingKey returns the key under which the FLASH composer accumulates
// values for this element: "name:slice" for non-polymorphic slices, the
// plain JSON name otherwise.
func (ed *ElementDefinition) GroupingKey() string {
	if ed.SliceName != "" && !ed.Polymorphic() && len(ed.Names) == 1 {
		return ed.Names[0] + ":" + ed.SliceName
	}
	if len(ed.Names) > 0 {
		return ed.Names[0]
	}
	return ed.BaseName()
}

func lastIDSegment(id string) string {
	if i := strings.LastIndexByte(id, '.'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// initCap upper-cases the first byte of a type code, composing polymorphic
// JSON names such as valueString.
func initCap(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}

// Navigator is the structure-model navigation contract consumed by the
// resolver. Implementations may be slow or remote; every call takes a
// context and may fail. The resolver translates failures into F2xxx codes.
type Navigator interface {
	// GetMetadata returns the metadata of a type, profile or base type.
	// scope is empty for InstanceOf identifiers, or "package@version" when
	// resolving a type code against a specific package.
	GetMetadata(ctx context.Context, identifier string, scope string) (*TypeMeta, error)

	// GetElement returns the element definition addressed by a flash path
	// below the given type, or nil when the element does not exist.
	GetElement(ctx context.Context, meta *TypeMeta, flashPath string) (*ElementDefinition, error)

	// GetChildren returns the ordered children of the type (empty
	// flashPath) or of the element addressed by flashPath.
	GetChildren(ctx context.Context, meta *TypeMeta, flashPath string) ([]*ElementDefinition, error)
}
