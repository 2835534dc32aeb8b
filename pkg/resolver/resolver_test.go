package resolver_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mechanik-daniel/flashonata/pkg/parser"
	"github.com/mechanik-daniel/flashonata/pkg/resolver"
	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// fakeNavigator serves canned structure-model content keyed by the type's
// logical name.
type fakeNavigator struct {
	metas    map[string]*resolver.TypeMeta
	elements map[string]*resolver.ElementDefinition   // "<name>::<path>"
	children map[string][]*resolver.ElementDefinition // "<name>" or "<name>::<path>"
	fail     map[string]error
}

func (n *fakeNavigator) GetMetadata(ctx context.Context, identifier, scope string) (*resolver.TypeMeta, error) {
	if err, ok := n.fail["meta:"+identifier]; ok {
		return nil, err
	}
	return n.metas[identifier], nil
}

func (n *fakeNavigator) GetElement(ctx context.Context, meta *resolver.TypeMeta, flashPath string) (*resolver.ElementDefinition, error) {
	return n.elements[meta.Name+"::"+flashPath], nil
}

func (n *fakeNavigator) GetChildren(ctx context.Context, meta *resolver.TypeMeta, flashPath string) ([]*resolver.ElementDefinition, error) {
	key := meta.Name
	if flashPath != "" {
		key = meta.Name + "::" + flashPath
	}
	return n.children[key], nil
}

func stringType() []resolver.ElementType {
	return []resolver.ElementType{{Code: "string"}}
}

func systemStringType() []resolver.ElementType {
	return []resolver.ElementType{{Code: "http://hl7.org/fhirpath/System.String"}}
}

func patientNavigator() *fakeNavigator {
	patientMeta := &resolver.TypeMeta{
		Type: "Patient", Kind: resolver.KindResource, Name: "Patient",
		URL:        "http://hl7.org/fhir/StructureDefinition/Patient",
		Derivation: "specialization", PackageID: "hl7.fhir.r4.core", PackageVersion: "4.0.1",
	}
	id := &resolver.ElementDefinition{ID: "Patient.id", Path: "Patient.id", Max: "1", Types: systemStringType()}
	active := &resolver.ElementDefinition{ID: "Patient.active", Path: "Patient.active", Max: "1", Types: []resolver.ElementType{{Code: "boolean"}}}
	name := &resolver.ElementDefinition{ID: "Patient.name", Path: "Patient.name", Max: "*", Types: []resolver.ElementType{{Code: "HumanName"}}}
	given := &resolver.ElementDefinition{ID: "HumanName.given", Path: "HumanName.given", Max: "*", Types: stringType()}
	deceased := &resolver.ElementDefinition{ID: "Patient.deceased[x]", Path: "Patient.deceased[x]", Max: "1",
		Types: []resolver.ElementType{{Code: "boolean"}, {Code: "dateTime"}}}
	forbidden := &resolver.ElementDefinition{ID: "Patient.animal", Path: "Patient.animal", Max: "0", Types: []resolver.ElementType{{Code: "BackboneElement"}}}

	return &fakeNavigator{
		metas: map[string]*resolver.TypeMeta{"Patient": patientMeta},
		elements: map[string]*resolver.ElementDefinition{
			"Patient::id":              id,
			"Patient::active":          active,
			"Patient::name":            name,
			"Patient::name.given":      given,
			"Patient::deceasedBoolean": deceased,
			"Patient::animal":          forbidden,
		},
		children: map[string][]*resolver.ElementDefinition{
			"Patient":       {id, active, name},
			"Patient::name": {given},
		},
		fail: map[string]error{},
	}
}

func resolveSource(t *testing.T, src string, nav resolver.Navigator, recover bool) (*resolver.Definitions, []error) {
	t.Helper()
	expr, err := parser.Parse(src)
	require.NoError(t, err)
	return resolver.Resolve(context.Background(), expr.AST(), nav, recover)
}

func TestResolveDictionaries(t *testing.T) {
	src := "InstanceOf: Patient\n* active = true\n* name.given = 'Jane'"
	defs, errs := resolveSource(t, src, patientNavigator(), false)
	require.Empty(t, errs)
	require.NotNil(t, defs)

	meta := defs.TypeMeta["Patient"]
	require.NotNil(t, meta)
	assert.Equal(t, resolver.KindResource, meta.Kind)
	assert.Len(t, defs.TypeChildren["Patient"], 3)

	active := defs.ElementDefs["Patient::active"]
	require.NotNil(t, active)
	assert.Equal(t, resolver.KindPrimitive, active.Kind)
	assert.Equal(t, "boolean", active.TypeCode)
	assert.Equal(t, []string{"active"}, active.Names)
	assert.False(t, active.IsArray)

	name := defs.ElementDefs["Patient::name"]
	require.NotNil(t, name)
	assert.Equal(t, resolver.KindComplex, name.Kind)
	assert.True(t, name.IsArray)
	require.Len(t, defs.ElementChildren["Patient::name"], 1)

	given := defs.ElementDefs["Patient::name.given"]
	require.NotNil(t, given)
	assert.Equal(t, resolver.KindPrimitive, given.Kind)
	assert.True(t, given.IsArray)
}

func TestResolveSystemKind(t *testing.T) {
	src := "InstanceOf: Patient\n* id = 'p1'"
	defs, errs := resolveSource(t, src, patientNavigator(), false)
	require.Empty(t, errs)

	id := defs.ElementDefs["Patient::id"]
	require.NotNil(t, id)
	assert.Equal(t, resolver.KindSystem, id.Kind)
}

func TestResolveUnknownType(t *testing.T) {
	src := "InstanceOf: Unknown\n* a = 1"
	nav := patientNavigator()
	_, errs := resolveSource(t, src, nav, false)
	require.Len(t, errs, 1)
	assert.Equal(t, types.ErrDefinitionNotFound, errs[0].(*types.Error).Code)
}

func TestResolveNavigatorFailure(t *testing.T) {
	src := "InstanceOf: Patient\n* active = true"
	nav := patientNavigator()
	nav.fail["meta:Patient"] = errors.New("boom")
	_, errs := resolveSource(t, src, nav, false)
	require.Len(t, errs, 1)
	assert.Equal(t, types.ErrDefinitionNotFound, errs[0].(*types.Error).Code)
}

func TestResolveElementNotFound(t *testing.T) {
	src := "InstanceOf: Patient\n* nosuch = 1"
	_, errs := resolveSource(t, src, patientNavigator(), false)
	require.Len(t, errs, 1)
	assert.Equal(t, types.ErrElementNotFound, errs[0].(*types.Error).Code)
}

func TestResolveForbiddenElement(t *testing.T) {
	src := "InstanceOf: Patient\n* animal.x = 1"
	_, errs := resolveSource(t, src, patientNavigator(), false)
	require.NotEmpty(t, errs)
	codes := make(map[types.ErrorCode]bool)
	for _, err := range errs {
		codes[err.(*types.Error).Code] = true
	}
	assert.True(t, codes[types.ErrElementForbidden])
}

func TestResolvePolymorphicUnresolved(t *testing.T) {
	// Addressing the choice element through a concrete type name works;
	// the definition carries the single resolved JSON name.
	src := "InstanceOf: Patient\n* deceasedBoolean = true"
	defs, errs := resolveSource(t, src, patientNavigator(), false)
	require.NotEmpty(t, errs)
	// deceased[x] has two types: resolution fails with the allowed names.
	ferr := errs[0].(*types.Error)
	assert.Equal(t, types.ErrAmbiguousElementType, ferr.Code)
	_ = defs
}

func TestResolveRecoverMode(t *testing.T) {
	src := "InstanceOf: Unknown\n* a = 1"
	defs, errs := resolveSource(t, src, patientNavigator(), true)
	require.NotEmpty(t, errs)
	require.NotNil(t, defs)
	assert.NotEmpty(t, defs.Errors)
}

func TestResolveRegexExtraction(t *testing.T) {
	integerMeta := &resolver.TypeMeta{
		Type: "integer", Kind: resolver.KindPrimitive, Name: "integer",
		URL:       "http://hl7.org/fhir/StructureDefinition/integer",
		PackageID: "hl7.fhir.r4.core", PackageVersion: "4.0.1",
	}
	value := &resolver.ElementDefinition{
		ID: "integer.value", Path: "integer.value", Max: "1",
		Types: []resolver.ElementType{{
			Code:       "http://hl7.org/fhirpath/System.Integer",
			Extensions: map[string]string{resolver.RegexExtensionURL: `-?(0|[1-9][0-9]*)`},
		}},
	}
	nav := &fakeNavigator{
		metas:    map[string]*resolver.TypeMeta{"integer": integerMeta},
		elements: map[string]*resolver.ElementDefinition{"integer::value": value},
		children: map[string][]*resolver.ElementDefinition{"integer": {value}},
		fail:     map[string]error{},
	}

	src := "InstanceOf: integer\n* value = '42'"
	defs, errs := resolveSource(t, src, nav, false)
	require.Empty(t, errs)

	ed := defs.ElementDefs["integer::value"]
	require.NotNil(t, ed)
	assert.Equal(t, resolver.KindSystem, ed.Kind)
	assert.Equal(t, `-?(0|[1-9][0-9]*)`, ed.RegexStr)
}

func TestResolveMandatoryClosure(t *testing.T) {
	// A mandatory complex child with a fixed grandchild must be resolved
	// even though no rule addresses it.
	obsMeta := &resolver.TypeMeta{
		Type: "Observation", Kind: resolver.KindResource, Name: "Observation",
		URL:       "http://hl7.org/fhir/StructureDefinition/Observation",
		PackageID: "hl7.fhir.r4.core", PackageVersion: "4.0.1",
	}
	status := &resolver.ElementDefinition{ID: "Observation.status", Path: "Observation.status", Min: 1, Max: "1", Types: []resolver.ElementType{{Code: "code"}}}
	category := &resolver.ElementDefinition{ID: "Observation.category", Path: "Observation.category", Min: 1, Max: "1", Types: []resolver.ElementType{{Code: "CodeableConcept"}}}
	text := &resolver.ElementDefinition{ID: "CodeableConcept.text", Path: "CodeableConcept.text", Min: 1, Max: "1", Types: stringType(), Fixed: "vital-signs"}

	nav := &fakeNavigator{
		metas: map[string]*resolver.TypeMeta{"Observation": obsMeta},
		elements: map[string]*resolver.ElementDefinition{
			"Observation::status": status,
		},
		children: map[string][]*resolver.ElementDefinition{
			"Observation":           {status, category},
			"Observation::category": {text},
		},
		fail: map[string]error{},
	}

	src := "InstanceOf: Observation\n* status = 'final'"
	defs, errs := resolveSource(t, src, nav, false)
	require.Empty(t, errs)

	// The closure registered the mandatory category element and its
	// children so fixed values can be injected at evaluation time.
	require.NotNil(t, defs.ElementDefs["Observation::category"])
	require.Len(t, defs.ElementChildren["Observation::category"], 1)
	assert.Equal(t, "vital-signs", defs.ElementChildren["Observation::category"][0].FixedValue)
}

func TestSegmentKeys(t *testing.T) {
	tests := []struct {
		id      string
		slice   string
		segment string
	}{
		{"Patient.name", "", "name"},
		{"Observation.value[x]", "", "value"},
		{"Patient.identifier:il-id", "il-id", "identifier[il-id]"},
		{"Observation.component:systolic.value[x]", "systolic", "value"},
	}
	for _, tc := range tests {
		ed := &resolver.ElementDefinition{ID: tc.id, SliceName: tc.slice}
		assert.Equal(t, tc.segment, ed.SegmentKey(), tc.id)
	}
}
