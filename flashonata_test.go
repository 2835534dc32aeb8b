package flashonata_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flashonata "github.com/mechanik-daniel/flashonata"
	"github.com/mechanik-daniel/flashonata/pkg/cache"
	"github.com/mechanik-daniel/flashonata/pkg/evaluator"
	"github.com/mechanik-daniel/flashonata/pkg/resolver"
	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// fakeNavigator serves canned structure-model content, keyed by the
// metadata Name of the type being navigated.
type fakeNavigator struct {
	metas    map[string]*resolver.TypeMeta
	elements map[string]*resolver.ElementDefinition
	children map[string][]*resolver.ElementDefinition
}

func (n *fakeNavigator) GetMetadata(ctx context.Context, identifier, scope string) (*resolver.TypeMeta, error) {
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

// testNavigator assembles the structure model the end-to-end scenarios
// exercise: a system primitive, a Patient profile, a sliced Patient and a
// resource with a mandatory element.
func testNavigator() *fakeNavigator {
	sysString := []resolver.ElementType{{Code: "http://hl7.org/fhirpath/System.String"}}

	// integer: a primitive whose value carries a format regex.
	integerMeta := &resolver.TypeMeta{
		Type: "integer", Kind: resolver.KindPrimitive, Name: "integer",
		URL:        "http://hl7.org/fhir/StructureDefinition/integer",
		Derivation: "specialization", PackageID: "hl7.fhir.r4.core", PackageVersion: "4.0.1",
	}
	integerValue := &resolver.ElementDefinition{
		ID: "integer.value", Path: "integer.value", Max: "1",
		Types: []resolver.ElementType{{
			Code:       "http://hl7.org/fhirpath/System.Integer",
			Extensions: map[string]string{resolver.RegexExtensionURL: `-?(0|[1-9][0-9]*)`},
		}},
	}

	// il-core-patient: a profile (constraint) on Patient.
	profileMeta := &resolver.TypeMeta{
		Type: "Patient", Kind: resolver.KindResource, Name: "il-core-patient",
		URL:        "http://example.org/StructureDefinition/PatientProfile",
		Derivation: "constraint", PackageID: "example.pkg", PackageVersion: "1.0.0",
	}
	patID := &resolver.ElementDefinition{ID: "Patient.id", Path: "Patient.id", Max: "1", Types: sysString}
	patMeta := &resolver.ElementDefinition{ID: "Patient.meta", Path: "Patient.meta", Max: "1", Types: []resolver.ElementType{{Code: "Meta"}}}
	patActive := &resolver.ElementDefinition{ID: "Patient.active", Path: "Patient.active", Max: "1", Types: []resolver.ElementType{{Code: "boolean"}}}
	patName := &resolver.ElementDefinition{ID: "Patient.name", Path: "Patient.name", Max: "*", Types: []resolver.ElementType{{Code: "HumanName"}}}
	nameGiven := &resolver.ElementDefinition{ID: "HumanName.given", Path: "HumanName.given", Max: "*", Types: []resolver.ElementType{{Code: "string"}}}

	// TestPatient: a Patient with a sliced identifier. The slice precedes
	// the base element so sliced entries land first in the folded array.
	testPatientMeta := &resolver.TypeMeta{
		Type: "Patient", Kind: resolver.KindResource, Name: "TestPatient",
		URL:        "http://example.org/StructureDefinition/TestPatient",
		Derivation: "specialization", PackageID: "example.pkg", PackageVersion: "1.0.0",
	}
	identSlice := &resolver.ElementDefinition{
		ID: "Patient.identifier:il-id", Path: "Patient.identifier", SliceName: "il-id",
		Max: "*", Types: []resolver.ElementType{{Code: "Identifier"}},
	}
	identBase := &resolver.ElementDefinition{
		ID: "Patient.identifier", Path: "Patient.identifier",
		Max: "*", Types: []resolver.ElementType{{Code: "Identifier"}},
	}
	identSliceSystem := &resolver.ElementDefinition{
		ID: "Identifier.system", Path: "Identifier.system", Min: 1, Max: "1",
		Types: []resolver.ElementType{{Code: "uri"}}, Fixed: "http://example.org/mrn",
	}
	identSystem := &resolver.ElementDefinition{
		ID: "Identifier.system", Path: "Identifier.system", Max: "1",
		Types: []resolver.ElementType{{Code: "uri"}},
	}
	identValue := &resolver.ElementDefinition{
		ID: "Identifier.value", Path: "Identifier.value", Max: "1",
		Types: []resolver.ElementType{{Code: "string"}},
	}

	// Observation: status is mandatory.
	obsMeta := &resolver.TypeMeta{
		Type: "Observation", Kind: resolver.KindResource, Name: "Observation",
		URL:        "http://hl7.org/fhir/StructureDefinition/Observation",
		Derivation: "specialization", PackageID: "hl7.fhir.r4.core", PackageVersion: "4.0.1",
	}
	obsStatus := &resolver.ElementDefinition{ID: "Observation.status", Path: "Observation.status", Min: 1, Max: "1", Types: []resolver.ElementType{{Code: "code"}}}
	obsSubject := &resolver.ElementDefinition{ID: "Observation.subject", Path: "Observation.subject", Max: "1", Types: []resolver.ElementType{{Code: "Reference"}}}
	subjectRef := &resolver.ElementDefinition{ID: "Reference.reference", Path: "Reference.reference", Max: "1", Types: []resolver.ElementType{{Code: "string"}}}

	return &fakeNavigator{
		metas: map[string]*resolver.TypeMeta{
			"integer":         integerMeta,
			"il-core-patient": profileMeta,
			"http://example.org/StructureDefinition/PatientProfile": profileMeta,
			"TestPatient": testPatientMeta,
			"Observation": obsMeta,
		},
		elements: map[string]*resolver.ElementDefinition{
			"integer::value": integerValue,

			"il-core-patient::id":         patID,
			"il-core-patient::active":     patActive,
			"il-core-patient::name":       patName,
			"il-core-patient::name.given": nameGiven,

			"TestPatient::identifier[il-id]":       identSlice,
			"TestPatient::identifier[il-id].value": identValue,
			"TestPatient::identifier":              identBase,

			"Observation::subject":           obsSubject,
			"Observation::subject.reference": subjectRef,
			"Observation::status":            obsStatus,
		},
		children: map[string][]*resolver.ElementDefinition{
			"integer": {integerValue},

			"il-core-patient":       {patID, patMeta, patActive, patName},
			"il-core-patient::name": {nameGiven},

			"TestPatient":                    {patID, identSlice, identBase},
			"TestPatient::identifier[il-id]": {identSliceSystem, identValue},
			"TestPatient::identifier":        {identSystem, identValue},

			"Observation":          {obsStatus, obsSubject},
			"Observation::subject": {subjectRef},
		},
	}
}

func jsonNorm(t *testing.T, v interface{}) interface{} {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	var out interface{}
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func evalFlash(t *testing.T, src string, input interface{}) interface{} {
	t.Helper()
	expr, err := flashonata.Compile(src, flashonata.WithNavigator(testNavigator()))
	require.NoError(t, err, "compile %q", src)
	result, err := expr.Evaluate(context.Background(), input, nil)
	require.NoError(t, err, "evaluate %q", src)
	return result
}

func TestScenarioTrivialConcat(t *testing.T) {
	expr, err := flashonata.Compile(`"hello " & $name`)
	require.NoError(t, err)
	result, err := expr.Evaluate(context.Background(), nil, map[string]interface{}{"name": "world"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", result)
}

func TestScenarioPathFilterGroup(t *testing.T) {
	input := map[string]interface{}{
		"Account": []interface{}{
			map[string]interface{}{"owner": "a", "balance": -5.0},
			map[string]interface{}{"owner": "b", "balance": 2.0},
		},
	}
	expr, err := flashonata.Compile(`Account[balance < 0].{"owner": owner, "deficit": -balance}`)
	require.NoError(t, err)
	result, err := expr.Evaluate(context.Background(), input, nil)
	require.NoError(t, err)
	assert.Equal(t,
		jsonNorm(t, map[string]interface{}{"owner": "a", "deficit": 5.0}),
		jsonNorm(t, result))
}

func TestScenarioSystemPrimitive(t *testing.T) {
	result := evalFlash(t, "InstanceOf: integer\n* value = \"42\"", nil)
	assert.Equal(t, 42.0, result)
}

func TestScenarioSystemPrimitiveFormatError(t *testing.T) {
	expr, err := flashonata.Compile("InstanceOf: integer\n* value = \"4.5x\"", flashonata.WithNavigator(testNavigator()))
	require.NoError(t, err)
	_, err = expr.Evaluate(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrValueFormat, err.(*types.Error).Code)
}

func TestScenarioProfileInjection(t *testing.T) {
	src := "InstanceOf: il-core-patient\n* id = \"p1\"\n* name.given = \"Jane\""
	result := evalFlash(t, src, nil)
	expected := map[string]interface{}{
		"resourceType": "Patient",
		"id":           "p1",
		"meta": map[string]interface{}{
			"profile": []interface{}{"http://example.org/StructureDefinition/PatientProfile"},
		},
		"name": []interface{}{
			map[string]interface{}{"given": []interface{}{"Jane"}},
		},
	}
	assert.Equal(t, jsonNorm(t, expected), jsonNorm(t, result))
}

func TestScenarioSliceFolding(t *testing.T) {
	src := "InstanceOf: TestPatient\n" +
		"* identifier[il-id].value = '123'\n" +
		"* identifier = {'system': 'http://other', 'value': '456'}"
	result := evalFlash(t, src, nil)
	expected := map[string]interface{}{
		"resourceType": "Patient",
		"identifier": []interface{}{
			map[string]interface{}{"system": "http://example.org/mrn", "value": "123"},
			map[string]interface{}{"system": "http://other", "value": "456"},
		},
	}
	assert.Equal(t, jsonNorm(t, expected), jsonNorm(t, result))
}

func TestScenarioMandatoryMissing(t *testing.T) {
	src := "InstanceOf: Observation\n* subject.reference = 'Patient/1'"
	expr, err := flashonata.Compile(src, flashonata.WithNavigator(testNavigator()))
	require.NoError(t, err)
	_, err = expr.Evaluate(context.Background(), nil, nil)
	require.Error(t, err)
	ferr := err.(*types.Error)
	assert.Equal(t, types.ErrMandatoryMissing, ferr.Code)
	assert.Equal(t, "status", ferr.Value)
}

func TestFlashInstanceID(t *testing.T) {
	src := "Instance: $pid\nInstanceOf: il-core-patient\n* active = true"
	expr, err := flashonata.Compile(src, flashonata.WithNavigator(testNavigator()))
	require.NoError(t, err)
	result, err := expr.Evaluate(context.Background(), nil, map[string]interface{}{"pid": "abc"})
	require.NoError(t, err)
	expected := map[string]interface{}{
		"resourceType": "Patient",
		"id":           "abc",
		"meta": map[string]interface{}{
			"profile": []interface{}{"http://example.org/StructureDefinition/PatientProfile"},
		},
		"active": true,
	}
	assert.Equal(t, jsonNorm(t, expected), jsonNorm(t, result))
}

func TestFlashFalseKeptUndefinedDropped(t *testing.T) {
	// Explicit false is a value; undefined is absence.
	result := evalFlash(t, "InstanceOf: il-core-patient\n* id = 'x'\n* active = false", nil)
	norm := jsonNorm(t, result).(map[string]interface{})
	assert.Equal(t, false, norm["active"])

	result = evalFlash(t, "InstanceOf: il-core-patient\n* id = 'x'\n* active = nothing", nil)
	norm = jsonNorm(t, result).(map[string]interface{})
	_, present := norm["active"]
	assert.False(t, present)
}

func TestFlashRuleValuesFromInput(t *testing.T) {
	src := "InstanceOf: il-core-patient\n* id = patientId\n* name.given = firstName"
	input := map[string]interface{}{"patientId": "p42", "firstName": "Dana"}
	result := evalFlash(t, src, input)
	norm := jsonNorm(t, result).(map[string]interface{})
	assert.Equal(t, "p42", norm["id"])
	assert.Equal(t,
		[]interface{}{map[string]interface{}{"given": []interface{}{"Dana"}}},
		norm["name"])
}

func TestFlashWithoutNavigatorFails(t *testing.T) {
	_, err := flashonata.Compile("InstanceOf: Patient\n* active = true")
	require.Error(t, err)
	assert.Equal(t, types.ErrFlashNoNavigator, err.(*types.Error).Code)
}

func TestRecoveryMode(t *testing.T) {
	expr, err := flashonata.Compile("1 +", flashonata.WithRecovery(true))
	require.NoError(t, err)
	assert.NotEmpty(t, expr.Errors())

	_, err = expr.Evaluate(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrRecoveredErrors, err.(*types.Error).Code)
}

func TestRegisterFunction(t *testing.T) {
	expr, err := flashonata.Compile("$twice(21)")
	require.NoError(t, err)
	err = expr.RegisterFunction("twice", "<n:n>", func(ctx context.Context, e *evaluator.Evaluator, f *evaluator.Frame, input interface{}, args []interface{}) (interface{}, error) {
		return args[0].(float64) * 2, nil
	})
	require.NoError(t, err)

	result, err := expr.Evaluate(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 42.0, result)
}

func TestAssignAndHooks(t *testing.T) {
	expr, err := flashonata.Compile("$a + $b")
	require.NoError(t, err)
	expr.Assign("a", 40.0)
	expr.Assign("b", 2.0)

	visits := 0
	expr.Assign(flashonata.EvaluateEntryHook, evaluator.HookFn(func(node *types.ASTNode, input interface{}, frame *evaluator.Frame) error {
		visits++
		return nil
	}))

	result, err := expr.Evaluate(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 42.0, result)
	assert.Greater(t, visits, 2)
}

func TestHookAbort(t *testing.T) {
	expr, err := flashonata.Compile("1 + 2 + 3 + 4")
	require.NoError(t, err)

	visits := 0
	expr.Assign(flashonata.EvaluateEntryHook, evaluator.HookFn(func(node *types.ASTNode, input interface{}, frame *evaluator.Frame) error {
		visits++
		if visits > 2 {
			return types.NewError(types.ErrHostAborted, node.Position)
		}
		return nil
	}))

	_, err = expr.Evaluate(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrHostAborted, err.(*types.Error).Code)
}

func TestMustCompilePanics(t *testing.T) {
	assert.Panics(t, func() { flashonata.MustCompile("1 +") })
	assert.NotPanics(t, func() { flashonata.MustCompile("1 + 1") })
}

func TestCompileWithCache(t *testing.T) {
	c := cache.New(8)
	first, err := flashonata.Compile("a + b", flashonata.WithCache(c))
	require.NoError(t, err)
	second, err := flashonata.Compile("a + b", flashonata.WithCache(c))
	require.NoError(t, err)

	// Both expressions share the cached parse artifact.
	assert.Same(t, first.AST(), second.AST())
	assert.Equal(t, 1, c.Len())
}

func TestExpressionAccessors(t *testing.T) {
	expr, err := flashonata.Compile("a.b")
	require.NoError(t, err)
	assert.Equal(t, "a.b", expr.Source())
	require.NotNil(t, expr.AST())
	assert.Equal(t, types.NodePath, expr.AST().Type)
	assert.Empty(t, expr.Errors())
}
