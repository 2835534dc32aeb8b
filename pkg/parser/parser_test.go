package parser_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mechanik-daniel/flashonata/pkg/parser"
	"github.com/mechanik-daniel/flashonata/pkg/types"
)

func parseOK(t *testing.T, src string) *types.ASTNode {
	t.Helper()
	expr, err := parser.Parse(src)
	require.NoError(t, err, "parse %q", src)
	require.Empty(t, expr.Errors())
	return expr.AST()
}

func parseErrCode(t *testing.T, src string) types.ErrorCode {
	t.Helper()
	_, err := parser.Parse(src)
	require.Error(t, err, "parse %q should fail", src)
	ferr, ok := err.(*types.Error)
	require.True(t, ok, "error %v is not structured", err)
	return ferr.Code
}

func TestParsePathFlattening(t *testing.T) {
	ast := parseOK(t, "a.b.c")
	require.Equal(t, types.NodePath, ast.Type)
	require.Len(t, ast.Steps, 3)
	for i, name := range []string{"a", "b", "c"} {
		assert.Equal(t, types.NodeName, ast.Steps[i].Type)
		assert.Equal(t, name, ast.Steps[i].StrValue)
	}
}

func TestParseStringStepPromotedToName(t *testing.T) {
	ast := parseOK(t, `a."b"`)
	require.Equal(t, types.NodePath, ast.Type)
	require.Len(t, ast.Steps, 2)
	assert.Equal(t, types.NodeName, ast.Steps[1].Type)
	assert.Equal(t, "b", ast.Steps[1].StrValue)
}

func TestParseNumericStepRejected(t *testing.T) {
	assert.Equal(t, types.ErrInvalidPathStep, parseErrCode(t, "a.2"))
	assert.Equal(t, types.ErrInvalidPathStep, parseErrCode(t, "a.true"))
}

func TestParseFilterBecomesStage(t *testing.T) {
	ast := parseOK(t, "a.b[c > 1]")
	require.Equal(t, types.NodePath, ast.Type)
	require.Len(t, ast.Steps, 2)
	last := ast.Steps[1]
	require.Len(t, last.Stages, 1)
	assert.Equal(t, types.NodeFilter, last.Stages[0].Type)

	// Every stage entry carries a type tag.
	for _, stage := range last.Stages {
		assert.NotEmpty(t, string(stage.Type))
	}
}

func TestParsePredicateOnBareName(t *testing.T) {
	ast := parseOK(t, "a[0]")
	require.Equal(t, types.NodeName, ast.Type)
	require.Len(t, ast.Predicate, 1)
	assert.Equal(t, types.NodeFilter, ast.Predicate[0].Type)
}

func TestParseEmptyBracketsKeepArray(t *testing.T) {
	ast := parseOK(t, "a.b[]")
	require.Equal(t, types.NodePath, ast.Type)
	assert.True(t, ast.KeepArray)
}

func TestParseGroupAttachment(t *testing.T) {
	ast := parseOK(t, `a{ "k": v }`)
	require.Equal(t, types.NodeName, ast.Type)
	require.NotNil(t, ast.Group)
	require.Len(t, ast.Group.Pairs, 1)

	assert.Equal(t, types.ErrGroupAfterGroup, parseErrCode(t, `a{"k": v}{"j": w}`))
}

func TestParseSortStage(t *testing.T) {
	ast := parseOK(t, "a^(>b, c)")
	require.Equal(t, types.NodePath, ast.Type)
	last := ast.Steps[len(ast.Steps)-1]
	require.Equal(t, types.NodeSort, last.Type)
	require.Len(t, last.Expressions, 2)
	assert.True(t, last.Expressions[0].Descending)
	assert.False(t, last.Expressions[1].Descending)
}

func TestParseBind(t *testing.T) {
	ast := parseOK(t, "$x := 42")
	require.Equal(t, types.NodeBind, ast.Type)
	assert.Equal(t, "x", ast.LHS.StrValue)
	assert.Equal(t, types.NodeNumber, ast.RHS.Type)

	assert.Equal(t, types.ErrExpectedVarBind, parseErrCode(t, "a := 42"))
}

func TestParseFocusAndIndex(t *testing.T) {
	ast := parseOK(t, "a@$v.b")
	require.Equal(t, types.NodePath, ast.Type)
	first := ast.Steps[0]
	assert.Equal(t, "v", first.FocusVar)
	assert.True(t, first.Tuple)

	ast = parseOK(t, "a#$i.b")
	assert.Equal(t, "i", ast.Steps[0].IndexVar)

	assert.Equal(t, types.ErrExpectedVarRight, parseErrCode(t, "a@b"))
	assert.Equal(t, types.ErrContextAfterFilter, parseErrCode(t, "a[x]@$v"))
	assert.Equal(t, types.ErrContextAfterSort, parseErrCode(t, "a^(b)@$v"))
}

func TestParseParentSlots(t *testing.T) {
	ast := parseOK(t, "a.b.%")
	require.Equal(t, types.NodePath, ast.Type)
	require.Len(t, ast.Steps, 3)
	parent := ast.Steps[2]
	require.Equal(t, types.NodeParent, parent.Type)
	require.NotNil(t, parent.Slot)

	// The slot resolved onto the 'b' step.
	assert.NotNil(t, ast.Steps[1].Ancestor)
	assert.True(t, ast.Steps[1].Tuple)
}

func TestParseLambdaThunks(t *testing.T) {
	ast := parseOK(t, "function($n){ $n <= 1 ? 1 : $f($n - 1) }")
	require.Equal(t, types.NodeLambda, ast.Type)
	body := ast.RHS
	require.Equal(t, types.NodeCondition, body.Type)
	// The tail call in the else branch is wrapped in a thunk lambda.
	els := body.Expressions[0]
	require.Equal(t, types.NodeLambda, els.Type)
	assert.True(t, els.Thunk)
	assert.Equal(t, types.NodeFunction, els.RHS.Type)
}

func TestParseLambdaSignature(t *testing.T) {
	ast := parseOK(t, "function($x)<n:n>{ $x + 1 }")
	assert.Equal(t, "<n:n>", ast.Signature)
}

func TestParseUnaryMinusFolded(t *testing.T) {
	ast := parseOK(t, "-5")
	require.Equal(t, types.NodeNumber, ast.Type)
	assert.Equal(t, -5.0, ast.NumValue)
}

func TestParseConditionalForms(t *testing.T) {
	ast := parseOK(t, "a ? b : c")
	assert.Equal(t, types.NodeCondition, ast.Type)

	ast = parseOK(t, "a ?: c")
	assert.Equal(t, types.NodeElvis, ast.Type)

	ast = parseOK(t, "a ?? c")
	assert.Equal(t, types.NodeCoalesce, ast.Type)
}

func TestParseTransform(t *testing.T) {
	ast := parseOK(t, `|a|{"b": 1}, "c"|`)
	require.Equal(t, types.NodeTransform, ast.Type)
	assert.NotNil(t, ast.LHS)
	assert.NotNil(t, ast.RHS)
	require.Len(t, ast.Expressions, 1)
}

func TestParseRecoveryMode(t *testing.T) {
	expr, err := parser.Parse("1 +", parser.WithRecovery(true))
	require.NoError(t, err)
	assert.NotEmpty(t, expr.Errors())
}

func TestParseFlashBlockNormalized(t *testing.T) {
	src := "InstanceOf: Patient\n* active = true\n* name.given = 'Jane'"
	ast := parseOK(t, src)
	require.Equal(t, types.NodeUnary, ast.Type)
	assert.Equal(t, "[", ast.StrValue)
	assert.True(t, ast.IsFlashBlock)
	assert.Equal(t, "Patient", ast.InstanceOf)
	assert.True(t, ast.ContainsFlash)
	require.Len(t, ast.Expressions, 2)

	active := ast.Expressions[0]
	assert.True(t, active.IsFlashRule)
	assert.Equal(t, "Patient::active", active.FlashPathRefKey)
	require.Len(t, active.Expressions, 1)
	assert.True(t, active.Expressions[0].IsInlineExpression)

	// Multi-step paths split into nested single-step rules with the
	// inline expression on the innermost.
	name := ast.Expressions[1]
	assert.True(t, name.IsFlashRule)
	assert.Equal(t, "Patient::name", name.FlashPathRefKey)
	require.Len(t, name.Expressions, 1)
	given := name.Expressions[0]
	assert.True(t, given.IsFlashRule)
	assert.Equal(t, "Patient::name.given", given.FlashPathRefKey)
	require.Len(t, given.Expressions, 1)
	assert.True(t, given.Expressions[0].IsInlineExpression)
}

func TestParseFlashSlices(t *testing.T) {
	src := "InstanceOf: Patient\n* identifier[il-id].value = '123'"
	ast := parseOK(t, src)
	rule := ast.Expressions[0]
	assert.Equal(t, "Patient::identifier[il-id]", rule.FlashPathRefKey)
	assert.Equal(t, "Patient::identifier[il-id].value", rule.Expressions[0].FlashPathRefKey)
}

func TestParseFlashContextualizedRule(t *testing.T) {
	src := "InstanceOf: Patient\n* (telecomInput).telecom = $v"
	ast := parseOK(t, src)
	rule := ast.Expressions[0]
	require.Equal(t, types.NodePath, rule.Type)
	last := rule.Steps[len(rule.Steps)-1]
	assert.True(t, last.IsFlashRule)
	assert.Equal(t, "Patient::telecom", last.FlashPathRefKey)
}

func TestParseFlashInstanceHeader(t *testing.T) {
	src := "Instance: $pid\nInstanceOf: Patient\n* active = true"
	ast := parseOK(t, src)
	assert.True(t, ast.IsFlashBlock)
	require.NotNil(t, ast.Instance)
	assert.Equal(t, types.NodeVariable, ast.Instance.Type)
}

func TestParseFlashNestedRules(t *testing.T) {
	src := "InstanceOf: Patient\n* name\n  * given = 'Jane'\n  * family = 'Doe'"
	ast := parseOK(t, src)
	name := ast.Expressions[0]
	require.Len(t, name.Expressions, 2)
	assert.Equal(t, "Patient::name.given", name.Expressions[0].FlashPathRefKey)
	assert.Equal(t, "Patient::name.family", name.Expressions[1].FlashPathRefKey)
}

func TestParseFlashBinds(t *testing.T) {
	src := "InstanceOf: Patient\n* active = true\n$x := 1"
	ast := parseOK(t, src)
	require.Len(t, ast.Expressions, 2)
	assert.Equal(t, types.NodeBind, ast.Expressions[1].Type)
}

func TestParseFlashErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code types.ErrorCode
	}{
		{"instance without instanceof", "Instance: $id\n1 + 2", types.ErrInstanceWithoutOf},
		{"same line headers", "Instance: InstanceOf: x", types.ErrInstanceSameLine},
		{"mismatched header indent", "Instance: $id\n  InstanceOf: Patient", types.ErrInstanceIndent},
		{"empty instanceof", "InstanceOf: \n* a = 1", types.ErrEmptyInstanceOf},
		{"malformed type id", "InstanceOf: 9bad$id!\n* a = 1", types.ErrMalformedTypeID},
		{"missing inline", "InstanceOf: Patient\n* active =", types.ErrFlashMissingInline},
		{"assign into path", "InstanceOf: Patient\n* active := 1", types.ErrAssignIntoPath},
		{"wildcard rule", "InstanceOf: Patient\n* * = 1", types.ErrWildcardRule},
		{"variable after star", "InstanceOf: Patient\n* $x = 1", types.ErrVariableAfterRule},
		{"empty rule", "InstanceOf: Patient\n*\n* a = 1", types.ErrEmptyRule},
		{"odd indent", "InstanceOf: Patient\n* name\n   * given = 'x'", types.ErrOddIndent},
		{"indent above level", "InstanceOf: Patient\n    * a = 1", types.ErrIndentAboveLevel},
		{"rule below bind", "InstanceOf: Patient\n$x := 1\n  * a = 1", types.ErrRuleBelowBind},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, parseErrCode(t, tc.src))
		})
	}
}

func TestParsePostProcessIdempotent(t *testing.T) {
	// Re-parsing the same source twice yields structurally identical
	// normalized trees (stability of the post-processing pass).
	a := parseOK(t, "a.b[c=1].{'k': v}^(d)")
	b := parseOK(t, "a.b[c=1].{'k': v}^(d)")
	require.Equal(t, a.Type, b.Type)
	require.Len(t, b.Steps, len(a.Steps))
	for i := range a.Steps {
		assert.Equal(t, a.Steps[i].Type, b.Steps[i].Type)
	}
}
