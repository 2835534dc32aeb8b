package evaluator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mechanik-daniel/flashonata/pkg/evaluator"
	"github.com/mechanik-daniel/flashonata/pkg/types"
)

func TestSignatureParsing(t *testing.T) {
	tests := []struct {
		sig     string
		params  int
		wantErr bool
	}{
		{"<s:s>", 1, false},
		{"<s-nn?:s>", 3, false},
		{"<a<n>:n>", 1, false},
		{"<af:a>", 2, false},
		{"<x+:a>", 1, false},
		{"<(sb):s>", 1, false},
		{"s:s", 0, true},
		{"<q:s>", 0, true},
	}
	for _, tc := range tests {
		sig, err := evaluator.ParseSignature(tc.sig)
		if tc.wantErr {
			assert.Error(t, err, tc.sig)
			continue
		}
		require.NoError(t, err, tc.sig)
		assert.Len(t, sig.Params, tc.params, tc.sig)
	}
}

func TestSignatureValidation(t *testing.T) {
	sig, err := evaluator.ParseSignature("<sn:s>")
	require.NoError(t, err)

	args, err := sig.Validate([]interface{}{"a", 2.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", 2.0}, args)

	_, err = sig.Validate([]interface{}{2.0, "a"}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrArgumentType, err.(*types.Error).Code)
}

func TestSignatureContextSubstitution(t *testing.T) {
	sig, err := evaluator.ParseSignature("<s-:s>")
	require.NoError(t, err)

	// A missing argument takes the evaluation context.
	args, err := sig.Validate(nil, "ctx")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"ctx"}, args)

	// A mismatching context fails T0411.
	_, err = sig.Validate(nil, 5.0)
	require.Error(t, err)
	assert.Equal(t, types.ErrArgumentType2, err.(*types.Error).Code)
}

func TestSignatureArrayBoxing(t *testing.T) {
	sig, err := evaluator.ParseSignature("<a:n>")
	require.NoError(t, err)

	args, err := sig.Validate([]interface{}{5.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{[]interface{}{5.0}}, args)
}

func TestSignatureVariadic(t *testing.T) {
	sig, err := evaluator.ParseSignature("<n+:n>")
	require.NoError(t, err)

	args, err := sig.Validate([]interface{}{1.0, 2.0, 3.0}, nil)
	require.NoError(t, err)
	assert.Len(t, args, 3)

	_, err = sig.Validate([]interface{}{1.0, "x"}, nil)
	assert.Error(t, err)
}

func TestSignatureUndefinedFlowsThrough(t *testing.T) {
	sig, err := evaluator.ParseSignature("<s:s>")
	require.NoError(t, err)
	args, err := sig.Validate([]interface{}{nil}, nil)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{nil}, args)
}
