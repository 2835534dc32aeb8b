package parser_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mechanik-daniel/flashonata/pkg/parser"
	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// collectTokens drains the lexer, failing the test on a lexer error unless
// wantErr is set.
func collectTokens(t *testing.T, input string) []parser.Token {
	t.Helper()
	l := parser.NewLexer(input)
	var out []parser.Token
	for {
		tok := l.Next(false)
		if tok.Type == parser.TokenEOF || tok.Type == parser.TokenError {
			return out
		}
		out = append(out, tok)
	}
}

func tokenTypes(tokens []parser.Token) []parser.TokenType {
	out := make([]parser.TokenType, len(tokens))
	for i, tok := range tokens {
		out[i] = tok.Type
	}
	return out
}

func TestLexerBasicTokens(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []parser.TokenType
	}{
		{
			name:     "name and operators",
			input:    "a + b * c",
			expected: []parser.TokenType{parser.TokenName, parser.TokenPlus, parser.TokenName, parser.TokenMult, parser.TokenName},
		},
		{
			name:     "two char symbols",
			input:    "a != b <= c ~> $f ?? d",
			expected: []parser.TokenType{parser.TokenName, parser.TokenNotEqual, parser.TokenName, parser.TokenLessEqual, parser.TokenName, parser.TokenApply, parser.TokenVariable, parser.TokenCoalesce, parser.TokenName},
		},
		{
			name:     "keywords",
			input:    "a and b or c in d",
			expected: []parser.TokenType{parser.TokenName, parser.TokenAnd, parser.TokenName, parser.TokenOr, parser.TokenName, parser.TokenIn, parser.TokenName},
		},
		{
			name:     "literals",
			input:    `true false null 42 "str"`,
			expected: []parser.TokenType{parser.TokenBoolean, parser.TokenBoolean, parser.TokenNull, parser.TokenNumber, parser.TokenString},
		},
		{
			name:     "bind and range",
			input:    "$x := 1..5",
			expected: []parser.TokenType{parser.TokenVariable, parser.TokenAssign, parser.TokenNumber, parser.TokenRange, parser.TokenNumber},
		},
		{
			name:     "focus and index",
			input:    "a@$v.b#$i",
			expected: []parser.TokenType{parser.TokenName, parser.TokenAt, parser.TokenVariable, parser.TokenDot, parser.TokenName, parser.TokenHash, parser.TokenVariable},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tokenTypes(collectTokens(t, tc.input)))
		})
	}
}

func TestLexerPositionsMonotonic(t *testing.T) {
	input := "foo . bar[price > 100].{ \"a\": 1 }\n+ 2 /* c */ - 3"
	tokens := collectTokens(t, input)
	require.NotEmpty(t, tokens)

	prev := -1
	for _, tok := range tokens {
		assert.Greater(t, tok.Position, prev, "token %q", tok.Value)
		assert.LessOrEqual(t, tok.Position, len(input))
		prev = tok.Position
	}
}

func TestLexerComments(t *testing.T) {
	tokens := collectTokens(t, "a /* block */ b // line\nc")
	assert.Equal(t, []parser.TokenType{parser.TokenName, parser.TokenName, parser.TokenName}, tokenTypes(tokens))

	l := parser.NewLexer("a /* never closed")
	for {
		tok := l.Next(false)
		if tok.Type == parser.TokenEOF || tok.Type == parser.TokenError {
			break
		}
	}
	err := l.Error()
	require.Error(t, err)
	assert.Equal(t, types.ErrCommentNotClosed, err.(*types.Error).Code)
}

func TestLexerStringErrors(t *testing.T) {
	l := parser.NewLexer(`"unterminated`)
	tok := l.Next(false)
	require.Equal(t, parser.TokenError, tok.Type)
	assert.Equal(t, types.ErrStringNotClosed, l.Error().(*types.Error).Code)
}

func TestLexerRegex(t *testing.T) {
	l := parser.NewLexer(`/ab+c/i`)
	tok := l.Next(true)
	require.Equal(t, parser.TokenRegex, tok.Type)
	assert.Equal(t, "(?i)ab+c", tok.Value)

	l = parser.NewLexer(`//`)
	tok = l.Next(true)
	require.Equal(t, parser.TokenError, tok.Type)
	assert.Equal(t, types.ErrEmptyRegex, l.Error().(*types.Error).Code)

	l = parser.NewLexer(`/never`)
	tok = l.Next(true)
	require.Equal(t, parser.TokenError, tok.Type)
	assert.Equal(t, types.ErrRegexNotClosed, l.Error().(*types.Error).Code)
}

func TestLexerLineAndIndentTracking(t *testing.T) {
	tokens := collectTokens(t, "a\n  b\n\tc")
	require.Len(t, tokens, 3)
	assert.Equal(t, 1, tokens[0].Line)
	assert.Equal(t, 2, tokens[1].Line)
	assert.Equal(t, 2, tokens[1].Indent) // two spaces
	assert.Equal(t, 3, tokens[2].Line)
	assert.Equal(t, 2, tokens[2].Indent) // one tab counts double
}

func TestLexerFlashTokens(t *testing.T) {
	input := "InstanceOf: Patient\n* active = true"
	tokens := collectTokens(t, input)
	tt := tokenTypes(tokens)
	assert.Equal(t, []parser.TokenType{
		parser.TokenBlockIndent,
		parser.TokenInstanceOf,
		parser.TokenIndent,
		parser.TokenFlashRule,
		parser.TokenName,
		parser.TokenEqual,
		parser.TokenBoolean,
	}, tt)
	assert.Equal(t, "Patient", tokens[1].Value)
	assert.Equal(t, 0, tokens[2].Indent)
}

func TestLexerFlashInstanceHeader(t *testing.T) {
	input := "Instance: $id\nInstanceOf: Patient"
	tokens := collectTokens(t, input)
	assert.Equal(t, []parser.TokenType{
		parser.TokenBlockIndent,
		parser.TokenInstance,
		parser.TokenVariable,
		parser.TokenBlockIndent,
		parser.TokenInstanceOf,
	}, tokenTypes(tokens))
}

func TestLexerFlashURL(t *testing.T) {
	input := "InstanceOf: http://example.org/StructureDefinition/foo\n* value = http://example.org/x"
	tokens := collectTokens(t, input)
	require.GreaterOrEqual(t, len(tokens), 2)
	assert.Equal(t, parser.TokenInstanceOf, tokens[1].Type)
	assert.Equal(t, "http://example.org/StructureDefinition/foo", tokens[1].Value)

	last := tokens[len(tokens)-1]
	assert.Equal(t, parser.TokenURL, last.Type)
	assert.Equal(t, "http://example.org/x", last.Value)
}

func TestLexerBacktickNames(t *testing.T) {
	tokens := collectTokens(t, "`field with spaces`.x")
	require.Len(t, tokens, 3)
	assert.Equal(t, parser.TokenNameEsc, tokens[0].Type)
	assert.Equal(t, "field with spaces", tokens[0].Value)
}

func TestLexerNumbers(t *testing.T) {
	tests := []struct {
		input string
		value string
	}{
		{"0", "0"},
		{"42", "42"},
		{"3.14", "3.14"},
		{"1e-10", "1e-10"},
		{"2.5E+3", "2.5E+3"},
	}
	for _, tc := range tests {
		tokens := collectTokens(t, tc.input)
		require.Len(t, tokens, 1, tc.input)
		assert.Equal(t, parser.TokenNumber, tokens[0].Type)
		assert.Equal(t, tc.value, tokens[0].Value)
	}

	// The dot of "1..5" must not be swallowed by the number.
	tokens := collectTokens(t, "1..5")
	assert.Equal(t, []parser.TokenType{parser.TokenNumber, parser.TokenRange, parser.TokenNumber}, tokenTypes(tokens))
}
