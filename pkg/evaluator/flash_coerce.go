package evaluator

import (
	"strconv"
	"strings"

	"github.com/mechanik-daniel/flashonata/pkg/resolver"
	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// System primitive coercion: the inline value of a system-kind element is
// coerced to the Go shape its type code demands, then checked against the
// element's format regex.

// coerceSystemValue coerces v per the element's type code and validates
// the primitive format. Only strings, numbers and booleans are accepted
// (F3006); a missing type code is F3007; a format mismatch is F3001.
func (e *Evaluator) coerceSystemValue(ed *resolver.ElementDefinition, v interface{}, node *types.ASTNode, frame *Frame) (interface{}, error) {
	if ed.TypeCode == "" {
		return nil, types.NewErrorf(types.ErrTypeCodeMissing, node.Position,
			"element definition %q has no type code", ed.RefKey).WithLine(node.Line)
	}

	switch v.(type) {
	case string, float64, bool:
	case nil:
		return nil, nil
	default:
		return nil, types.NewErrorf(types.ErrNonPrimitiveInput, node.Position,
			"value assigned to %q must be a string, number or boolean", ed.RefKey).
			WithLine(node.Line).WithValue(v)
	}

	target := coercionTarget(ed.TypeCode)
	var result interface{}
	switch target {
	case targetBoolean:
		if s, ok := v.(string); ok && (s == "false" || s == "FALSE") {
			result = false
		} else {
			result = isTruthy(v)
		}
	case targetNumber:
		switch t := v.(type) {
		case float64:
			result = t
		case bool:
			if t {
				result = 1.0
			} else {
				result = 0.0
			}
		case string:
			n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				return nil, types.NewErrorf(types.ErrValueFormat, node.Position,
					"value %q is not a valid %s", t, ed.TypeCode).WithLine(node.Line).WithValue(t)
			}
			result = n
		}
	default:
		result = stringify(v)
	}

	if ed.RegexStr != "" {
		if err := e.validateFormat(ed, v, node, frame); err != nil {
			return nil, err
		}
	}
	return result, nil
}

type coercionKind int

const (
	targetString coercionKind = iota
	targetNumber
	targetBoolean
)

// coercionTarget classifies a type code (FHIR primitive name or FHIRPath
// System type) into the coercion it needs.
func coercionTarget(code string) coercionKind {
	code = strings.TrimPrefix(code, "http://hl7.org/fhirpath/System.")
	switch code {
	case "boolean", "Boolean":
		return targetBoolean
	case "decimal", "integer", "positiveInt", "integer64", "unsignedInt",
		"Decimal", "Integer":
		return targetNumber
	default:
		return targetString
	}
}

// validateFormat applies the element's format regex to the stringification
// of the input. Date values are truncated to 10 characters before
// testing. The pattern is anchored, matching the structure model's
// implicit whole-value semantics.
func (e *Evaluator) validateFormat(ed *resolver.ElementDefinition, v interface{}, node *types.ASTNode, frame *Frame) error {
	s := stringify(v)
	if isDateTypeCode(ed.TypeCode) && len(s) > 10 {
		s = s[:10]
	}

	pattern := "^(?:" + ed.RegexStr + ")$"
	re, err := frame.RegexCache().GetOrCompile(pattern)
	if err != nil {
		// An uncompilable structure-model regex cannot be enforced.
		return nil
	}
	if m := re.Exec(s, 0); m == nil || m.Start != 0 || m.End != len(s) {
		return types.NewErrorf(types.ErrValueFormat, node.Position,
			"value %q does not match the format required by %s", s, ed.RefKey).
			WithLine(node.Line).WithValue(s)
	}
	return nil
}

func isDateTypeCode(code string) bool {
	code = strings.TrimPrefix(code, "http://hl7.org/fhirpath/System.")
	switch code {
	case "date", "Date":
		return true
	default:
		return false
	}
}
