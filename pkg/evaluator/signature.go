package evaluator

import (
	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// Signature is a parsed function type signature.
//
// Grammar: '<' param* (':' return)? '>'. Params are single letters —
// b bool, n number, s string, a array, o object, f function, u undefined,
// l null, j any JSON value, x anything — with optional modifiers:
// '?' optional, '+' one or more, '-' substitute the evaluation context
// when the argument is missing. a<…> and f<…> carry a parameter spec that
// is recorded but not enforced beyond the outer type.
type Signature struct {
	Params []SigParam
	Return *SigParam
	source string
}

// SigParam is one parameter specification of a signature.
type SigParam struct {
	Type           byte
	Optional       bool
	Variadic       bool
	ContextDefault bool
	Sub            string // parameter spec of a<…> / f<…>
	Union          string // accepted letters of a (…) union
}

// ParseSignature parses a signature literal such as "<s-n?:s>".
func ParseSignature(sig string) (*Signature, error) {
	if len(sig) < 2 || sig[0] != '<' || sig[len(sig)-1] != '>' {
		return nil, types.NewErrorf(types.ErrSyntaxError, 0, "invalid function signature %q", sig)
	}
	body := sig[1 : len(sig)-1]
	result := &Signature{source: sig}

	params := &result.Params
	i := 0
	for i < len(body) {
		c := body[i]
		switch c {
		case ':':
			// Everything after the colon describes the return value.
			rest := body[i+1:]
			if rest != "" {
				ret := SigParam{Type: rest[0]}
				result.Return = &ret
			}
			i = len(body)
			continue
		case 'b', 'n', 's', 'a', 'o', 'f', 'u', 'l', 'j', 'x':
			*params = append(*params, SigParam{Type: c})
			i++
		case '(':
			// Union of accepted types, e.g. (sb).
			end := i + 1
			for end < len(body) && body[end] != ')' {
				end++
			}
			if end >= len(body) {
				return nil, types.NewErrorf(types.ErrSyntaxError, 0, "unterminated union in signature %q", sig)
			}
			*params = append(*params, SigParam{Type: '(', Union: body[i+1 : end]})
			i = end + 1
		case '<':
			// Parameter spec of the preceding a/f param.
			if len(*params) == 0 {
				return nil, types.NewErrorf(types.ErrSyntaxError, 0, "misplaced '<' in signature %q", sig)
			}
			depth := 1
			end := i + 1
			for end < len(body) && depth > 0 {
				switch body[end] {
				case '<':
					depth++
				case '>':
					depth--
				}
				end++
			}
			if depth != 0 {
				return nil, types.NewErrorf(types.ErrSyntaxError, 0, "unterminated '<' in signature %q", sig)
			}
			(*params)[len(*params)-1].Sub = body[i+1 : end-1]
			i = end
		case '?':
			if len(*params) == 0 {
				return nil, types.NewErrorf(types.ErrSyntaxError, 0, "misplaced '?' in signature %q", sig)
			}
			(*params)[len(*params)-1].Optional = true
			i++
		case '+':
			if len(*params) == 0 {
				return nil, types.NewErrorf(types.ErrSyntaxError, 0, "misplaced '+' in signature %q", sig)
			}
			(*params)[len(*params)-1].Variadic = true
			i++
		case '-':
			if len(*params) == 0 {
				return nil, types.NewErrorf(types.ErrSyntaxError, 0, "misplaced '-' in signature %q", sig)
			}
			(*params)[len(*params)-1].ContextDefault = true
			i++
		default:
			return nil, types.NewErrorf(types.ErrSyntaxError, 0, "unknown type symbol %q in signature %q", string(c), sig)
		}
	}
	return result, nil
}

// String returns the signature source text.
func (s *Signature) String() string {
	return s.source
}

// Validate coerces args to the signature, substituting the evaluation
// context for missing '-' parameters. A mismatched argument fails T0410
// (or T0411 when the substituted context mismatches).
func (s *Signature) Validate(args []interface{}, input interface{}) ([]interface{}, error) {
	out := make([]interface{}, 0, len(args))
	ai := 0

	for pi := range s.Params {
		p := &s.Params[pi]

		if p.Variadic {
			// One or more arguments of this type.
			if ai >= len(args) {
				if p.Optional {
					continue
				}
				return nil, argError(types.ErrArgumentType, pi+1, p, nil)
			}
			for ai < len(args) {
				coerced, ok := coerceArg(p, args[ai])
				if !ok {
					return nil, argError(types.ErrArgumentType, ai+1, p, args[ai])
				}
				out = append(out, coerced)
				ai++
			}
			continue
		}

		if ai >= len(args) {
			switch {
			case p.ContextDefault:
				coerced, ok := coerceArg(p, input)
				if !ok {
					return nil, argError(types.ErrArgumentType2, pi+1, p, input)
				}
				out = append(out, coerced)
			case p.Optional:
				// absent
			default:
				out = append(out, nil)
			}
			continue
		}

		arg := args[ai]
		ai++
		coerced, ok := coerceArg(p, arg)
		if !ok {
			return nil, argError(types.ErrArgumentType, ai, p, arg)
		}
		out = append(out, coerced)
	}

	// Surplus arguments pass through untouched.
	for ; ai < len(args); ai++ {
		out = append(out, args[ai])
	}
	return out, nil
}

func argError(code types.ErrorCode, index int, p *SigParam, value interface{}) error {
	return types.NewErrorf(code, 0,
		"argument %d does not match function signature (expected %s)", index, string(p.Type)).
		WithValue(value)
}

// coerceArg checks one argument against a parameter, boxing singletons
// into arrays where the signature asks for one.
func coerceArg(p *SigParam, arg interface{}) (interface{}, bool) {
	if arg == nil {
		// Undefined flows through; functions decide how to handle it.
		return nil, true
	}
	if p.Type == '(' {
		for i := 0; i < len(p.Union); i++ {
			sub := SigParam{Type: p.Union[i]}
			if v, ok := coerceArg(&sub, arg); ok {
				return v, true
			}
		}
		return nil, false
	}
	switch p.Type {
	case 'x':
		return arg, true
	case 'j':
		if isCallable(arg) {
			return nil, false
		}
		return arg, true
	case 'b':
		_, ok := arg.(bool)
		return arg, ok
	case 'n':
		_, ok := arg.(float64)
		return arg, ok
	case 's':
		_, ok := arg.(string)
		return arg, ok
	case 'l':
		_, ok := arg.(types.Null)
		return arg, ok
	case 'o':
		return arg, isObject(arg)
	case 'f':
		return arg, isCallable(arg)
	case 'a':
		if _, ok := isArrayValue(arg); ok {
			return arg, true
		}
		// Singleton boxing.
		return []interface{}{arg}, true
	case 'u':
		return nil, false // only undefined matches, handled above
	default:
		return nil, false
	}
}
