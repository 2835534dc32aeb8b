package evaluator

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// Registry holds the functions callable from expressions: a minimal
// built-in set plus anything the host registers. The full standard
// function library is an external collaborator and plugs in through
// Register.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]*NativeFn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]*NativeFn)}
}

// Register installs a function under name (without the leading '$').
// signature may be empty to skip argument validation.
func (r *Registry) Register(name, signature string, fn GoCallable) error {
	var sig *Signature
	if signature != "" {
		parsed, err := ParseSignature(signature)
		if err != nil {
			return err
		}
		sig = parsed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[name] = &NativeFn{Name: name, Signature: sig, Fn: fn}
	return nil
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (*NativeFn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

// List returns the registered names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fns))
	for name := range r.fns {
		names = append(names, name)
	}
	return names
}

// DefaultRegistry returns a registry pre-loaded with the built-in set.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	must := func(name, sig string, fn GoCallable) {
		if err := r.Register(name, sig, fn); err != nil {
			panic(err)
		}
	}

	must("string", "<x-:s>", fnString)
	must("number", "<x-:n>", fnNumber)
	must("boolean", "<x-:b>", fnBoolean)
	must("not", "<x-:b>", fnNot)
	must("exists", "<x:b>", fnExists)
	must("count", "<a:n>", fnCount)
	must("sum", "<a<n>:n>", fnSum)
	must("uppercase", "<s-:s>", fnUppercase)
	must("lowercase", "<s-:s>", fnLowercase)
	must("substring", "<s-nn?:s>", fnSubstring)
	must("join", "<a<s>s?:s>", fnJoin)
	must("split", "<s-xn?:a<s>>", fnSplit)
	must("append", "<xx:a>", fnAppend)
	must("keys", "<x-:a<s>>", fnKeys)
	must("lookup", "<x-s:x>", fnLookup)
	must("map", "<af:a>", fnMap)
	must("filter", "<af:a>", fnFilter)
	must("reduce", "<afj?:j>", fnReduce)
	must("now", "<:s>", fnNow)
	must("millis", "<:n>", fnMillis)

	return r
}

func fnString(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	if len(args) == 0 || args[0] == nil {
		return nil, nil
	}
	if isCallable(args[0]) {
		return "", nil
	}
	return stringify(args[0]), nil
}

func fnNumber(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	if len(args) == 0 || args[0] == nil {
		return nil, nil
	}
	switch v := args[0].(type) {
	case float64:
		return v, nil
	case bool:
		if v {
			return 1.0, nil
		}
		return 0.0, nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, types.NewErrorf(types.ErrArgumentType, 0,
				"unable to cast %q to a number", v).WithValue(v)
		}
		return n, nil
	default:
		return nil, types.NewError(types.ErrArgumentType, 0).WithValue(args[0])
	}
}

func fnBoolean(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	if len(args) == 0 || args[0] == nil {
		return nil, nil
	}
	return isTruthy(args[0]), nil
}

func fnNot(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	if len(args) == 0 || args[0] == nil {
		return nil, nil
	}
	return !isTruthy(args[0]), nil
}

func fnExists(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return false, nil
	}
	return args[0] != nil, nil
}

func fnCount(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	if len(args) == 0 || args[0] == nil {
		return 0.0, nil
	}
	if items, ok := isArrayValue(args[0]); ok {
		return float64(len(items)), nil
	}
	return 1.0, nil
}

func fnSum(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	if len(args) == 0 || args[0] == nil {
		return nil, nil
	}
	items, _ := isArrayValue(args[0])
	var total float64
	for _, item := range items {
		n, ok := item.(float64)
		if !ok {
			return nil, types.NewError(types.ErrArgumentType, 0).WithValue(item)
		}
		total += n
	}
	return total, nil
}

func fnUppercase(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	if len(args) == 0 || args[0] == nil {
		return nil, nil
	}
	return strings.ToUpper(args[0].(string)), nil
}

func fnLowercase(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	if len(args) == 0 || args[0] == nil {
		return nil, nil
	}
	return strings.ToLower(args[0].(string)), nil
}

func fnSubstring(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	if len(args) < 2 || args[0] == nil {
		return nil, nil
	}
	runes := []rune(args[0].(string))
	start := int(args[1].(float64))
	if start < 0 {
		start = len(runes) + start
		if start < 0 {
			start = 0
		}
	}
	if start >= len(runes) {
		return "", nil
	}
	end := len(runes)
	if len(args) > 2 && args[2] != nil {
		length := int(args[2].(float64))
		if length < 0 {
			length = 0
		}
		if start+length < end {
			end = start + length
		}
	}
	return string(runes[start:end]), nil
}

func fnJoin(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	if len(args) == 0 || args[0] == nil {
		return nil, nil
	}
	items, _ := isArrayValue(args[0])
	sep := ""
	if len(args) > 1 {
		if s, ok := args[1].(string); ok {
			sep = s
		}
	}
	parts := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, types.NewError(types.ErrArgumentType, 0).WithValue(item)
		}
		parts[i] = s
	}
	return strings.Join(parts, sep), nil
}

func fnSplit(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	if len(args) < 2 || args[0] == nil {
		return nil, nil
	}
	s := args[0].(string)
	limit := -1
	if len(args) > 2 && args[2] != nil {
		limit = int(args[2].(float64))
	}

	var parts []string
	switch sep := args[1].(type) {
	case string:
		parts = strings.Split(s, sep)
	case *regexFn:
		rest := s
		for {
			m := sep.re.Exec(rest, 0)
			if m == nil || m.End == m.Start {
				break
			}
			parts = append(parts, rest[:m.Start])
			rest = rest[m.End:]
		}
		parts = append(parts, rest)
	default:
		return nil, types.NewError(types.ErrArgumentType, 0).WithValue(args[1])
	}

	if limit >= 0 && len(parts) > limit {
		parts = parts[:limit]
	}
	out := make([]interface{}, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func fnAppend(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, nil
	}
	a, b := args[0], args[1]
	if a == nil {
		return b, nil
	}
	if b == nil {
		return a, nil
	}
	result := newSequence()
	for _, v := range []interface{}{a, b} {
		if items, ok := isArrayValue(v); ok {
			result.Values = append(result.Values, items...)
		} else {
			result.Append(v)
		}
	}
	result.KeepSingleton = true
	return result, nil
}

func fnKeys(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	if len(args) == 0 || args[0] == nil {
		return nil, nil
	}
	seen := make(map[string]bool)
	result := newSequence()
	var visit func(v interface{})
	visit = func(v interface{}) {
		if items, ok := isArrayValue(v); ok {
			for _, item := range items {
				visit(item)
			}
			return
		}
		for _, k := range objectKeys(v) {
			if !seen[k] {
				seen[k] = true
				result.Append(k)
			}
		}
	}
	visit(args[0])
	return normalizeSequence(result), nil
}

func fnLookup(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	if len(args) < 2 || args[0] == nil || args[1] == nil {
		return nil, nil
	}
	key, ok := args[1].(string)
	if !ok {
		return nil, types.NewError(types.ErrArgumentType, 0).WithValue(args[1])
	}
	return normalizeSequence(asSequence(evalNameLookup(args[0], key))), nil
}

func fnMap(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	if len(args) < 2 || args[0] == nil {
		return nil, nil
	}
	items, _ := isArrayValue(args[0])
	fn := args[1]
	result := newSequence()
	for i, item := range items {
		res, err := e.apply(ctx, fn, callbackArgs(fn, item, float64(i), items), input, frame)
		if err != nil {
			return nil, err
		}
		if res != nil {
			result.Append(res)
		}
	}
	return normalizeSequence(result), nil
}

func fnFilter(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	if len(args) < 2 || args[0] == nil {
		return nil, nil
	}
	items, _ := isArrayValue(args[0])
	fn := args[1]
	result := newSequence()
	for i, item := range items {
		res, err := e.apply(ctx, fn, callbackArgs(fn, item, float64(i), items), input, frame)
		if err != nil {
			return nil, err
		}
		if isTruthy(res) {
			result.Append(item)
		}
	}
	return normalizeSequence(result), nil
}

func fnReduce(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	if len(args) < 2 || args[0] == nil {
		return nil, nil
	}
	items, _ := isArrayValue(args[0])
	fn := args[1]

	var acc interface{}
	start := 0
	if len(args) > 2 && args[2] != nil {
		acc = args[2]
	} else {
		if len(items) == 0 {
			return nil, nil
		}
		acc = items[0]
		start = 1
	}
	for i := start; i < len(items); i++ {
		res, err := e.apply(ctx, fn, []interface{}{acc, items[i]}, input, frame)
		if err != nil {
			return nil, err
		}
		acc = res
	}
	return acc, nil
}

func fnNow(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	return frame.Timestamp().UTC().Format("2006-01-02T15:04:05.000Z07:00"), nil
}

func fnMillis(ctx context.Context, e *Evaluator, frame *Frame, input interface{}, args []interface{}) (interface{}, error) {
	return float64(frame.Timestamp().UnixNano() / int64(time.Millisecond)), nil
}

// callbackArgs passes as many of (item, index, array) as the callback
// declares; native callbacks receive all three.
func callbackArgs(fn interface{}, item interface{}, index float64, items []interface{}) []interface{} {
	arity := 3
	if lambda, ok := fn.(*Lambda); ok {
		arity = len(lambda.Params)
	}
	switch {
	case arity <= 1:
		return []interface{}{item}
	case arity == 2:
		return []interface{}{item, index}
	default:
		arr := make([]interface{}, len(items))
		copy(arr, items)
		return []interface{}{item, index, arr}
	}
}
