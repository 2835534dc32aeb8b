package types

import (
	"bytes"
	"encoding/json"
	"regexp"
)

// Null represents an explicit null literal distinct from undefined (nil).
type Null struct{}

// MarshalJSON implements json.Marshaler for Null.
// This ensures that Null serializes to JSON null instead of {}.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// NullValue is the singleton value used for explicit null.
var NullValue = Null{}

// Sequence is an array tagged as a query result, distinguishable from a
// user-constructed array for flattening purposes.
//
// A sequence of length 1 is unwrapped to its single element during sequence
// normalization unless KeepSingleton is set; an empty sequence normalizes to
// undefined (nil).
type Sequence struct {
	Values []interface{}

	// KeepSingleton preserves a 1-element sequence as an array.
	KeepSingleton bool
	// TupleStream marks a sequence of binding tuples flowing across path steps.
	TupleStream bool
	// Cons marks a sequence built by an explicit array constructor; such
	// arrays are not flattened when pushed into an outer sequence.
	Cons bool
	// OuterWrapper marks the synthetic wrapper placed around a singleton
	// input so that the current-context variable can unwrap it.
	OuterWrapper bool
}

// NewSequence creates a sequence from zero or more items.
func NewSequence(items ...interface{}) *Sequence {
	return &Sequence{Values: items}
}

// Append adds a value to the sequence.
func (s *Sequence) Append(v interface{}) {
	s.Values = append(s.Values, v)
}

// Len returns the number of items in the sequence.
func (s *Sequence) Len() int {
	return len(s.Values)
}

// MarshalJSON serializes the sequence as a plain JSON array.
func (s *Sequence) MarshalJSON() ([]byte, error) {
	if s.Values == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.Values)
}

// OrderedMap is a string-keyed mapping that preserves insertion order.
// All objects produced by the evaluator are OrderedMaps; input documents may
// use either OrderedMap or plain map[string]interface{}.
type OrderedMap struct {
	keys   []string
	values map[string]interface{}
}

// NewOrderedMap creates an empty ordered map.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{values: make(map[string]interface{})}
}

// Set stores a value under key, appending the key on first insertion.
func (m *OrderedMap) Set(key string, value interface{}) {
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value stored under key.
func (m *OrderedMap) Get(key string) (interface{}, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Has reports whether key is present.
func (m *OrderedMap) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// Delete removes key and its value.
func (m *OrderedMap) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order. The caller must not mutate it.
func (m *OrderedMap) Keys() []string {
	return m.keys
}

// Len returns the number of entries.
func (m *OrderedMap) Len() int {
	return len(m.keys)
}

// Clone returns a shallow copy.
func (m *OrderedMap) Clone() *OrderedMap {
	c := &OrderedMap{
		keys:   append([]string(nil), m.keys...),
		values: make(map[string]interface{}, len(m.values)),
	}
	for k, v := range m.values {
		c.values[k] = v
	}
	return c
}

// MarshalJSON serializes entries in insertion order.
func (m *OrderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// RegexMatch is the result of applying a compiled regex to a string.
type RegexMatch struct {
	Match  string
	Start  int
	End    int
	Groups []string
	// Next returns the following match, or nil when exhausted. A zero-width
	// match that would repeat forever returns an error (D1004).
	Next func() (*RegexMatch, error)
}

// Regex is a compiled regular expression as seen by the evaluator.
type Regex interface {
	// Source returns the original pattern text.
	Source() string
	// Exec returns the first match at or after position start, or nil.
	Exec(s string, start int) *RegexMatch
}

// RegexEngine compiles regular expressions. A host may supply a custom
// engine at compile time; the default wraps the Go regexp package.
type RegexEngine interface {
	Compile(pattern string) (Regex, error)
}

type goRegexEngine struct{}

type goRegex struct {
	re     *regexp.Regexp
	source string
}

// DefaultRegexEngine returns the engine backed by the Go regexp package.
func DefaultRegexEngine() RegexEngine {
	return goRegexEngine{}
}

func (goRegexEngine) Compile(pattern string) (Regex, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &goRegex{re: re, source: pattern}, nil
}

func (r *goRegex) Source() string {
	return r.source
}

func (r *goRegex) Exec(s string, start int) *RegexMatch {
	if start < 0 || start > len(s) {
		return nil
	}
	loc := r.re.FindStringSubmatchIndex(s[start:])
	if loc == nil {
		return nil
	}
	m := &RegexMatch{
		Match: s[start+loc[0] : start+loc[1]],
		Start: start + loc[0],
		End:   start + loc[1],
	}
	for g := 1; g*2 < len(loc); g++ {
		if loc[g*2] < 0 {
			m.Groups = append(m.Groups, "")
		} else {
			m.Groups = append(m.Groups, s[start+loc[g*2]:start+loc[g*2+1]])
		}
	}
	m.Next = func() (*RegexMatch, error) {
		next := m.End
		if next == m.Start {
			// Zero-width match: advancing by zero would loop forever.
			if next >= len(s) {
				return nil, nil
			}
			return nil, NewError(ErrZeroLengthMatch, m.Start)
		}
		return r.Exec(s, next), nil
	}
	return m
}
