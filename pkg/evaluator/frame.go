package evaluator

import (
	"time"

	"github.com/mechanik-daniel/flashonata/pkg/cache"
	"github.com/mechanik-daniel/flashonata/pkg/resolver"
	"github.com/mechanik-daniel/flashonata/pkg/types"
)

// HookFn is the per-node entry/exit callback a host may install. Returning
// an error aborts the evaluation; hosts use this for wall-clock timeouts or
// depth ceilings (conventionally raising U1001).
type HookFn func(node *types.ASTNode, input interface{}, frame *Frame) error

// rootState carries the per-compilation resources every frame can reach.
// Reserved state lives in typed fields rather than names in the binding
// map, so it can never collide with (or leak into) user variables.
type rootState struct {
	timestamp   time.Time
	definitions *resolver.Definitions
	regexCache  *cache.RegexCache
	entryHook   HookFn
	exitHook    HookFn
}

// Frame is one environment in the binding chain. A child frame's bindings
// shadow the parent; assignments only touch the current frame. Lookup
// walks the chain to the root.
type Frame struct {
	parent   *Frame
	bindings map[string]interface{}
	root     *rootState

	// isParallelCall marks frames evaluating non-primary items of a
	// constructor so re-entrant diagnostic callbacks can distinguish them.
	isParallelCall bool
}

// NewRootFrame creates the root frame of an evaluation.
func NewRootFrame(defs *resolver.Definitions, rc *cache.RegexCache) *Frame {
	if rc == nil {
		rc = cache.NewRegexCache(nil)
	}
	return &Frame{
		root: &rootState{
			timestamp:   time.Now(),
			definitions: defs,
			regexCache:  rc,
		},
	}
}

// NewChildFrame creates a frame chained below parent.
func NewChildFrame(parent *Frame) *Frame {
	return &Frame{
		parent: parent,
		root:   parent.root,
	}
}

// newFrameFromTuple creates a child frame binding every key of a binding
// tuple.
func newFrameFromTuple(parent *Frame, tuple map[string]interface{}) *Frame {
	f := NewChildFrame(parent)
	for k, v := range tuple {
		if k == "@" {
			continue
		}
		f.Bind(k, v)
	}
	return f
}

// Bind sets name in this frame.
func (f *Frame) Bind(name string, value interface{}) {
	if f.bindings == nil {
		f.bindings = make(map[string]interface{})
	}
	f.bindings[name] = value
}

// Lookup resolves name through the frame chain.
func (f *Frame) Lookup(name string) (interface{}, bool) {
	for cur := f; cur != nil; cur = cur.parent {
		if v, ok := cur.bindings[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Timestamp returns the evaluation start time shared by the whole frame
// tree.
func (f *Frame) Timestamp() time.Time {
	return f.root.timestamp
}

// IsParallelCall reports whether this frame evaluates a non-primary
// parallel constructor item.
func (f *Frame) IsParallelCall() bool {
	for cur := f; cur != nil; cur = cur.parent {
		if cur.isParallelCall {
			return true
		}
	}
	return false
}

// Definitions returns the resolved structure-model dictionaries, or nil.
func (f *Frame) Definitions() *resolver.Definitions {
	return f.root.definitions
}

// RegexCache returns the compiled-regex cache.
func (f *Frame) RegexCache() *cache.RegexCache {
	return f.root.regexCache
}

// SetHooks installs the per-node entry/exit callbacks on the root state.
func (f *Frame) SetHooks(entry, exit HookFn) {
	if entry != nil {
		f.root.entryHook = entry
	}
	if exit != nil {
		f.root.exitHook = exit
	}
}
