package changewatch

import (
	"reflect"

	"github.com/hazyhaar/domobs/mutation"
)

// Node is an opaque handle to the watched node. changewatch never looks
// inside it; it is handed to the Primitive as is.
type Node any

// Unwrapper is implemented by wrapped references (element sets, selections)
// that stand for an underlying node. Init watches the unwrapped node.
type Unwrapper interface {
	Unwrap() Node
}

// Primitive is a native change-notification facility bound to a callback at
// construction. Observe may be called again on an observing primitive; it
// must not register a second observation.
type Primitive interface {
	Observe(node Node, cfg Config) error
	Disconnect() error
}

// Constructor builds a Primitive that reports each batch of changes through
// deliver. A nil or empty batch means "something may have changed".
type Constructor func(deliver func([]mutation.Record)) (Primitive, error)

// Mode is the watch mechanism an instance uses.
type Mode int

const (
	ModeNative  Mode = iota // a Primitive delivers change records
	ModePolling             // a ticker signals that a check is due
)

func (m Mode) String() string {
	if m == ModeNative {
		return "native"
	}
	return "polling"
}

// unwrap resolves wrapped references to the node they hold.
func unwrap(target Node) Node {
	if u, ok := target.(Unwrapper); ok {
		return u.Unwrap()
	}
	return target
}

// isNil catches typed nils stored in the Node interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
