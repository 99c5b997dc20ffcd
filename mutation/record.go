// Package mutation defines the change records delivered by a watch primitive
// and the batches domobs forwards to sinks. Any consumer of watchd output
// imports this package to decode what it receives.
package mutation

import (
	"fmt"
)

// Category is the kind of change a Record describes.
type Category uint8

const (
	CategoryUnknown       Category = iota
	CategoryAttributes             // attribute set or removed
	CategoryCharacterData          // text node content changed
	CategoryChildList              // children inserted or removed
	CategorySubtree                // change reported for a descendant as a whole
)

var categoryNames = [...]string{
	CategoryUnknown:       "",
	CategoryAttributes:    "attributes",
	CategoryCharacterData: "characterData",
	CategoryChildList:     "childList",
	CategorySubtree:       "subtree",
}

// String returns the wire name of the category ("attributes", "childList"...).
func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category(%d)", uint8(c))
}

// ParseCategory maps a wire name to its Category. Unknown names return
// CategoryUnknown and an error.
func ParseCategory(s string) (Category, error) {
	for i, name := range categoryNames {
		if i > 0 && name == s {
			return Category(i), nil
		}
	}
	return CategoryUnknown, fmt.Errorf("mutation: unknown category %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	if c == CategoryUnknown || int(c) >= len(categoryNames) {
		return nil, fmt.Errorf("mutation: cannot marshal category %d", uint8(c))
	}
	return []byte(categoryNames[c]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Record is a single reported change. Records are produced by a watch
// primitive and never modified afterwards.
type Record struct {
	Category      Category `json:"type"`
	Target        string   `json:"target"`                   // XPath of the changed node
	AttributeName string   `json:"attribute_name,omitempty"` // attributes only
	Value         string   `json:"value,omitempty"`          // new attribute value or text
	OldValue      *string  `json:"old_value,omitempty"`      // nil when the primitive did not record it
	Added         []string `json:"added,omitempty"`          // XPaths of inserted children
	Removed       []string `json:"removed,omitempty"`        // XPaths of removed children
}

// HasOldValue reports whether the primitive captured the previous value.
func (r Record) HasOldValue() bool { return r.OldValue != nil }

// Batch is the unit forwarded to sinks: the records one handler invocation
// received, stamped with the target they came from.
type Batch struct {
	ID        string   `json:"id"` // UUIDv7
	TargetID  string   `json:"target_id"`
	PageURL   string   `json:"page_url"`
	Event     string   `json:"event"`
	Seq       uint64   `json:"seq"` // monotonically increasing per target
	Records   []Record `json:"records"`
	HTMLHash  string   `json:"html_hash,omitempty"` // polling mode only
	Timestamp int64    `json:"timestamp"`           // epoch milliseconds
}
