package changewatch

import "github.com/hazyhaar/domobs/mutation"

// Event names a handler category. The string values are part of the public
// contract and match the names used by the admin API and YAML config.
type Event string

const (
	OnAttributesChanged     Event = "on-attributes-changed"
	OnCharacterDataChanged  Event = "on-character-data-changed"
	OnChildListChanged      Event = "on-child-list-changed"
	OnSubtreeChanged        Event = "on-subtree-changed"
	OnAttributeOldValue     Event = "on-attribute-old-value"
	OnCharacterDataOldValue Event = "on-character-data-old-value"
	OnChange                Event = "on-change"
)

var allEvents = []Event{
	OnAttributesChanged,
	OnCharacterDataChanged,
	OnChildListChanged,
	OnSubtreeChanged,
	OnAttributeOldValue,
	OnCharacterDataOldValue,
	OnChange,
}

// Events returns every recognised event name.
func Events() []Event {
	out := make([]Event, len(allEvents))
	copy(out, allEvents)
	return out
}

// Valid reports whether e is a recognised event name.
func (e Event) Valid() bool {
	for _, known := range allEvents {
		if e == known {
			return true
		}
	}
	return false
}

func (e Event) String() string { return string(e) }

// eventFor maps a record category to the event its group is dispatched on.
func eventFor(c mutation.Category) (Event, bool) {
	switch c {
	case mutation.CategoryAttributes:
		return OnAttributesChanged, true
	case mutation.CategoryCharacterData:
		return OnCharacterDataChanged, true
	case mutation.CategoryChildList:
		return OnChildListChanged, true
	case mutation.CategorySubtree:
		return OnSubtreeChanged, true
	}
	return "", false
}

// oldValueEventFor maps a category to its derived old-value event, if any.
func oldValueEventFor(c mutation.Category) (Event, bool) {
	switch c {
	case mutation.CategoryAttributes:
		return OnAttributeOldValue, true
	case mutation.CategoryCharacterData:
		return OnCharacterDataOldValue, true
	}
	return "", false
}
