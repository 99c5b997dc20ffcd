package changewatch

// Config selects which change categories the primitive reports. The JSON
// field names are the keys of a MutationObserver init dictionary.
type Config struct {
	ChildList             bool     `json:"childList" yaml:"childList"`
	Attributes            bool     `json:"attributes" yaml:"attributes"`
	CharacterData         bool     `json:"characterData" yaml:"characterData"`
	Subtree               bool     `json:"subtree" yaml:"subtree"`
	AttributeOldValue     bool     `json:"attributeOldValue" yaml:"attributeOldValue"`
	CharacterDataOldValue bool     `json:"characterDataOldValue" yaml:"characterDataOldValue"`
	AttributeFilter       []string `json:"attributeFilter,omitempty" yaml:"attributeFilter,omitempty"`
}

// DefaultConfig tracks everything, with no attribute filter.
func DefaultConfig() Config {
	return Config{
		ChildList:             true,
		Attributes:            true,
		CharacterData:         true,
		Subtree:               true,
		AttributeOldValue:     true,
		CharacterDataOldValue: true,
	}
}

// Overrides is a partial Config. Nil fields keep the base value.
type Overrides struct {
	ChildList             *bool    `json:"childList,omitempty" yaml:"childList,omitempty"`
	Attributes            *bool    `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	CharacterData         *bool    `json:"characterData,omitempty" yaml:"characterData,omitempty"`
	Subtree               *bool    `json:"subtree,omitempty" yaml:"subtree,omitempty"`
	AttributeOldValue     *bool    `json:"attributeOldValue,omitempty" yaml:"attributeOldValue,omitempty"`
	CharacterDataOldValue *bool    `json:"characterDataOldValue,omitempty" yaml:"characterDataOldValue,omitempty"`
	AttributeFilter       []string `json:"attributeFilter,omitempty" yaml:"attributeFilter,omitempty"`
}

// Merge returns c with every set field of o applied. Shallow: a non-nil
// AttributeFilter replaces the base filter rather than extending it.
func (c Config) Merge(o *Overrides) Config {
	if o == nil {
		return c
	}
	set := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	set(&c.ChildList, o.ChildList)
	set(&c.Attributes, o.Attributes)
	set(&c.CharacterData, o.CharacterData)
	set(&c.Subtree, o.Subtree)
	set(&c.AttributeOldValue, o.AttributeOldValue)
	set(&c.CharacterDataOldValue, o.CharacterDataOldValue)
	if o.AttributeFilter != nil {
		c.AttributeFilter = append([]string(nil), o.AttributeFilter...)
	}
	return c
}

// Allows reports whether handlers may be registered for e under c.
// OnChange is always allowed.
func (c Config) Allows(e Event) bool {
	flag, ok := c.flag(e)
	return !ok || flag
}

// flag returns the config flag gating e, and false when e is ungated.
func (c Config) flag(e Event) (bool, bool) {
	switch e {
	case OnAttributesChanged:
		return c.Attributes, true
	case OnCharacterDataChanged:
		return c.CharacterData, true
	case OnChildListChanged:
		return c.ChildList, true
	case OnSubtreeChanged:
		return c.Subtree, true
	case OnAttributeOldValue:
		return c.AttributeOldValue, true
	case OnCharacterDataOldValue:
		return c.CharacterDataOldValue, true
	}
	return false, false
}

// flagName is the config key gating e, used in error messages.
func flagName(e Event) string {
	switch e {
	case OnAttributesChanged:
		return "attributes"
	case OnCharacterDataChanged:
		return "characterData"
	case OnChildListChanged:
		return "childList"
	case OnSubtreeChanged:
		return "subtree"
	case OnAttributeOldValue:
		return "attributeOldValue"
	case OnCharacterDataOldValue:
		return "characterDataOldValue"
	}
	return ""
}

// Bool returns a pointer to v, for building Overrides.
func Bool(v bool) *bool { return &v }
