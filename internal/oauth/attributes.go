package oauth

import "slices"

// Attribute names captured by the authorize pipeline
const (
	AttrUsername     = "username"
	AttrState        = "state"
	AttrClientID     = "client_id"
	AttrRedirectURI  = "redirect_uri"
	AttrResponseType = "response_type"
	AttrGrantType    = "grant_type"
	AttrScope        = "scope"
	AttrPrompt       = "prompt"
)

// Attribute is one named entry of an AttributeList
type Attribute struct {
	Name   string
	Values []string
}

// AttributeList is an ordered multimap. Names keep the position of their
// first insertion, so partially validated requests can still be rendered in
// a stable order.
type AttributeList struct {
	attrs []Attribute
	index map[string]int
}

func NewAttributeList() *AttributeList {
	return &AttributeList{index: make(map[string]int)}
}

// Set replaces the values of name, appending it if new
func (l *AttributeList) Set(name string, values ...string) {
	if i, ok := l.index[name]; ok {
		l.attrs[i].Values = slices.Clone(values)
		return
	}
	l.index[name] = len(l.attrs)
	l.attrs = append(l.attrs, Attribute{Name: name, Values: slices.Clone(values)})
}

// Add appends values to name
func (l *AttributeList) Add(name string, values ...string) {
	if i, ok := l.index[name]; ok {
		l.attrs[i].Values = append(l.attrs[i].Values, values...)
		return
	}
	l.Set(name, values...)
}

func (l *AttributeList) Get(name string) []string {
	if i, ok := l.index[name]; ok {
		return slices.Clone(l.attrs[i].Values)
	}
	return nil
}

// First returns the first value of name, or ""
func (l *AttributeList) First(name string) string {
	if i, ok := l.index[name]; ok && len(l.attrs[i].Values) > 0 {
		return l.attrs[i].Values[0]
	}
	return ""
}

func (l *AttributeList) Has(name string) bool {
	_, ok := l.index[name]
	return ok
}

func (l *AttributeList) Names() []string {
	names := make([]string, len(l.attrs))
	for i, a := range l.attrs {
		names[i] = a.Name
	}
	return names
}

// Attributes returns a copy of the entries in insertion order
func (l *AttributeList) Attributes() []Attribute {
	out := make([]Attribute, len(l.attrs))
	for i, a := range l.attrs {
		out[i] = Attribute{Name: a.Name, Values: slices.Clone(a.Values)}
	}
	return out
}

func (l *AttributeList) Len() int {
	return len(l.attrs)
}
