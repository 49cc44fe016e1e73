// Package registry defines the Agent Registry & Router (ARR) domain types:
// an agent's declared address and typed tool set.
package registry

import "time"

// ArgKind tags the shape of a ToolSpec's argument or return value, a
// structured tagged sum over primitive, list, and map rather than the
// opaque args/kwargs blob a dynamically-typed dispatcher would pass
// through unchecked.
type ArgKind string

const (
	KindString ArgKind = "string"
	KindNumber ArgKind = "number"
	KindBool   ArgKind = "bool"
	KindList   ArgKind = "list"
	KindMap    ArgKind = "map"
)

// Field describes one named argument or return field.
type Field struct {
	Name     string  `json:"name"`
	Kind     ArgKind `json:"kind"`
	Required bool    `json:"required"`
}

// ToolSpec is the typed request/response shape an agent advertises for
// one callable tool.
type ToolSpec struct {
	Name    string  `json:"name"`
	Args    []Field `json:"args"`
	Returns []Field `json:"returns"`
}

// AgentInfo is one registered agent: its dispatch address, its declared
// tool set, and the last time it was seen.
type AgentInfo struct {
	Name          string              `json:"name"`
	Address       string              `json:"address"`
	Tools         map[string]ToolSpec `json:"tools"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
}

// HasTool reports whether the agent advertises the named tool.
func (a AgentInfo) HasTool(name string) bool {
	_, ok := a.Tools[name]
	return ok
}

// Value is a structured tagged-sum argument or return value transported
// over the wire between the router and an agent: exactly one of its
// fields is populated, selected by Kind.
type Value struct {
	Kind   ArgKind          `json:"kind"`
	String string           `json:"string,omitempty"`
	Number float64          `json:"number,omitempty"`
	Bool   bool             `json:"bool,omitempty"`
	List   []Value          `json:"list,omitempty"`
	Map    map[string]Value `json:"map,omitempty"`
}

// CallRequest is the wire body sent to an agent's tool endpoint.
type CallRequest struct {
	Tool   string           `json:"tool"`
	Args   map[string]Value `json:"args"`
	Kwargs map[string]Value `json:"kwargs"`
}

// CallResult is the wire body an agent returns from a successful call.
type CallResult struct {
	Values map[string]Value `json:"values"`
}
