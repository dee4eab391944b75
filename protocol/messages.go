package protocol

// Implementation identifies one side of a session (name and version), sent
// once during the handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities declares the optional features a client supports.
// Exchanged once during the handshake and read-only afterwards.
type ClientCapabilities struct {
	Experimental map[string]interface{} `json:"experimental,omitempty"`
	Roots        *RootsCapability       `json:"roots,omitempty"`
	Sampling     *struct{}              `json:"sampling,omitempty"`
}

// RootsCapability declares support for roots list-changed notifications.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SupportsRootsListChanged reports whether the client advertised roots
// list-changed notifications.
func (c ClientCapabilities) SupportsRootsListChanged() bool {
	return c.Roots != nil && c.Roots.ListChanged
}

// ServerCapabilities declares the optional features a server supports.
type ServerCapabilities struct {
	Experimental map[string]interface{} `json:"experimental,omitempty"`
	Logging      *struct{}              `json:"logging,omitempty"`
	Prompts      *ListChangedCapability `json:"prompts,omitempty"`
	Resources    *ResourcesCapability   `json:"resources,omitempty"`
	Tools        *ListChangedCapability `json:"tools,omitempty"`
}

// ListChangedCapability declares support for list-changed notifications on a
// feature surface.
type ListChangedCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability declares the resource-related optional features.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// SupportsToolsListChanged reports whether the server advertised tools
// list-changed notifications.
func (c ServerCapabilities) SupportsToolsListChanged() bool {
	return c.Tools != nil && c.Tools.ListChanged
}

// SupportsResourceSubscribe reports whether the server advertised resource
// subscriptions.
func (c ServerCapabilities) SupportsResourceSubscribe() bool {
	return c.Resources != nil && c.Resources.Subscribe
}

// InitializeParams is the params payload of the 'initialize' request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult is the result payload of a successful 'initialize'
// response. ProtocolVersion carries the version the server negotiated, which
// may differ from the one the client requested.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}
