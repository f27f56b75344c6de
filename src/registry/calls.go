package registry

// Request is the body of a registry RPC. The registry RPC surface is a typed
// request/response exchange keyed by method name; every method uses the same
// envelope and picks the fields it needs.
type Request struct {
	// Caller is the name of the calling node.
	Caller string `json:"caller"`

	// CallerURI is the calling node's registry-callback endpoint.
	CallerURI string `json:"caller_uri,omitempty"`

	// Name is the topic or service name being operated on.
	Name string `json:"name,omitempty"`

	// Type is the message type name associated with Name.
	Type string `json:"type,omitempty"`

	// URI is the address being registered: the streaming endpoint for
	// publishers, the service endpoint for services.
	URI string `json:"uri,omitempty"`

	// Key and Value carry parameter operations.
	Key   string      `json:"key,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

// Response is the body of a registry RPC reply.
type Response struct {
	// Error is set when the call was understood but failed.
	Error string `json:"error,omitempty"`

	// URIs is the current publisher list, for registerSubscriber.
	URIs []string `json:"uris,omitempty"`

	// URI is the looked-up service address, for lookupService.
	URI string `json:"uri,omitempty"`

	// Count is the number of entries removed, for unregister calls.
	Count int `json:"count,omitempty"`

	// Found reports parameter existence, for hasParam.
	Found bool `json:"found,omitempty"`

	// Value is the parameter value, for getParam.
	Value interface{} `json:"value,omitempty"`
}

// PublisherUpdate is posted by the registry to a subscriber's callback
// endpoint whenever the set of publishers for a topic changes.
type PublisherUpdate struct {
	Topic string   `json:"topic"`
	URIs  []string `json:"uris"`
}
