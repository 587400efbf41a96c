package interfaces

// Connection represents one live client connection
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// keeps the hub independent from the websocket package
type Connection interface {
	// ID returns the connection identifier assigned at upgrade time
	ID() string

	// Send queues an encoded frame for delivery (thread-safe, non-blocking)
	Send(data []byte) error

	// Close closes the connection and cleans up resources
	Close() error

	GetUserID() string
	GetRole() string
	GetSessionID() string
}

// ChannelDirectory resolves channel membership for the transport.
type ChannelDirectory interface {
	Join(connID, channel string) error
	Leave(connID, channel string)
	Members(channel string) []Connection
	Get(connID string) (Connection, bool)
}
