package interfaces

import "teleconsult/pkg/types"

// Transport is the real-time publish/subscribe fan-out used by the orchestrator.
type Transport interface {
	JoinChannel(connID, channel string) error
	LeaveChannel(connID, channel string)
	EmitToChannel(channel string, event *types.Event) error
	EmitToConnection(connID string, event *types.Event) error

	// Disconnect tells the client why and closes the connection.
	Disconnect(connID, reason string) error
}
