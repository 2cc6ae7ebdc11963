// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the event stream.
// These provide more specific reasons for closure than standard codes.
const (
	BadSubprotocolError   = 3000 // Client connected with an unsupported subprotocol.
	InvalidAuthTokenError = 3001 // Provided auth token was invalid or expired.
	InvalidRoomIDError    = 3003 // Room in the WS URL does not exist.
	SlowConsumerError     = 3004 // Client fell too far behind and its stream was dropped.
)
