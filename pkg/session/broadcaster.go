package session

// Broadcaster is the connection-group primitive the manager emits through.
// The hub implements it; tests substitute a recording fake. Emission is
// fire-and-forget: a failed delivery never rolls state back.
type Broadcaster interface {
	JoinGroup(sessionID, connID string)
	LeaveGroup(sessionID, connID string)
	Emit(sessionID, event string, payload interface{})
	EmitTo(connID, event string, payload interface{})
}
