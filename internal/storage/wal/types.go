package wal

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types. Each type mirrors one mutating
// operation of the list store.
type EventType string

const (
	EventPushHead EventType = "PUSH_HEAD" // Value inserted at list head
	EventPushTail EventType = "PUSH_TAIL" // Value appended at list tail
	EventPopHead  EventType = "POP_HEAD"  // Head item removed
	EventSet      EventType = "SET"       // Key set, optionally with expiry
	EventDel      EventType = "DEL"       // Key (list or value) removed
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64    `json:"seq"`                  // Event sequence number (monotonically increasing, survives rotation)
	Type      EventType `json:"type"`                 // Event type
	Key       string    `json:"key"`                  // Store key the operation touched
	Value     []byte    `json:"value,omitempty"`      // Payload for PUSH_* and SET
	ExpiresAt int64     `json:"expires_at,omitempty"` // Unix millisecond expiry for SET, 0 = none
	Timestamp int64     `json:"timestamp"`            // Unix millisecond timestamp
	Checksum  uint32    `json:"checksum"`             // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
