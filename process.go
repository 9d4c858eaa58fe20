package edk

import (
	"github.com/google/uuid"
)

// ProcessId opaquely identifies one process participating in the broker
// protocol. Generated by NewProcessId at process startup and exchanged
// during the broker HELLO handshake; never derived from a PID, since OS
// process identifiers are reused and this value must stay unique for the
// life of a broker's bookkeeping.
type ProcessId [16]byte

// NewProcessId generates a fresh, random ProcessId.
func NewProcessId() ProcessId {
	return ProcessId(uuid.New())
}

func (p ProcessId) String() string {
	return uuid.UUID(p).String()
}

// IsZero reports whether p is the zero value (never assigned).
func (p ProcessId) IsZero() bool {
	return p == ProcessId{}
}
