package session

import (
	"voicelink/protocol"
)

type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Snapshot is a read-only copy of the session state.
type Snapshot struct {
	Status            Status
	Endpoint          string
	Machines          []protocol.Machine
	LastTranscription string
	// Notice is the most recent error surfaced to the user, cleared by the
	// next connect attempt.
	Notice *Error
}

// Machine returns the machine with key.
func (s Snapshot) Machine(key string) (protocol.Machine, bool) {
	for _, m := range s.Machines {
		if m.Key == key {
			return m, true
		}
	}
	return protocol.Machine{}, false
}
