package session

import (
	"voicelink/credential"
	"voicelink/protocol"
)

// Event is delivered to subscribers. The set of variants is closed.
type Event interface {
	event()
}

type StatusChanged struct {
	From, To Status
	Endpoint string
	// Err is the failure behind a transition to Disconnected, nil for a
	// clean close or an explicit disconnect.
	Err *Error
}

// CredentialSaved follows a successful authentication once the
// endpoint/secret pair has been persisted.
type CredentialSaved struct {
	Credential credential.Credential
}

type TranscriptionReceived struct {
	Text string
}

type MachinesUpdated struct {
	Machines []protocol.Machine
}

type MachineUpdated struct {
	Machine protocol.Machine
}

// Notice carries an error for the user. Err.Blocking distinguishes alerts
// from passing notices.
type Notice struct {
	Err *Error
}

// MachineNotice is a server message about one machine.
type MachineNotice struct {
	Key     string
	Message string
}

func (StatusChanged) event()         {}
func (CredentialSaved) event()       {}
func (TranscriptionReceived) event() {}
func (MachinesUpdated) event()       {}
func (MachineUpdated) event()        {}
func (Notice) event()                {}
func (MachineNotice) event()         {}
