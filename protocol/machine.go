package protocol

// MachineState is the affordance shown for a remote machine. The names
// describe the action the user can take next: a machine in state Connect is
// currently detached and can be connected.
type MachineState string

const (
	MachineConnect    MachineState = "Connect"
	MachineDisconnect MachineState = "Disconnect"
	MachineBusy       MachineState = "Busy"
	MachineOffline    MachineState = "Offline"
)

// ParseMachineState maps a wire state onto the known set. Anything
// unrecognised is Offline.
func ParseMachineState(s string) MachineState {
	switch MachineState(s) {
	case MachineConnect, MachineDisconnect, MachineBusy:
		return MachineState(s)
	default:
		return MachineOffline
	}
}

// Machine is one entry of the server's machine inventory.
type Machine struct {
	ID    string
	Key   string
	Name  string
	State MachineState
}
