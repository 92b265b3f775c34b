package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Inbound is implemented by every message the server may send.
type Inbound interface {
	inbound()
}

// AuthResponse reports the outcome of the connection handshake.
type AuthResponse struct {
	Status string
}

// Success reports whether the server accepted the secret.
func (a AuthResponse) Success() bool { return a.Status == "success" }

// TranscribeResponse carries a transcription result.
type TranscribeResponse struct {
	Message string
}

// UpdateMachines is a full machine inventory snapshot.
type UpdateMachines struct {
	Machines []Machine
}

// MachineConnectionStatus reports the result of a machine command.
type MachineConnectionStatus struct {
	Key     string
	Status  string // success | error | busy
	Action  string // connect | disconnect, optional
	Message string
}

// Unknown is any frame whose type this client does not understand.
type Unknown struct {
	Type string
}

func (AuthResponse) inbound()            {}
func (TranscribeResponse) inbound()      {}
func (UpdateMachines) inbound()          {}
func (MachineConnectionStatus) inbound() {}
func (Unknown) inbound()                 {}

type inboundEnvelope struct {
	Type     string          `json:"type"`
	Status   string          `json:"status"`
	Message  json.RawMessage `json:"message"`
	Machines json.RawMessage `json:"machines"`
	Key      string          `json:"key"`
	Action   string          `json:"action"`
}

// Decode parses one inbound frame. Frames that are not JSON objects, or whose
// payload does not match the declared type, return an error wrapping
// ErrMalformed. Unrecognised types decode to Unknown.
func Decode(data []byte) (Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeAuthResponse:
		return AuthResponse{Status: env.Status}, nil
	case TypeTranscribeResponse:
		return TranscribeResponse{Message: rawText(env.Message)}, nil
	case TypeUpdateMachines:
		machines, err := decodeMachines(env.Machines)
		if err != nil {
			return nil, err
		}
		return UpdateMachines{Machines: machines}, nil
	case TypeMachineConnectionStatus:
		return MachineConnectionStatus{
			Key:     env.Key,
			Status:  env.Status,
			Action:  env.Action,
			Message: rawText(env.Message),
		}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return Unknown{Type: env.Type}, nil
	}
}

func decodeMachines(raw json.RawMessage) ([]Machine, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: machines is not an array", ErrMalformed)
	}
	var wire []wireMachine
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return nil, fmt.Errorf("%w: machines: %v", ErrMalformed, err)
	}
	machines := make([]Machine, 0, len(wire))
	for _, w := range wire {
		machines = append(machines, Machine{
			ID:    string(w.ID),
			Key:   w.Key,
			Name:  w.Name,
			State: ParseMachineState(w.State),
		})
	}
	return machines, nil
}

// rawText returns a JSON string value as-is and any other JSON value in its
// encoded form, so a non-string message is still shown rather than lost.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}

type wireMachine struct {
	ID    flexID `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
	Key   string `json:"key"`
}

// flexID accepts numeric and string ids.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*f = flexID(strconv.FormatInt(i, 10))
		return nil
	}
	*f = flexID(n.String())
	return nil
}
