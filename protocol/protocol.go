// Package protocol defines the JSON envelopes exchanged with the
// transcription server. Each websocket text message carries exactly one
// envelope discriminated by its "type" field.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Outbound message types.
const (
	TypeAnalyze               = "analyze"
	TypeNLPAnalyze            = "nlp_analyze"
	TypeTranscribe            = "transcribe"
	TypeReloadMachines        = "reload_machines"
	TypeConnectToMachine      = "connect_to_machine"
	TypeDisconnectFromMachine = "disconnect_from_machine"
	TypeTranscribeAudio       = "transcribe_audio"
)

// Inbound message types.
const (
	TypeAuthResponse            = "auth_response"
	TypeTranscribeResponse      = "transcribe_response"
	TypeUpdateMachines          = "update_machines"
	TypeMachineConnectionStatus = "machine_connection_status"
)

// ErrMalformed marks an inbound frame that could not be interpreted.
var ErrMalformed = errors.New("malformed message")

// Outbound is implemented by every message the client may send.
type Outbound interface {
	Type() string
	outbound()
}

// Analyze asks the server to analyze free text.
type Analyze struct {
	Text string
	NLP  bool // send as nlp_analyze
}

// Transcribe uploads a complete file for transcription.
type Transcribe struct {
	Filename string
	FileType string
	Data     ByteArray
}

// ReloadMachines requests a fresh machine inventory.
type ReloadMachines struct{}

// ConnectToMachine asks the server to attach the machine identified by Key.
type ConnectToMachine struct{ Key string }

// DisconnectFromMachine asks the server to detach the machine identified by Key.
type DisconnectFromMachine struct{ Key string }

// AudioChunk is one frame of a live recording.
type AudioChunk struct {
	Data        []int16
	IsLastChunk bool
	Timestamp   int64
	SampleRate  int
	Format      string
	ChunkIndex  int
}

func (a Analyze) Type() string {
	if a.NLP {
		return TypeNLPAnalyze
	}
	return TypeAnalyze
}
func (Transcribe) Type() string            { return TypeTranscribe }
func (ReloadMachines) Type() string        { return TypeReloadMachines }
func (ConnectToMachine) Type() string      { return TypeConnectToMachine }
func (DisconnectFromMachine) Type() string { return TypeDisconnectFromMachine }
func (AudioChunk) Type() string            { return TypeTranscribeAudio }

func (Analyze) outbound()               {}
func (Transcribe) outbound()            {}
func (ReloadMachines) outbound()        {}
func (ConnectToMachine) outbound()      {}
func (DisconnectFromMachine) outbound() {}
func (AudioChunk) outbound()            {}

type textEnvelope struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type transcribeEnvelope struct {
	Type     string    `json:"type"`
	Filename string    `json:"filename"`
	FileType string    `json:"fileType"`
	Data     ByteArray `json:"data"`
}

type bareEnvelope struct {
	Type string `json:"type"`
}

type keyEnvelope struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

type audioEnvelope struct {
	Type        string  `json:"type"`
	Data        []int16 `json:"data"`
	IsLastChunk bool    `json:"isLastChunk"`
	Timestamp   int64   `json:"timestamp"`
	SampleRate  int     `json:"sampleRate"`
	Format      string  `json:"format"`
	ChunkIndex  int     `json:"chunkIndex"`
}

// Encode renders m as a single JSON envelope.
func Encode(m Outbound) ([]byte, error) {
	switch m := m.(type) {
	case Analyze:
		return json.Marshal(textEnvelope{Type: m.Type(), Text: m.Text})
	case Transcribe:
		data := m.Data
		if data == nil {
			data = ByteArray{}
		}
		return json.Marshal(transcribeEnvelope{Type: TypeTranscribe, Filename: m.Filename, FileType: m.FileType, Data: data})
	case ReloadMachines:
		return json.Marshal(bareEnvelope{Type: TypeReloadMachines})
	case ConnectToMachine:
		return json.Marshal(keyEnvelope{Type: TypeConnectToMachine, Key: m.Key})
	case DisconnectFromMachine:
		return json.Marshal(keyEnvelope{Type: TypeDisconnectFromMachine, Key: m.Key})
	case AudioChunk:
		samples := m.Data
		if samples == nil {
			samples = []int16{}
		}
		return json.Marshal(audioEnvelope{
			Type:        TypeTranscribeAudio,
			Data:        samples,
			IsLastChunk: m.IsLastChunk,
			Timestamp:   m.Timestamp,
			SampleRate:  m.SampleRate,
			Format:      m.Format,
			ChunkIndex:  m.ChunkIndex,
		})
	case nil:
		return nil, errors.New("protocol: nil message")
	default:
		return nil, fmt.Errorf("protocol: unsupported outbound message %T", m)
	}
}

// ByteArray is a byte slice encoded as a JSON array of numbers rather than
// base64, matching what the server expects for file uploads.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	sb.Grow(len(b)*4 + 2)
	sb.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(v)))
	}
	sb.WriteByte(']')
	return []byte(sb.String()), nil
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var vals []int
	if err := json.Unmarshal(data, &vals); err != nil {
		return err
	}
	out := make(ByteArray, len(vals))
	for i, v := range vals {
		if v < 0 || v > 255 {
			return fmt.Errorf("protocol: byte value %d out of range at index %d", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}
