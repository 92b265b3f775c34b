package session

import (
	"context"
	"fmt"
	"io"

	"voicelink/log"
	"voicelink/protocol"
)

type MachineCommand int

const (
	ReloadMachines MachineCommand = iota
	ConnectMachine
	DisconnectMachine
)

func (c MachineCommand) String() string {
	switch c {
	case ReloadMachines:
		return "reload"
	case ConnectMachine:
		return "connect"
	case DisconnectMachine:
		return "disconnect"
	}
	return "unknown"
}

func (m *Manager) SendAnalyze(ctx context.Context, text string) error {
	return m.send(ctx, protocol.Analyze{Text: text})
}

func (m *Manager) SendNLPAnalyze(ctx context.Context, text string) error {
	return m.send(ctx, protocol.Analyze{Text: text, NLP: true})
}

// SendBinary uploads a whole file. The payload is read into memory before
// it is encoded; there is no chunked upload.
func (m *Manager) SendBinary(ctx context.Context, r io.Reader, filename, mediaType string) error {
	if _, err := m.connectedConn(ctx, protocol.TypeTranscribe, anyGen); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read %s: %w", filename, err)
	}
	return m.send(ctx, protocol.Transcribe{Filename: filename, FileType: mediaType, Data: protocol.ByteArray(data)})
}

// SendMachineCommand sends reload, connect or disconnect for a machine. The
// key is ignored for reload.
func (m *Manager) SendMachineCommand(ctx context.Context, cmd MachineCommand, key string) error {
	var msg protocol.Outbound
	switch cmd {
	case ReloadMachines:
		msg = protocol.ReloadMachines{}
	case ConnectMachine:
		msg = protocol.ConnectToMachine{Key: key}
	case DisconnectMachine:
		msg = protocol.DisconnectFromMachine{Key: key}
	default:
		return validationError(fmt.Sprintf("unknown machine command %d", cmd))
	}
	if cmd != ReloadMachines && key == "" {
		return validationError("Machine key is required")
	}
	return m.send(ctx, msg)
}

// SendStreamChunk writes one audio chunk. A non-final chunk without samples
// never reaches the wire.
func (m *Manager) SendStreamChunk(ctx context.Context, chunk protocol.StreamChunk) error {
	return m.sendChunk(ctx, anyGen, chunk)
}

func (m *Manager) sendChunk(ctx context.Context, gen uint64, chunk protocol.StreamChunk) error {
	if !chunk.Valid() {
		log.Dropped(protocol.TypeTranscribeAudio, "empty non-final chunk")
		m.metrics.RecordDropped(ctx, "empty_chunk")
		return &Error{Kind: ErrProtocol, Message: fmt.Sprintf("chunk %d has no samples", chunk.Sequence)}
	}
	if chunk.Format == "" {
		chunk.Format = protocol.FormatPCM
	}
	if err := m.sendOn(ctx, gen, chunk.Envelope()); err != nil {
		return err
	}
	m.metrics.RecordChunk(ctx, len(chunk.Samples))
	return nil
}

// anyGen accepts whichever connection is live.
const anyGen = 0

// connectedConn returns the open connection if the session is Connected
// and, unless gen is anyGen, still on generation gen.
func (m *Manager) connectedConn(ctx context.Context, msgType string, gen uint64) (Conn, error) {
	var conn Conn
	var connected bool
	if err := m.do(ctx, func() {
		connected = m.status == Connected && m.conn != nil && (gen == anyGen || gen == m.gen)
		conn = m.conn
	}); err != nil {
		return nil, err
	}
	if !connected {
		log.Dropped(msgType, "not connected")
		m.metrics.RecordDropped(ctx, "not_connected")
		return nil, ErrNotConnected
	}
	return conn, nil
}

// connectedGen reports the generation of the live connection.
func (m *Manager) connectedGen(ctx context.Context) (uint64, bool, error) {
	var gen uint64
	var ok bool
	err := m.do(ctx, func() {
		gen, ok = m.gen, m.status == Connected && m.conn != nil
	})
	return gen, ok, err
}

func (m *Manager) send(ctx context.Context, msg protocol.Outbound) error {
	return m.sendOn(ctx, anyGen, msg)
}

func (m *Manager) sendOn(ctx context.Context, gen uint64, msg protocol.Outbound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return &Error{Kind: ErrProtocol, Message: "encode " + msg.Type(), Err: err}
	}
	conn, err := m.connectedConn(ctx, msg.Type(), gen)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, data); err != nil {
		log.Errorf("send %s: %v", msg.Type(), err)
		m.metrics.RecordDropped(ctx, "write_failed")
		return &Error{Kind: ErrTransport, Message: "Send failed", Err: err}
	}
	log.Sent(msg.Type(), len(data))
	m.metrics.RecordSent(ctx, msg.Type())
	return nil
}
