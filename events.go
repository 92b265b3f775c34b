package main

import (
	"context"

	"voicelink/credential"
	"voicelink/protocol"
	"voicelink/session"
)

// EventSink abstracts the display layer so both the Bubble Tea TUI and the
// headless driver receive the same session and recording events.
type EventSink interface {
	StatusChanged(from, to session.Status, endpoint string)
	Transcription(text string)
	Machines(machines []protocol.Machine)
	MachineUpdated(m protocol.Machine)
	Notice(err *session.Error)
	MachineNotice(key, message string)
	CredentialSaved(c credential.Credential)
	RecordingTick(seconds int)
	// RecordingInterrupted reports a recording stopped because its
	// connection was lost.
	RecordingInterrupted(stats session.StreamStats)
}

// pumpEvents forwards session events to sink until ctx ends or the
// subscription closes.
func pumpEvents(ctx context.Context, events <-chan session.Event, sink EventSink) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			dispatch(ev, sink)
		}
	}
}

func dispatch(ev session.Event, sink EventSink) {
	switch e := ev.(type) {
	case session.StatusChanged:
		sink.StatusChanged(e.From, e.To, e.Endpoint)
	case session.TranscriptionReceived:
		sink.Transcription(e.Text)
	case session.MachinesUpdated:
		sink.Machines(e.Machines)
	case session.MachineUpdated:
		sink.MachineUpdated(e.Machine)
	case session.Notice:
		sink.Notice(e.Err)
	case session.MachineNotice:
		sink.MachineNotice(e.Key, e.Message)
	case session.CredentialSaved:
		sink.CredentialSaved(e.Credential)
	}
}
