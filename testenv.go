package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"voicelink/audio"
	"voicelink/credential"
	"voicelink/log"
	"voicelink/protocol"
	"voicelink/session"
)

const headlessWait = 10 * time.Second

// headlessSink prints one line per event. Lines from the event pump and
// the command loop share the writer.
type headlessSink struct {
	mu  sync.Mutex
	out io.Writer

	transcripts chan string
}

func newHeadlessSink(out io.Writer) *headlessSink {
	return &headlessSink{out: out, transcripts: make(chan string, 16)}
}

func (s *headlessSink) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

func (s *headlessSink) StatusChanged(_, to session.Status, endpoint string) {
	s.printf("STATUS %s %s", to, endpoint)
}

func (s *headlessSink) Transcription(text string) {
	s.printf("TRANSCRIPTION %s", text)
	select {
	case s.transcripts <- text:
	default:
	}
}

func (s *headlessSink) Machines(machines []protocol.Machine) {
	s.printf("MACHINES %d", len(machines))
	for _, m := range machines {
		s.printf("MACHINE %s %s %s", m.Key, m.State, m.Name)
	}
}

func (s *headlessSink) MachineUpdated(m protocol.Machine) {
	s.printf("MACHINE %s %s %s", m.Key, m.State, m.Name)
}

func (s *headlessSink) Notice(err *session.Error) {
	s.printf("NOTICE %d %s", err.Code, err.Message)
}

func (s *headlessSink) MachineNotice(key, message string) {
	s.printf("MACHINE_NOTICE %s %s", key, message)
}

func (s *headlessSink) CredentialSaved(c credential.Credential) {
	s.printf("CREDENTIAL_SAVED %s", c.ID)
}

func (s *headlessSink) RecordingTick(int) {}

func (s *headlessSink) RecordingInterrupted(stats session.StreamStats) {
	s.printf("RECORDING_INTERRUPTED %d chunks", stats.Chunks)
}

// runHeadless drives the client from line commands on in, for scripting and
// integration tests. Every command answers with OK or ERR; events are
// interleaved as they happen.
func runHeadless(ctx context.Context, a *app, in io.Reader, out io.Writer, tgt target) error {
	sink := newHeadlessSink(out)
	a.setSink(sink)
	defer a.setSink(nil)

	events, unsubscribe := a.session.Subscribe()
	defer unsubscribe()
	pumpCtx, stopPump := context.WithCancel(ctx)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		pumpEvents(pumpCtx, events, sink)
	}()
	defer func() {
		stopPump()
		<-pumpDone
	}()

	log.SessionStart(tgt.endpoint, "headless")
	if tgt.valid() {
		if err := a.session.Connect(ctx, tgt.endpoint, tgt.secret); err != nil {
			sink.printf("ERR CONNECT %v", err)
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		cmd = strings.ToUpper(cmd)
		if cmd == "QUIT" {
			if a.recording() {
				a.stopRecording()
			}
			sink.printf("OK QUIT")
			return nil
		}
		if err := headlessCommand(ctx, a, sink, tgt, cmd, strings.TrimSpace(arg)); err != nil {
			sink.printf("ERR %s %v", cmd, err)
			continue
		}
		sink.printf("OK %s", cmd)
	}
}

func headlessCommand(ctx context.Context, a *app, sink *headlessSink, tgt target, cmd, arg string) error {
	switch cmd {
	case "CONNECT":
		if arg != "" {
			endpoint, secret, _ := strings.Cut(arg, " ")
			tgt = target{endpoint: endpoint, secret: strings.TrimSpace(secret)}
		}
		return a.session.Connect(ctx, tgt.endpoint, tgt.secret)

	case "WAIT_CONNECTED":
		wctx, cancel := context.WithTimeout(ctx, waitDuration(arg))
		defer cancel()
		return a.session.Await(wctx, session.Connected)

	case "DISCONNECT":
		return a.session.Disconnect(ctx)

	case "RECORD_START":
		return a.startRecording(ctx)

	case "WAIT_AUDIO_DONE":
		fake, ok := a.audioCtx.(*audio.FakeContext)
		if !ok {
			return fmt.Errorf("only available with --wav")
		}
		select {
		case <-fake.AudioDone():
			return nil
		case <-time.After(waitDuration(arg)):
			return fmt.Errorf("timed out")
		case <-ctx.Done():
			return ctx.Err()
		}

	case "RECORD_STOP":
		stats, err := a.stopRecording()
		if err != nil {
			return err
		}
		for _, l := range stats.Lines() {
			sink.printf("STATS %s", l)
		}
		return nil

	case "WAIT_TRANSCRIPTION":
		select {
		case <-sink.transcripts:
			return nil
		case <-time.After(waitDuration(arg)):
			return fmt.Errorf("timed out")
		case <-ctx.Done():
			return ctx.Err()
		}

	case "ANALYZE":
		return a.analyze(ctx, arg)

	case "SEND_FILE":
		return sendFile(ctx, a, arg)

	case "RELOAD":
		return a.session.SendMachineCommand(ctx, session.ReloadMachines, "")

	case "MACHINE_CONNECT":
		return a.session.SendMachineCommand(ctx, session.ConnectMachine, arg)

	case "MACHINE_DISCONNECT":
		return a.session.SendMachineCommand(ctx, session.DisconnectMachine, arg)

	case "STATUS":
		snap := a.session.Snapshot()
		sink.printf("STATE %s %s", snap.Status, snap.Endpoint)
		return nil

	case "SLEEP":
		ms, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("bad duration %q", arg)
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	}
	return fmt.Errorf("unknown command")
}

func sendFile(ctx context.Context, a *app, path string) error {
	if path == "" {
		return fmt.Errorf("missing path")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	mediaType := mime.TypeByExtension(filepath.Ext(path))
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return a.session.SendBinary(ctx, f, filepath.Base(path), mediaType)
}

// waitDuration parses an optional millisecond argument.
func waitDuration(arg string) time.Duration {
	if ms, err := strconv.Atoi(arg); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return headlessWait
}
