package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"voicelink/protocol"
)

type harness struct {
	m      *Manager
	dialer *fakeDialer
	creds  *fakeCreds
	blobs  *memBlobs
	events <-chan Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{dialer: newFakeDialer(), creds: &fakeCreds{}, blobs: newMemBlobs()}
	h.m = New(h.dialer, WithCredentials(h.creds), WithResumeStore(h.blobs))
	events, cancel := h.m.Subscribe()
	h.events = events
	t.Cleanup(func() {
		cancel()
		ctx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		h.m.Close(ctx)
	})
	return h
}

func authOK() map[string]any {
	return map[string]any{"type": "auth_response", "status": "success"}
}

// connect drives the harness to Connected and returns the live conn.
func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()
	if err := h.m.Connect(context.Background(), "ws://srv", "s3cret"); err != nil {
		t.Fatal(err)
	}
	c := h.dialer.next(t)
	c.deliver(t, authOK())
	waitEvent(t, h.events, func(e StatusChanged) bool { return e.To == Connected })
	return c
}

func TestConnectValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, tc := range []struct{ endpoint, secret string }{
		{"", "s"},
		{"ws://srv", ""},
		{"   ", "s"},
	} {
		err := h.m.Connect(ctx, tc.endpoint, tc.secret)
		if !errors.Is(err, ErrValidation) {
			t.Errorf("Connect(%q, %q) = %v, want ErrValidation", tc.endpoint, tc.secret, err)
		}
		var se *Error
		if !errors.As(err, &se) || !se.Blocking() {
			t.Errorf("validation error should be blocking: %v", err)
		}
	}
	if got := h.m.Status(); got != Disconnected {
		t.Errorf("status = %s", got)
	}
	if n := h.dialer.dialCount(); n != 0 {
		t.Errorf("dialed %d times", n)
	}
}

func TestTransportOpenIsNotConnected(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Connect(context.Background(), "ws://srv", "s3cret"); err != nil {
		t.Fatal(err)
	}
	c := h.dialer.next(t)
	c.deliver(t, map[string]any{"type": "update_machines", "machines": []any{map[string]any{"id": 1, "key": "k", "name": "n", "state": "Connect"}}})
	time.Sleep(50 * time.Millisecond)

	snap := h.m.Snapshot()
	if snap.Status != Connecting {
		t.Errorf("status = %s, want connecting", snap.Status)
	}
	if len(snap.Machines) != 0 {
		t.Errorf("machines accepted before auth: %+v", snap.Machines)
	}
}

func TestAuthSuccessConnectsOnce(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)

	saved := waitEvent(t, h.events, func(CredentialSaved) bool { return true })
	if saved.Credential.Endpoint != "ws://srv" || saved.Credential.Secret != "s3cret" {
		t.Errorf("saved %+v", saved.Credential)
	}

	c.deliver(t, authOK())
	c.deliver(t, map[string]any{"type": "transcribe_response", "message": "after"})
	waitEvent(t, h.events, func(TranscriptionReceived) bool { return true })

	if n := h.creds.count(); n != 1 {
		t.Errorf("upserts = %d, want 1", n)
	}
	if got := h.m.Status(); got != Connected {
		t.Errorf("status = %s", got)
	}
}

func TestAuthFailure(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Connect(context.Background(), "ws://srv", "bad"); err != nil {
		t.Fatal(err)
	}
	c := h.dialer.next(t)
	c.deliver(t, map[string]any{"type": "auth_response", "status": "failure"})

	n := waitEvent(t, h.events, func(Notice) bool { return true })
	if !errors.Is(n.Err, ErrAuthentication) {
		t.Errorf("notice = %v, want authentication error", n.Err)
	}
	if !n.Err.Blocking() {
		t.Error("authentication error should be blocking")
	}
	if got := h.m.Status(); got != Disconnected {
		t.Errorf("status = %s", got)
	}
	waitUntil(t, "conn closed", c.isClosed)
	if n := h.creds.count(); n != 0 {
		t.Errorf("credential store touched %d times", n)
	}
	if h.blobs.has(ResumeKey) {
		t.Error("resume record written on failed auth")
	}
}

func TestDialFailure(t *testing.T) {
	h := newHarness(t)
	dialErr := errors.New("connection refused")
	h.dialer.err = dialErr

	if err := h.m.Connect(context.Background(), "ws://nowhere", "s"); err != nil {
		t.Fatal(err)
	}
	n := waitEvent(t, h.events, func(Notice) bool { return true })
	if !errors.Is(n.Err, ErrTransport) || !errors.Is(n.Err, dialErr) {
		t.Errorf("notice = %v", n.Err)
	}
	if n.Err.Code != CloseAbnormal {
		t.Errorf("code = %d, want %d", n.Err.Code, CloseAbnormal)
	}
	if got := h.m.Status(); got != Disconnected {
		t.Errorf("status = %s", got)
	}
}

func TestCloseCodes(t *testing.T) {
	for _, code := range []int{CloseAbnormal, CloseEndpointRejected, CloseSecretRejected, CloseSecretMismatch, CloseMalformedSecret} {
		h := newHarness(t)
		c := h.connect(t)
		c.readErr <- &CloseError{Code: code, Reason: "server says no"}

		n := waitEvent(t, h.events, func(Notice) bool { return true })
		if !errors.Is(n.Err, ErrTransport) {
			t.Errorf("code %d: notice = %v", code, n.Err)
		}
		if n.Err.Code != code {
			t.Errorf("code %d: notice code = %d", code, n.Err.Code)
		}
		if n.Err.Message != CloseMessage(code) {
			t.Errorf("code %d: message = %q", code, n.Err.Message)
		}
		if got := h.m.Status(); got != Disconnected {
			t.Errorf("code %d: status = %s", code, got)
		}
	}
}

func TestCloseMessagesDistinct(t *testing.T) {
	seen := map[string]int{}
	for _, code := range []int{CloseAbnormal, CloseEndpointRejected, CloseSecretRejected, CloseSecretMismatch, CloseMalformedSecret} {
		msg := CloseMessage(code)
		if prev, ok := seen[msg]; ok {
			t.Errorf("codes %d and %d share message %q", prev, code, msg)
		}
		seen[msg] = code
	}
	if CloseMessage(4999) != "Connection lost" {
		t.Errorf("unknown code message = %q", CloseMessage(4999))
	}
}

func TestCleanCloseRaisesNoNotice(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	c.readErr <- &CloseError{Code: CloseNormal, Reason: "bye"}

	waitEvent(t, h.events, func(e StatusChanged) bool { return e.To == Disconnected })
	noEvent[Notice](t, h.events)
}

func TestReadErrorWithoutCloseFrame(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	reset := errors.New("connection reset by peer")
	c.readErr <- reset

	n := waitEvent(t, h.events, func(Notice) bool { return true })
	if !errors.Is(n.Err, ErrTransport) || !errors.Is(n.Err, reset) {
		t.Errorf("notice = %v", n.Err)
	}
	if n.Err.Message != "Connection lost" {
		t.Errorf("message = %q", n.Err.Message)
	}
}

func TestReconnectClosesPreviousTransport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.m.Connect(ctx, "ws://a", "s1"); err != nil {
		t.Fatal(err)
	}
	first := h.dialer.next(t)
	if err := h.m.Connect(ctx, "ws://b", "s2"); err != nil {
		t.Fatal(err)
	}
	second := h.dialer.next(t)

	waitUntil(t, "first conn closed", first.isClosed)
	if second.isClosed() {
		t.Fatal("second conn closed")
	}

	first.deliver(t, authOK())
	time.Sleep(50 * time.Millisecond)
	if got := h.m.Status(); got != Connecting {
		t.Fatalf("stale auth changed status to %s", got)
	}

	second.deliver(t, authOK())
	ev := waitEvent(t, h.events, func(e StatusChanged) bool { return e.To == Connected })
	if ev.Endpoint != "ws://b" {
		t.Errorf("connected to %q, want ws://b", ev.Endpoint)
	}
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	waitEvent(t, h.events, func(CredentialSaved) bool { return true })
	if !h.blobs.has(ResumeKey) {
		t.Fatal("resume record not written")
	}

	if err := h.m.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "conn closed", c.isClosed)
	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	if code != CloseNormal || reason != "Client initiated closure" {
		t.Errorf("closed with %d %q", code, reason)
	}

	snap := h.m.Snapshot()
	if snap.Status != Disconnected || snap.Endpoint != "" {
		t.Errorf("snapshot = %+v", snap)
	}
	if h.blobs.has(ResumeKey) {
		t.Error("resume record not deleted")
	}

	if err := h.m.Disconnect(context.Background()); err != nil {
		t.Errorf("second disconnect: %v", err)
	}
}

func TestDisconnectThenConnect(t *testing.T) {
	h := newHarness(t)
	old := h.connect(t)

	ctx := context.Background()
	if err := h.m.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Connect(ctx, "ws://srv", "s3cret"); err != nil {
		t.Fatal(err)
	}
	if got := h.m.Status(); got != Connecting {
		t.Errorf("status = %s", got)
	}
	fresh := h.dialer.next(t)
	if fresh == old {
		t.Fatal("transport reused")
	}
	if err := h.m.SendAnalyze(ctx, "x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send while connecting = %v", err)
	}
	if len(old.sent()) != 0 || len(fresh.sent()) != 0 {
		t.Error("write while not connected")
	}
}

func TestSendRequiresConnected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sends := map[string]func() error{
		"analyze": func() error { return h.m.SendAnalyze(ctx, "hello") },
		"nlp":     func() error { return h.m.SendNLPAnalyze(ctx, "hello") },
		"binary": func() error {
			return h.m.SendBinary(ctx, bytes.NewReader([]byte{1, 2}), "a.wav", "audio/wav")
		},
		"machine": func() error { return h.m.SendMachineCommand(ctx, ConnectMachine, "k") },
		"reload":  func() error { return h.m.SendMachineCommand(ctx, ReloadMachines, "") },
		"chunk": func() error {
			return h.m.SendStreamChunk(ctx, protocol.StreamChunk{Samples: []int16{1}, SampleRateHz: 16000})
		},
	}
	for name, send := range sends {
		if err := send(); !errors.Is(err, ErrNotConnected) {
			t.Errorf("%s: err = %v, want ErrNotConnected", name, err)
		}
	}
}

func TestSendEnvelopes(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	ctx := context.Background()

	if err := h.m.SendAnalyze(ctx, "hi"); err != nil {
		t.Fatal(err)
	}
	if err := h.m.SendNLPAnalyze(ctx, "parse me"); err != nil {
		t.Fatal(err)
	}
	if err := h.m.SendBinary(ctx, bytes.NewReader([]byte{1, 2, 255}), "clip.wav", "audio/wav"); err != nil {
		t.Fatal(err)
	}
	if err := h.m.SendMachineCommand(ctx, ConnectMachine, "k1"); err != nil {
		t.Fatal(err)
	}
	if err := h.m.SendMachineCommand(ctx, DisconnectMachine, "k1"); err != nil {
		t.Fatal(err)
	}
	if err := h.m.SendMachineCommand(ctx, ReloadMachines, ""); err != nil {
		t.Fatal(err)
	}
	if err := h.m.SendMachineCommand(ctx, ConnectMachine, ""); !errors.Is(err, ErrValidation) {
		t.Errorf("empty key err = %v", err)
	}

	sent := c.sent()
	if len(sent) != 6 {
		t.Fatalf("sent %d messages, want 6", len(sent))
	}
	wantTypes := []string{"analyze", "nlp_analyze", "transcribe", "connect_to_machine", "disconnect_from_machine", "reload_machines"}
	for i, want := range wantTypes {
		if sent[i]["type"] != want {
			t.Errorf("message %d type = %v, want %s", i, sent[i]["type"], want)
		}
	}
	if sent[0]["text"] != "hi" {
		t.Errorf("analyze text = %v", sent[0]["text"])
	}
	data, ok := sent[2]["data"].([]any)
	if !ok || len(data) != 3 || data[2] != float64(255) {
		t.Errorf("transcribe data = %#v", sent[2]["data"])
	}
	if sent[2]["filename"] != "clip.wav" || sent[2]["fileType"] != "audio/wav" {
		t.Errorf("transcribe = %v", sent[2])
	}
	if sent[3]["key"] != "k1" {
		t.Errorf("connect key = %v", sent[3]["key"])
	}
	if len(sent[5]) != 1 {
		t.Errorf("reload carries extra fields: %v", sent[5])
	}
}

func TestEmptyNonFinalChunkDropped(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	ctx := context.Background()

	err := h.m.SendStreamChunk(ctx, protocol.StreamChunk{Sequence: 3, Samples: []int16{}, SampleRateHz: 16000})
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("err = %v, want ErrProtocol", err)
	}
	if len(c.sent()) != 0 {
		t.Fatal("empty chunk reached the wire")
	}

	if err := h.m.SendStreamChunk(ctx, protocol.StreamChunk{Sequence: 3, IsFinal: true, SampleRateHz: 16000}); err != nil {
		t.Fatal(err)
	}
	sent := c.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d", len(sent))
	}
	if sent[0]["isLastChunk"] != true || sent[0]["format"] != "pcm" {
		t.Errorf("final chunk = %v", sent[0])
	}
	if data, ok := sent[0]["data"].([]any); !ok || len(data) != 0 {
		t.Errorf("final data = %#v", sent[0]["data"])
	}
}

func machinesPayload() map[string]any {
	return map[string]any{
		"type": "update_machines",
		"machines": []any{
			map[string]any{"id": 1, "key": "k1", "name": "one", "state": "Connect"},
			map[string]any{"id": "2", "key": "k2", "name": "two", "state": "Disconnect"},
		},
	}
}

func TestMachineDispatch(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)

	c.deliver(t, machinesPayload())
	upd := waitEvent(t, h.events, func(MachinesUpdated) bool { return true })
	if len(upd.Machines) != 2 || upd.Machines[1].ID != "2" {
		t.Fatalf("machines = %+v", upd.Machines)
	}

	tests := []struct {
		name    string
		payload map[string]any
		key     string
		want    protocol.MachineState
	}{
		{"connect success", map[string]any{"status": "success", "action": "connect", "key": "k1"}, "k1", protocol.MachineDisconnect},
		{"disconnect success", map[string]any{"status": "success", "action": "disconnect", "key": "k1"}, "k1", protocol.MachineConnect},
		{"busy", map[string]any{"status": "busy", "key": "k2"}, "k2", protocol.MachineBusy},
		{"legacy disconnected", map[string]any{"status": "disconnected", "key": "k2"}, "k2", protocol.MachineConnect},
		{"legacy success", map[string]any{"status": "success", "key": "k2"}, "k2", protocol.MachineDisconnect},
	}
	for _, tc := range tests {
		tc.payload["type"] = "machine_connection_status"
		c.deliver(t, tc.payload)
		ev := waitEvent(t, h.events, func(MachineUpdated) bool { return true })
		if ev.Machine.Key != tc.key || ev.Machine.State != tc.want {
			t.Errorf("%s: got %+v, want %s=%s", tc.name, ev.Machine, tc.key, tc.want)
		}
		if m, _ := h.m.Snapshot().Machine(tc.key); m.State != tc.want {
			t.Errorf("%s: snapshot state = %s", tc.name, m.State)
		}
	}
}

func TestMachineBusyAndErrorNotices(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	c.deliver(t, machinesPayload())
	waitEvent(t, h.events, func(MachinesUpdated) bool { return true })

	c.deliver(t, map[string]any{"type": "machine_connection_status", "status": "busy", "key": "k1"})
	n := waitEvent(t, h.events, func(MachineNotice) bool { return true })
	if n.Key != "k1" || n.Message != "Machine is currently busy" {
		t.Errorf("busy notice = %+v", n)
	}

	c.deliver(t, map[string]any{"type": "machine_connection_status", "status": "error", "key": "k2", "message": "agent offline"})
	n = waitEvent(t, h.events, func(MachineNotice) bool { return true })
	if n.Key != "k2" || n.Message != "agent offline" {
		t.Errorf("error notice = %+v", n)
	}
	if m, _ := h.m.Snapshot().Machine("k2"); m.State != protocol.MachineDisconnect {
		t.Errorf("error changed state to %s", m.State)
	}
}

func TestMachineUnknownKeyAndMalformedInventory(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	c.deliver(t, machinesPayload())
	waitEvent(t, h.events, func(MachinesUpdated) bool { return true })

	c.deliver(t, map[string]any{"type": "machine_connection_status", "status": "success", "action": "connect", "key": "ghost"})
	c.deliver(t, map[string]any{"type": "update_machines", "machines": "not-an-array"})
	c.deliver(t, map[string]any{"type": "update_machines"})
	c.deliverRaw(`{not json`)
	c.deliver(t, map[string]any{"type": "future_thing", "x": 1})
	c.deliver(t, map[string]any{"type": "transcribe_response", "message": "barrier"})
	waitEvent(t, h.events, func(TranscriptionReceived) bool { return true })

	snap := h.m.Snapshot()
	if len(snap.Machines) != 2 {
		t.Fatalf("machines = %+v", snap.Machines)
	}
	if _, ok := snap.Machine("ghost"); ok {
		t.Error("unknown key inserted")
	}
	if snap.Status != Connected {
		t.Errorf("status = %s", snap.Status)
	}
}

func TestMachinesClearedOnDisconnect(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	c.deliver(t, machinesPayload())
	waitEvent(t, h.events, func(MachinesUpdated) bool { return true })

	c.readErr <- &CloseError{Code: CloseNormal}
	waitEvent(t, h.events, func(e StatusChanged) bool { return e.To == Disconnected })
	if n := len(h.m.Snapshot().Machines); n != 0 {
		t.Errorf("machines after disconnect = %d", n)
	}
}

func TestTranscriptionOverwrites(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)

	c.deliver(t, map[string]any{"type": "transcribe_response", "message": "first"})
	c.deliver(t, map[string]any{"type": "transcribe_response", "message": "second"})
	waitEvent(t, h.events, func(e TranscriptionReceived) bool { return e.Text == "second" })

	if got := h.m.Snapshot().LastTranscription; got != "second" {
		t.Errorf("last transcription = %q", got)
	}
}

func TestPersistenceFailureKeepsConnection(t *testing.T) {
	h := newHarness(t)
	h.creds.err = errors.New("disk full")
	h.connect(t)

	n := waitEvent(t, h.events, func(Notice) bool { return true })
	if !errors.Is(n.Err, ErrPersistence) {
		t.Errorf("notice = %v", n.Err)
	}
	if n.Err.Blocking() {
		t.Error("persistence error should not block")
	}
	if got := h.m.Status(); got != Connected {
		t.Errorf("status = %s", got)
	}
}

func TestResumeRecordRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	waitEvent(t, h.events, func(CredentialSaved) bool { return true })

	rec, ok, err := LoadResume(context.Background(), h.blobs)
	if err != nil || !ok {
		t.Fatalf("LoadResume = %v, %v", ok, err)
	}
	if rec.Endpoint != "ws://srv" || rec.Secret != "s3cret" {
		t.Errorf("record = %+v", rec)
	}

	if _, ok, _ := LoadResume(context.Background(), newMemBlobs()); ok {
		t.Error("empty store reported a record")
	}
}

func TestAwait(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	if err := h.m.Connect(ctx, "ws://srv", "s3cret"); err != nil {
		t.Fatal(err)
	}
	c := h.dialer.next(t)
	c.deliver(t, map[string]any{"type": "auth_response", "status": "nope"})

	err := h.m.Await(ctx, Connected)
	if !errors.Is(err, ErrAuthentication) {
		t.Errorf("Await = %v, want authentication error", err)
	}
}

func TestClosedManagerRejectsOperations(t *testing.T) {
	m := New(newFakeDialer())
	if err := m.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background(), "ws://srv", "s"); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after close = %v", err)
	}
}

func TestStatusChangedCarriesFailure(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Connect(context.Background(), "ws://srv", "bad"); err != nil {
		t.Fatal(err)
	}
	h.dialer.next(t).deliver(t, map[string]any{"type": "auth_response", "status": "failure"})

	sc := waitEvent(t, h.events, func(e StatusChanged) bool { return e.To == Disconnected })
	if !errors.Is(sc.Err, ErrAuthentication) {
		t.Errorf("StatusChanged.Err = %v, want authentication error", sc.Err)
	}
	if snap := h.m.Snapshot(); snap.Notice != sc.Err {
		t.Errorf("snapshot notice = %v, published after the event", snap.Notice)
	}

	h.connect(t)
	if err := h.m.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sc = waitEvent(t, h.events, func(e StatusChanged) bool { return e.To == Disconnected })
	if sc.Err != nil {
		t.Errorf("explicit disconnect carried %v", sc.Err)
	}
}
