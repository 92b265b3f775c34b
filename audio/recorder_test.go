package audio

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"voicelink/protocol"
)

func pcmRamp(samples int) []byte {
	b := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(int16(i-samples/2)))
	}
	return b
}

func drain(t *testing.T, ch <-chan protocol.StreamChunk) []protocol.StreamChunk {
	t.Helper()
	var out []protocol.StreamChunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("channel never closed")
			return out
		}
	}
}

func waitAudio(t *testing.T, r *Recorder) {
	t.Helper()
	fc := r.capture.(*FakeCapture)
	select {
	case <-fc.AudioDone():
	case <-time.After(2 * time.Second):
		t.Fatal("fake audio never finished")
	}
}

func TestStartWithoutPermission(t *testing.T) {
	r := NewRecorder(NewFakeContextFromPCM(nil, false), nil)
	if _, err := r.Start(); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Start = %v, want ErrPermissionDenied", err)
	}
	if r.IsRecording() {
		t.Error("recording after refused start")
	}
}

func TestInitializeFailureDeniesPermission(t *testing.T) {
	ctx := NewFakeContextFromPCM(nil, false)
	ctx.FailOpen(errors.New("access refused"))
	r := NewRecorder(ctx, nil)

	if err := r.Initialize(); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Initialize = %v", err)
	}
	if r.PermissionsGranted() {
		t.Error("permission granted after failed open")
	}
	if _, err := r.Start(); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Start = %v", err)
	}
}

func TestRecordingChunksAndFinal(t *testing.T) {
	// 2.5 buffers of audio: two full chunks, one partial flushed on Stop.
	pcm := pcmRamp(BufferBytes/2*2 + BufferBytes/4)
	r := NewRecorder(NewFakeContextFromPCM(pcm, false), nil)
	if err := r.Initialize(); err != nil {
		t.Fatal(err)
	}
	if !r.PermissionsGranted() {
		t.Fatal("permission not granted")
	}

	ch, err := r.Start()
	if err != nil {
		t.Fatal(err)
	}
	if !r.IsRecording() {
		t.Fatal("not recording")
	}
	waitAudio(t, r)
	r.Stop()

	chunks := drain(t, ch)
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}
	wantLens := []int{1024, 1024, 512, 0}
	for i, c := range chunks {
		if c.Sequence != i {
			t.Errorf("chunk %d sequence = %d", i, c.Sequence)
		}
		if len(c.Samples) != wantLens[i] {
			t.Errorf("chunk %d has %d samples, want %d", i, len(c.Samples), wantLens[i])
		}
		if c.SampleRateHz != SampleRate || c.Format != protocol.FormatPCM {
			t.Errorf("chunk %d format = %d/%s", i, c.SampleRateHz, c.Format)
		}
		if c.IsFinal != (i == 3) {
			t.Errorf("chunk %d IsFinal = %v", i, c.IsFinal)
		}
	}
	if got, want := chunks[0].Samples[0], int16(-len(pcm)/4); got != want {
		t.Errorf("first sample = %d, want %d", got, want)
	}
	if r.IsRecording() {
		t.Error("still recording after Stop")
	}
}

func TestSequenceRestartsPerRecording(t *testing.T) {
	r := NewRecorder(NewFakeContextFromPCM(pcmRamp(1024), false), nil)
	if err := r.Initialize(); err != nil {
		t.Fatal(err)
	}

	for run := 0; run < 2; run++ {
		ch, err := r.Start()
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		waitAudio(t, r)
		r.Stop()
		chunks := drain(t, ch)
		if len(chunks) != 2 || chunks[0].Sequence != 0 || !chunks[1].IsFinal {
			t.Fatalf("run %d chunks = %+v", run, chunks)
		}
	}
}

func TestStartTwice(t *testing.T) {
	r := NewRecorder(NewFakeContextFromPCM(nil, false), nil)
	if err := r.Initialize(); err != nil {
		t.Fatal(err)
	}
	ch, err := r.Start()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Start(); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("second Start = %v", err)
	}
	r.Stop()
	chunks := drain(t, ch)
	if len(chunks) != 1 || !chunks[0].IsFinal {
		t.Errorf("chunks = %+v", chunks)
	}
}

func TestStopIdleIsNoop(t *testing.T) {
	r := NewRecorder(NewFakeContextFromPCM(nil, false), nil)
	r.Stop()
	if err := r.Initialize(); err != nil {
		t.Fatal(err)
	}
	r.Stop()
}

func TestOverrunKeepsFinal(t *testing.T) {
	// Far more buffers than the queue holds, with nobody reading.
	pcm := pcmRamp(BufferBytes / 2 * (chunkQueue * 2))
	r := NewRecorder(NewFakeContextFromPCM(pcm, false), nil)
	if err := r.Initialize(); err != nil {
		t.Fatal(err)
	}
	ch, err := r.Start()
	if err != nil {
		t.Fatal(err)
	}
	waitAudio(t, r)
	r.Stop()

	chunks := drain(t, ch)
	if len(chunks) != chunkQueue-1 {
		t.Fatalf("got %d chunks, want %d", len(chunks), chunkQueue-1)
	}
	last := chunks[len(chunks)-1]
	if !last.IsFinal || last.Sequence != chunkQueue-2 {
		t.Errorf("last chunk = seq %d final %v", last.Sequence, last.IsFinal)
	}
	for i, c := range chunks {
		if c.Sequence != i {
			t.Fatalf("chunk %d sequence = %d", i, c.Sequence)
		}
	}
}

func TestDurationTicksWhileRecording(t *testing.T) {
	ticks := make(chan int, 16)
	r := NewRecorder(NewFakeContextFromPCM(nil, false), nil, WithTick(func(s int) {
		select {
		case ticks <- s:
		default:
		}
	}))
	r.tick = 10 * time.Millisecond
	if err := r.Initialize(); err != nil {
		t.Fatal(err)
	}
	if r.Duration() != 0 {
		t.Fatal("duration before start")
	}
	ch, err := r.Start()
	if err != nil {
		t.Fatal(err)
	}
	for want := 1; want <= 2; want++ {
		select {
		case got := <-ticks:
			if got != want {
				t.Errorf("tick = %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no tick")
		}
	}
	if r.Duration() < 2 {
		t.Errorf("Duration = %d", r.Duration())
	}
	r.Stop()
	drain(t, ch)
	if r.Duration() != 0 {
		t.Errorf("Duration after stop = %d", r.Duration())
	}
}

func TestCloseStopsRecording(t *testing.T) {
	r := NewRecorder(NewFakeContextFromPCM(nil, false), nil)
	if err := r.Initialize(); err != nil {
		t.Fatal(err)
	}
	ch, err := r.Start()
	if err != nil {
		t.Fatal(err)
	}
	r.Close()
	chunks := drain(t, ch)
	if len(chunks) != 1 || !chunks[0].IsFinal {
		t.Errorf("chunks = %+v", chunks)
	}
	if r.PermissionsGranted() {
		t.Error("permission still granted after Close")
	}
}

func TestFakeContextFromWAV(t *testing.T) {
	pcm := pcmRamp(BufferBytes / 2)
	path := filepath.Join(t.TempDir(), "clip.wav")
	data := append(make([]byte, WAVHeaderSize), pcm...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, err := NewFakeContext(path, false)
	if err != nil {
		t.Fatal(err)
	}
	r := NewRecorder(ctx, nil)
	if err := r.Initialize(); err != nil {
		t.Fatal(err)
	}
	ch, err := r.Start()
	if err != nil {
		t.Fatal(err)
	}
	waitAudio(t, r)
	r.Stop()
	chunks := drain(t, ch)
	if len(chunks) != 2 || len(chunks[0].Samples) != BufferBytes/2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "00:00"},
		{9, "00:09"},
		{61, "01:01"},
		{3599, "59:59"},
		{6000, "100:00"},
		{-3, "00:00"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFindDevice(t *testing.T) {
	ctx := NewFakeContextFromPCM(nil, false)
	if d, err := FindDevice(ctx, ""); err != nil || d != nil {
		t.Errorf("empty name = %v, %v", d, err)
	}
	if d, err := FindDevice(ctx, "FAK"); err != nil || d.ID != "fake" {
		t.Errorf("substring = %v, %v", d, err)
	}
	if _, err := FindDevice(ctx, "usb"); err == nil {
		t.Error("expected error for unknown device")
	}
}

func TestIsBluetooth(t *testing.T) {
	if !IsBluetooth("Sony WH-1000XM4") || !IsBluetooth("Headset BT Stereo") {
		t.Error("bluetooth headset not detected")
	}
	if IsBluetooth("Built-in Microphone") {
		t.Error("built-in mic flagged")
	}
}

func TestReadKey(t *testing.T) {
	tests := []struct {
		in   []byte
		want pickerKey
	}{
		{[]byte{'\r'}, keyConfirm},
		{[]byte{3}, keyCancel},
		{[]byte{'q'}, keyCancel},
		{[]byte{'j'}, keyDown},
		{[]byte{'k'}, keyUp},
		{[]byte{0x1b, '[', 'A'}, keyUp},
		{[]byte{0x1b, '[', 'B'}, keyDown},
		{[]byte{0x1b, '[', 'C'}, keyNone},
		{[]byte{'x'}, keyNone},
		{[]byte{'j', 'j'}, keyNone},
	}
	for _, tt := range tests {
		if got := readKey(tt.in); got != tt.want {
			t.Errorf("readKey(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDecodePCM(t *testing.T) {
	got := decodePCM([]byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x80, 0x7f})
	want := []int16{1, -1, -32768}
	if len(got) != len(want) {
		t.Fatalf("decodePCM = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}
