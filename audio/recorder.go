package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"voicelink/log"
	"voicelink/observe"
	"voicelink/protocol"
)

var (
	ErrPermissionDenied = errors.New("microphone permission not granted")
	ErrAlreadyRecording = errors.New("already recording")
)

// chunkQueue is the capacity of the channel handed out by Start. At 1024
// samples per chunk it holds about four seconds of audio. The last slot is
// kept free for the terminal chunk and the one before it for the partial
// buffer flushed on Stop.
const chunkQueue = 64

type RecorderOption func(*Recorder)

func WithRecorderMetrics(m *observe.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithTick registers fn to be called with the elapsed whole seconds on
// every tick of a running recording.
func WithTick(fn func(seconds int)) RecorderOption {
	return func(r *Recorder) { r.onTick = fn }
}

// WithSampleRate overrides the capture rate. The wire format stays mono
// 16-bit PCM.
func WithSampleRate(hz int) RecorderOption {
	return func(r *Recorder) { r.sampleRate = hz }
}

func WithBufferBytes(n int) RecorderOption {
	return func(r *Recorder) { r.bufferBytes = n }
}

// Recorder turns a capture device into a run of protocol.StreamChunk per
// recording.
type Recorder struct {
	actx        Context
	device      *DeviceInfo
	sampleRate  int
	bufferBytes int
	tick        time.Duration
	onTick      func(int)
	metrics     *observe.Metrics
	now         func() time.Time

	// opMu serializes Initialize, Start, Stop and Close.
	opMu    sync.Mutex
	capture CaptureDevice
	granted atomic.Bool

	mu        sync.Mutex
	recording bool
	ch        chan protocol.StreamChunk
	pending   []byte
	seq       int
	dropped   int
	tickStop  chan struct{}
	tickDone  chan struct{}

	elapsed atomic.Int64
}

// NewRecorder prepares a recorder for device; nil selects the system default.
func NewRecorder(actx Context, device *DeviceInfo, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		actx:        actx,
		device:      device,
		sampleRate:  SampleRate,
		bufferBytes: BufferBytes,
		tick:        time.Second,
		metrics:     observe.Noop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize opens the capture device. Opening it is what grants
// permission; a failure leaves PermissionsGranted false and is reported
// wrapped in ErrPermissionDenied. Calling it again after success is a no-op.
func (r *Recorder) Initialize() error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.capture != nil {
		return nil
	}
	capture, err := r.actx.NewCapture(r.device, CaptureConfig{
		SampleRate: uint32(r.sampleRate),
		Channels:   Channels,
	})
	if err != nil {
		r.granted.Store(false)
		log.Errorf("capture open failed: %v", err)
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	r.capture = capture
	r.granted.Store(true)
	log.Infof("capture device: %s (%d Hz)", capture.DeviceName(), r.sampleRate)
	return nil
}

func (r *Recorder) PermissionsGranted() bool { return r.granted.Load() }

func (r *Recorder) DeviceName() string {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	if r.capture == nil {
		return ""
	}
	return r.capture.DeviceName()
}

func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Duration is the number of whole seconds the current recording has run.
// It is 0 when idle.
func (r *Recorder) Duration() int { return int(r.elapsed.Load()) }

// Start begins a recording. The returned channel yields chunks with
// sequence numbers from 0 and is closed after the terminal chunk that Stop
// emits.
func (r *Recorder) Start() (<-chan protocol.StreamChunk, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if !r.granted.Load() || r.capture == nil {
		return nil, ErrPermissionDenied
	}

	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return nil, ErrAlreadyRecording
	}
	ch := make(chan protocol.StreamChunk, chunkQueue)
	r.ch = ch
	r.pending = r.pending[:0]
	r.seq = 0
	r.dropped = 0
	r.recording = true
	r.elapsed.Store(0)
	r.mu.Unlock()

	r.capture.SetCallback(r.onData)
	if err := r.capture.Start(); err != nil {
		r.capture.ClearCallback()
		r.mu.Lock()
		r.recording = false
		r.ch = nil
		r.mu.Unlock()
		return nil, fmt.Errorf("start capture: %w", err)
	}

	r.tickStop = make(chan struct{})
	r.tickDone = make(chan struct{})
	go r.runTicker(r.tickStop, r.tickDone)

	log.Info("recording started")
	return ch, nil
}

// Stop ends the recording: any partial buffer goes out as a regular chunk,
// followed by the terminal chunk, and the channel is closed. Stop on an idle
// recorder does nothing.
func (r *Recorder) Stop() {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.stopLocked()
}

func (r *Recorder) stopLocked() {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return
	}
	r.recording = false
	r.mu.Unlock()

	// Late callbacks see recording=false and are discarded.
	r.capture.ClearCallback()
	r.capture.Stop()

	close(r.tickStop)
	<-r.tickDone
	seconds := r.elapsed.Swap(0)

	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.pending) / BytesPerSample; n > 0 {
		r.queue(decodePCM(r.pending[:n*BytesPerSample]), chunkQueue-1)
	}
	r.pending = r.pending[:0]

	r.ch <- protocol.StreamChunk{
		Sequence:     r.seq,
		IsFinal:      true,
		SampleRateHz: r.sampleRate,
		Format:       protocol.FormatPCM,
		TimestampMs:  r.now().UnixMilli(),
	}
	close(r.ch)
	r.ch = nil

	log.Infof("recording stopped: %s, %d chunks, %d dropped", FormatDuration(int(seconds)), r.seq, r.dropped)
}

// Close stops any recording and releases the capture device.
func (r *Recorder) Close() {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	if r.capture == nil {
		return
	}
	r.stopLocked()
	r.capture.Close()
	r.capture = nil
	r.granted.Store(false)
}

func (r *Recorder) onData(data []byte, _ uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	r.pending = append(r.pending, data...)
	for len(r.pending) >= r.bufferBytes {
		samples := decodePCM(r.pending[:r.bufferBytes])
		r.pending = r.pending[r.bufferBytes:]
		r.queue(samples, chunkQueue-2)
	}
}

// queue sends a data chunk if fewer than limit chunks are waiting.
// Caller holds r.mu.
func (r *Recorder) queue(samples []int16, limit int) {
	if len(r.ch) >= limit {
		r.dropped++
		log.Dropped(protocol.TypeTranscribeAudio, "capture overrun")
		r.metrics.RecordOverrun(context.Background())
		return
	}
	r.ch <- protocol.StreamChunk{
		Sequence:     r.seq,
		Samples:      samples,
		SampleRateHz: r.sampleRate,
		Format:       protocol.FormatPCM,
		TimestampMs:  r.now().UnixMilli(),
	}
	r.seq++
}

func (r *Recorder) runTicker(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(r.tick)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			n := r.elapsed.Add(1)
			if r.onTick != nil {
				r.onTick(int(n))
			}
		}
	}
}

func decodePCM(b []byte) []int16 {
	samples := make([]int16, len(b)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*BytesPerSample:]))
	}
	return samples
}

// FormatDuration renders whole seconds as MM:SS.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
