package audio

import (
	"os"
	"sync"
	"time"
)

const fakeFrameSamples = 1024

// FakeContext replays PCM instead of opening a microphone. With realtime
// set, frames are paced at the capture sample rate and silence follows the
// recording; otherwise frames are delivered as fast as the callback returns
// and the capture goes quiet once the PCM is exhausted.
type FakeContext struct {
	pcm      []byte
	realtime bool
	openErr  error

	mu   sync.Mutex
	last *FakeCapture
}

// NewFakeContext loads a 16 kHz mono 16-bit WAV file, skipping its header.
func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	return &FakeContext{pcm: data, realtime: realtime}, nil
}

func NewFakeContextFromPCM(pcm []byte, realtime bool) *FakeContext {
	return &FakeContext{pcm: pcm, realtime: realtime}
}

// FailOpen makes NewCapture return err, as a platform does when the
// microphone is unavailable or access was refused.
func (f *FakeContext) FailOpen(err error) { f.openErr = err }

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	rate := config.SampleRate
	if rate == 0 {
		rate = SampleRate
	}
	c := &FakeCapture{pcm: f.pcm, realtime: f.realtime, sampleRate: rate}
	f.mu.Lock()
	f.last = c
	f.mu.Unlock()
	return c, nil
}

// AudioDone reports the end of the PCM for the most recently opened
// capture. Before any capture is opened the channel never closes.
func (f *FakeContext) AudioDone() <-chan struct{} {
	f.mu.Lock()
	c := f.last
	f.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.AudioDone()
}

type FakeCapture struct {
	callbackSlot

	pcm        []byte
	realtime   bool
	sampleRate uint32

	mu        sync.Mutex
	stop      chan struct{}
	feedDone  chan struct{}
	audioDone chan struct{}
}

// AudioDone is closed once the PCM of the current run has been delivered.
func (f *FakeCapture) AudioDone() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.audioDone == nil {
		f.audioDone = make(chan struct{})
	}
	return f.audioDone
}

func (f *FakeCapture) DeviceName() string { return "fake" }

func (f *FakeCapture) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stop = make(chan struct{})
	f.feedDone = make(chan struct{})
	if f.audioDone == nil {
		f.audioDone = make(chan struct{})
	}
	go f.feed(f.stop, f.feedDone, f.audioDone)
	return nil
}

func (f *FakeCapture) feed(stop <-chan struct{}, done, audioDone chan struct{}) {
	defer close(done)

	frameBytes := fakeFrameSamples * BytesPerSample
	interval := time.Duration(fakeFrameSamples) * time.Second / time.Duration(f.sampleRate)
	silence := make([]byte, frameBytes)

	send := func(data []byte) { f.deliver(data, uint32(len(data)/BytesPerSample)) }

	for pos := 0; pos < len(f.pcm); {
		select {
		case <-stop:
			return
		default:
		}
		end := min(pos+frameBytes, len(f.pcm))
		send(f.pcm[pos:end])
		pos = end
		if f.realtime {
			select {
			case <-stop:
				return
			case <-time.After(interval):
			}
		}
	}
	close(audioDone)

	if !f.realtime {
		<-stop
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			send(silence)
		}
	}
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop == nil {
		return
	}
	select {
	case <-f.stop:
		return
	default:
		close(f.stop)
	}
	<-f.feedDone
	select {
	case <-f.audioDone:
		f.audioDone = nil
	default:
	}
}

func (f *FakeCapture) Close() { f.Stop() }
