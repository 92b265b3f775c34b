// Package audio captures 16-bit PCM from the platform microphone. PulseAudio
// is used on Linux and miniaudio elsewhere; FakeContext replays a file.
package audio

import (
	"strings"
	"sync/atomic"
)

// Wire format of every recording.
const (
	SampleRate     = 16000
	Channels       = 1
	BitsPerSample  = 16
	BytesPerSample = BitsPerSample / 8
	// BufferBytes is the capture buffer size; one chunk per full buffer.
	BufferBytes = 2048
)

const WAVHeaderSize = 44

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"bluetooth", " bt ", " bt)", " bt]",
}

// IsBluetooth guesses from the device name whether it is a headset that
// drops to a narrowband profile while its microphone is open.
func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}

// callbackSlot is embedded by capture devices. The audio thread reads it on
// every buffer while the recorder swaps it, so it is lock-free.
type callbackSlot struct {
	cb atomic.Pointer[DataCallback]
}

func (s *callbackSlot) SetCallback(cb DataCallback) { s.cb.Store(&cb) }
func (s *callbackSlot) ClearCallback()              { s.cb.Store(nil) }

// deliver hands a private copy of data to the callback, if one is set.
func (s *callbackSlot) deliver(data []byte, frames uint32) {
	cb := s.cb.Load()
	if cb == nil || len(data) == 0 {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	(*cb)(buf, frames)
}
