//go:build linux

package audio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jfreymuth/pulse"
)

// recordLatency is the fragment size requested from the server, in seconds.
const recordLatency = 0.05

type pulseContext struct {
	client *pulse.Client
}

func NewContext() (Context, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("voicelink"))
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &pulseContext{client: c}, nil
}

func (p *pulseContext) Devices() ([]DeviceInfo, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse list sources: %w", err)
	}
	devices := make([]DeviceInfo, 0, len(sources))
	for _, s := range sources {
		devices = append(devices, DeviceInfo{ID: s.ID(), Name: s.Name()})
	}
	return devices, nil
}

// NewCapture resolves the source up front so a missing or inaccessible
// microphone is reported here rather than on Start.
func (p *pulseContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	source, err := p.resolve(device)
	if err != nil {
		return nil, fmt.Errorf("pulse source: %w", err)
	}
	name := source.Name()
	if device != nil {
		name = device.Name
	}
	return &pulseCapture{client: p.client, source: source, name: name, config: config}, nil
}

func (p *pulseContext) resolve(device *DeviceInfo) (*pulse.Source, error) {
	if device == nil {
		return p.client.DefaultSource()
	}
	return p.client.SourceByID(device.ID)
}

func (p *pulseContext) Close() {
	p.client.Close()
}

type pulseCapture struct {
	callbackSlot

	client *pulse.Client
	source *pulse.Source
	name   string
	config CaptureConfig

	mu     sync.Mutex
	stream *pulse.RecordStream
}

func (c *pulseCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return nil
	}
	stream, err := c.client.NewRecord(pulse.Int16Writer(c.write),
		pulse.RecordMono,
		pulse.RecordSampleRate(int(c.config.SampleRate)),
		pulse.RecordLatency(recordLatency),
		pulse.RecordSource(c.source),
	)
	if err != nil {
		return fmt.Errorf("pulse record: %w", err)
	}
	stream.Start()
	c.stream = stream
	return nil
}

// write runs on the pulse client goroutine.
func (c *pulseCapture) write(samples []int16) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	c.deliver(data, uint32(len(samples)))
	return len(samples), nil
}

func (c *pulseCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return
	}
	c.stream.Stop()
	c.stream.Close()
	c.stream = nil
}

func (c *pulseCapture) Close() {
	c.Stop()
}

func (c *pulseCapture) DeviceName() string {
	return c.name
}
