//go:build !linux

package audio

import (
	"encoding/hex"
	"fmt"

	"github.com/gen2brain/malgo"
)

const defaultDeviceName = "system default"

type malgoContext struct {
	ctx *malgo.AllocatedContext
}

func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: %w", err)
	}
	return &malgoContext{ctx: ctx}, nil
}

func (m *malgoContext) Devices() ([]DeviceInfo, error) {
	infos, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	devices := make([]DeviceInfo, 0, len(infos))
	for _, d := range infos {
		devices = append(devices, DeviceInfo{ID: hex.EncodeToString(d.ID.Pointer()[:]), Name: d.Name()})
	}
	return devices, nil
}

// NewCapture initialises the device immediately; on macOS this is where the
// microphone permission is checked.
func (m *malgoContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = config.Channels
	cfg.SampleRate = config.SampleRate

	c := &malgoCapture{name: defaultDeviceName}
	if device != nil {
		raw, err := hex.DecodeString(device.ID)
		if err != nil {
			return nil, fmt.Errorf("device id %q: %w", device.ID, err)
		}
		var id malgo.DeviceID
		copy(id[:], raw)
		cfg.Capture.DeviceID = id.Pointer()
		c.name = device.Name
	}

	dev, err := malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frames uint32) { c.deliver(input, frames) },
	})
	if err != nil {
		return nil, fmt.Errorf("malgo init device: %w", err)
	}
	c.device = dev
	return c, nil
}

func (m *malgoContext) Close() {
	_ = m.ctx.Uninit()
	m.ctx.Free()
}

type malgoCapture struct {
	callbackSlot

	device *malgo.Device
	name   string
}

func (c *malgoCapture) Start() error {
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("malgo start: %w", err)
	}
	return nil
}

func (c *malgoCapture) Stop()              { _ = c.device.Stop() }
func (c *malgoCapture) Close()             { c.device.Uninit() }
func (c *malgoCapture) DeviceName() string { return c.name }
