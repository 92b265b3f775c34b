// Package doctor runs the diagnostics behind `voicelink doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"voicelink/audio"
	"voicelink/credential"
	"voicelink/session"
)

const (
	defaultRecordFor   = 2 * time.Second
	defaultHandshakeIn = 10 * time.Second
)

type Options struct {
	Out io.Writer

	Audio     audio.Context
	Device    *audio.DeviceInfo
	RecordFor time.Duration

	Store credential.BlobStore

	Dialer   session.Dialer
	Endpoint string
	Secret   string
	Timeout  time.Duration

	SkipClipboard bool
}

type check struct {
	name string
	run  func(ctx context.Context, o Options) (string, error)
}

// Run executes the checks in order and returns an exit code (0 = all pass,
// 1 = any fail). A check whose prerequisites are missing is skipped.
func Run(ctx context.Context, o Options) int {
	if o.RecordFor <= 0 {
		o.RecordFor = defaultRecordFor
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultHandshakeIn
	}

	checks := []check{
		{"Secure store", checkStore},
		{"Microphone", checkMic},
		{"Endpoint handshake", checkHandshake},
	}
	if !o.SkipClipboard {
		checks = append(checks, check{"Clipboard", checkClipboard})
	}

	fmt.Fprintln(o.Out, "voicelink doctor")
	fmt.Fprintln(o.Out, "================")

	failed := 0
	for i, c := range checks {
		fmt.Fprintf(o.Out, "\n[%d/%d] %s\n", i+1, len(checks), c.name)
		msg, err := c.run(ctx, o)
		switch {
		case errors.Is(err, errSkipped):
			fmt.Fprintf(o.Out, "  SKIP: %s\n", msg)
		case err != nil:
			failed++
			fmt.Fprintf(o.Out, "  FAIL: %v\n", err)
		default:
			fmt.Fprintf(o.Out, "  PASS: %s\n", msg)
		}
	}

	fmt.Fprintln(o.Out)
	if failed > 0 {
		fmt.Fprintf(o.Out, "%d check(s) failed. See details above.\n", failed)
		return 1
	}
	fmt.Fprintln(o.Out, "All checks passed!")
	return 0
}

var errSkipped = errors.New("skipped")

func checkStore(ctx context.Context, o Options) (string, error) {
	if o.Store == nil {
		return "no store configured", errSkipped
	}
	creds := credential.NewStore(o.Store)
	list, err := creds.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("reading saved credentials: %w", err)
	}
	return fmt.Sprintf("%d saved credential(s) readable", len(list)), nil
}

func checkMic(ctx context.Context, o Options) (string, error) {
	if o.Audio == nil {
		return "no audio backend", errSkipped
	}
	rec := audio.NewRecorder(o.Audio, o.Device)
	defer rec.Close()

	if err := rec.Initialize(); err != nil {
		return "", err
	}
	fmt.Fprintf(o.Out, "  Device: %s\n", rec.DeviceName())
	if o.Device != nil && audio.IsBluetooth(o.Device.Name) {
		fmt.Fprintln(o.Out, "  Warning: bluetooth headset, capture will be narrowband")
	}

	chunks, err := rec.Start()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(o.Out, "  Recording for %s...\n", o.RecordFor)

	timer := time.NewTimer(o.RecordFor)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	rec.Stop()

	var n, samples int
	var peak int16
	for c := range chunks {
		if c.IsFinal {
			continue
		}
		n++
		samples += len(c.Samples)
		for _, s := range c.Samples {
			if s < 0 {
				s = -s
			}
			peak = max(peak, s)
		}
	}
	if n == 0 {
		return "", fmt.Errorf("no audio captured from %s", rec.DeviceName())
	}
	msg := fmt.Sprintf("%d chunks, %.1fs of audio, peak %d", n, float64(samples)/audio.SampleRate, peak)
	if peak == 0 {
		msg += " (silence, is the microphone muted?)"
	}
	return msg, nil
}

func checkHandshake(ctx context.Context, o Options) (string, error) {
	if o.Dialer == nil || o.Endpoint == "" || o.Secret == "" {
		return "no endpoint or secret given", errSkipped
	}

	m := session.New(o.Dialer, session.WithDialTimeout(o.Timeout))
	defer m.Close(context.Background())

	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	start := time.Now()
	if err := m.Connect(ctx, o.Endpoint, o.Secret); err != nil {
		return "", err
	}
	if err := m.Await(ctx, session.Connected); err != nil {
		return "", err
	}
	elapsed := time.Since(start)
	if err := m.Disconnect(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("authenticated with %s in %s", o.Endpoint, elapsed.Round(time.Millisecond)), nil
}
