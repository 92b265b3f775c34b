package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"voicelink/audio"
	"voicelink/config"
	"voicelink/credential"
	"voicelink/log"
	"voicelink/observe"
	"voicelink/protocol"
	"voicelink/securestore"
	"voicelink/session"
)

var errNotRecording = errors.New("not recording")

type appOptions struct {
	dialer session.Dialer
	// audio replaces the platform capture backend when set.
	audio audio.Context
	// selectDevice runs the interactive picker instead of cfg.Audio.Device.
	selectDevice bool
	metrics      bool
}

// app wires the store, credentials, session and recorder for one process.
type app struct {
	cfg      *config.Config
	store    *securestore.Store
	creds    *credential.Store
	metrics  *observe.Metrics
	session  *session.Manager
	audioCtx audio.Context
	recorder *audio.Recorder

	stopMetrics func(context.Context) error

	sinkMu sync.Mutex
	sink   EventSink

	recMu      sync.Mutex
	streamDone chan session.StreamStats
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, metrics: observe.Noop()}

	storePath := cfg.StorePath
	if storePath == "" {
		p, err := securestore.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("store path: %w", err)
		}
		storePath = p
	}
	store, err := securestore.Open(ctx, storePath)
	if err != nil {
		return nil, err
	}
	a.store = store

	a.creds = credential.NewStore(store)
	if _, err := a.creds.Load(ctx); err != nil {
		store.Close()
		return nil, err
	}

	if opts.metrics && cfg.MetricsAddr != "" {
		met, shutdown, err := observe.InitProvider(ctx, version)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
		a.metrics, a.stopMetrics = met, shutdown
	}

	dialer := opts.dialer
	if dialer == nil {
		dialer = session.WebsocketDialer{}
	}
	a.session = session.New(dialer,
		session.WithCredentials(a.creds),
		session.WithResumeStore(store),
		session.WithMetrics(a.metrics),
		session.WithDialTimeout(cfg.DialTimeout),
		session.WithWriteTimeout(cfg.WriteTimeout),
	)

	a.audioCtx = opts.audio
	if a.audioCtx == nil {
		actx, err := audio.NewContext()
		if err != nil {
			a.close()
			return nil, fmt.Errorf("audio: %w", err)
		}
		a.audioCtx = actx
	}

	var device *audio.DeviceInfo
	if opts.selectDevice {
		device, err = audio.SelectDevice(a.audioCtx)
		if err != nil && !errors.Is(err, audio.ErrNoDevices) {
			log.Warnf("device selection failed: %v", err)
		}
	} else if device, err = audio.FindDevice(a.audioCtx, cfg.Audio.Device); err != nil {
		log.Warnf("%v, using system default", err)
		device = nil
	}

	a.recorder = audio.NewRecorder(a.audioCtx, device,
		audio.WithSampleRate(cfg.Audio.SampleRate),
		audio.WithBufferBytes(cfg.Audio.BufferSize),
		audio.WithRecorderMetrics(a.metrics),
		audio.WithTick(a.tick),
	)
	if err := a.recorder.Initialize(); err != nil {
		log.Warnf("microphone unavailable: %v", err)
	}

	return a, nil
}

func (a *app) setSink(s EventSink) {
	a.sinkMu.Lock()
	a.sink = s
	a.sinkMu.Unlock()
}

func (a *app) tick(seconds int) {
	a.sinkMu.Lock()
	s := a.sink
	a.sinkMu.Unlock()
	if s != nil {
		s.RecordingTick(seconds)
	}
}

// startRecording opens the microphone and streams every chunk to the
// session until stopRecording.
func (a *app) startRecording(ctx context.Context) error {
	a.recMu.Lock()
	defer a.recMu.Unlock()

	if a.streamDone != nil {
		return audio.ErrAlreadyRecording
	}
	if a.session.Status() != session.Connected {
		return session.ErrNotConnected
	}
	chunks, err := a.recorder.Start()
	if err != nil {
		return err
	}
	done := make(chan session.StreamStats, 1)
	go func() {
		stats := a.session.Stream(ctx, chunks)
		if stats.Interrupted {
			a.abandonRecording(done, chunks, stats)
		}
		done <- stats
	}()
	a.streamDone = done
	return nil
}

// abandonRecording stops a recording whose connection went away. Chunks
// still queued by the recorder are discarded.
func (a *app) abandonRecording(done chan session.StreamStats, chunks <-chan protocol.StreamChunk, stats session.StreamStats) {
	a.recMu.Lock()
	owned := a.streamDone == done
	if owned {
		a.streamDone = nil
		a.recorder.Stop()
	}
	a.recMu.Unlock()
	if !owned {
		// stopRecording got there first and reports the stats itself
		return
	}
	for range chunks {
	}

	log.Warn("recording stopped: connection lost")
	a.sinkMu.Lock()
	s := a.sink
	a.sinkMu.Unlock()
	if s != nil {
		s.RecordingInterrupted(stats)
	}
}

// stopRecording ends the recording and waits for the terminal chunk to be
// written.
func (a *app) stopRecording() (session.StreamStats, error) {
	a.recMu.Lock()
	done := a.streamDone
	a.streamDone = nil
	a.recMu.Unlock()

	if done == nil {
		return session.StreamStats{}, errNotRecording
	}
	a.recorder.Stop()
	return <-done, nil
}

func (a *app) recording() bool {
	a.recMu.Lock()
	defer a.recMu.Unlock()
	return a.streamDone != nil
}

// analyze sends text with the configured analyze variant.
func (a *app) analyze(ctx context.Context, text string) error {
	if a.cfg.AnalyzeType == config.AnalyzeNLP {
		return a.session.SendNLPAnalyze(ctx, text)
	}
	return a.session.SendAnalyze(ctx, text)
}

func (a *app) close() {
	ctx := context.Background()
	if a.recording() {
		a.stopRecording()
	}
	if a.recorder != nil {
		a.recorder.Close()
	}
	if a.session != nil {
		if err := a.session.Close(ctx); err != nil {
			log.Warnf("session close: %v", err)
		}
	}
	if a.audioCtx != nil {
		a.audioCtx.Close()
	}
	if a.stopMetrics != nil {
		if err := a.stopMetrics(ctx); err != nil {
			log.Warnf("metrics shutdown: %v", err)
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}
