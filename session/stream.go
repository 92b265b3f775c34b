package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voicelink/log"
	"voicelink/protocol"
)

// StreamStats summarises one recording pushed through Stream.
type StreamStats struct {
	Chunks           int
	Samples          int
	Dropped          int
	SentFinal        bool
	SynthesizedFinal bool
	// Interrupted is set when the connection the recording started on went
	// away before the recording ended.
	Interrupted bool
	SampleRateHz     int
	Started          time.Time
	Duration         time.Duration
}

func (s StreamStats) AudioSeconds() float64 {
	if s.SampleRateHz == 0 {
		return 0
	}
	return float64(s.Samples) / float64(s.SampleRateHz)
}

// Lines renders the stats for the diagnostics panel.
func (s StreamStats) Lines() []string {
	final := "from recorder"
	if s.SynthesizedFinal {
		final = "synthesized"
	}
	if !s.SentFinal {
		final = "not sent"
	}
	if s.Interrupted {
		final = "interrupted, connection lost"
	}
	return []string{
		fmt.Sprintf("audio:   %.1fs | PCM16 %dHz mono", s.AudioSeconds(), s.SampleRateHz),
		fmt.Sprintf("sent:    %d chunks | %d samples", s.Chunks, s.Samples),
		fmt.Sprintf("dropped: %d", s.Dropped),
		fmt.Sprintf("final:   %s", final),
		fmt.Sprintf("total:   %dms", s.Duration.Milliseconds()),
	}
}

const defaultStreamRate = 16000

// Stream sends every chunk from chunks until the terminal chunk has been
// sent, the channel closes or ctx ends. If the recording ended without a
// terminal chunk one is synthesized, so the server never waits on a stream
// that will not finish.
//
// A recording belongs to the connection that was live when Stream started.
// Once that connection is gone Stream stops forwarding, sets Interrupted
// and returns without a terminal chunk; the caller stops the producer.
func (m *Manager) Stream(ctx context.Context, chunks <-chan protocol.StreamChunk) StreamStats {
	stats := StreamStats{Started: time.Now(), SampleRateHz: defaultStreamRate}
	next := 0
	finalAttempted := false

	events, unsubscribe := m.Subscribe()
	defer unsubscribe()
	gen, live, err := m.connectedGen(ctx)
	if err != nil || !live {
		log.Dropped(protocol.TypeTranscribeAudio, "recording started without a connection")
		stats.Interrupted = true
	}

loop:
	for !stats.Interrupted {
		select {
		case c, ok := <-chunks:
			if !ok {
				break loop
			}
			if c.SampleRateHz > 0 {
				stats.SampleRateHz = c.SampleRateHz
			}
			next = c.Sequence + 1
			finalAttempted = c.IsFinal
			if err := m.sendChunk(ctx, gen, c); err != nil {
				stats.Dropped++
				if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrClosed) {
					stats.Interrupted = true
					break loop
				}
				if c.IsFinal {
					break loop
				}
				continue
			}
			if c.IsFinal {
				stats.SentFinal = true
				break loop
			}
			stats.Chunks++
			stats.Samples += len(c.Samples)
		case ev := <-events:
			if sc, ok := ev.(StatusChanged); ok && sc.To != Connected {
				stats.Interrupted = true
			}
		case <-ctx.Done():
			break loop
		}
	}

	if !finalAttempted && !stats.Interrupted {
		final := protocol.StreamChunk{
			Sequence:     next,
			IsFinal:      true,
			SampleRateHz: stats.SampleRateHz,
			Format:       protocol.FormatPCM,
			TimestampMs:  time.Now().UnixMilli(),
		}
		fctx := context.WithoutCancel(ctx)
		if err := m.sendChunk(fctx, gen, final); err == nil {
			stats.SentFinal = true
			stats.SynthesizedFinal = true
		} else {
			log.Warnf("stream: terminal chunk not sent: %v", err)
		}
	}

	stats.Duration = time.Since(stats.Started)
	log.StreamMetrics(log.StreamMetricsData{
		Chunks:           stats.Chunks,
		Samples:          stats.Samples,
		Dropped:          stats.Dropped,
		SynthesizedFinal: stats.SynthesizedFinal,
		AudioS:           stats.AudioSeconds(),
		TotalMs:          float64(stats.Duration.Milliseconds()),
	})
	return stats
}
