package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	diagnosticsFile = "diagnostics_log.txt"
	transcriptsFile = "transcribe_log.txt"
	timeFormat      = "2006-01-02 15:04:05"
)

// sink is the set of open log files. It is swapped in by Init and out by
// Close; a nil sink turns every call into a no-op.
type sink struct {
	diag        *os.File
	transcripts *os.File
	logger      zerolog.Logger
	pid         int
}

var (
	current atomic.Pointer[sink]
	openMu  sync.Mutex
	writeMu sync.Mutex
	dir     string
)

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	return nil
}

func appendFile(name string) (*os.File, error) {
	return os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

// Init opens the diagnostics and transcription logs in Dir. Calling it
// again replaces the open files.
func Init() error {
	openMu.Lock()
	defer openMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}
	diag, err := appendFile(diagnosticsFile)
	if err != nil {
		return err
	}
	transcripts, err := appendFile(transcriptsFile)
	if err != nil {
		diag.Close()
		return err
	}

	s := &sink{diag: diag, transcripts: transcripts, pid: os.Getpid()}
	s.logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        diag,
		TimeFormat: timeFormat,
		NoColor:    true,
	}).With().Timestamp().Int("pid", s.pid).Logger()

	if old := current.Swap(s); old != nil {
		old.close()
	}
	return nil
}

func (s *sink) close() {
	s.diag.Close()
	s.transcripts.Close()
}

func Close() {
	openMu.Lock()
	defer openMu.Unlock()
	if s := current.Swap(nil); s != nil {
		s.close()
	}
}

// event starts a log event at level, or returns nil before Init. zerolog
// treats methods on a nil *Event as no-ops.
func event(level zerolog.Level) *zerolog.Event {
	s := current.Load()
	if s == nil {
		return nil
	}
	return s.logger.WithLevel(level)
}

func Info(msg string) { event(zerolog.InfoLevel).Msg(msg) }
func Infof(format string, args ...any) { event(zerolog.InfoLevel).Msgf(format, args...) }
func Warn(msg string) { event(zerolog.WarnLevel).Msg(msg) }
func Warnf(format string, args ...any) { event(zerolog.WarnLevel).Msgf(format, args...) }
func Error(msg string) { event(zerolog.ErrorLevel).Msg(msg) }
func Errorf(format string, args ...any) { event(zerolog.ErrorLevel).Msgf(format, args...) }

func warnUnless(ok bool) zerolog.Level {
	if ok {
		return zerolog.InfoLevel
	}
	return zerolog.WarnLevel
}

// SessionStart marks the beginning of a client run. mode is "tui" or
// "headless".
func SessionStart(endpoint, mode string) {
	event(zerolog.InfoLevel).
		Str("endpoint", endpoint).
		Str("mode", mode).
		Msg("session_start")
}

func SessionEnd(transcriptions int) {
	event(zerolog.InfoLevel).
		Int("transcriptions", transcriptions).
		Msg("session_end")
}

func StateChange(from, to, reason string) {
	ev := event(zerolog.InfoLevel).
		Str("from", from).
		Str("to", to)
	if reason != "" {
		ev = ev.Str("reason", reason)
	}
	ev.Msg("state_change")
}

func Auth(endpoint string, ok bool, status string) {
	event(warnUnless(ok)).
		Str("endpoint", endpoint).
		Bool("ok", ok).
		Str("status", status).
		Msg("auth")
}

func Sent(msgType string, bytes int) {
	event(zerolog.DebugLevel).
		Str("type", msgType).
		Int("bytes", bytes).
		Msg("send")
}

// Dropped records an outbound message that never reached the wire or an
// inbound frame that was discarded.
func Dropped(msgType, reason string) {
	event(zerolog.WarnLevel).
		Str("type", msgType).
		Str("reason", reason).
		Msg("drop")
}

func TransportClosed(code int, reason string, clean bool) {
	event(warnUnless(clean)).
		Int("code", code).
		Str("reason", reason).
		Bool("clean", clean).
		Msg("close")
}

// StreamMetricsData summarizes one recording pumped into the session.
type StreamMetricsData struct {
	Chunks           int
	Samples          int
	Dropped          int
	SynthesizedFinal bool
	AudioS           float64
	TotalMs          float64
}

func StreamMetrics(m StreamMetricsData) {
	event(zerolog.InfoLevel).
		Int("chunks", m.Chunks).
		Int("samples", m.Samples).
		Int("dropped", m.Dropped).
		Bool("synthesized_final", m.SynthesizedFinal).
		Float64("audio_s", m.AudioS).
		Float64("total_ms", m.TotalMs).
		Msg("stream_session")
}

// TranscriptionText appends one tab-separated line to the transcription log.
func TranscriptionText(text string) {
	s := current.Load()
	if s == nil {
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	fmt.Fprintf(s.transcripts, "%s\t[%d]\t%s\n", time.Now().Format(timeFormat), s.pid, text)
}
