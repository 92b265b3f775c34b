package protocol

// FormatPCM is the only sample format the capture pipeline produces.
const FormatPCM = "pcm"

// StreamChunk is one unit of captured audio. A recording is an ordered run of
// chunks with Sequence starting at 0, terminated by exactly one chunk with
// IsFinal set and no samples.
type StreamChunk struct {
	Sequence     int
	Samples      []int16
	IsFinal      bool
	SampleRateHz int
	Format       string
	TimestampMs  int64
}

// Envelope converts the chunk to its wire form.
func (c StreamChunk) Envelope() AudioChunk {
	return AudioChunk{
		Data:        c.Samples,
		IsLastChunk: c.IsFinal,
		Timestamp:   c.TimestampMs,
		SampleRate:  c.SampleRateHz,
		Format:      c.Format,
		ChunkIndex:  c.Sequence,
	}
}

// Valid reports whether the chunk may be put on the wire. Only the terminal
// chunk is allowed to carry no samples.
func (c StreamChunk) Valid() bool {
	return c.IsFinal || len(c.Samples) > 0
}
