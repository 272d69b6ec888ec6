package audioio

import "time"

// AudioChunk is an immutable block of 16-bit signed little-endian mono PCM
// tagged with its sample rate.
//
// A chunk owns its bytes. Producers hand a freshly allocated buffer to
// NewChunk and must not touch it afterwards; consumers treat Bytes as
// read-only.
type AudioChunk struct {
	data []byte
	rate int
}

// NewChunk wraps data as a chunk at the given rate. The chunk takes
// ownership of data.
func NewChunk(data []byte, sampleRate int) AudioChunk {
	return AudioChunk{data: data, rate: sampleRate}
}

// ChunkFromSamples encodes samples into a new chunk.
func ChunkFromSamples(samples []int16, sampleRate int) AudioChunk {
	return AudioChunk{data: SamplesToBytes(samples), rate: sampleRate}
}

// Bytes returns the raw PCM bytes. The returned slice must not be modified.
func (c AudioChunk) Bytes() []byte {
	return c.data
}

// SampleRate returns the rate the samples were produced at.
func (c AudioChunk) SampleRate() int {
	return c.rate
}

// Len returns the payload size in bytes.
func (c AudioChunk) Len() int {
	return len(c.data)
}

// NumSamples returns the number of complete samples in the chunk.
// A trailing odd byte is ignored.
func (c AudioChunk) NumSamples() int {
	return len(c.data) / 2
}

// Samples decodes the chunk into a new slice.
func (c AudioChunk) Samples() []int16 {
	return BytesToSamples(c.data)
}

// AppendSamples decodes the chunk onto dst and returns the extended slice.
func (c AudioChunk) AppendSamples(dst []int16) []int16 {
	for i := 0; i+1 < len(c.data); i += 2 {
		dst = append(dst, int16(uint16(c.data[i])|uint16(c.data[i+1])<<8))
	}
	return dst
}

// Duration returns the playback duration of the chunk.
func (c AudioChunk) Duration() time.Duration {
	if c.rate <= 0 {
		return 0
	}
	return time.Duration(c.NumSamples()) * time.Second / time.Duration(c.rate)
}

// IsZero reports whether c is the zero chunk.
func (c AudioChunk) IsZero() bool {
	return c.data == nil && c.rate == 0
}
