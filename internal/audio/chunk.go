package audio

import (
	"encoding/binary"
	"time"
)

// Device audio is mono 16-bit little-endian PCM
const (
	Channels      = 1
	BitsPerSample = 16
	BytesPerFrame = Channels * BitsPerSample / 8
)

// Chunk is one inbound binary message from the device, decoded to PCM.
// Chunks are immutable once published on the frame bus.
type Chunk struct {
	Seq        uint64
	PCM        []byte
	ReceivedAt time.Time
}

// Samples returns the chunk as signed 16-bit samples
func (c Chunk) Samples() []int16 {
	return BytesToSamples(c.PCM)
}

// Float32 returns the chunk normalised to [-1, 1)
func (c Chunk) Float32() []float32 {
	return SamplesToFloat32(c.Samples())
}

// Duration of the chunk at the given sample rate
func (c Chunk) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(c.PCM) / BytesPerFrame
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Concat joins the PCM payloads of chunks in order
func Concat(chunks []Chunk) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c.PCM)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c.PCM...)
	}
	return out
}

// BytesToSamples decodes little-endian 16-bit PCM. A trailing odd byte is dropped.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

// SamplesToFloat32 scales 16-bit samples to [-1, 1)
func SamplesToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}
