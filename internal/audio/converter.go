package audio

import (
	"fmt"

	"github.com/zaf/g711"
)

// Encoding is the wire encoding of device audio
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16" // 16-bit little-endian linear PCM
	EncodingMulaw Encoding = "mulaw" // G.711 μ-law, one byte per sample
)

// ParseEncoding maps a connection parameter to an Encoding
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case EncodingPCM16, EncodingMulaw:
		return Encoding(s), nil
	}
	return "", fmt.Errorf("unsupported audio encoding %q", s)
}

// DecodeFromDevice converts an inbound payload to linear PCM
func DecodeFromDevice(payload []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingPCM16:
		if len(payload)%2 != 0 {
			return nil, fmt.Errorf("PCM payload length must be even (16-bit samples), got %d", len(payload))
		}
		return payload, nil
	case EncodingMulaw:
		return g711.DecodeUlaw(payload), nil
	}
	return nil, fmt.Errorf("unsupported audio encoding %q", enc)
}

// EncodeForDevice converts linear PCM to the device wire encoding
func EncodeForDevice(pcm []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingPCM16:
		return pcm, nil
	case EncodingMulaw:
		return g711.EncodeUlaw(pcm), nil
	}
	return nil, fmt.Errorf("unsupported audio encoding %q", enc)
}

// Resampler converts a stream of 16-bit PCM between sample rates with
// linear interpolation. The read position and the last input sample carry
// over between calls, so consecutive chunks join without a seam.
type Resampler struct {
	inputRate  int
	outputRate int
	step       float64

	// pos is the next output position in input samples, relative to the
	// start of the upcoming chunk. Negative values point into prev.
	pos    float64
	prev   int16
	primed bool
}

// NewResampler creates a resampler from inputRate to outputRate
func NewResampler(inputRate, outputRate int) (*Resampler, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", inputRate, outputRate)
	}
	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		step:       float64(inputRate) / float64(outputRate),
	}, nil
}

// Process resamples the next chunk of the stream. Output for the tail of
// the chunk may be held back until the following call supplies the sample
// it interpolates towards.
func (r *Resampler) Process(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}
	if r.inputRate == r.outputRate || len(pcm) == 0 {
		return pcm, nil
	}

	src := BytesToSamples(pcm)
	pos := r.pos
	if r.primed {
		src = append([]int16{r.prev}, src...)
		pos++
	}

	output := make([]int16, 0, int(float64(len(src))/r.step)+1)
	for {
		idx0 := int(pos)
		if idx0+1 >= len(src) {
			break
		}
		fraction := pos - float64(idx0)
		output = append(output, int16(float64(src[idx0])*(1.0-fraction)+float64(src[idx0+1])*fraction))
		pos += r.step
	}

	// Rebase so the last sample becomes index -1 of the next chunk
	last := len(src) - 1
	r.prev = src[last]
	r.pos = pos - float64(last) - 1
	r.primed = true

	return SamplesToBytes(output), nil
}
