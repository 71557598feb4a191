package audio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	wav "github.com/youpy/go-wav"
)

// WriteWAV writes 16-bit mono PCM as a RIFF/WAVE stream
func WriteWAV(w io.Writer, pcm []byte, sampleRate int) error {
	samples := BytesToSamples(pcm)
	wavSamples := make([]wav.Sample, len(samples))
	for i, v := range samples {
		// go-wav Sample.Values[0] is the PCM value for mono audio
		wavSamples[i] = wav.Sample{Values: [2]int{int(v), 0}}
	}

	writer := wav.NewWriter(w, uint32(len(wavSamples)), Channels, uint32(sampleRate), BitsPerSample)
	if err := writer.WriteSamples(wavSamples); err != nil {
		return fmt.Errorf("failed to write wav samples: %w", err)
	}
	return nil
}

// EncodeWAV returns pcm wrapped in a WAV container
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(pcm) + 44)
	if err := WriteWAV(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SaveWAV writes a WAV file under dir and returns its path
func SaveWAV(dir, name string, pcm []byte, sampleRate int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create debug audio dir: %w", err)
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := WriteWAV(f, pcm, sampleRate); err != nil {
		return "", err
	}
	return path, nil
}
