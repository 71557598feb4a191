package media

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/observability"
)

// FFmpegSource decodes a stream URL to raw mono PCM at the device rate
type FFmpegSource struct {
	path        string
	sampleRate  int
	chunkSize   int
	maxDuration time.Duration
	logger      zerolog.Logger
}

// NewFFmpegSource creates a source. maxDuration caps playback; 0 plays to the end.
func NewFFmpegSource(path string, sampleRate, chunkSize int, maxDuration time.Duration) *FFmpegSource {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegSource{
		path:        path,
		sampleRate:  sampleRate,
		chunkSize:   chunkSize,
		maxDuration: maxDuration,
		logger:      observability.GetLogger().With().Str("component", "ffmpeg").Logger(),
	}
}

// Open starts ffmpeg on h.URL. The process is killed when ctx ends or the
// returned stream is closed.
func (f *FFmpegSource) Open(ctx context.Context, h Handle) (audio.Stream, error) {
	if h.URL == "" {
		return nil, ErrNotFound
	}
	if err := CheckStreamURL(h.URL); err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, f.path, f.args(h.URL)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	f.logger.Debug().Str("title", h.Title).Int("pid", cmd.Process.Pid).Msg("Media decode started")

	proc := &process{cmd: cmd, stdout: stdout, cancel: cancel}
	return audio.NewReaderStream(proc, f.chunkSize, f.sampleRate, f.sampleRate), nil
}

func (f *FFmpegSource) args(url string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-protocol_whitelist", "http,https,tls,tcp",
		"-i", url,
	}
	if f.maxDuration > 0 {
		args = append(args, "-t", strconv.Itoa(int(f.maxDuration.Seconds())))
	}
	return append(args,
		"-vn",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(f.sampleRate),
		"pipe:1",
	)
}

// process adapts a running command to io.ReadCloser; Close kills and reaps it
type process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc

	once sync.Once
}

func (p *process) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *process) Close() error {
	p.once.Do(func() {
		p.cancel()
		p.stdout.Close()
		p.cmd.Wait()
	})
	return nil
}
