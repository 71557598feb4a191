package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/observability"
)

// YTDLPResolver searches with yt-dlp and returns the best audio stream
type YTDLPResolver struct {
	path    string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewYTDLPResolver creates a resolver invoking the binary at path
func NewYTDLPResolver(path string, timeout time.Duration) *YTDLPResolver {
	if path == "" {
		path = "yt-dlp"
	}
	return &YTDLPResolver{
		path:    path,
		timeout: timeout,
		logger:  observability.GetLogger().With().Str("component", "yt-dlp").Logger(),
	}
}

// ytdlpInfo is the subset of yt-dlp's -j output we use
type ytdlpInfo struct {
	Title      string  `json:"title"`
	Uploader   string  `json:"uploader"`
	Duration   float64 `json:"duration"`
	URL        string  `json:"url"`
	WebpageURL string  `json:"webpage_url"`
}

// Resolve looks query up. Plain text becomes a single-result search.
func (r *YTDLPResolver) Resolve(ctx context.Context, query string) (Handle, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Handle{}, ErrNotFound
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.path, "-j", "--skip-download", "--no-playlist", "-f", "bestaudio", searchTarget(query))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Handle{}, fmt.Errorf("yt-dlp search for %q: %w", query, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			r.logger.Debug().Str("query", query).Str("stderr", lastLine(stderr.String())).Msg("yt-dlp found nothing")
			return Handle{}, ErrNotFound
		}
		return Handle{}, fmt.Errorf("failed to run yt-dlp: %w", err)
	}

	h, err := parseInfo(query, stdout.Bytes())
	if err != nil {
		return Handle{}, err
	}
	r.logger.Info().
		Str("query", query).
		Str("title", h.Title).
		Dur("latency", time.Since(start)).
		Msg("Media resolved")
	return h, nil
}

// searchTarget leaves URLs and explicit search prefixes untouched
func searchTarget(query string) string {
	if strings.HasPrefix(query, "http://") || strings.HasPrefix(query, "https://") || strings.HasPrefix(query, "ytsearch") {
		return query
	}
	return "ytsearch1:" + query
}

// parseInfo decodes the first JSON line printed by yt-dlp
func parseInfo(query string, out []byte) (Handle, error) {
	line, _, _ := bytes.Cut(bytes.TrimSpace(out), []byte("\n"))
	if len(line) == 0 {
		return Handle{}, ErrNotFound
	}
	var info ytdlpInfo
	if err := json.Unmarshal(line, &info); err != nil {
		return Handle{}, fmt.Errorf("failed to parse yt-dlp output: %w", err)
	}
	if info.URL == "" {
		return Handle{}, ErrNotFound
	}
	return Handle{
		Query:    query,
		Title:    info.Title,
		Artist:   info.Uploader,
		URL:      info.URL,
		PageURL:  info.WebpageURL,
		Duration: time.Duration(info.Duration * float64(time.Second)),
	}, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
