// Package media resolves free-form media requests to playable audio.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/lexiqai/voice-bridge/internal/audio"
)

var (
	// ErrNotFound is returned when a query matches nothing playable
	ErrNotFound = errors.New("media not found")
	// ErrUnsupportedURL is returned for stream URLs that are not http or https
	ErrUnsupportedURL = errors.New("media URL must be http or https")
)

// CheckStreamURL accepts absolute http and https URLs only
func CheckStreamURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrUnsupportedURL, raw)
	}
	return nil
}

// Handle identifies a resolved media item
type Handle struct {
	Query    string
	Title    string
	Artist   string
	URL      string // direct stream URL
	PageURL  string
	Duration time.Duration
}

// Resolver maps a search query or page URL to a Handle
type Resolver interface {
	Resolve(ctx context.Context, query string) (Handle, error)
}

// Source decodes a resolved handle into device-rate PCM
type Source interface {
	Open(ctx context.Context, h Handle) (audio.Stream, error)
}
