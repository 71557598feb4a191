package session

import (
	"errors"
	"net"
	"strings"
	"time"
)

// Control tokens exchanged as text frames
const (
	TokenSpeechEnd     = "SPEECH_END"
	TokenResponseStart = "RESPONSE_START"
	TokenResponseEnd   = "RESPONSE_END"
	TokenInterrupt     = "INTERRUPT"
	TokenStopRecording = "STOP_RECORDING"

	// Aliases accepted from older device firmware
	tokenEnd     = "END"
	tokenBargeIn = "BARGE_IN"
)

var (
	// ErrResourceExhausted is returned when the device stops draining output
	// for longer than the stall limit
	ErrResourceExhausted = errors.New("outbound queue stalled")
	// ErrStreamerClosed is returned by Emit after the writer has stopped
	ErrStreamerClosed = errors.New("output streamer closed")
)

// Conn is the subset of *websocket.Conn a session uses
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	RemoteAddr() net.Addr
	Close() error
}

// inboundToken is a parsed client control message
type inboundToken int

const (
	inboundUnknown inboundToken = iota
	inboundSpeechEnd
	inboundInterrupt
	inboundStopRecording
)

func parseToken(data []byte) inboundToken {
	switch strings.ToUpper(strings.TrimSpace(string(data))) {
	case TokenSpeechEnd, tokenEnd:
		return inboundSpeechEnd
	case TokenInterrupt, tokenBargeIn:
		return inboundInterrupt
	case TokenStopRecording:
		return inboundStopRecording
	}
	return inboundUnknown
}
