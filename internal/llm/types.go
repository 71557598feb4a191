package llm

import (
	"context"
)

// Role of a conversation message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior exchange passed as generation context
type Message struct {
	Role Role
	Text string
}

// ActionParam describes one string argument of an action
type ActionParam struct {
	Name        string
	Description string
	Required    bool
}

// ActionSpec declares an action the generator may request
type ActionSpec struct {
	Name        string
	Description string
	Params      []ActionParam
}

// ActionRequest is a structured request emitted by the generator in place of text
type ActionRequest struct {
	ID   string
	Name string
	Args map[string]any
}

// ActionResult is the outcome of an action, fed back to the generator
type ActionResult struct {
	Request ActionRequest
	Output  map[string]any
}

// Fragment is one item of a generation stream: text or an action request
type Fragment struct {
	Text   string
	Action *ActionRequest
}

// Request starts a generation
type Request struct {
	Text    string
	History []Message
}

// Generator produces a streamed response to one user utterance
type Generator interface {
	Generate(ctx context.Context, req Request) (Generation, error)
}

// Generation is a live response stream. Next returns io.EOF after the last
// fragment. The ctx passed to Next bounds only the wait for that fragment;
// the ctx passed to Generate bounds the whole stream.
type Generation interface {
	Next(ctx context.Context) (Fragment, error)
	// ContinueWith resumes generation after an action. The receiver is
	// finished and must not be used afterwards.
	ContinueWith(ctx context.Context, result ActionResult) (Generation, error)
	Close() error
}
