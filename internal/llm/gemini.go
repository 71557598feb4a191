package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/voice-bridge/internal/config"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/resilience"
)

// GeminiGenerator implements Generator on the Gemini streaming API with
// function calling for actions.
type GeminiGenerator struct {
	client         *genai.Client
	model          string
	genConfig      *genai.GenerateContentConfig
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewGeminiGenerator creates a Gemini client. actions are declared to the
// model once and never change for the life of the process.
func NewGeminiGenerator(ctx context.Context, cfg *config.Config, actions []ActionSpec) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	genConfig := &genai.GenerateContentConfig{}
	if cfg.SystemPrompt != "" {
		genConfig.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(cfg.SystemPrompt)},
		}
	}
	if decls := functionDeclarations(actions); len(decls) > 0 {
		genConfig.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	return &GeminiGenerator{
		client:    client,
		model:     cfg.GeminiModel,
		genConfig: genConfig,
		circuitBreaker: resilience.NewCircuitBreaker(
			"gemini",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		logger: observability.GetLogger().With().Str("component", "gemini").Logger(),
	}, nil
}

func functionDeclarations(actions []ActionSpec) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(actions))
	for _, a := range actions {
		params := &genai.Schema{
			Type:       genai.TypeObject,
			Properties: make(map[string]*genai.Schema, len(a.Params)),
		}
		for _, p := range a.Params {
			params.Properties[p.Name] = &genai.Schema{
				Type:        genai.TypeString,
				Description: p.Description,
			}
			if p.Required {
				params.Required = append(params.Required, p.Name)
			}
		}
		decl := &genai.FunctionDeclaration{
			Name:        a.Name,
			Description: a.Description,
		}
		if len(a.Params) > 0 {
			decl.Parameters = params
		}
		decls = append(decls, decl)
	}
	return decls
}

// Generate starts streaming a response to req
func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (Generation, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		contents = append(contents, &genai.Content{
			Role:  geminiRole(m.Role),
			Parts: []*genai.Part{genai.NewPartFromText(m.Text)},
		})
	}
	contents = append(contents, &genai.Content{
		Role:  "user",
		Parts: []*genai.Part{genai.NewPartFromText(req.Text)},
	})
	return g.start(ctx, contents), nil
}

// HealthCheck reports whether the breaker currently admits requests
func (g *GeminiGenerator) HealthCheck(ctx context.Context) (bool, error) {
	if g.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

func (g *GeminiGenerator) start(ctx context.Context, contents []*genai.Content) *geminiGeneration {
	gen := &geminiGeneration{gen: g, contents: contents}
	gen.stream = startStream(ctx, func(ctx context.Context, emit func(Fragment) bool) error {
		return g.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
			return g.produce(ctx, contents, emit)
		})
	})
	return gen
}

func (g *GeminiGenerator) produce(ctx context.Context, contents []*genai.Content, emit func(Fragment) bool) error {
	for chunk, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, g.genConfig) {
		if err != nil {
			return fmt.Errorf("gemini stream failed: %w", err)
		}
		for _, cand := range chunk.Candidates {
			if cand.Content != nil {
				for _, p := range cand.Content.Parts {
					var frag Fragment
					switch {
					case p.FunctionCall != nil:
						frag.Action = &ActionRequest{
							ID:   p.FunctionCall.ID,
							Name: p.FunctionCall.Name,
							Args: p.FunctionCall.Args,
						}
					case p.Text != "" && !p.Thought:
						frag.Text = p.Text
					default:
						continue
					}
					if !emit(frag) {
						return nil
					}
				}
			}
			switch cand.FinishReason {
			case genai.FinishReasonUnspecified, genai.FinishReasonStop, genai.FinishReasonMaxTokens:
			default:
				return fmt.Errorf("gemini stopped generation: %s", cand.FinishReason)
			}
		}
	}
	return nil
}

type geminiGeneration struct {
	gen      *GeminiGenerator
	contents []*genai.Content
	stream   *fragmentStream

	// model output seen so far, replayed as the model turn on ContinueWith
	parts []*genai.Part
}

func (s *geminiGeneration) Next(ctx context.Context) (Fragment, error) {
	frag, err := s.stream.Next(ctx)
	if err != nil {
		return frag, err
	}
	if frag.Action != nil {
		s.parts = append(s.parts, genai.NewPartFromFunctionCall(frag.Action.Name, frag.Action.Args))
	} else {
		s.parts = append(s.parts, genai.NewPartFromText(frag.Text))
	}
	return frag, nil
}

func (s *geminiGeneration) ContinueWith(ctx context.Context, result ActionResult) (Generation, error) {
	s.stream.Close()

	contents := append([]*genai.Content{}, s.contents...)
	parts := s.parts
	if len(parts) == 0 || parts[len(parts)-1].FunctionCall == nil {
		parts = append(parts, genai.NewPartFromFunctionCall(result.Request.Name, result.Request.Args))
	}
	contents = append(contents,
		&genai.Content{Role: "model", Parts: parts},
		&genai.Content{
			Role:  "user",
			Parts: []*genai.Part{genai.NewPartFromFunctionResponse(result.Request.Name, result.Output)},
		},
	)
	s.gen.logger.Debug().Str("action", result.Request.Name).Msg("Resuming generation with action result")
	return s.gen.start(ctx, contents), nil
}

func (s *geminiGeneration) Close() error {
	return s.stream.Close()
}

func geminiRole(r Role) string {
	if r == RoleAssistant {
		return "model"
	}
	return "user"
}
