package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/voice-bridge/internal/config"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/resilience"
)

const processTextMethod = "/lexiq.orchestrator.v1.CognitiveOrchestrator/ProcessText"

var processTextDesc = &grpc.StreamDesc{
	StreamName:    "ProcessText",
	ServerStreams: true,
}

// OrchestratorGenerator implements Generator against the Cognitive
// Orchestrator. Requests and responses travel as structpb.Struct envelopes on
// a server-streaming call.
type OrchestratorGenerator struct {
	config *config.Config

	mu          sync.RWMutex
	conn        *grpc.ClientConn
	isConnected bool

	circuitBreaker *resilience.CircuitBreaker
	retry          *resilience.RetryConfig
	logger         zerolog.Logger
}

// NewOrchestratorGenerator connects to the orchestrator, retrying with backoff
func NewOrchestratorGenerator(ctx context.Context, cfg *config.Config) (*OrchestratorGenerator, error) {
	g := &OrchestratorGenerator{
		config: cfg,
		circuitBreaker: resilience.NewCircuitBreaker(
			"orchestrator",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		logger: observability.GetLogger().With().Str("component", "orchestrator").Logger(),
	}

	reconnect := &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
	if err := resilience.Reconnect(ctx, "orchestrator", g.connect, reconnect); err != nil {
		return nil, fmt.Errorf("failed to connect to orchestrator: %w", err)
	}
	return g, nil
}

// connect establishes the gRPC client connection
func (g *OrchestratorGenerator) connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.isConnected && g.conn != nil {
		return nil
	}

	if g.config.OrchestratorTLSEnabled {
		// TODO: load CA bundle and client certificate from config once the orchestrator serves TLS
		g.logger.Warn().Msg("TLS enabled but not configured, using insecure connection")
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	conn, err := grpc.NewClient(g.config.OrchestratorURL, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client for %s: %w", g.config.OrchestratorURL, err)
	}

	// NewClient is lazy; check health once so startup fails fast on a dead endpoint
	checkCtx, cancel := context.WithTimeout(ctx, time.Duration(g.config.OrchestratorTimeout)*time.Second)
	defer cancel()
	if _, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{}); err != nil {
		conn.Close()
		return fmt.Errorf("orchestrator at %s not reachable: %w", g.config.OrchestratorURL, err)
	}

	g.conn = conn
	g.isConnected = true
	g.logger.Info().Str("url", g.config.OrchestratorURL).Msg("Connected to Orchestrator")
	return nil
}

func (g *OrchestratorGenerator) client(ctx context.Context) (*grpc.ClientConn, error) {
	g.mu.RLock()
	conn, connected := g.conn, g.isConnected
	g.mu.RUnlock()
	if connected && conn != nil {
		return conn, nil
	}
	if err := g.connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to reconnect: %w", err)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.conn, nil
}

// Generate opens a ProcessText stream for req
func (g *OrchestratorGenerator) Generate(ctx context.Context, req Request) (Generation, error) {
	conversationID := uuid.New().String()
	history := make([]any, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, map[string]any{"role": string(m.Role), "text": m.Text})
	}
	body := map[string]any{
		"conversation_id": conversationID,
		"text":            req.Text,
		"history":         history,
		"tools_enabled":   true,
	}
	return g.open(ctx, conversationID, body)
}

func (g *OrchestratorGenerator) open(ctx context.Context, conversationID string, body map[string]any) (Generation, error) {
	msg, err := structpb.NewStruct(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode orchestrator request: %w", err)
	}

	var stream grpc.ClientStream
	err = g.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			conn, err := g.client(ctx)
			if err != nil {
				return err
			}
			s, err := conn.NewStream(ctx, processTextDesc, processTextMethod)
			if err != nil {
				return err
			}
			if err := s.SendMsg(msg); err != nil {
				return err
			}
			if err := s.CloseSend(); err != nil {
				return err
			}
			stream = s
			return nil
		}, g.retry, resilience.IsRetryableNetworkError)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call ProcessText: %w", err)
	}

	gen := &orchestratorGeneration{gen: g, conversationID: conversationID, body: body}
	gen.stream = startStream(ctx, func(ctx context.Context, emit func(Fragment) bool) error {
		return g.receive(ctx, stream, emit)
	})
	return gen, nil
}

// receive converts response envelopes into fragments until is_done or EOF
func (g *OrchestratorGenerator) receive(ctx context.Context, stream grpc.ClientStream, emit func(Fragment) bool) error {
	for {
		resp := &structpb.Struct{}
		if err := stream.RecvMsg(resp); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("orchestrator stream failed: %w", err)
		}

		frag, done, err := decodeResponse(resp)
		if err != nil {
			return err
		}
		if frag.Text != "" || frag.Action != nil {
			if !emit(frag) {
				return nil
			}
		}
		if done {
			return nil
		}
	}
}

// decodeResponse maps one envelope to a fragment. Exactly one of text_chunk,
// tool_call or error is expected per message.
func decodeResponse(resp *structpb.Struct) (Fragment, bool, error) {
	m := resp.AsMap()
	done, _ := m["is_done"].(bool)

	if e, ok := m["error"].(map[string]any); ok {
		code, _ := e["code"].(string)
		message, _ := e["message"].(string)
		return Fragment{}, done, fmt.Errorf("orchestrator error %s: %s", code, message)
	}
	if tc, ok := m["tool_call"].(map[string]any); ok {
		req := &ActionRequest{Args: map[string]any{}}
		req.ID, _ = tc["call_id"].(string)
		req.Name, _ = tc["tool_name"].(string)
		if raw, _ := tc["parameters_json"].(string); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Args); err != nil {
				return Fragment{}, done, fmt.Errorf("invalid tool call parameters: %w", err)
			}
		}
		return Fragment{Action: req}, done, nil
	}
	text, _ := m["text_chunk"].(string)
	return Fragment{Text: text}, done, nil
}

// HealthCheck queries the standard gRPC health service
func (g *OrchestratorGenerator) HealthCheck(ctx context.Context) (bool, error) {
	g.mu.RLock()
	conn := g.conn
	g.mu.RUnlock()
	if conn == nil {
		return false, fmt.Errorf("orchestrator client is not connected")
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (g *OrchestratorGenerator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn != nil {
		err := g.conn.Close()
		g.isConnected = false
		g.conn = nil
		return err
	}
	return nil
}

type orchestratorGeneration struct {
	gen            *OrchestratorGenerator
	conversationID string
	body           map[string]any
	stream         *fragmentStream
}

func (s *orchestratorGeneration) Next(ctx context.Context) (Fragment, error) {
	return s.stream.Next(ctx)
}

// ContinueWith replays the original request with the action result attached
// under the same conversation id.
func (s *orchestratorGeneration) ContinueWith(ctx context.Context, result ActionResult) (Generation, error) {
	s.stream.Close()

	output, err := json.Marshal(result.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to encode action result: %w", err)
	}
	body := make(map[string]any, len(s.body)+1)
	for k, v := range s.body {
		body[k] = v
	}
	body["tool_result"] = map[string]any{
		"call_id":     result.Request.ID,
		"tool_name":   result.Request.Name,
		"result_json": string(output),
		"success":     true,
	}
	return s.gen.open(ctx, s.conversationID, body)
}

func (s *orchestratorGeneration) Close() error {
	return s.stream.Close()
}
