// Package rest provides a backend that dispatches canonical requests to
// an OpenAI-compatible upstream over HTTP using the official SDK. It
// handles conversion between canonical types and SDK types; the upstream
// may be any server speaking the OpenAI wire format.
package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/davidbz/hearth/internal/domain"
	"github.com/davidbz/hearth/internal/observability"
)

// Config contains REST backend settings, typically sourced from an
// endpoint's backend_config.
type Config struct {
	APIKey     string
	BaseURL    string
	Timeout    int // seconds
	MaxRetries int
}

// ConfigFromEndpoint reads the backend_config map of an endpoint.
func ConfigFromEndpoint(ep *domain.Endpoint) Config {
	cfg := Config{
		APIKey:  ep.BackendConfig["api_key"],
		BaseURL: ep.BackendConfig["base_url"],
	}
	if v, err := strconv.Atoi(ep.BackendConfig["timeout"]); err == nil {
		cfg.Timeout = v
	}
	if v, err := strconv.Atoi(ep.BackendConfig["max_retries"]); err == nil {
		cfg.MaxRetries = v
	}
	return cfg
}

// Backend implements the domain.Backend contract over an OpenAI-style
// REST API.
type Backend struct {
	client  openai.Client
	started atomic.Bool
}

// New creates a REST backend.
func New(cfg Config) (*Backend, error) {
	if cfg.BaseURL == "" {
		return nil, domain.ValidationError("base_url is required for a rest backend")
	}

	opts := []option.RequestOption{
		option.WithBaseURL(cfg.BaseURL),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(cfg.Timeout)*time.Second))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}

	return &Backend{client: openai.NewClient(opts...)}, nil
}

// Start brings the backend up.
func (b *Backend) Start(_ context.Context) error {
	b.started.Store(true)
	return nil
}

// Stop tears the backend down. Idempotent.
func (b *Backend) Stop(_ context.Context) error {
	b.started.Store(false)
	return nil
}

// HealthCheck probes the upstream's model listing.
func (b *Backend) HealthCheck(ctx context.Context) bool {
	if !b.started.Load() {
		return false
	}
	_, err := b.client.Models.List(ctx)
	return err == nil
}

// Send dispatches a request and returns the full response.
func (b *Backend) Send(ctx context.Context, req *domain.CanonicalRequest) (*domain.CanonicalResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	if !b.started.Load() {
		return nil, domain.UnavailableError("rest backend is stopped")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling upstream API")

	resp, err := b.client.Chat.Completions.New(ctx, toSDKParams(req), perRequestOptions(req)...)
	if err != nil {
		return nil, classifyUpstreamError(err)
	}

	logger.Debug("upstream call succeeded",
		observability.Int("prompt_tokens", int(resp.Usage.PromptTokens)),
		observability.Int("completion_tokens", int(resp.Usage.CompletionTokens)),
	)

	return toCanonicalResponse(resp), nil
}

// Stream dispatches a request and converts the SDK stream into canonical
// chunks.
func (b *Backend) Stream(ctx context.Context, req *domain.CanonicalRequest) (<-chan domain.StreamChunk, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	if !b.started.Load() {
		return nil, domain.UnavailableError("rest backend is stopped")
	}

	stream := b.client.Chat.Completions.NewStreaming(ctx, toSDKParams(req), perRequestOptions(req)...)
	chunks := make(chan domain.StreamChunk)

	go func() {
		defer close(chunks)

		// Every send races against the consumer going away; a plain send
		// would block this goroutine forever.
		emit := func(chunk domain.StreamChunk) bool {
			select {
			case chunks <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}

			delta := chunk.Choices[0].Delta.Content
			finish := chunk.Choices[0].FinishReason
			if finish != "" {
				emit(domain.StreamChunk{
					Delta:        delta,
					Done:         true,
					FinishReason: canonicalFinishReason(finish),
				})
				return
			}
			if !emit(domain.StreamChunk{Delta: delta}) {
				return
			}
		}

		if err := stream.Err(); err != nil && !errors.Is(err, io.EOF) {
			emit(domain.StreamChunk{Error: classifyUpstreamError(err)})
			return
		}
		emit(domain.StreamChunk{Done: true, FinishReason: domain.FinishStop})
	}()

	return chunks, nil
}

// perRequestOptions lets a caller-supplied credential override the
// endpoint's configured key.
func perRequestOptions(req *domain.CanonicalRequest) []option.RequestOption {
	if req.Auth.Token == "" {
		return nil
	}
	return []option.RequestOption{option.WithAPIKey(req.Auth.Token)}
}

// toSDKParams converts a canonical request to SDK parameters. Multimodal
// blocks are flattened to text placeholders; the upstream wire format is
// text-only here.
func toSDKParams(req *domain.CanonicalRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, len(req.Messages))
	for i, msg := range req.Messages {
		switch msg.Role {
		case domain.RoleSystem:
			messages[i] = openai.SystemMessage(msg.Text())
		case domain.RoleAssistant:
			messages[i] = openai.AssistantMessage(msg.Text())
		default:
			messages[i] = openai.UserMessage(msg.Text())
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}

	if req.Options.Temperature > 0 {
		params.Temperature = openai.Float(req.Options.Temperature)
	}
	if req.Options.TopP > 0 {
		params.TopP = openai.Float(req.Options.TopP)
	}
	if req.Options.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.Options.MaxOutputTokens))
	}
	if len(req.Options.StopSequences) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfStringArray: req.Options.StopSequences,
		}
	}

	return params
}

func toCanonicalResponse(resp *openai.ChatCompletion) *domain.CanonicalResponse {
	text := ""
	finish := domain.FinishStop
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
		finish = canonicalFinishReason(resp.Choices[0].FinishReason)
	}

	return &domain.CanonicalResponse{
		ID:           resp.ID,
		Model:        string(resp.Model),
		Text:         text,
		FinishReason: finish,
		Usage: domain.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		FinishTime: time.Now(),
	}
}

func canonicalFinishReason(reason string) domain.FinishReason {
	switch reason {
	case "length":
		return domain.FinishMaxTokens
	case "content_filter":
		return domain.FinishSafety
	default:
		return domain.FinishStop
	}
}

// classifyUpstreamError folds SDK failures into the gateway taxonomy so
// the routing layer can decide on retry and fallback.
func classifyUpstreamError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return domain.AuthError("upstream rejected credentials")
		case apiErr.StatusCode == 404:
			return domain.NotFoundError("upstream model not found")
		case apiErr.StatusCode == 429:
			return domain.RateLimitError("upstream rate limit", retryAfterHint(apiErr))
		case apiErr.StatusCode >= 500:
			return domain.TransientError("upstream error: %d", apiErr.StatusCode)
		default:
			return domain.ValidationError("upstream rejected request: %d", apiErr.StatusCode)
		}
	}
	return fmt.Errorf("upstream call failed: %w", err)
}

func retryAfterHint(apiErr *openai.Error) time.Duration {
	if apiErr.Response == nil {
		return 0
	}
	if v, err := strconv.Atoi(apiErr.Response.Header.Get("Retry-After")); err == nil && v > 0 {
		return time.Duration(v) * time.Second
	}
	return 0
}
