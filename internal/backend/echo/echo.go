// Package echo provides an in-process backend that echoes back input
// messages. It satisfies the capability contract without any external
// calls, giving deterministic responses for testing and development.
package echo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/davidbz/hearth/internal/domain"
	"github.com/davidbz/hearth/internal/observability"
)

const chunkDelay = 10 * time.Millisecond

// Backend implements the domain.Backend contract by echoing transcripts.
type Backend struct {
	model   string
	started atomic.Bool
}

// New creates an echo backend for the given model.
func New(model string) *Backend {
	return &Backend{model: model}
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

// HealthCheck reports liveness.
func (b *Backend) HealthCheck(_ context.Context) bool {
	return b.started.Load()
}

// Send echoes the request transcript back as the response text.
func (b *Backend) Send(ctx context.Context, req *domain.CanonicalRequest) (*domain.CanonicalResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	if !b.started.Load() {
		return nil, domain.UnavailableError("echo backend is stopped")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("echoing request")

	content := buildEchoContent(req.Messages)
	tokens := countTokens(content)

	return &domain.CanonicalResponse{
		ID:           fmt.Sprintf("echo-%d", time.Now().UnixNano()),
		Model:        req.Model,
		Text:         content,
		FinishReason: domain.FinishStop,
		Usage: domain.Usage{
			InputTokens:  tokens,
			OutputTokens: tokens,
		},
		FinishTime: time.Now(),
	}, nil
}

// Stream echoes the transcript word by word.
func (b *Backend) Stream(ctx context.Context, req *domain.CanonicalRequest) (<-chan domain.StreamChunk, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	if !b.started.Load() {
		return nil, domain.UnavailableError("echo backend is stopped")
	}

	content := buildEchoContent(req.Messages)
	chunks := make(chan domain.StreamChunk)

	go func() {
		defer close(chunks)

		words := strings.Fields(content)
		if len(words) == 0 {
			select {
			case chunks <- domain.StreamChunk{Done: true, FinishReason: domain.FinishStop}:
			case <-ctx.Done():
			}
			return
		}

		for i, word := range words {
			delta := word
			if i < len(words)-1 {
				delta += " "
			}

			select {
			case <-ctx.Done():
				// The consumer may already be gone; never block on it.
				select {
				case chunks <- domain.StreamChunk{Done: true, Error: ctx.Err()}:
				default:
				}
				return
			case chunks <- domain.StreamChunk{Delta: delta}:
				time.Sleep(chunkDelay)
			}
		}

		tokens := countTokens(content)
		select {
		case chunks <- domain.StreamChunk{
			Done:         true,
			FinishReason: domain.FinishStop,
			Usage:        &domain.Usage{InputTokens: tokens, OutputTokens: tokens},
		}:
		case <-ctx.Done():
		}
	}()

	return chunks, nil
}

// buildEchoContent constructs the echo response from request messages.
func buildEchoContent(messages []domain.Message) string {
	if len(messages) == 0 {
		return ""
	}

	var builder strings.Builder
	for _, msg := range messages {
		builder.WriteString(fmt.Sprintf("[%s]: %s\n", msg.Role, msg.Text()))
	}
	return builder.String()
}

// countTokens performs simple word-based token counting.
func countTokens(content string) int {
	if content == "" {
		return 0
	}
	return len(strings.Fields(content))
}
