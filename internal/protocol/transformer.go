// Package protocol converts between provider wire formats (OpenAI,
// Anthropic, Gemini) and the gateway's canonical representation. Parsing
// and formatting are direction-symmetric: a canonical response produced by
// any backend can be rendered in any supported wire format, regardless of
// which protocol the request arrived in.
package protocol

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/davidbz/hearth/internal/domain"
)

// maxOutputTokenLimit bounds the caller-supplied max token count.
const maxOutputTokenLimit = 1_000_000

// RawRequest is an inbound HTTP request reduced to the parts the
// transformers need.
type RawRequest struct {
	Path    string
	Headers http.Header
	Query   url.Values
	Body    []byte
}

// Transformer converts one wire format to and from the canonical model.
type Transformer interface {
	// Protocol returns the wire format this transformer handles.
	Protocol() domain.Protocol

	// Parse validates and converts a raw request into a canonical request.
	// Shape violations fail with a domain validation error; nothing is
	// silently coerced.
	Parse(raw *RawRequest) (*domain.CanonicalRequest, error)

	// FormatResponse renders a canonical response in this wire format.
	FormatResponse(resp *domain.CanonicalResponse) ([]byte, error)

	// FormatError maps a classified error to this protocol's native error
	// envelope and status-code convention.
	FormatError(gerr *domain.Error) (int, []byte)

	// NewStreamEncoder returns an encoder producing this protocol's SSE
	// chunk framing for one streaming response.
	NewStreamEncoder(model string) StreamEncoder
}

// StreamEncoder frames one streaming response. Each method returns zero or
// more ready-to-write SSE frames.
type StreamEncoder interface {
	Start() [][]byte
	Delta(text string) [][]byte
	End(finish domain.FinishReason, usage domain.Usage) [][]byte
}

// Set holds one transformer per supported protocol.
type Set struct {
	byProtocol map[domain.Protocol]Transformer
}

// NewSet creates a transformer set covering all supported protocols.
func NewSet() *Set {
	set := &Set{
		byProtocol: make(map[domain.Protocol]Transformer),
	}
	for _, t := range []Transformer{NewOpenAI(), NewAnthropic(), NewGemini()} {
		set.byProtocol[t.Protocol()] = t
	}
	return set
}

// For returns the transformer for the given protocol.
func (s *Set) For(p domain.Protocol) (Transformer, bool) {
	t, ok := s.byProtocol[p]
	return t, ok
}

// Detect determines the inbound wire protocol from the request path, with
// header fallbacks for ambiguous paths.
func Detect(path string, headers http.Header) (domain.Protocol, bool) {
	switch {
	// Gemini first: its "/v1/models/{model}:generateContent" paths share
	// the "/v1/models" prefix with the OpenAI model listing.
	case strings.Contains(path, ":generateContent"), strings.Contains(path, ":streamGenerateContent"):
		return domain.ProtocolGemini, true
	// OpenAI before Anthropic: "/v1/completions" shares the "/v1/complete"
	// prefix.
	case strings.HasPrefix(path, "/v1/chat/completions"),
		strings.HasPrefix(path, "/v1/completions"),
		strings.HasPrefix(path, "/v1/models"):
		return domain.ProtocolOpenAI, true
	case strings.HasPrefix(path, "/v1/messages"), strings.HasPrefix(path, "/v1/complete"):
		return domain.ProtocolAnthropic, true
	}

	if headers.Get("x-api-key") != "" || headers.Get("anthropic-version") != "" {
		return domain.ProtocolAnthropic, true
	}
	if headers.Get("x-goog-api-key") != "" {
		return domain.ProtocolGemini, true
	}
	if strings.HasPrefix(headers.Get("Authorization"), "Bearer ") {
		return domain.ProtocolOpenAI, true
	}

	return "", false
}

// bearerToken extracts a bearer credential from the Authorization header.
func bearerToken(headers http.Header) string {
	auth := headers.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// sseFrame renders one data frame in SSE framing.
func sseFrame(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame
}

// sseEvent renders one named event frame in SSE framing.
func sseEvent(event string, payload []byte) []byte {
	frame := make([]byte, 0, len(event)+len(payload)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, event...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame
}
