package protocol

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidbz/hearth/internal/domain"
)

// OpenAI implements the Transformer interface for the OpenAI wire format
// (/v1/chat/completions and the legacy /v1/completions).
type OpenAI struct{}

// NewOpenAI creates the OpenAI transformer.
func NewOpenAI() *OpenAI {
	return &OpenAI{}
}

// Protocol returns the wire format this transformer handles.
func (t *OpenAI) Protocol() domain.Protocol {
	return domain.ProtocolOpenAI
}

type openAIChatRequest struct {
	Model               string          `json:"model"`
	Messages            []openAIMessage `json:"messages"`
	Prompt              string          `json:"prompt,omitempty"`
	Temperature         float64         `json:"temperature,omitempty"`
	TopP                float64         `json:"top_p,omitempty"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type openAIContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// Parse validates and converts an OpenAI-shaped request.
func (t *OpenAI) Parse(raw *RawRequest) (*domain.CanonicalRequest, error) {
	var req openAIChatRequest
	if err := json.Unmarshal(raw.Body, &req); err != nil {
		return nil, domain.ValidationError("malformed JSON body: %v", err)
	}

	if req.Model == "" {
		return nil, domain.ValidationError("model is required")
	}

	legacy := strings.HasPrefix(raw.Path, "/v1/completions")
	if legacy {
		// Legacy completions take a prompt, never a messages array.
		if req.Prompt == "" {
			return nil, domain.ValidationError("prompt is required")
		}
		if len(req.Messages) > 0 {
			return nil, domain.ValidationError("prompt and messages are mutually exclusive")
		}
	} else if len(req.Messages) == 0 {
		return nil, domain.ValidationError("messages must not be empty")
	}

	maxTokens := req.MaxTokens
	if req.MaxCompletionTokens > 0 {
		maxTokens = req.MaxCompletionTokens
	}
	if maxTokens < 0 || maxTokens > maxOutputTokenLimit {
		return nil, domain.ValidationError("max_tokens out of range: %d", maxTokens)
	}

	messages := make([]domain.Message, 0, len(req.Messages)+1)
	if legacy {
		messages = append(messages, domain.Message{Role: domain.RoleUser, Content: req.Prompt})
	}
	for i, m := range req.Messages {
		msg, err := parseOpenAIMessage(m)
		if err != nil {
			return nil, domain.ValidationError("messages[%d]: %v", i, err)
		}
		messages = append(messages, msg)
	}

	return &domain.CanonicalRequest{
		Model:    CanonicalModel(req.Model),
		Messages: messages,
		Options: domain.GenerationOptions{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: maxTokens,
			StopSequences:   parseStopSequences(req.Stop),
		},
		Stream:   req.Stream,
		Protocol: domain.ProtocolOpenAI,
		Auth:     domain.Credential{Token: bearerToken(raw.Headers), Source: "authorization"},
	}, nil
}

func parseOpenAIMessage(m openAIMessage) (domain.Message, error) {
	role, err := normalizeRole(m.Role)
	if err != nil {
		return domain.Message{}, err
	}

	// Content is either a plain string or an array of typed parts.
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return domain.Message{Role: role, Content: text}, nil
	}

	var parts []openAIContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return domain.Message{}, fmt.Errorf("content must be a string or part array")
	}

	blocks := make([]domain.ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, domain.ContentBlock{Type: domain.BlockText, Text: p.Text})
		case "image_url":
			blocks = append(blocks, domain.ContentBlock{
				Type:     domain.BlockImage,
				MimeType: "image/url",
				URI:      p.ImageURL.URL,
			})
		default:
			blocks = append(blocks, domain.ContentBlock{
				Type: domain.BlockText,
				Text: "[Unsupported content: " + p.Type + "]",
			})
		}
	}

	return domain.Message{Role: role, Blocks: blocks}, nil
}

func parseStopSequences(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func normalizeRole(role string) (domain.Role, error) {
	switch role {
	case "system", "developer":
		return domain.RoleSystem, nil
	case "user":
		return domain.RoleUser, nil
	case "assistant", "model":
		return domain.RoleAssistant, nil
	default:
		return "", fmt.Errorf("unsupported role %q", role)
	}
}

type openAIChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIChoice struct {
	Index        int                `json:"index"`
	Message      *openAIChatMessage `json:"message,omitempty"`
	Delta        *openAIChatMessage `json:"delta,omitempty"`
	FinishReason *string            `json:"finish_reason"`
}

type openAIChatMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FormatResponse renders a canonical response as an OpenAI chat completion.
func (t *OpenAI) FormatResponse(resp *domain.CanonicalResponse) ([]byte, error) {
	finish := openAIFinishReason(resp.FinishReason)
	out := openAIChatResponse{
		ID:      responseID("chatcmpl", resp.ID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []openAIChoice{{
			Index:        0,
			Message:      &openAIChatMessage{Role: "assistant", Content: resp.Text},
			FinishReason: &finish,
		}},
		Usage: openAIUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	return json.Marshal(out)
}

func openAIFinishReason(reason domain.FinishReason) string {
	switch reason {
	case domain.FinishMaxTokens:
		return "length"
	case domain.FinishSafety:
		return "content_filter"
	default:
		return "stop"
	}
}

type openAIError struct {
	Error openAIErrorBody `json:"error"`
}

type openAIErrorBody struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// FormatError maps a classified error to the OpenAI error envelope.
func (t *OpenAI) FormatError(gerr *domain.Error) (int, []byte) {
	status := http.StatusInternalServerError
	errType := "server_error"

	switch gerr.Kind {
	case domain.KindInvalidRequest:
		status, errType = http.StatusBadRequest, "invalid_request_error"
	case domain.KindAuthFailed:
		status, errType = http.StatusUnauthorized, "authentication_error"
	case domain.KindRateLimited:
		status, errType = http.StatusTooManyRequests, "rate_limit_error"
	case domain.KindNotFound:
		status, errType = http.StatusNotFound, "not_found_error"
	case domain.KindUnavailable:
		status, errType = http.StatusServiceUnavailable, "server_error"
	}

	body, _ := json.Marshal(openAIError{Error: openAIErrorBody{
		Message: gerr.Message,
		Type:    errType,
	}})
	return status, body
}

// NewStreamEncoder returns an encoder producing OpenAI chunk framing.
func (t *OpenAI) NewStreamEncoder(model string) StreamEncoder {
	return &openAIStreamEncoder{
		id:    responseID("chatcmpl", ""),
		model: model,
	}
}

type openAIStreamEncoder struct {
	id    string
	model string
}

func (e *openAIStreamEncoder) chunk(delta *openAIChatMessage, finish *string) []byte {
	payload, _ := json.Marshal(openAIChatResponse{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   e.model,
		Choices: []openAIChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
	return sseFrame(payload)
}

func (e *openAIStreamEncoder) Start() [][]byte {
	return [][]byte{e.chunk(&openAIChatMessage{Role: "assistant"}, nil)}
}

func (e *openAIStreamEncoder) Delta(text string) [][]byte {
	if text == "" {
		return nil
	}
	return [][]byte{e.chunk(&openAIChatMessage{Content: text}, nil)}
}

func (e *openAIStreamEncoder) End(finish domain.FinishReason, _ domain.Usage) [][]byte {
	reason := openAIFinishReason(finish)
	return [][]byte{
		e.chunk(&openAIChatMessage{}, &reason),
		[]byte("data: [DONE]\n\n"),
	}
}

// ModelList is the OpenAI-shaped /v1/models listing.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ModelInfo is one model entry in the listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// FormatModelList renders the available model names as an OpenAI model
// listing.
func FormatModelList(models []string) ([]byte, error) {
	list := ModelList{Object: "list", Data: make([]ModelInfo, 0, len(models))}
	now := time.Now().Unix()
	for _, m := range models {
		list.Data = append(list.Data, ModelInfo{
			ID:      m,
			Object:  "model",
			Created: now,
			OwnedBy: "hearth",
		})
	}
	return json.Marshal(list)
}

// responseID keeps an upstream ID when present, otherwise mints one with
// the protocol's conventional prefix.
func responseID(prefix, upstream string) string {
	if upstream != "" {
		return upstream
	}
	return prefix + "-" + uuid.New().String()
}
