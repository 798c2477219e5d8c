package protocol

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/davidbz/hearth/internal/domain"
)

// Anthropic implements the Transformer interface for the Anthropic wire
// format (/v1/messages and the legacy /v1/complete).
type Anthropic struct{}

// NewAnthropic creates the Anthropic transformer.
func NewAnthropic() *Anthropic {
	return &Anthropic{}
}

// Protocol returns the wire format this transformer handles.
func (t *Anthropic) Protocol() domain.Protocol {
	return domain.ProtocolAnthropic
}

type anthropicRequest struct {
	Model             string             `json:"model"`
	Messages          []anthropicMessage `json:"messages"`
	System            json.RawMessage    `json:"system,omitempty"`
	Prompt            string             `json:"prompt,omitempty"`
	MaxTokens         int                `json:"max_tokens,omitempty"`
	MaxTokensToSample int                `json:"max_tokens_to_sample,omitempty"`
	Temperature       float64            `json:"temperature,omitempty"`
	TopP              float64            `json:"top_p,omitempty"`
	TopK              int                `json:"top_k,omitempty"`
	StopSequences     []string           `json:"stop_sequences,omitempty"`
	Stream            bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	Text   string `json:"text,omitempty"`
	Source *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
		URL       string `json:"url"`
	} `json:"source,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Parse validates and converts an Anthropic-shaped request.
func (t *Anthropic) Parse(raw *RawRequest) (*domain.CanonicalRequest, error) {
	var req anthropicRequest
	if err := json.Unmarshal(raw.Body, &req); err != nil {
		return nil, domain.ValidationError("malformed JSON body: %v", err)
	}

	if req.Model == "" {
		return nil, domain.ValidationError("model is required")
	}

	legacy := req.Prompt != ""
	if legacy && len(req.Messages) > 0 {
		return nil, domain.ValidationError("prompt and messages are mutually exclusive")
	}
	if !legacy && len(req.Messages) == 0 {
		return nil, domain.ValidationError("messages must not be empty")
	}

	maxTokens := req.MaxTokens
	if req.MaxTokensToSample > 0 {
		maxTokens = req.MaxTokensToSample
	}
	if maxTokens < 0 || maxTokens > maxOutputTokenLimit {
		return nil, domain.ValidationError("max_tokens out of range: %d", maxTokens)
	}

	messages := make([]domain.Message, 0, len(req.Messages)+2)
	if system := parseAnthropicSystem(req.System); system != "" {
		messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: system})
	}
	if legacy {
		messages = append(messages, domain.Message{Role: domain.RoleUser, Content: req.Prompt})
	}
	for i, m := range req.Messages {
		msg, err := parseAnthropicMessage(m)
		if err != nil {
			return nil, domain.ValidationError("messages[%d]: %v", i, err)
		}
		messages = append(messages, msg)
	}

	metadata := map[string]string{}
	if version := raw.Headers.Get("anthropic-version"); version != "" {
		metadata["anthropic-version"] = version
	}

	return &domain.CanonicalRequest{
		Model:    CanonicalModel(req.Model),
		Messages: messages,
		Options: domain.GenerationOptions{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			TopK:            req.TopK,
			MaxOutputTokens: maxTokens,
			StopSequences:   req.StopSequences,
		},
		Stream:   req.Stream,
		Protocol: domain.ProtocolAnthropic,
		Auth:     anthropicCredential(raw.Headers),
		Metadata: metadata,
	}, nil
}

// anthropicCredential prefers x-api-key, falling back to a bearer token.
func anthropicCredential(headers http.Header) domain.Credential {
	if key := headers.Get("x-api-key"); key != "" {
		return domain.Credential{Token: key, Source: "x-api-key"}
	}
	return domain.Credential{Token: bearerToken(headers), Source: "authorization"}
}

func parseAnthropicSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == "text" {
				if out != "" {
					out += "\n"
				}
				out += b.Text
			}
		}
		return out
	}
	return ""
}

func parseAnthropicMessage(m anthropicMessage) (domain.Message, error) {
	role, err := normalizeRole(m.Role)
	if err != nil {
		return domain.Message{}, err
	}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return domain.Message{Role: role, Content: text}, nil
	}

	var rawBlocks []anthropicBlock
	if err := json.Unmarshal(m.Content, &rawBlocks); err != nil {
		return domain.Message{}, fmt.Errorf("content must be a string or block array")
	}
	if len(rawBlocks) == 0 {
		return domain.Message{}, fmt.Errorf("content block array must not be empty")
	}

	blocks := make([]domain.ContentBlock, 0, len(rawBlocks))
	for _, b := range rawBlocks {
		blocks = append(blocks, flattenAnthropicBlock(b))
	}
	return domain.Message{Role: role, Blocks: blocks}, nil
}

// flattenAnthropicBlock maps one Anthropic content block to the canonical
// block list. Unsupported kinds become descriptive text placeholders
// rather than being dropped.
func flattenAnthropicBlock(b anthropicBlock) domain.ContentBlock {
	switch b.Type {
	case "text":
		return domain.ContentBlock{Type: domain.BlockText, Text: b.Text}
	case "image":
		block := domain.ContentBlock{Type: domain.BlockImage}
		if b.Source != nil {
			block.MimeType = b.Source.MediaType
			block.Data = b.Source.Data
			block.URI = b.Source.URL
		}
		return block
	case "document":
		block := domain.ContentBlock{Type: domain.BlockFile}
		if b.Source != nil {
			block.MimeType = b.Source.MediaType
			block.Data = b.Source.Data
			block.URI = b.Source.URL
		}
		return block
	case "tool_use":
		return domain.ContentBlock{
			Type:      domain.BlockFunctionCall,
			Name:      b.Name,
			Arguments: b.Input,
		}
	case "tool_result":
		var result any
		if len(b.Content) > 0 {
			_ = json.Unmarshal(b.Content, &result)
		}
		return domain.ContentBlock{
			Type:   domain.BlockFunctionResult,
			Name:   b.ToolUseID,
			Result: result,
		}
	default:
		return domain.ContentBlock{
			Type: domain.BlockText,
			Text: "[Unsupported content: " + b.Type + "]",
		}
	}
}

type anthropicResponse struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"`
	Role         string               `json:"role"`
	Model        string               `json:"model"`
	Content      []anthropicRespBlock `json:"content"`
	StopReason   string               `json:"stop_reason"`
	StopSequence *string              `json:"stop_sequence"`
	Usage        anthropicUsage       `json:"usage"`
}

type anthropicRespBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// FormatResponse renders a canonical response as an Anthropic message.
func (t *Anthropic) FormatResponse(resp *domain.CanonicalResponse) ([]byte, error) {
	out := anthropicResponse{
		ID:         responseID("msg", resp.ID),
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    []anthropicRespBlock{{Type: "text", Text: resp.Text}},
		StopReason: anthropicStopReason(resp.FinishReason),
		Usage: anthropicUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	return json.Marshal(out)
}

func anthropicStopReason(reason domain.FinishReason) string {
	switch reason {
	case domain.FinishMaxTokens:
		return "max_tokens"
	case domain.FinishSafety:
		return "refusal"
	default:
		return "end_turn"
	}
}

type anthropicError struct {
	Type  string             `json:"type"`
	Error anthropicErrorBody `json:"error"`
}

type anthropicErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// FormatError maps a classified error to the Anthropic error envelope.
func (t *Anthropic) FormatError(gerr *domain.Error) (int, []byte) {
	status := http.StatusInternalServerError
	errType := "api_error"

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
		status, errType = http.StatusServiceUnavailable, "overloaded_error"
	}

	body, _ := json.Marshal(anthropicError{
		Type:  "error",
		Error: anthropicErrorBody{Type: errType, Message: gerr.Message},
	})
	return status, body
}

// NewStreamEncoder returns an encoder producing Anthropic event framing.
func (t *Anthropic) NewStreamEncoder(model string) StreamEncoder {
	return &anthropicStreamEncoder{
		id:    responseID("msg", ""),
		model: model,
	}
}

type anthropicStreamEncoder struct {
	id    string
	model string
}

func (e *anthropicStreamEncoder) Start() [][]byte {
	start, _ := json.Marshal(map[string]any{
		"type": "message_start",
		"message": anthropicResponse{
			ID:      e.id,
			Type:    "message",
			Role:    "assistant",
			Model:   e.model,
			Content: []anthropicRespBlock{},
		},
	})
	blockStart, _ := json.Marshal(map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": anthropicRespBlock{Type: "text", Text: ""},
	})
	return [][]byte{
		sseEvent("message_start", start),
		sseEvent("content_block_start", blockStart),
	}
}

func (e *anthropicStreamEncoder) Delta(text string) [][]byte {
	if text == "" {
		return nil
	}
	payload, _ := json.Marshal(map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]string{"type": "text_delta", "text": text},
	})
	return [][]byte{sseEvent("content_block_delta", payload)}
}

func (e *anthropicStreamEncoder) End(finish domain.FinishReason, usage domain.Usage) [][]byte {
	blockStop, _ := json.Marshal(map[string]any{
		"type":  "content_block_stop",
		"index": 0,
	})
	messageDelta, _ := json.Marshal(map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   anthropicStopReason(finish),
			"stop_sequence": nil,
		},
		"usage": anthropicUsage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		},
	})
	messageStop, _ := json.Marshal(map[string]string{"type": "message_stop"})
	return [][]byte{
		sseEvent("content_block_stop", blockStop),
		sseEvent("message_delta", messageDelta),
		sseEvent("message_stop", messageStop),
	}
}
