package domain

import "time"

// Protocol identifies the wire format a request arrived in.
type Protocol string

const (
	ProtocolOpenAI    Protocol = "openai"
	ProtocolAnthropic Protocol = "anthropic"
	ProtocolGemini    Protocol = "gemini"
)

// Role is a normalized chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockText           BlockType = "text"
	BlockImage          BlockType = "image"
	BlockFile           BlockType = "file"
	BlockFunctionCall   BlockType = "function_call"
	BlockFunctionResult BlockType = "function_result"
)

// ContentBlock is one element of a multimodal message. Only the fields
// relevant to its Type are populated.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockImage / BlockFile
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"` // base64 inline payload
	URI      string `json:"uri,omitempty"`  // external reference

	// BlockFunctionCall / BlockFunctionResult
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    any            `json:"result,omitempty"`
}

// Message represents a chat message. Content holds plain text; Blocks is
// set instead when the message carries multimodal content.
type Message struct {
	Role    Role           `json:"role"`
	Content string         `json:"content,omitempty"`
	Blocks  []ContentBlock `json:"blocks,omitempty"`
}

// Text flattens the message into plain text. Non-text blocks are rendered
// as descriptive placeholders so nothing is silently dropped from the
// transcript.
func (m Message) Text() string {
	if len(m.Blocks) == 0 {
		return m.Content
	}

	out := ""
	for i, b := range m.Blocks {
		if i > 0 {
			out += "\n"
		}
		out += b.Placeholder()
	}
	return out
}

// Placeholder renders a block as text. Text blocks pass through unchanged;
// every other kind becomes a descriptive marker.
func (b ContentBlock) Placeholder() string {
	switch b.Type {
	case BlockText:
		return b.Text
	case BlockImage:
		return "[Image: " + b.MimeType + "]"
	case BlockFile:
		return "[File: " + b.MimeType + "]"
	case BlockFunctionCall:
		return "[Function call: " + b.Name + "]"
	case BlockFunctionResult:
		return "[Function result: " + b.Name + "]"
	default:
		return "[Unsupported content]"
	}
}

// GenerationOptions carries sampling parameters common to all protocols.
type GenerationOptions struct {
	Temperature     float64  `json:"temperature,omitempty"`
	TopP            float64  `json:"top_p,omitempty"`
	TopK            int      `json:"top_k,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	StopSequences   []string `json:"stop_sequences,omitempty"`
}

// Credential is an opaque caller credential extracted by the protocol
// layer and passed through to backends untouched.
type Credential struct {
	Token  string `json:"-"`
	Source string `json:"-"` // header or query location it came from
}

// CanonicalRequest is the protocol-neutral representation of an inbound
// chat request.
type CanonicalRequest struct {
	Model    string            `json:"model"`
	Messages []Message         `json:"messages"`
	Options  GenerationOptions `json:"options"`
	Stream   bool              `json:"stream,omitempty"`
	Protocol Protocol          `json:"protocol"`
	Auth     Credential        `json:"-"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FinishReason describes why generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishMaxTokens FinishReason = "max_tokens"
	FinishSafety    FinishReason = "safety"
	FinishError     FinishReason = "error"
)

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CanonicalResponse is the protocol-neutral representation of a backend
// reply.
type CanonicalResponse struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Text         string       `json:"text"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
	FinishTime   time.Time    `json:"finish_time"`
}

// StreamChunk represents a single streaming response fragment.
type StreamChunk struct {
	Delta        string       `json:"delta"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Done         bool         `json:"done"`
	Usage        *Usage       `json:"usage,omitempty"`
	Error        error        `json:"-"`
}
