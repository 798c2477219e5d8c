package protocol

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/davidbz/hearth/internal/domain"
)

// Gemini implements the Transformer interface for the Gemini wire format
// (/v1beta/models/{model}:generateContent and :streamGenerateContent).
type Gemini struct{}

// NewGemini creates the Gemini transformer.
func NewGemini() *Gemini {
	return &Gemini{}
}

// Protocol returns the wire format this transformer handles.
func (t *Gemini) Protocol() domain.Protocol {
	return domain.ProtocolGemini
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenCfg   `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string `json:"text,omitempty"`
	InlineData *struct {
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	} `json:"inlineData,omitempty"`
	FileData *struct {
		MimeType string `json:"mimeType"`
		FileURI  string `json:"fileUri"`
	} `json:"fileData,omitempty"`
	FunctionCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"functionCall,omitempty"`
	FunctionResponse *struct {
		Name     string `json:"name"`
		Response any    `json:"response"`
	} `json:"functionResponse,omitempty"`
}

type geminiGenCfg struct {
	Temperature     float64  `json:"temperature,omitempty"`
	TopP            float64  `json:"topP,omitempty"`
	TopK            int      `json:"topK,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// Parse validates and converts a Gemini-shaped request. The model and the
// streaming flag come from the request path, the API key from headers or
// query.
func (t *Gemini) Parse(raw *RawRequest) (*domain.CanonicalRequest, error) {
	model, stream, err := parseGeminiPath(raw.Path)
	if err != nil {
		return nil, err
	}

	var req geminiRequest
	if err := json.Unmarshal(raw.Body, &req); err != nil {
		return nil, domain.ValidationError("malformed JSON body: %v", err)
	}

	if len(req.Contents) == 0 {
		return nil, domain.ValidationError("contents must not be empty")
	}

	var options domain.GenerationOptions
	if cfg := req.GenerationConfig; cfg != nil {
		if cfg.MaxOutputTokens < 0 || cfg.MaxOutputTokens > maxOutputTokenLimit {
			return nil, domain.ValidationError("maxOutputTokens out of range: %d", cfg.MaxOutputTokens)
		}
		options = domain.GenerationOptions{
			Temperature:     cfg.Temperature,
			TopP:            cfg.TopP,
			TopK:            cfg.TopK,
			MaxOutputTokens: cfg.MaxOutputTokens,
			StopSequences:   cfg.StopSequences,
		}
	}

	messages := make([]domain.Message, 0, len(req.Contents)+1)
	if req.SystemInstruction != nil {
		messages = append(messages, domain.Message{
			Role:    domain.RoleSystem,
			Content: flattenGeminiText(req.SystemInstruction.Parts),
		})
	}
	for i, c := range req.Contents {
		msg, err := parseGeminiContent(c)
		if err != nil {
			return nil, domain.ValidationError("contents[%d]: %v", i, err)
		}
		messages = append(messages, msg)
	}

	return &domain.CanonicalRequest{
		Model:    CanonicalModel(model),
		Messages: messages,
		Options:  options,
		Stream:   stream,
		Protocol: domain.ProtocolGemini,
		Auth:     geminiCredential(raw),
	}, nil
}

// parseGeminiPath extracts the model name and method from a path like
// /v1beta/models/gemini-1.5-pro:generateContent.
func parseGeminiPath(path string) (string, bool, error) {
	idx := strings.LastIndex(path, "/models/")
	if idx < 0 {
		return "", false, domain.ValidationError("model missing from path")
	}
	rest := path[idx+len("/models/"):]

	model, method, found := strings.Cut(rest, ":")
	if !found || model == "" {
		return "", false, domain.ValidationError("model missing from path")
	}

	switch method {
	case "generateContent":
		return model, false, nil
	case "streamGenerateContent":
		return model, true, nil
	default:
		return "", false, domain.ValidationError("unsupported method %q", method)
	}
}

// geminiCredential checks the x-goog-api-key header, the key query
// parameter, and finally a bearer token.
func geminiCredential(raw *RawRequest) domain.Credential {
	if key := raw.Headers.Get("x-goog-api-key"); key != "" {
		return domain.Credential{Token: key, Source: "x-goog-api-key"}
	}
	if key := raw.Query.Get("key"); key != "" {
		return domain.Credential{Token: key, Source: "query"}
	}
	return domain.Credential{Token: bearerToken(raw.Headers), Source: "authorization"}
}

func parseGeminiContent(c geminiContent) (domain.Message, error) {
	role := domain.RoleUser
	switch c.Role {
	case "", "user":
		role = domain.RoleUser
	case "model":
		role = domain.RoleAssistant
	default:
		return domain.Message{}, fmt.Errorf("unsupported role %q", c.Role)
	}

	if len(c.Parts) == 0 {
		return domain.Message{}, fmt.Errorf("parts must not be empty")
	}

	blocks := make([]domain.ContentBlock, 0, len(c.Parts))
	for _, p := range c.Parts {
		blocks = append(blocks, flattenGeminiPart(p))
	}
	return domain.Message{Role: role, Blocks: blocks}, nil
}

// flattenGeminiPart maps one Gemini part to a canonical content block.
func flattenGeminiPart(p geminiPart) domain.ContentBlock {
	switch {
	case p.InlineData != nil:
		return domain.ContentBlock{
			Type:     domain.BlockImage,
			MimeType: p.InlineData.MimeType,
			Data:     p.InlineData.Data,
		}
	case p.FileData != nil:
		return domain.ContentBlock{
			Type:     domain.BlockFile,
			MimeType: p.FileData.MimeType,
			URI:      p.FileData.FileURI,
		}
	case p.FunctionCall != nil:
		return domain.ContentBlock{
			Type:      domain.BlockFunctionCall,
			Name:      p.FunctionCall.Name,
			Arguments: p.FunctionCall.Args,
		}
	case p.FunctionResponse != nil:
		return domain.ContentBlock{
			Type:   domain.BlockFunctionResult,
			Name:   p.FunctionResponse.Name,
			Result: p.FunctionResponse.Response,
		}
	default:
		return domain.ContentBlock{Type: domain.BlockText, Text: p.Text}
	}
}

func flattenGeminiText(parts []geminiPart) string {
	out := ""
	for _, p := range parts {
		if p.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata geminiUsage       `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// FormatResponse renders a canonical response in Gemini shape.
func (t *Gemini) FormatResponse(resp *domain.CanonicalResponse) ([]byte, error) {
	out := geminiResponse{
		Candidates: []geminiCandidate{{
			Content: geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: resp.Text}},
			},
			FinishReason: geminiFinishReason(resp.FinishReason),
			Index:        0,
		}},
		UsageMetadata: geminiUsage{
			PromptTokenCount:     resp.Usage.InputTokens,
			CandidatesTokenCount: resp.Usage.OutputTokens,
			TotalTokenCount:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	return json.Marshal(out)
}

func geminiFinishReason(reason domain.FinishReason) string {
	switch reason {
	case domain.FinishMaxTokens:
		return "MAX_TOKENS"
	case domain.FinishSafety:
		return "SAFETY"
	case domain.FinishError:
		return "OTHER"
	default:
		return "STOP"
	}
}

type geminiError struct {
	Error geminiErrorBody `json:"error"`
}

type geminiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// FormatError maps a classified error to the Gemini error envelope.
func (t *Gemini) FormatError(gerr *domain.Error) (int, []byte) {
	status := http.StatusInternalServerError
	grpcStatus := "INTERNAL"

	switch gerr.Kind {
	case domain.KindInvalidRequest:
		status, grpcStatus = http.StatusBadRequest, "INVALID_ARGUMENT"
	case domain.KindAuthFailed:
		status, grpcStatus = http.StatusUnauthorized, "UNAUTHENTICATED"
	case domain.KindRateLimited:
		status, grpcStatus = http.StatusTooManyRequests, "RESOURCE_EXHAUSTED"
	case domain.KindNotFound:
		status, grpcStatus = http.StatusNotFound, "NOT_FOUND"
	case domain.KindUnavailable:
		status, grpcStatus = http.StatusServiceUnavailable, "UNAVAILABLE"
	}

	body, _ := json.Marshal(geminiError{Error: geminiErrorBody{
		Code:    status,
		Message: gerr.Message,
		Status:  grpcStatus,
	}})
	return status, body
}

// NewStreamEncoder returns an encoder producing Gemini chunk framing.
func (t *Gemini) NewStreamEncoder(_ string) StreamEncoder {
	return &geminiStreamEncoder{}
}

type geminiStreamEncoder struct{}

func (e *geminiStreamEncoder) Start() [][]byte {
	return nil
}

func (e *geminiStreamEncoder) Delta(text string) [][]byte {
	if text == "" {
		return nil
	}
	payload, _ := json.Marshal(geminiResponse{
		Candidates: []geminiCandidate{{
			Content: geminiContent{Role: "model", Parts: []geminiPart{{Text: text}}},
			Index:   0,
		}},
	})
	return [][]byte{sseFrame(payload)}
}

func (e *geminiStreamEncoder) End(finish domain.FinishReason, usage domain.Usage) [][]byte {
	payload, _ := json.Marshal(geminiResponse{
		Candidates: []geminiCandidate{{
			Content:      geminiContent{Role: "model", Parts: []geminiPart{{Text: ""}}},
			FinishReason: geminiFinishReason(finish),
			Index:        0,
		}},
		UsageMetadata: geminiUsage{
			PromptTokenCount:     usage.InputTokens,
			CandidatesTokenCount: usage.OutputTokens,
			TotalTokenCount:      usage.InputTokens + usage.OutputTokens,
		},
	})
	return [][]byte{sseFrame(payload)}
}
