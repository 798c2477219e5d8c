package protocol_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/hearth/internal/domain"
	"github.com/davidbz/hearth/internal/protocol"
)

func openAIRaw(path, body string, headers map[string]string) *protocol.RawRequest {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &protocol.RawRequest{Path: path, Headers: h, Body: []byte(body)}
}

func TestOpenAIParse(t *testing.T) {
	transformer := protocol.NewOpenAI()

	t.Run("should parse a chat completion request", func(t *testing.T) {
		raw := openAIRaw("/v1/chat/completions", `{
			"model": "gpt-4o",
			"messages": [
				{"role": "system", "content": "be brief"},
				{"role": "user", "content": "hello"}
			],
			"temperature": 0.5,
			"max_tokens": 100
		}`, map[string]string{"Authorization": "Bearer sk-test"})

		req, err := transformer.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, "gpt-4o", req.Model)
		require.Equal(t, domain.ProtocolOpenAI, req.Protocol)
		require.Len(t, req.Messages, 2)
		require.Equal(t, domain.RoleSystem, req.Messages[0].Role)
		require.Equal(t, "be brief", req.Messages[0].Content)
		require.Equal(t, domain.RoleUser, req.Messages[1].Role)
		require.Equal(t, "hello", req.Messages[1].Content)
		require.Equal(t, 0.5, req.Options.Temperature)
		require.Equal(t, 100, req.Options.MaxOutputTokens)
		require.False(t, req.Stream)
	})

	t.Run("should extract bearer credential", func(t *testing.T) {
		raw := openAIRaw("/v1/chat/completions",
			`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`,
			map[string]string{"Authorization": "Bearer sk-abc123"})

		req, err := transformer.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, "sk-abc123", req.Auth.Token)
		require.Equal(t, "authorization", req.Auth.Source)
	})

	t.Run("should resolve model aliases", func(t *testing.T) {
		raw := openAIRaw("/v1/chat/completions",
			`{"model":"gpt-4-turbo-preview","messages":[{"role":"user","content":"hi"}]}`, nil)

		req, err := transformer.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, "gpt-4-turbo", req.Model)
	})

	t.Run("should normalize developer and model roles", func(t *testing.T) {
		raw := openAIRaw("/v1/chat/completions", `{
			"model": "gpt-4o",
			"messages": [
				{"role": "developer", "content": "rules"},
				{"role": "user", "content": "hi"},
				{"role": "model", "content": "hey"}
			]
		}`, nil)

		req, err := transformer.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, domain.RoleSystem, req.Messages[0].Role)
		require.Equal(t, domain.RoleAssistant, req.Messages[2].Role)
	})

	t.Run("should parse multimodal content parts", func(t *testing.T) {
		raw := openAIRaw("/v1/chat/completions", `{
			"model": "gpt-4o",
			"messages": [{
				"role": "user",
				"content": [
					{"type": "text", "text": "what is this?"},
					{"type": "image_url", "image_url": {"url": "https://example.com/cat.png"}}
				]
			}]
		}`, nil)

		req, err := transformer.Parse(raw)
		require.NoError(t, err)
		require.Len(t, req.Messages[0].Blocks, 2)
		require.Equal(t, domain.BlockText, req.Messages[0].Blocks[0].Type)
		require.Equal(t, domain.BlockImage, req.Messages[0].Blocks[1].Type)
		require.Equal(t, "https://example.com/cat.png", req.Messages[0].Blocks[1].URI)
	})

	t.Run("should parse legacy completions with a prompt", func(t *testing.T) {
		raw := openAIRaw("/v1/completions",
			`{"model":"gpt-3.5-turbo","prompt":"say hi"}`, nil)

		req, err := transformer.Parse(raw)
		require.NoError(t, err)
		require.Len(t, req.Messages, 1)
		require.Equal(t, domain.RoleUser, req.Messages[0].Role)
		require.Equal(t, "say hi", req.Messages[0].Content)
	})

	t.Run("should reject prompt combined with messages on legacy path", func(t *testing.T) {
		raw := openAIRaw("/v1/completions",
			`{"model":"gpt-4o","prompt":"hi","messages":[{"role":"user","content":"hi"}]}`, nil)

		_, err := transformer.Parse(raw)
		require.Error(t, err)
		require.Contains(t, err.Error(), "mutually exclusive")
	})

	t.Run("should reject missing model", func(t *testing.T) {
		raw := openAIRaw("/v1/chat/completions",
			`{"messages":[{"role":"user","content":"hi"}]}`, nil)

		_, err := transformer.Parse(raw)
		require.Error(t, err)

		var gerr *domain.Error
		require.ErrorAs(t, err, &gerr)
		require.Equal(t, domain.KindInvalidRequest, gerr.Kind)
	})

	t.Run("should reject empty messages", func(t *testing.T) {
		raw := openAIRaw("/v1/chat/completions", `{"model":"gpt-4o","messages":[]}`, nil)

		_, err := transformer.Parse(raw)
		require.Error(t, err)
	})

	t.Run("should reject malformed JSON", func(t *testing.T) {
		raw := openAIRaw("/v1/chat/completions", `{not json`, nil)

		_, err := transformer.Parse(raw)
		require.Error(t, err)
	})

	t.Run("should reject unknown roles", func(t *testing.T) {
		raw := openAIRaw("/v1/chat/completions",
			`{"model":"gpt-4o","messages":[{"role":"robot","content":"hi"}]}`, nil)

		_, err := transformer.Parse(raw)
		require.Error(t, err)
		require.Contains(t, err.Error(), "unsupported role")
	})

	t.Run("should reject out of range max_tokens", func(t *testing.T) {
		raw := openAIRaw("/v1/chat/completions",
			`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"max_tokens":2000000}`, nil)

		_, err := transformer.Parse(raw)
		require.Error(t, err)
	})

	t.Run("should accept stop as string or array", func(t *testing.T) {
		raw := openAIRaw("/v1/chat/completions",
			`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stop":"END"}`, nil)
		req, err := transformer.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, []string{"END"}, req.Options.StopSequences)

		raw = openAIRaw("/v1/chat/completions",
			`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stop":["a","b"]}`, nil)
		req, err = transformer.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, req.Options.StopSequences)
	})
}

func TestOpenAIFormatResponse(t *testing.T) {
	transformer := protocol.NewOpenAI()

	t.Run("should format a completed response", func(t *testing.T) {
		payload, err := transformer.FormatResponse(&domain.CanonicalResponse{
			ID:           "resp-1",
			Model:        "gpt-4o",
			Text:         "hello",
			FinishReason: domain.FinishStop,
			Usage:        domain.Usage{InputTokens: 3, OutputTokens: 1},
		})
		require.NoError(t, err)

		var out map[string]any
		require.NoError(t, json.Unmarshal(payload, &out))
		require.Equal(t, "chat.completion", out["object"])
		require.Equal(t, "resp-1", out["id"])

		choices := out["choices"].([]any)
		require.Len(t, choices, 1)
		choice := choices[0].(map[string]any)
		message := choice["message"].(map[string]any)
		require.Equal(t, "assistant", message["role"])
		require.Equal(t, "hello", message["content"])
		require.Equal(t, "stop", choice["finish_reason"])

		usage := out["usage"].(map[string]any)
		require.EqualValues(t, 3, usage["prompt_tokens"])
		require.EqualValues(t, 1, usage["completion_tokens"])
		require.EqualValues(t, 4, usage["total_tokens"])
	})

	t.Run("should map finish reasons to OpenAI vocabulary", func(t *testing.T) {
		for canonical, expected := range map[domain.FinishReason]string{
			domain.FinishStop:      "stop",
			domain.FinishMaxTokens: "length",
			domain.FinishSafety:    "content_filter",
		} {
			payload, err := transformer.FormatResponse(&domain.CanonicalResponse{
				Model:        "gpt-4o",
				FinishReason: canonical,
			})
			require.NoError(t, err)

			var out map[string]any
			require.NoError(t, json.Unmarshal(payload, &out))
			choice := out["choices"].([]any)[0].(map[string]any)
			require.Equal(t, expected, choice["finish_reason"])
		}
	})

	t.Run("should mint an id when the backend has none", func(t *testing.T) {
		payload, err := transformer.FormatResponse(&domain.CanonicalResponse{Model: "gpt-4o"})
		require.NoError(t, err)

		var out map[string]any
		require.NoError(t, json.Unmarshal(payload, &out))
		require.Contains(t, out["id"], "chatcmpl-")
	})
}

func TestOpenAIFormatError(t *testing.T) {
	transformer := protocol.NewOpenAI()

	t.Run("should map error kinds to status codes and types", func(t *testing.T) {
		cases := []struct {
			kind    domain.ErrorKind
			status  int
			errType string
		}{
			{domain.KindInvalidRequest, http.StatusBadRequest, "invalid_request_error"},
			{domain.KindAuthFailed, http.StatusUnauthorized, "authentication_error"},
			{domain.KindRateLimited, http.StatusTooManyRequests, "rate_limit_error"},
			{domain.KindNotFound, http.StatusNotFound, "not_found_error"},
			{domain.KindUnavailable, http.StatusServiceUnavailable, "server_error"},
			{domain.KindInternal, http.StatusInternalServerError, "server_error"},
		}

		for _, tc := range cases {
			status, payload := transformer.FormatError(&domain.Error{Kind: tc.kind, Message: "boom"})
			require.Equal(t, tc.status, status)

			var out map[string]map[string]any
			require.NoError(t, json.Unmarshal(payload, &out))
			require.Equal(t, tc.errType, out["error"]["type"])
			require.Equal(t, "boom", out["error"]["message"])
		}
	})
}

func TestOpenAIStreamEncoder(t *testing.T) {
	transformer := protocol.NewOpenAI()

	t.Run("should frame a stream as chunks ending with DONE", func(t *testing.T) {
		encoder := transformer.NewStreamEncoder("gpt-4o")

		frames := encoder.Start()
		frames = append(frames, encoder.Delta("hel")...)
		frames = append(frames, encoder.Delta("lo")...)
		frames = append(frames, encoder.End(domain.FinishStop, domain.Usage{})...)

		require.Len(t, frames, 5)
		for _, frame := range frames {
			require.True(t, len(frame) > 0)
			require.Contains(t, string(frame), "data: ")
		}
		require.Equal(t, "data: [DONE]\n\n", string(frames[len(frames)-1]))

		// Second frame carries the first delta.
		var chunk map[string]any
		require.NoError(t, json.Unmarshal(frames[1][len("data: "):], &chunk))
		require.Equal(t, "chat.completion.chunk", chunk["object"])
		delta := chunk["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
		require.Equal(t, "hel", delta["content"])
	})

	t.Run("should skip empty deltas", func(t *testing.T) {
		encoder := transformer.NewStreamEncoder("gpt-4o")
		require.Empty(t, encoder.Delta(""))
	})
}

func TestDetect(t *testing.T) {
	t.Run("should detect protocol from path", func(t *testing.T) {
		cases := map[string]domain.Protocol{
			"/v1/chat/completions": domain.ProtocolOpenAI,
			"/v1/completions":      domain.ProtocolOpenAI,
			"/v1/models":           domain.ProtocolOpenAI,
			"/v1/messages":         domain.ProtocolAnthropic,
			"/v1/complete":         domain.ProtocolAnthropic,
			"/v1beta/models/gemini-1.5-pro:generateContent":         domain.ProtocolGemini,
			"/v1beta/models/gemini-1.5-flash:streamGenerateContent": domain.ProtocolGemini,
			"/v1/models/gemini-1.5-pro:generateContent":             domain.ProtocolGemini,
			"/v1/models/gemini-1.5-flash:streamGenerateContent":     domain.ProtocolGemini,
		}
		for path, expected := range cases {
			proto, ok := protocol.Detect(path, http.Header{})
			require.True(t, ok, path)
			require.Equal(t, expected, proto, path)
		}
	})

	t.Run("should fall back to headers for unknown paths", func(t *testing.T) {
		h := http.Header{}
		h.Set("x-api-key", "sk-ant")
		proto, ok := protocol.Detect("/unknown", h)
		require.True(t, ok)
		require.Equal(t, domain.ProtocolAnthropic, proto)

		h = http.Header{}
		h.Set("x-goog-api-key", "AIza")
		proto, ok = protocol.Detect("/unknown", h)
		require.True(t, ok)
		require.Equal(t, domain.ProtocolGemini, proto)

		h = http.Header{}
		h.Set("Authorization", "Bearer sk-test")
		proto, ok = protocol.Detect("/unknown", h)
		require.True(t, ok)
		require.Equal(t, domain.ProtocolOpenAI, proto)
	})

	t.Run("should report failure when nothing matches", func(t *testing.T) {
		_, ok := protocol.Detect("/unknown", http.Header{})
		require.False(t, ok)
	})
}

func TestFormatModelList(t *testing.T) {
	t.Run("should render models in OpenAI list shape", func(t *testing.T) {
		payload, err := protocol.FormatModelList([]string{"gpt-4o", "claude-3-5-sonnet"})
		require.NoError(t, err)

		var out protocol.ModelList
		require.NoError(t, json.Unmarshal(payload, &out))
		require.Equal(t, "list", out.Object)
		require.Len(t, out.Data, 2)
		require.Equal(t, "gpt-4o", out.Data[0].ID)
		require.Equal(t, "model", out.Data[0].Object)
	})
}
