package protocol_test

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/hearth/internal/domain"
	"github.com/davidbz/hearth/internal/protocol"
)

func TestAnthropicParse(t *testing.T) {
	transformer := protocol.NewAnthropic()

	t.Run("should parse a messages request", func(t *testing.T) {
		raw := openAIRaw("/v1/messages", `{
			"model": "claude-3-5-sonnet",
			"system": "be brief",
			"messages": [{"role": "user", "content": "hello"}],
			"max_tokens": 256,
			"top_k": 40
		}`, map[string]string{"x-api-key": "sk-ant-test", "anthropic-version": "2023-06-01"})

		req, err := transformer.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, "claude-3-5-sonnet", req.Model)
		require.Equal(t, domain.ProtocolAnthropic, req.Protocol)
		require.Len(t, req.Messages, 2)
		require.Equal(t, domain.RoleSystem, req.Messages[0].Role)
		require.Equal(t, "be brief", req.Messages[0].Content)
		require.Equal(t, "hello", req.Messages[1].Content)
		require.Equal(t, 256, req.Options.MaxOutputTokens)
		require.Equal(t, 40, req.Options.TopK)
		require.Equal(t, "2023-06-01", req.Metadata["anthropic-version"])
	})

	t.Run("should prefer x-api-key over bearer token", func(t *testing.T) {
		raw := openAIRaw("/v1/messages",
			`{"model":"claude-3-5-sonnet","messages":[{"role":"user","content":"hi"}]}`,
			map[string]string{"x-api-key": "sk-ant-1", "Authorization": "Bearer other"})

		req, err := transformer.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, "sk-ant-1", req.Auth.Token)
		require.Equal(t, "x-api-key", req.Auth.Source)
	})

	t.Run("should fall back to bearer token", func(t *testing.T) {
		raw := openAIRaw("/v1/messages",
			`{"model":"claude-3-5-sonnet","messages":[{"role":"user","content":"hi"}]}`,
			map[string]string{"Authorization": "Bearer sk-fallback"})

		req, err := transformer.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, "sk-fallback", req.Auth.Token)
	})

	t.Run("should parse system as block array", func(t *testing.T) {
		raw := openAIRaw("/v1/messages", `{
			"model": "claude-3-5-sonnet",
			"system": [{"type": "text", "text": "first"}, {"type": "text", "text": "second"}],
			"messages": [{"role": "user", "content": "hi"}]
		}`, nil)

		req, err := transformer.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, "first\nsecond", req.Messages[0].Content)
	})

	t.Run("should parse content blocks including media and tools", func(t *testing.T) {
		raw := openAIRaw("/v1/messages", `{
			"model": "claude-3-5-sonnet",
			"messages": [{
				"role": "user",
				"content": [
					{"type": "text", "text": "look"},
					{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "aGk="}},
					{"type": "tool_use", "id": "t1", "name": "get_weather", "input": {"city": "Haifa"}},
					{"type": "tool_result", "tool_use_id": "t1", "content": "{\"temp\": 28}"}
				]
			}]
		}`, nil)

		req, err := transformer.Parse(raw)
		require.NoError(t, err)
		blocks := req.Messages[0].Blocks
		require.Len(t, blocks, 4)
		require.Equal(t, domain.BlockText, blocks[0].Type)
		require.Equal(t, domain.BlockImage, blocks[1].Type)
		require.Equal(t, "image/png", blocks[1].MimeType)
		require.Equal(t, domain.BlockFunctionCall, blocks[2].Type)
		require.Equal(t, "get_weather", blocks[2].Name)
		require.Equal(t, domain.BlockFunctionResult, blocks[3].Type)
	})

	t.Run("should render unsupported block kinds as placeholders", func(t *testing.T) {
		raw := openAIRaw("/v1/messages", `{
			"model": "claude-3-5-sonnet",
			"messages": [{
				"role": "user",
				"content": [{"type": "hologram"}]
			}]
		}`, nil)

		req, err := transformer.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, "[Unsupported content: hologram]", req.Messages[0].Text())
	})

	t.Run("should flatten image blocks to placeholder text", func(t *testing.T) {
		raw := openAIRaw("/v1/messages", `{
			"model": "claude-3-5-sonnet",
			"messages": [{
				"role": "user",
				"content": [{"type": "image", "source": {"type": "base64", "media_type": "image/jpeg", "data": "aGk="}}]
			}]
		}`, nil)

		req, err := transformer.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, "[Image: image/jpeg]", req.Messages[0].Text())
	})

	t.Run("should parse legacy complete with a prompt", func(t *testing.T) {
		raw := openAIRaw("/v1/complete",
			`{"model":"claude-3-5-sonnet","prompt":"say hi","max_tokens_to_sample":64}`, nil)

		req, err := transformer.Parse(raw)
		require.NoError(t, err)
		require.Len(t, req.Messages, 1)
		require.Equal(t, "say hi", req.Messages[0].Content)
		require.Equal(t, 64, req.Options.MaxOutputTokens)
	})

	t.Run("should reject empty content block arrays", func(t *testing.T) {
		raw := openAIRaw("/v1/messages",
			`{"model":"claude-3-5-sonnet","messages":[{"role":"user","content":[]}]}`, nil)

		_, err := transformer.Parse(raw)
		require.Error(t, err)
	})

	t.Run("should reject missing model", func(t *testing.T) {
		raw := openAIRaw("/v1/messages",
			`{"messages":[{"role":"user","content":"hi"}]}`, nil)

		_, err := transformer.Parse(raw)
		require.Error(t, err)
	})
}

func TestAnthropicFormatResponse(t *testing.T) {
	transformer := protocol.NewAnthropic()

	t.Run("should format a completed response", func(t *testing.T) {
		payload, err := transformer.FormatResponse(&domain.CanonicalResponse{
			ID:           "msg_abc",
			Model:        "claude-3-5-sonnet",
			Text:         "hello",
			FinishReason: domain.FinishStop,
			Usage:        domain.Usage{InputTokens: 3, OutputTokens: 1},
		})
		require.NoError(t, err)

		var out map[string]any
		require.NoError(t, json.Unmarshal(payload, &out))
		require.Equal(t, "message", out["type"])
		require.Equal(t, "assistant", out["role"])
		require.Equal(t, "end_turn", out["stop_reason"])

		content := out["content"].([]any)
		require.Len(t, content, 1)
		block := content[0].(map[string]any)
		require.Equal(t, "text", block["type"])
		require.Equal(t, "hello", block["text"])

		usage := out["usage"].(map[string]any)
		require.EqualValues(t, 3, usage["input_tokens"])
		require.EqualValues(t, 1, usage["output_tokens"])
	})

	t.Run("should map finish reasons to Anthropic vocabulary", func(t *testing.T) {
		for canonical, expected := range map[domain.FinishReason]string{
			domain.FinishStop:      "end_turn",
			domain.FinishMaxTokens: "max_tokens",
			domain.FinishSafety:    "refusal",
		} {
			payload, err := transformer.FormatResponse(&domain.CanonicalResponse{
				Model:        "claude-3-5-sonnet",
				FinishReason: canonical,
			})
			require.NoError(t, err)

			var out map[string]any
			require.NoError(t, json.Unmarshal(payload, &out))
			require.Equal(t, expected, out["stop_reason"])
		}
	})
}

func TestAnthropicFormatError(t *testing.T) {
	transformer := protocol.NewAnthropic()

	t.Run("should wrap errors in the Anthropic envelope", func(t *testing.T) {
		status, payload := transformer.FormatError(&domain.Error{
			Kind:    domain.KindUnavailable,
			Message: "no healthy instance",
		})
		require.Equal(t, http.StatusServiceUnavailable, status)

		var out map[string]any
		require.NoError(t, json.Unmarshal(payload, &out))
		require.Equal(t, "error", out["type"])
		body := out["error"].(map[string]any)
		require.Equal(t, "overloaded_error", body["type"])
		require.Equal(t, "no healthy instance", body["message"])
	})
}

func TestAnthropicStreamEncoder(t *testing.T) {
	transformer := protocol.NewAnthropic()

	t.Run("should emit the full event sequence", func(t *testing.T) {
		encoder := transformer.NewStreamEncoder("claude-3-5-sonnet")

		frames := encoder.Start()
		frames = append(frames, encoder.Delta("hello")...)
		frames = append(frames, encoder.End(domain.FinishStop, domain.Usage{OutputTokens: 1})...)

		joined := ""
		for _, f := range frames {
			joined += string(f)
		}

		for _, event := range []string{
			"event: message_start",
			"event: content_block_start",
			"event: content_block_delta",
			"event: content_block_stop",
			"event: message_delta",
			"event: message_stop",
		} {
			require.Contains(t, joined, event)
		}
		require.Contains(t, joined, `"text_delta"`)
		require.Contains(t, joined, `"end_turn"`)

		// Order: message_start first, message_stop last.
		require.True(t, strings.HasPrefix(joined, "event: message_start"))
		require.Contains(t, string(frames[len(frames)-1]), "message_stop")
	})
}
