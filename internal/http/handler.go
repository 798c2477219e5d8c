// Package http exposes the gateway over HTTP: the protocol-translating
// proxy surface, the management API, and operational endpoints.
package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/davidbz/hearth/internal/domain"
	"github.com/davidbz/hearth/internal/gateway"
	"github.com/davidbz/hearth/internal/observability"
	"github.com/davidbz/hearth/internal/protocol"
)

// maxBodyBytes bounds inbound request bodies; inline media payloads can
// be large.
const maxBodyBytes = 32 << 20

// Handler handles proxy requests.
type Handler struct {
	transformers *protocol.Set
	gateway      *gateway.Service
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(transformers *protocol.Set, gw *gateway.Service) *Handler {
	return &Handler{
		transformers: transformers,
		gateway:      gw,
	}
}

// HandleProxy processes chat requests in any supported wire format. The
// response is rendered in the same format the request arrived in.
func (h *Handler) HandleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	proto, ok := protocol.Detect(r.URL.Path, r.Header)
	if !ok {
		http.Error(w, "unrecognized API surface", http.StatusNotFound)
		return
	}
	transformer, ok := h.transformers.For(proto)
	if !ok {
		http.Error(w, "unsupported protocol", http.StatusNotFound)
		return
	}
	ctx = observability.WithProtocol(ctx, string(proto))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, transformer, domain.ValidationError("failed to read request body"))
		return
	}

	req, err := transformer.Parse(&protocol.RawRequest{
		Path:    r.URL.Path,
		Headers: r.Header,
		Query:   r.URL.Query(),
		Body:    body,
	})
	if err != nil {
		h.writeError(w, transformer, domain.AsError(err))
		return
	}

	ctx = observability.WithModel(ctx, req.Model)
	logger := observability.FromContext(ctx)
	logger.Info("proxy request received",
		observability.String("model", req.Model),
		observability.Bool("stream", req.Stream),
	)

	if req.Stream {
		h.handleStream(w, r.WithContext(ctx), transformer, req)
		return
	}

	resp, err := h.gateway.Complete(ctx, req)
	if err != nil {
		logger.Error("proxy request failed", observability.Error(err))
		h.writeError(w, transformer, domain.AsError(err))
		return
	}

	payload, err := transformer.FormatResponse(resp)
	if err != nil {
		logger.Error("failed to format response", observability.Error(err))
		h.writeError(w, transformer, domain.InternalError("failed to format response"))
		return
	}

	logger.Info("proxy request succeeded",
		observability.Int("input_tokens", resp.Usage.InputTokens),
		observability.Int("output_tokens", resp.Usage.OutputTokens),
	)

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(payload); err != nil {
		logger.Error("failed to write response", observability.Error(err))
	}
}

// handleStream relays a streaming dispatch as SSE in the caller's
// protocol framing.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, transformer protocol.Transformer, req *domain.CanonicalRequest) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error("streaming not supported")
		h.writeError(w, transformer, domain.InternalError("streaming not supported"))
		return
	}

	chunks, err := h.gateway.Stream(ctx, req)
	if err != nil {
		logger.Error("stream failed", observability.Error(err))
		h.writeError(w, transformer, domain.AsError(err))
		return
	}

	// Headers for SSE. From here on errors travel in-band.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	encoder := transformer.NewStreamEncoder(req.Model)
	writeFrames := func(frames [][]byte) bool {
		for _, frame := range frames {
			if _, err := w.Write(frame); err != nil {
				return false
			}
		}
		flusher.Flush()
		return true
	}

	if !writeFrames(encoder.Start()) {
		return
	}

	finish := domain.FinishStop
	usage := domain.Usage{}
	for chunk := range chunks {
		if chunk.Error != nil {
			logger.Error("stream chunk error", observability.Error(chunk.Error))
			finish = domain.FinishError
			break
		}
		if chunk.Delta != "" && !writeFrames(encoder.Delta(chunk.Delta)) {
			return
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.Done {
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
			break
		}
	}

	writeFrames(encoder.End(finish, usage))
	logger.Info("stream completed")
}

// HandleModels lists routable models in OpenAI list format.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	payload, err := protocol.FormatModelList(h.gateway.Models())
	if err != nil {
		http.Error(w, "failed to format model list", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

// HandleHealth handles health check requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	}); err != nil {
		// Already written status, can't change it, just log.
		return
	}
}

// writeError renders a classified error in the caller's wire format.
func (h *Handler) writeError(w http.ResponseWriter, transformer protocol.Transformer, gerr *domain.Error) {
	status, payload := transformer.FormatError(gerr)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
