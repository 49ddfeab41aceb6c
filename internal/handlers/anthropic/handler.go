package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"geminigate-go/internal/apikey"
	"geminigate-go/internal/config"
	"geminigate-go/internal/credential"
	"geminigate-go/internal/handlers/common"
	"geminigate-go/internal/identity"
	"geminigate-go/internal/tokencount"
	"geminigate-go/internal/translator"
	"geminigate-go/internal/upstream"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Handler serves the Anthropic-compatible Messages surface.
type Handler struct {
	cfg   *config.Config
	pool  *credential.Pool
	keys  *apikey.Store
	ident *identity.Cache
	up    *upstream.Client
	est   *tokencount.Estimator
}

func NewHandler(cfg *config.Config, pool *credential.Pool, keys *apikey.Store, ident *identity.Cache, up *upstream.Client, est *tokencount.Estimator) *Handler {
	return &Handler{cfg: cfg, pool: pool, keys: keys, ident: ident, up: up, est: est}
}

// Messages serves POST /anthropic/v1/messages.
func (h *Handler) Messages(c *gin.Context) {
	raw, ok := common.ReadBody(c, common.DialectAnthropic)
	if !ok {
		return
	}
	messages := gjson.GetBytes(raw, "messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		common.AbortWithError(c, common.DialectAnthropic, http.StatusBadRequest, "invalid_request_error", "messages is required")
		return
	}
	model := gjson.GetBytes(raw, "model").String()
	if model == "" {
		common.AbortWithError(c, common.DialectAnthropic, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if err := validateToolUseInputs(messages); err != nil {
		common.AbortWithError(c, common.DialectAnthropic, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	key, ok := common.Authorize(c, &h.cfg.Security, h.keys, common.DialectAnthropic)
	if !ok {
		return
	}

	tools, err := translator.ConvertAnthropicTools(raw)
	if err != nil {
		common.AbortWithError(c, common.DialectAnthropic, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	contents, system := translator.TranslateAnthropic(raw)
	project, session := h.ident.Get(key)

	env := &translator.Envelope{
		Project:           project,
		SessionID:         session,
		Model:             model,
		Contents:          contents,
		SystemInstruction: h.cfg.SystemInstruction,
		AnthropicSystem:   system,
		Tools:             tools,
		GenerationConfig:  translator.BuildGenerationConfig(raw, h.cfg.Defaults, model),
		UserAgent:         h.cfg.API.UserAgent,
	}
	payload, err := env.Build()
	if err != nil {
		common.AbortWithError(c, common.DialectAnthropic, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	ctx := c.Request.Context()
	body, err := common.OpenStream(ctx, h.pool, h.up, payload)
	if err != nil {
		h.abortUpstreamError(c, err)
		return
	}
	defer body.Close()

	if common.StreamRequested(raw) {
		h.streamResponse(c, body, raw, model)
	} else {
		h.jsonResponse(c, body, raw, model)
	}
}

// CountTokens serves POST /anthropic/v1/messages/count_tokens.
func (h *Handler) CountTokens(c *gin.Context) {
	raw, ok := common.ReadBody(c, common.DialectAnthropic)
	if !ok {
		return
	}
	if _, ok := common.Authorize(c, &h.cfg.Security, h.keys, common.DialectAnthropic); !ok {
		return
	}
	model := gjson.GetBytes(raw, "model").String()
	count, fallback := h.est.CountRequest(model, raw)
	c.JSON(http.StatusOK, gin.H{
		"input_tokens": count,
		"model":        model,
		"fallback":     fallback,
	})
}

func (h *Handler) streamResponse(c *gin.Context, body io.Reader, raw []byte, model string) {
	ctx := c.Request.Context()
	w, fl := common.PrepareSSE(c)

	usage := common.ComputeUsage(h.est, model, raw, "")
	s := newEventStream(w, fl, model, usage.PromptTokens, stopSequencesOf(raw))
	s.start()

	err := upstream.ParseStream(ctx, body, s.sink)
	if err != nil || s.err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		if s.err != nil {
			err = s.err
		}
		s.writeError(err)
		return
	}
	out, _ := h.est.Count(model, s.outputText())
	s.finish(out, maxTokensOf(raw, h.cfg.Defaults.MaxTokens))
}

func (h *Handler) jsonResponse(c *gin.Context, body io.Reader, raw []byte, model string) {
	col := &collector{}
	if err := upstream.ParseStream(c.Request.Context(), body, col.sink); err != nil {
		h.abortUpstreamError(c, &upstream.StatusError{Code: http.StatusBadGateway, Body: "upstream stream interrupted: " + err.Error()})
		return
	}

	content := make([]gin.H, 0, 1+len(col.calls))
	if text := col.text.String(); text != "" {
		content = append(content, gin.H{"type": "text", "text": text})
	}
	for _, call := range col.calls {
		input, err := parseToolInput(call.Arguments)
		if err != nil {
			common.AbortWithError(c, common.DialectAnthropic, http.StatusBadRequest, "invalid_request_error", "tool call arguments are not valid JSON: "+err.Error())
			return
		}
		content = append(content, gin.H{
			"type":  "tool_use",
			"id":    call.ID,
			"name":  call.Name,
			"input": input,
		})
	}

	usage := common.ComputeUsage(h.est, model, raw, col.text.String())
	stopReason, stopSequence := resolveStopReason(
		len(col.calls) > 0,
		col.text.String(),
		stopSequencesOf(raw),
		usage.CompletionTokens,
		maxTokensOf(raw, h.cfg.Defaults.MaxTokens),
	)
	c.JSON(http.StatusOK, gin.H{
		"id":            messageID(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   stopReason,
		"stop_sequence": stopSequence,
		"usage": gin.H{
			"input_tokens":  usage.PromptTokens,
			"output_tokens": usage.CompletionTokens,
		},
	})
}

func (h *Handler) abortUpstreamError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, credential.ErrNoCredentials):
		common.AbortWithError(c, common.DialectAnthropic, http.StatusInternalServerError, "api_error", "no upstream credentials available")
	case upstream.IsForbidden(err):
		common.AbortWithError(c, common.DialectAnthropic, http.StatusForbidden, "permission_error", "upstream account disabled")
	default:
		var se *upstream.StatusError
		if errors.As(err, &se) {
			common.AbortWithError(c, common.DialectAnthropic, se.Code, "api_error", se.Body)
			return
		}
		logrus.WithError(err).Error("upstream request failed")
		common.AbortWithError(c, common.DialectAnthropic, http.StatusBadGateway, "api_error", err.Error())
	}
}

// validateToolUseInputs rejects tool_use blocks whose input is not a JSON
// object before any stream starts.
func validateToolUseInputs(messages gjson.Result) error {
	var bad error
	messages.ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() != "tool_use" {
				return true
			}
			input := block.Get("input")
			if input.Exists() && !input.IsObject() {
				bad = errors.New("tool_use input must be a JSON object")
				return false
			}
			return true
		})
		return bad == nil
	})
	return bad
}

func parseToolInput(arguments string) (map[string]interface{}, error) {
	if arguments == "" {
		return map[string]interface{}{}, nil
	}
	var input map[string]interface{}
	if err := json.Unmarshal([]byte(arguments), &input); err != nil {
		return nil, err
	}
	return input, nil
}

func stopSequencesOf(raw []byte) []string {
	var out []string
	gjson.GetBytes(raw, "stop_sequences").ForEach(func(_, v gjson.Result) bool {
		out = append(out, v.String())
		return true
	})
	return out
}

func maxTokensOf(raw []byte, fallback int) int {
	if v := gjson.GetBytes(raw, "max_tokens"); v.Exists() {
		return int(v.Int())
	}
	return fallback
}
