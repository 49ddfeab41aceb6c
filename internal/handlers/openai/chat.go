package openai

import (
	"context"
	"errors"
	"io"
	"net/http"

	"geminigate-go/internal/handlers/common"
	"geminigate-go/internal/translator"
	"geminigate-go/internal/upstream"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

// ChatCompletions serves POST /v1/chat/completions.
func (h *Handler) ChatCompletions(c *gin.Context) {
	raw, ok := common.ReadBody(c, common.DialectOpenAI)
	if !ok {
		return
	}
	messages := gjson.GetBytes(raw, "messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		common.AbortWithError(c, common.DialectOpenAI, http.StatusBadRequest, "invalid_request_error", "messages is required")
		return
	}
	key, ok := common.Authorize(c, &h.cfg.Security, h.keys, common.DialectOpenAI)
	if !ok {
		return
	}

	model := modelOf(raw)
	tools, err := translator.ConvertOpenAITools(raw)
	if err != nil {
		common.AbortWithError(c, common.DialectOpenAI, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	contents := translator.TranslateOpenAI(raw)
	project, session := h.ident.Get(key)

	env := &translator.Envelope{
		Project:           project,
		SessionID:         session,
		Model:             model,
		Contents:          contents,
		SystemInstruction: h.cfg.SystemInstruction,
		Tools:             tools,
		GenerationConfig:  translator.BuildGenerationConfig(raw, h.cfg.Defaults, model),
		UserAgent:         h.cfg.API.UserAgent,
	}
	payload, err := env.Build()
	if err != nil {
		common.AbortWithError(c, common.DialectOpenAI, http.StatusInternalServerError, "server_error", err.Error())
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

func (h *Handler) streamResponse(c *gin.Context, body io.Reader, raw []byte, model string) {
	ctx := c.Request.Context()
	w, fl := common.PrepareSSE(c)
	s := newChunkStream(w, fl, model)

	err := upstream.ParseStream(ctx, body, s.sink)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		s.writeError(err)
		_ = common.SSEWriteDone(w, fl)
		return
	}
	usage := common.ComputeUsage(h.est, model, raw, s.outputText())
	s.finish(usage)
}

func (h *Handler) jsonResponse(c *gin.Context, body io.Reader, raw []byte, model string) {
	col := &collector{}
	if err := upstream.ParseStream(c.Request.Context(), body, col.sink); err != nil {
		h.abortUpstreamError(c, &upstream.StatusError{Code: http.StatusBadGateway, Body: "upstream stream interrupted: " + err.Error()})
		return
	}

	usage := common.ComputeUsage(h.est, model, raw, col.text.String())
	message := gin.H{"role": "assistant", "content": col.text.String()}
	finish := "stop"
	if len(col.calls) > 0 {
		message["tool_calls"] = toolCallList(col.calls)
		finish = "tool_calls"
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      completionID(),
		"object":  "chat.completion",
		"created": nowUnix(),
		"model":   model,
		"choices": []gin.H{
			{"index": 0, "message": message, "finish_reason": finish},
		},
		"usage": gin.H{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.Total(),
		},
	})
}
