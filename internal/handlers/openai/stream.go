package openai

import (
	"net/http"
	"strings"
	"time"

	"geminigate-go/internal/handlers/common"
	"geminigate-go/internal/upstream"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func completionID() string { return "chatcmpl-" + uuid.NewString() }

func nowUnix() int64 { return time.Now().Unix() }

// chunkStream frames normalized events as OpenAI chat.completion.chunk SSE
// records. Thinking deltas are reframed as <think>...</think> text so plain
// OpenAI clients see the reasoning inline.
type chunkStream struct {
	w  http.ResponseWriter
	fl http.Flusher

	id      string
	created int64
	model   string

	sentRole bool
	sawTool  bool
	text     strings.Builder
}

func newChunkStream(w http.ResponseWriter, fl http.Flusher, model string) *chunkStream {
	return &chunkStream{
		w:       w,
		fl:      fl,
		id:      completionID(),
		created: nowUnix(),
		model:   model,
	}
}

func (s *chunkStream) sink(ev upstream.Event) error {
	switch e := ev.(type) {
	case upstream.TextEvent:
		s.text.WriteString(e.Delta)
		return s.writeDelta(gin.H{"content": e.Delta}, nil)
	case upstream.ThinkingEvent:
		switch e.Phase {
		case upstream.ThinkingStart:
			return s.writeDelta(gin.H{"content": "<think>\n"}, nil)
		case upstream.ThinkingEnd:
			return s.writeDelta(gin.H{"content": "\n</think>\n"}, nil)
		default:
			return s.writeDelta(gin.H{"content": e.Delta}, nil)
		}
	case upstream.ImageEvent:
		delta := "![Generated Image](data:" + e.Mime + ";base64," + e.Data + ")"
		s.text.WriteString(delta)
		return s.writeDelta(gin.H{"content": delta}, nil)
	case upstream.ToolCallsEvent:
		s.sawTool = true
		return s.writeDelta(gin.H{"tool_calls": toolCallList(e.Calls)}, nil)
	}
	return nil
}

func (s *chunkStream) outputText() string { return s.text.String() }

// finish emits the finish_reason chunk, the usage-only chunk and the [DONE]
// marker, in that order.
func (s *chunkStream) finish(usage common.Usage) {
	finish := "stop"
	if s.sawTool {
		finish = "tool_calls"
	}
	_ = s.writeDelta(gin.H{}, finish)
	_ = common.SSEWriteData(s.w, s.fl, gin.H{
		"id":      s.id,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []gin.H{},
		"usage": gin.H{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.Total(),
		},
	})
	_ = common.SSEWriteDone(s.w, s.fl)
}

// writeError emits a terminal error chunk. The stream stays well-formed SSE.
func (s *chunkStream) writeError(err error) {
	_ = s.writeDelta(gin.H{"content": "错误: " + err.Error()}, "stop")
}

func (s *chunkStream) writeDelta(delta gin.H, finish interface{}) error {
	if !s.sentRole {
		delta["role"] = "assistant"
		s.sentRole = true
	}
	return common.SSEWriteData(s.w, s.fl, gin.H{
		"id":      s.id,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []gin.H{
			{"index": 0, "delta": delta, "finish_reason": finish},
		},
	})
}

// collector accumulates events for the non-streaming response path.
type collector struct {
	text  strings.Builder
	calls []upstream.ToolCall
}

func (c *collector) sink(ev upstream.Event) error {
	switch e := ev.(type) {
	case upstream.TextEvent:
		c.text.WriteString(e.Delta)
	case upstream.ThinkingEvent:
		switch e.Phase {
		case upstream.ThinkingStart:
			c.text.WriteString("<think>\n")
		case upstream.ThinkingEnd:
			c.text.WriteString("\n</think>\n")
		default:
			c.text.WriteString(e.Delta)
		}
	case upstream.ImageEvent:
		c.text.WriteString("![Generated Image](data:" + e.Mime + ";base64," + e.Data + ")")
	case upstream.ToolCallsEvent:
		c.calls = append(c.calls, e.Calls...)
	}
	return nil
}

func toolCallList(calls []upstream.ToolCall) []gin.H {
	out := make([]gin.H, 0, len(calls))
	for i, call := range calls {
		out = append(out, gin.H{
			"index": i,
			"id":    call.ID,
			"type":  "function",
			"function": gin.H{
				"name":      call.Name,
				"arguments": call.Arguments,
			},
		})
	}
	return out
}
