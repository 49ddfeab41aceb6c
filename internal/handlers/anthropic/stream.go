package anthropic

import (
	"net/http"
	"strings"

	"geminigate-go/internal/handlers/common"
	"geminigate-go/internal/upstream"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func messageID() string { return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "") }

// eventStream frames normalized events as Anthropic Messages SSE. Text flows
// through content block 0; each tool call gets its own block at index >= 1,
// opened and closed in one step with its parsed input.
type eventStream struct {
	w  http.ResponseWriter
	fl http.Flusher

	id            string
	model         string
	inputTokens   int
	stopSequences []string

	textOpen   bool
	textClosed bool
	nextIndex  int
	sawTool    bool
	text       strings.Builder

	// err records a tool-argument parse failure observed mid-stream; the
	// caller turns it into an event: error frame.
	err error
}

func newEventStream(w http.ResponseWriter, fl http.Flusher, model string, inputTokens int, stops []string) *eventStream {
	return &eventStream{
		w:             w,
		fl:            fl,
		id:            messageID(),
		model:         model,
		inputTokens:   inputTokens,
		stopSequences: stops,
		nextIndex:     1,
	}
}

func (s *eventStream) start() {
	_ = common.SSEWriteEvent(s.w, s.fl, "message_start", gin.H{
		"type": "message_start",
		"message": gin.H{
			"id":            s.id,
			"type":          "message",
			"role":          "assistant",
			"model":         s.model,
			"content":       []gin.H{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": gin.H{
				"input_tokens":  s.inputTokens,
				"output_tokens": 0,
			},
		},
	})
}

func (s *eventStream) sink(ev upstream.Event) error {
	switch e := ev.(type) {
	case upstream.TextEvent:
		s.text.WriteString(e.Delta)
		return s.writeTextDelta(e.Delta)
	case upstream.ThinkingEvent:
		switch e.Phase {
		case upstream.ThinkingStart:
			return s.writeTextDelta("<think>\n")
		case upstream.ThinkingEnd:
			return s.writeTextDelta("\n</think>\n")
		default:
			return s.writeTextDelta(e.Delta)
		}
	case upstream.ImageEvent:
		delta := "![Generated Image](data:" + e.Mime + ";base64," + e.Data + ")"
		s.text.WriteString(delta)
		return s.writeTextDelta(delta)
	case upstream.ToolCallsEvent:
		return s.writeToolBlocks(e.Calls)
	}
	return nil
}

func (s *eventStream) outputText() string { return s.text.String() }

func (s *eventStream) writeTextDelta(delta string) error {
	// Block 0 is closed once tool blocks start; a late text delta has no
	// block to land in and is dropped from the frame stream.
	if s.textClosed {
		return nil
	}
	if !s.textOpen {
		if err := common.SSEWriteEvent(s.w, s.fl, "content_block_start", gin.H{
			"type":          "content_block_start",
			"index":         0,
			"content_block": gin.H{"type": "text", "text": ""},
		}); err != nil {
			return err
		}
		s.textOpen = true
	}
	return common.SSEWriteEvent(s.w, s.fl, "content_block_delta", gin.H{
		"type":  "content_block_delta",
		"index": 0,
		"delta": gin.H{"type": "text_delta", "text": delta},
	})
}

func (s *eventStream) writeToolBlocks(calls []upstream.ToolCall) error {
	if err := s.closeText(); err != nil {
		return err
	}
	for _, call := range calls {
		input, err := parseToolInput(call.Arguments)
		if err != nil {
			s.err = err
			return err
		}
		index := s.nextIndex
		s.nextIndex++
		s.sawTool = true
		if err := common.SSEWriteEvent(s.w, s.fl, "content_block_start", gin.H{
			"type":  "content_block_start",
			"index": index,
			"content_block": gin.H{
				"type":  "tool_use",
				"id":    call.ID,
				"name":  call.Name,
				"input": input,
			},
		}); err != nil {
			return err
		}
		if err := common.SSEWriteEvent(s.w, s.fl, "content_block_stop", gin.H{
			"type":  "content_block_stop",
			"index": index,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *eventStream) closeText() error {
	if !s.textOpen || s.textClosed {
		return nil
	}
	s.textClosed = true
	return common.SSEWriteEvent(s.w, s.fl, "content_block_stop", gin.H{
		"type":  "content_block_stop",
		"index": 0,
	})
}

// finish closes the open text block and emits message_delta plus
// message_stop.
func (s *eventStream) finish(outputTokens, maxTokens int) {
	_ = s.closeText()
	stopReason, stopSequence := resolveStopReason(s.sawTool, s.text.String(), s.stopSequences, outputTokens, maxTokens)
	_ = common.SSEWriteEvent(s.w, s.fl, "message_delta", gin.H{
		"type": "message_delta",
		"delta": gin.H{
			"stop_reason":   stopReason,
			"stop_sequence": stopSequence,
		},
		"usage": gin.H{"output_tokens": outputTokens},
	})
	_ = common.SSEWriteEvent(s.w, s.fl, "message_stop", gin.H{"type": "message_stop"})
}

// writeError terminates the stream with an error frame.
func (s *eventStream) writeError(err error) {
	_ = common.SSEWriteEvent(s.w, s.fl, "error", gin.H{
		"type": "error",
		"error": gin.H{
			"type":    "api_error",
			"message": err.Error(),
		},
	})
}

// resolveStopReason orders the stop causes: tool_use wins, then a matched
// stop sequence, then the token cap, then end_turn.
func resolveStopReason(sawTool bool, text string, stops []string, outputTokens, maxTokens int) (string, interface{}) {
	if sawTool {
		return "tool_use", nil
	}
	for _, stop := range stops {
		if stop != "" && strings.HasSuffix(text, stop) {
			return "stop_sequence", stop
		}
	}
	if maxTokens > 0 && outputTokens >= maxTokens {
		return "max_tokens", nil
	}
	return "end_turn", nil
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
