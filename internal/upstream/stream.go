package upstream

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/tidwall/gjson"
)

const (
	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 10 * 1024 * 1024
)

// Sink receives normalized events in source order. Returning an error stops
// the parse; events already delivered stay committed.
type Sink func(Event) error

// ParseStream decodes the upstream chunked SSE body and drives the sink.
// Lines that fail to decode are skipped silently; tool calls accumulate and
// flush as one event when a finishReason arrives.
func ParseStream(ctx context.Context, r io.Reader, sink Sink) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, scannerInitialBuffer)
	scanner.Buffer(buf, scannerMaxBuffer)

	thinking := false
	var pending []ToolCall

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data: "):])
		if !gjson.ValidBytes(data) {
			continue
		}
		candidate := gjson.GetBytes(data, "response.candidates.0")
		if !candidate.Exists() {
			continue
		}

		for _, part := range candidate.Get("content.parts").Array() {
			switch {
			case part.Get("thought").Bool():
				if !thinking {
					if err := sink(ThinkingEvent{Phase: ThinkingStart}); err != nil {
						return err
					}
					thinking = true
				}
				if err := sink(ThinkingEvent{Delta: part.Get("text").String(), Phase: ThinkingMid}); err != nil {
					return err
				}

			case part.Get("text").Exists():
				if thinking {
					if err := sink(ThinkingEvent{Phase: ThinkingEnd}); err != nil {
						return err
					}
					thinking = false
				}
				delta := part.Get("text").String()
				if sig := part.Get("thoughtSignature").String(); sig != "" {
					delta += "<!-- thought_signature: " + sig + " -->"
				}
				if inline := part.Get("inlineData"); inline.Exists() {
					delta += "![Generated Image](data:" + inline.Get("mimeType").String() +
						";base64," + inline.Get("data").String() + ")"
				}
				if err := sink(TextEvent{Delta: delta}); err != nil {
					return err
				}

			case part.Get("inlineData").Exists():
				inline := part.Get("inlineData")
				if err := sink(ImageEvent{
					Mime: inline.Get("mimeType").String(),
					Data: inline.Get("data").String(),
				}); err != nil {
					return err
				}

			case part.Get("functionCall").Exists():
				fc := part.Get("functionCall")
				pending = append(pending, ToolCall{
					ID:        fc.Get("id").String(),
					Name:      fc.Get("name").String(),
					Arguments: fc.Get("args").Raw,
				})
			}
		}

		if candidate.Get("finishReason").Exists() && len(pending) > 0 {
			if thinking {
				if err := sink(ThinkingEvent{Phase: ThinkingEnd}); err != nil {
					return err
				}
				thinking = false
			}
			if err := sink(ToolCallsEvent{Calls: pending}); err != nil {
				return err
			}
			pending = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if thinking {
		return sink(ThinkingEvent{Phase: ThinkingEnd})
	}
	return nil
}
