package translator

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// TranslateAnthropic converts the messages of an Anthropic Messages request
// into upstream contents, returning the system text separately so the caller
// can fold it into the envelope's systemInstruction.
func TranslateAnthropic(rawJSON []byte) ([]interface{}, string) {
	systemText := anthropicSystemText(gjson.GetBytes(rawJSON, "system"))

	var contents []interface{}
	for _, msg := range gjson.GetBytes(rawJSON, "messages").Array() {
		role := msg.Get("role").String()
		content := msg.Get("content")

		switch role {
		case "assistant":
			parts := anthropicBlocks(content, contents, true)
			if len(parts) > 0 {
				contents = append(contents, upstreamMessage("model", parts))
			}
		case "user":
			parts := anthropicBlocks(content, contents, false)
			if len(parts) > 0 {
				contents = append(contents, upstreamMessage("user", parts))
			}
		}
	}
	return contents, systemText
}

// anthropicSystemText flattens the system field, which may be a string or a
// list of text blocks.
func anthropicSystemText(system gjson.Result) string {
	if !system.Exists() {
		return ""
	}
	if system.IsArray() {
		return textifyContent(system)
	}
	return system.String()
}

// anthropicBlocks converts one message's content blocks. assistant turns may
// carry tool_use; user turns may carry tool_result.
func anthropicBlocks(content gjson.Result, prior []interface{}, assistant bool) []interface{} {
	var parts []interface{}

	if !content.IsArray() {
		if content.Exists() && content.String() != "" {
			parts = append(parts, map[string]interface{}{"text": content.String()})
		}
		return parts
	}

	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			parts = append(parts, map[string]interface{}{"text": block.Get("text").String()})

		case "image":
			mime := block.Get("source.media_type").String()
			if mime == "" {
				mime = "image/png"
			}
			parts = append(parts, map[string]interface{}{
				"inlineData": map[string]interface{}{
					"mimeType": mime,
					"data":     block.Get("source.data").String(),
				},
			})

		case "tool_use":
			if !assistant {
				continue
			}
			inputRaw := block.Get("input").Raw
			if inputRaw == "" {
				inputRaw = "{}"
			}
			parts = append(parts, map[string]interface{}{
				"functionCall": map[string]interface{}{
					"id":   block.Get("id").String(),
					"name": block.Get("name").String(),
					// The raw input is preserved byte-for-byte under
					// args.query.
					"args": map[string]interface{}{
						"query": json.RawMessage(inputRaw),
					},
				},
			})

		case "tool_result":
			if assistant {
				continue
			}
			callID := block.Get("tool_use_id").String()
			if callID == "" {
				callID = block.Get("id").String()
			}
			parts = append(parts, map[string]interface{}{
				"functionResponse": map[string]interface{}{
					"id":   callID,
					"name": resolveCallName(prior, callID),
					"response": map[string]interface{}{
						"output": textifyContent(block.Get("content")),
					},
				},
			})
		}
	}
	return parts
}
