package translator

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// thoughtSignatureRe matches the sentinel the gateway embeds in assistant
// text to carry an upstream thought signature across turns.
var thoughtSignatureRe = regexp.MustCompile(`<!-- thought_signature: (.*?) -->`)

// ThoughtSignatureSentinel renders the sentinel for a signature.
func ThoughtSignatureSentinel(sig string) string {
	return "<!-- thought_signature: " + sig + " -->"
}

// liftThoughtSignature strips the sentinel from text and returns the
// signature it carried, if any.
func liftThoughtSignature(text string) (string, string) {
	match := thoughtSignatureRe.FindStringSubmatch(text)
	if match == nil {
		return text, ""
	}
	return thoughtSignatureRe.ReplaceAllString(text, ""), match[1]
}

// TranslateOpenAI converts the messages of an OpenAI Chat Completions request
// into upstream contents. Roles map system/user -> user and assistant ->
// model; tool messages become functionResponse parts under a user turn.
func TranslateOpenAI(rawJSON []byte) []interface{} {
	var contents []interface{}

	for _, msg := range gjson.GetBytes(rawJSON, "messages").Array() {
		role := msg.Get("role").String()
		content := msg.Get("content")

		switch role {
		case "system", "user":
			parts := openAIContentParts(content)
			if len(parts) > 0 {
				contents = append(contents, upstreamMessage("user", parts))
			}

		case "assistant":
			contents = appendAssistantMessage(contents, msg, content)

		case "tool":
			contents = appendToolResponse(contents, msg, content)
		}
	}

	return contents
}

// openAIContentParts expands a string-or-list OpenAI content value.
func openAIContentParts(content gjson.Result) []interface{} {
	var parts []interface{}
	if content.IsArray() {
		for _, part := range content.Array() {
			switch part.Get("type").String() {
			case "text":
				parts = appendTextPart(parts, part.Get("text").String())
			case "image_url":
				if inline := dataURLToInline(part.Get("image_url.url").String()); inline != nil {
					parts = append(parts, inline)
				}
			}
		}
		return parts
	}
	if content.Exists() && content.String() != "" {
		parts = appendTextPart(parts, content.String())
	}
	return parts
}

// appendTextPart merges consecutive text into the trailing text part and
// lifts any thought-signature sentinel onto the part.
func appendTextPart(parts []interface{}, text string) []interface{} {
	stripped, sig := liftThoughtSignature(text)
	if len(parts) > 0 {
		if last, ok := parts[len(parts)-1].(map[string]interface{}); ok {
			if existing, has := last["text"].(string); has && last["thoughtSignature"] == nil && sig == "" {
				last["text"] = existing + stripped
				return parts
			}
		}
	}
	part := map[string]interface{}{"text": stripped}
	if sig != "" {
		part["thoughtSignature"] = sig
	}
	return append(parts, part)
}

// dataURLToInline converts a data:image/<fmt>;base64,<data> URL to an
// inlineData part, or nil when the URL is not an inline image.
func dataURLToInline(url string) map[string]interface{} {
	if !strings.HasPrefix(url, "data:image/") {
		return nil
	}
	rest := strings.TrimPrefix(url, "data:")
	split := strings.SplitN(rest, ";base64,", 2)
	if len(split) != 2 {
		return nil
	}
	return map[string]interface{}{
		"inlineData": map[string]interface{}{
			"mimeType": split[0],
			"data":     split[1],
		},
	}
}

// appendAssistantMessage emits a model-role message. When the assistant turn
// carries tool calls but no content and the previous upstream message is
// already a model turn, the call parts are appended to that turn instead of
// opening a new one.
func appendAssistantMessage(contents []interface{}, msg, content gjson.Result) []interface{} {
	toolCalls := msg.Get("tool_calls")
	textParts := openAIContentParts(content)

	var callParts []interface{}
	if toolCalls.IsArray() {
		for _, tc := range toolCalls.Array() {
			if tc.Get("type").String() != "function" {
				continue
			}
			callParts = append(callParts, map[string]interface{}{
				"functionCall": map[string]interface{}{
					"id":   tc.Get("id").String(),
					"name": tc.Get("function.name").String(),
					// The arguments string is wrapped as-is under
					// args.query; the stream side stringifies it again
					// when replaying to clients.
					"args": map[string]interface{}{
						"query": tc.Get("function.arguments").String(),
					},
				},
			})
		}
	}

	if len(callParts) > 0 && len(textParts) == 0 {
		if prev := lastMessage(contents); prev != nil && prev["role"] == "model" {
			prev["parts"] = append(prev["parts"].([]interface{}), callParts...)
			return contents
		}
	}

	parts := append(textParts, callParts...)
	if len(parts) == 0 {
		return contents
	}
	return append(contents, upstreamMessage("model", parts))
}

// appendToolResponse emits a functionResponse part under a user turn,
// resolving the function name by walking backward to the matching call. When
// the previous message is a user turn already carrying a functionResponse,
// the new response joins it.
func appendToolResponse(contents []interface{}, msg, content gjson.Result) []interface{} {
	callID := msg.Get("tool_call_id").String()
	name := msg.Get("name").String()
	if name == "" {
		name = resolveCallName(contents, callID)
	}

	part := map[string]interface{}{
		"functionResponse": map[string]interface{}{
			"id":   callID,
			"name": name,
			"response": map[string]interface{}{
				"output": textifyContent(content),
			},
		},
	}

	if prev := lastMessage(contents); prev != nil && prev["role"] == "user" && hasFunctionResponse(prev) {
		prev["parts"] = append(prev["parts"].([]interface{}), part)
		return contents
	}
	return append(contents, upstreamMessage("user", []interface{}{part}))
}

// resolveCallName walks upstream messages backward looking for the
// functionCall with the given id.
func resolveCallName(contents []interface{}, callID string) string {
	for i := len(contents) - 1; i >= 0; i-- {
		m, ok := contents[i].(map[string]interface{})
		if !ok {
			continue
		}
		parts, _ := m["parts"].([]interface{})
		for _, p := range parts {
			pm, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			fc, ok := pm["functionCall"].(map[string]interface{})
			if !ok {
				continue
			}
			if fc["id"] == callID {
				name, _ := fc["name"].(string)
				return name
			}
		}
	}
	return ""
}

func hasFunctionResponse(msg map[string]interface{}) bool {
	parts, _ := msg["parts"].([]interface{})
	for _, p := range parts {
		if pm, ok := p.(map[string]interface{}); ok {
			if _, has := pm["functionResponse"]; has {
				return true
			}
		}
	}
	return false
}

func lastMessage(contents []interface{}) map[string]interface{} {
	if len(contents) == 0 {
		return nil
	}
	m, _ := contents[len(contents)-1].(map[string]interface{})
	return m
}

func upstreamMessage(role string, parts []interface{}) map[string]interface{} {
	return map[string]interface{}{"role": role, "parts": parts}
}

// textifyContent flattens a string-or-blocks content value to plain text.
func textifyContent(content gjson.Result) string {
	if content.IsArray() {
		var sb strings.Builder
		for _, block := range content.Array() {
			if block.Get("type").String() == "text" {
				sb.WriteString(block.Get("text").String())
			} else if block.Get("text").Exists() {
				sb.WriteString(block.Get("text").String())
			}
		}
		return sb.String()
	}
	return content.String()
}
