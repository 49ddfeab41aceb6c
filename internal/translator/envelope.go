package translator

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Envelope carries everything needed to build one upstream request.
type Envelope struct {
	Project           string
	SessionID         string
	Model             string
	Contents          []interface{}
	SystemInstruction string
	AnthropicSystem   string
	Tools             []interface{}
	GenerationConfig  map[string]interface{}
	UserAgent         string
}

// Build assembles the upstream request payload. The request id is a fresh
// agent-prefixed UUID per call.
func (e *Envelope) Build() ([]byte, error) {
	systemText := e.SystemInstruction
	if e.AnthropicSystem != "" {
		systemText += "\n" + e.AnthropicSystem
	}

	request := map[string]interface{}{
		"contents": e.Contents,
		"systemInstruction": map[string]interface{}{
			"role": "user",
			"parts": []interface{}{
				map[string]interface{}{"text": systemText},
			},
		},
		"toolConfig": map[string]interface{}{
			"functionCallingConfig": map[string]interface{}{"mode": "VALIDATED"},
		},
		"generationConfig": e.GenerationConfig,
		"sessionId":        e.SessionID,
	}
	if len(e.Tools) > 0 {
		request["tools"] = e.Tools
	}

	payload := map[string]interface{}{
		"project":   e.Project,
		"requestId": "agent-" + uuid.NewString(),
		"request":   request,
		"model":     WireModel(e.Model),
		"userAgent": e.UserAgent,
	}
	return json.Marshal(payload)
}
