package translator

import (
	"strings"

	"geminigate-go/internal/config"

	"github.com/tidwall/gjson"
)

// stopSentinels are the fixed internal stop sequences sent upstream.
var stopSentinels = []string{"<|file_separator|>", "<|fim_prefix|>", "<|fim_suffix|>"}

// thinkingModels always run with thinking enabled even without the
// -thinking suffix.
var thinkingModels = map[string]struct{}{
	"gemini-2.5-pro":                {},
	"gemini-2.5-flash":              {},
	"claude-sonnet-4-5":             {},
	"claude-opus-4-1":               {},
	"gemini-2.0-flash-thinking-exp": {},
}

// wireSuffixExceptions keep their -thinking suffix on the wire.
var wireSuffixExceptions = map[string]struct{}{
	"gemini-2.0-flash-thinking-exp": {},
}

// IsThinkingModel reports whether the requested model runs in thinking mode.
func IsThinkingModel(model string) bool {
	if strings.HasSuffix(model, "-thinking") {
		return true
	}
	_, ok := thinkingModels[model]
	return ok
}

// isClaudeFamily reports whether the model maps onto the Claude family,
// which rejects topP alongside thinking.
func isClaudeFamily(model string) bool {
	return strings.HasPrefix(model, "claude-")
}

// WireModel returns the model name sent upstream: the -thinking suffix is
// stripped except for the whitelisted exception.
func WireModel(model string) string {
	if _, keep := wireSuffixExceptions[model]; keep {
		return model
	}
	return strings.TrimSuffix(model, "-thinking")
}

// BuildGenerationConfig derives the upstream generationConfig from the raw
// request, falling back to configured defaults.
func BuildGenerationConfig(rawJSON []byte, defaults config.DefaultsConfig, model string) map[string]interface{} {
	cfg := map[string]interface{}{
		"candidateCount": 1,
		"stopSequences":  stopSentinels,
	}

	cfg["temperature"] = floatOr(gjson.GetBytes(rawJSON, "temperature"), defaults.Temperature)
	cfg["topP"] = floatOr(gjson.GetBytes(rawJSON, "top_p"), defaults.TopP)
	cfg["topK"] = intOr(gjson.GetBytes(rawJSON, "top_k"), defaults.TopK)

	maxTokens := intOr(gjson.GetBytes(rawJSON, "max_tokens"), defaults.MaxTokens)
	cfg["maxOutputTokens"] = maxTokens

	if IsThinkingModel(model) {
		cfg["thinkingConfig"] = map[string]interface{}{
			"includeThoughts": true,
			"thinkingBudget":  1024,
		}
		if isClaudeFamily(model) {
			delete(cfg, "topP")
		}
	}
	return cfg
}

func floatOr(v gjson.Result, fallback float64) float64 {
	if v.Exists() {
		return v.Float()
	}
	return fallback
}

func intOr(v gjson.Result, fallback int) int {
	if v.Exists() {
		return int(v.Int())
	}
	return fallback
}
