package common

import (
	"geminigate-go/internal/tokencount"
)

// Usage carries the token accounting for one completed request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	Fallback         bool
}

func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// ComputeUsage counts prompt tokens from the raw request (messages plus
// serialized tool schemas) and completion tokens from the generated text.
func ComputeUsage(est *tokencount.Estimator, model string, rawRequest []byte, output string) Usage {
	prompt, pf := est.CountRequest(model, rawRequest)
	completion := 0
	cf := false
	if output != "" {
		completion, cf = est.Count(model, output)
	}
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		Fallback:         pf || cf,
	}
}
