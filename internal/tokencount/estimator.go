package tokencount

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

// Estimator counts prompt tokens for count_tokens endpoints. The upstream
// backend has no counting endpoint, so counts are local approximations: a
// BPE codec when one is available, a byte heuristic otherwise.
type Estimator struct {
	mu     sync.Mutex
	codecs map[string]tokenizer.Codec
}

func New() *Estimator {
	return &Estimator{codecs: make(map[string]tokenizer.Codec)}
}

// Count returns the estimated token count for text and whether the byte
// heuristic was used instead of a real codec.
func (e *Estimator) Count(model, text string) (int, bool) {
	if text == "" {
		return 0, false
	}
	if codec := e.codecFor(model); codec != nil {
		if n, err := codec.Count(text); err == nil {
			return n, false
		}
	}
	return heuristicCount(text), true
}

// CountRequest extracts the countable text of a chat request body: message
// content plus serialized tool declarations.
func (e *Estimator) CountRequest(model string, rawJSON []byte) (int, bool) {
	var segments []string

	gjson.GetBytes(rawJSON, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		switch {
		case content.Type == gjson.String:
			segments = append(segments, content.String())
		case content.IsArray():
			content.ForEach(func(_, part gjson.Result) bool {
				if t := part.Get("text"); t.Exists() {
					segments = append(segments, t.String())
				}
				return true
			})
		}
		msg.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
			segments = append(segments, call.Get("function.name").String())
			segments = append(segments, call.Get("function.arguments").String())
			return true
		})
		return true
	})
	if system := gjson.GetBytes(rawJSON, "system"); system.Exists() {
		if system.Type == gjson.String {
			segments = append(segments, system.String())
		} else {
			segments = append(segments, system.Raw)
		}
	}
	if tools := gjson.GetBytes(rawJSON, "tools"); tools.Exists() {
		segments = append(segments, tools.Raw)
	}

	return e.Count(model, strings.Join(segments, "\n"))
}

func (e *Estimator) codecFor(model string) tokenizer.Codec {
	key := codecKey(model)
	e.mu.Lock()
	defer e.mu.Unlock()
	if codec, ok := e.codecs[key]; ok {
		return codec
	}
	var codec tokenizer.Codec
	var err error
	switch key {
	case "o200k":
		codec, err = tokenizer.Get(tokenizer.O200kBase)
	default:
		codec, err = tokenizer.Get(tokenizer.Cl100kBase)
	}
	if err != nil {
		codec = nil
	}
	e.codecs[key] = codec
	return codec
}

func codecKey(model string) string {
	m := strings.ToLower(model)
	if strings.HasPrefix(m, "gemini-2") || strings.HasPrefix(m, "claude-") {
		return "o200k"
	}
	return "cl100k"
}

// heuristicCount approximates tokens as one per four bytes of ASCII plus one
// per non-ASCII rune, which tracks real counts closely enough for limits.
func heuristicCount(text string) int {
	ascii := 0
	wide := 0
	for _, r := range text {
		if r < utf8.RuneSelf {
			ascii++
		} else {
			wide++
		}
	}
	n := ascii/4 + wide
	if n == 0 {
		n = 1
	}
	return n
}
