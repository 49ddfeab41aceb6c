package translator

import (
	"strings"
	"testing"
)

func msgAt(t *testing.T, contents []interface{}, i int) map[string]interface{} {
	t.Helper()
	if i >= len(contents) {
		t.Fatalf("contents has %d messages, want index %d", len(contents), i)
	}
	m, ok := contents[i].(map[string]interface{})
	if !ok {
		t.Fatalf("message %d is not a map", i)
	}
	return m
}

func partsOf(t *testing.T, m map[string]interface{}) []interface{} {
	t.Helper()
	parts, ok := m["parts"].([]interface{})
	if !ok {
		t.Fatalf("message has no parts: %+v", m)
	}
	return parts
}

func textOf(t *testing.T, part interface{}) string {
	t.Helper()
	pm, ok := part.(map[string]interface{})
	if !ok {
		t.Fatalf("part is not a map: %+v", part)
	}
	text, _ := pm["text"].(string)
	return text
}

func TestRoleMapping(t *testing.T) {
	raw := []byte(`{"messages":[
		{"role":"system","content":"be brief"},
		{"role":"user","content":"hello"},
		{"role":"assistant","content":"hi there"}
	]}`)
	contents := TranslateOpenAI(raw)
	if len(contents) != 3 {
		t.Fatalf("got %d messages, want 3", len(contents))
	}
	if msgAt(t, contents, 0)["role"] != "user" {
		t.Fatal("system message should map to user role")
	}
	if msgAt(t, contents, 1)["role"] != "user" {
		t.Fatal("user message should keep user role")
	}
	if msgAt(t, contents, 2)["role"] != "model" {
		t.Fatal("assistant message should map to model role")
	}
}

func TestTextConcatenationPreserved(t *testing.T) {
	raw := []byte(`{"messages":[
		{"role":"user","content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]},
		{"role":"assistant","content":"reply"}
	]}`)
	contents := TranslateOpenAI(raw)

	var got strings.Builder
	for _, m := range contents {
		for _, p := range partsOf(t, m.(map[string]interface{})) {
			got.WriteString(textOf(t, p))
		}
	}
	if got.String() != "part one part tworeply" {
		t.Fatalf("text not preserved: %q", got.String())
	}
	// Consecutive text parts merge into one.
	if n := len(partsOf(t, msgAt(t, contents, 0))); n != 1 {
		t.Fatalf("expected merged text part, got %d parts", n)
	}
}

func TestImageDataURL(t *testing.T) {
	raw := []byte(`{"messages":[
		{"role":"user","content":[
			{"type":"text","text":"describe"},
			{"type":"image_url","image_url":{"url":"data:image/jpeg;base64,AAAA"}}
		]}
	]}`)
	contents := TranslateOpenAI(raw)
	parts := partsOf(t, msgAt(t, contents, 0))
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	inline, ok := parts[1].(map[string]interface{})["inlineData"].(map[string]interface{})
	if !ok {
		t.Fatalf("second part is not inlineData: %+v", parts[1])
	}
	if inline["mimeType"] != "image/jpeg" || inline["data"] != "AAAA" {
		t.Fatalf("inlineData wrong: %+v", inline)
	}
}

func TestNonDataURLImageDropped(t *testing.T) {
	raw := []byte(`{"messages":[
		{"role":"user","content":[{"type":"image_url","image_url":{"url":"https://example.com/x.png"}}]}
	]}`)
	if contents := TranslateOpenAI(raw); len(contents) != 0 {
		t.Fatalf("remote image URL should produce no parts, got %+v", contents)
	}
}

func TestThoughtSignatureLift(t *testing.T) {
	raw := []byte(`{"messages":[
		{"role":"assistant","content":"reasoning…<!-- thought_signature: ABC -->"}
	]}`)
	contents := TranslateOpenAI(raw)
	part := partsOf(t, msgAt(t, contents, 0))[0].(map[string]interface{})
	if part["text"] != "reasoning…" {
		t.Fatalf("sentinel not stripped: %q", part["text"])
	}
	if part["thoughtSignature"] != "ABC" {
		t.Fatalf("signature not lifted: %+v", part)
	}
}

func TestToolCallsDoubleStringifyQuirk(t *testing.T) {
	raw := []byte(`{"messages":[
		{"role":"assistant","tool_calls":[
			{"id":"t1","type":"function","function":{"name":"lookup","arguments":"{\"q\":\"x\"}"}}
		]}
	]}`)
	contents := TranslateOpenAI(raw)
	part := partsOf(t, msgAt(t, contents, 0))[0].(map[string]interface{})
	fc := part["functionCall"].(map[string]interface{})
	if fc["id"] != "t1" || fc["name"] != "lookup" {
		t.Fatalf("call identity wrong: %+v", fc)
	}
	args := fc["args"].(map[string]interface{})
	// The arguments JSON string lands as-is under args.query.
	if args["query"] != `{"q":"x"}` {
		t.Fatalf("args.query = %v", args["query"])
	}
}

func TestToolCallsMergeIntoPreviousModelTurn(t *testing.T) {
	raw := []byte(`{"messages":[
		{"role":"assistant","content":"let me check"},
		{"role":"assistant","tool_calls":[
			{"id":"t1","type":"function","function":{"name":"lookup","arguments":"{}"}}
		]}
	]}`)
	contents := TranslateOpenAI(raw)
	if len(contents) != 1 {
		t.Fatalf("tool-call-only turn should merge, got %d messages", len(contents))
	}
	parts := partsOf(t, msgAt(t, contents, 0))
	if len(parts) != 2 {
		t.Fatalf("merged turn should have 2 parts, got %d", len(parts))
	}
	if _, ok := parts[1].(map[string]interface{})["functionCall"]; !ok {
		t.Fatal("second part is not the appended functionCall")
	}
}

func TestToolCallsWithContentDoNotMerge(t *testing.T) {
	raw := []byte(`{"messages":[
		{"role":"assistant","content":"first"},
		{"role":"assistant","content":"second","tool_calls":[
			{"id":"t1","type":"function","function":{"name":"lookup","arguments":"{}"}}
		]}
	]}`)
	contents := TranslateOpenAI(raw)
	if len(contents) != 2 {
		t.Fatalf("turn with content must stay separate, got %d messages", len(contents))
	}
}

func TestToolResponseResolution(t *testing.T) {
	raw := []byte(`{"messages":[
		{"role":"assistant","tool_calls":[
			{"id":"t1","type":"function","function":{"name":"lookup","arguments":"{}"}},
			{"id":"t2","type":"function","function":{"name":"fetch","arguments":"{}"}}
		]},
		{"role":"tool","tool_call_id":"t1","content":"result one"},
		{"role":"tool","tool_call_id":"t2","content":"result two"}
	]}`)
	contents := TranslateOpenAI(raw)
	if len(contents) != 2 {
		t.Fatalf("got %d messages, want 2 (model + merged user)", len(contents))
	}

	user := msgAt(t, contents, 1)
	if user["role"] != "user" {
		t.Fatal("tool responses must land under a user turn")
	}
	parts := partsOf(t, user)
	if len(parts) != 2 {
		t.Fatalf("consecutive tool responses should join one turn, got %d parts", len(parts))
	}
	first := parts[0].(map[string]interface{})["functionResponse"].(map[string]interface{})
	if first["name"] != "lookup" {
		t.Fatalf("name not resolved from call id: %+v", first)
	}
	resp := first["response"].(map[string]interface{})
	if resp["output"] != "result one" {
		t.Fatalf("output wrong: %+v", resp)
	}
	second := parts[1].(map[string]interface{})["functionResponse"].(map[string]interface{})
	if second["name"] != "fetch" {
		t.Fatalf("second name not resolved: %+v", second)
	}
}
