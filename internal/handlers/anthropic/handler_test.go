package anthropic

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"geminigate-go/internal/apikey"
	"geminigate-go/internal/config"
	"geminigate-go/internal/credential"
	"geminigate-go/internal/identity"
	"geminigate-go/internal/oauth"
	"geminigate-go/internal/store"
	"geminigate-go/internal/tokencount"
	"geminigate-go/internal/upstream"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

const adminKey = "sk-admin-test"

func newTestRouter(t *testing.T, upstreamURL string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	files, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	creds := []*credential.Credential{{
		AccessToken:  "at-a",
		RefreshToken: "rt-a",
		ExpiresIn:    3600,
		IssuedAt:     time.Now().UnixMilli(),
		Enabled:      true,
	}}
	if err := files.Save(store.AccountsFile, creds); err != nil {
		t.Fatalf("seed accounts: %v", err)
	}

	cfg := config.Default()
	cfg.Security.APIKey = adminKey
	cfg.API.URL = upstreamURL
	cfg.API.Host = ""

	pool := credential.NewPool(files, oauth.NewClient("id", "secret", "http://unused.invalid"))
	if err := pool.Load(); err != nil {
		t.Fatalf("pool load: %v", err)
	}
	keys := apikey.NewStore(files)
	if err := keys.Load(); err != nil {
		t.Fatalf("keys load: %v", err)
	}

	h := NewHandler(cfg, pool, keys, identity.NewCache(), upstream.NewClient(&cfg.API), tokencount.New())
	r := gin.New()
	r.POST("/anthropic/v1/messages", h.Messages)
	r.POST("/anthropic/v1/messages/count_tokens", h.CountTokens)
	return r
}

func fakeUpstream(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n"))
		}
	}))
}

func doMessages(r *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/anthropic/v1/messages", strings.NewReader(body))
	req.Header.Set("x-api-key", adminKey)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

type sseFrame struct {
	event string
	data  string
}

func sseFrames(body string) []sseFrame {
	var out []sseFrame
	var current string
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			out = append(out, sseFrame{event: current, data: strings.TrimPrefix(line, "data: ")})
		}
	}
	return out
}

func TestStreamingEventSequence(t *testing.T) {
	up := fakeUpstream(t,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"hello "}]}}]}}`,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"there"}]}}]}}`,
		`data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"id":"t1","name":"lookup","args":{"q":"x"}}}]},"finishReason":"STOP"}]}}`,
	)
	defer up.Close()
	r := newTestRouter(t, up.URL)

	rec := doMessages(r, `{"model":"claude-sonnet-4-5","stream":true,"max_tokens":1024,"messages":[{"role":"user","content":"please call the tool"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	frames := sseFrames(rec.Body.String())
	wantEvents := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	if len(frames) != len(wantEvents) {
		t.Fatalf("got %d frames, want %d:\n%s", len(frames), len(wantEvents), rec.Body.String())
	}
	for i, want := range wantEvents {
		if frames[i].event != want {
			t.Fatalf("frame %d = %s, want %s:\n%s", i, frames[i].event, want, rec.Body.String())
		}
	}

	start := gjson.Parse(frames[0].data)
	if !strings.HasPrefix(start.Get("message.id").String(), "msg_") {
		t.Fatalf("message id wrong: %s", frames[0].data)
	}
	if start.Get("message.usage.output_tokens").Int() != 0 {
		t.Fatalf("message_start output_tokens must be 0: %s", frames[0].data)
	}
	if start.Get("message.usage.input_tokens").Int() <= 0 {
		t.Fatalf("message_start input_tokens missing: %s", frames[0].data)
	}

	if gjson.Parse(frames[1].data).Get("index").Int() != 0 {
		t.Fatalf("text block index wrong: %s", frames[1].data)
	}
	d1 := gjson.Parse(frames[2].data)
	d2 := gjson.Parse(frames[3].data)
	if d1.Get("delta.text").String()+d2.Get("delta.text").String() != "hello there" {
		t.Fatalf("text deltas wrong: %s / %s", frames[2].data, frames[3].data)
	}

	toolStart := gjson.Parse(frames[5].data)
	if toolStart.Get("index").Int() != 1 {
		t.Fatalf("tool block index wrong: %s", frames[5].data)
	}
	block := toolStart.Get("content_block")
	if block.Get("type").String() != "tool_use" || block.Get("id").String() != "t1" || block.Get("name").String() != "lookup" {
		t.Fatalf("tool block wrong: %s", frames[5].data)
	}
	if block.Get("input.q").String() != "x" {
		t.Fatalf("tool input not parsed: %s", frames[5].data)
	}

	delta := gjson.Parse(frames[7].data)
	if delta.Get("delta.stop_reason").String() != "tool_use" {
		t.Fatalf("stop reason wrong: %s", frames[7].data)
	}
	if !delta.Get("usage.output_tokens").Exists() {
		t.Fatalf("message_delta usage missing: %s", frames[7].data)
	}
}

func TestStreamingStopSequence(t *testing.T) {
	up := fakeUpstream(t,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"value: END"}]},"finishReason":"STOP"}]}}`,
	)
	defer up.Close()
	r := newTestRouter(t, up.URL)

	rec := doMessages(r, `{"model":"claude-sonnet-4-5","stream":true,"stop_sequences":["END"],"messages":[{"role":"user","content":"stop when you see the marker"}]}`)
	frames := sseFrames(rec.Body.String())

	var delta gjson.Result
	for _, f := range frames {
		if f.event == "message_delta" {
			delta = gjson.Parse(f.data)
		}
	}
	if delta.Get("delta.stop_reason").String() != "stop_sequence" {
		t.Fatalf("stop reason wrong:\n%s", rec.Body.String())
	}
	if delta.Get("delta.stop_sequence").String() != "END" {
		t.Fatalf("stop sequence wrong:\n%s", rec.Body.String())
	}
}

func TestNonStreamingMessage(t *testing.T) {
	up := fakeUpstream(t,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"plain answer"}]}}]}}`,
		`data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"id":"t9","name":"fetch","args":{"url":"http://x"}}}]},"finishReason":"STOP"}]}}`,
	)
	defer up.Close()
	r := newTestRouter(t, up.URL)

	rec := doMessages(r, `{"model":"claude-sonnet-4-5","stream":false,"messages":[{"role":"user","content":"answer me"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := gjson.Parse(rec.Body.String())
	if body.Get("type").String() != "message" || body.Get("role").String() != "assistant" {
		t.Fatalf("shape wrong: %s", rec.Body.String())
	}
	content := body.Get("content").Array()
	if len(content) != 2 {
		t.Fatalf("got %d content blocks, want 2: %s", len(content), rec.Body.String())
	}
	if content[0].Get("type").String() != "text" || content[0].Get("text").String() != "plain answer" {
		t.Fatalf("text block wrong: %s", content[0].Raw)
	}
	if content[1].Get("type").String() != "tool_use" || content[1].Get("input.url").String() != "http://x" {
		t.Fatalf("tool block wrong: %s", content[1].Raw)
	}
	if body.Get("stop_reason").String() != "tool_use" {
		t.Fatalf("stop reason wrong: %s", rec.Body.String())
	}
	if body.Get("usage.input_tokens").Int() <= 0 || body.Get("usage.output_tokens").Int() <= 0 {
		t.Fatalf("usage wrong: %s", rec.Body.String())
	}
}

func TestBadToolUseInputRejectedBeforeStream(t *testing.T) {
	r := newTestRouter(t, "http://unused.invalid")
	rec := doMessages(r, `{"model":"claude-sonnet-4-5","messages":[{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"x","input":"not an object"}]},{"role":"user","content":"go"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := gjson.Parse(rec.Body.String())
	if body.Get("type").String() != "error" || body.Get("error.type").String() != "invalid_request_error" {
		t.Fatalf("error shape wrong: %s", rec.Body.String())
	}
}

func TestMalformedToolArgsTerminateStreamWithError(t *testing.T) {
	up := fakeUpstream(t,
		`data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"id":"t1","name":"x","args":"not-an-object"}}]},"finishReason":"STOP"}]}}`,
	)
	defer up.Close()
	r := newTestRouter(t, up.URL)

	rec := doMessages(r, `{"model":"claude-sonnet-4-5","stream":true,"messages":[{"role":"user","content":"break the tool call"}]}`)
	frames := sseFrames(rec.Body.String())
	last := frames[len(frames)-1]
	if last.event != "error" {
		t.Fatalf("stream not terminated by error frame:\n%s", rec.Body.String())
	}
	if gjson.Parse(last.data).Get("error.type").String() != "api_error" {
		t.Fatalf("error frame wrong: %s", last.data)
	}
	for _, f := range frames {
		if f.event == "message_stop" {
			t.Fatal("message_stop emitted after mid-stream error")
		}
	}
}

func TestTextAfterToolBlocksIsDropped(t *testing.T) {
	up := fakeUpstream(t,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"before"}]}}]}}`,
		`data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"id":"t1","name":"lookup","args":{}}}]},"finishReason":"STOP"}]}}`,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"late"}]}}]}}`,
	)
	defer up.Close()
	r := newTestRouter(t, up.URL)

	rec := doMessages(r, `{"model":"claude-sonnet-4-5","stream":true,"messages":[{"role":"user","content":"tool then trailing text"}]}`)
	frames := sseFrames(rec.Body.String())

	// Once block 0 is stopped for the tool blocks, no delta may reference it
	// again.
	block0Stopped := false
	for _, f := range frames {
		parsed := gjson.Parse(f.data)
		if f.event == "content_block_stop" && parsed.Get("index").Int() == 0 {
			block0Stopped = true
			continue
		}
		if block0Stopped && f.event == "content_block_delta" {
			t.Fatalf("delta written to closed block:\n%s", rec.Body.String())
		}
	}
	if !block0Stopped {
		t.Fatalf("text block never closed:\n%s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "late") {
		t.Fatalf("trailing text leaked into the stream:\n%s", rec.Body.String())
	}
	last := frames[len(frames)-1]
	if last.event != "message_stop" {
		t.Fatalf("stream terminator wrong: %s", last.event)
	}
}

func TestMissingModelRejected(t *testing.T) {
	r := newTestRouter(t, "http://unused.invalid")
	rec := doMessages(r, `{"messages":[{"role":"user","content":"hello over there"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCountTokensShape(t *testing.T) {
	r := newTestRouter(t, "http://unused.invalid")
	req := httptest.NewRequest(http.MethodPost, "/anthropic/v1/messages/count_tokens",
		strings.NewReader(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"count these words please"}]}`))
	req.Header.Set("x-api-key", adminKey)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := gjson.Parse(rec.Body.String())
	if body.Get("input_tokens").Int() <= 0 {
		t.Fatalf("input_tokens missing: %s", rec.Body.String())
	}
	if body.Get("model").String() != "claude-sonnet-4-5" {
		t.Fatalf("model wrong: %s", rec.Body.String())
	}
}
