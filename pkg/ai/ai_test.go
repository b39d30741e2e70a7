package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		header, msg string
		want        time.Duration
	}{
		{"17", "", 17 * time.Second},
		{"", "Rate limit exceeded. Please retry after 42 seconds.", 42 * time.Second},
		{"", "Retry After 1 second", time.Second},
		{now.Add(30 * time.Second).Format(http.TimeFormat), "", 30 * time.Second},
		{"", "slow down", 0},
	}
	for _, tc := range cases {
		if got := parseRetryAfter(tc.header, tc.msg, now); got != tc.want {
			t.Errorf("parseRetryAfter(%q, %q) = %v, want %v", tc.header, tc.msg, got, tc.want)
		}
	}
}

func TestOpenAICompatCompleteSendsOptions(t *testing.T) {
	var got oaiChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" Hi! "}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	}))
	defer srv.Close()

	c := NewOpenAICompatClient(srv.URL+"/v1/", "secret", "gpt-test")
	temp := 0.2
	seed := 9
	out, err := c.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "hello"}}, CompletionOptions{Temperature: &temp, MaxTokens: 64, Seed: &seed})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Content != "Hi!" || out.Usage.TotalTokens != 5 {
		t.Fatalf("unexpected completion: %+v", out)
	}
	if got.Model != "gpt-test" || got.MaxTokens != 64 || got.Temperature == nil || *got.Temperature != 0.2 || got.Seed == nil || *got.Seed != 9 {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestOpenAICompatRateLimitIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Requests to the deployment have exceeded the rate limit. Please retry after 12 seconds."}}`))
	}))
	defer srv.Close()

	c := NewOpenAICompatClient(srv.URL, "", "m")
	_, err := c.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "x"}}, CompletionOptions{})
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rl.RetryAfter != 12*time.Second {
		t.Fatalf("expected 12s retry-after, got %v", rl.RetryAfter)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected exactly one provider call, got %d", n)
	}
}

func TestOpenAICompatRateLimitPlainTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("Too many requests, retry after 7 seconds"))
	}))
	defer srv.Close()

	c := NewOpenAICompatClient(srv.URL, "", "m")
	_, err := c.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "x"}}, CompletionOptions{})
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rl.RetryAfter != 7*time.Second || !strings.Contains(rl.Message, "retry after 7 seconds") {
		t.Fatalf("unexpected rate limit error %+v", rl)
	}
}

func TestOpenAICompatPlainTextErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream model unloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewOpenAICompatClient(srv.URL, "", "m")
	_, err := c.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "x"}}, CompletionOptions{})
	if err == nil || !strings.Contains(err.Error(), "upstream model unloaded") {
		t.Fatalf("expected body text in error, got %v", err)
	}
}

func TestOpenAICompatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req oaiChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Errorf("expected streaming request, got %+v", req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", piece)
		}
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":2,\"total_tokens\":6}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenAICompatClient(srv.URL, "", "m")
	var deltas []string
	out, err := c.Stream(context.Background(), []ChatMessage{{Role: "user", Content: "x"}}, CompletionOptions{}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(deltas, "|") != "Hel|lo" || out.Content != "Hello" || out.Usage.TotalTokens != 6 {
		t.Fatalf("unexpected stream result: deltas=%v out=%+v", deltas, out)
	}
}

func TestOpenAICompatEmbedTextsOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[2,2]},{"index":0,"embedding":[1,1]}]}`))
	}))
	defer srv.Close()

	e := NewOpenAICompatEmbedder(NewOpenAICompatClient(srv.URL, "", ""), "embed", 2)
	vecs, err := e.EmbedTexts(context.Background(), []string{"a", "b"}, TaskRetrievalDocument)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][0] != 2 {
		t.Fatalf("unexpected ordering: %v", vecs)
	}
}

func TestOllamaChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Go "},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"rocks"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":7,"eval_count":3}`)
	}))
	defer srv.Close()

	chat := NewOllamaChat(NewOllamaClient(srv.URL), "llama3")
	var n int
	out, err := chat.Stream(context.Background(), []ChatMessage{{Role: "user", Content: "?"}}, CompletionOptions{MaxTokens: 10}, func(string) error {
		n++
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if out.Content != "Go rocks" || n != 2 || out.Usage.TotalTokens != 10 {
		t.Fatalf("unexpected result: %+v deltas=%d", out, n)
	}
}

func TestOllamaRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"busy"}`))
	}))
	defer srv.Close()

	_, err := NewOllamaChat(NewOllamaClient(srv.URL), "m").Complete(context.Background(), nil, CompletionOptions{})
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter != 5*time.Second {
		t.Fatalf("expected wrapped RateLimitError with 5s, got %v", err)
	}
}

func TestGeminiCompleteMapsRoles(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-test:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}],"usageMetadata":{"totalTokenCount":4}}`))
	}))
	defer srv.Close()

	client, err := NewGeminiClient("key", srv.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	out, err := NewGeminiChat(client, "models/gemini-test").Complete(context.Background(), []ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "again"},
	}, CompletionOptions{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Content != "ok" || out.Usage.TotalTokens != 4 {
		t.Fatalf("unexpected completion: %+v", out)
	}
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("expected system instruction, got %+v", got.SystemInstruction)
	}
	if len(got.Contents) != 3 || got.Contents[1].Role != "model" {
		t.Fatalf("unexpected contents: %+v", got.Contents)
	}
}
