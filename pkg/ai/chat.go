package ai

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ChatMessage is one entry of a chat completion history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionOptions tunes a completion call. Zero values use provider defaults.
type CompletionOptions struct {
	Temperature *float64
	MaxTokens   int
	Seed        *int
}

// Usage reports token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Completion is the assistant reply of a chat completion.
type Completion struct {
	Content string
	Usage   Usage
}

// DeltaFunc receives streamed content fragments. Returning an error aborts the stream.
type DeltaFunc func(delta string) error

// ChatCompleter produces assistant replies from a chat history.
// All LLM providers (OpenAI-compatible, Ollama, Gemini) implement this interface.
type ChatCompleter interface {
	Complete(ctx context.Context, messages []ChatMessage, opts CompletionOptions) (Completion, error)
	Stream(ctx context.Context, messages []ChatMessage, opts CompletionOptions, onDelta DeltaFunc) (Completion, error)
}

// RateLimitError reports an HTTP 429 from a provider. Callers surface it rather than retry.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %d seconds", e.Provider, int(e.RetryAfter.Seconds()))
	}
	return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Message)
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry after (\d+) seconds?`)

// parseRetryAfter reads a Retry-After header (seconds or HTTP date), falling back
// to a "retry after N seconds" hint in the error message.
func parseRetryAfter(header, message string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header != "" {
		if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(header); err == nil {
			if d := at.Sub(now); d > 0 {
				return d.Round(time.Second)
			}
			return 0
		}
	}
	if m := retryAfterPattern.FindStringSubmatch(message); len(m) == 2 {
		if secs, err := strconv.Atoi(m[1]); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func newRateLimitError(provider string, resp *http.Response, message string) *RateLimitError {
	return &RateLimitError{
		Provider:   provider,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), message, time.Now()),
		Message:    message,
	}
}
