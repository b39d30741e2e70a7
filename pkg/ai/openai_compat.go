package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const providerOpenAICompat = "openai-compat"

// OpenAICompatClient calls any OpenAI-compatible /v1 endpoint.
// Works with vLLM, LiteLLM, LocalAI, Azure OpenAI proxies, OpenRouter, self-hosted models, etc.
type OpenAICompatClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatClient builds an OpenAI-compatible ChatCompleter.
// baseURL should include the /v1 prefix, e.g. "http://localhost:8000/v1".
// apiKey can be empty for local models that do not require authentication.
func NewOpenAICompatClient(baseURL, apiKey, model string) *OpenAICompatClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &OpenAICompatClient{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Complete implements ChatCompleter using the chat completions API.
func (c *OpenAICompatClient) Complete(ctx context.Context, messages []ChatMessage, opts CompletionOptions) (Completion, error) {
	resp, err := c.post(ctx, "/chat/completions", c.chatRequest(messages, opts, false))
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return Completion{}, fmt.Errorf("openai-compat decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return Completion{}, fmt.Errorf("empty response from openai-compat api")
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return Completion{}, fmt.Errorf("empty response from openai-compat api")
	}
	return Completion{Content: text, Usage: chatResp.Usage.toUsage()}, nil
}

// Stream implements ChatCompleter over server-sent events.
func (c *OpenAICompatClient) Stream(ctx context.Context, messages []ChatMessage, opts CompletionOptions, onDelta DeltaFunc) (Completion, error) {
	resp, err := c.post(ctx, "/chat/completions", c.chatRequest(messages, opts, true))
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()

	var (
		sb    strings.Builder
		usage Usage
	)
	err = readSSE(resp.Body, func(data string) error {
		if data == "[DONE]" {
			return errStreamDone
		}
		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("openai-compat stream decode: %w", err)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage.toUsage()
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			sb.WriteString(choice.Delta.Content)
			if onDelta != nil {
				if err := onDelta(choice.Delta.Content); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStreamDone) {
		return Completion{}, err
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return Completion{}, fmt.Errorf("empty response from openai-compat api")
	}
	return Completion{Content: text, Usage: usage}, nil
}

// EmbedTexts calls /embeddings for a batch of inputs.
func (c *OpenAICompatClient) EmbedTexts(ctx context.Context, model string, texts []string, dimensions int) ([][]float32, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("openai-compat embedding model required")
	}
	reqBody := oaiEmbedRequest{Model: model, Input: texts}
	if dimensions > 0 {
		reqBody.Dimensions = dimensions
	}
	resp, err := c.post(ctx, "/embeddings", reqBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var embedResp oaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("openai-compat decode: %w", err)
	}
	if len(embedResp.Data) != len(texts) {
		return nil, fmt.Errorf("openai-compat embeddings: got %d vectors for %d inputs", len(embedResp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, d := range embedResp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) {
			idx = i
		}
		out[idx] = d.Embedding
	}
	return out, nil
}

func (c *OpenAICompatClient) chatRequest(messages []ChatMessage, opts CompletionOptions, stream bool) oaiChatRequest {
	req := oaiChatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: opts.Temperature,
		Seed:        opts.Seed,
		Stream:      stream,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if stream {
		req.StreamOptions = &oaiStreamOptions{IncludeUsage: true}
	}
	return req
}

// post sends a JSON request and maps error statuses. The caller closes the body.
func (c *OpenAICompatClient) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	if c.model == "" && path == "/chat/completions" {
		return nil, fmt.Errorf("openai-compat generation model required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai-compat request: %w", err)
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errResp oaiErrorResponse
	msg := ""
	if err := json.Unmarshal(raw, &errResp); err == nil {
		msg = errResp.Error.Message
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, newRateLimitError(providerOpenAICompat, resp, msg)
	}
	if msg != "" {
		return nil, fmt.Errorf("openai-compat api error: %s", msg)
	}
	return nil, fmt.Errorf("openai-compat api error: %s", resp.Status)
}

var errStreamDone = errors.New("stream done")

// readSSE calls onData for every complete data event of an event stream.
func readSSE(r io.Reader, onData func(data string) error) error {
	br := bufio.NewReader(r)
	var dataLines []string
	flush := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		data := strings.Join(dataLines, "\n")
		dataLines = nil
		return onData(data)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		eof := errors.Is(err, io.EOF)
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if ferr := flush(); ferr != nil {
				return ferr
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		if eof {
			return flush()
		}
	}
}

// OpenAI-compatible request/response types.

type oaiChatRequest struct {
	Model         string            `json:"model"`
	Messages      []ChatMessage     `json:"messages"`
	Temperature   *float64          `json:"temperature,omitempty"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	Seed          *int              `json:"seed,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	StreamOptions *oaiStreamOptions `json:"stream_options,omitempty"`
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u oaiUsage) toUsage() Usage {
	return Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

type oaiChatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Usage oaiUsage `json:"usage"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *oaiUsage `json:"usage"`
}

type oaiEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type oaiEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
