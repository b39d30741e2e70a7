package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// OllamaChat wraps OllamaClient with a fixed model for chat completion
// using the Ollama /api/chat endpoint.
type OllamaChat struct {
	client *OllamaClient
	model  string
}

// NewOllamaChat builds an Ollama-based ChatCompleter.
func NewOllamaChat(client *OllamaClient, model string) *OllamaChat {
	return &OllamaChat{client: client, model: strings.TrimSpace(model)}
}

// Complete implements ChatCompleter using Ollama /api/chat.
func (g *OllamaChat) Complete(ctx context.Context, messages []ChatMessage, opts CompletionOptions) (Completion, error) {
	if g.model == "" {
		return Completion{}, fmt.Errorf("ollama generation model required")
	}
	var resp ollamaChatResponse
	if _, err := g.client.doJSON(ctx, "/api/chat", g.request(messages, opts, false), &resp); err != nil {
		return Completion{}, fmt.Errorf("ollama generate: %w", err)
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return Completion{}, fmt.Errorf("empty response from ollama")
	}
	return Completion{Content: text, Usage: resp.usage()}, nil
}

// Stream implements ChatCompleter over Ollama's newline-delimited JSON stream.
func (g *OllamaChat) Stream(ctx context.Context, messages []ChatMessage, opts CompletionOptions, onDelta DeltaFunc) (Completion, error) {
	if g.model == "" {
		return Completion{}, fmt.Errorf("ollama generation model required")
	}
	resp, err := g.client.post(ctx, "/api/chat", g.request(messages, opts, true))
	if err != nil {
		return Completion{}, fmt.Errorf("ollama generate: %w", err)
	}
	defer resp.Body.Close()

	var (
		sb    strings.Builder
		usage Usage
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return Completion{}, fmt.Errorf("ollama stream decode: %w", err)
		}
		if chunk.Error != "" {
			return Completion{}, fmt.Errorf("ollama api error: %s", chunk.Error)
		}
		if delta := chunk.Message.Content; delta != "" {
			sb.WriteString(delta)
			if onDelta != nil {
				if err := onDelta(delta); err != nil {
					return Completion{}, err
				}
			}
		}
		if chunk.Done {
			usage = chunk.usage()
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Completion{}, fmt.Errorf("ollama stream: %w", err)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return Completion{}, fmt.Errorf("empty response from ollama")
	}
	return Completion{Content: text, Usage: usage}, nil
}

func (g *OllamaChat) request(messages []ChatMessage, opts CompletionOptions, stream bool) ollamaChatRequest {
	req := ollamaChatRequest{Model: g.model, Messages: messages, Stream: stream}
	o := &ollamaOptions{Temperature: opts.Temperature, Seed: opts.Seed}
	if opts.MaxTokens > 0 {
		o.NumPredict = opts.MaxTokens
	}
	if o.Temperature != nil || o.Seed != nil || o.NumPredict > 0 {
		req.Options = o
	}
	return req
}

// Ollama /api/chat request/response types.

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	Seed        *int     `json:"seed,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []ChatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         ChatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error"`
}

func (r ollamaChatResponse) usage() Usage {
	return Usage{
		PromptTokens:     r.PromptEvalCount,
		CompletionTokens: r.EvalCount,
		TotalTokens:      r.PromptEvalCount + r.EvalCount,
	}
}
