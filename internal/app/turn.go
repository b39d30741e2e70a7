package app

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"docchat/internal/settings"
	"docchat/internal/util"
	"docchat/pkg/ai"
	"docchat/pkg/domain"
	"docchat/pkg/search"
)

const (
	maxFollowUps   = 3
	snippetRunes   = 240
	rewriteHistory = 6
)

const welcomeMessage = "Hi! I can answer questions about the documents you upload to this conversation. " +
	"Upload a file, then ask me anything about it."

// WelcomeFollowUps are offered with the welcome message of an empty thread.
var WelcomeFollowUps = []string{
	"What kinds of documents can I upload?",
	"Summarize the documents in this conversation.",
}

const rewritePrompt = "Rewrite the user's latest question as a standalone search query using the conversation so far. " +
	"Reply with the query only, without quotes or explanations."

const followUpPrompt = "Based on the conversation, suggest exactly three short follow-up questions the user might ask next. " +
	"Write one question per line without numbering."

var followUpNumbering = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)

// PostMessage runs one retrieval-augmented chat turn and returns the persisted
// assistant message.
func (a *App) PostMessage(ctx context.Context, userID, threadID, message string) (domain.ThreadMessage, error) {
	return a.turn(ctx, userID, threadID, message, nil)
}

// StreamMessage is PostMessage with the completion streamed through onDelta.
// The returned message is the persisted assistant reply with usage and follow-ups.
func (a *App) StreamMessage(ctx context.Context, userID, threadID, message string, onDelta ai.DeltaFunc) (domain.ThreadMessage, error) {
	if onDelta == nil {
		onDelta = func(string) error { return nil }
	}
	return a.turn(ctx, userID, threadID, message, onDelta)
}

func (a *App) turn(ctx context.Context, userID, threadID, message string, onDelta ai.DeltaFunc) (domain.ThreadMessage, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return domain.ThreadMessage{}, ErrEmptyMessage
	}
	thread, err := a.thread(ctx, userID, threadID)
	if err != nil {
		return domain.ThreadMessage{}, err
	}
	cfg := a.settings.Get()
	logger := util.LoggerFromContext(ctx).With("thread_id", thread.ID)

	history, err := a.store.ListMessages(ctx, userID, thread.ID)
	if err != nil {
		return domain.ThreadMessage{}, serviceErr(ServiceThreadRepository, "list messages", err)
	}
	last := time.Time{}
	if n := len(history); n > 0 {
		last = history[n-1].Created
	}
	if cfg.AllowInitialPromptToHelpUser && len(history) == 0 {
		welcome := domain.ThreadMessage{
			ID:       uuid.NewString(),
			ThreadID: thread.ID,
			UserID:   userID,
			Type:     domain.TypeMessage,
			Role:     domain.RoleAssistant,
			Content:  welcomeMessage,
			Context:  &domain.MessageContext{FollowUpQuestions: append([]string(nil), WelcomeFollowUps...)},
			Created:  a.after(last),
		}
		if err := a.store.AddMessage(ctx, welcome); err != nil {
			return domain.ThreadMessage{}, serviceErr(ServiceThreadRepository, "add welcome message", err)
		}
		history = append(history, welcome)
		last = welcome.Created
	}

	userMsg := domain.ThreadMessage{
		ID:       uuid.NewString(),
		ThreadID: thread.ID,
		UserID:   userID,
		Type:     domain.TypeMessage,
		Role:     domain.RoleUser,
		Content:  message,
		Created:  a.after(last),
	}
	if err := a.store.AddMessage(ctx, userMsg); err != nil {
		return domain.ThreadMessage{}, serviceErr(ServiceThreadRepository, "add user message", err)
	}

	chat := buildHistory(cfg.SystemPrompt, history, message)
	opts := completionOptions(cfg)
	var usage ai.Usage

	query := message
	if cfg.AllowInitialPromptRewrite {
		rewritten, u, err := a.rewriteQuery(ctx, history, message, cfg)
		if err != nil {
			return domain.ThreadMessage{}, serviceErr(ServiceAI, "rewrite query", err)
		}
		usage = addUsage(usage, u)
		if rewritten != "" {
			query = rewritten
		}
	}

	results, err := a.retrieve(ctx, userID, thread.ID, query, cfg)
	if err != nil {
		return domain.ThreadMessage{}, err
	}
	chat = augmentHistory(chat, results)

	started := time.Now()
	var completion ai.Completion
	if onDelta != nil {
		completion, err = a.completer.Stream(ctx, chat, opts, onDelta)
	} else {
		completion, err = a.completer.Complete(ctx, chat, opts)
	}
	if err != nil {
		return domain.ThreadMessage{}, serviceErr(ServiceAI, "chat completion", err)
	}
	usage = addUsage(usage, completion.Usage)
	duration := time.Since(started)

	msgCtx := &domain.MessageContext{
		Citations:  citations(results),
		DataPoints: dataPoints(results),
	}
	if query != message {
		msgCtx.RewrittenQuery = query
		msgCtx.Thoughts = fmt.Sprintf("Searched for: %s", query)
	}
	if cfg.AllowFollowUpPrompts {
		followUps, u, err := a.followUps(ctx, chat, completion.Content, cfg)
		if err != nil {
			logger.Warn("follow-up generation failed", "err", err)
		} else {
			msgCtx.FollowUpQuestions = followUps
			usage = addUsage(usage, u)
		}
	}
	msgCtx.Usage = &domain.Usage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		DurationMs:       duration.Milliseconds(),
	}

	reply := domain.ThreadMessage{
		ID:       uuid.NewString(),
		ThreadID: thread.ID,
		UserID:   userID,
		Type:     domain.TypeMessage,
		Role:     domain.RoleAssistant,
		Content:  completion.Content,
		Context:  msgCtx,
		Created:  a.after(userMsg.Created),
	}
	if err := a.store.AddMessage(ctx, reply); err != nil {
		return domain.ThreadMessage{}, serviceErr(ServiceThreadRepository, "add assistant message", err)
	}
	if err := a.store.TouchThread(ctx, thread.ID, reply.Created); err != nil {
		return domain.ThreadMessage{}, serviceErr(ServiceThreadRepository, "touch thread", err)
	}
	logger.Info("chat turn completed", "sources", len(results), "total_tokens", usage.TotalTokens, "duration_ms", duration.Milliseconds())
	return reply, nil
}

// buildHistory maps stored messages onto chat roles behind the system prompt
// and appends the current question.
func buildHistory(systemPrompt string, stored []domain.ThreadMessage, question string) []ai.ChatMessage {
	out := make([]ai.ChatMessage, 0, len(stored)+2)
	if strings.TrimSpace(systemPrompt) != "" {
		out = append(out, ai.ChatMessage{Role: string(domain.RoleSystem), Content: systemPrompt})
	}
	for _, msg := range stored {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		out = append(out, ai.ChatMessage{Role: string(domain.ParseRole(string(msg.Role))), Content: msg.Content})
	}
	return append(out, ai.ChatMessage{Role: string(domain.RoleUser), Content: question})
}

func (a *App) rewriteQuery(ctx context.Context, stored []domain.ThreadMessage, question string, cfg settings.Settings) (string, ai.Usage, error) {
	if len(stored) > rewriteHistory {
		stored = stored[len(stored)-rewriteHistory:]
	}
	msgs := buildHistory(rewritePrompt, stored, question)
	zero := 0.0
	out, err := a.completer.Complete(ctx, msgs, ai.CompletionOptions{Temperature: &zero, MaxTokens: 100, Seed: cfg.Seed})
	if err != nil {
		return "", ai.Usage{}, err
	}
	q := strings.Trim(strings.TrimSpace(out.Content), "\"'")
	return q, out.Usage, nil
}

func (a *App) retrieve(ctx context.Context, userID, threadID, query string, cfg settings.Settings) ([]search.Result, error) {
	q := search.Query{
		Text:     query,
		ThreadID: threadID,
		UserID:   userID,
		TopK:     cfg.TopK,
		Hybrid:   cfg.UseSemanticRanker,
	}
	if a.embedder != nil {
		vec, err := a.embedder.EmbedText(ctx, query, ai.TaskRetrievalQuery)
		if err != nil {
			return nil, serviceErr(ServiceAI, "embed query", err)
		}
		q.Vector = vec
	}
	results, err := a.search.Search(ctx, q)
	if err != nil {
		return nil, serviceErr(ServiceSearch, "search", err)
	}
	return results, nil
}

// augmentHistory appends the retrieved sources as a synthetic user message.
func augmentHistory(chat []ai.ChatMessage, results []search.Result) []ai.ChatMessage {
	if len(results) == 0 {
		return chat
	}
	var sb strings.Builder
	sb.WriteString("Sources:\n")
	for i, r := range results {
		fmt.Fprintf(&sb, "[%d] %s: %s\n\n", i+1, r.FileName, strings.TrimSpace(r.Content))
	}
	sb.WriteString("Answer the question above using only these sources and cite them by label.")
	return append(chat, ai.ChatMessage{Role: string(domain.RoleUser), Content: sb.String()})
}

func (a *App) followUps(ctx context.Context, chat []ai.ChatMessage, answer string, cfg settings.Settings) ([]string, ai.Usage, error) {
	msgs := make([]ai.ChatMessage, 0, len(chat)+2)
	msgs = append(msgs, chat...)
	msgs = append(msgs,
		ai.ChatMessage{Role: string(domain.RoleAssistant), Content: answer},
		ai.ChatMessage{Role: string(domain.RoleUser), Content: followUpPrompt},
	)
	out, err := a.completer.Complete(ctx, msgs, ai.CompletionOptions{Temperature: &cfg.Temperature, MaxTokens: 150, Seed: cfg.Seed})
	if err != nil {
		return nil, ai.Usage{}, err
	}
	return parseFollowUps(out.Content), out.Usage, nil
}

// parseFollowUps keeps up to three non-empty lines, stripping list markers
// and <<...>> wrappers.
func parseFollowUps(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = followUpNumbering.ReplaceAllString(line, "")
		line = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(line), "<<"), ">>"))
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == maxFollowUps {
			break
		}
	}
	return out
}

func citations(results []search.Result) []domain.Citation {
	out := make([]domain.Citation, 0, len(results))
	for i, r := range results {
		out = append(out, domain.Citation{
			Label:      fmt.Sprintf("[%d]", i+1),
			DocumentID: r.DocumentID,
			FileName:   r.FileName,
			ChunkID:    r.ChunkID,
			Snippet:    snippet(r.Content),
		})
	}
	return out
}

func dataPoints(results []search.Result) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.FileName+": "+snippet(r.Content))
	}
	return out
}

func snippet(content string) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) > snippetRunes {
		return string(runes[:snippetRunes]) + "…"
	}
	return content
}

func completionOptions(cfg settings.Settings) ai.CompletionOptions {
	temp := cfg.Temperature
	return ai.CompletionOptions{Temperature: &temp, MaxTokens: cfg.MaxTokens, Seed: cfg.Seed}
}

func addUsage(a, b ai.Usage) ai.Usage {
	return ai.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}
