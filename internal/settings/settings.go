package settings

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrInvalid marks a settings value that fails validation.
var ErrInvalid = errors.New("invalid settings")

// PredefinedPrompt is a canned prompt offered to users in the chat UI.
type PredefinedPrompt struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Prompt string `json:"prompt" yaml:"prompt"`
}

// Settings holds the runtime-tunable chat behaviour.
type Settings struct {
	Temperature                  float64            `json:"temperature" yaml:"temperature"`
	Seed                         *int               `json:"seed,omitempty" yaml:"seed"`
	MaxTokens                    int                `json:"maxTokens" yaml:"maxTokens"`
	TopK                         int                `json:"topK" yaml:"topK"`
	AllowFollowUpPrompts         bool               `json:"allowFollowUpPrompts" yaml:"allowFollowUpPrompts"`
	AllowInitialPromptRewrite    bool               `json:"allowInitialPromptRewrite" yaml:"allowInitialPromptRewrite"`
	AllowInitialPromptToHelpUser bool               `json:"allowInitialPromptToHelpUser" yaml:"allowInitialPromptToHelpUser"`
	UseSemanticRanker            bool               `json:"useSemanticRanker" yaml:"useSemanticRanker"`
	SystemPrompt                 string             `json:"systemPrompt" yaml:"systemPrompt"`
	PredefinedPrompts            []PredefinedPrompt `json:"predefinedPrompts" yaml:"predefinedPrompts"`
}

// Patch carries a partial update; nil fields are left untouched.
type Patch struct {
	Temperature                  *float64            `json:"temperature,omitempty"`
	Seed                         *int                `json:"seed,omitempty"`
	ClearSeed                    bool                `json:"clearSeed,omitempty"`
	MaxTokens                    *int                `json:"maxTokens,omitempty"`
	TopK                         *int                `json:"topK,omitempty"`
	AllowFollowUpPrompts         *bool               `json:"allowFollowUpPrompts,omitempty"`
	AllowInitialPromptRewrite    *bool               `json:"allowInitialPromptRewrite,omitempty"`
	AllowInitialPromptToHelpUser *bool               `json:"allowInitialPromptToHelpUser,omitempty"`
	UseSemanticRanker            *bool               `json:"useSemanticRanker,omitempty"`
	SystemPrompt                 *string             `json:"systemPrompt,omitempty"`
	PredefinedPrompts            *[]PredefinedPrompt `json:"predefinedPrompts,omitempty"`
}

const DefaultSystemPrompt = "You are a helpful assistant that answers questions using the documents uploaded to this conversation. " +
	"Cite sources with their bracketed labels, for example [1]. If the documents do not contain the answer, say so."

// Defaults returns the built-in settings used when configuration omits them.
func Defaults() Settings {
	return Settings{
		Temperature:          0.7,
		MaxTokens:            800,
		TopK:                 5,
		AllowFollowUpPrompts: true,
		SystemPrompt:         DefaultSystemPrompt,
	}
}

// Store guards the process-wide settings.
type Store struct {
	mu  sync.RWMutex
	cur Settings
}

// New validates initial settings and wraps them in a Store.
func New(initial Settings) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &Store{cur: initial.clone()}, nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.clone()
}

// Patch applies p atomically. An invalid result leaves the settings unchanged.
func (s *Store) Patch(p Patch) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur.clone()
	p.apply(&next)
	if err := next.Validate(); err != nil {
		return s.cur.clone(), err
	}
	s.cur = next
	return next.clone(), nil
}

// Validate checks value ranges and predefined prompt ids.
func (s Settings) Validate() error {
	if s.Temperature < 0 || s.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be between 0 and 2", ErrInvalid)
	}
	if s.MaxTokens < 1 {
		return fmt.Errorf("%w: maxTokens must be at least 1", ErrInvalid)
	}
	if s.TopK < 1 || s.TopK > 50 {
		return fmt.Errorf("%w: topK must be between 1 and 50", ErrInvalid)
	}
	seen := make(map[string]struct{}, len(s.PredefinedPrompts))
	for _, p := range s.PredefinedPrompts {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("%w: predefined prompt id required", ErrInvalid)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: duplicate predefined prompt id %q", ErrInvalid, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (p Patch) apply(s *Settings) {
	if p.Temperature != nil {
		s.Temperature = *p.Temperature
	}
	if p.ClearSeed {
		s.Seed = nil
	} else if p.Seed != nil {
		seed := *p.Seed
		s.Seed = &seed
	}
	if p.MaxTokens != nil {
		s.MaxTokens = *p.MaxTokens
	}
	if p.TopK != nil {
		s.TopK = *p.TopK
	}
	if p.AllowFollowUpPrompts != nil {
		s.AllowFollowUpPrompts = *p.AllowFollowUpPrompts
	}
	if p.AllowInitialPromptRewrite != nil {
		s.AllowInitialPromptRewrite = *p.AllowInitialPromptRewrite
	}
	if p.AllowInitialPromptToHelpUser != nil {
		s.AllowInitialPromptToHelpUser = *p.AllowInitialPromptToHelpUser
	}
	if p.UseSemanticRanker != nil {
		s.UseSemanticRanker = *p.UseSemanticRanker
	}
	if p.SystemPrompt != nil {
		s.SystemPrompt = *p.SystemPrompt
	}
	if p.PredefinedPrompts != nil {
		s.PredefinedPrompts = append([]PredefinedPrompt(nil), (*p.PredefinedPrompts)...)
	}
}

func (s Settings) clone() Settings {
	out := s
	if s.Seed != nil {
		seed := *s.Seed
		out.Seed = &seed
	}
	if s.PredefinedPrompts != nil {
		out.PredefinedPrompts = append([]PredefinedPrompt(nil), s.PredefinedPrompts...)
	}
	return out
}
