package settings

import (
	"errors"
	"sync"
	"testing"
)

func TestPatchOnlyChangesProvidedFields(t *testing.T) {
	s, err := New(Defaults())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	temp := 1.2
	rewrite := true
	got, err := s.Patch(Patch{Temperature: &temp, AllowInitialPromptRewrite: &rewrite})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if got.Temperature != 1.2 || !got.AllowInitialPromptRewrite {
		t.Fatalf("patch not applied: %+v", got)
	}
	if got.TopK != Defaults().TopK || got.SystemPrompt != DefaultSystemPrompt {
		t.Fatalf("untouched fields changed: %+v", got)
	}
}

func TestPatchRejectsInvalidValuesAndKeepsState(t *testing.T) {
	s, _ := New(Defaults())
	cases := map[string]Patch{
		"temperature": {Temperature: ptr(2.5)},
		"topK":        {TopK: ptr(0)},
		"maxTokens":   {MaxTokens: ptr(0)},
		"duplicate prompt": {PredefinedPrompts: &[]PredefinedPrompt{
			{ID: "a", Name: "A"}, {ID: "a", Name: "B"},
		}},
		"empty prompt id": {PredefinedPrompts: &[]PredefinedPrompt{{ID: " "}}},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Patch(p); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			if s.Get().Temperature != Defaults().Temperature || s.Get().TopK != Defaults().TopK {
				t.Fatalf("state changed after rejected patch: %+v", s.Get())
			}
		})
	}
}

func TestGetReturnsCopy(t *testing.T) {
	initial := Defaults()
	initial.Seed = ptr(7)
	initial.PredefinedPrompts = []PredefinedPrompt{{ID: "sum", Name: "Summarize", Prompt: "Summarize the documents"}}
	s, _ := New(initial)

	got := s.Get()
	*got.Seed = 99
	got.PredefinedPrompts[0].Name = "mutated"

	again := s.Get()
	if *again.Seed != 7 || again.PredefinedPrompts[0].Name != "Summarize" {
		t.Fatalf("store leaked internal state: %+v", again)
	}
}

func TestClearSeed(t *testing.T) {
	initial := Defaults()
	initial.Seed = ptr(3)
	s, _ := New(initial)
	got, err := s.Patch(Patch{ClearSeed: true})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if got.Seed != nil {
		t.Fatalf("expected seed cleared, got %d", *got.Seed)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s, _ := New(Defaults())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Patch(Patch{TopK: ptr(1 + i%50)})
		}(i)
		go func() {
			defer wg.Done()
			_ = s.Get()
		}()
	}
	wg.Wait()
	if k := s.Get().TopK; k < 1 || k > 50 {
		t.Fatalf("unexpected topK %d", k)
	}
}

func ptr[T any](v T) *T { return &v }
