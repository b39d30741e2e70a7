package app

import (
	"context"
	"errors"
	"fmt"

	"docchat/internal/settings"
	"docchat/pkg/domain"
	"docchat/pkg/store"
)

// ComponentHealth is the reachability of one backing service.
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthReport is the admin check result.
type HealthReport struct {
	Status     string                          `json:"status"`
	Components map[ServiceType]ComponentHealth `json:"components"`
}

// Settings returns the current runtime settings.
func (a *App) Settings() settings.Settings {
	return a.settings.Get()
}

// PatchSettings applies an admin update and returns the resulting settings.
func (a *App) PatchSettings(p settings.Patch) (settings.Settings, error) {
	out, err := a.settings.Patch(p)
	if err != nil {
		if errors.Is(err, settings.ErrInvalid) {
			return settings.Settings{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return settings.Settings{}, err
	}
	return out, nil
}

// PredefinedPrompts returns the canned prompts offered to every user.
func (a *App) PredefinedPrompts() []settings.PredefinedPrompt {
	prompts := a.settings.Get().PredefinedPrompts
	if prompts == nil {
		prompts = []settings.PredefinedPrompt{}
	}
	return prompts
}

// AdminListDocuments lists registry records across users.
func (a *App) AdminListDocuments(ctx context.Context, filter store.ListFilter) ([]domain.DocsPerThread, error) {
	docs, err := a.store.ListDocuments(ctx, filter)
	if err != nil {
		return nil, serviceErr(ServiceDocumentRegistry, "list documents", err)
	}
	return docs, nil
}

// AdminListThreads lists threads across users.
func (a *App) AdminListThreads(ctx context.Context, filter store.ListFilter) ([]domain.Thread, error) {
	threads, err := a.store.ListAllThreads(ctx, filter)
	if err != nil {
		return nil, serviceErr(ServiceThreadRepository, "list threads", err)
	}
	return threads, nil
}

// Check probes the registry, the search index and the document store.
func (a *App) Check(ctx context.Context) HealthReport {
	report := HealthReport{Status: "ok", Components: make(map[ServiceType]ComponentHealth, 3)}
	probe := func(svc ServiceType, err error) {
		if err != nil {
			report.Status = "degraded"
			report.Components[svc] = ComponentHealth{Status: "error", Error: err.Error()}
			return
		}
		report.Components[svc] = ComponentHealth{Status: "ok"}
	}
	probe(ServiceDocumentRegistry, a.store.Ping(ctx))
	probe(ServiceSearch, a.search.Check(ctx))
	probe(ServiceDocumentStore, a.documents.Check(ctx))
	return report
}
