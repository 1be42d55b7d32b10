// Package context implements the Context Assembler (§4.4): it merges the
// system prompt, important memories, recent/related history, and the
// triggering message into a token-budgeted prompt for the reasoning agent.
package context

import (
	"context"
	"time"

	"github.com/johnstryder/agentgateway/internal/domain"
)

const defaultRelatedMessageLimit = 10

// Config controls the assembler's limits (§4.4).
type Config struct {
	RecentMessageLimit  int
	RelatedMessageLimit int
	TokenLimit          int
}

// Assembler builds AssembledContext values from a normalized event, its
// resolved workspace, a platform fetcher, and the memory store.
type Assembler struct {
	cfg    Config
	prompt *PromptCache
	memory domain.MemoryStore
}

// NewAssembler constructs an Assembler. prompt and memory must not be nil.
func NewAssembler(cfg Config, prompt *PromptCache, memory domain.MemoryStore) *Assembler {
	if prompt == nil {
		panic("context: prompt cache must not be nil")
	}
	if memory == nil {
		panic("context: memory store must not be nil")
	}
	if cfg.RecentMessageLimit <= 0 {
		cfg.RecentMessageLimit = 20
	}
	if cfg.RelatedMessageLimit <= 0 {
		cfg.RelatedMessageLimit = defaultRelatedMessageLimit
	}
	return &Assembler{cfg: cfg, prompt: prompt, memory: memory}
}

// Assemble builds an AssembledContext per §4.4's steps.
func (a *Assembler) Assemble(ctx context.Context, event domain.NormalizedEvent, workspace domain.Workspace, fetcher domain.ContextFetcher) (domain.AssembledContext, error) {
	systemPrompt, err := a.prompt.Load()
	if err != nil {
		return domain.AssembledContext{}, err
	}

	important, err := a.memory.Important(workspace)
	if err != nil {
		return domain.AssembledContext{}, err
	}

	recent, err := fetcher.FetchRecent(ctx, event.ChannelID, a.cfg.RecentMessageLimit)
	if err != nil {
		return domain.AssembledContext{}, err
	}

	var related []domain.PlatformMessage
	if event.GuildID != "" && fetcher.Capabilities().Search {
		related, err = fetcher.SearchRelated(ctx, event.GuildID, event.ChannelID, event.Content, a.cfg.RelatedMessageLimit)
		if err != nil {
			return domain.AssembledContext{}, err
		}
	}

	assembled := domain.AssembledContext{
		SystemPrompt:      systemPrompt,
		ImportantMemories: important,
		RecentMessages:    recent,
		RelatedMessages:   related,
		TriggerMessage:    event,
		AssembledAt:       time.Now().UTC(),
	}
	formatted := Format(assembled, a.cfg.TokenLimit)
	assembled.EstimatedTokens = formatted.EstimatedTokens
	return assembled, nil
}
