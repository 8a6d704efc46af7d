package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pocketchat/internal/domain"
)

// TemplateRenderer turns a role/content sequence into the prompt text the
// model expects. model may be nil when no model is active.
type TemplateRenderer interface {
	ApplyChatTemplate(ctx context.Context, messages []domain.ChatMessage, model *domain.ModelProfile) (string, error)
}

// ModelSource reports the active model, or nil when none is configured.
type ModelSource interface {
	ActiveModel() *domain.ModelProfile
}

// PromptBuilder assembles conversation history into a chat-template prompt.
type PromptBuilder struct {
	renderer TemplateRenderer
	models   ModelSource
}

func NewPromptBuilder(r TemplateRenderer, models ModelSource) *PromptBuilder {
	return &PromptBuilder{renderer: r, models: models}
}

// Build renders history (oldest first) followed by extra turns. The
// resulting chat messages are returned alongside the prompt for logging.
func (b *PromptBuilder) Build(ctx context.Context, history []domain.Message, extra ...domain.ChatMessage) (string, []domain.ChatMessage, error) {
	return b.build(ctx, b.activeModel(), history, extra)
}

func (b *PromptBuilder) build(ctx context.Context, model *domain.ModelProfile, history []domain.Message, extra []domain.ChatMessage) (string, []domain.ChatMessage, error) {
	messages := buildChatMessages(model, history)
	messages = append(messages, extra...)

	if b.renderer == nil {
		return "", messages, errors.New("usecase: no chat template renderer")
	}
	prompt, err := b.renderer.ApplyChatTemplate(ctx, messages, model)
	if err != nil {
		return "", messages, fmt.Errorf("usecase: apply chat template: %w", err)
	}
	return prompt, messages, nil
}

func (b *PromptBuilder) activeModel() *domain.ModelProfile {
	if b.models == nil {
		return nil
	}
	return b.models.ActiveModel()
}

func buildChatMessages(model *domain.ModelProfile, history []domain.Message) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(history)+1)
	if model != nil && strings.TrimSpace(model.ChatTemplate.SystemPrompt) != "" {
		messages = append(messages, domain.ChatMessage{
			Role:    domain.RoleSystem,
			Content: model.ChatTemplate.SystemPrompt,
		})
	}
	for _, m := range history {
		if cm, ok := historyToChatMessage(m); ok {
			messages = append(messages, cm)
		}
	}
	return messages
}

func historyToChatMessage(m domain.Message) (domain.ChatMessage, bool) {
	if m.Kind != domain.KindText || m.IsNotice() {
		return domain.ChatMessage{}, false
	}
	role := domain.RoleUser
	if m.Author.Role == domain.RoleAssistant {
		role = domain.RoleAssistant
	}
	return domain.ChatMessage{Role: role, Content: m.Text}, true
}

// completionParams merges the model's configured settings with prompt.
func completionParams(model *domain.ModelProfile, prompt string) domain.CompletionParams {
	var settings domain.CompletionSettings
	if model != nil {
		settings = model.CompletionSettings
		settings.Stop = append([]string(nil), model.CompletionSettings.Stop...)
	}
	return domain.CompletionParams{CompletionSettings: settings, Prompt: prompt}
}
