package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/statdesk/internal/config"
	"github.com/raphaelgruber/statdesk/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Generator produces the assistant's reply to a conversation.
type Generator interface {
	Generate(ctx context.Context, history []models.Message, docs []models.Document) (string, error)
}

// NewGenerator creates the generator selected by configuration.
func NewGenerator(cfg config.Config) (Generator, error) {
	var model llms.Model
	var err error

	switch cfg.LLMProvider {
	case config.ProviderEcho:
		return EchoGenerator{}, nil

	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}

	return NewLLMGenerator(model), nil
}

// EchoGenerator answers without a model, for offline development and tests.
type EchoGenerator struct{}

// Generate implements Generator.
func (EchoGenerator) Generate(_ context.Context, history []models.Message, docs []models.Document) (string, error) {
	question := lastUserMessage(history)
	if question == "" {
		return "", errors.New("no user message to answer")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You asked: %q", question)
	if len(docs) > 0 {
		sb.WriteString("\n\nDocuments consulted:")
		for _, doc := range docs {
			sb.WriteString("\n- ")
			sb.WriteString(doc.Name)
		}
	}
	return sb.String(), nil
}

// LLMGenerator replies through a langchaingo chat model.
type LLMGenerator struct {
	llm llms.Model
}

// NewLLMGenerator wraps a langchaingo model.
func NewLLMGenerator(model llms.Model) *LLMGenerator {
	return &LLMGenerator{llm: model}
}

const systemPrompt = `You are a statistics assistant for education data analysts.
Answer questions about enrolment, staffing and school performance concisely.
If the referenced documents do not contain enough information to answer, say so.`

// Generate implements Generator.
func (g *LLMGenerator) Generate(ctx context.Context, history []models.Message, docs []models.Document) (string, error) {
	if lastUserMessage(history) == "" {
		return "", errors.New("no user message to answer")
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemWithDocuments(docs)),
	}
	for _, m := range history {
		role := llms.ChatMessageTypeHuman
		if m.Sender == models.SenderAssistant {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, m.Content))
	}

	response, err := g.llm.GenerateContent(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}
	return response.Choices[0].Content, nil
}

func systemWithDocuments(docs []models.Document) string {
	if len(docs) == 0 {
		return systemPrompt
	}
	names := make([]string, len(docs))
	for i, doc := range docs {
		names[i] = doc.Name
	}
	return systemPrompt + "\n\nThe user referenced these documents: " + strings.Join(names, ", ")
}

func lastUserMessage(history []models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Sender == models.SenderUser {
			return history[i].Content
		}
	}
	return ""
}
