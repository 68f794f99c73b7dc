package llm

import (
	"context"
	"fmt"
	"log"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 4096

// AnthropicGenerator runs completions through the Anthropic API. It satisfies
// Generator so hosted models can stand in for local ones in a run config.
type AnthropicGenerator struct {
	client anthropic.Client
}

func NewAnthropicGenerator(apiKey string) *AnthropicGenerator {
	return &AnthropicGenerator{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

func (g *AnthropicGenerator) Generate(ctx context.Context, model, prompt string, temperature float64) (string, error) {
	message, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   anthropicMaxTokens,
		Temperature: anthropic.Float(temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		log.Printf("llm anthropic error model=%s err=%v", model, err)
		return "", fmt.Errorf("anthropic generate: %w", err)
	}
	for _, block := range message.Content {
		if block.Type == "text" {
			log.Printf("llm anthropic response model=%s size=%d tokens_in=%d tokens_out=%d", model, len(block.Text), message.Usage.InputTokens, message.Usage.OutputTokens)
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in anthropic response")
}

// ListModels is not supported by the messages API; hosted model discovery is
// configuration-driven.
func (g *AnthropicGenerator) ListModels(ctx context.Context) ([]string, error) {
	return nil, fmt.Errorf("model listing is not available for the anthropic backend")
}
