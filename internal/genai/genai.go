// Package genai provides direct LLM chat completions using the OpenAI API.
//
// It backs the offline reply path used when no streaming chat upstream is
// configured.
package genai

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/troikalabs/chatflow/internal/models"
)

// historyWindow caps how many trailing history messages are forwarded to the
// model.
const historyWindow = 20

// Client wraps the OpenAI chat completion service.
type Client struct {
	client openai.Client
	model  openai.ChatModel
}

// NewClient initializes a GenAI client using the OPENAI_API_KEY environment variable.
func NewClient() (*Client, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{client: cli, model: openai.ChatModelGPT4oMini}, nil
}

// GenerateReply produces an assistant reply to userText given the system
// prompt and the trailing conversation history.
func (c *Client) GenerateReply(ctx context.Context, systemPrompt string, history []models.ChatMessage, userText string) (string, error) {
	msgs := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(systemPrompt)}

	start := 0
	if len(history) > historyWindow {
		start = len(history) - historyWindow
	}
	for _, m := range history[start:] {
		switch m.Sender {
		case models.SenderUser:
			msgs = append(msgs, openai.UserMessage(m.Text))
		case models.SenderBot, models.SenderAgent:
			msgs = append(msgs, openai.AssistantMessage(m.Text))
		}
	}
	msgs = append(msgs, openai.UserMessage(userText))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
