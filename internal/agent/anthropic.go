package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/avaldez/finsight/internal/config"
)

// Anthropic is the production LLM backed by the Messages API. It also
// implements tools.Classifier for the categorization fallback, reusing the
// same client and model.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	tools     []anthropic.ToolUnionParam
}

// NewAnthropic builds the client. The tool specs are fixed at construction;
// every conversation advertises the same set.
func NewAnthropic(cfg config.AgentConfig, tools []anthropic.ToolUnionParam) *Anthropic {
	return &Anthropic{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     anthropic.Model(cfg.Model),
		maxTokens: int64(cfg.MaxTokens),
		tools:     tools,
	}
}

func (a *Anthropic) NewConversation(system string, history []Turn, userMessage string) Conversation {
	msgs := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, t := range history {
		if t.Role == "assistant" {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Content)))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
		}
	}
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage)))
	return &anthropicConversation{parent: a, system: system, messages: msgs}
}

type anthropicConversation struct {
	parent   *Anthropic
	system   string
	messages []anthropic.MessageParam
	pending  []anthropic.ContentBlockParamUnion
}

func (c *anthropicConversation) AddToolResult(id, content string, isError bool) {
	c.pending = append(c.pending, anthropic.NewToolResultBlock(id, content, isError))
}

func (c *anthropicConversation) Next(ctx context.Context) (*Decision, error) {
	if len(c.pending) > 0 {
		c.messages = append(c.messages, anthropic.NewUserMessage(c.pending...))
		c.pending = nil
	}

	msg, err := c.parent.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.parent.model,
		MaxTokens: c.parent.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: c.system}},
		Messages:  c.messages,
		Tools:     c.parent.tools,
	})
	if err != nil {
		return nil, err
	}
	c.messages = append(c.messages, msg.ToParam())

	d := &Decision{}
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			if d.Reply != "" {
				d.Reply += "\n"
			}
			d.Reply += v.Text
		case anthropic.ToolUseBlock:
			d.ToolCalls = append(d.ToolCalls, ToolCall{
				ID:    v.ID,
				Name:  v.Name,
				Input: json.RawMessage(v.JSON.Input.Raw()),
			})
		}
	}
	return d, nil
}

// Classify asks the model for a single category name out of the given set.
// Small, tool-free call; the caller validates the answer against the set.
func (a *Anthropic) Classify(ctx context.Context, description string, categories []string) (string, error) {
	prompt := fmt.Sprintf("Categorize this bank transaction description into exactly one of these categories: %s.\n\nDescription: %q\n\nAnswer with the category name only.",
		strings.Join(categories, ", "), description)

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 16,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return strings.TrimSpace(strings.Trim(block.Text, ".\"'")), nil
		}
	}
	return "", fmt.Errorf("empty classification response")
}
