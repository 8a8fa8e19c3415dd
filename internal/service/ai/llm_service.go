package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/medivoice/backend/internal/logger"
	"github.com/zhouzirui/medivoice/backend/internal/model/consultation"
)

// ErrEmptyCompletion is returned when the model answers with no text.
var ErrEmptyCompletion = errors.New("model returned an empty completion")

// Turn is one role/content pair of model input history.
type Turn struct {
	Role    consultation.Role
	Content string
}

// Completer is the language-model capability used by the turn orchestrator
// and the report compiler.
type Completer interface {
	Complete(ctx context.Context, system string, history []Turn) (string, error)
}

// ChainCompleter runs a system prompt plus history through an eino chain.
type ChainCompleter struct {
	chain   compose.Runnable[map[string]any, *schema.Message]
	timeout time.Duration
	log     zerolog.Logger
}

// NewChainCompleter compiles the chat chain around chatModel.
func NewChainCompleter(ctx context.Context, chatModel model.ChatModel, timeout time.Duration) (*ChainCompleter, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &ChainCompleter{
		chain:   runnable,
		timeout: timeout,
		log:     logger.Component("ai"),
	}, nil
}

// Complete invokes the chain once, bounded by the configured timeout.
func (c *ChainCompleter) Complete(ctx context.Context, system string, history []Turn) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	response, err := c.chain.Invoke(ctx, map[string]any{
		"system":  system,
		"history": toSchemaMessages(history),
	})
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return "", ErrEmptyCompletion
	}

	c.log.Debug().
		Int("history", len(history)).
		Int("length", len(response.Content)).
		Dur("elapsed", time.Since(start)).
		Msg("completion generated")
	return response.Content, nil
}

func toSchemaMessages(history []Turn) []*schema.Message {
	if len(history) == 0 {
		return nil
	}

	out := make([]*schema.Message, 0, len(history))
	for _, turn := range history {
		switch turn.Role {
		case consultation.RoleAssistant:
			out = append(out, schema.AssistantMessage(turn.Content, nil))
		default:
			out = append(out, schema.UserMessage(turn.Content))
		}
	}
	return out
}
