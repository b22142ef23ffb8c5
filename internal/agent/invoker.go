package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

// defaultPrompts are the per-specialization system prompts used when the
// config does not override them.
var defaultPrompts = map[string]string{
	"general":   "You are a helpful assistant in a group chat. Keep answers concise and conversational.",
	"technical": "You are a senior engineer. Answer technical questions precisely, with short examples where they help.",
	"code":      "You are a code review assistant. Analyze code for correctness and clarity; show fixes as fenced code blocks.",
	"creative":  "You are a creative writing assistant. Match the requested tone and format.",
	"analysis":  "You break problems down. Produce a short structured analysis of the given input.",
	"summary":   "You summarize. Produce a brief summary of the given input, keeping only what matters.",
	"vision":    "You describe and interpret images based on the provided description or caption.",
	"audio":     "You work with transcribed audio. Interpret the transcript and respond to its content.",
}

// Invoker implements domain.AgentInvoker over an OpenAI-compatible
// chat-completions API. One client is shared across all specializations.
type Invoker struct {
	cfg    config.AgentConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *openai.Client

	invocations int64
	failures    int64
}

func NewInvoker(cfg config.AgentConfig, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		clientCfg.BaseURL = cfg.APIBase
	}
	return &Invoker{
		cfg:    cfg,
		logger: logger,
		client: openai.NewClientWithConfig(clientCfg),
	}
}

// Invoke runs one chat completion for the given specialization.
func (inv *Invoker) Invoke(ctx context.Context, specialization string, req domain.InvokeRequest) (*domain.InvokeResult, error) {
	model := inv.cfg.Model
	prompt := defaultPrompts[specialization]
	if spec, ok := inv.cfg.Specializations[specialization]; ok {
		if spec.SystemPrompt != "" {
			prompt = spec.SystemPrompt
		}
		if spec.Model != "" {
			model = spec.Model
		}
	}
	if prompt == "" {
		prompt = defaultPrompts["general"]
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: prompt},
	}
	userContent := req.Text
	if req.UserName != "" {
		userContent = req.UserName + ": " + req.Text
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userContent,
	})

	inv.mu.Lock()
	inv.invocations++
	inv.mu.Unlock()
	metrics.AgentCalls.Inc()

	resp, err := inv.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   inv.cfg.MaxTokens,
		Temperature: float32(inv.cfg.Temperature),
		User:        req.SessionID,
	})
	if err != nil {
		inv.mu.Lock()
		inv.failures++
		inv.mu.Unlock()
		metrics.AgentFailures.Inc()
		return nil, fmt.Errorf("agent %s completion: %w", specialization, err)
	}
	if len(resp.Choices) == 0 {
		inv.mu.Lock()
		inv.failures++
		inv.mu.Unlock()
		metrics.AgentFailures.Inc()
		return nil, fmt.Errorf("agent %s completion: empty response", specialization)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	inv.logger.Debug("agent invoked",
		"specialization", specialization,
		"model", model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return &domain.InvokeResult{Content: content}, nil
}

func (inv *Invoker) Status() domain.ComponentStatus {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return domain.ComponentStatus{
		"invocations": inv.invocations,
		"failures":    inv.failures,
		"model":       inv.cfg.Model,
	}
}

func (inv *Invoker) Shutdown(ctx context.Context) error { return nil }
