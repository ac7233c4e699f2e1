package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sandevgo/longmem/internal/core"
	"github.com/sandevgo/longmem/pkg/retry"
)

// OpenAICompatible speaks the /v1/chat/completions wire format shared by
// OpenAI, Groq, OpenRouter, Ollama and most self-hosted gateways. It
// carries both core capabilities: plain chat and JSON-mode completion.
type OpenAICompatible struct {
	baseProvider
	authHeader   string
	authPrefix   string
	extraHeaders map[string]string
	jsonMode     bool
	retrier      *retry.Retrier
}

type OpenAICompatibleConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	AuthHeader   string // e.g., "Authorization"
	AuthPrefix   string // e.g., "Bearer "
	ExtraHeaders map[string]string
	// JSONMode sets response_format {"type":"json_object"} on JSONComplete
	// calls for providers that support it.
	JSONMode bool
}

func NewOpenAICompatible(cfg OpenAICompatibleConfig) *OpenAICompatible {
	return &OpenAICompatible{
		baseProvider: newBaseProvider(cfg.BaseURL, cfg.APIKey, cfg.Model),
		authHeader:   cfg.AuthHeader,
		authPrefix:   cfg.AuthPrefix,
		extraHeaders: cfg.ExtraHeaders,
		jsonMode:     cfg.JSONMode,
		retrier:      retry.NewDefaultRetrier(),
	}
}

func (o *OpenAICompatible) headers() map[string]string {
	headers := make(map[string]string)
	if o.authHeader != "" && o.apiKey != "" {
		headers[o.authHeader] = o.authPrefix + o.apiKey
	}
	for k, v := range o.extraHeaders {
		headers[k] = v
	}
	return headers
}

func (o *OpenAICompatible) Chat(ctx context.Context, history []core.Message) (core.Message, error) {
	payload := map[string]any{
		"model":    o.model,
		"messages": history,
	}

	var msg core.Message
	err := o.retrier.Do(ctx, func() error {
		resp, err := o.postJSON(ctx, "/v1/chat/completions", payload, o.headers())
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		msg, err = parseChatResponse(resp)
		return err
	})
	return msg, err
}

func (o *OpenAICompatible) JSONComplete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	payload := map[string]any{
		"model":       o.model,
		"messages":    []core.Message{{Role: core.RoleUser, Content: prompt}},
		"temperature": 0.1,
		"max_tokens":  maxTokens,
	}
	if o.jsonMode {
		payload["response_format"] = map[string]string{"type": "json_object"}
	}

	var content string
	err := o.retrier.Do(ctx, func() error {
		resp, err := o.postJSON(ctx, "/v1/chat/completions", payload, o.headers())
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		msg, err := parseChatResponse(resp)
		if err != nil {
			return err
		}
		content = msg.Content
		return nil
	})
	return content, err
}

func parseChatResponse(resp *http.Response) (core.Message, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.Message{}, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("http %d: %s", resp.StatusCode, string(data))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusTooManyRequests {
			// Bad request or auth failure; backing off will not fix it.
			return core.Message{}, retry.Permanent(err)
		}
		return core.Message{}, err
	}

	var result struct {
		Choices []struct {
			Message core.Message `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return core.Message{}, fmt.Errorf("decode: %w", err)
	}
	if len(result.Choices) == 0 {
		return core.Message{}, fmt.Errorf("empty choices: %s", string(data))
	}
	return result.Choices[0].Message, nil
}
