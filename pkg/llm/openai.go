package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// ErrNoChoices 响应中没有候选结果
var ErrNoChoices = errors.New("no choices returned from llm")

// maxResponseBytes 响应体读取上限
const maxResponseBytes = 1 << 20

// Client 定义 LLM 客户端接口
type Client interface {
	Chat(ctx context.Context, messages []Message, options ...Option) (string, error)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIClient 兼容 OpenAI chat/completions 协议的客户端
type OpenAIClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	model      string
}

// callOptions 单次请求参数，不修改客户端本身，保证并发安全
type callOptions struct {
	model       string
	temperature *float64
}

type Option func(*callOptions)

func WithModel(model string) Option {
	return func(o *callOptions) {
		o.model = model
	}
}

func WithTemperature(t float64) Option {
	return func(o *callOptions) {
		o.temperature = &t
	}
}

func NewOpenAIClient(endpoint, apiKey string, model string, timeout time.Duration) *OpenAIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, options ...Option) (string, error) {
	opts := callOptions{model: c.model}
	for _, o := range options {
		o(&opts)
	}

	jsonBody, err := json.Marshal(chatRequest{
		Model:       opts.model,
		Messages:    messages,
		Temperature: opts.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read llm response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm api error (status %d): %s", resp.StatusCode, truncate(body, 256))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("failed to parse llm response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return chatResp.Choices[0].Message.Content, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
