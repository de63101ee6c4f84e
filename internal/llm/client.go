// Package llm is a thin chat-completions client for the text-generation
// service, plus the response-cleaning helpers the workflow depends on.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrGeneration wraps every failure of the generation call. Callers treat
// it as fatal for the session: validation failures retry, call failures do
// not.
var ErrGeneration = errors.New("generation call failed")

// Client talks to an OpenAI-style chat completions endpoint.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *RateLimiter
}

// NewClient creates a client for the given API key.
func NewClient(apiKey, baseURL string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
		limiter: NewRateLimiter(0),
	}
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token counts for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the outcome of one completion call.
type Result struct {
	Content   string
	Model     string
	Usage     Usage
	LatencyMs int64
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int     `json:"index"`
		Message Message `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Complete sends a chat completion request and returns the first choice.
// All failures are wrapped in ErrGeneration.
func (c *Client) Complete(ctx context.Context, model string, messages []Message, maxTokens int, temperature float64) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	startTime := time.Now()

	reqBody := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      false,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrGeneration, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrGeneration, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		c.limiter.RecordError()
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.limiter.RecordError()
		return nil, fmt.Errorf("%w: read response: %v", ErrGeneration, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.limiter.RecordError()
		return nil, fmt.Errorf("%w: API error (status %d): %s", ErrGeneration, resp.StatusCode, string(body))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", ErrGeneration, err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", ErrGeneration)
	}

	c.limiter.RecordSuccess()

	return &Result{
		Content:   chatResp.Choices[0].Message.Content,
		Model:     chatResp.Model,
		Usage:     chatResp.Usage,
		LatencyMs: time.Since(startTime).Milliseconds(),
	}, nil
}
