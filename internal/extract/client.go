// Package extract is the client for the external inference service: document
// structure extraction, figure annotation, and simulation recommendation. The
// persistence core treats extraction failure as "no record produced"; nothing
// in this package writes to the stores.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/plasmahub/plasmarag/internal/config"
)

// Client calls an OpenAI-compatible /chat/completions endpoint. Constructed
// from explicit configuration; nothing process-global.
type Client struct {
	apiKey string
	base   string
	cfg    *config.InferenceConfig
	client *http.Client
}

// NewClient creates an inference client from config.
func NewClient(cfg *config.InferenceConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("inference base_url is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("inference api_key is required")
	}
	return &Client{
		apiKey: cfg.APIKey,
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout()},
	}, nil
}

// message is one chat turn. Content is either a string or, for vision
// requests, a list of content parts.
type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) complete(ctx context.Context, model string, msgs []message, temperature float64) (string, error) {
	payload, err := json.Marshal(chatRequest{Model: model, Messages: msgs, Temperature: temperature})
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("inference service status %d: %s", resp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse inference response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("inference service returned no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// stripCodeFence removes a surrounding markdown code block, if any, so model
// output like ```json {...} ``` decodes cleanly.
func stripCodeFence(s string) string {
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		return strings.TrimSpace(s)
	}
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s)
}
