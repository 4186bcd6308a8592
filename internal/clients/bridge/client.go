package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"chat-server/internal/observability"
)

// Client calls the unofficial WhatsApp bridge REST API. Each connected number
// is a named instance; sends are addressed to a phone number.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *observability.Logger
}

func NewClient(baseURL, apiKey string, logger *observability.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("bridge base URL is required")
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}, nil
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
}

type sendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Message string `json:"message"`
}

// SendText sends a plain text message through a bridge instance and returns
// the provider message id.
func (c *Client) SendText(ctx context.Context, instance, number, text string) (string, error) {
	return c.post(ctx, fmt.Sprintf("%s/message/sendText/%s", c.baseURL, instance),
		sendTextRequest{Number: number, Text: text})
}

// SendMedia sends a media message (image, video, audio, document) through a
// bridge instance and returns the provider message id.
func (c *Client) SendMedia(ctx context.Context, instance, number, mediaType, mediaURL, caption string) (string, error) {
	return c.post(ctx, fmt.Sprintf("%s/message/sendMedia/%s", c.baseURL, instance),
		sendMediaRequest{Number: number, MediaType: mediaType, Media: mediaURL, Caption: caption})
}

func (c *Client) post(ctx context.Context, url string, body interface{}) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error(ctx, "bridge request failed", err)
		return "", fmt.Errorf("bridge request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read bridge response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return "", fmt.Errorf("bridge returned status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var resp sendResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to decode bridge response: %w", err)
	}
	if resp.Key.ID == "" {
		return "", fmt.Errorf("bridge send returned no message id")
	}
	return resp.Key.ID, nil
}
