package meta

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

// Client calls the Meta Graph API: WhatsApp Cloud sends go through the
// phone-number-id node, Messenger and Instagram sends through the page node.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	logger      *observability.Logger
}

func NewClient(baseURL, accessToken string, logger *observability.Logger) (*Client, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("Meta access token is required")
	}
	return &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}, nil
}

// OutboundMessage is the canonical body handed to a provider send call.
type OutboundMessage struct {
	Type           string
	Content        string
	MediaURL       string
	TemplateID     string
	TemplateParams map[string]interface{}
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	MessageID string `json:"message_id"`
	Error     *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendWhatsAppMessage sends a message through the WhatsApp Cloud API and
// returns the provider message id.
func (c *Client) SendWhatsAppMessage(ctx context.Context, phoneNumberID, to string, msg OutboundMessage) (string, error) {
	body := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
	}

	switch msg.Type {
	case "template":
		components := []map[string]interface{}{}
		if len(msg.TemplateParams) > 0 {
			parameters := make([]map[string]interface{}, 0, len(msg.TemplateParams))
			for _, v := range msg.TemplateParams {
				parameters = append(parameters, map[string]interface{}{"type": "text", "text": fmt.Sprintf("%v", v)})
			}
			components = append(components, map[string]interface{}{"type": "body", "parameters": parameters})
		}
		body["type"] = "template"
		body["template"] = map[string]interface{}{
			"name":       msg.TemplateID,
			"language":   map[string]string{"code": "en"},
			"components": components,
		}
	case "image", "video", "audio", "document", "sticker":
		media := map[string]interface{}{"link": msg.MediaURL}
		if msg.Content != "" && (msg.Type == "image" || msg.Type == "video" || msg.Type == "document") {
			media["caption"] = msg.Content
		}
		body["type"] = msg.Type
		body[msg.Type] = media
	default:
		body["type"] = "text"
		body["text"] = map[string]interface{}{"body": msg.Content}
	}

	resp, err := c.post(ctx, fmt.Sprintf("%s/%s/messages", c.baseURL, phoneNumberID), body)
	if err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "", fmt.Errorf("whatsapp send returned no message id")
	}
	return resp.Messages[0].ID, nil
}

// SendPageMessage sends a message to a Messenger or Instagram user through the
// page messages endpoint and returns the provider message id.
func (c *Client) SendPageMessage(ctx context.Context, pageID, recipientID string, msg OutboundMessage) (string, error) {
	message := map[string]interface{}{}
	switch msg.Type {
	case "image", "video", "audio", "file":
		message["attachment"] = map[string]interface{}{
			"type":    msg.Type,
			"payload": map[string]interface{}{"url": msg.MediaURL, "is_reusable": true},
		}
	default:
		message["text"] = msg.Content
	}

	body := map[string]interface{}{
		"recipient":      map[string]string{"id": recipientID},
		"message":        message,
		"messaging_type": "RESPONSE",
	}

	resp, err := c.post(ctx, fmt.Sprintf("%s/%s/messages", c.baseURL, pageID), body)
	if err != nil {
		return "", err
	}
	if resp.MessageID == "" {
		return "", fmt.Errorf("page send returned no message id")
	}
	return resp.MessageID, nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]interface{}) (*sendResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error(ctx, "graph API request failed", err)
		return nil, fmt.Errorf("graph API request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph API response: %w", err)
	}

	var resp sendResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode graph API response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		if resp.Error != nil {
			return nil, fmt.Errorf("graph API error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return nil, fmt.Errorf("graph API returned status %d", httpResp.StatusCode)
	}
	return &resp, nil
}
