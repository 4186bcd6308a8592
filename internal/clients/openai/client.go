package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"chat-server/internal/observability"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Client wraps the OpenAI SDK for the enrichment jobs: chat completions for
// suggestions, sentiment and bot replies, audio transcription for voice notes.
type Client struct {
	client     openai.Client
	chatModel  string
	httpClient *http.Client
	logger     *observability.Logger
}

func NewClient(apiKey, chatModel string, logger *observability.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	return &Client{
		client:     openai.NewClient(option.WithAPIKey(apiKey)),
		chatModel:  chatModel,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}, nil
}

// Complete runs a single-turn chat completion and returns the model text.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.chatModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		c.logger.Error(ctx, "chat completion failed", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Transcribe downloads an audio file and transcribes it with Whisper.
func (c *Client) Transcribe(ctx context.Context, audioURL, language string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create audio request: %w", err)
	}
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download audio: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode >= 400 {
		io.Copy(io.Discard, httpResp.Body)
		return "", fmt.Errorf("audio download returned status %d", httpResp.StatusCode)
	}

	params := openai.AudioTranscriptionNewParams{
		Model: openai.AudioModelWhisper1,
		File:  httpResp.Body,
	}
	if language != "" {
		params.Language = openai.String(language)
	}

	transcription, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		c.logger.Error(ctx, "transcription failed", err)
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	return transcription.Text, nil
}
