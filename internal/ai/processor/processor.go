package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-server/internal/events"
	"chat-server/internal/jobs"
	"chat-server/internal/observability"
	"chat-server/internal/store"

	"github.com/google/uuid"
)

// AIStore defines the database operations required by AIProcessor
type AIStore interface {
	GetMessageByID(ctx context.Context, id uuid.UUID) (store.Message, error)
	MergeMessageMetadata(ctx context.Context, id uuid.UUID, metadata store.JSONMap) error
	ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]store.Message, error)
	GetBotReplyToMessage(ctx context.Context, conversationID, triggerMessageID uuid.UUID) (store.Message, error)

	GetConversationByID(ctx context.Context, id uuid.UUID) (store.Conversation, error)
	MergeConversationMetadata(ctx context.Context, id uuid.UUID, metadata store.JSONMap) error
	GetChannelByID(ctx context.Context, id uuid.UUID) (store.Channel, error)
	GetContactByID(ctx context.Context, id uuid.UUID) (store.Contact, error)
	CreateMessage(ctx context.Context, params store.CreateMessageParams) (store.Message, error)
	TouchConversation(ctx context.Context, id uuid.UUID, lastMessageAt time.Time) error
}

// Completer is the model surface the enrichment jobs call.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Transcribe(ctx context.Context, audioURL, language string) (string, error)
}

const recentMessageWindow = 10

// Canned suggestions used when the model is unavailable or returns fewer than
// three usable lines.
var fallbackSuggestions = []string{
	"Thanks for reaching out! Let me look into that for you.",
	"Could you share a bit more detail so I can help faster?",
	"I'll check on this and get back to you shortly.",
}

var sentimentScores = map[string]float64{
	"positive": 0.9,
	"neutral":  0.5,
	"negative": 0.1,
}

// AIProcessor runs the best-effort enrichment jobs. Every job degrades
// gracefully: a model failure is logged and falls back to a deterministic
// result or a no-op, never an error that would retry or archive the task.
type AIProcessor struct {
	store     AIStore
	completer Completer
	enqueuer  jobs.Enqueuer
	publisher *events.Publisher
	logger    *observability.Logger
}

func New(store AIStore, completer Completer, enqueuer jobs.Enqueuer, publisher *events.Publisher, logger *observability.Logger) AIProcessor {
	return AIProcessor{
		store:     store,
		completer: completer,
		enqueuer:  enqueuer,
		publisher: publisher,
		logger:    logger,
	}
}

// Transcribe converts an audio message to text and stores the transcript in
// the message metadata.
func (p *AIProcessor) Transcribe(ctx context.Context, payload jobs.TranscribePayload) error {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "account_id", Value: payload.AccountID.String()},
		observability.Field{Key: "message_id", Value: payload.MessageID.String()},
	)

	transcript, err := p.completer.Transcribe(ctx, payload.AudioURL, payload.Language)
	if err != nil {
		p.logger.Warn(ctx, fmt.Sprintf("transcription unavailable, skipping: %v", err))
		return nil
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return nil
	}

	if err := p.store.MergeMessageMetadata(ctx, payload.MessageID, store.JSONMap{"transcription": transcript}); err != nil {
		return err
	}

	p.publisher.Publish(ctx, events.TypeAITranscription, map[string]interface{}{
		"account_id":    payload.AccountID.String(),
		"message_id":    payload.MessageID.String(),
		"transcription": transcript,
	})
	return nil
}

// Suggest produces exactly three reply suggestions for a conversation based
// on its recent messages and stores them in the conversation metadata.
func (p *AIProcessor) Suggest(ctx context.Context, payload jobs.SuggestPayload) error {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "account_id", Value: payload.AccountID.String()},
		observability.Field{Key: "conversation_id", Value: payload.ConversationID.String()},
	)

	recent, err := p.store.ListRecentMessages(ctx, payload.ConversationID, recentMessageWindow)
	if err != nil {
		return err
	}

	suggestions := p.generateSuggestions(ctx, recent)

	if err := p.store.MergeConversationMetadata(ctx, payload.ConversationID, store.JSONMap{"suggestions": suggestions}); err != nil {
		return err
	}

	p.publisher.Publish(ctx, events.TypeAISuggestions, map[string]interface{}{
		"account_id":      payload.AccountID.String(),
		"conversation_id": payload.ConversationID.String(),
		"suggestions":     suggestions,
	})
	return nil
}

func (p *AIProcessor) generateSuggestions(ctx context.Context, recent []store.Message) []string {
	transcript := renderTranscript(recent)
	if transcript == "" {
		return fallbackSuggestions
	}

	raw, err := p.completer.Complete(ctx,
		"You are a support agent assistant. Given a conversation, propose three short reply suggestions the agent could send next. Respond with exactly three lines, one suggestion per line, no numbering.",
		transcript,
	)
	if err != nil {
		p.logger.Warn(ctx, fmt.Sprintf("suggestion model unavailable, using fallback: %v", err))
		return fallbackSuggestions
	}

	suggestions := make([]string, 0, 3)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789. "))
		if line == "" {
			continue
		}
		suggestions = append(suggestions, line)
		if len(suggestions) == 3 {
			break
		}
	}
	for i := len(suggestions); i < 3; i++ {
		suggestions = append(suggestions, fallbackSuggestions[i])
	}
	return suggestions
}

func renderTranscript(messages []store.Message) string {
	var b strings.Builder
	for _, message := range messages {
		if message.Content == nil || *message.Content == "" {
			continue
		}
		speaker := "Agent"
		if message.SenderType == store.SenderTypeContact {
			speaker = "Customer"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, *message.Content)
	}
	return strings.TrimSpace(b.String())
}

// Sentiment classifies one message and stores the label and score in the
// message metadata. The label is always one of positive, neutral or negative
// and the score always lands in [0, 1], whichever path produced it.
func (p *AIProcessor) Sentiment(ctx context.Context, payload jobs.SentimentPayload) error {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "account_id", Value: payload.AccountID.String()},
		observability.Field{Key: "message_id", Value: payload.MessageID.String()},
	)

	label := p.classifySentiment(ctx, payload.Content)
	score := sentimentScores[label]

	err := p.store.MergeMessageMetadata(ctx, payload.MessageID, store.JSONMap{
		"sentiment": map[string]interface{}{"label": label, "score": score},
	})
	if err != nil {
		return err
	}

	p.publisher.Publish(ctx, events.TypeAISentiment, map[string]interface{}{
		"account_id": payload.AccountID.String(),
		"message_id": payload.MessageID.String(),
		"label":      label,
		"score":      score,
	})
	return nil
}

func (p *AIProcessor) classifySentiment(ctx context.Context, content string) string {
	raw, err := p.completer.Complete(ctx,
		"Classify the sentiment of the customer message. Respond with exactly one word: positive, neutral or negative.",
		content,
	)
	if err == nil {
		label := strings.ToLower(strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), ".")))
		if _, ok := sentimentScores[label]; ok {
			return label
		}
	} else {
		p.logger.Warn(ctx, fmt.Sprintf("sentiment model unavailable, using keyword fallback: %v", err))
	}
	return keywordSentiment(content)
}

var (
	positiveKeywords = []string{"thank", "great", "love", "awesome", "perfect", "excellent", "happy"}
	negativeKeywords = []string{"angry", "terrible", "awful", "refund", "broken", "worst", "hate", "complaint", "cancel"}
)

// keywordSentiment is the deterministic fallback classifier.
func keywordSentiment(content string) string {
	lower := strings.ToLower(content)
	score := 0
	for _, kw := range positiveKeywords {
		if strings.Contains(lower, kw) {
			score++
		}
	}
	for _, kw := range negativeKeywords {
		if strings.Contains(lower, kw) {
			score--
		}
	}
	switch {
	case score > 0:
		return "positive"
	case score < 0:
		return "negative"
	default:
		return "neutral"
	}
}

// Chatbot generates an automatic reply to an inbound message and sends it
// through the conversation's channel as a bot message. A model failure sends
// nothing.
func (p *AIProcessor) Chatbot(ctx context.Context, payload jobs.ChatbotPayload) error {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "account_id", Value: payload.AccountID.String()},
		observability.Field{Key: "conversation_id", Value: payload.ConversationID.String()},
	)

	recent, err := p.store.ListRecentMessages(ctx, payload.ConversationID, recentMessageWindow)
	if err != nil {
		return err
	}

	prompt := renderTranscript(recent)
	if prompt == "" {
		prompt = payload.Content
	}

	reply, err := p.completer.Complete(ctx,
		"You are a helpful customer support assistant replying on behalf of the business. Write one short, friendly reply to the customer's latest message.",
		prompt,
	)
	if err != nil {
		p.logger.Warn(ctx, fmt.Sprintf("chatbot model unavailable, skipping reply: %v", err))
		return nil
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil
	}

	return p.sendBotReply(ctx, payload, reply)
}

func (p *AIProcessor) sendBotReply(ctx context.Context, payload jobs.ChatbotPayload, reply string) error {
	conversation, err := p.store.GetConversationByID(ctx, payload.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.logger.Warn(ctx, "chatbot reply for unknown conversation, dropping")
			return nil
		}
		return err
	}
	channel, err := p.store.GetChannelByID(ctx, conversation.ChannelID)
	if err != nil {
		return err
	}
	contact, err := p.store.GetContactByID(ctx, conversation.ContactID)
	if err != nil {
		return err
	}

	// A redelivered job must not reply twice: the reply is keyed on the
	// triggering message, and an existing one is re-handed to delivery
	// (which skips it once the provider id is recorded).
	message, err := p.store.GetBotReplyToMessage(ctx, conversation.ID, payload.MessageID)
	replied := err == nil
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		message, err = p.store.CreateMessage(ctx, store.CreateMessageParams{
			AccountID:      payload.AccountID,
			ConversationID: conversation.ID,
			SenderType:     store.SenderTypeBot,
			Direction:      store.DirectionOutbound,
			Type:           store.MessageTypeText,
			Content:        &reply,
			Status:         store.MessageStatusPending,
			Metadata: store.JSONMap{
				"chatbot_id": payload.ChatbotID.String(),
				"reply_to":   payload.MessageID.String(),
			},
		})
		if err != nil {
			return err
		}
		if err := p.store.TouchConversation(ctx, conversation.ID, message.CreatedAt); err != nil {
			return err
		}
	}

	content := reply
	if replied && message.Content != nil {
		content = *message.Content
	}
	sendPayload := jobs.SendMessagePayload{
		AccountID:      payload.AccountID,
		ConversationID: conversation.ID,
		MessageID:      message.ID,
		ChannelID:      channel.ID,
		ChannelType:    channel.Type,
		Message:        jobs.OutboundContent{Type: store.MessageTypeText, Content: content},
	}
	if contact.Phone != nil {
		sendPayload.RecipientPhone = *contact.Phone
	}
	if contact.ExternalID != nil {
		sendPayload.RecipientExternalID = *contact.ExternalID
	}
	if err := p.enqueuer.EnqueueSendMessage(ctx, sendPayload); err != nil {
		return err
	}

	if replied {
		return nil
	}

	p.publisher.PublishNewMessage(ctx, message)
	p.publisher.Publish(ctx, events.TypeAIChatbot, map[string]interface{}{
		"account_id":      payload.AccountID.String(),
		"conversation_id": conversation.ID.String(),
		"message_id":      message.ID.String(),
	})
	return nil
}
