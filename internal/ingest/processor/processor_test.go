package processor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"chat-server/internal/adapters"
	channels "chat-server/internal/channels/processor"
	"chat-server/internal/events"
	"chat-server/internal/jobs"
	"chat-server/internal/observability"
	"chat-server/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIngestStore is an in-memory IngestStore
type fakeIngestStore struct {
	contactsByPhone   map[string]store.Contact
	contactsByExt     map[string]store.Contact
	phoneLookupMisses int
	createContactErr  error
	createdContacts   []store.CreateContactParams

	conversations         map[string]store.Conversation
	conversationsByID     map[uuid.UUID]store.Conversation
	createdConversations  []store.CreateConversationParams
	conversationStatuses  map[uuid.UUID]string
	createConversationErr error

	messagesByExternalID map[string]store.Message
	createdMessages      []store.CreateMessageParams
	createMessageErr     error
	messageStatuses      map[uuid.UUID]string
	touched              []uuid.UUID

	advancedStatuses   []string
	advanceResult      bool
	bumpedCounters     []string
}

func newFakeIngestStore() *fakeIngestStore {
	return &fakeIngestStore{
		contactsByPhone:      map[string]store.Contact{},
		contactsByExt:        map[string]store.Contact{},
		conversations:        map[string]store.Conversation{},
		conversationsByID:    map[uuid.UUID]store.Conversation{},
		conversationStatuses: map[uuid.UUID]string{},
		messagesByExternalID: map[string]store.Message{},
		messageStatuses:      map[uuid.UUID]string{},
		advanceResult:        true,
	}
}

func conversationKey(channelID, contactID uuid.UUID) string {
	return channelID.String() + "/" + contactID.String()
}

func (f *fakeIngestStore) GetContactByPhone(_ context.Context, _ uuid.UUID, phone string) (store.Contact, error) {
	if f.phoneLookupMisses > 0 {
		f.phoneLookupMisses--
		return store.Contact{}, store.ErrNotFound
	}
	if c, ok := f.contactsByPhone[phone]; ok {
		return c, nil
	}
	return store.Contact{}, store.ErrNotFound
}

func (f *fakeIngestStore) GetContactByExternalID(_ context.Context, _ uuid.UUID, externalID string) (store.Contact, error) {
	if c, ok := f.contactsByExt[externalID]; ok {
		return c, nil
	}
	return store.Contact{}, store.ErrNotFound
}

func (f *fakeIngestStore) CreateContact(_ context.Context, params store.CreateContactParams) (store.Contact, error) {
	f.createdContacts = append(f.createdContacts, params)
	if f.createContactErr != nil {
		return store.Contact{}, f.createContactErr
	}
	contact := store.Contact{ID: uuid.New(), AccountID: params.AccountID, Name: params.Name, Phone: params.Phone, ExternalID: params.ExternalID}
	if params.Phone != nil {
		f.contactsByPhone[*params.Phone] = contact
	}
	if params.ExternalID != nil {
		f.contactsByExt[*params.ExternalID] = contact
	}
	return contact, nil
}

func (f *fakeIngestStore) GetConversationByID(_ context.Context, id uuid.UUID) (store.Conversation, error) {
	if c, ok := f.conversationsByID[id]; ok {
		return c, nil
	}
	return store.Conversation{}, store.ErrNotFound
}

func (f *fakeIngestStore) GetConversationByChannelAndContact(_ context.Context, _, channelID, contactID uuid.UUID) (store.Conversation, error) {
	if c, ok := f.conversations[conversationKey(channelID, contactID)]; ok {
		return c, nil
	}
	return store.Conversation{}, store.ErrNotFound
}

func (f *fakeIngestStore) CreateConversation(_ context.Context, params store.CreateConversationParams) (store.Conversation, error) {
	f.createdConversations = append(f.createdConversations, params)
	if f.createConversationErr != nil {
		return store.Conversation{}, f.createConversationErr
	}
	conversation := store.Conversation{
		ID:        uuid.New(),
		AccountID: params.AccountID,
		ChannelID: params.ChannelID,
		ContactID: params.ContactID,
		Status:    store.ConversationStatusOpen,
		Source:    params.Source,
	}
	f.conversations[conversationKey(params.ChannelID, params.ContactID)] = conversation
	f.conversationsByID[conversation.ID] = conversation
	return conversation, nil
}

func (f *fakeIngestStore) UpdateConversationStatus(_ context.Context, id uuid.UUID, status string) error {
	f.conversationStatuses[id] = status
	return nil
}

func (f *fakeIngestStore) TouchConversation(_ context.Context, id uuid.UUID, _ time.Time) error {
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeIngestStore) GetMessageByExternalID(_ context.Context, _ uuid.UUID, externalID string) (store.Message, error) {
	if m, ok := f.messagesByExternalID[externalID]; ok {
		return m, nil
	}
	return store.Message{}, store.ErrNotFound
}

func (f *fakeIngestStore) CreateMessage(_ context.Context, params store.CreateMessageParams) (store.Message, error) {
	f.createdMessages = append(f.createdMessages, params)
	if f.createMessageErr != nil {
		return store.Message{}, f.createMessageErr
	}
	message := store.Message{
		ID:             uuid.New(),
		AccountID:      params.AccountID,
		ConversationID: params.ConversationID,
		SenderType:     params.SenderType,
		Direction:      params.Direction,
		Type:           params.Type,
		Content:        params.Content,
		MediaURL:       params.MediaURL,
		MediaType:      params.MediaType,
		Status:         params.Status,
		ExternalID:     params.ExternalID,
		Metadata:       params.Metadata,
		CreatedAt:      time.Now().UTC(),
	}
	if params.ExternalID != nil {
		f.messagesByExternalID[*params.ExternalID] = message
	}
	return message, nil
}

func (f *fakeIngestStore) UpdateMessageStatus(_ context.Context, id uuid.UUID, status string) error {
	f.messageStatuses[id] = status
	return nil
}

func (f *fakeIngestStore) AdvanceRecipientStatus(_ context.Context, _, _ uuid.UUID, status string) (bool, error) {
	f.advancedStatuses = append(f.advancedStatuses, status)
	return f.advanceResult, nil
}

func (f *fakeIngestStore) IncrementCampaignCounter(_ context.Context, _ uuid.UUID, counter string) error {
	f.bumpedCounters = append(f.bumpedCounters, counter)
	return nil
}

// fakeResolver is an in-memory ChannelResolver
type fakeResolver struct {
	channels        map[string]store.Channel
	connectionCalls []adapters.ConnectionStateChange
}

func (f *fakeResolver) Resolve(_ context.Context, provider, lookupKey string) (store.Channel, error) {
	if ch, ok := f.channels[provider+"/"+lookupKey]; ok {
		return ch, nil
	}
	return store.Channel{}, channels.ErrChannelNotFound
}

func (f *fakeResolver) HandleConnectionState(_ context.Context, _ string, change adapters.ConnectionStateChange) error {
	f.connectionCalls = append(f.connectionCalls, change)
	return nil
}

// fakeEnqueuer records enqueued jobs
type fakeEnqueuer struct {
	transcribes []jobs.TranscribePayload
	suggests    []jobs.SuggestPayload
	sentiments  []jobs.SentimentPayload
	chatbots    []jobs.ChatbotPayload
	sends       []jobs.SendMessagePayload
}

func (f *fakeEnqueuer) EnqueueProcessIncoming(context.Context, jobs.ProcessIncomingPayload) error {
	return nil
}
func (f *fakeEnqueuer) EnqueueSendMessage(_ context.Context, p jobs.SendMessagePayload) error {
	f.sends = append(f.sends, p)
	return nil
}
func (f *fakeEnqueuer) EnqueueCampaignStart(context.Context, jobs.CampaignStartPayload, time.Duration) error {
	return nil
}
func (f *fakeEnqueuer) EnqueueCampaignSend(context.Context, jobs.CampaignSendPayload) error {
	return nil
}
func (f *fakeEnqueuer) EnqueueTranscribe(_ context.Context, p jobs.TranscribePayload) error {
	f.transcribes = append(f.transcribes, p)
	return nil
}
func (f *fakeEnqueuer) EnqueueSuggest(_ context.Context, p jobs.SuggestPayload) error {
	f.suggests = append(f.suggests, p)
	return nil
}
func (f *fakeEnqueuer) EnqueueSentiment(_ context.Context, p jobs.SentimentPayload) error {
	f.sentiments = append(f.sentiments, p)
	return nil
}
func (f *fakeEnqueuer) EnqueueChatbot(_ context.Context, p jobs.ChatbotPayload) error {
	f.chatbots = append(f.chatbots, p)
	return nil
}

// fakeBroker records broadcast envelopes
type fakeBroker struct {
	published [][]byte
}

func (f *fakeBroker) Publish(_ context.Context, _ string, payload []byte) error {
	f.published = append(f.published, payload)
	return nil
}

func (f *fakeBroker) eventTypes(t *testing.T) []string {
	t.Helper()
	var types []string
	for _, raw := range f.published {
		var envelope map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &envelope))
		types = append(types, envelope["type"].(string))
	}
	return types
}

type fixture struct {
	processor IngestProcessor
	store     *fakeIngestStore
	resolver  *fakeResolver
	enqueuer  *fakeEnqueuer
	broker    *fakeBroker
	channel   store.Channel
}

func newFixture(botEnabled bool) *fixture {
	logger := observability.NewLogger()
	st := newFakeIngestStore()
	channel := store.Channel{
		ID:        uuid.New(),
		AccountID: uuid.New(),
		Type:      store.ChannelTypeWhatsApp,
		Provider:  store.ChannelProviderWhatsAppBridge,
		LookupKey: "acme-main",
	}
	if botEnabled {
		botID := uuid.New()
		channel.BotEnabled = true
		channel.BotID = &botID
	}
	resolver := &fakeResolver{channels: map[string]store.Channel{
		store.ChannelProviderWhatsAppBridge + "/acme-main": channel,
	}}
	enqueuer := &fakeEnqueuer{}
	broker := &fakeBroker{}
	publisher := events.NewPublisher(broker, logger)

	return &fixture{
		processor: New(st, resolver, publisher, enqueuer, logger),
		store:     st,
		resolver:  resolver,
		enqueuer:  enqueuer,
		broker:    broker,
		channel:   channel,
	}
}

func bridgeTextPayload(messageID, text string) jobs.ProcessIncomingPayload {
	raw := `{
		"event": "messages.upsert",
		"instance": "acme-main",
		"data": {
			"key": {"remoteJid": "5511999999999@s.whatsapp.net", "fromMe": false, "id": "` + messageID + `"},
			"pushName": "Maria",
			"message": {"conversation": "` + text + `"},
			"messageTimestamp": 1700000000
		}
	}`
	return jobs.ProcessIncomingPayload{Provider: store.ChannelProviderWhatsAppBridge, RawPayload: json.RawMessage(raw)}
}

func TestProcessIncomingCreatesContactConversationAndMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(false)
	ctx := context.Background()

	err := f.processor.ProcessIncoming(ctx, bridgeTextPayload("MSG1", "hello"))
	require.NoError(t, err)

	require.Len(t, f.store.createdContacts, 1)
	assert.Equal(t, "Maria", f.store.createdContacts[0].Name)
	require.Len(t, f.store.createdConversations, 1)
	assert.Equal(t, store.ConversationSourceInbound, f.store.createdConversations[0].Source)
	require.Len(t, f.store.createdMessages, 1)
	assert.Equal(t, store.DirectionInbound, f.store.createdMessages[0].Direction)
	assert.Equal(t, store.SenderTypeContact, f.store.createdMessages[0].SenderType)
	assert.Len(t, f.store.touched, 1)

	assert.Contains(t, f.broker.eventTypes(t), events.TypeNewMessage)
	assert.Contains(t, f.broker.eventTypes(t), events.TypeNewConversation)

	// Text messages get sentiment but no transcription.
	assert.Len(t, f.enqueuer.sentiments, 1)
	assert.Empty(t, f.enqueuer.transcribes)
	assert.Empty(t, f.enqueuer.chatbots)
}

func TestProcessIncomingIsIdempotentOnExternalID(t *testing.T) {
	t.Parallel()

	f := newFixture(false)
	ctx := context.Background()

	require.NoError(t, f.processor.ProcessIncoming(ctx, bridgeTextPayload("MSG1", "hello")))
	broadcastsAfterFirst := len(f.broker.published)

	require.NoError(t, f.processor.ProcessIncoming(ctx, bridgeTextPayload("MSG1", "hello")))

	assert.Len(t, f.store.createdMessages, 1)
	assert.Len(t, f.broker.published, broadcastsAfterFirst)
	assert.Len(t, f.enqueuer.sentiments, 1)
}

func TestProcessIncomingEnqueuesChatbotWhenBotEnabled(t *testing.T) {
	t.Parallel()

	f := newFixture(true)
	ctx := context.Background()

	require.NoError(t, f.processor.ProcessIncoming(ctx, bridgeTextPayload("MSG1", "hello")))

	require.Len(t, f.enqueuer.chatbots, 1)
	assert.Equal(t, *f.channel.BotID, f.enqueuer.chatbots[0].ChatbotID)
	assert.Equal(t, "hello", f.enqueuer.chatbots[0].Content)
}

func TestProcessIncomingEnqueuesTranscriptionForAudio(t *testing.T) {
	t.Parallel()

	f := newFixture(false)
	ctx := context.Background()

	raw := `{
		"event": "messages.upsert",
		"instance": "acme-main",
		"data": {
			"key": {"remoteJid": "5511999999999@s.whatsapp.net", "fromMe": false, "id": "AUD1"},
			"message": {"audioMessage": {"url": "https://cdn.example/voice.ogg", "mimetype": "audio/ogg"}},
			"messageTimestamp": 1700000000
		}
	}`
	payload := jobs.ProcessIncomingPayload{Provider: store.ChannelProviderWhatsAppBridge, RawPayload: json.RawMessage(raw)}

	require.NoError(t, f.processor.ProcessIncoming(ctx, payload))

	require.Len(t, f.enqueuer.transcribes, 1)
	assert.Equal(t, "https://cdn.example/voice.ogg", f.enqueuer.transcribes[0].AudioURL)
	assert.Empty(t, f.enqueuer.sentiments)
}

func TestProcessIncomingDropsUnknownChannel(t *testing.T) {
	t.Parallel()

	f := newFixture(false)
	f.resolver.channels = map[string]store.Channel{}
	ctx := context.Background()

	err := f.processor.ProcessIncoming(ctx, bridgeTextPayload("MSG1", "hello"))
	require.NoError(t, err)
	assert.Empty(t, f.store.createdMessages)
}

func TestProcessIncomingDropsMalformedPayload(t *testing.T) {
	t.Parallel()

	f := newFixture(false)
	payload := jobs.ProcessIncomingPayload{Provider: store.ChannelProviderWhatsAppBridge, RawPayload: json.RawMessage(`{not json`)}

	err := f.processor.ProcessIncoming(context.Background(), payload)
	require.NoError(t, err)
	assert.Empty(t, f.store.createdMessages)
}

func TestResolveContactRecoversFromInsertRace(t *testing.T) {
	t.Parallel()

	f := newFixture(false)
	ctx := context.Background()
	accountID := uuid.New()

	// The create hits a unique violation because a concurrent insert won; the
	// re-read must return the winner's row.
	winner := store.Contact{ID: uuid.New(), AccountID: accountID, Name: "Maria"}
	f.store.createContactErr = &pgconn.PgError{Code: "23505"}
	f.store.contactsByPhone["5511999999999"] = winner
	f.store.phoneLookupMisses = 1

	contact, created, err := f.processor.ResolveContact(ctx, accountID, "5511999999999", "", "Maria")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, winner.ID, contact.ID)
}

func TestResolveContactDefaultsName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Maria", contactDisplayName("Maria", "5511999999999", ""))
	assert.Equal(t, "5511999999999", contactDisplayName("", "5511999999999", "ext"))
	assert.Equal(t, "123456789012", contactDisplayName("", "", "1234567890123456"))
	assert.Equal(t, "short", contactDisplayName("", "", "short"))
}

func TestResolveConversationReopensResolved(t *testing.T) {
	t.Parallel()

	f := newFixture(false)
	ctx := context.Background()
	accountID := uuid.New()
	channelID := uuid.New()
	contactID := uuid.New()

	existing := store.Conversation{
		ID:        uuid.New(),
		AccountID: accountID,
		ChannelID: channelID,
		ContactID: contactID,
		Status:    store.ConversationStatusResolved,
	}
	f.store.conversations[conversationKey(channelID, contactID)] = existing

	conversation, created, err := f.processor.ResolveConversation(ctx, accountID, channelID, contactID, store.ConversationSourceInbound)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, store.ConversationStatusOpen, conversation.Status)
	assert.Equal(t, store.ConversationStatusOpen, f.store.conversationStatuses[existing.ID])
}

func TestUpdateStatusAppliesForwardOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(false)
	ctx := context.Background()
	accountID := uuid.New()

	message := store.Message{ID: uuid.New(), AccountID: accountID, Status: store.MessageStatusRead}
	f.store.messagesByExternalID["MSG1"] = message

	// A late delivered receipt after read must not regress.
	require.NoError(t, f.processor.UpdateStatus(ctx, accountID, "MSG1", "DELIVERY_ACK"))
	assert.Empty(t, f.store.messageStatuses)
}

func TestUpdateStatusFailedIsTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(false)
	ctx := context.Background()
	accountID := uuid.New()

	message := store.Message{ID: uuid.New(), AccountID: accountID, Status: store.MessageStatusFailed}
	f.store.messagesByExternalID["MSG1"] = message

	require.NoError(t, f.processor.UpdateStatus(ctx, accountID, "MSG1", "READ"))
	assert.Empty(t, f.store.messageStatuses)
}

func TestUpdateStatusUnknownMessageIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(false)
	err := f.processor.UpdateStatus(context.Background(), uuid.New(), "MISSING", "READ")
	require.NoError(t, err)
}

func TestUpdateStatusForwardsCampaignReceipts(t *testing.T) {
	t.Parallel()

	f := newFixture(false)
	ctx := context.Background()
	accountID := uuid.New()
	campaignID := uuid.New()
	contactID := uuid.New()

	conversation := store.Conversation{ID: uuid.New(), AccountID: accountID, ContactID: contactID}
	f.store.conversationsByID[conversation.ID] = conversation

	message := store.Message{
		ID:             uuid.New(),
		AccountID:      accountID,
		ConversationID: conversation.ID,
		Status:         store.MessageStatusSent,
		Metadata:       store.JSONMap{"campaign_id": campaignID.String()},
	}
	f.store.messagesByExternalID["MSG1"] = message

	require.NoError(t, f.processor.UpdateStatus(ctx, accountID, "MSG1", "delivered"))

	assert.Equal(t, store.MessageStatusDelivered, f.store.messageStatuses[message.ID])
	assert.Equal(t, []string{store.MessageStatusDelivered}, f.store.advancedStatuses)
	assert.Equal(t, []string{store.MessageStatusDelivered}, f.store.bumpedCounters)
}

func TestMapProviderStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"0":            store.MessageStatusFailed,
		"ERROR":        store.MessageStatusFailed,
		"failed":       store.MessageStatusFailed,
		"1":            store.MessageStatusPending,
		"2":            store.MessageStatusSent,
		"SERVER_ACK":   store.MessageStatusSent,
		"sent":         store.MessageStatusSent,
		"3":            store.MessageStatusDelivered,
		"DELIVERY_ACK": store.MessageStatusDelivered,
		"delivered":    store.MessageStatusDelivered,
		"4":            store.MessageStatusRead,
		"5":            store.MessageStatusRead,
		"READ":         store.MessageStatusRead,
		"read":         store.MessageStatusRead,
		"PLAYED":       store.MessageStatusRead,
		"whatever":     store.MessageStatusSent,
	}
	for input, want := range cases {
		assert.Equal(t, want, MapProviderStatus(input), "input %q", input)
	}
}

func TestProcessIncomingRoutesConnectionState(t *testing.T) {
	t.Parallel()

	f := newFixture(false)
	raw := `{"event": "connection.update", "instance": "acme-main", "data": {"state": "close"}}`
	payload := jobs.ProcessIncomingPayload{Provider: store.ChannelProviderWhatsAppBridge, RawPayload: json.RawMessage(raw)}

	require.NoError(t, f.processor.ProcessIncoming(context.Background(), payload))

	require.Len(t, f.resolver.connectionCalls, 1)
	assert.Equal(t, "close", f.resolver.connectionCalls[0].State)
}
