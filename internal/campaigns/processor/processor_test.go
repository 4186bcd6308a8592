package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"chat-server/internal/events"
	"chat-server/internal/jobs"
	"chat-server/internal/observability"
	"chat-server/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCampaignStore is an in-memory CampaignStore
type fakeCampaignStore struct {
	campaigns  map[uuid.UUID]store.Campaign
	channels   map[uuid.UUID]store.Channel
	recipients map[uuid.UUID][]store.RecipientWithContact

	conversations        map[string]store.Conversation
	createdConversations []store.CreateConversationParams
	createdMessages      []store.CreateMessageParams
	messages             []store.Message
	createMessageErr     error

	totals   map[uuid.UUID]int
	counters []string
	touched  []uuid.UUID
}

func newFakeCampaignStore() *fakeCampaignStore {
	return &fakeCampaignStore{
		campaigns:     map[uuid.UUID]store.Campaign{},
		channels:      map[uuid.UUID]store.Channel{},
		recipients:    map[uuid.UUID][]store.RecipientWithContact{},
		conversations: map[string]store.Conversation{},
		totals:        map[uuid.UUID]int{},
	}
}

func (f *fakeCampaignStore) GetCampaignByID(_ context.Context, id uuid.UUID) (store.Campaign, error) {
	if c, ok := f.campaigns[id]; ok {
		return c, nil
	}
	return store.Campaign{}, store.ErrNotFound
}

func (f *fakeCampaignStore) UpdateCampaignStatus(_ context.Context, id uuid.UUID, status string) error {
	campaign, ok := f.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	campaign.Status = status
	f.campaigns[id] = campaign
	return nil
}

func (f *fakeCampaignStore) SetCampaignTotal(_ context.Context, id uuid.UUID, total int) error {
	f.totals[id] = total
	return nil
}

func (f *fakeCampaignStore) IncrementCampaignCounter(_ context.Context, _ uuid.UUID, counter string) error {
	f.counters = append(f.counters, counter)
	return nil
}

func (f *fakeCampaignStore) ListPendingRecipients(_ context.Context, campaignID uuid.UUID) ([]store.RecipientWithContact, error) {
	var pending []store.RecipientWithContact
	for _, r := range f.recipients[campaignID] {
		if r.Status == store.RecipientStatusPending {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

func (f *fakeCampaignStore) GetRecipientByCampaignAndContact(_ context.Context, campaignID, contactID uuid.UUID) (store.CampaignRecipient, error) {
	for _, r := range f.recipients[campaignID] {
		if r.ContactID == contactID {
			return r.CampaignRecipient, nil
		}
	}
	return store.CampaignRecipient{}, store.ErrNotFound
}

func (f *fakeCampaignStore) setRecipientStatus(campaignID, contactID uuid.UUID, from, to string) bool {
	list := f.recipients[campaignID]
	for i, r := range list {
		if r.ContactID == contactID && r.Status == from {
			list[i].Status = to
			return true
		}
	}
	return false
}

func (f *fakeCampaignStore) MarkRecipientSent(_ context.Context, campaignID, contactID uuid.UUID) (bool, error) {
	return f.setRecipientStatus(campaignID, contactID, store.RecipientStatusPending, store.RecipientStatusSent), nil
}

func (f *fakeCampaignStore) MarkRecipientFailed(_ context.Context, campaignID, contactID uuid.UUID, _ string) (bool, error) {
	return f.setRecipientStatus(campaignID, contactID, store.RecipientStatusPending, store.RecipientStatusFailed), nil
}

func (f *fakeCampaignStore) CountPendingRecipients(_ context.Context, campaignID uuid.UUID) (int, error) {
	count := 0
	for _, r := range f.recipients[campaignID] {
		if r.Status == store.RecipientStatusPending {
			count++
		}
	}
	return count, nil
}

func (f *fakeCampaignStore) GetChannelByID(_ context.Context, id uuid.UUID) (store.Channel, error) {
	if ch, ok := f.channels[id]; ok {
		return ch, nil
	}
	return store.Channel{}, store.ErrNotFound
}

func (f *fakeCampaignStore) GetConversationByChannelAndContact(_ context.Context, _, channelID, contactID uuid.UUID) (store.Conversation, error) {
	if c, ok := f.conversations[channelID.String()+"/"+contactID.String()]; ok {
		return c, nil
	}
	return store.Conversation{}, store.ErrNotFound
}

func (f *fakeCampaignStore) CreateConversation(_ context.Context, params store.CreateConversationParams) (store.Conversation, error) {
	f.createdConversations = append(f.createdConversations, params)
	conversation := store.Conversation{
		ID:        uuid.New(),
		AccountID: params.AccountID,
		ChannelID: params.ChannelID,
		ContactID: params.ContactID,
		Status:    store.ConversationStatusOpen,
		Source:    params.Source,
	}
	f.conversations[params.ChannelID.String()+"/"+params.ContactID.String()] = conversation
	return conversation, nil
}

func (f *fakeCampaignStore) TouchConversation(_ context.Context, id uuid.UUID, _ time.Time) error {
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeCampaignStore) CreateMessage(_ context.Context, params store.CreateMessageParams) (store.Message, error) {
	f.createdMessages = append(f.createdMessages, params)
	if f.createMessageErr != nil {
		return store.Message{}, f.createMessageErr
	}
	message := store.Message{
		ID:             uuid.New(),
		AccountID:      params.AccountID,
		ConversationID: params.ConversationID,
		Direction:      params.Direction,
		Status:         params.Status,
		Metadata:       params.Metadata,
		CreatedAt:      time.Now().UTC(),
	}
	f.messages = append(f.messages, message)
	return message, nil
}

func (f *fakeCampaignStore) GetCampaignMessage(_ context.Context, campaignID, conversationID uuid.UUID) (store.Message, error) {
	for _, m := range f.messages {
		if m.ConversationID == conversationID && m.Direction == store.DirectionOutbound && m.Metadata["campaign_id"] == campaignID.String() {
			return m, nil
		}
	}
	return store.Message{}, store.ErrNotFound
}

// fakeEnqueuer records enqueued jobs
type fakeEnqueuer struct {
	starts []jobs.CampaignStartPayload
	delays []time.Duration
	sends  []jobs.CampaignSendPayload
	posts  []jobs.SendMessagePayload
}

func (f *fakeEnqueuer) EnqueueProcessIncoming(context.Context, jobs.ProcessIncomingPayload) error {
	return nil
}
func (f *fakeEnqueuer) EnqueueSendMessage(_ context.Context, p jobs.SendMessagePayload) error {
	f.posts = append(f.posts, p)
	return nil
}
func (f *fakeEnqueuer) EnqueueCampaignStart(_ context.Context, p jobs.CampaignStartPayload, delay time.Duration) error {
	f.starts = append(f.starts, p)
	f.delays = append(f.delays, delay)
	return nil
}
func (f *fakeEnqueuer) EnqueueCampaignSend(_ context.Context, p jobs.CampaignSendPayload) error {
	f.sends = append(f.sends, p)
	return nil
}
func (f *fakeEnqueuer) EnqueueTranscribe(context.Context, jobs.TranscribePayload) error { return nil }
func (f *fakeEnqueuer) EnqueueSuggest(context.Context, jobs.SuggestPayload) error       { return nil }
func (f *fakeEnqueuer) EnqueueSentiment(context.Context, jobs.SentimentPayload) error   { return nil }
func (f *fakeEnqueuer) EnqueueChatbot(context.Context, jobs.ChatbotPayload) error       { return nil }

type nullBroker struct{}

func (nullBroker) Publish(context.Context, string, []byte) error { return nil }

type campaignFixture struct {
	processor CampaignProcessor
	store     *fakeCampaignStore
	enqueuer  *fakeEnqueuer
	campaign  store.Campaign
	channel   store.Channel
}

func newCampaignFixture(status string, recipientCount int) *campaignFixture {
	logger := observability.NewLogger()
	st := newFakeCampaignStore()
	enqueuer := &fakeEnqueuer{}
	publisher := events.NewPublisher(nullBroker{}, logger)

	channel := store.Channel{ID: uuid.New(), AccountID: uuid.New(), Type: store.ChannelTypeWhatsApp, Provider: store.ChannelProviderWhatsAppCloud, LookupKey: "PNID-1"}
	content := "big launch"
	campaign := store.Campaign{
		ID:        uuid.New(),
		AccountID: channel.AccountID,
		ChannelID: channel.ID,
		Status:    status,
		Content:   &content,
	}
	st.channels[channel.ID] = channel
	st.campaigns[campaign.ID] = campaign

	for i := 0; i < recipientCount; i++ {
		phone := "551199999000" + string(rune('0'+i))
		contact := store.Contact{ID: uuid.New(), AccountID: channel.AccountID, Name: "Contact", Phone: &phone}
		st.recipients[campaign.ID] = append(st.recipients[campaign.ID], store.RecipientWithContact{
			CampaignRecipient: store.CampaignRecipient{
				ID:         uuid.New(),
				CampaignID: campaign.ID,
				ContactID:  contact.ID,
				Status:     store.RecipientStatusPending,
			},
			Contact: contact,
		})
	}

	return &campaignFixture{
		processor: New(st, enqueuer, publisher, logger),
		store:     st,
		enqueuer:  enqueuer,
		campaign:  campaign,
		channel:   channel,
	}
}

func (f *campaignFixture) startPayload() jobs.CampaignStartPayload {
	return jobs.CampaignStartPayload{CampaignID: f.campaign.ID, AccountID: f.campaign.AccountID}
}

func (f *campaignFixture) sendPayloadFor(index int) jobs.CampaignSendPayload {
	recipient := f.store.recipients[f.campaign.ID][index]
	contact := jobs.ContactRef{ID: recipient.ContactID, Name: recipient.Contact.Name}
	if recipient.Contact.Phone != nil {
		contact.Phone = *recipient.Contact.Phone
	}
	return jobs.CampaignSendPayload{
		CampaignID:  f.campaign.ID,
		AccountID:   f.campaign.AccountID,
		ChannelID:   f.channel.ID,
		ChannelType: f.channel.Type,
		Contact:     contact,
		Content:     "big launch",
	}
}

func TestStartFansOutPendingRecipients(t *testing.T) {
	t.Parallel()

	f := newCampaignFixture(store.CampaignStatusScheduled, 3)

	require.NoError(t, f.processor.Start(context.Background(), f.startPayload()))

	assert.Equal(t, store.CampaignStatusRunning, f.store.campaigns[f.campaign.ID].Status)
	assert.Equal(t, 3, f.store.totals[f.campaign.ID])
	assert.Len(t, f.enqueuer.sends, 3)
}

func TestStartWithNoRecipientsCompletesImmediately(t *testing.T) {
	t.Parallel()

	f := newCampaignFixture(store.CampaignStatusScheduled, 0)

	require.NoError(t, f.processor.Start(context.Background(), f.startPayload()))

	assert.Equal(t, store.CampaignStatusCompleted, f.store.campaigns[f.campaign.ID].Status)
	assert.Empty(t, f.enqueuer.sends)
}

func TestStartSkipsCancelledCampaign(t *testing.T) {
	t.Parallel()

	f := newCampaignFixture(store.CampaignStatusCancelled, 2)

	require.NoError(t, f.processor.Start(context.Background(), f.startPayload()))

	assert.Equal(t, store.CampaignStatusCancelled, f.store.campaigns[f.campaign.ID].Status)
	assert.Empty(t, f.enqueuer.sends)
}

func TestSendToRecipientCreatesMessageAndMarksSent(t *testing.T) {
	t.Parallel()

	f := newCampaignFixture(store.CampaignStatusRunning, 2)

	require.NoError(t, f.processor.SendToRecipient(context.Background(), f.sendPayloadFor(0)))

	require.Len(t, f.store.createdMessages, 1)
	created := f.store.createdMessages[0]
	assert.Equal(t, store.DirectionOutbound, created.Direction)
	assert.Equal(t, f.campaign.ID.String(), created.Metadata["campaign_id"])
	require.Len(t, f.store.createdConversations, 1)
	assert.Equal(t, store.ConversationSourceCampaign, f.store.createdConversations[0].Source)

	require.Len(t, f.enqueuer.posts, 1)
	assert.Equal(t, "5511999990000", f.enqueuer.posts[0].RecipientPhone)

	assert.Equal(t, []string{store.MessageStatusSent}, f.store.counters)
	// One recipient still pending, so the campaign stays running.
	assert.Equal(t, store.CampaignStatusRunning, f.store.campaigns[f.campaign.ID].Status)
}

func TestLastRecipientCompletesCampaign(t *testing.T) {
	t.Parallel()

	f := newCampaignFixture(store.CampaignStatusRunning, 2)

	require.NoError(t, f.processor.SendToRecipient(context.Background(), f.sendPayloadFor(0)))
	require.NoError(t, f.processor.SendToRecipient(context.Background(), f.sendPayloadFor(1)))

	assert.Equal(t, store.CampaignStatusCompleted, f.store.campaigns[f.campaign.ID].Status)
}

func TestSendToRecipientSkipsWhenNotRunning(t *testing.T) {
	t.Parallel()

	f := newCampaignFixture(store.CampaignStatusPaused, 1)

	require.NoError(t, f.processor.SendToRecipient(context.Background(), f.sendPayloadFor(0)))

	assert.Empty(t, f.store.createdMessages)
	assert.Equal(t, store.RecipientStatusPending, f.store.recipients[f.campaign.ID][0].Status)
}

func TestSendToRecipientIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newCampaignFixture(store.CampaignStatusRunning, 2)
	payload := f.sendPayloadFor(0)

	require.NoError(t, f.processor.SendToRecipient(context.Background(), payload))
	require.NoError(t, f.processor.SendToRecipient(context.Background(), payload))

	assert.Len(t, f.store.createdMessages, 1)
	assert.Equal(t, []string{store.MessageStatusSent}, f.store.counters)
}

func TestRedeliveredSendReusesCampaignMessage(t *testing.T) {
	t.Parallel()

	f := newCampaignFixture(store.CampaignStatusRunning, 1)
	payload := f.sendPayloadFor(0)

	require.NoError(t, f.processor.SendToRecipient(context.Background(), payload))

	// Simulate a crash between the message insert and the recipient status
	// update: the row is still pending when the job comes back.
	f.store.setRecipientStatus(f.campaign.ID, payload.Contact.ID, store.RecipientStatusSent, store.RecipientStatusPending)
	require.NoError(t, f.processor.SendToRecipient(context.Background(), payload))

	assert.Len(t, f.store.createdMessages, 1)
	require.Len(t, f.enqueuer.posts, 2)
	assert.Equal(t, f.enqueuer.posts[0].MessageID, f.enqueuer.posts[1].MessageID)
}

func TestRecipientFailureDoesNotStopCampaign(t *testing.T) {
	t.Parallel()

	f := newCampaignFixture(store.CampaignStatusRunning, 2)
	f.store.createMessageErr = errors.New("insert failed")

	// No task metadata on the context, so this counts as the final attempt.
	require.NoError(t, f.processor.SendToRecipient(context.Background(), f.sendPayloadFor(0)))

	assert.Equal(t, store.RecipientStatusFailed, f.store.recipients[f.campaign.ID][0].Status)
	assert.Equal(t, []string{store.MessageStatusFailed}, f.store.counters)
	assert.Equal(t, store.CampaignStatusRunning, f.store.campaigns[f.campaign.ID].Status)

	f.store.createMessageErr = nil
	require.NoError(t, f.processor.SendToRecipient(context.Background(), f.sendPayloadFor(1)))
	assert.Equal(t, store.CampaignStatusCompleted, f.store.campaigns[f.campaign.ID].Status)
}

func TestScheduleEnqueuesDelayedStart(t *testing.T) {
	t.Parallel()

	f := newCampaignFixture(store.CampaignStatusDraft, 1)
	scheduledAt := time.Now().Add(2 * time.Hour)

	require.NoError(t, f.processor.Schedule(context.Background(), f.campaign.ID, scheduledAt))

	assert.Equal(t, store.CampaignStatusScheduled, f.store.campaigns[f.campaign.ID].Status)
	require.Len(t, f.enqueuer.starts, 1)
	assert.InDelta(t, (2 * time.Hour).Seconds(), f.enqueuer.delays[0].Seconds(), 5)
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()

	f := newCampaignFixture(store.CampaignStatusRunning, 2)

	require.NoError(t, f.processor.Pause(context.Background(), f.campaign.ID))
	assert.Equal(t, store.CampaignStatusPaused, f.store.campaigns[f.campaign.ID].Status)

	require.NoError(t, f.processor.Resume(context.Background(), f.campaign.ID))
	assert.Equal(t, store.CampaignStatusRunning, f.store.campaigns[f.campaign.ID].Status)
	// Resume re-enqueues the start job to fan pending recipients out again.
	assert.Len(t, f.enqueuer.starts, 1)
}

func TestInvalidTransitionsAreRejected(t *testing.T) {
	t.Parallel()

	f := newCampaignFixture(store.CampaignStatusCompleted, 0)

	assert.ErrorIs(t, f.processor.Pause(context.Background(), f.campaign.ID), ErrInvalidTransition)
	assert.ErrorIs(t, f.processor.Cancel(context.Background(), f.campaign.ID), ErrInvalidTransition)
	assert.ErrorIs(t, f.processor.Resume(context.Background(), f.campaign.ID), ErrInvalidTransition)
}

func TestCancelFromRunning(t *testing.T) {
	t.Parallel()

	f := newCampaignFixture(store.CampaignStatusRunning, 1)

	require.NoError(t, f.processor.Cancel(context.Background(), f.campaign.ID))
	assert.Equal(t, store.CampaignStatusCancelled, f.store.campaigns[f.campaign.ID].Status)

	// A send job still in flight observes the cancelled status and drops.
	require.NoError(t, f.processor.SendToRecipient(context.Background(), f.sendPayloadFor(0)))
	assert.Empty(t, f.store.createdMessages)
}
