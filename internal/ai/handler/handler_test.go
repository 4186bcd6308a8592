package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chat-server/internal/jobs"
	"chat-server/internal/observability"
	"chat-server/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConversationReader serves a single conversation
type fakeConversationReader struct {
	conversation store.Conversation
}

func (f *fakeConversationReader) GetConversationByID(_ context.Context, id uuid.UUID) (store.Conversation, error) {
	if id == f.conversation.ID {
		return f.conversation, nil
	}
	return store.Conversation{}, store.ErrNotFound
}

// fakeEnqueuer records enqueued suggestion jobs
type fakeEnqueuer struct {
	suggests []jobs.SuggestPayload
	err      error
}

func (f *fakeEnqueuer) EnqueueSuggest(_ context.Context, p jobs.SuggestPayload) error {
	if f.err != nil {
		return f.err
	}
	f.suggests = append(f.suggests, p)
	return nil
}
func (f *fakeEnqueuer) EnqueueProcessIncoming(context.Context, jobs.ProcessIncomingPayload) error {
	return nil
}
func (f *fakeEnqueuer) EnqueueSendMessage(context.Context, jobs.SendMessagePayload) error { return nil }
func (f *fakeEnqueuer) EnqueueCampaignStart(context.Context, jobs.CampaignStartPayload, time.Duration) error {
	return nil
}
func (f *fakeEnqueuer) EnqueueCampaignSend(context.Context, jobs.CampaignSendPayload) error {
	return nil
}
func (f *fakeEnqueuer) EnqueueTranscribe(context.Context, jobs.TranscribePayload) error { return nil }
func (f *fakeEnqueuer) EnqueueSentiment(context.Context, jobs.SentimentPayload) error   { return nil }
func (f *fakeEnqueuer) EnqueueChatbot(context.Context, jobs.ChatbotPayload) error       { return nil }

func newTestRouter(reader *fakeConversationReader, enqueuer *fakeEnqueuer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := observability.NewLogger()
	h := New(reader, enqueuer, logger)

	router := gin.New()
	router.POST("/api/v1/conversations/:conversation_id/suggestions", h.HandleSuggest)
	return router
}

func TestSuggestRequestIsQueued(t *testing.T) {
	t.Parallel()

	conversation := store.Conversation{ID: uuid.New(), AccountID: uuid.New()}
	enqueuer := &fakeEnqueuer{}
	router := newTestRouter(&fakeConversationReader{conversation: conversation}, enqueuer)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/conversations/"+conversation.ID.String()+"/suggestions", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, enqueuer.suggests, 1)
	// The account comes from the conversation row, never from the caller.
	assert.Equal(t, conversation.AccountID, enqueuer.suggests[0].AccountID)
	assert.Equal(t, conversation.ID, enqueuer.suggests[0].ConversationID)
}

func TestSuggestUnknownConversationIs404(t *testing.T) {
	t.Parallel()

	enqueuer := &fakeEnqueuer{}
	router := newTestRouter(&fakeConversationReader{}, enqueuer)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/conversations/"+uuid.NewString()+"/suggestions", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, enqueuer.suggests)
}

func TestSuggestInvalidIDIs400(t *testing.T) {
	t.Parallel()

	router := newTestRouter(&fakeConversationReader{}, &fakeEnqueuer{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/not-a-uuid/suggestions", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
