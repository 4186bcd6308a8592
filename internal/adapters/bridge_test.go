package adapters

import (
	"testing"

	"chat-server/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBridgeTextMessage(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"event": "messages.upsert",
		"instance": "acme-main",
		"data": {
			"key": {"remoteJid": "5511999999999@s.whatsapp.net", "fromMe": false, "id": "ABC123"},
			"pushName": "Maria",
			"message": {"conversation": "hello there"},
			"messageTimestamp": 1700000000
		}
	}`)

	events, err := ParseBridge(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, KindInboundMessage, events[0].Kind)

	inbound := events[0].Inbound
	assert.Equal(t, "acme-main", inbound.ChannelLookupKey)
	assert.Equal(t, "5511999999999", inbound.SenderPhone)
	assert.Equal(t, "Maria", inbound.SenderName)
	assert.Equal(t, "ABC123", inbound.ExternalMessageID)
	assert.Equal(t, store.MessageTypeText, inbound.Type)
	assert.Equal(t, "hello there", inbound.Content)
	assert.Equal(t, int64(1700000000), inbound.Timestamp.Unix())
}

func TestParseBridgeSuppressesOwnMessages(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"event": "messages.upsert",
		"instance": "acme-main",
		"data": {
			"key": {"remoteJid": "5511999999999@s.whatsapp.net", "fromMe": true, "id": "ABC123"},
			"message": {"conversation": "my own reply"},
			"messageTimestamp": 1700000000
		}
	}`)

	events, err := ParseBridge(raw)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestParseBridgeMediaMessage(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"event": "messages.upsert",
		"instance": "acme-main",
		"data": {
			"key": {"remoteJid": "5511999999999@s.whatsapp.net", "fromMe": false, "id": "IMG1"},
			"message": {"imageMessage": {"url": "https://cdn.example/img.jpg", "mimetype": "image/jpeg", "caption": "look"}},
			"messageTimestamp": 1700000000
		}
	}`)

	events, err := ParseBridge(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)

	inbound := events[0].Inbound
	assert.Equal(t, store.MessageTypeImage, inbound.Type)
	assert.Equal(t, "https://cdn.example/img.jpg", inbound.MediaURL)
	assert.Equal(t, "image/jpeg", inbound.MediaType)
	assert.Equal(t, "look", inbound.Content)
}

func TestParseBridgeStatusUpdates(t *testing.T) {
	t.Parallel()

	// Numeric ack codes and string receipt names both occur in the wild.
	t.Run("numeric status array", func(t *testing.T) {
		raw := []byte(`{
			"event": "messages.update",
			"instance": "acme-main",
			"data": [
				{"key": {"id": "MSG1"}, "status": 3},
				{"key": {"id": "MSG2"}, "status": 4}
			]
		}`)

		events, err := ParseBridge(raw)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, KindDeliveryStatus, events[0].Kind)
		assert.Equal(t, "MSG1", events[0].Status.ExternalMessageID)
		assert.Equal(t, "3", events[0].Status.ProviderStatusCode)
		assert.Equal(t, "4", events[1].Status.ProviderStatusCode)
	})

	t.Run("string status in update object", func(t *testing.T) {
		raw := []byte(`{
			"event": "messages.update",
			"instance": "acme-main",
			"data": {"key": {"id": "MSG3"}, "update": {"status": "READ"}}
		}`)

		events, err := ParseBridge(raw)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "READ", events[0].Status.ProviderStatusCode)
	})
}

func TestParseBridgeConnectionUpdate(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"event": "connection.update",
		"instance": "acme-main",
		"data": {"state": "open"}
	}`)

	events, err := ParseBridge(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, KindConnectionState, events[0].Kind)
	assert.Equal(t, "acme-main", events[0].Connection.ChannelLookupKey)
	assert.Equal(t, "open", events[0].Connection.State)
}

func TestParseBridgeLogoutClosesConnection(t *testing.T) {
	t.Parallel()

	events, err := ParseBridge([]byte(`{"event": "instance.logout", "instance": "acme-main"}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "close", events[0].Connection.State)
}

func TestParseBridgeQRCodeIsNoOp(t *testing.T) {
	t.Parallel()

	events, err := ParseBridge([]byte(`{"event": "qrcode.updated", "instance": "acme-main", "data": {"qrcode": "xyz"}}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestJidToPhone(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "5511999999999", jidToPhone("5511999999999@s.whatsapp.net"))
	assert.Equal(t, "5511999999999", jidToPhone("5511999999999"))
}
