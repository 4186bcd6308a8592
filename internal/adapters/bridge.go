package adapters

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chat-server/internal/store"
)

// Unofficial bridge webhook shapes. The bridge posts one envelope per event
// with the instance name identifying the connected number; data is an object
// or an array depending on the event.

// Bridge event names
const (
	bridgeEventMessagesUpsert   = "messages.upsert"
	bridgeEventMessagesUpdate   = "messages.update"
	bridgeEventConnectionUpdate = "connection.update"
	bridgeEventQRCodeUpdated    = "qrcode.updated"
	bridgeEventInstanceDelete   = "instance.delete"
	bridgeEventInstanceLogout   = "instance.logout"
)

type bridgePayload struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type bridgeKey struct {
	RemoteJid string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

type bridgeMessageData struct {
	Key              bridgeKey             `json:"key"`
	PushName         string                `json:"pushName"`
	Message          *bridgeMessageContent `json:"message"`
	MessageTimestamp int64                 `json:"messageTimestamp"`
}

type bridgeMessageContent struct {
	Conversation        string             `json:"conversation"`
	ExtendedTextMessage *bridgeText        `json:"extendedTextMessage"`
	ImageMessage        *bridgeMedia       `json:"imageMessage"`
	VideoMessage        *bridgeMedia       `json:"videoMessage"`
	AudioMessage        *bridgeMedia       `json:"audioMessage"`
	DocumentMessage     *bridgeMedia       `json:"documentMessage"`
	StickerMessage      *bridgeMedia       `json:"stickerMessage"`
	LocationMessage     *bridgeLocation    `json:"locationMessage"`
	ContactMessage      *bridgeContactCard `json:"contactMessage"`
}

type bridgeText struct {
	Text string `json:"text"`
}

type bridgeMedia struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype"`
	Caption  string `json:"caption"`
}

type bridgeLocation struct {
	DegreesLatitude  float64 `json:"degreesLatitude"`
	DegreesLongitude float64 `json:"degreesLongitude"`
}

type bridgeContactCard struct {
	DisplayName string `json:"displayName"`
	Vcard       string `json:"vcard"`
}

type bridgeUpdateData struct {
	Key    bridgeKey       `json:"key"`
	Status json.RawMessage `json:"status"`
	Update *struct {
		Status json.RawMessage `json:"status"`
	} `json:"update"`
}

type bridgeConnectionData struct {
	State string `json:"state"`
}

// ParseBridge flattens a bridge webhook into canonical events. The instance
// name is the channel lookup key. Self-sent echoes (fromMe) are suppressed
// here; qr code refreshes are a successful no-op.
func ParseBridge(raw []byte) ([]CanonicalEvent, error) {
	var payload bridgePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse bridge payload: %w", err)
	}

	switch payload.Event {
	case bridgeEventMessagesUpsert:
		return parseBridgeUpserts(payload.Instance, payload.Data)
	case bridgeEventMessagesUpdate:
		return parseBridgeUpdates(payload.Instance, payload.Data)
	case bridgeEventConnectionUpdate:
		var data bridgeConnectionData
		if err := json.Unmarshal(payload.Data, &data); err != nil {
			return nil, fmt.Errorf("failed to parse connection update: %w", err)
		}
		return []CanonicalEvent{connectionEvent(ConnectionStateChange{
			ChannelLookupKey: payload.Instance,
			State:            data.State,
		})}, nil
	case bridgeEventInstanceDelete, bridgeEventInstanceLogout:
		return []CanonicalEvent{connectionEvent(ConnectionStateChange{
			ChannelLookupKey: payload.Instance,
			State:            "close",
		})}, nil
	case bridgeEventQRCodeUpdated:
		return nil, nil
	default:
		return nil, nil
	}
}

func parseBridgeUpserts(instance string, raw json.RawMessage) ([]CanonicalEvent, error) {
	items, err := bridgeDataItems(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse messages upsert: %w", err)
	}

	var events []CanonicalEvent
	for _, item := range items {
		var data bridgeMessageData
		if err := json.Unmarshal(item, &data); err != nil {
			return nil, fmt.Errorf("failed to parse message entry: %w", err)
		}
		if data.Key.FromMe {
			continue
		}
		if data.Message == nil {
			continue
		}

		inbound := InboundMessage{
			ChannelLookupKey:  instance,
			SenderPhone:       jidToPhone(data.Key.RemoteJid),
			SenderName:        data.PushName,
			ExternalMessageID: data.Key.ID,
			Timestamp:         time.Unix(data.MessageTimestamp, 0).UTC(),
		}
		applyBridgeContent(&inbound, data.Message)
		events = append(events, inboundEvent(inbound))
	}
	return events, nil
}

func parseBridgeUpdates(instance string, raw json.RawMessage) ([]CanonicalEvent, error) {
	items, err := bridgeDataItems(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse messages update: %w", err)
	}

	var events []CanonicalEvent
	for _, item := range items {
		var data bridgeUpdateData
		if err := json.Unmarshal(item, &data); err != nil {
			return nil, fmt.Errorf("failed to parse status entry: %w", err)
		}
		status := data.Status
		if status == nil && data.Update != nil {
			status = data.Update.Status
		}
		code := normalizeBridgeStatus(status)
		if data.Key.ID == "" || code == "" {
			continue
		}
		events = append(events, statusEvent(DeliveryStatus{
			ChannelLookupKey:   instance,
			ExternalMessageID:  data.Key.ID,
			ProviderStatusCode: code,
		}))
	}
	return events, nil
}

// bridgeDataItems accepts both the single-object and the array data shape.
func bridgeDataItems(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	return []json.RawMessage{raw}, nil
}

// normalizeBridgeStatus accepts both the numeric ack codes and the string
// receipt names the bridge emits depending on version.
func normalizeBridgeStatus(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var numeric int
	if err := json.Unmarshal(raw, &numeric); err == nil {
		return fmt.Sprintf("%d", numeric)
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}
	return ""
}

func applyBridgeContent(inbound *InboundMessage, content *bridgeMessageContent) {
	switch {
	case content.Conversation != "":
		inbound.Type = store.MessageTypeText
		inbound.Content = content.Conversation
	case content.ExtendedTextMessage != nil:
		inbound.Type = store.MessageTypeText
		inbound.Content = content.ExtendedTextMessage.Text
	case content.ImageMessage != nil:
		inbound.Type = store.MessageTypeImage
		applyBridgeMedia(inbound, content.ImageMessage)
	case content.VideoMessage != nil:
		inbound.Type = store.MessageTypeVideo
		applyBridgeMedia(inbound, content.VideoMessage)
	case content.AudioMessage != nil:
		inbound.Type = store.MessageTypeAudio
		applyBridgeMedia(inbound, content.AudioMessage)
	case content.DocumentMessage != nil:
		inbound.Type = store.MessageTypeDocument
		applyBridgeMedia(inbound, content.DocumentMessage)
	case content.StickerMessage != nil:
		inbound.Type = store.MessageTypeSticker
		applyBridgeMedia(inbound, content.StickerMessage)
	case content.LocationMessage != nil:
		inbound.Type = store.MessageTypeLocation
		inbound.Content = fmt.Sprintf("%f,%f",
			content.LocationMessage.DegreesLatitude, content.LocationMessage.DegreesLongitude)
	case content.ContactMessage != nil:
		inbound.Type = store.MessageTypeContact
		inbound.Content = content.ContactMessage.DisplayName
	default:
		// Unknown message shapes degrade to an empty text message rather
		// than being dropped.
		inbound.Type = store.MessageTypeText
	}
}

func applyBridgeMedia(inbound *InboundMessage, media *bridgeMedia) {
	inbound.MediaURL = media.URL
	inbound.MediaType = media.Mimetype
	inbound.Content = media.Caption
}

// jidToPhone strips the server suffix from a WhatsApp JID
// ("5511999999999@s.whatsapp.net" -> "5511999999999").
func jidToPhone(jid string) string {
	if idx := strings.Index(jid, "@"); idx > 0 {
		return jid[:idx]
	}
	return jid
}
