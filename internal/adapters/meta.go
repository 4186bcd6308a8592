package adapters

import (
	"encoding/json"
	"fmt"
	"time"

	"chat-server/internal/store"
)

// Meta Graph webhook shapes shared by Instagram and Messenger. The entry id
// (page id or IG user id) is the channel lookup key.

type metaPayload struct {
	Object string      `json:"object"`
	Entry  []metaEntry `json:"entry"`
}

type metaEntry struct {
	ID        string          `json:"id"`
	Time      int64           `json:"time"`
	Messaging []metaMessaging `json:"messaging"`
}

type metaMessaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64         `json:"timestamp"`
	Message   *metaMessage  `json:"message"`
	Delivery  *metaDelivery `json:"delivery"`
	Read      *metaRead     `json:"read"`
}

type metaMessage struct {
	Mid         string           `json:"mid"`
	Text        string           `json:"text"`
	IsEcho      bool             `json:"is_echo"`
	Attachments []metaAttachment `json:"attachments"`
}

type metaAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

type metaDelivery struct {
	Mids      []string `json:"mids"`
	Watermark int64    `json:"watermark"`
}

type metaRead struct {
	Mids      []string `json:"mids"`
	Watermark int64    `json:"watermark"`
}

// ParseMeta flattens an Instagram or Messenger webhook into canonical events.
// Echo messages (the page's own outbound mirrored back) are suppressed here.
func ParseMeta(raw []byte) ([]CanonicalEvent, error) {
	var payload metaPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse meta payload: %w", err)
	}

	var events []CanonicalEvent
	for _, entry := range payload.Entry {
		for _, messaging := range entry.Messaging {
			switch {
			case messaging.Message != nil:
				if messaging.Message.IsEcho {
					continue
				}
				events = append(events, inboundEvent(metaInbound(entry.ID, messaging)))
			case messaging.Delivery != nil:
				for _, mid := range messaging.Delivery.Mids {
					events = append(events, statusEvent(DeliveryStatus{
						ChannelLookupKey:   entry.ID,
						ExternalMessageID:  mid,
						ProviderStatusCode: "delivered",
					}))
				}
			case messaging.Read != nil:
				// Read receipts carry explicit mids only on some surfaces;
				// watermark-only reads are a valid no-op.
				for _, mid := range messaging.Read.Mids {
					events = append(events, statusEvent(DeliveryStatus{
						ChannelLookupKey:   entry.ID,
						ExternalMessageID:  mid,
						ProviderStatusCode: "read",
					}))
				}
			}
		}
	}
	return events, nil
}

func metaInbound(lookupKey string, messaging metaMessaging) InboundMessage {
	inbound := InboundMessage{
		ChannelLookupKey:  lookupKey,
		SenderExternalID:  messaging.Sender.ID,
		ExternalMessageID: messaging.Message.Mid,
		Type:              store.MessageTypeText,
		Content:           messaging.Message.Text,
		Timestamp:         time.UnixMilli(messaging.Timestamp).UTC(),
	}

	if len(messaging.Message.Attachments) > 0 {
		attachment := messaging.Message.Attachments[0]
		inbound.MediaURL = attachment.Payload.URL
		switch attachment.Type {
		case "image":
			inbound.Type = store.MessageTypeImage
		case "video":
			inbound.Type = store.MessageTypeVideo
		case "audio":
			inbound.Type = store.MessageTypeAudio
		case "file":
			inbound.Type = store.MessageTypeDocument
		case "location":
			inbound.Type = store.MessageTypeLocation
		default:
			inbound.Type = store.MessageTypeText
		}
	}
	return inbound
}
