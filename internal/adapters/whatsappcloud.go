package adapters

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"chat-server/internal/store"
)

// WhatsApp Cloud API webhook shapes. Only the fields the pipeline consumes
// are declared; unknown fields are tolerated and ignored.

type cloudPayload struct {
	Object string       `json:"object"`
	Entry  []cloudEntry `json:"entry"`
}

type cloudEntry struct {
	ID      string        `json:"id"`
	Changes []cloudChange `json:"changes"`
}

type cloudChange struct {
	Field string     `json:"field"`
	Value cloudValue `json:"value"`
}

type cloudValue struct {
	Metadata cloudMetadata  `json:"metadata"`
	Contacts []cloudContact `json:"contacts"`
	Messages []cloudMessage `json:"messages"`
	Statuses []cloudStatus  `json:"statuses"`
}

type cloudMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type cloudContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type cloudMessage struct {
	From      string      `json:"from"`
	ID        string      `json:"id"`
	Timestamp string      `json:"timestamp"`
	Type      string      `json:"type"`
	Text      *cloudText  `json:"text"`
	Image     *cloudMedia `json:"image"`
	Video     *cloudMedia `json:"video"`
	Audio     *cloudMedia `json:"audio"`
	Document  *cloudMedia `json:"document"`
	Sticker   *cloudMedia `json:"sticker"`
	Location  *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
}

type cloudText struct {
	Body string `json:"body"`
}

type cloudMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Link     string `json:"link"`
	Caption  string `json:"caption"`
}

type cloudStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// ParseWhatsAppCloud flattens a Cloud API webhook into canonical events. The
// phone-number-id of the receiving number is the channel lookup key.
func ParseWhatsAppCloud(raw []byte) ([]CanonicalEvent, error) {
	var payload cloudPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse whatsapp cloud payload: %w", err)
	}

	var events []CanonicalEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			lookupKey := change.Value.Metadata.PhoneNumberID

			names := map[string]string{}
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}

			for _, msg := range change.Value.Messages {
				events = append(events, inboundEvent(cloudInbound(lookupKey, msg, names[msg.From])))
			}
			for _, status := range change.Value.Statuses {
				events = append(events, statusEvent(DeliveryStatus{
					ChannelLookupKey:   lookupKey,
					ExternalMessageID:  status.ID,
					ProviderStatusCode: status.Status,
				}))
			}
		}
	}
	return events, nil
}

func cloudInbound(lookupKey string, msg cloudMessage, senderName string) InboundMessage {
	inbound := InboundMessage{
		ChannelLookupKey:  lookupKey,
		SenderPhone:       msg.From,
		SenderName:        senderName,
		ExternalMessageID: msg.ID,
		Timestamp:         unixStringToTime(msg.Timestamp),
	}

	switch msg.Type {
	case "text":
		inbound.Type = store.MessageTypeText
		if msg.Text != nil {
			inbound.Content = msg.Text.Body
		}
	case "image":
		inbound.Type = store.MessageTypeImage
		applyCloudMedia(&inbound, msg.Image)
	case "video":
		inbound.Type = store.MessageTypeVideo
		applyCloudMedia(&inbound, msg.Video)
	case "audio":
		inbound.Type = store.MessageTypeAudio
		applyCloudMedia(&inbound, msg.Audio)
	case "document":
		inbound.Type = store.MessageTypeDocument
		applyCloudMedia(&inbound, msg.Document)
	case "sticker":
		inbound.Type = store.MessageTypeSticker
		applyCloudMedia(&inbound, msg.Sticker)
	case "location":
		inbound.Type = store.MessageTypeLocation
		if msg.Location != nil {
			inbound.Content = fmt.Sprintf("%f,%f", msg.Location.Latitude, msg.Location.Longitude)
		}
	default:
		// Unknown provider types degrade to text so content is never dropped.
		inbound.Type = store.MessageTypeText
		if msg.Text != nil {
			inbound.Content = msg.Text.Body
		}
	}
	return inbound
}

func applyCloudMedia(inbound *InboundMessage, media *cloudMedia) {
	if media == nil {
		return
	}
	inbound.MediaURL = media.Link
	inbound.MediaType = media.MimeType
	inbound.Content = media.Caption
}

func unixStringToTime(value string) time.Time {
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(seconds, 0).UTC()
}
