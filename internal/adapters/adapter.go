package adapters

import (
	"errors"
	"fmt"
	"time"

	"chat-server/internal/store"
)

// Provider adapters translate raw webhook payloads into canonical events.
// Nothing untyped crosses this boundary: each provider has its own payload
// structs and its own parse function, and a payload that carries no message
// content (pings, qr code refreshes) parses to zero events.

var ErrUnknownProvider = errors.New("unknown provider")

// EventKind tags the canonical event union.
type EventKind string

const (
	KindInboundMessage  EventKind = "inbound_message"
	KindDeliveryStatus  EventKind = "delivery_status"
	KindConnectionState EventKind = "connection_state"
)

// CanonicalEvent is the provider-agnostic event shape. Exactly one of the
// variant pointers is set, matching Kind.
type CanonicalEvent struct {
	Kind       EventKind
	Inbound    *InboundMessage
	Status     *DeliveryStatus
	Connection *ConnectionStateChange
}

// InboundMessage is a normalized incoming message from a contact.
type InboundMessage struct {
	ChannelLookupKey  string
	SenderPhone       string
	SenderExternalID  string
	SenderName        string
	ExternalMessageID string
	Type              string
	Content           string
	MediaURL          string
	MediaType         string
	Timestamp         time.Time
}

// DeliveryStatus is a provider receipt for a previously sent message.
type DeliveryStatus struct {
	ChannelLookupKey   string
	ExternalMessageID  string
	ProviderStatusCode string
}

// ConnectionStateChange reports a channel going online or offline.
type ConnectionStateChange struct {
	ChannelLookupKey string
	State            string
}

// Parse dispatches a raw webhook payload to the adapter for the given
// provider and returns the flattened canonical events.
func Parse(provider string, raw []byte) ([]CanonicalEvent, error) {
	switch provider {
	case store.ChannelProviderWhatsAppCloud:
		return ParseWhatsAppCloud(raw)
	case store.ChannelProviderWhatsAppBridge:
		return ParseBridge(raw)
	case store.ChannelProviderInstagram, store.ChannelProviderMessenger:
		return ParseMeta(raw)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
}

func inboundEvent(msg InboundMessage) CanonicalEvent {
	return CanonicalEvent{Kind: KindInboundMessage, Inbound: &msg}
}

func statusEvent(status DeliveryStatus) CanonicalEvent {
	return CanonicalEvent{Kind: KindDeliveryStatus, Status: &status}
}

func connectionEvent(change ConnectionStateChange) CanonicalEvent {
	return CanonicalEvent{Kind: KindConnectionState, Connection: &change}
}
