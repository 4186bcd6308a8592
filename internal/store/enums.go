package store

// Channel ENUMs
const (
	ChannelTypeWhatsApp  = "whatsapp"
	ChannelTypeInstagram = "instagram"
	ChannelTypeMessenger = "messenger"
	ChannelTypeEmail     = "email"
)

const (
	ChannelProviderWhatsAppCloud  = "whatsapp_cloud"
	ChannelProviderWhatsAppBridge = "whatsapp_bridge"
	ChannelProviderInstagram      = "instagram"
	ChannelProviderMessenger      = "messenger"
	ChannelProviderEmail          = "email"
)

// Conversation ENUMs
const (
	ConversationStatusOpen     = "open"
	ConversationStatusPending  = "pending"
	ConversationStatusResolved = "resolved"
	ConversationStatusSnoozed  = "snoozed"
	ConversationStatusSpam     = "spam"
)

const (
	ConversationSourceInbound  = "inbound"
	ConversationSourceCampaign = "campaign"
)

// Message ENUMs
const (
	SenderTypeUser    = "user"
	SenderTypeContact = "contact"
	SenderTypeBot     = "bot"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeVideo    = "video"
	MessageTypeAudio    = "audio"
	MessageTypeDocument = "document"
	MessageTypeLocation = "location"
	MessageTypeContact  = "contact"
	MessageTypeSticker  = "sticker"
	MessageTypeTemplate = "template"
)

const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
)

// MessageStatusRank orders delivery states so that late, out-of-order receipts
// never regress an already-advanced status. Failed is terminal from anywhere.
var MessageStatusRank = map[string]int{
	MessageStatusPending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// Campaign ENUMs
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusRunning   = "running"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
	CampaignStatusCancelled = "cancelled"
)

// Campaign Recipient ENUMs
const (
	RecipientStatusPending   = "pending"
	RecipientStatusSent      = "sent"
	RecipientStatusDelivered = "delivered"
	RecipientStatusRead      = "read"
	RecipientStatusFailed    = "failed"
)
