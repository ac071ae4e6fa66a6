package models

import "encoding/json"

// NotificationType enumerates the events that produce notification records.
type NotificationType string

const (
	NotifyMention          NotificationType = "mention"
	NotifyDM               NotificationType = "dm"
	NotifyChannelMessage   NotificationType = "channel_message"
	NotifyLiveChatMessage  NotificationType = "live_chat_message"
	NotifyWaitlistApproved NotificationType = "waitlist_approved"
	NotifyWaitlistRejected NotificationType = "waitlist_rejected"
	NotifyBadge            NotificationType = "badge"
	NotifyAnnouncement     NotificationType = "announcement"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotifyMention, NotifyDM, NotifyChannelMessage, NotifyLiveChatMessage,
		NotifyWaitlistApproved, NotifyWaitlistRejected, NotifyBadge, NotifyAnnouncement:
		return true
	}
	return false
}

// MessageNotificationType maps a thread kind to the notification raised for
// a new message in it.
func MessageNotificationType(kind ThreadKind) NotificationType {
	switch kind {
	case KindDM:
		return NotifyDM
	case KindLiveChat:
		return NotifyLiveChatMessage
	default:
		return NotifyChannelMessage
	}
}

type Notification struct {
	ID          string           `json:"id"`
	Recipient   string           `json:"recipient"`
	Type        NotificationType `json:"type"`
	Thread      string           `json:"thread,omitempty"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Read        bool             `json:"read"`
	CreatedTS   int64            `json:"created_ts"`
	DeliveredTS int64            `json:"delivered_ts,omitempty"`
}
