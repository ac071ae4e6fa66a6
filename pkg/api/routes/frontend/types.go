package frontend

import "pulsehub/pkg/models"

type ThreadsListResponse struct {
	Threads []models.Thread `json:"threads"`
}

type MessagesResponse struct {
	Thread   string           `json:"thread"`
	Messages []models.Message `json:"messages"`
}

type CreateMessageRequest struct {
	Body string `json:"body"`
	Ref  string `json:"ref,omitempty"`
}

type MarkReadRequest struct {
	Seq *uint64 `json:"seq,omitempty"`
}

type NotificationsResponse struct {
	Notifications []models.Notification `json:"notifications"`
	Unread        int                   `json:"unread"`
}

type PresenceResponse struct {
	Scope string   `json:"scope"`
	Live  []string `json:"live"`
}
