package domain

import (
	"fmt"
	"time"
)

type NotificationKind string

const (
	NotificationFollow NotificationKind = "follow"
)

type Notification struct {
	Id        string
	UserId    Identity // recipient
	ActorId   Identity
	Kind      NotificationKind
	Message   string
	Read      bool
	CreatedAt time.Time
}

// FollowNotificationMessage renders the text stored with a follow notification.
func FollowNotificationMessage(actorLabel string) string {
	return fmt.Sprintf("%s started following you", actorLabel)
}
