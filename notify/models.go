package notify

import "time"

const (
	KindApplication = "application"
	KindPayment     = "payment"
)

// Notification is a user-facing alert. Delivery is best effort: callers never
// let an emit failure unwind the operation that produced it.
type Notification struct {
	ID          string
	RecipientID string
	SenderID    *string
	Kind        string
	Title       string
	Body        string
	RelatedID   *string
	Read        bool
	CreatedAt   time.Time
}
