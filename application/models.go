package application

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	// StatusSuperseded marks applications closed automatically because a
	// sibling on the same post was approved. Stored as 'closed'.
	StatusSuperseded Status = "closed"
)

// Application is a tutor's bid against a tuition post. Content fields are
// mutable only while pending and only by the owning tutor; the approved and
// superseded transitions belong to the settlement coordinator.
type Application struct {
	ID             string
	PostID         string
	TutorID        string
	Qualifications string
	Experience     string
	ExpectedSalary int64
	Availability   string
	Note           string
	Status         Status
	ApprovedAt     *time.Time
	PaymentID      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terms bundles the tutor-editable content of an application.
type Terms struct {
	Qualifications string
	Experience     string
	ExpectedSalary int64
	Availability   string
	Note           string
}

// PaymentEligible is the snapshot handed back by an owner's approval. The
// actual approved transition is gated on payment and performed by the
// settlement coordinator.
type PaymentEligible struct {
	ApplicationID string
	PostID        string
	TutorID       string
	StudentID     string
	Amount        int64
}
