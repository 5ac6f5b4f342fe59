package tuition

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusClosed   Status = "closed"
)

// Post represents a student's posted tutoring request. ApplicationsCount is a
// display-only counter; no invariant reads it. AssignedTutorID is set exactly
// once, when settlement closes the post.
type Post struct {
	ID                string
	StudentID         string
	Title             string
	Subject           string
	ClassLevel        string
	Location          string
	BudgetMin         int64
	BudgetMax         int64
	Schedule          string
	Description       string
	Status            Status
	ApplicationsCount int
	AssignedTutorID   *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Filters struct {
	StudentID string
	Status    Status
	Subject   string
	Location  string
	Page      int
	PageSize  int
	SortKey   string
	SortOrder string
}

// Decision is a moderator's verdict on a pending post.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)
