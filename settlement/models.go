package settlement

import (
	"time"

	"tuitionflow/application"
)

// PaymentRecord is the append-only ledger entry for a completed charge. Rows
// are never updated or deleted; ExternalChargeRef is the idempotency key that
// collapses duplicate settlement attempts.
type PaymentRecord struct {
	ID                string
	ExternalChargeRef string
	ApplicationID     string
	PostID            string
	StudentID         string
	TutorID           string
	Amount            int64
	Currency          string
	CreatedAt         time.Time
}

// Result is what both settlement paths converge on. AlreadySettled reports
// that this call observed an earlier settlement rather than performing one.
type Result struct {
	Payment        PaymentRecord
	Application    application.Application
	AlreadySettled bool
}

// IntentHandle is returned to the paying student after intent creation. No
// local state has changed yet.
type IntentHandle struct {
	IntentID       string
	ClientSecret   string
	DomesticAmount int64
	GatewayAmount  int64
	Currency       string
}

// Metadata keys embedded in the gateway intent. The authoritative gateway
// record, not client input, drives settlement, so everything needed to locate
// the three records travels inside the charge itself.
const (
	metaApplicationID  = "application_id"
	metaPostID         = "post_id"
	metaTutorID        = "tutor_id"
	metaStudentID      = "student_id"
	metaDomesticAmount = "domestic_amount"
)
