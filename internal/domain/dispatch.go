package domain

import "time"

// AttemptStatus enumerates the states of a single dispatch attempt.
type AttemptStatus string

const (
	AttemptStatusPending     AttemptStatus = "PENDING"
	AttemptStatusSentSuccess AttemptStatus = "SENT_SUCCESS"
	AttemptStatusSentFailed  AttemptStatus = "SENT_FAILED"
)

// ParseAttemptStatus validates a dispatch attempt status.
func ParseAttemptStatus(raw string) (AttemptStatus, bool) {
	switch s := AttemptStatus(raw); s {
	case AttemptStatusPending, AttemptStatusSentSuccess, AttemptStatusSentFailed:
		return s, true
	default:
		return "", false
	}
}

// Contact is one normalized row of a contact list.
type Contact struct {
	Phone string
	Name  string
}

// DispatchAttempt is one planned or completed send to a single contact.
type DispatchAttempt struct {
	ID                  int64
	CampaignID          string
	ContactPhone        string
	ContactName         string
	PersonalizedMessage *string
	SentAt              *time.Time
	Status              AttemptStatus
	GatewayResponse     *string
}
