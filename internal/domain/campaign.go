package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusPending             CampaignStatus = "PENDING"
	CampaignStatusInProgress          CampaignStatus = "IN_PROGRESS"
	CampaignStatusCompleted           CampaignStatus = "COMPLETED"
	CampaignStatusCompletedWithErrors CampaignStatus = "COMPLETED_WITH_ERRORS"
	CampaignStatusFailed              CampaignStatus = "FAILED"
	CampaignStatusFailedNoContacts    CampaignStatus = "FAILED_NO_CONTACTS"
	CampaignStatusPaused              CampaignStatus = "PAUSED"
)

var campaignStatuses = []CampaignStatus{
	CampaignStatusPending,
	CampaignStatusInProgress,
	CampaignStatusCompleted,
	CampaignStatusCompletedWithErrors,
	CampaignStatusFailed,
	CampaignStatusFailedNoContacts,
	CampaignStatusPaused,
}

// CampaignStatuses lists every known campaign status.
func CampaignStatuses() []CampaignStatus {
	out := make([]CampaignStatus, len(campaignStatuses))
	copy(out, campaignStatuses)
	return out
}

// ParseCampaignStatus accepts a status name in any case.
func ParseCampaignStatus(raw string) (CampaignStatus, error) {
	candidate := CampaignStatus(strings.ToUpper(strings.TrimSpace(raw)))
	for _, s := range campaignStatuses {
		if s == candidate {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown campaign status %q", raw)
}

// IsTerminal reports whether a run has already settled the campaign.
func (s CampaignStatus) IsTerminal() bool {
	switch s {
	case CampaignStatusCompleted, CampaignStatusCompletedWithErrors, CampaignStatusFailed, CampaignStatusFailedNoContacts:
		return true
	default:
		return false
	}
}

// CanStart reports whether a dispatch run may be started or resumed from s.
func (s CampaignStatus) CanStart() bool {
	switch s {
	case CampaignStatusPending, CampaignStatusPaused, CampaignStatusFailed,
		CampaignStatusCompletedWithErrors, CampaignStatusInProgress:
		return true
	default:
		return false
	}
}

// Campaign pairs a contact list with a message template and an optional image.
type Campaign struct {
	ID              string
	SourceListName  string
	MessageTemplate string
	ImageReference  *string
	Status          CampaignStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasImage reports whether the campaign carries an image reference.
func (c *Campaign) HasImage() bool {
	return c.ImageReference != nil && strings.TrimSpace(*c.ImageReference) != ""
}

// NewCampaignID returns a fresh opaque campaign identifier.
func NewCampaignID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "camp_" + raw[:12]
}

// CampaignStats aggregates per-campaign dispatch counts.
type CampaignStats struct {
	Total     int64
	Pending   int64
	Succeeded int64
	Failed    int64
}

// FoldStatus reduces the outcome counters of a drained run into a terminal status.
func FoldStatus(successes, failures int) CampaignStatus {
	switch {
	case failures == 0:
		return CampaignStatusCompleted
	case successes == 0:
		return CampaignStatusFailed
	default:
		return CampaignStatusCompletedWithErrors
	}
}
