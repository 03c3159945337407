package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/acme/campaign-dispatcher/internal/dispatch"
	apperrors "github.com/acme/campaign-dispatcher/pkg/errors"
)

// ProgressVersion is the schema version of ProgressMessage.
const ProgressVersion = 1

// RunMessage asks a dispatcher process to start or resume a campaign.
type RunMessage struct {
	CampaignID  string    `json:"campaign_id"`
	RequestedAt time.Time `json:"requested_at"`
	RequestedBy string    `json:"requested_by,omitempty"`
}

// ProgressMessage carries one dispatch progress event.
type ProgressMessage struct {
	Version int `json:"version"`
	dispatch.Event
}

// DecodeRunMessage parses and validates a run request.
func DecodeRunMessage(raw []byte) (RunMessage, error) {
	var msg RunMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("%w: decode run message: %v", apperrors.ErrValidation, err)
	}
	msg.CampaignID = strings.TrimSpace(msg.CampaignID)
	if msg.CampaignID == "" {
		return msg, fmt.Errorf("%w: run message without campaign id", apperrors.ErrValidation)
	}
	return msg, nil
}

// DecodeProgressMessage parses and validates a progress event.
func DecodeProgressMessage(raw []byte) (ProgressMessage, error) {
	var msg ProgressMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("%w: decode progress message: %v", apperrors.ErrValidation, err)
	}
	if msg.CampaignID == "" || msg.Type == "" {
		return msg, fmt.Errorf("%w: progress message without campaign id or type", apperrors.ErrValidation)
	}
	if msg.Version > ProgressVersion {
		return msg, fmt.Errorf("%w: unsupported progress version %d", apperrors.ErrValidation, msg.Version)
	}
	return msg, nil
}
