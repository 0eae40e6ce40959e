package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/callflow-engine/internal/domain"
)

// CallMessage asks a worker to attempt one due enrollment.
type CallMessage struct {
	RetryStateID  string              `json:"retryStateId"`
	ContactID     string              `json:"contactId"`
	CampaignID    string              `json:"campaignId"`
	CampaignKind  domain.CampaignKind `json:"campaignKind"`
	CorrelationID string              `json:"correlationId,omitempty"`
	DueAt         time.Time           `json:"dueAt"`
}

func (m CallMessage) Validate() error {
	if strings.TrimSpace(m.RetryStateID) == "" {
		return fmt.Errorf("retryStateId is required")
	}
	if strings.TrimSpace(m.ContactID) == "" {
		return fmt.Errorf("contactId is required")
	}
	if !m.CampaignKind.IsValid() {
		return fmt.Errorf("invalid campaign kind %q", m.CampaignKind)
	}
	return nil
}
