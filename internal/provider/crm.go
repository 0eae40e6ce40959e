package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/callflow-engine/internal/domain"
)

const (
	manualFollowUpTag          = "needs-manual-follow-up"
	confirmationStatusFieldKey = "appointment_confirmation_status"
)

type crmContact struct {
	ID            string `json:"id"`
	Phone         string `json:"phone"`
	Name          string `json:"name"`
	Region        string `json:"region"`
	Timezone      string `json:"timezone"`
	AppointmentID string `json:"appointmentId"`
	DoNotCall     bool   `json:"dnd"`
}

type tagBody struct {
	Tags   []string `json:"tags"`
	Reason string   `json:"reason,omitempty"`
}

type customFieldBody struct {
	AppointmentID string `json:"appointmentId"`
	Key           string `json:"key"`
	Value         string `json:"value"`
}

type HTTPCRMClient struct {
	api *jsonAPI
}

func NewHTTPCRMClient(baseURL, apiKey string, timeout time.Duration) (*HTTPCRMClient, error) {
	return NewHTTPCRMClientWithClient(baseURL, apiKey, timeout, nil)
}

func NewHTTPCRMClientWithClient(baseURL, apiKey string, timeout time.Duration, client *resty.Client) (*HTTPCRMClient, error) {
	api, err := newJSONAPI("crm", baseURL, apiKey, timeout, client)
	if err != nil {
		return nil, err
	}
	return &HTTPCRMClient{api: api}, nil
}

// GetContact fetches the contact. A missing contact is reported as domain.ErrNotFound.
func (c *HTTPCRMClient) GetContact(ctx context.Context, contactID string) (*domain.Contact, error) {
	if strings.TrimSpace(contactID) == "" {
		return nil, fmt.Errorf("%w: contact id is required", domain.ErrValidation)
	}

	var result crmContact
	r := c.api.request(ctx).
		SetPathParam("id", contactID).
		SetResult(&result)

	if _, err := c.api.do(r, http.MethodGet, "/contacts/{id}"); err != nil {
		var providerErr *ProviderError
		if errors.As(err, &providerErr) && providerErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: crm contact %s", domain.ErrNotFound, contactID)
		}
		return nil, err
	}

	id := strings.TrimSpace(result.ID)
	if id == "" {
		id = contactID
	}
	return &domain.Contact{
		ID:            id,
		Phone:         strings.TrimSpace(result.Phone),
		DisplayName:   strings.TrimSpace(result.Name),
		Region:        strings.TrimSpace(result.Region),
		Timezone:      strings.TrimSpace(result.Timezone),
		AppointmentID: strings.TrimSpace(result.AppointmentID),
		DoNotCall:     result.DoNotCall,
	}, nil
}

func (c *HTTPCRMClient) TagManualFollowUp(ctx context.Context, contactID string, reason domain.EscalationReason) error {
	r := c.api.request(ctx).
		SetPathParam("id", contactID).
		SetBody(tagBody{Tags: []string{manualFollowUpTag}, Reason: reason.String()})

	_, err := c.api.do(r, http.MethodPost, "/contacts/{id}/tags")
	return err
}

func (c *HTTPCRMClient) SetConfirmationStatus(ctx context.Context, contactID, appointmentID string, status domain.ConfirmationStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: invalid confirmation status %q", domain.ErrValidation, status)
	}

	r := c.api.request(ctx).
		SetPathParam("id", contactID).
		SetBody(customFieldBody{
			AppointmentID: appointmentID,
			Key:           confirmationStatusFieldKey,
			Value:         status.String(),
		})

	_, err := c.api.do(r, http.MethodPut, "/contacts/{id}/custom-fields")
	return err
}
