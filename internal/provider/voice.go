package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type placeCallBody struct {
	AttemptID     string            `json:"attemptId"`
	PhoneNumber   string            `json:"phoneNumber"`
	CustomerName  string            `json:"customerName,omitempty"`
	AttemptNumber int               `json:"attemptNumber"`
	Metadata      map[string]string `json:"metadata"`
}

type placeCallResult struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	EndedReason string `json:"endedReason"`
	Intent      string `json:"customerStatedIntent"`
}

// HTTPVoiceClient places calls through the voice platform's REST API.
type HTTPVoiceClient struct {
	api *jsonAPI
}

func NewHTTPVoiceClient(baseURL, apiKey string, timeout time.Duration) (*HTTPVoiceClient, error) {
	return NewHTTPVoiceClientWithClient(baseURL, apiKey, timeout, nil)
}

func NewHTTPVoiceClientWithClient(baseURL, apiKey string, timeout time.Duration, client *resty.Client) (*HTTPVoiceClient, error) {
	api, err := newJSONAPI("voice", baseURL, apiKey, timeout, client)
	if err != nil {
		return nil, err
	}
	return &HTTPVoiceClient{api: api}, nil
}

func (c *HTTPVoiceClient) PlaceCall(ctx context.Context, req PlaceCallRequest) (*PlaceCallResponse, error) {
	if strings.TrimSpace(req.AttemptID) == "" || strings.TrimSpace(req.Phone) == "" {
		return nil, fmt.Errorf("attempt id and phone are required")
	}

	var result placeCallResult
	r := c.api.request(ctx).
		SetHeader("Idempotency-Key", req.AttemptID).
		SetBody(placeCallBody{
			AttemptID:     req.AttemptID,
			PhoneNumber:   req.Phone,
			CustomerName:  req.DisplayName,
			AttemptNumber: req.AttemptNumber,
			Metadata: map[string]string{
				"attemptId":     req.AttemptID,
				"contactId":     req.ContactID,
				"campaignId":    req.CampaignID,
				"campaignKind":  req.CampaignKind.String(),
				"appointmentId": req.AppointmentID,
			},
		}).
		SetResult(&result)

	response, err := c.api.do(r, http.MethodPost, "/calls")
	if err != nil {
		return nil, err
	}

	externalID := strings.TrimSpace(result.ID)
	if externalID == "" {
		externalID = requestID(response)
	}

	return &PlaceCallResponse{
		ExternalCallID: externalID,
		EndedReason:    strings.TrimSpace(result.EndedReason),
		Intent:         strings.TrimSpace(result.Intent),
	}, nil
}
