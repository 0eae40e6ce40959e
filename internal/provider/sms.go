package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type smsBody struct {
	To         string `json:"to"`
	ContactID  string `json:"contactId"`
	TemplateID string `json:"templateId"`
}

type smsResult struct {
	MessageID string `json:"messageId"`
}

type HTTPSMSClient struct {
	api *jsonAPI
}

func NewHTTPSMSClient(baseURL string, timeout time.Duration) (*HTTPSMSClient, error) {
	return NewHTTPSMSClientWithClient(baseURL, timeout, nil)
}

func NewHTTPSMSClientWithClient(baseURL string, timeout time.Duration, client *resty.Client) (*HTTPSMSClient, error) {
	api, err := newJSONAPI("sms", baseURL, "", timeout, client)
	if err != nil {
		return nil, err
	}
	return &HTTPSMSClient{api: api}, nil
}

func (c *HTTPSMSClient) SendSMS(ctx context.Context, req SMSRequest) (string, error) {
	if strings.TrimSpace(req.Phone) == "" {
		return "", fmt.Errorf("sms recipient is required")
	}

	var result smsResult
	r := c.api.request(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(smsBody{
			To:         req.Phone,
			ContactID:  req.ContactID,
			TemplateID: req.Template.String(),
		}).
		SetResult(&result)

	response, err := c.api.do(r, http.MethodPost, "/messages")
	if err != nil {
		return "", err
	}

	if id := strings.TrimSpace(result.MessageID); id != "" {
		return id, nil
	}
	return requestID(response), nil
}
