package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultTimeout = 10 * time.Second

// jsonAPI is the shared resty plumbing behind every collaborator client.
// Retries are left to the engine, so the client never retries on its own.
type jsonAPI struct {
	collaborator string
	client       *resty.Client
}

func newJSONAPI(collaborator, baseURL, apiKey string, timeout time.Duration, client *resty.Client) (*jsonAPI, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%s base url is required", collaborator)
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid %s base url: %w", collaborator, err)
	}

	if client == nil {
		client = resty.New()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client.SetBaseURL(trimmed)
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("Accept", "application/json")
	if key := strings.TrimSpace(apiKey); key != "" {
		client.SetAuthToken(key)
	}

	return &jsonAPI{collaborator: collaborator, client: client}, nil
}

func (a *jsonAPI) request(ctx context.Context) *resty.Request {
	return a.client.R().SetContext(ctx)
}

// do runs req and maps transport failures and non-2xx statuses onto ProviderError.
func (a *jsonAPI) do(req *resty.Request, method, path string) (*resty.Response, error) {
	response, err := req.Execute(method, path)
	if err != nil {
		return nil, &ProviderError{
			Collaborator: a.collaborator,
			Message:      "request failed",
			Transient:    !errors.Is(err, context.Canceled),
			Cause:        err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Collaborator: a.collaborator,
			Message:      "empty response",
			Transient:    true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return response, nil
	}

	return nil, &ProviderError{
		Collaborator: a.collaborator,
		StatusCode:   statusCode,
		Message:      errorMessage(statusCode, strings.TrimSpace(response.String())),
		Transient:    isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func errorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("returned status %d", statusCode)
	if body == "" {
		return base
	}
	if len(body) > 512 {
		body = body[:512]
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func requestID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Request-ID", "X-Correlation-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
