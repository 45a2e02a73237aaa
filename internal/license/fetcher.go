// ABOUTME: Entitlement fetchers that retrieve the license from its issuing service
// ABOUTME: HTTPFetcher talks JSON over HTTP using a bearer license key

package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Fetcher retrieves the current entitlement from its source.
type Fetcher interface {
	FetchEntitlement(ctx context.Context) (*Entitlement, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) (*Entitlement, error)

// FetchEntitlement calls f(ctx).
func (f FetcherFunc) FetchEntitlement(ctx context.Context) (*Entitlement, error) {
	return f(ctx)
}

// ErrPermanent marks fetch failures that retrying will not fix, such as an
// unknown license key.
var ErrPermanent = errors.New("permanent fetch failure")

// FetchError describes a failed entitlement fetch.
type FetchError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *FetchError) Error() string {
	msg := "fetching entitlement"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// HTTPFetcher retrieves an entitlement document from a license service.
type HTTPFetcher struct {
	client *resty.Client
	path   string
}

// NewHTTPFetcher creates a fetcher for baseURL. The license key is sent as a
// bearer token on every request.
func NewHTTPFetcher(baseURL, licenseKey string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if licenseKey != "" {
		client.SetAuthToken(licenseKey)
	}
	return &HTTPFetcher{client: client, path: "/v1/entitlement"}
}

// FetchEntitlement performs one GET against the license service.
func (f *HTTPFetcher) FetchEntitlement(ctx context.Context) (*Entitlement, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		Get(f.path)
	if err != nil {
		return nil, &FetchError{Err: err}
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden || resp.StatusCode() == http.StatusNotFound:
		return nil, &FetchError{StatusCode: resp.StatusCode(), Body: string(resp.Body()), Err: ErrPermanent}
	case resp.IsError():
		return nil, &FetchError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}

	var ent Entitlement
	if err := json.Unmarshal(resp.Body(), &ent); err != nil {
		return nil, &FetchError{StatusCode: resp.StatusCode(), Err: fmt.Errorf("decoding entitlement: %w", err)}
	}
	return &ent, nil
}
