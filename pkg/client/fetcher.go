package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/entitle/pkg/entitlements"
	"github.com/platinummonkey/entitle/pkg/httputil"
)

// Fetcher retrieves a freshly resolved snapshot
type Fetcher interface {
	Fetch(ctx context.Context, tenantID, userID string) (*entitlements.Snapshot, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, tenantID, userID string) (*entitlements.Snapshot, error)

// Fetch calls f
func (f FetcherFunc) Fetch(ctx context.Context, tenantID, userID string) (*entitlements.Snapshot, error) {
	return f(ctx, tenantID, userID)
}

// HTTPFetcher reads snapshots from the entitlement service
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher creates a fetcher for the service at baseURL. A nil client
// gets a traced client with a 10 second timeout.
func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Fetch requests the user's own snapshot
func (f *HTTPFetcher) Fetch(ctx context.Context, tenantID, userID string) (*entitlements.Snapshot, error) {
	endpoint := fmt.Sprintf("%s/tenant/%s/user/%s/entitlements",
		f.baseURL, url.PathEscape(tenantID), url.PathEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(entitlements.ActorHeader, userID)
	req.Header.Set(entitlements.TenantHeader, tenantID)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("entitlement request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}

	var snap entitlements.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// ForbiddenFromResponse converts a 403 from any protected endpoint into a
// *ForbiddenError naming the required permission. Other responses yield nil.
func ForbiddenFromResponse(resp *http.Response) error {
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		return nil
	}
	var body httputil.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	return &ForbiddenError{RequiredPermission: body.RequiredPermission}
}

func errorMessage(r io.Reader) string {
	var body httputil.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&body); err != nil {
		return ""
	}
	return body.Error
}
