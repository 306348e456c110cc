package fip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// HTTPResourceClient is a minimal REST ResourceClient against the control
// plane's resource-model API, fetching a resource by uuid or fq_name. The
// production resource-model client stays an external collaborator; this is
// enough wiring for the fip reference healer to run end to end.
type HTTPResourceClient struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPResourceClient builds a ResourceClient against baseURL, e.g.
// "http://localhost:8082".
func NewHTTPResourceClient(baseURL string) *HTTPResourceClient {
	return &HTTPResourceClient{BaseURL: baseURL, Client: http.DefaultClient}
}

// FetchByUUID fetches resourceType/uuid, matching the API server's
// GET /<resource-type>/<uuid> route.
func (c *HTTPResourceClient) FetchByUUID(ctx context.Context, resourceType, uuid string) (map[string]any, error) {
	return c.get(ctx, fmt.Sprintf("%s/%s/%s", c.BaseURL, resourceType, uuid), resourceType)
}

// FetchByFQName fetches resourceType by its fully-qualified name, matching
// the API server's GET /<resource-type>?fq_name=<name> route.
func (c *HTTPResourceClient) FetchByFQName(ctx context.Context, resourceType, fqName string) (map[string]any, error) {
	u := fmt.Sprintf("%s/%s?fq_name=%s", c.BaseURL, resourceType, url.QueryEscape(fqName))
	return c.get(ctx, u, resourceType)
}

func (c *HTTPResourceClient) get(ctx context.Context, reqURL, resourceType string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrResourceNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fip: unexpected status %d fetching %s", resp.StatusCode, resourceType)
	}

	var envelope map[string]map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("fip: decode %s response: %w", resourceType, err)
	}
	attrs, ok := envelope[resourceType]
	if !ok {
		return nil, fmt.Errorf("fip: response missing %q key", resourceType)
	}
	return attrs, nil
}
