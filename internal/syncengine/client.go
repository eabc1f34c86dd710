package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/propsync/agent/internal/config"
	"github.com/propsync/agent/internal/models"
)

// API is the slice of the upstream server the engine needs. Tests
// substitute fakes; APIClient is the real implementation.
type API interface {
	// FetchCollection pulls the full contents of a server collection.
	FetchCollection(ctx context.Context, name string) ([]models.CachedEntity, error)

	// Deliver replays one queued mutating request. A non-2xx response is an
	// error.
	Deliver(ctx context.Context, req *models.QueuedRequest) error
}

// APIClient talks to the property-management server over HTTP.
type APIClient struct {
	baseURL      string
	httpClient   *http.Client
	apiKey       string
	apiKeyHeader string
}

// NewAPIClient builds a client from upstream config. When OAuth client
// credentials are configured the HTTP client injects bearer tokens;
// otherwise the static API key header is attached per request.
func NewAPIClient(cfg config.Upstream) *APIClient {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	if cfg.OAuth.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		httpClient = cc.Client(context.Background())
		httpClient.Timeout = 30 * time.Second
	}

	return &APIClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   httpClient,
		apiKey:       cfg.APIKey,
		apiKeyHeader: cfg.APIKeyHeader,
	}
}

// FetchCollection GETs the full collection list and keys each record by its
// server-assigned id.
func (c *APIClient) FetchCollection(ctx context.Context, name string) ([]models.CachedEntity, error) {
	url := fmt.Sprintf("%s/api/%s", c.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: server returned %d", name, resp.StatusCode)
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("fetch %s: decode: %w", name, err)
	}

	items := make([]models.CachedEntity, 0, len(raw))
	for _, payload := range raw {
		var keyed struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &keyed); err != nil || keyed.ID == "" {
			return nil, fmt.Errorf("fetch %s: record without id", name)
		}
		items = append(items, models.CachedEntity{ID: keyed.ID, Payload: payload})
	}
	return items, nil
}

// Deliver replays a queued request with its stored method, headers and body.
func (c *APIClient) Deliver(ctx context.Context, queued *models.QueuedRequest) error {
	var body *bytes.Reader
	if queued.Body != nil {
		body = bytes.NewReader(queued.Body)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, queued.Method, c.absoluteURL(queued.URL), body)
	if err != nil {
		return err
	}

	if queued.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range queued.Headers {
		req.Header.Set(k, v)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s %s: %w", queued.Method, queued.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver %s %s: server returned %d", queued.Method, queued.URL, resp.StatusCode)
	}
	return nil
}

// absoluteURL resolves relative queued URLs against the configured server.
func (c *APIClient) absoluteURL(url string) string {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return url
	}
	if !strings.HasPrefix(url, "/") {
		url = "/" + url
	}
	return c.baseURL + url
}

func (c *APIClient) authorize(req *http.Request) {
	if c.apiKey != "" && c.apiKeyHeader != "" {
		req.Header.Set(c.apiKeyHeader, c.apiKey)
	}
}
