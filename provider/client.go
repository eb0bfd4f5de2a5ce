// Package provider is a small REST client for the identity/commerce provider
// API: the current user, the user's memberships (with the user's own access
// token) and the product memberships of a user (with the server API key,
// legacy API version).
//
// Every call is bounded by the client timeout. Response shapes that vary
// between API versions are normalized into Identity and Membership.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

var (
	// ErrNotFound is returned when the provider answers 404.
	ErrNotFound = errors.New("provider: not found")
	// ErrNoCredential is returned when a call needs a credential that is not
	// configured or not supplied.
	ErrNoCredential = errors.New("provider: missing credential")
)

// APIError is a non-2xx answer from the provider.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider: unexpected status %d", e.Status)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

const (
	DefaultBaseURL               = "https://api.whop.com"
	DefaultTimeout               = 8 * time.Second
	DefaultMePath                = "/v5/me"
	DefaultMembershipsPath       = "/v5/me/memberships"
	DefaultLegacyMembershipsPath = "/v2/memberships"

	maxBodyBytes  = 1 << 20
	maxErrorBytes = 512
)

// Config configures a Client. Zero values take the defaults above.
type Config struct {
	BaseURL               string
	APIKey                string
	Timeout               time.Duration
	MePath                string
	MembershipsPath       string
	LegacyMembershipsPath string
	// HTTPClient is the base transport; bearer credentials are layered on
	// top with oauth2.
	HTTPClient *http.Client
}

// Client calls the provider API.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	paths      struct{ me, memberships, legacy string }
	httpClient *http.Client
}

// NewClient returns a Client for cfg.
func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
		httpClient: cfg.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	c.paths.me = orDefault(cfg.MePath, DefaultMePath)
	c.paths.memberships = orDefault(cfg.MembershipsPath, DefaultMembershipsPath)
	c.paths.legacy = orDefault(cfg.LegacyMembershipsPath, DefaultLegacyMembershipsPath)
	return c
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// HTTPClient returns the base HTTP client, for callers that need the same
// transport (e.g. the OAuth token exchange).
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// CurrentUser fetches the identity of the owner of accessToken.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (Identity, error) {
	body, err := c.get(ctx, accessToken, c.paths.me, nil)
	if err != nil {
		return Identity{}, err
	}
	id, err := decodeIdentity(body)
	if err != nil {
		return Identity{}, fmt.Errorf("provider: decode user: %w", err)
	}
	if id.ID == "" {
		return Identity{}, errors.New("provider: user response has no id")
	}
	return id, nil
}

// UserMemberships lists the memberships of the owner of accessToken.
func (c *Client) UserMemberships(ctx context.Context, accessToken string) ([]Membership, error) {
	body, err := c.get(ctx, accessToken, c.paths.memberships, nil)
	if err != nil {
		return nil, err
	}
	ms, err := decodeMemberships(body)
	if err != nil {
		return nil, fmt.Errorf("provider: decode memberships: %w", err)
	}
	return ms, nil
}

// ProductMemberships lists the valid memberships of userID for productID
// using the server API key.
func (c *Client) ProductMemberships(ctx context.Context, userID, productID string) ([]Membership, error) {
	if c.apiKey == "" {
		return nil, ErrNoCredential
	}
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("product_id", productID)
	q.Set("valid", "true")
	body, err := c.get(ctx, c.apiKey, c.paths.legacy, q)
	if err != nil {
		return nil, err
	}
	ms, err := decodeMemberships(body)
	if err != nil {
		return nil, fmt.Errorf("provider: decode memberships: %w", err)
	}
	// Records without a product field are scoped to the queried product.
	for i := range ms {
		if ms[i].ProductID == "" {
			ms[i].ProductID = productID
		}
	}
	return ms, nil
}

func (c *Client) get(ctx context.Context, bearer, path string, q url.Values) ([]byte, error) {
	if bearer == "" {
		return nil, ErrNoCredential
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("provider: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := oauth2.NewClient(
		context.WithValue(ctx, oauth2.HTTPClient, c.httpClient),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: bearer, TokenType: "Bearer"}),
	)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("provider: read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Body: truncate(body, maxErrorBytes)}
		log.Ctx(ctx).Warn().
			Str("path", path).
			Int("upstream_status", apiErr.Status).
			Str("upstream_body", apiErr.Body).
			Msg("provider call failed")
		return nil, apiErr
	}
	return body, nil
}
