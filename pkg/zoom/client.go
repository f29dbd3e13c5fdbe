// Package zoom is a thin client for the telephony platform's REST API.
package zoom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kabili207/phone-presence-server/pkg/metrics"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	DefaultTokenURL = "https://zoom.us/oauth/token"
	DefaultBaseURL  = "https://api.zoom.us/v2"
)

// ErrMissingCredentials means the account credentials are not configured.
var ErrMissingCredentials = errors.New("zoom: account id, client id and client secret are required")

// UpstreamError is a failed call to the platform.
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("zoom %s: %d %s: %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("zoom %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Config configures the client. Zero values take the defaults.
type Config struct {
	AccountID    string
	ClientID     string
	ClientSecret string
	TokenURL     string
	BaseURL      string
	Timeout      time.Duration
	RateLimit    float64
	RateBurst    int
	PageSize     int
	// HTTPClient is the transport for both token and API calls.
	HTTPClient *http.Client
}

// Client calls the platform API with an account-credentials token.
type Client struct {
	cfg     Config
	tokens  oauth2.TokenSource
	http    *http.Client
	limiter *rate.Limiter
}

// RosterEntry is one user or common area document as returned upstream.
type RosterEntry map[string]any

// ID returns the entry's id field.
func (e RosterEntry) ID() string {
	switch v := e["id"].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

func New(cfg Config) (*Client, error) {
	if cfg.AccountID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 300
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		EndpointParams: url.Values{
			"grant_type": {"account_credentials"},
			"account_id": {cfg.AccountID},
		},
		AuthStyle: oauth2.AuthStyleInHeader,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	tokens := cc.TokenSource(ctx)

	return &Client{
		cfg:     cfg,
		tokens:  tokens,
		http:    oauth2.NewClient(ctx, tokens),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}, nil
}

// CheckConnection fetches (or reuses) an access token.
func (c *Client) CheckConnection(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &UpstreamError{Op: "token", Err: err}
	}
	if _, err := c.tokens.Token(); err != nil {
		metrics.UpstreamRequests.WithLabelValues("token", "error").Inc()
		return tokenError(err)
	}
	metrics.UpstreamRequests.WithLabelValues("token", "ok").Inc()
	return nil
}

func tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return &UpstreamError{Op: "token", StatusCode: re.Response.StatusCode, Body: string(re.Body), Err: err}
	}
	return &UpstreamError{Op: "token", Err: err}
}

func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &UpstreamError{Op: op, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint := c.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &UpstreamError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.UpstreamLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(op, "error").Inc()
		var ue *url.Error
		if errors.As(err, &ue) {
			var re *oauth2.RetrieveError
			if errors.As(ue.Err, &re) {
				return tokenError(re)
			}
		}
		return &UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.UpstreamRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
		return &UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		metrics.UpstreamRequests.WithLabelValues(op, "decode_error").Inc()
		return &UpstreamError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	metrics.UpstreamRequests.WithLabelValues(op, "ok").Inc()
	return nil
}

// listAll follows next_page_token until the collection is exhausted.
func (c *Client) listAll(ctx context.Context, op, path, key string) ([]RosterEntry, error) {
	entries := []RosterEntry{}
	token := ""
	for {
		q := url.Values{"page_size": {strconv.Itoa(c.cfg.PageSize)}}
		if token != "" {
			q.Set("next_page_token", token)
		}

		var page map[string]json.RawMessage
		if err := c.getJSON(ctx, op, path, q, &page); err != nil {
			return nil, err
		}

		if raw, ok := page[key]; ok {
			var items []RosterEntry
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.UseNumber()
			if err := dec.Decode(&items); err != nil {
				return nil, &UpstreamError{Op: op, Err: fmt.Errorf("decoding %s: %w", key, err)}
			}
			entries = append(entries, items...)
		}

		token = ""
		if raw, ok := page["next_page_token"]; ok {
			_ = json.Unmarshal(raw, &token)
		}
		if token == "" {
			return entries, nil
		}
	}
}

// ListPhoneUsers returns every phone user on the account.
func (c *Client) ListPhoneUsers(ctx context.Context) ([]RosterEntry, error) {
	return c.listAll(ctx, "list_phone_users", "/phone/users", "users")
}

// ListCommonAreas returns every common area phone on the account.
func (c *Client) ListCommonAreas(ctx context.Context) ([]RosterEntry, error) {
	return c.listAll(ctx, "list_common_areas", "/phone/common_areas", "common_areas")
}

func (c *Client) getEntry(ctx context.Context, op, path string) (RosterEntry, error) {
	var out RosterEntry
	if err := c.getJSON(ctx, op, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetUser returns the account profile of a user.
func (c *Client) GetUser(ctx context.Context, id string) (RosterEntry, error) {
	return c.getEntry(ctx, "get_user", "/users/"+url.PathEscape(id))
}

// GetPhoneUser returns the phone profile of a user.
func (c *Client) GetPhoneUser(ctx context.Context, id string) (RosterEntry, error) {
	return c.getEntry(ctx, "get_phone_user", "/phone/users/"+url.PathEscape(id))
}

// GetCommonArea returns one common area phone.
func (c *Client) GetCommonArea(ctx context.Context, id string) (RosterEntry, error) {
	return c.getEntry(ctx, "get_common_area", "/phone/common_areas/"+url.PathEscape(id))
}
