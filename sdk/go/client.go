package chartersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Charter HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	Identity    string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Location is an optional coordinate hint for spatial directives.
type Location struct {
	X int `json:"x"`
	Z int `json:"z"`
}

// Directive represents the API directive model.
type Directive struct {
	ID            int64     `json:"id"`
	Kind          string    `json:"kind"`
	GroupID       uint64    `json:"group_id,omitempty"`
	ProposerID    string    `json:"proposer_id"`
	ProposerAgent string    `json:"proposer_agent,omitempty"`
	Objective     string    `json:"objective"`
	AgentsNeeded  int       `json:"agents_needed"`
	Location      *Location `json:"location,omitempty"`
	Status        string    `json:"status"`
	YesVotes      int       `json:"yes_votes"`
	NoVotes       int       `json:"no_votes"`
	CreatedAt     string    `json:"created_at"`
	ExpiresAt     string    `json:"expires_at"`
}

// DirectivePage is one page of directives plus the total count.
type DirectivePage struct {
	Items []Directive `json:"items"`
	Total int         `json:"total"`
}

// Quota reports the caller's current-bucket usage.
type Quota struct {
	Identity          string `json:"identity"`
	SoloUsedToday     int    `json:"solo_used_today"`
	SoloDailyCap      int    `json:"solo_daily_cap"`
	GroupID           uint64 `json:"group_id,omitempty"`
	GroupUsedThisHour int    `json:"group_used_this_hour,omitempty"`
	GuildHourlyCap    int    `json:"guild_hourly_cap"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// SubmitRequest are the parameters for proposing a directive.
type SubmitRequest struct {
	Kind          string    `json:"kind"`
	GroupID       uint64    `json:"group_id,omitempty"`
	AgentRef      string    `json:"agent_ref,omitempty"`
	Objective     string    `json:"objective"`
	AgentsNeeded  int       `json:"agents_needed"`
	Location      *Location `json:"location,omitempty"`
	DurationHours int       `json:"duration_hours"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit proposes a directive.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (Directive, error) {
	var resp Directive
	err := c.do(ctx, http.MethodPost, "v0/directives", req, &resp)
	return resp, err
}

// Vote casts the caller's vote.
func (c *Client) Vote(ctx context.Context, id int64, support bool, agentRef string) (Directive, error) {
	body := map[string]any{"support": support}
	if agentRef != "" {
		body["agent_ref"] = agentRef
	}
	var resp Directive
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/directives/%d/votes", id), body, &resp)
	return resp, err
}

// Complete marks an active directive completed.
func (c *Client) Complete(ctx context.Context, id int64) (Directive, error) {
	var resp Directive
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/directives/%d/complete", id), nil, &resp)
	return resp, err
}

// Cancel cancels an open or active directive.
func (c *Client) Cancel(ctx context.Context, id int64) (Directive, error) {
	var resp Directive
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/directives/%d/cancel", id), nil, &resp)
	return resp, err
}

// ExpireCheck reconciles a directive's expiry.
func (c *Client) ExpireCheck(ctx context.Context, id int64) (Directive, error) {
	var resp Directive
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/directives/%d/expire-check", id), nil, &resp)
	return resp, err
}

// Get fetches one directive with derived status.
func (c *Client) Get(ctx context.Context, id int64) (Directive, error) {
	var resp Directive
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/directives/%d", id), nil, &resp)
	return resp, err
}

// List returns one page of directives in submission order.
func (c *Client) List(ctx context.Context, offset, limit int) (DirectivePage, error) {
	var resp DirectivePage
	endpoint := fmt.Sprintf("v0/directives?offset=%d&limit=%d", offset, limit)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Quota returns the caller's current submission usage.
func (c *Client) Quota(ctx context.Context, groupID uint64) (Quota, error) {
	endpoint := "v0/quota"
	if groupID != 0 {
		endpoint = fmt.Sprintf("v0/quota?group_id=%d", groupID)
	}
	var resp Quota
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns events after the cursor in ascending order.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	var resp []Event
	endpoint := fmt.Sprintf("v0/events?after=%d&limit=%d", after, limit)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.Identity != "":
		req.Header.Set("X-Identity", c.Identity)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
