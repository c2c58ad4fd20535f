package membership

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Checker answers whether an identity belongs to a group. The registry trusts
// the answer; verifying the identity itself is the caller's problem.
type Checker interface {
	IsMember(ctx context.Context, groupID uint64, identity string) (bool, error)
}

// HTTPChecker asks an external membership authority over HTTP.
// GET {base}/groups/{id}/members/{identity} -> 200 member, 404 not a member.
type HTTPChecker struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPChecker(baseURL string, timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPChecker{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPChecker) IsMember(ctx context.Context, groupID uint64, identity string) (bool, error) {
	endpoint := fmt.Sprintf("%s/groups/%d/members/%s", c.BaseURL, groupID, url.PathEscape(identity))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	res, err := c.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("membership authority: %w", err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("membership authority: unexpected status %d", res.StatusCode)
	}
}

// StaticChecker is an in-memory membership table for tests and local runs.
type StaticChecker struct {
	Members map[uint64][]string
}

func (s StaticChecker) IsMember(_ context.Context, groupID uint64, identity string) (bool, error) {
	for _, m := range s.Members[groupID] {
		if m == identity {
			return true, nil
		}
	}
	return false, nil
}
