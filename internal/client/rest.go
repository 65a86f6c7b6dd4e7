package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"schoolchat/pkg/types"
)

// RESTClient performs the collaborator reads that seed room state: message
// history and the disabled flag, plus the account-status poll.
type RESTClient struct {
	base  string
	token string
	http  *http.Client
}

func NewRESTClient(base, token string) *RESTClient {
	return &RESTClient{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *RESTClient) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.http.Do(req)
}

// History fetches a room's message history, oldest first.
func (c *RESTClient) History(ctx context.Context, room string) ([]*types.Message, error) {
	resp, err := c.get(ctx, "/chat/history/"+url.PathEscape(room))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history request failed: status %d", resp.StatusCode)
	}
	var body struct {
		Messages []*types.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return body.Messages, nil
}

// Status fetches a room's disabled flag.
func (c *RESTClient) Status(ctx context.Context, room string) (bool, error) {
	resp, err := c.get(ctx, "/chat/status/"+url.PathEscape(room))
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("status request failed: status %d", resp.StatusCode)
	}
	var body struct {
		Disabled bool `json:"is_disabled"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("failed to decode status: %w", err)
	}
	return body.Disabled, nil
}

// AuthCheck polls the account-status side channel. revoked is true only on
// an explicit 401, or a 403 whose body names a reason — every other
// outcome, including transport failure and server errors, returns err and
// must not end the session.
func (c *RESTClient) AuthCheck(ctx context.Context) (revoked bool, reason string, err error) {
	resp, err := c.get(ctx, "/auth/check")
	if err != nil {
		return false, "", fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return false, "", nil
	case http.StatusUnauthorized:
		return true, "expired", nil
	case http.StatusForbidden:
		var body struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&body); decodeErr != nil || body.Error == "" {
			// A 403 with no stated reason is not authoritative.
			return false, "", fmt.Errorf("auth check: unexplained 403")
		}
		return true, body.Error, nil
	default:
		return false, "", fmt.Errorf("auth check: status %d", resp.StatusCode)
	}
}
