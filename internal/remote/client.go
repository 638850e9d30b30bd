// Package remote is the device-side HTTP client for the heirloom remote
// service.
package remote

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
	"time"

	"github.com/lazypower/heirloom/internal/cloud"
	"github.com/lazypower/heirloom/internal/registry"
	"github.com/lazypower/heirloom/internal/server"
	"github.com/lazypower/heirloom/internal/store"
)

const defaultTimeout = 10 * time.Second

// Client talks to the remote service as one identity.
type Client struct {
	http      *http.Client
	serverURL string
	identity  string
}

// NewClient creates a client for the service at serverURL. A zero timeout
// uses the default.
func NewClient(serverURL, identity string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		serverURL: serverURL,
		identity:  identity,
	}
}

// Identity is who the client acts for.
func (c *Client) Identity() string {
	return c.identity
}

// Error is a non-2xx answer from the service. It matches the sentinel errors
// of cloud and registry with errors.Is.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote: status %d: %s", e.Status, e.Message)
}

// Is maps the service error code back to the sentinel it was produced from.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case server.CodeNotFound:
		return target == cloud.ErrNotFound || target == registry.ErrNotFound
	case server.CodeForbidden:
		return target == cloud.ErrForbidden
	case server.CodeRevoked:
		return target == cloud.ErrRevoked
	case server.CodeInvalid:
		return target == cloud.ErrInvalid
	case server.CodeTaken:
		return target == registry.ErrCodeTaken
	case server.CodeStale:
		return target == registry.ErrStale
	}
	return e.Status >= 500 && target == cloud.ErrUnreachable
}

// do sends a JSON request and decodes a JSON answer into out when non-nil.
// Transport failures wrap cloud.ErrUnreachable.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, rd)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(server.IdentityHeader, c.identity)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %w: %w", method, path, cloud.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w: %w", path, cloud.ErrUnreachable, err)
	}
	if resp.StatusCode >= 400 {
		var eb server.ErrorBody
		if json.Unmarshal(data, &eb) != nil || eb.Error == "" {
			eb.Error = string(data)
		}
		return fmt.Errorf("%s %s: %w", method, path, &Error{Status: resp.StatusCode, Code: eb.Code, Message: eb.Error})
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Healthy checks if the service is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil) == nil
}

func zonePath(owner, zone string) string {
	return "/api/zones/" + url.PathEscape(owner) + "/" + url.PathEscape(zone)
}

// Push offers local changes to owner's zone.
func (c *Client) Push(ctx context.Context, owner, zone string, recs []cloud.PushRecord) ([]cloud.PushResult, error) {
	var resp server.PushResponse
	err := c.do(ctx, http.MethodPost, zonePath(owner, zone)+"/records", server.PushRequest{Records: recs}, &resp)
	return resp.Results, err
}

// Changes pulls records of owner's zone written after since.
func (c *Client) Changes(ctx context.Context, owner, zone string, since int64) (cloud.Changes, error) {
	var out cloud.Changes
	err := c.do(ctx, http.MethodGet, zonePath(owner, zone)+"/changes?since="+strconv.FormatInt(since, 10), nil, &out)
	return out, err
}

// CreateCapability issues a capability over one of the caller's zones.
func (c *Client) CreateCapability(ctx context.Context, zone string, perm store.Permission) (cloud.Capability, error) {
	var out cloud.Capability
	err := c.do(ctx, http.MethodPost, "/api/capabilities", server.CapabilityRequest{Zone: zone, Permission: perm}, &out)
	return out, err
}

// FindCapability returns the caller's live capability over zone, if any.
func (c *Client) FindCapability(ctx context.Context, zone string) (cloud.Capability, bool, error) {
	var out cloud.Capability
	err := c.do(ctx, http.MethodGet, "/api/capabilities?zone="+url.QueryEscape(zone), nil, &out)
	if errors.Is(err, cloud.ErrNotFound) {
		return cloud.Capability{}, false, nil
	}
	if err != nil {
		return cloud.Capability{}, false, err
	}
	return out, true, nil
}

func (c *Client) Capability(ctx context.Context, id string) (cloud.Capability, error) {
	var out cloud.Capability
	err := c.do(ctx, http.MethodGet, "/api/capabilities/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) RevokeCapability(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/capabilities/"+url.PathEscape(id), nil, nil)
}

func (c *Client) AcceptCapability(ctx context.Context, id string) (cloud.Capability, error) {
	var out cloud.Capability
	err := c.do(ctx, http.MethodPost, "/api/capabilities/"+url.PathEscape(id)+"/accept", nil, &out)
	return out, err
}
