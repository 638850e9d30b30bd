package remote

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/lazypower/heirloom/internal/registry"
	"github.com/lazypower/heirloom/internal/server"
)

var _ registry.Registry = (*Client)(nil)

func codePath(code string) string {
	return "/api/codes/" + url.PathEscape(code)
}

func guardianPath(code string) string {
	return "/api/guardians/" + url.PathEscape(code)
}

func (c *Client) ClaimCode(ctx context.Context, code, target string) error {
	return c.do(ctx, http.MethodPut, codePath(code), server.ClaimRequest{Target: target}, nil)
}

func (c *Client) LookupCode(ctx context.Context, code string) (string, error) {
	var out server.CodeResponse
	if err := c.do(ctx, http.MethodGet, codePath(code), nil, &out); err != nil {
		return "", err
	}
	return out.Target, nil
}

func (c *Client) CreateGuardian(ctx context.Context, rec registry.GuardianRecord) error {
	return c.do(ctx, http.MethodPost, "/api/guardians", rec, nil)
}

func (c *Client) Guardian(ctx context.Context, code string) (registry.GuardianRecord, error) {
	var out registry.GuardianRecord
	err := c.do(ctx, http.MethodGet, guardianPath(code), nil, &out)
	return out, err
}

func (c *Client) TouchGuardian(ctx context.Context, code string, at time.Time) error {
	return c.do(ctx, http.MethodPost, guardianPath(code)+"/active", server.AtRequest{At: at}, nil)
}

func (c *Client) StartGrace(ctx context.Context, code string, at time.Time) error {
	return c.do(ctx, http.MethodPost, guardianPath(code)+"/grace", server.AtRequest{At: at}, nil)
}

func (c *Client) EnableWeeklyRelease(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodPost, guardianPath(code)+"/weekly", nil, nil)
}

func (c *Client) ConfigureGuardian(ctx context.Context, code string, s registry.GuardianSettings) error {
	return c.do(ctx, http.MethodPost, guardianPath(code)+"/settings", s, nil)
}

func (c *Client) StampWeeklyRelease(ctx context.Context, code string, prev *time.Time, at time.Time) error {
	return c.do(ctx, http.MethodPost, guardianPath(code)+"/stamp", server.StampRequest{Prev: prev, At: at}, nil)
}
