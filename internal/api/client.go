// Package api is the HTTP client for the relay server and the wire types
// both sides share.
package api

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"livecast/native/internal/domain"
)

// TicketRequest asks the relay server for relay credentials. Key is the
// broadcast key and is only checked for broadcaster tickets.
type TicketRequest struct {
	Session string      `json:"session" binding:"required"`
	Role    domain.Role `json:"role" binding:"required"`
	Key     string      `json:"key,omitempty"`
}

// LiveStatus is the body of the live flag endpoints.
type LiveStatus struct {
	Live bool `json:"live"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Client talks to the relay server's REST API.
type Client struct {
	http *resty.Client

	token string
}

// NewClient creates an API client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetHeader("Accept", "application/json"),
	}
}

// SetToken sets the bearer token used for authenticated calls, normally the
// one from a broadcaster ticket.
func (c *Client) SetToken(token string) {
	c.token = token
}

// FetchTicket obtains relay credentials and ICE servers for a session.
func (c *Client) FetchTicket(ctx context.Context, session string, role domain.Role, key string) (*domain.Ticket, error) {
	var ticket domain.Ticket
	var apiErr ErrorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(TicketRequest{Session: session, Role: role, Key: key}).
		SetResult(&ticket).
		SetError(&apiErr).
		Post("/api/tickets")
	if err != nil {
		return nil, fmt.Errorf("fetch ticket: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch ticket: http %d: %s", resp.StatusCode(), apiErr.Error)
	}
	if ticket.Token == "" {
		return nil, fmt.Errorf("fetch ticket: response carries no token")
	}
	return &ticket, nil
}

// IsLive reports the session's live flag.
func (c *Client) IsLive(ctx context.Context, sessionID string) (bool, error) {
	var status LiveStatus
	var apiErr ErrorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&status).
		SetError(&apiErr).
		Get(livePath(sessionID))
	if err != nil {
		return false, fmt.Errorf("get live flag: %w", err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("get live flag: http %d: %s", resp.StatusCode(), apiErr.Error)
	}
	return status.Live, nil
}

// SetLive persists the session's live flag. Requires a broadcaster token.
func (c *Client) SetLive(ctx context.Context, sessionID string, live bool) error {
	var apiErr ErrorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.token).
		SetBody(LiveStatus{Live: live}).
		SetError(&apiErr).
		Put(livePath(sessionID))
	if err != nil {
		return fmt.Errorf("set live flag: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("set live flag: http %d: %s", resp.StatusCode(), apiErr.Error)
	}
	return nil
}

func livePath(sessionID string) string {
	return "/api/sessions/" + url.PathEscape(sessionID) + "/live"
}
