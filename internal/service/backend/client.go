// Package backend builds generation requests and exchanges them with the
// local text-generation service over HTTP.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/zhouzirui/tavern-relay/internal/model/chat"
)

// ErrBackend reports a failed exchange: non-200 status or transport error.
// The caller drops the turn and leaves its session untouched.
var ErrBackend = errors.New("backend request failed")

const chatPath = "/api/v1/chat"

// DefaultTimeout bounds the blocking round trip to the backend so a hung
// generation cannot stall the channel forever.
const DefaultTimeout = 120 * time.Second

// Client talks to the text-generation backend.
type Client struct {
	http *resty.Client
	log  *zap.Logger
}

type chatResponse struct {
	Results []struct {
		History chat.History `json:"history"`
	} `json:"results"`
}

// NewClient builds a client for the given base URL, e.g.
// "http://localhost:5000".
func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}

	httpClient := resty.New()
	httpClient.SetBaseURL(baseURL)
	httpClient.SetTimeout(timeout)

	return &Client{http: httpClient, log: log}
}

// Send issues one blocking generation request. On success it returns the
// updated history pair and the newest reply. A non-200 status or a body
// without results is logged and surfaced as ErrBackend with an empty
// history, so the caller's session keeps its turns; no retry is attempted.
func (c *Client) Send(ctx context.Context, payload map[string]any) (chat.History, string, error) {
	var parsed chatResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&parsed).
		Post(chatPath)
	if err != nil {
		c.log.Warn("backend unreachable", zap.Error(err))
		return chat.History{}, "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if resp.StatusCode() != 200 {
		c.log.Warn("status code came back non-200", zap.Int("status", resp.StatusCode()))
		return chat.History{}, "", fmt.Errorf("%w: status %d", ErrBackend, resp.StatusCode())
	}

	if len(parsed.Results) == 0 {
		// A 200 without results carries no history to commit; treating it
		// as success would wipe the channel's accumulated turns.
		c.log.Warn("backend response missing results")
		return chat.History{}, "", fmt.Errorf("%w: response missing results", ErrBackend)
	}

	history := parsed.Results[0].History
	return history, history.LastReply(), nil
}
