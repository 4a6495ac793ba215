// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/chhinhsovath/plp-attendance-sync/model"
)

// TokenFunc returns the current bearer credential for a call.
type TokenFunc func(ctx context.Context) (string, error)

// Client is the HTTP implementation of Adapter.
type Client struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewClient creates an HTTP adapter with a 30s per-call timeout.
func NewClient(baseURL string, token TokenFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

func entityPath(entityType model.EntityType) string {
	switch entityType {
	case model.EntityAttendance:
		return "attendance"
	case model.EntityLeave:
		return "leaves"
	case model.EntityUser:
		return "users"
	}
	return string(entityType)
}

// Create sends a new record to the remote service.
func (c *Client) Create(ctx context.Context, entityType model.EntityType, payload json.RawMessage) error {
	u := fmt.Sprintf("%s/api/%s", c.BaseURL, entityPath(entityType))
	return c.send(ctx, http.MethodPost, u, payload)
}

// Update replaces a record on the remote service.
func (c *Client) Update(ctx context.Context, entityType model.EntityType, id string, payload json.RawMessage) error {
	u := fmt.Sprintf("%s/api/%s/%s", c.BaseURL, entityPath(entityType), url.PathEscape(id))
	return c.send(ctx, http.MethodPut, u, payload)
}

// Delete removes a record from the remote service. A 404 is treated as
// success: the record is already gone, which is the state we wanted.
func (c *Client) Delete(ctx context.Context, entityType model.EntityType, id string) error {
	u := fmt.Sprintf("%s/api/%s/%s", c.BaseURL, entityPath(entityType), url.PathEscape(id))
	err := c.send(ctx, http.MethodDelete, u, nil)
	var te *Error
	if errors.As(err, &te) && te.Status == http.StatusNotFound {
		return nil
	}
	return err
}

type changesResponse struct {
	Records []json.RawMessage `json:"records"`
}

// recordHead lifts identity and timestamp out of an otherwise opaque
// record body.
type recordHead struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListChangedSince fetches records modified after the watermark.
func (c *Client) ListChangedSince(ctx context.Context, entityType model.EntityType, since time.Time) ([]RemoteRecord, error) {
	u := fmt.Sprintf("%s/api/%s/changes?since=%s", c.BaseURL, entityPath(entityType),
		url.QueryEscape(since.UTC().Format(time.RFC3339Nano)))

	body, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var resp changesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: KindServer, Msg: fmt.Sprintf("malformed changes response: %v", err)}
	}

	records := make([]RemoteRecord, 0, len(resp.Records))
	for _, raw := range resp.Records {
		var head recordHead
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, &Error{Kind: KindServer, Msg: fmt.Sprintf("malformed record in changes response: %v", err)}
		}
		if head.ID == "" {
			return nil, &Error{Kind: KindServer, Msg: "record in changes response has no id"}
		}
		records = append(records, RemoteRecord{ID: head.ID, UpdatedAt: head.UpdatedAt, Payload: raw})
	}
	return records, nil
}

func (c *Client) send(ctx context.Context, method, url string, payload json.RawMessage) error {
	_, err := c.do(ctx, method, url, payload)
	return err
}

func (c *Client) do(ctx context.Context, method, url string, payload json.RawMessage) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Msg: fmt.Sprintf("failed to build request: %v", err)}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.Token(ctx)
	if err != nil {
		return nil, &Error{Kind: KindUnauthenticated, Msg: fmt.Sprintf("no credential: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Msg: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Msg: fmt.Sprintf("failed to read response: %v", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: KindUnauthenticated, Status: resp.StatusCode, Msg: string(respBody)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &Error{Kind: KindClient, Status: resp.StatusCode, Msg: string(respBody)}
	default:
		return nil, &Error{Kind: KindServer, Status: resp.StatusCode, Msg: string(respBody)}
	}
}
