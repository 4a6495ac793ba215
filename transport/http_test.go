// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chhinhsovath/plp-attendance-sync/model"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func newTestClient(t *testing.T, rt roundTripFunc) *Client {
	t.Helper()
	c := NewClient("https://sync.example.org", staticToken("tok-123"), nil)
	c.HTTP = &http.Client{Transport: rt}
	return c
}

func staticToken(tok string) TokenFunc {
	return func(ctx context.Context) (string, error) { return tok, nil }
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestCreateSendsAuthorizedPost(t *testing.T) {
	var seen *http.Request
	var seenBody []byte
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		seen = req
		b, _ := io.ReadAll(req.Body)
		seenBody = b
		return jsonResponse(http.StatusCreated, `{}`), nil
	})

	err := client.Create(context.Background(), model.EntityAttendance, json.RawMessage(`{"id":"a1"}`))
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, seen.Method)
	require.Equal(t, "https://sync.example.org/api/attendance", seen.URL.String())
	require.Equal(t, "Bearer tok-123", seen.Header.Get("Authorization"))
	require.Equal(t, "application/json", seen.Header.Get("Content-Type"))
	require.JSONEq(t, `{"id":"a1"}`, string(seenBody))
}

func TestUpdateEscapesRecordID(t *testing.T) {
	var seen *http.Request
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		seen = req
		return jsonResponse(http.StatusOK, `{}`), nil
	})

	err := client.Update(context.Background(), model.EntityLeave, "id/with slash", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Equal(t, http.MethodPut, seen.Method)
	require.Equal(t, "/api/leaves/id%2Fwith%20slash", seen.URL.RequestURI())
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		wantKind  Kind
		retryable bool
	}{
		{http.StatusBadRequest, KindClient, false},
		{http.StatusUnauthorized, KindUnauthenticated, false},
		{http.StatusForbidden, KindUnauthenticated, false},
		{http.StatusConflict, KindClient, false},
		{http.StatusInternalServerError, KindServer, true},
		{http.StatusBadGateway, KindServer, true},
		{http.StatusServiceUnavailable, KindServer, true},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
				return jsonResponse(tc.status, `oops`), nil
			})

			err := client.Create(context.Background(), model.EntityUser, json.RawMessage(`{}`))
			require.Error(t, err)

			var te *Error
			require.ErrorAs(t, err, &te)
			require.Equal(t, tc.wantKind, te.Kind)
			require.Equal(t, tc.status, te.Status)
			require.Equal(t, tc.retryable, IsRetryable(err))
		})
	}
}

func TestTransportFailureIsRetryableNetworkError(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})

	err := client.Create(context.Background(), model.EntityAttendance, json.RawMessage(`{}`))
	require.Error(t, err)

	var te *Error
	require.ErrorAs(t, err, &te)
	require.Equal(t, KindNetwork, te.Kind)
	require.True(t, IsRetryable(err))
	require.False(t, IsUnauthenticated(err))
}

func TestTokenFailureShortCircuitsAsUnauthenticated(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		t.Fatal("no request should be sent without a credential")
		return nil, nil
	})
	client.Token = func(ctx context.Context) (string, error) {
		return "", errors.New("no stored credential")
	}

	err := client.Update(context.Background(), model.EntityUser, "u1", json.RawMessage(`{}`))
	require.Error(t, err)
	require.True(t, IsUnauthenticated(err))
}

func TestDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		require.Equal(t, http.MethodDelete, req.Method)
		return jsonResponse(http.StatusNotFound, `{"error":"gone"}`), nil
	})

	err := client.Delete(context.Background(), model.EntityAttendance, "a1")
	require.NoError(t, err, "the record is already gone, which is the state we wanted")
}

func TestListChangedSince(t *testing.T) {
	since := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	body := `{"records": [
		{"id": "a1", "updated_at": "2026-03-02T10:00:00Z", "status": "PRESENT"},
		{"id": "a2", "updated_at": "2026-03-02T11:30:00Z", "status": "LATE"}
	]}`

	var seen *http.Request
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		seen = req
		return jsonResponse(http.StatusOK, body), nil
	})

	records, err := client.ListChangedSince(context.Background(), model.EntityAttendance, since)
	require.NoError(t, err)
	require.Equal(t, "/api/attendance/changes", seen.URL.Path)
	require.Equal(t, since.Format(time.RFC3339Nano), seen.URL.Query().Get("since"))

	require.Len(t, records, 2)
	require.Equal(t, "a1", records[0].ID)
	require.True(t, records[0].UpdatedAt.Equal(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)))
	require.JSONEq(t, `{"id":"a1","updated_at":"2026-03-02T10:00:00Z","status":"PRESENT"}`,
		string(records[0].Payload))
}

func TestListChangedSinceEmpty(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"records": []}`), nil
	})

	records, err := client.ListChangedSince(context.Background(), model.EntityLeave, time.Time{})
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestListChangedSinceRejectsRecordWithoutID(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"records": [{"updated_at": "2026-03-02T10:00:00Z"}]}`), nil
	})

	_, err := client.ListChangedSince(context.Background(), model.EntityUser, time.Time{})
	require.Error(t, err)

	var te *Error
	require.ErrorAs(t, err, &te)
	require.Equal(t, KindServer, te.Kind)
}

func TestListChangedSinceMalformedBody(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `not json`), nil
	})

	_, err := client.ListChangedSince(context.Background(), model.EntityAttendance, time.Time{})
	require.Error(t, err)
	require.True(t, IsRetryable(err), "a garbled feed is worth retrying later")
}
