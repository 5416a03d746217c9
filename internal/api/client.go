// Package api provides the remote API client for FieldSync.
// The sync engine treats the remote service as a single async call:
// send(endpoint, method, payload) -> response | failure.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/ecofield/fieldsync/internal/errors"
	"github.com/ecofield/fieldsync/internal/models"
)

// Mobile API endpoints.
const (
	EndpointUploads      = "/api/mobile/uploads"
	EndpointSyncAudits   = "/api/mobile/sync/audits"
	EndpointSyncJobCards = "/api/mobile/sync/job-cards"
	EndpointSchedules    = "/api/mobile/user/schedule"
	EndpointJobCards     = "/api/mobile/user/job-cards"
	EndpointEarnings     = "/api/mobile/user/earnings"
)

// Client is the transport the sync engine depends on.
//
// POST /api/mobile/sync/audits retries a whole pass; an audit marked synced
// before a later failure is excluded from the retry, so the server only needs
// to dedup the narrow window where it committed but the response was lost.
type Client interface {
	// Send issues one request. Method is GET or POST; a non-nil body is
	// encoded as JSON. Any transport failure or non-2xx response is a
	// NETWORK_ERROR.
	Send(ctx context.Context, endpoint, method string, body interface{}) (json.RawMessage, error)
}

// TokenSource supplies the bearer token for authenticated requests.
type TokenSource interface {
	// Token returns the current auth token, or "" when not authenticated.
	Token() string
}

// HTTPClient is the production Client backed by net/http.
type HTTPClient struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

// NewHTTPClient creates an HTTPClient against the given base URL.
func NewHTTPClient(baseURL string, tokens TokenSource) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		tokens:  tokens,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Send implements Client.
func (c *HTTPClient) Send(ctx context.Context, endpoint, method string, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode request body", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, fmt.Sprintf("%s %s failed", method, endpoint), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "failed to read response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.New(apperrors.ErrNetwork,
			fmt.Sprintf("%s %s returned %d", method, endpoint, resp.StatusCode))
	}

	return json.RawMessage(data), nil
}

// =====================================================
// Wire types
// =====================================================

// UploadResponse is the response from POST /api/mobile/uploads.
type UploadResponse struct {
	URL string `json:"url"`
}

// AuditSyncResponse is the response from POST /api/mobile/sync/audits.
type AuditSyncResponse struct {
	ID int64 `json:"id"`
}

// SchedulesResponse is the response from GET /api/mobile/user/schedule.
type SchedulesResponse struct {
	Schedules []models.Schedule `json:"schedules"`
}

// JobCardsResponse is the response from GET /api/mobile/user/job-cards.
type JobCardsResponse struct {
	JobCards []models.JobCard `json:"job_cards"`
}

// EarningsResponse is the response from GET /api/mobile/user/earnings.
type EarningsResponse struct {
	Earnings []models.Earning `json:"earnings"`
}

// AuditUpload is the request body for POST /api/mobile/sync/audits.
type AuditUpload struct {
	Title     string   `json:"title"`
	Notes     string   `json:"notes"`
	Photos    []string `json:"photos"`
	CreatedAt int64    `json:"created_at"`
}

// PhotoUpload is the request body for POST /api/mobile/uploads.
type PhotoUpload struct {
	Photo     string `json:"photo"`
	Timestamp int64  `json:"timestamp"`
}

// JobCardPush is the request body for POST /api/mobile/sync/job-cards.
type JobCardPush struct {
	JobNumber string          `json:"job_number"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt int64           `json:"updated_at"`
}
