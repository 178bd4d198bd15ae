// Package remote holds the terminal's clients for external collaborators:
// the order-of-record HTTP service, the upstream AMQP event feed, and the
// hardware bridge.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kiwari-pos/terminal/internal/domain"
	"github.com/kiwari-pos/terminal/internal/enum"
	"github.com/kiwari-pos/terminal/internal/identity"
)

// Client talks to the order-of-record service. All failures come back as
// *domain.RemoteError so callers can branch on the reason without parsing
// transport details.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a Client for the service at base. token is the
// terminal's bearer credential.
func NewClient(base, token string) *Client {
	return &Client{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// ── Wire types ──

type versionResponse struct {
	SyncVersion int64 `json:"sync_version"`
}

type identityResponse struct {
	BranchID       string `json:"branch_id"`
	OrganizationID string `json:"organization_id"`
	TerminalID     string `json:"terminal_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ── Terminal configuration service ──

// FetchIdentity asks the configuration service who this terminal is.
func (c *Client) FetchIdentity(ctx context.Context) (identity.Identity, error) {
	var out identityResponse
	if err := c.do(ctx, http.MethodGet, "/terminals/self/config", "", nil, &out); err != nil {
		return identity.Identity{}, err
	}
	return identity.Identity{
		BranchID:       out.BranchID,
		OrganizationID: out.OrganizationID,
		TerminalID:     out.TerminalID,
	}, nil
}

// ── Order-of-record ──

// FetchOrders returns every active order for the branch.
func (c *Client) FetchOrders(ctx context.Context, branchID string) ([]domain.OrderRecord, error) {
	var out []domain.OrderRecord
	path := fmt.Sprintf("/branches/%s/orders", branchID)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrder returns the current remote snapshot of one order.
func (c *Client) GetOrder(ctx context.Context, orderID uuid.UUID) (domain.OrderRecord, error) {
	var out domain.OrderRecord
	path := fmt.Sprintf("/orders/%s", orderID)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return domain.OrderRecord{}, err
	}
	return out, nil
}

// CreateOrder submits a locally created order and returns the record the
// service assigned (order number, sync version).
func (c *Client) CreateOrder(ctx context.Context, branchID string, rec domain.OrderRecord) (domain.OrderRecord, error) {
	var out domain.OrderRecord
	path := fmt.Sprintf("/branches/%s/orders", branchID)
	if err := c.do(ctx, http.MethodPost, path, "", rec, &out); err != nil {
		return domain.OrderRecord{}, err
	}
	return out, nil
}

type statusUpdate struct {
	Status          string `json:"status"`
	ExpectedVersion int64  `json:"expected_version"`
}

// UpdateOrderStatus pushes a status transition. expectedVersion is the
// sync version the terminal last saw; a mismatch comes back as a
// VERSION_CONFLICT reason.
func (c *Client) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status string, expectedVersion int64) (int64, error) {
	var out versionResponse
	path := fmt.Sprintf("/orders/%s/status", orderID)
	if err := c.do(ctx, http.MethodPatch, path, "", statusUpdate{Status: status, ExpectedVersion: expectedVersion}, &out); err != nil {
		return 0, err
	}
	return out.SyncVersion, nil
}

type driverUpdate struct {
	DriverID        string `json:"driver_id"`
	ExpectedVersion int64  `json:"expected_version"`
}

// AssignDriver pushes a driver assignment.
func (c *Client) AssignDriver(ctx context.Context, orderID uuid.UUID, driverID string, expectedVersion int64) (int64, error) {
	var out versionResponse
	path := fmt.Sprintf("/orders/%s/driver", orderID)
	if err := c.do(ctx, http.MethodPatch, path, "", driverUpdate{DriverID: driverID, ExpectedVersion: expectedVersion}, &out); err != nil {
		return 0, err
	}
	return out.SyncVersion, nil
}

type convertRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

// ConvertToPickup switches a delivery order to pickup.
func (c *Client) ConvertToPickup(ctx context.Context, orderID uuid.UUID, expectedVersion int64) (int64, error) {
	var out versionResponse
	path := fmt.Sprintf("/orders/%s/convert-to-pickup", orderID)
	if err := c.do(ctx, http.MethodPost, path, "", convertRequest{ExpectedVersion: expectedVersion}, &out); err != nil {
		return 0, err
	}
	return out.SyncVersion, nil
}

// ApproveOrder accepts an externally submitted order.
func (c *Client) ApproveOrder(ctx context.Context, orderID uuid.UUID, expectedVersion int64) (int64, error) {
	var out versionResponse
	path := fmt.Sprintf("/orders/%s/approve", orderID)
	if err := c.do(ctx, http.MethodPost, path, "", convertRequest{ExpectedVersion: expectedVersion}, &out); err != nil {
		return 0, err
	}
	return out.SyncVersion, nil
}

// DeclineOrder rejects an externally submitted order.
func (c *Client) DeclineOrder(ctx context.Context, orderID uuid.UUID, expectedVersion int64) (int64, error) {
	var out versionResponse
	path := fmt.Sprintf("/orders/%s/decline", orderID)
	if err := c.do(ctx, http.MethodPost, path, "", convertRequest{ExpectedVersion: expectedVersion}, &out); err != nil {
		return 0, err
	}
	return out.SyncVersion, nil
}

type pushRequest struct {
	Record domain.OrderRecord `json:"record"`
	Force  bool               `json:"force"`
}

// PushOrder replaces the remote copy of an order wholesale. Used by
// conflict resolution (accept-local, merge), where force tells the service
// to accept the record regardless of its current version. Returns the
// newly assigned sync version.
func (c *Client) PushOrder(ctx context.Context, rec domain.OrderRecord, force bool) (int64, error) {
	var out versionResponse
	path := fmt.Sprintf("/orders/%s", rec.ID)
	if err := c.do(ctx, http.MethodPut, path, "", pushRequest{Record: rec, Force: force}, &out); err != nil {
		return 0, err
	}
	return out.SyncVersion, nil
}

// ── Idempotent side effects ──

// RedeemCoupon redeems a coupon against an order. The service is
// idempotent per opID, so retries after partial failures are safe.
func (c *Client) RedeemCoupon(ctx context.Context, opID string, payload json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/loyalty/redemptions", opID, payload, nil)
}

// AckSettings acknowledges a settings revision, idempotent per opID.
func (c *Client) AckSettings(ctx context.Context, opID string, payload json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/terminals/self/settings-ack", opID, payload, nil)
}

// ── Transport ──

// do runs one request. Non-2xx statuses map onto the failure taxonomy;
// transport errors surface as connectivity.
func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewRemoteError(enum.FailureConnectivity, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domain.NewRemoteError(enum.FailureConnectivity, "%s %s: decode response: %v", method, path, err)
		}
		return nil
	}

	var apiErr errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	return domain.NewRemoteError(reasonForStatus(resp.StatusCode), "%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
}

func reasonForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return enum.FailureValidation
	case http.StatusNotFound:
		return enum.FailureNotFound
	case http.StatusConflict:
		return enum.FailureVersionConflict
	case http.StatusUnprocessableEntity:
		return enum.FailureBusinessRule
	}
	return enum.FailureConnectivity
}
