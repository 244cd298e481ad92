// Package gatewayclient talks to a running gateway over HTTP. The CLI uses it
// for issue, check and poll.
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alovak/khqr-gateway/gateway/models"
	"github.com/alovak/khqr-gateway/internal/expiry"
)

type Client struct {
	Base string
	HTTP *http.Client
}

func New(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{Base: strings.TrimRight(base, "/"), HTTP: hc}
}

// Issued is an issue response as seen by a client.
type Issued struct {
	Code          string `json:"code"`
	Fingerprint   string `json:"fingerprint"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	BillReference string `json:"billReference"`
	CreatedAt     int64  `json:"createdAt"`
	ExpiresAt     int64  `json:"expiresAt"`
}

func (i Issued) ExpiresAtTime() time.Time {
	return expiry.FromEpochMillis(i.ExpiresAt)
}

// APIError is a non-2xx reply from the gateway.
type APIError struct {
	StatusCode  int
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("gateway status=%d error=%s: %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("gateway status=%d error=%s", e.StatusCode, e.Code)
}

// IsUnavailable reports whether err means the gateway cannot probe settlements.
func IsUnavailable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "settlement_unavailable"
}

// isRejected reports whether the gateway refused the request itself, so
// repeating it cannot help.
func isRejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

func (c *Client) Issue(ctx context.Context, req models.CreatePayment) (*Issued, error) {
	var out Issued
	if err := c.post(ctx, "/issue", req, &out); err != nil {
		return nil, fmt.Errorf("issue: %w", err)
	}
	return &out, nil
}

func (c *Client) CheckStatus(ctx context.Context, fingerprint string) (*models.CheckStatusResult, error) {
	var out models.CheckStatusResult
	if err := c.post(ctx, "/check-status", models.CheckStatus{Fingerprint: fingerprint}, &out); err != nil {
		return nil, fmt.Errorf("check-status: %w", err)
	}
	return &out, nil
}

// Poll calls CheckStatus every interval until the payment succeeds, the code
// expires or ctx ends. It also stops when the gateway cannot probe or rejects
// the request. onPending, when set, sees every pending result.
func (c *Client) Poll(ctx context.Context, fingerprint string, interval time.Duration, onPending func(*models.CheckStatusResult)) (*models.CheckStatusResult, error) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := c.CheckStatus(ctx, fingerprint)
		switch {
		case err != nil && (IsUnavailable(err) || isRejected(err) || ctx.Err() != nil):
			return nil, err
		case err == nil && res.Status == models.PaymentStatusSuccess:
			return res, nil
		case err == nil && res.Expired:
			return res, nil
		case err == nil && onPending != nil:
			onPending(res)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Description = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
