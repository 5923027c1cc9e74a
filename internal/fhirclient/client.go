// Package fhirclient submits transaction bundles to a FHIR server over HTTP.
//
// The client never retries: a failed submission is reported once and the
// caller decides what to do with the record it belonged to.
package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JonMunkholm/labfhir/internal/fhir"
)

// ContentType is the media type for FHIR JSON requests and responses.
const ContentType = "application/fhir+json"

// DefaultTimeout bounds a single transaction round trip.
const DefaultTimeout = 30 * time.Second

// OutcomeError is a structured rejection: the server answered with an error
// status and an OperationOutcome describing why.
type OutcomeError struct {
	StatusCode int
	Outcome    *fhir.OperationOutcome
	Body       []byte
}

func (e *OutcomeError) Error() string {
	return fmt.Sprintf("fhir server rejected transaction (HTTP %d): %s", e.StatusCode, e.Outcome.Summary())
}

// StatusError is an error status without a usable OperationOutcome body.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("fhir server returned %s", e.Status)
	}
	return fmt.Sprintf("fhir server returned %s: %s", e.Status, body)
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	Logger    *slog.Logger
}

// Client posts transaction bundles to the base endpoint of a FHIR server.
type Client struct {
	http    *resty.Client
	baseURL string
	logger  *slog.Logger
}

// New creates a client for the server at opts.BaseURL.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("fhir base url is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("fhir base url %q must use http or https", base)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", ContentType).
		SetHeader("Accept", ContentType)
	if opts.UserAgent != "" {
		httpClient.SetHeader("User-Agent", opts.UserAgent)
	}

	return &Client{
		http:    httpClient,
		baseURL: base,
		logger:  logger,
	}, nil
}

// BaseURL returns the normalised server endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Transaction submits bundle as a single request and returns the
// transaction-response bundle.
//
// Error statuses carrying an OperationOutcome are returned as *OutcomeError;
// other error statuses as *StatusError. Transport failures, including the
// client timeout, are wrapped as is.
func (c *Client) Transaction(ctx context.Context, bundle *fhir.Bundle) (*fhir.Bundle, error) {
	if bundle == nil {
		return nil, errors.New("nil bundle")
	}

	payload, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}

	var result fhir.Bundle
	var outcome fhir.OperationOutcome

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		SetError(&outcome).
		Post(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("submit transaction: %w", err)
	}

	c.logger.Debug("fhir transaction response",
		"status", resp.StatusCode(),
		"duration_ms", time.Since(start).Milliseconds(),
		"bytes", len(resp.Body()),
	)

	if resp.IsError() || resp.StatusCode() >= 300 {
		// resty only decodes bodies it recognises as JSON
		if outcome.ResourceType == "" && len(resp.Body()) > 0 {
			_ = json.Unmarshal(resp.Body(), &outcome)
		}
		if outcome.ResourceType == fhir.ResourceOperationOutcome {
			return nil, &OutcomeError{
				StatusCode: resp.StatusCode(),
				Outcome:    &outcome,
				Body:       resp.Body(),
			}
		}
		return nil, &StatusError{
			StatusCode: resp.StatusCode(),
			Status:     resp.Status(),
			Body:       string(resp.Body()),
		}
	}

	if result.ResourceType == "" && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &result); err != nil {
			return nil, fmt.Errorf("decode transaction response: %w", err)
		}
	}
	if result.ResourceType != "" && result.ResourceType != fhir.ResourceBundle {
		return nil, fmt.Errorf("unexpected response resource %q", result.ResourceType)
	}

	return &result, nil
}
