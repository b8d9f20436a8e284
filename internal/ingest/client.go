// Package ingest hands discovered files to the downstream document service:
// a signed upload followed by a create-invoice call.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/retry"
)

// UploadTarget is where the bytes of one file go.
type UploadTarget struct {
	PutURL   string            `json:"put_request"`
	Headers  map[string]string `json:"headers"`
	URL      string            `json:"url"`
	UploadID string            `json:"upload_id"`
}

// InvoicePayload is the create-invoice request body.
type InvoicePayload struct {
	Restaurant              string     `json:"restaurant"`
	RestaurantAccount       string     `json:"restaurant_account"`
	RestaurantGroup         *string    `json:"restaurant_group"`
	UploadID                string     `json:"upload_id"`
	Image                   string     `json:"image"`
	ContainsSupportDocument bool       `json:"contains_support_document"`
	UploadThrough           string     `json:"upload_through"`
	IsEDI                   bool       `json:"is_edi"`
	Job                     PayloadJob `json:"job"`
}

// PayloadJob describes the job that produced the file.
type PayloadJob struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	CreateMissingVendors bool   `json:"create_missing_vendors"`
	Type                 string `json:"type,omitempty"`
}

// API is the downstream surface used by the Bridge.
type API interface {
	GetSignedUploadTarget(ctx context.Context, filename, displayName string) (*UploadTarget, error)
	Upload(ctx context.Context, target *UploadTarget, body io.ReadSeeker) error
	CreateInvoice(ctx context.Context, payload InvoicePayload) (string, error)
}

// Client talks to the document service over HTTP. Every request waits on the
// shared rate limiter first.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	policy  retry.Policy
	logger  *slog.Logger
}

// NewClient builds a Client. A nil limiter means no rate limit.
func NewClient(baseURL, token string, httpClient *http.Client, limiter *rate.Limiter, policy retry.Policy, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   "Token " + token,
		http:    httpClient,
		limiter: limiter,
		policy:  policy,
		logger:  logger,
	}
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

// do sends the request built by build under the retry budget. Transport
// errors and statuses accepted by retryable are retried.
func (c *Client) do(ctx context.Context, what string, build func() (*http.Request, error), retryable func(int) bool) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, c.policy, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		req, err := build()
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			serr := &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(data))}
			if retryable(resp.StatusCode) {
				return serr
			}
			return retry.Permanent(serr)
		}
		body = data
		return nil
	}, func(err error, next time.Duration) {
		c.logger.DebugContext(ctx, "ingestion request failed, retrying", "request", what, "error", err, "next", next)
	})
	if err != nil {
		var serr *statusError
		if errors.As(err, &serr) && serr.code >= 500 {
			return nil, errors.Wrap(errors.WithDetail(errors.NewCoded(errors.ExternalUpstreamUnavailable, nil), err.Error()), what)
		}
		return nil, errors.Wrap(err, what)
	}
	return body, nil
}

func serverErrors(code int) bool { return code >= 500 }

func anyStatus(int) bool { return true }

// GetSignedUploadTarget asks for a signed upload location for filename.
func (c *Client) GetSignedUploadTarget(ctx context.Context, filename, displayName string) (*UploadTarget, error) {
	q := url.Values{"filename": {filename}, "display_name": {displayName}}
	endpoint := c.baseURL + "/invoice/s3sign/?" + q.Encode()
	data, err := c.do(ctx, "get signed upload target", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", c.token)
		req.Header.Set("X-TRUST-IMAGE-NAME-UNIQUE", "True")
		return req, nil
	}, serverErrors)
	if err != nil {
		return nil, err
	}
	var target UploadTarget
	if err := json.Unmarshal(data, &target); err != nil {
		return nil, errors.Wrap(err, "decode signed upload target")
	}
	if target.PutURL == "" || target.UploadID == "" {
		return nil, errors.Newf("signed upload target for %s is incomplete", filename)
	}
	return &target, nil
}

// Upload PUTs body to the signed target. Any non-2xx status is retried.
func (c *Client) Upload(ctx context.Context, target *UploadTarget, body io.ReadSeeker) error {
	size, err := body.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.Wrap(err, "size upload body")
	}
	_, err = c.do(ctx, "upload to signed target", func() (*http.Request, error) {
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.PutURL, io.NopCloser(body))
		if err != nil {
			return nil, err
		}
		req.ContentLength = size
		for k, v := range target.Headers {
			req.Header.Set(k, v)
		}
		return req, nil
	}, anyStatus)
	return err
}

// CreateInvoice creates the invoice container and returns its id.
func (c *Client) CreateInvoice(ctx context.Context, payload InvoicePayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "encode invoice payload")
	}
	data, err := c.do(ctx, "create invoice", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoice/", bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", c.token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, serverErrors)
	if err != nil {
		return "", err
	}
	var out struct {
		ContainerID json.RawMessage `json:"container_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", errors.Wrap(err, "decode create invoice response")
	}
	id := strings.Trim(string(out.ContainerID), `"`)
	if id == "" || id == "null" {
		return "", errors.Newf("create invoice returned no container id for upload %s", payload.UploadID)
	}
	return id, nil
}
