// Package mailbox is a client for the mail provider's message API. It lists
// message ids in a time window, fetches full message content, and applies
// labels.
package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client defines the mail provider operations used by ingestion.
type Client interface {
	// ListMessages returns refs for messages received after the given time,
	// excluding any already carrying excludeLabel.
	ListMessages(ctx context.Context, q ListQuery) ([]MessageRef, error)
	// GetMessage fetches the full content of a single message.
	GetMessage(ctx context.Context, id string) (*ProviderMessage, error)
	// ApplyLabel adds a label to a message. Idempotent on the provider side.
	ApplyLabel(ctx context.Context, id, label string) error
}

// ListQuery filters the message listing.
type ListQuery struct {
	After        time.Time
	ExcludeLabel string
	Limit        int
}

// MessageRef identifies a message without its content.
type MessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
}

// ProviderMessage is the full content of a fetched message.
type ProviderMessage struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"thread_id"`
	From        string       `json:"from"`
	Subject     string       `json:"subject"`
	SentAt      time.Time    `json:"sent_at"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a file attached to a message.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// APIError is returned for non-2xx responses so callers can decide whether
// the failure is retryable.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mailbox: unexpected status %d: %s", e.StatusCode, e.Body)
}

// AsAPIError extracts an APIError from the error chain, if any.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(rps int) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
		}
	}
}

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a mail provider client.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) ListMessages(ctx context.Context, q ListQuery) ([]MessageRef, error) {
	params := url.Values{}
	if !q.After.IsZero() {
		params.Set("after", q.After.UTC().Format(time.RFC3339))
	}
	if q.ExcludeLabel != "" {
		params.Set("exclude_label", q.ExcludeLabel)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var result struct {
		Messages []MessageRef `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/messages?"+params.Encode(), nil, &result); err != nil {
		return nil, eris.Wrap(err, "mailbox: list messages")
	}
	return result.Messages, nil
}

func (c *httpClient) GetMessage(ctx context.Context, id string) (*ProviderMessage, error) {
	var msg ProviderMessage
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(id), nil, &msg); err != nil {
		return nil, eris.Wrapf(err, "mailbox: get message %s", id)
	}
	return &msg, nil
}

func (c *httpClient) ApplyLabel(ctx context.Context, id, label string) error {
	body := map[string]string{"label": label}
	if err := c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(id)+"/labels", body, nil); err != nil {
		return eris.Wrapf(err, "mailbox: apply label %s", id)
	}
	return nil
}

func (c *httpClient) do(ctx context.Context, method, path string, reqBody, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return err
		}
	}
	return nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
