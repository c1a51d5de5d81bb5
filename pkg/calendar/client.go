// Package calendar is a client for the calendar provider's events API.
package calendar

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
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client defines the calendar provider operations used by sync.
type Client interface {
	// FindDuplicate returns the external id of an event with the same title
	// starting within window of start, or "" when none exists.
	FindDuplicate(ctx context.Context, calendarID, title string, start time.Time, window time.Duration) (string, error)
	// InsertEvent creates an event and returns its external id.
	InsertEvent(ctx context.Context, calendarID string, ev Event) (string, error)
	// DeleteEvent removes an event. Deleting an absent event is not an error.
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// Event is the payload for creating a calendar event.
type Event struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	StartAt     time.Time  `json:"start_at"`
	EndAt       *time.Time `json:"end_at,omitempty"`
}

// RemoteEvent is an event as returned by the provider.
type RemoteEvent struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	StartAt time.Time `json:"start_at"`
}

// APIError is returned for non-2xx responses so callers can decide whether
// the failure is retryable.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("calendar: unexpected status %d: %s", e.StatusCode, e.Body)
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

// NewClient creates a calendar provider client.
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

func (c *httpClient) FindDuplicate(ctx context.Context, calendarID, title string, start time.Time, window time.Duration) (string, error) {
	params := url.Values{}
	params.Set("start", start.Add(-window).UTC().Format(time.RFC3339))
	params.Set("end", start.Add(window).UTC().Format(time.RFC3339))

	var result struct {
		Events []RemoteEvent `json:"events"`
	}
	path := "/calendars/" + url.PathEscape(calendarID) + "/events?" + params.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return "", eris.Wrap(err, "calendar: list events")
	}

	want := strings.ToLower(strings.TrimSpace(title))
	for _, ev := range result.Events {
		if strings.ToLower(strings.TrimSpace(ev.Title)) == want {
			return ev.ID, nil
		}
	}
	return "", nil
}

func (c *httpClient) InsertEvent(ctx context.Context, calendarID string, ev Event) (string, error) {
	var result struct {
		ID string `json:"id"`
	}
	path := "/calendars/" + url.PathEscape(calendarID) + "/events"
	if err := c.do(ctx, http.MethodPost, path, ev, &result); err != nil {
		return "", eris.Wrap(err, "calendar: insert event")
	}
	return result.ID, nil
}

func (c *httpClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	path := "/calendars/" + url.PathEscape(calendarID) + "/events/" + url.PathEscape(eventID)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		// Already gone is success for removal.
		if apiErr, ok := AsAPIError(err); ok && apiErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return eris.Wrapf(err, "calendar: delete event %s", eventID)
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
