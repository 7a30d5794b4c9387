package backfill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Jmemon/fuel/internal/models"
)

const (
	requestTimeout  = 2 * time.Minute
	maxRetryElapsed = 5 * time.Minute
	rateLimitPause  = 30 * time.Second
)

// Client talks to the ingestion API with retry and a pool-wide rate-limit
// gate. All workers share one client: when any request hits a 429, the
// rate-limited-until timestamp is advanced under the mutex and every worker
// sleeps past it before its next call, converting per-worker rate limits into
// a single coordinated pause.
type Client struct {
	base string
	http *http.Client

	mu               sync.Mutex
	rateLimitedUntil time.Time
}

// NewClient creates a client for the given API base URL, such as
// "http://localhost:8080".
func NewClient(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: requestTimeout},
	}
}

// retryableError marks a failure worth retrying with backoff.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// PublishEvents posts a batch to the events endpoint. Rejected events in the
// report are a permanent failure for this batch.
func (c *Client) PublishEvents(ctx context.Context, events []models.Event) error {
	body, err := json.Marshal(events)
	if err != nil {
		return err
	}
	return c.doWithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.base+"/api/v1/events", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return &retryableError{err}
		}
		defer func() { _ = resp.Body.Close() }()

		if err := c.classifyStatus(resp, false); err != nil {
			return err
		}
		var report struct {
			Accepted int `json:"accepted"`
			Rejected []struct {
				EventID string `json:"event_id"`
				Reason  string `json:"reason"`
			} `json:"rejected"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
			return &retryableError{err}
		}
		if len(report.Rejected) > 0 {
			r := report.Rejected[0]
			return backoff.Permanent(fmt.Errorf("event %s rejected: %s", r.EventID, r.Reason))
		}
		return nil
	})
}

// UploadTranscript streams a transcript file to the session's upload
// endpoint. The 404 a just-published session can produce before its start
// event is consumed is retried as eventual consistency.
func (c *Client) UploadTranscript(ctx context.Context, sessionID, path string) error {
	return c.doWithRetry(ctx, func() error {
		f, err := os.Open(path)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer func() { _ = f.Close() }()
		info, err := f.Stat()
		if err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut,
			fmt.Sprintf("%s/api/v1/sessions/%s/transcript", c.base, sessionID), f)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.ContentLength = info.Size()
		req.Header.Set("Content-Type", "application/x-ndjson")

		resp, err := c.http.Do(req)
		if err != nil {
			return &retryableError{err}
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, resp.Body)
		return c.classifyStatus(resp, true)
	})
}

// GetSession fetches a session, returning nil without error on 404.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var sess *models.Session
	err := c.doWithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/api/v1/sessions/%s", c.base, sessionID), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return &retryableError{err}
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusNotFound {
			sess = nil
			return nil
		}
		if err := c.classifyStatus(resp, false); err != nil {
			return err
		}
		sess = &models.Session{}
		if err := json.NewDecoder(resp.Body).Decode(sess); err != nil {
			return &retryableError{err}
		}
		return nil
	})
	return sess, err
}

// classifyStatus maps a response status to nil, a retryable error, or a
// permanent one. retry404 covers endpoints where a 404 can mean "not visible
// yet" rather than "does not exist".
func (c *Client) classifyStatus(resp *http.Response, retry404 bool) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		c.noteRateLimit(resp)
		return &retryableError{fmt.Errorf("rate limited")}
	case resp.StatusCode == http.StatusNotFound && retry404:
		return &retryableError{fmt.Errorf("not visible yet (404)")}
	case resp.StatusCode == http.StatusServiceUnavailable:
		return &retryableError{fmt.Errorf("service unavailable")}
	default:
		return backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

func (c *Client) noteRateLimit(resp *http.Response) {
	pause := rateLimitPause
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			pause = time.Duration(secs) * time.Second
		}
	}
	c.mu.Lock()
	if until := time.Now().Add(pause); until.After(c.rateLimitedUntil) {
		c.rateLimitedUntil = until
	}
	c.mu.Unlock()
}

// waitForRateLimit sleeps past the shared gate, interruptible by ctx.
func (c *Client) waitForRateLimit(ctx context.Context) error {
	c.mu.Lock()
	wait := time.Until(c.rateLimitedUntil)
	c.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// doWithRetry runs op with exponential backoff and jitter, consulting the
// shared rate-limit gate before every attempt. Cancellation interrupts both
// the gate wait and the backoff sleeps.
func (c *Client) doWithRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = maxRetryElapsed

	return backoff.Retry(func() error {
		if err := c.waitForRateLimit(ctx); err != nil {
			return backoff.Permanent(err)
		}
		return op()
	}, backoff.WithContext(b, ctx))
}
