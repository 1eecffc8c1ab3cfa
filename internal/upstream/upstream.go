// Package upstream talks to the ERP system the gateway forwards attendance
// records to. It owns every rate and concurrency control the
// forwarder relies on to stay a well-behaved ERP client: a bounded worker
// pool, a token-bucket reservoir, a minimum inter-request spacing floor, and
// exponential backoff retries on transient failures.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"attendedge/internal/apperr"
	"attendedge/internal/metrics"
	"attendedge/internal/queue"
)

// Record is what the upstream client submits for a single queue entry.
type Record struct {
	QueueEntryID string      `json:"id"`
	Fingerprint  string      `json:"fingerprint"`
	Event        queue.Event `json:"event"`
}

// Outcome is the per-record result of a submission attempt.
type Outcome struct {
	QueueEntryID string
	Synced       bool
	Err          error
	StatusCode   int
}

// Config tunes the rate, concurrency, and retry behavior of the Client.
type Config struct {
	BaseURL         string
	APIKey          string
	APISecret       string
	MaxConcurrent   int
	Reservoir       int
	ReservoirRefill int
	ReservoirWindow time.Duration
	MinSpacing      time.Duration
	Timeout         time.Duration
	RetryCount      int
	RetryBaseDelay  time.Duration
	BatchSize       int
	BatchDelay      time.Duration
}

// Client is the gateway's sole conduit to the ERP's attendance-ingestion
// endpoint. All rate shaping happens here so the forwarder's drain loop can
// stay a plain "claim, submit, mark" cycle.
type Client struct {
	cfg Config
	hc  *http.Client
	log zerolog.Logger

	sem *semaphore.Weighted

	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
	lastSend   time.Time
}

// New constructs a Client. http.Transport disables Expect: 100-continue —
// the ERP in the field has been observed to stall on it — matching the
// explicit header handling the agent HTTP client in services/agent applies.
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Reservoir <= 0 {
		cfg.Reservoir = 1
	}
	if cfg.ReservoirWindow <= 0 {
		cfg.ReservoirWindow = time.Minute
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}

	transport := &http.Transport{
		ExpectContinueTimeout: 0,
	}

	return &Client{
		cfg: cfg,
		hc: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		log:        log.With().Str("component", "upstream").Logger(),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		tokens:     cfg.Reservoir,
		lastRefill: time.Now(),
	}
}

// SubmitMany sends records in batches of cfg.BatchSize, pausing cfg.BatchDelay
// between batches, and returns one Outcome per record in input order.
func (c *Client) SubmitMany(ctx context.Context, records []Record) []Outcome {
	outcomes := make([]Outcome, 0, len(records))

	for start := 0; start < len(records); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		results := make([]Outcome, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		for i, rec := range batch {
			i, rec := i, rec
			g.Go(func() error {
				results[i] = c.SubmitOne(gctx, rec)
				return nil
			})
		}
		_ = g.Wait()
		outcomes = append(outcomes, results...)

		if end < len(records) && c.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				for _, rec := range records[end:] {
					outcomes = append(outcomes, Outcome{QueueEntryID: rec.QueueEntryID, Err: apperr.Wrap(apperr.KindUpstream, "submission cancelled", ctx.Err())})
				}
				return outcomes
			case <-time.After(c.cfg.BatchDelay):
			}
		}
	}

	return outcomes
}

// SubmitOne sends a single record, respecting the concurrency cap, the
// reservoir, the minimum spacing floor, and retrying transient failures with
// exponential backoff.
func (c *Client) SubmitOne(ctx context.Context, rec Record) Outcome {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Outcome{QueueEntryID: rec.QueueEntryID, Err: apperr.Wrap(apperr.KindUpstream, "acquire concurrency slot", err)}
	}
	defer c.sem.Release(1)

	if err := c.waitForCapacity(ctx); err != nil {
		return Outcome{QueueEntryID: rec.QueueEntryID, Err: err}
	}

	var statusCode int
	backoff := retry.NewExponential(c.retryBaseDelay())
	backoff = retry.WithMaxRetries(uint64(c.cfg.RetryCount), backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		code, sendErr := c.send(ctx, rec)
		statusCode = code
		if sendErr == nil {
			return nil
		}
		if isRetryable(code, sendErr) {
			c.log.Warn().Str("queue_entry_id", rec.QueueEntryID).Int("status", code).Err(sendErr).Msg("upstream submit retrying")
			return retry.RetryableError(sendErr)
		}
		return sendErr
	})

	if err != nil {
		metrics.UpstreamSubmissions.WithLabelValues(outcomeLabel(statusCode)).Inc()
		return Outcome{QueueEntryID: rec.QueueEntryID, StatusCode: statusCode, Err: classify(statusCode, err)}
	}
	metrics.UpstreamSubmissions.WithLabelValues("success").Inc()
	return Outcome{QueueEntryID: rec.QueueEntryID, Synced: true, StatusCode: statusCode}
}

func outcomeLabel(statusCode int) string {
	switch {
	case statusCode >= 400 && statusCode < 500:
		return "rejected"
	case statusCode == 0:
		return "unreachable"
	default:
		return "unavailable"
	}
}

func (c *Client) retryBaseDelay() time.Duration {
	if c.cfg.RetryBaseDelay <= 0 {
		return time.Second
	}
	return c.cfg.RetryBaseDelay
}

// waitForCapacity blocks until the reservoir has a token and the minimum
// spacing floor since the last send has elapsed, then consumes one token.
func (c *Client) waitForCapacity(ctx context.Context) error {
	for {
		c.mu.Lock()
		c.refillLocked()

		now := time.Now()
		wait := time.Duration(0)
		if since := now.Sub(c.lastSend); c.cfg.MinSpacing > since {
			wait = c.cfg.MinSpacing - since
		}

		if c.tokens > 0 && wait <= 0 {
			c.tokens--
			c.lastSend = now
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindRateLimited, "wait for reservoir capacity", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// refillLocked adds the refill amount to the reservoir once per reservoir
// window, capped at the reservoir size. Must be called with c.mu held.
func (c *Client) refillLocked() {
	now := time.Now()
	if now.Sub(c.lastRefill) < c.cfg.ReservoirWindow {
		return
	}
	refill := c.cfg.ReservoirRefill
	if refill <= 0 {
		refill = c.cfg.Reservoir
	}
	c.tokens += refill
	if c.tokens > c.cfg.Reservoir {
		c.tokens = c.cfg.Reservoir
	}
	c.lastRefill = now
}

// checkinPayload is the outbound body shape expected by the ERP's
// "Employee Checkin" resource endpoint.
type checkinPayload struct {
	Employee        string   `json:"employee"`
	Time            string   `json:"time"`
	LogType         string   `json:"log_type"`
	DeviceID        string   `json:"device_id,omitempty"`
	CustomSite      string   `json:"custom_site,omitempty"`
	CustomLatitude  *float64 `json:"custom_latitude,omitempty"`
	CustomLongitude *float64 `json:"custom_longitude,omitempty"`
}

func toCheckinPayload(rec Record) checkinPayload {
	logType := "IN"
	if rec.Event.Kind == "clock-out" {
		logType = "OUT"
	}
	return checkinPayload{
		Employee:        rec.Event.EmployeeID,
		Time:            rec.Event.Timestamp.UTC().Format("2006-01-02 15:04:05"),
		LogType:         logType,
		DeviceID:        rec.Event.DeviceID,
		CustomSite:      rec.Event.SiteID,
		CustomLatitude:  rec.Event.Latitude,
		CustomLongitude: rec.Event.Longitude,
	}
}

func (c *Client) send(ctx context.Context, rec Record) (int, error) {
	body, err := json.Marshal(toCheckinPayload(rec))
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/resource/Employee%20Checkin", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", c.cfg.APIKey, c.cfg.APISecret))

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("upstream responded %d", resp.StatusCode)
}

// isRetryable reports whether a submission failure is transient: network
// errors, HTTP 5xx, and exactly 417 (Expect Failed, the proxy behavior the
// suppressed Expect header is meant to avoid) are retried; all other 4xx
// rejections are terminal.
func isRetryable(statusCode int, err error) bool {
	if statusCode == 0 {
		return true // network-level failure, no response at all
	}
	if statusCode == http.StatusExpectationFailed {
		return true
	}
	return statusCode >= 500
}

func classify(statusCode int, err error) error {
	switch {
	case statusCode >= 400 && statusCode < 500:
		return apperr.Wrap(apperr.KindRejected, "upstream rejected record", err)
	case statusCode == 0:
		return apperr.Wrap(apperr.KindUpstream, "upstream unreachable", err)
	default:
		return apperr.Wrap(apperr.KindUpstream, "upstream submission failed", err)
	}
}
