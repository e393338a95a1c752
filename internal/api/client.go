package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"pricing-desktop/internal/jobs"
)

const userAgent = "pricing-desktop/1.0"

// ErrJobNotFound is returned when the backend does not know a job id
var ErrJobNotFound = errors.New("job not found")

// Client talks to the local pricing backend
type Client struct {
	baseURL      string
	probeTimeout time.Duration

	http  *resty.Client // idempotent reads, retried on 429/5xx
	write *resty.Client // uploads and job submission, never replayed
	probe *resty.Client // health and job status, one attempt bounded by the caller's context
}

// Option configures a Client
type Option func(*clientOptions)

type clientOptions struct {
	timeout      time.Duration
	probeTimeout time.Duration
	retryCount   int
}

// WithTimeout sets the timeout for regular (non-probe) requests
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.timeout = d }
}

// WithProbeTimeout sets the per-request timeout of health checks
func WithProbeTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.probeTimeout = d }
}

// WithRetryCount sets how many times idempotent reads are retried
func WithRetryCount(n int) Option {
	return func(o *clientOptions) { o.retryCount = n }
}

// NewClient creates a new backend API client
func NewClient(baseURL string, opts ...Option) *Client {
	o := clientOptions{
		timeout:      60 * time.Second,
		probeTimeout: time.Second,
		retryCount:   3,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		probeTimeout: o.probeTimeout,
	}

	c.http = resty.New().
		SetHeader("User-Agent", userAgent).
		SetTimeout(o.timeout).
		SetRetryCount(o.retryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry on 429 (Too Many Requests) and 5xx server errors
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	c.write = resty.New().
		SetHeader("User-Agent", userAgent).
		SetTimeout(o.timeout)

	// Backstop only; health and status calls carry their own context deadline
	c.probe = resty.New().
		SetHeader("User-Agent", userAgent).
		SetTimeout(30 * time.Second)

	return c
}

// BaseURL returns the backend root URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health performs a single health request bounded by the probe timeout.
// Any status other than 200 is reported as an error.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	resp, err := c.probe.R().SetContext(ctx).Get(c.buildURL("health"))
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return newAPIError(resp)
	}
	return nil
}

// Upload sends files to the backend's inbox. Callers restrict content to PDFs beforehand.
func (c *Client) Upload(ctx context.Context, files []UploadFile) (*UploadResult, error) {
	if len(files) == 0 {
		return nil, errors.New("no files to upload")
	}

	req := c.write.R().SetContext(ctx)
	for _, f := range files {
		req.SetFileReader("files", f.Name, f.reader())
	}

	var result UploadResult
	resp, err := req.SetResult(&result).Post(c.buildURL("upload"))
	if err != nil {
		return nil, fmt.Errorf("failed to upload files: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, newAPIError(resp)
	}
	return &result, nil
}

// StartProcessing asks the backend to process every uploaded invoice and returns the new job
func (c *Client) StartProcessing(ctx context.Context) (*ProcessResponse, error) {
	var result ProcessResponse
	resp, err := c.write.R().
		SetContext(ctx).
		SetResult(&result).
		Post(c.buildURL("process"))
	if err != nil {
		return nil, fmt.Errorf("failed to start processing: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, newAPIError(resp)
	}
	if result.JobID == "" {
		return nil, errors.New("backend returned no job_id")
	}
	return &result, nil
}

// JobStatus fetches one status snapshot. It is a single attempt so that a
// poller stays in charge of pacing.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*jobs.Job, error) {
	endpoint := fmt.Sprintf("status/%s", url.PathEscape(jobID))

	resp, err := c.probe.R().SetContext(ctx).Get(c.buildURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if !resp.IsSuccess() {
		return nil, newAPIError(resp)
	}

	var job jobs.Job
	if err := json.Unmarshal(resp.Body(), &job); err != nil {
		return nil, fmt.Errorf("failed to parse job status: %w", err)
	}
	if job.ID == "" {
		job.ID = jobID
	}
	return &job, nil
}

// GetConfig returns the backend configuration (service key masked by the backend)
func (c *Client) GetConfig(ctx context.Context) (*BackendConfig, error) {
	var cfg BackendConfig
	if err := c.getJSON(ctx, "config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateConfig merges the given sections into the backend configuration
func (c *Client) UpdateConfig(ctx context.Context, update ConfigUpdate) error {
	var result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}

	resp, err := c.write.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(update).
		SetResult(&result).
		Post(c.buildURL("config/update"))
	if err != nil {
		return fmt.Errorf("failed to update config: %w", err)
	}
	if !resp.IsSuccess() {
		return newAPIError(resp)
	}
	if !result.Success {
		return fmt.Errorf("backend rejected config update: %s", result.Message)
	}
	return nil
}

// DashboardStats returns the aggregate figures shown on the dashboard
func (c *Client) DashboardStats(ctx context.Context) (*DashboardStats, error) {
	var stats DashboardStats
	if err := c.getJSON(ctx, "dashboard-stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// VarianceSummary returns the most recent variance rows with flag counts
func (c *Client) VarianceSummary(ctx context.Context) (*VarianceSummary, error) {
	var summary VarianceSummary
	if err := c.getJSON(ctx, "variance-summary", &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// ProcessedFiles lists recently processed invoices, newest first
func (c *Client) ProcessedFiles(ctx context.Context) ([]ProcessedFile, error) {
	var files []ProcessedFile
	if err := c.getJSON(ctx, "processed-files", &files); err != nil {
		return nil, err
	}
	return files, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	resp, err := c.http.R().SetContext(ctx).Get(c.buildURL(endpoint))
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", endpoint, err)
	}
	if !resp.IsSuccess() {
		return newAPIError(resp)
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", endpoint, err)
	}
	return nil
}

// buildURL constructs the full URL for an endpoint
func (c *Client) buildURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, endpoint)
}
