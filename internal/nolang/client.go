package nolang

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/team-tissis/nolang-mcp/internal/metrics"
	"github.com/team-tissis/nolang-mcp/internal/retry"
)

const (
	DefaultBaseURL = "https://api.no-lang.com/v1"
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 64 << 10
)

// Client talks to the NoLang API. It never retries; wrap calls with
// retry.Do to get backoff.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root (tests, staging).
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit paces outgoing requests to rps with the given burst.
// A non-positive rps disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client authenticating with apiKey.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// call describes one API request. endpoint is a stable label for logs and
// metrics.
type call struct {
	endpoint string
	method   string
	path     string
	query    url.Values
	body     payload
}

// Generate submits a validated generation request.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest) (GenerationJob, error) {
	var job GenerationJob
	err := c.send(ctx, call{
		endpoint: "generate",
		method:   http.MethodPost,
		path:     req.Path,
		body:     req.payload(),
	}, &job)
	return job, err
}

// VideoStatus fetches the current state of a job.
func (c *Client) VideoStatus(ctx context.Context, videoID uuid.UUID) (VideoStatus, error) {
	var st VideoStatus
	err := c.send(ctx, call{
		endpoint: "video_status",
		method:   http.MethodGet,
		path:     fmt.Sprintf("/videos/%s/", videoID),
	}, &st)
	return st, err
}

// ListVideos returns one page of generated videos.
func (c *Client) ListVideos(ctx context.Context, page int) (VideoPage, error) {
	var p VideoPage
	err := c.send(ctx, call{
		endpoint: "list_videos",
		method:   http.MethodGet,
		path:     "/videos/",
		query:    url.Values{"page": {strconv.Itoa(page)}},
	}, &p)
	return p, err
}

// ListVideoSettings returns one page of the account's video settings.
func (c *Client) ListVideoSettings(ctx context.Context, page int) (SettingPage, error) {
	var p SettingPage
	err := c.send(ctx, call{
		endpoint: "list_video_settings",
		method:   http.MethodGet,
		path:     "/video-settings/",
		query:    url.Values{"page": {strconv.Itoa(page)}},
	}, &p)
	return p, err
}

// TemplateSetting returns the setting document behind a template video.
func (c *Client) TemplateSetting(ctx context.Context, videoID uuid.UUID) (json.RawMessage, error) {
	var doc json.RawMessage
	err := c.send(ctx, call{
		endpoint: "template_setting",
		method:   http.MethodGet,
		path:     fmt.Sprintf("/unstable/video-settings/%s/", videoID),
	}, &doc)
	return doc, err
}

// RecommendTemplates asks the service for templates matching a mode.
func (c *Client) RecommendTemplates(ctx context.Context, q RecommendQuery) (TemplateRecommendation, error) {
	params := url.Values{"video_mode": {string(q.Mode)}}
	if q.Query != "" {
		params.Set("query", q.Query)
	}
	if q.IsMobileFormat {
		params.Set("is_mobile_format", "true")
	}

	var rec TemplateRecommendation
	err := c.send(ctx, call{
		endpoint: "recommend_templates",
		method:   http.MethodGet,
		path:     "/unstable/template/recommend/",
		query:    params,
	}, &rec)
	return rec, err
}

func (c *Client) send(ctx context.Context, cl call, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	var (
		body        io.ReadCloser
		contentType string
		size        int64
	)
	if cl.body != nil {
		var err error
		body, contentType, size, err = cl.body.open()
		if err != nil {
			return &bodyError{err: err}
		}
	}

	u := c.baseURL + cl.path
	if len(cl.query) > 0 {
		u += "?" + cl.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, u, body)
	if err != nil {
		if body != nil {
			body.Close()
		}
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if body != nil {
		req.ContentLength = size
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		class := retry.ServerError
		var be *bodyError
		if ctx.Err() != nil || errors.As(err, &be) {
			class = retry.Fatal
		}
		c.observe(cl, class.String(), 0, start)
		return &APIError{Class: class, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeError(resp)
		c.observe(cl, apiErr.Class.String(), resp.StatusCode, start)
		return apiErr
	}
	c.observe(cl, "ok", resp.StatusCode, start)

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", cl.endpoint, err)
	}
	return nil
}

func (c *Client) observe(cl call, outcome string, status int, start time.Time) {
	d := time.Since(start)
	metrics.ObserveRequest(cl.endpoint, outcome, d)
	c.logger.Debug("nolang request",
		"endpoint", cl.endpoint,
		"method", cl.method,
		"path", cl.path,
		"status", status,
		"outcome", outcome,
		"duration", d,
	)
}

// decodeError reads the service's error envelope; non-JSON bodies become
// the message verbatim.
func decodeError(resp *http.Response) *APIError {
	apiErr := &APIError{
		Status: resp.StatusCode,
		Class:  classify(resp.StatusCode),
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		apiErr.Err = fmt.Errorf("reading error body: %w", err)
		return apiErr
	}

	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && (eb.Code != "" || eb.Error != "" || eb.Detail != "") {
		apiErr.Code = eb.Code
		apiErr.Message = eb.Error
		apiErr.Detail = eb.Detail
		if apiErr.Message == "" {
			apiErr.Message = eb.Detail
		}
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
