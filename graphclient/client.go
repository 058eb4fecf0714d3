// Package graphclient is a typed façade over the Instagram Graph API:
// container creation, carousel assembly, publish, media info, and
// long-lived token refresh, with transport-level retry/backoff and
// classified errors.
package graphclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/forumkit/igpipeline/pipelineerr"
)

// MediaInfo is the subset of a container/media object the pipeline cares
// about: GET /{media_id}?fields=id,permalink,status_code,timestamp.
type MediaInfo struct {
	ID         string
	Permalink  string
	StatusCode string
	Timestamp  time.Time
}

// RefreshResult is the outcome of refresh_long_lived_token.
type RefreshResult struct {
	Token     string
	ExpiresIn time.Duration
}

// Client is the Graph Client. One instance is shared by all workers; it
// holds no per-account state, only transport configuration.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiVersion string

	backoffBase time.Duration
	backoffCap  time.Duration
	maxAttempts int
}

// Option configures a Client at construction.
type Option func(*Client)

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithBackoff overrides the retry schedule, mainly for tests.
func WithBackoff(base, cap time.Duration, maxAttempts int) Option {
	return func(cl *Client) {
		cl.backoffBase = base
		cl.backoffCap = cap
		cl.maxAttempts = maxAttempts
	}
}

// New builds a Client against baseURL (e.g. https://graph.facebook.com)
// for the given API version (e.g. v21.0).
func New(baseURL, apiVersion string, opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiVersion:  apiVersion,
		backoffBase: 500 * time.Millisecond,
		backoffCap:  30 * time.Second,
		maxAttempts: 5,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type graphErrorBody struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

// CreateImageContainer creates a single-image media container.
// correlationID is derived by the caller from {public_id, attempt}.
func (c *Client) CreateImageContainer(ctx context.Context, igUserID, accessToken, imageURL, caption, correlationID string) (string, error) {
	return c.createContainer(ctx, igUserID, accessToken, url.Values{
		"image_url": {imageURL},
		"caption":   {caption},
	}, correlationID)
}

// CreateCarouselItemContainer creates a child container for a carousel;
// carousel children never carry a caption.
func (c *Client) CreateCarouselItemContainer(ctx context.Context, igUserID, accessToken, imageURL, correlationID string) (string, error) {
	return c.createContainer(ctx, igUserID, accessToken, url.Values{
		"image_url":        {imageURL},
		"is_carousel_item": {"true"},
	}, correlationID)
}

// CreateCarouselContainer assembles the parent carousel container from
// previously-created child container ids, with the lead member's caption.
func (c *Client) CreateCarouselContainer(ctx context.Context, igUserID, accessToken string, childIDs []string, caption, correlationID string) (string, error) {
	return c.createContainer(ctx, igUserID, accessToken, url.Values{
		"media_type": {"CAROUSEL"},
		"children":   {strings.Join(childIDs, ",")},
		"caption":    {caption},
	}, correlationID)
}

// PublishContainer promotes a container to a published post, returning
// the media id.
func (c *Client) PublishContainer(ctx context.Context, igUserID, accessToken, containerID, correlationID string) (string, error) {
	endpoint := fmt.Sprintf("%s/%s/%s/media_publish", c.baseURL, c.apiVersion, igUserID)
	form := url.Values{
		"creation_id": {containerID},
	}

	var data struct {
		ID string `json:"id"`
	}
	if err := c.doForm(ctx, endpoint, accessToken, form, correlationID, &data); err != nil {
		return "", err
	}
	if data.ID == "" {
		return "", &pipelineerr.GraphError{Kind: pipelineerr.GraphUnknown, Msg: "publish returned empty media id"}
	}
	return data.ID, nil
}

// GetMediaInfo fetches id/permalink/status_code/timestamp for a media or
// container id.
func (c *Client) GetMediaInfo(ctx context.Context, mediaID, accessToken, correlationID string) (MediaInfo, error) {
	endpoint := fmt.Sprintf("%s/%s/%s?fields=id,permalink,status_code,timestamp&access_token=%s",
		c.baseURL, c.apiVersion, mediaID, url.QueryEscape(accessToken))

	var data struct {
		ID         string `json:"id"`
		Permalink  string `json:"permalink"`
		StatusCode string `json:"status_code"`
		Timestamp  string `json:"timestamp"`
	}
	if err := c.doGET(ctx, endpoint, correlationID, &data); err != nil {
		return MediaInfo{}, err
	}

	info := MediaInfo{ID: data.ID, Permalink: data.Permalink, StatusCode: data.StatusCode}
	if data.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, data.Timestamp); err == nil {
			info.Timestamp = ts
		}
	}
	return info, nil
}

// RefreshLongLivedToken exchanges a still-valid long-lived token for a
// fresh one with a renewed expiry, per the ig_refresh_token grant.
func (c *Client) RefreshLongLivedToken(ctx context.Context, accessToken, correlationID string) (RefreshResult, error) {
	endpoint := fmt.Sprintf("%s/refresh_access_token?grant_type=ig_refresh_token&access_token=%s",
		c.baseURL, url.QueryEscape(accessToken))

	var data struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := c.doGET(ctx, endpoint, correlationID, &data); err != nil {
		return RefreshResult{}, err
	}
	return RefreshResult{Token: data.AccessToken, ExpiresIn: time.Duration(data.ExpiresIn) * time.Second}, nil
}

// WaitContainerReady polls get_media_info until the container reports a
// terminal status or the attempt budget (default 5 polls / 30s) runs out.
func (c *Client) WaitContainerReady(ctx context.Context, containerID, accessToken, correlationID string) error {
	const maxPolls = 5
	const pollInterval = 6 * time.Second

	for attempt := 0; attempt < maxPolls; attempt++ {
		info, err := c.GetMediaInfo(ctx, containerID, accessToken, correlationID)
		if err != nil {
			return err
		}
		switch info.StatusCode {
		case "FINISHED", "PUBLISHED", "":
			return nil
		case "ERROR", "EXPIRED":
			return &pipelineerr.GraphError{Kind: pipelineerr.GraphInvalidInput, Msg: "container processing failed: status_code=" + info.StatusCode}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	return &pipelineerr.GraphError{Kind: pipelineerr.GraphTransient, Msg: "container did not become ready in time"}
}

func (c *Client) createContainer(ctx context.Context, igUserID, accessToken string, values url.Values, correlationID string) (string, error) {
	endpoint := fmt.Sprintf("%s/%s/%s/media", c.baseURL, c.apiVersion, igUserID)

	var data struct {
		ID string `json:"id"`
	}
	if err := c.doForm(ctx, endpoint, accessToken, values, correlationID, &data); err != nil {
		return "", err
	}
	if data.ID == "" {
		return "", &pipelineerr.GraphError{Kind: pipelineerr.GraphUnknown, Msg: "container creation returned empty id"}
	}
	return data.ID, nil
}

func (c *Client) doForm(ctx context.Context, endpoint, accessToken string, form url.Values, correlationID string, out any) error {
	form = cloneValues(form)
	form.Set("access_token", accessToken)

	return c.withRetry(ctx, correlationID, func(attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
		if err != nil {
			return &pipelineerr.GraphError{Kind: pipelineerr.GraphInvalidInput, Msg: err.Error()}
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Correlation-ID", fmt.Sprintf("%s-%d", correlationID, attempt))

		return c.execute(req, out)
	})
}

func (c *Client) doGET(ctx context.Context, endpoint, correlationID string, out any) error {
	return c.withRetry(ctx, correlationID, func(attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return &pipelineerr.GraphError{Kind: pipelineerr.GraphInvalidInput, Msg: err.Error()}
		}
		req.Header.Set("X-Correlation-ID", fmt.Sprintf("%s-%d", correlationID, attempt))

		return c.execute(req, out)
	})
}

func (c *Client) execute(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &pipelineerr.GraphError{Kind: pipelineerr.GraphTransient, Msg: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return classifyHTTPError(resp.StatusCode, resp.Header.Get("Retry-After"), body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &pipelineerr.GraphError{Kind: pipelineerr.GraphUnknown, Msg: "malformed response body: " + err.Error()}
	}
	return nil
}

func classifyHTTPError(status int, retryAfterHeader string, body []byte) error {
	var parsed graphErrorBody
	_ = json.Unmarshal(body, &parsed)
	msg := parsed.Error.Message
	if msg == "" {
		msg = string(body)
	}

	retryAfter := 0
	if n, err := strconv.Atoi(strings.TrimSpace(retryAfterHeader)); err == nil {
		retryAfter = n
	}

	switch {
	case status == http.StatusTooManyRequests || strings.Contains(strings.ToUpper(parsed.Error.Type), "RATE"):
		return &pipelineerr.GraphError{Kind: pipelineerr.GraphTransient, Msg: msg, RetryAfter: retryAfter}
	case status == http.StatusUnauthorized || status == http.StatusForbidden || parsed.Error.Code == 190:
		return &pipelineerr.GraphError{Kind: pipelineerr.GraphAuth, Msg: msg}
	case status >= 500:
		return &pipelineerr.GraphError{Kind: pipelineerr.GraphTransient, Msg: msg}
	case status >= 400:
		return &pipelineerr.GraphError{Kind: pipelineerr.GraphInvalidInput, Msg: msg}
	default:
		return &pipelineerr.GraphError{Kind: pipelineerr.GraphUnknown, Msg: msg}
	}
}

// withRetry applies exponential backoff with jitter: base*2^(n-1), +/-50%
// jitter, capped, only retrying Transient/Unknown classifications.
func (c *Client) withRetry(ctx context.Context, correlationID string, call func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := call(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		gerr, ok := err.(*pipelineerr.GraphError)
		if !ok || (gerr.Kind != pipelineerr.GraphTransient && gerr.Kind != pipelineerr.GraphUnknown) {
			return err
		}
		if attempt == c.maxAttempts {
			break
		}

		wait := c.backoffDuration(attempt, gerr.RetryAfter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

func (c *Client) backoffDuration(attempt int, retryAfterSeconds int) time.Duration {
	if retryAfterSeconds > 0 {
		hinted := time.Duration(retryAfterSeconds) * time.Second
		if hinted > c.backoffCap {
			return c.backoffCap
		}
		return hinted
	}

	base := float64(c.backoffBase) * pow2(attempt-1)
	jittered := base * (0.5 + rand.Float64())
	d := time.Duration(jittered)
	if d > c.backoffCap {
		return c.backoffCap
	}
	return d
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
