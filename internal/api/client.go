// Package api implements the JSON client for the Sideline platform API.
// It attaches session credentials, retries idempotent reads once, and
// rotates an expired session through the refresh endpoint before failing.
package api

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
	"sync"
	"time"

	"github.com/sidelinehq/sideline/internal/metrics"
	apperrors "github.com/sidelinehq/sideline/internal/platform/errors"
	"github.com/sidelinehq/sideline/internal/platform/timeouts"
)

const (
	retryBackoff    = 200 * time.Millisecond
	maxRetryBackoff = 2 * time.Second
)

// Credentials exposes the session credentials the client attaches to
// requests and rotates on expiry. session.Manager implements it.
type Credentials interface {
	AccessToken() string
	RefreshToken() string
	SetTokens(ctx context.Context, access, refresh string) error
}

// Livestream is one livestream resource as the platform returns it.
type Livestream struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Title       string     `json:"title"`
	Live        bool       `json:"is_live"`
	ViewerCount int        `json:"viewer_count"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
}

// TokenPair is a credential pair returned by the auth endpoints.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// UpdateLivestreamRequest patches mutable livestream fields. Nil fields are
// left untouched.
type UpdateLivestreamRequest struct {
	Live  *bool   `json:"is_live,omitempty"`
	Title *string `json:"title,omitempty"`
}

// Config controls client construction.
type Config struct {
	// BaseURL is the platform API root, e.g. https://api.sideline.gg.
	BaseURL string
	// Credentials supplies and rotates session tokens. Optional; without
	// it every call goes out unauthenticated.
	Credentials Credentials
	// HTTPClient overrides the transport. Defaults to a client with the
	// shared API timeout.
	HTTPClient *http.Client
}

// Client is the platform API client.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client

	refreshMu sync.Mutex
}

// New creates a platform API client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeouts.APIRequest}
	}
	return &Client{
		baseURL:    baseURL,
		creds:      cfg.Credentials,
		httpClient: httpClient,
	}, nil
}

// FollowEntity records the signed-in viewer following an entity.
func (c *Client) FollowEntity(ctx context.Context, entityID string) error {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return apperrors.New(apperrors.CodeEntityIDEmpty, "entity id is required")
	}
	path := "/v1/entities/" + url.PathEscape(entityID) + "/follow"
	return c.do(ctx, http.MethodPost, path, nil, nil, false)
}

// UnfollowEntity removes the signed-in viewer's follow of an entity.
func (c *Client) UnfollowEntity(ctx context.Context, entityID string) error {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return apperrors.New(apperrors.CodeEntityIDEmpty, "entity id is required")
	}
	path := "/v1/entities/" + url.PathEscape(entityID) + "/follow"
	return c.do(ctx, http.MethodDelete, path, nil, nil, false)
}

// BatchCheckFollowStatus resolves follow status for up to a page of
// entities in one call. The response covers every requested id.
func (c *Client) BatchCheckFollowStatus(ctx context.Context, entityIDs []string) (map[string]bool, error) {
	if len(entityIDs) == 0 {
		return map[string]bool{}, nil
	}
	reqBody := struct {
		EntityIDs []string `json:"entity_ids"`
	}{EntityIDs: entityIDs}
	var respBody struct {
		Status map[string]bool `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/follows:batchCheck", reqBody, &respBody, true); err != nil {
		return nil, err
	}
	if respBody.Status == nil {
		respBody.Status = map[string]bool{}
	}
	return respBody.Status, nil
}

// CheckFollowStatus resolves follow status for one entity.
func (c *Client) CheckFollowStatus(ctx context.Context, entityID string) (bool, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return false, apperrors.New(apperrors.CodeEntityIDEmpty, "entity id is required")
	}
	var respBody struct {
		Following bool `json:"following"`
	}
	path := "/v1/entities/" + url.PathEscape(entityID) + "/follow"
	if err := c.do(ctx, http.MethodGet, path, nil, &respBody, true); err != nil {
		return false, err
	}
	return respBody.Following, nil
}

// ListLivestreams returns the current livestream directory.
func (c *Client) ListLivestreams(ctx context.Context) ([]Livestream, error) {
	var respBody struct {
		Livestreams []Livestream `json:"livestreams"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/livestreams", nil, &respBody, true); err != nil {
		return nil, err
	}
	return respBody.Livestreams, nil
}

// GetLivestream returns one livestream snapshot.
func (c *Client) GetLivestream(ctx context.Context, streamID string) (Livestream, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return Livestream{}, apperrors.New(apperrors.CodeEntityIDEmpty, "stream id is required")
	}
	var stream Livestream
	path := "/v1/livestreams/" + url.PathEscape(streamID)
	if err := c.do(ctx, http.MethodGet, path, nil, &stream, true); err != nil {
		return Livestream{}, err
	}
	return stream, nil
}

// UpdateLivestreamViewers reports the new absolute viewer count for a
// stream the viewer joined or left.
func (c *Client) UpdateLivestreamViewers(ctx context.Context, streamID string, viewerCount int) error {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return apperrors.New(apperrors.CodeEntityIDEmpty, "stream id is required")
	}
	if viewerCount < 0 {
		viewerCount = 0
	}
	reqBody := struct {
		ViewerCount int `json:"viewer_count"`
	}{ViewerCount: viewerCount}
	path := "/v1/livestreams/" + url.PathEscape(streamID) + "/viewers"
	return c.do(ctx, http.MethodPut, path, reqBody, nil, false)
}

// UpdateLivestream patches a livestream the viewer owns.
func (c *Client) UpdateLivestream(ctx context.Context, streamID string, patch UpdateLivestreamRequest) (Livestream, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return Livestream{}, apperrors.New(apperrors.CodeEntityIDEmpty, "stream id is required")
	}
	var stream Livestream
	path := "/v1/livestreams/" + url.PathEscape(streamID)
	if err := c.do(ctx, http.MethodPatch, path, patch, &stream, false); err != nil {
		return Livestream{}, err
	}
	return stream, nil
}

// ExchangeCode trades an opaque sign-in code for a credential pair.
func (c *Client) ExchangeCode(ctx context.Context, code string) (TokenPair, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return TokenPair{}, fmt.Errorf("sign-in code is required")
	}
	reqBody := struct {
		Code string `json:"code"`
	}{Code: code}
	var pair TokenPair
	if err := c.do(ctx, http.MethodPost, "/v1/auth/token", reqBody, &pair, false); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// RefreshSession trades a refresh token for a fresh credential pair.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, apperrors.New(apperrors.CodeUnauthenticated, "refresh token is required")
	}
	reqBody := struct {
		RefreshToken string `json:"refresh_token"`
	}{RefreshToken: refreshToken}
	var pair TokenPair
	if err := c.doOnce(ctx, http.MethodPost, "/v1/auth/refresh", reqBody, &pair, ""); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// do issues one API call. Idempotent calls retry once on transport errors
// and 5xx responses; an expired session is refreshed and the call retried
// with the new token before failing.
func (c *Client) do(ctx context.Context, method, path string, body, out any, idempotent bool) error {
	if c == nil {
		return fmt.Errorf("api client is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.APIRequest)
	defer cancel()

	access := ""
	if c.creds != nil {
		access = c.creds.AccessToken()
	}

	err := c.doOnce(ctx, method, path, body, out, access)
	if err == nil {
		return nil
	}

	if idempotent && retryable(err) {
		sleepBackoff(ctx, backoffFor(err))
		metrics.APIRetries.WithLabelValues(path).Inc()
		err = c.doOnce(ctx, method, path, body, out, access)
		if err == nil {
			return nil
		}
	}

	if apperrors.IsCode(err, apperrors.CodeUnauthenticated) && access != "" {
		refreshed, refreshErr := c.refreshCredentials(ctx, access)
		if refreshErr != nil {
			return refreshErr
		}
		return c.doOnce(ctx, method, path, body, out, refreshed)
	}
	return err
}

// doOnce issues a single request attempt with an explicit access token.
func (c *Client) doOnce(ctx context.Context, method, path string, body, out any, access string) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeRequestFailed, "call platform api", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metadata := map[string]string{
			"status":   strconv.Itoa(resp.StatusCode),
			"endpoint": path,
		}
		if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
			metadata["retry_after"] = ra
		}
		return apperrors.WithMetadata(
			apperrors.FromHTTPStatus(resp.StatusCode),
			fmt.Sprintf("platform api status %d", resp.StatusCode),
			metadata,
		)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.CodeRequestFailed, "decode response body", err)
	}
	return nil
}

// refreshCredentials rotates the session once per expiry. Concurrent
// callers that lost the race reuse the winner's token instead of spending
// the refresh token twice.
func (c *Client) refreshCredentials(ctx context.Context, failedAccess string) (string, error) {
	if c.creds == nil {
		return "", apperrors.New(apperrors.CodeUnauthenticated, "no credentials configured")
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if current := c.creds.AccessToken(); current != "" && current != failedAccess {
		return current, nil
	}

	refresh := c.creds.RefreshToken()
	if refresh == "" {
		return "", apperrors.New(apperrors.CodeSessionExpired, "session expired and no refresh token held")
	}
	pair, err := c.RefreshSession(ctx, refresh)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeSessionExpired, "refresh session", err)
	}
	if err := c.creds.SetTokens(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		return "", apperrors.Wrap(apperrors.CodeSessionExpired, "store refreshed tokens", err)
	}
	return pair.AccessToken, nil
}

// retryable reports whether one more attempt of an idempotent call may
// succeed.
func retryable(err error) bool {
	code := apperrors.CodeOf(err)
	if code != apperrors.CodeRequestFailed && code != apperrors.CodeRateLimited {
		return false
	}
	var apiErr *apperrors.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	status, ok := apiErr.Metadata["status"]
	if !ok {
		// Transport failure, no response at all.
		return true
	}
	statusCode, convErr := strconv.Atoi(status)
	if convErr != nil {
		return false
	}
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}

// backoffFor derives the wait before a retry, honoring Retry-After.
func backoffFor(err error) time.Duration {
	var apiErr *apperrors.Error
	if errors.As(err, &apiErr) {
		if ra, ok := apiErr.Metadata["retry_after"]; ok {
			if seconds, convErr := strconv.Atoi(ra); convErr == nil && seconds > 0 {
				d := time.Duration(seconds) * time.Second
				if d > maxRetryBackoff {
					d = maxRetryBackoff
				}
				return d
			}
		}
	}
	return retryBackoff
}

func sleepBackoff(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
