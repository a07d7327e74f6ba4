package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/opsdash/splitmanager/internal/model"
	"github.com/opsdash/splitmanager/internal/poller"
	"github.com/opsdash/splitmanager/pkg/response"
)

// APIError is a non-2xx answer from the split API
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Is lets errors.Is(err, poller.ErrNotReady) match the 404 returned for files that
// have no status record yet.
func (e *APIError) Is(target error) bool {
	return target == poller.ErrNotReady && e.notReady()
}

func (e *APIError) notReady() bool {
	if e.StatusCode != http.StatusNotFound {
		return false
	}
	return e.Code == response.CodeNotReady || strings.Contains(strings.ToLower(e.Message), poller.NotReadyMessage)
}

type APIClientConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
}

// APIClient talks to the split REST API
type APIClient struct {
	http *resty.Client
}

func NewAPIClient(cfg APIClientConfig) *APIClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(4 * cfg.RetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil {
				return false
			}
			// Retry on 429 (Too Many Requests) and 5xx server errors
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})
	if cfg.Token != "" {
		rc.SetAuthToken(cfg.Token)
	}

	return &APIClient{http: rc}
}

// Upload sends a local CSV file for splitting
func (c *APIClient) Upload(ctx context.Context, path, splitColumn string) (*model.UploadSplitResponse, error) {
	var out model.UploadSplitResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFile("file", path).
		SetFormData(map[string]string{"splitColumn": splitColumn}).
		SetResult(&out).
		SetError(&response.ErrorResponse{}).
		Post("/api/splits")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStatus fetches the status of one file
func (c *APIClient) GetStatus(ctx context.Context, fileID string) (*model.SplitStatusResponse, error) {
	var out model.SplitStatusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", fileID).
		SetResult(&out).
		SetError(&response.ErrorResponse{}).
		Get("/api/splits/{id}/status")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchStatus adapts GetStatus to the poller fetch signature
func (c *APIClient) FetchStatus(ctx context.Context, fileID string) (poller.Result[model.SplitPreview], error) {
	status, err := c.GetStatus(ctx, fileID)
	if err != nil {
		return poller.Result[model.SplitPreview]{}, err
	}
	return poller.Result[model.SplitPreview]{
		Status:  status.Status,
		Message: status.Message,
		Payload: status.Payload,
	}, nil
}

// GetResult fetches the complete preview of a reviewed file
func (c *APIClient) GetResult(ctx context.Context, fileID string) (*model.SplitPreview, error) {
	var out model.SplitPreview
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", fileID).
		SetResult(&out).
		SetError(&response.ErrorResponse{}).
		Get("/api/splits/{id}/result")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) List(ctx context.Context, limit, offset int) (*model.SplitListResponse, error) {
	var out model.SplitListResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"limit":  strconv.Itoa(limit),
			"offset": strconv.Itoa(offset),
		}).
		SetResult(&out).
		SetError(&response.ErrorResponse{}).
		Get("/api/splits")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Pause(ctx context.Context, fileID string) (*model.SplitActionResponse, error) {
	return c.action(ctx, fileID, "pause", nil)
}

func (c *APIClient) Resume(ctx context.Context, fileID string) (*model.SplitActionResponse, error) {
	return c.action(ctx, fileID, "resume", nil)
}

func (c *APIClient) Approve(ctx context.Context, fileID, note string) (*model.SplitActionResponse, error) {
	return c.action(ctx, fileID, "approve", &model.ApproveSplitRequest{Note: note})
}

func (c *APIClient) Delete(ctx context.Context, fileID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", fileID).
		SetError(&response.ErrorResponse{}).
		Delete("/api/splits/{id}")
	return checkResponse(resp, err)
}

func (c *APIClient) action(ctx context.Context, fileID, action string, body interface{}) (*model.SplitActionResponse, error) {
	var out model.SplitActionResponse
	req := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"id": fileID, "action": action}).
		SetResult(&out).
		SetError(&response.ErrorResponse{})
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Post("/api/splits/{id}/{action}")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsSuccess() {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode(), Message: resp.Status()}
	var envelope *response.ErrorResponse
	if e, ok := resp.Error().(*response.ErrorResponse); ok {
		envelope = e
	}
	if envelope != nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else if body := strings.TrimSpace(resp.String()); body != "" {
		apiErr.Message = body
	}
	return apiErr
}

// IsAPIError reports whether err carries the given HTTP status
func IsAPIError(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}
