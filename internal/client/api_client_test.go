package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdash/splitmanager/internal/model"
	"github.com/opsdash/splitmanager/internal/poller"
	"github.com/opsdash/splitmanager/pkg/response"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestAPIClient(t *testing.T, h http.HandlerFunc) *APIClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewAPIClient(APIClientConfig{
		BaseURL:    srv.URL,
		Token:      "test-token",
		Timeout:    2 * time.Second,
		RetryCount: 2,
		RetryWait:  time.Millisecond,
	})
}

func TestAPIClient_GetStatus(t *testing.T) {
	t.Run("Should decode status and send bearer token", func(t *testing.T) {
		c := newTestAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/splits/f1/status", r.URL.Path)
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			writeJSON(w, http.StatusOK, model.SplitStatusResponse{
				FileID:   "f1",
				Status:   model.StatusProcessing,
				Progress: 40,
				Payload:  &model.SplitPreview{RowCount: 7, Columns: []string{"region"}},
			})
		})

		res, err := c.FetchStatus(context.Background(), "f1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusProcessing, res.Status)
		require.NotNil(t, res.Payload)
		assert.Equal(t, 7, res.Payload.RowCount)
		assert.Equal(t, poller.KindReady, res.Kind())
	})

	t.Run("Should map not-ready 404 to ErrNotReady", func(t *testing.T) {
		c := newTestAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, response.ErrorResponse{Error: response.ErrorDetail{
				Code:    response.CodeNotReady,
				Message: poller.ErrNotReady.Error(),
			}})
		})

		_, err := c.FetchStatus(context.Background(), "f1")
		require.Error(t, err)
		assert.ErrorIs(t, err, poller.ErrNotReady)
		assert.True(t, poller.IsNotReady(err))
		assert.True(t, IsAPIError(err, http.StatusNotFound))
	})

	t.Run("Should not treat other 404s as not ready", func(t *testing.T) {
		c := newTestAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, response.ErrorResponse{Error: response.ErrorDetail{
				Code:    response.CodeNotFound,
				Message: "Route not found",
			}})
		})

		_, err := c.GetStatus(context.Background(), "f1")
		require.Error(t, err)
		assert.False(t, errors.Is(err, poller.ErrNotReady))

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, response.CodeNotFound, apiErr.Code)
	})

	t.Run("Should retry server errors", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				writeJSON(w, http.StatusServiceUnavailable, response.ErrorResponse{Error: response.ErrorDetail{
					Code: response.CodeServiceError, Message: "busy",
				}})
				return
			}
			writeJSON(w, http.StatusOK, model.SplitStatusResponse{FileID: "f1", Status: model.StatusUploaded})
		})

		status, err := c.GetStatus(context.Background(), "f1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusUploaded, status.Status)
		assert.Equal(t, int32(3), calls.Load())
	})
}

func TestAPIClient_Upload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demand.csv")
	require.NoError(t, os.WriteFile(path, []byte("region,qty\nnorth,1\n"), 0o600))

	c := newTestAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "region", r.FormValue("splitColumn"))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "demand.csv", header.Filename)

		writeJSON(w, http.StatusCreated, model.UploadSplitResponse{
			FileID: "f9", Filename: header.Filename, Status: model.StatusUploaded, SplitColumn: "region",
		})
	})

	out, err := c.Upload(context.Background(), path, "region")
	require.NoError(t, err)
	assert.Equal(t, "f9", out.FileID)
	assert.Equal(t, model.StatusUploaded, out.Status)
}

func TestAPIClient_Actions(t *testing.T) {
	c := newTestAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/splits/f1/approve":
			var body model.ApproveSplitRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "looks good", body.Note)
			writeJSON(w, http.StatusOK, model.SplitActionResponse{Success: true, FileID: "f1", Status: model.StatusCompleted})
		case "/api/splits/f1/pause":
			writeJSON(w, http.StatusConflict, response.ErrorResponse{Error: response.ErrorDetail{
				Code: response.CodeInvalidState, Message: "cannot pause a completed file",
			}})
		default:
			http.NotFound(w, r)
		}
	})

	out, err := c.Approve(context.Background(), "f1", "looks good")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, out.Status)

	_, err = c.Pause(context.Background(), "f1")
	require.Error(t, err)
	assert.True(t, IsAPIError(err, http.StatusConflict))
	assert.Contains(t, err.Error(), "cannot pause")
}
