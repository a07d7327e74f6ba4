package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdash/splitmanager/internal/auth"
	"github.com/opsdash/splitmanager/internal/client"
	"github.com/opsdash/splitmanager/internal/middleware"
	"github.com/opsdash/splitmanager/internal/model"
	"github.com/opsdash/splitmanager/internal/poller"
	"github.com/opsdash/splitmanager/internal/service"
	"github.com/opsdash/splitmanager/internal/store"
)

const testJWTSecret = "test-secret-for-handlers"

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks int
}

func (e *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks++
	return &asynq.TaskInfo{Queue: model.QueueSplits, Type: task.Type()}, nil
}

func (e *recordingEnqueuer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks
}

type failingStorage struct {
	*client.MemoryStorage
}

func (failingStorage) Upload(context.Context, string, io.Reader, string) (string, error) {
	return "", fmt.Errorf("bucket unreachable")
}

type testApp struct {
	app     *fiber.App
	svc     *service.SplitService
	storage *client.MemoryStorage
	queue   *recordingEnqueuer
}

// setupApp mirrors the routes of cmd/server against in-memory backends
func setupApp(t *testing.T, maxBytes int64) *testApp {
	t.Helper()

	storage := client.NewMemoryStorage()
	queue := &recordingEnqueuer{}
	svc := service.NewSplitService(store.NewMemoryFileStore(), storage, queue, nil)
	return newTestApp(t, svc, storage, queue, maxBytes)
}

func newTestApp(t *testing.T, svc *service.SplitService, storage *client.MemoryStorage, queue *recordingEnqueuer, maxBytes int64) *testApp {
	t.Helper()

	splitHandler := NewSplitHandler(svc, validator.New(), maxBytes)
	authMiddleware := middleware.NewAuthMiddleware(auth.NewAuthenticator(nil, testJWTSecret))

	app := fiber.New()
	api := app.Group("/api", authMiddleware.Authenticate())
	splits := api.Group("/splits")
	splits.Post("/", splitHandler.Upload)
	splits.Get("/", splitHandler.List)
	splits.Get("/:id/status", splitHandler.Status)
	splits.Get("/:id/result", splitHandler.Result)
	splits.Post("/:id/pause", splitHandler.Pause)
	splits.Post("/:id/resume", splitHandler.Resume)
	splits.Post("/:id/approve", splitHandler.Approve)
	splits.Delete("/:id", splitHandler.Delete)

	return &testApp{app: app, svc: svc, storage: storage, queue: queue}
}

func generateToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueLegacyToken(testJWTSecret, userID, userID+"@example.com", time.Hour)
	require.NoError(t, err)
	return token
}

func (a *testApp) do(t *testing.T, userID string, req *http.Request) *http.Response {
	t.Helper()
	req.Header.Set("Authorization", "Bearer "+generateToken(t, userID))
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func (a *testApp) request(t *testing.T, userID, method, path, body string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, bodyReader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.do(t, userID, req)
}

type uploadForm struct {
	filename    string
	contentType string
	content     string
	splitColumn string
	noFile      bool
}

func (a *testApp) upload(t *testing.T, userID string, form uploadForm) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if form.splitColumn != "" {
		require.NoError(t, w.WriteField("splitColumn", form.splitColumn))
	}
	if !form.noFile {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, form.filename))
		h.Set("Content-Type", form.contentType)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write([]byte(form.content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req, err := http.NewRequest(http.MethodPost, "/api/splits", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return a.do(t, userID, req)
}

func validForm() uploadForm {
	return uploadForm{
		filename:    "demand.csv",
		contentType: "text/csv",
		content:     "region,qty\nnorth,1\nsouth,2\n",
		splitColumn: "region",
	}
}

func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := parseJSON(t, resp)
	errObj, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "expected error object, got %v", body)
	return errObj["code"].(string)
}

func (a *testApp) uploaded(t *testing.T, userID string) string {
	t.Helper()
	resp := a.upload(t, userID, validForm())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return parseJSON(t, resp)["fileId"].(string)
}

func TestSplitHandler_Upload(t *testing.T) {
	t.Run("Should accept a csv and queue it", func(t *testing.T) {
		a := setupApp(t, 0)
		resp := a.upload(t, "user-1", validForm())
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		body := parseJSON(t, resp)
		assert.NotEmpty(t, body["fileId"])
		assert.Equal(t, "demand.csv", body["filename"])
		assert.Equal(t, "uploaded", body["status"])
		assert.Equal(t, "region", body["splitColumn"])
		assert.Equal(t, 1, a.queue.count())
		assert.Len(t, a.storage.Keys(), 1)
	})

	t.Run("Should accept content type parameters", func(t *testing.T) {
		a := setupApp(t, 0)
		form := validForm()
		form.contentType = "text/csv; charset=utf-8"
		resp := a.upload(t, "user-1", form)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	})

	tests := []struct {
		name     string
		form     func() uploadForm
		maxBytes int64
		status   int
		code     string
	}{
		{
			name:   "Should reject missing split column",
			form:   func() uploadForm { f := validForm(); f.splitColumn = ""; return f },
			status: http.StatusBadRequest,
			code:   "VALIDATION_ERROR",
		},
		{
			name:   "Should reject missing file",
			form:   func() uploadForm { f := validForm(); f.noFile = true; return f },
			status: http.StatusBadRequest,
			code:   "VALIDATION_ERROR",
		},
		{
			name:   "Should reject non csv extension",
			form:   func() uploadForm { f := validForm(); f.filename = "demand.xlsx"; return f },
			status: http.StatusBadRequest,
			code:   "VALIDATION_ERROR",
		},
		{
			name:   "Should reject unsupported content type",
			form:   func() uploadForm { f := validForm(); f.contentType = "image/png"; return f },
			status: http.StatusBadRequest,
			code:   "VALIDATION_ERROR",
		},
		{
			name:     "Should reject oversized file",
			form:     validForm,
			maxBytes: 8,
			status:   http.StatusRequestEntityTooLarge,
			code:     "PAYLOAD_TOO_LARGE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := setupApp(t, tt.maxBytes)
			resp := a.upload(t, "user-1", tt.form())
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, errorCode(t, resp))
			assert.Zero(t, a.queue.count())
		})
	}

	t.Run("Should report storage failures as bad gateway", func(t *testing.T) {
		storage := client.NewMemoryStorage()
		queue := &recordingEnqueuer{}
		svc := service.NewSplitService(store.NewMemoryFileStore(), failingStorage{storage}, queue, nil)
		a := newTestApp(t, svc, storage, queue, 0)

		resp := a.upload(t, "user-1", validForm())
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, "STORAGE_ERROR", errorCode(t, resp))
	})

	t.Run("Should require authentication", func(t *testing.T) {
		a := setupApp(t, 0)
		req, _ := http.NewRequest(http.MethodPost, "/api/splits", nil)
		resp, err := a.app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestSplitHandler_Status(t *testing.T) {
	a := setupApp(t, 0)
	fileID := a.uploaded(t, "user-1")

	t.Run("Should return the current status", func(t *testing.T) {
		resp := a.request(t, "user-1", http.MethodGet, "/api/splits/"+fileID+"/status", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := parseJSON(t, resp)
		assert.Equal(t, fileID, body["fileId"])
		assert.Equal(t, "uploaded", body["status"])
		assert.Nil(t, body["payload"])
	})

	for _, tc := range []struct{ name, user, id string }{
		{"Should report unknown files as not ready", "user-1", "missing"},
		{"Should report other owners' files as not ready", "user-2", fileID},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp := a.request(t, tc.user, http.MethodGet, "/api/splits/"+tc.id+"/status", "")
			require.Equal(t, http.StatusNotFound, resp.StatusCode)

			body := parseJSON(t, resp)
			errObj := body["error"].(map[string]interface{})
			assert.Equal(t, "NOT_READY", errObj["code"])
			assert.True(t, poller.IsNotReady(fmt.Errorf("%s", errObj["message"])))
		})
	}

	t.Run("Should include the preview once attached", func(t *testing.T) {
		preview := &model.SplitPreview{Columns: []string{"region", "qty"}, RowCount: 2, SplitColumn: "region"}
		require.NoError(t, a.svc.AttachPreview(context.Background(), fileID, preview, model.StatusProcessing, 40, "Splitting by region"))

		resp := a.request(t, "user-1", http.MethodGet, "/api/splits/"+fileID+"/status", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := parseJSON(t, resp)
		assert.Equal(t, "processing", body["status"])
		payload := body["payload"].(map[string]interface{})
		assert.Equal(t, float64(2), payload["rowCount"])
	})
}

func TestSplitHandler_Result(t *testing.T) {
	a := setupApp(t, 0)
	fileID := a.uploaded(t, "user-1")

	resp := a.request(t, "user-1", http.MethodGet, "/api/splits/"+fileID+"/result", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "NOT_COMPLETED", errorCode(t, resp))

	preview := &model.SplitPreview{
		Columns:     []string{"region", "qty"},
		RowCount:    2,
		SplitColumn: "region",
		Complete:    true,
		Groups: []model.SplitGroup{
			{Key: "north", RowCount: 1, ObjectKey: "splits/" + fileID + "/north.csv"},
			{Key: "south", RowCount: 1, ObjectKey: "splits/" + fileID + "/south.csv"},
		},
	}
	require.NoError(t, a.svc.AttachPreview(context.Background(), fileID, preview, model.StatusInReview, 100, "Split into 2 files"))

	resp = a.request(t, "user-1", http.MethodGet, "/api/splits/"+fileID+"/result", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseJSON(t, resp)
	groups := body["groups"].([]interface{})
	require.Len(t, groups, 2)
	first := groups[0].(map[string]interface{})
	assert.True(t, strings.HasPrefix(first["fileUrl"].(string), "memory://splits/"+fileID+"/north.csv?expires="))

	resp = a.request(t, "user-2", http.MethodGet, "/api/splits/"+fileID+"/result", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, resp))
}

func TestSplitHandler_Lifecycle(t *testing.T) {
	a := setupApp(t, 0)
	fileID := a.uploaded(t, "user-1")
	base := "/api/splits/" + fileID

	resp := a.request(t, "user-1", http.MethodPost, base+"/approve", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_STATE", errorCode(t, resp))

	resp = a.request(t, "user-1", http.MethodPost, base+"/pause", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paused", parseJSON(t, resp)["status"])

	resp = a.request(t, "user-1", http.MethodPost, base+"/pause", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = a.request(t, "user-1", http.MethodPost, base+"/resume", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "uploaded", parseJSON(t, resp)["status"])
	assert.Equal(t, 2, a.queue.count())

	preview := &model.SplitPreview{SplitColumn: "region", Complete: true}
	require.NoError(t, a.svc.AttachPreview(context.Background(), fileID, preview, model.StatusInReview, 100, "Split into 0 files"))

	resp = a.request(t, "user-1", http.MethodPost, base+"/approve", `{"note":`+`"`+strings.Repeat("x", 501)+`"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, resp))

	resp = a.request(t, "user-2", http.MethodPost, base+"/approve", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = a.request(t, "user-1", http.MethodPost, base+"/approve", `{"note":"looks good"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseJSON(t, resp)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "completed", body["status"])

	resp = a.request(t, "user-1", http.MethodGet, base+"/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "looks good", parseJSON(t, resp)["message"])
}

func TestSplitHandler_ListAndDelete(t *testing.T) {
	a := setupApp(t, 0)
	first := a.uploaded(t, "user-1")
	a.uploaded(t, "user-1")
	a.uploaded(t, "user-2")

	resp := a.request(t, "user-1", http.MethodGet, "/api/splits", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseJSON(t, resp)
	assert.Len(t, body["files"], 2)
	assert.Equal(t, float64(20), body["limit"])

	resp = a.request(t, "user-1", http.MethodGet, "/api/splits?limit=1&offset=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, parseJSON(t, resp)["files"], 1)

	resp = a.request(t, "user-1", http.MethodGet, "/api/splits?limit=500", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, resp))

	resp = a.request(t, "user-2", http.MethodDelete, "/api/splits/"+first, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = a.request(t, "user-1", http.MethodDelete, "/api/splits/"+first, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = a.request(t, "user-1", http.MethodGet, "/api/splits", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, parseJSON(t, resp)["files"], 1)
	assert.Len(t, a.storage.Keys(), 2)
}
