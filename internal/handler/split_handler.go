package handler

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/opsdash/splitmanager/internal/middleware"
	"github.com/opsdash/splitmanager/internal/model"
	"github.com/opsdash/splitmanager/internal/poller"
	"github.com/opsdash/splitmanager/internal/service"
	"github.com/opsdash/splitmanager/pkg/response"
)

// DefaultMaxUploadBytes is used when the handler is built with a non-positive limit
const DefaultMaxUploadBytes = 20 * 1024 * 1024

var validUploadTypes = map[string]bool{
	"text/csv":                 true,
	"application/vnd.ms-excel": true,
	"text/plain":               true,
	"application/octet-stream": true,
}

type SplitHandler struct {
	service   *service.SplitService
	validator *validator.Validate
	maxBytes  int64
}

func NewSplitHandler(svc *service.SplitService, v *validator.Validate, maxBytes int64) *SplitHandler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &SplitHandler{
		service:   svc,
		validator: v,
		maxBytes:  maxBytes,
	}
}

// Upload handles POST /api/splits
// @Summary      Upload spreadsheet
// @Description  Upload a CSV file and queue it to be split by one of its columns
// @Tags         Splits
// @Accept       multipart/form-data
// @Produce      json
// @Param        file formData file true "CSV file"
// @Param        splitColumn formData string true "Column to split by"
// @Success      201 {object} model.UploadSplitResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      413 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/splits [post]
func (h *SplitHandler) Upload(c *fiber.Ctx) error {
	splitColumn := strings.TrimSpace(c.FormValue("splitColumn"))
	if splitColumn == "" {
		return response.ValidationError(c, "splitColumn is required", nil)
	}

	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	if file.Size > h.maxBytes {
		return response.TooLarge(c, fmt.Sprintf("File size exceeds %dMB limit", h.maxBytes/(1024*1024)))
	}

	if !strings.EqualFold(filepath.Ext(file.Filename), ".csv") {
		return response.ValidationError(c, "Invalid file type. Supported: CSV", map[string]interface{}{
			"filename": file.Filename,
		})
	}

	contentType := file.Header.Get("Content-Type")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if !validUploadTypes[contentType] {
		return response.ValidationError(c, "Invalid file type. Supported: CSV", map[string]interface{}{
			"contentType": contentType,
		})
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	result, err := h.service.Upload(c.Context(), middleware.GetUserID(c), file.Filename, splitColumn, f, file.Size)
	if err != nil {
		if errors.Is(err, service.ErrStorage) {
			return response.StorageError(c, "Failed to store file")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Created(c, result)
}

// List handles GET /api/splits
// @Summary      List split files
// @Description  List the caller's split files, newest first
// @Tags         Splits
// @Produce      json
// @Param        limit query int false "Page size (1-100)"
// @Param        offset query int false "Offset"
// @Success      200 {object} model.SplitListResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/splits [get]
func (h *SplitHandler) List(c *fiber.Ctx) error {
	var query model.SplitListQuery
	if err := c.QueryParser(&query); err != nil {
		return response.ValidationError(c, "Invalid query parameters", nil)
	}

	if err := h.validator.Struct(&query); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.List(c.Context(), middleware.GetUserID(c), query.Limit, query.Offset)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Status handles GET /api/splits/:id/status
// @Summary      Get split status
// @Description  Get the processing status of a split file. 404 NOT_READY means keep polling.
// @Tags         Splits
// @Produce      json
// @Param        id path string true "File ID"
// @Success      200 {object} model.SplitStatusResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/splits/{id}/status [get]
func (h *SplitHandler) Status(c *fiber.Ctx) error {
	fileID := c.Params("id")
	if fileID == "" {
		return response.ValidationError(c, "File ID is required", nil)
	}

	result, err := h.service.GetStatus(c.Context(), middleware.GetUserID(c), fileID)
	if err != nil {
		if poller.IsNotReady(err) {
			return response.NotReady(c, err.Error())
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Result handles GET /api/splits/:id/result
// @Summary      Get split result
// @Description  Get the split groups with signed download URLs
// @Tags         Splits
// @Produce      json
// @Param        id path string true "File ID"
// @Success      200 {object} model.SplitPreview
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/splits/{id}/result [get]
func (h *SplitHandler) Result(c *fiber.Ctx) error {
	fileID := c.Params("id")
	if fileID == "" {
		return response.ValidationError(c, "File ID is required", nil)
	}

	result, err := h.service.GetResult(c.Context(), middleware.GetUserID(c), fileID)
	if err != nil {
		return h.serviceError(c, err)
	}

	return response.OK(c, result)
}

// Pause handles POST /api/splits/:id/pause
// @Summary      Pause split processing
// @Tags         Splits
// @Produce      json
// @Param        id path string true "File ID"
// @Success      200 {object} model.SplitActionResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/splits/{id}/pause [post]
func (h *SplitHandler) Pause(c *fiber.Ctx) error {
	result, err := h.service.Pause(c.Context(), middleware.GetUserID(c), c.Params("id"))
	if err != nil {
		return h.serviceError(c, err)
	}
	return response.OK(c, result)
}

// Resume handles POST /api/splits/:id/resume
// @Summary      Resume split processing
// @Tags         Splits
// @Produce      json
// @Param        id path string true "File ID"
// @Success      200 {object} model.SplitActionResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/splits/{id}/resume [post]
func (h *SplitHandler) Resume(c *fiber.Ctx) error {
	result, err := h.service.Resume(c.Context(), middleware.GetUserID(c), c.Params("id"))
	if err != nil {
		return h.serviceError(c, err)
	}
	return response.OK(c, result)
}

// Approve handles POST /api/splits/:id/approve
// @Summary      Approve reviewed split
// @Tags         Splits
// @Accept       json
// @Produce      json
// @Param        id path string true "File ID"
// @Param        request body model.ApproveSplitRequest false "Approval note"
// @Success      200 {object} model.SplitActionResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/splits/{id}/approve [post]
func (h *SplitHandler) Approve(c *fiber.Ctx) error {
	var req model.ApproveSplitRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Approve(c.Context(), middleware.GetUserID(c), c.Params("id"), req.Note)
	if err != nil {
		return h.serviceError(c, err)
	}
	return response.OK(c, result)
}

// Delete handles DELETE /api/splits/:id
// @Summary      Delete split file
// @Description  Delete the record, the upload and all split outputs
// @Tags         Splits
// @Param        id path string true "File ID"
// @Success      204
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/splits/{id} [delete]
func (h *SplitHandler) Delete(c *fiber.Ctx) error {
	if err := h.service.Delete(c.Context(), middleware.GetUserID(c), c.Params("id")); err != nil {
		return h.serviceError(c, err)
	}
	return response.NoContent(c)
}

func (h *SplitHandler) serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrFileNotFound):
		return response.NotFound(c, "File not found")
	case errors.Is(err, service.ErrNotCompleted):
		return response.NotCompleted(c, "Split not completed yet")
	case errors.Is(err, service.ErrInvalidTransition):
		return response.InvalidState(c, err.Error())
	case errors.Is(err, service.ErrStorage):
		return response.StorageError(c, err.Error())
	default:
		return response.ServiceError(c, err.Error())
	}
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
