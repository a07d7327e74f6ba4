package model

import "time"

// SplitFile is the stored record of an uploaded spreadsheet
type SplitFile struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	Filename    string     `json:"filename"`
	ObjectKey   string     `json:"objectKey"`
	SplitColumn string     `json:"splitColumn"`
	Status      StatusCode `json:"status"`
	Message     string     `json:"message,omitempty"`
	Progress    int        `json:"progress"`
	SizeBytes   int64      `json:"sizeBytes"`
	Error       *string    `json:"error,omitempty"`
	Preview     []byte     `json:"preview,omitempty"` // JSON-encoded SplitPreview
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// SplitPreview is the payload made available once parsing has produced something to show.
// Complete is false while groups are still being written.
type SplitPreview struct {
	Columns     []string     `json:"columns"`
	RowCount    int          `json:"rowCount"`
	SampleRows  [][]string   `json:"sampleRows"`
	SplitColumn string       `json:"splitColumn"`
	Groups      []SplitGroup `json:"groups,omitempty"`
	Complete    bool         `json:"complete"`
}

// SplitGroup is one output file of a split
type SplitGroup struct {
	Key       string `json:"key"`
	RowCount  int    `json:"rowCount"`
	ObjectKey string `json:"objectKey"`
	FileURL   string `json:"fileUrl,omitempty"`
}

// SplitJobPayload is the asynq task payload for split processing
type SplitJobPayload struct {
	FileID string `json:"fileId"`
}

// UploadSplitResponse represents the response for a spreadsheet upload
type UploadSplitResponse struct {
	FileID      string     `json:"fileId"`
	Filename    string     `json:"filename"`
	Status      StatusCode `json:"status"`
	SplitColumn string     `json:"splitColumn"`
	SizeBytes   int64      `json:"sizeBytes"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// SplitStatusResponse is what status pollers receive
type SplitStatusResponse struct {
	FileID   string        `json:"fileId"`
	Status   StatusCode    `json:"status"`
	Message  string        `json:"message,omitempty"`
	Progress int           `json:"progress"`
	Error    *string       `json:"error,omitempty"`
	Payload  *SplitPreview `json:"payload,omitempty"`
}

// SplitSummary is a list entry
type SplitSummary struct {
	FileID    string     `json:"fileId"`
	Filename  string     `json:"filename"`
	Status    StatusCode `json:"status"`
	Progress  int        `json:"progress"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// SplitListQuery holds list pagination parameters
type SplitListQuery struct {
	Limit  int `query:"limit" validate:"omitempty,min=1,max=100"`
	Offset int `query:"offset" validate:"omitempty,min=0"`
}

// SplitListResponse represents a page of split files
type SplitListResponse struct {
	Files  []SplitSummary `json:"files"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// ApproveSplitRequest is the optional body of an approve call
type ApproveSplitRequest struct {
	Note string `json:"note" validate:"omitempty,max=500"`
}

// SplitActionResponse is returned by pause, resume and approve
type SplitActionResponse struct {
	Success bool       `json:"success"`
	FileID  string     `json:"fileId"`
	Status  StatusCode `json:"status"`
}
