package model

// StatusCode is the processing status of a split file
type StatusCode string

const (
	StatusUploaded   StatusCode = "uploaded"
	StatusInProgress StatusCode = "in_progress"
	StatusProcessing StatusCode = "processing"
	StatusPaused     StatusCode = "paused"
	StatusInReview   StatusCode = "in-review"
	StatusCompleted  StatusCode = "completed"
	StatusFailed     StatusCode = "failed"
)

var ValidStatusCodes = []StatusCode{
	StatusUploaded, StatusInProgress, StatusProcessing, StatusPaused,
	StatusInReview, StatusCompleted, StatusFailed,
}

// IsContinuation reports whether the backend is still working on the file.
// Polling continues only while the status is uploaded, in_progress or processing.
func (s StatusCode) IsContinuation() bool {
	switch s {
	case StatusUploaded, StatusInProgress, StatusProcessing:
		return true
	}
	return false
}

// IsTerminal is the complement of IsContinuation. Unknown values are terminal.
func (s StatusCode) IsTerminal() bool {
	return !s.IsContinuation()
}

// Valid reports whether s is one of the known status codes
func (s StatusCode) Valid() bool {
	for _, v := range ValidStatusCodes {
		if s == v {
			return true
		}
	}
	return false
}

func (s StatusCode) String() string {
	return string(s)
}

// ParseStatusCode converts a raw status, accepting "in_review" as an alias of "in-review"
func ParseStatusCode(raw string) (StatusCode, bool) {
	if raw == "in_review" {
		return StatusInReview, true
	}
	s := StatusCode(raw)
	return s, s.Valid()
}

// Task types
const (
	TaskTypeSplitProcess = "split:process"
)

// Queue names
const (
	QueueSplits = "splits"
)

// BlankGroupKey is used for rows whose split column is empty
const BlankGroupKey = "(blank)"
