package model

// WebSocket message types
const (
	WSMessageTypeWatch    = "watch"
	WSMessageTypeUnwatch  = "unwatch"
	WSMessageTypePending  = "pending"
	WSMessageTypeReady    = "ready"
	WSMessageTypeTerminal = "terminal"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSClientMessage is sent by the browser to select or drop the watched file
type WSClientMessage struct {
	Type   string `json:"type"`
	FileID string `json:"fileId,omitempty"`
}

// WSStatusMessage carries one poll result
type WSStatusMessage struct {
	Type    string        `json:"type"`
	FileID  string        `json:"fileId"`
	Status  StatusCode    `json:"status"`
	Message string        `json:"message,omitempty"`
	Payload *SplitPreview `json:"payload,omitempty"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type   string  `json:"type"`
	FileID string  `json:"fileId,omitempty"`
	Error  WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
