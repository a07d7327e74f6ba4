package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/opsdash/splitmanager/internal/model"
	"github.com/opsdash/splitmanager/internal/poller"
)

const (
	pingInterval = 30 * time.Second
	sendBuffer   = 32
)

// Error codes sent to the browser
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodePollFailed     = "POLL_FAILED"
	CodePollTimeout    = "POLL_TIMEOUT"
)

// Conn is the subset of *websocket.Conn a session uses
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one browser connection. It watches at most one file at a time; selecting
// another file supersedes the previous watch.
type Session struct {
	ownerID string
	conn    Conn
	poller  *poller.StatusPoller[model.SplitPreview]
	logger  *zap.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn Conn, ownerID string, fetch poller.FetchFunc[model.SplitPreview], logger *zap.Logger, opts ...poller.Option) *Session {
	s := &Session{
		ownerID: ownerID,
		conn:    conn,
		logger:  logger.With(zap.String("owner", ownerID)),
		out:     make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}

	cb := poller.Callbacks[model.SplitPreview]{
		OnPending: func(fileID string, r poller.Result[model.SplitPreview]) {
			s.sendStatus(model.WSMessageTypePending, fileID, r)
		},
		OnReady: func(fileID string, r poller.Result[model.SplitPreview]) {
			s.sendStatus(model.WSMessageTypeReady, fileID, r)
		},
		OnTerminal: func(fileID string, r poller.Result[model.SplitPreview]) {
			s.sendStatus(model.WSMessageTypeTerminal, fileID, r)
		},
		OnError: func(fileID string, err error) {
			code := CodePollFailed
			if errors.Is(err, poller.ErrPollTimeout) {
				code = CodePollTimeout
			}
			s.sendError(fileID, code, err.Error())
		},
	}

	opts = append([]poller.Option{poller.WithLogger(logger.Named("poller"))}, opts...)
	s.poller = poller.New(fetch, cb, opts...)
	return s
}

// Close stops polling and closes the connection. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		// done first: poller.Close waits for a callback that may be blocked in send
		close(s.done)
		s.poller.Close()
	})
}

// Watching returns the file currently polled, or ""
func (s *Session) Watching() string {
	return s.poller.Subject()
}

// run reads client messages until the connection fails or the session is closed
func (s *Session) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	defer func() {
		s.Close()
		<-writerDone
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		s.handle(data)
	}
}

func (s *Session) handle(data []byte) {
	var msg model.WSClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError("", CodeInvalidMessage, "message is not valid JSON")
		return
	}

	switch msg.Type {
	case model.WSMessageTypeWatch:
		if err := s.poller.Start(msg.FileID); err != nil {
			s.sendError(msg.FileID, CodeInvalidMessage, err.Error())
			return
		}
		s.logger.Debug("watching file", zap.String("fileId", msg.FileID))

	case model.WSMessageTypeUnwatch:
		s.poller.Cancel()

	case model.WSMessageTypePing:
		s.send(model.WSMessage{Type: model.WSMessageTypePong})

	default:
		s.sendError(msg.FileID, CodeInvalidMessage, "unknown message type: "+msg.Type)
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-s.out:
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.Close()
			}

		case <-ticker.C:
			// Send ping for keep-alive
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
			}

		case <-s.done:
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			_ = s.conn.Close()
			return
		}
	}
}

func (s *Session) sendStatus(msgType, fileID string, r poller.Result[model.SplitPreview]) {
	s.send(model.WSStatusMessage{
		Type:    msgType,
		FileID:  fileID,
		Status:  r.Status,
		Message: r.Message,
		Payload: r.Payload,
	})
}

func (s *Session) sendError(fileID, code, message string) {
	s.send(model.WSErrorMessage{
		Type:   model.WSMessageTypeError,
		FileID: fileID,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Session) send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal websocket message", zap.Error(err))
		return
	}
	select {
	case s.out <- data:
	case <-s.done:
	}
}
