package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Conceptual-Machines/nativeads-api/internal/api/middleware"
	"github.com/Conceptual-Machines/nativeads-api/internal/logger"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
	"github.com/Conceptual-Machines/nativeads-api/internal/session"
	"github.com/Conceptual-Machines/nativeads-api/internal/store"
)

// SessionHandler exposes live generation sessions over REST, SSE and websocket
type SessionHandler struct {
	manager        *session.Manager
	allowedOrigins []string
}

func NewSessionHandler(manager *session.Manager, allowedOrigins []string) *SessionHandler {
	return &SessionHandler{manager: manager, allowedOrigins: allowedOrigins}
}

type CreateSessionRequest struct {
	ChatID   string          `json:"chatId"`
	Settings models.Settings `json:"settings"`
}

// Command is one user action. The REST routes fill in Type from the path;
// websocket clients send it explicitly.
type Command struct {
	Type       string            `json:"type"`
	Text       string            `json:"text,omitempty"`
	Images     []string          `json:"images,omitempty"`
	Answers    map[string]string `json:"answers,omitempty"`
	Prompt     string            `json:"prompt,omitempty"`
	Concepts   []string          `json:"concepts,omitempty"`
	Index      int               `json:"index,omitempty"`
	ApprovalID string            `json:"approvalId,omitempty"`
	Approved   bool              `json:"approved,omitempty"`
	Settings   *models.Settings  `json:"settings,omitempty"`
}

const (
	CommandSubmit   = "submit"
	CommandAnswers  = "answers"
	CommandSkip     = "skip"
	CommandPick     = "pick"
	CommandEnqueue  = "queue"
	CommandDequeue  = "dequeue"
	CommandApproval = "approval"
	CommandCancel   = "cancel"
	CommandReideate = "reideate"
	CommandSettings = "settings"
)

var errUnknownCommand = errors.New("unknown command")

// apply runs one command against a session
func apply(s *session.Session, cmd Command) error {
	switch cmd.Type {
	case CommandSubmit:
		return s.Submit(cmd.Text, cmd.Images)
	case CommandAnswers:
		return s.Answer(cmd.Answers)
	case CommandSkip:
		return s.Skip()
	case CommandPick:
		return s.Pick(cmd.Prompt)
	case CommandEnqueue:
		return s.Enqueue(cmd.Concepts...)
	case CommandDequeue:
		return s.RemoveQueued(cmd.Index)
	case CommandApproval:
		return s.Decide(models.ApprovalDecision{ApprovalID: cmd.ApprovalID, Approved: cmd.Approved})
	case CommandCancel:
		return s.Cancel()
	case CommandReideate:
		return s.Reideate()
	case CommandSettings:
		if cmd.Settings == nil {
			return fmt.Errorf("%w: settings are required", session.ErrEmptyInput)
		}
		return s.UpdateSettings(*cmd.Settings)
	default:
		return fmt.Errorf("%w %q", errUnknownCommand, cmd.Type)
	}
}

// statusFor maps session errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrInvalidPhase),
		errors.Is(err, session.ErrNoPendingApproval), errors.Is(err, session.ErrStaleApproval):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptyInput), errors.Is(err, session.ErrQueueIndex),
		errors.Is(err, errUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (h *SessionHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Session request failed", err, logger.WithContext(c))
		c.JSON(status, gin.H{"error": "Internal server error", "request_id": c.GetString("request_id")})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *SessionHandler) session(c *gin.Context) (*session.Session, bool) {
	s, err := h.manager.Get(middleware.UserID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return s, true
}

// Create opens a session, optionally resuming a saved chat
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	s, err := h.manager.Create(c.Request.Context(), middleware.UserID(c), req.ChatID, req.Settings)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.Snapshot())
}

// Get returns the session snapshot clients use to (re)build their view
func (h *SessionHandler) Get(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Snapshot())
}

// Delete closes the session. Saved chats and the queue are kept.
func (h *SessionHandler) Delete(c *gin.Context) {
	if err := h.manager.Close(middleware.UserID(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Command returns a handler applying the given command type from the JSON body.
// Work continues in the background; the response is the snapshot right after
// the transition.
func (h *SessionHandler) Command(commandType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.session(c)
		if !ok {
			return
		}

		var cmd Command
		var err error
		switch {
		case commandType == CommandSettings:
			// the body is the settings object itself
			cmd.Settings = &models.Settings{}
			err = c.ShouldBindJSON(cmd.Settings)
		case c.Request.ContentLength != 0:
			err = c.ShouldBindJSON(&cmd)
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cmd.Type = commandType

		if err := apply(s, cmd); err != nil {
			h.fail(c, err)
			return
		}
		logger.Info("Session command applied", logger.WithContext(c).Merge(logger.Fields{
			"session_id": s.ID,
			"command":    commandType,
		}))
		c.JSON(http.StatusAccepted, s.Snapshot())
	}
}

// RemoveQueued drops the queued concept at :index
func (h *SessionHandler) RemoveQueued(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index must be an integer"})
		return
	}
	if err := apply(s, Command{Type: CommandDequeue, Index: index}); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Snapshot())
}
