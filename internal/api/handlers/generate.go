package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Conceptual-Machines/nativeads-api/internal/agents/loop"
	"github.com/Conceptual-Machines/nativeads-api/internal/agents/synthesis"
	"github.com/Conceptual-Machines/nativeads-api/internal/api/middleware"
	"github.com/Conceptual-Machines/nativeads-api/internal/llm"
	"github.com/Conceptual-Machines/nativeads-api/internal/logger"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
	"github.com/Conceptual-Machines/nativeads-api/internal/session"
)

// GenerationHandler runs the agent loop without a server session. The client
// owns the transcript and sends it back whole, together with a decision when
// resuming a paused run.
type GenerationHandler struct {
	runner       session.Runner
	defaultModel string
}

func NewGenerationHandler(runner session.Runner, defaultModel string) *GenerationHandler {
	return &GenerationHandler{runner: runner, defaultModel: defaultModel}
}

type GenerateRequest struct {
	Messages []llm.Message            `json:"messages" binding:"required,min=1"`
	Settings models.Settings          `json:"settings"`
	Decision *models.ApprovalDecision `json:"decision,omitempty"`
}

// Generate streams loop events as SSE and finishes with the run's result
func (h *GenerationHandler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	startSSE(c)
	c.Status(http.StatusOK)

	sink := loop.SinkFunc(func(_ context.Context, event loop.Event) error {
		if !writeSSE(c, event) {
			return errors.New("client disconnected")
		}
		return nil
	})

	out, err := h.runner.Run(c.Request.Context(), loop.Input{
		Messages: req.Messages,
		Settings: synthesis.WithDefaults(req.Settings, h.defaultModel),
		Decision: req.Decision,
		UserID:   middleware.UserID(c),
	}, sink)
	if err != nil {
		if errors.Is(err, loop.ErrCancelled) {
			return
		}
		logger.Error("Agent loop failed", err, logger.WithContext(c))
		message := models.OutcomeSynthesisError.Message()
		if errors.Is(err, loop.ErrNoPendingApproval) || errors.Is(err, loop.ErrLoopFinished) {
			message = err.Error()
		}
		writeSSEError(c, message)
		return
	}

	writeSSE(c, gin.H{"type": "result", "result": out})
	writeSSEDone(c)
}
