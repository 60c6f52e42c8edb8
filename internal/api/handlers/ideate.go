package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Conceptual-Machines/nativeads-api/internal/agents/ideation"
	"github.com/Conceptual-Machines/nativeads-api/internal/api/middleware"
	"github.com/Conceptual-Machines/nativeads-api/internal/logger"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
	"github.com/Conceptual-Machines/nativeads-api/internal/session"
	"github.com/Conceptual-Machines/nativeads-api/internal/store"
)

type IdeationHandler struct {
	ideator session.Ideator
	repo    store.Repository
}

// NewIdeationHandler creates the stateless ideation handler. repo may be nil,
// in which case saved personas are not offered.
func NewIdeationHandler(ideator session.Ideator, repo store.Repository) *IdeationHandler {
	return &IdeationHandler{ideator: ideator, repo: repo}
}

type IdeateRequest struct {
	Concept string `json:"concept" binding:"required"`
	// Answers present (even empty) finalizes: no further questions are asked
	Answers map[string]string `json:"answers"`
}

// Ideate clarifies a concept or turns it into generation-ready prompts
func (h *IdeationHandler) Ideate(c *gin.Context) {
	var req IdeateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.ideator.Ideate(c.Request.Context(), req.Concept, req.Answers, h.personas(c)...)
	if err != nil {
		if errors.Is(err, ideation.ErrEmptyConcept) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.Error("Ideation failed", err, logger.WithContext(c))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":      "Failed to ideate",
			"request_id": c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *IdeationHandler) personas(c *gin.Context) []models.Persona {
	if h.repo == nil {
		return nil
	}
	personas, err := h.repo.ListPersonas(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		logger.Warn("Failed to load personas", logger.WithContext(c).Merge(logger.Fields{"error": err.Error()}))
		return nil
	}
	return personas
}
