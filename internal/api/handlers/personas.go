package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Conceptual-Machines/nativeads-api/internal/api/middleware"
	"github.com/Conceptual-Machines/nativeads-api/internal/logger"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
	"github.com/Conceptual-Machines/nativeads-api/internal/store"
)

// PersonaHandler manages the user's saved personas
type PersonaHandler struct {
	repo store.Repository
}

func NewPersonaHandler(repo store.Repository) *PersonaHandler {
	return &PersonaHandler{repo: repo}
}

type CreatePersonaRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description" binding:"required"`
}

// ListPersonas returns the user's personas, newest first
func (h *PersonaHandler) ListPersonas(c *gin.Context) {
	personas, err := h.repo.ListPersonas(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		logger.Error("Failed to list personas", err, logger.WithContext(c))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list personas"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"personas": personas})
}

// CreatePersona saves a persona for later ideation
func (h *PersonaHandler) CreatePersona(c *gin.Context) {
	var req CreatePersonaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Name and description are required"})
		return
	}
	name, description := strings.TrimSpace(req.Name), strings.TrimSpace(req.Description)
	if name == "" || description == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Name and description are required"})
		return
	}

	persona := &models.Persona{
		ID:          uuid.NewString(),
		UserID:      middleware.UserID(c),
		Name:        name,
		Description: description,
	}
	if err := h.repo.CreatePersona(c.Request.Context(), persona); err != nil {
		logger.Error("Failed to create persona", err, logger.WithContext(c))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create persona"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"persona": persona})
}

// DeletePersona removes one persona
func (h *PersonaHandler) DeletePersona(c *gin.Context) {
	err := h.repo.DeletePersona(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		if statusFor(err) == http.StatusNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Persona not found"})
			return
		}
		logger.Error("Failed to delete persona", err, logger.WithContext(c))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete persona"})
		return
	}
	c.Status(http.StatusNoContent)
}
