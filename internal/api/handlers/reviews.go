package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Conceptual-Machines/nativeads-api/internal/agents/review"
	"github.com/Conceptual-Machines/nativeads-api/internal/logger"
)

// ImageReviewer grades one image against the rubric
type ImageReviewer interface {
	Review(ctx context.Context, imageURL, rubricContext string) (*review.Verdict, error)
}

type ReviewHandler struct {
	reviewer ImageReviewer
}

func NewReviewHandler(reviewer ImageReviewer) *ReviewHandler {
	return &ReviewHandler{reviewer: reviewer}
}

type ReviewRequest struct {
	ImageURL string `json:"imageUrl" binding:"required"`
	Context  string `json:"context"`
}

// Review runs a standalone quality review of an image
func (h *ReviewHandler) Review(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	verdict, err := h.reviewer.Review(c.Request.Context(), req.ImageURL, req.Context)
	if err != nil {
		if errors.Is(err, review.ErrEmptyImage) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.Error("Review failed", err, logger.WithContext(c))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":      "Failed to review image",
			"request_id": c.GetString("request_id"),
		})
		return
	}
	c.JSON(http.StatusOK, verdict)
}
