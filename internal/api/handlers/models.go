package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Conceptual-Machines/nativeads-api/internal/agents/synthesis"
)

// ModelAvailability reports whether an image model can be used right now
type ModelAvailability interface {
	Available(id synthesis.ModelID) bool
}

type ModelsHandler struct {
	availability ModelAvailability
	defaultModel string
}

func NewModelsHandler(availability ModelAvailability, defaultModel string) *ModelsHandler {
	return &ModelsHandler{availability: availability, defaultModel: defaultModel}
}

type modelInfo struct {
	synthesis.Capabilities
	Available bool `json:"available"`
	Default   bool `json:"default"`
}

// ListModels returns the image model catalog with per-model parameter vocabularies
func (h *ModelsHandler) ListModels(c *gin.Context) {
	catalog := synthesis.Catalog()
	out := make([]modelInfo, 0, len(catalog))
	for _, caps := range catalog {
		out = append(out, modelInfo{
			Capabilities: caps,
			Available:    h.availability != nil && h.availability.Available(caps.ID),
			Default:      string(caps.ID) == h.defaultModel,
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}
