package handlers

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/gin-gonic/gin"
)

func startSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// writeSSE sends one data line and flushes it. It reports false once the
// client is gone.
func writeSSE(c *gin.Context, event any) bool {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		log.Printf("❌ Failed to marshal stream event: %v", err)
		return true
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", eventJSON); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

func writeSSEDone(c *gin.Context) {
	writeSSE(c, gin.H{"type": "done"})
}

func writeSSEError(c *gin.Context, message string) {
	writeSSE(c, gin.H{"type": "error", "message": message})
}
