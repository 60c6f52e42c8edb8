package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Conceptual-Machines/nativeads-api/internal/api/middleware"
	"github.com/Conceptual-Machines/nativeads-api/internal/logger"
	"github.com/Conceptual-Machines/nativeads-api/internal/session"
	"github.com/Conceptual-Machines/nativeads-api/internal/store"
	"github.com/Conceptual-Machines/nativeads-api/internal/transcript"
)

// ChatHandler serves saved chats and the generated image gallery
type ChatHandler struct {
	repo store.Repository
}

func NewChatHandler(repo store.Repository) *ChatHandler {
	return &ChatHandler{repo: repo}
}

func (h *ChatHandler) fail(c *gin.Context, err error, msg string) {
	if statusFor(err) == http.StatusNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "Chat not found"})
		return
	}
	logger.Error(msg, err, logger.WithContext(c))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg, "request_id": c.GetString("request_id")})
}

func limitParam(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return limit
}

// ListChats returns the user's chats, newest first, without transcripts
func (h *ChatHandler) ListChats(c *gin.Context) {
	chats, err := h.repo.ListChats(c.Request.Context(), middleware.UserID(c), limitParam(c))
	if err != nil {
		h.fail(c, err, "Failed to list chats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// GetChat returns one chat with its decoded transcript
func (h *ChatHandler) GetChat(c *gin.Context) {
	chat, err := h.repo.GetChat(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err, "Failed to load chat")
		return
	}
	messages, err := session.DecodeMessages(chat.Messages)
	if err != nil {
		h.fail(c, err, "Failed to decode chat")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chat":        chat,
		"messages":    messages,
		"checkpoints": session.DeriveCheckpoints(messages),
	})
}

// DeleteChat removes a chat. Gallery images generated in it are kept.
func (h *ChatHandler) DeleteChat(c *gin.Context) {
	if err := h.repo.DeleteChat(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		h.fail(c, err, "Failed to delete chat")
		return
	}
	c.Status(http.StatusNoContent)
}

// Transcript renders a chat as a standalone HTML page
func (h *ChatHandler) Transcript(c *gin.Context) {
	chat, err := h.repo.GetChat(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err, "Failed to load chat")
		return
	}
	messages, err := session.DecodeMessages(chat.Messages)
	if err != nil {
		h.fail(c, err, "Failed to decode chat")
		return
	}
	page, err := transcript.RenderHTML(chat, messages)
	if err != nil {
		h.fail(c, err, "Failed to render transcript")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", page)
}

// ListImages returns the user's generated images, newest first
func (h *ChatHandler) ListImages(c *gin.Context) {
	images, err := h.repo.ListImages(c.Request.Context(), middleware.UserID(c), limitParam(c))
	if err != nil {
		h.fail(c, err, "Failed to list images")
		return
	}
	c.JSON(http.StatusOK, gin.H{"images": images})
}
