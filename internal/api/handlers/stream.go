package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/Conceptual-Machines/nativeads-api/internal/session"
)

const (
	heartbeatInterval = 15 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

// streamMessage is what both live transports send. A snapshot carries the
// full state; every later message is one broker event.
type streamMessage struct {
	Seq  uint64 `json:"seq"`
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// follow sends the session's stream from cursor until ctx ends, the session
// closes, or send fails. Without a cursor, or when the cursor fell out of
// history, a snapshot is sent first and events it already reflects are skipped.
func follow(ctx context.Context, s *session.Session, cursor uint64, send func(streamMessage) error) error {
	backlog, live, cancel, gap := s.Events().Subscribe(cursor)
	defer cancel()

	floor := cursor
	if cursor == 0 || gap {
		snap := s.Snapshot()
		if err := send(streamMessage{Seq: snap.Cursor, Type: "snapshot", Data: snap}); err != nil {
			return err
		}
		floor = snap.Cursor
	}

	emit := func(event session.Event) error {
		if event.Seq <= floor {
			return nil
		}
		return send(streamMessage{Seq: event.Seq, Type: string(event.Type), Data: event.Data})
	}

	for _, event := range backlog {
		if err := emit(event); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-live:
			if !ok {
				return nil
			}
			if err := emit(event); err != nil {
				return err
			}
			if event.Type == session.EventClosed {
				return nil
			}
		}
	}
}

func parseCursor(c *gin.Context) (uint64, error) {
	raw := c.Query("cursor")
	if raw == "" {
		raw = c.GetHeader("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

// Events streams the session as SSE. EventSource reconnects resume from
// Last-Event-ID.
func (h *SessionHandler) Events(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	cursor, err := parseCursor(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cursor must be a non-negative integer"})
		return
	}

	startSSE(c)
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx, stop := context.WithCancel(c.Request.Context())
	defer stop()

	var mu sync.Mutex
	write := func(format string, args ...any) error {
		mu.Lock()
		defer mu.Unlock()
		if _, err := fmt.Fprintf(c.Writer, format, args...); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if write(": ping\n\n") != nil {
					stop()
					return
				}
			}
		}
	}()

	err = follow(ctx, s, cursor, func(msg streamMessage) error {
		eventJSON, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return write("id: %d\ndata: %s\n\n", msg.Seq, eventJSON)
	})
	if err == nil && ctx.Err() == nil {
		_ = write("data: %s\n\n", `{"type":"done"}`)
	}
}

// Stream serves the session over a websocket: events go out, commands come in
func (h *SessionHandler) Stream(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	cursor, err := parseCursor(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cursor must be a non-negative integer"})
		return
	}
	if !h.checkOrigin(c.Request) {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("❌ Failed to accept websocket for session %s: %v", s.ID, err)
		return
	}
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "stream ended")
	}()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	log.Printf("🔌 Websocket attached to session %s (cursor=%d)", s.ID, cursor)

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: commands -> session.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, s)
	}()

	// Output loop: session events -> websocket.
	go func() {
		defer wg.Done()
		defer cancel()
		err := follow(ctx, s, cursor, func(msg streamMessage) error {
			return writeJSON(ctx, ws, msg)
		})
		if err != nil && ctx.Err() == nil {
			log.Printf("⚠️  Websocket write failed for session %s: %v", s.ID, err)
		}
	}()

	wg.Wait()
	log.Printf("🔌 Websocket detached from session %s", s.ID)
}

type commandAck struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Status  int    `json:"status,omitempty"`
}

func (h *SessionHandler) inputLoop(ctx context.Context, ws *websocket.Conn, s *session.Session) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Printf("⚠️  Websocket read error for session %s: %v", s.ID, err)
			}
			return
		}

		var cmd Command
		ack := commandAck{Type: "ack", OK: true}
		if err := json.Unmarshal(message, &cmd); err != nil {
			ack.OK, ack.Error, ack.Status = false, "invalid command: "+err.Error(), http.StatusBadRequest
		} else {
			ack.Command = cmd.Type
			if err := apply(s, cmd); err != nil {
				ack.OK, ack.Error, ack.Status = false, err.Error(), statusFor(err)
			}
		}
		if err := writeJSON(ctx, ws, ack); err != nil {
			return
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

func (h *SessionHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 || slices.Contains(h.allowedOrigins, "*") {
		return true
	}
	if slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	// same-origin pages are always allowed
	if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
		return true
	}
	log.Printf("⚠️  Websocket origin rejected: %s", origin)
	return false
}
