package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conceptual-Machines/nativeads-api/internal/agents/ideation"
	"github.com/Conceptual-Machines/nativeads-api/internal/agents/loop"
	"github.com/Conceptual-Machines/nativeads-api/internal/agents/review"
	"github.com/Conceptual-Machines/nativeads-api/internal/agents/synthesis"
	"github.com/Conceptual-Machines/nativeads-api/internal/config"
	"github.com/Conceptual-Machines/nativeads-api/internal/llm"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
	"github.com/Conceptual-Machines/nativeads-api/internal/session"
	"github.com/Conceptual-Machines/nativeads-api/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubIdeator struct {
	err error
}

func (s stubIdeator) Ideate(_ context.Context, concept string, answers map[string]string, personas ...models.Persona) (*ideation.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	if strings.TrimSpace(concept) == "" {
		return nil, ideation.ErrEmptyConcept
	}
	primary := "ad for " + concept
	if len(personas) > 0 {
		primary += " aimed at " + personas[0].Name
	}
	return &ideation.Result{
		Type:           ideation.KindIdeate,
		IdeationResult: &models.IdeationResult{PrimaryPrompt: primary, Variations: []string{"v1"}},
	}, nil
}

type stubRunner struct {
	err error
}

func (s stubRunner) Run(ctx context.Context, in loop.Input, sink loop.Sink) (*loop.Output, error) {
	if s.err != nil {
		return nil, s.err
	}
	url := "https://cdn.example.com/ad.png"
	score, ok := 7, true
	attempt := models.GenerationAttempt{ID: "call_1", AttemptNumber: 1, ImageURL: &url, ReviewScore: &score, Passed: &ok}
	_ = sink.Publish(ctx, loop.Event{Type: loop.EventAttempt, Attempt: &attempt})

	content, _ := json.Marshal(map[string]any{"success": true, "imageUrl": url})
	messages := append(append([]llm.Message(nil), in.Messages...),
		llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_1", Name: llm.ToolGenerateImage}}},
		llm.ToolResultMessage(llm.ToolResult{CallID: "call_1", Name: llm.ToolGenerateImage, Content: content}),
		llm.Message{Role: llm.RoleAssistant, Content: "Here is your ad."},
	)
	return &loop.Output{
		Messages: messages,
		Outcome:  models.OutcomePassed,
		State:    loop.State{Attempts: []models.GenerationAttempt{attempt}},
	}, nil
}

type stubReviewer struct{}

func (stubReviewer) Review(_ context.Context, imageURL, _ string) (*review.Verdict, error) {
	if imageURL == "broken" {
		return nil, errors.New("vendor down")
	}
	return &review.Verdict{ImageURL: imageURL, Passes: true, Score: 6}, nil
}

type stubModels struct{}

func (stubModels) Available(id synthesis.ModelID) bool {
	return id == synthesis.ModelGPTImage1
}

type testServer struct {
	router *gin.Engine
	repo   store.Repository
}

func newTestServer(t *testing.T, authMode string, runner session.Runner, ideator session.Ideator) *testServer {
	t.Helper()
	if runner == nil {
		runner = stubRunner{}
	}
	if ideator == nil {
		ideator = stubIdeator{}
	}
	cfg := &config.Config{
		AuthMode:          authMode,
		AllowedOrigins:    []string{"*"},
		StorageDriver:     config.StorageDriverDisk,
		MirrorDir:         t.TempDir(),
		DefaultImageModel: string(synthesis.ModelNanoBananaPro),
	}
	repo := store.NewMemory()
	manager := session.NewManager(ideator, runner, repo, session.Options{DefaultModel: cfg.DefaultImageModel})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	router := SetupRouter(Dependencies{
		Config:   cfg,
		Version:  "test",
		Repo:     repo,
		Sessions: manager,
		Ideator:  ideator,
		Runner:   runner,
		Reviewer: stubReviewer{},
		Models:   stubModels{},
	})
	return &testServer{router: router, repo: repo}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *testServer) createSession(t *testing.T) session.Snapshot {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/sessions", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[session.Snapshot](t, w)
}

func (s *testServer) waitPhase(t *testing.T, id string, phase models.Phase) session.Snapshot {
	t.Helper()
	var snap session.Snapshot
	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/api/v1/sessions/"+id, "")
		if w.Code != http.StatusOK {
			return false
		}
		snap = decode[session.Snapshot](t, w)
		return snap.Phase == phase && !snap.Busy
	}, 2*time.Second, 10*time.Millisecond, "want phase %s", phase)
	return snap
}

func dataLines(body string) []map[string]any {
	var events []map[string]any
	for _, line := range strings.Split(body, "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var event map[string]any
		if json.Unmarshal([]byte(payload), &event) == nil {
			events = append(events, event)
		}
	}
	return events
}

func TestHealthAndModels(t *testing.T) {
	s := newTestServer(t, config.AuthModeNone, nil, nil)

	w := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	w = s.do(t, http.MethodGet, "/api/v1/models", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Models []struct {
			ID        string `json:"id"`
			Available bool   `json:"available"`
			Default   bool   `json:"default"`
		} `json:"models"`
	}](t, w)
	require.Len(t, body.Models, len(synthesis.Catalog()))
	for _, m := range body.Models {
		assert.Equal(t, m.ID == string(synthesis.ModelGPTImage1), m.Available, m.ID)
		assert.Equal(t, m.ID == string(synthesis.ModelNanoBananaPro), m.Default, m.ID)
	}

	w = s.do(t, http.MethodGet, "/api/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"live_sessions":0`)
}

func TestIdeate(t *testing.T) {
	s := newTestServer(t, config.AuthModeNone, nil, nil)

	w := s.do(t, http.MethodPost, "/api/v1/ideate", `{"concept":"cold brew"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"primaryPrompt":"ad for cold brew"`)

	w = s.do(t, http.MethodPost, "/api/v1/ideate", `{"concept":"   "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/ideate", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	failing := newTestServer(t, config.AuthModeNone, nil, stubIdeator{err: errors.New("timeout")})
	w = failing.do(t, http.MethodPost, "/api/v1/ideate", `{"concept":"x"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, w.Body.String(), "timeout")
}

func TestGenerate_StreamsEventsAndResult(t *testing.T) {
	s := newTestServer(t, config.AuthModeNone, nil, nil)

	w := s.do(t, http.MethodPost, "/api/v1/generate", `{"messages":[{"role":"user","content":"coffee"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := dataLines(w.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "attempt", events[0]["type"])
	assert.Equal(t, "result", events[1]["type"])
	assert.Equal(t, "done", events[2]["type"])

	w = s.do(t, http.MethodPost, "/api/v1/generate", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	failing := newTestServer(t, config.AuthModeNone, stubRunner{err: errors.New("provider exploded")}, nil)
	w = failing.do(t, http.MethodPost, "/api/v1/generate", `{"messages":[{"role":"user","content":"coffee"}]}`)
	events = dataLines(w.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0]["type"])
	assert.Equal(t, models.OutcomeSynthesisError.Message(), events[0]["message"])
}

func TestReviews(t *testing.T) {
	s := newTestServer(t, config.AuthModeNone, nil, nil)

	w := s.do(t, http.MethodPost, "/api/v1/reviews", `{"imageUrl":"https://cdn/x.png","context":"coffee"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"passes":true`)

	w = s.do(t, http.MethodPost, "/api/v1/reviews", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/reviews", `{"imageUrl":"broken"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, config.AuthModeNone, nil, nil)
	snap := s.createSession(t)
	base := "/api/v1/sessions/" + snap.ID
	assert.Equal(t, models.PhaseIdle, snap.Phase)
	assert.Equal(t, []string{}, snap.Queue)

	w := s.do(t, http.MethodPost, base+"/pick", `{}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, base+"/submit", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, base+"/submit", `{"text":"cold brew"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	snap = s.waitPhase(t, snap.ID, models.PhaseAwaiting)
	require.NotNil(t, snap.Ideation)
	assert.Equal(t, "ad for cold brew", snap.Ideation.PrimaryPrompt)

	w = s.do(t, http.MethodPost, base+"/queue", `{"concepts":["iced tea"," "]}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"iced tea"}, decode[session.Snapshot](t, w).Queue)

	w = s.do(t, http.MethodPut, base+"/settings", `{"model":"openai/gpt-image-1","aspect_ratio":"1:1"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	settings := decode[session.Snapshot](t, w).Settings
	assert.Equal(t, "openai/gpt-image-1", settings.Model)
	assert.Equal(t, synthesis.DefaultResolution, settings.Resolution)

	w = s.do(t, http.MethodPost, base+"/pick", `{}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	// the queued concept runs right after the picked prompt
	require.Eventually(t, func() bool {
		snap = decode[session.Snapshot](t, s.do(t, http.MethodGet, base, ""))
		return snap.Phase == models.PhaseIdle && !snap.Busy && len(snap.Queue) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.OutcomePassed, snap.LastOutcome)
	require.NotEmpty(t, snap.ChatID)

	var chats []models.Chat
	require.Eventually(t, func() bool {
		w = s.do(t, http.MethodGet, "/api/v1/chats", "")
		chats = decode[struct {
			Chats []models.Chat `json:"chats"`
		}](t, w).Chats
		return len(chats) == 1 && chats[0].ThumbnailURL != ""
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ad for cold brew", chats[0].Title)

	w = s.do(t, http.MethodGet, "/api/v1/chats/"+snap.ChatID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"checkpoints"`)

	w = s.do(t, http.MethodGet, "/api/v1/chats/"+snap.ChatID+"/transcript", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), `<img src="https://cdn.example.com/ad.png" alt="generated">`)

	w = s.do(t, http.MethodGet, "/api/v1/images", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "https://cdn.example.com/ad.png")

	w = s.do(t, http.MethodDelete, base, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodGet, base, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodDelete, "/api/v1/chats/"+snap.ChatID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodGet, "/api/v1/chats/"+snap.ChatID+"/transcript", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSession_QueueAndApprovalErrors(t *testing.T) {
	s := newTestServer(t, config.AuthModeNone, nil, nil)
	base := "/api/v1/sessions/" + s.createSession(t).ID

	w := s.do(t, http.MethodDelete, base+"/queue/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodDelete, base+"/queue/0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	s.do(t, http.MethodPost, base+"/queue", `{"concepts":["a","b"]}`)
	w = s.do(t, http.MethodDelete, base+"/queue/0", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"b"}, decode[session.Snapshot](t, w).Queue)

	w = s.do(t, http.MethodPost, base+"/approval", `{"approved":true}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, base+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"b"}, decode[session.Snapshot](t, w).Queue, "cancel keeps the queue")
}

func TestSession_ScopedToUser(t *testing.T) {
	s := newTestServer(t, config.AuthModeGateway, nil, nil)

	w := s.do(t, http.MethodPost, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/sessions", "", "X-User-ID", "alice")
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[session.Snapshot](t, w).ID

	w = s.do(t, http.MethodGet, "/api/v1/sessions/"+id, "", "X-User-ID", "bob")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodGet, "/api/v1/sessions/"+id, "", "X-User-ID", "alice")
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/sessions", `{"chatId":"missing"}`, "X-User-ID", "alice")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPersonas(t *testing.T) {
	s := newTestServer(t, config.AuthModeGateway, nil, nil)
	alice := []string{"X-User-ID", "alice"}

	w := s.do(t, http.MethodPost, "/api/v1/personas", `{"name":" Busy mom ","description":"35, two kids"}`, alice...)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[struct {
		Persona models.Persona `json:"persona"`
	}](t, w).Persona
	assert.Equal(t, "Busy mom", created.Name)
	assert.NotEmpty(t, created.ID)

	w = s.do(t, http.MethodPost, "/api/v1/personas", `{"name":"x","description":"   "}`, alice...)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/personas", "", alice...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[struct {
		Personas []models.Persona `json:"personas"`
	}](t, w).Personas, 1)

	w = s.do(t, http.MethodPost, "/api/v1/ideate", `{"concept":"cold brew"}`, alice...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"primaryPrompt":"ad for cold brew aimed at Busy mom"`)

	w = s.do(t, http.MethodDelete, "/api/v1/personas/"+created.ID, "", "X-User-ID", "bob")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodDelete, "/api/v1/personas/"+created.ID, "", alice...)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestSession_EventsSSE(t *testing.T) {
	s := newTestServer(t, config.AuthModeNone, nil, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	id := s.createSession(t).ID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/sessions/"+id+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	next := func() map[string]any {
		for scanner.Scan() {
			if payload, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
				var event map[string]any
				require.NoError(t, json.Unmarshal([]byte(payload), &event))
				return event
			}
		}
		t.Fatal("stream ended")
		return nil
	}

	first := next()
	assert.Equal(t, "snapshot", first["type"])

	w := s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/submit", `{"text":"cold brew"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var phases []any
	for len(phases) < 2 {
		event := next()
		if event["type"] == "phase" {
			phases = append(phases, event["data"].(map[string]any)["phase"])
		}
	}
	assert.Equal(t, []any{"ideating", "awaiting"}, phases)
}

func TestSession_EventsReplayFromCursor(t *testing.T) {
	s := newTestServer(t, config.AuthModeNone, nil, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	base := "/api/v1/sessions/" + s.createSession(t).ID

	s.do(t, http.MethodPost, base+"/queue", `{"concepts":["c"]}`)
	s.do(t, http.MethodPost, base+"/queue", `{"concepts":["d"]}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+base+"/events?cursor=1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var first string
	for scanner.Scan() {
		if payload, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			first = payload
			break
		}
	}
	var event map[string]any
	require.NoError(t, json.Unmarshal([]byte(first), &event))
	assert.Equal(t, "queue", event["type"], "no snapshot when resuming inside history")
	assert.EqualValues(t, 2, event["seq"])
	assert.Equal(t, []any{"c", "d"}, event["data"].(map[string]any)["queue"])

	w := s.do(t, http.MethodGet, base+"/events?cursor=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSession_Websocket(t *testing.T) {
	s := newTestServer(t, config.AuthModeNone, nil, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	id := s.createSession(t).ID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/sessions/"+id+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	read := func() map[string]any {
		_, data, err := ws.Read(ctx)
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}
	send := func(v any) {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, ws.Write(ctx, websocket.MessageText, data))
	}

	assert.Equal(t, "snapshot", read()["type"])

	send(map[string]any{"type": "nonsense"})
	ack := read()
	assert.Equal(t, "ack", ack["type"])
	assert.Equal(t, false, ack["ok"])
	assert.EqualValues(t, http.StatusBadRequest, ack["status"])

	send(map[string]any{"type": "submit", "text": "cold brew"})
	var sawAck, sawAwaiting bool
	for !sawAck || !sawAwaiting {
		msg := read()
		switch msg["type"] {
		case "ack":
			assert.Equal(t, true, msg["ok"])
			sawAck = true
		case "phase":
			if msg["data"].(map[string]any)["phase"] == "awaiting" {
				sawAwaiting = true
			}
		}
	}
}
