package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitk/bitk/internal/common/config"
	"github.com/bitk/bitk/internal/common/logger"
	"github.com/bitk/bitk/internal/db"
	"github.com/bitk/bitk/internal/engine"
	"github.com/bitk/bitk/internal/engine/echo"
	"github.com/bitk/bitk/internal/events"
	"github.com/bitk/bitk/internal/events/bus"
	"github.com/bitk/bitk/internal/events/scoped"
	"github.com/bitk/bitk/internal/issue"
	"github.com/bitk/bitk/internal/issue/models"
	"github.com/bitk/bitk/internal/issue/repository/sqlite"
	v1 "github.com/bitk/bitk/pkg/api/v1"
)

type gatewayEnv struct {
	server *Server
	svc    *issue.Service
	repo   *sqlite.Repository
	bus    *bus.MemoryEventBus
	cfg    *config.Config
}

func newGatewayEnv(t *testing.T, runtimeEnabled bool) *gatewayEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	pool, err := db.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	repo, err := sqlite.New(pool)
	require.NoError(t, err)

	registry := engine.NewRegistry(log)
	registry.Register(echo.New(log))

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	cfg := &config.Config{
		Service: config.ServiceConfig{Name: "bitk"},
		Server:  config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Engine: config.EngineConfig{
			MaxConcurrent:         4,
			MaxLogEntries:         1000,
			ReconcileInterval:     60,
			DefaultPermissionMode: "auto",
		},
		Workspace: config.WorkspaceConfig{RootPath: "/"},
		Runtime:   config.RuntimeConfig{Enabled: runtimeEnabled},
	}

	svc := issue.NewService(cfg, repo, registry, memBus, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})

	sub := scoped.NewSubscriber(memBus, svc, log)
	return &gatewayEnv{
		server: New(cfg, svc, sub, log),
		svc:    svc,
		repo:   repo,
		bus:    memBus,
		cfg:    cfg,
	}
}

func (e *gatewayEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) (bool, map[string]interface{}, string) {
	t.Helper()
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	var data map[string]interface{}
	if len(envelope.Data) > 0 && envelope.Data[0] == '{' {
		require.NoError(t, json.Unmarshal(envelope.Data, &data))
	}
	return envelope.Success, data, envelope.Error
}

func TestHealthEnvelope(t *testing.T) {
	env := newGatewayEnv(t, false)
	w := env.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	success, data, _ := decodeEnvelope(t, w)
	assert.True(t, success)
	assert.Equal(t, "ok", data["status"])
}

func TestServiceInfo(t *testing.T) {
	env := newGatewayEnv(t, false)
	w := env.do(t, http.MethodGet, "/api/v1/info", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	success, data, _ := decodeEnvelope(t, w)
	assert.True(t, success)
	assert.Equal(t, "bitk", data["name"])
}

func TestErrorStatusMapping(t *testing.T) {
	env := newGatewayEnv(t, false)

	// Unknown issue maps to 404.
	w := env.do(t, http.MethodGet, "/api/v1/issues/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	success, _, message := decodeEnvelope(t, w)
	assert.False(t, success)
	assert.NotEmpty(t, message)

	// Malformed body maps to 400.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Executing an issue parked in todo maps to 400 validation.
	project := createProject(t, env, "web")
	issueID := createIssue(t, env, project, "Todo item", "todo")
	w = env.do(t, http.MethodPost, "/api/v1/issues/"+issueID+"/execute", v1.ExecuteIssueRequest{
		EngineType: engine.TypeEcho,
		Prompt:     "go",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func createProject(t *testing.T, env *gatewayEnv, alias string) string {
	t.Helper()
	w := env.do(t, http.MethodPost, "/api/v1/projects", v1.CreateProjectRequest{
		Name:      "Project " + alias,
		Alias:     alias,
		Directory: t.TempDir(),
	})
	require.Equal(t, http.StatusCreated, w.Code)
	_, data, _ := decodeEnvelope(t, w)
	id, _ := data["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func createIssue(t *testing.T, env *gatewayEnv, projectID, title, status string) string {
	t.Helper()
	w := env.do(t, http.MethodPost, "/api/v1/issues", v1.CreateIssueRequest{
		ProjectID: projectID,
		Title:     title,
		Status:    status,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	_, data, _ := decodeEnvelope(t, w)
	id, _ := data["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestProjectAliasResolution(t *testing.T) {
	env := newGatewayEnv(t, false)
	id := createProject(t, env, "backend")

	// Project fetch works by alias as well as by id.
	w := env.do(t, http.MethodGet, "/api/v1/projects/backend", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	_, data, _ := decodeEnvelope(t, w)
	assert.Equal(t, id, data["id"])

	createIssue(t, env, id, "First issue", "")
	w = env.do(t, http.MethodGet, "/api/v1/projects/backend/issues", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var envelope struct {
		Success bool                     `json:"success"`
		Data    []map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 1)
	assert.Equal(t, "First issue", envelope.Data[0]["title"])
}

func TestIssueStatusValidation(t *testing.T) {
	env := newGatewayEnv(t, false)
	project := createProject(t, env, "val")

	w := env.do(t, http.MethodPost, "/api/v1/issues", v1.CreateIssueRequest{
		ProjectID: project,
		Title:     "Bad status",
		Status:    "archived",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	env := newGatewayEnv(t, false)

	w := env.do(t, http.MethodPut, "/api/v1/settings/"+models.SettingWorkspaceDefaultPath,
		v1.UpdateSettingRequest{Value: "/workspaces"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/settings/"+models.SettingWorkspaceDefaultPath, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	_, data, _ := decodeEnvelope(t, w)
	assert.Equal(t, "/workspaces", data["value"])
}

func TestRuntimeEndpointGated(t *testing.T) {
	env := newGatewayEnv(t, false)
	w := env.do(t, http.MethodGet, "/api/v1/runtime/stats", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	enabled := newGatewayEnv(t, true)
	w = enabled.do(t, http.MethodGet, "/api/v1/runtime/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	_, data, _ := decodeEnvelope(t, w)
	assert.Equal(t, float64(0), data["processes"])
}

func TestRuntimeNormalizeReplay(t *testing.T) {
	env := newGatewayEnv(t, true)
	w := env.do(t, http.MethodPost, "/api/v1/runtime/normalize", v1.NormalizeRequest{
		EngineType: engine.TypeEcho,
		Line:       "[done]",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	_, data, _ := decodeEnvelope(t, w)
	assert.Equal(t, string(engine.EntrySystemMessage), data["entryType"])
}

func TestSSEStream(t *testing.T) {
	env := newGatewayEnv(t, false)
	projectID := createProject(t, env, "sse")

	issue := &models.Issue{ProjectID: projectID, Title: "Streamed", Status: v1.IssueStatusWorking}
	require.NoError(t, env.repo.CreateIssue(context.Background(), issue))

	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events?projectId=sse")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	// Give the subscription time to attach before publishing.
	time.Sleep(50 * time.Millisecond)

	ev := bus.NewEvent(events.EventIssueState, events.SourceEngine, map[string]interface{}{
		"issue_id":     issue.ID,
		"execution_id": "exec-1",
		"state":        "running",
	})
	require.NoError(t, env.bus.Publish(context.Background(), events.BuildIssueStateSubject(issue.ID), ev))

	frames := make(chan string, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if line != "" {
				frames <- line
			}
		}
	}()

	var eventLine, dataLine string
	deadline := time.After(5 * time.Second)
	for eventLine == "" || dataLine == "" {
		select {
		case line := <-frames:
			if strings.HasPrefix(line, "event: ") {
				eventLine = line
			}
			if strings.HasPrefix(line, "data: ") {
				dataLine = line
			}
		case <-deadline:
			t.Fatal("timed out waiting for SSE frame")
		}
	}

	assert.Equal(t, "event: state", eventLine)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &payload))
	assert.Equal(t, issue.ID, payload["issue_id"])
	assert.Equal(t, "running", payload["state"])
}

func TestSSEHeartbeat(t *testing.T) {
	old := heartbeatInterval
	heartbeatInterval = 30 * time.Millisecond
	t.Cleanup(func() { heartbeatInterval = old })

	env := newGatewayEnv(t, false)
	createProject(t, env, "idle")

	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events?projectId=idle")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// No events are published; the idle stream must still emit heartbeats.
	found := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if strings.HasPrefix(scanner.Text(), "event: ") {
				found <- scanner.Text()
				return
			}
		}
	}()

	select {
	case line := <-found:
		assert.Equal(t, "event: heartbeat", line)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for heartbeat frame")
	}
}

func TestSSERequiresProject(t *testing.T) {
	env := newGatewayEnv(t, false)

	w := env.do(t, http.MethodGet, "/events", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/events?projectId=nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newGatewayEnv(t, false)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/projects", nil)
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLoggerPathFallback(t *testing.T) {
	env := newGatewayEnv(t, false)
	w := env.do(t, http.MethodGet, fmt.Sprintf("/no/such/route/%d", time.Now().UnixNano()), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
