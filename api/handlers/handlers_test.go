package handlers_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/tableforge/api/handlers"
	"github.com/feichai0017/tableforge/api/routes"
	"github.com/feichai0017/tableforge/internal/models"
	"github.com/feichai0017/tableforge/internal/service/chat"
	"github.com/feichai0017/tableforge/internal/service/orchestrator"
	"github.com/feichai0017/tableforge/internal/store"
	"github.com/feichai0017/tableforge/internal/utils/validator"
	"github.com/feichai0017/tableforge/pkg/gateway"
	"github.com/feichai0017/tableforge/pkg/logger"
)

type stubBackend struct {
	uploadGate chan struct{}
}

func (s *stubBackend) UploadDocument(context.Context, string, []byte) (string, error) {
	if s.uploadGate != nil {
		<-s.uploadGate
	}
	return "doc-1", nil
}

func (s *stubBackend) TriggerTask(context.Context, string) (string, error) {
	return "task-1", nil
}

func (s *stubBackend) FetchOutput(context.Context, string) (gateway.TaskReport, error) {
	return gateway.TaskReport{Status: "COMPLETED", Output: &models.Output{ExtractedTables: []string{"sales"}}}, nil
}

func (s *stubBackend) ChatQuery(_ context.Context, q string, tables []string) (string, error) {
	return q + " over " + strings.Join(tables, ","), nil
}

type testServer struct {
	engine *gin.Engine
	store  *store.Store
	orch   *orchestrator.Orchestrator
}

func newTestServer(t *testing.T, backend *stubBackend) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.NewTestLogger()
	s := store.New()
	orch := orchestrator.New(s, backend, validator.NewDocumentValidator(log, nil),
		orchestrator.Config{PollInterval: time.Millisecond, MaxPolls: 10}, log)
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	r := gin.New()
	h := handlers.NewHandlers(orch, s, chat.NewSession(s, backend, log), validator.DefaultMaxFileSize, log)
	routes.SetupRoutes(r, h, log)
	return &testServer{engine: r, store: s, orch: orch}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, filename, contentType string, content []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	h := make(map[string][]string)
	h["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
	h["Content-Type"] = []string{contentType}
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

var samplePDF = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n%%EOF\n")

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &stubBackend{})
	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestUploadTriggerAndChatFlow(t *testing.T) {
	ts := newTestServer(t, &stubBackend{})

	w := ts.do(uploadRequest(t, "report.pdf", "application/pdf", samplePDF))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	created := decode[models.Task](t, w)
	assert.Equal(t, models.StatusUploading, created.Status)

	require.Eventually(t, func() bool {
		task, _ := ts.store.Get(created.ID)
		return task.Status == models.StatusReadyToTrigger
	}, time.Second, time.Millisecond)

	w = ts.do(httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+created.ID+"/trigger", nil))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, models.StatusPending, decode[models.Task](t, w).Status)

	require.Eventually(t, func() bool {
		task, _ := ts.store.Get(created.ID)
		return task.Status == models.StatusCompleted
	}, time.Second, time.Millisecond)

	w = ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+created.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	fetched := decode[models.Task](t, w)
	assert.Equal(t, []string{"sales"}, fetched.Tables())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"question":"total?"}`))
	req.Header.Set("Content-Type", "application/json")
	w = ts.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	reply := decode[models.Message](t, w)
	assert.Equal(t, models.RoleAssistant, reply.Role)
	assert.Equal(t, "total? over sales", reply.Content)

	w = ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/chat/messages", nil))
	msgs := decode[handlers.MessagesResponse](t, w)
	assert.Equal(t, created.ID, msgs.Source)
	assert.Len(t, msgs.Messages, 3)
}

func TestResumeRestartsOrphanedPolling(t *testing.T) {
	ts := newTestServer(t, &stubBackend{})
	require.NoError(t, ts.store.Insert(models.Task{
		ID: "orphan", Filename: "old.pdf", DocID: "doc-9", TaskID: "task-9", Status: models.StatusInProcess,
	}))
	require.NoError(t, ts.store.Insert(models.Task{ID: "idle", Filename: "new.pdf", Status: models.StatusReadyToTrigger}))

	w := ts.do(httptest.NewRequest(http.MethodPost, "/api/v1/tasks/resume", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[handlers.ResumeResponse](t, w).Resumed)

	require.Eventually(t, func() bool {
		task, _ := ts.store.Get("orphan")
		return task.Status == models.StatusCompleted
	}, time.Second, time.Millisecond)

	idle, _ := ts.store.Get("idle")
	assert.Equal(t, models.StatusReadyToTrigger, idle.Status)
}

func TestUploadValidationError(t *testing.T) {
	ts := newTestServer(t, &stubBackend{})

	w := ts.do(uploadRequest(t, "photo.png", "image/png", []byte("\x89PNG\r\n\x1a\n")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[handlers.ErrorResponse](t, w)
	assert.Equal(t, "Upload rejected", resp.Message)
	assert.Contains(t, w.Body.String(), validator.CodeInvalidFileType)
	assert.Equal(t, 0, ts.store.Len())
}

func TestUploadWithoutFile(t *testing.T) {
	ts := newTestServer(t, &stubBackend{})
	w := ts.do(httptest.NewRequest(http.MethodPost, "/api/v1/tasks", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadWhileBusyConflicts(t *testing.T) {
	gate := make(chan struct{})
	ts := newTestServer(t, &stubBackend{uploadGate: gate})
	defer close(gate)

	w := ts.do(uploadRequest(t, "a.pdf", "application/pdf", samplePDF))
	require.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(uploadRequest(t, "b.pdf", "application/pdf", samplePDF))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/guard", nil))
	resp := decode[handlers.GuardResponse](t, w)
	assert.True(t, resp.Busy)
	require.NotNil(t, resp.Holder)
	assert.Equal(t, "a.pdf", resp.Holder.Filename)
}

func TestTriggerErrors(t *testing.T) {
	ts := newTestServer(t, &stubBackend{})
	require.NoError(t, ts.store.Insert(models.Task{ID: "done", Filename: "d.pdf", Status: models.StatusCompleted}))

	w := ts.do(httptest.NewRequest(http.MethodPost, "/api/v1/tasks/missing/trigger", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(httptest.NewRequest(http.MethodPost, "/api/v1/tasks/done/trigger", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListAndDeleteTasks(t *testing.T) {
	ts := newTestServer(t, &stubBackend{})
	require.NoError(t, ts.store.Insert(models.Task{ID: "a", Filename: "a.pdf", Status: models.StatusUploadFailed}))
	require.NoError(t, ts.store.Insert(models.Task{ID: "b", Filename: "b.pdf", Status: models.StatusReadyToTrigger}))

	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))
	list := decode[handlers.TaskListResponse](t, w)
	require.Len(t, list.Tasks, 2)
	assert.Equal(t, "b", list.Tasks[0].ID)
	assert.False(t, list.Busy)

	w = ts.do(httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/a", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"a","success":true}`, w.Body.String())

	w = ts.do(httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/a", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/tasks/a", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChatWithoutSourceConflicts(t *testing.T) {
	ts := newTestServer(t, &stubBackend{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"question":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	w := ts.do(req)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/chat/messages", nil))
	resp := decode[handlers.MessagesResponse](t, w)
	assert.Empty(t, resp.Messages)
	assert.Empty(t, resp.Source)
}

func TestStreamSendsSnapshots(t *testing.T) {
	ts := newTestServer(t, &stubBackend{})
	require.NoError(t, ts.store.Insert(models.Task{ID: "a", Filename: "a.pdf", Status: models.StatusUploadFailed}))

	srv := httptest.NewServer(ts.engine)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/tasks/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)
	readEvent := func() handlers.TaskListResponse {
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimPrefix(line, "event:")
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimPrefix(line, "data:")
			case line == "" && data != "":
				assert.Equal(t, "tasks", event)
				var out handlers.TaskListResponse
				require.NoError(t, json.Unmarshal([]byte(data), &out))
				return out
			}
		}
	}

	first := readEvent()
	require.Len(t, first.Tasks, 1)

	require.NoError(t, ts.store.Insert(models.Task{ID: "b", Filename: "b.pdf", Status: models.StatusUploadFailed}))
	second := readEvent()
	assert.Len(t, second.Tasks, 2)
}
