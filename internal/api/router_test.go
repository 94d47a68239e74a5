package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printhook/internal/archive"
	"github.com/orrn/printhook/internal/config"
	"github.com/orrn/printhook/internal/core"
	"github.com/orrn/printhook/internal/printer"
	"github.com/orrn/printhook/internal/spool"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBackend struct {
	mu        sync.Mutex
	submitted []printer.Document
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Printers(context.Context) ([]printer.PrinterInfo, error) {
	return []printer.PrinterInfo{
		{Name: "P1", IsDefault: true, IsOnline: true, Status: "idle"},
		{Name: "P2", IsOnline: true, Status: "idle"},
	}, nil
}

func (b *fakeBackend) DefaultPrinter(context.Context) (string, error) { return "P1", nil }

func (b *fakeBackend) Submit(_ context.Context, doc printer.Document) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted = append(b.submitted, doc)
	return doc.Printer + "-" + string(rune('0'+len(b.submitted))), nil
}

type envelope struct {
	Success bool            `json:"success"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	router  *gin.Engine
	backend *fakeBackend
	queue   *core.Queue
}

func newTestServer(t *testing.T, auth config.AuthConfig, runDispatcher bool) *testServer {
	t.Helper()

	backend := &fakeBackend{}
	manager := printer.NewManager(backend, "", nil)
	queue := core.NewQueue(core.NewMemoryStore(), config.QueueConfig{
		MaxAttempts:        3,
		BackoffBase:        time.Millisecond,
		JobTimeout:         time.Second,
		PollInterval:       10 * time.Millisecond,
		CompletedRetention: time.Hour,
		FailedRetention:    24 * time.Hour,
	}, nil, nil, nil)

	if runDispatcher {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			core.NewDispatcher(queue, manager, nil).Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	archiver, err := archive.NewArchiver(archive.ArchiveConfig{ArchivePath: t.TempDir()}, nil)
	require.NoError(t, err)

	router := NewRouter(RouterDeps{
		Service:  spool.NewService(queue, manager, nil),
		Archiver: archiver,
		Auth:     auth,
	})
	return &testServer{router: router, backend: backend, queue: queue}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func TestPrintText_CompletesOnDefaultPrinter(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{}, true)

	w, env := s.do(t, http.MethodPost, "/api/print/text", map[string]any{"text": "Hello"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.True(t, env.Success)

	var submitted spool.SubmitResult
	require.NoError(t, json.Unmarshal(env.Data, &submitted))
	require.NotEmpty(t, submitted.RequestID)
	assert.Equal(t, submitted.RequestID, submitted.JobID)

	var status core.JobStatus
	require.Eventually(t, func() bool {
		w, env := s.do(t, http.MethodGet, "/api/print/job/status?jobId="+submitted.RequestID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(env.Data, &status); err != nil {
			return false
		}
		return status.State == core.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 100, status.Progress)
	require.NotNil(t, status.Result)
	assert.True(t, status.Result.Success)
	assert.Equal(t, "P1", status.Result.Printer)
	assert.NotEmpty(t, status.Result.JobID)

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	require.Len(t, s.backend.submitted, 1)
	assert.Equal(t, []byte("Hello"), s.backend.submitted[0].Data)
	assert.Equal(t, 1, s.backend.submitted[0].Copies)
}

func TestPrintPDF(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{}, false)
	pdf := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4\n%%EOF\n"))

	w, env := s.do(t, http.MethodPost, "/api/print/pdf", map[string]any{
		"pdfData":     pdf,
		"printerName": "P2",
		"copies":      2,
		"paperSize":   "LETTER",
		"orientation": "landscape",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var submitted spool.SubmitResult
	require.NoError(t, json.Unmarshal(env.Data, &submitted))
	assert.Equal(t, 2, submitted.EstimatedPosition)

	w, env = s.do(t, http.MethodGet, "/api/print/queue/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var counts map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &counts))
	assert.EqualValues(t, 1, counts["waiting"])
	assert.EqualValues(t, 0, counts["active"])
}

func TestPrintPDF_ValidationErrors(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{}, false)

	tests := []struct {
		name string
		body any
	}{
		{name: "missing pdfData", body: map[string]any{}},
		{name: "invalid base64", body: map[string]any{"pdfData": "not base64 !!"}},
		{name: "bad paper size", body: map[string]any{"pdfData": base64.StdEncoding.EncodeToString([]byte("%PDF-1.4")), "paperSize": "B5"}},
		{name: "copies wrong type", body: map[string]any{"pdfData": "JVBERi0=", "copies": "two"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := s.do(t, http.MethodPost, "/api/print/pdf", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.False(t, env.Success)
		})
	}

	st, err := s.queue.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Total())
}

func TestPrintText_Empty(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{}, false)

	w, env := s.do(t, http.MethodPost, "/api/print/text", map[string]any{"text": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"text"`)
	assert.False(t, env.Success)
}

func TestJobStatus_NotFound(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{}, false)

	for _, path := range []string{"/api/print/job/status?jobId=nope", "/api/print/job/status"} {
		w, env := s.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.False(t, env.Success)
		assert.Equal(t, "null", string(env.Data))
	}
}

func TestListPrinters(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{}, false)

	w, env := s.do(t, http.MethodGet, "/api/print/printers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list spool.PrinterList
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list.Printers, 2)
	assert.Equal(t, "P1", list.Printers[0].Name)
	require.NotNil(t, list.Default)
	assert.Equal(t, "P1", *list.Default)
}

func TestCleanQueue(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{}, false)

	w, env := s.do(t, http.MethodPost, "/api/print/queue/clean", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
	assert.JSONEq(t, `{"completed":0,"failed":0}`, string(env.Data))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{Enabled: true, JWTSecret: "s"}, false)

	for _, path := range []string{"/api/print/health", "/health"} {
		w, env := s.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, env.Success)
		assert.Equal(t, "healthy", env.Status)

		var report map[string]any
		require.NoError(t, json.Unmarshal(env.Data, &report))
		assert.Equal(t, "PrintHook", report["service"])
		assert.Contains(t, report, "queue")
		assert.Contains(t, report, "printers")
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{Enabled: true, JWTSecret: "secret"}, false)

	w, _ := s.do(t, http.MethodGet, "/api/print/queue/status", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	w, env := s.do(t, http.MethodGet, "/api/print/queue/status", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
}

func TestArchives(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{}, false)

	w, env := s.do(t, http.MethodGet, "/api/print/archives", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(string(env.Data), `"count":0`))

	w, _ = s.do(t, http.MethodGet, "/api/print/archives/archive_1999_01.db", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhooks_NoneConfigured(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{}, false)

	w, env := s.do(t, http.MethodGet, "/api/print/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"webhooks":[],"count":0}`, string(env.Data))

	w, _ = s.do(t, http.MethodPost, "/api/print/webhooks/0/test", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/print/webhooks/x/test", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettings_HidesSecrets(t *testing.T) {
	cfg := config.LoadFromEnv()
	cfg.Auth = config.AuthConfig{Enabled: false, JWTSecret: "top-secret"}
	router := NewRouter(RouterDeps{
		Service: spool.NewService(core.NewQueue(core.NewMemoryStore(), cfg.Queue, nil, nil, nil), printer.NewManager(&fakeBackend{}, "", nil), nil),
		Config:  cfg,
		Auth:    cfg.Auth,
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/print/settings", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "top-secret")
	assert.Contains(t, w.Body.String(), `"max_attempts":3`)
}
