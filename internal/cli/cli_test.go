package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/tableforge/internal/utils/validator"
)

const samplePDF = "%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func fakeBackend(t *testing.T, finalStatus string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body any
		switch r.URL.Path {
		case "/api/documentupload_pdf":
			body = map[string]any{"Id": "doc-1"}
		case "/api/tasktrigger_task":
			body = map[string]any{"id": "task-1"}
		case "/api/taskfetch_output":
			if polls.Add(1) < 2 {
				body = map[string]any{"data": map[string]any{"status": "IN_PROCESS"}}
			} else {
				body = map[string]any{"data": map[string]any{
					"status": finalStatus,
					"output": map[string]any{"extracted_tables": []string{"invoice_items"}},
				}}
			}
		case "/api/chat_llm_query":
			body = map[string]any{"response": "Total is 42 over " + strings.Join(r.URL.Query()["table_names"], ",")}
		default:
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &polls
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	runQuestions = nil
	runPollInterval = 0
	baseURL = ""
	configPath = ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRunExtractsAndAsks(t *testing.T) {
	dir := t.TempDir()
	doc := writeFile(t, dir, "invoice.pdf", samplePDF)
	cfgPath := writeFile(t, dir, "config.yaml", "gateway:\n  max_attempts: 1\n")
	srv, polls := fakeBackend(t, "COMPLETED")

	out, err := execute(t, "run", doc,
		"--config", cfgPath,
		"--base-url", srv.URL+"/api",
		"--poll-interval", "10ms",
		"--ask", "What is the total?",
	)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, polls.Load(), int32(2))
	assert.Contains(t, out, "COMPLETED")
	assert.Contains(t, out, "1 tables extracted")
	assert.Contains(t, out, "invoice_items")
	assert.Contains(t, out, "Data is loaded from 1 tables.")
	assert.Contains(t, out, "Total is 42 over invoice_items")
}

func TestRunReportsBackendFailure(t *testing.T) {
	dir := t.TempDir()
	doc := writeFile(t, dir, "invoice.pdf", samplePDF)
	cfgPath := writeFile(t, dir, "config.yaml", "gateway:\n  max_attempts: 1\n")
	srv, _ := fakeBackend(t, "ERROR")

	out, err := execute(t, "run", doc,
		"--config", cfgPath,
		"--base-url", srv.URL+"/api",
		"--poll-interval", "10ms",
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FAILED")
	assert.Contains(t, out, "FAILED")
}

func TestRunRejectsDisallowedType(t *testing.T) {
	dir := t.TempDir()
	doc := writeFile(t, dir, "notes.txt", "just some text")
	cfgPath := writeFile(t, dir, "config.yaml", "")
	srv, polls := fakeBackend(t, "COMPLETED")

	_, err := execute(t, "run", doc, "--config", cfgPath, "--base-url", srv.URL+"/api")
	var verr *validator.Error
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Codes(), validator.CodeInvalidFileType)
	assert.Zero(t, polls.Load())
}

func TestPruneMemoryStorage(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", "storage:\n  type: memory\n")

	out, err := execute(t, "prune", "--config", cfgPath, "--older-than", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 0 documents")
}

func TestPruneRejectsNonPositiveCutoff(t *testing.T) {
	_, err := execute(t, "prune", "--older-than", "0s")
	require.Error(t, err)
	pruneOlderThan = 7 * 24 * time.Hour
}
