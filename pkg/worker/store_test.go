package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/tableforge/internal/models"
	"github.com/feichai0017/tableforge/internal/service/orchestrator"
	"github.com/feichai0017/tableforge/internal/store"
	"github.com/feichai0017/tableforge/pkg/gateway"
	"github.com/feichai0017/tableforge/pkg/logger"
	"github.com/feichai0017/tableforge/pkg/queue"
	"github.com/feichai0017/tableforge/pkg/storage/memory"
)

// flakyBackend rejects uploads of files whose name starts with "bad".
type flakyBackend struct{}

func (flakyBackend) UploadDocument(_ context.Context, filename string, _ []byte) (string, error) {
	if strings.HasPrefix(filename, "bad") {
		return "", errors.New("[API Error] Service Unavailable")
	}
	return "doc-" + filename, nil
}

func (flakyBackend) TriggerTask(_ context.Context, docID string) (string, error) {
	return "task-" + docID, nil
}

func (flakyBackend) FetchOutput(context.Context, string) (gateway.TaskReport, error) {
	return gateway.TaskReport{Status: "COMPLETED", Output: &models.Output{ExtractedTables: []string{"t1"}}}, nil
}

func TestSettledJobsLeaveStoreEmpty(t *testing.T) {
	s := store.New()
	orch := orchestrator.New(s, flakyBackend{}, nil, orchestrator.Config{
		PollInterval: time.Millisecond,
		MaxPolls:     5,
	}, logger.NewNop())
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	sources := memory.New()
	_, err := sources.Put(context.Background(), "sources/x/doc.pdf", bytes.NewReader([]byte("%PDF-1.4")), 8, "application/pdf")
	require.NoError(t, err)

	saver := &recordingSaver{}
	h := NewExtractionHandler(orch, sources, saver, false, logger.NewNop())

	const jobs = 20
	for i := 0; i < jobs; i++ {
		name := fmt.Sprintf("good-%d.pdf", i)
		if i%2 == 1 {
			name = fmt.Sprintf("bad-%d.pdf", i)
		}
		task, err := queue.NewExtractTask(&queue.Job{
			ID: fmt.Sprintf("job-%d", i), Filename: name, ObjectKey: "sources/x/doc.pdf",
		}, 3, 0)
		require.NoError(t, err)

		err = h.ProcessTask(context.Background(), task)
		if i%2 == 1 {
			assert.Error(t, err)
		} else {
			assert.NoError(t, err)
		}
	}

	assert.Equal(t, 0, s.Len())
	assert.Equal(t, "retrying", saver.last().Status)
}
