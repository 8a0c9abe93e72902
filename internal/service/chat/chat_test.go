package chat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/tableforge/internal/models"
	"github.com/feichai0017/tableforge/internal/store"
	"github.com/feichai0017/tableforge/pkg/logger"
)

type fakeQuerier struct {
	calls  int32
	tables []string
	answer func(q string) (string, error)
}

func (f *fakeQuerier) ChatQuery(_ context.Context, q string, tables []string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	f.tables = tables
	if f.answer == nil {
		return "answer to " + q, nil
	}
	return f.answer(q)
}

func completedTask(id string, tables ...string) models.Task {
	return models.Task{
		ID:       id,
		Filename: id + ".pdf",
		Status:   models.StatusCompleted,
		Output:   &models.Output{ExtractedTables: tables},
	}
}

func TestAskWithoutSourceIsInert(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Insert(models.Task{ID: "p", Filename: "p.pdf", Status: models.StatusInProcess}))
	require.NoError(t, s.Insert(completedTask("empty")))
	q := &fakeQuerier{}
	sess := NewSession(s, q, logger.NewTestLogger())

	_, err := sess.Ask(context.Background(), "anything?")
	assert.ErrorIs(t, err, ErrNoDataSource)
	assert.Equal(t, int32(0), atomic.LoadInt32(&q.calls))
	assert.Empty(t, sess.Messages())
}

func TestAskAppendsTurns(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Insert(completedTask("a", "sales", "costs")))
	q := &fakeQuerier{}
	sess := NewSession(s, q, nil)

	reply, err := sess.Ask(context.Background(), "  total?  ")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAssistant, reply.Role)
	assert.Equal(t, "answer to total?", reply.Content)
	assert.Equal(t, []string{"sales", "costs"}, q.tables)

	msgs := sess.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Equal(t, `Data is loaded from 2 tables. Ask a question (e.g., "What is the total gross worth from all tables?").`, msgs[0].Content)
	assert.Equal(t, models.RoleUser, msgs[1].Role)
	assert.Equal(t, "total?", msgs[1].Content)
	assert.Equal(t, reply.ID, msgs[2].ID)
}

func TestAskFailureAppendsErrorTurn(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Insert(completedTask("a", "t1")))
	q := &fakeQuerier{answer: func(string) (string, error) { return "", errors.New("model offline") }}
	sess := NewSession(s, q, nil)

	reply, err := sess.Ask(context.Background(), "why?")
	require.Error(t, err)
	assert.Equal(t, models.RoleError, reply.Role)
	assert.Equal(t, "LLM Query Failed: model offline", reply.Content)

	msgs := sess.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, models.RoleError, msgs[2].Role)
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Insert(completedTask("a", "t1")))
	sess := NewSession(s, &fakeQuerier{}, nil)

	_, err := sess.Ask(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyQuestion)
	assert.Len(t, sess.Messages(), 1)
}

func TestAskSingleFlight(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Insert(completedTask("a", "t1")))
	entered := make(chan struct{})
	release := make(chan struct{})
	q := &fakeQuerier{answer: func(string) (string, error) {
		close(entered)
		<-release
		return "ok", nil
	}}
	sess := NewSession(s, q, nil)

	done := make(chan error, 1)
	go func() {
		_, err := sess.Ask(context.Background(), "first")
		done <- err
	}()
	<-entered

	_, err := sess.Ask(context.Background(), "second")
	assert.ErrorIs(t, err, ErrQueryInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, sess.Messages(), 3)
}

func TestNewestCompletedTaskIsSource(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Insert(completedTask("old", "t_old")))
	require.NoError(t, s.Insert(models.Task{ID: "failed", Filename: "f.pdf", Status: models.StatusFailed}))
	require.NoError(t, s.Insert(completedTask("new", "t_new1", "t_new2")))
	sess := NewSession(s, &fakeQuerier{}, nil)

	src, ok := sess.Source()
	require.True(t, ok)
	assert.Equal(t, "new", src.ID)
}

func TestTranscriptResetsWhenSourceChanges(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Insert(completedTask("a", "t1")))
	sess := NewSession(s, &fakeQuerier{}, nil)

	_, err := sess.Ask(context.Background(), "q1")
	require.NoError(t, err)
	require.Len(t, sess.Messages(), 3)

	require.NoError(t, s.Insert(completedTask("b", "x", "y", "z")))
	msgs := sess.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "3 tables")

	s.Remove("b")
	s.Remove("a")
	assert.Empty(t, sess.Messages())

	_, err = sess.Ask(context.Background(), "q2")
	assert.ErrorIs(t, err, ErrNoDataSource)
}

func TestRunClearsTranscriptInBackground(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Insert(completedTask("a", "t1")))
	sess := NewSession(s, &fakeQuerier{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	require.Eventually(t, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return len(sess.messages) == 1
	}, time.Second, time.Millisecond)

	s.Remove("a")
	assert.Eventually(t, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return len(sess.messages) == 0 && sess.sourceID == ""
	}, time.Second, time.Millisecond)
}
