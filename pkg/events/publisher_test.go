package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/tableforge/internal/models"
	"github.com/feichai0017/tableforge/internal/store"
	"github.com/feichai0017/tableforge/pkg/logger"
)

type memorySink struct {
	mu        sync.Mutex
	published []Event
	mirrored  map[string]time.Duration
}

func newMemorySink() *memorySink {
	return &memorySink{mirrored: make(map[string]time.Duration)}
}

func (m *memorySink) Publish(_ context.Context, _ string, payload []byte) error {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	m.mu.Lock()
	m.published = append(m.published, ev)
	m.mu.Unlock()
	return nil
}

func (m *memorySink) Mirror(_ context.Context, key string, _ []byte, ttl time.Duration) error {
	m.mu.Lock()
	m.mirrored[key] = ttl
	m.mu.Unlock()
	return nil
}

func (m *memorySink) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.published))
	for _, ev := range m.published {
		out = append(out, ev.Type+":"+ev.Task.ID)
	}
	return out
}

func TestDiffEmitsCreateUpdateRemove(t *testing.T) {
	s := store.New()
	p := NewPublisher(s, newMemorySink(), "ch", time.Hour, logger.NewTestLogger())

	require.NoError(t, s.Insert(models.Task{ID: "a", Filename: "a.pdf", Status: models.StatusUploading}))
	require.NoError(t, s.Insert(models.Task{ID: "b", Filename: "b.pdf", Status: models.StatusUploading}))

	events := p.diff(s.Snapshot())
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Task.ID)
	assert.Equal(t, TypeCreated, events[0].Type)

	assert.Empty(t, p.diff(s.Snapshot()))

	_, err := s.Transition("a", models.StatusReadyToTrigger, nil)
	require.NoError(t, err)
	s.Remove("b")

	events = p.diff(s.Snapshot())
	require.Len(t, events, 2)
	assert.Equal(t, TypeUpdated, events[0].Type)
	assert.Equal(t, models.StatusReadyToTrigger, events[0].Task.Status)
	assert.Equal(t, TypeRemoved, events[1].Type)
	assert.Equal(t, "b", events[1].Task.ID)
}

func TestRunPublishesAndMirrorsTerminalTasks(t *testing.T) {
	s := store.New()
	sink := newMemorySink()
	p := NewPublisher(s, sink, "ch", 24*time.Hour, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.NoError(t, s.Insert(models.Task{ID: "a", Filename: "a.pdf", Status: models.StatusInProcess}))
	require.Eventually(t, func() bool { return len(sink.types()) == 1 }, time.Second, time.Millisecond)

	_, err := s.Transition("a", models.StatusCompleted, func(t *models.Task) {
		t.Output = &models.Output{ExtractedTables: []string{"t1"}}
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sink.types()) == 2 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"task.created:a", "task.updated:a"}, sink.types())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 24*time.Hour, sink.mirrored[keyPrefix+"a"])
	assert.Len(t, sink.mirrored, 1)
}
