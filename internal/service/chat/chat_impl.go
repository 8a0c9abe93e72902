// Package chat keeps the conversational query transcript over the tables of
// the newest completed task.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/tableforge/internal/models"
	"github.com/feichai0017/tableforge/internal/store"
	"github.com/feichai0017/tableforge/pkg/logger"
)

const errorPrefix = "LLM Query Failed: "

type Session struct {
	store   *store.Store
	querier Querier
	logger  logger.Logger
	now     func() time.Time

	mu         sync.Mutex
	sourceID   string
	tables     []string
	messages   []models.Message
	generation uint64
	inFlight   bool
}

var _ Service = (*Session)(nil)

func NewSession(s *store.Store, q Querier, log logger.Logger) *Session {
	if log == nil {
		log = logger.NewNop()
	}
	return &Session{
		store:   s,
		querier: q,
		logger:  log.Named("chat"),
		now:     time.Now,
	}
}

// activeSource returns the first task in store order that completed with at
// least one table.
func activeSource(tasks []models.Task) (models.Task, bool) {
	for _, t := range tasks {
		if len(t.Tables()) > 0 {
			return t, true
		}
	}
	return models.Task{}, false
}

// Source returns the active data source.
func (s *Session) Source() (models.Task, bool) {
	return activeSource(s.store.Snapshot())
}

// Messages returns a copy of the transcript, refreshed against the store.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked()
	return append([]models.Message(nil), s.messages...)
}

// Ask appends the question to the transcript, queries the backend with all
// table names of the active source and appends the answer or an error turn.
// The returned message is the appended reply.
func (s *Session) Ask(ctx context.Context, question string) (models.Message, error) {
	question = strings.TrimSpace(question)

	s.mu.Lock()
	s.syncLocked()
	switch {
	case s.sourceID == "":
		s.mu.Unlock()
		return models.Message{}, ErrNoDataSource
	case question == "":
		s.mu.Unlock()
		return models.Message{}, ErrEmptyQuestion
	case s.inFlight:
		s.mu.Unlock()
		return models.Message{}, ErrQueryInFlight
	}
	s.inFlight = true
	gen := s.generation
	tables := append([]string(nil), s.tables...)
	s.appendLocked(models.RoleUser, question)
	s.mu.Unlock()

	answer, err := s.querier.ChatQuery(ctx, question, tables)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false

	var reply models.Message
	if err != nil {
		s.logger.Warn("Query failed", logger.String("localId", s.sourceID), logger.Error(err))
		reply = s.newMessage(models.RoleError, errorPrefix+err.Error())
	} else {
		s.logger.Debug("Query answered", logger.Int("tables", len(tables)))
		reply = s.newMessage(models.RoleAssistant, answer)
	}

	// the source changed while the query was out; its transcript is gone
	if gen == s.generation {
		s.messages = append(s.messages, reply)
	}
	if err != nil {
		return reply, fmt.Errorf("chat query: %w", err)
	}
	return reply, nil
}

// Run keeps the transcript in step with the store until ctx is done, so a
// vanished source clears the transcript even without readers.
func (s *Session) Run(ctx context.Context) {
	changes, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	for {
		s.mu.Lock()
		s.syncLocked()
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-changes:
		}
	}
}

// syncLocked resets the transcript when the active source appears, changes
// or disappears. A new transcript opens with a system greeting.
func (s *Session) syncLocked() {
	source, ok := activeSource(s.store.Snapshot())
	if ok && source.ID == s.sourceID && equalTables(source.Tables(), s.tables) {
		return
	}
	if !ok && s.sourceID == "" {
		return
	}

	s.generation++
	s.messages = nil
	s.sourceID = ""
	s.tables = nil
	if !ok {
		s.logger.Info("Data source gone, transcript cleared")
		return
	}

	s.sourceID = source.ID
	s.tables = append([]string(nil), source.Tables()...)
	s.appendLocked(models.RoleSystem, greeting(len(s.tables)))
	s.logger.Info("Data source selected",
		logger.String("localId", source.ID),
		logger.Strings("tables", s.tables))
}

func greeting(n int) string {
	return fmt.Sprintf("Data is loaded from %d tables. Ask a question (e.g., \"What is the total gross worth from all tables?\").", n)
}

func (s *Session) appendLocked(role models.Role, content string) {
	s.messages = append(s.messages, s.newMessage(role, content))
}

func (s *Session) newMessage(role models.Role, content string) models.Message {
	return models.Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: s.now(),
	}
}

func equalTables(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
