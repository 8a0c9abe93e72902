package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/tableforge/config"
	"github.com/feichai0017/tableforge/internal/models"
	"github.com/feichai0017/tableforge/internal/utils/validator"
	"github.com/feichai0017/tableforge/pkg/logger"
)

func TestNewWiresSharedStore(t *testing.T) {
	cfg := config.Default()
	a, err := New(cfg, logger.NewNop())
	require.NoError(t, err)

	_, ok := a.Chat.Source()
	assert.False(t, ok)
	assert.Equal(t, 0, a.Store.Len())

	_, err = a.Orchestrator.UploadAsync(models.Document{Filename: "notes.txt", Content: []byte("plain text")})
	var verr *validator.Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 0, a.Store.Len())

	require.NoError(t, a.Close(context.Background()))
}
