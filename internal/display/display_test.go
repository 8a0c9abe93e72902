package display

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/feichai0017/tableforge/internal/models"
)

func TestStatusColor(t *testing.T) {
	assert.Equal(t, successColor, statusColor(models.StatusCompleted))
	assert.Equal(t, errorColor, statusColor(models.StatusUploadFailed))
	assert.Equal(t, errorColor, statusColor(models.StatusTimedOut))
	assert.Equal(t, pendingColor, statusColor(models.StatusInProcess))
	assert.Equal(t, primaryColor, statusColor(models.StatusReadyToTrigger))
}

func TestResultCompleted(t *testing.T) {
	task := models.Task{
		ID:       "local-1",
		Filename: "invoice.pdf",
		TaskID:   "task-7",
		Status:   models.StatusCompleted,
		Output:   &models.Output{ExtractedTables: []string{"invoice_items", "invoice_totals"}},
	}
	out := Result(task)

	assert.Contains(t, out, "COMPLETED")
	assert.Contains(t, out, "invoice.pdf")
	assert.Contains(t, out, "task=task-7")
	assert.Contains(t, out, "2 tables extracted")
	assert.Contains(t, out, "invoice_totals")
}

func TestResultFailure(t *testing.T) {
	task := models.Task{
		ID:       "local-2",
		Filename: "scan.pdf",
		Status:   models.StatusFailed,
		Output:   models.FailureOutput("Extraction failed."),
	}
	out := Result(task)

	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "Extraction failed.")
	assert.NotContains(t, out, "tables extracted")
}

func TestMessage(t *testing.T) {
	assert.Contains(t, Message(models.Message{Role: models.RoleUser, Content: "total?"}), "total?")
	assert.Contains(t, Message(models.Message{Role: models.RoleError, Content: "LLM Query Failed: boom"}), "boom")
	assert.Equal(t, "42", Message(models.Message{Role: models.RoleAssistant, Content: "42"}))
}
