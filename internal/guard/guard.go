// Package guard derives the global single-flight predicate from a task
// snapshot. While it is set, new uploads and triggers are refused.
package guard

import (
	"errors"

	"github.com/feichai0017/tableforge/internal/models"
)

// ErrBusy is returned when an upload or trigger is attempted while another
// task holds the single-flight slot.
var ErrBusy = errors.New("another task is in progress")

// Busy reports whether any task is UPLOADING, PENDING or IN_PROCESS.
func Busy(tasks []models.Task) bool {
	_, busy := Holder(tasks)
	return busy
}

// Holder returns the first task holding the single-flight slot.
func Holder(tasks []models.Task) (models.Task, bool) {
	for _, t := range tasks {
		if t.Status.IsBusy() {
			return t, true
		}
	}
	return models.Task{}, false
}

// Check returns ErrBusy when Busy(tasks) holds.
func Check(tasks []models.Task) error {
	if Busy(tasks) {
		return ErrBusy
	}
	return nil
}
