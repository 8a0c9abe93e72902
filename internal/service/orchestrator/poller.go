package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/feichai0017/tableforge/internal/models"
	"github.com/feichai0017/tableforge/internal/store"
	"github.com/feichai0017/tableforge/pkg/gateway"
	"github.com/feichai0017/tableforge/pkg/logger"
)

// startPoller launches the poll loop for id unless one is already running.
func (o *Orchestrator) startPoller(id, taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	if _, running := o.pollers[id]; running {
		return false
	}

	ctx, cancel := context.WithCancel(o.ctx)
	o.pollers[id] = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.stopPoller(id)
		o.pollLoop(ctx, id, taskID)
	}()
	return true
}

func (o *Orchestrator) stopPoller(id string) {
	o.mu.Lock()
	cancel, ok := o.pollers[id]
	delete(o.pollers, id)
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// pollLoop fetches the task output immediately and then once per interval
// after the previous fetch returned, until the task is terminal, removed,
// cancelled or out of budget.
func (o *Orchestrator) pollLoop(ctx context.Context, id, taskID string) {
	log := o.logger.With(logger.String("localId", id), logger.String("taskId", taskID))
	started := o.now()
	log.Debug("Polling started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("Polling cancelled")
			return
		case <-timer.C:
		}

		report, err := o.gw.FetchOutput(ctx, taskID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error("Polling failed", logger.Error(err))
			o.fail(id, models.StatusFailed, err.Error())
			return
		}

		task, err := o.applyReport(id, report)
		switch {
		case errors.Is(err, store.ErrTaskNotFound):
			log.Debug("Task removed, polling stopped")
			return
		case err != nil:
			log.Error("Could not apply poll result", logger.Error(err))
			return
		}
		if task.Status.IsTerminal() {
			log.Info("Task finished",
				logger.String("status", task.Status.String()),
				logger.Int("polls", task.PollCount))
			return
		}

		elapsed := o.now().Sub(started)
		if o.budgetExhausted(task.PollCount, elapsed) {
			reason := fmt.Sprintf("polling budget exhausted after %d polls in %s", task.PollCount, elapsed.Round(time.Millisecond))
			log.Warn("Task timed out", logger.Int("polls", task.PollCount), logger.Duration("elapsed", elapsed))
			o.fail(id, models.StatusTimedOut, reason)
			return
		}

		timer.Reset(o.cfg.PollInterval)
	}
}

func (o *Orchestrator) budgetExhausted(polls int, elapsed time.Duration) bool {
	if o.cfg.MaxPolls > 0 && polls >= o.cfg.MaxPolls {
		return true
	}
	return o.cfg.MaxPollDuration > 0 && elapsed >= o.cfg.MaxPollDuration
}

// applyReport writes a poll result. Server status and output supersede the
// local values, except that IN_PROCESS never goes back to PENDING and an
// unknown or missing status keeps the current one.
func (o *Orchestrator) applyReport(id string, report gateway.TaskReport) (models.Task, error) {
	var out models.Task
	err := o.store.Update(func(tx *store.Tx) error {
		current, ok := tx.Get(id)
		if !ok {
			return store.ErrTaskNotFound
		}

		next := current.Status
		if parsed, known := models.ParseServerStatus(report.Status); known {
			next = parsed
		} else if report.Status != "" {
			o.logger.Warn("Unknown server status",
				logger.String("localId", id),
				logger.String("status", report.Status))
		}
		if current.Status == models.StatusInProcess && next == models.StatusPending {
			next = models.StatusInProcess
		}

		var err error
		out, err = tx.Patch(id, func(t *models.Task) {
			t.Status = next
			t.Output = report.Output.Clone()
			if next == models.StatusFailed && t.Output.FailureReason() == "" {
				if t.Output == nil {
					t.Output = &models.Output{}
				}
				t.Output.Reason = "Extraction failed."
			}
			t.PollCount++
		})
		return err
	})
	return out, err
}
