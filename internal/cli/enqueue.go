package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/feichai0017/tableforge/config"
	"github.com/feichai0017/tableforge/internal/display"
	"github.com/feichai0017/tableforge/pkg/queue"
	"github.com/feichai0017/tableforge/pkg/storage"
)

var enqueuePriority int

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <file>",
	Short: "Store a document and queue it for the extraction worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnqueue,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the status of a queued extraction job",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Remove a queued extraction job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	enqueueCmd.Flags().IntVarP(&enqueuePriority, "priority", "p", 2, "Job priority: 1 critical, 2 default, 3 low")
}

func newQueue(cfg config.Config) *queue.AsynqQueue {
	return queue.NewAsynqQueue(queue.QueueConfig{
		RedisAddr:      cfg.Worker.RedisAddr,
		RedisDB:        cfg.Worker.RedisDB,
		MaxRetries:     cfg.Worker.MaxRetry,
		ProcessTimeout: cfg.Worker.JobTimeout,
		StatusTTL:      cfg.Redis.StatusTTL,
	})
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	content, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	filename := filepath.Base(args[0])
	contentType := mimetype.Detect(content).String()

	store, err := storage.NewStorage(cmd.Context(), storage.StorageType(cfg.Storage.Type), log)
	if err != nil {
		return err
	}
	key, err := store.Put(cmd.Context(), storage.NewObjectKey(filename), bytes.NewReader(content), int64(len(content)), contentType)
	if err != nil {
		return err
	}

	q := newQueue(cfg)
	defer q.Close()

	job := &queue.Job{
		ID:          uuid.NewString(),
		Filename:    filename,
		ContentType: contentType,
		ObjectKey:   key,
		Priority:    enqueuePriority,
		CreatedAt:   time.Now(),
	}
	if err := q.Enqueue(cmd.Context(), job); err != nil {
		// the worker will never see it
		_ = store.Delete(cmd.Context(), key)
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s as job %s\n", filename, display.SubtleStyle.Render(job.ID))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	q := newQueue(cfg)
	defer q.Close()

	status, err := q.GetJobStatus(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", display.TitleStyle.Render(status.Status), status.JobID)
	if status.TaskID != "" {
		fmt.Fprintf(out, "  task:   %s\n", status.TaskID)
	}
	for _, table := range status.Tables {
		fmt.Fprintf(out, "  table:  %s\n", table)
	}
	if status.Error != "" {
		fmt.Fprintln(out, display.ErrorStyle.Render("  error:  "+status.Error))
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	q := newQueue(cfg)
	defer q.Close()

	if err := q.CancelJob(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s\n", args[0])
	return nil
}
