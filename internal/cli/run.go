package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/feichai0017/tableforge/internal/app"
	"github.com/feichai0017/tableforge/internal/display"
	"github.com/feichai0017/tableforge/internal/models"
	"github.com/feichai0017/tableforge/internal/service/chat"
	"github.com/feichai0017/tableforge/internal/store"
)

var (
	runQuestions    []string
	runPollInterval time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Upload a document, extract its tables and wait for the result",
	Long: `Uploads the document, triggers extraction and polls until the task reaches
a terminal status. Each --ask question is then sent to the query endpoint
over the extracted tables.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVarP(&runQuestions, "ask", "a", nil, "Question to ask about the extracted tables (repeatable)")
	runCmd.Flags().DurationVar(&runPollInterval, "poll-interval", 0, "Override the poll interval")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if runPollInterval > 0 {
		cfg.Poll.Interval = runPollInterval
	}

	content, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	progressDone := watchProgress(ctx, a.Store, out)

	task, err := extract(ctx, a, models.Document{
		Filename: filepath.Base(args[0]),
		Content:  content,
	})
	progressDone()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, display.Result(task))
	if task.Status != models.StatusCompleted {
		return fmt.Errorf("extraction ended with status %s", task.Status)
	}
	return ask(ctx, a.Chat, runQuestions, out)
}

// extract runs one document through upload, trigger and polling.
func extract(ctx context.Context, a *app.App, doc models.Document) (models.Task, error) {
	task, err := a.Orchestrator.Upload(ctx, doc)
	if err != nil {
		return task, err
	}
	if task.Status != models.StatusReadyToTrigger {
		return task, nil
	}
	task, err = a.Orchestrator.Trigger(ctx, task.ID)
	if err != nil || task.Status.IsTerminal() {
		return task, err
	}
	return a.Orchestrator.Wait(ctx, task.ID)
}

func ask(ctx context.Context, session *chat.Session, questions []string, out io.Writer) error {
	if len(questions) == 0 {
		return nil
	}
	var failed bool
	for _, q := range questions {
		_, err := session.Ask(ctx, q)
		switch {
		case errors.Is(err, chat.ErrNoDataSource):
			return errors.New("no tables were extracted, nothing to query")
		case err != nil:
			failed = true
		}
	}
	fmt.Fprintln(out)
	for _, m := range session.Messages() {
		fmt.Fprintln(out, display.Message(m))
	}
	if failed {
		return errors.New("one or more queries failed")
	}
	return nil
}

// watchProgress prints a task line whenever a task changes status. The
// returned func stops the watcher and waits for it.
func watchProgress(ctx context.Context, s *store.Store, out io.Writer) func() {
	changes, unsubscribe := s.Subscribe()
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		seen := make(map[string]models.TaskStatus)
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
			}
			for _, t := range s.Snapshot() {
				if seen[t.ID] == t.Status || t.Status.IsTerminal() {
					continue
				}
				seen[t.ID] = t.Status
				fmt.Fprintln(out, display.TaskLine(t))
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
		unsubscribe()
	}
}
