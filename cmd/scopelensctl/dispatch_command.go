package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/scopelens/internal/cache"
	"github.com/kiranshivaraju/scopelens/internal/detector"
	"github.com/kiranshivaraju/scopelens/internal/plagiarism"
	"github.com/kiranshivaraju/scopelens/internal/queue"
	"github.com/kiranshivaraju/scopelens/internal/store"
	"github.com/kiranshivaraju/scopelens/internal/trigger"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

type dispatcher interface {
	Dispatch(ctx context.Context, batchSize int) (*queue.Summary, error)
}

// queueDispatcher pairs a job table with the runner that drains it.
type queueDispatcher struct {
	queue models.Queue
	d     dispatcher
}

func parseQueues(names []string) ([]models.Queue, error) {
	seen := map[models.Queue]bool{}
	var out []models.Queue
	for _, n := range names {
		q := models.Queue(n)
		if q != models.QueueDetection && q != models.QueuePlagiarism {
			return nil, fmt.Errorf("unknown queue %q (want %s or %s)", n, models.QueueDetection, models.QueuePlagiarism)
		}
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("at least one --queue is required")
	}
	return out, nil
}

func newDispatchCommand(ctx *commandContext) *cobra.Command {
	var (
		batchSize int
		interval  time.Duration
		loop      bool
		listen    bool
		queues    []string
	)

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Drain waiting detection and plagiarism jobs",
		Long: `Runs each selected queue once and prints a summary per queue. scan_queue
jobs go to the AI-detection accounts; plagiarism_queue jobs are checked against
CORE with the least-used CORE account.

With --loop the queues are drained every --interval until interrupted. With
--listen a queue also runs whenever a dispatch nudge for it arrives on
RabbitMQ, with the interval as a backstop. Only one dispatch command may run
per host.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			selected, err := parseQueues(queues)
			if err != nil {
				return err
			}
			if listen && !cfg.RabbitMQ.Enabled() {
				return errors.New("--listen requires RABBITMQ_URL")
			}
			if interval <= 0 {
				interval = cfg.Dispatcher.Interval
			}

			lock := flock.New(cfg.Dispatcher.LockFile)
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !ok {
				return fmt.Errorf("another dispatcher holds %s", cfg.Dispatcher.LockFile)
			}
			defer lock.Unlock()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
			if err != nil {
				return fmt.Errorf("create redis cache: %w", err)
			}
			defer redisCache.Close()

			return ctx.withStore(runCtx, func(st *store.PostgresStore) error {
				ds := make([]queueDispatcher, 0, len(selected))
				for _, q := range selected {
					switch q {
					case models.QueueDetection:
						ds = append(ds, queueDispatcher{q, queue.NewDispatcher(st,
							detector.NewHTTPClient(cfg.Detector.BaseURL, cfg.Detector.Timeout),
							redisCache, redisCache, queue.ConfigFrom(cfg.Dispatcher))})
					case models.QueuePlagiarism:
						ds = append(ds, queueDispatcher{q, plagiarism.NewProcessor(st,
							plagiarism.NewHTTPClient(cfg.Plagiarism.CoreBaseURL, cfg.Plagiarism.Timeout),
							redisCache, redisCache, plagiarism.ConfigFrom(cfg.Plagiarism, cfg.Dispatcher))})
					}
				}
				out := cmd.OutOrStdout()

				switch {
				case listen:
					consumer, err := trigger.NewConsumer(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue)
					if err != nil {
						return err
					}
					defer consumer.Close()
					return listenAndDispatch(runCtx, ds, consumer, batchSize, interval, out)
				case loop:
					return dispatchEvery(runCtx, ds, batchSize, interval, out)
				default:
					return dispatchAll(runCtx, ds, batchSize, out)
				}
			})
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Maximum jobs per invocation (default from config, per queue)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Loop interval (default from config)")
	cmd.Flags().BoolVar(&loop, "loop", false, "Keep dispatching every --interval")
	cmd.Flags().BoolVar(&listen, "listen", false, "Dispatch on RabbitMQ nudges, with --interval as backstop")
	cmd.Flags().StringSliceVar(&queues, "queue",
		[]string{string(models.QueueDetection), string(models.QueuePlagiarism)}, "Queues to drain")

	return cmd
}

// dispatchOnce runs one invocation and prints its summary. An invocation with
// no accounts or a held lease is reported, not treated as a failure.
func dispatchOnce(ctx context.Context, d dispatcher, batchSize int, out io.Writer) error {
	summary, err := d.Dispatch(ctx, batchSize)
	switch {
	case errors.Is(err, queue.ErrNoActiveAccounts),
		errors.Is(err, plagiarism.ErrNoActiveAccounts),
		errors.Is(err, queue.ErrDispatchInProgress):
		fmt.Fprintln(out, err.Error())
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintln(out, renderSummary(summary))
	return nil
}

// dispatchAll runs every queue in order. One queue failing does not stop the
// others; the failures are returned together.
func dispatchAll(ctx context.Context, ds []queueDispatcher, batchSize int, out io.Writer) error {
	var errs []error
	for _, qd := range ds {
		if len(ds) > 1 {
			fmt.Fprintf(out, "[%s]\n", qd.queue)
		}
		if err := dispatchOnce(ctx, qd.d, batchSize, out); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", qd.queue, err))
		}
	}
	return errors.Join(errs...)
}

func dispatchEvery(ctx context.Context, ds []queueDispatcher, batchSize int, interval time.Duration, out io.Writer) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := dispatchAll(ctx, ds, batchSize, out); err != nil {
			slog.Error("dispatch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type nudgeListener interface {
	Listen(ctx context.Context, run trigger.RunFunc) error
}

// listenAndDispatch marks queues pending on nudges and on the interval
// backstop, and drains pending queues from a single loop so runs never
// overlap within the process. Nudges for queues not in ds are ignored.
func listenAndDispatch(ctx context.Context, ds []queueDispatcher, l nudgeListener, batchSize int, interval time.Duration, out io.Writer) error {
	known := make(map[models.Queue]bool, len(ds))
	all := make([]models.Queue, 0, len(ds))
	for _, qd := range ds {
		known[qd.queue] = true
		all = append(all, qd.queue)
	}

	var (
		mu      sync.Mutex
		pending = map[models.Queue]bool{}
	)
	wake := make(chan struct{}, 1)
	request := func(qs ...models.Queue) {
		mu.Lock()
		for _, q := range qs {
			pending[q] = true
		}
		mu.Unlock()
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Listen(ctx, func(_ context.Context, q models.Queue) error {
			if !known[q] {
				slog.Debug("nudge ignored", "queue", q)
				return nil
			}
			request(q)
			return nil
		})
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	request(all...)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			return nil
		case <-ticker.C:
			request(all...)
		case <-wake:
			mu.Lock()
			due := pending
			pending = map[models.Queue]bool{}
			mu.Unlock()

			for _, qd := range ds {
				if !due[qd.queue] {
					continue
				}
				if err := dispatchOnce(ctx, qd.d, batchSize, out); err != nil {
					slog.Error("dispatch failed", "queue", qd.queue, "error", err)
				}
			}
		}
	}
}
