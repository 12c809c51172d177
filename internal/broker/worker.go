package broker

import (
	"context"
	"encoding/json"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/stratvm/stratvm/internal/model"
	"github.com/stratvm/stratvm/internal/vmorch"
)

// statusCache is the slice of *cache.Cache a Worker needs; narrowed to an
// interface so tests can swap in an in-memory fake instead of a real Redis.
type statusCache interface {
	SetStatus(ctx context.Context, taskID string, event *model.StatusEvent) error
	PublishUpdate(ctx context.Context, event *model.StatusEvent) error
	SetDetail(ctx context.Context, taskID, ticker string, payload any) error
}

// depsBuilder is the slice of *dib.Builder a Worker needs.
type depsBuilder interface {
	Build(ctx context.Context, manifest []byte, logSink func(string)) (string, error)
}

// vmRunner is the slice of *vmorch.Orchestrator a Worker needs.
type vmRunner interface {
	Run(ctx context.Context, taskID string, payload []byte, depsImagePath string, logSink func(string)) (vmorch.Result, error)
}

// Worker drains the task queue and runs each task through the dependency
// builder and the microVM orchestrator, publishing progress and terminal
// results as it goes. A single Worker's Run method is invoked once per
// consumer goroutine; cmd/worker runs cfg.WorkerCount of them concurrently
// against the same Worker, giving N-way task concurrency within one process.
type Worker struct {
	queue   *Queue
	cache   statusCache
	builder depsBuilder
	orch    vmRunner
	logger  *slog.Logger
}

// NewWorker assembles a Worker from its already-constructed collaborators.
func NewWorker(queue *Queue, c statusCache, builder depsBuilder, orch vmRunner, logger *slog.Logger) *Worker {
	return &Worker{queue: queue, cache: c, builder: builder, orch: orch, logger: logger}
}

// Run consumes deliveries until ctx is cancelled or the underlying channel
// closes. Every delivery is acked regardless of outcome -- a task that fails
// is a terminal "error" event for its submitter, not a reason to requeue and
// retry against a fresh microVM, since the strategy code itself is what
// failed.
func (w *Worker) Run(ctx context.Context, consumerTag string) error {
	deliveries, err := w.queue.Consume(ctx, consumerTag)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			w.processDelivery(ctx, d)
		}
	}
}

func (w *Worker) processDelivery(ctx context.Context, d amqp.Delivery) {
	defer d.Ack(false)

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker panic recovered", "panic", r)
		}
	}()

	var msg TaskMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		w.logger.Error("dropping malformed task message", "error", err)
		return
	}

	log := w.logger.With("task_id", msg.TaskID)
	log.Info("processing task")

	logSink := func(message string) {
		event := &model.StatusEvent{
			TaskID:  msg.TaskID,
			Status:  model.StatusProcessing,
			Message: message,
		}
		if err := w.cache.SetStatus(ctx, msg.TaskID, event); err != nil {
			log.Warn("cache status write failed", "error", err)
		}
		if err := w.cache.PublishUpdate(ctx, event); err != nil {
			log.Warn("publish status update failed", "error", err)
		}
	}

	logSink("Booting MicroVM...")

	depsImagePath, err := w.builder.Build(ctx, []byte(msg.Requirements), logSink)
	if err != nil {
		w.publishError(ctx, log, msg.TaskID, err.Error(), "")
		return
	}

	result, err := w.orch.Run(ctx, msg.TaskID, []byte(msg.Code), depsImagePath, logSink)
	if err != nil {
		w.publishError(ctx, log, msg.TaskID, result.Error, "")
		return
	}

	if result.Status == "error" {
		w.publishError(ctx, log, msg.TaskID, result.Error, "")
		return
	}

	w.publishSuccess(ctx, log, msg.TaskID, result.Report)
}

// publishError caches the terminal error event under task_status and
// publishes it to live subscribers, so a client that connects after the
// task already failed still observes the failure instead of the last
// processing event.
func (w *Worker) publishError(ctx context.Context, log *slog.Logger, taskID, message, traceback string) {
	event := &model.StatusEvent{
		TaskID:    taskID,
		Status:    model.StatusError,
		Error:     message,
		Traceback: traceback,
	}
	if err := w.cache.SetStatus(ctx, taskID, event); err != nil {
		log.Warn("cache status write failed", "error", err)
	}
	if err := w.cache.PublishUpdate(ctx, event); err != nil {
		log.Warn("publish error event failed", "error", err)
	}
}

// publishSuccess peels the per-ticker detail records out of the report,
// caches each individually, and publishes a summary event carrying only
// metrics and the portfolio summary -- the detail records are fetched
// on demand via the chart endpoint, not pushed over the websocket.
func (w *Worker) publishSuccess(ctx context.Context, log *slog.Logger, taskID string, report any) {
	fields, _ := report.(map[string]any)

	var metrics, summary any
	if fields != nil {
		metrics = fields["metrics"]
		summary = fields["portfolio_summary"]

		if details, ok := fields["details"].(map[string]any); ok {
			for ticker, chartData := range details {
				if err := w.cache.SetDetail(ctx, taskID, ticker, chartData); err != nil {
					log.Warn("cache detail write failed", "ticker", ticker, "error", err)
				}
			}
		}
	}

	event := &model.StatusEvent{
		TaskID:           taskID,
		Status:           model.StatusSuccess,
		Metrics:          metrics,
		PortfolioSummary: summary,
	}
	if err := w.cache.SetStatus(ctx, taskID, event); err != nil {
		log.Warn("cache status write failed", "error", err)
	}
	if err := w.cache.PublishUpdate(ctx, event); err != nil {
		log.Warn("publish success event failed", "error", err)
	}
	log.Info("task completed")
}
