// Package worker consumes backtest tasks from the durable queue and
// drives the execution pipeline for each: build/reuse the dependency
// image, boot the microVM, relay progress lines as processing events,
// and publish the terminal result. The queue message is acked after the
// terminal event is published, so a crash mid-task causes redelivery.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/velora/pulsar/internal/imagebuilder"
	"github.com/velora/pulsar/internal/logging"
	"github.com/velora/pulsar/internal/metrics"
	"github.com/velora/pulsar/internal/microvm"
	"github.com/velora/pulsar/internal/observability"
	"github.com/velora/pulsar/internal/task"
)

// ImageBuilder builds or reuses a dependency image for a manifest.
type ImageBuilder interface {
	Build(ctx context.Context, manifest []byte, sink imagebuilder.LogFunc) (string, error)
}

// Runner executes a payload inside a microVM.
type Runner interface {
	Run(ctx context.Context, taskID string, payload []byte, sink microvm.LogFunc, depsImage string) *microvm.Result
}

// EventSink publishes status transitions and caches result details.
type EventSink interface {
	PublishStatus(ctx context.Context, ev *task.StatusEvent) error
	CacheDetails(ctx context.Context, taskID string, details map[string]json.RawMessage) error
}

// Worker processes one task at a time.
type Worker struct {
	builder ImageBuilder
	runner  Runner
	events  EventSink
}

// New creates a Worker.
func New(builder ImageBuilder, runner Runner, events EventSink) *Worker {
	return &Worker{builder: builder, runner: runner, events: events}
}

// Run consumes deliveries until the context is cancelled or the channel
// closes. Every message is acked, even when handling fails: redelivering
// a task that crashes the handler would loop forever, so failures are
// published as error events instead.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := w.Handle(ctx, d.Body); err != nil {
				logging.Op().Error("task handler failed", "error", err)
			}
			if err := d.Ack(false); err != nil {
				logging.Op().Error("ack failed", "error", err)
			}
		}
	}
}

// Handle processes one queue message body.
func (w *Worker) Handle(ctx context.Context, body []byte) error {
	var t task.Task
	if err := json.Unmarshal(body, &t); err != nil {
		return fmt.Errorf("decode task: %w", err)
	}

	ctx, span := observability.StartSpan(ctx, "worker.handle",
		trace.WithAttributes(attribute.String("task_id", t.TaskID)))
	defer span.End()

	metrics.Global().TaskStarted()
	defer metrics.Global().TaskFinished()

	log := logging.Op()
	if sc := span.SpanContext(); sc.HasTraceID() {
		log = logging.OpWithTrace(sc.TraceID().String(), sc.SpanID().String())
	}
	log.Info("processing task", "task_id", t.TaskID)

	w.publish(ctx, &task.StatusEvent{
		TaskID:  t.TaskID,
		Status:  task.StatusProcessing,
		Message: "Booting MicroVM...",
	})

	// Every progress line from the builder and the orchestrator becomes
	// a processing event for this task.
	sink := func(line string) {
		w.publish(ctx, &task.StatusEvent{
			TaskID:  t.TaskID,
			Status:  task.StatusProcessing,
			Message: line,
		})
	}

	buildCtx, buildSpan := observability.StartSpan(ctx, "image.build")
	depsImage, err := w.builder.Build(buildCtx, []byte(t.Requirements), sink)
	buildSpan.End()
	if err != nil {
		w.terminalError(ctx, t.TaskID, err.Error(), "")
		return nil
	}

	runCtx, runSpan := observability.StartSpan(ctx, "vm.run")
	result := w.runner.Run(runCtx, t.TaskID, []byte(t.Code), sink, depsImage)
	runSpan.End()

	if result.Failed() {
		w.terminalError(ctx, t.TaskID, result.ErrorMessage(), result.Traceback)
		return nil
	}
	return w.publishSuccess(ctx, t.TaskID, result.Report)
}

// publishSuccess splits the engine report: per-ticker details go to the
// detail cache, the remainder (metrics + portfolio summary) rides on the
// terminal event.
func (w *Worker) publishSuccess(ctx context.Context, taskID string, report json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(report, &fields); err != nil {
		w.terminalError(ctx, taskID, fmt.Sprintf("malformed report: %v", err), "")
		return nil
	}

	if raw, ok := fields["details"]; ok {
		delete(fields, "details")
		var details map[string]json.RawMessage
		if err := json.Unmarshal(raw, &details); err != nil {
			w.terminalError(ctx, taskID, fmt.Sprintf("malformed report details: %v", err), "")
			return nil
		}
		if err := w.events.CacheDetails(ctx, taskID, details); err != nil {
			logging.Op().Error("cache details failed", "task_id", taskID, "error", err)
		}
	}

	metrics.Global().RecordTask(task.StatusSuccess)
	w.publish(ctx, &task.StatusEvent{
		TaskID:           taskID,
		Status:           task.StatusSuccess,
		Metrics:          fields["metrics"],
		PortfolioSummary: fields["portfolio_summary"],
	})
	logging.Op().Info("task completed", "task_id", taskID)
	return nil
}

func (w *Worker) terminalError(ctx context.Context, taskID, message, traceback string) {
	metrics.Global().RecordTask(task.StatusError)
	w.publish(ctx, &task.StatusEvent{
		TaskID:    taskID,
		Status:    task.StatusError,
		Message:   message,
		Traceback: traceback,
	})
	logging.Op().Warn("task failed", "task_id", taskID, "message", message)
}

func (w *Worker) publish(ctx context.Context, ev *task.StatusEvent) {
	if err := w.events.PublishStatus(ctx, ev); err != nil {
		logging.Op().Error("publish status failed", "task_id", ev.TaskID, "error", err)
	}
}
