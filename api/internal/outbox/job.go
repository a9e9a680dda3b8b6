package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"multitenant-template/shared/dbx"
	"multitenant-template/shared/logx"
	"multitenant-template/shared/metricsx"
)

// Dispatcher is the part of Outbox the scheduled job drives.
type Dispatcher interface {
	DispatchEvents(ctx context.Context, dispatcherID string, deliver DeliverFunc) (int, error)
}

// Job is one scheduled dispatch run. Run never returns an error: a failing
// record is logged and retried on the next tick.
type Job struct {
	dispatcher   Dispatcher
	deliver      DeliverFunc
	dispatcherID string
	maxPerTick   int
	logger       logx.Logger
}

func NewJob(dispatcher Dispatcher, deliver DeliverFunc, dispatcherID string, maxPerTick int, logger logx.Logger) *Job {
	if maxPerTick <= 0 {
		maxPerTick = 1
	}
	return &Job{
		dispatcher:   dispatcher,
		deliver:      deliver,
		dispatcherID: dispatcherID,
		maxPerTick:   maxPerTick,
		logger:       logger,
	}
}

func (j *Job) DispatcherID() string { return j.dispatcherID }

// Run dispatches records one at a time until none is pending, a dispatch
// fails, ctx ends, or maxPerTick records were handled. It returns the number
// of messages delivered.
func (j *Job) Run(ctx context.Context) (total int) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			metricsx.IncOutboxDispatchFailure()
			j.logger.Error(ctx, "outbox_dispatch_panic", "outbox dispatch panicked",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("dispatcher_id", j.dispatcherID),
				slog.String("error", fmt.Sprint(rec)),
			)
		}
		metricsx.ObserveOutboxDispatchLatency(time.Since(start))
	}()

	for i := 0; i < j.maxPerTick; i++ {
		if ctx.Err() != nil {
			return total
		}
		n, err := j.dispatcher.DispatchEvents(ctx, j.dispatcherID, j.deliver)
		if err != nil {
			metricsx.IncOutboxDispatchFailure()
			event, level := "outbox_dispatch_failed", j.logger.Error
			if dbx.IsSerializationFailure(err) {
				event, level = "outbox_dispatch_conflict", j.logger.Warn
			}
			level(ctx, event, "outbox dispatch failed; will retry on next run",
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("dispatcher_id", j.dispatcherID),
				slog.String("error", err.Error()),
			)
			return total
		}
		if n == 0 {
			return total
		}
		total += n
		metricsx.AddOutboxDispatched(n)
	}
	return total
}

// NewDispatcherID builds a lease token unique to this process.
func NewDispatcherID(service string) string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "unknown"
	}
	return service + "@" + host + "/" + uuid.NewString()[:8]
}
