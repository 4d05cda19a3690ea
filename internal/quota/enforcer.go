package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/streamrelay/streamrelay/internal/entity"
	"github.com/streamrelay/streamrelay/internal/observability"
	"github.com/streamrelay/streamrelay/internal/usage"
)

const taskTimeout = 10 * time.Second

// aggregator is the slice of the usage aggregator the enforcer needs.
type aggregator interface {
	Total(ctx context.Context, owner *entity.User, field string) int64
}

// NotifyFunc tells the triggering connection why its owner was switched off.
// Called from the worker goroutine; implementations must be safe for that.
type NotifyFunc func(reason string)

// task is one unit of metering work queued off the publish hot path.
type task struct {
	server *entity.Server
	owner  *entity.User
	size   int64
	notify NotifyFunc
}

// Enforcer meters published messages and disables owners who cross their
// plan's message ceiling. Metering happens on a single worker goroutine fed
// by a bounded queue, so publishing never waits on Redis or peer regions.
// When the queue overflows the task is dropped and counted — delivery
// already happened, only the bookkeeping is lost.
type Enforcer struct {
	ledger   *usage.Ledger
	agg      aggregator
	disabled *DisabledSet
	logger   *slog.Logger
	metrics  *observability.Metrics

	tasks chan task
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewEnforcer creates an enforcer and starts its worker.
func NewEnforcer(ledger *usage.Ledger, agg aggregator, disabled *DisabledSet, queueSize int, logger *slog.Logger, metrics *observability.Metrics) *Enforcer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	e := &Enforcer{
		ledger:   ledger,
		agg:      agg,
		disabled: disabled,
		logger:   logger.With("component", "quota"),
		metrics:  metrics,
		tasks:    make(chan task, queueSize),
		done:     make(chan struct{}),
	}
	e.wg.Add(1)
	go e.worker()
	return e
}

// RecordMessage queues metering for a message that was already relayed.
// Never blocks.
func (e *Enforcer) RecordMessage(srv *entity.Server, owner *entity.User, size int64, notify NotifyFunc) {
	select {
	case e.tasks <- task{server: srv, owner: owner, size: size, notify: notify}:
	default:
		e.metrics.IncMeteringDropped()
	}
}

// DisableOwner switches an owner off immediately. Used when a connection
// attempt reveals the connection ceiling is already met.
func (e *Enforcer) DisableOwner(owner string) {
	if e.disabled.Disable(owner) {
		e.metrics.IncOwnersDisabled()
		e.logger.Warn("owner disabled", "owner", owner, "reason", "connection limit")
	}
}

// Close drains queued tasks and stops the worker.
func (e *Enforcer) Close() {
	close(e.done)
	e.wg.Wait()

	// Final drain.
	for {
		select {
		case t := <-e.tasks:
			e.process(t)
		default:
			return
		}
	}
}

func (e *Enforcer) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case t := <-e.tasks:
			e.process(t)
		}
	}
}

func (e *Enforcer) process(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	if err := e.ledger.AddMessage(ctx, t.server.ID, t.size); err != nil {
		e.logger.Error("metering write failed", "server", t.server.ID, "error", err)
		return
	}

	// The message that reaches the limit is still within plan; only usage
	// past the ceiling cuts the owner off.
	limits := usage.LimitsFor(t.owner.Plan)
	total := e.agg.Total(ctx, t.owner, usage.FieldMessages)
	if total <= limits.Messages {
		return
	}

	if e.disabled.Disable(t.owner.Email) {
		e.metrics.IncOwnersDisabled()
		e.logger.Warn("owner disabled", "owner", t.owner.Email,
			"reason", "message limit", "messages", total, "limit", limits.Messages)
	}
	if t.notify != nil {
		t.notify("Message limit exceeded")
	}
}
