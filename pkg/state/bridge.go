package state

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type bridgeCtxKeyType struct{}

// bridgeCtxKey marks contexts that originate inside a bridged call, so a
// nested Do can be rejected instead of deadlocking the worker.
var bridgeCtxKey = bridgeCtxKeyType{}

// BridgeFunc is a unit of work handed to the bridge worker.
type BridgeFunc func(ctx context.Context) (any, error)

// Bridge serializes store operations submitted from callback code onto a
// dedicated worker goroutine. Callbacks run inside the event dispatch path,
// where blocking on the same path that feeds them would deadlock; the bridge
// runs the work elsewhere and hands the result back with a bounded wait.
//
// A call made from within a bridged call is detected through a context
// marker and fails fast with ErrBridgeReentrant.
type Bridge struct {
	timeout time.Duration
	jobs    chan *bridgeJob
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

type bridgeJob struct {
	ctx    context.Context
	fn     BridgeFunc
	result chan bridgeResult
}

type bridgeResult struct {
	value any
	err   error
}

// NewBridge starts the bridge worker. Callers must Close it when done.
func NewBridge(timeout time.Duration, logger *slog.Logger) *Bridge {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		timeout: timeout,
		jobs:    make(chan *bridgeJob),
		logger:  logger.With("component", "bridge"),
		done:    make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bridge) loop() {
	for {
		select {
		case job := <-b.jobs:
			value, err := job.fn(job.ctx)
			select {
			case job.result <- bridgeResult{value: value, err: err}:
			case <-job.ctx.Done():
				// Caller gave up; drop the result.
			}
		case <-b.done:
			return
		}
	}
}

// Do runs fn on the bridge worker and waits for its result, up to the
// configured timeout (or the caller's earlier deadline).
func (b *Bridge) Do(ctx context.Context, fn BridgeFunc) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Value(bridgeCtxKey) != nil {
		return nil, ErrBridgeReentrant
	}

	select {
	case <-b.done:
		return nil, ErrBridgeClosed
	default:
	}

	jobCtx, cancel := context.WithTimeout(context.WithValue(ctx, bridgeCtxKey, true), b.timeout)
	defer cancel()

	job := &bridgeJob{
		ctx:    jobCtx,
		fn:     fn,
		result: make(chan bridgeResult, 1),
	}

	select {
	case b.jobs <- job:
	case <-jobCtx.Done():
		return nil, b.waitErr(jobCtx)
	case <-b.done:
		return nil, ErrBridgeClosed
	}

	select {
	case res := <-job.result:
		return res.value, res.err
	case <-jobCtx.Done():
		return nil, b.waitErr(jobCtx)
	case <-b.done:
		return nil, ErrBridgeClosed
	}
}

func (b *Bridge) waitErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		b.logger.Warn("bridged call timed out", "timeout", b.timeout)
		return ErrBridgeTimeout
	}
	return ctx.Err()
}

// Close stops the worker. In-flight work finishes; queued callers get
// ErrBridgeClosed.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	return nil
}
