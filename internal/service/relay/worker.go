package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zhouzirui/tavern-relay/internal/platform"
)

// ErrAlreadyRunning reports a redundant start request.
var ErrAlreadyRunning = errors.New("relay already running")

// Connector dials the platform and builds the orchestrator for that
// connection. Called once per start.
type Connector func(ctx context.Context) (platform.Gateway, *Orchestrator, error)

// Worker runs the gateway event consumer and lets the admin surface start
// and stop the connection. Stopping is cooperative: the consumer is asked
// to shut down and Stop waits on its done channel instead of polling.
type Worker struct {
	log     *zap.Logger
	connect Connector

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	gw      platform.Gateway
	orch    *Orchestrator
}

// NewWorker builds a stopped worker.
func NewWorker(connect Connector, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{log: log, connect: connect}
}

// Running reports the consumer's liveness flag.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Orchestrator returns the current connection's orchestrator, or nil when
// stopped.
func (w *Worker) Orchestrator() *Orchestrator {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.orch
}

// Start dials the platform and spawns the event consumer.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running.Load() {
		return ErrAlreadyRunning
	}

	gw, orch, err := w.connect(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.gw = gw
	w.orch = orch
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running.Store(true)

	go w.consume(runCtx, gw, orch, w.done)

	w.log.Info("relay started")
	return nil
}

// consume delivers events one at a time: a message is processed to
// completion, blocking backend call included, before the next one.
func (w *Worker) consume(ctx context.Context, gw platform.Gateway, orch *Orchestrator, done chan struct{}) {
	defer close(done)
	defer w.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-gw.Events():
			if !ok {
				w.log.Info("event stream closed")
				return
			}
			orch.HandleEvent(ctx, ev)
		}
	}
}

// Stop bids farewell, closes the connection and waits for the consumer to
// report closed. The wait is bounded by ctx.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running.Load() {
		return nil
	}

	w.orch.Farewell(ctx)
	if err := w.gw.Close(ctx); err != nil {
		w.log.Warn("gateway close failed", zap.Error(err))
	}
	w.cancel()

	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.gw = nil
	w.orch = nil
	w.log.Info("platform connection closed")
	return nil
}
