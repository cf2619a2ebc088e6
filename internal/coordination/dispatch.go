package coordination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tutormesh/tutormesh/pkg/errors"
	"github.com/tutormesh/tutormesh/pkg/logging"
	"github.com/tutormesh/tutormesh/pkg/metrics"
	"github.com/tutormesh/tutormesh/pkg/types"
)

// Handler is a worker's dispatch entry point. It receives a request envelope
// and returns the reply envelope.
type Handler func(ctx context.Context, envelope *types.Envelope) (*types.Envelope, error)

// DispatcherConfig holds dispatch channel configuration
type DispatcherConfig struct {
	DispatchTimeout time.Duration `json:"dispatch_timeout"`
}

// DefaultDispatcherConfig returns the standard dispatch configuration
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchTimeout: 10 * time.Second,
	}
}

// Dispatcher delivers request envelopes to per-worker handlers and enforces
// the dispatch timeout. A reply arriving after the timeout is discarded; the
// dispatch has already failed.
type Dispatcher struct {
	config   DispatcherConfig
	registry *Registry
	metrics  *metrics.Metrics
	logger   *logging.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates a dispatcher. The registry resolves worker types for
// timeout metrics and may be nil, as may the metrics.
func NewDispatcher(config DispatcherConfig, registry *Registry, m *metrics.Metrics) *Dispatcher {
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = 10 * time.Second
	}

	return &Dispatcher{
		config:   config,
		registry: registry,
		metrics:  m,
		logger:   logging.GetLogger(),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler installs the handler for a worker id, replacing any
// previous one
func (d *Dispatcher) RegisterHandler(workerID string, handler Handler) {
	if workerID == "" || handler == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[workerID] = handler
}

// UnregisterHandler removes the handler for a worker id
func (d *Dispatcher) UnregisterHandler(workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, workerID)
}

// HandlerCount returns the number of registered handlers
func (d *Dispatcher) HandlerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

type dispatchResult struct {
	reply *types.Envelope
	err   error
}

// Send delivers the envelope to its target worker's handler and waits for the
// reply or the dispatch timeout, whichever comes first.
func (d *Dispatcher) Send(ctx context.Context, envelope *types.Envelope) (*types.Envelope, error) {
	if envelope == nil {
		return nil, errors.NewValidationError("envelope cannot be nil")
	}
	if envelope.To == "" {
		return nil, errors.NewValidationError("envelope target cannot be empty")
	}

	d.mu.RLock()
	handler, exists := d.handlers[envelope.To]
	d.mu.RUnlock()
	if !exists {
		return nil, errors.NewDispatchError(envelope.To, fmt.Sprintf("no handler registered for worker %s", envelope.To))
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, d.config.DispatchTimeout)
	defer cancel()

	// Buffered channel plus non-blocking send: after a timeout the handler
	// goroutine finishes on its own and its late reply is dropped.
	resultChan := make(chan dispatchResult, 1)

	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				if d.metrics != nil {
					d.metrics.RecordPanic("dispatch")
				}
				d.logger.Error("Worker handler panicked",
					"worker_id", envelope.To,
					"panic", fmt.Sprintf("%v", recovered),
				)
				select {
				case resultChan <- dispatchResult{err: errors.NewWorkerError(envelope.To, fmt.Sprintf("worker %s handler panicked", envelope.To))}:
				default:
				}
			}
		}()

		reply, err := handler(dispatchCtx, envelope)
		select {
		case resultChan <- dispatchResult{reply: reply, err: err}:
		default:
		}
	}()

	select {
	case result := <-resultChan:
		if result.err != nil {
			return nil, result.err
		}
		if result.reply == nil {
			return nil, errors.NewDispatchError(envelope.To, fmt.Sprintf("worker %s returned no reply", envelope.To))
		}
		return result.reply, nil
	case <-dispatchCtx.Done():
		if dispatchCtx.Err() == context.DeadlineExceeded {
			d.recordTimeout(envelope.To)
			return nil, errors.NewTimeoutError(fmt.Sprintf("dispatch to worker %s", envelope.To))
		}
		return nil, errors.NewDispatchError(envelope.To, "dispatch canceled").WithCause(dispatchCtx.Err())
	}
}

func (d *Dispatcher) recordTimeout(workerID string) {
	workerType := "unknown"
	if d.registry != nil {
		if descriptor, err := d.registry.Get(workerID); err == nil {
			workerType = descriptor.Type.String()
		}
	}

	if d.metrics != nil {
		d.metrics.RecordDispatchTimeout(workerType)
	}
	d.logger.Warn("Dispatch timed out",
		"worker_id", workerID,
		"worker_type", workerType,
		"timeout", d.config.DispatchTimeout,
	)
}
