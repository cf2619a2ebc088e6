package coordination

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tutormesh/tutormesh/pkg/errors"
	"github.com/tutormesh/tutormesh/pkg/events"
	"github.com/tutormesh/tutormesh/pkg/health"
	"github.com/tutormesh/tutormesh/pkg/logging"
	"github.com/tutormesh/tutormesh/pkg/metrics"
	"github.com/tutormesh/tutormesh/pkg/types"
)

// SelectionStrategy picks one worker among the candidates of a type
type SelectionStrategy string

const (
	StrategyRoundRobin SelectionStrategy = "round_robin"
	StrategyRandom     SelectionStrategy = "random"
	StrategyLeastBusy  SelectionStrategy = "least_busy"
)

// RegistryConfig holds worker registry configuration
type RegistryConfig struct {
	Strategy             SelectionStrategy `json:"strategy"`
	HeartbeatTimeout     time.Duration     `json:"heartbeat_timeout"`
	JanitorInterval      time.Duration     `json:"janitor_interval"`
	DefaultMaxConcurrent int               `json:"default_max_concurrent"`
}

// DefaultRegistryConfig returns the standard registry configuration
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Strategy:             StrategyLeastBusy,
		HeartbeatTimeout:     30 * time.Second,
		JanitorInterval:      10 * time.Second,
		DefaultMaxConcurrent: 4,
	}
}

// workerEntry pairs a descriptor with its in-flight dispatch count
type workerEntry struct {
	descriptor types.WorkerDescriptor
	inflight   int
}

// Registry tracks registered workers, their load, and their liveness. A
// janitor loop moves workers with stale heartbeats into error status until
// they heartbeat again.
type Registry struct {
	config  RegistryConfig
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *logging.Logger

	mu      sync.RWMutex
	workers map[string]*workerEntry
	cursors map[types.WorkerType]int

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ health.WorkerSource = (*Registry)(nil)

// NewRegistry creates a registry and starts its janitor loop. The bus and
// metrics may be nil.
func NewRegistry(config RegistryConfig, bus *events.Bus, m *metrics.Metrics) *Registry {
	if config.Strategy == "" {
		config.Strategy = StrategyLeastBusy
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = 30 * time.Second
	}
	if config.JanitorInterval <= 0 {
		config.JanitorInterval = 10 * time.Second
	}
	if config.DefaultMaxConcurrent <= 0 {
		config.DefaultMaxConcurrent = 4
	}

	r := &Registry{
		config:   config,
		bus:      bus,
		metrics:  m,
		logger:   logging.GetLogger(),
		workers:  make(map[string]*workerEntry),
		cursors:  make(map[types.WorkerType]int),
		stopChan: make(chan struct{}),
	}

	r.wg.Add(1)
	go r.janitorLoop()

	return r
}

// Register adds a worker to the registry
func (r *Registry) Register(descriptor types.WorkerDescriptor) error {
	if descriptor.ID == "" {
		return errors.NewValidationError("worker id cannot be empty")
	}
	if !descriptor.Type.IsValid() {
		return errors.NewValidationError(fmt.Sprintf("unknown worker type: %s", descriptor.Type))
	}

	r.mu.Lock()
	if _, exists := r.workers[descriptor.ID]; exists {
		r.mu.Unlock()
		return errors.NewConflictError(fmt.Sprintf("worker %s is already registered", descriptor.ID))
	}

	if descriptor.MaxConcurrent <= 0 {
		descriptor.MaxConcurrent = r.config.DefaultMaxConcurrent
	}
	if descriptor.Status == "" {
		descriptor.Status = types.WorkerStatusActive
	}
	descriptor.LastSeen = time.Now()

	r.workers[descriptor.ID] = &workerEntry{descriptor: descriptor}
	r.updateWorkerGauges()
	r.mu.Unlock()

	r.logger.LogWorkerEvent(context.Background(), "worker_registered", descriptor.ID, logrus.Fields{
		"worker_type":    descriptor.Type.String(),
		"max_concurrent": descriptor.MaxConcurrent,
		"capabilities":   descriptor.Capabilities,
	})
	if r.bus != nil {
		r.bus.Publish(events.TopicWorkerRegistered, events.WorkerRegistration{
			WorkerID:   descriptor.ID,
			WorkerType: descriptor.Type.String(),
		})
	}

	return nil
}

// Unregister removes a worker from the registry
func (r *Registry) Unregister(workerID string) error {
	r.mu.Lock()
	entry, exists := r.workers[workerID]
	if !exists {
		r.mu.Unlock()
		return errors.NewNotFoundError("worker")
	}
	workerType := entry.descriptor.Type
	delete(r.workers, workerID)
	r.updateWorkerGauges()
	r.mu.Unlock()

	r.logger.LogWorkerEvent(context.Background(), "worker_unregistered", workerID, logrus.Fields{
		"worker_type": workerType.String(),
	})
	if r.bus != nil {
		r.bus.Publish(events.TopicWorkerUnregistered, events.WorkerRegistration{
			WorkerID:   workerID,
			WorkerType: workerType.String(),
		})
	}

	return nil
}

// UpdateStatus sets a worker's status and refreshes its heartbeat
func (r *Registry) UpdateStatus(workerID string, status types.WorkerStatus) error {
	switch status {
	case types.WorkerStatusActive, types.WorkerStatusIdle, types.WorkerStatusBusy, types.WorkerStatusError:
	default:
		return errors.NewValidationError(fmt.Sprintf("unknown worker status: %s", status))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.workers[workerID]
	if !exists {
		return errors.NewNotFoundError("worker")
	}

	entry.descriptor.Status = status
	entry.descriptor.LastSeen = time.Now()
	r.updateWorkerGauges()
	return nil
}

// Heartbeat refreshes a worker's liveness timestamp. A worker parked in
// error status by the janitor returns to active on its next heartbeat.
func (r *Registry) Heartbeat(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.workers[workerID]
	if !exists {
		return errors.NewNotFoundError("worker")
	}

	entry.descriptor.LastSeen = time.Now()
	if entry.descriptor.Status == types.WorkerStatusError {
		entry.descriptor.Status = types.WorkerStatusActive
		r.updateWorkerGauges()
		r.logger.Info("Worker recovered after heartbeat",
			"worker_id", workerID,
			"worker_type", entry.descriptor.Type.String(),
		)
	}
	return nil
}

// Get returns a copy of a worker's descriptor
func (r *Registry) Get(workerID string) (types.WorkerDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.workers[workerID]
	if !exists {
		return types.WorkerDescriptor{}, errors.NewNotFoundError("worker")
	}
	return entry.descriptor, nil
}

// ListByType returns copies of every descriptor of the given type, sorted by
// worker id
func (r *Registry) ListByType(workerType types.WorkerType) []types.WorkerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]types.WorkerDescriptor, 0)
	for _, entry := range r.workers {
		if entry.descriptor.Type == workerType {
			descriptors = append(descriptors, entry.descriptor)
		}
	}

	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].ID < descriptors[j].ID
	})
	return descriptors
}

// Snapshot returns copies of every registered descriptor, sorted by worker id
func (r *Registry) Snapshot() []types.WorkerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]types.WorkerDescriptor, 0, len(r.workers))
	for _, entry := range r.workers {
		descriptors = append(descriptors, entry.descriptor)
	}

	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].ID < descriptors[j].ID
	})
	return descriptors
}

// WorkerCounts reports the total number of registered workers and how many
// could accept a dispatch right now
func (r *Registry) WorkerCounts() (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	available := 0
	for _, entry := range r.workers {
		total++
		if entry.descriptor.Status != types.WorkerStatusError && entry.inflight < entry.descriptor.MaxConcurrent {
			available++
		}
	}
	return total, available
}

// InFlight returns the number of dispatches currently held against a worker
func (r *Registry) InFlight(workerID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, exists := r.workers[workerID]; exists {
		return entry.inflight
	}
	return 0
}

// Select picks a worker of the given type using the configured strategy.
// Workers in error status or at their concurrency limit are never candidates;
// a non-empty capability restricts candidates to workers advertising it.
func (r *Registry) Select(workerType types.WorkerType, capability string) (types.WorkerDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, err := r.selectLocked(workerType, capability)
	if err != nil {
		return types.WorkerDescriptor{}, err
	}
	return entry.descriptor, nil
}

// AcquireWorker selects a worker and takes one of its concurrency slots in a
// single step. The returned release function must be called exactly once when
// the dispatch finishes; calling it more than once is safe.
func (r *Registry) AcquireWorker(workerType types.WorkerType, capability string) (types.WorkerDescriptor, func(), error) {
	r.mu.Lock()

	entry, err := r.selectLocked(workerType, capability)
	if err != nil {
		r.mu.Unlock()
		return types.WorkerDescriptor{}, nil, err
	}

	r.acquireLocked(entry)
	descriptor := entry.descriptor
	r.mu.Unlock()

	return descriptor, r.releaseFunc(descriptor.ID), nil
}

// Acquire takes a concurrency slot on a specific worker. A worker at its
// MaxConcurrent limit rejects the call immediately; nothing queues.
func (r *Registry) Acquire(workerID string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.workers[workerID]
	if !exists {
		return nil, errors.NewNotFoundError("worker")
	}
	if entry.descriptor.Status == types.WorkerStatusError {
		return nil, errors.NewWorkerError(workerID, fmt.Sprintf("worker %s is in error status", workerID))
	}
	if entry.inflight >= entry.descriptor.MaxConcurrent {
		if r.metrics != nil {
			r.metrics.RecordLoadShed(entry.descriptor.Type.String())
		}
		return nil, errors.NewWorkerBusyError(workerID)
	}

	r.acquireLocked(entry)
	return r.releaseFunc(workerID), nil
}

// selectLocked filters candidates and applies the selection strategy. The
// caller must hold the write lock; round robin advances a per-type cursor.
func (r *Registry) selectLocked(workerType types.WorkerType, capability string) (*workerEntry, error) {
	candidates := make([]*workerEntry, 0)
	atCapacity := false

	for _, entry := range r.workers {
		descriptor := &entry.descriptor
		if descriptor.Type != workerType || descriptor.Status == types.WorkerStatusError {
			continue
		}
		if capability != "" && !descriptor.HasCapability(capability) {
			continue
		}
		if entry.inflight >= descriptor.MaxConcurrent {
			atCapacity = true
			continue
		}
		candidates = append(candidates, entry)
	}

	if len(candidates) == 0 {
		if atCapacity {
			if r.metrics != nil {
				r.metrics.RecordLoadShed(workerType.String())
			}
			return nil, errors.NewRateLimitError(fmt.Sprintf("all %s workers are at capacity", workerType))
		}
		return nil, errors.NewNoWorkerError(workerType.String())
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].descriptor.ID < candidates[j].descriptor.ID
	})

	switch r.config.Strategy {
	case StrategyRandom:
		return candidates[rand.Intn(len(candidates))], nil
	case StrategyRoundRobin:
		cursor := r.cursors[workerType]
		r.cursors[workerType] = cursor + 1
		return candidates[cursor%len(candidates)], nil
	default:
		best := candidates[0]
		for _, entry := range candidates[1:] {
			if entry.inflight < best.inflight {
				best = entry
			}
		}
		return best, nil
	}
}

// acquireLocked bumps the in-flight count; a worker that just hit its limit
// is shown as busy
func (r *Registry) acquireLocked(entry *workerEntry) {
	entry.inflight++
	if entry.inflight >= entry.descriptor.MaxConcurrent && entry.descriptor.Status == types.WorkerStatusActive {
		entry.descriptor.Status = types.WorkerStatusBusy
		r.updateWorkerGauges()
	}
}

// releaseFunc builds the idempotent slot-release closure for a worker
func (r *Registry) releaseFunc(workerID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()

			entry, exists := r.workers[workerID]
			if !exists {
				return
			}
			if entry.inflight > 0 {
				entry.inflight--
			}
			if entry.descriptor.Status == types.WorkerStatusBusy && entry.inflight < entry.descriptor.MaxConcurrent {
				entry.descriptor.Status = types.WorkerStatusActive
				r.updateWorkerGauges()
			}
		})
	}
}

// updateWorkerGauges pushes per-type, per-status worker counts. The caller
// must hold the lock.
func (r *Registry) updateWorkerGauges() {
	if r.metrics == nil {
		return
	}

	counts := make(map[types.WorkerType]map[types.WorkerStatus]int)
	for _, entry := range r.workers {
		if counts[entry.descriptor.Type] == nil {
			counts[entry.descriptor.Type] = make(map[types.WorkerStatus]int)
		}
		counts[entry.descriptor.Type][entry.descriptor.Status]++
	}

	statuses := []types.WorkerStatus{
		types.WorkerStatusActive,
		types.WorkerStatusIdle,
		types.WorkerStatusBusy,
		types.WorkerStatusError,
	}
	for _, workerType := range types.AllWorkerTypes() {
		for _, status := range statuses {
			r.metrics.UpdateRegisteredWorkers(workerType.String(), string(status), counts[workerType][status])
		}
	}
}

// Close stops the janitor loop
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

func (r *Registry) janitorLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.expireStaleWorkers()
		}
	}
}

// expireStaleWorkers marks workers whose heartbeat is older than the timeout
// as errored so selection skips them
func (r *Registry) expireStaleWorkers() {
	cutoff := time.Now().Add(-r.config.HeartbeatTimeout)

	r.mu.Lock()
	expired := make([]string, 0)
	for workerID, entry := range r.workers {
		if entry.descriptor.Status == types.WorkerStatusError {
			continue
		}
		if entry.descriptor.LastSeen.Before(cutoff) {
			entry.descriptor.Status = types.WorkerStatusError
			expired = append(expired, workerID)
		}
	}
	if len(expired) > 0 {
		r.updateWorkerGauges()
	}
	r.mu.Unlock()

	for _, workerID := range expired {
		r.logger.Warn("Worker heartbeat stale, marked as error",
			"worker_id", workerID,
			"heartbeat_timeout", r.config.HeartbeatTimeout,
		)
	}
}
