package aitask

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/lumen/config"
	"github.com/projecteru2/lumen/lock"
	"github.com/projecteru2/lumen/notify"
	"github.com/projecteru2/lumen/types"
)

const (
	// itemBatch is how many items a worker claims per drain round.
	itemBatch = 10

	// shutdownGrace is how long Stop waits for in-flight inference before
	// giving up; parked in_progress-equivalent items simply stay pending.
	shutdownGrace = 10 * time.Second

	// discoverLimit caps how many backlog items one sweep enqueues per
	// processor and model.
	discoverLimit = 50
)

// Dispatcher drains the task queues. One goroutine per live queue key pulls
// pending items FIFO and hands them to the kind's processor. A host-wide
// flock makes the dispatcher a singleton; extra processes stay passive and
// rely on the active one's discovery sweep to pick up their writes.
type Dispatcher struct {
	queue      *Queue
	env        *Env
	processors map[types.TaskKind]Processor
	locker     lock.Locker

	mu      sync.Mutex
	signals map[string]chan struct{}
	active  bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher wires the queue, the processors and the singleton lock.
func NewDispatcher(env *Env, locker lock.Locker) *Dispatcher {
	processors := map[types.TaskKind]Processor{}
	for _, p := range Processors(env) {
		processors[p.Kind()] = p
	}
	return &Dispatcher{
		queue:      NewQueue(env.DB),
		env:        env,
		processors: processors,
		locker:     locker,
		signals:    map[string]chan struct{}{},
	}
}

// Queue exposes the persistence layer for API surfaces (retry, ignore,
// status listings).
func (d *Dispatcher) Queue() *Queue {
	return d.queue
}

// Start acquires the singleton lock and spins up discovery. When another
// process holds the lock this dispatcher stays passive: Enqueue still
// persists items, the active process's sweep will run them.
func (d *Dispatcher) Start(ctx context.Context) error {
	logger := log.WithFunc("aitask.Start")

	acquired, err := d.locker.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("acquire dispatcher lock: %w", err)
	}
	if !acquired {
		logger.Infof(ctx, "dispatcher lock held elsewhere, staying passive")
		return nil
	}
	d.active = true

	runCtx, cancel := context.WithCancel(context.Background())
	d.runCtx, d.cancel = runCtx, cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.discoveryLoop(runCtx)
	}()

	logger.Infof(ctx, "dispatcher started, models: %v", d.env.Pool.Models())
	return nil
}

// Stop shuts the workers down, waiting up to the grace period.
func (d *Dispatcher) Stop(ctx context.Context) {
	if !d.active {
		return
	}
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.WithFunc("aitask.Stop").Warnf(ctx, "workers still busy after %s, abandoning", shutdownGrace)
	}
	if err := d.locker.Unlock(ctx); err != nil {
		log.WithFunc("aitask.Stop").Warnf(ctx, "release dispatcher lock: %v", err)
	}
}

// Enqueue persists items and nudges the queue's worker.
func (d *Dispatcher) Enqueue(ctx context.Context, kind types.TaskKind, modelName string, itemIDs ...int64) (int64, error) {
	added, err := d.queue.Enqueue(ctx, kind, modelName, itemIDs...)
	if err != nil {
		return 0, err
	}
	if added > 0 {
		d.nudge(types.QueueKey(kind, modelName))
		d.publishStatus(ctx, types.QueueKey(kind, modelName))
	}
	return added, nil
}

// EnqueueForAllModels enqueues the items once per configured embedding
// model. The upload path uses this so every model's index stays complete.
func (d *Dispatcher) EnqueueForAllModels(ctx context.Context, kind types.TaskKind, itemIDs ...int64) {
	for _, model := range d.env.Pool.Models() {
		if _, err := d.Enqueue(ctx, kind, model, itemIDs...); err != nil {
			log.WithFunc("aitask.EnqueueForAllModels").Warnf(ctx, "enqueue %s to %s: %v", kind, model, err)
		}
	}
}

// nudge wakes (creating if needed) the worker of a queue key. Passive
// dispatchers skip this; persistence already happened.
func (d *Dispatcher) nudge(key string) {
	if !d.active {
		return
	}
	d.ensureWorker(d.runCtx, key)
	d.mu.Lock()
	ch := d.signals[key]
	d.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
}

// ensureWorker starts a worker for the key if none runs yet.
func (d *Dispatcher) ensureWorker(ctx context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.signals[key]; ok {
		return
	}
	ch := make(chan struct{}, 1)
	d.signals[key] = ch
	// Pre-signal so the new worker drains immediately.
	ch <- struct{}{}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runWorker(ctx, key, ch)
	}()
}

// discoveryLoop sweeps for queue keys holding pending items. It is the slow
// path behind nudge: it catches items enqueued by other processes and items
// left over from before a restart.
func (d *Dispatcher) discoveryLoop(ctx context.Context) {
	logger := log.WithFunc("aitask.discovery")
	ticker := time.NewTicker(d.env.Conf.DiscoveryInterval.D())
	defer ticker.Stop()

	for {
		keys, err := d.queue.PendingQueueKeys(ctx)
		if err != nil {
			logger.Warnf(ctx, "sweep failed: %v", err)
		}
		for _, key := range keys {
			d.nudge(key)
		}
		d.discoverBacklog(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// discoverBacklog asks every processor for items that should be queued but
// are not: rows written by passive processes, work predating a model's
// addition, items wiped by a retry. Enqueue dedupes, so re-finding an item
// already queued is harmless.
func (d *Dispatcher) discoverBacklog(ctx context.Context) {
	logger := log.WithFunc("aitask.discovery")
	for _, processor := range d.processors {
		capability := processor.Capability()
		for _, model := range d.env.Pool.Models() {
			if capability != "" && !d.env.Pool.Capable(model, capability) {
				continue
			}
			ids, err := processor.FindPending(ctx, model, discoverLimit)
			if err != nil {
				logger.Warnf(ctx, "%s backlog for %s: %v", processor.Kind(), model, err)
				continue
			}
			if len(ids) == 0 {
				continue
			}
			if _, err := d.Enqueue(ctx, processor.Kind(), model, ids...); err != nil {
				logger.Warnf(ctx, "%s backlog for %s: %v", processor.Kind(), model, err)
			}
		}
	}
}

// splitKey undoes types.QueueKey. Kind names carry no colon, so the first
// one terminates the kind.
func splitKey(key string) (types.TaskKind, string) {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return types.TaskKind(key[:i]), key[i+1:]
	}
	return types.TaskKind(key), ""
}

// runWorker drains one queue until shutdown, sleeping on its signal channel
// between rounds.
func (d *Dispatcher) runWorker(ctx context.Context, key string, signal <-chan struct{}) {
	logger := log.WithFunc("aitask.worker")
	kind, modelName := splitKey(key)
	processor, ok := d.processors[kind]
	if !ok {
		logger.Errorf(ctx, fmt.Errorf("no processor for kind %s", kind), "queue %s is dead", key)
		return
	}
	ticker := time.NewTicker(d.env.Conf.DispatchInterval.D())
	defer ticker.Stop()

	for {
		drained, err := d.drain(ctx, key, kind, modelName, processor)
		if err != nil && ctx.Err() == nil {
			logger.Warnf(ctx, "queue %s drain: %v", key, err)
		}
		if drained > 0 {
			// More might be waiting; loop immediately.
			continue
		}
		select {
		case <-signal:
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// drain claims one batch and processes it, returning how many items it ran.
func (d *Dispatcher) drain(ctx context.Context, key string, kind types.TaskKind, modelName string, processor Processor) (int, error) {
	items, err := d.queue.NextPending(ctx, key, itemBatch)
	if err != nil || len(items) == 0 {
		return 0, err
	}

	logger := log.WithFunc("aitask.worker")
	if err := d.queue.SetStatus(ctx, key, types.QueueProcessing); err != nil {
		logger.Warnf(ctx, "queue %s: %v", key, err)
	}
	d.publishStatus(ctx, key)

	processed := 0
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		item := &items[i]
		if err := processor.Process(ctx, modelName, item.ItemID); err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warnf(ctx, "queue %s item %d failed: %v", key, item.ItemID, err)
			if ferr := d.queue.Fail(ctx, item, err); ferr != nil {
				logger.Warnf(ctx, "queue %s: %v", key, ferr)
			}
		} else if cerr := d.queue.Complete(ctx, item); cerr != nil {
			logger.Warnf(ctx, "queue %s: %v", key, cerr)
		}
		processed++
	}

	if err := d.queue.SetStatus(ctx, key, types.QueueIdle); err != nil {
		logger.Warnf(ctx, "queue %s: %v", key, err)
	}
	d.publishStatus(ctx, key)
	return processed, nil
}

// publishStatus pushes the queue's live counts to subscribers.
func (d *Dispatcher) publishStatus(ctx context.Context, key string) {
	if d.env.Bus == nil {
		return
	}
	status, err := d.queue.Status(ctx, key)
	if err != nil {
		log.WithFunc("aitask.publishStatus").Warnf(ctx, "queue %s: %v", key, err)
		return
	}
	d.env.Bus.Publish(ctx, notify.TopicAIQueueStatus, status)
}

// OnImageCreated is the storage manager hook: a fresh catalog row fans out
// into embedding and scoring work.
func (d *Dispatcher) OnImageCreated(ctx context.Context, img *types.Image) {
	logger := log.WithFunc("aitask.OnImageCreated")
	for _, model := range d.env.Pool.Models() {
		if d.env.Pool.Capable(model, config.CapEmbed) {
			if _, err := d.Enqueue(ctx, types.TaskImageEmbedding, model, img.ID); err != nil {
				logger.Warnf(ctx, "image %d: %v", img.ID, err)
			}
		}
		if d.env.Pool.Capable(model, config.CapAesthetic) {
			if _, err := d.Enqueue(ctx, types.TaskAestheticScore, model, img.ID); err != nil {
				logger.Warnf(ctx, "image %d: %v", img.ID, err)
			}
		}
	}
}
