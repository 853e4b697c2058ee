package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WORKER POOL - Routes market updates to a bounded set of workers
// ═══════════════════════════════════════════════════════════════════════════════
//
// One FIFO per asset: jobs for an asset run in order, different assets run in
// parallel up to the worker limit. A full queue drops its oldest job, since
// price ticks are snapshots and only the newest matters.
//
// Lifecycle jobs (market tracking, subscriptions) go through SubmitControl into
// a separate lane that is never dropped and runs ahead of queued ticks.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Job is one unit of work for an asset
type Job func(ctx context.Context)

type assetQueue struct {
	control []Job
	jobs    []Job
	running bool
}

func (q *assetQueue) len() int {
	return len(q.control) + len(q.jobs)
}

// next pops the oldest control job, else the oldest tick job
func (q *assetQueue) next() Job {
	if len(q.control) > 0 {
		job := q.control[0]
		q.control[0] = nil
		q.control = q.control[1:]
		return job
	}
	job := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return job
}

type WorkerPool struct {
	mu sync.Mutex

	queues    map[string]*assetQueue
	queueSize int
	sem       *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed atomic.Int64
	dropped   atomic.Int64
}

// NewWorkerPool creates a pool with at most workers concurrent jobs
func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		queues:    make(map[string]*assetQueue),
		queueSize: queueSize,
		sem:       semaphore.NewWeighted(int64(workers)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit queues a droppable job for asset. Returns false once the pool is stopped.
func (p *WorkerPool) Submit(asset string, job Job) bool {
	return p.enqueue(asset, job, false)
}

// SubmitControl queues a job that is never dropped. Returns false once the pool is stopped.
func (p *WorkerPool) SubmitControl(asset string, job Job) bool {
	return p.enqueue(asset, job, true)
}

func (p *WorkerPool) enqueue(asset string, job Job, control bool) bool {
	if p.ctx.Err() != nil {
		return false
	}

	p.mu.Lock()
	q, ok := p.queues[asset]
	if !ok {
		q = &assetQueue{}
		p.queues[asset] = q
	}
	switch {
	case control:
		q.control = append(q.control, job)
	case len(q.jobs) >= p.queueSize:
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		if n := p.dropped.Add(1); n%100 == 1 {
			log.Debug().Str("asset", asset).Int64("dropped", n).Msg("Worker queue full, dropping oldest")
		}
		q.jobs = append(q.jobs, job)
	default:
		q.jobs = append(q.jobs, job)
	}
	start := !q.running
	q.running = true
	p.mu.Unlock()

	if start {
		p.wg.Add(1)
		go p.drain(asset, q)
	}
	return true
}

// drain runs queued jobs for one asset until its queue is empty
func (p *WorkerPool) drain(asset string, q *assetQueue) {
	defer p.wg.Done()

	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		p.mu.Lock()
		q.control, q.jobs = nil, nil
		q.running = false
		p.mu.Unlock()
		return
	}
	defer p.sem.Release(1)

	for {
		p.mu.Lock()
		if q.len() == 0 || p.ctx.Err() != nil {
			q.control, q.jobs = nil, nil
			q.running = false
			p.mu.Unlock()
			return
		}
		job := q.next()
		p.mu.Unlock()

		p.run(asset, job)
	}
}

func (p *WorkerPool) run(asset string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("asset", asset).Interface("panic", r).Msg("🚨 Worker job panicked")
		}
	}()
	job(p.ctx)
	p.processed.Add(1)
}

// Pending returns queued jobs for asset
func (p *WorkerPool) Pending(asset string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queues[asset]; ok {
		return q.len()
	}
	return 0
}

// Stop cancels running jobs and waits up to timeout for workers to exit
func (p *WorkerPool) Stop(timeout time.Duration) bool {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("⚠️ Worker pool did not stop in time")
		return false
	}
}

// GetMetrics returns pool counters
func (p *WorkerPool) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"processed": p.processed.Load(),
		"dropped":   p.dropped.Load(),
	}
}
