// Package worker implements the Worker Pool (C7): N consumer tasks
// that claim jobs from the queue, hand them to the pipeline engine,
// and ack/nack based on the outcome.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mwork/photofabric/internal/errs"
	"github.com/mwork/photofabric/internal/pipeline"
	"github.com/mwork/photofabric/internal/queue"
)

// Lifecycle is the pool's coarse-grained state (spec.md §4.C7).
type Lifecycle string

const (
	LifecycleStarting Lifecycle = "starting"
	LifecycleRunning  Lifecycle = "running"
	LifecyclePaused   Lifecycle = "paused"
	LifecycleDraining Lifecycle = "draining"
	LifecycleStopped  Lifecycle = "stopped"
)

// Health is one consumer's self-report.
type Health struct {
	ActiveJobs     int64
	ProcessedTotal int64
	FailedTotal    int64
	LastHeartbeat  time.Time
}

// Config bundles the pool's tunables.
type Config struct {
	Concurrency  int
	LeaseMS      int64
	RateLimit    int // max claims per second across the pool; 0 disables
	StageTimeout time.Duration
	CancelGrace  time.Duration
	PipelineName string
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.LeaseMS <= 0 {
		c.LeaseMS = 60_000
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.PipelineName == "" {
		c.PipelineName = pipeline.PipelineFull
	}
}

// consumer is one claimant goroutine; the pool scales by adding or
// draining consumers.
type consumer struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	activeJobs     int64
	processedTotal int64
	failedTotal    int64
	lastHeartbeat  atomic.Value // time.Time
}

func (c *consumer) health() Health {
	hb, _ := c.lastHeartbeat.Load().(time.Time)
	return Health{
		ActiveJobs:     atomic.LoadInt64(&c.activeJobs),
		ProcessedTotal: atomic.LoadInt64(&c.processedTotal),
		FailedTotal:    atomic.LoadInt64(&c.failedTotal),
		LastHeartbeat:  hb,
	}
}

// Pool binds Config.Concurrency consumer tasks to a queue and engine.
type Pool struct {
	q      *queue.Queue
	engine *pipeline.Engine
	cfg    Config

	mu        sync.Mutex
	lifecycle Lifecycle
	consumers map[string]*consumer
	limiter   *rateLimiter
}

// New builds a worker Pool; call Start to begin claiming.
func New(q *queue.Queue, engine *pipeline.Engine, cfg Config) *Pool {
	cfg.applyDefaults()
	return &Pool{
		q:         q,
		engine:    engine,
		cfg:       cfg,
		lifecycle: LifecycleStarting,
		consumers: make(map[string]*consumer),
		limiter:   newRateLimiter(cfg.RateLimit),
	}
}

// Start launches cfg.Concurrency consumers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	log.Info().Int("concurrency", p.cfg.Concurrency).Msg("worker pool: starting")
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.spawnLocked()
	}
	p.lifecycle = LifecycleRunning
}

func (p *Pool) spawnLocked() *consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &consumer{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}
	p.consumers[c.id] = c
	go p.runConsumer(ctx, c)
	return c
}

// Pause stops new claims without tearing down consumer goroutines.
func (p *Pool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lifecycle = LifecyclePaused
}

// Resume reverses Pause.
func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lifecycle == LifecyclePaused {
		p.lifecycle = LifecycleRunning
	}
}

// ScaleTo adjusts the live consumer count to target. Excess consumers
// are stopped by cancelling their contexts, so a job one of them is
// running is cut short and nacked as retryable instead of finishing.
func (p *Pool) ScaleTo(target int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := len(p.consumers)
	if target > current {
		for i := 0; i < target-current; i++ {
			p.spawnLocked()
		}
		return
	}

	excess := current - target
	for id, c := range p.consumers {
		if excess == 0 {
			break
		}
		c.cancel()
		delete(p.consumers, id)
		excess--
	}
}

// Drain marks the pool draining and cancels every consumer's context
// at once; it does not wait for active jobs to finish first. A cut-short
// job is nacked as retryable by its consumer. Drain then waits up to
// shutdownTimeout for the consumers to exit; a consumer still running
// at the deadline is abandoned, and its job returns to waiting through
// the janitor's stalled-lease sweep once its lease expires.
func (p *Pool) Drain(shutdownTimeout time.Duration) {
	p.mu.Lock()
	p.lifecycle = LifecycleDraining
	consumers := make([]*consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
		c.cancel()
	}
	p.mu.Unlock()

	deadline := time.After(shutdownTimeout)
	for _, c := range consumers {
		select {
		case <-c.done:
		case <-deadline:
			log.Warn().Msg("worker pool: drain timeout exceeded, remaining consumers abandoned")
		}
	}

	p.mu.Lock()
	p.lifecycle = LifecycleStopped
	p.mu.Unlock()
}

// Health aggregates every live consumer's self-report.
func (p *Pool) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	var agg Health
	for _, c := range p.consumers {
		h := c.health()
		agg.ActiveJobs += h.ActiveJobs
		agg.ProcessedTotal += h.ProcessedTotal
		agg.FailedTotal += h.FailedTotal
		if h.LastHeartbeat.After(agg.LastHeartbeat) {
			agg.LastHeartbeat = h.LastHeartbeat
		}
	}
	return agg
}

// Lifecycle reports the pool's current lifecycle state.
func (p *Pool) Lifecycle() Lifecycle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lifecycle
}

func (p *Pool) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lifecycle == LifecyclePaused
}

func (p *Pool) runConsumer(ctx context.Context, c *consumer) {
	defer close(c.done)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.isPaused() || !p.limiter.allow() {
				continue
			}
			p.claimAndProcess(ctx, c)
		}
	}
}

func (p *Pool) claimAndProcess(ctx context.Context, c *consumer) {
	job, err := p.q.Claim(ctx, p.cfg.LeaseMS)
	if err != nil {
		log.Error().Err(err).Msg("worker pool: claim failed")
		return
	}
	if job == nil {
		return
	}

	atomic.AddInt64(&c.activeJobs, 1)
	defer atomic.AddInt64(&c.activeJobs, -1)
	c.lastHeartbeat.Store(time.Now())

	photoID, err := uuid.Parse(job.PhotoID)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.JobID).Msg("worker pool: job has invalid photo_id, dead-lettering")
		p.q.Nack(ctx, job.JobID, false, "invalid photo_id: "+err.Error())
		atomic.AddInt64(&c.failedTotal, 1)
		return
	}

	pipelineName := job.PipelineName
	if pipelineName == "" {
		pipelineName = p.cfg.PipelineName
	}

	runErr := p.engine.Run(ctx, photoID, job.BlobKey, job.Bucket, pipelineName)
	c.lastHeartbeat.Store(time.Now())

	// Drain/scale-down cancel this consumer's ctx out from under an
	// in-flight job; the ack/nack call itself must still reach the
	// queue backend, so it needs a context of its own once ctx is done.
	ackCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ackCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if runErr == nil {
		if err := p.q.Ack(ackCtx, job.JobID); err != nil {
			log.Error().Err(err).Str("job_id", job.JobID).Msg("worker pool: ack failed")
		}
		atomic.AddInt64(&c.processedTotal, 1)
		return
	}

	retryable := errs.IsRetryable(runErr)
	if err := p.q.Nack(ackCtx, job.JobID, retryable, runErr.Error()); err != nil {
		log.Error().Err(err).Str("job_id", job.JobID).Msg("worker pool: nack failed")
	}
	atomic.AddInt64(&c.failedTotal, 1)
}
