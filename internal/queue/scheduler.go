package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// RecurringJob describes a job template enqueued on a cron schedule
// (spec.md §4.C13). CronExpr uses the standard 5-field cron syntax.
type RecurringJob struct {
	Name         string
	CronExpr     string
	PipelineName string
	Stages       []string
	Priority     int
}

// Scheduler enqueues RecurringJob templates on their cron schedules,
// deriving a deterministic job_id from the job name and its nominal
// fire time so a missed tick or a duplicate scheduler instance never
// double-enqueues the same occurrence.
type Scheduler struct {
	queue *Queue
	cron  *cron.Cron
	jobs  []RecurringJob
}

// NewScheduler builds a recurring job scheduler bound to queue.
func NewScheduler(q *Queue) *Scheduler {
	return &Scheduler{queue: q, cron: cron.New()}
}

// Register adds a recurring job template. Call before Start.
func (s *Scheduler) Register(job RecurringJob) error {
	_, err := s.cron.AddFunc(job.CronExpr, func() {
		s.fire(job)
	})
	if err != nil {
		return fmt.Errorf("register recurring job %q: %w", job.Name, err)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start begins dispatching registered jobs on their schedules.
func (s *Scheduler) Start() {
	log.Info().Int("recurring_jobs", len(s.jobs)).Msg("queue scheduler: starting")
	s.cron.Start()
}

// Stop halts the scheduler; in-flight fires are allowed to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) fire(job RecurringJob) {
	nominal := time.Now().Truncate(time.Minute)
	jobID := RecurringJobID(job.Name, nominal)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.queue.Enqueue(ctx, jobID, Job{
		PipelineName: job.PipelineName,
		Stages:       job.Stages,
	}, EnqueueOptions{Priority: job.Priority})
	if err != nil {
		log.Error().Err(err).Str("recurring_job", job.Name).Msg("queue scheduler: enqueue failed")
		return
	}
	log.Info().Str("recurring_job", job.Name).Str("job_id", jobID).Msg("queue scheduler: enqueued occurrence")
}

// RecurringJobID derives the deterministic job_id for one occurrence
// of a named recurring job at its nominal fire time, so retried
// scheduler ticks and redundant scheduler instances converge on the
// same enqueue.
func RecurringJobID(name string, nominal time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", name, nominal.Unix())))
	return "recurring:" + hex.EncodeToString(sum[:8])
}
