package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mwork/photofabric/internal/errs"
)

const (
	keyJobs    = "queue:jobs"
	keyWaiting = "queue:waiting"
	keyDelayed = "queue:delayed"
	keyActive  = "queue:active"
	keyDLQ     = "queue:dlq"
	keyPaused  = "queue:paused"
)

// DeadLetterEntry is one record appended to the DLQ on terminal failure.
type DeadLetterEntry struct {
	Job       Job    `json:"job"`
	LastError string `json:"last_error"`
	FailedAt  int64  `json:"failed_at"`
}

// Queue is the Redis-backed Job Queue (C4).
type Queue struct {
	client *redis.Client
}

// New wraps an existing Redis client as the job queue backend; it may
// share the connection the event transport uses (spec.md §6).
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func nowMS() int64 { return time.Now().UnixMilli() }

// Enqueue inserts job with the given options, or returns the existing
// job unchanged if jobID already names a non-terminal job
// (producer-side idempotency, spec.md §4.C4).
func (q *Queue) Enqueue(ctx context.Context, jobID string, job Job, opts EnqueueOptions) (*Job, error) {
	job.JobID = jobID
	applyDefaults(&job, opts)

	encoded, err := json.Marshal(job)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "encode job", err)
	}

	set, err := q.client.HSetNX(ctx, keyJobs, jobID, encoded).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "enqueue job", err)
	}

	if !set {
		existing, err := q.getJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if isTerminal(existing.State) {
			// A prior job with this ID reached a terminal state; a
			// fresh enqueue under the same ID starts a new job.
			if _, err := q.client.HSet(ctx, keyJobs, jobID, encoded).Result(); err != nil {
				return nil, errs.Wrap(errs.KindTransient, "re-enqueue terminal job", err)
			}
		} else {
			return existing, nil
		}
	}

	if err := q.place(ctx, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// BulkEnqueue inserts N jobs atomically: on any backend failure none
// are enqueued (spec.md §4.C4 "all-or-nothing").
func (q *Queue) BulkEnqueue(ctx context.Context, jobIDs []string, jobs []Job, opts []EnqueueOptions) ([]*Job, error) {
	if len(jobIDs) != len(jobs) || len(jobs) != len(opts) {
		return nil, errs.New(errs.KindValidation, "bulk enqueue: mismatched slice lengths")
	}

	pipe := q.client.TxPipeline()
	results := make([]*Job, len(jobs))

	for i, job := range jobs {
		job.JobID = jobIDs[i]
		applyDefaults(&job, opts[i])
		jobs[i] = job

		encoded, err := json.Marshal(job)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "encode job", err)
		}
		pipe.HSetNX(ctx, keyJobs, job.JobID, encoded)
		if job.State == StateDelayed {
			pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(job.AvailableAt), Member: job.JobID})
		} else {
			pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: job.score(), Member: job.JobID})
		}
		results[i] = &jobs[i]
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errs.Transient(err, "bulk enqueue %d jobs", len(jobs))
	}
	return results, nil
}

func (q *Queue) place(ctx context.Context, job *Job) error {
	if job.State == StateDelayed {
		if err := q.client.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(job.AvailableAt), Member: job.JobID}).Err(); err != nil {
			return errs.Transient(err, "place delayed job %s", job.JobID)
		}
		return nil
	}
	if err := q.client.ZAdd(ctx, keyWaiting, redis.Z{Score: job.score(), Member: job.JobID}).Err(); err != nil {
		return errs.Transient(err, "place waiting job %s", job.JobID)
	}
	return nil
}

func applyDefaults(job *Job, opts EnqueueOptions) {
	now := nowMS()
	if opts.Priority == 0 {
		opts.Priority = 5
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff.Kind == "" {
		opts.Backoff = DefaultBackoff()
	}
	if opts.LeaseMS == 0 {
		opts.LeaseMS = 60_000
	}

	job.Priority = opts.Priority
	job.MaxAttempts = opts.MaxAttempts
	job.Backoff = opts.Backoff
	job.RemoveOnComplete = opts.RemoveOnComplete
	job.RemoveOnFail = opts.RemoveOnFail
	job.EnqueuedAt = now
	job.Attempts = 0

	if opts.DelayMS > 0 {
		job.AvailableAt = now + opts.DelayMS
		job.State = StateDelayed
	} else {
		job.AvailableAt = now
		job.State = StateWaiting
	}
}

// promoteDelayed moves every delayed job whose available_at has
// passed into the waiting set.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := nowMS()
	due, err := q.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now)}).Result()
	if err != nil {
		return errs.Transient(err, "scan delayed jobs")
	}

	for _, jobID := range due {
		removed, err := q.client.ZRem(ctx, keyDelayed, jobID).Result()
		if err != nil || removed == 0 {
			continue // another claimant already promoted it
		}

		job, err := q.getJob(ctx, jobID)
		if err != nil {
			continue
		}
		job.State = StateWaiting
		if err := q.saveJob(ctx, job); err != nil {
			continue
		}
		q.client.ZAdd(ctx, keyWaiting, redis.Z{Score: job.score(), Member: jobID})
	}
	return nil
}

// Claim atomically moves the highest-priority, earliest-enqueued
// waiting job (whose available_at has passed) to active, records a
// lease, and increments attempts. Returns (nil, nil) if no job is
// currently claimable.
func (q *Queue) Claim(ctx context.Context, leaseMS int64) (*Job, error) {
	if exists, err := q.client.Exists(ctx, keyPaused).Result(); err == nil && exists > 0 {
		return nil, nil
	}

	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	popped, err := q.client.ZPopMin(ctx, keyWaiting, 1).Result()
	if err != nil {
		return nil, errs.Transient(err, "claim job")
	}
	if len(popped) == 0 {
		return nil, nil
	}

	jobID, ok := popped[0].Member.(string)
	if !ok {
		return nil, errs.Internal(nil, "claim job: unexpected member type")
	}

	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	now := nowMS()
	job.Attempts++
	job.State = StateActive
	if leaseMS <= 0 {
		leaseMS = 60_000
	}
	job.LeaseDeadline = now + leaseMS

	if err := q.saveJob(ctx, job); err != nil {
		return nil, err
	}
	if err := q.client.ZAdd(ctx, keyActive, redis.Z{Score: float64(job.LeaseDeadline), Member: jobID}).Err(); err != nil {
		return nil, errs.Transient(err, "record active lease")
	}

	return job, nil
}

// Extend renews an active job's lease by additionalMS.
func (q *Queue) Extend(ctx context.Context, jobID string, additionalMS int64) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != StateActive {
		return errs.Conflict("extend: job %s is not active", jobID)
	}

	job.LeaseDeadline += additionalMS
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	if err := q.client.ZAdd(ctx, keyActive, redis.Z{Score: float64(job.LeaseDeadline), Member: jobID}).Err(); err != nil {
		return errs.Transient(err, "renew lease for job %s", jobID)
	}
	return nil
}

// Ack marks job as successfully completed (terminal).
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	q.client.ZRem(ctx, keyActive, jobID)

	if job.RemoveOnComplete {
		if err := q.client.HDel(ctx, keyJobs, jobID).Err(); err != nil {
			return errs.Transient(err, "remove completed job %s", jobID)
		}
		return nil
	}
	job.State = StateCompleted
	return q.saveJob(ctx, job)
}

// Nack reports job's processing failure. retryable selects whether
// the job returns to delayed (backoff) or moves straight to the DLQ;
// attempts exhausting max_attempts always routes to the DLQ
// regardless of retryable.
func (q *Queue) Nack(ctx context.Context, jobID string, retryable bool, reason string) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	q.client.ZRem(ctx, keyActive, jobID)
	job.LastError = reason

	if retryable && job.Attempts < job.MaxAttempts {
		delay := job.Backoff.Delay(job.Attempts)
		job.AvailableAt = nowMS() + delay.Milliseconds()
		job.State = StateDelayed
		if err := q.saveJob(ctx, job); err != nil {
			return err
		}
		if err := q.client.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(job.AvailableAt), Member: jobID}).Err(); err != nil {
			return errs.Transient(err, "reschedule job %s", jobID)
		}
		return nil
	}

	return q.deadLetter(ctx, job, reason)
}

func (q *Queue) deadLetter(ctx context.Context, job *Job, reason string) error {
	job.State = StateDeadLetter
	entry := DeadLetterEntry{Job: *job, LastError: reason, FailedAt: nowMS()}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "encode dead letter entry", err)
	}

	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, keyDLQ, encoded)
	if job.RemoveOnFail {
		pipe.HDel(ctx, keyJobs, job.JobID)
	} else {
		jobEncoded, err := json.Marshal(job)
		if err != nil {
			return errs.Wrap(errs.KindInternal, "encode job", err)
		}
		pipe.HSet(ctx, keyJobs, job.JobID, jobEncoded)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Transient(err, "dead-letter job %s", job.JobID)
	}
	return nil
}

// PromoteStalled returns every active job whose lease has expired
// back to waiting, without incrementing attempts (already counted at
// claim time). Intended to be called by the janitor task on a ticker.
func (q *Queue) PromoteStalled(ctx context.Context) (int, error) {
	now := nowMS()
	stalled, err := q.client.ZRangeByScore(ctx, keyActive, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now)}).Result()
	if err != nil {
		return 0, errs.Transient(err, "scan active jobs")
	}

	count := 0
	for _, jobID := range stalled {
		removed, err := q.client.ZRem(ctx, keyActive, jobID).Result()
		if err != nil || removed == 0 {
			continue
		}

		job, err := q.getJob(ctx, jobID)
		if err != nil {
			continue
		}
		job.State = StateWaiting
		if err := q.saveJob(ctx, job); err != nil {
			continue
		}
		if err := q.client.ZAdd(ctx, keyWaiting, redis.Z{Score: job.score(), Member: jobID}).Err(); err == nil {
			count++
		}
	}
	return count, nil
}

// Pause stops new claims from being issued; enqueues are still accepted.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.client.Set(ctx, keyPaused, "1", 0).Err(); err != nil {
		return errs.Transient(err, "pause queue")
	}
	return nil
}

// Resume re-enables claims after Pause.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.client.Del(ctx, keyPaused).Err(); err != nil {
		return errs.Transient(err, "resume queue")
	}
	return nil
}

// Get fetches a job by ID regardless of state.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	return q.getJob(ctx, jobID)
}

// Depth reports the queue's waiting/delayed/active/dlq lengths, used by C9.
type Depth struct {
	Waiting int64
	Delayed int64
	Active  int64
	DLQ     int64
}

func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, keyWaiting)
	delayed := pipe.ZCard(ctx, keyDelayed)
	active := pipe.ZCard(ctx, keyActive)
	dlq := pipe.LLen(ctx, keyDLQ)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, errs.Transient(err, "read queue depth")
	}
	return Depth{Waiting: waiting.Val(), Delayed: delayed.Val(), Active: active.Val(), DLQ: dlq.Val()}, nil
}

func (q *Queue) getJob(ctx context.Context, jobID string) (*Job, error) {
	raw, err := q.client.HGet(ctx, keyJobs, jobID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, errs.NotFound("job %s", jobID)
		}
		return nil, errs.Transient(err, "get job %s", jobID)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "decode job", err)
	}
	return &job, nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "encode job", err)
	}
	if err := q.client.HSet(ctx, keyJobs, job.JobID, encoded).Err(); err != nil {
		return errs.Transient(err, "save job %s", job.JobID)
	}
	return nil
}

func isTerminal(state State) bool {
	return state == StateCompleted || state == StateDeadLetter
}
