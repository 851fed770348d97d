package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Janitor periodically sweeps active jobs whose lease has expired back
// to waiting, grounded on the promotion worker's ticker loop.
type Janitor struct {
	queue    *Queue
	interval time.Duration
	stopCh   chan struct{}
}

// NewJanitor builds a stalled-job sweeper; interval defaults to 15s.
func NewJanitor(q *Queue, interval time.Duration) *Janitor {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &Janitor{queue: q, interval: interval, stopCh: make(chan struct{})}
}

// Start launches the sweep loop in the background.
func (j *Janitor) Start() {
	log.Info().Dur("interval", j.interval).Msg("queue janitor: starting stalled-job sweep")
	go j.loop()
}

// Stop halts the sweep loop.
func (j *Janitor) Stop() {
	close(j.stopCh)
}

func (j *Janitor) loop() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep()
		case <-j.stopCh:
			return
		}
	}
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	count, err := j.queue.PromoteStalled(ctx)
	if err != nil {
		log.Error().Err(err).Msg("queue janitor: stalled-job sweep failed")
		return
	}
	if count > 0 {
		log.Warn().Int("count", count).Msg("queue janitor: requeued stalled jobs")
	}
}
