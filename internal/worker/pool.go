// Package worker runs the long-lived consumers that execute queued jobs.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hragent/usageguard/internal/queue"
	log "github.com/sirupsen/logrus"
)

const (
	initialBackoff    = time.Second
	maxBackoff        = 30 * time.Second
	defaultJobTimeout = 30 * time.Second
	completeTimeout   = 5 * time.Second
)

// JobHandler executes jobs of the kinds it accepts.
type JobHandler interface {
	CanHandle(kind queue.Kind) bool
	Execute(ctx context.Context, job *queue.Job) error
}

// Source is the part of the queue the pool consumes from.
type Source interface {
	Read(ctx context.Context, consumer string) (*queue.Job, error)
	MarkRunning(ctx context.Context, job *queue.Job) error
	Complete(ctx context.Context, job *queue.Job, jobErr error) error
}

// FailureFunc observes jobs that ended in the failed state.
type FailureFunc func(ctx context.Context, job *queue.Job, jobErr error)

// Config controls pool size and per-job limits.
type Config struct {
	Workers    int
	Name       string
	JobTimeout time.Duration
}

// Stats are cumulative job counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Pool is a fixed set of goroutines; each executes exactly one job at a time.
type Pool struct {
	source    Source
	handlers  []JobHandler
	cfg       Config
	onFailure FailureFunc

	startOnce sync.Once
	wg        sync.WaitGroup
	processed atomic.Int64
	failed    atomic.Int64
}

// NewPool constructs a pool. Start must be called once to begin consuming.
func NewPool(source Source, cfg Config, handlers ...JobHandler) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.Name == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		cfg.Name = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	return &Pool{source: source, handlers: handlers, cfg: cfg}
}

// OnFailure registers a hook invoked after a job is marked failed.
func (p *Pool) OnFailure(fn FailureFunc) {
	p.onFailure = fn
}

// Start launches the workers. Later calls are no-ops.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.cfg.Workers; i++ {
			consumer := fmt.Sprintf("%s-%d", p.cfg.Name, i)
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.run(ctx, consumer)
			}()
		}
		log.Infof("worker pool started (workers=%d name=%s)", p.cfg.Workers, p.cfg.Name)
	})
}

// Wait blocks until every worker has returned after ctx cancellation.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Workers,
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Pool) run(ctx context.Context, consumer string) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.source.Read(ctx, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).WithField("consumer", consumer).Warnf("worker: read failed (retry in %s)", backoff)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return
			case <-timer.C:
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff
		if job == nil {
			continue
		}
		p.process(ctx, consumer, job)
	}
}

// process runs one job to completion. The job keeps running through shutdown
// so an acknowledged read is never abandoned halfway.
func (p *Pool) process(ctx context.Context, consumer string, job *queue.Job) {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.JobTimeout)
	defer cancel()

	entry := log.WithFields(log.Fields{"job_id": job.ID, "kind": job.Payload.Kind, "consumer": consumer})
	started := time.Now()

	errJob := p.execute(jobCtx, job)

	completeCtx, completeCancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	if errComplete := p.source.Complete(completeCtx, job, errJob); errComplete != nil {
		entry.WithError(errComplete).Warn("worker: complete failed")
	}
	completeCancel()
	p.processed.Add(1)
	if errJob == nil {
		entry.Debugf("worker: job finished in %s", time.Since(started))
		return
	}

	p.failed.Add(1)
	entry.WithError(errJob).Warn("worker: job failed")
	if p.onFailure != nil {
		hookCtx, hookCancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
		p.onFailure(hookCtx, job, errJob)
		hookCancel()
	}
}

func (p *Pool) execute(ctx context.Context, job *queue.Job) (errJob error) {
	if errValidate := job.Payload.Validate(); errValidate != nil {
		return errValidate
	}
	handler := p.handlerFor(job.Payload.Kind)
	if handler == nil {
		return fmt.Errorf("worker: no handler for kind %q", job.Payload.Kind)
	}
	if errMark := p.source.MarkRunning(ctx, job); errMark != nil {
		log.WithError(errMark).WithField("job_id", job.ID).Warn("worker: mark running failed")
	}

	defer func() {
		if r := recover(); r != nil {
			errJob = fmt.Errorf("worker: handler panic: %v", r)
		}
	}()
	return handler.Execute(ctx, job)
}

func (p *Pool) handlerFor(kind queue.Kind) JobHandler {
	for _, h := range p.handlers {
		if h.CanHandle(kind) {
			return h
		}
	}
	return nil
}
