// Package scheduler issues per-recipient sends at a fixed rate.
//
// Sends are spaced 1/R apart measured start to start, so a slow send does
// not push back the ones behind it. Up to Concurrency sends may be in
// flight; their outcomes are reported strictly in job order, and a slot is
// only freed once its outcome has been reported.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/foxzi/mailcast/internal/recipient"
	"github.com/foxzi/mailcast/internal/transport"
)

// ErrInvalidRate is returned for a rate below one send per second
var ErrInvalidRate = errors.New("send rate must be at least 1 per second")

// Job is one recipient ready to send. A job with Err set could not be
// prepared; it is reported in order without being sent.
type Job struct {
	Index   int
	Record  recipient.Record
	Message *transport.Message
	Err     error
}

// Result is the outcome of one job
type Result struct {
	Job      Job
	Receipt  *transport.Receipt
	Err      error
	IssuedAt time.Time
	Duration time.Duration
}

// Success reports whether the send was accepted
func (r Result) Success() bool {
	return r.Err == nil
}

// Reporter receives results in job order. An error stops the run.
type Reporter func(Result) error

// Gate may hold back a send, e.g. until an hourly quota frees up
type Gate interface {
	Acquire(ctx context.Context) error
}

// Config configures a Scheduler
type Config struct {
	// Rate is the ceiling in sends per second
	Rate int
	// Concurrency bounds unreported sends in flight, default 1
	Concurrency int
	Clock       Clock
	Gate        Gate
	Logger      *slog.Logger
}

// Summary describes a finished run
type Summary struct {
	Issued    int
	Skipped   int
	Succeeded int
	Failed    int
	Cancelled bool
	// IssueSpan is the time between the first and the last issue
	IssueSpan time.Duration
}

// Scheduler runs one send sequence. It is not reusable across runs.
type Scheduler struct {
	rate        int
	concurrency int
	clock       Clock
	gate        Gate
	logger      *slog.Logger

	cancelled atomic.Bool
	cancelCh  chan struct{}
	once      sync.Once
}

// New creates a scheduler
func New(cfg Config) (*Scheduler, error) {
	if cfg.Rate < 1 {
		return nil, ErrInvalidRate
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{
		rate:        cfg.Rate,
		concurrency: cfg.Concurrency,
		clock:       cfg.Clock,
		gate:        cfg.Gate,
		logger:      cfg.Logger,
		cancelCh:    make(chan struct{}),
	}, nil
}

// Interval returns the issue spacing
func (s *Scheduler) Interval() time.Duration {
	return time.Second / time.Duration(s.rate)
}

// Cancel stops issuing. Sends already in flight complete and are reported.
func (s *Scheduler) Cancel() {
	s.once.Do(func() {
		s.cancelled.Store(true)
		close(s.cancelCh)
	})
}

// Cancelled reports whether Cancel was called
func (s *Scheduler) Cancelled() bool {
	return s.cancelled.Load()
}

// Run sends every job through sender and reports each result. It returns
// when all issued sends are reported. Cancelling ctx behaves like Cancel.
func (s *Scheduler) Run(ctx context.Context, jobs iter.Seq[Job], sender transport.Sender, report Reporter) (Summary, error) {
	var (
		summary   Summary
		reportErr error
		gateErr   error
	)

	// issueCtx ends on ctx cancellation, Cancel, or a failed report
	issueCtx, stopIssue := context.WithCancel(ctx)
	defer stopIssue()
	go func() {
		select {
		case <-s.cancelCh:
			stopIssue()
		case <-issueCtx.Done():
		}
	}()

	sem := semaphore.NewWeighted(int64(s.concurrency))
	pending := make(chan chan Result, s.concurrency)
	sendCtx := context.WithoutCancel(ctx)

	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		for ch := range pending {
			res := <-ch
			if res.Success() {
				summary.Succeeded++
			} else {
				summary.Failed++
			}
			if err := report(res); err != nil && reportErr == nil {
				reportErr = err
				stopIssue()
				s.logger.Error("failed to report send outcome, stopping", "recipient_index", res.Job.Index, "error", err)
			}
			sem.Release(1)
		}
	}()

	var first, last time.Time
	interval := s.Interval()

	stopped := func() bool {
		return s.cancelled.Load() || issueCtx.Err() != nil
	}

	for job := range jobs {
		if stopped() {
			break
		}

		if job.Err != nil {
			if err := sem.Acquire(issueCtx, 1); err != nil {
				break
			}
			summary.Skipped++
			ch := make(chan Result, 1)
			ch <- Result{Job: job, Err: job.Err, IssuedAt: s.clock.Now()}
			pending <- ch
			continue
		}

		if summary.Issued > 0 {
			if wait := last.Add(interval).Sub(s.clock.Now()); wait > 0 {
				select {
				case <-s.clock.After(wait):
				case <-issueCtx.Done():
				}
				if issueCtx.Err() != nil {
					break
				}
			}
		}

		if s.gate != nil {
			if err := s.gate.Acquire(issueCtx); err != nil {
				if issueCtx.Err() == nil {
					gateErr = err
					s.logger.Error("send gate failed", "recipient_index", job.Index, "error", err)
				}
				break
			}
		}

		// a slot is freed only after the previous outcome is reported
		if err := sem.Acquire(issueCtx, 1); err != nil {
			break
		}
		if stopped() {
			sem.Release(1)
			break
		}

		last = s.clock.Now()
		if summary.Issued == 0 {
			first = last
		}
		summary.Issued++

		ch := make(chan Result, 1)
		pending <- ch
		go func(job Job, issued time.Time) {
			receipt, err := sender.Send(sendCtx, job.Message)
			ch <- Result{
				Job:      job,
				Receipt:  receipt,
				Err:      err,
				IssuedAt: issued,
				Duration: s.clock.Now().Sub(issued),
			}
		}(job, last)
	}

	close(pending)
	<-reporterDone

	summary.IssueSpan = last.Sub(first)
	summary.Cancelled = s.Cancelled() || ctx.Err() != nil

	if reportErr != nil {
		return summary, fmt.Errorf("failed to report outcome: %w", reportErr)
	}
	if gateErr != nil {
		return summary, fmt.Errorf("failed to acquire send slot: %w", gateErr)
	}
	return summary, nil
}
