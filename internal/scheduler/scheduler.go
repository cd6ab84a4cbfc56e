package scheduler

import (
	"context"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/firefart/dmarcremediator/internal/cloudflare"
	"github.com/firefart/dmarcremediator/internal/metrics"
	"github.com/firefart/dmarcremediator/internal/pipeline"
	"github.com/firefart/dmarcremediator/internal/zones"
)

type PageSource interface {
	Pages(ctx context.Context) (iter.Seq[zones.Page], func() error)
}

type Processor interface {
	Process(ctx context.Context, zone cloudflare.Zone, tracked pipeline.Tracked) (pipeline.DomainResult, bool)
}

// Tracker is the progress store as seen by the scheduler.
type Tracker interface {
	Contains(domain string) bool
	Add(domain string) error
}

// Sink receives all results of the run so far after every batch.
type Sink interface {
	Write(results []pipeline.DomainResult) error
}

// Annotator adds optional, informational data to a finished result.
type Annotator interface {
	Annotate(ctx context.Context, res *pipeline.DomainResult)
}

type Options struct {
	Workers  int
	Cooldown time.Duration
	// Limit caps the number of domains dispatched in this run, 0 is no limit.
	Limit int
	// Track persists settled domains. Already tracked domains are skipped
	// either way.
	Track bool
}

type Summary struct {
	Results    []pipeline.DomainResult
	Dispatched int
	Tracked    int
	Pages      int
}

type Scheduler struct {
	processor Processor
	tracker   Tracker
	sink      Sink
	annotator Annotator
	opts      Options
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

type Option func(*Scheduler)

func WithAnnotator(a Annotator) Option {
	return func(s *Scheduler) { s.annotator = a }
}

// WithSleep is useful for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

func New(processor Processor, tracker Tracker, sink Sink, opts Options, logger *slog.Logger, options ...Option) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	s := &Scheduler{
		processor: processor,
		tracker:   tracker,
		sink:      sink,
		opts:      opts,
		logger:    logger,
		sleep:     sleepContext,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Run processes the zones page by page. Pages never overlap: tracking and
// the report flush of a page finish before the next page is fetched. Errors
// of single domains end up in their result rows; the returned error collects
// bookkeeping failures, an enumeration that ended on a fetch error and
// cancellation.
func (s *Scheduler) Run(ctx context.Context, source PageSource) (Summary, error) {
	var summary Summary
	var errs *multierror.Error

	pages, stopErr := source.Pages(ctx)
	for page := range pages {
		summary.Pages++

		remaining := 0
		if s.opts.Limit > 0 {
			remaining = s.opts.Limit - summary.Dispatched
		}
		batch := zones.Take(page.Zones, s.tracker, remaining)
		if len(batch) == 0 {
			s.logger.Info("skipping page, all domains already processed", "page", page.Number)
			continue
		}

		s.logger.Info("processing batch", "page", page.Number, "total_pages", page.TotalPages, "domains", len(batch))
		start := time.Now()
		results, dispatched := s.runBatch(ctx, batch)
		summary.Dispatched += dispatched

		tracked, err := s.settle(results)
		summary.Tracked += tracked
		errs = multierror.Append(errs, err)

		summary.Results = append(summary.Results, results...)
		if err := s.flush(summary.Results); err != nil {
			errs = multierror.Append(errs, err)
		}
		metrics.BatchDuration(time.Since(start))

		if ctx.Err() != nil {
			break
		}
		if s.opts.Limit > 0 && summary.Dispatched >= s.opts.Limit {
			s.logger.Info("reached total limit", "limit", s.opts.Limit)
			break
		}
		if page.Number < page.TotalPages && s.opts.Cooldown > 0 {
			s.logger.Info("batch complete, cooling down", "cooldown", s.opts.Cooldown)
			if err := s.sleep(ctx, s.opts.Cooldown); err != nil {
				break
			}
		}
	}

	if err := stopErr(); err != nil && ctx.Err() == nil {
		s.logger.Error("zone enumeration ended on an error, later pages were not processed", "err", err)
		errs = multierror.Append(errs, err)
	}
	if err := ctx.Err(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return summary, errs.ErrorOrNil()
}

// RunBatch processes zones without enumeration, e.g. a single target
// domain. Tracking and the report flush work like in Run.
func (s *Scheduler) RunBatch(ctx context.Context, batch []cloudflare.Zone, tracked pipeline.Tracked) (Summary, error) {
	var errs *multierror.Error
	results, dispatched := s.runBatchWith(ctx, batch, tracked)
	n, err := s.settle(results)
	errs = multierror.Append(errs, err)
	if err := s.flush(results); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := ctx.Err(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return Summary{Results: results, Dispatched: dispatched, Tracked: n}, errs.ErrorOrNil()
}

func (s *Scheduler) runBatch(ctx context.Context, batch []cloudflare.Zone) ([]pipeline.DomainResult, int) {
	return s.runBatchWith(ctx, batch, s.tracker)
}

// runBatchWith returns once every worker is done, together with the number
// of zones handed to a worker. Results keep the order of batch. Domains that
// turned out to be tracked and zones not started before ctx was canceled are
// left out.
func (s *Scheduler) runBatchWith(ctx context.Context, batch []cloudflare.Zone, tracked pipeline.Tracked) ([]pipeline.DomainResult, int) {
	type slot struct {
		res pipeline.DomainResult
		ok  bool
	}
	slots := make([]slot, len(batch))
	var dispatched atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Workers)
	for i, z := range batch {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Go blocks while the pool is full, so check again
			if ctx.Err() != nil {
				return nil
			}
			dispatched.Add(1)
			res, ok := s.processor.Process(ctx, z, tracked)
			if ok && s.annotator != nil {
				s.annotator.Annotate(ctx, &res)
			}
			slots[i] = slot{res: res, ok: ok}
			return nil
		})
	}
	// workers report failures through their results
	_ = g.Wait()

	results := make([]pipeline.DomainResult, 0, len(batch))
	for _, sl := range slots {
		if sl.ok {
			results = append(results, sl.res)
		}
	}
	if n := int(dispatched.Load()); n < len(batch) {
		s.logger.Info("run canceled, zones left for the next run", "skipped", len(batch)-n)
	}
	return results, int(dispatched.Load())
}

func (s *Scheduler) settle(results []pipeline.DomainResult) (int, error) {
	if !s.opts.Track {
		return 0, nil
	}
	var errs *multierror.Error
	n := 0
	for _, r := range results {
		if !r.Settled() {
			continue
		}
		if err := s.tracker.Add(r.Domain); err != nil {
			s.logger.Error("could not track domain", "domain", r.Domain, "err", err)
			errs = multierror.Append(errs, err)
			continue
		}
		n++
	}
	return n, errs.ErrorOrNil()
}

func (s *Scheduler) flush(results []pipeline.DomainResult) error {
	if s.sink == nil || len(results) == 0 {
		return nil
	}
	if err := s.sink.Write(results); err != nil {
		s.logger.Error("could not save report", "err", err)
		return err
	}
	s.logger.Info("report saved", "rows", len(results))
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
