package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-scrape-reviews/config"
	"github.com/aluiziolira/go-scrape-reviews/models"
	"github.com/aluiziolira/go-scrape-reviews/parser"
)

// Extractor turns a page body into raw records, in source order. It returns
// an error only for input it cannot read at all.
type Extractor interface {
	Extract(body []byte) ([]models.RawRecord, error)
}

// Sink stores validated records. It is append-only.
type Sink interface {
	Append(review models.Review) error
}

// Buffering sinks may return errors with these methods. LostRecords counts
// records an earlier Append accepted but never stored; Permanent reports that
// every later Append fails as well.
type (
	lostRecordsError interface{ LostRecords() int }
	permanentError   interface{ Permanent() bool }
)

// Deps are the collaborators of a Scraper. Fetcher, Extractor and Sink are
// required; Metrics and Clock default to a fresh registry and wall time.
type Deps struct {
	Fetcher   Fetcher
	Extractor Extractor
	Sink      Sink
	Metrics   *Metrics
	Clock     Clock
}

// Scraper drives the fetch, extract, validate and advance loop over one
// paginated endpoint.
type Scraper struct {
	cfg       *config.Config
	fetcher   Fetcher
	extractor Extractor
	sink      Sink
	retry     *RetryPolicy
	limiter   *RateLimiter
	agents    *UserAgentPool
	clock     Clock
	Metrics   *Metrics

	retries int64

	mu           sync.Mutex
	errorsByType map[string]int
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config, deps Deps) (*Scraper, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Fetcher == nil || deps.Extractor == nil || deps.Sink == nil {
		return nil, fmt.Errorf("fetcher, extractor and sink are required")
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}

	s := &Scraper{
		cfg:          cfg,
		fetcher:      deps.Fetcher,
		extractor:    deps.Extractor,
		sink:         deps.Sink,
		retry:        NewRetryPolicy(cfg),
		agents:       NewUserAgentPool(cfg.UserAgents),
		clock:        deps.Clock,
		Metrics:      deps.Metrics,
		errorsByType: make(map[string]int),
	}
	s.limiter = NewRateLimiter(LimiterOptions{
		MaxConcurrent: cfg.MaxConcurrent,
		BaseSpacing:   cfg.BaseSpacing,
		MaxSpacing:    cfg.MaxSpacing,
		Adaptive:      cfg.AdaptiveSpacing,
		RecoverAfter:  cfg.RecoverAfter,
		OnChange:      s.Metrics.SetSpacing,
	}, deps.Clock)
	s.Metrics.SetSpacing(cfg.BaseSpacing)
	return s, nil
}

// Limiter exposes the request limiter shared by all fetches of this scraper.
func (s *Scraper) Limiter() *RateLimiter {
	return s.limiter
}

// attemptState lives for one request and is dropped once it succeeds or
// fails for good.
type attemptState struct {
	RequestID string
	Attempt   int
	LastError *ErrorKind
}

type pageFetch struct {
	req      PageRequest
	resp     *Response
	err      error
	attempts int
}

// runState is owned by the Run goroutine; workers only send pageFetch values back.
type runState struct {
	cursor           *PageCursor
	session          *SessionState
	result           *models.CrawlResult
	consecutiveSkips int
	failed           bool
}

// Run crawls until the data set ends, a stop condition is hit or ctx is
// cancelled. It always returns a result.
func (s *Scraper) Run(ctx context.Context) *models.CrawlResult {
	if ctx == nil {
		ctx = context.Background()
	}
	s.reset()

	run := &runState{
		cursor: NewPageCursor(s.cfg.PageSize, s.cfg.MaxPages),
		session: NewSessionState(s.cfg.Cookies, map[string]string{
			"Accept":          s.cfg.Accept,
			"Accept-Language": s.cfg.AcceptLanguage,
		}),
		result: &models.CrawlResult{
			StartTime: s.clock.Now(),
			Outcome:   models.OutcomeCompleted,
		},
	}

	slog.Info("starting crawl",
		slog.String("endpoint", s.cfg.Endpoint),
		slog.Int("page_size", s.cfg.PageSize),
		slog.Int("max_pages", s.cfg.MaxPages),
		slog.Int("max_concurrent", s.cfg.MaxConcurrent),
	)

	// workCtx stops permit waits, backoff sleeps and retries; fetchCtx only
	// aborts requests already on the wire, after the drain window.
	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()
	fetchCtx, abortFetches := context.WithCancel(context.WithoutCancel(ctx))
	defer abortFetches()

	var inflight []<-chan pageFetch
	for {
		for s.canDispatch(ctx, run, len(inflight)) {
			inflight = append(inflight, s.dispatch(workCtx, fetchCtx, run, len(inflight)))
		}
		if len(inflight) == 0 {
			break
		}

		var out pageFetch
		select {
		case out = <-inflight[0]:
			inflight = inflight[1:]
		case <-ctx.Done():
			s.drain(run, inflight, abortFetches)
			s.fail(run, models.StopCanceled, ctx.Err())
			return s.finish(run)
		}

		if out.err != nil && ctx.Err() != nil {
			s.drain(run, inflight, abortFetches)
			s.fail(run, models.StopCanceled, ctx.Err())
			return s.finish(run)
		}
		if !s.commit(run, out) {
			break
		}
	}

	if len(inflight) > 0 {
		slog.Debug("discarding pages fetched past the end of the run", slog.Int("pages", len(inflight)))
	}
	if !run.failed && !run.cursor.Terminal() && ctx.Err() != nil {
		s.fail(run, models.StopCanceled, ctx.Err())
	}
	return s.finish(run)
}

func (s *Scraper) canDispatch(ctx context.Context, run *runState, inflight int) bool {
	if ctx.Err() != nil || run.failed || run.cursor.Terminal() {
		return false
	}
	return inflight < s.cfg.MaxConcurrent && inflight < run.cursor.Remaining()
}

func (s *Scraper) dispatch(workCtx, fetchCtx context.Context, run *runState, ahead int) <-chan pageFetch {
	spec := run.cursor.Peek(ahead)
	req := PageRequest{
		ID:     uuid.NewString(),
		URL:    s.cfg.PageURL(spec.Offset),
		Page:   run.cursor.Pages() + ahead + 1,
		Spec:   spec,
		Header: http.Header{"User-Agent": []string{s.agents.Pick()}},
	}

	ch := make(chan pageFetch, 1)
	go func() {
		ch <- s.fetchPage(workCtx, fetchCtx, run.session, req)
	}()
	return ch
}

// fetchPage runs the retry loop for one page request. The session is applied
// on every attempt, so a retry carries cookies committed since the first try.
func (s *Scraper) fetchPage(workCtx, fetchCtx context.Context, session *SessionState, req PageRequest) pageFetch {
	state := attemptState{RequestID: req.ID}
	for {
		state.Attempt++

		permit, err := s.limiter.Acquire(workCtx)
		if err != nil {
			return pageFetch{req: req, err: err, attempts: state.Attempt - 1}
		}
		start := s.clock.Now()
		s.Metrics.IncRequest("started")
		resp, err := s.fetcher.Fetch(fetchCtx, session.Apply(req))
		permit.Release()
		s.Metrics.ObserveDuration(s.clock.Now().Sub(start))

		if err == nil {
			s.Metrics.IncRequest("succeeded")
			s.limiter.Succeeded()
			return pageFetch{req: req, resp: resp, attempts: state.Attempt}
		}

		s.Metrics.IncRequest("failed")
		classified := classify(err)
		kind := s.retry.Classify(err)
		state.LastError = &kind
		category := s.recordError(classified)
		if kind == KindRateLimited {
			s.limiter.Throttled()
		}

		if kind == KindPermanent {
			return pageFetch{req: req, err: classified, attempts: state.Attempt}
		}
		if !s.retry.Retryable(state.Attempt, kind) {
			return pageFetch{req: req, err: ErrRetriesExhausted{Attempts: state.Attempt, Err: classified}, attempts: state.Attempt}
		}
		if workCtx.Err() != nil {
			return pageFetch{req: req, err: workCtx.Err(), attempts: state.Attempt}
		}

		delay := s.retry.NextBackoff(state.Attempt, kind)
		atomic.AddInt64(&s.retries, 1)
		s.Metrics.IncRetries()
		slog.Warn("retrying page",
			slog.String("request_id", state.RequestID),
			slog.Int("page", req.Page),
			slog.Int("offset", req.Spec.Offset),
			slog.Int("attempt", state.Attempt),
			slog.String("category", category),
			slog.String("kind", kind.String()),
			slog.Duration("backoff", delay),
			slog.Any("error", err),
		)
		if err := s.clock.Sleep(workCtx, delay); err != nil {
			return pageFetch{req: req, err: err, attempts: state.Attempt}
		}
	}
}

// commit applies one fetched page in cursor order and reports whether the
// run continues.
func (s *Scraper) commit(run *runState, out pageFetch) bool {
	if out.err != nil {
		return s.pageFailed(run, out)
	}

	run.result.PagesFetched++
	s.Metrics.IncPages()
	run.session.Update(out.resp.Header)

	records, err := s.extract(out.req.Page, out.resp.Body)
	if err != nil {
		s.recordError(err)
		slog.Error("page extraction failed",
			slog.Int("page", out.req.Page),
			slog.Int("offset", out.req.Spec.Offset),
			slog.Any("error", err),
		)
		return s.skipPage(run)
	}
	run.consecutiveSkips = 0

	scrapedAt := s.clock.Now()
	for i, raw := range records {
		review, err := parser.ToReview(raw, out.req.Page, out.req.Spec.Offset, scrapedAt)
		if err != nil {
			err = ErrExtraction{Page: out.req.Page, Err: err}
			s.recordError(err)
			run.result.RecordsSkipped++
			slog.Warn("skipping record",
				slog.Int("page", out.req.Page),
				slog.Int("index", i),
				slog.Any("error", err),
			)
			continue
		}

		if err := s.sink.Append(review); err != nil {
			if lost := lostRecords(err); lost > 0 {
				run.result.RecordsEmitted -= lost
				run.result.RecordsSkipped += lost
			}
			err = ErrSink{Err: err}
			s.recordError(err)
			run.result.RecordsSkipped++
			if s.cfg.SinkFailurePolicy == config.PolicyAbort || permanent(err) {
				slog.Error("sink failed, aborting run",
					slog.Int("page", out.req.Page),
					slog.Int("index", i),
					slog.Any("error", err),
				)
				s.fail(run, models.StopFatalError, err)
				return false
			}
			slog.Warn("sink rejected record",
				slog.Int("page", out.req.Page),
				slog.Int("index", i),
				slog.Any("error", err),
			)
			continue
		}
		run.result.RecordsEmitted++
		s.Metrics.IncItems()
	}

	if err := run.cursor.Advance(len(records)); err != nil {
		s.recordError(err)
		slog.Error("stopping run on protocol anomaly",
			slog.Int("page", out.req.Page),
			slog.Any("error", err),
		)
	}
	slog.Debug("page committed",
		slog.Int("page", out.req.Page),
		slog.Int("offset", out.req.Spec.Offset),
		slog.Int("items", len(records)),
		slog.Int("attempts", out.attempts),
	)
	return !run.cursor.Terminal()
}

func (s *Scraper) pageFailed(run *runState, out pageFetch) bool {
	var session ErrSessionInvalid
	if errors.As(out.err, &session) {
		slog.Error("session rejected, aborting run",
			slog.Int("page", out.req.Page),
			slog.Any("error", out.err),
		)
		s.fail(run, models.StopFatalError, out.err)
		return false
	}
	if s.cfg.PageFailurePolicy == config.PolicyAbort {
		slog.Error("page failed, aborting run",
			slog.Int("page", out.req.Page),
			slog.Int("offset", out.req.Spec.Offset),
			slog.Int("attempts", out.attempts),
			slog.Any("error", out.err),
		)
		s.fail(run, models.StopFatalError, out.err)
		return false
	}

	slog.Error("page failed, skipping",
		slog.Int("page", out.req.Page),
		slog.Int("offset", out.req.Spec.Offset),
		slog.Int("attempts", out.attempts),
		slog.Any("error", out.err),
	)
	return s.skipPage(run)
}

func (s *Scraper) skipPage(run *runState) bool {
	run.result.PagesSkipped++
	run.consecutiveSkips++
	run.cursor.Skip()
	if run.consecutiveSkips >= s.cfg.MaxConsecutiveSkips {
		run.cursor.Stop(models.StopPageFailures)
	}
	return !run.cursor.Terminal()
}

// drain waits up to DrainTimeout for in-flight pages after cancellation and
// commits the ones that finish, in order.
func (s *Scraper) drain(run *runState, inflight []<-chan pageFetch, abort context.CancelFunc) {
	if len(inflight) == 0 {
		return
	}
	if s.cfg.DrainTimeout <= 0 {
		abort()
		return
	}

	timeout := s.clock.After(s.cfg.DrainTimeout)

	committing := true
	for _, ch := range inflight {
		select {
		case out := <-ch:
			if !committing || out.err != nil || run.failed || run.cursor.Terminal() {
				committing = false
				continue
			}
			committing = s.commit(run, out)
		case <-timeout:
			slog.Warn("drain timeout reached, aborting in-flight requests", slog.Duration("timeout", s.cfg.DrainTimeout))
			abort()
			return
		}
	}
}

func (s *Scraper) extract(page int, body []byte) (records []models.RawRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			records = nil
			err = ErrExtraction{Page: page, Err: fmt.Errorf("extractor panic: %v", r)}
		}
	}()
	records, err = s.extractor.Extract(body)
	if err != nil {
		return nil, ErrExtraction{Page: page, Err: err}
	}
	return records, nil
}

func (s *Scraper) fail(run *runState, reason models.StopReason, err error) {
	if run.failed {
		return
	}
	run.failed = true
	run.result.Outcome = models.OutcomeAborted
	run.result.StopReason = reason
	run.result.Err = err
}

func (s *Scraper) finish(run *runState) *models.CrawlResult {
	result := run.result
	if result.Outcome == models.OutcomeCompleted {
		result.StopReason = run.cursor.Reason()
	}
	result.EndTime = s.clock.Now()
	result.Retries = int(atomic.LoadInt64(&s.retries))
	result.ErrorsByType = s.snapshotErrors()

	attrs := []any{
		slog.String("outcome", string(result.Outcome)),
		slog.String("stop_reason", string(result.StopReason)),
		slog.Int("pages_fetched", result.PagesFetched),
		slog.Int("pages_skipped", result.PagesSkipped),
		slog.Int("records_emitted", result.RecordsEmitted),
		slog.Int("records_skipped", result.RecordsSkipped),
		slog.Int("retries", result.Retries),
	}
	if result.Err != nil {
		attrs = append(attrs, slog.Any("error", result.Err))
	}
	slog.Info("crawl finished", attrs...)
	return result
}

func (s *Scraper) recordError(err error) string {
	category := errorTypeLabel(err)
	s.mu.Lock()
	s.errorsByType[category]++
	s.mu.Unlock()
	s.Metrics.IncError(category)
	return category
}

func (s *Scraper) reset() {
	atomic.StoreInt64(&s.retries, 0)
	s.mu.Lock()
	s.errorsByType = make(map[string]int)
	s.mu.Unlock()
}

func (s *Scraper) snapshotErrors() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.errorsByType))
	for k, v := range s.errorsByType {
		out[k] = v
	}
	return out
}

func lostRecords(err error) int {
	var lost lostRecordsError
	if errors.As(err, &lost) {
		return lost.LostRecords()
	}
	return 0
}

func permanent(err error) bool {
	var p permanentError
	return errors.As(err, &p) && p.Permanent()
}
