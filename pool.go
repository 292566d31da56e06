/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package reqlimit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/xid"
	"golang.org/x/time/rate"

	"github.com/acronis/go-reqlimit/log"
)

// RetryAttemptNumberHeader is an HTTP header name that will contain the serial number of the retry attempt.
const RetryAttemptNumberHeader = "X-Retry-Attempt"

// RetryDecision is the result of a CheckRetryFunc call.
type RetryDecision int

// Available retry decisions.
const (
	// RetryDecisionDefault means "no opinion": the default policy is applied.
	RetryDecisionDefault RetryDecision = iota

	// RetryDecisionRetry forces a retry regardless of the outcome kind.
	RetryDecisionRetry

	// RetryDecisionNoRetry forces the outcome to be terminal.
	RetryDecisionNoRetry
)

// CheckRetryFunc is called right after every settled attempt and determines
// if the request should be re-enqueued for another attempt.
// Returning a non-nil error is treated the same as RetryDecisionDefault
// (the default policy is applied); the error is logged and never fails the request.
type CheckRetryFunc func(ctx context.Context, resp *http.Response, reqErr error, doneAttempts int) (RetryDecision, error)

// DefaultShouldRetry is the default retry policy: retry on a transport-level error
// (except canceled or expired request contexts) and on 429 or 5xx responses.
func DefaultShouldRetry(resp *http.Response, reqErr error) bool {
	if reqErr != nil {
		return !errors.Is(reqErr, context.Canceled) && !errors.Is(reqErr, context.DeadlineExceeded)
	}
	if resp == nil {
		return false
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
}

// PoolOpts represents options for NewPool.
type PoolOpts struct {
	// Name is used in logs and metrics.
	Name string

	// Logger is used for logging.
	Logger log.FieldLogger

	// LoggerProvider is a function that provides a context-specific logger.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// MetricsCollector is a collector of pool metrics. May be nil.
	MetricsCollector MetricsCollector
}

// queueItem is one admitted or waiting request.
type queueItem struct {
	id      string
	admit   chan struct{}
	retries int
	bf      backoff.BackOff
}

// Pool governs one scope's traffic: it owns the FIFO queue and the
// concurrency, spacing and retry state for its requests.
//
// A caller's goroutine parks on its item's admission channel while the item
// waits in the queue; all scheduling state is protected by the pool's mutex.
type Pool struct {
	delegate http.RoundTripper

	name           string
	baseLogger     log.FieldLogger
	loggerProvider func(ctx context.Context) log.FieldLogger
	mc             MetricsCollector

	maxConcurrency  int
	interval        time.Duration
	maxRetry        int
	capacity        int
	checkRetry      CheckRetryFunc
	newRetryBackOff func() backoff.BackOff
	limiter         *rate.Limiter

	mu         sync.Mutex
	queue      *itemQueue
	inFlight   int
	occupied   int // waiting + in-flight + retrying, bounded by capacity
	completed  uint64
	stamps     []time.Time // admission timestamp ring, one slot per concurrency slot
	admissions uint64
	timerArmed bool
}

// NewPool creates a new request pool that executes requests via the passed delegate.
func NewPool(delegate http.RoundTripper, cfg PoolConfig, opts PoolOpts) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetrics{}
	}

	p := &Pool{
		delegate:       delegate,
		name:           opts.Name,
		baseLogger:     opts.Logger,
		loggerProvider: opts.LoggerProvider,
		mc:             opts.MetricsCollector,
		maxConcurrency: cfg.MaxConcurrency,
		interval:       cfg.Interval,
		maxRetry:       cfg.MaxRetry,
		capacity:       cfg.Capacity,
		checkRetry:     cfg.CheckRetry,
		queue:          newItemQueue(cfg.Capacity),
	}
	if cfg.RetryPolicy != nil {
		p.newRetryBackOff = cfg.RetryPolicy.NewBackOff
	}
	if cfg.Interval > 0 && cfg.MaxConcurrency > 0 {
		p.stamps = make([]time.Time, cfg.MaxConcurrency)
	}
	if cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	return p, nil
}

// Do enqueues the request and blocks until it settles terminally,
// going through as many attempts as the retry policy permits.
// When the pool capacity is exceeded, it fails fast with *CapacityExceededError
// and the request is never sent.
func (p *Pool) Do(req *http.Request) (*http.Response, error) {
	rewindReqBody := func(*http.Request) error { return nil }
	if req.Body != nil {
		originalReqBody := req.Body
		defer func() {
			_ = originalReqBody.Close() // Per RoundTripper contract.
		}()
		var err error
		rewindReqBody, err = makeRequestBodyRewindable(req)
		if err != nil {
			return nil, err
		}
	}

	it := &queueItem{id: xid.New().String(), admit: make(chan struct{}, 1)}

	p.mu.Lock()
	if p.capacity > 0 && p.occupied >= p.capacity {
		p.mu.Unlock()
		p.mc.IncCapacityRejects(p.name)
		return nil, &CapacityExceededError{PoolName: p.name, Capacity: p.capacity}
	}
	p.occupied++
	p.queue.push(it)
	p.advanceLocked()
	p.mu.Unlock()

	reqCloned := false
	var resp *http.Response
	var reqErr error
	for {
		<-it.admit

		if it.retries > 0 {
			if rewindErr := rewindReqBody(req); rewindErr != nil {
				p.logger(req.Context()).Error(
					"failed to rewind request body between attempts", log.Error(rewindErr), log.String("request_id", it.id))
				p.settleAttempt()
				p.finish()
				return resp, reqErr
			}
			if resp != nil && reqErr == nil {
				p.drainResponseBody(req.Context(), resp)
			}
			if !reqCloned {
				req, reqCloned = req.Clone(req.Context()), true // Per RoundTripper contract.
			}
			req.Header.Set(RetryAttemptNumberHeader, strconv.Itoa(it.retries))
		}

		resp, reqErr = p.delegate.RoundTrip(req)
		p.settleAttempt()

		if !p.retryWanted(req, resp, reqErr, it) {
			p.finish()
			return resp, reqErr
		}

		if it.retries >= p.maxRetry {
			p.logger(req.Context()).Warnf("max retry attempts exceeded (%d), %d request(s) done",
				p.maxRetry, it.retries+1)
			p.finish()
			return resp, reqErr
		}

		it.retries++
		p.mc.IncRetries(p.name)

		if p.newRetryBackOff != nil {
			if it.bf == nil {
				it.bf = p.newRetryBackOff()
			}
			waitTime := it.bf.NextBackOff()
			if waitTime == backoff.Stop {
				p.finish()
				return resp, reqErr
			}
			time.Sleep(waitTime)
		}

		p.mu.Lock()
		p.queue.push(it)
		p.advanceLocked()
		p.mu.Unlock()
	}
}

// Stats represents the current counters of a request pool.
type Stats struct {
	// Completed is the number of requests that reached a terminal state.
	Completed uint64

	// Active is the number of requests being executed at the moment.
	Active int

	// Waiting is the number of requests waiting in the queue.
	Waiting int
}

// Stats returns the current counters of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Completed: p.completed,
		Active:    p.inFlight,
		Waiting:   p.queue.len(),
	}
}

// Name returns the pool name used in logs and metrics.
func (p *Pool) Name() string {
	return p.name
}

// advanceLocked admits queued items while the admission conditions are met.
// It must be called with the pool mutex held.
func (p *Pool) advanceLocked() {
	for p.queue.len() > 0 {
		if p.maxConcurrency > 0 && p.inFlight >= p.maxConcurrency {
			return
		}
		now := time.Now()
		if p.stamps != nil && p.admissions >= uint64(len(p.stamps)) {
			// The spacing window is the timestamp recorded maxConcurrency admissions ago.
			windowStart := p.stamps[p.admissions%uint64(len(p.stamps))]
			if earliest := windowStart.Add(p.interval); now.Before(earliest) {
				p.armTimerLocked(earliest.Sub(now))
				return
			}
		}
		if p.limiter != nil {
			r := p.limiter.Reserve()
			if delay := r.Delay(); delay > 0 {
				r.Cancel()
				p.armTimerLocked(delay)
				return
			}
		}

		it := p.queue.pop()
		if p.stamps != nil {
			p.stamps[p.admissions%uint64(len(p.stamps))] = now
		}
		p.admissions++
		p.inFlight++
		p.mc.IncInFlight(p.name)
		it.admit <- struct{}{}
	}
}

// armTimerLocked schedules a deferred admission attempt.
// At most one timer is pending per pool at a time;
// completions occurring while a timer is pending re-evaluate admission immediately.
func (p *Pool) armTimerLocked(d time.Duration) {
	if p.timerArmed {
		return
	}
	p.timerArmed = true
	time.AfterFunc(d, func() {
		p.mu.Lock()
		p.timerArmed = false
		p.advanceLocked()
		p.mu.Unlock()
	})
}

// settleAttempt accounts a settled attempt and re-triggers admission
// so the pool keeps progressing regardless of the outcome classification.
func (p *Pool) settleAttempt() {
	p.mc.DecInFlight(p.name)
	p.mu.Lock()
	p.inFlight--
	p.advanceLocked()
	p.mu.Unlock()
}

// finish accounts a terminally settled item and frees its capacity slot.
func (p *Pool) finish() {
	p.mu.Lock()
	p.occupied--
	p.completed++
	p.mu.Unlock()
}

// retryWanted classifies the outcome of one settled attempt.
func (p *Pool) retryWanted(req *http.Request, resp *http.Response, reqErr error, it *queueItem) bool {
	if p.checkRetry != nil {
		decision, err := p.checkRetry(req.Context(), resp, reqErr, it.retries)
		if err != nil {
			p.logger(req.Context()).Warn("check retry failed, falling back to default policy",
				log.Error(err), log.String("request_id", it.id))
		} else if decision != RetryDecisionDefault {
			return decision == RetryDecisionRetry
		}
	}
	return DefaultShouldRetry(resp, reqErr)
}

func (p *Pool) drainResponseBody(ctx context.Context, resp *http.Response) {
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			p.logger(ctx).Error("failed to close previous response body between attempts", log.Error(closeErr))
		}
	}()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		p.logger(ctx).Error("failed to discard previous response body between attempts", log.Error(err))
	}
}

func (p *Pool) logger(ctx context.Context) log.FieldLogger {
	if p.loggerProvider != nil {
		return p.loggerProvider(ctx)
	}
	return p.baseLogger
}

// itemQueue is a FIFO queue of queue items with monotonically advancing
// head/tail cursors: a fixed-size ring when the pool capacity is bounded,
// a growable ring otherwise.
type itemQueue struct {
	buf   []*queueItem
	head  uint64
	tail  uint64
	fixed bool
}

func newItemQueue(capacity int) *itemQueue {
	if capacity > 0 {
		return &itemQueue{buf: make([]*queueItem, capacity), fixed: true}
	}
	return &itemQueue{buf: make([]*queueItem, 8)}
}

func (q *itemQueue) len() int {
	return int(q.tail - q.head)
}

func (q *itemQueue) push(it *queueItem) {
	if q.len() == len(q.buf) {
		// Fixed queues are never pushed beyond capacity, the pool checks occupancy first.
		q.grow()
	}
	q.buf[q.tail%uint64(len(q.buf))] = it
	q.tail++
}

func (q *itemQueue) pop() *queueItem {
	i := q.head % uint64(len(q.buf))
	it := q.buf[i]
	q.buf[i] = nil
	q.head++
	return it
}

func (q *itemQueue) grow() {
	newBuf := make([]*queueItem, len(q.buf)*2)
	n := q.len()
	for i := 0; i < n; i++ {
		newBuf[i] = q.buf[(q.head+uint64(i))%uint64(len(q.buf))]
	}
	q.buf = newBuf
	q.head, q.tail = 0, uint64(n)
}
