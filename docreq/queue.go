// Package docreq fetches documents for streamed rows in throttled batches.
//
// Rows of a view or query result often carry only a document id. A Queue
// turns each of them into a GET, keeps the number of unanswered GETs under a
// cap, and hands the documents back in the order the rows arrived.
package docreq

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pior/couchkv/internal/evloop"
	"github.com/pior/couchkv/kverr"
)

const (
	DefaultMaxPendingResponse = 10
	DefaultMinBatchSize       = 5
)

// Request is one document to fetch. The result fields are filled before the
// request is handed to Options.OnReady.
type Request struct {
	Key        []byte
	Collection string
	Cookie     any

	Value []byte
	Flags uint32
	CAS   uint64
	Err   error

	ready bool
}

// DoneFunc reports the outcome of a fetch. It must run on the loop.
type DoneFunc func(value []byte, flags uint32, cas uint64, err error)

// Fetcher issues the GET for a request. done must not be called before Fetch
// returns. An error returned by Fetch completes the request with it.
type Fetcher interface {
	Fetch(req *Request, done DoneFunc) error
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(req *Request, done DoneFunc) error

func (f FetcherFunc) Fetch(req *Request, done DoneFunc) error {
	return f(req, done)
}

type Options struct {
	Scheduler evloop.Scheduler
	Fetcher   Fetcher
	Logger    *zap.Logger

	// MaxPendingResponse caps the GETs awaiting a reply.
	MaxPendingResponse int

	// MinBatchSize is the backlog under which a throttled queue asks for
	// more rows again.
	MinBatchSize int

	// OnReady receives every request, in Add order.
	OnReady func(q *Queue, req *Request)

	// OnThrottle is called with true when the backlog exceeds
	// MaxPendingResponse, and with false once it falls under MinBatchSize.
	OnThrottle func(q *Queue, throttled bool)

	// OnRelease runs once the last reference is dropped.
	OnRelease func(q *Queue)
}

// Queue is owned by the loop of its Scheduler. None of its methods may be
// called from another goroutine.
type Queue struct {
	opts   Options
	logger *zap.Logger

	pending []*Request // not yet scheduled
	results []*Request // awaiting delivery, in Add order

	awaitingSchedule int
	awaitingResponse int

	refs       int
	cancelled  bool
	throttled  bool
	pollPosted bool
	released   bool
}

// NewQueue returns a queue holding one reference for the caller.
func NewQueue(opts Options) *Queue {
	if opts.Scheduler == nil {
		panic("docreq: nil Scheduler")
	}
	if opts.Fetcher == nil {
		panic("docreq: nil Fetcher")
	}
	if opts.MaxPendingResponse <= 0 {
		opts.MaxPendingResponse = DefaultMaxPendingResponse
	}
	if opts.MinBatchSize <= 0 {
		opts.MinBatchSize = DefaultMinBatchSize
	}
	if opts.MinBatchSize > opts.MaxPendingResponse {
		opts.MinBatchSize = opts.MaxPendingResponse
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Queue{
		opts:   opts,
		logger: opts.Logger.Named("docreq"),
		refs:   1,
	}
}

// Add queues req. Every added request is delivered to OnReady exactly once.
func (q *Queue) Add(req *Request) error {
	if q.released {
		return errors.Wrap(kverr.ErrInvalidArgument, "docreq: queue released")
	}
	if q.cancelled {
		return errors.Wrap(kverr.ErrRequestCanceled, "docreq: queue cancelled")
	}
	q.pending = append(q.pending, req)
	q.results = append(q.results, req)
	q.awaitingSchedule++
	q.refs++
	q.checkThrottle()
	q.schedulePoll()
	return nil
}

// Cancel fails every request not yet sent with ErrRequestCanceled. Requests
// already sent still complete with their reply.
func (q *Queue) Cancel() {
	if q.cancelled {
		return
	}
	q.cancelled = true
	q.logger.Debug("queue cancelled",
		zap.Int("unscheduled", q.awaitingSchedule),
		zap.Int("in_flight", q.awaitingResponse))
	q.schedulePoll()
}

func (q *Queue) Cancelled() bool { return q.cancelled }

func (q *Queue) Throttled() bool { return q.throttled }

// Len returns the requests added but not yet delivered.
func (q *Queue) Len() int { return len(q.results) }

// InFlight returns the GETs awaiting a reply.
func (q *Queue) InFlight() int { return q.awaitingResponse }

func (q *Queue) Ref() {
	q.refs++
}

func (q *Queue) Unref() {
	q.refs--
	if q.refs < 0 {
		panic("docreq: negative reference count")
	}
	if q.refs == 0 && !q.released {
		q.released = true
		if q.opts.OnRelease != nil {
			q.opts.OnRelease(q)
		}
	}
}

func (q *Queue) schedulePoll() {
	if q.pollPosted {
		return
	}
	q.pollPosted = true
	q.Ref()
	q.opts.Scheduler.Post(q.poll)
}

// poll sends GETs until the cap is reached. Replies re-post it.
func (q *Queue) poll() {
	q.pollPosted = false
	defer q.Unref()

	sent := 0
	for len(q.pending) > 0 {
		if !q.cancelled && q.awaitingResponse >= q.opts.MaxPendingResponse {
			break
		}
		req := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.awaitingSchedule--
		q.awaitingResponse++

		if q.cancelled {
			q.markReady(req, nil, 0, 0, kverr.ErrRequestCanceled)
			continue
		}

		fetched := false
		err := q.opts.Fetcher.Fetch(req, func(value []byte, flags uint32, cas uint64, err error) {
			if fetched {
				return
			}
			fetched = true
			q.markReady(req, value, flags, cas, err)
			q.deliver()
		})
		if err != nil {
			fetched = true
			q.markReady(req, nil, 0, 0, err)
			continue
		}
		sent++
	}
	if sent > 0 {
		q.logger.Debug("fetches sent", zap.Int("count", sent), zap.Int("in_flight", q.awaitingResponse))
	}
	q.deliver()
}

func (q *Queue) markReady(req *Request, value []byte, flags uint32, cas uint64, err error) {
	req.Value = value
	req.Flags = flags
	req.CAS = cas
	req.Err = err
	req.ready = true
}

// deliver hands out the ready requests at the head of the queue.
func (q *Queue) deliver() {
	for len(q.results) > 0 && q.results[0].ready {
		req := q.results[0]
		q.results[0] = nil
		q.results = q.results[1:]
		q.awaitingResponse--

		if q.opts.OnReady != nil {
			q.opts.OnReady(q, req)
		}
		q.Unref()
	}

	q.checkThrottle()
	if len(q.pending) > 0 && (q.cancelled || q.awaitingResponse < q.opts.MaxPendingResponse) {
		q.schedulePoll()
	}
}

func (q *Queue) checkThrottle() {
	backlog := q.awaitingSchedule + q.awaitingResponse
	switch {
	case !q.throttled && backlog > q.opts.MaxPendingResponse:
		q.throttled = true
	case q.throttled && backlog < q.opts.MinBatchSize:
		q.throttled = false
	default:
		return
	}
	if q.opts.OnThrottle != nil {
		q.opts.OnThrottle(q, q.throttled)
	}
}
