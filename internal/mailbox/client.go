package mailbox

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/mail-harvester/internal/logger"
	"github.com/Martian-dev/mail-harvester/internal/metrics"
)

const (
	DefaultRequestInterval = 100 * time.Millisecond
	DefaultRequestTimeout  = 30 * time.Second
	DefaultMaxAttempts     = 5
	DefaultInitialBackoff  = time.Second
	DefaultPageSize        = 100
)

// Options configures a Client. Zero values fall back to the defaults above.
type Options struct {
	RequestInterval time.Duration
	RequestTimeout  time.Duration
	MaxAttempts     int
	InitialBackoff  time.Duration
	PageSize        int

	// Limiter overrides the per-client limiter so several clients can share
	// one request budget. rate.Limiter is safe for concurrent use.
	Limiter *rate.Limiter

	// Sleep waits between retry attempts. Tests replace it to observe delays.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *zap.Logger
}

// Client is the throttled, retrying front of a Backend. One Client serves
// one account; its limiter and the backend's caches are owned by it.
type Client struct {
	backend Backend
	limiter *rate.Limiter
	opts    Options
	log     *zap.Logger
}

// NewLimiter allows one request per interval with no burst.
func NewLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// NewClient wraps backend with rate limiting and retry.
func NewClient(backend Backend, opts Options) *Client {
	if opts.RequestInterval == 0 {
		opts.RequestInterval = DefaultRequestInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewLimiter(opts.RequestInterval)
	}

	return &Client{
		backend: backend,
		limiter: limiter,
		opts:    opts,
		log:     logger.OrNop(opts.Logger),
	}
}

// ResolveSelector maps a configured selector to provider identifiers.
func (c *Client) ResolveSelector(ctx context.Context, sel Selector) (Selector, error) {
	var resolved Selector
	err := c.call(ctx, "resolve", func(ctx context.Context) error {
		var err error
		resolved, err = c.backend.ResolveSelector(ctx, sel)
		return err
	})
	if err != nil {
		return Selector{}, fmt.Errorf("resolving selector %q: %w", sel.Label, err)
	}
	return resolved, nil
}

// ListMessageIDs lazily yields every message id matched by sel, page by
// page. Listing stops at the first error, which is yielded with an empty id.
// Calling it again starts over from the first page.
func (c *Client) ListMessageIDs(ctx context.Context, sel Selector) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resolved, err := c.ResolveSelector(ctx, sel)
		if err != nil {
			yield("", err)
			return
		}

		token := ""
		for pageNum := 1; ; pageNum++ {
			var page Page
			err := c.call(ctx, "list", func(ctx context.Context) error {
				var err error
				page, err = c.backend.ListPage(ctx, resolved, token, c.opts.PageSize)
				return err
			})
			if err != nil {
				yield("", fmt.Errorf("listing page %d: %w", pageNum, err))
				return
			}

			c.log.Debug("listed page",
				zap.Int("page", pageNum),
				zap.Int("ids", len(page.IDs)),
				zap.Bool("more", page.NextPageToken != ""))

			for _, id := range page.IDs {
				if !yield(id, nil) {
					return
				}
			}

			if page.NextPageToken == "" {
				return
			}
			token = page.NextPageToken
		}
	}
}

// FetchMessage retrieves one message's full payload.
func (c *Client) FetchMessage(ctx context.Context, id string) (*RawMessage, error) {
	var msg *RawMessage
	err := c.call(ctx, "get", func(ctx context.Context) error {
		var err error
		msg, err = c.backend.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, &FetchError{ID: id, Err: err}
	}
	return msg, nil
}

// call throttles once, then runs fn with a per-attempt timeout. Rate-limited
// attempts are followed by a doubling delay; after MaxAttempts of them the
// call fails with a RetryExhaustedError. Any other error returns at once.
func (c *Client) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	delay := c.opts.InitialBackoff
	for attempt := 1; ; attempt++ {
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			metrics.RecordAPICall(op, "ok", time.Since(start))
			return nil
		}

		if ctx.Err() != nil {
			metrics.RecordAPICall(op, "cancelled", time.Since(start))
			return ctx.Err()
		}

		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTransient) {
			err = fmt.Errorf("%s timed out after %s: %w", op, c.opts.RequestTimeout, ErrTransient)
		}

		if !errors.Is(err, ErrRateLimited) {
			metrics.RecordAPICall(op, "error", time.Since(start))
			return err
		}

		metrics.RecordAPICall(op, "rate_limited", time.Since(start))
		metrics.IncrementRateLimited(op)
		c.log.Warn("rate limited, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		if err := c.opts.Sleep(ctx, delay); err != nil {
			return err
		}
		if attempt >= c.opts.MaxAttempts {
			return &RetryExhaustedError{Op: op, Attempts: attempt, Err: err}
		}
		delay *= 2
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
