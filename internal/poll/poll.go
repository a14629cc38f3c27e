package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/team-tissis/nolang-mcp/internal/nolang"
	"github.com/team-tissis/nolang-mcp/internal/retry"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultMaxWait  = 600 * time.Second
)

// Terminal failures of a wait. They describe the job itself and are never
// retried.
var (
	ErrJobFailed  = errors.New("video generation failed")
	ErrJobExpired = errors.New("video generation expired")
	ErrTimeout    = errors.New("video generation did not complete within the time limit")
)

// StatusFunc fetches the current status of a job.
type StatusFunc func(ctx context.Context, videoID uuid.UUID) (nolang.VideoStatus, error)

// Progress is reported after every poll that found the job still running.
type Progress struct {
	VideoID uuid.UUID
	Polls   int
	Elapsed time.Duration
	MaxWait time.Duration
}

// Options bound a single wait.
type Options struct {
	MaxWait    time.Duration
	Interval   time.Duration
	OnProgress func(Progress)
}

func (o Options) withDefaults() Options {
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	return o
}

// Poller waits for generation jobs to reach a terminal status.
type Poller struct {
	status StatusFunc
	logger *slog.Logger
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
}

// NewPoller creates a Poller. status should already apply the retry policy;
// the poller does not retry failed queries.
func NewPoller(status StatusFunc) *Poller {
	return &Poller{
		status: status,
		logger: slog.Default(),
		now:    time.Now,
		sleep:  retry.Sleep,
	}
}

// Await polls videoID every opts.Interval until it completes, fails,
// expires, or the next query would land past opts.MaxWait. A query is never
// issued after the deadline. Cancelling ctx stops the wait at once.
func (p *Poller) Await(ctx context.Context, videoID uuid.UUID, opts Options) (nolang.VideoStatus, error) {
	opts = opts.withDefaults()
	start := p.now()
	deadline := start.Add(opts.MaxWait)

	for polls := 1; ; polls++ {
		st, err := p.status(ctx, videoID)
		if err != nil {
			return nolang.VideoStatus{}, fmt.Errorf("checking status of %s: %w", videoID, err)
		}

		if st.Status.Terminal() {
			return st, p.settle(videoID, st.Status, polls)
		}
		if st.Status != nolang.StatusRunning {
			p.logger.Warn("unknown video status, still waiting", "video_id", videoID, "status", st.Status)
		}

		now := p.now()
		if opts.OnProgress != nil {
			opts.OnProgress(Progress{
				VideoID: videoID,
				Polls:   polls,
				Elapsed: now.Sub(start),
				MaxWait: opts.MaxWait,
			})
		}

		if now.Add(opts.Interval).After(deadline) {
			return st, fmt.Errorf("%w: video %s still %s after %d checks", ErrTimeout, videoID, st.Status, polls)
		}
		if err := p.sleep(ctx, opts.Interval); err != nil {
			return st, err
		}
	}
}

// settle maps a terminal status to the outcome of the wait.
func (p *Poller) settle(videoID uuid.UUID, status nolang.Status, polls int) error {
	switch status {
	case nolang.StatusCompleted:
		p.logger.Info("video generation completed", "video_id", videoID, "polls", polls)
		return nil
	case nolang.StatusFailed:
		return fmt.Errorf("%w: video %s", ErrJobFailed, videoID)
	default:
		return fmt.Errorf("%w: video %s", ErrJobExpired, videoID)
	}
}
