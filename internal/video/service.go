package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/team-tissis/nolang-mcp/internal/metrics"
	"github.com/team-tissis/nolang-mcp/internal/nolang"
	"github.com/team-tissis/nolang-mcp/internal/poll"
	"github.com/team-tissis/nolang-mcp/internal/retry"
	"github.com/team-tissis/nolang-mcp/internal/storage"
)

// ErrNoJournal is returned by RecentJobs when journaling is disabled.
var ErrNoJournal = errors.New("job journal is disabled")

// API is the subset of the NoLang client the service drives.
type API interface {
	Generate(ctx context.Context, req *nolang.GenerateRequest) (nolang.GenerationJob, error)
	VideoStatus(ctx context.Context, videoID uuid.UUID) (nolang.VideoStatus, error)
	ListVideos(ctx context.Context, page int) (nolang.VideoPage, error)
	ListVideoSettings(ctx context.Context, page int) (nolang.SettingPage, error)
	TemplateSetting(ctx context.Context, videoID uuid.UUID) (json.RawMessage, error)
	RecommendTemplates(ctx context.Context, q nolang.RecommendQuery) (nolang.TemplateRecommendation, error)
}

// Journal records submitted jobs and wait outcomes.
type Journal interface {
	RecordJob(j storage.Job) error
	UpdateJobStatus(videoID, status, downloadURL, lastError string) error
	GetJob(videoID string) (storage.Job, error)
	ListJobs(status string, limit int) ([]storage.Job, error)
}

// Options configures a Service. Zero values select the defaults.
type Options struct {
	Policy     *retry.Policy
	InspectPDF bool
	Journal    Journal
	Logger     *slog.Logger
}

// Submission is the result of an accepted generation request.
type Submission struct {
	Job    nolang.GenerationJob
	Mode   nolang.GenerationMode
	Source nolang.Source
}

// Service runs generation requests and waits against the NoLang API with
// retry applied to every remote call.
type Service struct {
	api     API
	builder *nolang.Builder
	policy  retry.Policy
	poller  *poll.Poller
	journal Journal
	logger  *slog.Logger
}

// New creates a Service over api.
func New(api API, opts Options) *Service {
	s := &Service{
		api:     api,
		builder: nolang.NewBuilder(opts.InspectPDF),
		policy:  retry.DefaultPolicy(),
		journal: opts.Journal,
		logger:  opts.Logger,
	}
	if opts.Policy != nil {
		s.policy = *opts.Policy
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.poller = poll.NewPoller(func(ctx context.Context, id uuid.UUID) (nolang.VideoStatus, error) {
		return retry.Do(ctx, s.policyFor("video_status"), func(ctx context.Context) (nolang.VideoStatus, error) {
			return s.api.VideoStatus(ctx, id)
		})
	})
	return s
}

// policyFor returns the service policy with retry logging for op.
func (s *Service) policyFor(op string) retry.Policy {
	p := s.policy
	next := p.OnRetry
	p.OnRetry = func(attempt int, class retry.Class, delay time.Duration, err error) {
		metrics.RetriesTotal.WithLabelValues(class.String()).Inc()
		if op == "generate" {
			s.logger.Warn("retrying generate, the service may create a duplicate job",
				"attempt", attempt, "class", class, "delay", delay, "error", err)
		} else {
			s.logger.Info("retrying request",
				"op", op, "attempt", attempt, "class", class, "delay", delay, "error", err)
		}
		if next != nil {
			next(attempt, class, delay, err)
		}
	}
	return p
}

// Generate validates in, submits it and journals the accepted job.
func (s *Service) Generate(ctx context.Context, in nolang.GenerateInput) (Submission, error) {
	req, err := s.builder.Build(ctx, in)
	if err != nil {
		return Submission{}, err
	}

	job, err := retry.Do(ctx, s.policyFor("generate"), func(ctx context.Context) (nolang.GenerationJob, error) {
		return s.api.Generate(ctx, req)
	})
	if err != nil {
		return Submission{}, fmt.Errorf("submitting generation: %w", err)
	}

	s.logger.Info("video generation submitted",
		"video_id", job.VideoID, "setting", in.Setting, "mode", req.Mode, "source", req.Source)

	if s.journal != nil {
		if err := s.journal.RecordJob(storage.Job{
			VideoID:       job.VideoID.String(),
			Setting:       in.Setting.String(),
			Mode:          string(req.Mode),
			Source:        string(req.Source),
			EstimatedWait: int(math.Round(job.EstimatedWaitTime)),
		}); err != nil {
			s.logger.Warn("journaling job failed", "video_id", job.VideoID, "error", err)
		}
	}

	return Submission{Job: job, Mode: req.Mode, Source: req.Source}, nil
}

// GenerateFromTemplate reuses the setting of an existing template video.
// in.Setting is ignored.
func (s *Service) GenerateFromTemplate(ctx context.Context, templateVideoID uuid.UUID, in nolang.GenerateInput) (Submission, error) {
	doc, err := retry.Do(ctx, s.policyFor("template_setting"), func(ctx context.Context) (json.RawMessage, error) {
		return s.api.TemplateSetting(ctx, templateVideoID)
	})
	if err != nil {
		return Submission{}, fmt.Errorf("fetching template %s: %w", templateVideoID, err)
	}
	in.Setting = nolang.SettingRef{Document: doc}
	return s.Generate(ctx, in)
}

// Wait blocks until the video completes, fails, expires or the wait bound
// runs out.
func (s *Service) Wait(ctx context.Context, videoID uuid.UUID, opts poll.Options) (nolang.VideoStatus, error) {
	metrics.ActivePolls.Inc()
	defer metrics.ActivePolls.Dec()

	st, err := s.poller.Await(ctx, videoID, opts)
	result := waitResult(err)
	metrics.PollResultsTotal.WithLabelValues(result).Inc()

	if s.journal != nil && result != "canceled" && result != "error" {
		lastErr := ""
		if err != nil {
			lastErr = err.Error()
		}
		if jerr := s.journal.UpdateJobStatus(videoID.String(), result, st.DownloadURL, lastErr); jerr != nil {
			s.logger.Warn("journaling wait result failed", "video_id", videoID, "error", jerr)
		}
	}

	return st, err
}

func waitResult(err error) string {
	switch {
	case err == nil:
		return string(nolang.StatusCompleted)
	case errors.Is(err, poll.ErrJobFailed):
		return string(nolang.StatusFailed)
	case errors.Is(err, poll.ErrJobExpired):
		return string(nolang.StatusExpired)
	case errors.Is(err, poll.ErrTimeout):
		return storage.StatusTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func checkPage(page int) error {
	if page < 1 {
		return &nolang.ValidationError{Field: "page", Reason: "must be 1 or greater"}
	}
	return nil
}

// ListVideos returns one page of the account's generated videos.
func (s *Service) ListVideos(ctx context.Context, page int) (nolang.VideoPage, error) {
	if err := checkPage(page); err != nil {
		return nolang.VideoPage{}, err
	}
	return retry.Do(ctx, s.policyFor("list_videos"), func(ctx context.Context) (nolang.VideoPage, error) {
		return s.api.ListVideos(ctx, page)
	})
}

// ListSettings returns one page of the account's video settings.
func (s *Service) ListSettings(ctx context.Context, page int) (nolang.SettingPage, error) {
	if err := checkPage(page); err != nil {
		return nolang.SettingPage{}, err
	}
	return retry.Do(ctx, s.policyFor("list_video_settings"), func(ctx context.Context) (nolang.SettingPage, error) {
		return s.api.ListVideoSettings(ctx, page)
	})
}

// RecommendTemplates returns official templates suited to q.Mode.
func (s *Service) RecommendTemplates(ctx context.Context, q nolang.RecommendQuery) (nolang.TemplateRecommendation, error) {
	if !q.Mode.Valid() {
		return nolang.TemplateRecommendation{}, &nolang.ValidationError{
			Field:  "video_mode",
			Reason: fmt.Sprintf("unknown mode %q", q.Mode),
		}
	}
	return retry.Do(ctx, s.policyFor("recommend_templates"), func(ctx context.Context) (nolang.TemplateRecommendation, error) {
		return s.api.RecommendTemplates(ctx, q)
	})
}

// RecentJobs lists journaled jobs, newest first.
func (s *Service) RecentJobs(status string, limit int) ([]storage.Job, error) {
	if s.journal == nil {
		return nil, ErrNoJournal
	}
	if limit <= 0 {
		limit = 20
	}
	return s.journal.ListJobs(status, limit)
}

// Job returns the journal entry for one video. storage.ErrNotFound means the
// video was never submitted or waited on from this machine.
func (s *Service) Job(videoID uuid.UUID) (storage.Job, error) {
	if s.journal == nil {
		return storage.Job{}, ErrNoJournal
	}
	return s.journal.GetJob(videoID.String())
}
