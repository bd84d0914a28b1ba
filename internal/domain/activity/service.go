package activity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/activity/internal/platform/bulkexport"
	"github.com/ehr/activity/internal/platform/metrics"
)

// Signer produces a signed client assertion.
type Signer interface {
	Sign() (string, error)
}

// TokenExchanger trades an assertion for a bearer token.
type TokenExchanger interface {
	Exchange(ctx context.Context, assertion string) (string, error)
}

// ExportRunner runs one export job lifecycle around fn.
type ExportRunner interface {
	Run(ctx context.Context, token, kickoffURL string, fn func(job *bulkexport.Job) error) (*bulkexport.Job, error)
}

// Service performs orchestration runs. Each run authenticates from scratch
// and threads its own token through every call; nothing is shared between
// concurrent runs.
type Service struct {
	signer     Signer
	tokens     TokenExchanger
	exports    ExportRunner
	processor  *Processor
	kickoffURL string
	repo       RunRepository
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(signer Signer, tokens TokenExchanger, exports ExportRunner, processor *Processor, kickoffURL string, logger zerolog.Logger) *Service {
	return &Service{
		signer:     signer,
		tokens:     tokens,
		exports:    exports,
		processor:  processor,
		kickoffURL: kickoffURL,
		repo:       NewMemoryRepo(DefaultMemoryRuns),
		logger:     logger,
		now:        time.Now,
	}
}

// SetRepository replaces the default in-memory ledger.
func (s *Service) SetRepository(repo RunRepository) {
	s.repo = repo
}

// Repository returns the run ledger.
func (s *Service) Repository() RunRepository {
	return s.repo
}

// Run performs one full run: sign, exchange, export, process. The returned
// Run is never nil and carries the messages on success. Ledger failures are
// logged and never fail the run.
func (s *Service) Run(ctx context.Context) (*Run, error) {
	run := &Run{ID: uuid.New(), StartedAt: s.now().UTC(), Outcome: OutcomeRunning}
	log := s.logger.With().Str("run_id", run.ID.String()).Logger()

	if err := s.repo.Create(ctx, run); err != nil {
		log.Warn().Err(err).Msg("run ledger insert failed")
	}

	err := s.execute(ctx, run, log)

	finished := s.now().UTC()
	run.FinishedAt = &finished
	run.Outcome = OutcomeOf(err)
	run.MessageCount = len(run.Messages)
	if err != nil {
		msg := err.Error()
		run.Error = &msg
	}

	metrics.Runs.WithLabelValues(run.Outcome).Inc()
	metrics.RunDuration.Observe(run.Duration().Seconds())
	metrics.Messages.Add(float64(run.MessageCount))

	if ferr := s.repo.Finish(context.WithoutCancel(ctx), run); ferr != nil {
		log.Warn().Err(ferr).Msg("run ledger update failed")
	}

	if err != nil {
		log.Error().Err(err).Str("outcome", run.Outcome).Msg("activity run failed")
		return run, err
	}
	for _, m := range run.Messages {
		log.Info().Msg(m)
	}
	log.Info().Int("messages", run.MessageCount).Dur("elapsed", run.Duration()).Msg("activity run complete")
	return run, nil
}

func (s *Service) execute(ctx context.Context, run *Run, log zerolog.Logger) error {
	assertion, err := s.signer.Sign()
	if err != nil {
		return err
	}
	token, err := s.tokens.Exchange(ctx, assertion)
	if err != nil {
		return err
	}
	log.Debug().Msg("access token acquired")

	job, err := s.exports.Run(ctx, token, s.kickoffURL, func(job *bulkexport.Job) error {
		urls, err := bulkexport.EncounterURLs(job.Manifest)
		if err != nil {
			return err
		}
		run.FileCount = len(urls)
		log.Info().Int("files", len(urls)).Msg("processing encounter files")

		run.Messages, err = s.processor.Process(ctx, token, urls)
		return err
	})
	if job != nil {
		url, state := job.StatusURL, job.State().String()
		run.JobURL, run.JobState = &url, &state
	}
	return err
}
