package bulkexport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/activity/internal/platform/fhirclient"
	"github.com/ehr/activity/internal/platform/metrics"
)

// Defaults for the fixed-interval poll policy.
const (
	DefaultPollDelay    = 10 * time.Second
	DefaultPollAttempts = 3
)

// ErrJobFinished is returned when Poll is asked to poll a job that already
// completed, failed or was deleted.
var ErrJobFinished = errors.New("bulk data request already finished")

// KickoffError reports a rejected or unreachable export kick-off. No job
// exists on the server when it is returned.
type KickoffError struct {
	StatusCode int
	Err        error
}

func (e *KickoffError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bulk data kickoff request failed: %v", e.Err)
	}
	return fmt.Sprintf("bulk data kickoff request failed with status %d", e.StatusCode)
}

func (e *KickoffError) Unwrap() error { return e.Err }

// PollError reports a job that did not complete. Exhausted is set when every
// attempt returned 202.
type PollError struct {
	Attempts   int
	StatusCode int
	Exhausted  bool
	Err        error
}

func (e *PollError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("bulk data status check failed after %d attempt(s): %v", e.Attempts, e.Err)
	case e.Exhausted:
		return fmt.Sprintf("bulk data request still pending after %d attempt(s)", e.Attempts)
	default:
		return fmt.Sprintf("bulk data request failed with status %d after %d attempt(s)", e.StatusCode, e.Attempts)
	}
}

func (e *PollError) Unwrap() error { return e.Err }

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the production Sleeper.
func ContextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithPollDelay sets the delay before the first poll and between polls.
func WithPollDelay(d time.Duration) Option { return func(c *Controller) { c.pollDelay = d } }

// WithPollAttempts bounds the number of status polls.
func WithPollAttempts(n int) Option { return func(c *Controller) { c.maxAttempts = n } }

// WithSleeper replaces the sleep function. Used by tests.
func WithSleeper(s Sleeper) Option { return func(c *Controller) { c.sleep = s } }

// Controller runs the kick-off, poll and delete lifecycle of export jobs.
// It holds no per-run state; each Job is owned by its caller.
type Controller struct {
	http        fhirclient.Doer
	logger      zerolog.Logger
	pollDelay   time.Duration
	maxAttempts int
	sleep       Sleeper
}

// NewController creates a Controller using the fixed 10s / 3 attempt policy
// unless overridden.
func NewController(doer fhirclient.Doer, logger zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		http:        doer,
		logger:      logger,
		pollDelay:   DefaultPollDelay,
		maxAttempts: DefaultPollAttempts,
		sleep:       ContextSleep,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func kickoffHeader(token string) http.Header {
	return fhirclient.BearerHeader(token,
		"Accept", fhirclient.MediaTypeFHIRJSON,
		"Prefer", "respond-async",
	)
}

// Kickoff starts an export at kickoffURL. Success is exactly 202 with a
// Content-Location header naming the status URL.
func (c *Controller) Kickoff(ctx context.Context, token, kickoffURL string) (*Job, error) {
	job := newJob(kickoffURL)
	c.logger.Info().Str("url", kickoffURL).Msg("initiating bulk data request")

	resp, err := c.http.Do(ctx, http.MethodGet, kickoffURL, nil, kickoffHeader(token))
	if err != nil {
		_ = job.transition(StateFailed)
		return nil, &KickoffError{Err: err}
	}
	if resp.StatusCode != http.StatusAccepted {
		_ = job.transition(StateFailed)
		c.logger.Error().Int("status", resp.StatusCode).Msg("bulk data kickoff request failed")
		return nil, &KickoffError{StatusCode: resp.StatusCode}
	}
	loc := resp.Header.Get("Content-Location")
	if loc == "" {
		_ = job.transition(StateFailed)
		return nil, &KickoffError{StatusCode: resp.StatusCode, Err: errors.New("response has no Content-Location header")}
	}

	job.StatusURL = loc
	if err := job.transition(StateKicked); err != nil {
		return nil, err
	}
	return job, nil
}

// Poll waits for job to complete. It sleeps pollDelay before every attempt,
// since jobs are never ready immediately, and issues at most maxAttempts
// status requests. 200 completes the job with the body as manifest, 202
// keeps it pending, anything else fails it at once.
func (c *Controller) Poll(ctx context.Context, token string, job *Job) error {
	if job.State().Terminal() {
		return fmt.Errorf("poll %s job: %w", job.State(), ErrJobFinished)
	}
	log := c.logger.With().Str("job_url", job.StatusURL).Logger()
	log.Info().Msg("checking bulk data request status")

	header := fhirclient.BearerHeader(token)
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.sleep(ctx, c.pollDelay); err != nil {
			_ = job.transition(StateFailed)
			return &PollError{Attempts: job.Attempts, Err: err}
		}

		job.Attempts = attempt
		resp, err := c.http.Do(ctx, http.MethodGet, job.StatusURL, nil, header)
		if err != nil {
			metrics.PollAttempts.WithLabelValues("error").Inc()
			_ = job.transition(StateFailed)
			return &PollError{Attempts: attempt, Err: err}
		}
		metrics.PollAttempts.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

		switch resp.StatusCode {
		case http.StatusOK:
			job.Manifest = resp.Body
			log.Info().Int("attempt", attempt).Msg("bulk data request complete")
			return job.transition(StateCompleted)
		case http.StatusAccepted:
			if err := job.transition(StatePending); err != nil {
				return err
			}
			log.Debug().
				Int("attempt", attempt).
				Str("progress", resp.Header.Get("X-Progress")).
				Msg("bulk data request pending")
		default:
			_ = job.transition(StateFailed)
			log.Error().Int("attempt", attempt).Int("status", resp.StatusCode).Msg("bulk data status check failed")
			return &PollError{Attempts: attempt, StatusCode: resp.StatusCode}
		}
	}

	_ = job.transition(StateFailed)
	log.Error().Int("attempts", job.Attempts).Msg("bulk data request did not complete in time")
	return &PollError{Attempts: job.Attempts, StatusCode: http.StatusAccepted, Exhausted: true}
}

// Delete asks the server to drop the job. 200 and 202 count as success.
// Failure is returned for reporting only; a leaked remote job is tolerated.
func (c *Controller) Delete(ctx context.Context, token string, job *Job) error {
	log := c.logger.With().Str("job_url", job.StatusURL).Logger()
	log.Info().Msg("deleting bulk data request")

	resp, err := c.http.Do(ctx, http.MethodDelete, job.StatusURL, nil, kickoffHeader(token))
	if err == nil && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		err = fmt.Errorf("delete returned status %d", resp.StatusCode)
	}
	if err != nil {
		metrics.JobDeletes.WithLabelValues("failure").Inc()
		log.Warn().Err(err).Msg("bulk data request deletion failed")
		return err
	}
	metrics.JobDeletes.WithLabelValues("success").Inc()
	return job.transition(StateDeleted)
}

// Run kicks off an export, polls it, and hands the manifest to fn. Once
// kick-off has produced a job, deletion is attempted exactly once on every
// exit path, including panics in fn. Deletion uses a context detached from
// ctx cancellation so cleanup still reaches the server.
// The job is returned for reporting whenever kick-off succeeded.
func (c *Controller) Run(ctx context.Context, token, kickoffURL string, fn func(job *Job) error) (*Job, error) {
	job, err := c.Kickoff(ctx, token, kickoffURL)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = c.Delete(context.WithoutCancel(ctx), token, job)
	}()

	if err := c.Poll(ctx, token, job); err != nil {
		return job, err
	}
	return job, fn(job)
}
