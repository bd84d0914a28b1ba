package activity

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/activity/internal/platform/fhir"
	"github.com/ehr/activity/internal/platform/fhirclient"
	"github.com/ehr/activity/internal/platform/metrics"
)

// Processor downloads encounter files, filters them and turns each surviving
// encounter into a message. Work is strictly sequential so output order is
// file order, then line order.
type Processor struct {
	http     fhirclient.Doer
	enricher *Enricher
	filter   RecencyFilter
	now      func() time.Time
	logger   zerolog.Logger
}

func NewProcessor(doer fhirclient.Doer, enricher *Enricher, filter RecencyFilter, logger zerolog.Logger) *Processor {
	return &Processor{
		http:     doer,
		enricher: enricher,
		filter:   filter,
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock replaces the time source. Used by tests.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Process reads every URL in order and returns the resulting messages. A file
// or line that cannot be read is skipped; only cancellation of ctx aborts the
// whole pass.
func (p *Processor) Process(ctx context.Context, token string, urls []string) ([]string, error) {
	now := p.now()
	messages := []string{}

	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return messages, err
		}
		for _, enc := range p.encounters(ctx, token, u) {
			if !p.filter.Forward(enc, now) {
				metrics.SkippedResources.WithLabelValues("recency").Inc()
				continue
			}
			patient, ok := p.enricher.Patient(ctx, token, enc)
			if !ok {
				continue
			}
			messages = append(messages, FormatMessage(enc, patient))
		}
	}
	if err := ctx.Err(); err != nil {
		return messages, err
	}
	return messages, nil
}

func (p *Processor) encounters(ctx context.Context, token, fileURL string) []*fhir.Encounter {
	log := p.logger.With().Str("url", fileURL).Logger()

	resp, err := p.http.Do(ctx, http.MethodGet, fileURL, nil,
		fhirclient.BearerHeader(token, "Accept-Encoding", "gzip"))
	if err != nil {
		metrics.SkippedResources.WithLabelValues("file_fetch").Inc()
		log.Warn().Err(err).Msg("encounter file request failed")
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		metrics.SkippedResources.WithLabelValues("file_status").Inc()
		log.Warn().Int("status", resp.StatusCode).Msg("encounter file request rejected")
		return nil
	}

	var out []*fhir.Encounter
	r := fhir.NewNDJSONReader(bytes.NewReader(resp.Body))
	for r.Next() {
		res, err := fhir.DecodeResource(fhir.ResourceTypeEncounter, r.Line())
		if err != nil {
			metrics.SkippedResources.WithLabelValues("parse").Inc()
			log.Warn().Err(err).Int("line", r.LineNumber()).Msg("skipping unreadable encounter")
			continue
		}
		enc, ok := res.(*fhir.Encounter)
		if !ok {
			continue
		}
		out = append(out, enc)
	}
	if err := r.Err(); err != nil {
		log.Warn().Err(err).Msg("encounter file truncated")
	}
	log.Debug().Int("encounters", len(out)).Msg("encounter file read")
	return out
}
