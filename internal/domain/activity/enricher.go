package activity

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/activity/internal/platform/fhir"
	"github.com/ehr/activity/internal/platform/fhirclient"
	"github.com/ehr/activity/internal/platform/metrics"
)

// Enricher resolves the patient an encounter refers to.
type Enricher struct {
	http    fhirclient.Doer
	baseURL string
	logger  zerolog.Logger
}

// NewEnricher creates an Enricher that resolves relative references against
// baseURL, which must end in "/".
func NewEnricher(doer fhirclient.Doer, baseURL string, logger zerolog.Logger) *Enricher {
	return &Enricher{http: doer, baseURL: baseURL, logger: logger}
}

// PatientURL maps a subject reference to the URL it is read from. Relative
// references resolve under the base URL's R4 path. An absolute reference is
// only accepted when it shares scheme and host with the base URL; false means
// the reference points elsewhere and must not receive the access token.
func (e *Enricher) PatientURL(reference string) (string, bool) {
	if !strings.HasPrefix(reference, "http://") && !strings.HasPrefix(reference, "https://") {
		return e.baseURL + "R4/" + reference, true
	}
	ref, err := url.Parse(reference)
	if err != nil {
		return "", false
	}
	base, err := url.Parse(e.baseURL)
	if err != nil {
		return "", false
	}
	if !strings.EqualFold(ref.Scheme, base.Scheme) || !strings.EqualFold(ref.Host, base.Host) {
		return "", false
	}
	return reference, true
}

// Patient fetches the subject of enc. It returns false when the encounter has
// no subject or the patient cannot be read; neither is an error for the run.
func (e *Enricher) Patient(ctx context.Context, token string, enc *fhir.Encounter) (*fhir.Patient, bool) {
	ref := enc.SubjectReference()
	if ref == "" {
		metrics.SkippedResources.WithLabelValues("no_subject").Inc()
		e.logger.Debug().Str("encounter_id", enc.ID).Msg("encounter has no subject, skipping")
		return nil, false
	}

	target, ok := e.PatientURL(ref)
	if !ok {
		metrics.SkippedResources.WithLabelValues("foreign_reference").Inc()
		e.logger.Warn().Str("encounter_id", enc.ID).Msg("patient reference outside the FHIR server, skipping")
		return nil, false
	}

	resp, err := e.http.Do(ctx, http.MethodGet, target, nil,
		fhirclient.BearerHeader(token, "Accept", fhirclient.MediaTypeFHIRJSON))
	if err != nil {
		metrics.SkippedResources.WithLabelValues("patient_fetch").Inc()
		e.logger.Warn().Err(err).Str("encounter_id", enc.ID).Msg("patient request failed")
		return nil, false
	}
	if resp.StatusCode != http.StatusOK {
		metrics.SkippedResources.WithLabelValues("patient_status").Inc()
		e.logger.Warn().Int("status", resp.StatusCode).Str("encounter_id", enc.ID).Msg("patient request rejected")
		return nil, false
	}

	p, err := fhir.DecodePatient(resp.Body)
	if err != nil {
		metrics.SkippedResources.WithLabelValues("patient_parse").Inc()
		e.logger.Warn().Err(err).Str("encounter_id", enc.ID).Msg("patient response unreadable")
		return nil, false
	}
	return p, true
}
