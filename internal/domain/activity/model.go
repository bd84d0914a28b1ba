// Package activity reports recently finished encounters for a patient group
// by driving a bulk export and enriching each encounter with its patient.
package activity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/activity/internal/platform/auth"
	"github.com/ehr/activity/internal/platform/bulkexport"
	"github.com/ehr/activity/internal/platform/fhir"
)

// FormatMessage renders one encounter and its patient in the fixed report
// layout. Absent optional fields render as empty strings.
func FormatMessage(enc *fhir.Encounter, p *fhir.Patient) string {
	var b strings.Builder
	b.WriteString("Encounter ID: " + enc.ID + "\n")
	b.WriteString("Status: " + enc.Status + "\n")
	b.WriteString("Class: " + enc.Class.Code + " - " + enc.Class.Display + "\n")
	b.WriteString("Period Start: " + dateString(enc.PeriodStart()) + " , End: " + dateString(enc.PeriodEnd()) + "\n")
	b.WriteString("Patient ID: " + p.ID + "\n")
	b.WriteString("Name: " + p.DisplayName() + "\n")
	b.WriteString("DOB: " + p.BirthDate + "\n")
	b.WriteString("Gender: " + p.Gender + "\n")
	return b.String()
}

func dateString(d *fhir.DateTime) string {
	if d == nil {
		return ""
	}
	return d.String()
}

// Run outcomes recorded in the ledger and the runs metric.
const (
	OutcomeRunning       = "running"
	OutcomeSuccess       = "success"
	OutcomeKeyError      = "key_error"
	OutcomeAuthFailed    = "auth_failed"
	OutcomeKickoffFailed = "kickoff_failed"
	OutcomePollFailed    = "poll_failed"
	OutcomeManifestError = "manifest_error"
	OutcomeCancelled     = "cancelled"
	OutcomeError         = "error"
)

// Run is one orchestration run. Messages are returned to the caller but
// never persisted.
type Run struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	Outcome      string     `db:"outcome" json:"outcome"`
	JobURL       *string    `db:"job_url" json:"job_url,omitempty"`
	JobState     *string    `db:"job_state" json:"job_state,omitempty"`
	FileCount    int        `db:"file_count" json:"file_count"`
	MessageCount int        `db:"message_count" json:"message_count"`
	Error        *string    `db:"error" json:"error,omitempty"`

	Messages []string `db:"-" json:"-"`
}

// Duration is zero until the run has finished.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// OutcomeOf classifies a run error.
func OutcomeOf(err error) string {
	var (
		keyErr      *auth.KeyLoadError
		authErr     *auth.AuthError
		kickoffErr  *bulkexport.KickoffError
		pollErr     *bulkexport.PollError
		manifestErr *bulkexport.ManifestParseError
	)
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.As(err, &keyErr):
		return OutcomeKeyError
	case errors.As(err, &authErr):
		return OutcomeAuthFailed
	case errors.As(err, &kickoffErr):
		return OutcomeKickoffFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	case errors.As(err, &pollErr):
		return OutcomePollFailed
	case errors.As(err, &manifestErr):
		return OutcomeManifestError
	default:
		return OutcomeError
	}
}
