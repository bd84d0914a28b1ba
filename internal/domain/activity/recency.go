package activity

import (
	"time"

	"github.com/ehr/activity/internal/config"
	"github.com/ehr/activity/internal/platform/fhir"
)

// RecencyFilter decides which encounters are forwarded for enrichment.
//
// In legacy mode an encounter is forwarded when its period end is NOT inside
// (now-Window, now), both bounds exclusive. Encounters that ended within the
// window are dropped. Window mode forwards exactly the encounters that ended
// inside the window. Either way an encounter without a period end is always
// forwarded.
type RecencyFilter struct {
	Mode   string
	Window time.Duration
}

// Forward reports whether enc passes the filter at now.
func (f RecencyFilter) Forward(enc *fhir.Encounter, now time.Time) bool {
	end := enc.PeriodEnd()
	if end == nil {
		return true
	}
	in := end.Before(now) && end.After(now.Add(-f.Window))
	if f.Mode == config.RecencyModeWindow {
		return in
	}
	return !in
}
