package fhir

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// FHIR dateTime allows reduced precision (year, year-month, date) as well as
// a full timestamp. Layouts are tried in order.
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// DateTime is a FHIR dateTime value. Raw keeps the wire form so that
// formatted output matches what the server sent.
type DateTime struct {
	Time time.Time
	Raw  string
}

// ParseDateTime parses a FHIR dateTime string. Values without a zone are
// interpreted as UTC.
func ParseDateTime(s string) (DateTime, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateTime{Time: t, Raw: s}, nil
		}
	}
	return DateTime{}, fmt.Errorf("invalid FHIR dateTime %q", s)
}

// NewDateTime wraps t as a DateTime using RFC 3339.
func NewDateTime(t time.Time) *DateTime {
	return &DateTime{Time: t, Raw: t.Format(time.RFC3339)}
}

func (d *DateTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("dateTime must be a string: %w", err)
	}
	parsed, err := ParseDateTime(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d DateTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d DateTime) String() string {
	if d.Raw != "" {
		return d.Raw
	}
	if d.Time.IsZero() {
		return ""
	}
	return d.Time.Format(time.RFC3339)
}

// Before reports whether d is strictly before t.
func (d DateTime) Before(t time.Time) bool { return d.Time.Before(t) }

// After reports whether d is strictly after t.
func (d DateTime) After(t time.Time) bool { return d.Time.After(t) }
