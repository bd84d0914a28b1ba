package fhir

import "strings"

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

type Period struct {
	Start *DateTime `json:"start,omitempty"`
	End   *DateTime `json:"end,omitempty"`
}

// Encounter carries the subset of an R4 Encounter needed for activity
// reporting.
type Encounter struct {
	ResourceType string     `json:"resourceType"`
	ID           string     `json:"id"`
	Status       string     `json:"status,omitempty"`
	Class        Coding     `json:"class"`
	Period       *Period    `json:"period,omitempty"`
	Subject      *Reference `json:"subject,omitempty"`
}

// PeriodEnd returns the end of the encounter period, or nil when the
// encounter has no period or no end.
func (e *Encounter) PeriodEnd() *DateTime {
	if e.Period == nil {
		return nil
	}
	return e.Period.End
}

// PeriodStart returns the start of the encounter period, or nil.
func (e *Encounter) PeriodStart() *DateTime {
	if e.Period == nil {
		return nil
	}
	return e.Period.Start
}

// SubjectReference returns the literal subject reference ("Patient/123"),
// or "" when the encounter has no subject.
func (e *Encounter) SubjectReference() string {
	if e.Subject == nil {
		return ""
	}
	return e.Subject.Reference
}

// Patient carries the subset of an R4 Patient needed for activity reporting.
type Patient struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id"`
	Name         []HumanName `json:"name,omitempty"`
	BirthDate    string      `json:"birthDate,omitempty"`
	Gender       string      `json:"gender,omitempty"`
}

// DisplayName returns the text of the first name entry. When the first entry
// has no text, the given and family parts are joined instead.
func (p *Patient) DisplayName() string {
	if len(p.Name) == 0 {
		return ""
	}
	n := p.Name[0]
	if n.Text != "" {
		return n.Text
	}
	parts := append([]string{}, n.Given...)
	if n.Family != "" {
		parts = append(parts, n.Family)
	}
	return strings.Join(parts, " ")
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", "not-found", resourceType+"/"+id+" not found")
}
