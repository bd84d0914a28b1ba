// Package bulkexport drives the client side of a FHIR Bulk Data export:
// kick-off, status polling, manifest parsing and job deletion.
package bulkexport

import "fmt"

// State is the lifecycle state of an export job.
type State int

const (
	StateNotStarted State = iota
	StateKicked
	StatePending
	StateCompleted
	StateFailed
	StateDeleted
)

var stateNames = map[State]string{
	StateNotStarted: "not-started",
	StateKicked:     "kicked",
	StatePending:    "pending",
	StateCompleted:  "completed",
	StateFailed:     "failed",
	StateDeleted:    "deleted",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further polling can happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDeleted
}

// allowed lists legal transitions. Deletion is reachable from every state
// after kick-off so cleanup can run on any exit path.
var allowed = map[State][]State{
	StateNotStarted: {StateKicked, StateFailed},
	StateKicked:     {StatePending, StateCompleted, StateFailed, StateDeleted},
	StatePending:    {StatePending, StateCompleted, StateFailed, StateDeleted},
	StateCompleted:  {StateDeleted},
	StateFailed:     {StateDeleted},
}

// Job is one asynchronous bulk export request.
type Job struct {
	KickoffURL string
	// StatusURL is the Content-Location returned on kick-off.
	StatusURL string
	// Manifest is the raw completion body, set once the job completes.
	Manifest []byte
	// Attempts counts status polls issued so far.
	Attempts int

	state   State
	history []State
}

func newJob(kickoffURL string) *Job {
	return &Job{KickoffURL: kickoffURL, state: StateNotStarted, history: []State{StateNotStarted}}
}

// State returns the current lifecycle state.
func (j *Job) State() State { return j.state }

// History returns every state the job has been in, oldest first.
func (j *Job) History() []State {
	out := make([]State, len(j.history))
	copy(out, j.history)
	return out
}

func (j *Job) transition(to State) error {
	for _, s := range allowed[j.state] {
		if s == to {
			j.state = to
			j.history = append(j.history, to)
			return nil
		}
	}
	return fmt.Errorf("illegal export job transition %s -> %s", j.state, to)
}
