package activity

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when a run id is not in the ledger.
var ErrRunNotFound = errors.New("run not found")

// RunRepository is the run ledger. It stores run metadata only.
type RunRepository interface {
	Create(ctx context.Context, run *Run) error
	Finish(ctx context.Context, run *Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*Run, error)
	// List returns runs newest first together with the total count.
	List(ctx context.Context, limit, offset int) ([]*Run, int, error)
}
