package worklist

import (
	"context"
	"errors"
	"time"
)

var (
	ErrProcedureNotFound = errors.New("scheduled procedure not found")
	ErrStepNotFound      = errors.New("procedure step not found")
	ErrDuplicateStep     = errors.New("procedure step already exists")
	ErrStepTerminal      = errors.New("procedure step is no longer in progress")
)

// Filter narrows FindScheduledProcedures. Zero values match everything.
type Filter struct {
	Statuses        []string
	AccessionNumber string
	PatientID       string
	Modality        string
	DateFrom        string
	DateTo          string
	Limit           int
	Offset          int
}

// Store is the durable worklist state. Every mutating call is atomic; calls
// made inside InTx share one transaction.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	// UpsertPatient inserts or refreshes a patient keyed by patient_id.
	UpsertPatient(ctx context.Context, p *Patient) (string, error)
	// UpsertScheduledProcedure inserts a procedure keyed by accession number,
	// or rewrites its schedule when it is still SCHEDULED and differs.
	// changed is false when nothing was written.
	UpsertScheduledProcedure(ctx context.Context, sp *ScheduledProcedure) (changed bool, err error)
	FindScheduledProcedures(ctx context.Context, f Filter) ([]*Entry, error)
	CountScheduledProcedures(ctx context.Context, f Filter) (int, error)
	GetScheduledProcedure(ctx context.Context, accession string) (*Entry, error)

	// CreateProcedureStep records a new IN_PROGRESS step and moves its
	// procedure to IN_PROGRESS.
	CreateProcedureStep(ctx context.Context, step *ProcedureStep) error
	// UpdateProcedureStep moves an IN_PROGRESS step to a terminal status and
	// propagates the status to its procedure.
	UpdateProcedureStep(ctx context.Context, sopInstanceUID, status string, endTime time.Time) (*ProcedureStep, error)
	GetProcedureStep(ctx context.Context, sopInstanceUID string) (*ProcedureStep, error)

	Ping(ctx context.Context) error
}
