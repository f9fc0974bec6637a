package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/withObsrvr/flood-impact-runner/internal/cleaner"
	"github.com/withObsrvr/flood-impact-runner/internal/executor"
	"github.com/withObsrvr/flood-impact-runner/internal/inventory"
	"github.com/withObsrvr/flood-impact-runner/internal/merge"
	"github.com/withObsrvr/flood-impact-runner/internal/raster"
	"github.com/withObsrvr/flood-impact-runner/internal/scope"
	"github.com/withObsrvr/flood-impact-runner/internal/source"
	"github.com/withObsrvr/flood-impact-runner/internal/storage"
)

// Error kinds reported in the failure payload.
const (
	KindConfig            = "config"
	KindRaster            = "raster"
	KindNoPartitions      = "no_partitions"
	KindNoTasks           = "no_tasks"
	KindTransfer          = "transfer"
	KindNoSuccessfulTasks = "no_successful_tasks"
	KindSchemaMismatch    = "schema_mismatch"
	KindCanceled          = "canceled"
	KindInternal          = "internal"
)

// ErrNoInventory is returned when the inventory prefix lists no objects.
var ErrNoInventory = errors.New("no inventory objects found")

// Error is a classified terminal pipeline failure.
type Error struct {
	Kind    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fail wraps err with a kind and message. An err that is already a
// pipeline Error is returned unchanged.
func Fail(kind, message string, err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// Classify returns the pipeline Error for err, inferring the kind from the
// wrapped error when err is not already classified.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: kindOf(err), Message: err.Error(), Err: err}
}

func kindOf(err error) string {
	var (
		noData   *raster.NoValidDataError
		unknown  *scope.UnknownStatesError
		mismatch *merge.SchemaMismatchError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.As(err, &mismatch):
		return KindSchemaMismatch
	case errors.Is(err, executor.ErrNoSuccessfulTasks):
		return KindNoSuccessfulTasks
	case errors.Is(err, executor.ErrNoTasks):
		return KindNoTasks
	case errors.Is(err, inventory.ErrNoOverlappingPartitions):
		return KindNoPartitions
	case errors.Is(err, storage.ErrTransferFailed):
		return KindTransfer
	case errors.As(err, &noData), errors.Is(err, raster.ErrNoCRS):
		return KindRaster
	case errors.As(err, &unknown),
		errors.Is(err, scope.ErrEmptyScope),
		errors.Is(err, scope.ErrUnknownEvent),
		errors.Is(err, source.ErrNoRaster),
		errors.Is(err, source.ErrRasterNotFound),
		errors.Is(err, ErrNoInventory),
		errors.Is(err, cleaner.ErrMissingOccupancyColumn):
		return KindConfig
	case errors.Is(err, inventory.ErrMissingColumns):
		return KindSchemaMismatch
	}
	return KindInternal
}
