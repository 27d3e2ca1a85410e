package persistence

import (
	"errors"
	"fmt"

	"github.com/absamo/triven-workflow/pkg/apperr"
)

var (
	ErrTemplateNotFound   = errors.New("workflow template not found")
	ErrInstanceNotFound   = errors.New("workflow instance not found")
	ErrStepNotFound       = errors.New("step execution not found")
	ErrApprovalNotFound   = errors.New("approval request not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrSiteNotFound       = errors.New("site not found")
	ErrPreferenceNotFound = errors.New("notification preference not found")

	// ErrAlreadyExists indicates a create with an id that is already stored.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrVersionConflict indicates a check-and-set update lost against a concurrent writer.
	ErrVersionConflict = errors.New("version conflict")
)

// EntityError adds the entity and operation to a persistence error.
type EntityError struct {
	Op     string
	Entity string
	ID     string
	Err    error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

func NewEntityError(op, entity, id string, err error) *EntityError {
	return &EntityError{Op: op, Entity: entity, ID: id, Err: err}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrStepNotFound) ||
		errors.Is(err, ErrApprovalNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrSiteNotFound) ||
		errors.Is(err, ErrPreferenceNotFound)
}

func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// Translate maps persistence sentinels onto the engine error taxonomy.
// Errors that already carry a kind are returned unchanged.
func Translate(op string, err error) error {
	if err == nil {
		return nil
	}

	if apperr.KindOf(err) != "" {
		return err
	}

	switch {
	case IsNotFound(err):
		return apperr.Wrap(apperr.KindNotFound, op, err)
	case IsVersionConflict(err), errors.Is(err, ErrAlreadyExists):
		return apperr.Wrap(apperr.KindConflict, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
