package domain

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrDistributorNotFound = errors.New("distributor_not_found")
	ErrParentNotFound      = errors.New("parent_not_found")
	ErrRootExists          = errors.New("root_exists")
	ErrRootNotMovable      = errors.New("root_not_movable")
	ErrInvalidCode         = errors.New("invalid_code")
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidStatus       = errors.New("invalid_status")
	ErrInvalidDepth        = errors.New("invalid_depth")
)

// CycleError rejects a structural change that would make a node its own
// ancestor.
type CycleError struct {
	ChildID  snowflake.ID
	ParentID snowflake.ID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle: %s cannot be placed under %s", e.ChildID, e.ParentID)
}

// DuplicateEnrollmentError rejects enrolling a node that already has a
// parent. Moving it requires an explicit reparent.
type DuplicateEnrollmentError struct {
	Code     string
	ParentID snowflake.ID
}

func (e *DuplicateEnrollmentError) Error() string {
	return fmt.Sprintf("distributor %q is already enrolled under %s", e.Code, e.ParentID)
}

// AncestorResolutionError means a chain walk hit a missing parent.
type AncestorResolutionError struct {
	NodeID    snowflake.ID
	MissingID snowflake.ID
}

func (e *AncestorResolutionError) Error() string {
	return fmt.Sprintf("ancestor chain of %s broken at %s", e.NodeID, e.MissingID)
}

func (e *AncestorResolutionError) Retryable() bool { return true }

// ConcurrentModificationError reports a lock timeout or a lost
// compare-and-set against a concurrent writer.
type ConcurrentModificationError struct {
	NodeID snowflake.ID
	Err    error
}

func (e *ConcurrentModificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("concurrent modification of %s: %v", e.NodeID, e.Err)
	}
	return fmt.Sprintf("concurrent modification of %s", e.NodeID)
}

func (e *ConcurrentModificationError) Unwrap() error        { return e.Err }
func (e *ConcurrentModificationError) Retryable() bool      { return true }
func (e *ConcurrentModificationError) LockContention() bool { return true }

// RetryableStoreError wraps a transient storage failure.
type RetryableStoreError struct {
	Op  string
	Err error
}

func (e *RetryableStoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RetryableStoreError) Unwrap() error   { return e.Err }
func (e *RetryableStoreError) Retryable() bool { return true }
