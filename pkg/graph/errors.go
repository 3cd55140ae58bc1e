package graph

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors for knowledge graph operations.
// Structured errors below match them with errors.Is.
var (
	ErrInvalidState         = errors.New("invalid project state")
	ErrNotFound             = errors.New("not found")
	ErrAlreadyDecided       = errors.New("discovery already decided")
	ErrExtractionFailed     = errors.New("extraction failed")
	ErrBootstrapStageFailed = errors.New("bootstrap stage failed")
	ErrSchemaViolation      = errors.New("schema violation")
	ErrQueueFull            = errors.New("job queue full")
)

// StateError reports an operation attempted against a project in a state that forbids it
type StateError struct {
	ProjectID string
	State     ProjectState
	Op        string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed: project %s is %s", e.Op, e.ProjectID, e.State)
}

func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

// NotFoundError reports an unknown project, discovery, node, edge or label
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NewNotFound builds a NotFoundError
func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// AlreadyDecidedError reports a decision on a discovery that is no longer pending
type AlreadyDecidedError struct {
	DiscoveryID string
	Status      DiscoveryStatus
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("discovery %s already %s", e.DiscoveryID, e.Status)
}

func (e *AlreadyDecidedError) Is(target error) bool { return target == ErrAlreadyDecided }

// ExtractionError wraps a failure of the external Extractor
type ExtractionError struct {
	Cause     error
	Transient bool
}

func (e *ExtractionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("extraction failed (%s): %v", kind, e.Cause)
}

func (e *ExtractionError) Unwrap() error { return e.Cause }

func (e *ExtractionError) Is(target error) bool { return target == ErrExtractionFailed }

// StageError reports the bootstrap stage that aborted the pipeline
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("bootstrap stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) Is(target error) bool { return target == ErrBootstrapStageFailed }

// SchemaError reports a type reference absent from the domain profile.
// Reaching the store with one is an internal invariant breach.
type SchemaError struct {
	Kind string
	Name string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s %q is not in the domain profile", e.Kind, e.Name)
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchemaViolation }

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	var extractionErr *ExtractionError
	if errors.As(err, &extractionErr) {
		return extractionErr.Transient
	}
	return errors.Is(err, ErrQueueFull)
}

// Kind returns a short machine-readable name of the error category
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidState):
		return "InvalidState"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrAlreadyDecided):
		return "AlreadyDecided"
	case errors.Is(err, ErrExtractionFailed):
		return "ExtractionFailed"
	case errors.Is(err, ErrBootstrapStageFailed):
		return "BootstrapStageFailed"
	case errors.Is(err, ErrSchemaViolation):
		return "SchemaViolation"
	case errors.Is(err, ErrQueueFull):
		return "QueueFull"
	default:
		return "Internal"
	}
}
