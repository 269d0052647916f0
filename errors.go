package outbox

import (
	"errors"
	"fmt"
)

var (
	// ErrTransactionAborted is matched by every error returned from a rolled back unit of work.
	ErrTransactionAborted = errors.New("transaction aborted")
	// ErrNestedTransaction is returned when RunInTransaction is called from inside another unit of work.
	ErrNestedTransaction = errors.New("nested transactions are not supported")
	// ErrInvalidTransactionState is returned when a transaction handle is nil, committed or rolled back.
	ErrInvalidTransactionState = errors.New("transaction is not active")
	// ErrDuplicateMessage signals a redelivered message that was already processed.
	ErrDuplicateMessage = errors.New("message already processed")

	ErrMessageRequired          = errors.New("message is required")
	ErrDestinationRequired      = errors.New("message destination is required")
	ErrMessageIDRequired        = errors.New("message id is required")
	ErrMessageNotFound          = errors.New("outbox message not found")
	ErrInvalidState             = errors.New("invalid outbox message state")
	ErrInvalidTransition        = errors.New("invalid outbox message state transition")
	ErrMessageTypeRequired      = errors.New("message type is required")
	ErrHandlerRequired          = errors.New("message handler is required")
	ErrHandlerAlreadyRegistered = errors.New("message handler already registered")
	ErrHandlerNotRegistered     = errors.New("message handler is not registered")
	ErrLimitMustBePositive      = errors.New("limit must be greater than zero")
	ErrAttemptsExhausted        = errors.New("no publish attempts left")
)

// TransactionAbortedError reports a unit of work that was rolled back.
// Nothing it wrote is visible. Cause holds the error that triggered the rollback.
type TransactionAbortedError struct {
	Cause error
}

func (e *TransactionAbortedError) Error() string {
	return fmt.Sprintf("transaction aborted: %v", e.Cause)
}

func (e *TransactionAbortedError) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, ErrTransactionAborted) hold for every TransactionAbortedError.
func (e *TransactionAbortedError) Is(target error) bool {
	return target == ErrTransactionAborted
}

// PublishError indicates an error during message publication.
// It includes the message that failed to be published and the original error.
type PublishError struct {
	Message Message
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing message %s: %v", e.Message.ID, e.Err)
}
func (e *PublishError) Unwrap() error { return e.Err }

// ExhaustedRetriesError indicates a message moved to the failed state after its
// last allowed publish attempt. The message waits for operator intervention.
type ExhaustedRetriesError struct {
	Message Message
	Err     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("message %s exhausted %d attempts: %v", e.Message.ID, e.Message.TimesAttempted, e.Err)
}
func (e *ExhaustedRetriesError) Unwrap() error { return e.Err }

// UpdateError indicates an error when updating a message in the outbox.
// It includes the message that failed to be updated and the original error.
type UpdateError struct {
	Message Message
	Err     error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("updating message %s: %v", e.Message.ID, e.Err)
}
func (e *UpdateError) Unwrap() error { return e.Err }

// ReadError indicates an error when claiming messages from the outbox.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading outbox messages: %v", e.Err)
}
func (e *ReadError) Unwrap() error { return e.Err }
